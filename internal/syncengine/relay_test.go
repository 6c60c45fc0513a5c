package syncengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePeer struct {
	id uint64

	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (p *fakePeer) ID() uint64 { return p.id }

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.frames = append(p.frames, frame)
	return true
}

func (p *fakePeer) Close(int, string) {}

func (p *fakePeer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func roomRequest(t *testing.T, room string) *http.Request {
	t.Helper()
	orig := httptest.NewRequest(http.MethodGet, "/ignored/path?room="+room, nil)
	return SyntheticRequest(context.Background(), orig, room)
}

// TestSyntheticRequestCarriesRoomAsPath verifies the request shape handed
// to engines.
func TestSyntheticRequestCarriesRoomAsPath(t *testing.T) {
	req := roomRequest(t, "docX")

	assert.Equal(t, "/docX", req.URL.Path)
	assert.Empty(t, req.URL.RawQuery)
	assert.Equal(t, "docX", RoomFromRequest(req))
}

// TestRelayForwardsToOtherPeers verifies frames reach every other peer of
// the same document and never echo back to the sender.
func TestRelayForwardsToOtherPeers(t *testing.T) {
	relay := NewRelay(zaptest.NewLogger(t), 0)
	a, b, c := &fakePeer{id: 1}, &fakePeer{id: 2}, &fakePeer{id: 3}

	ba, err := relay.Attach(context.Background(), a, roomRequest(t, "doc"), Options{})
	require.NoError(t, err)
	_, err = relay.Attach(context.Background(), b, roomRequest(t, "doc"), Options{})
	require.NoError(t, err)
	_, err = relay.Attach(context.Background(), c, roomRequest(t, "other"), Options{})
	require.NoError(t, err)

	ba.Receive([]byte{0, 2, 7})

	assert.Empty(t, a.received())
	assert.Equal(t, [][]byte{{0, 2, 7}}, b.received())
	assert.Empty(t, c.received())
}

// TestRelayAttachRequiresRoom verifies an empty room path is a setup error.
func TestRelayAttachRequiresRoom(t *testing.T) {
	relay := NewRelay(nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := relay.Attach(context.Background(), &fakePeer{id: 1}, req, Options{})
	require.ErrorIs(t, err, ErrNoRoom)
	assert.Equal(t, 0, relay.Documents())
}

// TestRelayAttachHonoursCancelledContext verifies a cancelled context fails setup.
func TestRelayAttachHonoursCancelledContext(t *testing.T) {
	relay := NewRelay(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := relay.Attach(ctx, &fakePeer{id: 1}, roomRequest(t, "doc"), Options{})
	require.ErrorIs(t, err, context.Canceled)
}

// TestRelayCompactionReplaysHistory verifies that retained sync updates are
// replayed to late joiners while awareness frames are not retained.
func TestRelayCompactionReplaysHistory(t *testing.T) {
	relay := NewRelay(nil, 0)
	opts := Options{EnableCompaction: true}

	first := &fakePeer{id: 1}
	b1, err := relay.Attach(context.Background(), first, roomRequest(t, "doc"), opts)
	require.NoError(t, err)

	b1.Receive([]byte{0, 2, 1})
	b1.Receive([]byte{1, 9})
	b1.Receive([]byte{0, 0, 5})
	b1.Receive([]byte{0, 1, 3})
	assert.Equal(t, 2, relay.HistoryLen("doc"))

	late := &fakePeer{id: 2}
	_, err = relay.Attach(context.Background(), late, roomRequest(t, "doc"), opts)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{{0, 2, 1}, {0, 1, 3}}, late.received())
}

// TestRelayCompactionUsesCustomFilter verifies a caller filter replaces the default.
func TestRelayCompactionUsesCustomFilter(t *testing.T) {
	relay := NewRelay(nil, 0)
	opts := Options{
		EnableCompaction: true,
		CompactionFilter: func(frame []byte) bool { return len(frame) > 2 },
	}

	b, err := relay.Attach(context.Background(), &fakePeer{id: 1}, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	b.Receive([]byte{1, 1, 1})
	b.Receive([]byte{0, 2})

	assert.Equal(t, 1, relay.HistoryLen("doc"))
}

// TestRelayHistoryIsBounded verifies the oldest frames are dropped past the limit.
func TestRelayHistoryIsBounded(t *testing.T) {
	relay := NewRelay(nil, 3)
	opts := Options{EnableCompaction: true}

	b, err := relay.Attach(context.Background(), &fakePeer{id: 1}, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	for i := byte(0); i < 5; i++ {
		b.Receive([]byte{0, 2, i})
	}

	late := &fakePeer{id: 2}
	_, err = relay.Attach(context.Background(), late, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0, 2, 2}, {0, 2, 3}, {0, 2, 4}}, late.received())
}

// TestRelayDetachDropsEmptyDocument verifies a document and its history are
// released with its last peer, and Detach is idempotent.
func TestRelayDetachDropsEmptyDocument(t *testing.T) {
	relay := NewRelay(nil, 0)
	opts := Options{EnableCompaction: true}

	b1, err := relay.Attach(context.Background(), &fakePeer{id: 1}, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	b2, err := relay.Attach(context.Background(), &fakePeer{id: 2}, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	b1.Receive([]byte{0, 2, 1})

	b1.Detach()
	b1.Detach()
	assert.Equal(t, 1, relay.Documents())

	b2.Detach()
	assert.Equal(t, 0, relay.Documents())
	assert.Equal(t, 0, relay.HistoryLen("doc"))
}

// backfillPeer accepts catch-up frames through Backfill and keeps them apart
// from live frames delivered by Send.
type backfillPeer struct {
	fakePeer

	backfilled [][]byte
	err        error
	onBackfill func(n int)
}

func (p *backfillPeer) Backfill(_ context.Context, frame []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.backfilled = append(p.backfilled, frame)
	n := len(p.backfilled)
	p.mu.Unlock()
	if p.onBackfill != nil {
		p.onBackfill(n)
	}
	return nil
}

// TestRelayAttachFailsWhenReplayRejected verifies a peer that cannot take the
// backlog is not attached.
func TestRelayAttachFailsWhenReplayRejected(t *testing.T) {
	relay := NewRelay(zaptest.NewLogger(t), 0)
	opts := Options{EnableCompaction: true}

	b1, err := relay.Attach(context.Background(), &fakePeer{id: 1}, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	b1.Receive([]byte{0, 2, 1})
	b1.Receive([]byte{0, 2, 2})

	_, err = relay.Attach(context.Background(), &fakePeer{id: 2, full: true}, roomRequest(t, "doc"), opts)
	require.ErrorIs(t, err, ErrReplayIncomplete)

	b1.Detach()
	assert.Equal(t, 0, relay.Documents())
}

// TestRelayAttachReportsBackfillError verifies the peer's error is kept in
// the chain.
func TestRelayAttachReportsBackfillError(t *testing.T) {
	relay := NewRelay(zaptest.NewLogger(t), 0)
	opts := Options{EnableCompaction: true}

	b1, err := relay.Attach(context.Background(), &fakePeer{id: 1}, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	b1.Receive([]byte{0, 2, 1})

	_, err = relay.Attach(context.Background(), &backfillPeer{fakePeer: fakePeer{id: 2}, err: context.Canceled}, roomRequest(t, "doc"), opts)
	require.ErrorIs(t, err, ErrReplayIncomplete)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestRelayBackfillCatchesUpBeforeLiveFrames verifies frames retained while
// history is replaying are backfilled too, and live delivery starts only
// afterwards, with nothing repeated.
func TestRelayBackfillCatchesUpBeforeLiveFrames(t *testing.T) {
	relay := NewRelay(zaptest.NewLogger(t), 0)
	opts := Options{EnableCompaction: true}

	writer := &fakePeer{id: 1}
	b1, err := relay.Attach(context.Background(), writer, roomRequest(t, "doc"), opts)
	require.NoError(t, err)
	b1.Receive([]byte{0, 2, 1})

	late := &backfillPeer{fakePeer: fakePeer{id: 2}}
	late.onBackfill = func(n int) {
		if n == 1 {
			b1.Receive([]byte{0, 2, 2})
		}
	}
	_, err = relay.Attach(context.Background(), late, roomRequest(t, "doc"), opts)
	require.NoError(t, err)

	b1.Receive([]byte{0, 2, 3})

	late.mu.Lock()
	backfilled := late.backfilled
	late.mu.Unlock()
	assert.Equal(t, [][]byte{{0, 2, 1}, {0, 2, 2}}, backfilled)
	assert.Equal(t, [][]byte{{0, 2, 3}}, late.received())
}

// TestSyncUpdatesOnly checks the default retention filter.
func TestSyncUpdatesOnly(t *testing.T) {
	assert.True(t, SyncUpdatesOnly([]byte{0, 1, 0}))
	assert.True(t, SyncUpdatesOnly([]byte{0, 2, 0}))
	assert.False(t, SyncUpdatesOnly([]byte{0, 0, 0}))
	assert.False(t, SyncUpdatesOnly([]byte{1, 2, 0}))
	assert.False(t, SyncUpdatesOnly([]byte{0}))
	assert.False(t, SyncUpdatesOnly(nil))
}
