package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/docrelay/internal/events"
	"github.com/Tyrowin/docrelay/internal/registry"
	"github.com/Tyrowin/docrelay/internal/syncengine"
	"github.com/Tyrowin/docrelay/internal/telemetry"
)

// recordingPublisher keeps every event along with the registry's room count
// at the moment Publish ran.
type recordingPublisher struct {
	reg *registry.Registry

	mu     sync.Mutex
	events []events.Event
	live   []int
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.live = append(p.live, p.reg.Count(ev.Room))
}

func newTestHub(t *testing.T, mutate func(*HubConfig)) *Hub {
	t.Helper()
	cfg := HubConfig{
		Registry:       registry.New(),
		Engine:         syncengine.NewRelay(nil, 0),
		Metrics:        telemetry.New(),
		Logger:         zaptest.NewLogger(t),
		MaxConnections: 100,
		Exit:           func(int) { t.Error("unexpected exit") },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHub(cfg)
}

// TestOccupancyEventsFollowRegistryOrder churns one room from many
// goroutines and checks every published count matches the registry at the
// time of publication and replays to a consistent sequence.
func TestOccupancyEventsFollowRegistryOrder(t *testing.T) {
	reg := registry.New()
	pub := &recordingPublisher{reg: reg}
	metrics := telemetry.New()
	h := newTestHub(t, func(c *HubConfig) {
		c.Registry = reg
		c.Events = pub
		c.Metrics = metrics
	})

	const workers, rounds = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				s, err := h.admit(nil, "shared", "test")
				if !assert.NoError(t, err) {
					return
				}
				h.release(s, causeNormal)
			}
		}()
	}
	wg.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2*workers*rounds)

	running := 0
	for i, ev := range pub.events {
		switch ev.Kind {
		case events.KindJoin:
			running++
		case events.KindLeave:
			running--
		default:
			t.Fatalf("unexpected event kind %q", ev.Kind)
		}
		assert.Equal(t, running, ev.Count, "event %d", i)
		assert.Equal(t, pub.live[i], ev.Count, "event %d", i)
	}
	assert.Equal(t, 0, running)
	assert.Equal(t, 0, reg.Total())

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "docrelay_connections 0\n")
	assert.Contains(t, string(body), "docrelay_rooms 0\n")
}

// TestSlowConsumerRequestsPolicyClose verifies a full send buffer refuses
// the frame and asks the lifecycle goroutine to close with 1008.
func TestSlowConsumerRequestsPolicyClose(t *testing.T) {
	h := newTestHub(t, func(c *HubConfig) { c.SendBuffer = 1 })
	s := newSession(1, "slow", nil, "test", h)
	t.Cleanup(s.cancel)

	assert.True(t, s.Send([]byte{0, 2, 1}))
	assert.False(t, s.Send([]byte{0, 2, 2}))

	select {
	case req := <-s.closeReq:
		assert.Equal(t, CloseSlowConsumer, req.code)
		assert.Equal(t, causeSlowConsumer, req.cause)
	default:
		t.Fatal("expected a close request")
	}
}

// TestBackfillWaitsForRoom verifies Backfill blocks on a full buffer instead
// of closing the session, and gives up with the caller's context or the
// session's.
func TestBackfillWaitsForRoom(t *testing.T) {
	h := newTestHub(t, func(c *HubConfig) { c.SendBuffer = 1 })
	s := newSession(1, "catchup", nil, "test", h)
	t.Cleanup(s.cancel)

	require.NoError(t, s.Backfill(context.Background(), []byte{0, 2, 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Backfill(ctx, []byte{0, 2, 2}), context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-s.send
	}()
	require.NoError(t, s.Backfill(context.Background(), []byte{0, 2, 3}))

	s.cancel()
	assert.ErrorIs(t, s.Backfill(context.Background(), []byte{0, 2, 4}), errSessionClosed)

	select {
	case req := <-s.closeReq:
		t.Fatalf("backfill must not request a close, got %+v", req)
	default:
	}
}

// TestFatalOnPanicExits verifies a panic in a session goroutine is logged and
// ends the process with status 1.
func TestFatalOnPanicExits(t *testing.T) {
	codes := make(chan int, 1)
	h := newTestHub(t, func(c *HubConfig) { c.Exit = func(code int) { codes <- code } })

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer h.fatalOnPanic("test")
		panic("boom")
	}()
	<-done

	select {
	case code := <-codes:
		assert.Equal(t, 1, code)
	default:
		t.Fatal("exit was not called")
	}
}
