package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// DefaultHistoryLimit bounds the frames retained per document when
// compaction is enabled.
const DefaultHistoryLimit = 512

// Relay is the built-in Engine. Every frame a peer sends is forwarded to the
// other peers of the same document; with compaction enabled, retained frames
// are replayed to peers that attach later.
type Relay struct {
	log          *zap.Logger
	historyLimit int

	mu   sync.Mutex
	docs map[string]*document
}

type document struct {
	name    string
	peers   map[uint64]Peer
	history [][]byte
	// retained counts every frame ever appended to history, trimmed or not.
	retained int
}

// since returns the retained frames with sequence number >= seq, or the whole
// history when older frames have already been trimmed.
func (d *document) since(seq int) [][]byte {
	first := d.retained - len(d.history)
	if seq < first {
		seq = first
	}
	if seq >= d.retained {
		return nil
	}
	return append([][]byte(nil), d.history[seq-first:]...)
}

// NewRelay returns a Relay. historyLimit <= 0 selects DefaultHistoryLimit.
func NewRelay(log *zap.Logger, historyLimit int) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Relay{
		log:          log.Named("relay"),
		historyLimit: historyLimit,
		docs:         make(map[string]*document),
	}
}

// Attach joins peer to the document named by req's path.
func (r *Relay) Attach(ctx context.Context, peer Peer, req *http.Request, opts Options) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := RoomFromRequest(req)
	if name == "" {
		return nil, ErrNoRoom
	}
	if opts.EnableCompaction && opts.CompactionFilter == nil {
		opts.CompactionFilter = SyncUpdatesOnly
	}

	// Catch up on history before registering, so live frames only start
	// flowing once the backlog is queued. Frames retained while a batch was
	// being replayed are picked up on the next pass.
	var (
		doc   *document
		sent  int
		total int
	)
	for {
		r.mu.Lock()
		cur, ok := r.docs[name]
		if !ok {
			cur = &document{name: name, peers: make(map[uint64]Peer)}
			r.docs[name] = cur
		}
		if cur != doc {
			doc, sent = cur, 0
		}
		var pending [][]byte
		if opts.EnableCompaction {
			pending = doc.since(sent)
		}
		if len(pending) == 0 {
			doc.peers[peer.ID()] = peer
			r.mu.Unlock()
			break
		}
		sent = doc.retained
		r.mu.Unlock()

		if err := replayHistory(ctx, peer, pending); err != nil {
			r.log.Warn("history replay failed", zap.String("room", name), zap.Uint64("connection_id", peer.ID()), zap.Error(err))
			return nil, err
		}
		total += len(pending)
	}
	if total > 0 {
		r.log.Debug("replayed history", zap.String("room", name), zap.Uint64("connection_id", peer.ID()), zap.Int("frames", total))
	}

	return &binding{relay: r, doc: doc, peer: peer, opts: opts}, nil
}

// replayHistory delivers frames in order, through Backfill when the peer
// supports it.
func replayHistory(ctx context.Context, peer Peer, frames [][]byte) error {
	bf, blocking := peer.(Backfiller)
	for i, frame := range frames {
		if blocking {
			if err := bf.Backfill(ctx, frame); err != nil {
				return fmt.Errorf("%w: frame %d of %d: %w", ErrReplayIncomplete, i+1, len(frames), err)
			}
			continue
		}
		if !peer.Send(frame) {
			return fmt.Errorf("%w: frame %d of %d rejected", ErrReplayIncomplete, i+1, len(frames))
		}
	}
	return nil
}

func (r *Relay) detach(doc *document, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(doc.peers, peer.ID())
	if len(doc.peers) == 0 && r.docs[doc.name] == doc {
		delete(r.docs, doc.name)
	}
}

// Documents returns the number of documents with attached peers.
func (r *Relay) Documents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// HistoryLen returns the number of retained frames for a document.
func (r *Relay) HistoryLen(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[name]; ok {
		return len(doc.history)
	}
	return 0
}

type binding struct {
	relay *Relay
	doc   *document
	peer  Peer
	opts  Options
	once  sync.Once
}

func (b *binding) Receive(frame []byte) {
	r := b.relay

	r.mu.Lock()
	if b.opts.EnableCompaction && b.opts.CompactionFilter(frame) {
		b.doc.history = append(b.doc.history, frame)
		b.doc.retained++
		if over := len(b.doc.history) - r.historyLimit; over > 0 {
			b.doc.history = append(b.doc.history[:0:0], b.doc.history[over:]...)
		}
	}
	targets := make([]Peer, 0, len(b.doc.peers))
	for id, p := range b.doc.peers {
		if id != b.peer.ID() {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.Send(frame)
	}
}

func (b *binding) Detach() {
	b.once.Do(func() {
		b.relay.detach(b.doc, b.peer)
	})
}
