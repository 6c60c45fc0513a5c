// Package syncengine defines the contract between the relay and the document
// synchronization engine that runs the real-time protocol on each connection.
//
// The relay owns the socket. An Engine only ever sees a Peer, which can queue
// outbound frames and request a close, and hands back a Binding through which
// the relay delivers inbound frames.
package syncengine

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrNoRoom is returned by Attach when the request path names no room.
var ErrNoRoom = errors.New("syncengine: request path names no room")

// ErrReplayIncomplete is returned by Attach when retained history could not
// be delivered to the attaching peer.
var ErrReplayIncomplete = errors.New("syncengine: history replay incomplete")

// Peer is the engine's view of one connection.
type Peer interface {
	// ID returns the connection id assigned at admission.
	ID() uint64
	// Send queues a frame for delivery without blocking. It returns false
	// when the frame could not be queued.
	Send(frame []byte) bool
	// Close asks the relay to close the connection with a WebSocket status code.
	Close(code int, reason string)
}

// Backfiller is implemented by peers that can take catch-up frames through a
// blocking path. Backfill waits for room in the peer's outbound queue until
// ctx is done, so a large history is paced by the socket rather than
// tripping the live-frame backpressure.
type Backfiller interface {
	Backfill(ctx context.Context, frame []byte) error
}

// Binding is an attached engine session for one Peer.
type Binding interface {
	// Receive delivers one inbound frame. Calls are sequential per Binding.
	Receive(frame []byte)
	// Detach is called exactly once after the last Receive.
	Detach()
}

// Options tune an attachment.
type Options struct {
	// EnableCompaction retains frames accepted by CompactionFilter so that
	// peers joining later can be brought up to date.
	EnableCompaction bool
	// CompactionFilter reports whether a frame should be retained. Nil means
	// SyncUpdatesOnly.
	CompactionFilter func(frame []byte) bool
}

// Engine attaches the synchronization protocol to a connection. req carries
// the room as its path.
type Engine interface {
	Attach(ctx context.Context, peer Peer, req *http.Request, opts Options) (Binding, error)
}

// Yjs message types, as the first varint of each frame.
const (
	messageSync      = 0
	messageAwareness = 1

	syncStep1  = 0
	syncStep2  = 1
	syncUpdate = 2
)

// SyncUpdatesOnly accepts Yjs sync frames that carry document updates
// (step 2 replies and incremental updates) and rejects state-vector requests,
// awareness and anything else.
func SyncUpdatesOnly(frame []byte) bool {
	if len(frame) < 2 || frame[0] != messageSync {
		return false
	}
	return frame[1] == syncStep2 || frame[1] == syncUpdate
}

// RoomFromRequest extracts the room from a request built by SyntheticRequest.
func RoomFromRequest(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return strings.TrimPrefix(req.URL.Path, "/")
}

// SyntheticRequest clones orig with its path replaced by "/<room>" and the
// query dropped, which is the shape engines expect.
func SyntheticRequest(ctx context.Context, orig *http.Request, room string) *http.Request {
	req := orig.Clone(ctx)
	u := *orig.URL
	u.Path = "/" + room
	u.RawPath = ""
	u.RawQuery = ""
	req.URL = &u
	req.RequestURI = u.RequestURI()
	return req
}
