// Package server defines shared frame types, close codes and utility helpers
// that are reused across session and hub logic.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultRoom is used when a request names no room.
const DefaultRoom = "default"

// Close codes sent to clients that are turned away or closed by the relay.
const (
	// CloseOverloaded rejects a connection when the connection ceiling is reached.
	CloseOverloaded = websocket.CloseTryAgainLater
	// CloseSetupFailed closes a connection whose sync engine failed to attach.
	CloseSetupFailed = websocket.CloseInternalServerErr
	// CloseShuttingDown closes connections while the relay drains.
	CloseShuttingDown = websocket.CloseGoingAway
	// CloseSlowConsumer closes a connection whose send buffer is full.
	CloseSlowConsumer = websocket.ClosePolicyViolation
)

// Closure causes, used as log fields and metric labels.
const (
	causeNormal       = "normal"
	causeTransport    = "transport_error"
	causeTooBig       = "message_too_big"
	causeSetupFailure = "setup_failure"
	causeShutdown     = "shutdown"
	causeSlowConsumer = "slow_consumer"
	causeEngine       = "engine_close"
)

// WelcomeFrame is the JSON text frame sent once a session becomes active.
type WelcomeFrame struct {
	Type         string    `json:"type"`
	Room         string    `json:"room"`
	ConnectionID uint64    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

const welcomeType = "server-welcome"

// ResolveRoom picks the room for an upgrade request: the "room" query
// parameter, else the first non-empty path segment, else DefaultRoom.
// Leading slashes are stripped before the path is split.
func ResolveRoom(r *http.Request) string {
	if room := r.URL.Query().Get("room"); room != "" {
		return room
	}
	path := strings.TrimLeft(r.URL.Path, "/")
	if seg, _, _ := strings.Cut(path, "/"); seg != "" {
		return seg
	}
	return DefaultRoom
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if err == websocket.ErrCloseSent {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
