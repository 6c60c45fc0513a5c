// Package server manages individual WebSocket sessions: the lifecycle state
// machine, read/write pumps, frame backpressure and the single terminal
// handler that releases a session's room membership.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/docrelay/internal/syncengine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// State is a session lifecycle state.
type State int32

// Session states. CLOSED is terminal.
const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type outbound struct {
	messageType int
	data        []byte
}

var (
	errSessionClosed   = errors.New("session closed")
	errBackfillStalled = errors.New("backfill stalled: client not reading")
)

type closeRequest struct {
	code   int
	reason string
	cause  string
}

// Session is one admitted connection. It owns its socket exclusively; the
// sync engine reaches it only through the syncengine.Peer methods.
type Session struct {
	id   uint64
	room string
	addr string
	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	state    atomic.Int32
	send     chan outbound
	closeReq chan closeRequest
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	terminateOnce sync.Once
	done          chan struct{}
}

func newSession(id uint64, room string, conn *websocket.Conn, addr string, h *Hub) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		room:     room,
		addr:     addr,
		conn:     conn,
		hub:      h,
		log:      h.log.With(zap.Uint64("connection_id", id), zap.String("room", room)),
		send:     make(chan outbound, h.sendBuffer),
		closeReq: make(chan closeRequest, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if h.frameLimit.PerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(h.frameLimit.PerSecond), max(h.frameLimit.Burst, 1))
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID implements syncengine.Peer.
func (s *Session) ID() uint64 { return s.id }

// Room returns the room the session was admitted to.
func (s *Session) Room() string { return s.room }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has been fully released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send implements syncengine.Peer. Frames go out as binary messages.
func (s *Session) Send(frame []byte) bool {
	return s.enqueue(outbound{messageType: websocket.BinaryMessage, data: frame})
}

// Close implements syncengine.Peer.
func (s *Session) Close(code int, reason string) {
	s.requestClose(closeRequest{code: code, reason: reason, cause: causeEngine})
}

// Backfill implements syncengine.Backfiller. It blocks until the frame is
// queued, the session closes or ctx is done, and gives up if the write pump
// has not made room within writeWait.
func (s *Session) Backfill(ctx context.Context, frame []byte) error {
	if s.State() == StateClosed {
		return errSessionClosed
	}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()

	select {
	case s.send <- outbound{messageType: websocket.BinaryMessage, data: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errSessionClosed
	case <-timer.C:
		return errBackfillStalled
	}
}

func (s *Session) enqueue(msg outbound) bool {
	if s.State() == StateClosed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.log.Warn("send buffer full, closing session")
		s.requestClose(closeRequest{code: CloseSlowConsumer, reason: "send buffer full", cause: causeSlowConsumer})
		return false
	}
}

// requestClose asks the lifecycle goroutine to terminate the session. Only
// the first request is kept; later ones are dropped.
func (s *Session) requestClose(req closeRequest) {
	select {
	case s.closeReq <- req:
	default:
	}
}

// run drives the session from CONNECTING to CLOSED. Inbound frames, transport
// failure and close requests all arrive on channels read here, so engine
// deliveries and the final release happen on this goroutine only.
func (s *Session) run(r *http.Request) {
	defer s.hub.fatalOnPanic("session")

	go s.writePump()

	req := syncengine.SyntheticRequest(s.ctx, r, s.room)
	binding, err := s.hub.engine.Attach(s.ctx, s, req, s.hub.syncOptions)
	if err != nil {
		s.log.Warn("sync engine attach failed", zap.Error(err))
		s.terminate(nil, closeRequest{code: CloseSetupFailed, reason: "setup failed", cause: causeSetupFailure})
		return
	}

	s.state.Store(int32(StateActive))
	s.sendWelcome()
	s.log.Info("session active", zap.String("remote_addr", s.addr))

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readPump(frames, readErr)

	for {
		select {
		case frame := <-frames:
			s.hub.metrics.Frame(len(frame))
			s.log.Debug("frame received", zap.Int("bytes", len(frame)))
			binding.Receive(frame)
		case err := <-readErr:
			s.terminate(binding, closeRequest{cause: s.classifyReadError(err)})
			return
		case req := <-s.closeReq:
			s.terminate(binding, req)
			return
		}
	}
}

func (s *Session) sendWelcome() {
	payload, err := json.Marshal(WelcomeFrame{
		Type:         welcomeType,
		Room:         s.room,
		ConnectionID: s.id,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		s.log.Error("marshal welcome frame", zap.Error(err))
		return
	}
	s.enqueue(outbound{messageType: websocket.TextMessage, data: payload})
}

// terminate is the single exit from the state machine. It detaches the
// engine, sends a close frame when req carries a code, closes the socket and
// releases room membership. Repeated calls are no-ops.
func (s *Session) terminate(binding syncengine.Binding, req closeRequest) {
	s.terminateOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		s.cancel()

		if binding != nil {
			binding.Detach()
		}

		if req.code != 0 {
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !isExpectedCloseError(err) {
				s.log.Debug("write close frame", zap.Error(err))
			}
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Debug("close connection", zap.Error(err))
		}

		s.log.Info("session closed", zap.Stringer("from_state", prev), zap.String("cause", req.cause), zap.Int("close_code", req.code))
		s.hub.release(s, req.cause)
		close(s.done)
	})
}

// setupReadConnection configures the read limit, read deadline and pong handler.
func (s *Session) setupReadConnection() {
	s.conn.SetReadLimit(s.hub.maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Debug("set initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (s *Session) readPump(frames chan<- []byte, readErr chan<- error) {
	defer s.hub.fatalOnPanic("read pump")

	s.setupReadConnection()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				readErr <- err
				return
			}
		}

		select {
		case frames <- data:
		case <-s.ctx.Done():
			readErr <- s.ctx.Err()
			return
		}
	}
}

// classifyReadError logs a read failure at a level matching how expected it
// is and returns the closure cause.
func (s *Session) classifyReadError(err error) string {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("frame exceeded maximum size", zap.Int64("max_bytes", s.hub.maxMessageSize))
		return causeTooBig
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug("client disconnected", zap.Error(err))
		return causeNormal
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), isExpectedCloseError(err):
		s.log.Debug("connection closed", zap.Error(err))
		return causeNormal
	default:
		s.log.Warn("websocket read error", zap.Error(err))
		return causeTransport
	}
}

func (s *Session) writePump() {
	defer s.hub.fatalOnPanic("write pump")

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			if !s.write(msg.messageType, msg.data) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// write sends one message and requests a close on failure.
func (s *Session) write(messageType int, data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.requestClose(closeRequest{cause: causeTransport})
		return false
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn("websocket write error", zap.Error(err))
		}
		s.requestClose(closeRequest{cause: causeTransport})
		return false
	}
	return true
}
