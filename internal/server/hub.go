// Package server coordinates admission, session bookkeeping and draining for
// the relay via the Hub type.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/docrelay/internal/config"
	"github.com/Tyrowin/docrelay/internal/events"
	"github.com/Tyrowin/docrelay/internal/registry"
	"github.com/Tyrowin/docrelay/internal/syncengine"
	"github.com/Tyrowin/docrelay/internal/telemetry"
)

// ErrDraining is returned by Admit once the hub has begun draining.
var ErrDraining = errors.New("server: draining")

const defaultSendBuffer = 256

// HubConfig wires a Hub to its collaborators.
type HubConfig struct {
	Registry *registry.Registry
	Engine   syncengine.Engine
	Metrics  *telemetry.Metrics
	Events   events.Publisher
	Logger   *zap.Logger

	MaxConnections int
	MaxMessageSize int64
	FrameLimit     config.FrameLimitConfig
	Sync           syncengine.Options
	AllowedOrigins []string
	SendBuffer     int
	// Instance identifies this process in health output. Defaults to a random UUID.
	Instance string
	// Exit terminates the process after an unrecovered panic. Defaults to os.Exit.
	Exit func(code int)
}

// Hub admits WebSocket connections, tracks live sessions and drains them on
// shutdown. Room membership itself lives in the Registry.
type Hub struct {
	registry *registry.Registry
	engine   syncengine.Engine
	metrics  *telemetry.Metrics
	events   events.Publisher
	log      *zap.Logger
	exit     func(code int)

	maxConnections int
	maxMessageSize int64
	frameLimit     config.FrameLimitConfig
	syncOptions    syncengine.Options
	sendBuffer     int
	instance       string

	upgrader websocket.Upgrader
	started  time.Time
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session
	draining bool
	wg       sync.WaitGroup
}

// NewHub creates a Hub. Registry and Engine are required.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.New()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}

	log := cfg.Logger.Named("hub")
	h := &Hub{
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		metrics:        cfg.Metrics,
		events:         cfg.Events,
		log:            log,
		exit:           cfg.Exit,
		maxConnections: cfg.MaxConnections,
		maxMessageSize: cfg.MaxMessageSize,
		frameLimit:     cfg.FrameLimit,
		syncOptions:    cfg.Sync,
		sendBuffer:     cfg.SendBuffer,
		instance:       cfg.Instance,
		started:        time.Now(),
		sessions:       make(map[uint64]*Session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(cfg.AllowedOrigins, log).check,
	}
	return h
}

// ServeWS upgrades the request, resolves its room and runs the session until
// it closes. Rejected connections are upgraded and then closed with 1013
// (overload) or 1001 (draining) so clients see a WebSocket close code.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	room := ResolveRoom(r)
	s, err := h.admit(conn, room, r.RemoteAddr)
	if err != nil {
		h.reject(conn, room, err)
		return
	}

	s.run(r)
}

// admit reserves a slot in the registry and registers the session. The
// draining check and the registry mutation happen under one lock so no
// session is admitted after BeginDrain has taken its snapshot.
func (h *Hub) admit(conn *websocket.Conn, room, addr string) (*Session, error) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return nil, ErrDraining
	}
	count, err := h.registry.Admit(room, h.maxConnections)
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("admit %q: %w", room, err)
	}
	s := newSession(h.nextID.Add(1), room, conn, addr, h)
	h.sessions[s.id] = s
	h.wg.Add(1)
	h.recordOccupancyLocked(events.KindJoin, room, count, s.id)
	h.mu.Unlock()

	h.metrics.Admission(telemetry.AdmitAccepted)
	s.log.Debug("connection admitted", zap.Int("room_connections", count))
	return s, nil
}

func (h *Hub) reject(conn *websocket.Conn, room string, err error) {
	code, reason, result := CloseOverloaded, "server overloaded", telemetry.AdmitOverloaded
	if errors.Is(err, ErrDraining) {
		code, reason, result = CloseShuttingDown, "server shutting down", telemetry.AdmitDraining
	}
	h.metrics.Admission(result)
	h.log.Warn("connection rejected",
		zap.String("room", room),
		zap.Int("close_code", code),
		zap.Int("total_connections", h.registry.Total()),
		zap.Int("max_connections", h.maxConnections),
		zap.Error(err),
	)

	msg := websocket.FormatCloseMessage(code, reason)
	if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil && !isExpectedCloseError(werr) {
		h.log.Debug("write rejection close frame", zap.Error(werr))
	}
	if cerr := conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
		h.log.Debug("close rejected connection", zap.Error(cerr))
	}
}

// release is the compensating half of admit. Session.terminate calls it
// exactly once.
func (h *Hub) release(s *Session, cause string) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	count, _ := h.registry.Release(s.room)
	h.recordOccupancyLocked(events.KindLeave, s.room, count, s.id)
	h.mu.Unlock()

	h.metrics.Closure(cause)
	h.wg.Done()
}

// recordOccupancyLocked mirrors a membership change to the gauges and the
// event publisher. It runs under h.mu, the lock that serializes every
// registry mutation, so mirrors see changes in the order they happened.
// Publish never blocks.
func (h *Hub) recordOccupancyLocked(kind, room string, count int, id uint64) {
	h.metrics.SetOccupancy(h.registry.Total(), h.registry.RoomCount())
	h.events.Publish(events.Event{Kind: kind, Room: room, Count: count, ConnectionID: id})
}

// BeginDrain stops admission and asks every live session to close with 1001.
// It returns the number of sessions asked.
func (h *Hub) BeginDrain() int {
	h.mu.Lock()
	h.draining = true
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.requestClose(closeRequest{code: CloseShuttingDown, reason: "server shutting down", cause: causeShutdown})
	}
	h.log.Info("draining sessions", zap.Int("sessions", len(live)))
	return len(live)
}

// Wait blocks until every admitted session has been released or ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.log.Warn("sessions still open at deadline", zap.Int("sessions", h.SessionCount()))
		return ctx.Err()
	}
}

// Draining reports whether BeginDrain has been called.
func (h *Hub) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// SessionCount returns the number of sessions not yet released.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Stats is a point-in-time view of occupancy.
type Stats struct {
	TotalConnections int
	ActiveRooms      int
	Rooms            []registry.RoomCount
	MaxConnections   int
	Uptime           time.Duration
	Draining         bool
	Instance         string
}

// Stats reads the registry. Totals and rooms come from one snapshot so they
// always agree.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	rooms := h.registry.Snapshot()
	draining := h.draining
	h.mu.Unlock()

	total := 0
	for _, rc := range rooms {
		total += rc.Connections
	}
	return Stats{
		TotalConnections: total,
		ActiveRooms:      len(rooms),
		Rooms:            rooms,
		MaxConnections:   h.maxConnections,
		Uptime:           time.Since(h.started),
		Draining:         draining,
		Instance:         h.instance,
	}
}

// fatalOnPanic is deferred at the top of every session goroutine. A panic
// there leaves shared state undefined, so it is logged and the process exits.
func (h *Hub) fatalOnPanic(where string) {
	if r := recover(); r != nil {
		h.log.Error("unrecovered panic",
			zap.String("goroutine", where),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
		_ = h.log.Sync()
		h.exit(1)
	}
}
