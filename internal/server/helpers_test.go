package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/docrelay/internal/registry"
	"github.com/Tyrowin/docrelay/internal/server"
	"github.com/Tyrowin/docrelay/internal/syncengine"
	"github.com/Tyrowin/docrelay/internal/telemetry"
)

const testOriginURL = "http://localhost:8080"

type testRelay struct {
	srv      *httptest.Server
	hub      *server.Hub
	registry *registry.Registry
	metrics  *telemetry.Metrics
	exits    *exitRecorder
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
}

// newTestRelay starts a relay on an httptest server. mutate may adjust the
// hub configuration before the hub is built. Cleanup drains every session
// before the server is closed.
func newTestRelay(t *testing.T, mutate func(*server.HubConfig), publicURL string) *testRelay {
	t.Helper()

	tr := &testRelay{
		registry: registry.New(),
		metrics:  telemetry.New(),
		exits:    &exitRecorder{},
	}
	log := zaptest.NewLogger(t)
	cfg := server.HubConfig{
		Registry:       tr.registry,
		Engine:         syncengine.NewRelay(log, 0),
		Metrics:        tr.metrics,
		Logger:         log,
		MaxConnections: 100,
		AllowedOrigins: []string{"*"},
		Sync:           syncengine.Options{EnableCompaction: true},
		Exit:           tr.exits.exit,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	tr.hub = server.NewHub(cfg)
	tr.srv = httptest.NewServer(server.NewRouter(server.NewHandlers(tr.hub, publicURL)))
	t.Cleanup(func() {
		tr.hub.BeginDrain()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, tr.hub.Wait(ctx))
		tr.srv.Close()
		tr.exits.mu.Lock()
		assert.Empty(t, tr.exits.codes, "session goroutine panicked")
		tr.exits.mu.Unlock()
	})
	return tr
}

func (tr *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http") + path
}

// dial opens a WebSocket to path with a test origin header.
func (tr *testRelay) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, err := tr.tryDial(path, testOriginURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (tr *testRelay) tryDial(path, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(tr.wsURL(path), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil && resp != nil {
		return nil, &handshakeError{status: resp.StatusCode, err: err}
	}
	return conn, err
}

type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string { return e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

// connect dials path and waits for the welcome frame, so the session is
// ACTIVE when it returns.
func (tr *testRelay) connect(t *testing.T, path string) (*websocket.Conn, server.WelcomeFrame) {
	t.Helper()
	conn := tr.dial(t, path)
	return conn, readWelcome(t, conn)
}

// readWelcome skips replayed binary frames and decodes the welcome frame.
func readWelcome(t *testing.T, conn *websocket.Conn) server.WelcomeFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if typ != websocket.TextMessage {
			continue
		}
		var w server.WelcomeFrame
		require.NoError(t, json.Unmarshal(data, &w))
		return w
	}
}

// expectClose reads until the connection closes and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close frame, got %v", err)
		return 0
	}
}

func (tr *testRelay) getJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(tr.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp
}

// scrape returns the /metrics exposition.
func (tr *testRelay) scrape(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(tr.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func (tr *testRelay) stats(t *testing.T) server.StatsResponse {
	t.Helper()
	var st server.StatsResponse
	tr.getJSON(t, "/stats", &st)
	return st
}

// failingEngine refuses every attachment.
type failingEngine struct{}

func (failingEngine) Attach(context.Context, syncengine.Peer, *http.Request, syncengine.Options) (syncengine.Binding, error) {
	return nil, errors.New("engine unavailable")
}

// capturingEngine wraps an engine and records each attached peer.
type capturingEngine struct {
	syncengine.Engine
	peers chan syncengine.Peer
}

func (e *capturingEngine) Attach(ctx context.Context, p syncengine.Peer, req *http.Request, opts syncengine.Options) (syncengine.Binding, error) {
	b, err := e.Engine.Attach(ctx, p, req, opts)
	if err == nil {
		e.peers <- p
	}
	return b, err
}

// stalledEngine holds Attach until release is closed, then delegates.
type stalledEngine struct {
	syncengine.Engine
	release chan struct{}
}

func (e *stalledEngine) Attach(ctx context.Context, p syncengine.Peer, req *http.Request, opts syncengine.Options) (syncengine.Binding, error) {
	<-e.release
	return e.Engine.Attach(ctx, p, req, opts)
}
