// Package server exposes HTTP handlers, including WebSocket upgrades, health
// and stats reporting, and the landing page.
package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/docrelay/internal/registry"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string               `json:"status"`
	Instance         string               `json:"instance"`
	TotalConnections int                  `json:"totalConnections"`
	ActiveRooms      int                  `json:"activeRooms"`
	Rooms            []registry.RoomCount `json:"rooms"`
	UptimeSeconds    float64              `json:"uptimeSeconds"`
	Timestamp        time.Time            `json:"timestamp"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	TotalConnections int                  `json:"totalConnections"`
	ActiveRooms      int                  `json:"activeRooms"`
	Rooms            []registry.RoomCount `json:"rooms"`
	MaxConnections   int                  `json:"maxConnections"`
	UptimeSeconds    float64              `json:"uptimeSeconds"`
}

// Handlers serves the relay's plain HTTP surface. Every response is computed
// from the registry at request time.
type Handlers struct {
	hub       *Hub
	publicURL string
	log       *zap.Logger
}

// NewHandlers returns handlers reporting on hub. publicURL overrides the
// WebSocket URL shown on the landing page.
func NewHandlers(hub *Hub, publicURL string) *Handlers {
	return &Handlers{
		hub:       hub,
		publicURL: publicURL,
		log:       hub.log.Named("http"),
	}
}

// Health reports liveness plus current occupancy.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	st := h.hub.Stats()
	status := "healthy"
	if st.Draining {
		status = "draining"
	}
	h.writeJSON(w, HealthResponse{
		Status:           status,
		Instance:         st.Instance,
		TotalConnections: st.TotalConnections,
		ActiveRooms:      st.ActiveRooms,
		Rooms:            nonNil(st.Rooms),
		UptimeSeconds:    st.Uptime.Seconds(),
		Timestamp:        time.Now().UTC(),
	})
}

// Stats reports occupancy and the connection ceiling.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	st := h.hub.Stats()
	h.writeJSON(w, StatsResponse{
		TotalConnections: st.TotalConnections,
		ActiveRooms:      st.ActiveRooms,
		Rooms:            nonNil(st.Rooms),
		MaxConnections:   st.MaxConnections,
		UptimeSeconds:    st.Uptime.Seconds(),
	})
}

// Options answers a plain OPTIONS request. CORS preflights are handled by the
// cors middleware before reaching it.
func (h *Handlers) Options(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusOK)
}

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>docrelay</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        code { background-color: #f4f4f4; padding: 2px 4px; }
        table { border-collapse: collapse; margin-top: 10px; }
        td, th { border: 1px solid #ccc; padding: 4px 10px; text-align: left; }
    </style>
</head>
<body>
    <h1>docrelay</h1>
    <p>Connect a collaborative editor to <code>{{.URL}}/&lt;room&gt;</code> or <code>{{.URL}}?room=&lt;room&gt;</code>.</p>
    <p>{{.Stats.TotalConnections}} connections across {{.Stats.ActiveRooms}} rooms (limit {{.Stats.MaxConnections}}).</p>
    {{if .Stats.Rooms}}
    <table>
        <tr><th>Room</th><th>Connections</th></tr>
        {{range .Stats.Rooms}}<tr><td>{{.Name}}</td><td>{{.Connections}}</td></tr>
        {{end}}
    </table>
    {{end}}
    <p><a href="/health">health</a> | <a href="/stats">stats</a> | <a href="/metrics">metrics</a></p>
</body>
</html>`))

// Landing serves an HTML page naming the externally visible WebSocket URL.
func (h *Handlers) Landing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		URL   string
		Stats Stats
	}{
		URL:   h.websocketURL(r),
		Stats: h.hub.Stats(),
	}
	if err := landingTemplate.Execute(w, data); err != nil {
		h.log.Warn("render landing page", zap.Error(err))
	}
}

// websocketURL prefers the configured public URL. Otherwise the scheme
// follows TLS or X-Forwarded-Proto and the host comes from the request.
func (h *Handlers) websocketURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	return scheme + "://" + r.Host
}

// UpgradeInterceptor hands WebSocket upgrade requests on any path to the hub
// and passes everything else through.
func (h *Handlers) UpgradeInterceptor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			h.hub.ServeWS(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("encode response", zap.Error(err))
	}
}

func nonNil(rooms []registry.RoomCount) []registry.RoomCount {
	if rooms == nil {
		return []registry.RoomCount{}
	}
	return rooms
}
