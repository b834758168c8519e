package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mhemeryck/evok2mqtt/internal/bridges/evok"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/status", s.handleStatus)
	r.Get("/audit", s.handleListAudit)

	return r
}

// Handler returns the routed handler without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// handleHealthz reports liveness. The process is only unhealthy once the
// Evok client has exhausted its reconnect attempts.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.evok.Stats().Failed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"reason": "evok reconnect attempts exhausted",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleReadyz reports readiness: both sides of the bridge connected.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	mqttUp := s.mqtt.IsConnected()
	evokUp := s.evok.IsConnected()

	status := http.StatusOK
	state := "ready"
	if !mqttUp || !evokUp {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"mqtt":   mqttUp,
		"evok":   evokUp,
	})
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	MQTT          MQTTMetrics        `json:"mqtt"`
	Evok          EvokMetrics        `json:"evok"`
	Bridge        evok.BridgeMetrics `json:"bridge"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics contains MQTT client state.
type MQTTMetrics struct {
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions"`
}

// EvokMetrics mirrors evok.Stats for JSON output.
type EvokMetrics struct {
	Connected     bool   `json:"connected"`
	Reconnecting  bool   `json:"reconnecting"`
	Failed        bool   `json:"failed"`
	EventsRx      uint64 `json:"events_rx"`
	EventsDropped uint64 `json:"events_dropped"`
	DecodeErrors  uint64 `json:"decode_errors"`
	CommandsTx    uint64 `json:"commands_tx"`
	Errors        uint64 `json:"errors"`
	Reconnects    uint64 `json:"reconnects"`
	LastActivity  string `json:"last_activity,omitempty"`
}

const bytesPerMB = 1024 * 1024

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := s.evok.Stats()
	evokMetrics := EvokMetrics{
		Connected:     stats.Connected,
		Reconnecting:  stats.Reconnecting,
		Failed:        stats.Failed,
		EventsRx:      stats.EventsRx,
		EventsDropped: stats.EventsDropped,
		DecodeErrors:  stats.DecodeErrors,
		CommandsTx:    stats.CommandsTx,
		Errors:        stats.ErrorsTotal,
		Reconnects:    stats.ReconnectsTotal,
	}
	if !stats.LastActivity.IsZero() {
		evokMetrics.LastActivity = stats.LastActivity.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		MQTT: MQTTMetrics{
			Connected:     s.mqtt.IsConnected(),
			Subscriptions: s.mqtt.SubscriptionCount(),
		},
		Evok:   evokMetrics,
		Bridge: s.bridge.Metrics(),
	})
}
