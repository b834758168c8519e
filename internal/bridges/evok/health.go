package evok

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates MQTT and Evok are both connected.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates one side is disconnected but recovering.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the Evok client gave up reconnecting.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained JSON published on the health topic.
type HealthMessage struct {
	Bridge          string            `json:"bridge"`
	Timestamp       time.Time         `json:"timestamp"`
	Status          HealthStatus      `json:"status"`
	Version         string            `json:"version"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	Connection      *ConnectionStatus `json:"connection,omitempty"`
	Statistics      *HealthStatistics `json:"statistics,omitempty"`
	CircuitsManaged int               `json:"circuits_managed"`
	Reason          string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the Evok websocket state.
type ConnectionStatus struct {
	// Status is "connected", "reconnecting", "disconnected" or "failed".
	Status       string     `json:"status"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// HealthStatistics mirrors the Evok client counters.
type HealthStatistics struct {
	EventsReceived uint64 `json:"events_received"`
	EventsDropped  uint64 `json:"events_dropped"`
	DecodeErrors   uint64 `json:"decode_errors"`
	CommandsSent   uint64 `json:"commands_sent"`
	Reconnects     uint64 `json:"reconnects"`
	Errors         uint64 `json:"errors"`
}

// HealthPublisher is the interface for publishing health messages.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// BridgeID identifies the bridge in health messages.
	BridgeID string
	Version  string

	// Topic receives the retained health JSON.
	Topic string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher  HealthPublisher
	EvokClient Connector
}

// HealthReporter publishes bridge health to MQTT at regular intervals.
type HealthReporter struct {
	bridgeID   string
	version    string
	topic      string
	startTime  time.Time
	interval   time.Duration
	publisher  HealthPublisher
	evokClient Connector

	circuitCount   int
	circuitCountMu sync.RWMutex

	// stopOnce prevents double-close panics
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:   cfg.BridgeID,
		version:    cfg.Version,
		topic:      cfg.Topic,
		startTime:  time.Now(),
		interval:   interval,
		publisher:  cfg.Publisher,
		evokClient: cfg.EvokClient,
		done:       make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetCircuitCount updates the number of mapped circuits.
func (h *HealthReporter) SetCircuitCount(count int) {
	h.circuitCountMu.Lock()
	h.circuitCount = count
	h.circuitCountMu.Unlock()
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.evokClient != nil && h.evokClient.Stats().Failed {
		return HealthUnhealthy, "evok reconnect attempts exhausted"
	}
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.evokClient == nil || !h.evokClient.IsConnected() {
		return HealthDegraded, "evok disconnected"
	}
	return HealthHealthy, ""
}

// buildMessage assembles a health message from the current client stats.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	h.circuitCountMu.RLock()
	circuits := h.circuitCount
	h.circuitCountMu.RUnlock()

	msg := HealthMessage{
		Bridge:          h.bridgeID,
		Timestamp:       time.Now().UTC(),
		Status:          status,
		Version:         h.version,
		UptimeSeconds:   int64(time.Since(h.startTime).Seconds()),
		CircuitsManaged: circuits,
		Reason:          reason,
	}

	if h.evokClient == nil {
		return msg
	}

	stats := h.evokClient.Stats()
	conn := &ConnectionStatus{Status: connectionState(stats)}
	if !stats.LastActivity.IsZero() && stats.LastActivity.Unix() > 0 {
		last := stats.LastActivity.UTC()
		conn.LastActivity = &last
	}
	msg.Connection = conn
	msg.Statistics = &HealthStatistics{
		EventsReceived: stats.EventsRx,
		EventsDropped:  stats.EventsDropped,
		DecodeErrors:   stats.DecodeErrors,
		CommandsSent:   stats.CommandsTx,
		Reconnects:     stats.ReconnectsTotal,
		Errors:         stats.ErrorsTotal,
	}
	return msg
}

func connectionState(stats Stats) string {
	switch {
	case stats.Failed:
		return "failed"
	case stats.Connected:
		return "connected"
	case stats.Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// publishStatus publishes a health message (QoS 1, retained).
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil || h.topic == "" {
		return nil
	}

	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
