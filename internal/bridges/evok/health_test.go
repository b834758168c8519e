package evok

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func lastHealth(t *testing.T, m *MockMQTTClient, topic string) HealthMessage {
	t.Helper()
	pubs := m.PublishedTo(topic)
	if len(pubs) == 0 {
		t.Fatalf("nothing published on %s", topic)
	}
	last := pubs[len(pubs)-1]
	if last.QoS != 1 || !last.Retained {
		t.Errorf("health publish qos=%d retained=%v, want 1/true", last.QoS, last.Retained)
	}
	var msg HealthMessage
	if err := json.Unmarshal(last.Payload, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return msg
}

func TestHealthReporterStatus(t *testing.T) {
	tests := []struct {
		name       string
		mqttUp     bool
		evokUp     bool
		evokFailed bool
		want       HealthStatus
		wantConn   string
	}{
		{"healthy", true, true, false, HealthHealthy, "connected"},
		{"mqtt down", false, true, false, HealthDegraded, "connected"},
		{"evok down", true, false, false, HealthDegraded, "disconnected"},
		{"evok failed", true, false, true, HealthUnhealthy, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt := NewMockMQTTClient()
			mqtt.connected = tt.mqttUp
			evok := NewMockConnector()
			evok.connected = tt.evokUp
			evok.stats = Stats{Failed: tt.evokFailed, EventsRx: 7, CommandsTx: 2}

			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:   "unipi",
				Version:    "1.2.3",
				Topic:      "unipi/bridge/health",
				Publisher:  mqtt,
				EvokClient: evok,
			})
			h.SetCircuitCount(4)

			if err := h.PublishNow(); err != nil {
				t.Fatalf("PublishNow() error = %v", err)
			}

			msg := lastHealth(t, mqtt, "unipi/bridge/health")
			if msg.Status != tt.want {
				t.Errorf("status = %q, want %q", msg.Status, tt.want)
			}
			if msg.Bridge != "unipi" || msg.Version != "1.2.3" || msg.CircuitsManaged != 4 {
				t.Errorf("message = %+v", msg)
			}
			if msg.Connection == nil || msg.Connection.Status != tt.wantConn {
				t.Errorf("connection = %+v, want %q", msg.Connection, tt.wantConn)
			}
			if msg.Statistics == nil || msg.Statistics.EventsReceived != 7 || msg.Statistics.CommandsSent != 2 {
				t.Errorf("statistics = %+v", msg.Statistics)
			}
			if tt.want != HealthHealthy && msg.Reason == "" {
				t.Error("non-healthy status without reason")
			}
		})
	}
}

func TestHealthReporterLifecycle(t *testing.T) {
	mqtt := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:   "unipi",
		Topic:      "unipi/bridge/health",
		Interval:   10 * time.Millisecond,
		Publisher:  mqtt,
		EvokClient: NewMockConnector(),
	})

	if err := h.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}
	if msg := lastHealth(t, mqtt, "unipi/bridge/health"); msg.Status != HealthStarting {
		t.Errorf("status = %q, want starting", msg.Status)
	}

	h.Start(context.Background())
	waitFor(t, "periodic reports", func() bool {
		return len(mqtt.PublishedTo("unipi/bridge/health")) >= 3
	})

	h.Stop()
	h.Stop()

	if msg := lastHealth(t, mqtt, "unipi/bridge/health"); msg.Status != HealthStopping {
		t.Errorf("final status = %q, want stopping", msg.Status)
	}
}

func TestHealthReporterContextCancel(t *testing.T) {
	mqtt := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		Topic:     "x/bridge/health",
		Interval:  time.Hour,
		Publisher: mqtt,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}

func TestHealthReporterDefaults(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{})
	if h.interval != defaultHealthInterval {
		t.Errorf("interval = %v, want %v", h.interval, defaultHealthInterval)
	}
	// No publisher or topic: publishing is a no-op.
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() error = %v", err)
	}
}

func TestConnectionState(t *testing.T) {
	tests := []struct {
		stats Stats
		want  string
	}{
		{Stats{Connected: true}, "connected"},
		{Stats{Reconnecting: true}, "reconnecting"},
		{Stats{}, "disconnected"},
		{Stats{Failed: true, Reconnecting: true}, "failed"},
	}
	for _, tt := range tests {
		if got := connectionState(tt.stats); got != tt.want {
			t.Errorf("connectionState(%+v) = %q, want %q", tt.stats, got, tt.want)
		}
	}
}
