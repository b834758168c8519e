package main

import (
	"context"
	"time"

	"github.com/mhemeryck/evok2mqtt/internal/audit"
	"github.com/mhemeryck/evok2mqtt/internal/bridges/evok"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/influxdb"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/mqtt"
)

// publisher is the part of *mqtt.Client the bridge needs. The subscribe
// handler returns an error there and nothing in the bridge.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

var _ publisher = (*mqtt.Client)(nil)

// mqttBridgeAdapter adapts the infrastructure MQTT client to evok.MQTTClient.
type mqttBridgeAdapter struct {
	client publisher
}

// Publish implements evok.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements evok.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements evok.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements evok.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// circuitWriter and commandWriter are the InfluxDB calls used here.
type circuitWriter interface {
	WriteCircuitState(p influxdb.CircuitPoint)
	WriteCommand(p influxdb.CommandPoint)
}

// auditWriter persists command entries.
type auditWriter interface {
	Create(ctx context.Context, entry *audit.Entry) error
}

// telemetry fans bridge observations out to InfluxDB and the audit store.
// Either side may be nil.
type telemetry struct {
	influx circuitWriter
	audit  auditWriter
	device string
}

// RecordCircuitState implements evok.StateRecorder.
func (t *telemetry) RecordCircuitState(rec evok.MappingRecord, value float64, at time.Time) {
	if t.influx == nil {
		return
	}
	t.influx.WriteCircuitState(influxdb.CircuitPoint{
		Device:  t.device,
		Kind:    rec.DeviceKind,
		Circuit: rec.Circuit,
		Name:    rec.Name,
		Value:   value,
		Time:    at,
	})
}

// RecordCommand implements evok.CommandAuditor.
func (t *telemetry) RecordCommand(ctx context.Context, rec evok.CommandRecord) error {
	if t.influx != nil {
		t.influx.WriteCommand(influxdb.CommandPoint{
			Device:   rec.DeviceName,
			Kind:     rec.DeviceKind,
			Circuit:  rec.Circuit,
			Value:    rec.Value,
			Success:  rec.Err == nil,
			Duration: rec.Duration,
			Time:     rec.Timestamp,
		})
	}
	if t.audit == nil {
		return nil
	}

	entry := &audit.Entry{
		Topic:      rec.Topic,
		DeviceName: rec.DeviceName,
		Dev:        rec.DeviceKind,
		Circuit:    rec.Circuit,
		EntityName: rec.EntityName,
		Payload:    rec.Payload,
		Value:      rec.Value,
		Success:    rec.Err == nil,
		Duration:   rec.Duration,
		CreatedAt:  rec.Timestamp,
	}
	if rec.Err != nil {
		entry.Error = rec.Err.Error()
	}
	return t.audit.Create(ctx, entry)
}
