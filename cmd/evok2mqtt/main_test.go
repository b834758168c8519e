package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mhemeryck/evok2mqtt/internal/audit"
	"github.com/mhemeryck/evok2mqtt/internal/bridges/evok"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/config"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/influxdb"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/mqtt"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestApplyArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want options
	}{
		{"none", nil, options{}},
		{"uri only", []string{"ws://unipi/ws"}, options{evokURI: "ws://unipi/ws"}},
		{"all three", []string{"ws://unipi/ws", "broker", "garage"}, options{evokURI: "ws://unipi/ws", mqttHost: "broker", name: "garage"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got options
			got.applyArgs(tt.args)
			if got != tt.want {
				t.Errorf("applyArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestOptionsApply(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Name = "unipi"

	options{
		evokURI:    "ws://10.0.0.5/ws",
		mqttHost:   "mqtt.local",
		mqttPort:   8883,
		payloadOn:  "1",
		payloadOff: "0",
		scheme:     config.SchemeDevice,
		logLevel:   "debug",
		mappings:   "/etc/evok2mqtt/mappings.yaml",
	}.apply(cfg)

	checks := []struct {
		field string
		got   any
		want  any
	}{
		{"Evok.URI", cfg.Evok.URI, "ws://10.0.0.5/ws"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.local"},
		{"MQTT.Broker.Port", cfg.MQTT.Broker.Port, 8883},
		{"Bridge.PayloadOn", cfg.Bridge.PayloadOn, "1"},
		{"Bridge.PayloadOff", cfg.Bridge.PayloadOff, "0"},
		{"Topics.Scheme", cfg.Topics.Scheme, config.SchemeDevice},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Evok.Mappings", cfg.Evok.Mappings, "/etc/evok2mqtt/mappings.yaml"},
		{"Bridge.Name (unset)", cfg.Bridge.Name, "unipi"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.field, c.got, c.want)
		}
	}
}

func TestLoadConfig_FlagsOverrideFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
mqtt:
  broker:
    host: file-broker
evok:
  uri: ws://file/ws
bridge:
  name: fromfile
`)
	t.Setenv("EVOK2MQTT_MQTT_HOST", "env-broker")

	cfg, err := loadConfig(options{configPath: path, name: "fromflag"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("MQTT host = %q, want env-broker", cfg.MQTT.Broker.Host)
	}
	if cfg.Bridge.Name != "fromflag" {
		t.Errorf("Bridge.Name = %q, want fromflag", cfg.Bridge.Name)
	}
	if cfg.Evok.URI != "ws://file/ws" {
		t.Errorf("Evok.URI = %q, want ws://file/ws", cfg.Evok.URI)
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "EVOK2MQTT_BRIDGE_NAME=fromdotenv\n")

	t.Setenv("EVOK2MQTT_BRIDGE_NAME", "")
	os.Unsetenv("EVOK2MQTT_BRIDGE_NAME")

	cfg, err := loadConfig(options{envFile: envFile})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Bridge.Name != "fromdotenv" {
		t.Errorf("Bridge.Name = %q, want fromdotenv", cfg.Bridge.Name)
	}
}

func TestLoadConfig_MissingEnvFileIgnored(t *testing.T) {
	if _, err := loadConfig(options{envFile: filepath.Join(t.TempDir(), "absent.env")}); err != nil {
		t.Errorf("loadConfig() error = %v", err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := loadConfig(options{configPath: "/nonexistent/config.yaml"}); err == nil {
			t.Error("loadConfig() should fail for a missing file")
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := loadConfig(options{name: "bad name!"})
		if err == nil || !strings.Contains(err.Error(), "bridge.name") {
			t.Errorf("loadConfig() error = %v, want bridge.name validation", err)
		}
	})

	t.Run("invalid scheme", func(t *testing.T) {
		_, err := loadConfig(options{name: "unipi", scheme: "zigbee"})
		if err == nil || !strings.Contains(err.Error(), "topics.scheme") {
			t.Errorf("loadConfig() error = %v, want topics.scheme validation", err)
		}
	})
}

func TestRun_MissingMappings(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, options{
		name:     "unipi",
		mappings: filepath.Join(t.TempDir(), "missing.yaml"),
	})
	if err == nil || !strings.Contains(err.Error(), "loading mappings") {
		t.Errorf("run() error = %v, want mapping load failure", err)
	}
}

func TestRootCmd_TooManyArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"ws://a/ws", "broker", "name", "extra"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	if err := cmd.Execute(); err == nil {
		t.Error("Execute() with four positional args should fail")
	}
}

func TestRootCmd_Version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetArgs([]string{"--version"})
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("version output %q does not contain %q", out.String(), version)
	}
}

func TestBridgeSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Name = "unipi"
	cfg.MQTT.QoS = 1
	cfg.Bridge.CommandTimeout = 3

	s := bridgeSettings(cfg)
	if s.StatusTopic != "unipi/bridge/status" || s.HealthTopic != "unipi/bridge/health" {
		t.Errorf("topics = %q, %q", s.StatusTopic, s.HealthTopic)
	}
	if s.QoS != 1 || s.CommandTimeout != 3*time.Second {
		t.Errorf("QoS = %d, CommandTimeout = %v", s.QoS, s.CommandTimeout)
	}

	cfg.Bridge.HealthInterval = 0
	if got := bridgeSettings(cfg).HealthTopic; got != "" {
		t.Errorf("HealthTopic with zero interval = %q, want empty", got)
	}
}

func TestEvokClientConfig(t *testing.T) {
	cfg := config.Default().Evok
	cfg.Reconnect.MaxAttempts = 7

	cc := evokClientConfig(cfg)
	if cc.URI != cfg.URI || cc.MaxReconnectAttempts != 7 || cc.QueueSize != cfg.QueueSize {
		t.Errorf("client config = %+v", cc)
	}
	if cc.PingInterval != 30*time.Second || cc.MaxReconnectInterval != 60*time.Second {
		t.Errorf("durations = %v, %v", cc.PingInterval, cc.MaxReconnectInterval)
	}
}

type fakePublisher struct {
	handlers map[string]mqtt.MessageHandler
}

func (f *fakePublisher) Publish(string, []byte, byte, bool) error { return nil }
func (f *fakePublisher) IsConnected() bool                        { return true }

func (f *fakePublisher) Unsubscribe(topic string) error {
	delete(f.handlers, topic)
	return nil
}

func (f *fakePublisher) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = h
	return nil
}

func TestMQTTBridgeAdapter_Subscribe(t *testing.T) {
	pub := &fakePublisher{}
	adapter := &mqttBridgeAdapter{client: pub}

	var gotTopic, gotPayload string
	if err := adapter.Subscribe("a/b/set", 0, func(topic string, payload []byte) {
		gotTopic, gotPayload = topic, string(payload)
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	h, ok := pub.handlers["a/b/set"]
	if !ok {
		t.Fatal("handler not registered")
	}
	if err := h("a/b/set", []byte("ON")); err != nil {
		t.Errorf("wrapped handler error = %v", err)
	}
	if gotTopic != "a/b/set" || gotPayload != "ON" {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
}

type fakeInflux struct {
	circuits []influxdb.CircuitPoint
	commands []influxdb.CommandPoint
}

func (f *fakeInflux) WriteCircuitState(p influxdb.CircuitPoint) { f.circuits = append(f.circuits, p) }
func (f *fakeInflux) WriteCommand(p influxdb.CommandPoint)      { f.commands = append(f.commands, p) }

type fakeAudit struct {
	entries []*audit.Entry
	err     error
}

func (f *fakeAudit) Create(_ context.Context, e *audit.Entry) error {
	f.entries = append(f.entries, e)
	return f.err
}

func TestTelemetry_RecordCircuitState(t *testing.T) {
	influx := &fakeInflux{}
	sink := &telemetry{influx: influx, device: "unipi"}
	at := time.Unix(1700000000, 0)

	sink.RecordCircuitState(evok.MappingRecord{Name: "Kitchen", DeviceKind: "relay", Circuit: "1_01"}, 1, at)

	if len(influx.circuits) != 1 {
		t.Fatalf("circuits = %v", influx.circuits)
	}
	want := influxdb.CircuitPoint{Device: "unipi", Kind: "relay", Circuit: "1_01", Name: "Kitchen", Value: 1, Time: at}
	if influx.circuits[0] != want {
		t.Errorf("point = %+v, want %+v", influx.circuits[0], want)
	}

	// No InfluxDB: no-op.
	(&telemetry{device: "unipi"}).RecordCircuitState(evok.MappingRecord{}, 0, at)
}

func TestTelemetry_RecordCommand(t *testing.T) {
	influx := &fakeInflux{}
	store := &fakeAudit{}
	sink := &telemetry{influx: influx, audit: store, device: "unipi"}

	rec := evok.CommandRecord{
		Topic:      "homeassistant/switch/unipi/relay_1_01/set",
		DeviceName: "unipi",
		DeviceKind: "relay",
		Circuit:    "1_01",
		EntityName: "Kitchen",
		Payload:    "ON",
		Value:      1,
		Err:        errors.New("evok command failed"),
		Duration:   20 * time.Millisecond,
		Timestamp:  time.Unix(1700000000, 0),
	}
	if err := sink.RecordCommand(context.Background(), rec); err != nil {
		t.Fatalf("RecordCommand() error = %v", err)
	}

	if len(influx.commands) != 1 || influx.commands[0].Success || influx.commands[0].Value != 1 {
		t.Errorf("influx commands = %+v", influx.commands)
	}
	if len(store.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(store.entries))
	}
	e := store.entries[0]
	if e.Dev != "relay" || e.Success || e.Error != "evok command failed" || e.EntityName != "Kitchen" {
		t.Errorf("audit entry = %+v", e)
	}

	store.err = errors.New("disk full")
	if err := sink.RecordCommand(context.Background(), rec); err == nil {
		t.Error("RecordCommand() should surface audit store errors")
	}

	// Neither sink configured.
	if err := (&telemetry{}).RecordCommand(context.Background(), rec); err != nil {
		t.Errorf("RecordCommand() with no sinks error = %v", err)
	}
}
