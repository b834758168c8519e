package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/config"
)

// These tests exercise the client without a broker. Broker-backed tests live
// in integration_test.go behind the integration build tag.

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "evok2mqtt-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func testStatus() Status {
	return Status{Topic: "unipi/bridge/status", Online: "online", Offline: "offline"}
}

// disconnectedClient returns a Client that was never connected.
func disconnectedClient() *Client {
	return &Client{
		cfg:           testConfig(),
		subscriptions: make(map[string]subscription),
	}
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}
	cfg.KeepAlive = 15

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "evok2mqtt-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "evok2mqtt-test")
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want bridge/secret", opts.Username, opts.Password)
	}
	if opts.Order {
		t.Error("Order = true, want false so handlers can publish")
	}
	if !opts.AutoReconnect || !opts.ConnectRetry {
		t.Error("AutoReconnect and ConnectRetry should both be enabled")
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
	if opts.KeepAlive != 15 {
		t.Errorf("KeepAlive = %d, want 15", opts.KeepAlive)
	}
	if opts.TLSConfig != nil && opts.Servers[0].Scheme == "ssl" {
		t.Error("TLS should not be configured when disabled")
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].String(); got != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers[0] = %q, want ssl://127.0.0.1:8883", got)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLSConfig should enforce the minimum TLS version")
	}
}

func TestBuildClientOptions_GeneratedClientID(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = ""

	opts := buildClientOptions(cfg)

	if !strings.HasPrefix(opts.ClientID, defaultClientIDPrefix+"-") {
		t.Errorf("ClientID = %q, want %s- prefix", opts.ClientID, defaultClientIDPrefix)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, testStatus())

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "unipi/bridge/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if string(opts.WillPayload) != "offline" {
		t.Errorf("WillPayload = %q, want offline", opts.WillPayload)
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}
}

func TestConfigureLWT_Disabled(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, Status{})

	if opts.WillEnabled {
		t.Error("WillEnabled = true for empty status, want false")
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	c := disconnectedClient()

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"empty topic", "", 0, nil, ErrInvalidTopic},
		{"wildcard topic", "unipi/+/state", 0, nil, ErrInvalidTopic},
		{"invalid qos", "unipi/relay/1/state", 3, nil, ErrInvalidQoS},
		{"payload too large", "unipi/relay/1/state", 0, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"disconnected", "unipi/relay/1/state", 0, []byte("ON"), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := disconnectedClient()
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 0, noop, ErrInvalidTopic},
		{"bad hash", "unipi/#/set", 0, noop, ErrInvalidTopic},
		{"invalid qos", "unipi/#", 3, noop, ErrInvalidQoS},
		{"nil handler", "unipi/#", 0, nil, ErrSubscribeFailed},
		{"disconnected", "unipi/#", 0, noop, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failed subscribes", c.SubscriptionCount())
	}
}

func TestUnsubscribeDisconnected(t *testing.T) {
	c := disconnectedClient()
	if err := c.Unsubscribe("unipi/#"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c := disconnectedClient()

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestWrapHandler_PassesTopicAndPayload(t *testing.T) {
	c := disconnectedClient()

	var gotTopic, gotPayload string
	h := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return nil
	})
	h(nil, fakeMessage{topic: "unipi/relay/1/set", payload: []byte("ON")})

	if gotTopic != "unipi/relay/1/set" || gotPayload != "ON" {
		t.Errorf("handler got (%q, %q)", gotTopic, gotPayload)
	}
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	c := disconnectedClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	h := c.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	h(nil, fakeMessage{topic: "t"})

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errors) != 1 {
		t.Errorf("logged errors = %d, want 1", len(logger.errors))
	}
}

func TestWrapHandler_LogsReturnedError(t *testing.T) {
	c := disconnectedClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	h := c.wrapHandler(func(string, []byte) error {
		return errors.New("handler error")
	})
	h(nil, fakeMessage{topic: "t"})

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 {
		t.Errorf("logged warnings = %d, want 1", len(logger.warns))
	}
}

func TestHandleConnectAndDisconnect_Callbacks(t *testing.T) {
	c := disconnectedClient()

	connected := make(chan struct{}, 1)
	lost := make(chan error, 1)
	c.SetOnConnect(func() { connected <- struct{}{} })
	c.SetOnDisconnect(func(err error) { lost <- err })

	// No status topic and no subscriptions, so handleConnect never touches paho.
	c.handleConnect()
	select {
	case <-connected:
	default:
		t.Error("onConnect callback not invoked")
	}

	c.handleDisconnect(errors.New("eof"))
	select {
	case err := <-lost:
		if err == nil || err.Error() != "eof" {
			t.Errorf("onDisconnect error = %v, want eof", err)
		}
	default:
		t.Error("onDisconnect callback not invoked")
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter string
		valid  bool
	}{
		{"homeassistant/start", true},
		{"unipi/#", true},
		{"#", true},
		{"homeassistant/+/unipi/+/set", true},
		{"unipi/#/set", false},
		{"unipi/relay#", false},
		{"unipi/re+lay", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateFilter(tt.filter)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateFilter(%q) error = %v, want valid=%v", tt.filter, err, tt.valid)
		}
	}
}
