package evok

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge defaults.
const (
	// defaultCommandTimeout bounds delivery of one command to Evok.
	defaultCommandTimeout = 5 * time.Second

	// auditTimeout bounds writing one audit entry.
	auditTimeout = 2 * time.Second
)

// Bridge translates between Evok circuit events and MQTT entities.
// It handles:
//   - Announcing every mapped circuit to Home Assistant on each (re)connect
//   - Publishing state for circuit events received from Evok
//   - Switching outputs and relays on MQTT commands
//   - Circuit availability and bridge health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	settings Settings
	table    *Table
	scheme   Scheme
	version  string

	mqtt     MQTTClient
	evok     Connector
	health   *HealthReporter
	recorder StateRecorder  // Optional
	auditor  CommandAuditor // Optional

	// Announce runs from Start, every MQTT reconnect and every birth message.
	announceMu sync.Mutex

	// Availability publishes are serialized and coalesced, see syncAvailability.
	availabilityMu      sync.Mutex
	availabilityPending atomic.Bool

	eventsPublished   atomic.Uint64
	eventsUnmapped    atomic.Uint64
	commandsReceived  atomic.Uint64
	commandsSucceeded atomic.Uint64
	commandsFailed    atomic.Uint64
	announces         atomic.Uint64

	// Shutdown coordination
	stopMu    sync.RWMutex
	stopped   bool
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes the subscription for a topic.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// StateRecorder stores circuit state changes as time series.
// It is optional - if nil, states are only published to MQTT.
type StateRecorder interface {
	RecordCircuitState(rec MappingRecord, value float64, at time.Time)
}

// CommandAuditor persists one entry per MQTT command.
// It is optional - if nil, commands are only logged.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, entry CommandRecord) error
}

// CommandRecord describes the outcome of one command.
type CommandRecord struct {
	Topic      string
	DeviceName string
	DeviceKind string
	Circuit    string
	EntityName string
	Payload    string
	Value      int
	Err        error
	Duration   time.Duration
	Timestamp  time.Time
}

// Settings are the bridge-level values taken from the configuration.
type Settings struct {
	// DeviceName is the topic segment identifying this controller.
	DeviceName string

	PayloadOn      string
	PayloadOff     string
	PayloadOnline  string
	PayloadOffline string

	// BirthTopic is watched for Home Assistant restarts. BirthPayload of ""
	// accepts any payload.
	BirthTopic   string
	BirthPayload string

	// StatusTopic is the bridge availability topic (the MQTT last will).
	StatusTopic string

	// HealthTopic receives periodic JSON health reports; empty disables them.
	HealthTopic    string
	HealthInterval time.Duration

	QoS            byte
	RetainState    bool
	CommandTimeout time.Duration
}

func (s *Settings) applyDefaults() {
	if s.PayloadOn == "" {
		s.PayloadOn = "ON"
	}
	if s.PayloadOff == "" {
		s.PayloadOff = "OFF"
	}
	if s.PayloadOnline == "" {
		s.PayloadOnline = "online"
	}
	if s.PayloadOffline == "" {
		s.PayloadOffline = "offline"
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = defaultCommandTimeout
	}
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Settings Settings

	// Table is the loaded mapping table.
	Table *Table

	// Scheme formats and parses entity topics.
	Scheme Scheme

	// Version is reported in discovery payloads and health messages.
	Version string

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// EvokClient is the Evok websocket connection.
	EvokClient Connector

	// Logger is optional structured logger.
	Logger Logger

	// Recorder is optional time-series storage for circuit states.
	Recorder StateRecorder

	// Auditor is optional persistence for executed commands.
	Auditor CommandAuditor
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Table == nil || opts.Table.Len() == 0 {
		return nil, fmt.Errorf("%w: mapping table is required", ErrInvalidConfig)
	}
	if opts.Scheme == nil {
		return nil, fmt.Errorf("%w: topic scheme is required", ErrInvalidConfig)
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("%w: MQTT client is required", ErrInvalidConfig)
	}
	if opts.EvokClient == nil {
		return nil, fmt.Errorf("%w: evok client is required", ErrInvalidConfig)
	}
	if !isWord(opts.Settings.DeviceName) {
		return nil, fmt.Errorf("%w: device name %q must be a single topic word", ErrInvalidConfig, opts.Settings.DeviceName)
	}

	settings := opts.Settings
	settings.applyDefaults()

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		settings:  settings,
		table:     opts.Table,
		scheme:    opts.Scheme,
		version:   opts.Version,
		mqtt:      opts.MQTTClient,
		evok:      opts.EvokClient,
		recorder:  opts.Recorder,
		auditor:   opts.Auditor,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	if settings.HealthTopic != "" {
		b.health = NewHealthReporter(HealthReporterConfig{
			BridgeID:   settings.DeviceName,
			Version:    opts.Version,
			Topic:      settings.HealthTopic,
			Interval:   settings.HealthInterval,
			Publisher:  opts.MQTTClient,
			EvokClient: opts.EvokClient,
		})
		b.health.SetCircuitCount(opts.Table.Len())
		if opts.Logger != nil {
			b.health.SetLogger(opts.Logger)
		}
	}

	return b, nil
}

// Start wires the Evok callbacks, announces every circuit and starts
// health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if b.health != nil {
		if err := b.health.PublishStarting(); err != nil {
			b.logError("failed to publish starting status", err)
		}
	}

	b.evok.SetOnEvent(b.handleEvent)
	b.evok.SetOnConnectionChange(b.handleConnectionChange)

	if err := b.Announce(); err != nil {
		return fmt.Errorf("initial announce: %w", err)
	}

	// Callbacks are in place, so the snapshot reply reaches handleEvent.
	if err := b.evok.RequestSnapshot(ctx); err != nil {
		b.logWarn("initial snapshot request failed", "error", err)
	}

	if b.health != nil {
		b.health.Start(ctx)
	}

	b.logInfo("bridge started",
		"device_name", b.settings.DeviceName,
		"scheme", b.scheme.Name(),
		"circuits", b.table.Len(),
		"command_filter", b.scheme.CommandFilter())

	return nil
}

// Stop marks every circuit offline and stops health reporting.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopped = true
		b.stopMu.Unlock()

		// Abort in-flight commands
		b.ctxCancel()
		b.wg.Wait()

		b.unsubscribeAll()

		b.availabilityMu.Lock()
		if err := b.publishAvailability(b.settings.PayloadOffline); err != nil {
			b.logError("failed to publish offline availability", err)
		}
		b.availabilityMu.Unlock()

		if b.health != nil {
			b.health.Stop()
		}

		b.logInfo("bridge stopped")
	})
}

// unsubscribeAll drops the command and birth subscriptions made by Announce.
func (b *Bridge) unsubscribeAll() {
	if !b.mqtt.IsConnected() {
		return
	}
	topics := make([]string, 0, b.table.Len()+1)
	for _, rec := range b.table.Outputs() {
		topics = append(topics, b.scheme.Topic(rec, ActionSet))
	}
	if b.settings.BirthTopic != "" {
		topics = append(topics, b.settings.BirthTopic)
	}
	for _, topic := range topics {
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logWarn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Announce publishes discovery config for every circuit, subscribes command
// topics of outputs and relays and the birth topic, then publishes
// availability. Every step runs even if an earlier one failed; all errors
// are returned joined.
func (b *Bridge) Announce() error {
	b.announceMu.Lock()
	defer b.announceMu.Unlock()

	records := b.table.Records()
	var errs []error

	for _, rec := range records {
		payload, err := b.discoveryPayload(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("discovery payload %s: %w", rec.Key(), err))
			continue
		}
		if err := b.mqtt.Publish(b.scheme.Topic(rec, ActionConfig), payload, b.settings.QoS, true); err != nil {
			errs = append(errs, fmt.Errorf("publish discovery %s: %w", rec.Key(), err))
		}
	}

	subscribed := 0
	for _, rec := range records {
		if !rec.IsOutput() {
			continue
		}
		topic := b.scheme.Topic(rec, ActionSet)
		if err := b.mqtt.Subscribe(topic, b.settings.QoS, b.handleMQTTMessage); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
			continue
		}
		subscribed++
	}

	if b.settings.BirthTopic != "" {
		if err := b.mqtt.Subscribe(b.settings.BirthTopic, b.settings.QoS, b.handleMQTTMessage); err != nil {
			errs = append(errs, fmt.Errorf("subscribe birth topic: %w", err))
		}
	}

	availability, err := b.syncAvailability()
	if err != nil {
		errs = append(errs, err)
	}
	if b.settings.StatusTopic != "" {
		if err := b.mqtt.Publish(b.settings.StatusTopic, []byte(b.settings.PayloadOnline), b.settings.QoS, true); err != nil {
			errs = append(errs, fmt.Errorf("publish bridge status: %w", err))
		}
	}

	b.announces.Add(1)
	b.logInfo("announced circuits",
		"circuits", len(records),
		"command_subscriptions", subscribed,
		"availability", availability,
		"errors", len(errs))

	return errors.Join(errs...)
}

// syncAvailability publishes the current Evok reachability on every
// circuit's availability topic. Circuits are only reachable while Evok is.
//
// A caller that finds a publish in progress marks the state dirty and
// returns; the running publish repeats until nothing is pending, so the last
// retained payload always matches IsConnected at the time it was read. The
// returned payload is empty when the work was left to another caller.
func (b *Bridge) syncAvailability() (string, error) {
	b.availabilityPending.Store(true)

	var payload string
	var errs []error
	for {
		if !b.availabilityMu.TryLock() {
			return payload, errors.Join(errs...)
		}
		for b.availabilityPending.Swap(false) {
			payload = b.settings.PayloadOnline
			if !b.evok.IsConnected() {
				payload = b.settings.PayloadOffline
			}
			if err := b.publishAvailability(payload); err != nil {
				errs = append(errs, err)
			}
		}
		b.availabilityMu.Unlock()

		if !b.availabilityPending.Load() {
			return payload, errors.Join(errs...)
		}
	}
}

// publishAvailability sets the retained availability of every circuit.
func (b *Bridge) publishAvailability(payload string) error {
	var errs []error
	for _, rec := range b.table.Records() {
		topic := b.scheme.Topic(rec, ActionAvailability)
		if err := b.mqtt.Publish(topic, []byte(payload), b.settings.QoS, true); err != nil {
			errs = append(errs, fmt.Errorf("publish availability %s: %w", rec.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// handleConnectionChange mirrors the Evok connection in circuit availability.
func (b *Bridge) handleConnectionChange(connected bool) {
	b.logInfo("evok connection changed", "connected", connected)

	if !b.mqtt.IsConnected() {
		// Announce on the next MQTT connect publishes the current state.
		return
	}
	if _, err := b.syncAvailability(); err != nil {
		b.logError("failed to publish availability", err)
	}
	if b.health != nil {
		//nolint:errcheck // Periodic reporting retries.
		b.health.PublishNow()
	}
}

// handleEvent publishes the state of a mapped circuit.
func (b *Bridge) handleEvent(ev Event) {
	rec, ok := b.table.Lookup(ev.Dev, ev.Circuit)
	if !ok {
		b.eventsUnmapped.Add(1)
		b.logDebug("ignoring event", "error", ErrUnmappedCircuit, "dev", ev.Dev, "circuit", ev.Circuit)
		return
	}

	payload := b.settings.PayloadOff
	if ev.IsOn() {
		payload = b.settings.PayloadOn
	}

	topic := b.scheme.Topic(rec, ActionState)
	if err := b.mqtt.Publish(topic, []byte(payload), b.settings.QoS, b.settings.RetainState); err != nil {
		b.logError("failed to publish state", err)
		return
	}
	b.eventsPublished.Add(1)

	if b.recorder != nil {
		b.recorder.RecordCircuitState(rec, ev.Value, time.Now())
	}

	b.logDebug("published state", "topic", topic, "payload", payload)
}

// handleMQTTMessage routes birth messages and commands.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	b.stopMu.RLock()
	if b.stopped {
		b.stopMu.RUnlock()
		return
	}
	b.wg.Add(1)
	b.stopMu.RUnlock()
	defer b.wg.Done()

	if topic == b.settings.BirthTopic {
		b.handleBirth(payload)
		return
	}
	b.handleCommand(topic, payload)
}

// handleBirth re-announces after Home Assistant restarts.
func (b *Bridge) handleBirth(payload []byte) {
	if b.settings.BirthPayload != "" && string(bytes.TrimSpace(payload)) != b.settings.BirthPayload {
		b.logDebug("ignoring birth message", "payload", string(payload))
		return
	}
	b.logInfo("home assistant birth message received, re-announcing")
	if err := b.Announce(); err != nil {
		b.logError("re-announce failed", err)
	}
}

// handleCommand resolves a command topic and switches the circuit.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	addr, err := b.scheme.ParseCommand(topic)
	if err != nil {
		b.logDebug("ignoring message", "topic", topic, "error", err)
		return
	}

	if addr.DeviceName != b.settings.DeviceName {
		b.logWarn("command addressed to another device name",
			"topic", topic,
			"topic_name", addr.DeviceName,
			"device_name", b.settings.DeviceName)
	}

	rec, ok := b.table.Lookup(addr.DeviceKind, addr.Circuit)
	if !ok {
		b.logWarn("command for unmapped circuit", "topic", topic,
			"dev", addr.DeviceKind, "circuit", addr.Circuit)
		return
	}
	if !rec.IsOutput() {
		b.logWarn("command for circuit that is not an output", "topic", topic, "dev", rec.DeviceKind)
		return
	}

	b.commandsReceived.Add(1)
	b.executeCommand(topic, rec, payload)
}

// executeCommand echoes the state optimistically and sends the set command.
func (b *Bridge) executeCommand(topic string, rec MappingRecord, payload []byte) {
	start := time.Now()

	value := 0
	echo := b.settings.PayloadOff
	if string(bytes.TrimSpace(payload)) == b.settings.PayloadOn {
		value = 1
		echo = b.settings.PayloadOn
	}

	b.logInfo("received command", "topic", topic, "payload", string(payload), "value", value)

	stateTopic := b.scheme.Topic(rec, ActionState)
	if err := b.mqtt.Publish(stateTopic, []byte(echo), b.settings.QoS, b.settings.RetainState); err != nil {
		b.logError("failed to echo state", err)
	}

	// Derive from the bridge context so Stop aborts waiting commands.
	ctx, cancel := context.WithTimeout(b.ctx, b.settings.CommandTimeout)
	defer cancel()

	err := b.evok.Send(ctx, SetCommand(rec.DeviceKind, rec.Circuit, value))
	if err != nil {
		if !errors.Is(err, ErrCommandFailed) {
			err = fmt.Errorf("%w: %w", ErrCommandFailed, err)
		}
		b.commandsFailed.Add(1)
		b.logError("command execution failed", err)
	} else {
		b.commandsSucceeded.Add(1)
	}

	b.audit(CommandRecord{
		Topic:      topic,
		DeviceName: b.settings.DeviceName,
		DeviceKind: rec.DeviceKind,
		Circuit:    rec.Circuit,
		EntityName: rec.Name,
		Payload:    string(payload),
		Value:      value,
		Err:        err,
		Duration:   time.Since(start),
		Timestamp:  start,
	})
}

func (b *Bridge) audit(entry CommandRecord) {
	if b.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := b.auditor.RecordCommand(ctx, entry); err != nil {
		b.logError("failed to record command audit", err)
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// BridgeMetrics contains counters for the status endpoint.
type BridgeMetrics struct {
	Scheme            string `json:"scheme"`
	Circuits          int    `json:"circuits"`
	Outputs           int    `json:"outputs"`
	EventsPublished   uint64 `json:"events_published"`
	EventsUnmapped    uint64 `json:"events_unmapped"`
	CommandsReceived  uint64 `json:"commands_received"`
	CommandsSucceeded uint64 `json:"commands_succeeded"`
	CommandsFailed    uint64 `json:"commands_failed"`
	Announces         uint64 `json:"announces"`
}

// Metrics returns current bridge counters.
func (b *Bridge) Metrics() BridgeMetrics {
	return BridgeMetrics{
		Scheme:            b.scheme.Name(),
		Circuits:          b.table.Len(),
		Outputs:           len(b.table.Outputs()),
		EventsPublished:   b.eventsPublished.Load(),
		EventsUnmapped:    b.eventsUnmapped.Load(),
		CommandsReceived:  b.commandsReceived.Load(),
		CommandsSucceeded: b.commandsSucceeded.Load(),
		CommandsFailed:    b.commandsFailed.Load(),
		Announces:         b.announces.Load(),
	}
}
