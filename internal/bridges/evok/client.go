package evok

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the Evok websocket.
const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultPongTimeout       = 10 * time.Second
	defaultReconnectInterval = 1 * time.Second
	maxReconnectInterval     = 1 * time.Minute
	defaultQueueSize         = 100

	// backoffFactor grows the delay between failed reconnect attempts.
	backoffFactor = 1.5

	// sendPollInterval is how often Send re-checks a down connection.
	sendPollInterval = 100 * time.Millisecond
)

// ClientConfig holds Evok websocket configuration.
type ClientConfig struct {
	// URI is the websocket endpoint, e.g. "ws://unipi.local/ws".
	URI string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PingInterval of zero disables keepalive pings and read deadlines.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// ReconnectInterval is the first backoff delay; it grows by 1.5x up to
	// MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// MaxReconnectAttempts of zero retries forever. Once exhausted the
	// client stops and reports Failed in its stats.
	MaxReconnectAttempts int

	// QueueSize bounds decoded events waiting for the callback.
	QueueSize int

	// RequestSnapshot enables the {"cmd":"all"} request sent after every
	// reconnect and by Client.RequestSnapshot, so state resyncs.
	RequestSnapshot bool

	// Header is sent with the websocket handshake.
	Header http.Header
}

func (cfg *ClientConfig) applyDefaults() {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval > 0 && cfg.PongTimeout == 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = maxReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = cfg.ReconnectInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
}

// Stats holds operational statistics of the Evok connection.
type Stats struct {
	EventsRx        uint64
	EventsDropped   uint64 // Events dropped due to a full callback queue
	DecodeErrors    uint64
	CommandsTx      uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
	Failed          bool // Reconnect attempts exhausted; the client has stopped
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector interface for testability.
// This allows mocking the Evok client in tests.
type Connector interface {
	Send(ctx context.Context, cmd Command) error
	SetOnEvent(callback func(Event))
	SetOnConnectionChange(callback func(connected bool))
	IsConnected() bool
	Stats() Stats
	RequestSnapshot(ctx context.Context) error
	Close() error
}

var _ Connector = (*Client)(nil)

// Client keeps one persistent websocket to Evok, used both to receive
// circuit events and to send commands.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Events are delivered in order by a single callback goroutine.
//
// Auto-Reconnection:
//   - When the connection drops, the receive loop redials with exponential
//     backoff until it succeeds, Close is called, or MaxReconnectAttempts
//     is exhausted.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer

	// ctx is cancelled by Close so in-flight dials abort.
	ctx    context.Context
	cancel context.CancelFunc

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex

	// gorilla allows a single concurrent writer.
	writeMu sync.Mutex

	reconnecting atomic.Bool
	failed       atomic.Bool

	onEvent            func(Event)
	onConnectionChange func(bool)
	callbackMu         sync.RWMutex

	eventQueue chan Event

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	eventsRx        atomic.Uint64
	eventsDropped   atomic.Uint64
	decodeErrors    atomic.Uint64
	commandsTx      atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Connect dials the Evok websocket and starts the receive loop.
//
// The initial dial is not retried: a wrong URI or an unreachable controller
// is reported immediately. Later connection loss is handled by reconnecting.
func Connect(ctx context.Context, cfg ClientConfig, logger Logger) (*Client, error) {
	cfg.applyDefaults()

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		ctx:        clientCtx,
		cancel:     cancel,
		eventQueue: make(chan Event, cfg.QueueSize),
		done:       newCloseOnce(),
		logger:     logger,
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.attach(conn)

	c.wg.Add(1)
	go c.callbackWorker()

	c.wg.Add(1)
	go c.receiveLoop()

	if cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	c.notifyConnectionChange(true)

	return c, nil
}

// dial opens a websocket, bounded by ctx and the handshake timeout.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URI, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, c.cfg.URI, err)
	}
	return conn, nil
}

// attach installs a freshly dialled connection and its keepalive handlers.
func (c *Client) attach(conn *websocket.Conn) {
	if c.cfg.PingInterval > 0 {
		c.extendReadDeadline(conn)
		conn.SetPongHandler(func(string) error {
			c.extendReadDeadline(conn)
			return nil
		})
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	c.lastActivity.Store(time.Now().Unix())
}

func (c *Client) extendReadDeadline(conn *websocket.Conn) {
	//nolint:errcheck // A failed deadline surfaces as a read error.
	conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
}

// afterConnect notifies listeners and requests a state snapshot.
func (c *Client) afterConnect() {
	c.notifyConnectionChange(true)

	if err := c.RequestSnapshot(c.ctx); err != nil {
		c.logWarn("snapshot request failed", "error", err)
	}
}

// RequestSnapshot asks Evok to report the state of every circuit. It does
// nothing when snapshots are disabled in ClientConfig.
//
// Reconnects request a snapshot on their own. The first one is left to the
// owner, which calls RequestSnapshot once SetOnEvent is installed; events
// that arrive with no callback are counted and dropped.
func (c *Client) RequestSnapshot(ctx context.Context) error {
	if !c.cfg.RequestSnapshot {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return c.write(ctx, SnapshotCommand())
}

// receiveLoop reads frames until Close, reconnecting when the connection drops.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		if c.isClosed() {
			return
		}

		conn := c.currentConn()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.handleReadError(conn, err)
			if !c.reconnect() {
				return
			}
			continue
		}

		if c.cfg.PingInterval > 0 {
			c.extendReadDeadline(conn)
		}
		c.lastActivity.Store(time.Now().Unix())
		c.handleFrame(data)
	}
}

// handleReadError drops the broken connection. Every read error is fatal
// for a gorilla connection, timeouts included.
func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logInfo("evok closed the connection", "reason", err.Error())
	} else {
		c.logError("read failed", err)
		c.errorsTotal.Add(1)
	}
	c.detach(conn)
}

// detach clears conn if it is still current and reports the disconnect once.
func (c *Client) detach(conn *websocket.Conn) {
	c.connMu.Lock()
	wasCurrent := c.conn == conn
	if wasCurrent {
		c.conn = nil
		c.connected = false
	}
	c.connMu.Unlock()

	conn.Close()

	if wasCurrent {
		c.logInfo("connection lost, will attempt reconnection")
		c.notifyConnectionChange(false)
	}
}

// handleFrame decodes a frame and queues its events.
func (c *Client) handleFrame(data []byte) {
	events, err := DecodeFrame(data)
	if err != nil {
		c.decodeErrors.Add(1)
		c.errorsTotal.Add(1)
		c.logWarn("dropping undecodable frame", "error", err, "size", len(data))
		return
	}

	c.callbackMu.RLock()
	hasCallback := c.onEvent != nil
	c.callbackMu.RUnlock()

	for _, ev := range events {
		c.eventsRx.Add(1)
		if !hasCallback {
			continue
		}
		select {
		case c.eventQueue <- ev:
		default:
			c.eventsDropped.Add(1)
			c.errorsTotal.Add(1)
			c.logWarn("event queue full, dropping event", "dev", ev.Dev, "circuit", ev.Circuit)
		}
	}
}

// callbackWorker delivers queued events one at a time so their order is kept.
func (c *Client) callbackWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainEventQueue()
			return
		case ev := <-c.eventQueue:
			c.callbackMu.RLock()
			callback := c.onEvent
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("event callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(ev)
				}()
			}
		}
	}
}

// drainEventQueue discards queued events during shutdown.
func (c *Client) drainEventQueue() {
	for {
		select {
		case <-c.eventQueue:
		default:
			return
		}
	}
}

// pingLoop sends websocket pings; a missing pong lets the read deadline expire.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done.Done():
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			// WriteControl may run concurrently with other writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logDebug("ping failed", "error", err)
			}
		}
	}
}

// reconnect redials with exponential backoff.
// Returns true on success, false on Close or when attempts are exhausted.
func (c *Client) reconnect() bool {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	attempt := 0

	for {
		if c.isClosed() {
			return false
		}

		attempt++
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.failed.Store(true)
			c.logError("giving up on evok", fmt.Errorf("%w after %d attempts", ErrConnectionLost, c.cfg.MaxReconnectAttempts))
			return false
		}

		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		conn, err := c.dial(c.ctx)
		if err != nil {
			backoff = c.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		if !c.finalizeReconnection(conn) {
			return false
		}
		return true
	}
}

// handleReconnectFailure waits out the backoff and returns the next delay,
// or 0 if Close was called meanwhile.
func (c *Client) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	c.logError("reconnect failed", err)
	c.errorsTotal.Add(1)

	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-c.done.Done():
		return 0
	case <-timer.C:
	}

	return nextBackoff(backoff, c.cfg.MaxReconnectInterval)
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > limit {
		next = limit
	}
	return next
}

// finalizeReconnection installs conn unless Close won the race.
func (c *Client) finalizeReconnection(conn *websocket.Conn) bool {
	if c.isClosed() {
		conn.Close()
		return false
	}

	c.attach(conn)
	c.reconnectsTotal.Add(1)
	c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())

	c.afterConnect()
	return true
}

// Send writes cmd on the persistent connection.
//
// If the connection is down, Send waits for the receive loop to reconnect
// until ctx is done. A failed write drops the connection and is retried on
// the next one, again bounded by ctx.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	lastErr := ErrNotConnected

	for {
		if c.isClosed() {
			return ErrClientClosed
		}
		if c.failed.Load() {
			return ErrConnectionLost
		}

		err := c.write(ctx, cmd)
		switch {
		case err == nil:
			c.commandsTx.Add(1)
			return nil
		case errors.Is(err, ErrNotConnected), errors.Is(err, ErrCommandFailed):
			lastErr = err
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", lastErr, ctx.Err())
		default:
			return err
		}

		timer := time.NewTimer(sendPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", lastErr, ctx.Err())
		case <-c.done.Done():
			timer.Stop()
			return ErrClientClosed
		case <-timer.C:
		}
	}
}

// write performs one write attempt on the current connection.
func (c *Client) write(ctx context.Context, cmd Command) error {
	// An expired deadline must not reach the socket, or the write would fail
	// and tear down a healthy connection.
	if err := ctx.Err(); err != nil {
		return err
	}

	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrCommandFailed, err)
	}
	if err := conn.WriteJSON(cmd); err != nil {
		c.errorsTotal.Add(1)
		c.logWarn("command write failed", "command", cmd.String(), "error", err)
		// A failed write leaves the connection unusable; closing it makes
		// the receive loop reconnect.
		conn.Close()
		return fmt.Errorf("%w: write: %w", ErrCommandFailed, err)
	}

	c.lastActivity.Store(time.Now().Unix())
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops all goroutines and closes the websocket. Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()
	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		//nolint:errcheck // Best-effort close handshake.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	return nil
}

// SetOnEvent sets the callback for decoded circuit events.
func (c *Client) SetOnEvent(callback func(Event)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// SetOnConnectionChange sets a callback invoked on every connect and disconnect.
func (c *Client) SetOnConnectionChange(callback func(connected bool)) {
	c.callbackMu.Lock()
	c.onConnectionChange = callback
	c.callbackMu.Unlock()
}

func (c *Client) notifyConnectionChange(connected bool) {
	c.callbackMu.RLock()
	callback := c.onConnectionChange
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(connected)
	}
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true while a websocket is open.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		EventsRx:        c.eventsRx.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		DecodeErrors:    c.decodeErrors.Load(),
		CommandsTx:      c.commandsTx.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
		Failed:          c.failed.Load(),
	}
}

// HealthCheck reports whether the websocket is up.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.failed.Load() {
		return ErrConnectionLost
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
