package whisperbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a ConnectionManager.
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the keepalive ping period. Negative disables it.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	// ReadLimit caps the size of a single inbound frame in bytes.
	ReadLimit  int64
	HTTPClient *http.Client
	Dialer     Dialer
	Logger     *slog.Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 64 << 10
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{HTTPClient: c.HTTPClient, ReadLimit: c.ReadLimit}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// StateChange describes one transition of the connection state machine.
// Attempt and Delay are set when a reconnect is scheduled; Err carries the
// failure that caused the transition, if any.
type StateChange struct {
	From    ConnectionState
	To      ConnectionState
	Attempt int
	Delay   time.Duration
	Err     error
}

// ============================================================================
// Transport
// ============================================================================

// Conn is one established message-stream connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens connections to a message-stream endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebSocketDialer dials WebSocket endpoints.
type WebSocketDialer struct {
	// HTTPClient must not set Timeout; the dial context bounds the handshake.
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// BuildEndpoint converts an http(s) or ws(s) endpoint into the stream URL
// carrying the session identity as a query parameter.
func BuildEndpoint(endpoint string, session Session) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	key, value := session.QueryParam()
	if value == "" {
		return "", &ValidationError{Field: "session", Reason: "missing credentials"}
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu      sync.RWMutex
	onFrame []func(Envelope)
	onState []func(StateChange)
}

// dispatch runs frame handlers synchronously so frames are applied in
// arrival order, one at a time.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := slices.Clone(d.onFrame)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (d *eventDispatcher) emitState(ch *StateChange) {
	if ch == nil {
		return
	}
	d.mu.RLock()
	handlers := slices.Clone(d.onState)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(*ch)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	delay := backoffDelay(r.baseDelay, r.maxDelay, r.attempt)
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// backoffDelay returns min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return min(delay, max)
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single live connection of a session and drives
// the connect/reconnect state machine. Every asynchronous callback (read
// loop, reconnect timer, dial completion) carries the generation it was
// started in and is ignored once the generation has moved on.
type ConnectionManager struct {
	config     *RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher

	lifetime context.Context
	stop     context.CancelFunc

	mu         sync.Mutex
	state      ConnectionState
	endpoint   string
	conn       Conn
	connCancel context.CancelFunc
	gen        uint64
	manual     bool
	recon      *reconnector
	timer      *time.Timer
}

// NewConnectionManager creates a disconnected manager. A nil config uses
// the defaults.
func NewConnectionManager(config *RealtimeConfig) *ConnectionManager {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	lifetime, stop := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		config:     config,
		logger:     config.Logger,
		dispatcher: &eventDispatcher{},
		lifetime:   lifetime,
		stop:       stop,
		state:      StateDisconnected,
		recon:      newReconnector(config),
	}
	config.Metrics.setState(StateDisconnected)
	return cm
}

// OnFrame registers a handler for decoded inbound envelopes.
func (cm *ConnectionManager) OnFrame(h func(Envelope)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onFrame = append(cm.dispatcher.onFrame, h)
	cm.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for state transitions.
func (cm *ConnectionManager) OnStateChange(h func(StateChange)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onState = append(cm.dispatcher.onState, h)
	cm.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Open starts a connection attempt to endpoint for session. It is a no-op
// while the manager is connecting or open. A failed first dial enters the
// reconnect cycle and is also returned to the caller.
func (cm *ConnectionManager) Open(ctx context.Context, endpoint string, session Session) error {
	target, err := BuildEndpoint(endpoint, session)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	if cm.state == StateConnecting || cm.state == StateOpen {
		cm.mu.Unlock()
		return nil
	}
	if cm.lifetime.Err() != nil {
		cm.mu.Unlock()
		return ErrShutdown
	}
	cm.stopTimerLocked()
	cm.manual = false
	cm.endpoint = target
	cm.recon.reset()
	cm.gen++
	change := cm.transitionLocked(StateConnecting, 0, 0, nil)
	cm.mu.Unlock()
	cm.dispatcher.emitState(change)

	return cm.connect(ctx)
}

// Close tears the connection down. A manual close cancels any pending
// reconnect and suppresses automatic reconnection until the next Open;
// otherwise the close is handled like a network drop.
func (cm *ConnectionManager) Close(manual bool) error {
	cm.mu.Lock()
	conn := cm.conn
	if manual {
		cm.manual = true
		cm.stopTimerLocked()
		cm.dropConnLocked()
		change := cm.transitionLocked(StateDisconnected, 0, 0, nil)
		cm.mu.Unlock()

		var err error
		if conn != nil {
			err = conn.Close("client disconnect")
		}
		cm.dispatcher.emitState(change)
		return err
	}

	if cm.state != StateOpen {
		cm.mu.Unlock()
		return nil
	}
	change := cm.failLocked(&ConnectionError{Op: "close", Err: errors.New("closed by client")})
	cm.mu.Unlock()

	err := conn.Close("reconnecting")
	cm.dispatcher.emitState(change)
	return err
}

// Shutdown closes the connection and releases every timer and goroutine the
// manager started. The manager cannot be reopened afterwards.
func (cm *ConnectionManager) Shutdown() error {
	cm.stop()
	return cm.Close(true)
}

// Send transmits one envelope. It returns an error wrapping ErrNotOpen when
// the connection is not open.
func (cm *ConnectionManager) Send(ctx context.Context, env Envelope) error {
	cm.mu.Lock()
	conn, state := cm.conn, cm.state
	cm.mu.Unlock()

	if state != StateOpen || conn == nil {
		return fmt.Errorf("send %s while %s: %w", env.Type, state, ErrNotOpen)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (cm *ConnectionManager) connect(ctx context.Context) error {
	cm.mu.Lock()
	endpoint, gen := cm.endpoint, cm.gen
	cm.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, cm.config.DialTimeout)
	conn, err := cm.config.Dialer.Dial(dialCtx, endpoint)
	cancel()

	cm.mu.Lock()
	if gen != cm.gen || cm.state != StateConnecting {
		// Closed while dialing.
		cm.mu.Unlock()
		if conn != nil {
			conn.Close("superseded")
		}
		if err != nil {
			return &ConnectionError{Op: "dial", Err: err}
		}
		return ErrNotOpen
	}
	if err != nil {
		cerr := &ConnectionError{Op: "dial", Err: err}
		change := cm.failLocked(cerr)
		cm.mu.Unlock()
		cm.dispatcher.emitState(change)
		return cerr
	}

	cm.gen++
	gen = cm.gen
	cm.conn = conn
	cm.recon.reset()
	connCtx, connCancel := context.WithCancel(cm.lifetime)
	cm.connCancel = connCancel
	change := cm.transitionLocked(StateOpen, 0, 0, nil)
	cm.mu.Unlock()

	cm.dispatcher.emitState(change)

	go cm.readLoop(connCtx, conn, gen)
	if cm.config.HeartbeatInterval > 0 {
		go cm.heartbeatLoop(connCtx, conn)
	}
	return nil
}

func (cm *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			cm.handleDrop(gen, err)
			return
		}
		cm.handleFrame(data)
	}
}

func (cm *ConnectionManager) handleFrame(data []byte) {
	cm.config.Metrics.frameReceived()
	env, err := decodeEnvelope(data)
	if err != nil {
		cm.config.Metrics.frameDropped()
		cm.logger.Warn("dropping frame", "error", err)
		return
	}
	cm.dispatcher.dispatch(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ProtocolError{Reason: "malformed envelope", Frame: data, Err: err}
	}
	if !env.Type.Known() {
		return Envelope{}, &ProtocolError{Reason: fmt.Sprintf("unknown envelope type %q", env.Type), Frame: data}
	}
	return env, nil
}

func (cm *ConnectionManager) handleDrop(gen uint64, err error) {
	cm.mu.Lock()
	if gen != cm.gen {
		cm.mu.Unlock()
		return
	}
	conn := cm.conn
	change := cm.failLocked(&ConnectionError{Op: "read", Err: err})
	cm.mu.Unlock()

	if conn != nil {
		conn.Close("connection lost")
	}
	cm.dispatcher.emitState(change)
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// The read loop observes the close and takes the drop path.
				cm.logger.Warn("heartbeat failed", "error", err)
				conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

// failLocked tears down the current connection after a failure and either
// schedules the next reconnect attempt or gives up.
func (cm *ConnectionManager) failLocked(cause error) *StateChange {
	cm.dropConnLocked()

	if cm.manual || cm.lifetime.Err() != nil {
		return cm.transitionLocked(StateDisconnected, 0, 0, cause)
	}
	if !cm.recon.shouldReconnect() {
		return cm.transitionLocked(StateFailed, cm.recon.attempt, 0, fmt.Errorf("%w: %w", ErrExhaustedReconnect, cause))
	}

	delay := cm.recon.nextDelay()
	attempt := cm.recon.attempt
	gen := cm.gen
	cm.timer = time.AfterFunc(delay, func() { cm.retry(gen) })
	cm.config.Metrics.reconnectScheduled()
	return cm.transitionLocked(StateReconnecting, attempt, delay, cause)
}

func (cm *ConnectionManager) retry(gen uint64) {
	cm.mu.Lock()
	if gen != cm.gen || cm.state != StateReconnecting || cm.manual {
		cm.mu.Unlock()
		return
	}
	cm.timer = nil
	change := cm.transitionLocked(StateConnecting, cm.recon.attempt, 0, nil)
	cm.mu.Unlock()
	cm.dispatcher.emitState(change)

	cm.connect(cm.lifetime)
}

func (cm *ConnectionManager) dropConnLocked() {
	cm.gen++
	cm.conn = nil
	if cm.connCancel != nil {
		cm.connCancel()
		cm.connCancel = nil
	}
}

func (cm *ConnectionManager) stopTimerLocked() {
	if cm.timer != nil {
		cm.timer.Stop()
		cm.timer = nil
	}
}

func (cm *ConnectionManager) transitionLocked(to ConnectionState, attempt int, delay time.Duration, err error) *StateChange {
	from := cm.state
	if from == to {
		return nil
	}
	cm.state = to
	cm.config.Metrics.setState(to)

	attrs := []any{"from", from, "to", to}
	if attempt > 0 {
		attrs = append(attrs, "attempt", attempt)
	}
	if delay > 0 {
		attrs = append(attrs, "delay", delay)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	switch to {
	case StateFailed:
		cm.logger.Error("connection failed", attrs...)
	case StateReconnecting:
		cm.logger.Warn("connection lost, reconnecting", attrs...)
	default:
		cm.logger.Info("connection state", attrs...)
	}
	return &StateChange{From: from, To: to, Attempt: attempt, Delay: delay, Err: err}
}
