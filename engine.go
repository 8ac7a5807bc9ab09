package whisperbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultEchoWindow bounds how far a server echo without a message id may be
// from the local send it reconciles with.
const DefaultEchoWindow = time.Minute

type engineOptions struct {
	client        *Client
	endpoint      string
	realtime      RealtimeConfig
	retryDelay    time.Duration
	notifications NotificationConfig
	storeOpts     []StoreOption
	sessions      *SessionStore
	logger        *slog.Logger
	metrics       *Metrics
	echoWindow    time.Duration
	now           func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

// WithClient sets the REST client used for history and conversation calls.
// The stream endpoint defaults to the client's StreamURL.
func WithClient(c *Client) EngineOption {
	return func(o *engineOptions) { o.client = c }
}

// WithEndpoint overrides the message-stream endpoint.
func WithEndpoint(endpoint string) EngineOption {
	return func(o *engineOptions) { o.endpoint = endpoint }
}

// WithRealtimeConfig sets the connection manager configuration.
func WithRealtimeConfig(cfg RealtimeConfig) EngineOption {
	return func(o *engineOptions) { o.realtime = cfg }
}

// WithSendRetryDelay sets the delay of the single send retry.
func WithSendRetryDelay(d time.Duration) EngineOption {
	return func(o *engineOptions) { o.retryDelay = d }
}

// WithNotifications sets the notification dispatcher configuration.
func WithNotifications(cfg NotificationConfig) EngineOption {
	return func(o *engineOptions) { o.notifications = cfg }
}

// WithStoreOptions passes options to the message store.
func WithStoreOptions(opts ...StoreOption) EngineOption {
	return func(o *engineOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithSessionStore sets where display names are persisted.
func WithSessionStore(s *SessionStore) EngineOption {
	return func(o *engineOptions) { o.sessions = s }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

// WithMetrics sets the metrics shared by all components.
func WithMetrics(m *Metrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

// WithEchoWindow sets the id-less echo reconciliation window.
func WithEchoWindow(d time.Duration) EngineOption {
	return func(o *engineOptions) { o.echoWindow = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the session controller. It owns one ConnectionManager and one
// MessageStore and wires the send pipeline, read-state tracker and
// notification dispatcher around them. Account and anonymous sessions share
// this single code path.
type Engine struct {
	session    Session
	client     *Client
	endpoint   string
	sessions   *SessionStore
	logger     *slog.Logger
	metrics    *Metrics
	echoWindow time.Duration
	now        func() time.Time

	conn   *ConnectionManager
	store  *MessageStore
	sender *SendPipeline
	reads  *ReadStateTracker
	notify *NotificationDispatcher

	mu       sync.Mutex
	loaded   map[string]bool
	onServer []func(Envelope)
}

// NewEngine builds an engine for session.
func NewEngine(session Session, opts ...EngineOption) (*Engine, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.echoWindow == 0 {
		o.echoWindow = DefaultEchoWindow
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.endpoint == "" {
		if o.client != nil {
			o.endpoint = o.client.StreamURL()
		} else {
			o.endpoint = DefaultBaseURL + "/ws"
		}
	}

	logger := o.logger.With("role", session.Role)
	e := &Engine{
		session:    session,
		client:     o.client,
		endpoint:   o.endpoint,
		sessions:   o.sessions,
		logger:     logger,
		metrics:    o.metrics,
		echoWindow: o.echoWindow,
		now:        o.now,
		loaded:     make(map[string]bool),
	}

	e.store = NewMessageStore(append([]StoreOption{WithStoreLogger(logger)}, o.storeOpts...)...)

	rc := o.realtime
	if rc.Logger == nil {
		rc.Logger = logger
	}
	if rc.Metrics == nil {
		rc.Metrics = o.metrics
	}
	e.conn = NewConnectionManager(&rc)
	e.conn.OnFrame(e.handleEnvelope)

	e.reads = NewReadStateTracker(e.store, e.emitReceipt, logger)

	nc := o.notifications
	if nc.Logger == nil {
		nc.Logger = logger
	}
	if nc.Title == nil {
		nc.Title = e.notificationTitle
	}
	e.notify = NewNotificationDispatcher(e.reads, &nc)

	// Unread counters are updated before any notification is raised.
	e.store.AddObserver(e.reads)
	e.store.AddObserver(e.notify)

	e.sender = NewSendPipeline(session, e.store, e.conn, &SendConfig{
		RetryDelay: o.retryDelay,
		Nickname:   e.nickname,
		Now:        o.now,
		Logger:     logger,
		Metrics:    o.metrics,
	})
	return e, nil
}

// Session returns the engine's session.
func (e *Engine) Session() Session {
	return e.session
}

// Start opens the message stream.
func (e *Engine) Start(ctx context.Context) error {
	return e.conn.Open(ctx, e.endpoint, e.session)
}

// Close shuts the connection down and cancels pending reconnects.
func (e *Engine) Close() error {
	return e.conn.Shutdown()
}

// Disconnect closes the connection manually; Start reopens it.
func (e *Engine) Disconnect() error {
	return e.conn.Close(true)
}

// State returns the connection state.
func (e *Engine) State() ConnectionState {
	return e.conn.State()
}

// OnStateChange registers a handler for connection state transitions.
func (e *Engine) OnStateChange(h func(StateChange)) {
	e.conn.OnStateChange(h)
}

// OnServerEvent registers a handler for ERROR, INFO and MARK_AS_READ frames.
func (e *Engine) OnServerEvent(h func(Envelope)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onServer = append(e.onServer, h)
}

// OnInbound registers a handler for every live inbound message merged into
// the store.
func (e *Engine) OnInbound(h func(conversationKey string, msg Message)) {
	e.store.AddObserver(InboundFunc(h))
}

// ── Messages ─────────────────────────────────────────────

// Send posts the text held by input to the conversation key.
func (e *Engine) Send(ctx context.Context, key string, input InputBuffer) (Message, error) {
	return e.sender.Send(ctx, key, input)
}

// LoadHistory fetches the history with counterpart once and merges it
// without side effects. force refetches an already loaded history.
func (e *Engine) LoadHistory(ctx context.Context, counterpart string, force bool) error {
	if e.client == nil {
		return errors.New("no REST client configured")
	}
	e.mu.Lock()
	done := e.loaded[counterpart]
	e.mu.Unlock()
	if done && !force {
		return nil
	}

	envs, err := e.client.History(ctx, e.session, counterpart)
	if err != nil {
		return err
	}
	merged := 0
	for _, env := range envs {
		key, msg, err := e.toMessage(env)
		if err != nil {
			e.logger.Warn("skipping history entry", "conversation", counterpart, "error", err)
			continue
		}
		if e.store.Merge(key, msg, SourceHistory) {
			merged++
		}
	}

	e.mu.Lock()
	e.loaded[counterpart] = true
	e.mu.Unlock()
	e.logger.Info("history loaded", "conversation", counterpart, "entries", len(envs), "merged", merged)
	return nil
}

// LoadConversations lists the account's conversations and loads the
// history of each one that has not been loaded yet.
func (e *Engine) LoadConversations(ctx context.Context) ([]ConversationSummary, error) {
	if e.client == nil {
		return nil, errors.New("no REST client configured")
	}
	convs, err := e.client.Conversations(ctx, e.session)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		if err := e.LoadHistory(ctx, c.ID, false); err != nil {
			return convs, err
		}
	}
	return convs, nil
}

// DeleteConversation deletes a conversation remotely (when a REST client is
// configured) and then removes it and its messages locally.
func (e *Engine) DeleteConversation(ctx context.Context, key string) error {
	if _, ok := e.store.Conversation(key); !ok {
		return fmt.Errorf("delete %s: %w", key, ErrUnknownConversation)
	}
	if e.client != nil {
		if err := e.client.DeleteConversation(ctx, e.session, key); err != nil {
			return err
		}
	}
	e.store.DeleteConversation(key)
	e.notify.Dismiss(key)
	if e.reads.Active() == key {
		e.reads.ClearActive()
	}
	e.mu.Lock()
	delete(e.loaded, key)
	e.mu.Unlock()
	return nil
}

// Conversation returns a copy of one conversation.
func (e *Engine) Conversation(key string) (Conversation, bool) {
	return e.store.Conversation(key)
}

// Conversations returns copies of all conversations, most recent first.
func (e *Engine) Conversations() []Conversation {
	return e.store.Conversations()
}

// Search searches local messages; an empty key searches all conversations.
func (e *Engine) Search(query, key string, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}
	return e.store.Search(query, key, limit)
}

// ── Read state & notifications ───────────────────────────

// MarkActive designates the conversation the user is viewing.
func (e *Engine) MarkActive(key string) {
	e.reads.MarkActive(key)
}

// ClearActive records that no conversation is being viewed.
func (e *Engine) ClearActive() {
	e.reads.ClearActive()
}

// ActiveConversation returns the key of the viewed conversation.
func (e *Engine) ActiveConversation() string {
	return e.reads.Active()
}

// PendingNotifications returns the latest unclicked notification per
// conversation.
func (e *Engine) PendingNotifications() []Notification {
	return e.notify.Pending()
}

// ClickNotification activates the conversation a notification belongs to.
func (e *Engine) ClickNotification(tag string) bool {
	return e.notify.Click(tag)
}

// SetDisplayName stores the display name an anonymous session shows to
// counterpart.
func (e *Engine) SetDisplayName(counterpart, name string) error {
	if e.sessions == nil {
		return errors.New("no session store configured")
	}
	return e.sessions.SetDisplayName(e.session.Self(), counterpart, name)
}

// ============================================================================
// Frame handling
// ============================================================================

func (e *Engine) handleEnvelope(env Envelope) {
	switch env.Type {
	case EnvelopeError:
		e.logger.Warn("server error", "content", env.Content)
		e.emitServer(env)
		return
	case EnvelopeInfo:
		e.logger.Info("server info", "content", env.Content)
		e.emitServer(env)
		return
	case EnvelopeMarkAsRead:
		e.logger.Debug("counterpart read conversation", "conversation", env.From)
		e.emitServer(env)
		return
	}

	key, msg, err := e.toMessage(env)
	if err != nil {
		e.metrics.frameDropped()
		e.logger.Warn("dropping frame", "error", err)
		return
	}
	e.store.Merge(key, msg, SourceLive)
}

// toMessage routes a message frame to its conversation. Frames sent by this
// session are outbound and keyed by recipient; frames addressed to it are
// inbound and keyed by sender.
func (e *Engine) toMessage(env Envelope) (string, Message, error) {
	ts, err := e.parseTimestamp(env.Timestamp)
	if err != nil {
		return "", Message{}, &ProtocolError{Reason: "bad timestamp", Err: err}
	}
	self := e.session.Self()

	switch {
	case env.Type == e.session.OutboundType() && env.From == self && env.To != "":
		msg := Message{
			ID:                env.MessageID(),
			Text:              env.Content,
			Direction:         Outbound,
			OriginalTimestamp: ts,
			DeliveryState:     DeliverySent,
		}
		if env.ID == "" {
			if id, ok := e.store.matchLocalEcho(env.To, env.Content, ts, e.echoWindow); ok {
				msg.ID = id
			}
		}
		return env.To, msg, nil

	case env.Type == e.session.InboundType() && env.From != "" && (env.To == self || env.To == ""):
		return env.From, Message{
			ID:                env.MessageID(),
			Text:              env.Content,
			Direction:         Inbound,
			OriginalTimestamp: ts,
			Nickname:          env.Nickname,
		}, nil
	}
	return "", Message{}, &ProtocolError{Reason: fmt.Sprintf("unroutable %s frame from %q to %q", env.Type, env.From, env.To)}
}

// zonelessLayouts are accepted after RFC 3339; they carry no offset and are
// read as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (e *Engine) parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return e.now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return ts, nil
	}
	for _, layout := range zonelessLayouts {
		if zl, zerr := time.ParseInLocation(layout, raw, time.UTC); zerr == nil {
			return zl, nil
		}
	}
	return time.Time{}, err
}

func (e *Engine) emitServer(env Envelope) {
	e.mu.Lock()
	handlers := slices.Clone(e.onServer)
	e.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// emitReceipt sends a fire-and-forget MARK_AS_READ frame. Nothing answers
// it, so a failed write is only logged.
func (e *Engine) emitReceipt(key string) {
	env := Envelope{
		Type:      EnvelopeMarkAsRead,
		From:      e.session.Self(),
		To:        key,
		Content:   key,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.conn.Send(ctx, env); err != nil {
		e.logger.Debug("read receipt dropped", "conversation", key, "error", err)
	}
}

func (e *Engine) nickname(counterpart string) string {
	if e.sessions == nil {
		return ""
	}
	name, ok, err := e.sessions.DisplayName(e.session.Self(), counterpart)
	if err != nil {
		e.logger.Warn("cannot read display name", "conversation", counterpart, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return name
}

func (e *Engine) notificationTitle(key string, msg Message) string {
	if e.session.Role == RoleAnonymous {
		return "New reply from " + key
	}
	return defaultTitle(key, msg)
}
