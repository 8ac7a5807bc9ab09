package whisperbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const localIDPrefix = "local-"

// DefaultSendRetryDelay is the pause before the single send retry.
const DefaultSendRetryDelay = 1500 * time.Millisecond

// InputBuffer is the caller's text input. The pipeline clears it when a send
// is accepted and restores it on rollback.
type InputBuffer interface {
	Text() string
	SetText(string)
}

// Draft is a goroutine-safe InputBuffer.
type Draft struct {
	mu   sync.Mutex
	text string
}

// NewDraft returns a Draft holding text.
func NewDraft(text string) *Draft {
	return &Draft{text: text}
}

func (d *Draft) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

func (d *Draft) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
}

// Transmitter is the part of ConnectionManager the send pipeline needs.
type Transmitter interface {
	State() ConnectionState
	Send(ctx context.Context, env Envelope) error
}

// SendConfig configures a SendPipeline.
type SendConfig struct {
	RetryDelay time.Duration
	// Nickname returns the display name anonymous sessions attach to frames
	// addressed to counterpart.
	Nickname func(counterpart string) string
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *Metrics
}

func (c *SendConfig) defaults() {
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultSendRetryDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// ============================================================================
// SendPipeline
// ============================================================================

// SendPipeline performs optimistic sends: the message shows up in the store
// before it is transmitted and is rolled back if transmission fails.
type SendPipeline struct {
	session Session
	store   *MessageStore
	conn    Transmitter
	config  *SendConfig
}

// NewSendPipeline creates a pipeline writing into store and transmitting
// through conn. A nil config uses the defaults.
func NewSendPipeline(session Session, store *MessageStore, conn Transmitter, config *SendConfig) *SendPipeline {
	if config == nil {
		config = &SendConfig{}
	}
	config.defaults()
	return &SendPipeline{session: session, store: store, conn: conn, config: config}
}

// Send posts the text held by input to the conversation identified by key.
// Empty text or a connection that is disconnected or failed is rejected with
// a *ValidationError and no side effects. When the connection is still
// (re)connecting the transmission is retried once after RetryDelay. Any
// transmission failure removes the pending message, restores the input and
// returns a *SendFailure.
func (p *SendPipeline) Send(ctx context.Context, key string, input InputBuffer) (Message, error) {
	text := input.Text()
	if strings.TrimSpace(text) == "" {
		p.config.Metrics.sendResult("rejected")
		return Message{}, &ValidationError{Field: "text", Reason: "message is empty"}
	}
	if key == "" {
		p.config.Metrics.sendResult("rejected")
		return Message{}, &ValidationError{Field: "conversation", Reason: "no conversation selected"}
	}
	if state := p.conn.State(); state == StateDisconnected || state == StateFailed {
		p.config.Metrics.sendResult("rejected")
		return Message{}, &ValidationError{Field: "connection", Reason: fmt.Sprintf("no active connection (%s)", state)}
	}

	msg := Message{
		ID:                localIDPrefix + uuid.NewString(),
		Text:              text,
		Direction:         Outbound,
		OriginalTimestamp: p.config.Now().UTC(),
		DeliveryState:     DeliveryPending,
	}
	existed := p.store.hasConversation(key)
	p.store.Merge(key, msg, SourceLocal)
	input.SetText("")

	env := Envelope{
		Type:      p.session.OutboundType(),
		From:      p.session.Self(),
		To:        key,
		Content:   text,
		Timestamp: msg.OriginalTimestamp.Format(time.RFC3339Nano),
		ID:        msg.ID,
	}
	if p.session.Role == RoleAnonymous && p.config.Nickname != nil {
		env.Nickname = p.config.Nickname(key)
	}

	err := p.conn.Send(ctx, env)
	if err != nil && p.retryable(err) {
		p.config.Logger.Info("connection not open, retrying send", "conversation", key, "message_id", msg.ID, "delay", p.config.RetryDelay)
		err = p.retry(ctx, env)
	}
	if err != nil {
		p.store.Remove(key, msg.ID)
		if !existed {
			// A first send that failed must not leave an empty conversation.
			p.store.dropIfEmpty(key)
		}
		input.SetText(text)
		p.config.Metrics.sendResult("failed")
		p.config.Logger.Warn("send rolled back", "conversation", key, "message_id", msg.ID, "error", err)
		return Message{}, &SendFailure{ConversationKey: key, MessageID: msg.ID, Text: text, Err: err}
	}

	// No acknowledgement exists on the wire; a completed write counts as sent.
	msg.DeliveryState = DeliverySent
	p.store.Merge(key, msg, SourceLocal)
	msg.DisplayTimestamp = p.store.display(msg.OriginalTimestamp)
	p.config.Metrics.sendResult("sent")
	return msg, nil
}

func (p *SendPipeline) retryable(err error) bool {
	if !errors.Is(err, ErrNotOpen) {
		return false
	}
	state := p.conn.State()
	return state == StateConnecting || state == StateReconnecting
}

func (p *SendPipeline) retry(ctx context.Context, env Envelope) error {
	timer := time.NewTimer(p.config.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return p.conn.Send(ctx, env)
}
