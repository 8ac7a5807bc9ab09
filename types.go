package whisperbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response wrapper.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Wire Envelope
// ============================================================================

// EnvelopeType discriminates frames on the message stream.
type EnvelopeType string

const (
	EnvelopeAnonToUser EnvelopeType = "ANON_TO_USER"
	EnvelopeUserToAnon EnvelopeType = "USER_TO_ANON"
	EnvelopeError      EnvelopeType = "ERROR"
	EnvelopeInfo       EnvelopeType = "INFO"
	EnvelopeMarkAsRead EnvelopeType = "MARK_AS_READ"
)

// Known reports whether t is one of the protocol's frame types.
func (t EnvelopeType) Known() bool {
	switch t {
	case EnvelopeAnonToUser, EnvelopeUserToAnon, EnvelopeError, EnvelopeInfo, EnvelopeMarkAsRead:
		return true
	}
	return false
}

// Envelope is the wire format shared by inbound and outbound frames.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Content   string       `json:"content"`
	Nickname  string       `json:"nickname,omitempty"`
	Timestamp string       `json:"timestamp"`
	ID        string       `json:"id,omitempty"`
}

// MessageID returns the frame's message id. Frames without an explicit id get
// one derived from their content so the same message fetched through history
// and received live collapses to a single entry.
func (e Envelope) MessageID() string {
	if e.ID != "" {
		return e.ID
	}
	h := sha256.New()
	for _, part := range []string{string(e.Type), e.From, e.To, e.Timestamp, e.Content} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "srv-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// ============================================================================
// Messages & Conversations
// ============================================================================

// Direction tells whether a message was received or sent by this session.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// DeliveryState is meaningful only for outbound messages.
type DeliveryState string

const (
	DeliveryNone    DeliveryState = ""
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is a single entry of a conversation.
type Message struct {
	ID                string        `json:"id"`
	Text              string        `json:"text"`
	Direction         Direction     `json:"direction"`
	OriginalTimestamp time.Time     `json:"originalTimestamp"`
	DisplayTimestamp  string        `json:"displayTimestamp,omitempty"`
	DeliveryState     DeliveryState `json:"deliveryState,omitempty"`
	Nickname          string        `json:"nickname,omitempty"`
}

func (m Message) sameContent(o Message) bool {
	return m.Text == o.Text &&
		m.Direction == o.Direction &&
		m.OriginalTimestamp.Equal(o.OriginalTimestamp) &&
		m.DeliveryState == o.DeliveryState &&
		m.Nickname == o.Nickname
}

// Conversation is one counterpart's message thread.
type Conversation struct {
	ID                   string    `json:"id"`
	CounterpartLabel     string    `json:"counterpartLabel"`
	Messages             []Message `json:"messages"`
	UnreadCount          int       `json:"unreadCount"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
	Preview              string    `json:"preview"`
}

// ConversationSummary is the dashboard listing returned by the REST API.
type ConversationSummary struct {
	ID            string `json:"id"`
	Label         string `json:"label,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastMessageAt string `json:"lastMessageAt,omitempty"`
	UnreadCount   int    `json:"unreadCount"`
}

// MergeSource records where a merged message came from.
type MergeSource int

const (
	SourceHistory MergeSource = iota
	SourceLive
	SourceLocal
)

func (s MergeSource) String() string {
	switch s {
	case SourceHistory:
		return "history"
	case SourceLive:
		return "live"
	case SourceLocal:
		return "local"
	}
	return "unknown"
}
