package whisperbox

import (
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultDisplayLayout formats DisplayTimestamp when no layout is configured.
const DefaultDisplayLayout = "Jan 2, 15:04"

// InboundObserver is notified after a live inbound message has been merged.
// History merges never reach observers.
type InboundObserver interface {
	OnInboundMerged(conversationKey string, msg Message)
}

// InboundFunc adapts a function to InboundObserver.
type InboundFunc func(conversationKey string, msg Message)

// OnInboundMerged implements InboundObserver.
func (f InboundFunc) OnInboundMerged(key string, msg Message) { f(key, msg) }

// StoreOption configures a MessageStore.
type StoreOption func(*MessageStore)

// WithDisplayFormat sets the layout and location used to derive
// DisplayTimestamp.
func WithDisplayFormat(layout string, loc *time.Location) StoreOption {
	return func(s *MessageStore) {
		if layout != "" {
			s.layout = layout
		}
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithStoreLogger sets the store's logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *MessageStore) { s.logger = l }
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the canonical, timestamp-sorted message set of every
// conversation. It is safe for concurrent use; observers are always invoked
// after the store's lock has been released.
type MessageStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversationState
	observers     []InboundObserver

	layout string
	loc    *time.Location
	logger *slog.Logger
}

type conversationState struct {
	id       string
	label    string
	messages []Message
	unread   int
}

// NewMessageStore creates an empty store.
func NewMessageStore(opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		conversations: make(map[string]*conversationState),
		layout:        DefaultDisplayLayout,
		loc:           time.Local,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver registers an observer for live inbound merges.
func (s *MessageStore) AddObserver(obs InboundObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *MessageStore) display(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(s.loc).Format(s.layout)
}

// ── Merge ────────────────────────────────────────────────

// Merge upserts msg into the conversation identified by key, creating the
// conversation when needed. Merging a message that is already present with
// identical content is a no-op. A pending outbound message merged again
// with the same id in state sent or failed takes the new delivery state.
// It reports whether the conversation changed.
func (s *MessageStore) Merge(key string, msg Message, src MergeSource) bool {
	if key == "" || msg.ID == "" {
		s.logger.Warn("merge rejected", "conversation", key, "message_id", msg.ID, "reason", "missing key or id")
		return false
	}
	msg.DisplayTimestamp = s.display(msg.OriginalTimestamp)

	s.mu.Lock()
	conv, ok := s.conversations[key]
	if !ok {
		conv = &conversationState{id: key, label: key}
		s.conversations[key] = conv
	}

	inserted, changed := false, false
	if i := conv.indexOf(msg.ID); i >= 0 {
		existing := conv.messages[i]
		if !existing.sameContent(msg) && existing.Direction == Outbound &&
			existing.DeliveryState == DeliveryPending &&
			(msg.DeliveryState == DeliverySent || msg.DeliveryState == DeliveryFailed) {
			existing.DeliveryState = msg.DeliveryState
			if !msg.OriginalTimestamp.IsZero() {
				existing.OriginalTimestamp = msg.OriginalTimestamp
				existing.DisplayTimestamp = msg.DisplayTimestamp
			}
			conv.messages[i] = existing
			changed = true
		}
	} else {
		conv.messages = append(conv.messages, msg)
		inserted, changed = true, true
		if msg.Direction == Inbound && msg.Nickname != "" {
			conv.label = msg.Nickname
		}
	}
	if changed {
		conv.sort()
	}

	var notify []InboundObserver
	if inserted && msg.Direction == Inbound && src != SourceHistory {
		notify = append(notify, s.observers...)
	}
	s.mu.Unlock()

	if changed {
		s.logger.Debug("message merged", "conversation", key, "message_id", msg.ID, "source", src.String(), "inserted", inserted)
	}
	for _, obs := range notify {
		obs.OnInboundMerged(key, msg)
	}
	return changed
}

// Remove deletes a message by id. It reports whether a message was removed.
func (s *MessageStore) Remove(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return false
	}
	i := conv.indexOf(id)
	if i < 0 {
		return false
	}
	conv.messages = slices.Delete(conv.messages, i, i+1)
	return true
}

// DeleteConversation removes a conversation together with its messages.
func (s *MessageStore) DeleteConversation(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[key]; !ok {
		return false
	}
	delete(s.conversations, key)
	return true
}

func (s *MessageStore) hasConversation(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conversations[key]
	return ok
}

// dropIfEmpty deletes the conversation when it holds no messages. It
// reports whether the conversation was deleted.
func (s *MessageStore) dropIfEmpty(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok || len(conv.messages) > 0 {
		return false
	}
	delete(s.conversations, key)
	return true
}

// matchLocalEcho finds a locally originated outbound message carrying text
// whose timestamp lies within window of at. Servers that do not echo message
// ids are reconciled this way.
func (s *MessageStore) matchLocalEcho(key, text string, at time.Time, window time.Duration) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[key]
	if !ok {
		return "", false
	}
	for i := len(conv.messages) - 1; i >= 0; i-- {
		m := conv.messages[i]
		if m.Direction != Outbound || m.Text != text || !strings.HasPrefix(m.ID, localIDPrefix) {
			continue
		}
		d := m.OriginalTimestamp.Sub(at)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return m.ID, true
		}
	}
	return "", false
}

// ── Unread counters ──────────────────────────────────────

// IncrementUnread adds one to the conversation's unread counter and returns
// the new value.
func (s *MessageStore) IncrementUnread(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return 0
	}
	conv.unread++
	return conv.unread
}

// ResetUnread zeroes the unread counter and returns its previous value.
func (s *MessageStore) ResetUnread(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return 0
	}
	prev := conv.unread
	conv.unread = 0
	return prev
}

// ── Reads ────────────────────────────────────────────────

// Conversation returns a copy of one conversation.
func (s *MessageStore) Conversation(key string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[key]
	if !ok {
		return Conversation{}, false
	}
	return conv.snapshot(), true
}

// Conversations returns copies of all conversations, most recent first.
func (s *MessageStore) Conversations() []Conversation {
	s.mu.RLock()
	result := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		result = append(result, conv.snapshot())
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b Conversation) int {
		if c := b.LastMessageTimestamp.Compare(a.LastMessageTimestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

// Search returns messages whose text contains query, case-insensitively.
// An empty key searches every conversation.
func (s *MessageStore) Search(query, key string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var results []Message
	for id, conv := range s.conversations {
		if key != "" && id != key {
			continue
		}
		for _, m := range conv.messages {
			if strings.Contains(strings.ToLower(m.Text), q) {
				results = append(results, m)
				if limit > 0 && len(results) >= limit {
					return results
				}
			}
		}
	}
	return results
}

// ============================================================================
// conversationState helpers
// ============================================================================

func (c *conversationState) indexOf(id string) int {
	return slices.IndexFunc(c.messages, func(m Message) bool { return m.ID == id })
}

func (c *conversationState) sort() {
	slices.SortStableFunc(c.messages, compareMessages)
}

func compareMessages(a, b Message) int {
	if c := a.OriginalTimestamp.Compare(b.OriginalTimestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// snapshot derives Preview and LastMessageTimestamp from the newest message
// so they can never drift from the message list.
func (c *conversationState) snapshot() Conversation {
	out := Conversation{
		ID:               c.id,
		CounterpartLabel: c.label,
		Messages:         slices.Clone(c.messages),
		UnreadCount:      c.unread,
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		out.Preview = last.Text
		out.LastMessageTimestamp = last.OriginalTimestamp
	}
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return out
}
