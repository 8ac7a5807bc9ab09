package whisperbox

import (
	"io"
	"log/slog"
	"sync"
)

// ReadStateTracker maintains unread counters and emits read-receipt intents.
// Receipts are local-first: counters are zeroed before anything reaches the
// remote side, and nothing ever acknowledges them.
type ReadStateTracker struct {
	store   *MessageStore
	receipt func(conversationKey string)
	logger  *slog.Logger

	mu     sync.Mutex
	active string
}

// NewReadStateTracker creates a tracker over store. receipt is called for
// every read-receipt intent and may be nil.
func NewReadStateTracker(store *MessageStore, receipt func(conversationKey string), logger *slog.Logger) *ReadStateTracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReadStateTracker{store: store, receipt: receipt, logger: logger}
}

// MarkActive designates the conversation currently viewed, resets its unread
// counter and emits a receipt intent if anything was unread.
func (t *ReadStateTracker) MarkActive(key string) {
	t.mu.Lock()
	t.active = key
	t.mu.Unlock()

	if prev := t.store.ResetUnread(key); prev > 0 {
		t.logger.Debug("conversation read", "conversation", key, "unread", prev)
		t.emit(key)
	}
}

// ClearActive records that no conversation is being viewed.
func (t *ReadStateTracker) ClearActive() {
	t.mu.Lock()
	t.active = ""
	t.mu.Unlock()
}

// Active returns the key of the viewed conversation, or "".
func (t *ReadStateTracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// OnInboundMerged implements InboundObserver.
func (t *ReadStateTracker) OnInboundMerged(key string, _ Message) {
	if t.Active() == key {
		t.store.ResetUnread(key)
		t.emit(key)
		return
	}
	n := t.store.IncrementUnread(key)
	t.logger.Debug("unread incremented", "conversation", key, "unread", n)
}

func (t *ReadStateTracker) emit(key string) {
	if t.receipt != nil {
		t.receipt(key)
	}
}
