package whisperbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageIDs(conv Conversation) []string {
	ids := make([]string, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

type observedInbound struct {
	mu   sync.Mutex
	keys []string
	ids  []string
}

func (o *observedInbound) OnInboundMerged(key string, msg Message) {
	o.mu.Lock()
	o.keys = append(o.keys, key)
	o.ids = append(o.ids, msg.ID)
	o.mu.Unlock()
}

// ============================================================================
// Merge
// ============================================================================

func TestMessageStore_MergeIsIdempotent(t *testing.T) {
	s := NewMessageStore()
	msg := inbound("m1", "hello", at(1))

	assert.True(t, s.Merge("anon-1", msg, SourceLive))
	assert.False(t, s.Merge("anon-1", msg, SourceLive))
	assert.False(t, s.Merge("anon-1", msg, SourceHistory))

	conv, ok := s.Conversation("anon-1")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)
}

func TestMessageStore_MergeKeepsTimestampOrder(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", inbound("c", "third", at(3)), SourceLive)
	s.Merge("anon-1", inbound("a", "first", at(1)), SourceLive)
	s.Merge("anon-1", inbound("b", "second", at(2)), SourceLive)
	s.Merge("anon-1", inbound("a2", "tie", at(1)), SourceLive)

	conv, _ := s.Conversation("anon-1")
	assert.Equal(t, []string{"a", "a2", "b", "c"}, messageIDs(conv))
}

func TestMessageStore_HistoryAndLiveConverge(t *testing.T) {
	s := NewMessageStore()

	// A live push arrives while history is still loading.
	s.Merge("anon-1", inbound("t2", "two", at(2)), SourceLive)
	s.Merge("anon-1", inbound("t3", "three", at(3)), SourceLive)
	for _, m := range []Message{inbound("t1", "one", at(1)), inbound("t2", "two", at(2))} {
		s.Merge("anon-1", m, SourceHistory)
	}

	conv, _ := s.Conversation("anon-1")
	assert.Equal(t, []string{"t1", "t2", "t3"}, messageIDs(conv))
}

func TestMessageStore_DerivedIDsCollapse(t *testing.T) {
	s := NewMessageStore()
	env := Envelope{Type: EnvelopeAnonToUser, From: "anon-1", To: "alice", Content: "hi", Timestamp: "2026-03-01T10:01:00Z"}

	s.Merge("anon-1", inbound(env.MessageID(), env.Content, at(1)), SourceHistory)
	s.Merge("anon-1", inbound(env.MessageID(), env.Content, at(1)), SourceLive)

	conv, _ := s.Conversation("anon-1")
	assert.Len(t, conv.Messages, 1)
}

func TestMessageStore_DeliveryTransitions(t *testing.T) {
	t.Run("pending becomes sent", func(t *testing.T) {
		s := NewMessageStore()
		s.Merge("anon-1", outbound("local-1", "hi", at(1), DeliveryPending), SourceLocal)
		assert.True(t, s.Merge("anon-1", outbound("local-1", "hi", at(2), DeliverySent), SourceLive))

		conv, _ := s.Conversation("anon-1")
		require.Len(t, conv.Messages, 1)
		assert.Equal(t, DeliverySent, conv.Messages[0].DeliveryState)
		assert.Equal(t, at(2), conv.Messages[0].OriginalTimestamp)
	})

	t.Run("pending becomes failed", func(t *testing.T) {
		s := NewMessageStore()
		s.Merge("anon-1", outbound("local-1", "hi", at(1), DeliveryPending), SourceLocal)
		s.Merge("anon-1", outbound("local-1", "hi", time.Time{}, DeliveryFailed), SourceLocal)

		conv, _ := s.Conversation("anon-1")
		assert.Equal(t, DeliveryFailed, conv.Messages[0].DeliveryState)
		assert.Equal(t, at(1), conv.Messages[0].OriginalTimestamp)
	})

	t.Run("sent never returns to pending", func(t *testing.T) {
		s := NewMessageStore()
		s.Merge("anon-1", outbound("local-1", "hi", at(1), DeliverySent), SourceLocal)
		assert.False(t, s.Merge("anon-1", outbound("local-1", "hi", at(1), DeliveryPending), SourceLocal))

		conv, _ := s.Conversation("anon-1")
		assert.Equal(t, DeliverySent, conv.Messages[0].DeliveryState)
	})

	t.Run("conflicting inbound content is ignored", func(t *testing.T) {
		s := NewMessageStore()
		s.Merge("anon-1", inbound("m1", "original", at(1)), SourceLive)
		assert.False(t, s.Merge("anon-1", inbound("m1", "rewritten", at(1)), SourceLive))

		conv, _ := s.Conversation("anon-1")
		assert.Equal(t, "original", conv.Messages[0].Text)
	})
}

func TestMessageStore_MergeRejectsMissingIdentity(t *testing.T) {
	s := NewMessageStore()
	assert.False(t, s.Merge("", inbound("m1", "x", at(1)), SourceLive))
	assert.False(t, s.Merge("anon-1", inbound("", "x", at(1)), SourceLive))
	assert.Empty(t, s.Conversations())
}

func TestMessageStore_DisplayTimestamp(t *testing.T) {
	s := NewMessageStore(WithDisplayFormat("15:04", time.UTC))
	s.Merge("anon-1", inbound("m1", "x", at(5)), SourceLive)

	conv, _ := s.Conversation("anon-1")
	assert.Equal(t, "10:05", conv.Messages[0].DisplayTimestamp)
}

func TestMessageStore_NicknameLabelsConversation(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", inbound("m1", "x", at(1)), SourceLive)

	conv, _ := s.Conversation("anon-1")
	assert.Equal(t, "anon-1", conv.CounterpartLabel)

	msg := inbound("m2", "y", at(2))
	msg.Nickname = "Secret Admirer"
	s.Merge("anon-1", msg, SourceLive)

	conv, _ = s.Conversation("anon-1")
	assert.Equal(t, "Secret Admirer", conv.CounterpartLabel)
}

// ============================================================================
// Observers
// ============================================================================

func TestMessageStore_Observers(t *testing.T) {
	s := NewMessageStore()
	obs := &observedInbound{}
	s.AddObserver(obs)

	s.Merge("anon-1", inbound("h1", "from history", at(1)), SourceHistory)
	s.Merge("anon-1", outbound("local-1", "mine", at(2), DeliverySent), SourceLocal)
	s.Merge("anon-1", inbound("l1", "live", at(3)), SourceLive)
	s.Merge("anon-1", inbound("l1", "live", at(3)), SourceLive)
	s.Merge("anon-2", inbound("l2", "other", at(4)), SourceLive)

	assert.Equal(t, []string{"anon-1", "anon-2"}, obs.keys)
	assert.Equal(t, []string{"l1", "l2"}, obs.ids)
}

func TestMessageStore_ObserverMayReadStore(t *testing.T) {
	s := NewMessageStore()
	var seen int
	s.AddObserver(InboundFunc(func(key string, _ Message) {
		conv, _ := s.Conversation(key)
		seen = len(conv.Messages)
	}))

	s.Merge("anon-1", inbound("m1", "x", at(1)), SourceLive)
	assert.Equal(t, 1, seen)
}

// ============================================================================
// Mutations & reads
// ============================================================================

func TestMessageStore_Remove(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", inbound("m1", "x", at(1)), SourceLive)
	s.Merge("anon-1", inbound("m2", "y", at(2)), SourceLive)

	assert.True(t, s.Remove("anon-1", "m2"))
	assert.False(t, s.Remove("anon-1", "m2"))
	assert.False(t, s.Remove("anon-9", "m1"))

	conv, _ := s.Conversation("anon-1")
	assert.Equal(t, []string{"m1"}, messageIDs(conv))
	assert.Equal(t, "x", conv.Preview)
	assert.Equal(t, at(1), conv.LastMessageTimestamp)
}

func TestMessageStore_DeleteConversation(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", inbound("m1", "x", at(1)), SourceLive)

	assert.True(t, s.DeleteConversation("anon-1"))
	assert.False(t, s.DeleteConversation("anon-1"))
	_, ok := s.Conversation("anon-1")
	assert.False(t, ok)
}

func TestMessageStore_ConversationIsACopy(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", inbound("m1", "x", at(1)), SourceLive)

	conv, _ := s.Conversation("anon-1")
	conv.Messages[0].Text = "tampered"

	again, _ := s.Conversation("anon-1")
	assert.Equal(t, "x", again.Messages[0].Text)
}

func TestMessageStore_ConversationsMostRecentFirst(t *testing.T) {
	s := NewMessageStore()
	s.Merge("old", inbound("m1", "x", at(1)), SourceLive)
	s.Merge("new", inbound("m2", "y", at(9)), SourceLive)
	s.Merge("mid", inbound("m3", "z", at(5)), SourceLive)

	var keys []string
	for _, c := range s.Conversations() {
		keys = append(keys, c.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, keys)
}

func TestMessageStore_Unread(t *testing.T) {
	s := NewMessageStore()
	assert.Equal(t, 0, s.IncrementUnread("missing"))

	s.Merge("anon-1", inbound("m1", "x", at(1)), SourceLive)
	assert.Equal(t, 1, s.IncrementUnread("anon-1"))
	assert.Equal(t, 2, s.IncrementUnread("anon-1"))
	assert.Equal(t, 2, s.ResetUnread("anon-1"))
	assert.Equal(t, 0, s.ResetUnread("anon-1"))
}

func TestMessageStore_Search(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", inbound("m1", "Hello there", at(1)), SourceLive)
	s.Merge("anon-1", inbound("m2", "goodbye", at(2)), SourceLive)
	s.Merge("anon-2", inbound("m3", "hello again", at(3)), SourceLive)

	assert.Len(t, s.Search("HELLO", "", 0), 2)
	assert.Len(t, s.Search("hello", "", 1), 1)

	got := s.Search("hello", "anon-2", 0)
	require.Len(t, got, 1)
	assert.Equal(t, "m3", got[0].ID)

	assert.Empty(t, s.Search("missing", "", 0))
}

func TestMessageStore_MatchLocalEcho(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", outbound("local-1", "hi", at(10), DeliverySent), SourceLocal)
	s.Merge("anon-1", outbound("srv-1", "hi", at(10), DeliverySent), SourceLive)

	id, ok := s.matchLocalEcho("anon-1", "hi", at(10).Add(20*time.Second), time.Minute)
	assert.True(t, ok)
	assert.Equal(t, "local-1", id)

	_, ok = s.matchLocalEcho("anon-1", "hi", at(20), time.Minute)
	assert.False(t, ok)

	_, ok = s.matchLocalEcho("anon-1", "other", at(10), time.Minute)
	assert.False(t, ok)

	_, ok = s.matchLocalEcho("anon-9", "hi", at(10), time.Minute)
	assert.False(t, ok)
}

func TestMessageStore_DropIfEmpty(t *testing.T) {
	s := NewMessageStore()
	s.Merge("anon-1", inbound("m1", "x", at(1)), SourceLive)

	assert.False(t, s.dropIfEmpty("anon-1"))
	assert.False(t, s.dropIfEmpty("missing"))

	s.Remove("anon-1", "m1")
	assert.True(t, s.hasConversation("anon-1"))
	assert.True(t, s.dropIfEmpty("anon-1"))
	assert.False(t, s.hasConversation("anon-1"))
}
