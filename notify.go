package whisperbox

import (
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const notificationTagPrefix = "conversation:"

// Notifier delivers alerts. Implementations wrap whatever sound and
// system-notification facilities the host offers.
type Notifier interface {
	Play()
	Notify(title, body, tag string)
}

// NotificationTag returns the tag shared by all notifications of one
// conversation; the platform shows only the latest notification per tag.
func NotificationTag(conversationKey string) string {
	return notificationTagPrefix + conversationKey
}

// Activator is the part of ReadStateTracker the dispatcher depends on.
type Activator interface {
	Active() string
	MarkActive(conversationKey string)
}

// Notification is the latest alert raised for a conversation.
type Notification struct {
	ConversationKey string
	MessageID       string
	Title           string
	Body            string
	Tag             string
}

// NotificationConfig configures a NotificationDispatcher.
type NotificationConfig struct {
	Notifier Notifier
	// Visible reports whether the user can currently see the conversation
	// view. Defaults to always visible.
	Visible func() bool
	// Permitted reports whether system notifications were granted. Defaults
	// to not granted.
	Permitted func() bool
	// SoundLimit throttles the alert sound. Zero means unthrottled.
	SoundLimit rate.Limit
	SoundBurst int
	// Title builds the notification title for a message.
	Title func(conversationKey string, msg Message) string
	// OnActivate hands a clicked conversation to the UI layer.
	OnActivate func(conversationKey string)
	Logger     *slog.Logger
}

func (c *NotificationConfig) defaults() {
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
	if c.Visible == nil {
		c.Visible = func() bool { return true }
	}
	if c.Permitted == nil {
		c.Permitted = func() bool { return false }
	}
	if c.SoundLimit == 0 {
		c.SoundLimit = rate.Inf
	}
	if c.SoundBurst == 0 {
		c.SoundBurst = 1
	}
	if c.Title == nil {
		c.Title = defaultTitle
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

func defaultTitle(_ string, msg Message) string {
	if msg.Nickname != "" {
		return "New message from " + msg.Nickname
	}
	return "New anonymous message"
}

type nopNotifier struct{}

func (nopNotifier) Play() {}

func (nopNotifier) Notify(_, _, _ string) {}

// ============================================================================
// NotificationDispatcher
// ============================================================================

// NotificationDispatcher decides how a live inbound message alerts the user.
type NotificationDispatcher struct {
	config  *NotificationConfig
	reads   Activator
	limiter *rate.Limiter

	mu     sync.Mutex
	latest map[string]Notification
}

// NewNotificationDispatcher creates a dispatcher. A nil config uses the
// defaults, which play nothing and never raise system notifications.
func NewNotificationDispatcher(reads Activator, config *NotificationConfig) *NotificationDispatcher {
	if config == nil {
		config = &NotificationConfig{}
	}
	config.defaults()
	return &NotificationDispatcher{
		config:  config,
		reads:   reads,
		limiter: rate.NewLimiter(config.SoundLimit, config.SoundBurst),
		latest:  make(map[string]Notification),
	}
}

// OnInboundMerged implements InboundObserver. The sound always plays unless
// throttled; a system notification is raised only when the conversation is
// not in view and permission has been granted.
func (d *NotificationDispatcher) OnInboundMerged(key string, msg Message) {
	if d.limiter.Allow() {
		d.config.Notifier.Play()
	}

	inView := d.reads.Active() == key && d.config.Visible()
	if inView || !d.config.Permitted() {
		return
	}

	n := Notification{
		ConversationKey: key,
		MessageID:       msg.ID,
		Title:           d.config.Title(key, msg),
		Body:            msg.Text,
		Tag:             NotificationTag(key),
	}
	d.mu.Lock()
	d.latest[n.Tag] = n
	d.mu.Unlock()

	d.config.Logger.Debug("notification raised", "conversation", key, "tag", n.Tag)
	d.config.Notifier.Notify(n.Title, n.Body, n.Tag)
}

// Pending returns the latest notification of every conversation that has
// not been clicked yet, ordered by tag.
func (d *NotificationDispatcher) Pending() []Notification {
	d.mu.Lock()
	out := make([]Notification, 0, len(d.latest))
	for _, n := range d.latest {
		out = append(out, n)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Dismiss drops the pending notification for a conversation, if any.
func (d *NotificationDispatcher) Dismiss(key string) {
	d.mu.Lock()
	delete(d.latest, NotificationTag(key))
	d.mu.Unlock()
}

// Click handles a click on the notification with tag: the conversation
// becomes active exactly as if MarkActive had been called, and the UI is
// asked to show it. It reports whether tag named a conversation.
func (d *NotificationDispatcher) Click(tag string) bool {
	key, ok := strings.CutPrefix(tag, notificationTagPrefix)
	if !ok || key == "" {
		return false
	}
	d.mu.Lock()
	delete(d.latest, tag)
	d.mu.Unlock()

	d.reads.MarkActive(key)
	if d.config.OnActivate != nil {
		d.config.OnActivate(key)
	}
	return true
}
