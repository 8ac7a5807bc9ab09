package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"

	whisperbox "github.com/whisperbox/whisperbox/sdk/golang"
)

var (
	dimColor    = color.New(color.Faint)
	inColor     = color.New(color.FgCyan, color.Bold)
	outColor    = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed, color.Bold)
	bannerColor = color.New(color.FgMagenta, color.Bold)
)

func init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// newLogger builds the stderr logger. The --log-level flag wins over the
// configured level.
func newLogger(cfg *Config) (*slog.Logger, error) {
	raw := cfg.Default.LogLevel
	if logLevelFlag != "" {
		raw = logLevelFlag
	}
	level, err := parseLevel(raw)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// newClient creates the REST client for the configured base URL.
func newClient(cfg *Config) *whisperbox.Client {
	var opts []whisperbox.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, whisperbox.WithBaseURL(cfg.Default.BaseURL))
	}
	return whisperbox.NewClient(opts...)
}

// accountSession returns the configured account session.
func accountSession(cfg *Config) (whisperbox.Session, error) {
	if cfg.Auth.Token == "" || cfg.Auth.Username == "" {
		return whisperbox.Session{}, fmt.Errorf("no account configured; run 'whisperbox init <token> <username>' first")
	}
	return whisperbox.AccountSession(cfg.Auth.Token, cfg.Auth.Username), nil
}

func openSessionStore() (*whisperbox.SessionStore, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	return whisperbox.NewSessionStore(path), nil
}

// newEngine wires an engine for session with the CLI's logger, session
// store and terminal notifier.
func newEngine(cfg *Config, session whisperbox.Session, store *whisperbox.SessionStore, metrics *whisperbox.Metrics, onActivate func(string)) (*whisperbox.Engine, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	notifications := cfg.Default.Notifications
	return whisperbox.NewEngine(session,
		whisperbox.WithClient(newClient(cfg)),
		whisperbox.WithSessionStore(store),
		whisperbox.WithLogger(logger),
		whisperbox.WithMetrics(metrics),
		whisperbox.WithNotifications(whisperbox.NotificationConfig{
			Notifier:   terminalNotifier{},
			Permitted:  func() bool { return notifications },
			OnActivate: onActivate,
		}),
	)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// Terminal notifier
// ============================================================================

// terminalNotifier rings the terminal bell and prints a banner in place of a
// desktop notification.
type terminalNotifier struct{}

func (terminalNotifier) Play() {
	fmt.Fprint(os.Stderr, "\a")
}

func (terminalNotifier) Notify(title, body, tag string) {
	bannerColor.Fprintf(os.Stdout, "▶ %s", title)
	dimColor.Fprintf(os.Stdout, " [%s]\n", tag)
	fmt.Fprintf(os.Stdout, "  %s\n", body)
}

// ============================================================================
// Formatting
// ============================================================================

func printMessage(key string, msg whisperbox.Message) {
	stamp := dimColor.Sprintf("[%s]", msg.DisplayTimestamp)
	switch msg.Direction {
	case whisperbox.Inbound:
		who := key
		if msg.Nickname != "" {
			who = msg.Nickname
		}
		fmt.Printf("%s %s %s\n", stamp, inColor.Sprintf("%s:", who), msg.Text)
	default:
		suffix := ""
		if msg.DeliveryState == whisperbox.DeliveryPending {
			suffix = dimColor.Sprint(" (sending)")
		}
		fmt.Printf("%s %s %s%s\n", stamp, outColor.Sprint("you:"), msg.Text, suffix)
	}
}

func printStateChange(ch whisperbox.StateChange) {
	switch ch.To {
	case whisperbox.StateReconnecting:
		warnColor.Printf("connection lost, reconnecting in %s (attempt %d)\n", ch.Delay, ch.Attempt)
	case whisperbox.StateFailed:
		errColor.Printf("connection failed: %v\n", ch.Err)
	case whisperbox.StateOpen:
		dimColor.Println("connected")
	}
}

// maskToken shows the first and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
