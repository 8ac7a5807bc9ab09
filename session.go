package whisperbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Session
// ============================================================================

// Role distinguishes the two kinds of session sharing one engine code path.
type Role string

const (
	RoleAccount   Role = "account"
	RoleAnonymous Role = "anonymous"
)

// Session identifies the connection: an authenticated account or an
// anonymous sender.
type Session struct {
	Role     Role
	Token    string
	Username string
	AnonID   string
}

// AccountSession returns the session of an authenticated account holder.
func AccountSession(token, username string) Session {
	return Session{Role: RoleAccount, Token: token, Username: username}
}

// AnonymousSession returns the session of an anonymous sender.
func AnonymousSession(anonID string) Session {
	return Session{Role: RoleAnonymous, AnonID: anonID}
}

// Self is the identity that appears in the "from" field of frames this
// session sends.
func (s Session) Self() string {
	if s.Role == RoleAccount {
		return s.Username
	}
	return s.AnonID
}

// QueryParam returns the query parameter that carries the session identity
// on the stream endpoint.
func (s Session) QueryParam() (key, value string) {
	if s.Role == RoleAccount {
		return "token", s.Token
	}
	return "anonSessionId", s.AnonID
}

// OutboundType is the frame type this session sends messages with.
func (s Session) OutboundType() EnvelopeType {
	if s.Role == RoleAccount {
		return EnvelopeUserToAnon
	}
	return EnvelopeAnonToUser
}

// InboundType is the frame type this session receives messages with.
func (s Session) InboundType() EnvelopeType {
	if s.Role == RoleAccount {
		return EnvelopeAnonToUser
	}
	return EnvelopeUserToAnon
}

// Validate checks that the session carries the identity its role needs.
func (s Session) Validate() error {
	switch s.Role {
	case RoleAccount:
		if s.Token == "" || s.Username == "" {
			return &ValidationError{Field: "session", Reason: "account session needs token and username"}
		}
	case RoleAnonymous:
		if s.AnonID == "" {
			return &ValidationError{Field: "session", Reason: "anonymous session needs an id"}
		}
	default:
		return &ValidationError{Field: "session", Reason: fmt.Sprintf("unknown role %q", s.Role)}
	}
	return nil
}

// ============================================================================
// SessionStore
// ============================================================================

const (
	// AnonIDLifetime is how long a generated anonymous session id is kept.
	AnonIDLifetime = 30 * 24 * time.Hour
	// DisplayNameLifetime is how long a per-counterpart display name is kept.
	DisplayNameLifetime = 24 * time.Hour
)

type storedValue struct {
	Value     string    `toml:"value"`
	ExpiresAt time.Time `toml:"expires_at"`
}

type sessionFile struct {
	AnonSession  *storedValue           `toml:"anon_session,omitempty"`
	DisplayNames map[string]storedValue `toml:"display_names,omitempty"`
}

// SessionStore persists the client-side session state in a TOML file: the
// anonymous session id and per-(session, counterpart) display names. Entries
// expire like the cookies they replace.
type SessionStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewSessionStore returns a store backed by the file at path.
func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path, now: time.Now}
}

// AnonymousID returns the persisted anonymous session id, generating and
// saving a new one when none exists or the stored one has expired.
func (s *SessionStore) AnonymousID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", err
	}
	now := s.now()
	if f.AnonSession != nil && f.AnonSession.Value != "" && now.Before(f.AnonSession.ExpiresAt) {
		return f.AnonSession.Value, nil
	}
	id := uuid.NewString()
	f.AnonSession = &storedValue{Value: id, ExpiresAt: now.Add(AnonIDLifetime)}
	if err := s.save(f); err != nil {
		return "", err
	}
	return id, nil
}

// ResetAnonymousID forgets the anonymous session id.
func (s *SessionStore) ResetAnonymousID() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.AnonSession = nil
	return s.save(f)
}

// DisplayName returns the display name chosen for counterpart within the
// given session, if it has not expired.
func (s *SessionStore) DisplayName(sessionID, counterpart string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := f.DisplayNames[displayNameKey(sessionID, counterpart)]
	if !ok || !s.now().Before(v.ExpiresAt) {
		return "", false, nil
	}
	return v.Value, true, nil
}

// SetDisplayName stores a display name for 24 hours. Expired entries are
// pruned on every write.
func (s *SessionStore) SetDisplayName(sessionID, counterpart, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	now := s.now()
	if f.DisplayNames == nil {
		f.DisplayNames = make(map[string]storedValue)
	}
	for k, v := range f.DisplayNames {
		if !now.Before(v.ExpiresAt) {
			delete(f.DisplayNames, k)
		}
	}
	f.DisplayNames[displayNameKey(sessionID, counterpart)] = storedValue{Value: name, ExpiresAt: now.Add(DisplayNameLifetime)}
	return s.save(f)
}

func displayNameKey(sessionID, counterpart string) string {
	return sessionID + "/" + counterpart
}

func (s *SessionStore) load() (*sessionFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &sessionFile{}, nil
		}
		return nil, fmt.Errorf("cannot read session file: %w", err)
	}
	var f sessionFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse session file: %w", err)
	}
	return &f, nil
}

func (s *SessionStore) save(f *sessionFile) error {
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("cannot marshal session file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create session directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write session file: %w", err)
	}
	return nil
}
