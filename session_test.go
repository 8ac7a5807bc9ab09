package whisperbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionStore(t *testing.T) (*SessionStore, *time.Time) {
	t.Helper()
	now := at(0)
	s := NewSessionStore(filepath.Join(t.TempDir(), "state", "session.toml"))
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSession_Roles(t *testing.T) {
	account := AccountSession("tok", "alice")
	assert.Equal(t, "alice", account.Self())
	assert.Equal(t, EnvelopeUserToAnon, account.OutboundType())
	assert.Equal(t, EnvelopeAnonToUser, account.InboundType())
	key, value := account.QueryParam()
	assert.Equal(t, "token", key)
	assert.Equal(t, "tok", value)
	assert.NoError(t, account.Validate())

	anon := AnonymousSession("anon-1")
	assert.Equal(t, "anon-1", anon.Self())
	assert.Equal(t, EnvelopeAnonToUser, anon.OutboundType())
	assert.Equal(t, EnvelopeUserToAnon, anon.InboundType())
	key, value = anon.QueryParam()
	assert.Equal(t, "anonSessionId", key)
	assert.Equal(t, "anon-1", value)
	assert.NoError(t, anon.Validate())
}

func TestSession_Validate(t *testing.T) {
	for _, s := range []Session{
		AccountSession("", "alice"),
		AccountSession("tok", ""),
		AnonymousSession(""),
		{Role: "robot"},
	} {
		var verr *ValidationError
		assert.ErrorAs(t, s.Validate(), &verr, "%+v", s)
	}
}

func TestSessionStore_AnonymousID(t *testing.T) {
	s, now := newTestSessionStore(t)

	id, err := s.AnonymousID()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := s.AnonymousID()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	*now = now.Add(AnonIDLifetime)
	expired, err := s.AnonymousID()
	require.NoError(t, err)
	assert.NotEqual(t, id, expired)
}

func TestSessionStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	id, err := NewSessionStore(path).AnonymousID()
	require.NoError(t, err)

	again, err := NewSessionStore(path).AnonymousID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestSessionStore_ResetAnonymousID(t *testing.T) {
	s, _ := newTestSessionStore(t)
	id, err := s.AnonymousID()
	require.NoError(t, err)

	require.NoError(t, s.ResetAnonymousID())
	fresh, err := s.AnonymousID()
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh)
}

func TestSessionStore_DisplayNames(t *testing.T) {
	s, now := newTestSessionStore(t)

	_, ok, err := s.DisplayName("anon-1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetDisplayName("anon-1", "alice", "Shadow"))
	require.NoError(t, s.SetDisplayName("anon-1", "bob", "Ghost"))

	name, ok, err := s.DisplayName("anon-1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Shadow", name)

	_, ok, _ = s.DisplayName("anon-2", "alice")
	assert.False(t, ok, "names are scoped to the session")

	*now = now.Add(DisplayNameLifetime)
	_, ok, err = s.DisplayName("anon-1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// Writing prunes expired entries.
	require.NoError(t, s.SetDisplayName("anon-1", "carol", "Echo"))
	f, err := s.load()
	require.NoError(t, err)
	assert.Len(t, f.DisplayNames, 1)
}

func TestSessionStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o600))

	_, err := NewSessionStore(path).AnonymousID()
	assert.Error(t, err)
}
