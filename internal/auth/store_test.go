package auth

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-access.json")
	store := NewCredentialStore(path)

	// Empty store reports no credential, not an error.
	cred, err := store.Get()
	require.NoError(t, err)
	assert.Nil(t, cred)

	set, err := store.Set("alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", set.Username)

	got, err := store.Get()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, set.Salt, got.Salt)
	assert.Equal(t, set.Verifier, got.Verifier)

	salt, verifier, err := got.SaltVerifier()
	require.NoError(t, err)
	assert.Len(t, salt, 16)
	assert.Equal(t, ComputeVerifier("alice", "hunter2", salt), verifier)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	require.NoError(t, store.Clear())
	cred, err = store.Get()
	require.NoError(t, err)
	assert.Nil(t, cred)
	// Clearing twice is fine.
	require.NoError(t, store.Clear())
}

func TestSessionStoreCreateGetTouch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-sessions.json")
	store := NewSessionStore(path, time.Hour)

	key := make([]byte, SessionKeySize)
	rec, err := store.Create("alice", key, SessionRecord{UserAgent: "test-agent"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.SessionID)

	got, err := store.Get(rec.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "test-agent", got.UserAgent)

	decoded, err := got.Key()
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	require.NoError(t, store.Touch(rec.SessionID))
	// Touching an unknown session is a no-op.
	require.NoError(t, store.Touch("nope"))

	missing, err := store.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSessionStoreSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-sessions.json")
	store := NewSessionStore(path, time.Hour)

	rec, err := store.Create("alice", make([]byte, SessionKeySize), SessionRecord{})
	require.NoError(t, err)

	// A fresh store over the same file sees the record.
	reloaded := NewSessionStore(path, time.Hour)
	got, err := reloaded.Get(rec.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.SessionID, got.SessionID)
}

func TestSessionStoreExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-sessions.json")
	store := NewSessionStore(path, 50*time.Millisecond)

	rec, err := store.Create("alice", make([]byte, SessionKeySize), SessionRecord{})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	got, err := store.Get(rec.SessionID)
	require.NoError(t, err)
	assert.Nil(t, got, "expired session must not resolve")
}

func TestInvalidateUserSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-sessions.json")
	store := NewSessionStore(path, time.Hour)

	a1, err := store.Create("alice", make([]byte, SessionKeySize), SessionRecord{})
	require.NoError(t, err)
	a2, err := store.Create("alice", make([]byte, SessionKeySize), SessionRecord{})
	require.NoError(t, err)
	b, err := store.Create("bob", make([]byte, SessionKeySize), SessionRecord{})
	require.NoError(t, err)

	n, err := store.InvalidateUserSessions("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a1.SessionID, a2.SessionID} {
		got, err := store.Get(id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	got, err := store.Get(b.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	n, err = store.InvalidateUserSessions("alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}
