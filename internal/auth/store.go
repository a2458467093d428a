package auth

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Credential is the stored SRP salt and verifier for the remote-access
// username.
type Credential struct {
	Username  string    `json:"username"`
	Salt      string    `json:"salt"`     // base64
	Verifier  string    `json:"verifier"` // base64
	CreatedAt time.Time `json:"created_at"`
}

// CredentialStore persists the single remote-access credential. The file is
// created 0600; writes are atomic.
type CredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewCredentialStore creates a store backed by the given file.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Get returns the stored credential, or nil when none is enrolled.
func (s *CredentialStore) Get() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Set enrolls a username and password, replacing any previous credential.
func (s *CredentialStore) Set(username, password string) (*Credential, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	c := &Credential{
		Username:  username,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Verifier:  base64.StdEncoding.EncodeToString(ComputeVerifier(username, password, salt)),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return c, writeFileAtomic(s.path, c)
}

// Clear removes the credential.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaltVerifier decodes the binary salt and verifier.
func (c *Credential) SaltVerifier() (salt, verifier []byte, err error) {
	salt, err = base64.StdEncoding.DecodeString(c.Salt)
	if err != nil {
		return nil, nil, err
	}
	verifier, err = base64.StdEncoding.DecodeString(c.Verifier)
	if err != nil {
		return nil, nil, err
	}
	return salt, verifier, nil
}

// SessionRecord is one resumable authenticated session.
type SessionRecord struct {
	SessionID        string    `json:"session_id"`
	Username         string    `json:"username"`
	SessionKey       string    `json:"session_key"` // base64, 32 bytes
	LastConnectedAt  time.Time `json:"last_connected_at"`
	BrowserProfileID string    `json:"browser_profile_id,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Origin           string    `json:"origin,omitempty"`
}

// Key decodes the binary session key.
func (r *SessionRecord) Key() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.SessionKey)
}

// SessionStore persists resumable sessions with a TTL. The backing file is
// created 0600; writes are serialized and atomic.
type SessionStore struct {
	path string
	ttl  time.Duration

	mu      sync.Mutex
	records map[string]*SessionRecord
	loaded  bool
}

// NewSessionStore creates a store backed by the given file.
func NewSessionStore(path string, ttl time.Duration) *SessionStore {
	return &SessionStore{path: path, ttl: ttl, records: make(map[string]*SessionRecord)}
}

func (s *SessionStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *SessionStore) saveLocked() error {
	return writeFileAtomic(s.path, s.records)
}

// pruneLocked drops expired records. Returns true when anything changed.
func (s *SessionStore) pruneLocked() bool {
	if s.ttl <= 0 {
		return false
	}
	cutoff := time.Now().Add(-s.ttl)
	changed := false
	for id, r := range s.records {
		if r.LastConnectedAt.Before(cutoff) {
			delete(s.records, id)
			changed = true
		}
	}
	return changed
}

// Create stores a fresh session and returns its id.
func (s *SessionStore) Create(username string, sessionKey []byte, meta SessionRecord) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	s.pruneLocked()

	rec := &SessionRecord{
		SessionID:        uuid.NewString(),
		Username:         username,
		SessionKey:       base64.StdEncoding.EncodeToString(sessionKey),
		LastConnectedAt:  time.Now().UTC(),
		BrowserProfileID: meta.BrowserProfileID,
		UserAgent:        meta.UserAgent,
		Origin:           meta.Origin,
	}
	s.records[rec.SessionID] = rec
	return rec, s.saveLocked()
}

// Get returns a live session record, or nil when unknown or expired.
func (s *SessionStore) Get(sessionID string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if s.pruneLocked() {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

// Touch refreshes a session's last-connected timestamp.
func (s *SessionStore) Touch(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	rec, ok := s.records[sessionID]
	if !ok {
		return nil
	}
	rec.LastConnectedAt = time.Now().UTC()
	return s.saveLocked()
}

// Delete removes one session.
func (s *SessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.records[sessionID]; !ok {
		return nil
	}
	delete(s.records, sessionID)
	return s.saveLocked()
}

// InvalidateUserSessions wipes every record for a username. Used on
// password change or credential clear.
func (s *SessionStore) InvalidateUserSessions(username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	n := 0
	for id, r := range s.records {
		if r.Username == username {
			delete(s.records, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveLocked()
}

// writeFileAtomic writes JSON with 0600 permissions via temp-and-rename.
func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
