package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionMetadata holds user-assigned attributes that live outside the
// agent-owned transcript files.
type SessionMetadata struct {
	CustomTitle string     `json:"custom_title,omitempty"`
	Archived    bool       `json:"archived,omitempty"`
	Starred     bool       `json:"starred,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// MetadataStore persists per-session metadata to a single JSON file.
// Writes are serialized and atomic (write-temp then rename).
type MetadataStore struct {
	path string

	mu      sync.Mutex
	entries map[string]*SessionMetadata // session id -> metadata
	loaded  bool
}

// NewMetadataStore creates a store backed by the given file path. The file
// is created lazily on first write.
func NewMetadataStore(path string) *MetadataStore {
	return &MetadataStore{path: path, entries: make(map[string]*SessionMetadata)}
}

func (s *MetadataStore) loadLocked() error {
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
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *MetadataStore) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get returns the metadata for a session, or nil when none is recorded.
func (s *MetadataStore) Get(id string) (*SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	m, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

// Set merges non-zero fields of update into the session's metadata. An
// update that clears every field removes the entry.
func (s *MetadataStore) Set(id string, update SessionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	now := time.Now().UTC()
	update.UpdatedAt = &now
	if update.CustomTitle == "" && !update.Archived && !update.Starred {
		delete(s.entries, id)
	} else {
		s.entries[id] = &update
	}
	return s.saveLocked()
}

// Apply decorates summaries with stored metadata.
func (s *MetadataStore) Apply(summaries []*Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	for _, summary := range summaries {
		if m, ok := s.entries[summary.ID]; ok {
			summary.CustomTitle = m.CustomTitle
		}
	}
	return nil
}
