// Package project enumerates workspaces from on-disk transcript directories
// across agent families.
package project

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/errors"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/session"
)

// Project is one workspace known to the supervisor.
type Project struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Family       string    `json:"family"`
	SessionCount int       `json:"session_count"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	// Virtual marks a workspace registered by the user before any
	// transcript exists for it.
	Virtual bool `json:"virtual,omitempty"`
}

// Scanner walks the transcript roots of every registered reader and merges
// the results into one project list.
type Scanner struct {
	readers []session.Reader
	logger  *logger.Logger

	mu      sync.RWMutex
	virtual map[string]bool // canonical path -> registered
}

// NewScanner creates a scanner over the given family readers.
func NewScanner(readers []session.Reader, log *logger.Logger) *Scanner {
	return &Scanner{
		readers: readers,
		logger:  log.WithFields(zap.String("component", "project-scanner")),
		virtual: make(map[string]bool),
	}
}

// Readers returns the registered family readers.
func (s *Scanner) Readers() []session.Reader { return s.readers }

// ReaderFor returns the reader for a family, or nil.
func (s *Scanner) ReaderFor(family string) session.Reader {
	for _, r := range s.readers {
		if r.Family() == family {
			return r
		}
	}
	return nil
}

// canonicalize resolves symlinks and cleans the path. Paths that do not
// resolve are cleaned only; transcript dirs can outlive their workspace.
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(path)
}

// ListProjects enumerates projects across all families, deduplicated by
// canonical path. Known workspace paths are fed back into hashing families
// so their directories resolve on the next pass.
func (s *Scanner) ListProjects() ([]*Project, error) {
	byPath := make(map[string]*Project)
	var knownPaths []string

	for _, r := range s.readers {
		dirs, err := r.ProjectDirs()
		if err != nil {
			s.logger.Warn("project enumeration failed",
				zap.String("family", r.Family()), zap.Error(err))
			continue
		}
		for _, d := range dirs {
			path := d.Path
			if !strings.Contains(path, ":") {
				path = canonicalize(path)
				knownPaths = append(knownPaths, path)
			}
			existing, ok := byPath[path]
			if !ok {
				byPath[path] = &Project{
					ID:           session.EncodeProjectID(path),
					Path:         path,
					Name:         displayName(path),
					Family:       r.Family(),
					SessionCount: d.SessionCount,
					LastActivity: d.LastActivity,
				}
				continue
			}
			existing.SessionCount += d.SessionCount
			if d.LastActivity.After(existing.LastActivity) {
				existing.LastActivity = d.LastActivity
				existing.Family = r.Family()
			}
		}
	}

	// Seed the reverse lookup for hashing families.
	for _, r := range s.readers {
		if seeder, ok := r.(interface{ SeedKnownPaths([]string) }); ok {
			seeder.SeedKnownPaths(knownPaths)
		}
	}

	s.mu.RLock()
	for path := range s.virtual {
		if _, ok := byPath[path]; !ok {
			byPath[path] = &Project{
				ID:      session.EncodeProjectID(path),
				Path:    path,
				Name:    displayName(path),
				Virtual: true,
			}
		}
	}
	s.mu.RUnlock()

	out := make([]*Project, 0, len(byPath))
	for _, p := range byPath {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// GetProject resolves one project by id.
func (s *Scanner) GetProject(id string) (*Project, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, errors.NotFound("project", id)
}

// RegisterVirtual registers a workspace that has no transcripts yet. The
// directory must exist on disk.
func (s *Scanner) RegisterVirtual(path string) (*Project, error) {
	path = canonicalize(path)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, errors.InvalidInput("project path is not a directory")
	}

	s.mu.Lock()
	s.virtual[path] = true
	s.mu.Unlock()

	return &Project{
		ID:      session.EncodeProjectID(path),
		Path:    path,
		Name:    displayName(path),
		Virtual: true,
	}, nil
}

// displayName derives the project display name from its path, keeping the
// placeholder form for unresolved hashed directories.
func displayName(path string) string {
	if i := strings.Index(path, ":"); i > 0 && !strings.Contains(path[:i], "/") {
		return path
	}
	return filepath.Base(path)
}
