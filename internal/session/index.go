package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/logger"
)

// DefaultIndexTTL is how long a project listing is served from cache before
// re-validating against the filesystem.
const DefaultIndexTTL = 5 * time.Second

// Index is the process-wide summary cache. Entries are keyed by session id
// and re-validated by (mtime, size); eviction is strictly file-driven. The
// cache is not persisted.
type Index struct {
	ttl    time.Duration
	now    func() time.Time
	logger *logger.Logger

	mu       sync.RWMutex
	projects map[string]*projectCache // project id -> listing
	sessions map[string]*Summary      // session id -> summary
}

type projectCache struct {
	ids       []string
	scannedAt time.Time
}

// NewIndex creates an empty index with the given re-validation TTL.
func NewIndex(ttl time.Duration, log *logger.Logger) *Index {
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}
	return &Index{
		ttl:      ttl,
		now:      time.Now,
		logger:   log.WithFields(zap.String("component", "session-index")),
		projects: make(map[string]*projectCache),
		sessions: make(map[string]*Summary),
	}
}

// ListSessions returns summaries for a project, sorted by updatedAt
// descending. Within the TTL the cached listing is served as-is; past it,
// each cached entry is re-validated and only drifted files are re-parsed.
func (idx *Index) ListSessions(r Reader, projectID string) ([]*Summary, error) {
	idx.mu.RLock()
	cached, fresh := idx.projects[projectID], false
	if cached != nil && idx.now().Sub(cached.scannedAt) < idx.ttl {
		fresh = true
	}
	if fresh {
		out := idx.collect(cached.ids)
		idx.mu.RUnlock()
		return out, nil
	}
	idx.mu.RUnlock()

	return idx.rescan(r, projectID)
}

// collect assembles summaries for cached ids. Caller holds at least a read
// lock.
func (idx *Index) collect(ids []string) []*Summary {
	out := make([]*Summary, 0, len(ids))
	for _, id := range ids {
		if s, ok := idx.sessions[id]; ok {
			out = append(out, s)
		}
	}
	sortSummaries(out)
	return out
}

func (idx *Index) rescan(r Reader, projectID string) ([]*Summary, error) {
	ids, err := r.SessionIDs(projectID)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}

	var kept []string
	out := make([]*Summary, 0, len(ids))
	for _, id := range ids {
		idx.mu.RLock()
		cached := idx.sessions[id]
		idx.mu.RUnlock()

		var summary *Summary
		if cached != nil {
			summary, err = r.GetSessionSummaryIfChanged(id, projectID, cached.FileMtime, cached.FileSize)
			if err != nil {
				idx.logger.Warn("summary re-validation failed",
					zap.String("session_id", id), zap.Error(err))
				continue
			}
			if summary == nil {
				summary = cached
			}
		} else {
			summary, err = r.GetSessionSummary(id, projectID)
			if err != nil {
				idx.logger.Warn("summary parse failed",
					zap.String("session_id", id), zap.Error(err))
				continue
			}
			if summary == nil {
				continue // empty or metadata-only transcript
			}
		}

		idx.mu.Lock()
		idx.sessions[id] = summary
		idx.mu.Unlock()
		kept = append(kept, id)
		out = append(out, summary)
	}

	idx.mu.Lock()
	// File-driven eviction: drop entries whose files are gone.
	if prev := idx.projects[projectID]; prev != nil {
		for _, id := range prev.ids {
			if !live[id] {
				delete(idx.sessions, id)
			}
		}
	}
	idx.projects[projectID] = &projectCache{ids: kept, scannedAt: idx.now()}
	idx.mu.Unlock()

	sortSummaries(out)
	return out, nil
}

// GetSummary returns one cached summary, falling back to the reader on a
// miss. Last-writer-wins per session id.
func (idx *Index) GetSummary(r Reader, id, projectID string) (*Summary, error) {
	idx.mu.RLock()
	cached := idx.sessions[id]
	idx.mu.RUnlock()

	if cached != nil {
		summary, err := r.GetSessionSummaryIfChanged(id, projectID, cached.FileMtime, cached.FileSize)
		if err != nil {
			return nil, err
		}
		if summary == nil {
			return cached, nil
		}
		idx.mu.Lock()
		idx.sessions[id] = summary
		idx.mu.Unlock()
		return summary, nil
	}

	summary, err := r.GetSessionSummary(id, projectID)
	if err != nil || summary == nil {
		return summary, err
	}
	idx.mu.Lock()
	idx.sessions[id] = summary
	idx.mu.Unlock()
	return summary, nil
}

// Invalidate removes one session from the cache.
func (idx *Index) Invalidate(id string) {
	idx.mu.Lock()
	delete(idx.sessions, id)
	idx.mu.Unlock()
}

func sortSummaries(s []*Summary) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].UpdatedAt.After(s[j].UpdatedAt)
	})
}
