package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves canned summaries and counts parse work so tests can
// assert how often the index goes back to disk.
type fakeReader struct {
	ids       []string
	summaries map[string]*Summary

	summaryCalls   int
	ifChangedCalls int
}

func (f *fakeReader) Family() string { return "fake" }

func (f *fakeReader) ProjectDirs() ([]ProjectDir, error) { return nil, nil }

func (f *fakeReader) SessionIDs(projectID string) ([]string, error) {
	return append([]string(nil), f.ids...), nil
}

func (f *fakeReader) ListSessions(projectID string) ([]*Summary, error) {
	out := make([]*Summary, 0, len(f.ids))
	for _, id := range f.ids {
		if s := f.summaries[id]; s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeReader) GetSessionSummary(id, projectID string) (*Summary, error) {
	f.summaryCalls++
	s, ok := f.summaries[id]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *fakeReader) GetSessionSummaryIfChanged(id, projectID string, cachedMtime time.Time, cachedSize int64) (*Summary, error) {
	f.ifChangedCalls++
	s, ok := f.summaries[id]
	if !ok {
		return nil, nil
	}
	if s.FileMtime.Equal(cachedMtime) && s.FileSize == cachedSize {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *fakeReader) GetSession(id, projectID, afterMessageID string, computeOrphans bool) (*Session, error) {
	return nil, nil
}

func (f *fakeReader) GetAgentMappings(id, projectID string) ([]AgentMapping, error) {
	return nil, nil
}

func (f *fakeReader) GetAgentSession(agentID, projectID string) (*Session, error) {
	return nil, nil
}

func fakeSummary(id string, mtime time.Time, size int64) *Summary {
	return &Summary{
		ID:        id,
		Title:     "session " + id,
		UpdatedAt: mtime,
		Family:    "fake",
		FileMtime: mtime,
		FileSize:  size,
	}
}

func setupIndex(t *testing.T) (*Index, *fakeReader, func(time.Duration)) {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	idx := NewIndex(5*time.Second, testLogger(t))
	idx.now = func() time.Time { return current }

	r := &fakeReader{
		ids: []string{"s1", "s2"},
		summaries: map[string]*Summary{
			"s1": fakeSummary("s1", base.Add(-time.Minute), 100),
			"s2": fakeSummary("s2", base.Add(-2*time.Minute), 200),
		},
	}
	advance := func(d time.Duration) { current = current.Add(d) }
	return idx, r, advance
}

func TestListSessionsServesCacheWithinTTL(t *testing.T) {
	idx, r, advance := setupIndex(t)

	out, err := idx.ListSessions(r, "p1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 2, r.summaryCalls)

	// A second listing inside the TTL touches nothing.
	advance(time.Second)
	out, err = idx.ListSessions(r, "p1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 2, r.summaryCalls)
	assert.Equal(t, 0, r.ifChangedCalls)
}

func TestListSessionsRevalidatesAfterTTL(t *testing.T) {
	idx, r, advance := setupIndex(t)

	_, err := idx.ListSessions(r, "p1")
	require.NoError(t, err)

	// Past the TTL every cached entry is validated, none re-parsed.
	advance(6 * time.Second)
	_, err = idx.ListSessions(r, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.ifChangedCalls)
	assert.Equal(t, 2, r.summaryCalls, "unchanged files must not re-parse")
}

func TestListSessionsReparsesOnlyDriftedFiles(t *testing.T) {
	idx, r, advance := setupIndex(t)

	_, err := idx.ListSessions(r, "p1")
	require.NoError(t, err)

	// s1 grows on disk; s2 is untouched.
	r.summaries["s1"].FileMtime = r.summaries["s1"].FileMtime.Add(time.Minute)
	r.summaries["s1"].FileSize = 150
	r.summaries["s1"].Title = "session s1 updated"

	advance(6 * time.Second)
	out, err := idx.ListSessions(r, "p1")
	require.NoError(t, err)
	require.Len(t, out, 2)

	byID := map[string]*Summary{}
	for _, s := range out {
		byID[s.ID] = s
	}
	assert.Equal(t, "session s1 updated", byID["s1"].Title)
	assert.Equal(t, "session s2", byID["s2"].Title)
}

func TestListSessionsEvictsDeletedFiles(t *testing.T) {
	idx, r, advance := setupIndex(t)

	_, err := idx.ListSessions(r, "p1")
	require.NoError(t, err)

	// s2's transcript disappears.
	r.ids = []string{"s1"}
	delete(r.summaries, "s2")

	advance(6 * time.Second)
	out, err := idx.ListSessions(r, "p1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "s1", out[0].ID)

	idx.mu.RLock()
	_, stillCached := idx.sessions["s2"]
	idx.mu.RUnlock()
	assert.False(t, stillCached, "deleted files must evict their cache entry")
}

func TestListSessionsSortedNewestFirst(t *testing.T) {
	idx, r, _ := setupIndex(t)

	out, err := idx.ListSessions(r, "p1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "s1", out[0].ID)
	assert.True(t, out[0].UpdatedAt.After(out[1].UpdatedAt))
}

func TestGetSummaryFallsBackToReader(t *testing.T) {
	idx, r, _ := setupIndex(t)

	s, err := idx.GetSummary(r, "s1", "p1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, r.summaryCalls)

	// Cached now; the next call only validates.
	s, err = idx.GetSummary(r, "s1", "p1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, r.summaryCalls)
	assert.Equal(t, 1, r.ifChangedCalls)

	missing, err := idx.GetSummary(r, "nope", "p1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInvalidateDropsEntry(t *testing.T) {
	idx, r, _ := setupIndex(t)

	_, err := idx.GetSummary(r, "s1", "p1")
	require.NoError(t, err)
	idx.Invalidate("s1")

	_, err = idx.GetSummary(r, "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.summaryCalls, "invalidated entry must re-parse")
}
