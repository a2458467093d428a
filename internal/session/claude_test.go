package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/stream"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

const testWorkspace = "/work/app"

// newClaudeFixture creates a transcript root with one project directory for
// testWorkspace and returns the reader, the project dir and the project id.
func newClaudeFixture(t *testing.T) (*ClaudeReader, string, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, mungePath(testWorkspace))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return NewClaudeReader(root, testLogger(t)), dir, EncodeProjectID(testWorkspace)
}

func writeTranscript(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestMungePath(t *testing.T) {
	assert.Equal(t, "-work-app", mungePath("/work/app"))
	assert.Equal(t, "-home-dev-my-project", mungePath("/home/dev/my.project"))
}

func TestListSessionsSortedByUpdatedAt(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	older := writeTranscript(t, dir, "sess-old.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-old","cwd":"/work/app","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"Old question"}}`,
	)
	writeTranscript(t, dir, "sess-new.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-new","cwd":"/work/app","timestamp":"2026-08-02T10:00:00Z","message":{"role":"user","content":"New question"}}`,
	)
	// An empty transcript is not a session.
	writeTranscript(t, dir, "sess-empty.jsonl", "")

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	sessions, err := r.ListSessions(projectID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-new", sessions[0].ID)
	assert.Equal(t, "sess-old", sessions[1].ID)
	assert.Equal(t, "claude", sessions[0].Family)
}

func TestSummaryFields(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	writeTranscript(t, dir, "sess-1.jsonl",
		// Editor-injected context must not become the title.
		`{"type":"user","uuid":"u0","isMeta":true,"sessionId":"sess-1","timestamp":"2026-08-01T09:59:00Z","message":{"role":"user","content":"injected context"}}`,
		`{"type":"user","uuid":"u1","parentUuid":"u0","sessionId":"sess-1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"Fix the login bug"}}`,
		`{"type":"assistant","uuid":"a1","parentUuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"Looking."}],"usage":{"input_tokens":60000,"cache_read_input_tokens":40000,"output_tokens":20}}}`,
	)

	summary, err := r.GetSessionSummary("sess-1", projectID)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, "Fix the login bug", summary.Title)
	assert.Equal(t, "claude-sonnet-4-5", summary.Model)
	assert.Equal(t, 3, summary.MessageCount)
	assert.Equal(t, "2026-08-01T09:59:00Z", summary.CreatedAt.UTC().Format(time.RFC3339))
	require.NotNil(t, summary.ContextUsage)
	assert.Equal(t, int64(100000), summary.ContextUsage.InputTokens)
	assert.Equal(t, 50, summary.ContextUsage.Percent)
}

func TestGetSessionSummaryMissingFile(t *testing.T) {
	r, _, projectID := newClaudeFixture(t)
	summary, err := r.GetSessionSummary("no-such", projectID)
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestGetSessionSummaryIfChanged(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)
	path := writeTranscript(t, dir, "sess-1.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"hello"}}`,
	)

	summary, err := r.GetSessionSummary("sess-1", projectID)
	require.NoError(t, err)
	require.NotNil(t, summary)

	// Unchanged file validates to nil.
	again, err := r.GetSessionSummaryIfChanged("sess-1", projectID, summary.FileMtime, summary.FileSize)
	require.NoError(t, err)
	assert.Nil(t, again)

	// Append a message and the summary re-parses.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"assistant","uuid":"a1","parentUuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	changed, err := r.GetSessionSummaryIfChanged("sess-1", projectID, summary.FileMtime, summary.FileSize)
	require.NoError(t, err)
	require.NotNil(t, changed)
	assert.Equal(t, 2, changed.MessageCount)
}

func TestGetSessionActiveBranch(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	// u1 -> a1 forks: dead branch (u2a -> a2a), then a rewind writes u2b.
	writeTranscript(t, dir, "sess-1.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"start"}}`,
		`{"type":"assistant","uuid":"a1","parentUuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}`,
		`{"type":"user","uuid":"u2a","parentUuid":"a1","sessionId":"sess-1","timestamp":"2026-08-01T10:01:00Z","message":{"role":"user","content":"first try"}}`,
		`{"type":"assistant","uuid":"a2a","parentUuid":"u2a","sessionId":"sess-1","timestamp":"2026-08-01T10:01:05Z","message":{"role":"assistant","content":[{"type":"text","text":"attempt"}]}}`,
		`{"type":"user","uuid":"u2b","parentUuid":"a1","sessionId":"sess-1","timestamp":"2026-08-01T10:02:00Z","message":{"role":"user","content":"second try"}}`,
	)

	sess, err := r.GetSession("sess-1", projectID, "", true)
	require.NoError(t, err)
	require.NotNil(t, sess)

	ids := make([]string, len(sess.Messages))
	for i, m := range sess.Messages {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"u1", "a1", "u2b"}, ids)

	// Every non-root message's parent is its predecessor on the branch.
	for i := 1; i < len(sess.Messages); i++ {
		assert.Equal(t, sess.Messages[i-1].ID, sess.Messages[i].ParentID)
	}

	// Slicing to after a1 yields only the tail.
	tail, err := r.GetSession("sess-1", projectID, "a1", true)
	require.NoError(t, err)
	require.Len(t, tail.Messages, 1)
	assert.Equal(t, "u2b", tail.Messages[0].ID)
}

func TestOrphanedToolUses(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	writeTranscript(t, dir, "sess-1.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"run it"}}`,
		`{"type":"assistant","uuid":"a1","parentUuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool-done","name":"Bash","input":{}},{"type":"tool_use","id":"tool-hanging","name":"Bash","input":{}}]}}`,
		`{"type":"user","uuid":"u2","parentUuid":"a1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:10Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool-done","content":"ok"}]}}`,
	)

	sess, err := r.GetSession("sess-1", projectID, "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"tool-hanging"}, sess.OrphanedToolUseIDs)

	// Orphan computation can be skipped for externally-owned sessions.
	sess, err = r.GetSession("sess-1", projectID, "", false)
	require.NoError(t, err)
	assert.Nil(t, sess.OrphanedToolUseIDs)
}

func TestToolResultOnlyMessagesNotTitled(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	writeTranscript(t, dir, "sess-1.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"output"}]}}`,
		`{"type":"user","uuid":"u2","parentUuid":"u1","sessionId":"sess-1","timestamp":"2026-08-01T10:00:10Z","message":{"role":"user","content":"The real question"}}`,
	)

	summary, err := r.GetSessionSummary("sess-1", projectID)
	require.NoError(t, err)
	assert.Equal(t, "The real question", summary.Title)
}

func TestSessionIDsSkipsSidecarsAndStrangers(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	writeTranscript(t, dir, "sess-1.jsonl", `{"type":"user","uuid":"u1","message":{"role":"user","content":"x"}}`)
	writeTranscript(t, dir, "agent-task-9.jsonl", `{"type":"user","uuid":"u1","message":{"role":"user","content":"sub"}}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a transcript"), 0o644))

	ids, err := r.SessionIDs(projectID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, ids)
}

func TestAgentMappingsAndSidecarSession(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	writeTranscript(t, dir, "sess-1.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-1","message":{"role":"user","content":"delegate"}}`,
		`{"type":"queue-operation","operation":"enqueue","content":"{\"tool_use_id\":\"tu-1\",\"task_id\":\"task-9\"}"}`,
		`{"type":"queue-operation","operation":"dequeue","content":"{\"tool_use_id\":\"tu-1\",\"task_id\":\"task-9\"}"}`,
	)
	writeTranscript(t, dir, "agent-task-9.jsonl",
		`{"type":"user","uuid":"su1","sessionId":"agent-task-9","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"sub-task prompt"}}`,
	)

	mappings, err := r.GetAgentMappings("sess-1", projectID)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, AgentMapping{ToolUseID: "tu-1", AgentID: "task-9"}, mappings[0])

	agent, err := r.GetAgentSession("task-9", projectID)
	require.NoError(t, err)
	require.NotNil(t, agent)
	require.Len(t, agent.Messages, 1)
	assert.Equal(t, "sub-task prompt", agent.Messages[0].Text)
}

func TestProjectDirsRecoversCWD(t *testing.T) {
	root := t.TempDir()
	r := NewClaudeReader(root, testLogger(t))

	resolved := filepath.Join(root, mungePath("/work/app"))
	require.NoError(t, os.MkdirAll(resolved, 0o755))
	writeTranscript(t, resolved, "sess-1.jsonl",
		`{"type":"user","uuid":"u1","cwd":"/work/app","message":{"role":"user","content":"hi"}}`,
	)

	opaque := filepath.Join(root, "-gone-project")
	require.NoError(t, os.MkdirAll(opaque, 0o755))
	writeTranscript(t, opaque, "sess-2.jsonl",
		`{"type":"summary","summary":"no cwd anywhere"}`,
	)

	dirs, err := r.ProjectDirs()
	require.NoError(t, err)
	require.Len(t, dirs, 2)

	byPath := map[string]ProjectDir{}
	for _, d := range dirs {
		byPath[d.Path] = d
	}
	require.Contains(t, byPath, "/work/app")
	assert.Equal(t, 1, byPath["/work/app"].SessionCount)
	// Unresolvable directories keep a scheme placeholder.
	assert.Contains(t, byPath, "claude:-gone-project")
}

func TestProjectDirsMissingRoot(t *testing.T) {
	r := NewClaudeReader(filepath.Join(t.TempDir(), "missing"), testLogger(t))
	dirs, err := r.ProjectDirs()
	require.NoError(t, err)
	assert.Nil(t, dirs)
}

func TestExtraFieldsPreserved(t *testing.T) {
	r, dir, projectID := newClaudeFixture(t)

	writeTranscript(t, dir, "sess-1.jsonl",
		`{"type":"user","uuid":"u1","sessionId":"sess-1","gitBranch":"main","message":{"role":"user","content":"hi"}}`,
	)

	sess, err := r.GetSession("sess-1", projectID, "", true)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	require.Contains(t, sess.Messages[0].Extra, "gitBranch")
	assert.JSONEq(t, `"main"`, string(sess.Messages[0].Extra["gitBranch"]))
}

func TestActiveBranchHandlesMissingParents(t *testing.T) {
	msgs := []stream.Message{
		{ID: "m1", ParentID: "ghost"},
		{ID: "m2", ParentID: "m1"},
	}
	branch := ActiveBranch(msgs)
	require.Len(t, branch, 2)
	assert.Equal(t, "m1", branch[0].ID)
	assert.Equal(t, "m2", branch[1].ID)

	assert.Nil(t, ActiveBranch(nil))
}
