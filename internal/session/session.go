// Package session reads on-disk agent transcripts into a normalized message
// view and caches session summaries across projects.
//
// Transcripts are authored by the agents themselves; the supervisor is
// strictly a reader. There is no consistency guarantee between the in-memory
// view and the files beyond (mtime, size) validation.
package session

import (
	"encoding/base64"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/outposthq/outpost/internal/stream"
)

// Title extraction limits.
const (
	maxTitleLen      = 120
	titleTruncateLen = 117
)

// Ownership states for a session.
const (
	OwnershipSelf     = "self"
	OwnershipExternal = "external"
	OwnershipNone     = "none"
)

// ContextUsage is the context-window usage derived from the last assistant
// message.
type ContextUsage struct {
	InputTokens int64 `json:"input_tokens"`
	Percent     int   `json:"percent"`
}

// Summary is the lightweight per-session view used in listings.
type Summary struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Title        string        `json:"title"`
	CustomTitle  string        `json:"custom_title,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	MessageCount int           `json:"message_count"`
	Model        string        `json:"model,omitempty"`
	Family       string        `json:"family"`
	ContextUsage *ContextUsage `json:"context_usage,omitempty"`
	Ownership    string        `json:"ownership,omitempty"`

	// Cache validation keys.
	FileMtime time.Time `json:"-"`
	FileSize  int64     `json:"-"`
}

// Session is the full normalized message view of one conversation.
type Session struct {
	Summary
	Messages []stream.Message `json:"messages"`

	// OrphanedToolUseIDs are tool_use blocks on the active branch with no
	// matching tool_result. Flagged for the UI, never dropped.
	OrphanedToolUseIDs []string `json:"orphaned_tool_use_ids,omitempty"`
}

// AgentMapping relates a tool_use id to a sub-agent sidecar session.
type AgentMapping struct {
	ToolUseID string `json:"tool_use_id"`
	AgentID   string `json:"agent_id"`
}

// Reader materializes sessions for one agent family.
type Reader interface {
	Family() string

	// ProjectDirs enumerates the transcript directories with their resolved
	// workspace paths. A missing root is an empty result, not an error.
	ProjectDirs() ([]ProjectDir, error)

	// SessionIDs lists transcript ids without parsing file contents.
	SessionIDs(projectID string) ([]string, error)

	ListSessions(projectID string) ([]*Summary, error)
	GetSessionSummary(id, projectID string) (*Summary, error)

	// GetSessionSummaryIfChanged returns nil when (mtime, size) still match
	// the cached values, enabling cheap cache validation.
	GetSessionSummaryIfChanged(id, projectID string, cachedMtime time.Time, cachedSize int64) (*Summary, error)

	// GetSession returns the active-branch message view, optionally sliced
	// to messages strictly after afterMessageID. computeOrphans may be
	// disabled for externally-owned sessions.
	GetSession(id, projectID, afterMessageID string, computeOrphans bool) (*Session, error)

	// GetAgentMappings and GetAgentSession support families that store
	// sub-agents as separate sidecar files; others return empty/nil.
	GetAgentMappings(id, projectID string) ([]AgentMapping, error)
	GetAgentSession(agentID, projectID string) (*Session, error)
}

// ProjectDir is one transcript directory known to a reader.
type ProjectDir struct {
	// Path is the resolved workspace path, or a "scheme:<hashprefix>"
	// placeholder when the directory name could not be reversed.
	Path string
	// Dir is the on-disk transcript directory.
	Dir string
	// SessionCount is the number of transcript files found.
	SessionCount int
	// LastActivity is the newest transcript mtime.
	LastActivity time.Time
}

// EncodeProjectID returns the stable URL-safe id for a workspace path.
// id <-> path is bijective within one fleet; the id is opaque to clients.
func EncodeProjectID(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

// DecodeProjectID resolves a project id back to its workspace path.
func DecodeProjectID(id string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// ExtractTitle derives the session auto-title from the first user utterance:
// IDE metadata blocks are skipped and the result is capped at 120 characters.
func ExtractTitle(text string) string {
	text = stripIDEMetadata(text)
	text = strings.TrimSpace(text)
	if len(text) > maxTitleLen {
		// Back up to a rune boundary so the cut never splits a
		// multi-byte character.
		cut := titleTruncateLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + "..."
	}
	return text
}

// ideMetadataPrefixes are editor-injected blocks that never make good titles.
var ideMetadataPrefixes = []string{
	"<ide_opened_file>",
	"<ide_selection>",
	"<ide_diagnostics>",
}

func stripIDEMetadata(text string) string {
	trimmed := strings.TrimSpace(text)
	for changed := true; changed; {
		changed = false
		for _, prefix := range ideMetadataPrefixes {
			if !strings.HasPrefix(trimmed, prefix) {
				continue
			}
			closing := strings.Replace(prefix, "<", "</", 1)
			if idx := strings.Index(trimmed, closing); idx >= 0 {
				trimmed = strings.TrimSpace(trimmed[idx+len(closing):])
				changed = true
			}
		}
	}
	return trimmed
}

// modelWindows maps model id prefixes to context-window sizes.
var modelWindows = []struct {
	prefix string
	window int64
}{
	{"claude-opus-4", 200000},
	{"claude-sonnet-4", 200000},
	{"claude-haiku-4", 200000},
	{"claude-3", 200000},
	{"gpt-5", 272000},
	{"o3", 200000},
	{"gemini-2", 1048576},
}

const defaultContextWindow = 200000

// ContextWindowFor looks up the context-window size by model id.
func ContextWindowFor(model string) int64 {
	for _, m := range modelWindows {
		if strings.HasPrefix(model, m.prefix) {
			return m.window
		}
	}
	return defaultContextWindow
}

// UsagePercent computes the rounded context-window percentage for a usage
// total against the model's window.
func UsagePercent(used int64, model string) int {
	window := ContextWindowFor(model)
	if window <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(used) / float64(window)))
}
