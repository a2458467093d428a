package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/stream"
)

const (
	claudeScanBuf     = 64 * 1024
	claudeMaxLineSize = 64 * 1024 * 1024

	agentFilePrefix = "agent-"
)

// ClaudeReader reads Claude-family JSONL transcripts. Layout:
// <root>/<munged-project-path>/<session-id>.jsonl, with sub-agent sidecars
// named agent-<id>.jsonl. Lines form a DAG via uuid/parentUuid; rewinds
// create dead branches.
type ClaudeReader struct {
	root   string
	logger *logger.Logger
}

// NewClaudeReader creates a reader rooted at dir (typically
// ~/.claude/projects).
func NewClaudeReader(root string, log *logger.Logger) *ClaudeReader {
	return &ClaudeReader{
		root:   root,
		logger: log.WithFields(zap.String("component", "claude-reader")),
	}
}

// Family returns the agent family name.
func (r *ClaudeReader) Family() string { return "claude" }

// mungePath converts a workspace path to the directory name the CLI uses.
// The scheme is lossy ("/" and "." both become "-"), so resolution goes
// through the cwd field in file contents, not the inverse mapping.
func mungePath(path string) string {
	munged := strings.ReplaceAll(path, "/", "-")
	return strings.ReplaceAll(munged, ".", "-")
}

func (r *ClaudeReader) projectDir(projectID string) (string, error) {
	path, ok := DecodeProjectID(projectID)
	if !ok {
		return "", fmt.Errorf("invalid project id: %q", projectID)
	}
	return filepath.Join(r.root, mungePath(path)), nil
}

// ProjectDirs enumerates transcript directories, recovering the true
// workspace path from the cwd field of contained transcripts.
func (r *ClaudeReader) ProjectDirs() ([]ProjectDir, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []ProjectDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		files, count, last := transcriptFiles(dir)

		path := r.resolveCWD(files)
		if path == "" {
			path = "claude:" + entry.Name()
		}
		dirs = append(dirs, ProjectDir{
			Path:         path,
			Dir:          dir,
			SessionCount: count,
			LastActivity: last,
		})
	}
	return dirs, nil
}

// transcriptFiles lists primary transcript files in a directory, skipping
// agent sidecars.
func transcriptFiles(dir string) (files []string, count int, last time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, time.Time{}
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, agentFilePrefix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
		count++
		if info, err := e.Info(); err == nil && info.ModTime().After(last) {
			last = info.ModTime()
		}
	}
	return files, count, last
}

// resolveCWD scans transcript contents for the cwd field.
func (r *ClaudeReader) resolveCWD(files []string) string {
	for _, file := range files {
		if cwd := scanForCWD(file); cwd != "" {
			return cwd
		}
	}
	return ""
}

// scanForCWD reads at most the first few lines of a transcript looking for
// a cwd field.
func scanForCWD(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, claudeScanBuf), claudeMaxLineSize)
	for i := 0; scanner.Scan() && i < 20; i++ {
		var probe struct {
			CWD string `json:"cwd"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &probe); err == nil && probe.CWD != "" {
			return probe.CWD
		}
	}
	return ""
}

// SessionIDs lists transcript ids from directory entries alone.
func (r *ClaudeReader) SessionIDs(projectID string) ([]string, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	files, _, _ := transcriptFiles(dir)
	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(filepath.Base(file), ".jsonl"))
	}
	return ids, nil
}

// ListSessions returns summaries sorted by updatedAt descending, skipping
// empty and metadata-only transcripts.
func (r *ClaudeReader) ListSessions(projectID string) ([]*Summary, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	files, _, _ := transcriptFiles(dir)

	var summaries []*Summary
	for _, file := range files {
		id := strings.TrimSuffix(filepath.Base(file), ".jsonl")
		summary, err := r.summarize(file, id, projectID)
		if err != nil {
			r.logger.Warn("skipping unreadable transcript",
				zap.String("file", file), zap.Error(err))
			continue
		}
		if summary == nil {
			continue // empty or metadata-only
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// GetSessionSummary returns the summary for one session, or nil when the
// transcript does not exist or holds no messages.
func (r *ClaudeReader) GetSessionSummary(id, projectID string) (*Summary, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	return r.summarize(filepath.Join(dir, id+".jsonl"), id, projectID)
}

// GetSessionSummaryIfChanged returns nil while (mtime, size) still match.
func (r *ClaudeReader) GetSessionSummaryIfChanged(id, projectID string, cachedMtime time.Time, cachedSize int64) (*Summary, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	file := filepath.Join(dir, id+".jsonl")
	info, err := os.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.ModTime().Equal(cachedMtime) && info.Size() == cachedSize {
		return nil, nil
	}
	return r.summarize(file, id, projectID)
}

func (r *ClaudeReader) summarize(file, id, projectID string) (*Summary, error) {
	info, err := os.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var (
		title        string
		model        string
		lastUsage    *stream.Usage
		lastModel    string
		count        int
		firstStamp   time.Time
		parsedStream = func(msg *stream.Message) {
			count++
			if !msg.Timestamp.IsZero() && (firstStamp.IsZero() || msg.Timestamp.Before(firstStamp)) {
				firstStamp = msg.Timestamp
			}
			switch msg.Type {
			case stream.MessageTypeUser:
				if title == "" && !isToolResultOnly(msg) && !isMetaMessage(msg) {
					title = ExtractTitle(msg.TextContent())
				}
			case stream.MessageTypeAssistant:
				if model == "" && msg.Model != "" {
					model = msg.Model
				}
				if msg.Usage != nil {
					lastUsage = msg.Usage
					lastModel = msg.Model
				}
			}
		}
	)

	if err := r.scanMessages(file, parsedStream); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	summary := &Summary{
		ID:           id,
		ProjectID:    projectID,
		Title:        title,
		CreatedAt:    firstStamp,
		UpdatedAt:    info.ModTime(),
		MessageCount: count,
		Model:        model,
		Family:       r.Family(),
		FileMtime:    info.ModTime(),
		FileSize:     info.Size(),
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = info.ModTime()
	}
	if lastUsage != nil {
		used := lastUsage.Total()
		m := lastModel
		if m == "" {
			m = model
		}
		summary.ContextUsage = &ContextUsage{
			InputTokens: used,
			Percent:     UsagePercent(used, m),
		}
	}
	return summary, nil
}

// GetSession materializes the active-branch message view.
func (r *ClaudeReader) GetSession(id, projectID, afterMessageID string, computeOrphans bool) (*Session, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	return r.readSession(filepath.Join(dir, id+".jsonl"), id, projectID, afterMessageID, computeOrphans)
}

func (r *ClaudeReader) readSession(file, id, projectID, afterMessageID string, computeOrphans bool) (*Session, error) {
	summary, err := r.summarize(file, id, projectID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, nil
	}

	var all []stream.Message
	err = r.scanMessages(file, func(msg *stream.Message) {
		all = append(all, *msg)
	})
	if err != nil {
		return nil, err
	}

	active := ActiveBranch(all)

	if afterMessageID != "" {
		for i, msg := range active {
			if msg.ID == afterMessageID {
				active = active[i+1:]
				break
			}
		}
	}

	sess := &Session{Summary: *summary, Messages: active}
	if computeOrphans {
		sess.OrphanedToolUseIDs = OrphanedToolUses(active)
	}
	return sess, nil
}

// GetAgentMappings extracts (toolUseID, agentID) pairs from queue-operation
// entries that enqueue sub-agent tasks.
func (r *ClaudeReader) GetAgentMappings(id, projectID string) ([]AgentMapping, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, id+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var mappings []AgentMapping
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, claudeScanBuf), claudeMaxLineSize)
	for scanner.Scan() {
		var entry struct {
			Type      string `json:"type"`
			Operation string `json:"operation"`
			Content   string `json:"content"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Type != "queue-operation" || entry.Operation != "enqueue" {
			continue
		}
		var content struct {
			ToolUseID string `json:"tool_use_id"`
			TaskID    string `json:"task_id"`
		}
		if err := json.Unmarshal([]byte(entry.Content), &content); err != nil {
			continue
		}
		if content.ToolUseID != "" && content.TaskID != "" {
			mappings = append(mappings, AgentMapping{
				ToolUseID: content.ToolUseID,
				AgentID:   content.TaskID,
			})
		}
	}
	return mappings, scanner.Err()
}

// GetAgentSession reads a sub-agent sidecar file.
func (r *ClaudeReader) GetAgentSession(agentID, projectID string) (*Session, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	file := filepath.Join(dir, agentFilePrefix+agentID+".jsonl")
	return r.readSession(file, agentFilePrefix+agentID, projectID, "", true)
}

// scanMessages streams normalized user/assistant messages from a transcript.
func (r *ClaudeReader) scanMessages(file string, fn func(*stream.Message)) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, claudeScanBuf), claudeMaxLineSize)
	index := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := normalizeClaudeLine(line, index)
		index++
		if msg != nil {
			fn(msg)
		}
	}
	return scanner.Err()
}

// claudeLine mirrors one transcript line's well-known fields.
type claudeLine struct {
	Type       string          `json:"type"`
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid"`
	SessionID  string          `json:"sessionId"`
	CWD        string          `json:"cwd"`
	Timestamp  string          `json:"timestamp"`
	Message    *claudePayload  `json:"message"`
}

type claudePayload struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model"`
	Usage   *stream.Usage   `json:"usage"`
}

var claudeKnownFields = map[string]bool{
	"type": true, "uuid": true, "parentUuid": true, "sessionId": true,
	"cwd": true, "timestamp": true, "message": true,
}

// normalizeClaudeLine converts one transcript line to a normalized message.
// Non-message entries return nil. The line index provides a stable fallback
// id for entries missing a uuid.
func normalizeClaudeLine(line []byte, index int) *stream.Message {
	var entry claudeLine
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil
	}
	if entry.Type != "user" && entry.Type != "assistant" {
		return nil
	}
	if entry.Message == nil {
		return nil
	}

	msg := &stream.Message{
		ID:        entry.UUID,
		Type:      stream.MessageType(entry.Type),
		SessionID: entry.SessionID,
		ParentID:  entry.ParentUUID,
		Model:     entry.Message.Model,
		Usage:     entry.Message.Usage,
		CWD:       entry.CWD,
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("line-%d", index)
	}
	if ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
		msg.Timestamp = ts
	}

	var text string
	if err := json.Unmarshal(entry.Message.Content, &text); err == nil {
		msg.Text = text
	} else {
		var blocks []stream.ContentBlock
		if err := json.Unmarshal(entry.Message.Content, &blocks); err == nil {
			msg.Content = blocks
		}
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(line, &all); err == nil {
		for k := range all {
			if claudeKnownFields[k] {
				delete(all, k)
			}
		}
		if len(all) > 0 {
			msg.Extra = all
		}
	}
	return msg
}

// isMetaMessage reports whether a message is editor-injected context rather
// than a user utterance.
func isMetaMessage(msg *stream.Message) bool {
	raw, ok := msg.Extra["isMeta"]
	return ok && string(raw) == "true"
}

// isToolResultOnly reports whether a user message carries only tool_result
// blocks (not a real utterance).
func isToolResultOnly(msg *stream.Message) bool {
	if len(msg.Content) == 0 {
		return msg.Text == ""
	}
	for _, b := range msg.Content {
		if b.Type != stream.BlockTypeToolResult {
			return false
		}
	}
	return true
}

// ActiveBranch extracts the single linear chain from the root to the most
// recently written leaf. The newest message's ancestry defines the branch,
// which is equivalent to following the last-writer-wins child at each fork.
func ActiveBranch(all []stream.Message) []stream.Message {
	if len(all) == 0 {
		return nil
	}

	byID := make(map[string]int, len(all))
	for i := range all {
		byID[all[i].ID] = i
	}

	// Walk up from the newest message to its root.
	var chain []int
	seen := make(map[int]bool)
	cur := len(all) - 1
	for {
		if seen[cur] {
			break // defensive: a parent may not be its own ancestor
		}
		seen[cur] = true
		chain = append(chain, cur)
		parent, ok := byID[all[cur].ParentID]
		if !ok || all[cur].ParentID == "" {
			break
		}
		cur = parent
	}

	out := make([]stream.Message, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, all[chain[i]])
	}
	return out
}

// OrphanedToolUses returns tool_use ids on the branch with no matching
// tool_result.
func OrphanedToolUses(branch []stream.Message) []string {
	results := make(map[string]bool)
	for i := range branch {
		for _, b := range branch[i].Content {
			if b.Type == stream.BlockTypeToolResult && b.ToolUseID != "" {
				results[b.ToolUseID] = true
			}
		}
	}

	var orphans []string
	for i := range branch {
		for _, b := range branch[i].Content {
			if b.Type == stream.BlockTypeToolUse && b.ID != "" && !results[b.ID] {
				orphans = append(orphans, b.ID)
			}
		}
	}
	return orphans
}
