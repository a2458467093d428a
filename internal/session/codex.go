package session

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/stream"
)

const codexHashLen = 16

// CodexReader reads Codex-family JSONL transcripts. The project directory
// name is a truncated sha256 of the workspace path, which cannot be
// reversed. Resolution uses a reverse lookup over already-known paths and
// falls back to scanning file contents for the cwd field.
type CodexReader struct {
	root   string
	logger *logger.Logger

	mu    sync.RWMutex
	known map[string]string // hash -> workspace path
}

// NewCodexReader creates a reader rooted at dir (typically ~/.codex/sessions).
func NewCodexReader(root string, log *logger.Logger) *CodexReader {
	return &CodexReader{
		root:   root,
		logger: log.WithFields(zap.String("component", "codex-reader")),
		known:  make(map[string]string),
	}
}

// Family returns the agent family name.
func (r *CodexReader) Family() string { return "codex" }

// hashPath computes the directory name used for a workspace path.
func hashPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:codexHashLen]
}

// SeedKnownPaths registers workspace paths discovered elsewhere so their
// hashed directories can be resolved without content scanning.
func (r *CodexReader) SeedKnownPaths(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		r.known[hashPath(p)] = p
	}
}

func (r *CodexReader) lookupHash(hash string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.known[hash]
}

func (r *CodexReader) rememberHash(hash, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[hash] = path
}

func (r *CodexReader) projectDir(projectID string) (string, error) {
	path, ok := DecodeProjectID(projectID)
	if !ok {
		return "", fmt.Errorf("invalid project id: %q", projectID)
	}
	// Placeholder ids name the hashed directory directly.
	if hash, found := strings.CutPrefix(path, "codex:"); found {
		return filepath.Join(r.root, hash), nil
	}
	return filepath.Join(r.root, hashPath(path)), nil
}

// ProjectDirs enumerates hashed transcript directories. Unresolved hashes
// surface as codex:<hashprefix> placeholders.
func (r *CodexReader) ProjectDirs() ([]ProjectDir, error) {
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
		hash := entry.Name()
		dir := filepath.Join(r.root, hash)
		files, count, last := transcriptFiles(dir)

		path := r.lookupHash(hash)
		if path == "" {
			if cwd := r.resolveCWD(files); cwd != "" && hashPath(cwd) == hash {
				path = cwd
				r.rememberHash(hash, cwd)
			}
		}
		if path == "" {
			path = "codex:" + hash
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

// resolveCWD scans transcript session_meta entries for the cwd field.
func (r *CodexReader) resolveCWD(files []string) string {
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, claudeScanBuf), claudeMaxLineSize)
		for i := 0; scanner.Scan() && i < 20; i++ {
			var line codexLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			if line.Type != "session_meta" {
				continue
			}
			var meta codexSessionMeta
			if err := json.Unmarshal(line.Payload, &meta); err == nil && meta.CWD != "" {
				f.Close()
				return meta.CWD
			}
		}
		f.Close()
	}
	return ""
}

// SessionIDs lists transcript ids from directory entries alone.
func (r *CodexReader) SessionIDs(projectID string) ([]string, error) {
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

// ListSessions returns summaries sorted by updatedAt descending.
func (r *CodexReader) ListSessions(projectID string) ([]*Summary, error) {
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
			continue
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
func (r *CodexReader) GetSessionSummary(id, projectID string) (*Summary, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	return r.summarize(filepath.Join(dir, id+".jsonl"), id, projectID)
}

// GetSessionSummaryIfChanged returns nil while (mtime, size) still match.
func (r *CodexReader) GetSessionSummaryIfChanged(id, projectID string, cachedMtime time.Time, cachedSize int64) (*Summary, error) {
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

func (r *CodexReader) summarize(file, id, projectID string) (*Summary, error) {
	info, err := os.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var (
		title      string
		model      string
		lastUsage  *stream.Usage
		count      int
		firstStamp time.Time
	)
	err = r.scanMessages(file, func(msg *stream.Message) {
		count++
		if !msg.Timestamp.IsZero() && (firstStamp.IsZero() || msg.Timestamp.Before(firstStamp)) {
			firstStamp = msg.Timestamp
		}
		switch msg.Type {
		case stream.MessageTypeUser:
			if title == "" && !isToolResultOnly(msg) {
				title = ExtractTitle(msg.TextContent())
			}
		case stream.MessageTypeAssistant:
			if model == "" && msg.Model != "" {
				model = msg.Model
			}
			if msg.Usage != nil {
				lastUsage = msg.Usage
			}
		}
	})
	if err != nil {
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
		summary.ContextUsage = &ContextUsage{
			InputTokens: used,
			Percent:     UsagePercent(used, model),
		}
	}
	return summary, nil
}

// GetSession materializes the message view. Codex transcripts are linear,
// so every message is on the active branch.
func (r *CodexReader) GetSession(id, projectID, afterMessageID string, computeOrphans bool) (*Session, error) {
	dir, err := r.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	file := filepath.Join(dir, id+".jsonl")

	summary, err := r.summarize(file, id, projectID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, nil
	}

	var messages []stream.Message
	err = r.scanMessages(file, func(msg *stream.Message) {
		messages = append(messages, *msg)
	})
	if err != nil {
		return nil, err
	}

	if afterMessageID != "" {
		for i, msg := range messages {
			if msg.ID == afterMessageID {
				messages = messages[i+1:]
				break
			}
		}
	}

	sess := &Session{Summary: *summary, Messages: messages}
	if computeOrphans {
		sess.OrphanedToolUseIDs = OrphanedToolUses(messages)
	}
	return sess, nil
}

// GetAgentMappings returns nil: the family has no sidecar sub-agents.
func (r *CodexReader) GetAgentMappings(id, projectID string) ([]AgentMapping, error) {
	return nil, nil
}

// GetAgentSession returns nil: the family has no sidecar sub-agents.
func (r *CodexReader) GetAgentSession(agentID, projectID string) (*Session, error) {
	return nil, nil
}

// codexLine is one transcript line envelope.
type codexLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID    string `json:"id"`
	CWD   string `json:"cwd"`
	Model string `json:"model,omitempty"`
}

type codexItem struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Content   []codexContent `json:"content,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments string         `json:"arguments,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Output    string         `json:"output,omitempty"`
}

type codexContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexTokenCount struct {
	Info *struct {
		TotalTokenUsage *struct {
			InputTokens       int64 `json:"input_tokens"`
			CachedInputTokens int64 `json:"cached_input_tokens"`
			OutputTokens      int64 `json:"output_tokens"`
		} `json:"total_token_usage"`
		ModelContextWindow int64 `json:"model_context_window,omitempty"`
	} `json:"info"`
}

// scanMessages streams normalized messages from a transcript. Token-count
// events attach usage to the preceding assistant message.
func (r *CodexReader) scanMessages(file string, fn func(*stream.Message)) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		model         string
		lastAssistant *stream.Message
	)
	flush := func() {
		if lastAssistant != nil {
			fn(lastAssistant)
			lastAssistant = nil
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, claudeScanBuf), claudeMaxLineSize)
	index := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line codexLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, line.Timestamp)

		switch line.Type {
		case "session_meta":
			var meta codexSessionMeta
			if err := json.Unmarshal(line.Payload, &meta); err == nil {
				model = meta.Model
			}

		case "event_msg":
			var count codexTokenCount
			if err := json.Unmarshal(line.Payload, &count); err == nil &&
				count.Info != nil && count.Info.TotalTokenUsage != nil &&
				lastAssistant != nil {
				lastAssistant.Usage = &stream.Usage{
					InputTokens:          count.Info.TotalTokenUsage.InputTokens,
					CacheReadInputTokens: count.Info.TotalTokenUsage.CachedInputTokens,
					OutputTokens:         count.Info.TotalTokenUsage.OutputTokens,
				}
			}

		case "response_item":
			var item codexItem
			if err := json.Unmarshal(line.Payload, &item); err != nil {
				continue
			}
			msg := normalizeCodexItem(&item, ts, model, index)
			index++
			if msg == nil {
				continue
			}
			flush()
			if msg.Type == stream.MessageTypeAssistant {
				lastAssistant = msg
			} else {
				fn(msg)
			}
		}
	}
	flush()
	return scanner.Err()
}

// normalizeCodexItem converts a response item to a normalized message.
func normalizeCodexItem(item *codexItem, ts time.Time, model string, index int) *stream.Message {
	id := item.ID
	if id == "" {
		id = fmt.Sprintf("item-%d", index)
	}

	switch item.Type {
	case "message":
		var text strings.Builder
		for _, c := range item.Content {
			if c.Type == "input_text" || c.Type == "output_text" || c.Type == "text" {
				text.WriteString(c.Text)
			}
		}
		msgType := stream.MessageTypeUser
		if item.Role == "assistant" {
			msgType = stream.MessageTypeAssistant
		}
		msg := &stream.Message{
			ID:        id,
			Type:      msgType,
			Timestamp: ts,
			Text:      text.String(),
		}
		if msgType == stream.MessageTypeAssistant {
			msg.Model = model
		}
		return msg

	case "function_call":
		var input map[string]any
		if item.Arguments != "" {
			_ = json.Unmarshal([]byte(item.Arguments), &input)
		}
		return &stream.Message{
			ID:        id,
			Type:      stream.MessageTypeAssistant,
			Timestamp: ts,
			Model:     model,
			Content: []stream.ContentBlock{{
				Type:  stream.BlockTypeToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: input,
			}},
		}

	case "function_call_output":
		content, _ := json.Marshal(item.Output)
		return &stream.Message{
			ID:        id,
			Type:      stream.MessageTypeUser,
			Timestamp: ts,
			Content: []stream.ContentBlock{{
				Type:      stream.BlockTypeToolResult,
				ToolUseID: item.CallID,
				Content:   content,
			}},
		}
	}
	return nil
}
