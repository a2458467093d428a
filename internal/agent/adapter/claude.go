package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/msgqueue"
	"github.com/outposthq/outpost/internal/stream"
	"github.com/outposthq/outpost/pkg/claudecode"
)

const (
	// claudeScanBuffer bounds a single stdout line. Tool results can carry
	// whole files, so this is generous.
	claudeScanBuffer = 16 * 1024 * 1024

	claudeDefaultBin = "claude"
)

// ClaudeAdapter drives the Claude Code CLI over its stream-json protocol:
// newline-delimited JSON on stdout, user messages and control responses on
// stdin.
type ClaudeAdapter struct {
	bin    string
	logger *logger.Logger
}

// NewClaudeAdapter creates the claude-family adapter. bin overrides the CLI
// binary path; empty means "claude" from PATH.
func NewClaudeAdapter(bin string, log *logger.Logger) *ClaudeAdapter {
	if bin == "" {
		bin = claudeDefaultBin
	}
	return &ClaudeAdapter{
		bin:    bin,
		logger: log.WithFields(zap.String("adapter", FamilyClaude)),
	}
}

// Family returns the agent family name.
func (a *ClaudeAdapter) Family() string { return FamilyClaude }

// StartSession spawns the CLI and returns the live session. Errors after
// spawn never propagate to the caller; they surface as an error frame.
func (a *ClaudeAdapter) StartSession(ctx context.Context, opts StartOptions) (*Session, error) {
	if !filepath.IsAbs(opts.CWD) {
		return nil, fmt.Errorf("cwd must be an absolute path: %q", opts.CWD)
	}
	if _, err := os.Stat(opts.CWD); err != nil {
		return nil, fmt.Errorf("cwd not accessible: %w", err)
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.PermissionMode.Valid() {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	// The session outlives the caller's context; Abort owns cancellation.
	sessCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(sessCtx, a.bin, args...)
	cmd.Dir = opts.CWD
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil // stderr is not part of the protocol

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", a.bin, err)
	}

	queue := msgqueue.New()
	frames := make(chan stream.Frame, 64)

	cs := &claudeSession{
		adapter: a,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		queue:   queue,
		frames:  frames,
		opts:    opts,
		ctx:     sessCtx,
		cancel:  cancel,
		logger:  a.logger.WithFields(zap.String("cwd", opts.CWD)),
	}

	go cs.writeLoop()
	go cs.readLoop()

	return &Session{
		Stream: frames,
		Queue:  queue,
		Abort:  cs.abort,
	}, nil
}

type claudeSession struct {
	adapter *ClaudeAdapter
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	queue   *msgqueue.Queue
	frames  chan stream.Frame
	opts    StartOptions
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logger.Logger

	stdinMu   sync.Mutex
	sessionID string
	sawResult bool
	aborted   bool
	mu        sync.Mutex
}

// abort cancels the session cooperatively: the subprocess is killed via the
// context and the queue is closed so the write loop exits.
func (s *claudeSession) abort() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.queue.Close()
	s.cancel()
}

// writeLoop forwards queued user inputs to the CLI stdin.
func (s *claudeSession) writeLoop() {
	defer func() { _ = s.stdin.Close() }()

	if s.opts.InitialMessage != "" {
		s.writeUser(s.opts.InitialMessage, nil)
	}

	for {
		msg, ok := s.queue.Pull(s.ctx)
		if !ok {
			return
		}
		s.writeUser(msg.Text, msg.Attachments)
	}
}

func (s *claudeSession) writeUser(text string, attachments []msgqueue.Attachment) {
	content := buildUserContent(text, attachments)
	line, err := json.Marshal(claudecode.UserMessage{
		Type:    claudecode.MessageTypeUser,
		Message: claudecode.UserMessageBody{Role: "user", Content: content},
	})
	if err != nil {
		s.logger.Error("marshal user message", zap.Error(err))
		return
	}
	s.writeLine(line)
}

func (s *claudeSession) writeLine(line []byte) {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		s.logger.Warn("write to agent stdin failed", zap.Error(err))
	}
}

// buildUserContent produces either a plain string or a content-block array
// when attachments are present.
func buildUserContent(text string, attachments []msgqueue.Attachment) any {
	if len(attachments) == 0 {
		return text
	}
	blocks := []map[string]any{}
	if text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	for _, att := range attachments {
		blocks = append(blocks, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": att.MimeType,
				"data":       att.Data,
			},
		})
	}
	return blocks
}

// readLoop consumes CLI stdout lines, normalizes them into frames and ends
// the stream with a typed terminal signal.
func (s *claudeSession) readLoop() {
	defer close(s.frames)

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), claudeScanBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg claudecode.CLIMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("unparseable agent line", zap.Error(err))
			continue
		}
		s.handleCLIMessage(&msg, line)
	}

	waitErr := s.cmd.Wait()

	s.mu.Lock()
	aborted := s.aborted
	sawResult := s.sawResult
	sessionID := s.sessionID
	s.mu.Unlock()

	// A clean exit after a result frame is a normal end of stream. Anything
	// else is a terminal error the process layer maps to terminated.
	if !aborted && (waitErr != nil && !sawResult) {
		s.frames <- stream.Frame{
			Trigger:   stream.TriggerError,
			SessionID: sessionID,
			Err:       fmt.Sprintf("agent exited: %v", waitErr),
		}
	}
}

func (s *claudeSession) handleCLIMessage(msg *claudecode.CLIMessage, raw []byte) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		s.handleSystem(msg)

	case claudecode.MessageTypeAssistant, claudecode.MessageTypeUser:
		if norm := s.normalizeChat(msg, raw); norm != nil {
			s.emit(stream.Frame{Message: norm})
		}

	case claudecode.MessageTypeResult:
		s.mu.Lock()
		s.sawResult = true
		sessionID := s.sessionID
		s.mu.Unlock()
		if msg.IsError {
			s.emit(stream.Frame{
				Trigger:   stream.TriggerError,
				SessionID: sessionID,
				Err:       msg.ResultString(),
			})
			return
		}
		s.emit(stream.Frame{
			Message: &stream.Message{
				Type:      stream.MessageTypeResult,
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
			},
			Trigger:   stream.TriggerResult,
			SessionID: sessionID,
		})

	case claudecode.MessageTypeControlRequest:
		if msg.Request != nil && msg.Request.Subtype == claudecode.SubtypeCanUseTool {
			go s.handlePermission(msg.RequestID, msg.Request)
		}
	}
}

func (s *claudeSession) handleSystem(msg *claudecode.CLIMessage) {
	switch msg.Subtype {
	case claudecode.SubtypeInit:
		s.mu.Lock()
		prev := s.sessionID
		s.sessionID = msg.SessionID
		s.mu.Unlock()

		init := &stream.Message{
			Type:      stream.MessageTypeSystem,
			Subtype:   stream.SubtypeInit,
			SessionID: msg.SessionID,
			CWD:       msg.CWD,
			Model:     msg.Model,
			Timestamp: time.Now().UTC(),
		}
		s.emit(stream.Frame{Message: init, Trigger: stream.TriggerInit, SessionID: msg.SessionID})
		if prev != "" && prev != msg.SessionID {
			s.emit(stream.Frame{Trigger: stream.TriggerSessionIDChanged, SessionID: msg.SessionID})
		}

	case "login_required":
		s.emit(stream.Frame{Trigger: stream.TriggerLoginFlow})
	}
}

// normalizeChat converts an assistant or user CLI message into a normalized
// message, preserving unknown fields from the raw line.
func (s *claudeSession) normalizeChat(msg *claudecode.CLIMessage, raw []byte) *stream.Message {
	if msg.Message == nil {
		return nil
	}

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if msg.SessionID != "" {
		sessionID = msg.SessionID
	}

	norm := &stream.Message{
		ID:        msg.UUID,
		Type:      stream.MessageType(msg.Type),
		SessionID: sessionID,
		Model:     msg.Message.Model,
		Timestamp: time.Now().UTC(),
	}
	if msg.Message.Usage != nil {
		norm.Usage = &stream.Usage{
			InputTokens:              msg.Message.Usage.InputTokens,
			OutputTokens:             msg.Message.Usage.OutputTokens,
			CacheReadInputTokens:     msg.Message.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: msg.Message.Usage.CacheCreationInputTokens,
		}
	}

	// Content is either a plain string or a block array.
	var text string
	if err := json.Unmarshal(msg.Message.Content, &text); err == nil {
		norm.Text = text
	} else {
		var blocks []stream.ContentBlock
		if err := json.Unmarshal(msg.Message.Content, &blocks); err == nil {
			norm.Content = blocks
		}
	}

	// Preserve top-level fields the core does not model.
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err == nil {
		for _, k := range []string{"type", "message", "session_id", "uuid"} {
			delete(all, k)
		}
		if len(all) > 0 {
			norm.Extra = all
		}
	}
	return norm
}

// handlePermission forwards a can_use_tool control request to the arbiter
// and writes the control response. Without a handler every prompt is denied.
func (s *claudeSession) handlePermission(requestID string, req *claudecode.ControlRequest) {
	resp := &PermissionResponse{Behavior: BehaviorDeny, Message: "no approval handler configured"}

	if s.opts.OnPermission != nil {
		r, err := s.opts.OnPermission(s.ctx, &PermissionRequest{
			ID:       requestID,
			ToolName: req.ToolName,
			Input:    req.Input,
			Prompt:   fmt.Sprintf("Allow %s?", req.ToolName),
		})
		if err != nil {
			s.logger.Warn("permission handler error", zap.Error(err))
		} else if r != nil {
			resp = r
		}
	}

	result := &claudecode.PermissionResult{
		Behavior: resp.Behavior,
		Message:  resp.Message,
	}
	if len(resp.UpdatedInput) > 0 {
		result.UpdatedInput = resp.UpdatedInput
	}

	line, err := json.Marshal(claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &claudecode.ControlResponse{Subtype: "success", Result: result},
	})
	if err != nil {
		s.logger.Error("marshal control response", zap.Error(err))
		return
	}
	s.writeLine(line)
}

func (s *claudeSession) emit(f stream.Frame) {
	select {
	case s.frames <- f:
	case <-s.ctx.Done():
	}
}
