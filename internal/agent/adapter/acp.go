package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/msgqueue"
	"github.com/outposthq/outpost/internal/stream"
)

// ACPAdapter drives agents speaking the Agent Communication Protocol
// (JSON-RPC 2.0 over stdin/stdout), e.g. Gemini-family CLIs. The supervisor
// is the ACP client; tool execution requests from the agent are declined
// and surfaced as permission prompts instead.
type ACPAdapter struct {
	bin    string
	args   []string
	logger *logger.Logger
}

// NewACPAdapter creates the acp-family adapter. bin and args name the agent
// command, e.g. ("gemini", ["--experimental-acp"]).
func NewACPAdapter(bin string, args []string, log *logger.Logger) *ACPAdapter {
	return &ACPAdapter{
		bin:    bin,
		args:   args,
		logger: log.WithFields(zap.String("adapter", FamilyACP)),
	}
}

// Family returns the agent family name.
func (a *ACPAdapter) Family() string { return FamilyACP }

// StartSession spawns the agent, performs the ACP handshake and creates or
// loads the session. Later failures surface as an error frame.
func (a *ACPAdapter) StartSession(ctx context.Context, opts StartOptions) (*Session, error) {
	if !filepath.IsAbs(opts.CWD) {
		return nil, fmt.Errorf("cwd must be an absolute path: %q", opts.CWD)
	}
	if _, err := os.Stat(opts.CWD); err != nil {
		return nil, fmt.Errorf("cwd not accessible: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(sessCtx, a.bin, a.args...)
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

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", a.bin, err)
	}

	queue := msgqueue.New()
	frames := make(chan stream.Frame, 64)

	as := &acpSession{
		cmd:    cmd,
		queue:  queue,
		frames: frames,
		opts:   opts,
		ctx:    sessCtx,
		cancel: cancel,
		logger: a.logger.WithFields(zap.String("cwd", opts.CWD)),
	}
	as.conn = acp.NewClientSideConnection(as, stdin, stdout)

	go as.run()

	return &Session{
		Stream: frames,
		Queue:  queue,
		Abort:  as.abort,
	}, nil
}

type acpSession struct {
	cmd    *exec.Cmd
	conn   *acp.ClientSideConnection
	queue  *msgqueue.Queue
	frames chan stream.Frame
	opts   StartOptions
	ctx    context.Context
	cancel context.CancelFunc
	logger *logger.Logger

	mu          sync.Mutex
	sessionID   string
	assistantID string // shared id for streamed chunks of the current turn
	aborted     bool
}

func (s *acpSession) abort() {
	s.mu.Lock()
	s.aborted = true
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)})
		cancel()
	}
	s.queue.Close()
	s.cancel()
}

// run performs the handshake and then drives one Prompt call per queued user
// input. Each Prompt return is one end-of-turn.
func (s *acpSession) run() {
	defer close(s.frames)
	defer func() { _ = s.cmd.Wait() }()

	if err := s.initialize(); err != nil {
		s.fail(fmt.Sprintf("acp handshake failed: %v", err))
		return
	}

	if s.opts.InitialMessage != "" {
		if !s.prompt(s.opts.InitialMessage) {
			return
		}
	}

	for {
		msg, ok := s.queue.Pull(s.ctx)
		if !ok {
			return
		}
		if !s.prompt(msg.Text) {
			return
		}
	}
}

func (s *acpSession) initialize() error {
	_, err := s.conn.Initialize(s.ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "outpost",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return err
	}

	var sessionID string
	if s.opts.ResumeSessionID != "" {
		_, err := s.conn.LoadSession(s.ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(s.opts.ResumeSessionID),
			Cwd:       s.opts.CWD,
		})
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		sessionID = s.opts.ResumeSessionID
	} else {
		resp, err := s.conn.NewSession(s.ctx, acp.NewSessionRequest{Cwd: s.opts.CWD})
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		sessionID = string(resp.SessionId)
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	// The session id is only known now, so init is emitted here rather
	// than at spawn time.
	s.emit(stream.Frame{
		Message: &stream.Message{
			Type:      stream.MessageTypeSystem,
			Subtype:   stream.SubtypeInit,
			SessionID: sessionID,
			CWD:       s.opts.CWD,
			Timestamp: time.Now().UTC(),
		},
		Trigger:   stream.TriggerInit,
		SessionID: sessionID,
	})
	return nil
}

// prompt runs one turn. Returns false when the stream should end.
func (s *acpSession) prompt(text string) bool {
	s.mu.Lock()
	s.assistantID = uuid.New().String()
	sessionID := s.sessionID
	s.mu.Unlock()

	_, err := s.conn.Prompt(s.ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})

	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		return false
	}
	if err != nil {
		s.fail(fmt.Sprintf("prompt failed: %v", err))
		return false
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
	return true
}

func (s *acpSession) fail(msg string) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	s.emit(stream.Frame{Trigger: stream.TriggerError, SessionID: sessionID, Err: msg})
}

func (s *acpSession) emit(f stream.Frame) {
	select {
	case s.frames <- f:
	case <-s.ctx.Done():
	}
}

// SessionUpdate implements acp.Client: agent notifications become normalized
// message frames.
func (s *acpSession) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	u := n.Update
	sessionID := string(n.SessionId)

	s.mu.Lock()
	assistantID := s.assistantID
	s.mu.Unlock()

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			s.emit(stream.Frame{Message: &stream.Message{
				ID:        assistantID,
				Type:      stream.MessageTypeAssistant,
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
				Content: []stream.ContentBlock{{
					Type: stream.BlockTypeText,
					Text: u.AgentMessageChunk.Content.Text.Text,
				}},
			}})
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			s.emit(stream.Frame{Message: &stream.Message{
				ID:        assistantID,
				Type:      stream.MessageTypeAssistant,
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
				Content: []stream.ContentBlock{{
					Type:     stream.BlockTypeThinking,
					Thinking: u.AgentThoughtChunk.Content.Text.Text,
				}},
			}})
		}

	case u.ToolCall != nil:
		input := map[string]any{}
		if m, ok := u.ToolCall.RawInput.(map[string]any); ok {
			input = m
		}
		s.emit(stream.Frame{Message: &stream.Message{
			ID:        uuid.New().String(),
			Type:      stream.MessageTypeAssistant,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Content: []stream.ContentBlock{{
				Type:  stream.BlockTypeToolUse,
				ID:    string(u.ToolCall.ToolCallId),
				Name:  toolCallName(u.ToolCall.Kind, u.ToolCall.Title),
				Input: input,
			}},
		}})

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		if status != "completed" && status != "failed" {
			return nil
		}
		s.emit(stream.Frame{Message: &stream.Message{
			ID:        uuid.New().String(),
			Type:      stream.MessageTypeUser,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Content: []stream.ContentBlock{{
				Type:      stream.BlockTypeToolResult,
				ToolUseID: string(u.ToolCallUpdate.ToolCallId),
				IsError:   status == "failed",
			}},
		}})
	}
	return nil
}

func toolCallName(kind acp.ToolKind, title string) string {
	if kind != "" {
		return string(kind)
	}
	if idx := strings.Index(title, " "); idx > 0 {
		return title[:idx]
	}
	return title
}

// RequestPermission implements acp.Client: prompts route through the
// configured arbiter and map back to the agent's offered options.
func (s *acpSession) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	cancelled := acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
	if len(p.Options) == 0 || s.opts.OnPermission == nil {
		return cancelled, nil
	}

	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	toolName := title
	if p.ToolCall.Kind != nil {
		toolName = string(*p.ToolCall.Kind)
	}
	input := map[string]any{}
	if m, ok := p.ToolCall.RawInput.(map[string]any); ok {
		input = m
	}

	resp, err := s.opts.OnPermission(ctx, &PermissionRequest{
		ID:       string(p.ToolCall.ToolCallId),
		ToolName: toolName,
		Input:    input,
		Prompt:   title,
	})
	if err != nil || resp == nil || resp.Behavior != BehaviorAllow {
		if opt := findOption(p.Options, acp.PermissionOptionKindRejectOnce); opt != nil {
			return selected(opt), nil
		}
		return cancelled, nil
	}

	if opt := findOption(p.Options, acp.PermissionOptionKindAllowOnce); opt != nil {
		return selected(opt), nil
	}
	return selected(&p.Options[0]), nil
}

func findOption(options []acp.PermissionOption, kind acp.PermissionOptionKind) *acp.PermissionOption {
	for i := range options {
		if options[i].Kind == kind {
			return &options[i]
		}
	}
	return nil
}

func selected(opt *acp.PermissionOption) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: opt.OptionId},
		},
	}
}

// File and terminal capabilities are declined: the supervisor does not
// execute tools on behalf of ACP agents yet.

func (s *acpSession) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, fmt.Errorf("fs/read_text_file is not supported")
}

func (s *acpSession) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("fs/write_text_file is not supported")
}

func (s *acpSession) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal/create is not supported")
}

func (s *acpSession) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal/kill is not supported")
}

func (s *acpSession) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal/output is not supported")
}

func (s *acpSession) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal/release is not supported")
}

func (s *acpSession) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal/wait_for_exit is not supported")
}
