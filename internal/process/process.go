// Package process wraps one running agent: lifecycle, state machine, event
// fan-out, tool-approval arbitration, hold and termination.
package process

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/agent/adapter"
	"github.com/outposthq/outpost/internal/common/errors"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/msgqueue"
	"github.com/outposthq/outpost/internal/stream"
)

// State is the lifecycle state of a process.
type State string

const (
	StateSpawning     State = "spawning"
	StateInTurn       State = "in-turn"
	StateIdle         State = "idle"
	StateWaitingInput State = "waiting-input"
	StateHold         State = "hold"
	StateTerminated   State = "terminated"
)

// Event types delivered to subscribers.
type EventType string

const (
	EventMessage          EventType = "message"
	EventStateChange      EventType = "state-change"
	EventSessionIDChanged EventType = "session-id-changed"
	EventModeChange       EventType = "mode-change"
	EventInputRequest     EventType = "input-request"
	EventError            EventType = "error"
	EventComplete         EventType = "complete"
	EventTerminated       EventType = "terminated"
)

// Event is one fan-out notification. Seq is strictly monotonic per process.
type Event struct {
	Seq          uint64                 `json:"seq"`
	Type         EventType              `json:"type"`
	SessionID    string                 `json:"session_id"`
	Message      *stream.Message        `json:"message,omitempty"`
	State        State                  `json:"state,omitempty"`
	OldSessionID string                 `json:"old_session_id,omitempty"`
	Mode         adapter.PermissionMode `json:"mode,omitempty"`
	ModeVersion  uint64                 `json:"mode_version,omitempty"`
	Request      *InputRequest          `json:"request,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Listener receives process events. Listeners must not block; slow consumers
// buffer on their own side.
type Listener func(Event)

// InputRequest is one pending tool-approval prompt.
type InputRequest struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`

	result chan *adapter.PermissionResponse
}

// Options configures a new process.
type Options struct {
	ProjectPath    string
	ProjectID      string
	SessionID      string // placeholder until init reports the real id
	Family         string
	PermissionMode adapter.PermissionMode
	Session        *adapter.Session
	Logger         *logger.Logger
}

// Process owns one adapter session end to end.
type Process struct {
	projectPath string
	projectID   string
	family      string
	session     *adapter.Session
	logger      *logger.Logger

	// emitMu serializes event emission and subscriber changes so a listener
	// registered at sequence N sees every event after N.
	emitMu    sync.Mutex
	seq       uint64
	listeners map[int]Listener
	nextSub   int

	mu          sync.Mutex
	sessionID   string
	state       State
	prevState   State // state to restore when hold clears
	mode        adapter.PermissionMode
	modeVersion uint64
	terminated  bool
	termErr     string
	aborted     bool
	pending     []*InputRequest
	history     []stream.Message
	streamBufs  map[string]*strings.Builder // assistant message id -> text
	holdCh      chan struct{}               // non-nil while held
	startedAt   time.Time
}

// New creates a process around a live adapter session and starts its driver.
func New(opts Options) *Process {
	mode := opts.PermissionMode
	if !mode.Valid() {
		mode = adapter.ModeDefault
	}
	p := &Process{
		projectPath: opts.ProjectPath,
		projectID:   opts.ProjectID,
		family:      opts.Family,
		session:     opts.Session,
		logger: opts.Logger.WithFields(
			zap.String("component", "process"),
			zap.String("project_id", opts.ProjectID),
		),
		listeners:  make(map[int]Listener),
		sessionID:  opts.SessionID,
		state:      StateSpawning,
		mode:       mode,
		streamBufs: make(map[string]*strings.Builder),
		startedAt:  time.Now(),
	}
	go p.drive()
	return p
}

// Accessors.

func (p *Process) ProjectID() string   { return p.projectID }
func (p *Process) ProjectPath() string { return p.projectPath }
func (p *Process) Family() string      { return p.family }

// SessionID returns the current session id (placeholder until init).
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode returns the permission mode and its version.
func (p *Process) Mode() (adapter.PermissionMode, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, p.modeVersion
}

// StartedAt returns the process start time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// PermissionHandler returns the arbitration callback to install on the
// adapter session.
func (p *Process) PermissionHandler() adapter.PermissionHandler {
	return func(ctx context.Context, req *adapter.PermissionRequest) (*adapter.PermissionResponse, error) {
		return p.HandleToolApproval(ctx, req.ToolName, req.Input)
	}
}

// Subscribe registers a listener. Every event emitted after registration is
// delivered, in order, with strictly increasing sequence numbers. The
// returned function unsubscribes.
func (p *Process) Subscribe(fn Listener) func() {
	p.emitMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.listeners[id] = fn
	p.emitMu.Unlock()

	return func() {
		p.emitMu.Lock()
		delete(p.listeners, id)
		p.emitMu.Unlock()
	}
}

// emit delivers an event to all listeners under the emit lock.
func (p *Process) emit(ev Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.seq++
	ev.Seq = p.seq
	if ev.SessionID == "" {
		ev.SessionID = p.SessionID()
	}
	for _, fn := range p.listeners {
		fn(ev)
	}
}

func (p *Process) clearListeners() {
	p.emitMu.Lock()
	p.listeners = make(map[int]Listener)
	p.emitMu.Unlock()
}

// QueueMessage appends a user input to the message queue and records it in
// history so late-joining subscribers see it. Fails once terminated.
func (p *Process) QueueMessage(text string, attachments []msgqueue.Attachment) (int, error) {
	p.mu.Lock()
	if p.terminated {
		id := p.sessionID
		p.mu.Unlock()
		return 0, errors.Terminated(id)
	}
	p.mu.Unlock()

	msg := p.session.Queue.Push(text, attachments)

	record := stream.Message{
		ID:        msg.ID,
		Type:      stream.MessageTypeUser,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	p.mu.Lock()
	p.history = append(p.history, record)
	pos := p.session.Queue.Len()
	p.mu.Unlock()

	p.emit(Event{Type: EventMessage, Message: &record})
	return pos, nil
}

// GetMessageHistory returns a snapshot of every message observed so far,
// including queued user inputs not yet consumed by the agent.
func (p *Process) GetMessageHistory() []stream.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stream.Message, len(p.history))
	copy(out, p.history)
	return out
}

// GetStreamingContent returns the partial assistant text accumulated during
// the current turn, keyed by assistant message id.
func (p *Process) GetStreamingContent() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.streamBufs))
	for id, buf := range p.streamBufs {
		out[id] = buf.String()
	}
	return out
}

// SetPermissionMode switches the arbitration mode. Idempotent: the version
// bumps and a mode-change event fires only on actual change.
func (p *Process) SetPermissionMode(mode adapter.PermissionMode) error {
	if !mode.Valid() {
		return errors.InvalidInput("unknown permission mode: " + string(mode))
	}
	p.mu.Lock()
	if p.terminated {
		id := p.sessionID
		p.mu.Unlock()
		return errors.Terminated(id)
	}
	if p.mode == mode {
		p.mu.Unlock()
		return nil
	}
	p.mode = mode
	p.modeVersion++
	version := p.modeVersion
	p.mu.Unlock()

	p.emit(Event{Type: EventModeChange, Mode: mode, ModeVersion: version})
	return nil
}

// SetHold parks the driver before its next stream pull. Idempotent;
// termination implicitly clears hold.
func (p *Process) SetHold(on bool) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	var next State
	changed := false
	if on && p.holdCh == nil {
		p.holdCh = make(chan struct{})
		p.prevState = p.state
		next = StateHold
		changed = p.setStateLocked(next)
	} else if !on && p.holdCh != nil {
		close(p.holdCh)
		p.holdCh = nil
		next = p.prevState
		changed = p.setStateLocked(next)
	}
	p.mu.Unlock()

	if changed {
		p.emitStateChange(next)
	}
}

// setStateLocked transitions state. Caller holds p.mu and, when true is
// returned, must emit the state-change event itself right after unlocking
// so listeners observe transitions in the order they happened.
func (p *Process) setStateLocked(s State) bool {
	if p.state == s || p.state == StateTerminated {
		return false
	}
	p.state = s
	return true
}

func (p *Process) emitStateChange(s State) {
	p.emit(Event{Type: EventStateChange, State: s})
}

// HandleToolApproval arbitrates one tool call. Auto-allowed calls return
// immediately; the rest enqueue a pending request and block until
// RespondToInput answers or ctx is cancelled (which resolves deny).
func (p *Process) HandleToolApproval(ctx context.Context, toolName string, input map[string]any) (*adapter.PermissionResponse, error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return &adapter.PermissionResponse{
			Behavior: adapter.BehaviorDeny,
			Message:  "process terminated",
		}, nil
	}
	mode := p.mode
	p.mu.Unlock()

	if Arbitrate(mode, toolName) {
		return &adapter.PermissionResponse{Behavior: adapter.BehaviorAllow}, nil
	}

	req := &InputRequest{
		ID:       uuid.NewString(),
		ToolName: toolName,
		Input:    input,
		Prompt:   approvalPrompt(toolName),
		result:   make(chan *adapter.PermissionResponse, 1),
	}

	p.mu.Lock()
	p.pending = append(p.pending, req)
	changed := p.setStateLocked(StateWaitingInput)
	p.mu.Unlock()

	if changed {
		p.emitStateChange(StateWaitingInput)
	}
	p.emit(Event{Type: EventInputRequest, Request: req})

	select {
	case resp := <-req.result:
		return resp, nil
	case <-ctx.Done():
		p.dropRequest(req.ID)
		return &adapter.PermissionResponse{
			Behavior: adapter.BehaviorDeny,
			Message:  "approval abandoned",
		}, nil
	}
}

func approvalPrompt(toolName string) string {
	switch toolName {
	case ToolExitPlanMode:
		return "The agent wants to exit plan mode and start making changes."
	case ToolAskUserQuestion:
		return "The agent has a question for you."
	default:
		return "The agent wants to run " + toolName + "."
	}
}

// GetPendingInputRequest returns the head pending request, or nil.
func (p *Process) GetPendingInputRequest() *InputRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	return p.pending[0]
}

// RespondToInput answers a pending request. Outcome is "approve" or "deny";
// payload may carry tool-specific data such as question answers. Returns
// false when the request id no longer exists.
func (p *Process) RespondToInput(requestID, outcome string, payload map[string]any) bool {
	p.mu.Lock()
	idx := -1
	for i, r := range p.pending {
		if r.ID == requestID {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	req := p.pending[idx]
	p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
	drained := len(p.pending) == 0
	p.mu.Unlock()

	resp := &adapter.PermissionResponse{Behavior: adapter.BehaviorDeny}
	if outcome == "approve" {
		resp.Behavior = adapter.BehaviorAllow
		switch req.ToolName {
		case ToolExitPlanMode:
			// Approving the plan drops the agent back to default mode.
			if err := p.SetPermissionMode(adapter.ModeDefault); err != nil {
				p.logger.Warn("mode reset after plan exit failed", zap.Error(err))
			}
		case ToolAskUserQuestion:
			if payload != nil {
				merged := make(map[string]any, len(req.Input)+1)
				for k, v := range req.Input {
					merged[k] = v
				}
				if answers, ok := payload["answers"]; ok {
					merged["answers"] = answers
				} else {
					for k, v := range payload {
						merged[k] = v
					}
				}
				resp.UpdatedInput = merged
			}
		}
	}
	req.result <- resp

	if drained {
		p.mu.Lock()
		changed := p.state == StateWaitingInput && p.setStateLocked(StateInTurn)
		p.mu.Unlock()
		if changed {
			p.emitStateChange(StateInTurn)
		}
	}
	return true
}

// dropRequest removes an abandoned request from the queue.
func (p *Process) dropRequest(requestID string) {
	p.mu.Lock()
	for i, r := range p.pending {
		if r.ID == requestID {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	changed := len(p.pending) == 0 && p.state == StateWaitingInput &&
		p.setStateLocked(StateInTurn)
	p.mu.Unlock()

	if changed {
		p.emitStateChange(StateInTurn)
	}
}

// Abort cancels the adapter cooperatively, emits complete and clears
// listeners. The driver finishes termination when the stream ends.
func (p *Process) Abort() {
	p.mu.Lock()
	if p.terminated || p.aborted {
		p.mu.Unlock()
		return
	}
	p.aborted = true
	if p.holdCh != nil {
		close(p.holdCh)
		p.holdCh = nil
	}
	p.mu.Unlock()

	p.session.Abort()
	p.emit(Event{Type: EventComplete})
	p.clearListeners()
}

// Terminated reports whether the process has reached its sink state, with
// the captured error if any.
func (p *Process) Terminated() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated, p.termErr
}

// drive consumes the adapter stream until it ends.
func (p *Process) drive() {
	for frame := range p.session.Stream {
		p.waitHold()
		p.handleFrame(frame)
	}
	p.terminate("")
}

// waitHold parks while hold is set.
func (p *Process) waitHold() {
	p.mu.Lock()
	ch := p.holdCh
	p.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (p *Process) handleFrame(frame stream.Frame) {
	if frame.Message != nil {
		p.recordMessage(frame.Message)
	}

	switch frame.Trigger {
	case stream.TriggerInit:
		p.handleInit(frame.SessionID)
	case stream.TriggerSessionIDChanged:
		p.handleSessionIDChanged(frame.SessionID)
	case stream.TriggerResult:
		p.mu.Lock()
		p.streamBufs = make(map[string]*strings.Builder)
		changed := p.state != StateTerminated && p.state != StateHold &&
			p.setStateLocked(StateIdle)
		p.mu.Unlock()
		if changed {
			p.emitStateChange(StateIdle)
		}
	case stream.TriggerError:
		msg := frame.Err
		if msg == "" && frame.Message != nil {
			msg = frame.Message.Error
		}
		p.emit(Event{Type: EventError, Error: msg})
		p.terminate(msg)
	}
}

func (p *Process) recordMessage(msg *stream.Message) {
	p.mu.Lock()
	p.history = append(p.history, *msg)
	if msg.Type == stream.MessageTypeAssistant {
		if text := msg.TextContent(); text != "" {
			buf, ok := p.streamBufs[msg.ID]
			if !ok {
				buf = &strings.Builder{}
				p.streamBufs[msg.ID] = buf
			}
			buf.WriteString(text)
		}
	}
	p.mu.Unlock()

	p.emit(Event{Type: EventMessage, Message: msg})
}

func (p *Process) handleInit(realID string) {
	p.mu.Lock()
	old := p.sessionID
	changed := realID != "" && realID != old
	if changed {
		p.sessionID = realID
	}
	var next State
	stateChanged := false
	if p.state == StateSpawning {
		if p.session.Queue.Len() > 0 {
			next = StateInTurn
		} else {
			next = StateIdle
		}
		stateChanged = p.setStateLocked(next)
	}
	p.mu.Unlock()

	if changed {
		p.emit(Event{Type: EventSessionIDChanged, SessionID: realID, OldSessionID: old})
	}
	if stateChanged {
		p.emitStateChange(next)
	}
}

func (p *Process) handleSessionIDChanged(realID string) {
	p.mu.Lock()
	old := p.sessionID
	changed := realID != "" && realID != old
	if changed {
		p.sessionID = realID
	}
	p.mu.Unlock()

	if changed {
		p.emit(Event{Type: EventSessionIDChanged, SessionID: realID, OldSessionID: old})
	}
}

// terminate is the sink transition: reject pending requests, clear hold,
// notify listeners, then drop them.
func (p *Process) terminate(errMsg string) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.termErr = errMsg
	p.state = StateTerminated
	if p.holdCh != nil {
		close(p.holdCh)
		p.holdCh = nil
	}
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, req := range pending {
		req.result <- &adapter.PermissionResponse{
			Behavior: adapter.BehaviorDeny,
			Message:  "process terminated",
		}
	}

	p.emit(Event{Type: EventTerminated, Error: errMsg})
	p.clearListeners()

	if errMsg != "" {
		p.logger.Warn("process terminated with error",
			zap.String("session_id", p.SessionID()), zap.String("error", errMsg))
	} else {
		p.logger.Info("process terminated",
			zap.String("session_id", p.SessionID()))
	}
}
