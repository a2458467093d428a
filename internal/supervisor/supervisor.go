// Package supervisor owns the process registry and session ownership
// tracking.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/agent/adapter"
	"github.com/outposthq/outpost/internal/common/errors"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/events"
	"github.com/outposthq/outpost/internal/process"
	"github.com/outposthq/outpost/internal/project"
	"github.com/outposthq/outpost/internal/session"
)

// externalTTL is how long agent-initiated transcript activity keeps a
// session marked external after its last observed file change.
const externalTTL = 30 * time.Second

// StartSessionOptions configures one agent start.
type StartSessionOptions struct {
	Family          string
	Model           string
	ResumeSessionID string
	PermissionMode  adapter.PermissionMode
	InitialMessage  string
}

// Supervisor is the process registry. It is the only writer of process
// ownership; readers take snapshots under the lock.
type Supervisor struct {
	adapters *adapter.Registry
	scanner  *project.Scanner
	bus      *events.Bus
	logger   *logger.Logger

	mu        sync.Mutex
	processes map[string]*process.Process // session id -> process
	external  map[string]time.Time        // session id -> last observed change
	lastPoll  time.Time
}

// New creates a supervisor.
func New(adapters *adapter.Registry, scanner *project.Scanner, bus *events.Bus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		adapters:  adapters,
		scanner:   scanner,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "supervisor")),
		processes: make(map[string]*process.Process),
		external:  make(map[string]time.Time),
	}
}

// GetProcessForSession returns the process registered under a session id.
func (s *Supervisor) GetProcessForSession(sessionID string) *process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[sessionID]
}

// GetProcessesByProject returns a snapshot of the project's live processes.
func (s *Supervisor) GetProcessesByProject(projectID string) []*process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*process.Process
	for _, p := range s.processes {
		if p.ProjectID() == projectID {
			out = append(out, p)
		}
	}
	return out
}

// Processes returns a snapshot of all live processes.
func (s *Supervisor) Processes() []*process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*process.Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out
}

// Ownership classifies a session id: self when a live process owns it,
// external while agent-initiated file activity is fresh, none otherwise.
func (s *Supervisor) Ownership(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[sessionID]; ok {
		return session.OwnershipSelf
	}
	if seen, ok := s.external[sessionID]; ok {
		if time.Since(seen) < externalTTL {
			return session.OwnershipExternal
		}
		delete(s.external, sessionID)
	}
	return session.OwnershipNone
}

// StartSession spawns an agent for a project and wraps it in a process.
// Registration happens under the placeholder id first, then moves to the
// real id when the adapter reports it. Starting over an externally-tracked
// id proceeds; ownership flips to self on init.
func (s *Supervisor) StartSession(ctx context.Context, projectPath, projectID string, opts StartSessionOptions) (*process.Process, error) {
	family := opts.Family
	if family == "" {
		family = adapter.FamilyClaude
	}
	a, err := s.adapters.Lookup(family)
	if err != nil {
		return nil, errors.InvalidInput(err.Error())
	}

	if opts.ResumeSessionID != "" {
		s.mu.Lock()
		if _, live := s.processes[opts.ResumeSessionID]; live {
			s.mu.Unlock()
			return nil, errors.InvalidInput("session already has a live process")
		}
		delete(s.external, opts.ResumeSessionID)
		s.mu.Unlock()
	}

	placeholder := opts.ResumeSessionID
	if placeholder == "" {
		placeholder = "pending-" + uuid.NewString()
	}

	proc := &procBuilder{}
	sess, err := a.StartSession(ctx, adapter.StartOptions{
		CWD:             projectPath,
		Model:           opts.Model,
		ResumeSessionID: opts.ResumeSessionID,
		PermissionMode:  opts.PermissionMode,
		InitialMessage:  opts.InitialMessage,
		OnPermission:    proc.onPermission,
	})
	if err != nil {
		return nil, errors.InternalError("failed to start agent", err)
	}

	p := process.New(process.Options{
		ProjectPath:    projectPath,
		ProjectID:      projectID,
		SessionID:      placeholder,
		Family:         family,
		PermissionMode: opts.PermissionMode,
		Session:        sess,
		Logger:         s.logger,
	})
	proc.set(p)

	s.mu.Lock()
	s.processes[placeholder] = p
	s.mu.Unlock()

	p.Subscribe(func(ev process.Event) {
		switch ev.Type {
		case process.EventSessionIDChanged:
			s.rekey(ev.OldSessionID, ev.SessionID, p)
		case process.EventTerminated:
			s.unregister(p, ev.Error)
		}
	})

	s.publishActivity(events.SubjectSessionActive, map[string]any{
		"session_id": placeholder,
		"project_id": projectID,
		"family":     family,
	})

	s.logger.Info("session started",
		zap.String("project_id", projectID),
		zap.String("session_id", placeholder),
		zap.String("family", family))
	return p, nil
}

// rekey moves a process from its placeholder id to the real one and clears
// any stale external tracking for that id.
func (s *Supervisor) rekey(oldID, newID string, p *process.Process) {
	s.mu.Lock()
	if s.processes[oldID] == p {
		delete(s.processes, oldID)
	}
	s.processes[newID] = p
	delete(s.external, newID)
	s.mu.Unlock()

	s.publishActivity(events.SubjectSessionActive, map[string]any{
		"session_id":     newID,
		"old_session_id": oldID,
		"project_id":     p.ProjectID(),
	})
}

func (s *Supervisor) unregister(p *process.Process, errMsg string) {
	id := p.SessionID()
	s.mu.Lock()
	if s.processes[id] == p {
		delete(s.processes, id)
	}
	s.mu.Unlock()

	data := map[string]any{
		"session_id": id,
		"project_id": p.ProjectID(),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	s.publishActivity(events.SubjectSessionTerminated, data)
}

// UpdateExternalTrackers scans transcript directories for files modified
// since the last poll and marks sessions without a local process as
// external. Stale external entries decay to none.
func (s *Supervisor) UpdateExternalTrackers() {
	now := time.Now()
	s.mu.Lock()
	since := s.lastPoll
	s.lastPoll = now
	s.mu.Unlock()

	var changed []string
	for _, r := range s.scanner.Readers() {
		dirs, err := r.ProjectDirs()
		if err != nil {
			continue
		}
		for _, d := range dirs {
			if !since.IsZero() && !d.LastActivity.After(since) {
				continue
			}
			projectID := session.EncodeProjectID(d.Path)
			summaries, err := r.ListSessions(projectID)
			if err != nil {
				continue
			}
			for _, sum := range summaries {
				if since.IsZero() || sum.FileMtime.After(since) {
					changed = append(changed, sum.ID)
				}
			}
		}
	}

	s.mu.Lock()
	for _, id := range changed {
		if _, live := s.processes[id]; !live {
			s.external[id] = now
		}
	}
	for id, seen := range s.external {
		if now.Sub(seen) >= externalTTL {
			delete(s.external, id)
		}
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publishActivity(events.SubjectProjectUpdated, map[string]any{
			"changed_sessions": len(changed),
		})
	}
}

// RunExternalTracking polls transcript activity until ctx ends.
func (s *Supervisor) RunExternalTracking(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UpdateExternalTrackers()
		}
	}
}

// Shutdown aborts every live process.
func (s *Supervisor) Shutdown() {
	for _, p := range s.Processes() {
		p.Abort()
	}
}

func (s *Supervisor) publishActivity(subject string, data map[string]any) {
	err := s.bus.Publish(context.Background(), subject,
		events.NewEvent(subject, "supervisor", data))
	if err != nil {
		s.logger.Warn("activity publish failed", zap.Error(err))
	}
}

// procBuilder breaks the construction cycle between the adapter session
// (which needs a permission handler) and the process (which needs the
// session). Prompts arriving before the process exists are denied.
type procBuilder struct {
	mu sync.Mutex
	p  *process.Process
}

func (b *procBuilder) set(p *process.Process) {
	b.mu.Lock()
	b.p = p
	b.mu.Unlock()
}

func (b *procBuilder) onPermission(ctx context.Context, req *adapter.PermissionRequest) (*adapter.PermissionResponse, error) {
	b.mu.Lock()
	p := b.p
	b.mu.Unlock()
	if p == nil {
		return &adapter.PermissionResponse{
			Behavior: adapter.BehaviorDeny,
			Message:  "process not ready",
		}, nil
	}
	return p.HandleToolApproval(ctx, req.ToolName, req.Input)
}
