// Package workerqueue provides the per-project FIFO of start-session
// requests with position tracking and cancellation.
package workerqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/agent/adapter"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/events"
)

// Request kinds.
const (
	KindNewSession    = "new-session"
	KindResumeSession = "resume-session"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Result is the terminal outcome of a queued request.
type Result struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Request is one queued start-session request. A worker resolves it exactly
// once; cancellation resolves it with StatusCancelled.
type Request struct {
	QueueID     string                 `json:"queue_id"`
	Kind        string                 `json:"kind"`
	ProjectID   string                 `json:"project_id"`
	ProjectPath string                 `json:"project_path"`
	SessionID   string                 `json:"session_id,omitempty"` // resume only
	Family      string                 `json:"family,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Mode        adapter.PermissionMode `json:"permission_mode,omitempty"`
	Message     string                 `json:"message,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`

	mu       sync.Mutex
	done     chan Result
	resolved bool
}

// Resolve completes the request. Only the first call wins.
func (r *Request) Resolve(res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	r.resolved = true
	r.done <- res
	return true
}

// Done returns the channel carrying the terminal result.
func (r *Request) Done() <-chan Result { return r.done }

// Entry is the externally visible queue position of a request.
type Entry struct {
	QueueID   string `json:"queue_id"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Position  int    `json:"position"` // 1-based head distance
}

// Queue is the project-scoped start-session FIFO.
type Queue struct {
	bus    *events.Bus
	logger *logger.Logger

	mu       sync.Mutex
	projects map[string][]*Request // project id -> FIFO
	byID     map[string]*Request
	wake     chan struct{}
}

// New creates an empty queue.
func New(bus *events.Bus, log *logger.Logger) *Queue {
	return &Queue{
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "worker-queue")),
		projects: make(map[string][]*Request),
		byID:     make(map[string]*Request),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends a request and returns it with its assigned id and
// 1-based position.
func (q *Queue) Enqueue(req *Request) (*Request, int) {
	req.QueueID = uuid.NewString()
	req.EnqueuedAt = time.Now().UTC()
	req.done = make(chan Result, 1)

	q.mu.Lock()
	q.projects[req.ProjectID] = append(q.projects[req.ProjectID], req)
	q.byID[req.QueueID] = req
	pos := len(q.projects[req.ProjectID])
	q.mu.Unlock()

	q.publish(events.SubjectQueueRequestAdded, map[string]any{
		"queue_id":   req.QueueID,
		"project_id": req.ProjectID,
		"kind":       req.Kind,
		"position":   pos,
	})
	q.signal()
	return req, pos
}

// Dequeue removes and returns the head request for a project, or nil.
// Remaining requests get position-changed events.
func (q *Queue) Dequeue(projectID string) *Request {
	q.mu.Lock()
	fifo := q.projects[projectID]
	if len(fifo) == 0 {
		q.mu.Unlock()
		return nil
	}
	head := fifo[0]
	q.projects[projectID] = fifo[1:]
	delete(q.byID, head.QueueID)
	shifted := append([]*Request(nil), q.projects[projectID]...)
	q.mu.Unlock()

	q.emitPositionChanges(projectID, shifted)
	return head
}

// Cancel resolves a request with StatusCancelled and removes it. Returns
// false for unknown ids.
func (q *Queue) Cancel(queueID string) bool {
	q.mu.Lock()
	req, ok := q.byID[queueID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.byID, queueID)
	fifo := q.projects[req.ProjectID]
	idx := -1
	for i, r := range fifo {
		if r.QueueID == queueID {
			idx = i
			break
		}
	}
	var shifted []*Request
	if idx >= 0 {
		q.projects[req.ProjectID] = append(fifo[:idx], fifo[idx+1:]...)
		// Only requests behind the removed one shift.
		shifted = append([]*Request(nil), q.projects[req.ProjectID][idx:]...)
	}
	q.mu.Unlock()

	req.Resolve(Result{Status: StatusCancelled})
	q.publish(events.SubjectQueueRequestRemoved, map[string]any{
		"queue_id":   queueID,
		"project_id": req.ProjectID,
		"reason":     "cancelled",
	})
	q.emitPositionChanges(req.ProjectID, shifted)
	return true
}

func (q *Queue) emitPositionChanges(projectID string, shifted []*Request) {
	q.mu.Lock()
	fifo := q.projects[projectID]
	positions := make(map[string]int, len(fifo))
	for i, r := range fifo {
		positions[r.QueueID] = i + 1
	}
	q.mu.Unlock()

	for _, r := range shifted {
		pos, ok := positions[r.QueueID]
		if !ok {
			continue
		}
		q.publish(events.SubjectQueuePositionChanged, map[string]any{
			"queue_id":   r.QueueID,
			"project_id": projectID,
			"position":   pos,
		})
	}
}

// FindBySessionID returns the queued resume request for a session, or nil.
func (q *Queue) FindBySessionID(sessionID string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, fifo := range q.projects {
		for _, r := range fifo {
			if r.SessionID == sessionID {
				return r
			}
		}
	}
	return nil
}

// GetQueueInfo returns a snapshot of a project's queue, head first.
func (q *Queue) GetQueueInfo(projectID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.projects[projectID]
	out := make([]Entry, 0, len(fifo))
	for i, r := range fifo {
		out = append(out, Entry{
			QueueID:   r.QueueID,
			Kind:      r.Kind,
			SessionID: r.SessionID,
			Position:  i + 1,
		})
	}
	return out
}

// GetPosition returns the 1-based position of a request, or 0 when absent.
func (q *Queue) GetPosition(queueID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[queueID]
	if !ok {
		return 0
	}
	for i, r := range q.projects[req.ProjectID] {
		if r.QueueID == queueID {
			return i + 1
		}
	}
	return 0
}

// Peek returns the head request for a project without removing it.
func (q *Queue) Peek(projectID string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.projects[projectID]
	if len(fifo) == 0 {
		return nil
	}
	return fifo[0]
}

// IsEmpty reports whether a project has no queued requests.
func (q *Queue) IsEmpty(projectID string) bool { return q.Length(projectID) == 0 }

// Length returns the number of queued requests for a project.
func (q *Queue) Length(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.projects[projectID])
}

// nonEmptyProjects snapshots project ids with pending work.
func (q *Queue) nonEmptyProjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for id, fifo := range q.projects {
		if len(fifo) > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(subject string, data map[string]any) {
	if q.bus == nil {
		return
	}
	err := q.bus.Publish(context.Background(), subject,
		events.NewEvent(subject, "worker-queue", data))
	if err != nil {
		q.logger.Warn("queue event publish failed", zap.Error(err))
	}
}
