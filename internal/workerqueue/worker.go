package workerqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/logger"
)

// StartFunc performs one start-session request and returns its terminal
// result.
type StartFunc func(ctx context.Context, req *Request) Result

// Worker drains the queue, running at most one start per project at a time.
type Worker struct {
	queue  *Queue
	start  StartFunc
	logger *logger.Logger

	mu       sync.Mutex
	inflight map[string]bool // project id
}

// NewWorker creates a worker over the queue.
func NewWorker(q *Queue, start StartFunc, log *logger.Logger) *Worker {
	return &Worker{
		queue:    q,
		start:    start,
		logger:   log.WithFields(zap.String("component", "worker")),
		inflight: make(map[string]bool),
	}
}

// Run processes queued requests until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		w.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.queue.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts head requests for every project without an in-flight
// start.
func (w *Worker) dispatch(ctx context.Context) {
	for _, projectID := range w.queue.nonEmptyProjects() {
		w.mu.Lock()
		busy := w.inflight[projectID]
		if !busy {
			w.inflight[projectID] = true
		}
		w.mu.Unlock()
		if busy {
			continue
		}

		req := w.queue.Dequeue(projectID)
		if req == nil {
			w.release(projectID)
			continue
		}

		go func(projectID string, req *Request) {
			defer w.release(projectID)
			res := w.start(ctx, req)
			if !req.Resolve(res) {
				// Cancelled while starting; nothing to report.
				return
			}
			if res.Status == StatusFailed {
				w.logger.Warn("queued start failed",
					zap.String("queue_id", req.QueueID),
					zap.String("project_id", projectID),
					zap.String("error", res.Error))
			}
		}(projectID, req)
	}
}

func (w *Worker) release(projectID string) {
	w.mu.Lock()
	delete(w.inflight, projectID)
	w.mu.Unlock()
	w.queue.signal()
}
