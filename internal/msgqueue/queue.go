// Package msgqueue provides the per-process FIFO of user inputs.
//
// The queue is single-producer / single-consumer: the transport (or HTTP
// layer) pushes user utterances, the agent adapter pulls them one at a time.
// Queued messages are best-effort and transient; they do not survive a
// supervisor restart.
package msgqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attachment represents an attachment (image) in a queued message.
type Attachment struct {
	Type     string `json:"type"`      // "image"
	Data     string `json:"data"`      // base64 data
	MimeType string `json:"mime_type"` // MIME type
}

// Message is one queued user input.
type Message struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	QueuedAt    time.Time    `json:"queued_at"`
}

// Queue is a FIFO with a blocking pull. Push never blocks and never fails;
// Pull suspends until the next push or Close. Delivery is exactly-once in
// push order with no coalescing.
type Queue struct {
	mu     sync.Mutex
	buf    []Message
	wake   chan struct{}
	closed bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends a message and returns it with its assigned id. Pushing to a
// closed queue is a no-op; the returned message still carries an id so
// callers can report it.
func (q *Queue) Push(text string, attachments []Attachment) Message {
	msg := Message{
		ID:          uuid.New().String(),
		Text:        text,
		Attachments: attachments,
		QueuedAt:    time.Now().UTC(),
	}

	q.mu.Lock()
	if !q.closed {
		q.buf = append(q.buf, msg)
	}
	q.mu.Unlock()

	q.signal()
	return msg
}

// Pull removes and returns the head message, blocking until one is available.
// It returns ok=false once the queue is closed and drained, or when ctx is
// cancelled.
func (q *Queue) Pull(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			msg := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Message{}, false
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Close wakes the consumer. Messages already pushed remain pullable; once
// the buffer drains, Pull returns ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Snapshot returns a copy of the queued messages, head first. Used by the
// process layer so late-joining viewers can deduplicate queued user inputs
// against transcript replays.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.buf))
	copy(out, q.buf)
	return out
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
