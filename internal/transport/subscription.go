package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/errors"
	"github.com/outposthq/outpost/internal/events"
	"github.com/outposthq/outpost/internal/process"
)

// heartbeatInterval is the per-subscription keepalive cadence.
const heartbeatInterval = 30 * time.Second

// subscription is one active channel subscription on a connection. Events
// carry a per-subscription eventId that is strictly monotonic.
type subscription struct {
	id      string
	channel string
	conn    *Conn

	mu      sync.Mutex
	eventID uint64
	started bool
	backlog []json.RawMessage // events buffered until the preamble is sent
	stop    chan struct{}
	undo    func() // detaches from the process or bus
	stopped bool
}

// emit sends one event with the next eventId; before start it buffers. The
// id assignment and the hand-off to the writer stay under the lock so ids
// enter the send queue in increasing order.
func (s *subscription) emit(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.conn.logger.Error("event marshal failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.backlog = append(s.backlog, data)
		return
	}
	s.eventID++
	s.conn.sendMessage(&WireMessage{
		Type:           TypeEvent,
		SubscriptionID: s.id,
		EventID:        s.eventID,
		Event:          data,
	})
}

// start flushes the backlog accumulated behind the preamble. The lock is
// held across the whole flush so a concurrent emit cannot slip a live event
// ahead of the preamble.
func (s *subscription) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	for _, data := range s.backlog {
		s.eventID++
		s.conn.sendMessage(&WireMessage{
			Type:           TypeEvent,
			SubscriptionID: s.id,
			EventID:        s.eventID,
			Event:          data,
		})
	}
	s.backlog = nil
}

func (s *subscription) cancel() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.undo != nil {
		s.undo()
	}
	close(s.stop)
}

func (s *subscription) runHeartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.emit(map[string]any{"type": "heartbeat"})
		}
	}
}

// connectedPreamble is the synthetic first event on a session channel.
type connectedPreamble struct {
	Type             string                `json:"type"` // "connected"
	SessionID        string                `json:"session_id"`
	State            process.State         `json:"state"`
	Mode             string                `json:"mode"`
	ModeVersion      uint64                `json:"mode_version"`
	MessageHistory   json.RawMessage       `json:"message_history"`
	StreamingContent map[string]string     `json:"streaming_content,omitempty"`
	PendingRequest   *process.InputRequest `json:"pending_request,omitempty"`
}

func (c *Conn) handleSubscribe(msg *WireMessage) {
	if msg.SubscriptionID == "" {
		c.sendMessage(&WireMessage{
			Type: TypeError, Code: errors.ErrCodeInvalidInput,
			Message: "subscriptionId is required",
		})
		return
	}

	sub := &subscription{
		id:      msg.SubscriptionID,
		channel: msg.Channel,
		conn:    c,
		stop:    make(chan struct{}),
	}

	var err error
	switch msg.Channel {
	case ChannelSession:
		err = c.attachSessionChannel(sub, msg.SessionID)
	case ChannelActivity:
		err = c.attachActivityChannel(sub)
	default:
		err = errors.InvalidInput("unknown channel: " + msg.Channel)
	}
	if err != nil {
		c.sendMessage(&WireMessage{
			Type: TypeError, ID: msg.SubscriptionID,
			Code: codeOf(err), Message: err.Error(),
		})
		return
	}

	c.mu.Lock()
	if old, ok := c.subs[sub.id]; ok {
		go old.cancel()
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	c.sendMessage(&WireMessage{Type: TypeSubscribed, SubscriptionID: sub.id, Channel: sub.channel})
	sub.start()
	go sub.runHeartbeat()
}

func (c *Conn) handleUnsubscribe(msg *WireMessage) {
	c.mu.Lock()
	sub, ok := c.subs[msg.SubscriptionID]
	if ok {
		delete(c.subs, msg.SubscriptionID)
	}
	c.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// attachSessionChannel wires a subscription to a live process. The
// subscription registers first and buffers, so no event between snapshot
// and registration is lost; the connected preamble is emitted ahead of the
// backlog.
func (c *Conn) attachSessionChannel(sub *subscription, sessionID string) error {
	if sessionID == "" {
		return errors.InvalidInput("sessionId is required for the session channel")
	}
	proc := c.srv.supervisor.GetProcessForSession(sessionID)
	if proc == nil {
		return errors.NotFound("process", sessionID)
	}

	undo := proc.Subscribe(func(ev process.Event) {
		sub.emit(ev)
		if ev.Type == process.EventTerminated || ev.Type == process.EventComplete {
			go sub.cancel()
		}
	})
	sub.undo = undo

	history, err := json.Marshal(proc.GetMessageHistory())
	if err != nil {
		undo()
		return errors.InternalError("history snapshot failed", err)
	}
	mode, modeVersion := proc.Mode()
	sub.emitPreamble(&connectedPreamble{
		Type:             "connected",
		SessionID:        proc.SessionID(),
		State:            proc.State(),
		Mode:             string(mode),
		ModeVersion:      modeVersion,
		MessageHistory:   history,
		StreamingContent: proc.GetStreamingContent(),
		PendingRequest:   proc.GetPendingInputRequest(),
	})
	return nil
}

// emitPreamble puts the connected event at the head of the backlog.
func (s *subscription) emitPreamble(p *connectedPreamble) {
	data, err := json.Marshal(p)
	if err != nil {
		s.conn.logger.Error("preamble marshal failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.backlog = append([]json.RawMessage{data}, s.backlog...)
	s.mu.Unlock()
}

// attachActivityChannel wires a subscription to the activity bus.
func (c *Conn) attachActivityChannel(sub *subscription) error {
	busSub, err := c.srv.bus.Subscribe(">", func(ctx context.Context, ev *events.Event) error {
		sub.emit(ev)
		return nil
	})
	if err != nil {
		return errors.InternalError("activity subscribe failed", err)
	}
	sub.undo = func() {
		if err := busSub.Unsubscribe(); err != nil {
			c.logger.Warn("activity unsubscribe failed", zap.Error(err))
		}
	}
	return nil
}

func codeOf(err error) string {
	if e, ok := err.(*errors.AppError); ok {
		return e.Code
	}
	return errors.ErrCodeInternalError
}
