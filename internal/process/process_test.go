package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outposthq/outpost/internal/agent/adapter"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/msgqueue"
	"github.com/outposthq/outpost/internal/stream"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// recorder collects fan-out events for later inspection.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) countOf(typ EventType) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, ev := range r.snapshot() {
			if ev.Type == typ {
				found = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s event", typ)
	return found
}

// testProc bundles a process with its fake adapter stream. endStream closes
// the frame channel exactly once, however many paths reach it.
type testProc struct {
	p      *Process
	frames chan stream.Frame
	rec    *recorder

	closeOnce sync.Once
}

func (tp *testProc) endStream() {
	tp.closeOnce.Do(func() { close(tp.frames) })
}

func newTestProcess(t *testing.T, mode adapter.PermissionMode) (*Process, chan stream.Frame, *recorder) {
	t.Helper()
	tp := newTestProc(t, mode)
	return tp.p, tp.frames, tp.rec
}

func newTestProc(t *testing.T, mode adapter.PermissionMode) *testProc {
	t.Helper()
	tp := &testProc{
		frames: make(chan stream.Frame, 16),
		rec:    &recorder{},
	}
	sess := &adapter.Session{
		Stream: tp.frames,
		Queue:  msgqueue.New(),
		Abort:  tp.endStream,
	}
	tp.p = New(Options{
		ProjectPath:    "/tmp/proj",
		ProjectID:      "proj-1",
		SessionID:      "pending-1",
		Family:         "claude",
		PermissionMode: mode,
		Session:        sess,
		Logger:         testLogger(t),
	})
	tp.p.Subscribe(tp.rec.record)
	t.Cleanup(tp.endStream)
	return tp
}

func TestInitAdoptsRealSessionID(t *testing.T) {
	p, frames, rec := newTestProcess(t, adapter.ModeDefault)

	frames <- stream.Frame{Trigger: stream.TriggerInit, SessionID: "real-abc"}

	ev := rec.waitFor(t, EventSessionIDChanged)
	assert.Equal(t, "real-abc", ev.SessionID)
	assert.Equal(t, "pending-1", ev.OldSessionID)
	assert.Equal(t, "real-abc", p.SessionID())

	require.Eventually(t, func() bool { return p.State() == StateIdle },
		2*time.Second, 5*time.Millisecond)
}

func TestInitWithQueuedMessageEntersTurn(t *testing.T) {
	p, frames, _ := newTestProcess(t, adapter.ModeDefault)

	_, err := p.QueueMessage("do the thing", nil)
	require.NoError(t, err)

	frames <- stream.Frame{Trigger: stream.TriggerInit, SessionID: "real-abc"}

	require.Eventually(t, func() bool { return p.State() == StateInTurn },
		2*time.Second, 5*time.Millisecond)
}

func TestQueueMessageRecordsHistory(t *testing.T) {
	p, _, rec := newTestProcess(t, adapter.ModeDefault)

	pos, err := p.QueueMessage("hello agent", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	ev := rec.waitFor(t, EventMessage)
	require.NotNil(t, ev.Message)
	assert.Equal(t, stream.MessageTypeUser, ev.Message.Type)
	assert.Equal(t, "hello agent", ev.Message.Text)

	history := p.GetMessageHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "hello agent", history[0].Text)
}

func TestQueueMessageAfterTerminate(t *testing.T) {
	tp := newTestProc(t, adapter.ModeDefault)

	tp.endStream()
	tp.rec.waitFor(t, EventTerminated)

	_, err := tp.p.QueueMessage("too late", nil)
	assert.Error(t, err)
}

func TestApprovalsResolveSequentially(t *testing.T) {
	p, _, rec := newTestProcess(t, adapter.ModeDefault)

	type outcome struct{ resp *adapter.PermissionResponse }
	results := make(chan outcome, 2)
	ask := func(tool string) {
		resp, err := p.HandleToolApproval(context.Background(), tool, map[string]any{"command": "x"})
		require.NoError(t, err)
		results <- outcome{resp}
	}

	go ask("Bash")
	require.Eventually(t, func() bool { return rec.countOf(EventInputRequest) == 1 },
		2*time.Second, 5*time.Millisecond)
	first := p.GetPendingInputRequest()
	require.NotNil(t, first)

	go ask("KillShell")
	require.Eventually(t, func() bool { return rec.countOf(EventInputRequest) == 2 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateWaitingInput, p.State())

	// Answer the head, then the next head.
	require.True(t, p.RespondToInput(first.ID, "approve", nil))
	r1 := <-results
	assert.Equal(t, adapter.BehaviorAllow, r1.resp.Behavior)

	second := p.GetPendingInputRequest()
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	require.True(t, p.RespondToInput(second.ID, "deny", nil))
	r2 := <-results
	assert.Equal(t, adapter.BehaviorDeny, r2.resp.Behavior)

	assert.Nil(t, p.GetPendingInputRequest())
}

func TestRespondToUnknownRequest(t *testing.T) {
	p, _, _ := newTestProcess(t, adapter.ModeDefault)
	assert.False(t, p.RespondToInput("nope", "approve", nil))
}

func TestBypassAutoAllows(t *testing.T) {
	p, _, rec := newTestProcess(t, adapter.ModeBypassPermissions)

	resp, err := p.HandleToolApproval(context.Background(), "Bash", nil)
	require.NoError(t, err)
	assert.Equal(t, adapter.BehaviorAllow, resp.Behavior)
	assert.Equal(t, 0, rec.countOf(EventInputRequest))
}

func TestExitPlanModeApprovalResetsMode(t *testing.T) {
	p, _, rec := newTestProcess(t, adapter.ModePlan)

	done := make(chan *adapter.PermissionResponse, 1)
	go func() {
		resp, _ := p.HandleToolApproval(context.Background(), ToolExitPlanMode, nil)
		done <- resp
	}()

	ev := rec.waitFor(t, EventInputRequest)
	require.NotNil(t, ev.Request)
	require.True(t, p.RespondToInput(ev.Request.ID, "approve", nil))

	resp := <-done
	assert.Equal(t, adapter.BehaviorAllow, resp.Behavior)

	mode, version := p.Mode()
	assert.Equal(t, adapter.ModeDefault, mode)
	assert.Equal(t, uint64(1), version)

	change := rec.waitFor(t, EventModeChange)
	assert.Equal(t, adapter.ModeDefault, change.Mode)
}

func TestAskUserQuestionMergesAnswers(t *testing.T) {
	p, _, rec := newTestProcess(t, adapter.ModeDefault)

	input := map[string]any{"questions": []any{"pick one"}}
	done := make(chan *adapter.PermissionResponse, 1)
	go func() {
		resp, _ := p.HandleToolApproval(context.Background(), ToolAskUserQuestion, input)
		done <- resp
	}()

	ev := rec.waitFor(t, EventInputRequest)
	payload := map[string]any{"answers": []any{"option b"}}
	require.True(t, p.RespondToInput(ev.Request.ID, "approve", payload))

	resp := <-done
	assert.Equal(t, adapter.BehaviorAllow, resp.Behavior)
	require.NotNil(t, resp.UpdatedInput)
	assert.Equal(t, []any{"option b"}, resp.UpdatedInput["answers"])
	assert.Equal(t, []any{"pick one"}, resp.UpdatedInput["questions"])
}

func TestAbandonedApprovalDenies(t *testing.T) {
	p, _, rec := newTestProcess(t, adapter.ModeDefault)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *adapter.PermissionResponse, 1)
	go func() {
		resp, _ := p.HandleToolApproval(ctx, "Bash", nil)
		done <- resp
	}()

	rec.waitFor(t, EventInputRequest)
	cancel()

	resp := <-done
	assert.Equal(t, adapter.BehaviorDeny, resp.Behavior)
	assert.Contains(t, resp.Message, "abandoned")
	assert.Nil(t, p.GetPendingInputRequest())
}

func TestModeVersionBumpsOnlyOnChange(t *testing.T) {
	p, _, _ := newTestProcess(t, adapter.ModeDefault)

	require.NoError(t, p.SetPermissionMode(adapter.ModeDefault))
	_, version := p.Mode()
	assert.Equal(t, uint64(0), version)

	require.NoError(t, p.SetPermissionMode(adapter.ModeAcceptEdits))
	_, version = p.Mode()
	assert.Equal(t, uint64(1), version)

	require.NoError(t, p.SetPermissionMode(adapter.ModeAcceptEdits))
	_, version = p.Mode()
	assert.Equal(t, uint64(1), version)

	assert.Error(t, p.SetPermissionMode(adapter.PermissionMode("yolo")))
}

func TestHoldParksAndRestores(t *testing.T) {
	p, frames, _ := newTestProcess(t, adapter.ModeDefault)

	frames <- stream.Frame{Trigger: stream.TriggerInit, SessionID: "real-abc"}
	require.Eventually(t, func() bool { return p.State() == StateIdle },
		2*time.Second, 5*time.Millisecond)

	p.SetHold(true)
	assert.Equal(t, StateHold, p.State())
	p.SetHold(true) // idempotent
	assert.Equal(t, StateHold, p.State())

	p.SetHold(false)
	require.Eventually(t, func() bool { return p.State() == StateIdle },
		2*time.Second, 5*time.Millisecond)
}

func TestErrorFrameTerminates(t *testing.T) {
	p, frames, rec := newTestProcess(t, adapter.ModeDefault)

	frames <- stream.Frame{Trigger: stream.TriggerError, Err: "agent exploded"}

	ev := rec.waitFor(t, EventError)
	assert.Equal(t, "agent exploded", ev.Error)
	term := rec.waitFor(t, EventTerminated)
	assert.Equal(t, "agent exploded", term.Error)

	dead, msg := p.Terminated()
	assert.True(t, dead)
	assert.Equal(t, "agent exploded", msg)
	assert.Equal(t, StateTerminated, p.State())
}

func TestTerminateRejectsPendingApprovals(t *testing.T) {
	tp := newTestProc(t, adapter.ModeDefault)

	done := make(chan *adapter.PermissionResponse, 1)
	go func() {
		resp, _ := tp.p.HandleToolApproval(context.Background(), "Bash", nil)
		done <- resp
	}()
	tp.rec.waitFor(t, EventInputRequest)

	tp.endStream()

	resp := <-done
	assert.Equal(t, adapter.BehaviorDeny, resp.Behavior)
	assert.Contains(t, resp.Message, "terminated")
}

func TestStreamingContentAccumulatesAndClears(t *testing.T) {
	p, frames, rec := newTestProcess(t, adapter.ModeDefault)

	frames <- stream.Frame{Message: &stream.Message{
		ID: "msg-1", Type: stream.MessageTypeAssistant, Text: "Hello, ",
	}}
	frames <- stream.Frame{Message: &stream.Message{
		ID: "msg-1", Type: stream.MessageTypeAssistant, Text: "world.",
	}}

	require.Eventually(t, func() bool {
		return p.GetStreamingContent()["msg-1"] == "Hello, world."
	}, 2*time.Second, 5*time.Millisecond)

	frames <- stream.Frame{Trigger: stream.TriggerResult}
	require.Eventually(t, func() bool {
		return len(p.GetStreamingContent()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, rec.countOf(EventMessage), 2)
}

func TestSequenceStrictlyIncreases(t *testing.T) {
	p, frames, rec := newTestProcess(t, adapter.ModeDefault)

	frames <- stream.Frame{Trigger: stream.TriggerInit, SessionID: "real-abc"}
	_, err := p.QueueMessage("one", nil)
	require.NoError(t, err)
	_, err = p.QueueMessage("two", nil)
	require.NoError(t, err)
	require.NoError(t, p.SetPermissionMode(adapter.ModeAcceptEdits))

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 4 },
		2*time.Second, 5*time.Millisecond)

	events := rec.snapshot()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq,
			"event %d (%s) did not advance past %d (%s)",
			i, events[i].Type, i-1, events[i-1].Type)
	}
}

func TestStateChangesDeliveredInOrder(t *testing.T) {
	p, frames, rec := newTestProcess(t, adapter.ModeDefault)

	frames <- stream.Frame{Trigger: stream.TriggerInit, SessionID: "real-abc"}
	require.Eventually(t, func() bool { return p.State() == StateIdle },
		2*time.Second, 5*time.Millisecond)

	const toggles = 200
	for i := 0; i < toggles; i++ {
		p.SetHold(true)
		p.SetHold(false)
	}

	require.Eventually(t, func() bool {
		return rec.countOf(EventStateChange) >= 2*toggles
	}, 2*time.Second, 5*time.Millisecond)

	// Every transition must be visible as a change: a repeated state means
	// two events were delivered inverted.
	var states []State
	var seqs []uint64
	for _, ev := range rec.snapshot() {
		if ev.Type == EventStateChange {
			states = append(states, ev.State)
			seqs = append(seqs, ev.Seq)
		}
	}
	for i := 1; i < len(states); i++ {
		require.NotEqual(t, states[i-1], states[i],
			"state %q repeated at position %d", states[i], i)
		require.Greater(t, seqs[i], seqs[i-1])
	}
}
