package msgqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPullOrder(t *testing.T) {
	q := New()

	first := q.Push("first", nil)
	second := q.Push("second", nil)
	third := q.Push("third", nil)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []Message{first, second, third} {
		got, ok := q.Pull(ctx)
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Text, got.Text)
	}
	assert.Equal(t, 0, q.Len())
}

func TestPullBlocksUntilPush(t *testing.T) {
	q := New()

	got := make(chan Message, 1)
	go func() {
		msg, ok := q.Pull(context.Background())
		if ok {
			got <- msg
		}
	}()

	// Give the consumer a moment to block.
	time.Sleep(20 * time.Millisecond)
	pushed := q.Push("wake up", nil)

	select {
	case msg := <-got:
		assert.Equal(t, pushed.ID, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("pull did not wake on push")
	}
}

func TestPullReturnsOnContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pull(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pull did not return on cancel")
	}
}

func TestCloseDrainsThenEnds(t *testing.T) {
	q := New()
	q.Push("last words", nil)
	q.Close()

	ctx := context.Background()
	msg, ok := q.Pull(ctx)
	require.True(t, ok)
	assert.Equal(t, "last words", msg.Text)

	_, ok = q.Pull(ctx)
	assert.False(t, ok)

	// Pushes after close are dropped.
	q.Push("too late", nil)
	assert.Equal(t, 0, q.Len())
}

func TestAttachmentsRoundTrip(t *testing.T) {
	q := New()
	atts := []Attachment{{Type: "image", Data: "aGVsbG8=", MimeType: "image/png"}}
	q.Push("with attachment", atts)

	msg, ok := q.Pull(context.Background())
	require.True(t, ok)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "image/png", msg.Attachments[0].MimeType)
}

func TestSnapshotDoesNotConsume(t *testing.T) {
	q := New()
	q.Push("a", nil)
	q.Push("b", nil)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Text)
	assert.Equal(t, 2, q.Len())
}
