package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outposthq/outpost/internal/common/logger"
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

// fakeRendezvous is a scripted relay server. Each accepted connection is
// driven by the serve callback.
type fakeRendezvous struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns int
}

func newFakeRendezvous(t *testing.T, serve func(conn int, ws *websocket.Conn)) *fakeRendezvous {
	f := &fakeRendezvous{t: t}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns++
		n := f.conns
		f.mu.Unlock()
		serve(n, ws)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRendezvous) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeRendezvous) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func readRegister(t *testing.T, ws *websocket.Conn) controlMessage {
	t.Helper()
	var msg controlMessage
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, typeServerRegister, msg.Type)
	return msg
}

func TestRegisterAndWait(t *testing.T) {
	registered := make(chan controlMessage, 1)
	f := newFakeRendezvous(t, func(conn int, ws *websocket.Conn) {
		msg := readRegister(t, ws)
		registered <- msg
		_ = ws.WriteJSON(controlMessage{Type: typeServerRegistered})
		// Keepalives must not disturb the waiting state.
		_ = ws.WriteJSON(controlMessage{Type: typeServerKeepalive})
		// Hold the socket open.
		_, _, _ = ws.ReadMessage()
	})

	c := New(func(*websocket.Conn, []byte) {}, testLogger(t))
	c.Start(Config{URL: f.url(), Username: "alice", InstallID: "install-1"})
	t.Cleanup(c.Stop)

	select {
	case msg := <-registered:
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "install-1", msg.InstallID)
	case <-time.After(2 * time.Second):
		t.Fatal("no register message")
	}

	require.Eventually(t, func() bool { return c.GetState() == StateWaiting },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsEnabled())
}

func TestClaimHandsOffAndReconnects(t *testing.T) {
	claim := []byte(`{"type":"srp_hello","identity":"alice"}`)
	f := newFakeRendezvous(t, func(conn int, ws *websocket.Conn) {
		readRegister(t, ws)
		_ = ws.WriteJSON(controlMessage{Type: typeServerRegistered})
		if conn == 1 {
			// First connection gets claimed by a phone.
			_ = ws.WriteMessage(websocket.TextMessage, claim)
		}
		_, _, _ = ws.ReadMessage()
	})

	type handoff struct {
		ws    *websocket.Conn
		first []byte
	}
	claimed := make(chan handoff, 1)
	c := New(func(ws *websocket.Conn, first []byte) {
		claimed <- handoff{ws, first}
	}, testLogger(t))
	c.Start(Config{URL: f.url(), Username: "alice"})
	t.Cleanup(c.Stop)

	select {
	case h := <-claimed:
		require.NotNil(t, h.ws)
		assert.Equal(t, claim, h.first)
	case <-time.After(2 * time.Second):
		t.Fatal("socket never handed off")
	}

	// The client opens a replacement connection immediately.
	require.Eventually(t, func() bool { return f.connections() >= 2 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.GetState() == StateWaiting },
		2*time.Second, 5*time.Millisecond)
}

func TestRejectedStopsReconnecting(t *testing.T) {
	f := newFakeRendezvous(t, func(conn int, ws *websocket.Conn) {
		readRegister(t, ws)
		_ = ws.WriteJSON(controlMessage{Type: typeServerRejected, Reason: "username taken"})
		_ = ws.Close()
	})

	c := New(func(*websocket.Conn, []byte) {}, testLogger(t))
	c.Start(Config{URL: f.url(), Username: "alice"})
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool { return c.GetState() == StateRejected },
		2*time.Second, 5*time.Millisecond)

	// No further dials after a rejection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.connections())
}

func TestStopTransitionsToStopped(t *testing.T) {
	f := newFakeRendezvous(t, func(conn int, ws *websocket.Conn) {
		readRegister(t, ws)
		_ = ws.WriteJSON(controlMessage{Type: typeServerRegistered})
		_, _, _ = ws.ReadMessage()
	})

	c := New(func(*websocket.Conn, []byte) {}, testLogger(t))
	c.Start(Config{URL: f.url(), Username: "alice"})

	require.Eventually(t, func() bool { return c.GetState() == StateWaiting },
		2*time.Second, 5*time.Millisecond)

	c.Stop()
	assert.Equal(t, StateStopped, c.GetState())
	assert.False(t, c.IsEnabled())

	// A stale connection must not resurrect the state.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStopped, c.GetState())
}

func TestUpdateUsernameWhileStopped(t *testing.T) {
	c := New(func(*websocket.Conn, []byte) {}, testLogger(t))
	c.UpdateUsername("bob")
	assert.Equal(t, StateStopped, c.GetState())
	assert.False(t, c.IsEnabled())
}
