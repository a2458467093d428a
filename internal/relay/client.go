// Package relay maintains the outbound rendezvous connection that lets
// phones reach the supervisor without inbound connectivity.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/logger"
)

// States of the relay connection.
const (
	StateStopped     = "stopped"
	StateConnecting  = "connecting"
	StateRegistering = "registering"
	StateWaiting     = "waiting"
	StateRejected    = "rejected"
)

// Backoff parameters for reconnects.
const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Relay control message types.
const (
	typeServerRegister   = "server_register"
	typeServerRegistered = "server_registered"
	typeServerRejected   = "server_rejected"
	typeServerKeepalive  = "server_keepalive"
)

// controlMessage is the relay's control envelope.
type controlMessage struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	InstallID string `json:"installId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HandoffFunc adopts a claimed socket. The raw first non-control message is
// passed untouched; the callee owns the socket afterwards.
type HandoffFunc func(ws *websocket.Conn, firstMessage []byte)

// Config is the relay connection settings.
type Config struct {
	URL       string
	Username  string
	InstallID string
}

// Client keeps one outbound WebSocket registered with the rendezvous
// server and hands claimed sockets to the transport.
type Client struct {
	handoff HandoffFunc
	logger  *logger.Logger
	dialer  *websocket.Dialer

	mu       sync.Mutex
	cfg      Config
	state    string
	enabled  bool
	attempts int
	cancel   context.CancelFunc
	gen      int // connection generation; bumped on every restart
}

// New creates a stopped relay client.
func New(handoff HandoffFunc, log *logger.Logger) *Client {
	return &Client{
		handoff: handoff,
		logger:  log.WithFields(zap.String("component", "relay")),
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		state:   StateStopped,
	}
}

// Start begins maintaining the relay connection.
func (c *Client) Start(cfg Config) {
	c.mu.Lock()
	if c.enabled {
		c.mu.Unlock()
		c.Stop()
		c.mu.Lock()
	}
	c.cfg = cfg
	c.enabled = true
	c.attempts = 0
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.runLoop(ctx, gen)
}

// Stop closes the connection and clears any reconnect timer.
func (c *Client) Stop() {
	c.mu.Lock()
	c.enabled = false
	c.state = StateStopped
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

// UpdateRelayURL changes the rendezvous endpoint and restarts.
func (c *Client) UpdateRelayURL(url string) {
	c.mu.Lock()
	cfg := c.cfg
	enabled := c.enabled
	c.mu.Unlock()
	cfg.URL = url
	if enabled {
		c.Start(cfg)
	} else {
		c.mu.Lock()
		c.cfg = cfg
		c.mu.Unlock()
	}
}

// UpdateUsername changes the registered username and restarts.
func (c *Client) UpdateUsername(name string) {
	c.mu.Lock()
	cfg := c.cfg
	enabled := c.enabled
	c.mu.Unlock()
	cfg.Username = name
	if enabled {
		c.Start(cfg)
	} else {
		c.mu.Lock()
		c.cfg = cfg
		c.mu.Unlock()
	}
}

// GetState returns the current connection state.
func (c *Client) GetState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsEnabled reports whether the client is maintaining a connection.
func (c *Client) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// setState updates state only while this generation is current.
func (c *Client) setState(gen int, state string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.enabled {
		return false
	}
	c.state = state
	return true
}

// runLoop dials and serves connections until cancelled or rejected.
func (c *Client) runLoop(ctx context.Context, gen int) {
	for {
		if ctx.Err() != nil {
			return
		}
		outcome := c.runOnce(ctx, gen)
		switch outcome {
		case outcomeRejected:
			c.setState(gen, StateRejected)
			return
		case outcomeStopped:
			return
		case outcomeClaimed:
			// Reconnect immediately to stay reachable.
			continue
		}

		// Disconnected; back off exponentially.
		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()
		delay := backoffBase << (attempts - 1)
		if delay > backoffCap || delay <= 0 {
			delay = backoffCap
		}
		c.logger.Debug("relay reconnect scheduled",
			zap.Duration("delay", delay), zap.Int("attempts", attempts))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

type outcome int

const (
	outcomeDisconnected outcome = iota
	outcomeRejected
	outcomeStopped
	outcomeClaimed
)

// runOnce dials, registers and waits for a claim on one socket.
func (c *Client) runOnce(ctx context.Context, gen int) outcome {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	if !c.setState(gen, StateConnecting) {
		return outcomeStopped
	}
	ws, _, err := c.dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		c.logger.Debug("relay dial failed", zap.String("url", cfg.URL), zap.Error(err))
		return outcomeDisconnected
	}

	// Close the socket when this generation is cancelled so reads unblock.
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-closed:
		}
	}()

	register := controlMessage{
		Type:      typeServerRegister,
		Username:  cfg.Username,
		InstallID: cfg.InstallID,
	}
	if err := ws.WriteJSON(register); err != nil {
		_ = ws.Close()
		return outcomeDisconnected
	}
	if !c.setState(gen, StateRegistering) {
		_ = ws.Close()
		return outcomeStopped
	}

	registered := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			if ctx.Err() != nil {
				return outcomeStopped
			}
			return outcomeDisconnected
		}

		var ctrl controlMessage
		isControl := json.Unmarshal(data, &ctrl) == nil &&
			(ctrl.Type == typeServerRegistered || ctrl.Type == typeServerRejected ||
				ctrl.Type == typeServerKeepalive)

		if !registered {
			if !isControl {
				// Nothing but control traffic is valid before registration.
				_ = ws.Close()
				return outcomeDisconnected
			}
			switch ctrl.Type {
			case typeServerRegistered:
				registered = true
				c.mu.Lock()
				c.attempts = 0
				c.mu.Unlock()
				if !c.setState(gen, StateWaiting) {
					_ = ws.Close()
					return outcomeStopped
				}
				c.logger.Info("relay registered", zap.String("username", cfg.Username))
			case typeServerRejected:
				c.logger.Warn("relay registration rejected", zap.String("reason", ctrl.Reason))
				_ = ws.Close()
				return outcomeRejected
			}
			continue
		}

		if isControl {
			if ctrl.Type == typeServerRejected {
				_ = ws.Close()
				return outcomeRejected
			}
			continue // keepalive or duplicate registered
		}

		// First non-control message is a claim: hand the socket off and
		// open a fresh one.
		c.logger.Info("relay connection claimed")
		c.handoff(ws, data)
		return outcomeClaimed
	}
}
