package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/errors"
	"github.com/outposthq/outpost/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 * 1024

	// gzipThreshold selects format 0x03 for large payloads when the client
	// accepts it.
	gzipThreshold = 1024
)

// Handshake phases. The SRP sequence is strictly ordered per connection.
type authPhase int

const (
	phaseHello authPhase = iota
	phaseProof
	phaseReady
)

type outFrame struct {
	messageType int
	data        []byte
}

// Conn is one client connection, direct or relayed. All frame writes go
// through the send channel so concurrent producers never interleave.
type Conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *logger.Logger

	send chan outFrame
	done chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	phase         authPhase
	srp           *authHandshake
	identity      string
	sessionKey    []byte
	authSessionID string
	acceptGzip    bool
	useEnvelope   bool

	subs    map[string]*subscription
	uploads map[string]*upload
}

func newConn(srv *Server, ws *websocket.Conn) *Conn {
	return &Conn{
		srv:     srv,
		ws:      ws,
		logger:  srv.logger.WithFields(zap.String("remote", ws.RemoteAddr().String())),
		send:    make(chan outFrame, srv.sendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]*subscription),
		uploads: make(map[string]*upload),
	}
}

// run serves the connection until it closes. preread frames (from a relay
// claim) are processed before the socket is read.
func (c *Conn) run(preread [][]byte) {
	go c.writePump()

	for _, data := range preread {
		c.handleRaw(websocket.TextMessage, data)
	}
	c.readPump()
}

func (c *Conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		if !c.handleRaw(mt, data) {
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
			if frame.messageType == websocket.CloseMessage {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drainSend()
			return
		}
	}
}

// drainSend flushes whatever is already queued when the connection winds
// down, so a close frame never overtakes messages enqueued before it.
func (c *Conn) drainSend() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
			if frame.messageType == websocket.CloseMessage {
				return
			}
		default:
			return
		}
	}
}

// handleRaw processes one frame; false means the connection must end.
func (c *Conn) handleRaw(messageType int, data []byte) bool {
	switch messageType {
	case websocket.TextMessage:
		return c.handleText(data)
	case websocket.BinaryMessage:
		return c.handleBinary(data)
	}
	return true
}

func (c *Conn) handleText(data []byte) bool {
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping unparseable text frame", zap.Error(err))
		return true
	}

	switch msg.Type {
	case TypeSRPHello:
		return c.handleHello(&msg)
	case TypeSRPProof:
		return c.handleProof(&msg)
	case TypeSRPResume:
		return c.handleResume(&msg)
	}

	if !c.authenticated() {
		c.sendPlain(&WireMessage{
			Type: TypeSRPError, Code: SRPErrInvalidProof,
			Message: "authentication required",
		})
		c.closeWith(errors.CloseAuthRequired, "authentication required")
		return false
	}
	return c.dispatch(&msg)
}

func (c *Conn) handleBinary(data []byte) bool {
	if !c.authenticated() {
		c.closeWith(errors.CloseAuthRequired, "authentication required")
		return false
	}

	c.mu.Lock()
	key := c.sessionKey
	c.useEnvelope = true
	c.mu.Unlock()

	format, payload, err := ParseEnvelope(data, key)
	if err != nil {
		var perr *ParseError
		if e, ok := err.(*ParseError); ok {
			perr = e
		}
		if perr != nil && perr.Fatal() {
			c.logger.Warn("fatal envelope error", zap.String("code", perr.Code))
			c.closeWith(errors.CloseBadFrame, perr.Code)
			return false
		}
		c.logger.Warn("dropping undecodable envelope", zap.Error(err))
		return true
	}

	switch format {
	case FormatJSON:
		return c.handleInnerJSON(payload)
	case FormatGzipJSON:
		expanded, err := GunzipJSON(payload)
		if err != nil {
			c.logger.Warn("dropping bad gzip payload", zap.Error(err))
			return true
		}
		return c.handleInnerJSON(expanded)
	case FormatUploadChunk:
		chunk, err := ParseUploadChunk(payload)
		if err != nil {
			c.logger.Warn("dropping bad upload chunk", zap.Error(err))
			return true
		}
		c.handleBinaryChunk(chunk)
		return true
	}
	return true
}

func (c *Conn) handleInnerJSON(payload []byte) bool {
	var msg WireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("dropping unparseable inner payload", zap.Error(err))
		return true
	}
	return c.dispatch(&msg)
}

// dispatch routes an authenticated message.
func (c *Conn) dispatch(msg *WireMessage) bool {
	switch msg.Type {
	case TypeRequest:
		c.handleRequest(msg)
	case TypeSubscribe:
		c.handleSubscribe(msg)
	case TypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case TypeUploadStart:
		c.handleUploadStart(msg)
	case TypeUploadChunk:
		c.handleJSONChunk(msg)
	case TypeClientCapabilities:
		c.handleCapabilities(msg)
	case TypeSRPHello, TypeSRPProof, TypeSRPResume:
		// Already authenticated; out-of-order SRP is a protocol error.
		c.sendPlain(&WireMessage{
			Type: TypeSRPError, Code: SRPErrServerError,
			Message: "handshake already complete",
		})
	default:
		c.sendMessage(&WireMessage{
			Type: TypeError, Code: errors.ErrCodeInvalidInput,
			Message: "unknown message type: " + msg.Type,
		})
	}
	return true
}

func (c *Conn) handleCapabilities(msg *WireMessage) {
	c.mu.Lock()
	for _, f := range msg.Formats {
		if f == FormatGzipJSON {
			c.acceptGzip = true
		}
	}
	c.mu.Unlock()
}

func (c *Conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseReady
}

// sendPlain writes a plaintext JSON text frame (SRP phase and errors that
// must stay readable without a key).
func (c *Conn) sendPlain(msg *WireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal failed", zap.Error(err))
		return
	}
	c.enqueue(outFrame{messageType: websocket.TextMessage, data: data})
}

// sendMessage writes a message in the client's negotiated mode: encrypted
// envelope once the client has used one, plaintext JSON otherwise.
func (c *Conn) sendMessage(msg *WireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	key := c.sessionKey
	envelope := c.useEnvelope && key != nil
	gzipOK := c.acceptGzip
	c.mu.Unlock()

	if !envelope {
		c.enqueue(outFrame{messageType: websocket.TextMessage, data: data})
		return
	}

	format := FormatJSON
	payload := data
	if gzipOK && len(data) >= gzipThreshold {
		if compressed, err := GzipJSON(data); err == nil && len(compressed) < len(data) {
			format = FormatGzipJSON
			payload = compressed
		}
	}
	sealed, err := EncodeEnvelope(format, payload, key)
	if err != nil {
		c.logger.Error("envelope seal failed", zap.Error(err))
		return
	}
	c.enqueue(outFrame{messageType: websocket.BinaryMessage, data: sealed})
}

// enqueue hands a frame to the write pump. A full buffer means the client
// cannot drain fast enough; the connection is dropped rather than letting
// the producer (and through it a process driver) stall.
func (c *Conn) enqueue(frame outFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.logger.Warn("send buffer overflow, dropping connection")
		_ = c.ws.Close()
	}
}

// closeWith queues a close control frame with a specific code. The write
// pump owns the socket, so the frame goes through the send channel and is
// emitted after anything already queued.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.enqueue(outFrame{
			messageType: websocket.CloseMessage,
			data:        websocket.FormatCloseMessage(code, reason),
		})
	})
}

// teardown cancels subscriptions and uploads, then drops the connection.
func (c *Conn) teardown() {
	c.mu.Lock()
	subs := c.subs
	uploads := c.uploads
	c.subs = make(map[string]*subscription)
	c.uploads = make(map[string]*upload)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, up := range uploads {
		up.abort()
	}

	// The write pump closes the socket once it has drained the send queue.
	close(c.done)

	c.mu.Lock()
	sessionID := c.authSessionID
	c.mu.Unlock()
	if sessionID != "" {
		if err := c.srv.sessions.Touch(sessionID); err != nil {
			c.logger.Warn("session touch failed", zap.Error(err))
		}
	}
	c.logger.Debug("connection closed")
}
