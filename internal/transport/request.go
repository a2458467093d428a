package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/errors"
)

// Headers added to tunneled requests so handlers can tell them apart from
// direct HTTP.
const (
	headerTransport   = "X-Outpost-Transport"
	headerAuthSession = "X-Outpost-Auth-Session"
)

// responseCapture collects the routed handler's response for re-framing.
type responseCapture struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{status: http.StatusOK, header: make(http.Header)}
}

func (r *responseCapture) Header() http.Header { return r.header }

func (r *responseCapture) WriteHeader(status int) { r.status = status }

func (r *responseCapture) Write(p []byte) (int, error) { return r.body.Write(p) }

// handleRequest tunnels a request message through the same handler stack
// that serves direct HTTP.
func (c *Conn) handleRequest(msg *WireMessage) {
	if msg.ID == "" || msg.Method == "" || msg.Path == "" {
		c.sendMessage(&WireMessage{
			Type: TypeResponse, ID: msg.ID, Status: http.StatusBadRequest,
			Body: errorBody("id, method and path are required"),
		})
		return
	}
	if !strings.HasPrefix(msg.Path, "/") {
		c.sendMessage(&WireMessage{
			Type: TypeResponse, ID: msg.ID, Status: http.StatusBadRequest,
			Body: errorBody("path must be absolute"),
		})
		return
	}

	req, err := http.NewRequest(strings.ToUpper(msg.Method), msg.Path, bytes.NewReader(msg.Body))
	if err != nil {
		c.sendMessage(&WireMessage{
			Type: TypeResponse, ID: msg.ID, Status: http.StatusBadRequest,
			Body: errorBody("malformed request: " + err.Error()),
		})
		return
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(msg.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerTransport, "websocket")
	c.mu.Lock()
	req.Header.Set(headerAuthSession, c.authSessionID)
	c.mu.Unlock()
	req.RemoteAddr = c.ws.RemoteAddr().String()

	rec := newResponseCapture()
	c.srv.router.ServeHTTP(rec, req)

	headers := make(map[string]string, len(rec.header))
	for k := range rec.header {
		headers[k] = rec.header.Get(k)
	}

	respBody := rec.body.Bytes()
	if !json.Valid(respBody) {
		encoded, err := json.Marshal(string(respBody))
		if err != nil {
			c.logger.Error("response encode failed", zap.Error(err))
			encoded = errorBody("response encoding failed")
		}
		respBody = encoded
	}

	c.sendMessage(&WireMessage{
		Type:    TypeResponse,
		ID:      msg.ID,
		Status:  rec.status,
		Headers: headers,
		Body:    respBody,
	})
}

func errorBody(message string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{
		"error": message,
		"code":  errors.ErrCodeInvalidInput,
	})
	return data
}
