package transport

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/common/errors"
)

// upload is one in-flight binary upload. Chunks must arrive in order: each
// offset must equal the bytes received so far.
type upload struct {
	id        string
	projectID string
	sessionID string
	filename  string
	size      int64
	mimeType  string
	path      string

	mu       sync.Mutex
	file     *os.File
	received int64
	done     bool
}

func (u *upload) abort() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return
	}
	u.done = true
	if u.file != nil {
		_ = u.file.Close()
	}
	_ = os.Remove(u.path)
}

func (c *Conn) handleUploadStart(msg *WireMessage) {
	if msg.UploadID == "" || msg.Filename == "" || msg.Size <= 0 {
		c.sendUploadError(msg.UploadID, "uploadId, filename and size are required")
		return
	}
	if _, err := uuid.Parse(msg.UploadID); err != nil {
		c.sendUploadError(msg.UploadID, "uploadId must be a UUID")
		return
	}

	dir := filepath.Join(c.srv.uploadDir, msg.UploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.sendUploadError(msg.UploadID, "upload storage unavailable")
		return
	}
	// Keep only the base name; clients cannot pick the on-disk location.
	path := filepath.Join(dir, filepath.Base(msg.Filename))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.sendUploadError(msg.UploadID, "cannot create upload file")
		return
	}

	up := &upload{
		id:        msg.UploadID,
		projectID: msg.ProjectID,
		sessionID: msg.SessionID,
		filename:  msg.Filename,
		size:      msg.Size,
		mimeType:  msg.MimeType,
		path:      path,
		file:      file,
	}

	c.mu.Lock()
	if old, ok := c.uploads[up.id]; ok {
		go old.abort()
	}
	c.uploads[up.id] = up
	c.mu.Unlock()

	c.sendMessage(&WireMessage{Type: TypeUploadProgress, UploadID: up.id, BytesReceived: 0})
	c.logger.Debug("upload started",
		zap.String("upload_id", up.id),
		zap.String("filename", up.filename),
		zap.Int64("size", up.size))
}

// handleJSONChunk processes the JSON chunk variant with base64 data.
func (c *Conn) handleJSONChunk(msg *WireMessage) {
	if msg.Offset == nil {
		c.sendUploadError(msg.UploadID, "offset is required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.sendUploadError(msg.UploadID, "chunk data is not valid base64")
		return
	}
	c.writeChunk(msg.UploadID, *msg.Offset, data)
}

// handleBinaryChunk processes the format 0x02 variant.
func (c *Conn) handleBinaryChunk(chunk UploadChunk) {
	c.writeChunk(chunk.UploadID.String(), int64(chunk.Offset), chunk.Data)
}

func (c *Conn) writeChunk(uploadID string, offset int64, data []byte) {
	c.mu.Lock()
	up, ok := c.uploads[uploadID]
	c.mu.Unlock()
	if !ok {
		c.sendUploadError(uploadID, "unknown upload")
		return
	}

	up.mu.Lock()
	if up.done {
		up.mu.Unlock()
		c.sendUploadError(uploadID, "upload already finished")
		return
	}
	if offset != up.received {
		up.mu.Unlock()
		c.failUpload(up, "offset mismatch")
		return
	}
	if up.received+int64(len(data)) > up.size {
		up.mu.Unlock()
		c.failUpload(up, "upload exceeds declared size")
		return
	}

	if _, err := up.file.Write(data); err != nil {
		up.mu.Unlock()
		c.logger.Error("chunk write failed", zap.String("upload_id", up.id), zap.Error(err))
		c.failUpload(up, "write failed")
		return
	}
	up.received += int64(len(data))
	received := up.received
	complete := received == up.size
	if complete {
		up.done = true
		_ = up.file.Close()
	}
	up.mu.Unlock()

	if complete {
		c.mu.Lock()
		delete(c.uploads, up.id)
		c.mu.Unlock()
		c.sendMessage(&WireMessage{
			Type:          TypeUploadComplete,
			UploadID:      up.id,
			BytesReceived: received,
			FilePath:      up.path,
		})
		return
	}
	c.sendMessage(&WireMessage{Type: TypeUploadProgress, UploadID: up.id, BytesReceived: received})
}

// failUpload releases the partial file and reports the error. Never fatal
// to the connection.
func (c *Conn) failUpload(up *upload, reason string) {
	up.abort()
	c.mu.Lock()
	delete(c.uploads, up.id)
	c.mu.Unlock()
	c.sendUploadError(up.id, reason)
}

func (c *Conn) sendUploadError(uploadID, message string) {
	c.sendMessage(&WireMessage{
		Type:     TypeUploadError,
		UploadID: uploadID,
		Code:     errors.ErrCodeInvalidInput,
		Message:  message,
	})
}
