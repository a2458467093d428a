// Package transport implements the secure WebSocket surface: plaintext SRP
// handshake, encrypted binary envelopes, request tunneling, subscription
// channels and binary uploads.
package transport

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

// Envelope layout: [1 byte version][24 byte nonce][secretbox ciphertext].
// The ciphertext decrypts to [1 byte inner format][payload].
const (
	EnvelopeVersion = 0x01

	nonceSize    = 24
	overheadSize = secretbox.Overhead // 16
	// minEnvelopeSize covers version, nonce, auth tag and the format byte.
	minEnvelopeSize = 1 + nonceSize + overheadSize + 1
)

// Inner format bytes. 0x00 and 0x04+ are reserved; receiving one is fatal
// to the connection.
const (
	FormatJSON        byte = 0x01
	FormatUploadChunk byte = 0x02
	FormatGzipJSON    byte = 0x03
)

// Parse error codes.
const (
	CodeInvalidLength  = "INVALID_LENGTH"
	CodeUnknownVersion = "UNKNOWN_VERSION"
	CodeUnknownFormat  = "UNKNOWN_FORMAT"
	CodeDecryptFailed  = "DECRYPT_FAILED"
	CodeBadChunk       = "BAD_CHUNK"
)

// ParseError is a typed envelope parse failure. Fatal errors close the
// connection with 4002; the rest are warn-and-drop.
type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fatal reports whether the error must close the connection.
func (e *ParseError) Fatal() bool {
	return e.Code == CodeUnknownVersion || e.Code == CodeUnknownFormat
}

func parseErrorf(code, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EncodeEnvelope seals [format][payload] under the session key. The nonce
// is random unless a test supplies one via EncodeEnvelopeNonce.
func EncodeEnvelope(format byte, payload, sessionKey []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return EncodeEnvelopeNonce(format, payload, sessionKey, nonce)
}

// EncodeEnvelopeNonce seals with an explicit nonce.
func EncodeEnvelopeNonce(format byte, payload, sessionKey []byte, nonce [nonceSize]byte) ([]byte, error) {
	if len(sessionKey) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(sessionKey))
	}
	var key [32]byte
	copy(key[:], sessionKey)

	inner := make([]byte, 1+len(payload))
	inner[0] = format
	copy(inner[1:], payload)

	out := make([]byte, 1+nonceSize, minEnvelopeSize+len(payload))
	out[0] = EnvelopeVersion
	copy(out[1:], nonce[:])
	return secretbox.Seal(out, inner, &nonce, &key), nil
}

// ParseEnvelope opens an envelope and returns the inner format and payload.
func ParseEnvelope(data, sessionKey []byte) (format byte, payload []byte, err error) {
	if len(data) < minEnvelopeSize {
		return 0, nil, parseErrorf(CodeInvalidLength,
			"envelope is %d bytes, need at least %d", len(data), minEnvelopeSize)
	}
	if data[0] != EnvelopeVersion {
		return 0, nil, parseErrorf(CodeUnknownVersion,
			"unknown envelope version 0x%02x", data[0])
	}

	var key [32]byte
	copy(key[:], sessionKey)
	var nonce [nonceSize]byte
	copy(nonce[:], data[1:1+nonceSize])

	inner, ok := secretbox.Open(nil, data[1+nonceSize:], &nonce, &key)
	if !ok {
		return 0, nil, parseErrorf(CodeDecryptFailed, "envelope authentication failed")
	}
	if len(inner) < 1 {
		return 0, nil, parseErrorf(CodeInvalidLength, "empty inner payload")
	}
	return checkFormat(inner[0], inner[1:])
}

// EncodeFrame builds the legacy unencrypted form: [format][payload].
func EncodeFrame(format byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = format
	copy(out[1:], payload)
	return out
}

// ParseFrame parses the legacy unencrypted form.
func ParseFrame(data []byte) (format byte, payload []byte, err error) {
	if len(data) < 1 {
		return 0, nil, parseErrorf(CodeInvalidLength, "empty frame")
	}
	return checkFormat(data[0], data[1:])
}

func checkFormat(format byte, payload []byte) (byte, []byte, error) {
	switch format {
	case FormatJSON, FormatUploadChunk, FormatGzipJSON:
		return format, payload, nil
	}
	return 0, nil, parseErrorf(CodeUnknownFormat, "unknown inner format 0x%02x", format)
}

// GzipJSON compresses a JSON payload for format 0x03.
func GzipJSON(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GunzipJSON expands a format 0x03 payload.
func GunzipJSON(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Upload chunk layout for format 0x02:
// [16 bytes upload uuid][8 bytes offset BE][chunk bytes].
const chunkHeaderSize = 16 + 8

// UploadChunk is one decoded binary upload chunk.
type UploadChunk struct {
	UploadID uuid.UUID
	Offset   uint64
	Data     []byte
}

// EncodeUploadChunk builds a format 0x02 payload.
func EncodeUploadChunk(c UploadChunk) []byte {
	out := make([]byte, chunkHeaderSize+len(c.Data))
	copy(out[:16], c.UploadID[:])
	binary.BigEndian.PutUint64(out[16:24], c.Offset)
	copy(out[24:], c.Data)
	return out
}

// ParseUploadChunk decodes a format 0x02 payload.
func ParseUploadChunk(payload []byte) (UploadChunk, error) {
	if len(payload) < chunkHeaderSize {
		return UploadChunk{}, parseErrorf(CodeBadChunk,
			"chunk is %d bytes, need at least %d", len(payload), chunkHeaderSize)
	}
	var c UploadChunk
	copy(c.UploadID[:], payload[:16])
	c.Offset = binary.BigEndian.Uint64(payload[16:24])
	c.Data = payload[chunkHeaderSize:]
	return c, nil
}
