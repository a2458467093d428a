package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key := testKey()
	payload := []byte(`{"type":"request","id":"1"}`)

	sealed, err := EncodeEnvelope(FormatJSON, payload, key)
	require.NoError(t, err)

	// version + nonce + auth tag + format byte + payload
	assert.Len(t, sealed, 1+24+16+1+len(payload))
	assert.Equal(t, byte(EnvelopeVersion), sealed[0])

	format, opened, err := ParseEnvelope(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
	assert.Equal(t, payload, opened)
}

func TestEnvelopeDeterministicWithFixedNonce(t *testing.T) {
	key := testKey()
	var nonce [24]byte

	a, err := EncodeEnvelopeNonce(FormatJSON, []byte("hi"), key, nonce)
	require.NoError(t, err)
	b, err := EncodeEnvelopeNonce(FormatJSON, []byte("hi"), key, nonce)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Random nonces make repeated seals differ.
	c, err := EncodeEnvelope(FormatJSON, []byte("hi"), key)
	require.NoError(t, err)
	d, err := EncodeEnvelope(FormatJSON, []byte("hi"), key)
	require.NoError(t, err)
	assert.NotEqual(t, c, d)
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	key := testKey()
	sealed, err := EncodeEnvelope(FormatJSON, nil, key)
	require.NoError(t, err)
	assert.Len(t, sealed, 42)

	format, payload, err := ParseEnvelope(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
	assert.Empty(t, payload)
}

func TestEnvelopeTooShort(t *testing.T) {
	key := testKey()
	sealed, err := EncodeEnvelope(FormatJSON, []byte("payload"), key)
	require.NoError(t, err)

	_, _, err = ParseEnvelope(sealed[:41], key)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeInvalidLength, pe.Code)
	assert.False(t, pe.Fatal())
}

func TestEnvelopeUnknownVersion(t *testing.T) {
	key := testKey()
	sealed, err := EncodeEnvelope(FormatJSON, []byte("payload"), key)
	require.NoError(t, err)

	// A raw upload-chunk frame starts with 0x02; it must not parse as an
	// envelope.
	sealed[0] = 0x02
	_, _, err = ParseEnvelope(sealed, key)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeUnknownVersion, pe.Code)
	assert.True(t, pe.Fatal())
}

func TestEnvelopeUnknownInnerFormat(t *testing.T) {
	key := testKey()
	for _, format := range []byte{0x00, 0x04, 0xff} {
		sealed, err := EncodeEnvelopeNonce(format, []byte("x"), key, [24]byte{})
		require.NoError(t, err)

		_, _, err = ParseEnvelope(sealed, key)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, CodeUnknownFormat, pe.Code)
		assert.True(t, pe.Fatal())
	}
}

func TestEnvelopeWrongKey(t *testing.T) {
	sealed, err := EncodeEnvelope(FormatJSON, []byte("secret"), testKey())
	require.NoError(t, err)

	other := make([]byte, 32)
	_, _, err = ParseEnvelope(sealed, other)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeDecryptFailed, pe.Code)
	assert.False(t, pe.Fatal())
}

func TestEnvelopeTamperDetected(t *testing.T) {
	key := testKey()
	sealed, err := EncodeEnvelope(FormatJSON, []byte("secret"), key)
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, _, err = ParseEnvelope(sealed, key)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeDecryptFailed, pe.Code)
}

func TestEncodeEnvelopeRejectsBadKey(t *testing.T) {
	_, err := EncodeEnvelope(FormatJSON, []byte("x"), []byte("short"))
	assert.Error(t, err)
}

func TestGzipJSONRoundTrip(t *testing.T) {
	key := testKey()
	payload := []byte(`{"big":"` + string(make([]byte, 4096)) + `"}`)

	compressed, err := GzipJSON(payload)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload))

	sealed, err := EncodeEnvelope(FormatGzipJSON, compressed, key)
	require.NoError(t, err)

	format, opened, err := ParseEnvelope(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, FormatGzipJSON, format)

	expanded, err := GunzipJSON(opened)
	require.NoError(t, err)
	assert.Equal(t, payload, expanded)
}

func TestGunzipRejectsGarbage(t *testing.T) {
	_, err := GunzipJSON([]byte("not gzip"))
	assert.Error(t, err)
}

func TestUploadChunkRoundTrip(t *testing.T) {
	chunk := UploadChunk{
		UploadID: uuid.New(),
		Offset:   1 << 20,
		Data:     []byte("chunk bytes"),
	}

	encoded := EncodeUploadChunk(chunk)
	assert.Len(t, encoded, 24+len(chunk.Data))

	decoded, err := ParseUploadChunk(encoded)
	require.NoError(t, err)
	assert.Equal(t, chunk.UploadID, decoded.UploadID)
	assert.Equal(t, chunk.Offset, decoded.Offset)
	assert.Equal(t, chunk.Data, decoded.Data)
}

func TestUploadChunkThroughEnvelope(t *testing.T) {
	key := testKey()
	chunk := UploadChunk{UploadID: uuid.New(), Offset: 0, Data: []byte("first")}

	sealed, err := EncodeEnvelope(FormatUploadChunk, EncodeUploadChunk(chunk), key)
	require.NoError(t, err)

	format, payload, err := ParseEnvelope(sealed, key)
	require.NoError(t, err)
	require.Equal(t, FormatUploadChunk, format)

	decoded, err := ParseUploadChunk(payload)
	require.NoError(t, err)
	assert.Equal(t, chunk, decoded)
}

func TestUploadChunkTooShort(t *testing.T) {
	_, err := ParseUploadChunk(make([]byte, 23))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeBadChunk, pe.Code)
	assert.False(t, pe.Fatal())
}

func TestLegacyFrameCodec(t *testing.T) {
	frame := EncodeFrame(FormatJSON, []byte(`{}`))
	format, payload, err := ParseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
	assert.Equal(t, []byte(`{}`), payload)

	_, _, err = ParseFrame(nil)
	assert.Error(t, err)
}
