package transport

import "encoding/json"

// Wire message types. SRP messages travel as plaintext text frames; the
// rest only after authentication.
const (
	// SRP handshake and resume.
	TypeSRPHello     = "srp_hello"
	TypeSRPChallenge = "srp_challenge"
	TypeSRPProof     = "srp_proof"
	TypeSRPVerify    = "srp_verify"
	TypeSRPError     = "srp_error"
	TypeSRPResume    = "srp_resume"
	TypeSRPResumed   = "srp_resumed"
	TypeSRPInvalid   = "srp_invalid"

	// Request tunneling.
	TypeRequest  = "request"
	TypeResponse = "response"

	// Subscriptions.
	TypeSubscribe   = "subscribe"
	TypeSubscribed  = "subscribed"
	TypeUnsubscribe = "unsubscribe"
	TypeEvent       = "event"

	// Uploads.
	TypeUploadStart    = "upload_start"
	TypeUploadChunk    = "upload_chunk"
	TypeUploadProgress = "upload_progress"
	TypeUploadComplete = "upload_complete"
	TypeUploadError    = "upload_error"

	TypeClientCapabilities = "client_capabilities"
	TypeError              = "error"
)

// Subscription channels.
const (
	ChannelSession  = "session"
	ChannelActivity = "activity"
)

// SRP error codes surfaced to clients.
const (
	SRPErrInvalidIdentity = "invalid_identity"
	SRPErrInvalidProof    = "invalid_proof"
	SRPErrServerError     = "server_error"
)

// WireMessage is the tagged union carried in JSON frames. The type field
// selects which other fields are meaningful; binary values are base64.
type WireMessage struct {
	Type string `json:"type"`

	// SRP handshake. A, B, salt and proofs are base64.
	Identity         string          `json:"identity,omitempty"`
	A                string          `json:"A,omitempty"`
	B                string          `json:"B,omitempty"`
	Salt             string          `json:"salt,omitempty"`
	M1               string          `json:"M1,omitempty"`
	M2               string          `json:"M2,omitempty"`
	Proof            string          `json:"proof,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	BrowserProfileID string          `json:"browserProfileId,omitempty"`
	OriginMetadata   json.RawMessage `json:"originMetadata,omitempty"`

	// Request tunneling.
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`

	// Subscriptions.
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	EventID        uint64          `json:"eventId,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`

	// Uploads. Data is base64 in the JSON chunk variant.
	UploadID      string `json:"uploadId,omitempty"`
	ProjectID     string `json:"projectId,omitempty"`
	Filename      string `json:"filename,omitempty"`
	Size          int64  `json:"size,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
	Offset        *int64 `json:"offset,omitempty"`
	Data          string `json:"data,omitempty"`
	BytesReceived int64  `json:"bytesReceived,omitempty"`
	FilePath      string `json:"filePath,omitempty"`

	// Capabilities: supported inner format bytes.
	Formats []byte `json:"formats,omitempty"`

	// Errors.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
