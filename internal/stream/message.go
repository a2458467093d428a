// Package stream defines the normalized message model shared by agent
// adapters, the session reader and the process layer.
//
// Transcripts carry agent-specific fields the core does not understand.
// Message keeps the well-known fields typed and preserves everything else
// verbatim in an attribute bag, so unknown fields round-trip untouched.
package stream

import (
	"encoding/json"
	"time"
)

// MessageType is the role-like type of a normalized message.
type MessageType string

const (
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeSystem     MessageType = "system"
	MessageTypeToolResult MessageType = "tool_result"
	MessageTypeResult     MessageType = "result"
	MessageTypeError      MessageType = "error"
)

// System message subtypes.
const (
	SubtypeInit         = "init"
	SubtypeInputRequest = "input_request"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// ContentBlock is the tagged union of message content blocks.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Usage carries token accounting as reported by the agent.
type Usage struct {
	InputTokens              int64 `json:"input_tokens,omitempty"`
	OutputTokens             int64 `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

// Total returns the context-window usage: input plus cache reads and writes.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// Message is one normalized record in a session.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	ParentID  string      `json:"parent_id,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`

	// Content is the block form; Text is the plain-string form. At most
	// one of the two is set.
	Content []ContentBlock `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`

	Model string `json:"model,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	CWD   string `json:"cwd,omitempty"`
	Error string `json:"error,omitempty"`

	// Extra preserves fields the core does not understand. The core never
	// rewrites them.
	Extra map[string]json.RawMessage `json:"-"`
}

// messageJSON mirrors Message for (un)marshalling without recursion.
type messageJSON struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	Text      string         `json:"text,omitempty"`
	Model     string         `json:"model,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`
	CWD       string         `json:"cwd,omitempty"`
	Error     string         `json:"error,omitempty"`
}

var knownMessageFields = map[string]bool{
	"id": true, "type": true, "subtype": true, "session_id": true,
	"parent_id": true, "timestamp": true, "content": true, "text": true,
	"model": true, "usage": true, "cwd": true, "error": true,
}

// MarshalJSON emits the typed fields merged with the preserved extras.
// A typed field wins over an extra of the same name.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+8)
	for k, v := range m.Extra {
		out[k] = v
	}

	var ts *time.Time
	if !m.Timestamp.IsZero() {
		ts = &m.Timestamp
	}
	typed, err := json.Marshal(messageJSON{
		ID: m.ID, Type: m.Type, Subtype: m.Subtype, SessionID: m.SessionID,
		ParentID: m.ParentID, Timestamp: ts, Content: m.Content,
		Text: m.Text, Model: m.Model, Usage: m.Usage, CWD: m.CWD,
		Error: m.Error,
	})
	if err != nil {
		return nil, err
	}
	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return nil, err
	}
	for k, v := range typedMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON populates the typed fields and stashes everything else in
// Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var typed messageJSON
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	m.ID = typed.ID
	m.Type = typed.Type
	m.Subtype = typed.Subtype
	m.SessionID = typed.SessionID
	m.ParentID = typed.ParentID
	if typed.Timestamp != nil {
		m.Timestamp = *typed.Timestamp
	}
	m.Content = typed.Content
	m.Text = typed.Text
	m.Model = typed.Model
	m.Usage = typed.Usage
	m.CWD = typed.CWD
	m.Error = typed.Error

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if knownMessageFields[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		m.Extra = all
	}
	return nil
}

// TextContent returns the concatenated text of the message: the plain form
// when set, otherwise all text blocks joined.
func (m *Message) TextContent() string {
	if m.Text != "" {
		return m.Text
	}
	var s string
	for _, b := range m.Content {
		if b.Type == BlockTypeText {
			s += b.Text
		}
	}
	return s
}

// Trigger is a side-channel signal carried on a stream frame.
type Trigger string

const (
	TriggerNone             Trigger = ""
	TriggerInit             Trigger = "init"
	TriggerResult           Trigger = "result"
	TriggerError            Trigger = "error"
	TriggerSessionIDChanged Trigger = "session-id-changed"
	TriggerLoginFlow        Trigger = "login-flow"
)

// Frame is one item on an adapter stream: a normalized message plus an
// optional side-channel trigger. A result trigger signals end-of-turn; an
// error trigger is always the last frame before the stream ends.
type Frame struct {
	Message   *Message `json:"message,omitempty"`
	Trigger   Trigger  `json:"trigger,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Err       string   `json:"error,omitempty"`
}
