// Package adapter provides family-specific shims over third-party agent
// CLIs/SDKs. Each adapter translates its family's native events into the
// normalized stream format; the core looks adapters up by family name.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/outposthq/outpost/internal/msgqueue"
	"github.com/outposthq/outpost/internal/stream"
)

// Agent family names.
const (
	FamilyClaude = "claude"
	FamilyACP    = "acp"
)

// PermissionMode is one of the four escalating tool-approval policies,
// totally ordered by permissiveness.
type PermissionMode string

const (
	ModePlan              PermissionMode = "plan"
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// Rank returns the permissiveness rank of the mode; higher is more
// permissive. Unknown modes rank as plan.
func (m PermissionMode) Rank() int {
	switch m {
	case ModeBypassPermissions:
		return 3
	case ModeAcceptEdits:
		return 2
	case ModeDefault:
		return 1
	default:
		return 0
	}
}

// Valid reports whether m is one of the four declared modes.
func (m PermissionMode) Valid() bool {
	switch m {
	case ModePlan, ModeDefault, ModeAcceptEdits, ModeBypassPermissions:
		return true
	}
	return false
}

// PermissionRequest is a tool-approval prompt surfaced by an adapter.
type PermissionRequest struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
}

// PermissionResponse is the arbitration outcome for a PermissionRequest.
type PermissionResponse struct {
	Behavior     string         `json:"behavior"` // "allow" or "deny"
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// PermissionHandler arbitrates a tool-approval request. The context is
// cancelled when the request is abandoned; handlers must then resolve deny.
type PermissionHandler func(ctx context.Context, req *PermissionRequest) (*PermissionResponse, error)

// StartOptions enumerates the inputs to StartSession.
type StartOptions struct {
	// CWD is the required absolute working directory.
	CWD string

	// Model overrides the family-specific default model.
	Model string

	// ResumeSessionID attaches to an existing transcript when present.
	ResumeSessionID string

	// PermissionMode is the initial tool-approval policy.
	PermissionMode PermissionMode

	// InitialMessage is an optional first user input.
	InitialMessage string

	// Env is the effective environment for the agent subprocess.
	Env []string

	// OnPermission arbitrates tool-approval prompts. When nil the adapter
	// declines every prompt.
	OnPermission PermissionHandler
}

// Session is a live adapter session.
//
// Stream is a finite, non-restartable sequence of frames terminated by a
// result or error trigger (or channel close). Queue is where callers push
// user inputs; the adapter awaits the next utterance there. Abort cancels
// the stream cooperatively; the stream ends within a short grace period.
type Session struct {
	Stream <-chan stream.Frame
	Queue  *msgqueue.Queue
	Abort  func()
}

// Adapter is the family-specific shim contract. StartSession never returns
// adapter errors once the session is live; failures surface as an error
// frame on the stream.
type Adapter interface {
	Family() string
	StartSession(ctx context.Context, opts StartOptions) (*Session, error)
}

// Registry maps family names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its family name, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Family()] = a
}

// Lookup returns the adapter for a family.
func (r *Registry) Lookup(family string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("unsupported agent family: %s", family)
	}
	return a, nil
}

// Families returns the registered family names, sorted.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
