package process

import "github.com/outposthq/outpost/internal/agent/adapter"

// Tools with approval side effects.
const (
	ToolExitPlanMode    = "ExitPlanMode"
	ToolAskUserQuestion = "AskUserQuestion"
)

// readOnlyTools never mutate the workspace and are auto-allowed in every
// mode.
var readOnlyTools = map[string]bool{
	"Read":       true,
	"Glob":       true,
	"Grep":       true,
	"LSP":        true,
	"WebFetch":   true,
	"WebSearch":  true,
	"Task":       true,
	"TaskOutput": true,
}

// editTools mutate files but not arbitrary state; acceptEdits auto-allows
// them.
var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// ReadOnlyTools returns the declared read-only tool names.
func ReadOnlyTools() []string {
	out := make([]string, 0, len(readOnlyTools))
	for name := range readOnlyTools {
		out = append(out, name)
	}
	return out
}

// Arbitrate decides whether a tool call is auto-allowed under a mode or
// requires a user prompt. It is a pure function of (mode, toolName); more
// permissive modes auto-allow supersets of less permissive ones.
func Arbitrate(mode adapter.PermissionMode, toolName string) bool {
	if mode == adapter.ModeBypassPermissions {
		return true
	}
	if readOnlyTools[toolName] {
		return true
	}
	if mode == adapter.ModeAcceptEdits && editTools[toolName] {
		return true
	}
	return false
}
