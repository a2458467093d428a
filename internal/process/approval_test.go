package process

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/outposthq/outpost/internal/agent/adapter"
)

var allModes = []adapter.PermissionMode{
	adapter.ModePlan,
	adapter.ModeDefault,
	adapter.ModeAcceptEdits,
	adapter.ModeBypassPermissions,
}

func TestArbitrateReadOnlyAlwaysAllowed(t *testing.T) {
	for _, mode := range allModes {
		for _, tool := range ReadOnlyTools() {
			assert.True(t, Arbitrate(mode, tool),
				"mode %s should auto-allow read-only tool %s", mode, tool)
		}
	}
}

func TestArbitrateBypassAllowsEverything(t *testing.T) {
	for _, tool := range []string{"Bash", "Edit", "Write", "ExitPlanMode", "SomethingNew"} {
		assert.True(t, Arbitrate(adapter.ModeBypassPermissions, tool))
	}
}

func TestArbitrateEditTools(t *testing.T) {
	edits := []string{"Edit", "Write", "MultiEdit", "NotebookEdit"}
	for _, tool := range edits {
		assert.True(t, Arbitrate(adapter.ModeAcceptEdits, tool))
		assert.False(t, Arbitrate(adapter.ModeDefault, tool))
		assert.False(t, Arbitrate(adapter.ModePlan, tool))
	}
}

func TestArbitrateMutatingToolsPrompt(t *testing.T) {
	for _, mode := range []adapter.PermissionMode{adapter.ModePlan, adapter.ModeDefault, adapter.ModeAcceptEdits} {
		assert.False(t, Arbitrate(mode, "Bash"))
		assert.False(t, Arbitrate(mode, "ExitPlanMode"))
		assert.False(t, Arbitrate(mode, "AskUserQuestion"))
	}
}

// A more permissive mode must auto-allow a superset of a less permissive one.
func TestArbitrateMonotonic(t *testing.T) {
	tools := append(ReadOnlyTools(),
		"Edit", "Write", "MultiEdit", "NotebookEdit",
		"Bash", "ExitPlanMode", "AskUserQuestion", "KillShell")

	for i := 0; i < len(allModes); i++ {
		for j := i + 1; j < len(allModes); j++ {
			lower, higher := allModes[i], allModes[j]
			assert.Less(t, lower.Rank(), higher.Rank())
			for _, tool := range tools {
				if Arbitrate(lower, tool) {
					assert.True(t, Arbitrate(higher, tool),
						"%s allows %s but %s does not", lower, tool, higher)
				}
			}
		}
	}
}
