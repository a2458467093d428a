package session

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExtractTitle(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		assert.Equal(t, "Fix the login bug", ExtractTitle("  Fix the login bug\n"))
	})

	t.Run("long text truncates to 120 with ellipsis", func(t *testing.T) {
		long := strings.Repeat("a", 200)
		title := ExtractTitle(long)
		assert.Len(t, title, 120)
		assert.Equal(t, strings.Repeat("a", 117)+"...", title)
	})

	t.Run("multibyte runes are not split at the cut", func(t *testing.T) {
		long := strings.Repeat("é", 100) // two bytes per rune
		title := ExtractTitle(long)
		assert.True(t, utf8.ValidString(title))
		assert.Equal(t, strings.Repeat("é", 58)+"...", title)
	})

	t.Run("exactly at the cap is untouched", func(t *testing.T) {
		text := strings.Repeat("b", 120)
		assert.Equal(t, text, ExtractTitle(text))
	})

	t.Run("ide metadata blocks are stripped", func(t *testing.T) {
		text := "<ide_opened_file>main.go</ide_opened_file>\nAdd a retry loop"
		assert.Equal(t, "Add a retry loop", ExtractTitle(text))
	})

	t.Run("stacked metadata blocks are stripped", func(t *testing.T) {
		text := "<ide_opened_file>a.go</ide_opened_file><ide_selection>x</ide_selection>Refactor this"
		assert.Equal(t, "Refactor this", ExtractTitle(text))
	})

	t.Run("empty input stays empty", func(t *testing.T) {
		assert.Equal(t, "", ExtractTitle("   "))
	})
}

func TestProjectIDRoundTrip(t *testing.T) {
	paths := []string{
		"/home/dev/work/app",
		"/tmp/weird path/with.dots",
		"C:\\Users\\dev\\project",
	}
	for _, path := range paths {
		id := EncodeProjectID(path)
		assert.NotContains(t, id, "/")
		got, ok := DecodeProjectID(id)
		assert.True(t, ok)
		assert.Equal(t, path, got)
	}

	_, ok := DecodeProjectID("!!! not base64 !!!")
	assert.False(t, ok)
}

func TestContextWindowFor(t *testing.T) {
	assert.Equal(t, int64(200000), ContextWindowFor("claude-sonnet-4-5-20250929"))
	assert.Equal(t, int64(272000), ContextWindowFor("gpt-5-codex"))
	assert.Equal(t, int64(1048576), ContextWindowFor("gemini-2.5-pro"))
	assert.Equal(t, int64(200000), ContextWindowFor("some-unknown-model"))
}

func TestUsagePercent(t *testing.T) {
	assert.Equal(t, 50, UsagePercent(100000, "claude-sonnet-4-5"))
	assert.Equal(t, 0, UsagePercent(0, "claude-sonnet-4-5"))
	// Rounds rather than floors.
	assert.Equal(t, 1, UsagePercent(1000, "claude-sonnet-4-5"))
	assert.Equal(t, 100, UsagePercent(200000, "claude-sonnet-4-5"))
}
