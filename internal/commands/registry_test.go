package commands

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/translate"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	r, err := New(log)
	require.NoError(t, err)
	return r
}

func TestEmbeddedCommandsLoad(t *testing.T) {
	r := newTestRegistry(t)

	all := r.All()
	require.NotEmpty(t, all)

	plan, ok := r.Get("plan")
	require.True(t, ok)
	assert.Equal(t, ActionSetMode, plan.Action)
	assert.Equal(t, "plan", plan.Mode)

	yolo, ok := r.Get("yolo")
	require.True(t, ok)
	assert.Equal(t, "bypassPermissions", yolo.Mode)

	review, ok := r.Get("review")
	require.True(t, ok)
	assert.Equal(t, ActionPrompt, review.Action)
	assert.Contains(t, review.Template, "{input}")
}

func TestExpandTemplate(t *testing.T) {
	r := newTestRegistry(t)
	review, ok := r.Get("review")
	require.True(t, ok)

	withFocus := review.Expand("focus on the session package")
	assert.Contains(t, withFocus, "focus on the session package")
	assert.NotContains(t, withFocus, "{input}")

	bare := review.Expand("")
	assert.NotContains(t, bare, "{input}")
	assert.NotEmpty(t, bare)
	// TrimSpace keeps the empty expansion from leaving a dangling space.
	assert.Equal(t, bare, strings.TrimSpace(bare))
}

func TestExpandWithoutPlaceholderAppends(t *testing.T) {
	cmd := &Command{Template: "Summarize the repo"}
	assert.Equal(t, "Summarize the repo", cmd.Expand(""))
	assert.Equal(t, "Summarize the repo briefly", cmd.Expand("briefly"))
}

func TestMergeShadowsBackendDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	backend := []translate.CommandInfo{
		{Name: "web", Description: "search the web"},
		{Name: "plan", Description: "backend's own plan command"},
	}
	merged := r.Merge(backend)

	names := make(map[string]string)
	for _, c := range merged {
		names[c.Name] = c.Description
	}
	assert.Contains(t, names, "web")
	// The built-in definition wins over the backend's duplicate.
	assert.NotEqual(t, "backend's own plan command", names["plan"])

	// Built-ins come first.
	assert.Equal(t, r.All()[0].Name, merged[0].Name)
}

func TestMergeWithNoBackendCommands(t *testing.T) {
	r := newTestRegistry(t)
	merged := r.Merge(nil)
	assert.Len(t, merged, len(r.All()))
}

func TestParseInvocation(t *testing.T) {
	tests := []struct {
		prompt string
		name   string
		input  string
		ok     bool
	}{
		{"/plan", "plan", "", true},
		{"/review the auth flow", "review", "the auth flow", true},
		{"  /test internal/store  ", "test", "internal/store", true},
		{"/review\nline two", "review", "line two", true},
		{"plain prompt", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
		{"a /slash later", "", "", false},
	}
	for _, tt := range tests {
		name, input, ok := ParseInvocation(tt.prompt)
		assert.Equal(t, tt.ok, ok, "prompt %q", tt.prompt)
		assert.Equal(t, tt.name, name, "prompt %q", tt.prompt)
		assert.Equal(t, tt.input, input, "prompt %q", tt.prompt)
	}
}

func TestUnknownCommandLookupFails(t *testing.T) {
	r := newTestRegistry(t)
	_, ok := r.Get("definitely-not-a-command")
	assert.False(t, ok)
}
