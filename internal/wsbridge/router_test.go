package wsbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/session"
)

type fakeOwner struct {
	ids     map[string]bool
	prompts []permbridge.Prompt
	shell   []string
}

func newFakeOwner(ids ...string) *fakeOwner {
	owned := make(map[string]bool, len(ids))
	for _, id := range ids {
		owned[id] = true
	}
	return &fakeOwner{ids: owned}
}

func (f *fakeOwner) Session(id string) (*session.Session, bool) {
	return nil, f.ids[id]
}

func (f *fakeOwner) RequestPermission(ctx context.Context, p permbridge.Prompt) (permbridge.Outcome, error) {
	f.prompts = append(f.prompts, p)
	return permbridge.Outcome{OptionID: "allow"}, nil
}

func (f *fakeOwner) RunShell(ctx context.Context, sessionID, toolUseID, command string) (string, error) {
	f.shell = append(f.shell, command)
	return "ran: " + command, nil
}

func TestRouterDeliversToOwningAgent(t *testing.T) {
	r := newAgentRouter()
	first := newFakeOwner("sess-a")
	second := newFakeOwner("sess-b")
	r.add(first)
	r.add(second)

	outcome, err := r.RequestPermission(context.Background(), permbridge.Prompt{SessionID: "sess-b", ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, "allow", outcome.OptionID)
	assert.Empty(t, first.prompts)
	require.Len(t, second.prompts, 1)
	assert.Equal(t, "sess-b", second.prompts[0].SessionID)

	out, err := r.RunShell(context.Background(), "sess-a", "tu-1", "ls")
	require.NoError(t, err)
	assert.Equal(t, "ran: ls", out)
	assert.Empty(t, second.shell)
}

func TestRouterRejectsUnknownSession(t *testing.T) {
	r := newAgentRouter()
	r.add(newFakeOwner("sess-a"))

	_, err := r.RequestPermission(context.Background(), permbridge.Prompt{SessionID: "nope"})
	assert.Error(t, err)

	_, err = r.RunShell(context.Background(), "nope", "tu-1", "ls")
	assert.Error(t, err)
}

func TestRouterForgetsRemovedAgents(t *testing.T) {
	r := newAgentRouter()
	owner := newFakeOwner("sess-a")
	r.add(owner)
	r.remove(owner)

	_, err := r.RequestPermission(context.Background(), permbridge.Prompt{SessionID: "sess-a"})
	assert.Error(t, err)
}
