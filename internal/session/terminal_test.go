package session

import (
	"context"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edlsh/amp-acp/internal/driver"
)

// terminalAgent builds an agent whose client advertised terminal support.
func terminalAgent(t *testing.T) (*Agent, *fakeConn, string) {
	t.Helper()
	agent, conn := newTestAgent(t, testAgentOpts{
		drv: driver.NewInProcess(&scriptEngine{}, testLogger(t)),
	})

	var req acp.InitializeRequest
	req.ProtocolVersion = acp.ProtocolVersionNumber
	req.ClientCapabilities.Terminal = true
	_, err := agent.Initialize(context.Background(), req)
	require.NoError(t, err)

	return agent, conn, newSessionID(t, agent)
}

func TestRunShellReturnsOutput(t *testing.T) {
	agent, conn, id := terminalAgent(t)
	conn.mu.Lock()
	conn.output = "total 0\n"
	conn.mu.Unlock()

	out, err := agent.RunShell(context.Background(), id, "tu-1", "ls -la")
	require.NoError(t, err)
	assert.Equal(t, "total 0\n", out)

	created := func() []acp.CreateTerminalRequest {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.created
	}()
	require.Len(t, created, 1)
	assert.Equal(t, "ls -la", created[0].Command)
	assert.Equal(t, id, string(created[0].SessionId))

	// The terminal was released and nothing lingers for cleanup.
	conn.mu.Lock()
	released := len(conn.released)
	conn.mu.Unlock()
	assert.Equal(t, 1, released)

	s, ok := agent.Session(id)
	require.True(t, ok)
	assert.Equal(t, 0, s.terminals.size())
}

func TestRunShellReportsExitCodeAndTruncation(t *testing.T) {
	agent, conn, id := terminalAgent(t)
	conn.mu.Lock()
	conn.output = "boom"
	conn.exitCode = 3
	conn.truncated = true
	conn.mu.Unlock()

	out, err := agent.RunShell(context.Background(), id, "tu-2", "false")
	require.NoError(t, err)
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "[output truncated]")
	assert.Contains(t, out, "[exit code 3]")
}

func TestRunShellKillsOnContextCancel(t *testing.T) {
	agent, conn, id := terminalAgent(t)
	conn.mu.Lock()
	conn.waitGate = make(chan struct{})
	conn.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := agent.RunShell(ctx, id, "tu-3", "sleep 600")
	require.Error(t, err)

	conn.mu.Lock()
	killed := len(conn.killed)
	released := len(conn.released)
	conn.mu.Unlock()
	assert.Equal(t, 1, killed, "the running command should be killed")
	assert.Equal(t, 1, released, "the terminal should still be released")
}

func TestRunShellRequiresTerminalCapability(t *testing.T) {
	agent, _ := newTestAgent(t, testAgentOpts{
		drv: driver.NewInProcess(&scriptEngine{}, testLogger(t)),
	})
	id := newSessionID(t, agent)

	_, err := agent.RunShell(context.Background(), id, "tu-1", "ls")
	assert.Error(t, err)
}

func TestRunShellRequiresKnownSession(t *testing.T) {
	agent, _, _ := terminalAgent(t)
	_, err := agent.RunShell(context.Background(), "missing", "tu-1", "ls")
	assert.Error(t, err)
}

func TestReleaseTerminalsDrainsRegistry(t *testing.T) {
	agent, conn, id := terminalAgent(t)
	s, ok := agent.Session(id)
	require.True(t, ok)

	s.terminals.add("tu-a", acp.TerminalId("term-a"))
	s.terminals.add("tu-b", acp.TerminalId("term-b"))
	s.releaseTerminals()

	conn.mu.Lock()
	released := append([]string(nil), conn.released...)
	conn.mu.Unlock()
	assert.ElementsMatch(t, []string{"term-a", "term-b"}, released)
	assert.Equal(t, 0, s.terminals.size())

	// Idempotent: a second cleanup has nothing to do.
	s.releaseTerminals()
	conn.mu.Lock()
	releasedAgain := len(conn.released)
	conn.mu.Unlock()
	assert.Equal(t, 2, releasedAgain)
}
