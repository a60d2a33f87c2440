package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// releaseTimeout bounds the client calls made while tearing a terminal
// down; cleanup must not hang on an unresponsive client.
const releaseTimeout = 5 * time.Second

// terminalRegistry tracks the client terminals opened during a turn, keyed
// by the backend tool-use id that asked for them. Whatever is still
// registered when the turn ends gets released in cleanup.
type terminalRegistry struct {
	mu      sync.Mutex
	handles map[string]acp.TerminalId
}

func newTerminalRegistry() *terminalRegistry {
	return &terminalRegistry{handles: make(map[string]acp.TerminalId)}
}

func (r *terminalRegistry) add(key string, id acp.TerminalId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[key] = id
}

func (r *terminalRegistry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, key)
}

// drain empties the registry and returns the handles that were live.
func (r *terminalRegistry) drain() []acp.TerminalId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]acp.TerminalId, 0, len(r.handles))
	for _, id := range r.handles {
		out = append(out, id)
	}
	r.handles = make(map[string]acp.TerminalId)
	return out
}

func (r *terminalRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// runShell executes a command in a terminal on the connected client and
// renders its output for the backend. The terminal is registered for the
// duration of the run so turn cleanup can release it if this goroutine
// dies with the turn.
func (s *Session) runShell(ctx context.Context, conn AgentConn, toolUseID, command string) (string, error) {
	created, err := conn.CreateTerminal(ctx, acp.CreateTerminalRequest{
		SessionId: acp.SessionId(s.id),
		Command:   command,
	})
	if err != nil {
		return "", fmt.Errorf("create terminal: %w", err)
	}

	key := toolUseID
	if key == "" {
		key = string(created.TerminalId)
	}
	s.terminals.add(key, created.TerminalId)
	defer s.terminals.remove(key)

	waitReq := acp.WaitForTerminalExitRequest{SessionId: acp.SessionId(s.id)}
	waitReq.TerminalId = created.TerminalId
	exited, err := conn.WaitForTerminalExit(ctx, waitReq)
	if err != nil {
		if ctx.Err() != nil {
			s.killTerminal(conn, created.TerminalId)
		}
		s.releaseTerminal(conn, created.TerminalId)
		return "", fmt.Errorf("wait for terminal exit: %w", err)
	}

	outReq := acp.TerminalOutputRequest{SessionId: acp.SessionId(s.id)}
	outReq.TerminalId = created.TerminalId
	out, err := conn.TerminalOutput(ctx, outReq)
	s.releaseTerminal(conn, created.TerminalId)
	if err != nil {
		return "", fmt.Errorf("read terminal output: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(out.Output)
	if out.Truncated {
		sb.WriteString("\n[output truncated]")
	}
	if exited.ExitCode != nil && *exited.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n[exit code %d]", *exited.ExitCode)
	}
	return sb.String(), nil
}

// killTerminal stops a command that outlived its context. Best-effort, on
// a fresh context since the caller's is already done.
func (s *Session) killTerminal(conn AgentConn, id acp.TerminalId) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	req := acp.KillTerminalCommandRequest{SessionId: acp.SessionId(s.id)}
	req.TerminalId = id
	if _, err := conn.KillTerminalCommand(ctx, req); err != nil {
		s.logger.Warn("failed to kill client terminal command", zap.Error(err))
	}
}

func (s *Session) releaseTerminal(conn AgentConn, id acp.TerminalId) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	req := acp.ReleaseTerminalRequest{SessionId: acp.SessionId(s.id)}
	req.TerminalId = id
	if _, err := conn.ReleaseTerminal(ctx, req); err != nil {
		s.logger.Warn("failed to release client terminal", zap.Error(err))
	}
}

// releaseTerminals lets go of every terminal still registered. Runs in the
// turn's guaranteed cleanup.
func (s *Session) releaseTerminals() {
	handles := s.terminals.drain()
	if len(handles) == 0 {
		return
	}
	conn := s.agent.conn()
	if conn == nil {
		return
	}
	s.logger.Info("releasing leftover client terminals", zap.Int("count", len(handles)))
	for _, id := range handles {
		s.releaseTerminal(conn, id)
	}
}
