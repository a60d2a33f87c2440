package wsbridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/session"
)

// sessionOwner is the slice of the session agent the router needs: a way to
// test ownership of a session id plus the two client-facing calls.
type sessionOwner interface {
	Session(id string) (*session.Session, bool)
	RequestPermission(ctx context.Context, p permbridge.Prompt) (permbridge.Outcome, error)
	RunShell(ctx context.Context, sessionID, toolUseID, command string) (string, error)
}

// agentRouter fans permission prompts and shell runs out to whichever
// connected agent owns the session. Every websocket connection carries its
// own agent, but the permission bridge and its decider are shared across the
// process, so their callbacks arrive here with only a session id.
type agentRouter struct {
	mu     sync.Mutex
	agents map[sessionOwner]struct{}
}

var (
	_ permbridge.Requester   = (*agentRouter)(nil)
	_ permbridge.ShellRunner = (*agentRouter)(nil)
)

func newAgentRouter() *agentRouter {
	return &agentRouter{agents: make(map[sessionOwner]struct{})}
}

func (r *agentRouter) add(a sessionOwner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a] = struct{}{}
}

func (r *agentRouter) remove(a sessionOwner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, a)
}

func (r *agentRouter) owner(sessionID string) (sessionOwner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for a := range r.agents {
		if _, ok := a.Session(sessionID); ok {
			return a, true
		}
	}
	return nil, false
}

func (r *agentRouter) RequestPermission(ctx context.Context, p permbridge.Prompt) (permbridge.Outcome, error) {
	a, ok := r.owner(p.SessionID)
	if !ok {
		return permbridge.Outcome{}, fmt.Errorf("no connection owns session %s", p.SessionID)
	}
	return a.RequestPermission(ctx, p)
}

func (r *agentRouter) RunShell(ctx context.Context, sessionID, toolUseID, command string) (string, error) {
	a, ok := r.owner(sessionID)
	if !ok {
		return "", fmt.Errorf("no connection owns session %s", sessionID)
	}
	return a.RunShell(ctx, sessionID, toolUseID, command)
}
