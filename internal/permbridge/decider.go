// Package permbridge answers backend tool-permission checks. Two inbound
// paths converge here: can_use_tool control requests on the backend's stream
// channel, and the MCP permission tool the CLI invokes when launched with
// --permission-prompt-tool. Both resolve against the session's permission
// mode and remembered allow-always grants before falling through to the
// connected client.
package permbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/config"
	"github.com/edlsh/amp-acp/internal/translate"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// Option ids offered to the client on every permission prompt.
const (
	OptionAllow       = "allow"
	OptionAllowAlways = "allowAlways"
	OptionDeny        = "deny"
)

// Option is one choice presented to the client.
type Option struct {
	ID   string
	Name string
	Kind string
}

// DefaultOptions returns the allow / allow-always / deny trio.
func DefaultOptions() []Option {
	return []Option{
		{ID: OptionAllow, Name: "Allow", Kind: "allow_once"},
		{ID: OptionAllowAlways, Name: "Allow Always", Kind: "allow_always"},
		{ID: OptionDeny, Name: "Deny", Kind: "reject_once"},
	}
}

// Query describes one tool call awaiting approval.
type Query struct {
	SessionID string
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// Prompt is the request forwarded to the client when the mode and remembered
// grants leave the answer open.
type Prompt struct {
	SessionID string
	ToolUseID string
	ToolName  string
	Title     string
	Kind      string
	Input     map[string]any
	Options   []Option
}

// Outcome is the client's answer to a Prompt.
type Outcome struct {
	OptionID  string
	Cancelled bool
}

// Requester forwards permission prompts to the connected client. The session
// layer implements this over session/request_permission.
type Requester interface {
	RequestPermission(ctx context.Context, prompt Prompt) (Outcome, error)
}

// Decision is the resolved behavior for a Query.
type Decision struct {
	Behavior string
	Message  string
}

func allowed() Decision { return Decision{Behavior: ampstream.BehaviorAllow} }

func denied(msg string) Decision {
	return Decision{Behavior: ampstream.BehaviorDeny, Message: msg}
}

// Decider resolves permission queries for all sessions.
type Decider struct {
	requester Requester
	timeout   time.Duration
	logger    *logger.Logger

	mu          sync.Mutex
	defaultMode config.PermissionMode
	modes       map[string]config.PermissionMode
	granted     map[string]struct{}
}

// NewDecider builds a decider with the configured default mode. requester may
// be nil, in which case open questions are auto-allowed the way a headless
// run expects.
func NewDecider(cfg config.PermissionsConfig, requester Requester, log *logger.Logger) *Decider {
	mode := config.PermissionMode(cfg.Mode)
	if mode == "" {
		mode = config.PermissionDefault
	}
	return &Decider{
		requester:   requester,
		timeout:     cfg.RequestTimeout(),
		logger:      log.WithFields(zap.String("component", "permbridge")),
		defaultMode: mode,
		modes:       make(map[string]config.PermissionMode),
		granted:     make(map[string]struct{}),
	}
}

// SetRequester installs the client-side prompt path. The session layer calls
// this once the ACP connection is up.
func (d *Decider) SetRequester(r Requester) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requester = r
}

// SetSessionMode overrides the permission mode for one session.
func (d *Decider) SetSessionMode(sessionID string, mode config.PermissionMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes[sessionID] = mode
}

// ModeFor returns the mode in effect for the session.
func (d *Decider) ModeFor(sessionID string) config.PermissionMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.modes[sessionID]; ok {
		return m
	}
	return d.defaultMode
}

// ForgetSession drops the session's mode override and remembered grants.
func (d *Decider) ForgetSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modes, sessionID)
	prefix := sessionID + "\x00"
	for key := range d.granted {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(d.granted, key)
		}
	}
}

// Decide resolves a query, asking the client only when the mode and
// remembered grants leave the answer open.
func (d *Decider) Decide(ctx context.Context, q Query) Decision {
	title, kind, _ := translate.DeriveToolMeta(q.ToolName, q.Input)

	switch d.ModeFor(q.SessionID) {
	case config.PermissionBypass:
		return allowed()
	case config.PermissionPlan:
		if !readOnlyKind(kind) {
			return denied(fmt.Sprintf("%s is not available in plan mode", q.ToolName))
		}
		return allowed()
	case config.PermissionAcceptEdits:
		if kind == translate.ToolKindEdit || kind == translate.ToolKindDelete || kind == translate.ToolKindMove {
			return allowed()
		}
	}

	if d.remembered(q.SessionID, q.ToolName) {
		return allowed()
	}

	d.mu.Lock()
	requester := d.requester
	d.mu.Unlock()
	if requester == nil {
		d.logger.Debug("auto-allowing tool (no requester)",
			zap.String("tool", q.ToolName))
		return allowed()
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	outcome, err := requester.RequestPermission(ctx, Prompt{
		SessionID: q.SessionID,
		ToolUseID: q.ToolUseID,
		ToolName:  q.ToolName,
		Title:     title,
		Kind:      kind,
		Input:     q.Input,
		Options:   DefaultOptions(),
	})
	if err != nil {
		if ctx.Err() != nil {
			d.logger.Warn("permission prompt timed out",
				zap.String("session_id", q.SessionID),
				zap.String("tool", q.ToolName))
			return denied("permission request timed out")
		}
		d.logger.Error("permission prompt failed", zap.Error(err))
		return denied("")
	}
	if outcome.Cancelled {
		return denied("")
	}

	switch outcome.OptionID {
	case OptionAllow, "approve":
		return allowed()
	case OptionAllowAlways, "approveAlways":
		d.remember(q.SessionID, q.ToolName)
		return allowed()
	default:
		return denied("")
	}
}

func readOnlyKind(kind string) bool {
	switch kind {
	case translate.ToolKindRead, translate.ToolKindSearch, translate.ToolKindFetch, translate.ToolKindThink:
		return true
	}
	return false
}

func (d *Decider) remembered(sessionID, tool string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.granted[sessionID+"\x00"+tool]
	return ok
}

func (d *Decider) remember(sessionID, tool string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.granted[sessionID+"\x00"+tool] = struct{}{}
}
