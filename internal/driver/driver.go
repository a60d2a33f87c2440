// Package driver launches the coding backend and exposes each prompt turn
// as a stream of messages. Two drivers exist: a subprocess driver that
// spawns the backend CLI per prompt, and an in-process driver that wraps a
// Go engine emitting the same message stream.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// ErrContinuationUnsupported is returned by Continue when the backend has
// no way to resume an earlier thread.
var ErrContinuationUnsupported = errors.New("driver: continuation not supported")

// ControlRequestHandler answers a control-plane request from the backend.
// Implementations must call respond exactly once with the reply to send.
type ControlRequestHandler func(requestID string, req *ampstream.ControlRequest, respond func(*ampstream.ControlResponseMessage) error)

// Request describes one prompt turn.
type Request struct {
	// Prompt is the user message for this turn.
	Prompt string

	// WorkDir is the directory the backend operates in. Empty means the
	// driver's default.
	WorkDir string

	// Env holds extra environment variables for the backend.
	Env map[string]string

	// MCPConfig is a path to an MCP configuration file handed to the
	// backend, typically pointing at the permission bridge.
	MCPConfig string

	// PermissionTool names the MCP tool the backend should call before
	// using a tool that needs approval.
	PermissionTool string

	// OnControlRequest receives control-plane requests from the backend,
	// permission prompts among them. May be nil, in which case the driver
	// leaves control requests to the backend's own defaults.
	OnControlRequest ControlRequestHandler
}

// Execution is one running prompt turn.
type Execution interface {
	// Events delivers the backend's messages in arrival order. The channel
	// closes when the turn ends. The caller must drain it; an abandoned
	// channel stalls the reader.
	Events() <-chan *ampstream.Message

	// Initialize performs the control-plane initialize round trip,
	// returning the backend's commands and agents. Backends without a
	// control plane return nil.
	Initialize(ctx context.Context, timeout time.Duration) (*ampstream.InitializeResponseData, error)

	// Interrupt asks the backend to wind down the current operation.
	Interrupt() error

	// SetPermissionMode switches the backend's permission mode mid-turn.
	SetPermissionMode(mode string) error

	// Wait blocks until the turn ends and returns its error, if any.
	Wait() error

	// Stop terminates the turn. It signals gracefully, schedules a forced
	// kill after a grace period, and returns without waiting; Wait is the
	// join point.
	Stop(ctx context.Context) error

	// StderrTail returns the most recent backend stderr output, for
	// inclusion in failure reports. Empty for in-process backends.
	StderrTail() string
}

// Driver spawns backend executions.
type Driver interface {
	Name() string

	// SupportsContinuation reports whether Continue can resume a thread.
	SupportsContinuation() bool

	// Execute starts a fresh turn.
	Execute(ctx context.Context, req Request) (Execution, error)

	// Continue resumes the thread identified by threadID with a new turn.
	Continue(ctx context.Context, threadID string, req Request) (Execution, error)
}
