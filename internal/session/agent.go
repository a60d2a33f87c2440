package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/breaker"
	"github.com/edlsh/amp-acp/internal/commands"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/config"
	"github.com/edlsh/amp-acp/internal/driver"
	"github.com/edlsh/amp-acp/internal/eventmirror"
	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/store"
	"github.com/edlsh/amp-acp/internal/translate"
)

// AgentConn is the slice of the client connection the session layer
// drives: update delivery plus the client-bound calls an agent may make.
// *acp.AgentSideConnection satisfies it.
type AgentConn interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
	RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
	CreateTerminal(ctx context.Context, req acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error)
	TerminalOutput(ctx context.Context, req acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error)
	WaitForTerminalExit(ctx context.Context, req acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error)
	KillTerminalCommand(ctx context.Context, req acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error)
	ReleaseTerminal(ctx context.Context, req acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error)
}

// Options wires the agent's collaborators. Config, Driver, Decider and
// Commands are required; the rest degrade gracefully when nil.
type Options struct {
	Config   *config.Config
	Driver   driver.Driver
	Breaker  *breaker.Breaker
	Store    *store.Store        // nil disables persistence and session loading
	Mirror   *eventmirror.Mirror // nil disables event mirroring
	Decider  *permbridge.Decider
	Bridge   *permbridge.Bridge // nil spawns the backend without the MCP bridge
	Commands *commands.Registry
	Logger   *logger.Logger
	Version  string
}

// Agent implements the agent side of the client protocol on top of the
// backend driver. One Agent serves one client connection.
type Agent struct {
	cfg      *config.Config
	drv      driver.Driver
	brk      *breaker.Breaker
	store    *store.Store
	mirror   *eventmirror.Mirror
	decider  *permbridge.Decider
	bridge   *permbridge.Bridge
	registry *commands.Registry
	logger   *logger.Logger
	version  string

	mu         sync.Mutex
	acpConn    AgentConn
	terminal   bool
	clientName string
	sessions   map[string]*Session
}

// New builds an Agent. Call SetConn with the client connection before
// serving; the connection needs the agent to exist first, hence the
// two-step wiring.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Driver == nil {
		return nil, errors.New("driver is required")
	}
	if opts.Decider == nil {
		return nil, errors.New("decider is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("command registry is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Agent{
		cfg:      opts.Config,
		drv:      opts.Driver,
		brk:      opts.Breaker,
		store:    opts.Store,
		mirror:   opts.Mirror,
		decider:  opts.Decider,
		bridge:   opts.Bridge,
		registry: opts.Commands,
		logger:   log.WithFields(zap.String("component", "session")),
		version:  version,
		sessions: make(map[string]*Session),
	}, nil
}

// SetConn installs the client connection session updates and client calls
// go out on.
func (a *Agent) SetConn(conn AgentConn) {
	a.mu.Lock()
	a.acpConn = conn
	a.mu.Unlock()
}

// RequestPermission forwards a permission prompt to the connected client.
// The agent satisfies permbridge.Requester so the caller that owns the
// decider can route prompts here, directly in stdio mode or through a
// per-connection router in listen mode.
func (a *Agent) RequestPermission(ctx context.Context, p permbridge.Prompt) (permbridge.Outcome, error) {
	conn := a.conn()
	if conn == nil {
		return permbridge.Outcome{}, errors.New("no client connection")
	}
	r := &clientRequester{conn: conn, logger: a.logger}
	return r.RequestPermission(ctx, p)
}

func (a *Agent) conn() AgentConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acpConn
}

// supportsLoad reports whether session/load can work: it needs both a
// store for the thread binding and a backend that can resume threads.
func (a *Agent) supportsLoad() bool {
	return a.store != nil && a.drv.SupportsContinuation()
}

// Initialize negotiates the protocol version and advertises capabilities.
func (a *Agent) Initialize(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, error) {
	clientName := ""
	if req.ClientInfo != nil {
		clientName = req.ClientInfo.Name
	}
	a.mu.Lock()
	a.terminal = req.ClientCapabilities.Terminal
	a.clientName = clientName
	a.mu.Unlock()

	version := acp.ProtocolVersionNumber
	if req.ProtocolVersion < version {
		version = req.ProtocolVersion
	}

	a.logger.Info("initialized",
		zap.String("client", clientName),
		zap.Bool("client_terminal", req.ClientCapabilities.Terminal),
		zap.Bool("load_session", a.supportsLoad()))

	return acp.InitializeResponse{
		ProtocolVersion: version,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: a.supportsLoad(),
		},
		AuthMethods: []acp.AuthMethod{},
		AgentInfo:   &acp.Implementation{Name: "amp-acp", Version: a.version},
	}, nil
}

// Authenticate always fails: the adapter advertises no auth methods, the
// backend CLI carries its own credentials.
func (a *Agent) Authenticate(ctx context.Context, req acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, errors.New("authentication is not supported")
}

// NewSession creates a session rooted at the client's working directory.
// The backend thread is created lazily on the first prompt.
func (a *Agent) NewSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	id := uuid.New().String()
	s := a.addSession(id, req.Cwd, externalServers(req.McpServers))

	mode := a.decider.ModeFor(id)
	if a.store != nil {
		rec := &store.Session{ID: id, Cwd: req.Cwd, PermissionMode: string(mode)}
		if err := a.store.CreateSession(ctx, rec); err != nil {
			s.logger.Warn("failed to persist session", zap.Error(err))
		}
	}

	a.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("cwd", req.Cwd),
		zap.Int("client_mcp_servers", len(req.McpServers)))

	// Built-in commands are announced right away; once the first turn's
	// init event lands the merged set including backend commands follows.
	s.publish(&translate.Notification{Kind: translate.KindAvailableCommands})

	return acp.NewSessionResponse{
		SessionId: acp.SessionId(id),
		Modes:     permissionModes(mode),
	}, nil
}

// LoadSession restores a persisted session binding. The transcript itself
// lives in the backend thread, which the next prompt resumes; nothing is
// replayed to the client.
func (a *Agent) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	if !a.supportsLoad() {
		return acp.LoadSessionResponse{}, errors.New("session loading requires persistence and a backend that resumes threads")
	}

	id := string(req.SessionId)
	rec, err := a.store.GetSession(ctx, id)
	if err != nil {
		return acp.LoadSessionResponse{}, fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		return acp.LoadSessionResponse{}, fmt.Errorf("unknown session: %s", id)
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = rec.Cwd
	}
	s := a.addSession(id, cwd, externalServers(req.McpServers))
	s.mu.Lock()
	s.threadID = rec.ThreadID
	s.mu.Unlock()

	mode := a.decider.ModeFor(id)
	if rec.PermissionMode != "" {
		mode = config.PermissionMode(rec.PermissionMode)
		a.decider.SetSessionMode(id, mode)
	}

	a.logger.Info("session loaded",
		zap.String("session_id", id),
		zap.String("thread_id", rec.ThreadID))

	s.publish(&translate.Notification{Kind: translate.KindAvailableCommands})

	return acp.LoadSessionResponse{Modes: permissionModes(mode)}, nil
}

// SetSessionMode switches a session's permission mode from the client UI.
func (a *Agent) SetSessionMode(ctx context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	s, err := a.session(string(req.SessionId))
	if err != nil {
		return acp.SetSessionModeResponse{}, err
	}

	mode := config.PermissionMode(req.ModeId)
	switch mode {
	case config.PermissionDefault, config.PermissionAcceptEdits, config.PermissionBypass, config.PermissionPlan:
	default:
		return acp.SetSessionModeResponse{}, fmt.Errorf("unknown session mode: %s", req.ModeId)
	}

	s.setMode(ctx, mode)
	return acp.SetSessionModeResponse{}, nil
}

// Prompt runs one turn against the backend and reports how it stopped.
func (a *Agent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	s, err := a.session(string(req.SessionId))
	if err != nil {
		return acp.PromptResponse{}, err
	}

	text := promptText(req.Prompt)
	if strings.TrimSpace(text) == "" {
		return acp.PromptResponse{}, errors.New("prompt carried no usable content")
	}

	stop, err := s.prompt(ctx, text)
	if err != nil {
		return acp.PromptResponse{}, err
	}
	return acp.PromptResponse{StopReason: stop}, nil
}

// Cancel aborts the session's active turn, if any. The pending prompt
// resolves with the cancelled stop reason after its updates flush.
func (a *Agent) Cancel(ctx context.Context, n acp.CancelNotification) error {
	s, err := a.session(string(n.SessionId))
	if err != nil {
		a.logger.Warn("cancel for unknown session",
			zap.String("session_id", string(n.SessionId)))
		return nil
	}
	s.cancel()
	return nil
}

// RunShell executes a command in a terminal on the connected client. The
// permission bridge's shell tool lands here.
func (a *Agent) RunShell(ctx context.Context, sessionID, toolUseID, command string) (string, error) {
	s, err := a.session(sessionID)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	terminal := a.terminal
	conn := a.acpConn
	a.mu.Unlock()
	if !terminal {
		return "", errors.New("the client does not support terminals")
	}
	if conn == nil {
		return "", errors.New("no client connection")
	}

	return s.runShell(ctx, conn, toolUseID, command)
}

// Session returns the tracked session with the given id.
func (a *Agent) Session(id string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// Shutdown cancels every active turn and releases all sessions. Called
// when the connection closes or the process stops.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		s.close()
	}
	if len(sessions) > 0 {
		a.logger.Info("sessions shut down", zap.Int("count", len(sessions)))
	}
}

func (a *Agent) session(id string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", id)
	}
	return s, nil
}

func (a *Agent) addSession(id, cwd string, extra []permbridge.ExternalServer) *Session {
	log := a.logger.WithFields(zap.String("session_id", id))
	s := &Session{
		id:           id,
		agent:        a,
		logger:       log,
		cwd:          cwd,
		state:        StateIdle,
		extraServers: extra,
		terminals:    newTerminalRegistry(),
		translator: translate.New(translate.Options{
			Policy:            translate.Policy(a.cfg.Display.Policy()),
			MaxListedFailures: a.cfg.Display.MaxListedFailures,
			RecentCompleted:   a.cfg.Display.RecentCompleted,
			Logger:            log,
		}),
		lastActivity: time.Now(),
	}
	s.queue = newNotifyQueue(s.deliver, func(err error) {
		s.fail(fmt.Errorf("critical update lost: %w", err))
	}, log)

	a.mu.Lock()
	old := a.sessions[id]
	a.sessions[id] = s
	a.mu.Unlock()
	if old != nil {
		old.close()
	}
	return s
}

// promptText flattens the prompt's content blocks into the text handed to
// the backend. Resource links surface as their URI so the backend can read
// the file itself.
func promptText(blocks []acp.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch {
		case b.Text != nil:
			sb.WriteString(b.Text.Text)
		case b.ResourceLink != nil:
			fmt.Fprintf(&sb, " %s ", b.ResourceLink.Uri)
		}
	}
	return sb.String()
}

// externalServers converts client-declared MCP servers into the bridge's
// config form. HTTP and SSE servers pass through by URL, stdio servers by
// command line.
func externalServers(servers []acp.McpServer) []permbridge.ExternalServer {
	var out []permbridge.ExternalServer
	for _, srv := range servers {
		switch {
		case srv.Stdio != nil:
			out = append(out, permbridge.ExternalServer{
				Name:    srv.Stdio.Name,
				Command: srv.Stdio.Command,
				Args:    srv.Stdio.Args,
			})
		case srv.Sse != nil:
			out = append(out, permbridge.ExternalServer{
				Name: srv.Sse.Name,
				Type: "sse",
				URL:  srv.Sse.Url,
			})
		}
	}
	return out
}
