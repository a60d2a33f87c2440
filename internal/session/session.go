package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/breaker"
	"github.com/edlsh/amp-acp/internal/commands"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/config"
	"github.com/edlsh/amp-acp/internal/driver"
	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/tracing"
	"github.com/edlsh/amp-acp/internal/translate"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// State is a session's lifecycle position.
type State string

const (
	// StateIdle accepts prompts.
	StateIdle State = "idle"
	// StateActive has a prompt turn in flight.
	StateActive State = "active"
	// StateFailed is terminal; the session accepts no further prompts.
	StateFailed State = "failed"
)

// ErrPromptActive is returned when a prompt arrives while another is still
// running on the same session.
var ErrPromptActive = errors.New("a prompt is already active on this session")

const (
	// initializeTimeout bounds the control-plane round trip that fetches
	// the backend's command list.
	initializeTimeout = 10 * time.Second
	// drainTimeout bounds the final notification flush of a turn.
	drainTimeout = 10 * time.Second
)

// Session is one conversation context, bound to a backend thread after its
// first turn. All methods are safe for concurrent use; a single notifyQueue
// consumer keeps client updates ordered.
type Session struct {
	id    string
	agent *Agent

	logger     *logger.Logger
	translator *translate.Translator
	queue      *notifyQueue
	terminals  *terminalRegistry

	mu           sync.Mutex
	state        State
	failure      error
	cwd          string
	threadID     string
	cancelled    bool
	cancelTurn   context.CancelFunc
	execution    driver.Execution
	extraServers []permbridge.ExternalServer
	backendCmds  []translate.CommandInfo
	lastActivity time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ThreadID returns the bound backend thread, or "" before the first turn.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// fail moves the session to its terminal state and aborts any active turn.
// The first failure wins.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateFailed {
		s.state = StateFailed
		s.failure = err
	}
	cancel := s.cancelTurn
	s.mu.Unlock()

	s.logger.Error("session failed", zap.Error(err))
	if cancel != nil {
		cancel()
	}
}

// cancel flags the active turn and tears it down: the backend gets an
// interrupt, the turn context is cancelled, and the prompt resolves with
// the cancelled stop reason once enqueued updates have flushed.
func (s *Session) cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancelTurn := s.cancelTurn
	exec := s.execution
	s.mu.Unlock()

	if exec != nil {
		if err := exec.Interrupt(); err != nil {
			s.logger.Debug("backend interrupt failed", zap.Error(err))
		}
	}
	if cancelTurn != nil {
		cancelTurn()
	}
}

// setMode applies a permission mode: the decider remembers it for future
// tool queries, the store persists it, a running backend is switched live,
// and the client sees a current mode update.
func (s *Session) setMode(ctx context.Context, mode config.PermissionMode) {
	a := s.agent
	a.decider.SetSessionMode(s.id, mode)
	if a.store != nil {
		if err := a.store.SetPermissionMode(ctx, s.id, string(mode)); err != nil {
			s.logger.Warn("failed to persist permission mode", zap.Error(err))
		}
	}

	s.mu.Lock()
	exec := s.execution
	s.mu.Unlock()
	if exec != nil {
		if err := exec.SetPermissionMode(string(mode)); err != nil {
			s.logger.Debug("backend rejected permission mode change", zap.Error(err))
		}
	}

	s.logger.Info("permission mode changed", zap.String("mode", string(mode)))
	s.publish(&translate.Notification{Kind: translate.KindCurrentMode, ModeID: string(mode)})
}

// publish routes one translated notification: every notification is
// mirrored to the event bus, usage updates land in the store instead of
// the client, command announcements are merged with the built-in registry,
// and the rest flow to the delivery queue as-is. Command announcements are
// the one kind whose delivery failure fails the session; losing them would
// leave the client with a stale capability surface.
func (s *Session) publish(n *translate.Notification) {
	s.agent.mirror.Notification(context.Background(), s.id, n)

	switch n.Kind {
	case translate.KindUsageUpdate:
		s.recordUsage(n.Usage)
		return
	case translate.KindAvailableCommands:
		n.Commands = s.agent.registry.Merge(s.withDescriptions(n.Commands))
	}

	critical := n.Kind == translate.KindAvailableCommands
	s.queue.Publish(n, critical)
}

// deliver performs one session/update call. Only the queue's consumer
// calls this, which keeps updates ordered.
func (s *Session) deliver(ctx context.Context, n *translate.Notification) error {
	conn := s.agent.conn()
	if conn == nil {
		return errors.New("no client connection")
	}
	notification := acp.SessionNotification{SessionId: acp.SessionId(s.id)}
	if !applyUpdate(&notification, n) {
		return nil
	}
	return conn.SessionUpdate(ctx, notification)
}

func (s *Session) recordUsage(u *ampstream.Usage) {
	if u == nil {
		return
	}
	s.logger.Info("turn token usage",
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_creation_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens))
	if s.agent.store == nil {
		return
	}
	if err := s.agent.store.RecordUsage(context.Background(), s.id, u); err != nil {
		s.logger.Warn("failed to record token usage", zap.Error(err))
	}
}

// withDescriptions fills in descriptions for backend-announced command
// names. The init event carries bare names; the control-plane initialize
// response has the full records.
func (s *Session) withDescriptions(cmds []translate.CommandInfo) []translate.CommandInfo {
	s.mu.Lock()
	known := s.backendCmds
	s.mu.Unlock()
	if len(known) == 0 || len(cmds) == 0 {
		return cmds
	}

	byName := make(map[string]translate.CommandInfo, len(known))
	for _, c := range known {
		byName[c.Name] = c
	}
	out := make([]translate.CommandInfo, len(cmds))
	for i, c := range cmds {
		if full, ok := byName[c.Name]; ok && c.Description == "" {
			c.Description = full.Description
		}
		out[i] = c
	}
	return out
}

// prompt runs one turn. It owns the session's state transitions; the
// actual work happens in runTurn.
func (s *Session) prompt(ctx context.Context, text string) (acp.StopReason, error) {
	s.mu.Lock()
	switch s.state {
	case StateFailed:
		failure := s.failure
		s.mu.Unlock()
		return stopRefusal, fmt.Errorf("session has failed: %w", failure)
	case StateActive:
		s.mu.Unlock()
		return stopRefusal, ErrPromptActive
	}
	s.state = StateActive
	s.cancelled = false
	s.mu.Unlock()

	ctx, span := tracing.TracePromptTurn(ctx, s.id)
	stop, err := s.runTurn(ctx, text)
	tracing.TracePromptResult(span, string(stop), err)
	span.End()

	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateIdle
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.touch()

	return stop, err
}

func (s *Session) runTurn(ctx context.Context, text string) (acp.StopReason, error) {
	a := s.agent

	// Tool calls left open by a previous interrupted turn fail now, before
	// this turn's state is laid down.
	for _, stale := range s.translator.SweepStale(a.cfg.Prompt.StaleToolAge()) {
		stale := stale
		s.publish(&stale)
	}
	s.translator.BeginTurn()

	// Built-in slash commands are intercepted before the backend sees the
	// prompt. Mode switches resolve entirely inside the adapter; prompt
	// macros rewrite the text and fall through.
	if name, input, ok := commands.ParseInvocation(text); ok {
		if cmd, found := a.registry.Get(name); found {
			switch cmd.Action {
			case commands.ActionSetMode:
				s.setMode(ctx, config.PermissionMode(cmd.Mode))
				s.drain()
				return stopEndTurn, nil
			case commands.ActionPrompt:
				text = cmd.Expand(input)
			}
		}
	}

	// Fast rejection while the breaker has the backend locked out. Ready
	// does not consume the half-open probe; the driver's own gate decides
	// whether a spawn attempt may probe.
	if a.brk != nil && !a.brk.Ready() {
		s.publish(&translate.Notification{
			Kind: translate.KindMessageChunk,
			Text: "The backend is unavailable after repeated launch failures. Start a new session to retry.",
		})
		s.fail(breaker.ErrOpen)
		s.drain()
		return stopRefusal, nil
	}

	// Timeout, session/cancel and client disconnect all funnel into this
	// context; whichever fires first aborts the turn.
	turnCtx, cancelTurn := context.WithTimeout(ctx, a.cfg.Prompt.Timeout())
	defer cancelTurn()
	s.mu.Lock()
	s.cancelTurn = cancelTurn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.execution = nil
		s.mu.Unlock()
	}()

	req := driver.Request{
		Prompt:           text,
		WorkDir:          s.workDir(),
		OnControlRequest: a.decider.ControlHandler(s.id),
	}

	cleanupConfig := func() {}
	if a.bridge != nil {
		path, err := a.bridge.WriteMCPConfig(os.TempDir(), s.id, s.externalServers())
		if err != nil {
			s.logger.Warn("failed to write mcp config, spawning without bridge", zap.Error(err))
		} else {
			req.MCPConfig = path
			req.PermissionTool = permbridge.PromptToolFlag()
			cleanupConfig = func() { _ = os.Remove(path) }
		}
	}
	defer cleanupConfig()
	defer s.releaseTerminals()

	stop, err := s.execute(turnCtx, req)
	s.drain()
	return stop, err
}

// drain flushes the delivery queue so every update translated during the
// turn reaches the client before the prompt response does.
func (s *Session) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.queue.Barrier(ctx); err != nil {
		s.logger.Warn("notification drain timed out", zap.Error(err))
	}
}

func (s *Session) execute(ctx context.Context, req driver.Request) (acp.StopReason, error) {
	a := s.agent

	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()

	spawnCtx, spawnSpan := tracing.TraceDriverSpawn(ctx, a.drv.Name(), threadID)
	var exec driver.Execution
	var err error
	if threadID != "" && a.drv.SupportsContinuation() {
		exec, err = a.drv.Continue(spawnCtx, threadID, req)
	} else {
		exec, err = a.drv.Execute(spawnCtx, req)
	}
	tracing.TraceDriverResult(spawnSpan, err)
	spawnSpan.End()

	if err != nil {
		return s.spawnFailed(err)
	}

	s.mu.Lock()
	s.execution = exec
	s.mu.Unlock()

	a.mirror.TurnStarted(context.Background(), s.id)

	// The initialize round trip runs alongside event consumption; blocking
	// on it here could deadlock against a filling event channel. Its
	// command descriptions enrich announcements once it lands.
	go s.fetchBackendCommands(ctx, exec)

	stop, err := s.consume(ctx, exec)
	a.mirror.TurnFinished(context.Background(), s.id, string(stop))
	return stop, err
}

// spawnFailed reports a launch failure to the client. Breaker accounting
// already happened inside the driver. A breaker rejection is terminal for
// the session; any other launch error leaves it idle so the client can
// retry the prompt.
func (s *Session) spawnFailed(err error) (acp.StopReason, error) {
	s.logger.Error("backend launch failed", zap.Error(err))
	s.publish(&translate.Notification{
		Kind: translate.KindMessageChunk,
		Text: fmt.Sprintf("Failed to start the backend: %v", err),
	})
	if errors.Is(err, breaker.ErrOpen) {
		s.fail(err)
	}
	return stopRefusal, nil
}

func (s *Session) consume(ctx context.Context, exec driver.Execution) (acp.StopReason, error) {
	events := exec.Events()
	resultError := false

	for {
		select {
		case <-ctx.Done():
			return s.abort(ctx, exec)
		case msg, ok := <-events:
			if !ok {
				return s.finish(exec, resultError)
			}
			if msg.Type == ampstream.MessageTypeResult && msg.IsError {
				resultError = true
			}
			s.observeThread(msg)
			tracing.TraceBackendEvent(ctx, msg.Type, s.id)
			for _, n := range s.translator.Translate(msg) {
				n := n
				s.publish(&n)
			}
		}
	}
}

// observeThread captures the backend's thread id the first time an event
// carries one, binding the session for continuation turns.
func (s *Session) observeThread(msg *ampstream.Message) {
	thread := msg.Thread()
	if thread == "" {
		return
	}

	s.mu.Lock()
	known := s.threadID
	s.threadID = thread
	s.mu.Unlock()
	if known == thread {
		return
	}

	s.logger.Info("bound backend thread", zap.String("thread_id", thread))
	if s.agent.store != nil {
		if err := s.agent.store.SetThreadID(context.Background(), s.id, thread); err != nil {
			s.logger.Warn("failed to persist thread binding", zap.Error(err))
		}
	}
}

// abort tears the backend down after a cancel, disconnect or timeout.
// Remaining backend output is discarded unread, but updates already
// enqueued still flush before the prompt returns.
func (s *Session) abort(ctx context.Context, exec driver.Execution) (acp.StopReason, error) {
	_ = exec.Stop(context.Background())
	for range exec.Events() {
		// Drain so the backend reader can exit; nothing is translated
		// after an abort.
	}
	_ = exec.Wait()

	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled || errors.Is(ctx.Err(), context.Canceled) {
		s.logger.Info("prompt cancelled")
		return stopCancelled, nil
	}

	s.logger.Warn("prompt timed out",
		zap.Duration("timeout", s.agent.cfg.Prompt.Timeout()))
	s.publish(&translate.Notification{
		Kind: translate.KindMessageChunk,
		Text: "The prompt timed out and the backend was stopped.",
	})
	return stopRefusal, nil
}

// finish resolves a turn whose event stream ended on its own.
func (s *Session) finish(exec driver.Execution, resultError bool) (acp.StopReason, error) {
	err := exec.Wait()

	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		// The interrupt landed and the backend wound down by itself.
		return stopCancelled, nil
	}

	if err != nil {
		s.logger.Error("backend turn failed", zap.Error(err))
		text := "The backend exited unexpectedly."
		if tail := exec.StderrTail(); tail != "" {
			text = fmt.Sprintf("The backend exited unexpectedly:\n\n```\n%s\n```", tail)
		}
		s.publish(&translate.Notification{Kind: translate.KindMessageChunk, Text: text})
		return stopRefusal, nil
	}
	if resultError {
		return stopRefusal, nil
	}
	return stopEndTurn, nil
}

// fetchBackendCommands performs the control-plane initialize round trip
// and caches the full command records it reports.
func (s *Session) fetchBackendCommands(ctx context.Context, exec driver.Execution) {
	data, err := exec.Initialize(ctx, initializeTimeout)
	if err != nil {
		s.logger.Debug("backend initialize round trip failed", zap.Error(err))
		return
	}
	if data == nil || len(data.Commands) == 0 {
		return
	}

	cmds := make([]translate.CommandInfo, len(data.Commands))
	for i, c := range data.Commands {
		cmds[i] = translate.CommandInfo{Name: c.Name, Description: c.Description}
	}
	s.mu.Lock()
	s.backendCmds = cmds
	s.mu.Unlock()
}

func (s *Session) workDir() string {
	if s.agent.cfg.Backend.WorkDir != "" {
		return s.agent.cfg.Backend.WorkDir
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) externalServers() []permbridge.ExternalServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extraServers
}

func (s *Session) touch() {
	if s.agent.store == nil {
		return
	}
	if err := s.agent.store.Touch(context.Background(), s.id); err != nil {
		s.logger.Debug("failed to touch session record", zap.Error(err))
	}
}

// close releases the session's delivery resources and aborts any active
// turn. Called on agent shutdown and when a session is replaced.
func (s *Session) close() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.queue.Close()
	s.agent.decider.ForgetSession(s.id)
}
