package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/breaker"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

const (
	// stopGracePeriod is how long Stop waits after the graceful signal
	// before force-killing the process group.
	stopGracePeriod = 2 * time.Second

	// stderrTailBytes bounds the retained stderr per execution.
	stderrTailBytes = 64 * 1024

	// eventBuffer is the per-execution message channel capacity.
	eventBuffer = 128
)

// SubprocessConfig configures the CLI-backed driver.
type SubprocessConfig struct {
	// Command is the backend binary, resolved via PATH when not absolute.
	Command string
	// Args are prepended to every invocation before the stream flags.
	Args []string
	// WorkDir is the working directory when a request names none.
	WorkDir string
	// Env holds extra environment variables merged into every invocation.
	Env    map[string]string
	Logger *logger.Logger
	// Breaker guards process spawning. May be nil.
	Breaker *breaker.Breaker
}

// Subprocess runs the backend CLI one process per prompt. The prompt is
// written to stdin as a stream-json user message, stdin is closed to mark
// the turn input complete, and the process exits after writing its result.
// Follow-up turns resume the thread with a continue invocation.
type Subprocess struct {
	cfg    SubprocessConfig
	logger *logger.Logger
	brk    *breaker.Breaker
}

// NewSubprocess creates the CLI-backed driver.
func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Subprocess{
		cfg: cfg,
		logger: log.WithFields(
			zap.String("component", "subprocess-driver"),
			zap.String("command", cfg.Command)),
		brk: cfg.Breaker,
	}
}

func (d *Subprocess) Name() string {
	return filepath.Base(d.cfg.Command)
}

func (d *Subprocess) SupportsContinuation() bool { return true }

func (d *Subprocess) Execute(ctx context.Context, req Request) (Execution, error) {
	return d.spawn(ctx, req, "")
}

func (d *Subprocess) Continue(ctx context.Context, threadID string, req Request) (Execution, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	return d.spawn(ctx, req, threadID)
}

func (d *Subprocess) spawn(ctx context.Context, req Request, threadID string) (Execution, error) {
	if d.brk != nil {
		if err := d.brk.Allow(); err != nil {
			return nil, err
		}
	}

	args := d.buildArgs(req, threadID)
	cmd := exec.CommandContext(ctx, d.cfg.Command, args...)
	switch {
	case req.WorkDir != "":
		cmd.Dir = req.WorkDir
	case d.cfg.WorkDir != "":
		cmd.Dir = d.cfg.WorkDir
	}
	cmd.Env = mergeEnv(d.cfg.Env, req.Env)
	setProcGroup(cmd)
	// Context cancellation follows the same sequence as Stop: SIGTERM to
	// the group first, force-kill only after the grace period.
	var cancelled atomic.Bool
	cmd.Cancel = func() error {
		cancelled.Store(true)
		if cmd.Process == nil {
			return nil
		}
		if err := terminateProcessGroup(cmd.Process.Pid); err != nil {
			// The group is already gone, or the signal failed and the
			// WaitDelay kill is the backstop.
			return os.ErrProcessDone
		}
		return nil
	}
	cmd.WaitDelay = stopGracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	d.logger.Info("spawning backend process",
		zap.Strings("args", args),
		zap.String("dir", cmd.Dir),
		zap.Bool("continuation", threadID != ""))

	if err := cmd.Start(); err != nil {
		if d.brk != nil {
			d.brk.RecordFailure()
		}
		return nil, fmt.Errorf("failed to start %s: %w", d.cfg.Command, err)
	}

	client := ampstream.NewClient(stdin, stdout, d.logger)
	if req.OnControlRequest != nil {
		handler := req.OnControlRequest
		client.SetRequestHandler(func(requestID string, creq *ampstream.ControlRequest) {
			handler(requestID, creq, client.SendControlResponse)
		})
	}

	e := &subprocessExecution{
		logger:     d.logger,
		cmd:        cmd,
		client:     client,
		brk:        d.brk,
		cancelled:  &cancelled,
		events:     make(chan *ampstream.Message, eventBuffer),
		stderr:     newTailBuffer(stderrTailBytes),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	client.SetMessageHandler(e.forward)
	client.Start(ctx)
	go e.readStderr(stderr)
	go e.watch()

	if err := client.SendUserMessage(req.Prompt); err != nil {
		_ = e.Stop(ctx)
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}
	// EOF on stdin tells the process the turn input is complete. With a
	// control handler installed the pipe stays open so control responses
	// can still be written; the process ends the turn via its result
	// message instead.
	if req.OnControlRequest == nil {
		if err := stdin.Close(); err != nil {
			d.logger.Debug("failed to close stdin pipe", zap.Error(err))
		}
	}

	return e, nil
}

// buildArgs assembles the invocation. Continuation turns route through the
// threads subcommand; the stream flags select NDJSON on both directions.
func (d *Subprocess) buildArgs(req Request, threadID string) []string {
	args := append([]string{}, d.cfg.Args...)
	if threadID != "" {
		args = append(args, "threads", "continue", threadID)
	}
	args = append(args, "--execute", "--stream-json", "--stream-json-input")
	if req.MCPConfig != "" {
		args = append(args, "--mcp-config", req.MCPConfig)
	}
	if req.PermissionTool != "" {
		args = append(args, "--permission-prompt-tool", req.PermissionTool)
	}
	return args
}

// subprocessExecution is one running backend process.
type subprocessExecution struct {
	logger *logger.Logger
	cmd    *exec.Cmd
	client *ampstream.Client
	brk    *breaker.Breaker

	events     chan *ampstream.Message
	stderr     *tailBuffer
	stderrDone chan struct{}

	// The breaker hears a success on the first protocol message and a
	// failure when the process dies before producing one. Launching is
	// not enough: a binary that starts and exits immediately is as
	// broken as one that never starts. Deliberate termination is exempt.
	healthyOnce sync.Once
	sawHealthy  atomic.Bool
	cancelled   *atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
	waitErr  error
}

func (e *subprocessExecution) markHealthy() {
	e.healthyOnce.Do(func() {
		e.sawHealthy.Store(true)
		if e.brk != nil {
			e.brk.RecordSuccess()
		}
	})
}

func (e *subprocessExecution) Events() <-chan *ampstream.Message {
	return e.events
}

func (e *subprocessExecution) Initialize(ctx context.Context, timeout time.Duration) (*ampstream.InitializeResponseData, error) {
	return e.client.Initialize(ctx, timeout)
}

func (e *subprocessExecution) Interrupt() error {
	return e.client.Interrupt()
}

func (e *subprocessExecution) SetPermissionMode(mode string) error {
	return e.client.SetPermissionMode(mode)
}

func (e *subprocessExecution) Wait() error {
	<-e.done
	return e.waitErr
}

func (e *subprocessExecution) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.cancelled.Store(true)
		proc := e.cmd.Process
		if proc == nil {
			return
		}
		pid := proc.Pid
		e.logger.Info("stopping backend process", zap.Int("pid", pid))
		if err := terminateProcessGroup(pid); err != nil {
			e.logger.Debug("process group terminate failed, killing directly", zap.Error(err))
			_ = proc.Kill()
		}
		go func() {
			select {
			case <-e.done:
			case <-time.After(stopGracePeriod):
				_ = killProcessGroup(pid)
			case <-ctx.Done():
				_ = killProcessGroup(pid)
			}
		}()
	})
	return nil
}

func (e *subprocessExecution) StderrTail() string {
	return e.stderr.String()
}

// forward hands one message to the events channel. Sends block until the
// consumer drains or the execution ends, so arrival order is preserved.
func (e *subprocessExecution) forward(msg *ampstream.Message) {
	if msg.Type != ampstream.MessageTypeRawOutput {
		e.markHealthy()
	}
	select {
	case e.events <- msg:
	case <-e.done:
	}
}

func (e *subprocessExecution) readStderr(r io.Reader) {
	defer close(e.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		e.stderr.Append(line)
		e.logger.Debug("backend stderr", zap.String("line", line))
	}
}

// watch reaps the process after both output pipes hit EOF, then closes the
// events channel. Waiting for the pipes first means no trailing lines are
// lost to the reap.
func (e *subprocessExecution) watch() {
	<-e.client.Done()
	<-e.stderrDone

	err := e.cmd.Wait()
	if err != nil {
		e.logger.Warn("backend process exited with error", zap.Error(err))
		if e.brk != nil && !e.sawHealthy.Load() && !e.cancelled.Load() {
			e.brk.RecordFailure()
		}
		err = fmt.Errorf("backend process: %w", err)
	} else {
		e.markHealthy()
	}

	e.waitErr = err
	close(e.events)
	close(e.done)
}

// tailBuffer keeps the most recent lines within a byte budget. Oldest
// lines are evicted first, so a chatty process cannot grow it unbounded.
type tailBuffer struct {
	mu       sync.Mutex
	maxBytes int
	size     int
	lines    []string
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = stderrTailBytes
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.size += len(line)
	for b.size > b.maxBytes && len(b.lines) > 0 {
		b.size -= len(b.lines[0])
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// mergeEnv layers override maps on top of the parent environment.
func mergeEnv(overrides ...map[string]string) []string {
	base := make(map[string]string)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for _, m := range overrides {
		for k, v := range m {
			base[k] = v
		}
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
