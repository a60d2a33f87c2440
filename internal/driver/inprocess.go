package driver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// Engine is an in-process backend: a Go implementation that emits the same
// stream-json messages the CLI would write.
type Engine interface {
	Name() string

	// Run executes one prompt turn, delivering messages through emit until
	// the turn completes. Run returns once everything is emitted; honoring
	// ctx cancellation is the engine's responsibility.
	Run(ctx context.Context, req Request, emit func(*ampstream.Message)) error
}

// EngineInterrupter is implemented by engines that can wind down the
// current operation without tearing the turn down.
type EngineInterrupter interface {
	Interrupt() error
}

// EngineModeSwitcher is implemented by engines that honor permission mode
// changes mid-turn.
type EngineModeSwitcher interface {
	SetPermissionMode(mode string) error
}

// EngineCommandLister is implemented by engines that expose slash commands.
type EngineCommandLister interface {
	Commands() []ampstream.SlashCommand
}

// InProcess adapts an Engine to the Driver interface. There is no thread
// state outside the engine, so continuation is unavailable and every turn
// starts from the prompt alone.
type InProcess struct {
	engine Engine
	logger *logger.Logger
}

// NewInProcess wraps an engine as a driver.
func NewInProcess(engine Engine, log *logger.Logger) *InProcess {
	if log == nil {
		log = logger.Default()
	}
	return &InProcess{
		engine: engine,
		logger: log.WithFields(
			zap.String("component", "inprocess-driver"),
			zap.String("engine", engine.Name())),
	}
}

func (d *InProcess) Name() string { return d.engine.Name() }

func (d *InProcess) SupportsContinuation() bool { return false }

func (d *InProcess) Execute(ctx context.Context, req Request) (Execution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e := &engineExecution{
		engine: d.engine,
		logger: d.logger,
		events: make(chan *ampstream.Message, eventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go e.run(runCtx, req)
	return e, nil
}

func (d *InProcess) Continue(ctx context.Context, threadID string, req Request) (Execution, error) {
	return nil, ErrContinuationUnsupported
}

// engineExecution is one running engine turn.
type engineExecution struct {
	engine Engine
	logger *logger.Logger

	events  chan *ampstream.Message
	cancel  context.CancelFunc
	done    chan struct{}
	waitErr error
}

func (e *engineExecution) run(ctx context.Context, req Request) {
	err := e.engine.Run(ctx, req, func(msg *ampstream.Message) {
		select {
		case e.events <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		e.logger.Warn("engine turn failed", zap.Error(err))
	}
	e.waitErr = err
	close(e.events)
	close(e.done)
}

func (e *engineExecution) Events() <-chan *ampstream.Message {
	return e.events
}

func (e *engineExecution) Initialize(ctx context.Context, timeout time.Duration) (*ampstream.InitializeResponseData, error) {
	if lister, ok := e.engine.(EngineCommandLister); ok {
		return &ampstream.InitializeResponseData{Commands: lister.Commands()}, nil
	}
	return nil, nil
}

func (e *engineExecution) Interrupt() error {
	if in, ok := e.engine.(EngineInterrupter); ok {
		return in.Interrupt()
	}
	// No graceful path: cancel the turn outright.
	e.cancel()
	return nil
}

func (e *engineExecution) SetPermissionMode(mode string) error {
	if ms, ok := e.engine.(EngineModeSwitcher); ok {
		return ms.SetPermissionMode(mode)
	}
	return fmt.Errorf("engine %q does not support permission mode changes", e.engine.Name())
}

func (e *engineExecution) Wait() error {
	<-e.done
	return e.waitErr
}

func (e *engineExecution) Stop(ctx context.Context) error {
	e.cancel()
	return nil
}

func (e *engineExecution) StderrTail() string { return "" }
