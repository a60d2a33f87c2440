// Package main is the entry point for the amp-acp binary.
// amp-acp fronts the Amp CLI as an ACP agent: an editor speaks ACP over
// stdio or WebSocket while the adapter drives the CLI's stream-json
// interface underneath.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edlsh/amp-acp/internal/breaker"
	"github.com/edlsh/amp-acp/internal/commands"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/config"
	"github.com/edlsh/amp-acp/internal/driver"
	"github.com/edlsh/amp-acp/internal/eventmirror"
	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/session"
	"github.com/edlsh/amp-acp/internal/store"
	"github.com/edlsh/amp-acp/internal/tracing"
	"github.com/edlsh/amp-acp/internal/wsbridge"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configFlag  = flag.String("config", "", "directory containing amp-acp.yaml")
	versionFlag = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadWithPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("amp-acp failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	if cfg.Backend.InProcess {
		return errors.New("backend.inProcess requires embedding the session package with a custom engine; this binary always drives the CLI")
	}

	log.Info("starting amp-acp",
		zap.String("version", version),
		zap.String("backend", cfg.Backend.Command),
		zap.String("listen", cfg.Listen.Addr))

	// Thread store. An empty path runs without persistence, which also
	// disables the session load capability.
	var st *store.Store
	if cfg.Store.Path != "" {
		var err error
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open thread store: %w", err)
		}
		defer st.Close()
		log.Info("thread store open", zap.String("path", cfg.Store.Path))
	}

	// Event bus, NATS when configured and in-memory otherwise.
	bus, busCleanup, err := eventmirror.Provide(cfg.Events, log)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("event bus close error", zap.Error(err))
		}
	}()
	mirror := eventmirror.New(bus, log)

	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetInterval(),
		breaker.WithStateChange(func(from, to breaker.State) {
			mirror.BreakerTransition(context.Background(), from, to)
		}))

	decider := permbridge.NewDecider(cfg.Permissions, nil, log)
	bridge := permbridge.New(decider, log)

	drv := driver.NewSubprocess(driver.SubprocessConfig{
		Command: cfg.Backend.Command,
		Args:    cfg.Backend.Args,
		WorkDir: cfg.Backend.WorkDir,
		Logger:  log,
		Breaker: brk,
	})

	registry, err := commands.New(log)
	if err != nil {
		return fmt.Errorf("load command registry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	newAgent := func() (*session.Agent, error) {
		return session.New(session.Options{
			Config:   cfg,
			Driver:   drv,
			Breaker:  brk,
			Store:    st,
			Mirror:   mirror,
			Decider:  decider,
			Bridge:   bridge,
			Commands: registry,
			Logger:   log,
			Version:  version,
		})
	}

	if cfg.Listen.Addr != "" {
		return serveWebSocket(cfg, log, newAgent, bridge, decider)
	}
	return serveStdio(cfg, log, newAgent, bridge, decider)
}

// serveStdio runs a single agent over stdin/stdout until the client closes
// the stream or a signal arrives. The permission bridge gets its own
// listener here since there is no HTTP server to mount it on.
func serveStdio(cfg *config.Config, log *logger.Logger, newAgent func() (*session.Agent, error), bridge *permbridge.Bridge, decider *permbridge.Decider) error {
	if cfg.Permissions.BridgeAddr != "" {
		if err := bridge.Start(cfg.Permissions.BridgeAddr); err != nil {
			return fmt.Errorf("start permission bridge: %w", err)
		}
	} else {
		// No bridge address means the backend runs without the MCP
		// permission round trip; the decider then auto-allows.
		bridge = nil
	}

	agent, err := newAgent()
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	decider.SetRequester(agent)
	if bridge != nil {
		bridge.SetShellRunner(agent)
	}

	pipe := newStdioPipe()
	conn := acp.NewAgentSideConnection(agent, pipe, pipe)
	conn.SetLogger(slog.Default().With("component", "acp-conn"))
	agent.SetConn(conn)

	log.Info("serving ACP on stdio")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-pipe.Done():
		log.Info("client closed the stream")
	case sig := <-quit:
		log.Info("shutting down on signal", zap.String("signal", sig.String()))
	}

	agent.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if bridge != nil {
		if err := bridge.Close(ctx); err != nil {
			log.Error("permission bridge close error", zap.Error(err))
		}
	}
	log.Info("amp-acp stopped")
	return nil
}

// serveWebSocket runs the multi-connection listener. The permission bridge
// rides the same HTTP server, mounted by Start once the address is bound.
func serveWebSocket(cfg *config.Config, log *logger.Logger, newAgent func() (*session.Agent, error), bridge *permbridge.Bridge, decider *permbridge.Decider) error {
	srv, err := wsbridge.New(wsbridge.Options{
		Factory: newAgent,
		Bridge:  bridge,
		Decider: decider,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}
	if err := srv.Start(cfg.Listen.Addr); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	log.Info("serving ACP over WebSocket", zap.String("addr", srv.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	sig := <-quit
	log.Info("shutting down on signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Shutdown(ctx) })
	g.Go(func() error { return bridge.Close(ctx) })
	if err := g.Wait(); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("amp-acp stopped")
	return nil
}

// stdioPipe adapts stdin/stdout to the connection's stream interface and
// reports when the peer goes away. Reads and writes go straight through;
// only the Done signal is synthesized.
type stdioPipe struct {
	doneOnce sync.Once
	done     chan struct{}
}

func newStdioPipe() *stdioPipe {
	return &stdioPipe{done: make(chan struct{})}
}

func (p *stdioPipe) Read(b []byte) (int, error) {
	n, err := os.Stdin.Read(b)
	if err != nil {
		p.markDone()
	}
	return n, err
}

func (p *stdioPipe) Write(b []byte) (int, error) {
	n, err := os.Stdout.Write(b)
	if err != nil {
		p.markDone()
	}
	return n, err
}

func (p *stdioPipe) Close() error {
	p.markDone()
	return nil
}

// Done is closed once the stream is unusable, stdin EOF included.
func (p *stdioPipe) Done() <-chan struct{} {
	return p.done
}

func (p *stdioPipe) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}
