// Package wsbridge serves the ACP agent over WebSocket for clients that
// connect across the network instead of spawning the adapter on stdio. Each
// connection gets its own agent with its own session registry; the socket is
// wrapped in a byte-stream adapter so the ACP connection speaks the same
// newline-delimited JSON-RPC it would on stdio.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/acp-go-sdk"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/common/httpmw"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/session"
)

// AgentFactory builds a fresh agent for one client connection.
type AgentFactory func() (*session.Agent, error)

// Options configures the WebSocket server.
type Options struct {
	// Factory is called once per accepted connection.
	Factory AgentFactory

	// Bridge, when set, has its MCP routes mounted on the same router so
	// one listener serves both the ACP clients and the backend CLI.
	Bridge *permbridge.Bridge

	// Decider, when set, gets its permission prompts routed to whichever
	// connection owns the session.
	Decider *permbridge.Decider

	Logger *logger.Logger
}

// Server accepts ACP clients over WebSocket.
type Server struct {
	factory AgentFactory
	bridge  *permbridge.Bridge
	logger  *logger.Logger
	router  *gin.Engine
	agents  *agentRouter

	upgrader websocket.Upgrader

	mu         sync.Mutex
	closed     bool
	ln         net.Listener
	httpServer *http.Server
	streams    map[*wsStream]struct{}
	conns      sync.WaitGroup
}

// New builds the server and its router. Start binds the listener.
func New(opts Options) (*Server, error) {
	if opts.Factory == nil {
		return nil, errors.New("agent factory is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		factory: opts.Factory,
		bridge:  opts.Bridge,
		logger:  log.WithFields(zap.String("component", "wsbridge")),
		agents:  newAgentRouter(),
		streams: make(map[*wsStream]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local adapter endpoint, clients pick the bind address
			},
		},
	}

	if opts.Decider != nil {
		opts.Decider.SetRequester(s.agents)
	}
	if s.bridge != nil {
		s.bridge.SetShellRunner(s.agents)
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "wsbridge"))
	s.router.Use(httpmw.OtelTracing("wsbridge"))
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/acp", s.handleACP)

	return s, nil
}

// Start binds addr and serves until Shutdown. The permission bridge routes
// mount here because their base URL needs the bound address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wsbridge listen: %w", err)
	}

	if s.bridge != nil {
		s.bridge.RegisterRoutes(s.router, fmt.Sprintf("http://%s", ln.Addr().String()))
	}

	srv := &http.Server{Handler: s.router}
	s.mu.Lock()
	s.ln = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("wsbridge server error", zap.Error(err))
		}
	}()

	s.logger.Info("serving ACP over WebSocket", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handleACP(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	stream := newWSStream(conn)
	if !s.track(stream) {
		_ = stream.Close()
		return
	}
	defer s.untrack(stream)

	agent, err := s.factory()
	if err != nil {
		s.logger.Error("failed to build agent for connection", zap.Error(err))
		_ = stream.Close()
		return
	}

	acpConn := acp.NewAgentSideConnection(agent, stream, stream)
	acpConn.SetLogger(slog.Default().With("component", "acp-conn"))
	agent.SetConn(acpConn)
	s.agents.add(agent)

	remote := conn.RemoteAddr().String()
	s.logger.Info("ACP client connected", zap.String("remote", remote))

	// The connection owns the handler goroutine until the socket stops
	// carrying data in either direction.
	<-stream.Done()

	s.agents.remove(agent)
	agent.Shutdown()
	_ = stream.Close()
	s.logger.Info("ACP client disconnected", zap.String("remote", remote))
}

func (s *Server) track(st *wsStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams[st] = struct{}{}
	s.conns.Add(1)
	return true
}

func (s *Server) untrack(st *wsStream) {
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
	s.conns.Done()
}

// Shutdown closes every client connection, waits for their agents to stop,
// then shuts the listener down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpServer
	streams := make([]*wsStream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		_ = st.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for ACP connections to close")
	}

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
