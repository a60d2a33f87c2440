package permbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/common/httpmw"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

const (
	// ServerName keys the bridge entry in the generated MCP config.
	ServerName = "permission"
	// ToolName is the tool the backend invokes for permission prompts.
	ToolName = "permission"
	// ShellToolName is the client-terminal shell tool, registered only when
	// a ShellRunner is attached.
	ShellToolName = "shell"
)

// PromptToolFlag is the --permission-prompt-tool value pointing the backend
// at the bridge tool.
func PromptToolFlag() string {
	return fmt.Sprintf("mcp__%s__%s", ServerName, ToolName)
}

// ShellRunner executes a command in a terminal on the connected client and
// returns its rendered output.
type ShellRunner interface {
	RunShell(ctx context.Context, sessionID, toolUseID, command string) (string, error)
}

// Bridge serves the permission tool over MCP. The backend CLI connects to it
// when spawned with --mcp-config and --permission-prompt-tool; every call
// lands in the shared Decider.
type Bridge struct {
	decider   *Decider
	logger    *logger.Logger
	mcpServer *server.MCPServer

	mu          sync.Mutex
	baseURL     string
	sseServer   *server.SSEServer
	httpMCP     *server.StreamableHTTPServer
	httpServer  *http.Server
	ln          net.Listener
	running     bool
	shellRunner ShellRunner
}

// New creates the bridge and registers the permission tool. Call Start for a
// standalone loopback listener or RegisterRoutes to mount on an existing
// router.
func New(decider *Decider, log *logger.Logger) *Bridge {
	b := &Bridge{
		decider: decider,
		logger:  log.WithFields(zap.String("component", "permission-bridge")),
	}
	b.mcpServer = server.NewMCPServer(
		"amp-acp-permission-bridge",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	b.registerTool()
	return b
}

type sessionKeyType struct{}

var sessionKey sessionKeyType

// sessionFromRequest copies the session query parameter into the tool
// handler's context. The generated MCP config pins it per backend spawn.
func sessionFromRequest(ctx context.Context, r *http.Request) context.Context {
	if sid := r.URL.Query().Get("session"); sid != "" {
		ctx = context.WithValue(ctx, sessionKey, sid)
	}
	return ctx
}

// SessionFromContext returns the session id carried by a bridge tool call,
// or "" when the caller did not identify one.
func SessionFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionKey).(string)
	return sid
}

func (b *Bridge) registerTool() {
	b.mcpServer.AddTool(
		mcp.NewToolWithRawSchema(ToolName,
			"Ask the connected client whether the agent may run a tool.",
			json.RawMessage(`{"type":"object","properties":{"tool_name":{"type":"string","description":"Name of the tool being invoked"},"input":{"type":"object","description":"Tool input as proposed by the model"},"tool_use_id":{"type":"string","description":"Backend identifier for this tool call"}},"required":["tool_name"]}`),
		),
		b.permissionHandler,
	)
}

func (b *Bridge) permissionHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	toolName, _ := args["tool_name"].(string)
	if toolName == "" {
		return mcp.NewToolResultError("tool_name is required"), nil
	}
	input, _ := args["input"].(map[string]any)
	toolUseID, _ := args["tool_use_id"].(string)
	sessionID := SessionFromContext(ctx)

	b.logger.Debug("permission tool call",
		zap.String("tool", toolName),
		zap.String("session_id", sessionID))

	dec := b.decider.Decide(ctx, Query{
		SessionID: sessionID,
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Input:     input,
	})

	payload, err := json.Marshal(ampstream.PermissionResult{
		Behavior: dec.Behavior,
		Message:  dec.Message,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode decision: %v", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// SetShellRunner exposes the shell tool backed by the given runner. The tool
// executes commands in a terminal on the connected client, so it is only
// registered once a runner exists. Call before the backend receives the
// bridge's configuration.
func (b *Bridge) SetShellRunner(r ShellRunner) {
	b.mu.Lock()
	register := b.shellRunner == nil && r != nil
	b.shellRunner = r
	b.mu.Unlock()
	if register {
		b.registerShellTool()
	}
}

func (b *Bridge) registerShellTool() {
	b.mcpServer.AddTool(
		mcp.NewToolWithRawSchema(ShellToolName,
			"Run a shell command in a terminal on the connected client.",
			json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command line to execute"},"tool_use_id":{"type":"string","description":"Backend identifier for this tool call"}},"required":["command"]}`),
		),
		b.shellHandler,
	)
}

func (b *Bridge) shellHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b.mu.Lock()
	runner := b.shellRunner
	b.mu.Unlock()
	if runner == nil {
		return mcp.NewToolResultError("shell execution is not available"), nil
	}

	args := req.GetArguments()
	command, _ := args["command"].(string)
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	toolUseID, _ := args["tool_use_id"].(string)
	sessionID := SessionFromContext(ctx)

	b.logger.Debug("shell tool call",
		zap.String("session_id", sessionID),
		zap.String("tool_use_id", toolUseID))

	output, err := runner.RunShell(ctx, sessionID, toolUseID, command)
	if err != nil {
		b.logger.Warn("client shell execution failed", zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

// RegisterRoutes mounts the MCP transports on an existing router that serves
// at baseURL. WithBaseURL ensures the SSE endpoint event carries the full
// message URL so clients can POST back.
func (b *Bridge) RegisterRoutes(router gin.IRouter, baseURL string) {
	b.mu.Lock()
	b.baseURL = strings.TrimRight(baseURL, "/")
	b.sseServer = server.NewSSEServer(b.mcpServer,
		server.WithBaseURL(b.baseURL),
		server.WithSSEContextFunc(sessionFromRequest),
	)
	b.httpMCP = server.NewStreamableHTTPServer(b.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(sessionFromRequest),
	)
	b.running = true
	b.mu.Unlock()

	router.GET("/sse", gin.WrapH(b.sseServer.SSEHandler()))
	router.POST("/message", gin.WrapH(b.sseServer.MessageHandler()))
	router.Any("/mcp", gin.WrapH(b.httpMCP))

	b.logger.Info("registered permission bridge routes",
		zap.String("sse", "/sse"), zap.String("http", "/mcp"))
}

// Start serves the bridge on its own listener. addr may end in :0 to pick an
// ephemeral loopback port; Addr reports the bound address.
func (b *Bridge) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("permission bridge listen: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(b.logger, "permission-bridge"))
	router.Use(httpmw.OtelTracing("permission-bridge"))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	b.RegisterRoutes(router, fmt.Sprintf("http://%s", ln.Addr().String()))

	srv := &http.Server{Handler: router}
	b.mu.Lock()
	b.ln = ln
	b.httpServer = srv
	b.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("permission bridge server error", zap.Error(err))
		}
	}()

	b.logger.Info("permission bridge listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr().String()
}

// Close shuts down the MCP transports and the standalone listener if one was
// started.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false

	if b.sseServer != nil {
		if err := b.sseServer.Shutdown(ctx); err != nil {
			b.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if b.httpMCP != nil {
		if err := b.httpMCP.Shutdown(ctx); err != nil {
			b.logger.Warn("failed to shutdown HTTP server", zap.Error(err))
		}
	}
	if b.httpServer != nil {
		if err := b.httpServer.Shutdown(ctx); err != nil {
			b.logger.Warn("failed to shutdown bridge listener", zap.Error(err))
		}
	}
	return nil
}
