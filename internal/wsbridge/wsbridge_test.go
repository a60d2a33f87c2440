package wsbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edlsh/amp-acp/internal/breaker"
	"github.com/edlsh/amp-acp/internal/commands"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/config"
	"github.com/edlsh/amp-acp/internal/driver"
	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/session"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		Backend:     config.BackendConfig{Command: "amp"},
		Prompt:      config.PromptConfig{TimeoutSeconds: 30, StaleToolAgeSeconds: 600},
		Display:     config.DisplayConfig{NestedPolicy: "inline", MaxListedFailures: 3, RecentCompleted: 3},
		Breaker:     config.BreakerConfig{FailureThreshold: 3, ResetIntervalSeconds: 30},
		Permissions: config.PermissionsConfig{Mode: "default", RequestTimeoutSeconds: 5},
	}
}

func initMsg(thread string) *ampstream.Message {
	return &ampstream.Message{
		Type:      ampstream.MessageTypeSystem,
		Subtype:   ampstream.SubtypeInit,
		SessionID: thread,
		Model:     "amp-default",
	}
}

func assistantText(thread, text string) *ampstream.Message {
	content, err := json.Marshal([]map[string]any{{"type": "text", "text": text}})
	if err != nil {
		panic(err)
	}
	return &ampstream.Message{
		Type:      ampstream.MessageTypeAssistant,
		SessionID: thread,
		Message:   &ampstream.ChatMessage{Role: "assistant", Content: content},
	}
}

func resultMsg(thread string) *ampstream.Message {
	return &ampstream.Message{
		Type:      ampstream.MessageTypeResult,
		Subtype:   "success",
		SessionID: thread,
		Result:    json.RawMessage(`"done"`),
	}
}

// scriptEngine answers every prompt with one assistant message.
type scriptEngine struct {
	mu      sync.Mutex
	prompts []string
}

func (e *scriptEngine) Name() string { return "script" }

func (e *scriptEngine) Run(ctx context.Context, req driver.Request, emit func(*ampstream.Message)) error {
	e.mu.Lock()
	e.prompts = append(e.prompts, req.Prompt)
	e.mu.Unlock()

	emit(initMsg("thread-ws"))
	emit(assistantText("thread-ws", "Hello from the backend"))
	emit(resultMsg("thread-ws"))
	return nil
}

// permissionEngine raises one can_use_tool request and records the verdict.
type permissionEngine struct {
	mu       sync.Mutex
	behavior string
}

func (e *permissionEngine) Name() string { return "perm-script" }

func (e *permissionEngine) Run(ctx context.Context, req driver.Request, emit func(*ampstream.Message)) error {
	emit(initMsg("thread-perm"))

	if req.OnControlRequest != nil {
		done := make(chan struct{})
		req.OnControlRequest("ctl-1", &ampstream.ControlRequest{
			Subtype:  ampstream.SubtypeCanUseTool,
			ToolName: "Bash",
			Input:    map[string]any{"command": "ls"},
		}, func(resp *ampstream.ControlResponseMessage) error {
			e.mu.Lock()
			if resp.Response != nil && resp.Response.Result != nil {
				e.behavior = resp.Response.Result.Behavior
			}
			e.mu.Unlock()
			close(done)
			return nil
		})
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	emit(assistantText("thread-perm", "permission resolved"))
	emit(resultMsg("thread-perm"))
	return nil
}

func (e *permissionEngine) verdict() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.behavior
}

func newTestServer(t *testing.T, engine driver.Engine) *Server {
	t.Helper()
	log := testLogger(t)
	cfg := testConfig()
	drv := driver.NewInProcess(engine, log)
	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetInterval())
	registry, err := commands.New(log)
	require.NoError(t, err)
	decider := permbridge.NewDecider(cfg.Permissions, nil, log)

	srv, err := New(Options{
		Factory: func() (*session.Agent, error) {
			return session.New(session.Options{
				Config:   cfg,
				Driver:   drv,
				Breaker:  brk,
				Decider:  decider,
				Commands: registry,
				Logger:   log,
				Version:  "test",
			})
		},
		Decider: decider,
		Logger:  log,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// acpClient drives the agent with raw JSON-RPC frames, the same wire an ACP
// client library would produce.
type acpClient struct {
	t       *testing.T
	conn    *websocket.Conn
	buf     []byte
	updates []json.RawMessage
}

func dialACP(t *testing.T, addr string) *acpClient {
	t.Helper()
	wsURL := fmt.Sprintf("ws://%s/acp", addr)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return &acpClient{t: t, conn: conn}
}

func (c *acpClient) send(format string, args ...any) {
	c.t.Helper()
	msg := fmt.Sprintf(format, args...)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(msg+"\n")))
}

// waitForResponse reads frames until the response with the given id arrives.
// Notifications seen along the way are collected, and permission requests
// from the agent are answered with the first allow option.
func (c *acpClient) waitForResponse(id int) rpcMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		line, ok := c.nextLine()
		require.True(c.t, ok, "connection closed waiting for response %d", id)

		var msg rpcMessage
		require.NoError(c.t, json.Unmarshal(line, &msg))

		switch {
		case msg.Method == "session/update":
			c.updates = append(c.updates, msg.Params)
		case msg.Method == "session/request_permission":
			c.approvePermission(msg)
		case msg.Method == "":
			if idNum, ok := msg.ID.(float64); ok && int(idNum) == id {
				return msg
			}
		}
	}
}

func (c *acpClient) approvePermission(msg rpcMessage) {
	c.t.Helper()
	var params struct {
		Options []struct {
			OptionID string `json:"optionId"`
			Kind     string `json:"kind"`
		} `json:"options"`
	}
	require.NoError(c.t, json.Unmarshal(msg.Params, &params))
	optionID := ""
	for _, opt := range params.Options {
		if bytes.Contains([]byte(opt.Kind), []byte("allow")) {
			optionID = opt.OptionID
			break
		}
	}
	require.NotEmpty(c.t, optionID, "no allow option offered")
	c.send(`{"jsonrpc":"2.0","id":%v,"result":{"outcome":{"selected":{"optionId":"%s"}}}}`, msg.ID, optionID)
}

func (c *acpClient) nextLine() ([]byte, bool) {
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			line := c.buf[:i]
			c.buf = c.buf[i+1:]
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			return line, true
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, false
		}
		c.buf = append(c.buf, data...)
	}
}

func (c *acpClient) messageTexts() []string {
	var texts []string
	for _, params := range c.updates {
		var p struct {
			Update struct {
				SessionUpdate string `json:"sessionUpdate"`
				Content       struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"update"`
		}
		if json.Unmarshal(params, &p) == nil && p.Update.SessionUpdate == "agent_message_chunk" {
			texts = append(texts, p.Update.Content.Text)
		}
	}
	return texts
}

func (c *acpClient) newSession(t *testing.T, id int) string {
	t.Helper()
	c.send(`{"jsonrpc":"2.0","id":%d,"method":"session/new","params":{"cwd":"%s","mcpServers":[]}}`, id, t.TempDir())
	resp := c.waitForResponse(id)
	require.Nil(t, resp.Error)
	var result struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.SessionID)
	return result.SessionID
}

func (c *acpClient) initialize(t *testing.T) rpcMessage {
	t.Helper()
	c.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1,"clientInfo":{"name":"test","version":"1.0"}}}`)
	resp := c.waitForResponse(1)
	require.Nil(t, resp.Error)
	return resp
}

func TestServeACPOverWebSocket(t *testing.T) {
	engine := &scriptEngine{}
	srv := newTestServer(t, engine)
	client := dialACP(t, srv.Addr())

	resp := client.initialize(t)
	var initResult struct {
		ProtocolVersion int `json:"protocolVersion"`
		AgentInfo       struct {
			Name string `json:"name"`
		} `json:"agentInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &initResult))
	assert.Equal(t, 1, initResult.ProtocolVersion)
	assert.Equal(t, "amp-acp", initResult.AgentInfo.Name)

	sessionID := client.newSession(t, 2)

	client.send(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"%s","prompt":[{"type":"text","text":"hi"}]}}`, sessionID)
	resp = client.waitForResponse(3)
	require.Nil(t, resp.Error)
	var promptResult struct {
		StopReason string `json:"stopReason"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &promptResult))
	assert.Equal(t, "end_turn", promptResult.StopReason)

	assert.Contains(t, client.messageTexts(), "Hello from the backend")

	engine.mu.Lock()
	prompts := append([]string(nil), engine.prompts...)
	engine.mu.Unlock()
	assert.Equal(t, []string{"hi"}, prompts)
}

func TestPermissionPromptRoundTripsThroughSocket(t *testing.T) {
	engine := &permissionEngine{}
	srv := newTestServer(t, engine)
	client := dialACP(t, srv.Addr())

	client.initialize(t)
	sessionID := client.newSession(t, 2)

	client.send(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"%s","prompt":[{"type":"text","text":"run ls"}]}}`, sessionID)
	resp := client.waitForResponse(3)
	require.Nil(t, resp.Error)

	var promptResult struct {
		StopReason string `json:"stopReason"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &promptResult))
	assert.Equal(t, "end_turn", promptResult.StopReason)
	assert.Equal(t, "allow", engine.verdict())
	assert.Contains(t, client.messageTexts(), "permission resolved")
}

func TestEachConnectionOwnsItsSessions(t *testing.T) {
	srv := newTestServer(t, &scriptEngine{})
	first := dialACP(t, srv.Addr())
	second := dialACP(t, srv.Addr())

	first.initialize(t)
	second.initialize(t)
	firstID := first.newSession(t, 2)
	secondID := second.newSession(t, 2)
	require.NotEqual(t, firstID, secondID)

	ownerA, ok := srv.agents.owner(firstID)
	require.True(t, ok)
	ownerB, ok := srv.agents.owner(secondID)
	require.True(t, ok)
	assert.NotSame(t, ownerA, ownerB)
}

func TestDisconnectReleasesAgent(t *testing.T) {
	srv := newTestServer(t, &scriptEngine{})
	client := dialACP(t, srv.Addr())

	client.initialize(t)
	id := client.newSession(t, 2)

	_, ok := srv.agents.owner(id)
	require.True(t, ok)

	require.NoError(t, client.conn.Close())

	require.Eventually(t, func() bool {
		_, ok := srv.agents.owner(id)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &scriptEngine{})

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	srv := newTestServer(t, &scriptEngine{})
	client := dialACP(t, srv.Addr())
	client.initialize(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
