package main

import "encoding/json"

// Message types
const (
	TypeSystem          = "system"
	TypeAssistant       = "assistant"
	TypeUser            = "user"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Content block types
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Tool names matching Amp conventions. Bash takes "cmd" and Read takes
// "path", unlike other Claude-style CLIs.
const (
	ToolBash      = "Bash"
	ToolRead      = "Read"
	ToolEdit      = "Edit"
	ToolGrep      = "Grep"
	ToolTask      = "Task"
	ToolTodoWrite = "TodoWrite"
	ToolWebFetch  = "WebFetch"
)

// IncomingMessage is a minimal struct for parsing stdin lines.
type IncomingMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Request   *IncomingRequest `json:"request,omitempty"`
	Message   *IncomingBody    `json:"message,omitempty"`
	Response  *IncomingControl `json:"response,omitempty"`
}

// IncomingRequest is the body of a control request from the adapter.
type IncomingRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// IncomingBody is the message body for user messages.
type IncomingBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IncomingControl is the body of a control_response from the adapter,
// answering a permission request. The request id sits on the envelope.
type IncomingControl struct {
	Subtype string           `json:"subtype"`
	Result  *PermissionReply `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// PermissionReply is the verdict for a can_use_tool request.
type PermissionReply struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// --- Outgoing message types (written to stdout) ---

// SystemMsg opens every turn with thread metadata.
type SystemMsg struct {
	Type           string   `json:"type"`
	Subtype        string   `json:"subtype"`
	SessionID      string   `json:"session_id"`
	Model          string   `json:"model"`
	Cwd            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	SlashCommands  []string `json:"slash_commands,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
}

// AssistantMsg is an assistant message with content blocks.
type AssistantMsg struct {
	Type            string        `json:"type"`
	SessionID       string        `json:"session_id"`
	ParentToolUseID string        `json:"parent_tool_use_id,omitempty"`
	IsReplay        bool          `json:"isReplay,omitempty"`
	Message         AssistantBody `json:"message"`
}

// AssistantBody is the body of an assistant message.
type AssistantBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block inside an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage carries token counters.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UserMsg carries tool results back into the transcript.
type UserMsg struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"session_id"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`
	Message         UserMsgBody `json:"message"`
}

// UserMsgBody is the body of a user message.
type UserMsgBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ResultMsg ends a turn.
type ResultMsg struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"is_error"`
	DurationMS int64           `json:"duration_ms"`
	NumTurns   int             `json:"num_turns"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// ResultData is the result object for successful turns.
type ResultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ControlRequestMsg asks the adapter for a tool permission.
type ControlRequestMsg struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of a can_use_tool request.
type ControlRequestBody struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMsg answers a control request from the adapter. The
// request id lives inside the response object on this direction.
type ControlResponseMsg struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the body of a control response.
type ControlResponseBody struct {
	Subtype   string              `json:"subtype"`
	RequestID string              `json:"request_id"`
	Response  *InitializeResponse `json:"response,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// InitializeResponse answers the adapter's initialize request.
type InitializeResponse struct {
	Commands []Command `json:"commands"`
	Agents   []string  `json:"agents,omitempty"`
}

// Command is one slash command advertised to the adapter.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
