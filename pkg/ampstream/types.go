// Package ampstream provides types and a client for the Amp CLI stream-json
// protocol. Amp emits newline-delimited JSON events over stdout and accepts
// user messages and control traffic over stdin.
package ampstream

import "encoding/json"

// Message types emitted by the Amp CLI.
const (
	// MessageTypeSystem is the initial system message with thread info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back into the transcript
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, interrupt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeRawOutput is synthesized locally for stdout lines that are
	// not stream-json; the original line is carried in RawText.
	MessageTypeRawOutput = "raw_output"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInitialize requests thread metadata (slash commands, agents)
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Message represents one stream-json event from the Amp CLI stdout.
// The message type determines which fields are populated.
type Message struct {
	// Type is the message type (system, assistant, user, result, ...)
	Type string `json:"type"`

	// Thread identity. Amp versions disagree on the field name; use
	// Thread() to resolve whichever is present.
	SessionID     string `json:"session_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	ThreadIDCamel string `json:"threadID,omitempty"`

	// For system messages
	Subtype        string   `json:"subtype,omitempty"`
	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	SlashCommands  []string `json:"slash_commands,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`

	// For assistant and user messages
	Message *ChatMessage `json:"message,omitempty"`

	// ParentToolUseID links messages produced inside a sub-agent to the
	// spawning tool call.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// Replay markers on continued threads. Replayed history must not be
	// re-announced to the client.
	UUID        string `json:"uuid,omitempty"`
	IsReplay    bool   `json:"isReplay,omitempty"`
	IsSynthetic bool   `json:"isSynthetic,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For result messages.
	// Result can be either a string (error message) or an object (ResultData).
	Result            json.RawMessage `json:"result,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	Usage             *Usage          `json:"usage,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`

	// RawText carries the original line for raw_output messages.
	RawText string `json:"-"`
}

// Thread returns the thread identifier under whichever alias the CLI used.
func (m *Message) Thread() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ThreadIDCamel
}

// ChatMessage is the body of an assistant or user message.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// GetContentBlocks parses Content as an array of content blocks.
// Returns nil when the content is a plain string or absent.
func (c *ChatMessage) GetContentBlocks() []ContentBlock {
	if len(c.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(c.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// GetContentString returns Content when it is a plain string, "" otherwise.
func (c *ChatMessage) GetContentString() string {
	if len(c.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content can be a string or an array of
	// nested text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// GetContentString flattens a tool_result content payload to text. Handles
// the plain-string form and the array-of-text-blocks form.
func (b *ContentBlock) GetContentString() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var nested []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &nested); err == nil {
		var out string
		for _, n := range nested {
			out += n.Text
		}
		return out
	}
	return string(b.Content)
}

// Usage contains token usage information. Amp versions emit the counters
// under several field names; UnmarshalJSON accepts them all and the struct
// always marshals with the snake_case names.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// UnmarshalJSON resolves the field-name aliases used by different CLI
// versions: input_tokens / inputTokens / total_input_tokens and the same
// family for output.
func (u *Usage) UnmarshalJSON(data []byte) error {
	var raw struct {
		InputTokens       *int64 `json:"input_tokens"`
		InputTokensCamel  *int64 `json:"inputTokens"`
		TotalInputTokens  *int64 `json:"total_input_tokens"`
		OutputTokens      *int64 `json:"output_tokens"`
		OutputTokensCamel *int64 `json:"outputTokens"`
		TotalOutputTokens *int64 `json:"total_output_tokens"`
		CacheCreation     *int64 `json:"cache_creation_input_tokens"`
		CacheCreationAlt  *int64 `json:"cacheCreationInputTokens"`
		CacheRead         *int64 `json:"cache_read_input_tokens"`
		CacheReadAlt      *int64 `json:"cacheReadInputTokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.InputTokens = firstInt64(raw.InputTokens, raw.InputTokensCamel, raw.TotalInputTokens)
	u.OutputTokens = firstInt64(raw.OutputTokens, raw.OutputTokensCamel, raw.TotalOutputTokens)
	u.CacheCreationInputTokens = firstInt64(raw.CacheCreation, raw.CacheCreationAlt)
	u.CacheReadInputTokens = firstInt64(raw.CacheRead, raw.CacheReadAlt)
	return nil
}

func firstInt64(vals ...*int64) int64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

// ResultUsage returns the turn's usage, falling back to the top-level total
// counters older CLIs emit on the result envelope.
func (m *Message) ResultUsage() *Usage {
	if m.Usage != nil {
		return m.Usage
	}
	if m.TotalInputTokens != 0 || m.TotalOutputTokens != 0 {
		return &Usage{
			InputTokens:  m.TotalInputTokens,
			OutputTokens: m.TotalOutputTokens,
		}
	}
	return nil
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Thread returns the continuation identifier from the result payload.
func (r *ResultData) Thread() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.ThreadID
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed.
func (m *Message) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string.
// This is the form used for error messages.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest represents a control request from the Amp CLI,
// currently permission requests (can_use_tool).
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// Permission suggestions from the backend
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate represents a permission rule update.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput allows modifying the tool input
	UpdatedInput any `json:"updatedInput,omitempty"`

	// Message provides feedback to the model
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// OutgoingControlRequest is a control request sent to the Amp CLI,
// used for initialize, interrupt, and permission mode changes.
type OutgoingControlRequest struct {
	Type      string                     `json:"type"` // "control_request"
	RequestID string                     `json:"request_id"`
	Request   OutgoingControlRequestBody `json:"request"`
}

// OutgoingControlRequestBody contains the body of an outgoing control request.
type OutgoingControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt, set_permission_mode)
	Subtype string `json:"subtype"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`
}

// IncomingControlResponse is a control response received from the CLI.
// Note: request_id lives inside the response object, not on the envelope.
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"`
	RequestID string                  `json:"request_id"`
	Response  *InitializeResponseData `json:"response,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// InitializeResponseData is the payload of a successful initialize response.
type InitializeResponseData struct {
	Commands []SlashCommand `json:"commands,omitempty"`
	Agents   []string       `json:"agents,omitempty"`
}

// SlashCommand describes one slash command reported by the CLI.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// UserMessage is sent to provide a prompt to the Amp CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Tool names used by Amp. Shell and path arguments differ from other
// Claude-style CLIs: Bash takes "cmd" (not "command"), Read takes "path"
// (not "file_path").
const (
	ToolBash         = "Bash"
	ToolRead         = "Read"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTask         = "Task"
	ToolTaskCreate   = "TaskCreate"
	ToolTaskUpdate   = "TaskUpdate"
	ToolTaskList     = "TaskList"
	ToolNotebookEdit = "NotebookEdit"
	ToolTodoWrite    = "TodoWrite"
)
