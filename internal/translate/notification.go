// Package translate converts the Amp CLI's stream-json event log into the
// session update notifications the protocol layer sends to clients. The
// translator is driven one backend message at a time and returns the ordered
// notifications that message produces; everything stateful it needs (tool
// identity, nesting, in-flight status) lives behind it and is reset at the
// start of each prompt turn.
package translate

import "github.com/edlsh/amp-acp/pkg/ampstream"

// Notification kinds.
const (
	KindToolCall          = "tool_call"
	KindToolCallUpdate    = "tool_call_update"
	KindMessageChunk      = "agent_message_chunk"
	KindThoughtChunk      = "agent_thought_chunk"
	KindPlan              = "plan"
	KindUsageUpdate       = "usage_update"
	KindAvailableCommands = "available_commands_update"
	KindCurrentMode       = "current_mode_update"
)

// Tool call statuses. Status moves in_progress to completed or failed and
// never back; repeated terminal reports are idempotent.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Tool kinds, matching the protocol's tool classification.
const (
	ToolKindRead    = "read"
	ToolKindEdit    = "edit"
	ToolKindDelete  = "delete"
	ToolKindMove    = "move"
	ToolKindSearch  = "search"
	ToolKindExecute = "execute"
	ToolKindThink   = "think"
	ToolKindFetch   = "fetch"
	ToolKindOther   = "other"
)

// Plan entry statuses.
const (
	PlanPending    = "pending"
	PlanInProgress = "in_progress"
	PlanCompleted  = "completed"
)

// Notification is one session update produced by the translator. Kind
// selects which fields are meaningful.
type Notification struct {
	Kind string

	// For agent_message_chunk and agent_thought_chunk
	Text string

	// For tool_call and tool_call_update
	ToolCallID string
	Title      string
	ToolKind   string
	// Status is empty on content-only updates.
	Status    string
	Locations []Location
	RawInput  map[string]any
	RawOutput any
	// Content replaces the tool call's content when non-nil.
	Content []ContentItem

	// For plan
	Plan []PlanEntry

	// For usage_update
	Usage *ampstream.Usage

	// For available_commands_update
	Commands []CommandInfo

	// For current_mode_update
	ModeID string
}

// ContentItem is one element of a tool call's content array.
type ContentItem struct {
	// Type is "text" or "diff".
	Type string
	Text string
	Diff *DiffContent
}

// DiffContent is a structured file change. OldText nil means a file
// creation.
type DiffContent struct {
	Path    string
	OldText *string
	NewText string
}

// Location points a tool call at a file position.
type Location struct {
	Path string
	Line *int
}

// PlanEntry is one step of the agent's published plan.
type PlanEntry struct {
	Content  string
	Priority string
	Status   string
}

// CommandInfo describes one available slash command.
type CommandInfo struct {
	Name        string
	Description string
	InputHint   string
}

// TextContent builds a text content item.
func TextContent(text string) ContentItem {
	return ContentItem{Type: "text", Text: text}
}

// DiffItem builds a diff content item.
func DiffItem(diff *DiffContent) ContentItem {
	return ContentItem{Type: "diff", Diff: diff}
}
