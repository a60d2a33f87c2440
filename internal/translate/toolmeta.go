package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edlsh/amp-acp/internal/common/stringutil"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// maxTitleLen caps tool call titles. Clients render them as single lines,
// and a Bash heredoc or a Task prompt can run to kilobytes.
const maxTitleLen = 80

// getString returns the first non-empty string among the aliased keys.
// Amp and other Claude-style CLIs disagree on several argument names
// (cmd vs command, path vs file_path), so every extraction goes through
// an alias list.
func getString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func getInt(input map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := input[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

// filePathOf extracts the file path argument under its aliases.
func filePathOf(input map[string]any) string {
	return getString(input, "path", "file_path", "filePath")
}

// commandOf extracts the shell command argument under its aliases.
func commandOf(input map[string]any) string {
	return getString(input, "cmd", "command")
}

// DeriveToolMeta builds the human-readable title, the tool kind, and any
// file locations for a tool invocation.
func DeriveToolMeta(name string, input map[string]any) (title, kind string, locations []Location) {
	switch name {
	case ampstream.ToolBash:
		kind = ToolKindExecute
		title = titleText(commandOf(input))
		if title == "" {
			title = name
		}

	case ampstream.ToolRead:
		kind = ToolKindRead
		path := filePathOf(input)
		title = titleWithArg(name, path)
		if path != "" {
			loc := Location{Path: path}
			if offset := getInt(input, "offset"); offset > 0 {
				line := offset
				loc.Line = &line
			}
			locations = append(locations, loc)
		}

	case ampstream.ToolWrite, ampstream.ToolEdit:
		kind = ToolKindEdit
		path := filePathOf(input)
		title = titleWithArg(name, path)
		if path != "" {
			locations = append(locations, Location{Path: path})
		}

	case ampstream.ToolNotebookEdit:
		kind = ToolKindEdit
		path := getString(input, "notebook_path", "path", "file_path")
		title = titleWithArg(name, path)
		if path != "" {
			locations = append(locations, Location{Path: path})
		}

	case ampstream.ToolGlob:
		kind = ToolKindSearch
		title = titleWithArg(name, getString(input, "pattern", "filePattern"))

	case ampstream.ToolGrep:
		kind = ToolKindSearch
		title = titleWithArg(name, getString(input, "query", "pattern"))

	case ampstream.ToolWebFetch:
		kind = ToolKindFetch
		title = titleWithArg(name, getString(input, "url"))

	case ampstream.ToolWebSearch:
		kind = ToolKindFetch
		title = titleWithArg(name, getString(input, "query", "url"))

	case ampstream.ToolTask:
		kind = ToolKindThink
		title = titleText(getString(input, "description", "prompt"))
		if title == "" {
			title = name
		}

	default:
		kind = ToolKindOther
		title = name
	}
	return title, kind, locations
}

func titleWithArg(name, arg string) string {
	if arg == "" {
		return name
	}
	return fmt.Sprintf("%s: %s", name, titleText(arg))
}

// titleText flattens an argument into single-line title text. Only the
// first line survives; a cut of any kind is marked with an ellipsis.
func titleText(s string) string {
	line, rest, multiline := strings.Cut(s, "\n")
	line = strings.TrimRight(line, " \t\r")
	if multiline && strings.TrimSpace(rest) != "" && len(line) <= maxTitleLen-3 {
		return line + "..."
	}
	return stringutil.TruncateWithEllipsis(line, maxTitleLen)
}

// DiffForEdit builds the structured diff for file-editing tools, resolved
// from the tool input. Returns nil for tools that do not edit files.
func DiffForEdit(name string, input map[string]any) *DiffContent {
	switch name {
	case ampstream.ToolEdit:
		path := filePathOf(input)
		if path == "" {
			return nil
		}
		oldText := getString(input, "old_string", "oldText")
		newText := getString(input, "new_string", "newText")
		return &DiffContent{Path: path, OldText: &oldText, NewText: newText}

	case ampstream.ToolWrite:
		path := filePathOf(input)
		if path == "" {
			return nil
		}
		// A write is a whole-file creation or replacement; no old text.
		return &DiffContent{Path: path, NewText: getString(input, "content")}

	case ampstream.ToolNotebookEdit:
		path := getString(input, "notebook_path", "path", "file_path")
		if path == "" {
			return nil
		}
		return &DiffContent{Path: path, NewText: getString(input, "new_source")}

	default:
		return nil
	}
}

// isPlanTool reports whether the tool maintains the agent's todo plan.
// Those invocations become plan notifications rather than tool calls.
func isPlanTool(name string) bool {
	switch name {
	case ampstream.ToolTodoWrite, "todo_write":
		return true
	default:
		return false
	}
}

// planEntriesFromInput extracts plan entries from a todo tool invocation.
func planEntriesFromInput(input map[string]any) []PlanEntry {
	items, ok := input["todos"].([]any)
	if !ok {
		items, ok = input["items"].([]any)
	}
	if !ok {
		return nil
	}

	entries := make([]PlanEntry, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := PlanEntry{
			Content:  getString(m, "content", "description", "subject"),
			Priority: getString(m, "priority"),
			Status:   normalizePlanStatus(getString(m, "status")),
		}
		if entry.Priority == "" {
			entry.Priority = "medium"
		}
		if entry.Content == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func normalizePlanStatus(status string) string {
	switch status {
	case PlanCompleted, "done":
		return PlanCompleted
	case PlanInProgress, "in-progress", "active":
		return PlanInProgress
	default:
		return PlanPending
	}
}

// flattenToolResult extracts displayable text from a tool result payload.
// Amp wraps many results as a JSON string of the form
// {"output": "...", "exitCode": 0}; this unwraps that layer, joins
// text-block arrays, and falls back to the raw text otherwise.
func flattenToolResult(block *ampstream.ContentBlock) string {
	text := block.GetContentString()
	if text == "" {
		return ""
	}

	var wrapped struct {
		Output   string `json:"output"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil {
		if wrapped.Output != "" {
			return wrapped.Output
		}
		if wrapped.Stdout != "" {
			return wrapped.Stdout
		}
		if wrapped.Stderr != "" {
			return wrapped.Stderr
		}
	}
	return text
}

// codeBlock wraps text in a fenced code block for error rendering. The
// fence stretches when the text itself contains backtick runs.
func codeBlock(text string) string {
	fence := "```"
	for strings.Contains(text, fence) {
		fence += "`"
	}
	return fence + "\n" + strings.TrimRight(text, "\n") + "\n" + fence
}
