package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var toolCallCounter int

func nextToolID() string {
	toolCallCounter++
	return fmt.Sprintf("toolu_mock_%04d", toolCallCounter)
}

func defaultUsage() *Usage {
	return &Usage{InputTokens: 1200, OutputTokens: 350}
}

// handleUserPrompt routes a prompt to its scenario. Every turn opens with
// the system init message and, unless the scenario says otherwise, closes
// with a success result.
func handleUserPrompt(enc *json.Encoder, scanner *bufio.Scanner, prompt string) {
	prompt = strings.TrimSpace(prompt)

	emitSystemInit(enc)
	if continued {
		emitReplayHistory(enc)
	}

	customResult := false

	switch keyword(prompt) {
	case "error":
		emitTextBlock(enc, "Something is about to go wrong.", "")
		emitResultError(enc, "mock failure: the simulated backend hit an error")
		customResult = true
	case "thinking":
		emitThinkingSequence(enc)
	case "read":
		emitReadFile(enc, "")
	case "search":
		emitCodeSearch(enc)
	case "edit":
		emitEditFile(enc, scanner)
	case "exec":
		emitShellExec(enc, scanner)
	case "subagent":
		emitSubagent(enc)
	case "todo":
		emitTodo(enc)
	case "usage":
		emitTextBlock(enc, "Heavy turn with large token counts.", "")
		emitResultWithUsage(enc, &Usage{InputTokens: 150000, OutputTokens: 8200})
		customResult = true
	case "hang":
		emitTextBlock(enc, "Hanging until killed...", "")
		time.Sleep(10 * time.Minute)
	case "raw":
		fmt.Println("plain diagnostic line, not stream-json")
		emitTextBlock(enc, "That line above was not protocol output.", "")
	default:
		emitThinkingBlock(enc, "Considering the request...", "")
		emitTextBlock(enc, "Mock response to: "+prompt, "")
	}

	if !customResult {
		emitResult(enc)
	}
}

// keyword extracts the scenario selector from the prompt, accepting both
// bare words and slash-command form.
func keyword(prompt string) string {
	first := prompt
	if i := strings.IndexByte(first, ' '); i >= 0 {
		first = first[:i]
	}
	return strings.ToLower(strings.TrimPrefix(first, "/"))
}

func emitSystemInit(enc *json.Encoder) {
	_ = enc.Encode(SystemMsg{
		Type:           TypeSystem,
		Subtype:        "init",
		SessionID:      threadID,
		Model:          "mock-default",
		Tools:          []string{ToolBash, ToolRead, ToolEdit, ToolGrep, ToolTask, ToolTodoWrite, ToolWebFetch},
		SlashCommands:  []string{"error", "thinking", "edit", "exec"},
		PermissionMode: "default",
	})
}

// emitReplayHistory re-emits a prior exchange with the replay marker set,
// the way a continued thread replays its transcript before new output.
func emitReplayHistory(enc *json.Encoder) {
	_ = enc.Encode(AssistantMsg{
		Type:      TypeAssistant,
		SessionID: threadID,
		IsReplay:  true,
		Message: AssistantBody{
			Role: "assistant",
			Content: []ContentBlock{
				{Type: BlockText, Text: "Earlier reply from this thread."},
			},
			Model: "mock-default",
		},
	})
}

func emitResult(enc *json.Encoder) {
	emitResultWithUsage(enc, &Usage{InputTokens: 1500, OutputTokens: 500})
}

func emitResultWithUsage(enc *json.Encoder, usage *Usage) {
	resultJSON, _ := json.Marshal(ResultData{
		Text:      "Mock turn completed.",
		SessionID: threadID,
	})
	_ = enc.Encode(ResultMsg{
		Type:       TypeResult,
		Subtype:    "success",
		SessionID:  threadID,
		Result:     resultJSON,
		DurationMS: 1500,
		NumTurns:   1,
		Usage:      usage,
	})
}

func emitResultError(enc *json.Encoder, errText string) {
	resultJSON, _ := json.Marshal(errText)
	_ = enc.Encode(ResultMsg{
		Type:       TypeResult,
		Subtype:    "error_during_execution",
		SessionID:  threadID,
		Result:     resultJSON,
		IsError:    true,
		DurationMS: 900,
		NumTurns:   1,
	})
}

func emitTextBlock(enc *json.Encoder, text, parentToolUseID string) {
	_ = enc.Encode(AssistantMsg{
		Type:            TypeAssistant,
		SessionID:       threadID,
		ParentToolUseID: parentToolUseID,
		Message: AssistantBody{
			Role:       "assistant",
			Content:    []ContentBlock{{Type: BlockText, Text: text}},
			Model:      "mock-default",
			StopReason: "end_turn",
			Usage:      defaultUsage(),
		},
	})
}

func emitThinkingBlock(enc *json.Encoder, thought, parentToolUseID string) {
	_ = enc.Encode(AssistantMsg{
		Type:            TypeAssistant,
		SessionID:       threadID,
		ParentToolUseID: parentToolUseID,
		Message: AssistantBody{
			Role:    "assistant",
			Content: []ContentBlock{{Type: BlockThinking, Thinking: thought}},
			Model:   "mock-default",
			Usage:   defaultUsage(),
		},
	})
}

func emitThinkingSequence(enc *json.Encoder) {
	thoughts := []string{
		"Let me break this problem down.",
		"The edge cases are empty input and concurrent access.",
		"A channel-based design handles both cleanly.",
	}
	for _, thought := range thoughts {
		emitThinkingBlock(enc, thought, "")
	}
	emitTextBlock(enc, "Analysis complete. The approach is sound.", "")
}

// emitToolUse writes a tool_use block and returns its id.
func emitToolUse(enc *json.Encoder, name string, input map[string]any, parentToolUseID string) string {
	toolID := nextToolID()
	_ = enc.Encode(AssistantMsg{
		Type:            TypeAssistant,
		SessionID:       threadID,
		ParentToolUseID: parentToolUseID,
		Message: AssistantBody{
			Role:       "assistant",
			Content:    []ContentBlock{{Type: BlockToolUse, ID: toolID, Name: name, Input: input}},
			Model:      "mock-default",
			StopReason: "tool_use",
			Usage:      defaultUsage(),
		},
	})
	return toolID
}

// emitToolResult writes the matching tool_result as a user message.
func emitToolResult(enc *json.Encoder, toolID, content, parentToolUseID string, isError bool) {
	_ = enc.Encode(UserMsg{
		Type:            TypeUser,
		SessionID:       threadID,
		ParentToolUseID: parentToolUseID,
		Message: UserMsgBody{
			Role: "user",
			Content: []ContentBlock{
				{Type: BlockToolResult, ToolUseID: toolID, Content: content, IsError: isError},
			},
		},
	})
}

func emitReadFile(enc *json.Encoder, parentToolUseID string) {
	toolID := emitToolUse(enc, ToolRead, map[string]any{"path": "cmd/server/main.go"}, parentToolUseID)
	emitToolResult(enc, toolID, "package main\n\nfunc main() {\n\tserve()\n}\n", parentToolUseID, false)
}

func emitCodeSearch(enc *json.Encoder) {
	toolID := emitToolUse(enc, ToolGrep, map[string]any{"pattern": "func serve"}, "")
	emitToolResult(enc, toolID, "cmd/server/main.go:12:func serve() {\ninternal/api/api.go:40:func serveJSON(", "", false)
}

func emitTodo(enc *json.Encoder) {
	toolID := emitToolUse(enc, ToolTodoWrite, map[string]any{
		"todos": []any{
			map[string]any{"content": "Audit the handlers", "status": "completed", "priority": "high"},
			map[string]any{"content": "Fix the race in serve()", "status": "in_progress", "priority": "high"},
			map[string]any{"content": "Add regression tests", "status": "pending", "priority": "medium"},
		},
	}, "")
	emitToolResult(enc, toolID, "Todos updated", "", false)
}

// emitEditFile runs the permission round trip before reporting the edit.
func emitEditFile(enc *json.Encoder, scanner *bufio.Scanner) {
	input := map[string]any{
		"path":       "internal/api/api.go",
		"old_string": "return nil",
		"new_string": "return fmt.Errorf(\"not implemented\")",
	}
	toolID := emitToolUse(enc, ToolEdit, input, "")

	if requestPermission(enc, scanner, ToolEdit, toolID, input) {
		emitToolResult(enc, toolID, "File edited: internal/api/api.go", "", false)
		emitTextBlock(enc, "The edit is in place.", "")
	} else {
		emitToolResult(enc, toolID, "Permission denied", "", true)
		emitTextBlock(enc, "Skipping the edit, permission was denied.", "")
	}
}

func emitShellExec(enc *json.Encoder, scanner *bufio.Scanner) {
	input := map[string]any{"cmd": "go test ./..."}
	toolID := emitToolUse(enc, ToolBash, input, "")

	if requestPermission(enc, scanner, ToolBash, toolID, input) {
		emitToolResult(enc, toolID, "ok  \tgithub.com/example/project\t0.042s", "", false)
		emitTextBlock(enc, "Tests pass.", "")
	} else {
		emitToolResult(enc, toolID, "Permission denied", "", true)
		emitTextBlock(enc, "Skipping the command, permission was denied.", "")
	}
}

// emitSubagent spawns a Task tool call whose children carry the parent
// link, then closes it out.
func emitSubagent(enc *json.Encoder) {
	taskID := emitToolUse(enc, ToolTask, map[string]any{
		"description": "Survey the API package",
		"prompt":      "List the exported handlers and note missing tests.",
	}, "")

	emitThinkingBlock(enc, "Starting with the route table.", taskID)
	emitReadFile(enc, taskID)
	emitTextBlock(enc, "Found 4 exported handlers, 2 without tests.", taskID)

	emitToolResult(enc, taskID, "Survey complete: 4 handlers, 2 missing tests.", "", false)
	emitTextBlock(enc, "The subagent finished its survey.", "")
}

// requestPermission asks the adapter whether the tool may run and blocks on
// the verdict. Initialize requests arriving while waiting are answered in
// place so the adapter's metadata fetch cannot deadlock the turn.
func requestPermission(enc *json.Encoder, scanner *bufio.Scanner, toolName, toolUseID string, input map[string]any) bool {
	requestID := fmt.Sprintf("perm-%s-%s", strings.ToLower(toolName), toolUseID)

	_ = enc.Encode(ControlRequestMsg{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request: ControlRequestBody{
			Subtype:   "can_use_tool",
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg IncomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case TypeControlRequest:
			handleControlRequest(enc, msg)
		case TypeControlResponse:
			if msg.RequestID != "" && msg.RequestID != requestID {
				continue
			}
			if msg.Response != nil && msg.Response.Result != nil {
				return msg.Response.Result.Behavior == "allow"
			}
			return false
		}
	}

	return false
}
