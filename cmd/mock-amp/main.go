// Package main implements a mock Amp CLI that speaks the stream-json
// protocol over stdin/stdout. It emits scripted scenarios keyed on the
// prompt text, for adapter tests and manual ACP client runs without a real
// backend.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// threadID identifies this mock thread. Each turn spawns its own process;
// the PID keeps fresh threads unique while continuation runs reuse the id
// from the command line.
var threadID = fmt.Sprintf("T-mock-%d", os.Getpid())

// continued is true when this invocation resumes an existing thread.
var continued bool

func main() {
	if id, ok := parseContinueArgs(os.Args); ok {
		threadID = id
		continued = true
	}

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

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
		case TypeUser:
			if msg.Message != nil {
				handleUserPrompt(enc, scanner, msg.Message.Content)
				// One turn per process, matching the real CLI's execute mode.
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-amp: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseContinueArgs detects the "threads continue <id>" invocation form.
func parseContinueArgs(args []string) (string, bool) {
	for i, arg := range args {
		if arg == "threads" && i+2 < len(args) && args[i+1] == "continue" {
			return args[i+2], true
		}
	}
	return "", false
}

// handleControlRequest answers the adapter's control requests. Only
// initialize expects a reply; interrupt and set_permission_mode are
// fire-and-forget on the adapter side.
func handleControlRequest(enc *json.Encoder, msg IncomingMessage) {
	if msg.Request == nil || msg.Request.Subtype != "initialize" || msg.RequestID == "" {
		return
	}
	resp := ControlResponseMsg{
		Type: TypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   "success",
			RequestID: msg.RequestID,
			Response: &InitializeResponse{
				Commands: []Command{
					{Name: "error", Description: "Simulate an error result"},
					{Name: "thinking", Description: "Extended reasoning blocks"},
					{Name: "read", Description: "Single file read"},
					{Name: "search", Description: "Single code search"},
					{Name: "edit", Description: "File edit requiring permission"},
					{Name: "exec", Description: "Shell command requiring permission"},
					{Name: "subagent", Description: "Task with nested child messages"},
					{Name: "todo", Description: "Todo list update"},
					{Name: "usage", Description: "Result with large usage counters"},
					{Name: "hang", Description: "Block until killed"},
					{Name: "raw", Description: "Non-JSON stdout line"},
				},
				Agents: []string{ToolBash, ToolRead, ToolEdit, ToolGrep, ToolTask},
			},
		},
	}
	_ = enc.Encode(resp)
}
