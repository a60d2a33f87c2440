// Manual end-to-end check of prompt cancellation over stdio.
// Drives a built adapter binary with the mock backend, starts a turn that
// never finishes on its own, cancels it mid-stream and verifies the prompt
// resolves with stopReason "cancelled".
//
// Usage: go run ./scripts/test-cancel -adapter ./amp-acp -backend ./mock-amp
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	adapterBin = flag.String("adapter", "amp-acp", "Path to the adapter binary")
	backendBin = flag.String("backend", "mock-amp", "Path to the backend binary the adapter spawns")
	workDir    = flag.String("workdir", "/tmp", "Session working directory")
	verbose    = flag.Bool("verbose", true, "Echo every wire line")
)

type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func main() {
	flag.Parse()
	fmt.Printf("=== Cancel check: %s driving %s ===\n\n", *adapterBin, *backendBin)

	cmd := exec.Command(*adapterBin)
	cmd.Env = append(os.Environ(),
		"AMPACP_BACKEND_COMMAND="+*backendBin,
		"AMPACP_STORE_PATH=",
		"AMPACP_PERMISSIONS_BRIDGE_ADDR=",
	)
	stdin, _ := cmd.StdinPipe()
	stdout, _ := cmd.StdoutPipe()
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Printf("Failed to start adapter: %v\n", err)
		os.Exit(1)
	}
	defer cmd.Process.Kill()

	messages := make(chan jsonrpcMessage, 100)
	chunks := make(chan string, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go readWire(stdout, messages, chunks, &wg)

	// 1. Initialize
	logf("Initializing...")
	send(stdin, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1,"clientInfo":{"name":"cancel-check","version":"1.0"}}}`)
	waitForResponse(messages, 1)

	// 2. Create session
	logf("Creating session...")
	send(stdin, fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":%q,"mcpServers":[]}}`, *workDir))
	resp := waitForResponse(messages, 2)

	var sessionResult struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(resp.Result, &sessionResult)
	sessionID := sessionResult.SessionID
	if sessionID == "" {
		fail("session/new returned no sessionId")
	}
	logf("Session ID: %s", sessionID)

	// 3. Start a turn that runs until killed. The mock's hang scenario
	// streams one chunk and then sleeps, so the cancel lands mid-turn.
	logf("Sending prompt...")
	send(stdin, fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":%q,"prompt":[{"type":"text","text":"hang"}]}}`, sessionID))

	select {
	case text := <-chunks:
		logf("Turn is streaming (%q)", text)
	case <-time.After(15 * time.Second):
		fail("no agent_message_chunk arrived before the cancel window")
	}

	// 4. Cancel
	logf(">>> SENDING CANCEL <<<")
	send(stdin, fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":%q}}`, sessionID))

	resp = waitForResponse(messages, 3)
	var promptResult struct {
		StopReason string `json:"stopReason"`
	}
	json.Unmarshal(resp.Result, &promptResult)
	logf("Prompt resolved with stopReason %q", promptResult.StopReason)

	stdin.Close()
	cmd.Process.Signal(os.Interrupt)

	if promptResult.StopReason != "cancelled" {
		fail(fmt.Sprintf("expected stopReason cancelled, got %q", promptResult.StopReason))
	}
	fmt.Println("\nPASS")
}

func send(w io.Writer, msg string) {
	if *verbose {
		fmt.Printf(">>> %s\n", msg)
	}
	w.Write([]byte(msg + "\n"))
}

func logf(format string, args ...interface{}) {
	fmt.Printf("[TEST] "+format+"\n", args...)
}

func fail(reason string) {
	fmt.Printf("\nFAIL: %s\n", reason)
	os.Exit(1)
}

func waitForResponse(ch chan jsonrpcMessage, id int) jsonrpcMessage {
	timeout := time.After(15 * time.Second)
	for {
		select {
		case msg := <-ch:
			// Server-initiated requests carry a Method; skip them when
			// matching response ids.
			if msg.Method != "" {
				continue
			}
			if idNum, ok := msg.ID.(float64); ok && int(idNum) == id {
				return msg
			}
		case <-timeout:
			fail(fmt.Sprintf("timeout waiting for response %d", id))
		}
	}
}

func readWire(r io.Reader, ch chan jsonrpcMessage, chunks chan string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(ch)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if *verbose {
			fmt.Printf("<<< %s\n", line)
		}
		var msg jsonrpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Method == "session/update" {
			if text := chunkText(msg.Params); text != "" {
				select {
				case chunks <- text:
				default:
				}
			}
			continue
		}
		ch <- msg
	}
}

func chunkText(params json.RawMessage) string {
	var update struct {
		Update struct {
			SessionUpdate string `json:"sessionUpdate"`
			Content       struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &update); err != nil {
		return ""
	}
	if !strings.Contains(update.Update.SessionUpdate, "message_chunk") {
		return ""
	}
	return update.Update.Content.Text
}
