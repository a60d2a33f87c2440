package ampstream

import (
	"encoding/json"
	"testing"
)

func TestMessage_ThreadAliases(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "session_id",
			json: `{"type":"system","session_id":"T-1"}`,
			want: "T-1",
		},
		{
			name: "thread_id",
			json: `{"type":"system","thread_id":"T-2"}`,
			want: "T-2",
		},
		{
			name: "threadID camel",
			json: `{"type":"system","threadID":"T-3"}`,
			want: "T-3",
		},
		{
			name: "session_id wins over thread_id",
			json: `{"type":"system","session_id":"T-1","thread_id":"T-2"}`,
			want: "T-1",
		},
		{
			name: "absent",
			json: `{"type":"system"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.json), &msg); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if got := msg.Thread(); got != tt.want {
				t.Errorf("Thread() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUsage_UnmarshalAliases(t *testing.T) {
	tests := []struct {
		name       string
		json       string
		wantInput  int64
		wantOutput int64
	}{
		{
			name:       "snake_case",
			json:       `{"input_tokens":100,"output_tokens":20}`,
			wantInput:  100,
			wantOutput: 20,
		},
		{
			name:       "camelCase",
			json:       `{"inputTokens":100,"outputTokens":20}`,
			wantInput:  100,
			wantOutput: 20,
		},
		{
			name:       "total prefix",
			json:       `{"total_input_tokens":100,"total_output_tokens":20}`,
			wantInput:  100,
			wantOutput: 20,
		},
		{
			name:       "snake_case wins over aliases",
			json:       `{"input_tokens":1,"inputTokens":2,"total_input_tokens":3,"output_tokens":4}`,
			wantInput:  1,
			wantOutput: 4,
		},
		{
			name:       "empty",
			json:       `{}`,
			wantInput:  0,
			wantOutput: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u Usage
			if err := json.Unmarshal([]byte(tt.json), &u); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if u.InputTokens != tt.wantInput {
				t.Errorf("InputTokens = %d, want %d", u.InputTokens, tt.wantInput)
			}
			if u.OutputTokens != tt.wantOutput {
				t.Errorf("OutputTokens = %d, want %d", u.OutputTokens, tt.wantOutput)
			}
		})
	}
}

func TestMessage_ResultUsage(t *testing.T) {
	// Usage object preferred
	withUsage := `{"type":"result","usage":{"input_tokens":10,"output_tokens":5},"total_input_tokens":99}`
	var msg Message
	if err := json.Unmarshal([]byte(withUsage), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	u := msg.ResultUsage()
	if u == nil || u.InputTokens != 10 || u.OutputTokens != 5 {
		t.Errorf("ResultUsage() = %+v, want input 10 output 5", u)
	}

	// Top-level totals as fallback
	withTotals := `{"type":"result","total_input_tokens":42,"total_output_tokens":7}`
	var msg2 Message
	if err := json.Unmarshal([]byte(withTotals), &msg2); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	u2 := msg2.ResultUsage()
	if u2 == nil || u2.InputTokens != 42 || u2.OutputTokens != 7 {
		t.Errorf("ResultUsage() = %+v, want input 42 output 7", u2)
	}

	// Nothing at all
	var msg3 Message
	if err := json.Unmarshal([]byte(`{"type":"result"}`), &msg3); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if msg3.ResultUsage() != nil {
		t.Errorf("ResultUsage() = %+v, want nil", msg3.ResultUsage())
	}
}

func TestChatMessage_GetContentBlocks(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantType  string
	}{
		{
			name:      "array of content blocks",
			content:   `[{"type":"text","text":"Hello"},{"type":"text","text":"World"}]`,
			wantCount: 2,
			wantType:  "text",
		},
		{
			name:      "single thinking block",
			content:   `[{"type":"thinking","thinking":"Let me think..."}]`,
			wantCount: 1,
			wantType:  "thinking",
		},
		{
			name:      "empty array",
			content:   `[]`,
			wantCount: 0,
		},
		{
			name:      "string content (not blocks)",
			content:   `"plain string"`,
			wantCount: 0,
		},
		{
			name:      "empty content",
			content:   ``,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &ChatMessage{Content: json.RawMessage(tt.content)}
			blocks := msg.GetContentBlocks()
			if len(blocks) != tt.wantCount {
				t.Errorf("GetContentBlocks() returned %d blocks, want %d", len(blocks), tt.wantCount)
			}
			if tt.wantCount > 0 && blocks[0].Type != tt.wantType {
				t.Errorf("GetContentBlocks()[0].Type = %q, want %q", blocks[0].Type, tt.wantType)
			}
		})
	}
}

func TestContentBlock_GetContentString(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "plain string",
			content: `"command output"`,
			want:    "command output",
		},
		{
			name:    "array of text blocks",
			content: `[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]`,
			want:    "part one part two",
		},
		{
			name:    "empty",
			content: ``,
			want:    "",
		},
		{
			name:    "object falls back to raw JSON",
			content: `{"output":"x"}`,
			want:    `{"output":"x"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := &ContentBlock{Content: json.RawMessage(tt.content)}
			if got := block.GetContentString(); got != tt.want {
				t.Errorf("GetContentString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_GetResultData(t *testing.T) {
	tests := []struct {
		name     string
		result   json.RawMessage
		wantNil  bool
		wantText string
	}{
		{
			name:    "empty result",
			result:  nil,
			wantNil: true,
		},
		{
			name:    "string result (error)",
			result:  json.RawMessage(`"error message"`),
			wantNil: true,
		},
		{
			name:     "object result with text",
			result:   json.RawMessage(`{"text":"done","session_id":"T-1"}`),
			wantNil:  false,
			wantText: "done",
		},
		{
			name:    "invalid JSON",
			result:  json.RawMessage(`{invalid`),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Result: tt.result}
			got := msg.GetResultData()
			switch {
			case tt.wantNil:
				if got != nil {
					t.Errorf("GetResultData() = %v, want nil", got)
				}
			case got == nil:
				t.Fatalf("GetResultData() = nil, want non-nil")
			case got.Text != tt.wantText:
				t.Errorf("GetResultData().Text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestMessage_GetResultString(t *testing.T) {
	msg := &Message{Result: json.RawMessage(`"boom"`)}
	if got := msg.GetResultString(); got != "boom" {
		t.Errorf("GetResultString() = %q, want %q", got, "boom")
	}
	obj := &Message{Result: json.RawMessage(`{"text":"ok"}`)}
	if got := obj.GetResultString(); got != "" {
		t.Errorf("GetResultString() = %q, want empty for object result", got)
	}
}

func TestMessage_ReplayMarkers(t *testing.T) {
	tests := []struct {
		name          string
		json          string
		wantReplay    bool
		wantSynthetic bool
	}{
		{
			name:          "replay user message",
			json:          `{"type":"user","uuid":"abc","session_id":"T-1","isReplay":true,"message":{"role":"user","content":"hello"}}`,
			wantReplay:    true,
			wantSynthetic: false,
		},
		{
			name:          "synthetic user message",
			json:          `{"type":"user","uuid":"abc","isSynthetic":true,"message":{"role":"user","content":"checkpoint"}}`,
			wantReplay:    false,
			wantSynthetic: true,
		},
		{
			name:          "plain assistant message",
			json:          `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
			wantReplay:    false,
			wantSynthetic: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.json), &msg); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if msg.IsReplay != tt.wantReplay {
				t.Errorf("IsReplay = %v, want %v", msg.IsReplay, tt.wantReplay)
			}
			if msg.IsSynthetic != tt.wantSynthetic {
				t.Errorf("IsSynthetic = %v, want %v", msg.IsSynthetic, tt.wantSynthetic)
			}
		})
	}
}

func TestIncomingControlResponse_JSONParsing(t *testing.T) {
	jsonStr := `{
		"subtype": "success",
		"request_id": "req-123",
		"response": {
			"commands": [
				{"name": "web", "description": "Search the web"},
				{"name": "editor", "description": "Open in editor"}
			],
			"agents": ["search", "oracle"]
		}
	}`
	var resp IncomingControlResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if resp.Subtype != "success" {
		t.Errorf("Subtype = %q, want %q", resp.Subtype, "success")
	}
	if resp.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, "req-123")
	}
	if resp.Response == nil {
		t.Fatal("Response is nil")
	}
	if len(resp.Response.Commands) != 2 {
		t.Errorf("Commands count = %d, want %d", len(resp.Response.Commands), 2)
	}
	if resp.Response.Commands[0].Name != "web" {
		t.Errorf("Commands[0].Name = %q, want %q", resp.Response.Commands[0].Name, "web")
	}

	errorJSON := `{"subtype": "error", "request_id": "req-456", "error": "something went wrong"}`
	var errorResp IncomingControlResponse
	if err := json.Unmarshal([]byte(errorJSON), &errorResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errorResp.Error != "something went wrong" {
		t.Errorf("Error = %q, want %q", errorResp.Error, "something went wrong")
	}
}

func TestUserMessage_JSONMarshal(t *testing.T) {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: "Fix the flaky test",
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	expected := `{"type":"user","message":{"role":"user","content":"Fix the flaky test"}}`
	if string(data) != expected {
		t.Errorf("Marshal() = %s, want %s", string(data), expected)
	}
}
