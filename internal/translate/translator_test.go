package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTranslator(t *testing.T, policy Policy) *Translator {
	t.Helper()
	return New(Options{Policy: policy, Logger: testLogger(t)})
}

// parseMsg builds a message the same way the client does, from a wire line.
func parseMsg(t *testing.T, line string) *ampstream.Message {
	t.Helper()
	var msg ampstream.Message
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return &msg
}

func toolUseLine(id, name, inputJSON string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":%q,"name":%q,"input":%s}]}}`, id, name, inputJSON)
}

func nestedToolUseLine(parentID, id, name, inputJSON string) string {
	return fmt.Sprintf(`{"type":"assistant","parent_tool_use_id":%q,"message":{"role":"assistant","content":[{"type":"tool_use","id":%q,"name":%q,"input":%s}]}}`, parentID, id, name, inputJSON)
}

func toolResultLine(toolUseID, contentJSON string, isError bool) string {
	return fmt.Sprintf(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":%q,"content":%s,"is_error":%t}]}}`, toolUseID, contentJSON, isError)
}

func TestTranslateReadToolCall(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	out := tr.Translate(parseMsg(t, toolUseLine("t1", "Read", `{"path":"/a/b.txt"}`)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, KindToolCall, n.Kind)
	assert.Equal(t, "t1", n.ToolCallID)
	assert.Equal(t, StatusInProgress, n.Status)
	assert.Equal(t, ToolKindRead, n.ToolKind)
	assert.Contains(t, n.Title, "b.txt")
	require.Len(t, n.Locations, 1)
	assert.Equal(t, "/a/b.txt", n.Locations[0].Path)
	assert.Equal(t, "/a/b.txt", n.RawInput["path"])
}

func TestTranslateToolTitlesStaySingleLine(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	longCmd := "for f in $(ls); do gzip \"$f\"; done; " + strings.Repeat("echo padding; ", 20)
	out := tr.Translate(parseMsg(t, toolUseLine("t1", "Bash", fmt.Sprintf(`{"cmd":%q}`, longCmd))))
	require.Len(t, out, 1)
	assert.LessOrEqual(t, len(out[0].Title), 80)
	assert.True(t, strings.HasSuffix(out[0].Title, "..."))

	script := "set -e\nmake build\nmake test"
	out = tr.Translate(parseMsg(t, toolUseLine("t2", "Bash", fmt.Sprintf(`{"cmd":%q}`, script))))
	require.Len(t, out, 1)
	assert.Equal(t, "set -e...", out[0].Title)
}

func TestTranslateNestedInlineUpdatesParent(t *testing.T) {
	tr := newTranslator(t, PolicyInline)

	parent := tr.Translate(parseMsg(t, toolUseLine("p1", "Task", `{"description":"research"}`)))
	require.Len(t, parent, 1)
	assert.Equal(t, KindToolCall, parent[0].Kind)

	out := tr.Translate(parseMsg(t, nestedToolUseLine("p1", "t1", "Read", `{"path":"/a/b.txt"}`)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, KindToolCallUpdate, n.Kind)
	assert.Equal(t, "p1", n.ToolCallID)
	assert.Empty(t, n.Status, "content-only update must not carry a status")
	require.Len(t, n.Content, 1)
	assert.Contains(t, n.Content[0].Text, "→ Read: /a/b.txt")
	assert.Contains(t, n.Content[0].Text, "1 running")
}

func TestTranslateNestedInlineReplacesContent(t *testing.T) {
	tr := newTranslator(t, PolicyInline)
	tr.Translate(parseMsg(t, toolUseLine("p1", "Task", `{"description":"research"}`)))
	tr.Translate(parseMsg(t, nestedToolUseLine("p1", "c1", "Read", `{"path":"/a.txt"}`)))

	out := tr.Translate(parseMsg(t, toolResultLine("c1", `"contents"`, false)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, KindToolCallUpdate, n.Kind)
	assert.Equal(t, "p1", n.ToolCallID)
	require.Len(t, n.Content, 1)
	assert.Contains(t, n.Content[0].Text, "✓ Read: /a.txt")
	assert.NotContains(t, n.Content[0].Text, "→")
}

func TestTranslateErrorResultFailsCall(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("t1", "Read", `{"path":"/a/b.txt"}`)))

	out := tr.Translate(parseMsg(t, toolResultLine("t1", `"file not found"`, true)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, KindToolCallUpdate, n.Kind)
	assert.Equal(t, "t1", n.ToolCallID)
	assert.Equal(t, StatusFailed, n.Status)
	require.Len(t, n.Content, 1)
	assert.Contains(t, n.Content[0].Text, "```")
	assert.Contains(t, n.Content[0].Text, "file not found")
}

func TestTranslateBashResultUnwrapped(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("t1", "Bash", `{"cmd":"echo hello"}`)))

	// Amp wraps command results in a JSON string payload.
	out := tr.Translate(parseMsg(t, toolResultLine("t1", `"{\"output\":\"hello\",\"exitCode\":0}"`, false)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, StatusCompleted, n.Status)
	require.Len(t, n.Content, 1)
	assert.Equal(t, "hello", n.Content[0].Text)
	assert.Equal(t, "hello", n.RawOutput)
}

func TestTranslateEditResultCarriesDiff(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("t1", "Edit",
		`{"file_path":"/src/main.go","old_string":"foo()","new_string":"bar()"}`)))

	out := tr.Translate(parseMsg(t, toolResultLine("t1", `"ok"`, false)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, StatusCompleted, n.Status)
	require.Len(t, n.Content, 1)
	require.Equal(t, "diff", n.Content[0].Type)
	diff := n.Content[0].Diff
	require.NotNil(t, diff)
	assert.Equal(t, "/src/main.go", diff.Path)
	require.NotNil(t, diff.OldText)
	assert.Equal(t, "foo()", *diff.OldText)
	assert.Equal(t, "bar()", diff.NewText)
}

func TestTranslateWriteDiffHasNoOldText(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("t1", "Write",
		`{"path":"/src/new.go","content":"package main\n"}`)))

	out := tr.Translate(parseMsg(t, toolResultLine("t1", `"created"`, false)))

	require.Len(t, out, 1)
	require.Len(t, out[0].Content, 1)
	diff := out[0].Content[0].Diff
	require.NotNil(t, diff)
	assert.Equal(t, "/src/new.go", diff.Path)
	assert.Nil(t, diff.OldText)
	assert.Equal(t, "package main\n", diff.NewText)
}

func TestTranslateIDReuseMintsFreshID(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	first := tr.Translate(parseMsg(t, toolUseLine("t1", "Read", `{"path":"/a.txt"}`)))
	tr.Translate(parseMsg(t, toolResultLine("t1", `"a"`, false)))
	second := tr.Translate(parseMsg(t, toolUseLine("t1", "Read", `{"path":"/b.txt"}`)))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "t1", first[0].ToolCallID)
	assert.NotEqual(t, "t1", second[0].ToolCallID)
	assert.True(t, strings.HasPrefix(second[0].ToolCallID, "t1-"))

	// A later result for the reused backend id routes to the newest call.
	out := tr.Translate(parseMsg(t, toolResultLine("t1", `"b"`, false)))
	require.Len(t, out, 1)
	assert.Equal(t, second[0].ToolCallID, out[0].ToolCallID)
	assert.Equal(t, StatusCompleted, out[0].Status)
}

func TestTranslateTerminalRepeatsAreIdempotent(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("t1", "Read", `{"path":"/a.txt"}`)))
	tr.Translate(parseMsg(t, toolResultLine("t1", `"a"`, false)))

	repeat := tr.Translate(parseMsg(t, toolResultLine("t1", `"a"`, false)))
	assert.Empty(t, repeat)

	// A conflicting terminal state is dropped too.
	conflict := tr.Translate(parseMsg(t, toolResultLine("t1", `"boom"`, true)))
	assert.Empty(t, conflict)
}

func TestTranslateResultForUnknownToolIgnored(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	out := tr.Translate(parseMsg(t, toolResultLine("never-seen", `"x"`, false)))
	assert.Empty(t, out)
}

func TestTranslateSystemInit(t *testing.T) {
	tr := newTranslator(t, PolicyInline)

	out := tr.Translate(parseMsg(t, `{"type":"system","subtype":"init","model":"amp-large","tools":["Bash","Read"],"slash_commands":["web","editor"]}`))

	require.Len(t, out, 2)
	assert.Equal(t, KindThoughtChunk, out[0].Kind)
	assert.Contains(t, out[0].Text, "Session started")
	assert.Contains(t, out[0].Text, "amp-large")

	assert.Equal(t, KindAvailableCommands, out[1].Kind)
	require.Len(t, out[1].Commands, 2)
	assert.Equal(t, "web", out[1].Commands[0].Name)
	assert.Equal(t, "editor", out[1].Commands[1].Name)

	// A second init refreshes commands without repeating the thought.
	again := tr.Translate(parseMsg(t, `{"type":"system","subtype":"init","slash_commands":["web"]}`))
	require.Len(t, again, 1)
	assert.Equal(t, KindAvailableCommands, again[0].Kind)
}

func TestTranslateTextAndThinking(t *testing.T) {
	tr := newTranslator(t, PolicyInline)

	text := tr.Translate(parseMsg(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`))
	require.Len(t, text, 1)
	assert.Equal(t, KindMessageChunk, text[0].Kind)
	assert.Equal(t, "Hello", text[0].Text)

	thought := tr.Translate(parseMsg(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"Considering options"}]}}`))
	require.Len(t, thought, 1)
	assert.Equal(t, KindThoughtChunk, thought[0].Kind)
	assert.Equal(t, "Considering options", thought[0].Text)
}

func TestTranslateNestedTextSuppressionByPolicy(t *testing.T) {
	nested := `{"type":"assistant","parent_tool_use_id":"p1","message":{"role":"assistant","content":[{"type":"text","text":"sub-agent says"}]}}`

	inline := newTranslator(t, PolicyInline)
	assert.Empty(t, inline.Translate(parseMsg(t, nested)))

	flat := newTranslator(t, PolicyFlat)
	out := flat.Translate(parseMsg(t, nested))
	require.Len(t, out, 1)
	assert.Equal(t, KindMessageChunk, out[0].Kind)
}

func TestTranslateSeparatePolicyMarksChildren(t *testing.T) {
	tr := newTranslator(t, PolicySeparate)
	tr.Translate(parseMsg(t, toolUseLine("p1", "Task", `{"description":"research"}`)))

	out := tr.Translate(parseMsg(t, nestedToolUseLine("p1", "c1", "Read", `{"path":"/a.txt"}`)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, KindToolCall, n.Kind)
	assert.Equal(t, "c1", n.ToolCallID)
	assert.True(t, strings.HasPrefix(n.Title, "⤷ "))
}

func TestTranslateFlatPolicyNestedIsTopLevel(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("p1", "Task", `{"description":"research"}`)))

	out := tr.Translate(parseMsg(t, nestedToolUseLine("p1", "c1", "Read", `{"path":"/a.txt"}`)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, KindToolCall, n.Kind)
	assert.Equal(t, "c1", n.ToolCallID)
	assert.Equal(t, "Read: /a.txt", n.Title)
}

func TestTranslateResultAutoCompletesOpenCalls(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("t1", "Bash", `{"cmd":"sleep 5"}`)))

	out := tr.Translate(parseMsg(t, `{"type":"result","result":"All done.","usage":{"input_tokens":100,"output_tokens":20}}`))

	require.Len(t, out, 3)
	assert.Equal(t, KindToolCallUpdate, out[0].Kind)
	assert.Equal(t, "t1", out[0].ToolCallID)
	assert.Equal(t, StatusCompleted, out[0].Status)

	assert.Equal(t, KindMessageChunk, out[1].Kind)
	assert.Equal(t, "All done.", out[1].Text)

	assert.Equal(t, KindUsageUpdate, out[2].Kind)
	require.NotNil(t, out[2].Usage)
	assert.Equal(t, int64(100), out[2].Usage.InputTokens)
	assert.Equal(t, int64(20), out[2].Usage.OutputTokens)

	assert.Equal(t, 0, tr.OpenCalls())
}

func TestTranslateResultTextSkippedAfterStreamedText(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"streamed"}]}}`))

	out := tr.Translate(parseMsg(t, `{"type":"result","result":"streamed","usage":{"input_tokens":1,"output_tokens":1}}`))

	require.Len(t, out, 1)
	assert.Equal(t, KindUsageUpdate, out[0].Kind)
}

func TestTranslateErrorResultEmitsErrorText(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	out := tr.Translate(parseMsg(t, `{"type":"result","is_error":true,"result":"backend exploded"}`))

	require.Len(t, out, 1)
	assert.Equal(t, KindMessageChunk, out[0].Kind)
	assert.Equal(t, codeBlock("backend exploded"), out[0].Text)
}

func TestTranslateErrorResultAfterStreamedText(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}`))

	// Streamed text never suppresses the error explanation.
	out := tr.Translate(parseMsg(t, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"ran out of budget"}`))

	require.Len(t, out, 1)
	assert.Equal(t, KindMessageChunk, out[0].Kind)
	assert.Contains(t, out[0].Text, "ran out of budget")
}

func TestTranslateErrorResultWithoutTextGetsFallback(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	out := tr.Translate(parseMsg(t, `{"type":"result","is_error":true}`))

	require.Len(t, out, 1)
	assert.Equal(t, KindMessageChunk, out[0].Kind)
	assert.Contains(t, out[0].Text, "error")
}

func TestTranslateResultUsageAliases(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	out := tr.Translate(parseMsg(t, `{"type":"result","usage":{"inputTokens":7,"outputTokens":3,"cacheReadInputTokens":2}}`))

	require.Len(t, out, 1)
	assert.Equal(t, KindUsageUpdate, out[0].Kind)
	assert.Equal(t, int64(7), out[0].Usage.InputTokens)
	assert.Equal(t, int64(3), out[0].Usage.OutputTokens)
	assert.Equal(t, int64(2), out[0].Usage.CacheReadInputTokens)
}

func TestTranslatePlanTool(t *testing.T) {
	tr := newTranslator(t, PolicyInline)

	out := tr.Translate(parseMsg(t, toolUseLine("plan1", "TodoWrite",
		`{"todos":[{"content":"write tests","status":"in_progress","priority":"high"},{"content":"update docs","status":"pending"}]}`)))

	require.Len(t, out, 1)
	n := out[0]
	assert.Equal(t, KindPlan, n.Kind)
	require.Len(t, n.Plan, 2)
	assert.Equal(t, "write tests", n.Plan[0].Content)
	assert.Equal(t, PlanInProgress, n.Plan[0].Status)
	assert.Equal(t, "high", n.Plan[0].Priority)
	assert.Equal(t, "update docs", n.Plan[1].Content)
	assert.Equal(t, PlanPending, n.Plan[1].Status)
	assert.Equal(t, "medium", n.Plan[1].Priority)

	// The plan tool result carries nothing worth forwarding.
	res := tr.Translate(parseMsg(t, toolResultLine("plan1", `"Todos updated"`, false)))
	assert.Empty(t, res)
}

func TestTranslateSweepStale(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := New(Options{
		Policy: PolicyFlat,
		Logger: testLogger(t),
		Now:    func() time.Time { return current },
	})

	tr.Translate(parseMsg(t, toolUseLine("old", "Bash", `{"cmd":"sleep"}`)))
	current = current.Add(8 * time.Minute)
	tr.Translate(parseMsg(t, toolUseLine("fresh", "Read", `{"path":"/a.txt"}`)))
	current = current.Add(3 * time.Minute)

	out := tr.SweepStale(10 * time.Minute)

	require.Len(t, out, 1)
	assert.Equal(t, KindToolCallUpdate, out[0].Kind)
	assert.Equal(t, "old", out[0].ToolCallID)
	assert.Equal(t, StatusFailed, out[0].Status)
	require.Len(t, out[0].Content, 1)
	assert.Equal(t, "Interrupted", out[0].Content[0].Text)
	assert.Equal(t, 1, tr.OpenCalls())
}

func TestTranslateSweepStaleInlineChild(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := New(Options{
		Policy: PolicyInline,
		Logger: testLogger(t),
		Now:    func() time.Time { return current },
	})

	tr.Translate(parseMsg(t, toolUseLine("p1", "Task", `{"description":"research"}`)))
	tr.Translate(parseMsg(t, nestedToolUseLine("p1", "c1", "Read", `{"path":"/a.txt"}`)))
	current = current.Add(time.Hour)

	out := tr.SweepStale(10 * time.Minute)

	// The parent fails with a plain status update; the child folds into the
	// parent's content as a failure.
	require.Len(t, out, 2)
	var parentUpdate, contentUpdate *Notification
	for i := range out {
		if out[i].Status == StatusFailed {
			parentUpdate = &out[i]
		} else {
			contentUpdate = &out[i]
		}
	}
	require.NotNil(t, parentUpdate)
	assert.Equal(t, "p1", parentUpdate.ToolCallID)
	require.NotNil(t, contentUpdate)
	assert.Equal(t, "p1", contentUpdate.ToolCallID)
	require.Len(t, contentUpdate.Content, 1)
	assert.Contains(t, contentUpdate.Content[0].Text, "✗ Read: /a.txt")
}

func TestTranslateBeginTurnClearsState(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)
	tr.Translate(parseMsg(t, toolUseLine("t1", "Read", `{"path":"/a.txt"}`)))
	require.Equal(t, 1, tr.OpenCalls())

	tr.BeginTurn()

	assert.Equal(t, 0, tr.OpenCalls())
	// Identity ids are available again in the new turn.
	out := tr.Translate(parseMsg(t, toolUseLine("t1", "Read", `{"path":"/b.txt"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "t1", out[0].ToolCallID)
}

func TestTranslateRawOutputPassthrough(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	out := tr.Translate(&ampstream.Message{Type: ampstream.MessageTypeRawOutput, RawText: "Installing dependencies..."})

	require.Len(t, out, 1)
	assert.Equal(t, KindMessageChunk, out[0].Kind)
	assert.Equal(t, "Installing dependencies...\n", out[0].Text)
}

func TestTranslateUnknownTypeIsNoOp(t *testing.T) {
	tr := newTranslator(t, PolicyFlat)

	out := tr.Translate(parseMsg(t, `{"type":"telemetry","payload":{"x":1}}`))
	assert.Empty(t, out)
}

func TestTranslateUserCommandOutput(t *testing.T) {
	tr := newTranslator(t, PolicyInline)

	out := tr.Translate(parseMsg(t, `{"type":"user","message":{"role":"user","content":"<local-command-stdout>done</local-command-stdout>"}}`))
	require.Len(t, out, 1)
	assert.Equal(t, KindMessageChunk, out[0].Kind)
	assert.Equal(t, "done", out[0].Text)
}

func TestTranslateReplayAndSyntheticSkipped(t *testing.T) {
	tr := newTranslator(t, PolicyInline)

	replay := tr.Translate(parseMsg(t, `{"type":"assistant","isReplay":true,"message":{"role":"assistant","content":[{"type":"text","text":"from history"}]}}`))
	assert.Empty(t, replay)

	synthetic := tr.Translate(parseMsg(t, `{"type":"user","isSynthetic":true,"message":{"role":"user","content":"glue"}}`))
	assert.Empty(t, synthetic)
}
