package translate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// Policy controls how tool calls spawned by a sub-agent are presented.
type Policy string

const (
	// PolicyFlat surfaces nested calls as ordinary top-level tool calls.
	PolicyFlat Policy = "flat"
	// PolicyInline folds nested calls into the parent's content array.
	PolicyInline Policy = "inline"
	// PolicySeparate surfaces nested calls as distinct calls marked as
	// children.
	PolicySeparate Policy = "separate"
)

// Options configures a Translator.
type Options struct {
	Policy            Policy
	MaxListedFailures int
	RecentCompleted   int
	Logger            *logger.Logger
	// Now is injectable for stale-sweep tests.
	Now func() time.Time
}

// inFlightCall tracks one announced tool call until the turn ends.
// Entries stay after reaching a terminal status so that repeated or
// conflicting late reports can be classified.
type inFlightCall struct {
	PublicID  string
	BackendID string
	Name      string
	Title     string
	Kind      string
	// ParentID is the public id of the parent call when this call is an
	// inline-folded child.
	ParentID  string
	Diff      *DiffContent
	Status    string
	StartedAt time.Time
}

// Translator converts backend stream-json messages into notifications.
// One translator serves one session; Translate is called from the driver's
// event loop and BeginTurn at the start of each prompt.
type Translator struct {
	mu     sync.Mutex
	logger *logger.Logger
	policy Policy

	ids *IDMap
	agg *Aggregator

	inFlight  map[string]*inFlightCall
	planTools map[string]bool

	textStreamed bool
	initSeen     bool

	now func() time.Time
}

// New creates a Translator.
func New(opts Options) *Translator {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.Policy
	switch policy {
	case PolicyFlat, PolicyInline, PolicySeparate:
	default:
		policy = PolicyInline
	}
	return &Translator{
		logger:    log.WithFields(zap.String("component", "translator")),
		policy:    policy,
		ids:       NewIDMap(),
		agg:       NewAggregator(opts.MaxListedFailures, opts.RecentCompleted),
		inFlight:  make(map[string]*inFlightCall),
		planTools: make(map[string]bool),
		now:       now,
	}
}

// BeginTurn clears all per-turn state: tool identity, nesting, in-flight
// calls, and the streamed-text marker.
func (t *Translator) BeginTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids.Clear()
	t.agg.Clear()
	t.inFlight = make(map[string]*inFlightCall)
	t.planTools = make(map[string]bool)
	t.textStreamed = false
}

// OpenCalls returns the number of tool calls still in progress.
func (t *Translator) OpenCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, call := range t.inFlight {
		if call.Status == StatusInProgress {
			n++
		}
	}
	return n
}

// SweepStale fails every in-progress tool call older than age. Called
// before a new prompt begins so leftovers from an interrupted turn do not
// linger as running forever.
func (t *Translator) SweepStale(age time.Duration) []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-age)
	var out []Notification
	parents := make(map[string]bool)

	for id, call := range t.inFlight {
		if call.Status != StatusInProgress || call.StartedAt.After(cutoff) {
			continue
		}
		call.Status = StatusFailed
		t.logger.Warn("failing stale tool call",
			zap.String("tool_call_id", id),
			zap.String("tool", call.Name))
		if call.ParentID != "" {
			t.agg.CompleteChild(call.ParentID, id, true)
			parents[call.ParentID] = true
			continue
		}
		out = append(out, Notification{
			Kind:       KindToolCallUpdate,
			ToolCallID: id,
			Status:     StatusFailed,
			Content:    []ContentItem{TextContent("Interrupted")},
		})
	}
	for parent := range parents {
		out = append(out, t.parentContentUpdate(parent))
	}
	return out
}

// Translate converts one backend message into its ordered notifications.
// Unknown message types produce nothing.
func (t *Translator) Translate(msg *ampstream.Message) []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch msg.Type {
	case ampstream.MessageTypeSystem:
		return t.handleSystem(msg)
	case ampstream.MessageTypeAssistant:
		return t.handleAssistant(msg)
	case ampstream.MessageTypeUser:
		return t.handleUser(msg)
	case ampstream.MessageTypeResult:
		return t.handleResult(msg)
	case ampstream.MessageTypeRawOutput:
		if msg.RawText == "" {
			return nil
		}
		return []Notification{{Kind: KindMessageChunk, Text: msg.RawText + "\n"}}
	default:
		t.logger.Debug("unhandled message type", zap.String("type", msg.Type))
		return nil
	}
}

func (t *Translator) handleSystem(msg *ampstream.Message) []Notification {
	if msg.Subtype != ampstream.SubtypeInit {
		t.logger.Debug("ignoring system message", zap.String("subtype", msg.Subtype))
		return nil
	}

	var out []Notification
	if !t.initSeen {
		t.initSeen = true
		out = append(out, Notification{Kind: KindThoughtChunk, Text: initThought(msg)})
	}

	// Announce slash commands on every init in case they changed. The
	// system message carries names only; descriptions come from the
	// initialize control round trip.
	if len(msg.SlashCommands) > 0 {
		commands := make([]CommandInfo, len(msg.SlashCommands))
		for i, name := range msg.SlashCommands {
			commands[i] = CommandInfo{Name: name}
		}
		out = append(out, Notification{Kind: KindAvailableCommands, Commands: commands})
	}
	return out
}

func initThought(msg *ampstream.Message) string {
	parts := []string{"Session started"}
	if msg.Model != "" {
		parts = append(parts, "model "+msg.Model)
	}
	if len(msg.Tools) > 0 {
		parts = append(parts, fmt.Sprintf("%d tools", len(msg.Tools)))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + " (" + strings.Join(parts[1:], ", ") + ")"
}

func (t *Translator) handleAssistant(msg *ampstream.Message) []Notification {
	if msg.IsReplay || msg.Message == nil {
		return nil
	}

	parentBackend := msg.ParentToolUseID
	var out []Notification

	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case ampstream.BlockTypeText:
			if block.Text == "" {
				continue
			}
			// Sub-agent narration is folded away under the inline policy;
			// its tool calls already render in the parent's content.
			if parentBackend != "" && t.policy == PolicyInline {
				continue
			}
			t.textStreamed = true
			out = append(out, Notification{Kind: KindMessageChunk, Text: block.Text})

		case ampstream.BlockTypeThinking:
			if block.Thinking == "" {
				continue
			}
			if parentBackend != "" && t.policy == PolicyInline {
				continue
			}
			out = append(out, Notification{Kind: KindThoughtChunk, Text: block.Thinking})

		case ampstream.BlockTypeToolUse:
			out = append(out, t.startToolCall(block, parentBackend)...)
		}
	}
	return out
}

func (t *Translator) startToolCall(block ampstream.ContentBlock, parentBackend string) []Notification {
	if isPlanTool(block.Name) {
		t.planTools[block.ID] = true
		entries := planEntriesFromInput(block.Input)
		if len(entries) == 0 {
			return nil
		}
		return []Notification{{Kind: KindPlan, Plan: entries}}
	}

	publicID := t.ids.Acquire(block.ID)
	title, kind, locations := DeriveToolMeta(block.Name, block.Input)
	call := &inFlightCall{
		PublicID:  publicID,
		BackendID: block.ID,
		Name:      block.Name,
		Title:     title,
		Kind:      kind,
		Diff:      DiffForEdit(block.Name, block.Input),
		Status:    StatusInProgress,
		StartedAt: t.now(),
	}

	if parentBackend != "" && t.policy == PolicyInline {
		parentPublic := t.parentPublicID(parentBackend)
		call.ParentID = parentPublic
		t.inFlight[publicID] = call
		t.agg.RegisterChild(parentPublic, publicID, title)
		return []Notification{t.parentContentUpdate(parentPublic)}
	}

	if parentBackend != "" && t.policy == PolicySeparate {
		call.Title = "⤷ " + title
	}
	t.inFlight[publicID] = call

	return []Notification{{
		Kind:       KindToolCall,
		ToolCallID: publicID,
		Title:      call.Title,
		ToolKind:   kind,
		Status:     StatusInProgress,
		Locations:  locations,
		RawInput:   block.Input,
	}}
}

// parentPublicID resolves the parent's public id, falling back to the raw
// backend id when the parent call was never announced.
func (t *Translator) parentPublicID(parentBackend string) string {
	if id, ok := t.ids.Lookup(parentBackend); ok {
		return id
	}
	return parentBackend
}

func (t *Translator) parentContentUpdate(parentPublic string) Notification {
	return Notification{
		Kind:       KindToolCallUpdate,
		ToolCallID: parentPublic,
		Content:    t.agg.Content(parentPublic),
	}
}

func (t *Translator) handleUser(msg *ampstream.Message) []Notification {
	if msg.IsReplay || msg.Message == nil {
		return nil
	}

	// String-content user messages are command output echoes. Sub-agent
	// internal traffic and synthetic continuation glue stay hidden.
	if contentStr := msg.Message.GetContentString(); contentStr != "" {
		if msg.IsSynthetic || msg.ParentToolUseID != "" {
			return nil
		}
		text := strings.TrimPrefix(contentStr, "<local-command-stdout>")
		text = strings.TrimSuffix(text, "</local-command-stdout>")
		if text == "" {
			return nil
		}
		t.textStreamed = true
		return []Notification{{Kind: KindMessageChunk, Text: text}}
	}

	var out []Notification
	for _, block := range msg.Message.GetContentBlocks() {
		if block.Type != ampstream.BlockTypeToolResult {
			continue
		}
		out = append(out, t.finishToolCall(block)...)
	}
	return out
}

func (t *Translator) finishToolCall(block ampstream.ContentBlock) []Notification {
	if t.planTools[block.ToolUseID] {
		// Plan tools surfaced as plan notifications; their results carry
		// nothing the client has a call to attach them to.
		delete(t.planTools, block.ToolUseID)
		return nil
	}

	publicID, ok := t.ids.Lookup(block.ToolUseID)
	if !ok {
		t.logger.Warn("tool result for unknown tool call",
			zap.String("tool_use_id", block.ToolUseID))
		return nil
	}

	status := StatusCompleted
	if block.IsError {
		status = StatusFailed
	}

	call := t.inFlight[publicID]
	if call == nil {
		t.logger.Debug("tool result after turn state cleared",
			zap.String("tool_call_id", publicID))
		return nil
	}
	if call.Status != StatusInProgress {
		if call.Status == status {
			// Terminal repeats are idempotent.
			t.logger.Debug("duplicate terminal update dropped",
				zap.String("tool_call_id", publicID))
		} else {
			t.logger.Warn("invalid status transition dropped",
				zap.String("tool_call_id", publicID),
				zap.String("from", call.Status),
				zap.String("to", status))
		}
		return nil
	}
	call.Status = status

	if call.ParentID != "" {
		t.agg.CompleteChild(call.ParentID, publicID, block.IsError)
		return []Notification{t.parentContentUpdate(call.ParentID)}
	}

	resultText := flattenToolResult(&block)
	n := Notification{
		Kind:       KindToolCallUpdate,
		ToolCallID: publicID,
		Status:     status,
	}
	if resultText != "" {
		n.RawOutput = resultText
	}
	switch {
	case block.IsError:
		text := resultText
		if text == "" {
			text = "Tool call failed"
		}
		n.Content = []ContentItem{TextContent(codeBlock(text))}
	case call.Diff != nil:
		n.Content = []ContentItem{DiffItem(call.Diff)}
	case resultText != "":
		n.Content = []ContentItem{TextContent(resultText)}
	}
	return []Notification{n}
}

func (t *Translator) handleResult(msg *ampstream.Message) []Notification {
	var out []Notification

	// Tool calls that never saw an explicit result complete now.
	parents := make(map[string]bool)
	for id, call := range t.inFlight {
		if call.Status != StatusInProgress {
			continue
		}
		call.Status = StatusCompleted
		if call.ParentID != "" {
			t.agg.CompleteChild(call.ParentID, id, false)
			parents[call.ParentID] = true
			continue
		}
		out = append(out, Notification{
			Kind:       KindToolCallUpdate,
			ToolCallID: id,
			Status:     StatusCompleted,
		})
	}
	for parent := range parents {
		out = append(out, t.parentContentUpdate(parent))
	}

	switch {
	case msg.IsError:
		// Error results carry the only explanation the client will see.
		text := resultText(msg)
		if text == "" {
			text = "The backend reported an error"
		}
		out = append(out, Notification{Kind: KindMessageChunk, Text: codeBlock(text)})
	case !t.textStreamed:
		// The result text is a duplicate when the assistant already
		// streamed text this turn.
		if text := resultText(msg); text != "" {
			out = append(out, Notification{Kind: KindMessageChunk, Text: text})
		}
	}
	t.textStreamed = false

	if usage := msg.ResultUsage(); usage != nil {
		out = append(out, Notification{Kind: KindUsageUpdate, Usage: usage})
	}
	return out
}

func resultText(msg *ampstream.Message) string {
	if data := msg.GetResultData(); data != nil && data.Text != "" {
		return data.Text
	}
	return msg.GetResultString()
}
