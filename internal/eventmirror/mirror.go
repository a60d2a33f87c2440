package eventmirror

import (
	"context"

	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/breaker"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/translate"
)

const source = "amp-acp"

// Mirror publishes session activity to the bus. Publishing is best-effort:
// failures are logged and never interrupt the session that produced the
// event. A nil Mirror is safe to call.
type Mirror struct {
	bus    Bus
	logger *logger.Logger
}

// New creates a mirror on the given bus.
func New(bus Bus, log *logger.Logger) *Mirror {
	return &Mirror{
		bus:    bus,
		logger: log.WithFields(zap.String("component", "eventmirror")),
	}
}

// Notification mirrors one translated session update.
func (m *Mirror) Notification(ctx context.Context, sessionID string, n *translate.Notification) {
	if m == nil || n == nil {
		return
	}
	eventType := TypeNotification
	if n.Kind == translate.KindUsageUpdate {
		eventType = TypeUsage
	}
	m.publish(ctx, SessionSubject(sessionID, n.Kind), sessionID, eventType, notificationData(n))
}

// TurnStarted marks the beginning of a prompt turn.
func (m *Mirror) TurnStarted(ctx context.Context, sessionID string) {
	if m == nil {
		return
	}
	m.publish(ctx, SessionSubject(sessionID, "turn"), sessionID, TypeTurnStarted, nil)
}

// TurnFinished marks the end of a prompt turn with its stop reason.
func (m *Mirror) TurnFinished(ctx context.Context, sessionID, stopReason string) {
	if m == nil {
		return
	}
	m.publish(ctx, SessionSubject(sessionID, "turn"), sessionID, TypeTurnFinished, map[string]any{
		"stop_reason": stopReason,
	})
}

// BreakerTransition publishes a circuit breaker state change.
func (m *Mirror) BreakerTransition(ctx context.Context, from, to breaker.State) {
	if m == nil {
		return
	}
	m.publish(ctx, BreakerSubject, "", TypeBreaker, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (m *Mirror) publish(ctx context.Context, subject, sessionID, eventType string, data map[string]any) {
	event := NewEvent(eventType, source, data)
	event.SessionID = sessionID
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Warn("failed to mirror event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// notificationData builds the kind-specific payload. Chunk text is mirrored
// as a length only so conversation content never leaves the ACP connection.
func notificationData(n *translate.Notification) map[string]any {
	data := map[string]any{"kind": n.Kind}
	switch n.Kind {
	case translate.KindToolCall:
		data["tool_call_id"] = n.ToolCallID
		data["title"] = n.Title
		data["tool_kind"] = n.ToolKind
		data["status"] = n.Status
	case translate.KindToolCallUpdate:
		data["tool_call_id"] = n.ToolCallID
		if n.Status != "" {
			data["status"] = n.Status
		}
	case translate.KindMessageChunk, translate.KindThoughtChunk:
		data["chars"] = len(n.Text)
	case translate.KindPlan:
		data["entries"] = len(n.Plan)
	case translate.KindUsageUpdate:
		if u := n.Usage; u != nil {
			data["input_tokens"] = u.InputTokens
			data["output_tokens"] = u.OutputTokens
			data["cache_creation_tokens"] = u.CacheCreationInputTokens
			data["cache_read_tokens"] = u.CacheReadInputTokens
		}
	case translate.KindAvailableCommands:
		data["commands"] = len(n.Commands)
	case translate.KindCurrentMode:
		data["mode"] = n.ModeID
	}
	return data
}
