package session

import (
	"context"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/permbridge"
	"github.com/edlsh/amp-acp/internal/tracing"
)

// clientRequester forwards permission prompts to the connected client over
// session/request_permission. It is the Requester the decider consults when
// a tool call needs an interactive decision.
type clientRequester struct {
	conn   AgentConn
	logger *logger.Logger
}

var (
	_ permbridge.Requester = (*clientRequester)(nil)
	_ permbridge.Requester = (*Agent)(nil)
)

func (r *clientRequester) RequestPermission(ctx context.Context, p permbridge.Prompt) (permbridge.Outcome, error) {
	ctx, span := tracing.TracePermissionRequest(ctx, p.ToolName, p.SessionID)
	defer span.End()

	req := acp.RequestPermissionRequest{
		SessionId: acp.SessionId(p.SessionID),
		Options:   permissionOptions(p.Options),
	}
	req.ToolCall.ToolCallId = acp.ToolCallId(p.ToolUseID)
	if p.Title != "" {
		title := p.Title
		req.ToolCall.Title = &title
	}
	if p.Kind != "" {
		kind := acp.ToolKind(p.Kind)
		req.ToolCall.Kind = &kind
	}
	if len(p.Input) > 0 {
		req.ToolCall.RawInput = p.Input
	}

	resp, err := r.conn.RequestPermission(ctx, req)
	if err != nil {
		tracing.TracePermissionDecision(span, "", err)
		return permbridge.Outcome{}, err
	}

	switch {
	case resp.Outcome.Cancelled != nil:
		tracing.TracePermissionDecision(span, "cancelled", nil)
		return permbridge.Outcome{Cancelled: true}, nil
	case resp.Outcome.Selected != nil:
		option := string(resp.Outcome.Selected.OptionId)
		tracing.TracePermissionDecision(span, option, nil)
		return permbridge.Outcome{OptionID: option}, nil
	default:
		// A response with neither member set is a client bug; refuse
		// rather than guess.
		r.logger.Warn("permission response carried no outcome",
			zap.String("session_id", p.SessionID),
			zap.String("tool", p.ToolName))
		tracing.TracePermissionDecision(span, "cancelled", nil)
		return permbridge.Outcome{Cancelled: true}, nil
	}
}

func permissionOptions(options []permbridge.Option) []acp.PermissionOption {
	out := make([]acp.PermissionOption, len(options))
	for i, o := range options {
		out[i] = acp.PermissionOption{
			OptionId: acp.PermissionOptionId(o.ID),
			Name:     o.Name,
			Kind:     acp.PermissionOptionKind(o.Kind),
		}
	}
	return out
}
