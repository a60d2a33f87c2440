package permbridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// ControlHandler builds the callback the driver installs for backend control
// requests. can_use_tool requests run through Decide on their own goroutine
// so the stream read loop keeps draining events while a prompt is pending;
// anything else gets an error response the way the backend expects.
func (d *Decider) ControlHandler(sessionID string) func(requestID string, req *ampstream.ControlRequest, respond func(*ampstream.ControlResponseMessage) error) {
	return func(requestID string, req *ampstream.ControlRequest, respond func(*ampstream.ControlResponseMessage) error) {
		d.logger.Info("received control request",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype),
			zap.String("tool_name", req.ToolName))

		if req.Subtype != ampstream.SubtypeCanUseTool {
			d.logger.Warn("unhandled control request subtype",
				zap.String("subtype", req.Subtype))
			d.send(respond, &ampstream.ControlResponseMessage{
				Type:      ampstream.MessageTypeControlResponse,
				RequestID: requestID,
				Response: &ampstream.ControlResponse{
					Subtype: "error",
					Error:   fmt.Sprintf("unhandled subtype: %s", req.Subtype),
				},
			})
			return
		}

		go func() {
			dec := d.Decide(context.Background(), Query{
				SessionID: sessionID,
				ToolUseID: req.ToolUseID,
				ToolName:  req.ToolName,
				Input:     req.Input,
			})
			d.send(respond, &ampstream.ControlResponseMessage{
				Type:      ampstream.MessageTypeControlResponse,
				RequestID: requestID,
				Response: &ampstream.ControlResponse{
					Subtype: "success",
					Result: &ampstream.PermissionResult{
						Behavior: dec.Behavior,
						Message:  dec.Message,
					},
				},
			})
		}()
	}
}

func (d *Decider) send(respond func(*ampstream.ControlResponseMessage) error, msg *ampstream.ControlResponseMessage) {
	if err := respond(msg); err != nil {
		d.logger.Warn("failed to send control response", zap.Error(err))
	}
}
