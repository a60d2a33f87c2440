package session

import (
	"github.com/coder/acp-go-sdk"

	"github.com/edlsh/amp-acp/internal/config"
	"github.com/edlsh/amp-acp/internal/translate"
)

// Stop reasons reported when a prompt turn resolves.
const (
	stopEndTurn   = acp.StopReason("end_turn")
	stopCancelled = acp.StopReason("cancelled")
	stopRefusal   = acp.StopReason("refusal")
)

// applyUpdate fills the notification's update union from a translated
// notification. Returns false for kinds that never go to the client:
// usage updates are persisted and mirrored instead, the protocol has no
// member for them.
func applyUpdate(out *acp.SessionNotification, n *translate.Notification) bool {
	switch n.Kind {
	case translate.KindMessageChunk:
		out.Update.AgentMessageChunk = &acp.SessionAgentMessageChunk{
			Content: acp.TextBlock(n.Text),
		}

	case translate.KindThoughtChunk:
		out.Update.AgentThoughtChunk = &acp.SessionAgentThoughtChunk{
			Content: acp.TextBlock(n.Text),
		}

	case translate.KindToolCall:
		tc := &acp.SessionToolCall{
			ToolCallId: acp.ToolCallId(n.ToolCallID),
			Title:      n.Title,
			Kind:       acp.ToolKind(n.ToolKind),
			Status:     acp.ToolCallStatus(n.Status),
			Locations:  toolCallLocations(n.Locations),
		}
		if len(n.RawInput) > 0 {
			tc.RawInput = n.RawInput
		}
		out.Update.ToolCall = tc

	case translate.KindToolCallUpdate:
		upd := &acp.SessionToolCallUpdate{ToolCallId: acp.ToolCallId(n.ToolCallID)}
		if n.Status != "" {
			status := acp.ToolCallStatus(n.Status)
			upd.Status = &status
		}
		if n.RawOutput != nil {
			upd.RawOutput = n.RawOutput
		}
		if len(n.Content) > 0 {
			upd.Content = toolCallContents(n.Content)
		}
		out.Update.ToolCallUpdate = upd

	case translate.KindPlan:
		out.Update.Plan = &acp.SessionPlan{Entries: planEntries(n.Plan)}

	case translate.KindAvailableCommands:
		out.Update.AvailableCommandsUpdate = &acp.SessionAvailableCommandsUpdate{
			AvailableCommands: availableCommands(n.Commands),
		}

	case translate.KindCurrentMode:
		out.Update.CurrentModeUpdate = &acp.SessionCurrentModeUpdate{
			CurrentModeId: acp.SessionModeId(n.ModeID),
		}

	default:
		return false
	}
	return true
}

func toolCallLocations(locs []translate.Location) []acp.ToolCallLocation {
	if len(locs) == 0 {
		return nil
	}
	out := make([]acp.ToolCallLocation, len(locs))
	for i, l := range locs {
		out[i] = acp.ToolCallLocation{Path: l.Path, Line: l.Line}
	}
	return out
}

func toolCallContents(items []translate.ContentItem) []acp.ToolCallContent {
	out := make([]acp.ToolCallContent, 0, len(items))
	for _, item := range items {
		if item.Diff != nil {
			out = append(out, acp.ToolCallContent{
				Diff: &acp.ToolCallContentDiff{
					Path:    item.Diff.Path,
					OldText: item.Diff.OldText,
					NewText: item.Diff.NewText,
					Type:    "diff",
				},
			})
			continue
		}
		out = append(out, acp.ToolCallContent{
			Content: &acp.ToolCallContentContent{
				Content: acp.TextBlock(item.Text),
				Type:    "content",
			},
		})
	}
	return out
}

func planEntries(entries []translate.PlanEntry) []acp.PlanEntry {
	out := make([]acp.PlanEntry, len(entries))
	for i, e := range entries {
		out[i] = acp.PlanEntry{
			Content:  e.Content,
			Priority: acp.PlanEntryPriority(e.Priority),
			Status:   acp.PlanEntryStatus(e.Status),
		}
	}
	return out
}

func availableCommands(commands []translate.CommandInfo) []acp.AvailableCommand {
	out := make([]acp.AvailableCommand, len(commands))
	for i, c := range commands {
		cmd := acp.AvailableCommand{Name: c.Name, Description: c.Description}
		if c.InputHint != "" {
			cmd.Input = &acp.AvailableCommandInput{
				UnstructuredCommandInput: &acp.AvailableCommandUnstructuredCommandInput{
					Hint: c.InputHint,
				},
			}
		}
		out[i] = cmd
	}
	return out
}

// permissionModes is the session mode surface exposed to clients. The mode
// ids are the backend's permission modes, so a mode picked in the client UI
// maps straight onto permission prompting behavior.
func permissionModes(current config.PermissionMode) *acp.SessionModeState {
	return &acp.SessionModeState{
		CurrentModeId: acp.SessionModeId(current),
		AvailableModes: []acp.SessionMode{
			{Id: acp.SessionModeId(config.PermissionDefault), Name: "Always Ask"},
			{Id: acp.SessionModeId(config.PermissionAcceptEdits), Name: "Accept Edits"},
			{Id: acp.SessionModeId(config.PermissionBypass), Name: "Bypass Permissions"},
			{Id: acp.SessionModeId(config.PermissionPlan), Name: "Plan"},
		},
	}
}
