package sessions

import (
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/spectra/pkg/models"
)

// missingToolResultText is the content of synthetic results inserted for
// tool calls whose results are absent from the history.
const missingToolResultText = "Tool Error: missing tool result in session history"

// TranscriptRepairReport contains the results of transcript repair.
type TranscriptRepairReport struct {
	// Messages is the repaired message list
	Messages []*models.Message
	// Added contains synthetic tool results that were inserted
	Added []*models.Message
	// DroppedOrphanCount is the number of tool results dropped because no
	// preceding assistant message requested them
	DroppedOrphanCount int
	// DroppedDuplicateCount is the number of repeated results for one call id
	DroppedDuplicateCount int
}

// Changed reports whether the repair altered the transcript.
func (r TranscriptRepairReport) Changed() bool {
	return len(r.Added) > 0 || r.DroppedOrphanCount > 0 || r.DroppedDuplicateCount > 0
}

// RepairToolCallPairing makes a history slice safe to send to a model:
// every assistant tool call is followed by exactly one result. Tool results
// without a requesting assistant message are dropped, and missing results
// are filled with synthetic error results.
func RepairToolCallPairing(messages []*models.Message) TranscriptRepairReport {
	report := TranscriptRepairReport{
		Messages: make([]*models.Message, 0, len(messages)),
	}

	var pending *models.Message
	answered := map[string]bool{}

	flush := func() {
		if pending == nil {
			return
		}
		var missing []models.ToolResult
		for _, tc := range pending.ToolCalls {
			if !answered[tc.ID] {
				missing = append(missing, models.ToolResult{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Content:    missingToolResultText,
					IsError:    true,
				})
			}
		}
		if len(missing) > 0 {
			synthetic := &models.Message{
				ID:          uuid.NewString(),
				SessionID:   pending.SessionID,
				Role:        models.RoleTool,
				ToolResults: missing,
				Metadata:    map[string]any{"synthetic": true},
			}
			if !pending.CreatedAt.IsZero() {
				synthetic.CreatedAt = pending.CreatedAt.Add(time.Nanosecond)
			}
			report.Added = append(report.Added, synthetic)
			report.Messages = append(report.Messages, synthetic)
		}
		pending = nil
		answered = map[string]bool{}
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleTool:
			if pending == nil {
				report.DroppedOrphanCount += len(msg.ToolResults)
				continue
			}
			requested := make(map[string]bool, len(pending.ToolCalls))
			for _, tc := range pending.ToolCalls {
				requested[tc.ID] = true
			}
			kept := make([]models.ToolResult, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				switch {
				case !requested[tr.ToolCallID]:
					report.DroppedOrphanCount++
				case answered[tr.ToolCallID]:
					report.DroppedDuplicateCount++
				default:
					answered[tr.ToolCallID] = true
					kept = append(kept, tr)
				}
			}
			if len(kept) == 0 {
				continue
			}
			if len(kept) != len(msg.ToolResults) {
				copied := *msg
				copied.ToolResults = kept
				msg = &copied
			}
			report.Messages = append(report.Messages, msg)
		default:
			flush()
			report.Messages = append(report.Messages, msg)
			if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
				pending = msg
			}
		}
	}
	flush()

	if !report.Changed() {
		report.Messages = messages
	}
	return report
}
