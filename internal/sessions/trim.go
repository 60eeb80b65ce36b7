package sessions

import "github.com/haasonsaas/clawgate/pkg/models"

// TrimOptions bound the view of a history that is sent upstream.
type TrimOptions struct {
	// ContextBudget is the approximate byte budget for the trimmed view.
	// Zero or negative disables trimming.
	ContextBudget int
	// KeepRecent messages at the tail always survive trimming.
	KeepRecent int
}

// TrimmedHistory returns the view of messages that fits the context budget.
// It is a read-time transform: the input is never mutated and the stored
// history keeps its full length.
//
// Pinned and system messages always survive. The most recent KeepRecent
// messages always survive. Among the rest, the oldest messages are dropped
// first until the total size fits the budget. Surviving messages keep their
// original order.
//
// Tool rounds are dropped whole: an assistant message carrying tool calls
// and the tool message answering it either both survive or both go. A tool
// result whose originating tool call is missing is rejected upstream, so if
// either side of a round is protected the whole round survives.
func TrimmedHistory(messages []*models.Message, opts TrimOptions) []*models.Message {
	if opts.ContextBudget <= 0 {
		return messages
	}

	total := 0
	for _, msg := range messages {
		total += msg.Size()
	}
	if total <= opts.ContextBudget {
		return messages
	}

	recentStart := len(messages) - opts.KeepRecent
	if recentStart < 0 {
		recentStart = 0
	}

	partner := toolRoundPartners(messages)
	protected := func(i int) bool {
		msg := messages[i]
		return msg.Pinned || msg.Role == models.RoleSystem || i >= recentStart
	}

	dropped := make(map[int]bool)
	for i := range messages {
		if total <= opts.ContextBudget {
			break
		}
		if dropped[i] || protected(i) {
			continue
		}
		if p, ok := partner[i]; ok && protected(p) {
			continue
		}
		dropped[i] = true
		total -= messages[i].Size()
		if p, ok := partner[i]; ok && !dropped[p] {
			dropped[p] = true
			total -= messages[p].Size()
		}
	}
	if len(dropped) == 0 {
		return messages
	}

	out := make([]*models.Message, 0, len(messages)-len(dropped))
	for i, msg := range messages {
		if !dropped[i] {
			out = append(out, msg)
		}
	}
	return out
}

// toolRoundPartners links each assistant message carrying tool calls to the
// tool message whose results answer it, in both directions.
func toolRoundPartners(messages []*models.Message) map[int]int {
	partners := make(map[int]int)
	for i, msg := range messages {
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		ids := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			ids[tc.ID] = true
		}
		for j := i + 1; j < len(messages); j++ {
			if messages[j].Role != models.RoleTool {
				continue
			}
			for _, tr := range messages[j].ToolResults {
				if ids[tr.ToolCallID] {
					partners[i] = j
					partners[j] = i
					break
				}
			}
			if _, ok := partners[i]; ok {
				break
			}
		}
	}
	return partners
}
