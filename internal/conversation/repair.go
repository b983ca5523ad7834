package conversation

import "tempo/internal/ports"

// Repair enforces the tool pairing invariant on a model history loaded
// from disk: every assistant tool-use block must have a matching
// tool-result block in the following user message. Results missing after
// an interruption are synthesized as "interrupted". Returns the repaired
// history and whether anything changed.
func Repair(history []ports.ModelMessage) ([]ports.ModelMessage, bool) {
	out := append([]ports.ModelMessage(nil), history...)
	changed := false

	for i := 0; i < len(out); i++ {
		if out[i].Role != ports.RoleAssistant {
			continue
		}
		uses := toolUses(out[i])
		if len(uses) == 0 {
			continue
		}

		var next *ports.ModelMessage
		if i+1 < len(out) && out[i+1].Role == ports.RoleUser {
			next = &out[i+1]
		}

		missing := danglingUses(uses, next)
		if len(missing) == 0 {
			continue
		}
		changed = true

		synthesized := make([]ports.ContentBlock, 0, len(missing))
		for _, use := range missing {
			synthesized = append(synthesized, ports.ContentBlock{
				Type:      ports.BlockToolResult,
				ToolUseID: use.ToolUseID,
				Text:      "[interrupted before a result was produced]",
			})
		}

		if next != nil {
			// Results go ahead of whatever the user message already holds.
			next.Content = append(synthesized, next.Content...)
			continue
		}

		repairMsg := ports.ModelMessage{
			Role:      ports.RoleUser,
			Content:   synthesized,
			CreatedAt: out[i].CreatedAt,
		}
		out = append(out[:i+1], append([]ports.ModelMessage{repairMsg}, out[i+1:]...)...)
		i++
	}
	return out, changed
}

func toolUses(msg ports.ModelMessage) []ports.ContentBlock {
	var uses []ports.ContentBlock
	for _, block := range msg.Content {
		if block.Type == ports.BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

func danglingUses(uses []ports.ContentBlock, next *ports.ModelMessage) []ports.ContentBlock {
	answered := make(map[string]bool)
	if next != nil {
		for _, block := range next.Content {
			if block.Type == ports.BlockToolResult {
				answered[block.ToolUseID] = true
			}
		}
	}
	var missing []ports.ContentBlock
	for _, use := range uses {
		if !answered[use.ToolUseID] {
			missing = append(missing, use)
		}
	}
	return missing
}
