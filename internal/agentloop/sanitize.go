package agentloop

import "github.com/druidia-bot/dotbot/internal/providers"

const placeholderToolResult = "(no result — tool execution was skipped)"

// Sanitize guarantees every assistant message carrying tool calls is
// immediately followed by a tool-role message for each of its tool-call
// identifiers, in order. Any gap is filled with a placeholder so the message
// sequence remains a valid precondition for the next LLM call.
func Sanitize(messages []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	i := 0
	for i < len(messages) {
		msg := messages[i]
		out = append(out, msg)
		i++

		if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
			continue
		}

		have := make(map[string]bool)
		j := i
		for j < len(messages) && messages[j].Role == "tool" {
			out = append(out, messages[j])
			have[messages[j].ToolCallID] = true
			j++
		}
		i = j

		for _, call := range msg.ToolCalls {
			if !have[call.ID] {
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    placeholderToolResult,
					ToolCallID: call.ID,
				})
			}
		}
	}
	return out
}
