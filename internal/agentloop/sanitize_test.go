package agentloop

import (
	"testing"

	"github.com/druidia-bot/dotbot/internal/providers"
)

func TestSanitizeFillsMissingToolResults(t *testing.T) {
	in := []providers.Message{
		{Role: "user", Content: "do two things"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}},
		{Role: "tool", ToolCallID: "1", Content: "ok"},
		// no result for call "2"
		{Role: "user", Content: "next turn"},
	}

	out := Sanitize(in)

	if len(out) != 5 {
		t.Fatalf("expected 5 messages after filling the gap, got %d", len(out))
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "2" {
		t.Fatalf("expected a synthesized placeholder tool message for call 2, got %+v", out[3])
	}
	if out[3].Content != placeholderToolResult {
		t.Fatalf("expected placeholder content, got %q", out[3].Content)
	}
	if out[4].Content != "next turn" {
		t.Fatalf("expected trailing user message preserved, got %+v", out[4])
	}
}

func TestSanitizeLeavesCompleteSequenceUntouched(t *testing.T) {
	in := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "1", Name: "a"}}},
		{Role: "tool", ToolCallID: "1", Content: "result"},
	}
	out := Sanitize(in)
	if len(out) != 2 || out[1].Content != "result" {
		t.Fatalf("expected untouched sequence, got %+v", out)
	}
}

func TestSanitizeIgnoresNonToolAssistantMessages(t *testing.T) {
	in := []providers.Message{
		{Role: "assistant", Content: "just text"},
		{Role: "user", Content: "ok"},
	}
	out := Sanitize(in)
	if len(out) != 2 {
		t.Fatalf("expected text-only assistant message left alone, got %+v", out)
	}
}
