package agentloop

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/internal/tools"
)

// scriptedProvider returns one canned ChatResponse per call, in order, and
// repeats the last response once the script is exhausted.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	calls     int
}

func (p *scriptedProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	return p.responses[idx], nil
}
func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type echoExecutor struct {
	result *tools.Result
}

func (e echoExecutor) Execute(_ context.Context, _ providers.ToolCall, _ time.Duration) (*tools.Result, error) {
	return e.result, nil
}

func TestLoopCompletesOnTextOnlyTurn(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "all done", FinishReason: "stop"},
	}}
	l := &Loop{AgentID: "a1", Provider: p, MaxIterations: 5}

	res, err := l.Run(context.Background(), RunRequest{SystemPrompt: "sys", FirstUserMessage: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Completed || res.FinalResponse != "all done" {
		t.Fatalf("expected completed run with final text, got %+v", res)
	}
}

func TestLoopTruncatesToolResultAtExactBoundary(t *testing.T) {
	exact := strings.Repeat("x", maxToolResultChars)
	over := strings.Repeat("y", maxToolResultChars+1)

	for _, tc := range []struct {
		name   string
		input  string
		wantTr bool
	}{
		{"exactly-8000-not-truncated", exact, false},
		{"8001-is-truncated", over, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.input)
			if tc.wantTr {
				if len(got) != maxToolResultChars+len(truncationSuffix) {
					t.Fatalf("expected truncated length %d, got %d", maxToolResultChars+len(truncationSuffix), len(got))
				}
				if !strings.HasSuffix(got, truncationSuffix) {
					t.Fatalf("expected truncation suffix")
				}
			} else if got != tc.input {
				t.Fatalf("expected untouched content at exactly the boundary")
			}
		})
	}
}

func TestLoopEscalatesAfterFiveIdenticalCalls(t *testing.T) {
	call := providers.ToolCall{ID: "c", Name: "stuck_tool", Arguments: map[string]interface{}{}}
	var responses []*providers.ChatResponse
	for i := 0; i < 6; i++ {
		responses = append(responses, &providers.ChatResponse{ToolCalls: []providers.ToolCall{call}, FinishReason: "tool_calls"})
	}
	p := &scriptedProvider{responses: responses}

	l := &Loop{
		AgentID:        "a1",
		Provider:       p,
		MaxIterations:  10,
		ClientExecutor: echoExecutor{result: tools.NewResult("keeps returning the same thing")},
	}

	res, err := l.Run(context.Background(), RunRequest{SystemPrompt: "sys", FirstUserMessage: "loop forever"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Escalated == nil {
		t.Fatalf("expected escalation after repeated identical tool calls, got %+v", res)
	}
}

func TestExtractImagesStripsFieldAndBuildsBlock(t *testing.T) {
	raw := `{"ok": true, "image_base64": "aGVsbG8=", "note": "took a screenshot"}`
	cleaned, images := extractImages(raw)
	if len(images) != 1 {
		t.Fatalf("expected one image block, got %d", len(images))
	}
	if images[0].Data != "aGVsbG8=" || images[0].MimeType != "image/png" {
		t.Fatalf("unexpected image block: %+v", images[0])
	}
	if strings.Contains(cleaned, "image_base64") {
		t.Fatalf("image field must be stripped from the text part: %s", cleaned)
	}
	if !strings.Contains(cleaned, "took a screenshot") {
		t.Fatalf("non-image fields must survive: %s", cleaned)
	}
}

func TestExtractImagesLeavesPlainTextAlone(t *testing.T) {
	raw := "just some tool output"
	cleaned, images := extractImages(raw)
	if cleaned != raw || images != nil {
		t.Fatalf("non-JSON results must pass through untouched")
	}
}
