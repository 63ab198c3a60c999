package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase      = "https://api.anthropic.com/v1"
	anthropicVersion      = "2023-06-01"
	anthropicDefaultModel = "claude-sonnet-4-5"
	anthropicMaxTokens    = 4096
)

// Anthropic speaks the messages API with native tool use.
type Anthropic struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: anthropicDefaultModel,
		client:       &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithModel overrides the default model.
func (p *Anthropic) WithModel(model string) *Anthropic {
	if model != "" {
		p.defaultModel = model
	}
	return p
}

// WithBaseURL points the client at a proxy or test server.
func (p *Anthropic) WithBaseURL(baseURL string) *Anthropic {
	if baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	return p
}

func (p *Anthropic) Name() string         { return "anthropic" }
func (p *Anthropic) DefaultModel() string { return p.defaultModel }

func (p *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildBody(req, false)
	rc, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return parseAnthropicResponse(&resp), nil
}

// ChatStream streams SSE events, forwarding text deltas and assembling the
// same ChatResponse Chat would have returned.
func (p *Anthropic) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildBody(req, true)
	rc, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	result := &ChatResponse{FinishReason: "stop"}
	var content strings.Builder
	toolJSON := map[int]*strings.Builder{} // block index → accumulated input json
	toolMeta := map[int]ToolCall{}

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				Thinking    string `json:"thinking"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Usage *anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolMeta[ev.Index] = ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				toolJSON[ev.Index] = &strings.Builder{}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				if onChunk != nil {
					onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			case "thinking_delta":
				if onChunk != nil {
					onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
				}
			case "input_json_delta":
				if b, ok := toolJSON[ev.Index]; ok {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				result.FinishReason = mapAnthropicStop(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				result.Usage = ev.Usage.toUsage()
			}
		case "message_stop":
			if onChunk != nil {
				onChunk(StreamChunk{Done: true})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream read: %w", err)
	}

	result.Content = content.String()
	for idx, meta := range toolMeta {
		args := map[string]interface{}{}
		if b := toolJSON[idx]; b != nil && b.Len() > 0 {
			_ = json.Unmarshal([]byte(b.String()), &args)
		}
		meta.Arguments = args
		result.ToolCalls = append(result.ToolCalls, meta)
	}
	if len(result.ToolCalls) > 0 && result.FinishReason == "stop" {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

// buildBody converts the neutral ChatRequest into the messages-API shape:
// system text pulled out of the message list, tool results folded into user
// turns, assistant tool calls rendered as tool_use blocks.
func (p *Anthropic) buildBody(req ChatRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var system string
	var msgs []map[string]interface{}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case "assistant":
			blocks := []interface{}{}
			if m.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Arguments,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, map[string]interface{}{"role": "assistant", "content": blocks})

		case "tool":
			// Anthropic wants tool results inside a user turn.
			resultContent := []interface{}{map[string]interface{}{"type": "text", "text": m.Content}}
			for _, img := range m.Images {
				resultContent = append(resultContent, imageBlock(img))
			}
			msgs = append(msgs, map[string]interface{}{
				"role": "user",
				"content": []interface{}{map[string]interface{}{
					"type": "tool_result", "tool_use_id": m.ToolCallID, "content": resultContent,
				}},
			})

		default: // user
			if len(m.Images) == 0 {
				msgs = append(msgs, map[string]interface{}{"role": "user", "content": m.Content})
				continue
			}
			blocks := []interface{}{map[string]interface{}{"type": "text", "text": m.Content}}
			for _, img := range m.Images {
				blocks = append(blocks, imageBlock(img))
			}
			msgs = append(msgs, map[string]interface{}{"role": "user", "content": blocks})
		}
	}

	body := map[string]interface{}{
		"model":       model,
		"messages":    coalesceUserTurns(msgs),
		"max_tokens":  optInt(req.Options, "max_tokens", anthropicMaxTokens),
		"temperature": optFloat(req.Options, "temperature", 1.0),
	}
	if system != "" {
		body["system"] = system
	}
	if stream {
		body["stream"] = true
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func imageBlock(img ImageContent) map[string]interface{} {
	return map[string]interface{}{
		"type": "image",
		"source": map[string]interface{}{
			"type": "base64", "media_type": img.MimeType, "data": img.Data,
		},
	}
}

// coalesceUserTurns merges consecutive user-role entries (tool results land
// as separate user turns above) — the API rejects back-to-back same-role
// messages.
func coalesceUserTurns(msgs []map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1]["role"] == "user" && m["role"] == "user" {
			prev := out[len(out)-1]
			out[len(out)-1] = map[string]interface{}{
				"role":    "user",
				"content": append(asBlocks(prev["content"]), asBlocks(m["content"])...),
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

func asBlocks(content interface{}) []interface{} {
	switch t := content.(type) {
	case []interface{}:
		return t
	case string:
		return []interface{}{map[string]interface{}{"type": "text", "text": t}}
	default:
		return nil
	}
}

func (p *Anthropic) post(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, errBody)
	}
	return resp.Body, nil
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      *anthropicUsage  `json:"usage"`
}

type anthropicBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *anthropicUsage) toUsage() *Usage {
	return &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

func parseAnthropicResponse(resp *anthropicResponse) *ChatResponse {
	out := &ChatResponse{FinishReason: mapAnthropicStop(resp.StopReason)}
	var content strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := map[string]interface{}{}
			_ = json.Unmarshal(block.Input, &args)
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = content.String()
	if resp.Usage != nil {
		out.Usage = resp.Usage.toUsage()
	}
	return out
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
