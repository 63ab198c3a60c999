package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const openAIDefaultBase = "https://api.openai.com/v1"

// OpenAI speaks the chat-completions API. It also fronts any
// OpenAI-compatible endpoint (Gemini's compatibility layer, local
// gateways) via a custom base URL, which is why the backend name is a
// constructor argument.
type OpenAI struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

func NewOpenAI(name, apiKey, baseURL, defaultModel string) *OpenAI {
	if baseURL == "" {
		baseURL = openAIDefaultBase
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAI{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *OpenAI) Name() string         { return p.name }
func (p *OpenAI) DefaultModel() string { return p.defaultModel }

func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	rc, err := p.post(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var resp openAIResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return parseOpenAIResponse(&resp), nil
}

func (p *OpenAI) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	rc, err := p.post(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	result := &ChatResponse{FinishReason: "stop"}
	var content strings.Builder
	// index → partially assembled call; argument JSON arrives in fragments.
	calls := map[int]*ToolCall{}
	callArgs := map[int]*strings.Builder{}

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			if onChunk != nil {
				onChunk(StreamChunk{Done: true})
			}
			break
		}

		var ev struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil || len(ev.Choices) == 0 {
			continue
		}
		choice := ev.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(StreamChunk{Content: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if calls[tc.Index] == nil {
				calls[tc.Index] = &ToolCall{}
				callArgs[tc.Index] = &strings.Builder{}
			}
			if tc.ID != "" {
				calls[tc.Index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[tc.Index].Name = tc.Function.Name
			}
			callArgs[tc.Index].WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			result.FinishReason = mapOpenAIFinish(choice.FinishReason)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: stream read: %w", p.name, err)
	}

	result.Content = content.String()
	indices := make([]int, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		call := *calls[i]
		call.Arguments = map[string]interface{}{}
		if raw := callArgs[i].String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &call.Arguments)
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}
	return result, nil
}

func (p *OpenAI) buildBody(req ChatRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]interface{}{"role": m.Role}
		switch {
		case m.Role == "tool":
			entry["tool_call_id"] = m.ToolCallID
			entry["content"] = m.Content
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			entry["content"] = m.Content
			var tcs []map[string]interface{}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				tcs = append(tcs, map[string]interface{}{
					"id": tc.ID, "type": "function",
					"function": map[string]interface{}{"name": tc.Name, "arguments": string(args)},
				})
			}
			entry["tool_calls"] = tcs
		case len(m.Images) > 0:
			parts := []interface{}{map[string]interface{}{"type": "text", "text": m.Content}}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type":      "image_url",
					"image_url": map[string]interface{}{"url": "data:" + img.MimeType + ";base64," + img.Data},
				})
			}
			entry["content"] = parts
		default:
			entry["content"] = m.Content
		}
		msgs = append(msgs, entry)
	}

	body := map[string]interface{}{
		"model":       model,
		"messages":    msgs,
		"temperature": optFloat(req.Options, "temperature", 1.0),
	}
	if mt := optInt(req.Options, "max_tokens", 0); mt > 0 {
		body["max_tokens"] = mt
	}
	if stream {
		body["stream"] = true
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	return body
}

func (p *OpenAI) post(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d: %s", p.name, resp.StatusCode, errBody)
	}
	return resp.Body, nil
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseOpenAIResponse(resp *openAIResponse) *ChatResponse {
	out := &ChatResponse{FinishReason: "stop"}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = mapOpenAIFinish(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}

func mapOpenAIFinish(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_calls"
	case "length":
		return "length"
	default:
		return "stop"
	}
}
