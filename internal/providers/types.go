// Package providers holds the server-side LLM clients the orchestration
// pipeline and tool loop call through: a small Provider interface with
// native function calling, an Anthropic messages-API client and an
// OpenAI-compatible chat-completions client, and the model-role registry
// that maps the intake/workhorse/smart tiers onto concrete models.
package providers

import "context"

// Provider is the surface every LLM backend implements.
type Provider interface {
	// Chat sends messages plus an optional tool manifest and returns the
	// complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream streams response chunks via onChunk and returns the final
	// assembled response.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel is used when ChatRequest.Model is empty.
	DefaultModel() string

	// Name identifies the backend ("anthropic", "openai", ...).
	Name() string
}

// ChatRequest is the input to Chat/ChatStream. Options carries
// temperature/max_tokens-style knobs the tool loop threads through without
// interpreting.
type ChatRequest struct {
	Messages []Message              `json:"messages"`
	Tools    []ToolDefinition       `json:"tools,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ChatResponse is one complete LLM turn.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
}

// StreamChunk is one piece of a streamed response.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// ImageContent is a base64 image attached to a message — the tool loop
// extracts screenshot_ref/image_base64 fields out of tool results into
// these so vision-capable models see the pixels, not a base64 wall.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Message is one conversation turn. Role is "system", "user", "assistant",
// or "tool"; tool messages carry the ToolCallID they answer.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ToolCall is one function invocation the model requested.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes one callable function in the manifest.
type ToolDefinition struct {
	Type     string             `json:"type"` // always "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is a function tool's name and JSON-schema parameters.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption per call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens     int `json:"total_tokens"`
}

// optFloat reads a float option with a default; the tool loop passes
// temperature this way.
func optFloat(opts map[string]interface{}, key string, def float64) float64 {
	if v, ok := opts[key]; ok {
		switch t := v.(type) {
		case float64:
			return t
		case int:
			return float64(t)
		}
	}
	return def
}

// optInt reads an int option with a default (max_tokens).
func optInt(opts map[string]interface{}, key string, def int) int {
	if v, ok := opts[key]; ok {
		switch t := v.(type) {
		case int:
			return t
		case float64:
			return int(t)
		}
	}
	return def
}
