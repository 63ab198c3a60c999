// Package agentloop drives a single spawned agent from a task to a final
// response: the agentic function-calling iteration that is the hottest code
// path in the system: drain injections, abort-check, call the LLM,
// execute tool calls, sanitize, repeat — with manifest-driven,
// category-routed tool dispatch and cooperative suspension.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/druidia-bot/dotbot/internal/errkind"
	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/internal/tools"
	"github.com/druidia-bot/dotbot/internal/tracing"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

const (
	maxToolResultChars  = 8000
	truncationSuffix    = "\n...[truncated]"
	dupWarnThreshold    = 3
	dupEscalateThreshold = 5
)

// Executor runs one tool call and returns a result, honoring the supplied
// timeout. Server-side categories are executed in-process; all others are
// implemented by routing an execution_request envelope to the client and
// awaiting the execution_response (see internal/transport).
type Executor interface {
	Execute(ctx context.Context, call providers.ToolCall, timeout time.Duration) (*tools.Result, error)
}

// InjectionSource drains queued external user text at the top of every
// iteration.
type InjectionSource interface {
	Drain(agentID string) []string
}

// WaitForUserFunc suspends the loop until a matching reply arrives or the
// optional timeout elapses. Implemented by the orchestrator: it flips the
// agent's router status to blocked and resolves this call when the router
// matches an incoming message to the agent.
type WaitForUserFunc func(ctx context.Context, agentID, reason, resumeHint string, timeoutMinutes int) (string, error)

// RequestResearchFunc synchronously spawns a research sub-agent and returns
// its findings string.
type RequestResearchFunc func(ctx context.Context, query string, depth protocol.ResearchDepth, format protocol.ResearchFormat) (string, error)

// Loop configures one tool-loop instance. A fresh Loop (or a reused one with
// Run called concurrently for distinct agents) drives exactly one agent at a
// time per Run call — concurrency across agents is the caller's
// responsibility, matching "one concurrent LLM turn per agent" scheduling.
type Loop struct {
	AgentID       string
	Provider      providers.Provider
	Model         string
	MaxIterations int

	Categorizer    ToolCategorizer
	ServerExecutor Executor
	ClientExecutor Executor
	MCPExecutor    Executor

	Injections      InjectionSource
	OnWaitForUser   WaitForUserFunc
	OnRequestTools  func(categories []string, reason string) []providers.ToolDefinition
	OnRequestSearch RequestResearchFunc

	OnEvent func(event AgentEvent)

	mu sync.Mutex // guards nothing shared today; reserved for future manifest mutation locking
}

// AgentEvent is emitted for observability (forwarded to front-ends as chat/
// agent WS events by internal/transport).
type AgentEvent struct {
	Type      string
	AgentID   string
	ToolName  string
	Content   string
	Timestamp time.Time
}

func (l *Loop) emit(ev AgentEvent) {
	ev.AgentID = l.AgentID
	ev.Timestamp = time.Now()
	if l.OnEvent != nil {
		l.OnEvent(ev)
	}
}

// RunRequest is the tool loop's public input contract.
type RunRequest struct {
	SystemPrompt     string
	FirstUserMessage string
	History          []providers.Message
	Tools            []providers.ToolDefinition
	Temperature      float64
	MaxTokens        int
	SkillNudge       bool
	Abort            <-chan struct{}
}

// RunResult is the tool loop's public output contract.
type RunResult struct {
	FinalResponse string
	ToolCalls     []ToolCallRecord
	Iterations    int
	Completed     bool
	Escalated     *Escalation
}

// ToolCallRecord captures one executed tool call for the caller's audit trail.
type ToolCallRecord struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    string
	Success   bool
}

// Escalation is returned when the loop gives up and asks to be re-routed.
type Escalation struct {
	NeededToolCategories []string
	Reason               string
}

// Run drives the agent to completion. It never panics or returns a non-nil
// error for ordinary LLM/tool failures — those are folded into the returned
// RunResult, matching "the tool loop never throws out of itself".
func (l *Loop) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	toolDefs := append([]providers.ToolDefinition{}, req.Tools...)
	toolDefs = append(toolDefs, syntheticToolDefinitions()...)

	messages := make([]providers.Message, 0, len(req.History)+2)
	messages = append(messages, providers.Message{Role: "system", Content: req.SystemPrompt})
	messages = append(messages, req.History...)
	messages = append(messages, providers.Message{Role: "user", Content: req.FirstUserMessage})

	result := RunResult{}
	seenCalls := make(map[string]bool)
	var lastToolName string
	var sameToolStreak int

	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}

	for iteration := 1; iteration <= maxIter; iteration++ {
		if l.Injections != nil {
			for _, text := range l.Injections.Drain(l.AgentID) {
				messages = append(messages, providers.Message{Role: "user", Content: text})
				// A new user turn resets any assistant reasoning trace the
				// provider attached as Content-only thinking; nothing to
				// strip here since Message carries no separate reasoning
				// field, but future providers that add one should clear it
				// at this point.
			}
		}

		if aborted(req.Abort) {
			result.Iterations = iteration - 1
			return result, nil
		}

		llmCtx, llmSpan := tracing.Tracer("agentloop").Start(ctx, "llm.chat")
		llmSpan.SetAttributes(
			attribute.String("agent.id", l.AgentID),
			attribute.Int("loop.iteration", iteration),
			attribute.String("llm.model", l.Model),
			attribute.Int("llm.message_count", len(messages)),
		)
		resp, err := l.Provider.Chat(llmCtx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.Model,
			Options:  map[string]any{"temperature": req.Temperature, "max_tokens": req.MaxTokens},
		})
		if err != nil {
			llmSpan.SetStatus(codes.Error, "provider call failed")
		} else {
			llmSpan.SetAttributes(attribute.Int("llm.tool_calls", len(resp.ToolCalls)))
		}
		llmSpan.End()
		if err != nil {
			result.FinalResponse = "I hit a provider error and had to stop."
			result.Iterations = iteration
			slog.Warn("agentloop: provider chat failed", "agent_id", l.AgentID, "error", err)
			return result, nil
		}

		if len(resp.ToolCalls) == 0 {
			if req.SkillNudge && iteration <= 2 && len(result.ToolCalls) == 0 {
				messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content})
				messages = append(messages, providers.Message{Role: "user", Content: "make the tool calls now, do not describe them"})
				continue
			}
			result.FinalResponse = resp.Content
			result.Completed = true
			result.Iterations = iteration
			return result, nil
		}

		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		// Duplicate/stuck detection over this turn's calls.
		forcedEscalation := false
		stuckWarning := ""
		if len(resp.ToolCalls) == 1 {
			name := resp.ToolCalls[0].Name
			if name == lastToolName {
				sameToolStreak++
			} else {
				sameToolStreak = 1
				lastToolName = name
			}
			if sameToolStreak == dupWarnThreshold {
				// Appended after this turn's tool results so they stay
				// directly behind the assistant message that requested them.
				stuckWarning = fmt.Sprintf(
					"you have called %q %d times in a row — try a different approach or escalate", name, sameToolStreak)
			}
			if sameToolStreak >= dupEscalateThreshold {
				forcedEscalation = true
			}
		} else {
			sameToolStreak = 0
			lastToolName = ""
		}

		if forcedEscalation {
			reason := fmt.Sprintf("same tool called %d times consecutively with no progress", sameToolStreak)
			for _, call := range resp.ToolCalls {
				messages = append(messages, providers.Message{Role: "tool", Content: "(skipped — escalating)", ToolCallID: call.ID})
			}
			result.Escalated = &Escalation{NeededToolCategories: nil, Reason: reason}
			result.FinalResponse = "I'm not making progress with the tools I have and need to be re-routed."
			result.Iterations = iteration
			l.emit(AgentEvent{Type: protocol.AgentEventEscalated, Content: reason})
			return result, nil
		}

		infraDown := false
		for _, call := range resp.ToolCalls {
			callKey := fmt.Sprintf("%s:%v", call.Name, call.Arguments)
			_ = seenCalls[callKey] // duplicate set retained for future stricter dedup; not gating today
			seenCalls[callKey] = true

			l.emit(AgentEvent{Type: protocol.AgentEventToolCall, ToolName: call.Name, Content: fmt.Sprintf("%v", call.Arguments)})

			res, escalate, toolDefsAfter := l.dispatch(ctx, call, &toolDefs)
			if toolDefsAfter != nil {
				toolDefs = toolDefsAfter
			}
			if escalate != nil {
				// agent.escalate: fill remaining slots and return immediately.
				idx := indexOfCall(resp.ToolCalls, call.ID)
				for _, remaining := range resp.ToolCalls[idx:] {
					if remaining.ID == call.ID {
						messages = append(messages, toolMessage(call.ID, res.ForLLM))
						continue
					}
					messages = append(messages, providers.Message{Role: "tool", Content: "(skipped — escalated)", ToolCallID: remaining.ID})
				}
				result.Escalated = escalate
				result.FinalResponse = res.ForLLM
				result.Iterations = iteration
				l.emit(AgentEvent{Type: protocol.AgentEventEscalated, Content: escalate.Reason})
				return result, nil
			}

			cleaned, images := extractImages(res.ForLLM)
			text := truncate(cleaned)
			msg := toolMessage(call.ID, text)
			msg.Images = images
			messages = append(messages, msg)
			result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
				ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: text, Success: !res.IsError,
			})
			l.emit(AgentEvent{Type: protocol.AgentEventToolResult, ToolName: call.Name, Content: text})

			if res.IsError && isInfrastructureError(res.ForLLM) {
				infraDown = true
			}
		}

		if infraDown {
			result.FinalResponse = "The local agent appears to be disconnected, so I can't run that tool right now."
			result.Iterations = iteration
			return result, nil
		}

		if stuckWarning != "" {
			messages = append(messages, providers.Message{Role: "user", Content: stuckWarning})
		}
		messages = Sanitize(messages)
	}

	// Iteration cap reached without a text-only turn: one synthesis pass,
	// no tools offered.
	messages = append(messages, providers.Message{Role: "user", Content: "summarize what you've found so far in plain text"})
	finalResp, err := l.Provider.Chat(ctx, providers.ChatRequest{Messages: messages, Model: l.Model})
	if err != nil {
		result.FinalResponse = "I ran out of iterations and couldn't summarize due to a provider error."
	} else {
		result.FinalResponse = finalResp.Content
	}
	result.Iterations = maxIter
	result.Completed = true
	return result, nil
}

// dispatch executes one tool call, handling the four synthetic tools inline
// and routing real tools by category. It returns (result, escalation,
// updatedToolDefs) — updatedToolDefs is non-nil only when
// agent.request_tools expanded the manifest.
func (l *Loop) dispatch(ctx context.Context, call providers.ToolCall, toolDefs *[]providers.ToolDefinition) (*tools.Result, *Escalation, []providers.ToolDefinition) {
	switch call.Name {
	case ToolEscalate:
		reason, _ := call.Arguments["reason"].(string)
		var cats []string
		if raw, ok := call.Arguments["needed_tool_categories"].([]any); ok {
			for _, c := range raw {
				if s, ok := c.(string); ok {
					cats = append(cats, s)
				}
			}
		}
		return tools.ErrorResult("escalating: " + reason), &Escalation{NeededToolCategories: cats, Reason: reason}, nil

	case ToolWaitForUser:
		reason, _ := call.Arguments["reason"].(string)
		hint, _ := call.Arguments["resume_hint"].(string)
		timeoutMin, _ := call.Arguments["timeout_minutes"].(float64)
		if l.OnWaitForUser == nil {
			return tools.ErrorResult("wait_for_user is not supported in this context"), nil, nil
		}
		l.emit(AgentEvent{Type: protocol.AgentEventWaitForUser, Content: reason})
		reply, err := l.OnWaitForUser(ctx, l.AgentID, reason, hint, int(timeoutMin))
		if err != nil {
			return tools.ErrorResult("no reply received: " + err.Error()), nil, nil
		}
		return tools.NewResult(reply), nil, nil

	case ToolRequestTools:
		reason, _ := call.Arguments["reason"].(string)
		var cats []string
		if raw, ok := call.Arguments["categories"].([]any); ok {
			for _, c := range raw {
				if s, ok := c.(string); ok {
					cats = append(cats, s)
				}
			}
		}
		if l.OnRequestTools == nil {
			return tools.ErrorResult("request_tools is not supported in this context"), nil, nil
		}
		extra := l.OnRequestTools(cats, reason)
		updated := append(append([]providers.ToolDefinition{}, *toolDefs...), extra...)
		return tools.NewResult(fmt.Sprintf("granted %d additional tools", len(extra))), nil, updated

	case ToolRequestResearch:
		query, _ := call.Arguments["query"].(string)
		depth, _ := call.Arguments["depth"].(string)
		format, _ := call.Arguments["format"].(string)
		if l.OnRequestSearch == nil {
			return tools.ErrorResult("request_research is not supported in this context"), nil, nil
		}
		findings, err := l.OnRequestSearch(ctx, query, protocol.ResearchDepth(depth), protocol.ResearchFormat(format))
		if err != nil {
			return tools.ErrorResult("research failed: " + err.Error()), nil, nil
		}
		return tools.NewResult(findings), nil, nil
	}

	cat := CategoryDefault
	if l.Categorizer != nil {
		cat = l.Categorizer.CategoryOf(call.Name)
	}

	var exec Executor
	switch {
	case IsMCPTool(call.Name):
		exec = l.MCPExecutor
	case IsServerSide(cat):
		exec = l.ServerExecutor
	default:
		exec = l.ClientExecutor
	}
	if exec == nil {
		return tools.ErrorResult(errkind.ToolInfrastructure(fmt.Errorf("no executor configured for category %q", cat)).Error()), nil, nil
	}

	execCtx, span := tracing.Tracer("agentloop").Start(ctx, "tool.execute")
	span.SetAttributes(
		attribute.String("agent.id", l.AgentID),
		attribute.String("tool.id", call.Name),
		attribute.String("tool.category", string(cat)),
	)
	res, err := exec.Execute(execCtx, call, TimeoutFor(cat))
	if err != nil {
		span.SetStatus(codes.Error, "tool execution failed")
		span.End()
		return tools.ErrorResult(err.Error()).WithError(err), nil, nil
	}
	span.SetAttributes(attribute.Bool("tool.is_error", res.IsError))
	span.End()
	return res, nil, nil
}

func indexOfCall(calls []providers.ToolCall, id string) int {
	for i, c := range calls {
		if c.ID == id {
			return i
		}
	}
	return 0
}

func toolMessage(callID, content string) providers.Message {
	return providers.Message{Role: "tool", Content: content, ToolCallID: callID}
}

// truncate enforces the exactly-8000-character invariant: the stored text
// for any tool result longer than 8000 characters is exactly r[:8000] plus
// the truncation suffix.
func truncate(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	return s[:maxToolResultChars] + truncationSuffix
}

func isInfrastructureError(text string) bool {
	for _, marker := range []string{"no local-agent", "not connected", "no device"} {
		if containsFold(text, marker) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	// Simple ASCII-insensitive contains; tool error strings are always ASCII.
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func aborted(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
