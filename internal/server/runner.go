package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/agentloop"
	"github.com/druidia-bot/dotbot/internal/navigator"
	"github.com/druidia-bot/dotbot/internal/orchestrator"
	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/internal/tools"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// defaultAgentIterations caps an ordinary spawned agent's loop; research
// sub-agents carry their own budget from the depth table.
const defaultAgentIterations = 25

// buildPipeline assembles the orchestration pipeline for one device.
func (a *App) buildPipeline(ds *deviceState) *orchestrator.Pipeline {
	intake, err := a.Registry.For(protocol.ModelRoleIntake)
	if err != nil {
		slog.Error("server: no intake model bound", "err", err)
	}

	p := &orchestrator.Pipeline{
		Router: ds.router,
		Waits:  ds.waits,
		ShortPath: &orchestrator.ShortPath{
			Provider: intake.Provider,
			Model:    intake.Model,
			Status:   ds.router,
		},
		Classifier: &orchestrator.Receptionist{
			Provider:      intake.Provider,
			Model:         intake.Model,
			ActiveSummary: ds.router.ActiveSummary,
		},
		Planner: &orchestrator.LLMPlanner{
			Provider:         intake.Provider,
			Model:            intake.Model,
			AvailableToolIDs: func() []string { return a.availableToolIDs(ds) },
		},
		Injections: ds.injections,
		Persona: func(string) orchestrator.Persona {
			return orchestrator.Persona{Name: "Dot", Role: "personal assistant"}
		},
		OnAck: func(text string) {
			_ = ds.sess.Send(protocol.KindUserNotification, protocol.UserNotificationPayload{Message: text})
		},
		OnBackgroundDone: func(agentID, topic, output string) {
			_ = ds.sess.Send(protocol.KindAgentComplete, protocol.AgentCompletePayload{
				AgentID: agentID, Topic: topic, Output: output,
			})
		},
	}
	p.AgentRunner = &agentRunner{app: a, ds: ds, pipeline: p}
	return p
}

// availableToolIDs is the manifest the planner chooses from: the device's
// declared capabilities plus whatever the MCP gateway has registered.
func (a *App) availableToolIDs(ds *deviceState) []string {
	ids := append([]string{}, ds.sess.Capabilities...)
	for _, def := range ds.mcp.ToolDefinitions() {
		ids = append(ids, def.Function.Name)
	}
	return ids
}

// agentRunner adapts one Plan into a configured agentloop.Loop run.
type agentRunner struct {
	app      *App
	ds       *deviceState
	pipeline *orchestrator.Pipeline
}

func (r *agentRunner) RunAgent(ctx context.Context, agentID string, sub orchestrator.SubTask, plan orchestrator.Plan) (string, error) {
	binding, err := r.app.Registry.For(plan.ModelRole)
	if err != nil {
		return "", err
	}

	maxIter := plan.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultAgentIterations
	}
	system := plan.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are an agent working on: %s. Use your tools; report a final plain-text answer when done.", sub.Topic)
	}

	loop := &agentloop.Loop{
		AgentID:       agentID,
		Provider:      binding.Provider,
		Model:         binding.Model,
		MaxIterations: maxIter,
		Categorizer:   manifestCategorizer{},
		ServerExecutor: &serverExecutor{app: r.app, ds: r.ds, agentID: agentID},
		ClientExecutor: &channelExecutor{ds: r.ds, agentID: agentID, collections: r.ds.collections},
		MCPExecutor:    &mcpExecutor{ds: r.ds, agentID: agentID, collections: r.ds.collections},
		Injections:     r.ds.injections,
		OnWaitForUser: func(ctx context.Context, agentID, reason, resumeHint string, timeoutMinutes int) (string, error) {
			r.ds.router.SetStatus(agentID, protocol.AgentStatusBlocked)
			defer r.ds.router.SetStatus(agentID, protocol.AgentStatusRunning)
			_ = r.ds.sess.Send(protocol.KindUserNotification, protocol.UserNotificationPayload{
				Message: "Waiting on you: " + reason,
			})
			return r.ds.waits.Wait(ctx, agentID, timeoutMinutes)
		},
		OnRequestTools: func(categories []string, reason string) []providers.ToolDefinition {
			slog.Info("server: agent requested tools", "agent_id", agentID, "categories", categories, "reason", reason)
			return r.app.toolDefinitionsFor(r.ds, categories)
		},
		OnRequestSearch: func(ctx context.Context, query string, depth protocol.ResearchDepth, format protocol.ResearchFormat) (string, error) {
			return r.pipeline.RunResearch(ctx, agentID, query, depth, format)
		},
		OnEvent: func(ev agentloop.AgentEvent) {
			_ = r.ds.sess.Send(protocol.KindTaskProgress, protocol.TaskProgressPayload{
				AgentID: ev.AgentID, Event: ev.Type, Tool: ev.ToolName,
			})
		},
	}

	_ = r.ds.sess.Send(protocol.KindAgentStarted, protocol.AgentStartedPayload{AgentID: agentID, Topic: sub.Topic})

	result, err := loop.Run(ctx, agentloop.RunRequest{
		SystemPrompt:     system,
		FirstUserMessage: sub.Task,
		Tools:            append(r.app.toolDefinitionsByID(r.ds, plan.ToolIDs), navigator.ToolDefinitions()...),
		Temperature:      0.7,
		MaxTokens:        4096,
		SkillNudge:       true,
	})
	if err != nil {
		return "", err
	}
	if result.Escalated != nil {
		return result.FinalResponse + "\n(escalated: " + result.Escalated.Reason + ")", nil
	}
	return result.FinalResponse, nil
}

// toolDefinitionsByID resolves granted ids against the device capabilities
// and MCP registry, with the fuzzy trailing-segment second pass ("send_message"
// → "discord.send_message").
func (a *App) toolDefinitionsByID(ds *deviceState, ids []string) []providers.ToolDefinition {
	mcpDefs := ds.mcp.ToolDefinitions()
	byName := make(map[string]providers.ToolDefinition, len(mcpDefs))
	for _, def := range mcpDefs {
		byName[def.Function.Name] = def
	}
	for _, capability := range ds.sess.Capabilities {
		byName[capability] = providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        capability,
				Description: "Tool executed on the user's machine.",
				Parameters:  map[string]interface{}{"type": "object", "additionalProperties": true},
			},
		}
	}

	var out []providers.ToolDefinition
	for _, id := range ids {
		if def, ok := byName[id]; ok {
			out = append(out, def)
			continue
		}
		// Fuzzy second pass: match the trailing segment.
		for name, def := range byName {
			if strings.HasSuffix(name, "."+id) {
				out = append(out, def)
				break
			}
		}
	}
	return out
}

// toolDefinitionsFor expands whole categories, for agent.request_tools.
func (a *App) toolDefinitionsFor(ds *deviceState, categories []string) []providers.ToolDefinition {
	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}
	var ids []string
	for _, capability := range ds.sess.Capabilities {
		prefix, _, _ := strings.Cut(capability, ".")
		if wanted[prefix] || wanted[capability] {
			ids = append(ids, capability)
		}
	}
	return a.toolDefinitionsByID(ds, ids)
}

// manifestCategorizer derives a tool's category from its id prefix — the
// manifest convention is "<category>.<verb>".
type manifestCategorizer struct{}

func (manifestCategorizer) CategoryOf(toolID string) agentloop.Category {
	prefix, _, ok := strings.Cut(toolID, ".")
	if !ok {
		return agentloop.CategoryDefault
	}
	switch cat := agentloop.Category(prefix); cat {
	case agentloop.CategoryPremium, agentloop.CategoryImagegen, agentloop.CategorySchedule,
		agentloop.CategoryResearch, agentloop.CategoryCodegen, agentloop.CategorySecrets,
		agentloop.CategoryShell, agentloop.CategoryMarket, agentloop.CategoryBrowser,
		agentloop.CategoryGUI:
		return cat
	}
	if strings.HasPrefix(toolID, "knowledge.ingest") {
		return agentloop.CategoryKnowledgeIngest
	}
	return agentloop.CategoryDefault
}

// channelExecutor routes a tool call to the client as an execution_request
// and waits for the response, then runs the result through the collection
// navigator's size gate.
type channelExecutor struct {
	ds          *deviceState
	agentID     string
	collections *navigator.Cache
}

func (e *channelExecutor) Execute(ctx context.Context, call providers.ToolCall, timeout time.Duration) (*tools.Result, error) {
	corrID := protocol.NewCorrelationID()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, ok := e.ds.sess.Call(callCtx, protocol.KindExecutionRequest, corrID, protocol.ExecutionRequestPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: corrID},
		ToolID:            call.Name,
		Arguments:         call.Arguments,
		TimeoutMS:         timeout.Milliseconds(),
	})
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("no local-agent response for %s (timed out after %s)", call.Name, timeout)), nil
	}

	var resp protocol.ExecutionResponsePayload
	if err := reply.Decode(&resp); err != nil {
		return tools.ErrorResult("malformed execution response: " + err.Error()), nil
	}
	if resp.IsError {
		return tools.ErrorResult(resp.ForLLM), nil
	}
	if replacement, cached := e.collections.MaybeCache(e.agentID, call.Name, resp.ForLLM); cached {
		return tools.NewResult(replacement), nil
	}
	return tools.NewResult(resp.ForLLM), nil
}

// mcpExecutor routes mcp.* tools through the device's MCP gateway.
type mcpExecutor struct {
	ds          *deviceState
	agentID     string
	collections *navigator.Cache
}

func (e *mcpExecutor) Execute(ctx context.Context, call providers.ToolCall, timeout time.Duration) (*tools.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := e.ds.mcp.Call(callCtx, call.Name, call.Arguments)
	if !res.IsError {
		if replacement, cached := e.collections.MaybeCache(e.agentID, call.Name, res.ForLLM); cached {
			return tools.NewResult(replacement), nil
		}
	}
	return res, nil
}

// serverExecutor handles the server-side tool categories: the navigator's
// result.* tools answer from the collection cache; any other name is looked
// up in App.ServerTools; a name without an implementation reports a
// recoverable error so the model can adapt.
type serverExecutor struct {
	app     *App
	ds      *deviceState
	agentID string
}

func (e *serverExecutor) Execute(ctx context.Context, call providers.ToolCall, timeout time.Duration) (*tools.Result, error) {
	if strings.HasPrefix(call.Name, "result.") {
		raw, err := json.Marshal(call.Arguments)
		if err != nil {
			return tools.ErrorResult("bad arguments: " + err.Error()), nil
		}
		if res, ok := navigator.Dispatch(e.ds.collections, call.Name, raw); ok {
			return res, nil
		}
	}

	if impl, ok := e.app.ServerTools[call.Name]; ok {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return impl(callCtx, call.Arguments)
	}

	return tools.ErrorResult(fmt.Sprintf("tool %q has no server-side implementation", call.Name)), nil
}
