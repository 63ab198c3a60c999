package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// LLMPlanner decides, per sub-task, exactly which manifest tools the
// spawned agent gets and which model role it runs on.
type LLMPlanner struct {
	Provider providers.Provider
	Model    string

	// AvailableToolIDs lists every manifest tool id the planner may grant.
	AvailableToolIDs func() []string
}

const plannerSystem = `You select the tools and model tier for one agent task.
Reply with ONLY a JSON object:
{"tool_ids": ["..."], "model_role": "intake" | "workhorse" | "smart"}

Rules:
- Grant the minimum tool set that can complete the task; agents can request
  more mid-run if they get stuck.
- "intake" for trivial lookups, "workhorse" for ordinary tool work,
  "smart" for multi-step reasoning or anything user-facing and high-stakes.
- Only use tool ids from the available list.`

// Plan performs the planner call for one sub-task.
func (p *LLMPlanner) Plan(ctx context.Context, sub SubTask) (Plan, error) {
	available := []string{}
	if p.AvailableToolIDs != nil {
		available = p.AvailableToolIDs()
	}

	resp, err := p.Provider.Chat(ctx, providers.ChatRequest{
		Model: p.Model,
		Messages: []providers.Message{
			{Role: "system", Content: plannerSystem + "\nAvailable tools: " + strings.Join(available, ", ")},
			{Role: "user", Content: fmt.Sprintf("Topic: %s\nTask: %s", sub.Topic, sub.Task)},
		},
		Options: map[string]interface{}{"temperature": 0.0, "max_tokens": 400},
	})
	if err != nil {
		return Plan{}, fmt.Errorf("planner: %w", err)
	}

	var reply struct {
		ToolIDs   []string `json:"tool_ids"`
		ModelRole string   `json:"model_role"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &reply); err != nil {
		// An unparseable plan gets the workhorse with no extra tools rather
		// than failing the whole pipeline; the agent can escalate.
		return Plan{ModelRole: protocol.ModelRoleWorkhorse}, nil
	}

	plan := Plan{ModelRole: normalizeRole(reply.ModelRole)}
	allowed := make(map[string]bool, len(available))
	for _, id := range available {
		allowed[id] = true
	}
	for _, id := range reply.ToolIDs {
		if allowed[id] {
			plan.ToolIDs = append(plan.ToolIDs, id)
		}
	}
	return plan, nil
}

func normalizeRole(s string) protocol.ModelRole {
	switch protocol.ModelRole(strings.ToLower(strings.TrimSpace(s))) {
	case protocol.ModelRoleIntake:
		return protocol.ModelRoleIntake
	case protocol.ModelRoleSmart:
		return protocol.ModelRoleSmart
	default:
		return protocol.ModelRoleWorkhorse
	}
}
