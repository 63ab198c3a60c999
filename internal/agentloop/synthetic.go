package agentloop

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/druidia-bot/dotbot/internal/providers"
)

// Synthetic tool names. These are always present in the manifest offered to
// the model, in addition to whatever real tools the agent was spawned with.
const (
	ToolEscalate        = "agent.escalate"
	ToolWaitForUser      = "agent.wait_for_user"
	ToolRequestTools     = "agent.request_tools"
	ToolRequestResearch  = "agent.request_research"
)

type escalateArgs struct {
	Reason               string   `json:"reason" jsonschema:"required,description=Why you're giving up on the current approach"`
	NeededToolCategories []string `json:"needed_tool_categories,omitempty" jsonschema:"description=Tool categories that would unblock you, if known"`
}

type waitForUserArgs struct {
	Reason         string `json:"reason" jsonschema:"required"`
	ResumeHint     string `json:"resume_hint,omitempty" jsonschema:"description=What you need from the user before resuming"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
}

type requestToolsArgs struct {
	Categories []string `json:"categories" jsonschema:"required"`
	Reason     string   `json:"reason" jsonschema:"required"`
}

type requestResearchArgs struct {
	Query  string `json:"query" jsonschema:"required"`
	Depth  string `json:"depth" jsonschema:"required,enum=quick,enum=moderate,enum=thorough"`
	Format string `json:"format,omitempty" jsonschema:"enum=plain_text,enum=structured_json,enum=markdown"`
}

// toolSchema reflects a parameters struct into the map[string]interface{}
// shape providers.ToolFunctionSchema expects, matching internal/navigator's
// tool schema generation via the same library.
func toolSchema(v any) map[string]interface{} {
	r := &jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(v)
	b, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	return out
}

func syntheticToolDefinitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        ToolEscalate,
				Description: "Give up on the current approach and ask to be re-routed, optionally naming tool categories that would unblock you.",
				Parameters:  toolSchema(escalateArgs{}),
			},
		},
		{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        ToolWaitForUser,
				Description: "Suspend and wait for the user to answer a question or provide missing information before continuing.",
				Parameters:  toolSchema(waitForUserArgs{}),
			},
		},
		{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        ToolRequestTools,
				Description: "Request that additional tool categories be added to your manifest mid-run.",
				Parameters:  toolSchema(requestToolsArgs{}),
			},
		},
		{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        ToolRequestResearch,
				Description: "Spawn a research sub-agent and wait synchronously for its findings.",
				Parameters:  toolSchema(requestResearchArgs{}),
			},
		},
	}
}
