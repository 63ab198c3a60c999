package providers

import (
	"fmt"
	"os"

	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// Binding pairs a provider with the model name used for one role.
type Binding struct {
	Provider Provider
	Model    string
}

// Registry maps the three model roles onto concrete provider/model pairs.
// The receptionist and short path run on the intake tier; ordinary spawned
// agents on workhorse; anything the planner flags as hard on smart.
type Registry struct {
	bindings map[protocol.ModelRole]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[protocol.ModelRole]Binding)}
}

// Bind assigns a role. An empty model uses the provider's default.
func (r *Registry) Bind(role protocol.ModelRole, p Provider, model string) {
	if model == "" {
		model = p.DefaultModel()
	}
	r.bindings[role] = Binding{Provider: p, Model: model}
}

// For resolves a role, falling back to workhorse for unknown roles.
func (r *Registry) For(role protocol.ModelRole) (Binding, error) {
	if b, ok := r.bindings[role]; ok {
		return b, nil
	}
	if b, ok := r.bindings[protocol.ModelRoleWorkhorse]; ok {
		return b, nil
	}
	return Binding{}, fmt.Errorf("providers: no binding for role %q and no workhorse fallback", role)
}

// FromEnv builds the registry from environment variables:
// DOTBOT_ANTHROPIC_API_KEY and/or DOTBOT_OPENAI_API_KEY select the
// backends; DOTBOT_MODEL_INTAKE / _WORKHORSE / _SMART override the model
// per role. Anthropic, when configured, takes all three roles by default;
// OpenAI fills any role Anthropic doesn't cover.
func FromEnv() (*Registry, error) {
	reg := NewRegistry()

	var primary Provider
	if key := os.Getenv("DOTBOT_ANTHROPIC_API_KEY"); key != "" {
		primary = NewAnthropic(key)
	}
	if key := os.Getenv("DOTBOT_OPENAI_API_KEY"); key != "" {
		oa := NewOpenAI("openai", key, os.Getenv("DOTBOT_OPENAI_BASE_URL"), "gpt-4o")
		if primary == nil {
			primary = oa
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("providers: no API key configured (set DOTBOT_ANTHROPIC_API_KEY or DOTBOT_OPENAI_API_KEY)")
	}

	reg.Bind(protocol.ModelRoleIntake, primary, os.Getenv("DOTBOT_MODEL_INTAKE"))
	reg.Bind(protocol.ModelRoleWorkhorse, primary, os.Getenv("DOTBOT_MODEL_WORKHORSE"))
	reg.Bind(protocol.ModelRoleSmart, primary, os.Getenv("DOTBOT_MODEL_SMART"))
	return reg, nil
}
