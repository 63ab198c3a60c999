// Package orchestrator implements the orchestration pipeline: a single
// Run(prompt, user, device) call that applies a short-path bypass, then
// (for anything the bypass doesn't handle) a receptionist classification, a
// planner stage, agent spawn via internal/router, and a synthesis pass over
// whatever agents complete.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/router"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// Persona is the minimal identity record short-path responses and spawned
// agents are seeded from (name, role, traits, communication style,
// instructions) — the persona file format itself is out of scope; this is
// the interface the pipeline consumes it through.
type Persona struct {
	ID                 string
	Name               string
	Role               string
	Traits             []string
	CommunicationStyle string
	Instructions       string
}

// Classifier performs the receptionist's single LLM call.
type Classifier interface {
	Classify(ctx context.Context, prompt string, persona Persona) (Decision, error)
}

// Planner produces, per sub-task, the tool ids and model role a spawned
// agent should run with.
type Planner interface {
	Plan(ctx context.Context, sub SubTask) (Plan, error)
}

// AgentRunner executes one spawned agent's tool loop to completion and
// reports its output. Satisfied by internal/agentloop.Loop wrapped with the
// tools/model a Plan names.
type AgentRunner interface {
	RunAgent(ctx context.Context, agentID string, sub SubTask, plan Plan) (string, error)
}

// ShortPather answers short-path candidates: a rule table plus a tiny LLM
// fallback.
type ShortPather interface {
	TryShortPath(ctx context.Context, prompt string, persona Persona) (response string, handled bool)
}

// Decision is the receptionist's output.
type Decision struct {
	Classification protocol.Classification
	SubTasks       []SubTask
	Priority       protocol.Priority
	Acknowledgment string
}

// SubTask is one decomposed unit of work (a COMPOUND decision may carry
// several; anything else carries exactly one matching the whole prompt).
type SubTask struct {
	Topic     string
	Task      string
	PersonaID string
}

// Plan is the planner's output for one sub-task. MaxIterations and
// SystemPrompt are zero for planner-produced plans (the runner applies its
// defaults) and set explicitly for research sub-agents.
type Plan struct {
	ToolIDs       []string
	ModelRole     protocol.ModelRole
	MaxIterations int
	SystemPrompt  string
}

// timeEstimates drive progress notifications only, never timeouts.
var timeEstimates = map[protocol.Classification]time.Duration{
	protocol.ClassInfoRequest:    15 * time.Second,
	protocol.ClassAction:         30 * time.Second,
	protocol.ClassCompound:       60 * time.Second,
	protocol.ClassContinuation:   30 * time.Second,
	protocol.ClassConversational: 10 * time.Second,
	protocol.ClassMemoryUpdate:   10 * time.Second,
}

// TimeEstimate returns the progress-notification time budget for a
// classification, defaulting to 30s.
func TimeEstimate(c protocol.Classification) time.Duration {
	if d, ok := timeEstimates[c]; ok {
		return d
	}
	return 30 * time.Second
}

// Injector pushes follow-up text at an already-running agent; satisfied by
// internal/injectionqueue.Queue.
type Injector interface {
	Push(agentID, text string) error
}

// Pipeline wires the stages together for one session.
type Pipeline struct {
	Router      *router.Router
	Waits       *WaitRegistry
	ShortPath   ShortPather
	Classifier  Classifier
	Planner     Planner
	AgentRunner AgentRunner
	Injections  Injector
	Persona     func(personaID string) Persona

	// OnAck is invoked with an immediate display acknowledgment for
	// BACKGROUND-priority actions, before Run returns.
	OnAck func(text string)

	// OnBackgroundDone receives a background agent's final output when it
	// completes, so the front-end can surface it unprompted.
	OnBackgroundDone func(agentID, topic, output string)
}

// Result is Run's return value.
type Result struct {
	Response       string
	SpawnedTaskIDs []string
	RoutedToAgent  string // set when the prompt was delivered to an existing agent
}

// Run executes the full pipeline for one prompt from one device/user.
func (p *Pipeline) Run(ctx context.Context, prompt, userID, deviceID string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: pipeline panic", "recover", r)
			result = Result{Response: genericErrorResponse}
			err = nil
		}
	}()

	persona := p.Persona("")
	feedIdx := p.Router.AppendFeed(prompt)

	// A blocked agent claims the next message as its wait_for_user reply:
	// with exactly one blocked agent the message goes to it regardless of
	// keyword overlap; with several, the router scores them.
	if blocked := p.Router.Blocked(); len(blocked) > 0 {
		target := blocked[0]
		if len(blocked) > 1 {
			if best := p.Router.FindBest(prompt, true); best != nil {
				target = best
			}
		}
		if p.Waits != nil && p.Waits.Deliver(target.ID, prompt) {
			p.Router.Assign(feedIdx, target.ID, target.Topic)
			p.Router.SetStatus(target.ID, protocol.AgentStatusRunning)
			return Result{RoutedToAgent: target.ID}, nil
		}
	}

	if resp, handled := p.ShortPath.TryShortPath(ctx, prompt, persona); handled {
		return Result{Response: resp}, nil
	}

	decision, err := p.Classifier.Classify(ctx, prompt, persona)
	if err != nil {
		slog.Error("orchestrator: receptionist failed", "err", err)
		return Result{Response: genericErrorResponse}, nil
	}

	switch decision.Classification {
	case protocol.ClassConversational, protocol.ClassMemoryUpdate:
		return Result{Response: decision.Acknowledgment}, nil

	case protocol.ClassContinuation:
		// Route the follow-up to an existing agent. All-agents mode: no
		// match means "treat as new topic" and the message falls through to
		// a fresh spawn below.
		if target := p.Router.FindBest(prompt, false); target != nil {
			p.Router.Assign(feedIdx, target.ID, target.Topic)
			if p.Injections != nil {
				if err := p.Injections.Push(target.ID, prompt); err != nil {
					slog.Warn("orchestrator: injection push failed", "agent_id", target.ID, "err", err)
				}
			}
			return Result{Response: decision.Acknowledgment, RoutedToAgent: target.ID}, nil
		}
	}

	var taskIDs []string
	var sections []string

	for _, sub := range decision.SubTasks {
		plan, err := p.Planner.Plan(ctx, sub)
		if err != nil {
			slog.Error("orchestrator: planner failed", "sub_task", sub.Topic, "err", err)
			return Result{Response: genericErrorResponse}, nil
		}

		agentID := uuid.NewString()
		p.Router.Register(&router.Agent{
			ID:        agentID,
			Topic:     sub.Topic,
			Task:      sub.Task,
			Status:    protocol.AgentStatusRunning,
			CreatedAt: time.Now(),
		})
		p.Router.Assign(feedIdx, agentID, sub.Topic)
		taskIDs = append(taskIDs, agentID)

		if decision.Priority == protocol.PriorityBackground {
			if p.OnAck != nil && decision.Acknowledgment != "" {
				p.OnAck(decision.Acknowledgment)
			}
			go p.runBackground(agentID, sub, plan)
			continue
		}

		out, err := p.AgentRunner.RunAgent(ctx, agentID, sub, plan)
		if err != nil {
			p.Router.SetStatus(agentID, protocol.AgentStatusFailed)
			slog.Error("orchestrator: agent failed", "agent_id", agentID, "err", err)
			sections = append(sections, fmt.Sprintf("**%s**: encountered an error", sub.Topic))
			continue
		}
		p.Router.SetStatus(agentID, protocol.AgentStatusCompleted)
		sections = append(sections, synthesizeSection(sub.Topic, out, len(decision.SubTasks) > 1))
	}

	return Result{Response: strings.Join(sections, "\n\n"), SpawnedTaskIDs: taskIDs}, nil
}

// runBackground supervises one BACKGROUND-priority agent detached from the
// originating request's context — the user already got their ack.
func (p *Pipeline) runBackground(agentID string, sub SubTask, plan Plan) {
	out, err := p.AgentRunner.RunAgent(context.Background(), agentID, sub, plan)
	if err != nil {
		p.Router.SetStatus(agentID, protocol.AgentStatusFailed)
		slog.Error("orchestrator: background agent failed", "agent_id", agentID, "err", err)
		return
	}
	p.Router.SetStatus(agentID, protocol.AgentStatusCompleted)
	if p.OnBackgroundDone != nil {
		p.OnBackgroundDone(agentID, sub.Topic, out)
	}
}

// synthesizeSection renders one agent's output as a labeled section when
// multiple agents ran, or passes it through untouched for a single agent.
func synthesizeSection(topic, output string, multi bool) string {
	if !multi {
		return output
	}
	return fmt.Sprintf("**%s**\n%s", topic, output)
}

const genericErrorResponse = "I encountered an error handling that. Let's keep going — try rephrasing or ask something else."
