package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/druidia-bot/dotbot/internal/providers"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// Receptionist is the intake classifier: one LLM call that buckets the
// prompt, decomposes COMPOUND prompts into sub-tasks, picks a persona per
// sub-task, and tags a priority plus a display acknowledgment.
type Receptionist struct {
	Provider providers.Provider
	Model    string

	// ActiveSummary supplies the "- [id] \"topic\" (status)" lines for the
	// currently running/blocked agents, so the classifier can tell a
	// follow-up from a new topic.
	ActiveSummary func() string

	// PersonaIDs lists the persona identifiers the classifier may assign.
	PersonaIDs func() []string
}

const receptionistSystem = `You are the intake stage of a personal agent system.
Classify the user's message into exactly one of:
CONVERSATIONAL, INFO_REQUEST, ACTION, COMPOUND, CONTINUATION, MEMORY_UPDATE.

Reply with ONLY a JSON object:
{
  "classification": "...",
  "priority": "BLOCKING" | "FOREGROUND" | "BACKGROUND",
  "acknowledgment": "one short sentence shown to the user immediately",
  "sub_tasks": [{"topic": "...", "task": "...", "persona_id": "..."}]
}

Rules:
- COMPOUND messages decompose into one sub_task per independent piece of work.
- Everything except CONVERSATIONAL and MEMORY_UPDATE carries exactly one
  sub_task unless COMPOUND.
- CONTINUATION means the message belongs to an agent already listed below.
- Pick persona_id from the allowed list, or leave it empty for the default.`

// Classify performs the receptionist call and parses its decision.
func (r *Receptionist) Classify(ctx context.Context, prompt string, persona Persona) (Decision, error) {
	var ctxBlock strings.Builder
	if r.ActiveSummary != nil {
		if s := r.ActiveSummary(); s != "" {
			ctxBlock.WriteString("\nActive agents:\n")
			ctxBlock.WriteString(s)
		}
	}
	if r.PersonaIDs != nil {
		if ids := r.PersonaIDs(); len(ids) > 0 {
			ctxBlock.WriteString("\nAllowed persona ids: ")
			ctxBlock.WriteString(strings.Join(ids, ", "))
		}
	}

	resp, err := r.Provider.Chat(ctx, providers.ChatRequest{
		Model: r.Model,
		Messages: []providers.Message{
			{Role: "system", Content: receptionistSystem + ctxBlock.String()},
			{Role: "user", Content: prompt},
		},
		Options: map[string]interface{}{"temperature": 0.0, "max_tokens": 800},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("receptionist: %w", err)
	}

	return parseDecision(resp.Content, prompt)
}

// receptionistReply is the wire shape the classifier is asked to emit.
type receptionistReply struct {
	Classification string `json:"classification"`
	Priority       string `json:"priority"`
	Acknowledgment string `json:"acknowledgment"`
	SubTasks       []struct {
		Topic     string `json:"topic"`
		Task      string `json:"task"`
		PersonaID string `json:"persona_id"`
	} `json:"sub_tasks"`
}

// parseDecision tolerantly extracts the JSON object from the model's reply
// (models occasionally wrap it in a code fence) and normalizes it into a
// Decision. A reply that can't be parsed degrades to CONVERSATIONAL rather
// than failing the pipeline.
func parseDecision(content, prompt string) (Decision, error) {
	raw := extractJSON(content)

	var reply receptionistReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Decision{
			Classification: protocol.ClassConversational,
			Priority:       protocol.PriorityForeground,
			Acknowledgment: strings.TrimSpace(content),
		}, nil
	}

	d := Decision{
		Classification: normalizeClassification(reply.Classification),
		Priority:       normalizePriority(reply.Priority),
		Acknowledgment: reply.Acknowledgment,
	}
	for _, st := range reply.SubTasks {
		d.SubTasks = append(d.SubTasks, SubTask{Topic: st.Topic, Task: st.Task, PersonaID: st.PersonaID})
	}
	if len(d.SubTasks) == 0 && d.Classification != protocol.ClassConversational &&
		d.Classification != protocol.ClassMemoryUpdate {
		d.SubTasks = []SubTask{{Topic: topicFromPrompt(prompt), Task: prompt}}
	}
	return d, nil
}

func normalizeClassification(s string) protocol.Classification {
	switch protocol.Classification(strings.ToUpper(strings.TrimSpace(s))) {
	case protocol.ClassInfoRequest:
		return protocol.ClassInfoRequest
	case protocol.ClassAction:
		return protocol.ClassAction
	case protocol.ClassCompound:
		return protocol.ClassCompound
	case protocol.ClassContinuation:
		return protocol.ClassContinuation
	case protocol.ClassMemoryUpdate:
		return protocol.ClassMemoryUpdate
	default:
		return protocol.ClassConversational
	}
}

func normalizePriority(s string) protocol.Priority {
	switch protocol.Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case protocol.PriorityBlocking:
		return protocol.PriorityBlocking
	case protocol.PriorityBackground:
		return protocol.PriorityBackground
	default:
		return protocol.PriorityForeground
	}
}

// extractJSON returns the first balanced {...} block in s, or s itself.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// topicFromPrompt derives a short display topic when the classifier didn't
// supply one.
func topicFromPrompt(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
