package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/druidia-bot/dotbot/internal/providers"
)

// shortPathMaxWords caps the LLM fallback's reply length; anything longer
// is discarded and the message falls through to the full pipeline.
const shortPathMaxWords = 12

// shortPathMaxTokens bounds the fallback call.
const shortPathMaxTokens = 200

// longMessageWords: messages at or above this word count are never
// short-path candidates, even when they pattern-match a rule — a ten-word
// "hello" is not a greeting.
const longMessageWords = 10

// shortPathRules is the rule table: each entry maps a message pattern to a
// canned-response category. Matching is against the trimmed, lowercased
// message.
var shortPathRules = []struct {
	pattern  *regexp.Regexp
	category string
}{
	{regexp.MustCompile(`^(hi|hey|hello|yo|good (morning|afternoon|evening))[!. ]*$`), "greeting"},
	{regexp.MustCompile(`^(thanks|thank you|thx|ty|cheers|got it|ok(ay)?|cool|nice|great|perfect|sounds good)[!. ]*$`), "acknowledgment"},
	{regexp.MustCompile(`^(status|how('s| is) it going|any updates?|progress\??)[?!. ]*$`), "status"},
	{regexp.MustCompile(`^(bye|goodbye|good night|later|see you|cya)[!. ]*$`), "farewell"},
}

// emojiOnly matches messages consisting purely of emoji/symbol runes and
// whitespace.
var emojiOnly = regexp.MustCompile(`^[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{FE0F}\s]+$`)

// memoryQuestion matches "what did I / do you remember / when did we"-style
// lookups that a tiny low-temperature call can answer from recalled context.
var memoryQuestion = regexp.MustCompile(`^(what did i|do you remember|when did (i|we)|what was (my|the)|remind me what)`)

// StatusReporter supplies the status rule's answer without the short path
// depending on the router package directly.
type StatusReporter interface {
	ActiveSummary() string
}

// ShortPath is the pre-pipeline bypass: a rule table, a memory-question
// matcher, and a capped LLM fallback seeded with the user's persona.
type ShortPath struct {
	Provider providers.Provider
	Model    string
	Status   StatusReporter

	// Recall returns memory context for a memory-question lookup; nil
	// disables the memory matcher (the question falls through to the
	// pipeline instead).
	Recall func(ctx context.Context, question string) string
}

// TryShortPath reports whether the message was handled and, if so, the
// response to return immediately. Callers must already have checked that no
// agent is blocked — a blocked agent claims the next message as its reply.
func (s *ShortPath) TryShortPath(ctx context.Context, prompt string, persona Persona) (string, bool) {
	trimmed := strings.TrimSpace(prompt)
	lower := strings.ToLower(trimmed)

	if len(strings.Fields(trimmed)) >= longMessageWords {
		return "", false
	}

	if emojiOnly.MatchString(trimmed) && trimmed != "" {
		return "🙂", true
	}

	for _, rule := range shortPathRules {
		if rule.pattern.MatchString(lower) {
			return s.canned(ctx, rule.category, trimmed, persona)
		}
	}

	if memoryQuestion.MatchString(lower) && s.Recall != nil {
		recalled := s.Recall(ctx, trimmed)
		if recalled == "" {
			return "", false
		}
		return s.fallback(ctx, trimmed, persona, recalled, 0.1)
	}

	return "", false
}

// canned answers a rule-table hit. The status category consults the live
// agent registry; everything else goes through the persona-toned fallback
// so a "hey" from a playful persona doesn't get a corporate reply.
func (s *ShortPath) canned(ctx context.Context, category, message string, persona Persona) (string, bool) {
	if category == "status" && s.Status != nil {
		summary := s.Status.ActiveSummary()
		if summary == "" {
			return "Nothing running right now — all quiet.", true
		}
		return "Currently working on:\n" + summary, true
	}
	return s.fallback(ctx, message, persona, "", 0.5)
}

// fallback is the tiny LLM call: one system line of persona seed, the
// message, hard caps on tokens and reply length.
func (s *ShortPath) fallback(ctx context.Context, message string, persona Persona, recalled string, temperature float64) (string, bool) {
	if s.Provider == nil {
		return "", false
	}

	system := personaSeed(persona) + " Reply in at most " +
		fmt.Sprint(shortPathMaxWords) + " words. No preamble."
	if recalled != "" {
		system += "\nRelevant memory:\n" + recalled
	}

	resp, err := s.Provider.Chat(ctx, providers.ChatRequest{
		Model: s.Model,
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: message},
		},
		Options: map[string]interface{}{
			"temperature": temperature,
			"max_tokens":  shortPathMaxTokens,
		},
	})
	if err != nil {
		return "", false
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" || len(strings.Fields(reply)) > shortPathMaxWords {
		return "", false
	}
	return reply, true
}

// personaSeed renders the parsed identity record into the one-line system
// seed that keeps short-path replies in the user's chosen voice.
func personaSeed(p Persona) string {
	var b strings.Builder
	b.WriteString("You are ")
	if p.Name != "" {
		b.WriteString(p.Name)
	} else {
		b.WriteString("an assistant")
	}
	if p.Role != "" {
		b.WriteString(", ")
		b.WriteString(p.Role)
	}
	b.WriteString(".")
	if len(p.Traits) > 0 {
		b.WriteString(" Traits: ")
		b.WriteString(strings.Join(p.Traits, ", "))
		b.WriteString(".")
	}
	if p.CommunicationStyle != "" {
		b.WriteString(" Style: ")
		b.WriteString(p.CommunicationStyle)
		b.WriteString(".")
	}
	if p.Instructions != "" {
		b.WriteString(" ")
		b.WriteString(p.Instructions)
	}
	return b.String()
}
