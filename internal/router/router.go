// Package router partitions one session's conversation feed: conversation-feed
// partitioning across concurrently-running spawned agents, and the
// find_best follow-up routing algorithm.
//
// Grounded on internal/tools/delegate_state.go's active-agent bookkeeping
// (Cancel/ListActive/ActiveCountForLink) for the lifecycle shape, adapted
// from delegation-session tracking to spawned-agent lifecycle tracking.
package router

import (
	"strings"
	"sync"
	"time"

	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// Agent is the router's view of a spawned agent.
type Agent struct {
	ID        string
	Topic     string
	Task      string
	Status    protocol.AgentStatus
	CreatedAt time.Time
}

// Router owns the authoritative agent map for one session. Identifiers are
// the only cross-references.
type Router struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	feed     []string          // ordered message ids/content hashes, index-addressable
	assigned map[int]assignment // feed index → assignment
}

type assignment struct {
	AgentID string
	Topic   string
}

func New() *Router {
	return &Router{
		agents:   make(map[string]*Agent),
		assigned: make(map[int]assignment),
	}
}

// Register adds a newly spawned agent to the router.
func (r *Router) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}

// SetStatus transitions an agent's status (pending→running→blocked/completed/failed).
func (r *Router) SetStatus(agentID string, status protocol.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.Status = status
	}
}

// Assign records that feed index → {agent_id, topic}.
func (r *Router) Assign(index int, agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned[index] = assignment{AgentID: agentID, Topic: topic}
}

// AppendFeed appends a message to the conversation feed and returns its index.
func (r *Router) AppendFeed(messageID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feed = append(r.feed, messageID)
	return len(r.feed) - 1
}

// MessagesFor returns the subset of allMessages whose feed index is assigned
// to agentID, in order.
func (r *Router) MessagesFor(agentID string, allMessages []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for i, msg := range allMessages {
		if a, ok := r.assigned[i]; ok && a.AgentID == agentID {
			out = append(out, msg)
		}
	}
	return out
}

// ActiveAgents returns all agents currently running or blocked.
func (r *Router) ActiveAgents() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Status == protocol.AgentStatusRunning || a.Status == protocol.AgentStatusBlocked {
			out = append(out, a)
		}
	}
	return out
}

// Blocked returns agents currently suspended on wait_for_user.
func (r *Router) Blocked() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Status == protocol.AgentStatusBlocked {
			out = append(out, a)
		}
	}
	return out
}

// ActiveSummary renders the compact multi-line string the receptionist
// consults.
func (r *Router) ActiveSummary() string {
	agents := r.ActiveAgents()
	if len(agents) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range agents {
		b.WriteString("- [")
		b.WriteString(a.ID)
		b.WriteString("] \"")
		b.WriteString(a.Topic)
		b.WriteString("\" (")
		b.WriteString(string(a.Status))
		b.WriteString(")\n")
	}
	return b.String()
}

// FindBest answers "which running agent is this follow-up for".
// activeOnly restricts candidates to running/blocked agents; otherwise all
// registered agents are candidates. Returns nil when there is no candidate;
// a single candidate is returned as is. When keywords give no signal it
// returns the most recently created candidate if activeOnly, else nil.
func (r *Router) FindBest(message string, activeOnly bool) *Agent {
	r.mu.Lock()
	var candidates []*Agent
	if activeOnly {
		for _, a := range r.agents {
			if a.Status == protocol.AgentStatusRunning || a.Status == protocol.AgentStatusBlocked {
				candidates = append(candidates, a)
			}
		}
	} else {
		for _, a := range r.agents {
			candidates = append(candidates, a)
		}
	}
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	tokens := tokenize(message)
	var best *Agent
	bestScore := -1.0
	for _, c := range candidates {
		score := keywordOverlap(tokens, c.Topic+" "+c.Task) + 0.1 // recency bias
		if score > bestScore {
			bestScore = score
			best = c
		}
	}

	if bestScore <= 0.1 {
		// Only recency contributed — insufficient keyword signal.
		if activeOnly {
			// User is likely still talking to whoever was created most
			// recently.
			return mostRecent(candidates)
		}
		return nil
	}
	return best
}

func mostRecent(agents []*Agent) *Agent {
	var newest *Agent
	for _, a := range agents {
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	return newest
}

// tokenize lowercases and splits on non-alphanumeric, keeping tokens longer
// than two characters.
func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(word) > 2 {
			out[word] = true
		}
	}
	return out
}

func keywordOverlap(tokens map[string]bool, corpus string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	corpusTokens := tokenize(corpus)
	matches := 0
	for t := range tokens {
		if corpusTokens[t] {
			matches++
		}
	}
	return float64(matches) / float64(len(tokens))
}
