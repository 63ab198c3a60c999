package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/router"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// researchProfile is one row of the depth table: iteration budget and the
// tool id groups the research sub-agent is allowed.
type researchProfile struct {
	MaxIterations int
	ToolIDs       []string
}

var researchProfiles = map[protocol.ResearchDepth]researchProfile{
	protocol.DepthQuick: {
		MaxIterations: 5,
		ToolIDs:       []string{"research.search"},
	},
	protocol.DepthModerate: {
		MaxIterations: 15,
		ToolIDs:       []string{"research.search", "network.http", "knowledge.search"},
	},
	protocol.DepthThorough: {
		MaxIterations: 30,
		ToolIDs: []string{
			"research.search", "network.http", "knowledge.search",
			"filesystem.read_file", "filesystem.list_dir", "knowledge.ingest",
		},
	},
}

const researchSystemPrompt = "You are a research agent. Find the answer to the query, report it with sources, and offer no opinions of your own."

// formatInstruction is appended as the final-turn instruction per the
// requested output format.
func formatInstruction(format protocol.ResearchFormat) string {
	switch format {
	case protocol.FormatStructuredJSON:
		return "Report your findings as a single JSON object with `answer` and `sources` fields."
	case protocol.FormatMarkdown:
		return "Report your findings as markdown with a Sources section."
	default:
		return "Report your findings as plain text, sources listed at the end."
	}
}

// RunResearch synchronously spawns a research sub-agent for query and
// returns its findings. parentAgentID is not recorded on the sub-agent; the
// sub-agent is registered with the router like any other spawned agent so
// its lifecycle is observable.
func (p *Pipeline) RunResearch(ctx context.Context, parentAgentID, query string, depth protocol.ResearchDepth, format protocol.ResearchFormat) (string, error) {
	profile, ok := researchProfiles[depth]
	if !ok {
		profile = researchProfiles[protocol.DepthModerate]
	}

	agentID := uuid.NewString()
	p.Router.Register(&router.Agent{
		ID:        agentID,
		Topic:     "research: " + topicFromPrompt(query),
		Task:      query,
		Status:    protocol.AgentStatusRunning,
		CreatedAt: time.Now(),
	})

	sub := SubTask{
		Topic: "research: " + topicFromPrompt(query),
		Task:  query + "\n\n" + formatInstruction(format),
	}
	plan := Plan{
		ToolIDs:       profile.ToolIDs,
		ModelRole:     protocol.ModelRoleWorkhorse,
		MaxIterations: profile.MaxIterations,
		SystemPrompt:  researchSystemPrompt,
	}

	findings, err := p.AgentRunner.RunAgent(ctx, agentID, sub, plan)
	if err != nil {
		p.Router.SetStatus(agentID, protocol.AgentStatusFailed)
		return "", fmt.Errorf("research agent: %w", err)
	}
	p.Router.SetStatus(agentID, protocol.AgentStatusCompleted)
	return findings, nil
}
