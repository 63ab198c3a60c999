package router

import (
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/pkg/protocol"
)

func TestFindBestSingleCandidateWins(t *testing.T) {
	r := New()
	r.Register(&Agent{ID: "a", Topic: "kids morning", Task: "plan morning", Status: protocol.AgentStatusBlocked, CreatedAt: time.Now()})

	got := r.FindBest("anything at all", true)
	if got == nil || got.ID != "a" {
		t.Fatalf("expected single blocked candidate to win regardless of keyword overlap")
	}
}

func TestFindBestKeywordOverlap(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register(&Agent{ID: "A", Topic: "morning with kids", Task: "plan morning with kids", Status: protocol.AgentStatusRunning, CreatedAt: now})
	r.Register(&Agent{ID: "B", Topic: "business proposal", Task: "draft business proposal", Status: protocol.AgentStatusRunning, CreatedAt: now.Add(time.Second)})

	got := r.FindBest("make it shorter please for the business proposal", true)
	if got == nil || got.ID != "B" {
		t.Fatalf("expected proposal follow-up to route to B, got %v", got)
	}
}

func TestFindBestNoSignalReturnsNoneInAllAgentsMode(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register(&Agent{ID: "A", Topic: "morning with kids", Task: "plan morning", Status: protocol.AgentStatusCompleted, CreatedAt: now})
	r.Register(&Agent{ID: "B", Topic: "business proposal", Task: "draft proposal", Status: protocol.AgentStatusCompleted, CreatedAt: now.Add(time.Second)})

	got := r.FindBest("hello there", false)
	if got != nil {
		t.Fatalf("expected no match in all-agents mode with no keyword signal, got %v", got)
	}
}

func TestFindBestNoSignalReturnsMostRecentInActiveOnlyMode(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register(&Agent{ID: "A", Topic: "morning with kids", Task: "plan morning", Status: protocol.AgentStatusRunning, CreatedAt: now})
	r.Register(&Agent{ID: "B", Topic: "business proposal", Task: "draft proposal", Status: protocol.AgentStatusRunning, CreatedAt: now.Add(time.Second)})

	got := r.FindBest("hello there", true)
	if got == nil || got.ID != "B" {
		t.Fatalf("expected most-recently-created active candidate, got %v", got)
	}
}
