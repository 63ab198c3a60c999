package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/internal/router"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

type stubShortPath struct {
	response string
	handled  bool
}

func (s stubShortPath) TryShortPath(_ context.Context, _ string, _ Persona) (string, bool) {
	return s.response, s.handled
}

type stubClassifier struct {
	decision Decision
	err      error
}

func (s stubClassifier) Classify(_ context.Context, _ string, _ Persona) (Decision, error) {
	return s.decision, s.err
}

type stubPlanner struct{}

func (stubPlanner) Plan(_ context.Context, _ SubTask) (Plan, error) {
	return Plan{ModelRole: protocol.ModelRoleWorkhorse}, nil
}

type stubRunner struct {
	outputs map[string]string // topic → output
	ran     []string
}

func (s *stubRunner) RunAgent(_ context.Context, _ string, sub SubTask, _ Plan) (string, error) {
	s.ran = append(s.ran, sub.Topic)
	if out, ok := s.outputs[sub.Topic]; ok {
		return out, nil
	}
	return "done: " + sub.Topic, nil
}

func newPipeline(class Decision, runner *stubRunner) *Pipeline {
	return &Pipeline{
		Router:      router.New(),
		Waits:       NewWaitRegistry(),
		ShortPath:   stubShortPath{},
		Classifier:  stubClassifier{decision: class},
		Planner:     stubPlanner{},
		AgentRunner: runner,
		Persona:     func(string) Persona { return Persona{Name: "Dot"} },
	}
}

func TestRunShortPathBypass(t *testing.T) {
	p := newPipeline(Decision{}, &stubRunner{})
	p.ShortPath = stubShortPath{response: "hey!", handled: true}

	res, err := p.Run(context.Background(), "hi", "u1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "hey!" {
		t.Fatalf("got %q, want short-path response", res.Response)
	}
	if len(res.SpawnedTaskIDs) != 0 {
		t.Fatalf("short path must not spawn agents")
	}
}

func TestRunCompoundSpawnsPerSubTask(t *testing.T) {
	decision := Decision{
		Classification: protocol.ClassCompound,
		Priority:       protocol.PriorityBlocking,
		SubTasks: []SubTask{
			{Topic: "morning with kids", Task: "plan the morning"},
			{Topic: "business proposal", Task: "draft the proposal"},
		},
	}
	runner := &stubRunner{outputs: map[string]string{
		"morning with kids": "schedule ready",
		"business proposal": "draft ready",
	}}
	p := newPipeline(decision, runner)

	res, err := p.Run(context.Background(), "plan my morning and draft the proposal", "u1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.SpawnedTaskIDs) != 2 {
		t.Fatalf("spawned %d agents, want 2", len(res.SpawnedTaskIDs))
	}
	for _, want := range []string{"**morning with kids**", "**business proposal**", "schedule ready", "draft ready"} {
		if !strings.Contains(res.Response, want) {
			t.Errorf("response missing %q:\n%s", want, res.Response)
		}
	}
}

func TestRunSingleAgentPassthrough(t *testing.T) {
	decision := Decision{
		Classification: protocol.ClassAction,
		Priority:       protocol.PriorityBlocking,
		SubTasks:       []SubTask{{Topic: "send message", Task: "send it"}},
	}
	runner := &stubRunner{outputs: map[string]string{"send message": "sent"}}
	p := newPipeline(decision, runner)

	res, err := p.Run(context.Background(), "send the message", "u1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "sent" {
		t.Fatalf("single-agent output must pass through unlabeled, got %q", res.Response)
	}
}

func TestRunBlockedAgentClaimsNextMessage(t *testing.T) {
	runner := &stubRunner{}
	p := newPipeline(Decision{}, runner)

	// An agent suspended on wait_for_user, parked in the registry.
	p.Router.Register(&router.Agent{
		ID: "agent-1", Topic: "book flights", Task: "book the flights",
		Status: protocol.AgentStatusBlocked, CreatedAt: time.Now(),
	})
	delivered := make(chan string, 1)
	go func() {
		reply, err := p.Waits.Wait(context.Background(), "agent-1", 0)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		delivered <- reply
	}()
	for !p.Waits.Waiting("agent-1") {
		time.Sleep(time.Millisecond)
	}

	// The message shares no keywords with the topic; it must still route to
	// the single blocked agent.
	res, err := p.Run(context.Background(), "yes go ahead", "u1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if res.RoutedToAgent != "agent-1" {
		t.Fatalf("routed to %q, want agent-1", res.RoutedToAgent)
	}
	select {
	case reply := <-delivered:
		if reply != "yes go ahead" {
			t.Fatalf("delivered %q", reply)
		}
	case <-time.After(time.Second):
		t.Fatal("reply never delivered to blocked agent")
	}
	if len(runner.ran) != 0 {
		t.Fatal("no new agent should spawn for a blocked-agent reply")
	}
}

func TestRunClassifierErrorDegradesGracefully(t *testing.T) {
	p := newPipeline(Decision{}, &stubRunner{})
	p.Classifier = stubClassifier{err: context.DeadlineExceeded}

	res, err := p.Run(context.Background(), "do something", "u1", "d1")
	if err != nil {
		t.Fatalf("pipeline must not surface stage errors, got %v", err)
	}
	if res.Response != genericErrorResponse {
		t.Fatalf("got %q, want the generic conversational error", res.Response)
	}
}

func TestTimeEstimateDefault(t *testing.T) {
	if got := TimeEstimate(protocol.ClassCompound); got != 60*time.Second {
		t.Fatalf("COMPOUND estimate = %v", got)
	}
	if got := TimeEstimate(protocol.Classification("???")); got != 30*time.Second {
		t.Fatalf("default estimate = %v", got)
	}
}

func TestShortPathRules(t *testing.T) {
	sp := &ShortPath{} // no provider: only status and emoji rules answer without an LLM

	t.Run("long messages bypass entirely", func(t *testing.T) {
		msg := "hello there could you please plan my whole week in detail"
		if _, handled := sp.TryShortPath(context.Background(), msg, Persona{}); handled {
			t.Fatal("a 10+ word message must fall through to the pipeline")
		}
	})

	t.Run("emoji only", func(t *testing.T) {
		if _, handled := sp.TryShortPath(context.Background(), "👍", Persona{}); !handled {
			t.Fatal("pure emoji should be handled")
		}
	})

	t.Run("status consults the agent registry", func(t *testing.T) {
		r := router.New()
		r.Register(&router.Agent{ID: "a1", Topic: "inbox triage", Status: protocol.AgentStatusRunning, CreatedAt: time.Now()})
		sp := &ShortPath{Status: r}
		resp, handled := sp.TryShortPath(context.Background(), "status?", Persona{})
		if !handled {
			t.Fatal("status should be handled")
		}
		if !strings.Contains(resp, "inbox triage") {
			t.Fatalf("status reply missing active agent: %q", resp)
		}
	})

	t.Run("greeting without provider falls through", func(t *testing.T) {
		if _, handled := sp.TryShortPath(context.Background(), "hey", Persona{}); handled {
			t.Fatal("greeting needs the LLM fallback; without a provider it must fall through")
		}
	})
}
