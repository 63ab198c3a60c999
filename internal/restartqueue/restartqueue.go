// Package restartqueue persists in-flight prompts across the client
// process's exit-42 restart path: before exiting, any prompt an
// agent was mid-execution on is written to the local store; the next
// successful authentication drains the queue and resubmits each entry
// prefixed "[Resumed after restart] ", deleting it once resubmitted so
// processing is idempotent against repeated restarts.
package restartqueue

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/store/sqlite"
)

const resumePrefix = "[Resumed after restart] "

// Queue is the restart-survival queue backed by the client's local store.
type Queue struct {
	store *sqlite.Store
}

func New(store *sqlite.Store) *Queue { return &Queue{store: store} }

// Save persists prompt so it survives an exit-42 restart.
func (q *Queue) Save(agentID, prompt string) error {
	return q.store.SaveRestartPrompt(sqlite.QueuedPrompt{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Prompt:  prompt,
	})
}

// Drain returns every queued prompt, resume-prefixed and ready to resubmit,
// deleting each from the store as it is returned. Call once per successful
// auth; a crash mid-drain simply leaves the remainder for the next attempt.
func (q *Queue) Drain() ([]Resumed, error) {
	entries, err := q.store.ListRestartPrompts()
	if err != nil {
		return nil, fmt.Errorf("restartqueue: list: %w", err)
	}
	out := make([]Resumed, 0, len(entries))
	for _, e := range entries {
		if err := q.store.DeleteRestartPrompt(e.ID); err != nil {
			return out, fmt.Errorf("restartqueue: delete %s: %w", e.ID, err)
		}
		out = append(out, Resumed{AgentID: e.AgentID, Prompt: resumePrefix + e.Prompt})
	}
	return out, nil
}

// Resumed is one prompt ready to be resubmitted to its agent.
type Resumed struct {
	AgentID string
	Prompt  string
}
