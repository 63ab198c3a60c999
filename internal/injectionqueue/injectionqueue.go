// Package injectionqueue implements the per-agent injection queue:
// external actors (a periodic reminder, a Discord message, another
// agent) push text at a running agent, and the tool loop drains the queue
// at the top of every iteration rather than being interrupted mid-call.
//
// Queue satisfies internal/agentloop.InjectionSource directly.
package injectionqueue

import (
	"sync"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/store/sqlite"
)

// Queue is an in-memory, per-agent FIFO of pending injected text, optionally
// backed by a local store so unconsumed entries survive a restart.
type Queue struct {
	mu    sync.Mutex
	items map[string][]string
	store *sqlite.Store
}

func New(store *sqlite.Store) *Queue {
	return &Queue{items: make(map[string][]string), store: store}
}

// Push enqueues text for agentID, persisting it if a store is attached.
func (q *Queue) Push(agentID, text string) error {
	q.mu.Lock()
	q.items[agentID] = append(q.items[agentID], text)
	q.mu.Unlock()

	if q.store == nil {
		return nil
	}
	return q.store.SaveInjection(sqlite.QueuedInjection{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Text:    text,
	})
}

// Drain returns and clears all pending text for agentID. Satisfies
// internal/agentloop.InjectionSource.
func (q *Queue) Drain(agentID string) []string {
	q.mu.Lock()
	pending := q.items[agentID]
	delete(q.items, agentID)
	q.mu.Unlock()

	if q.store != nil {
		// Covers entries pushed before a restart, which have no in-memory
		// counterpart since Queue is rebuilt fresh on process start. Entries
		// pushed by this process are persisted too; their in-memory copy is
		// already in pending, so the persisted copy is only deleted.
		inMemory := make(map[string]int, len(pending))
		for _, text := range pending {
			inMemory[text]++
		}
		if persisted, err := q.store.ListInjections(agentID); err == nil {
			for _, p := range persisted {
				if inMemory[p.Text] > 0 {
					inMemory[p.Text]--
				} else {
					pending = append(pending, p.Text)
				}
				_ = q.store.DeleteInjection(p.ID)
			}
		}
	}
	return pending
}
