package sqlite

import (
	"time"
)

// QueuedPrompt is one entry persisted by internal/restartqueue.
type QueuedPrompt struct {
	ID       string
	AgentID  string
	Prompt   string
	QueuedAt time.Time
}

func (s *Store) SaveRestartPrompt(p QueuedPrompt) error {
	_, err := s.db.Exec(
		`INSERT INTO restart_queue (id, agent_id, prompt, queued_at) VALUES (?,?,?,?)`,
		p.ID, p.AgentID, p.Prompt, p.QueuedAt.UnixMilli(),
	)
	return err
}

func (s *Store) ListRestartPrompts() ([]QueuedPrompt, error) {
	rows, err := s.db.Query(`SELECT id, agent_id, prompt, queued_at FROM restart_queue ORDER BY queued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedPrompt
	for rows.Next() {
		var p QueuedPrompt
		var at int64
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Prompt, &at); err != nil {
			return nil, err
		}
		p.QueuedAt = time.UnixMilli(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteRestartPrompt removes an entry once it has been resubmitted,
// keeping the queue idempotent across repeated restarts.
func (s *Store) DeleteRestartPrompt(id string) error {
	_, err := s.db.Exec(`DELETE FROM restart_queue WHERE id = ?`, id)
	return err
}

// QueuedInjection is one entry persisted by internal/injectionqueue.
type QueuedInjection struct {
	ID       string
	AgentID  string
	Text     string
	QueuedAt time.Time
}

func (s *Store) SaveInjection(i QueuedInjection) error {
	_, err := s.db.Exec(
		`INSERT INTO injection_queue (id, agent_id, text, queued_at) VALUES (?,?,?,?)`,
		i.ID, i.AgentID, i.Text, i.QueuedAt.UnixMilli(),
	)
	return err
}

func (s *Store) ListInjections(agentID string) ([]QueuedInjection, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, text, queued_at FROM injection_queue WHERE agent_id = ? ORDER BY queued_at`, agentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedInjection
	for rows.Next() {
		var i QueuedInjection
		var at int64
		if err := rows.Scan(&i.ID, &i.AgentID, &i.Text, &at); err != nil {
			return nil, err
		}
		i.QueuedAt = time.UnixMilli(at)
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) DeleteInjection(id string) error {
	_, err := s.db.Exec(`DELETE FROM injection_queue WHERE id = ?`, id)
	return err
}
