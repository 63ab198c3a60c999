package sqlite

import (
	"database/sql"
	"time"
)

// Reminder is one scheduled reminder row.
type Reminder struct {
	ID           string
	Message      string
	ScheduledFor time.Time
	Priority     string // P0..P3
	Status       string // scheduled | triggered | cancelled
	CreatedAt    time.Time
	TriggeredAt  *time.Time
}

func (s *Store) SaveReminder(r Reminder) error {
	_, err := s.db.Exec(
		`INSERT INTO reminders (id, message, scheduled_for, priority, status, created_at)
		 VALUES (?,?,?,?,?,?)`,
		r.ID, r.Message, r.ScheduledFor.UnixMilli(), r.Priority, r.Status, r.CreatedAt.UnixMilli(),
	)
	return err
}

// DueReminders returns scheduled reminders whose time has arrived, most
// urgent priority first.
func (s *Store) DueReminders(now time.Time) ([]Reminder, error) {
	rows, err := s.db.Query(
		`SELECT id, message, scheduled_for, priority, status, created_at, triggered_at
		 FROM reminders WHERE status = 'scheduled' AND scheduled_for <= ?
		 ORDER BY priority, scheduled_for`, now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

// ListReminders returns every non-cancelled reminder.
func (s *Store) ListReminders() ([]Reminder, error) {
	rows, err := s.db.Query(
		`SELECT id, message, scheduled_for, priority, status, created_at, triggered_at
		 FROM reminders WHERE status != 'cancelled' ORDER BY scheduled_for`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

// CountScheduled reports how many reminders are pending; the reminder-check
// task's can_run gate.
func (s *Store) CountScheduled() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM reminders WHERE status = 'scheduled'`).Scan(&n)
	return n, err
}

// MarkTriggered flips a reminder to triggered, recording when.
func (s *Store) MarkTriggered(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE reminders SET status = 'triggered', triggered_at = ? WHERE id = ? AND status = 'scheduled'`,
		at.UnixMilli(), id,
	)
	return err
}

// CancelReminder flips a reminder to cancelled.
func (s *Store) CancelReminder(id string) error {
	_, err := s.db.Exec(`UPDATE reminders SET status = 'cancelled' WHERE id = ? AND status = 'scheduled'`, id)
	return err
}

func scanReminders(rows *sql.Rows) ([]Reminder, error) {
	var out []Reminder
	for rows.Next() {
		var r Reminder
		var schedAt, createdAt int64
		var trigAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Message, &schedAt, &r.Priority, &r.Status, &createdAt, &trigAt); err != nil {
			return nil, err
		}
		r.ScheduledFor = time.UnixMilli(schedAt)
		r.CreatedAt = time.UnixMilli(createdAt)
		if trigAt.Valid {
			t := time.UnixMilli(trigAt.Int64)
			r.TriggeredAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
