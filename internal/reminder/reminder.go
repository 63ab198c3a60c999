// Package reminder schedules and fires user reminders on the client. The
// periodic manager's reminder-check task calls CheckDue every 15 seconds
// (bypassing the idle gate — a due reminder fires on a quiet machine too);
// firing hands the message to a notify callback that surfaces it through
// whatever front-ends are attached.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/store/sqlite"
)

// Priority levels, most urgent first.
const (
	P0 = "P0"
	P1 = "P1"
	P2 = "P2"
	P3 = "P3"
)

// NotifyFunc surfaces one fired reminder to the user.
type NotifyFunc func(ctx context.Context, r sqlite.Reminder)

// Manager owns reminder scheduling over the client's local store.
type Manager struct {
	store  *sqlite.Store
	notify NotifyFunc
	now    func() time.Time
}

func New(store *sqlite.Store, notify NotifyFunc) *Manager {
	return &Manager{store: store, notify: notify, now: time.Now}
}

// SetClock overrides the clock (test hook).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Schedule creates a reminder and returns its id.
func (m *Manager) Schedule(message string, at time.Time, priority string) (string, error) {
	switch priority {
	case P0, P1, P2, P3:
	default:
		priority = P2
	}
	r := sqlite.Reminder{
		ID:           uuid.NewString(),
		Message:      message,
		ScheduledFor: at,
		Priority:     priority,
		Status:       "scheduled",
		CreatedAt:    m.now(),
	}
	if err := m.store.SaveReminder(r); err != nil {
		return "", fmt.Errorf("reminder: save: %w", err)
	}
	return r.ID, nil
}

// Cancel marks a scheduled reminder cancelled.
func (m *Manager) Cancel(id string) error {
	return m.store.CancelReminder(id)
}

// List returns the non-cancelled reminders.
func (m *Manager) List() ([]sqlite.Reminder, error) {
	return m.store.ListReminders()
}

// HasPending reports whether any reminder is scheduled; wired into the
// periodic reminder-check task's can_run.
func (m *Manager) HasPending() bool {
	n, err := m.store.CountScheduled()
	return err == nil && n > 0
}

// CheckDue fires every due reminder: marked triggered first, then
// notified, so a crash between the two loses a notification rather than
// double-firing it on restart.
func (m *Manager) CheckDue(ctx context.Context) error {
	due, err := m.store.DueReminders(m.now())
	if err != nil {
		return fmt.Errorf("reminder: query due: %w", err)
	}
	for _, r := range due {
		if err := m.store.MarkTriggered(r.ID, m.now()); err != nil {
			slog.Warn("reminder: mark triggered failed", "id", r.ID, "err", err)
			continue
		}
		if m.notify != nil {
			m.notify(ctx, r)
		}
	}
	return nil
}
