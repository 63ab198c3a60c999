package reminder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/internal/store/sqlite"
)

func newManager(t *testing.T) (*Manager, *[]sqlite.Reminder) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	var fired []sqlite.Reminder
	m := New(store, func(_ context.Context, r sqlite.Reminder) {
		fired = append(fired, r)
	})
	return m, &fired
}

func TestDueRemindersFireOnce(t *testing.T) {
	m, fired := newManager(t)
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	if _, err := m.Schedule("stand up", now.Add(-time.Minute), P1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Schedule("later", now.Add(time.Hour), P2); err != nil {
		t.Fatal(err)
	}

	if err := m.CheckDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*fired) != 1 || (*fired)[0].Message != "stand up" {
		t.Fatalf("fired = %+v", *fired)
	}

	// Triggered reminders don't fire again.
	if err := m.CheckDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*fired) != 1 {
		t.Fatalf("reminder double-fired: %+v", *fired)
	}
}

func TestCancelSuppressesFiring(t *testing.T) {
	m, fired := newManager(t)
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	id, err := m.Schedule("cancel me", now.Add(-time.Minute), P3)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(id); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*fired) != 0 {
		t.Fatalf("cancelled reminder fired: %+v", *fired)
	}
	if m.HasPending() {
		t.Fatal("cancelled reminder still counts as pending")
	}
}
