// Package periodic is the client-side periodic task manager:
// heartbeat, reminder-check, sleep-cycle, onboarding-check, and update-check,
// each on its own interval with an initial delay, enforcing at most one
// execution per task at a time — an overlapping tick is dropped, not
// queued. Driven by a plain ticker set rather than a shared cron
// scheduler, since the tasks are fixed and few rather than
// user-configured.
package periodic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one periodic job.
type Task struct {
	Name             string
	Interval         time.Duration
	InitialDelay     time.Duration
	Enabled          bool
	BypassIdleCheck  bool // runs even when the device has been idle (e.g. reminder-check)
	CanRun           func(now time.Time) bool
	Run              func(ctx context.Context) error
}

// IdleTracker reports how long it has been since the last interesting
// (non-ping/pong) channel activity; satisfied by internal/localagent.Agent,
// whose last-seen timestamp is fed by internal/transport.Client's
// OnActivity hook.
type IdleTracker interface {
	IdleSince() time.Duration
}

// IdleThreshold: tasks that don't bypass the idle check are skipped once the
// device has been idle this long, so a sleeping machine doesn't wake to run
// low-value busywork.
const IdleThreshold = 30 * time.Minute

// Manager runs a fixed set of Tasks on independent tickers.
type Manager struct {
	tasks []*Task
	idle  IdleTracker

	mu      sync.Mutex
	running map[string]*int32
}

func New(idle IdleTracker, tasks ...*Task) *Manager {
	running := make(map[string]*int32)
	for _, t := range tasks {
		var flag int32
		running[t.Name] = &flag
	}
	return &Manager{tasks: tasks, idle: idle, running: running}
}

// Run starts every enabled task's ticker goroutine and blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range m.tasks {
		if !t.Enabled {
			continue
		}
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			m.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (m *Manager) runTask(ctx context.Context, t *Task) {
	if t.InitialDelay > 0 {
		select {
		case <-time.After(t.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, t)
		}
	}
}

func (m *Manager) tick(ctx context.Context, t *Task) {
	flag := m.running[t.Name]
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		// Previous tick of this same task is still running; dropped, not
		// queued.
		slog.Debug("periodic: tick dropped, previous run still in flight", "task", t.Name)
		return
	}
	defer atomic.StoreInt32(flag, 0)

	now := time.Now()

	if !t.BypassIdleCheck && m.idle != nil && m.idle.IdleSince() > IdleThreshold {
		slog.Debug("periodic: tick skipped, device idle", "task", t.Name)
		return
	}
	if t.CanRun != nil && !t.CanRun(now) {
		slog.Debug("periodic: tick skipped, can_run false", "task", t.Name)
		return
	}

	if err := t.Run(ctx); err != nil {
		slog.Warn("periodic: task failed", "task", t.Name, "err", err)
	}
}
