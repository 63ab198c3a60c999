package periodic

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/store/sqlite"
)

// HeartbeatOptions configures the heartbeat task.
type HeartbeatOptions struct {
	Active config.ActiveHours
	Send   func(ctx context.Context) error
}

// NewHeartbeat builds the heartbeat task: every 5 minutes, 1 minute initial
// delay, gated to the configured active-hours window.
func NewHeartbeat(opts HeartbeatOptions) *Task {
	return &Task{
		Name:         "heartbeat",
		Interval:     5 * time.Minute,
		InitialDelay: time.Minute,
		Enabled:      true,
		CanRun: func(now time.Time) bool {
			return opts.Active.Contains(now)
		},
		Run: opts.Send,
	}
}

// NewReminderCheck builds the reminder-check task: every 15s, 10s initial
// delay, bypasses the idle check since a due reminder must fire even on a
// quiet machine.
func NewReminderCheck(check func(ctx context.Context) error) *Task {
	return &Task{
		Name:            "reminder-check",
		Interval:        15 * time.Second,
		InitialDelay:    10 * time.Second,
		Enabled:         true,
		BypassIdleCheck: true,
		Run:             check,
	}
}

// SleepCycleOptions configures the sleep-cycle task's cron schedule.
type SleepCycleOptions struct {
	CronExpr string // e.g. "0 3 * * *" for a nightly 3am cycle
	Run      func(ctx context.Context) error
}

// NewSleepCycle builds the sleep-cycle task: its CanRun evaluates a
// configurable cron expression via gronx rather than a fixed interval,
// since the long cycle is operator-tunable. The ticker still polls every minute to check whether the cron
// expression currently matches.
func NewSleepCycle(opts SleepCycleOptions) *Task {
	gron := gronx.New()
	return &Task{
		Name:         "sleep-cycle",
		Interval:     time.Minute,
		InitialDelay: time.Minute,
		Enabled:      opts.CronExpr != "",
		CanRun: func(now time.Time) bool {
			due, err := gron.IsDue(opts.CronExpr, now)
			return err == nil && due
		},
		Run: opts.Run,
	}
}

// OnboardingCheckOptions configures the onboarding-check task.
type OnboardingCheckOptions struct {
	Store *sqlite.Store
	Check func(ctx context.Context) error
}

// NewOnboardingCheck builds the onboarding-check task: hourly, 5 minute
// initial delay, but nags at most once per day.
func NewOnboardingCheck(opts OnboardingCheckOptions) *Task {
	return &Task{
		Name:         "onboarding-check",
		Interval:     time.Hour,
		InitialDelay: 5 * time.Minute,
		Enabled:      true,
		CanRun: func(now time.Time) bool {
			last, err := opts.Store.LastRun("onboarding-check")
			if err != nil {
				return true
			}
			return last.IsZero() || now.Sub(last) >= 24*time.Hour
		},
		Run: func(ctx context.Context) error {
			if err := opts.Check(ctx); err != nil {
				return err
			}
			return opts.Store.RecordRun("onboarding-check", time.Now())
		},
	}
}

// NewUpdateCheck builds the update-check task: every 6 hours, 10 minute
// initial delay.
func NewUpdateCheck(check func(ctx context.Context) error) *Task {
	return &Task{
		Name:         "update-check",
		Interval:     6 * time.Hour,
		InitialDelay: 10 * time.Minute,
		Enabled:      true,
		Run:          check,
	}
}
