package localagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/periodic"
	"github.com/druidia-bot/dotbot/internal/reminder"
	"github.com/druidia-bot/dotbot/internal/store/sqlite"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// BuildPeriodicManager wires the fixed task set around this agent:
// heartbeat, reminder-check, sleep-cycle, onboarding-check, update-check.
func (a *Agent) BuildPeriodicManager(reminders *reminder.Manager, updateCheck func(ctx context.Context) error) *periodic.Manager {
	heartbeat := periodic.NewHeartbeat(periodic.HeartbeatOptions{
		Active: a.Config.ActiveHours,
		Send: func(ctx context.Context) error {
			corrID := protocol.NewCorrelationID()
			_, _ = a.Client.Call(ctx, protocol.KindHeartbeatRequest, corrID, protocol.AckPayload{
				WithCorrelationID: protocol.WithCorrelationID{CorrID: corrID},
			})
			return nil
		},
	})
	heartbeat.Enabled = a.Config.HeartbeatEnabled
	if a.Config.HeartbeatIntervalMin > 0 {
		heartbeat.Interval = time.Duration(a.Config.HeartbeatIntervalMin) * time.Minute
	}

	reminderCheck := periodic.NewReminderCheck(reminders.CheckDue)
	canRun := reminderCheck.CanRun
	reminderCheck.CanRun = func(now time.Time) bool {
		if canRun != nil && !canRun(now) {
			return false
		}
		return reminders.HasPending()
	}

	sleepCycle := periodic.NewSleepCycle(periodic.SleepCycleOptions{
		CronExpr: "*/30 * * * *",
		Run:      a.runSleepCycle,
	})

	onboarding := periodic.NewOnboardingCheck(periodic.OnboardingCheckOptions{
		Store: a.Store,
		Check: a.checkOnboarding,
	})

	update := periodic.NewUpdateCheck(updateCheck)
	if updateCheck == nil {
		update.Enabled = false
	}

	return periodic.New(a, heartbeat, reminderCheck, sleepCycle, onboarding, update)
}

// runSleepCycle is the memory consolidation pass: scan the research cache,
// ask the server to condense anything substantial, and replace the raw
// notes with the condensed form.
func (a *Agent) runSleepCycle(ctx context.Context) error {
	cacheDir := filepath.Join(a.BotDir, "memory", "research-cache")
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var batch strings.Builder
	var batchFiles []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cacheDir, e.Name()))
		if err != nil {
			continue
		}
		batch.Write(data)
		batch.WriteString("\n\n")
		batchFiles = append(batchFiles, e.Name())
		if batch.Len() > 16_000 {
			break
		}
	}
	if len(batchFiles) == 0 {
		return nil
	}

	corrID := protocol.NewCorrelationID()
	reply, ok := a.Client.Call(ctx, protocol.KindCondenseRequest, corrID, protocol.CondenseRequestPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: corrID},
		Text:              batch.String(),
	})
	if !ok {
		return nil // no answer — try again next cycle
	}
	var resp protocol.CondenseResponsePayload
	if err := reply.Decode(&resp); err != nil || resp.Error != "" || resp.Condensed == "" {
		return nil
	}

	condensedPath := filepath.Join(cacheDir, fmt.Sprintf("condensed-%d.md", time.Now().UnixMilli()))
	if err := os.WriteFile(condensedPath, []byte(resp.Condensed), 0o644); err != nil {
		return err
	}
	for _, name := range batchFiles {
		_ = os.Remove(filepath.Join(cacheDir, name))
	}

	for _, f := range a.frontEnds() {
		f.OnNotification(fmt.Sprintf("Sleep cycle: condensed %d research notes.", len(batchFiles)))
	}
	return nil
}

// checkOnboarding nags (at most once per day, enforced by the task's
// can_run) when no personas are installed; no other setup is checked.
func (a *Agent) checkOnboarding(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(a.BotDir, "personas", "index.json")); os.IsNotExist(err) {
		for _, f := range a.frontEnds() {
			f.OnNotification("Tip: no personas installed yet — add one under " + filepath.Join(a.BotDir, "personas"))
		}
	}
	return nil
}

// NewReminderManager builds the reminder manager notifying through the
// attached front-ends.
func (a *Agent) NewReminderManager() *reminder.Manager {
	return reminder.New(a.Store, func(ctx context.Context, r sqlite.Reminder) {
		msg := fmt.Sprintf("[%s] Reminder: %s", r.Priority, r.Message)
		for _, f := range a.frontEnds() {
			f.OnNotification(msg)
		}
	})
}
