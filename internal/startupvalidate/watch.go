package startupvalidate

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor save-bursts into one re-validation.
const watchDebounce = 2 * time.Second

// Watch re-runs the validator whenever the persona or council directories
// change on disk, so external edits take effect without a restart. Blocks
// until ctx is cancelled. onReport receives each pass's outcome.
func (v *Validator) Watch(ctx context.Context, onReport func(Report)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, dir := range []string{
		filepath.Join(v.BotDir, "personas"),
		filepath.Join(v.BotDir, "councils"),
	} {
		if err := w.Add(dir); err != nil {
			slog.Debug("startupvalidate: not watching", "dir", dir, "err", err)
		}
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// index.json rewrites are our own output; reacting to them
			// would loop forever.
			if filepath.Base(ev.Name) == "index.json" {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("startupvalidate: watch error", "err", err)

		case <-fire:
			rep, err := v.Run()
			if err != nil {
				slog.Warn("startupvalidate: re-validation failed", "err", err)
				continue
			}
			if onReport != nil {
				onReport(rep)
			}
		}
	}
}
