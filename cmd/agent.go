package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/druidia-bot/dotbot/internal/channels/discord"
	"github.com/druidia-bot/dotbot/internal/cli"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/localagent"
	"github.com/druidia-bot/dotbot/internal/startupvalidate"
	"github.com/druidia-bot/dotbot/internal/store/sqlite"
	"github.com/druidia-bot/dotbot/internal/transport"
	"github.com/druidia-bot/dotbot/internal/vault"
)

func agentCmd() *cobra.Command {
	var botDir string
	var headless bool

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local agent on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), botDir, headless)
		},
	}
	cmd.Flags().StringVar(&botDir, "bot-dir", "", "bot data directory (default: ~/.bot)")
	cmd.Flags().BoolVar(&headless, "headless", false, "no terminal prompt loop (Discord/periodic only)")
	return cmd
}

func runAgent(ctx context.Context, botDir string, headless bool) error {
	if botDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		botDir = filepath.Join(home, ".bot")
	}
	if err := os.MkdirAll(botDir, 0o700); err != nil {
		return err
	}

	envPath := filepath.Join(botDir, ".env")
	cfg, err := config.LoadClientConfig(envPath)
	if err != nil {
		return err
	}
	if cfg.ServerURL == "" {
		return fmt.Errorf("DOTBOT_SERVER is not set (in %s or the environment)", envPath)
	}
	serverURL, err := transport.NormalizeServerURL(cfg.ServerURL)
	if err != nil {
		return err
	}

	// Startup validation: normalize + re-index persona/council files, prune
	// old run logs, then keep watching for external edits.
	validator := &startupvalidate.Validator{BotDir: botDir}
	report, err := validator.Run()
	if err != nil {
		return err
	}
	for _, m := range report.Malformed {
		slog.Warn("startup validation: file skipped", "path", m.Path, "reason", m.Reason)
	}
	_ = startupvalidate.PruneRunLogs(filepath.Join(botDir, "run-logs"), 14*24*time.Hour, time.Now())

	store, err := sqlite.Open(filepath.Join(botDir, "dotbot.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := vault.Open(filepath.Join(botDir, "vault.json"))
	if err != nil {
		return err
	}

	devicePath := filepath.Join(botDir, "device.json")
	device, registered, err := localagent.LoadDeviceFile(devicePath)
	if err != nil {
		return err
	}
	if !registered && cfg.InviteToken == "" {
		return fmt.Errorf("no device credential and no DOTBOT_INVITE_TOKEN — register this device first")
	}

	label := cfg.DeviceName
	if label == "" {
		label, _ = os.Hostname()
	}

	client := transport.NewClient(serverURL, device.DeviceID, device.DeviceSecret, nil)
	client.OnRegistered = func(deviceID, deviceSecret string) {
		if err := localagent.SaveDeviceFile(devicePath, localagent.DeviceFile{
			DeviceID:     deviceID,
			DeviceSecret: deviceSecret,
			ServerURL:    serverURL,
			Label:        label,
			RegisteredAt: time.Now(),
		}); err != nil {
			slog.Error("persist device credential failed", "err", err)
			return
		}
		// The invite token is single-use; leaving it in .env would just
		// produce token_consumed on the next fresh machine.
		if err := config.ConsumeInviteToken(envPath); err != nil {
			slog.Warn("could not remove invite token from .env", "err", err)
		}
	}

	agent := localagent.New(botDir, cfg, client, v, store)
	client.SetHandler(agent)
	client.WithRegistration(cfg.InviteToken, label, runtime.GOOS, agent.ToolIDs(), cfg.TempDir)
	go func() {
		if err := validator.Watch(ctx, func(rep startupvalidate.Report) {
			slog.Info("re-validated persona/council files", "personas", len(rep.Personas), "councils", len(rep.Councils), "malformed", len(rep.Malformed))
		}); err != nil {
			slog.Debug("validator watch ended", "err", err)
		}
	}()

	reminders := agent.NewReminderManager()
	manager := agent.BuildPeriodicManager(reminders, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go manager.Run(runCtx)

	if cfg.DiscordChannelConversation != "" {
		dc := discord.New(agent, cfg)
		agent.AttachFrontEnd(dc)
		go func() {
			// Wait for auth before resolving the token through the server.
			time.Sleep(2 * time.Second)
			if err := dc.Start(runCtx); err != nil {
				slog.Warn("discord channel failed to start", "err", err)
			}
		}()
		defer dc.Stop()
	}

	restart := make(chan struct{}, 1)
	if !headless {
		front := cli.NewFrontEnd()
		agent.AttachFrontEnd(front)
		go func() {
			err := cli.Repl(runCtx, agent, func() {
				agent.PrepareRestart(runCtx)
				select {
				case restart <- struct{}{}:
				default:
				}
				cancel()
			})
			if err != nil {
				slog.Debug("repl ended", "err", err)
			}
			cancel()
		}()
	}

	err = client.Run(runCtx)
	select {
	case <-restart:
		return errRestartRequested
	default:
	}
	return err
}
