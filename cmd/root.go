// Package cmd is the dotbot CLI: `dotbot server` runs the cloud side,
// `dotbot agent` runs the local agent, and the invite/device subcommands
// are the operator surface over the identity service.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/druidia-bot/dotbot/internal/transport"
)

// Version is set at build time via -ldflags "-X github.com/druidia-bot/dotbot/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dotbot",
	Short: "DotBot — personal AI agent platform",
	Long:  "DotBot: a personal AI agent split across a local agent and a cloud server joined by one persistent channel.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $DOTBOT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cobra.OnInitialize(func() {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	})

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(versionCmd())
}

// errRestartRequested is returned by the agent command when a tool or the
// user asked for a restart; Execute maps it to exit 42.
var errRestartRequested = errors.New("restart requested")

// Execute runs the CLI, mapping the transport's terminal errors onto the
// process exit-code contract: 0 normal, 1 permanent failure, 42 "launcher,
// restart me".
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, transport.ErrRestartMe), errors.Is(err, errRestartRequested):
		os.Exit(42)
	case errors.Is(err, transport.ErrPermanentFailure):
		fmt.Fprintln(os.Stderr, permanentFailureHelp(err))
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// permanentFailureHelp renders numbered remediation steps for the fatal
// auth reasons.
func permanentFailureHelp(err error) string {
	msg := err.Error()
	steps := "Permanent failure: " + msg + "\n"
	switch {
	case strings.Contains(msg, "fingerprint_mismatch"):
		steps += "  1. This device's hardware changed and it has been revoked.\n" +
			"  2. Ask an admin to create a new invite: dotbot invite create\n" +
			"  3. Delete device.json and restart with DOTBOT_INVITE_TOKEN set."
	case strings.Contains(msg, "device_revoked"):
		steps += "  1. This device was revoked by an admin.\n" +
			"  2. Request a new invite token and re-register."
	case strings.Contains(msg, "token_consumed"), strings.Contains(msg, "token_expired"),
		strings.Contains(msg, "invalid_token"), strings.Contains(msg, "token_revoked"):
		steps += "  1. The invite token is no longer redeemable.\n" +
			"  2. Ask an admin for a fresh one: dotbot invite create\n" +
			"  3. Put it in .env as DOTBOT_INVITE_TOKEN and restart."
	default:
		steps += "  1. Check the server URL in .env (DOTBOT_SERVER).\n" +
			"  2. Check the server logs for the matching rejection."
	}
	return steps
}
