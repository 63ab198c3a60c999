package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/identity"
	"github.com/druidia-bot/dotbot/internal/store/pg"
)

// adminIdentityService opens the identity service against the server's
// Postgres store — the invite/device commands run on the server host.
func adminIdentityService() (*identity.Service, func(), error) {
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.PostgresDSN == "" {
		return nil, nil, fmt.Errorf("DOTBOT_POSTGRES_DSN is not set")
	}
	db, err := pg.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	svc := identity.NewService(pg.NewIdentityStore(db), nil)
	return svc, func() { db.Close() }, nil
}

func inviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage device invite tokens",
	}
	cmd.AddCommand(inviteCreateCmd(), inviteListCmd())
	return cmd
}

func inviteCreateCmd() *cobra.Command {
	var label string
	var maxUses, expiryDays int
	var userID string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new invite token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				maxUsesStr := "1"
				expiryStr := "7"
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().Title("Label").Description("Who or what is this invite for?").Value(&label),
					huh.NewInput().Title("Max uses").Value(&maxUsesStr).Validate(validateInt),
					huh.NewInput().Title("Expiry (days)").Value(&expiryStr).Validate(validateInt),
				))
				if err := form.Run(); err != nil {
					return err
				}
				maxUses, _ = strconv.Atoi(maxUsesStr)
				expiryDays, _ = strconv.Atoi(expiryStr)
			}

			svc, closeDB, err := adminIdentityService()
			if err != nil {
				return err
			}
			defer closeDB()

			tok, err := svc.CreateInvite(userID, label, maxUses, expiryDays)
			if err != nil {
				return err
			}
			fmt.Printf("invite token: %s\n  label: %s\n  max uses: %d\n  expires: %s\n",
				tok.Token, tok.Label, tok.MaxUses, tok.ExpiresAt.Format("2006-01-02"))
			fmt.Println("put it in the device's .env as DOTBOT_INVITE_TOKEN=" + tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "human-readable label (omit for interactive prompt)")
	cmd.Flags().IntVar(&maxUses, "max-uses", 1, "how many devices may redeem this token")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 7, "days until the token expires")
	cmd.Flags().StringVar(&userID, "user", defaultUserID(), "user the registered devices belong to")
	return cmd
}

func inviteListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invite tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := adminIdentityService()
			if err != nil {
				return err
			}
			defer closeDB()

			invites, err := svc.ListInvites(userID)
			if err != nil {
				return err
			}
			if len(invites) == 0 {
				fmt.Println("no invites")
				return nil
			}
			for _, t := range invites {
				state := "active"
				if t.Revoked {
					state = "revoked"
				} else if t.Consumed() {
					state = "consumed"
				}
				fmt.Printf("%s  %-20s  uses %d/%d  expires %s  [%s]\n",
					t.Token, t.Label, t.Uses, t.MaxUses, t.ExpiresAt.Format("2006-01-02"), state)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", defaultUserID(), "filter by user")
	return cmd
}

func validateInt(s string) error {
	if _, err := strconv.Atoi(s); err != nil {
		return fmt.Errorf("enter a number")
	}
	return nil
}

// defaultUserID: single-user deployments key everything on one id.
func defaultUserID() string {
	if v := os.Getenv("DOTBOT_USER_ID"); v != "" {
		return v
	}
	return "default"
}
