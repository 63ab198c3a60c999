package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage registered devices",
	}
	cmd.AddCommand(deviceListCmd(), deviceRevokeCmd())
	return cmd
}

func deviceListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := adminIdentityService()
			if err != nil {
				return err
			}
			defer closeDB()

			devices, err := svc.ListDevices(userID)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no devices")
				return nil
			}
			for _, d := range devices {
				state := "active"
				if d.Revoked {
					state = "revoked (" + d.RevokedReason + ")"
				}
				fmt.Printf("%s  %-20s  %-10s  registered %s  [%s]\n",
					d.DeviceID, d.Label, d.Platform, d.RegisteredAt.Format("2006-01-02"), state)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", defaultUserID(), "filter by user")
	return cmd
}

func deviceRevokeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			if !yes {
				confirm := false
				form := huh.NewForm(huh.NewGroup(
					huh.NewConfirm().
						Title(fmt.Sprintf("Revoke device %s?", deviceID)).
						Description("The device will be disconnected and cannot re-authenticate.").
						Value(&confirm),
				))
				if err := form.Run(); err != nil {
					return err
				}
				if !confirm {
					fmt.Println("aborted")
					return nil
				}
			}

			svc, closeDB, err := adminIdentityService()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := svc.Revoke(deviceID, "revoked_by_admin"); err != nil {
				return err
			}
			fmt.Println("revoked", deviceID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
