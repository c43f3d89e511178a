package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var activateCmd = &cobra.Command{
	Use:   "activate [role] [client-id]",
	Short: "Activate a registration",
	Long:  `Enable message processing for a registration.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args, true)
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate [role] [client-id]",
	Short: "Deactivate a registration",
	Long: `Disable message processing for a registration. Inbound tokens matching a
deactivated registration are refused before any key material is fetched.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args, false)
	},
}

func setActive(cmd *cobra.Command, args []string, active bool) error {
	ctx := cmd.Context()

	role, err := parseRole(args[0])
	if err != nil {
		return err
	}

	reg, store, err := newRegistry(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := reg.SetActive(ctx, role, args[1], active); err != nil {
		return fmt.Errorf("failed to update registration: %w", err)
	}

	state := "activated"
	if !active {
		state = "deactivated"
	}
	fmt.Printf("%s registration %s %s\n", role, args[1], state)
	return nil
}
