package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [role] [client-id]",
	Short: "Delete a registration",
	Long: `Delete a registration together with its signing keypair and any content
links registered under it.`,
	Args: cobra.ExactArgs(2),
	RunE: deleteCmdFunc,
}

func deleteCmdFunc(cmd *cobra.Command, args []string) error {
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

	if err := reg.Delete(ctx, role, args[1]); err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}

	fmt.Printf("Deleted %s registration %s\n", role, args[1])
	return nil
}
