package app

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
)

var listCmd = &cobra.Command{
	Use:   "list [role]",
	Short: "List registrations",
	Long:  `List every registered platform or tool, including activation state and key id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  listCmdFunc,
}

var listFormat string

func init() {
	listCmd.Flags().StringVar(&listFormat, "format", FormatText, "Output format (json or text)")
}

func listCmdFunc(cmd *cobra.Command, args []string) error {
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

	registrations, err := reg.List(ctx, role)
	if err != nil {
		return fmt.Errorf("failed to list registrations: %w", err)
	}

	if len(registrations) == 0 {
		fmt.Printf("No %s registrations found\n", role)
		return nil
	}

	if listFormat == FormatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(registrations)
	}

	printRegistrationTable(registrations)
	return nil
}

func printRegistrationTable(registrations []*registry.Registration) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "CLIENT ID\tNAME\tISSUER\tDEPLOYMENT ID\tACTIVE")
	for _, r := range registrations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			r.ClientID, r.Name, r.Issuer, r.DeploymentID, r.Active)
	}
}
