package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Cvmcosta/ltijs-sub000/pkg/keystore"
)

var jwksCmd = &cobra.Command{
	Use:   "jwks",
	Short: "Print the public JWKS document",
	Long: `Print the JSON Web Key Set assembled from every stored public key. This is
the document counterparties fetch to verify messages signed by this
deployment.`,
	Args: cobra.NoArgs,
	RunE: jwksCmdFunc,
}

func jwksCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	store, err := newStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	set, err := keystore.New(store).BuildJWKS(ctx)
	if err != nil {
		return fmt.Errorf("failed to build JWKS: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}
