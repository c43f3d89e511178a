// Package app provides the entry point for the lti command-line application.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Cvmcosta/ltijs-sub000/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "lti",
	DisableAutoGenTag: true,
	Short:             "lti manages the registrations of an LTI 1.3 deployment",
	Long: `lti manages the platform and tool registrations of an LTI 1.3 deployment:
client identities, signing keypairs, counterparty endpoints and key
configuration, and the published JWKS document.

Registrations live in the configured storage backend (in-memory or Redis)
with private keys encrypted at rest.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if viper.GetBool("debug") {
			logger.InitializeWithOptions(true, true)
		}
	},
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the LTI CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("storage", "memory", "Storage backend (memory or redis)")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	rootCmd.PersistentFlags().Int("redis-db", 0, "Redis database number")
	rootCmd.PersistentFlags().String("encryption-key", "", "Secret used to encrypt stored private keys")

	for _, flag := range []string{"debug", "storage", "redis-addr", "redis-password", "redis-db", "encryption-key"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding flag %s: %v", flag, err)
		}
	}
	viper.SetEnvPrefix("LTI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(deactivateCmd)
	rootCmd.AddCommand(jwksCmd)

	return rootCmd
}
