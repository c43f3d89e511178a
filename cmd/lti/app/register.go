package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
)

var registerCmd = &cobra.Command{
	Use:   "register [role]",
	Short: "Register a platform or tool",
	Long: `Register a counterparty platform or tool. A signing keypair is generated
and bound to the registration; client and deployment ids are generated when
not supplied.`,
	Args: cobra.ExactArgs(1),
	RunE: registerCmdFunc,
}

var (
	registerName       string
	registerIssuer     string
	registerClientID   string
	registerDeployment string
	registerLoginURL   string
	registerAuthURL    string
	registerTokenURL   string
	registerAuthMethod string
	registerAuthKey    string
	registerScopes     []string
	registerOutputJSON bool
)

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "Display name of the counterparty")
	registerCmd.Flags().StringVar(&registerIssuer, "issuer", "", "Counterparty platform URL (iss)")
	registerCmd.Flags().StringVar(&registerClientID, "client-id", "", "Client id (generated when empty)")
	registerCmd.Flags().StringVar(&registerDeployment, "deployment-id", "", "Deployment id (generated when empty)")
	registerCmd.Flags().StringVar(&registerLoginURL, "login-url", "", "Login initiation endpoint")
	registerCmd.Flags().StringVar(&registerAuthURL, "auth-url", "", "Authorization endpoint")
	registerCmd.Flags().StringVar(&registerTokenURL, "token-url", "", "Access token endpoint")
	registerCmd.Flags().StringVar(&registerAuthMethod, "auth-method", "JWK_SET", "Key resolution method (JWK_SET, JWK_KEY, or RSA_KEY)")
	registerCmd.Flags().StringVar(&registerAuthKey, "auth-key", "", "JWKS URL, serialized JWK, or PEM key, depending on the auth method")
	registerCmd.Flags().StringArrayVar(&registerScopes, "scope", nil, "Service scope to request (repeatable)")
	registerCmd.Flags().BoolVar(&registerOutputJSON, "json", false, "Print the registration as JSON")
}

func registerCmdFunc(cmd *cobra.Command, args []string) error {
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

	created, err := reg.Register(ctx, registry.Descriptor{
		Role:                  role,
		ClientID:              registerClientID,
		DeploymentID:          registerDeployment,
		Issuer:                registerIssuer,
		Name:                  registerName,
		LoginEndpoint:         registerLoginURL,
		AuthorizationEndpoint: registerAuthURL,
		AccessTokenEndpoint:   registerTokenURL,
		AuthConfig: registry.AuthConfig{
			Method: registry.AuthMethod(registerAuthMethod),
			Key:    registerAuthKey,
		},
		Scopes: registerScopes,
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", role, err)
	}

	if registerOutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(created)
	}

	fmt.Printf("Registered %s %q\n", role, created.Name)
	fmt.Printf("  client id:     %s\n", created.ClientID)
	fmt.Printf("  deployment id: %s\n", created.DeploymentID)
	fmt.Printf("  kid:           %s\n", created.Kid)
	return nil
}
