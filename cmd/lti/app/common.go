package app

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/Cvmcosta/ltijs-sub000/pkg/keystore"
	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

// Output format constants
const (
	FormatJSON = "json"
	FormatText = "text"
)

// newStore builds the storage backend selected by configuration.
func newStore(ctx context.Context) (storage.Store, error) {
	secret := viper.GetString("encryption-key")
	if secret == "" {
		return nil, fmt.Errorf("an encryption key is required; set --encryption-key or LTI_ENCRYPTION_KEY")
	}

	switch backend := viper.GetString("storage"); backend {
	case "memory":
		return storage.NewMemoryStore(secret), nil
	case "redis":
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     viper.GetString("redis-addr"),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
			Secret:   secret,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// newRegistry builds the registry and keystore on top of the configured store.
func newRegistry(ctx context.Context) (*registry.Registry, storage.Store, error) {
	store, err := newStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	ks := keystore.New(store)
	return registry.New(store, ks), store, nil
}

// parseRole validates a role argument.
func parseRole(s string) (registry.Role, error) {
	role := registry.Role(s)
	if !role.Valid() {
		return "", fmt.Errorf("role must be %q or %q", registry.RolePlatform, registry.RoleTool)
	}
	return role, nil
}
