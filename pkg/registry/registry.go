// SPDX-License-Identifier: Apache-2.0

// Package registry stores the platform and tool registrations of the LTI
// security core. A registration ties a counterparty's endpoints and public
// key configuration to a local client id, deployment id, and signing keypair.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/keystore"
	"github.com/Cvmcosta/ltijs-sub000/pkg/logger"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

const (
	collectionRegistrations = "registrations"
	collectionLinks         = "links"
)

// Role distinguishes the two sides a registration can describe.
type Role string

// Registration roles
const (
	RolePlatform Role = "platform"
	RoleTool     Role = "tool"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RolePlatform || r == RoleTool
}

// AuthMethod selects how the counterparty's public key is resolved during
// token validation.
type AuthMethod string

// Authentication methods
const (
	// AuthMethodJWKSet resolves keys from a remote JWKS endpoint by kid
	AuthMethodJWKSet AuthMethod = "JWK_SET"

	// AuthMethodJWKKey uses a single inline JWK
	AuthMethodJWKKey AuthMethod = "JWK_KEY"

	// AuthMethodRSAKey uses a single inline PEM encoded RSA public key
	AuthMethodRSAKey AuthMethod = "RSA_KEY"
)

// Valid reports whether the method is one of the known values.
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthMethodJWKSet, AuthMethodJWKKey, AuthMethodRSAKey:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown authentication methods at decode time.
func (m *AuthMethod) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v := AuthMethod(s)
	if !v.Valid() {
		return fmt.Errorf("unknown authentication method %q", s)
	}
	*m = v
	return nil
}

// AuthConfig describes how to obtain the counterparty's public key.
type AuthConfig struct {
	// Method selects the key resolution strategy
	Method AuthMethod `json:"method"`

	// Key is the JWKS URL, the serialized JWK, or the PEM key, depending on Method
	Key string `json:"key"`
}

// Registration describes a registered platform or tool.
type Registration struct {
	Role         Role   `json:"role"`
	ClientID     string `json:"clientId"`
	DeploymentID string `json:"deploymentId"`

	// Issuer is the counterparty's platform URL, used together with the
	// client id to match inbound tokens.
	Issuer string `json:"issuer"`

	Name                  string     `json:"name"`
	LoginEndpoint         string     `json:"loginEndpoint"`
	AuthorizationEndpoint string     `json:"authorizationEndpoint"`
	AccessTokenEndpoint   string     `json:"accessTokenEndpoint"`
	AuthConfig            AuthConfig `json:"authConfig"`

	// Kid identifies the local signing keypair bound to this registration.
	Kid string `json:"kid"`

	// Active gates whether messages from this registration are accepted.
	Active bool `json:"active"`

	Scopes           []string          `json:"scopes,omitempty"`
	Privacy          string            `json:"privacy,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Descriptor is the input to Register. Client and deployment ids are
// generated when left empty.
type Descriptor struct {
	Role                  Role
	ClientID              string
	DeploymentID          string
	Issuer                string
	Name                  string
	LoginEndpoint         string
	AuthorizationEndpoint string
	AccessTokenEndpoint   string
	AuthConfig            AuthConfig
	Scopes                []string
	Privacy               string
	CustomParameters      map[string]string
}

// Patch updates selected registration fields. Nil pointers leave the field
// unchanged.
type Patch struct {
	Name                  *string
	LoginEndpoint         *string
	AuthorizationEndpoint *string
	AccessTokenEndpoint   *string
	AuthConfig            *AuthConfig
	Scopes                *[]string
	Privacy               *string
	CustomParameters      *map[string]string
}

// ToolLink is a content link registered under a tool registration.
type ToolLink struct {
	ClientID string            `json:"clientId"`
	URL      string            `json:"url"`
	Name     string            `json:"name"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// Registry manages registrations and their signing keypairs.
type Registry struct {
	store storage.Store
	keys  *keystore.KeyStore
}

// New creates a Registry backed by the given store and keystore.
func New(store storage.Store, keys *keystore.KeyStore) *Registry {
	return &Registry{store: store, keys: keys}
}

// Register validates the descriptor, generates a signing keypair, and
// persists the registration in active state.
func (r *Registry) Register(ctx context.Context, desc Descriptor) (*Registration, error) {
	if err := validateDescriptor(desc); err != nil {
		return nil, err
	}

	clientID := desc.ClientID
	if clientID != "" {
		existing, err := r.get(ctx, storage.Query{"role": string(desc.Role), "clientId": clientID})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, lterrors.Newf(lterrors.ErrAlreadyRegistered,
				"a %s registration with client id %s already exists", desc.Role, clientID)
		}
	} else {
		var err error
		clientID, err = r.newClientID(ctx, desc.Role)
		if err != nil {
			return nil, err
		}
	}

	deploymentID := desc.DeploymentID
	if deploymentID != "" {
		inUse, err := r.deploymentIDInUse(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, lterrors.Newf(lterrors.ErrAlreadyRegistered,
				"a registration with deployment id %s already exists", deploymentID)
		}
	} else {
		var err error
		deploymentID, err = r.newDeploymentID(ctx)
		if err != nil {
			return nil, err
		}
	}

	kid, err := r.keys.GenerateKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	reg := &Registration{
		Role:                  desc.Role,
		ClientID:              clientID,
		DeploymentID:          deploymentID,
		Issuer:                desc.Issuer,
		Name:                  desc.Name,
		LoginEndpoint:         desc.LoginEndpoint,
		AuthorizationEndpoint: desc.AuthorizationEndpoint,
		AccessTokenEndpoint:   desc.AccessTokenEndpoint,
		AuthConfig:            desc.AuthConfig,
		Kid:                   kid,
		Active:                true,
		Scopes:                desc.Scopes,
		Privacy:               desc.Privacy,
		CustomParameters:      desc.CustomParameters,
	}

	doc, err := toDocument(reg)
	if err != nil {
		_ = r.keys.DeleteKeyPair(ctx, kid)
		return nil, err
	}

	err = r.store.Insert(ctx, collectionRegistrations, doc, &storage.WriteOptions{
		Index:  storage.Query{"role": string(desc.Role), "clientId": clientID},
		Unique: true,
	})
	if err != nil {
		// Do not leave the keypair orphaned.
		_ = r.keys.DeleteKeyPair(ctx, kid)
		if errors.Is(err, storage.ErrAlreadyExists) {
			// A concurrent Register won the unique insert.
			return nil, lterrors.Newf(lterrors.ErrAlreadyRegistered,
				"a %s registration with client id %s already exists", desc.Role, clientID)
		}
		return nil, fmt.Errorf("failed to store registration: %w", err)
	}

	logger.Infof("Registered %s %s with client id %s", desc.Role, desc.Name, clientID)
	return reg, nil
}

// Get returns the registration with the given role and client id.
func (r *Registry) Get(ctx context.Context, role Role, clientID string) (*Registration, error) {
	reg, err := r.get(ctx, storage.Query{"role": string(role), "clientId": clientID})
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, lterrors.Newf(lterrors.ErrUnregistered,
			"no %s registration with client id %s", role, clientID)
	}
	return reg, nil
}

// GetByIssuerClient returns the registration matching an inbound token's
// issuer and audience pair.
func (r *Registry) GetByIssuerClient(ctx context.Context, issuer, clientID string) (*Registration, error) {
	reg, err := r.get(ctx, storage.Query{"issuer": issuer, "clientId": clientID})
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, lterrors.Newf(lterrors.ErrUnregistered,
			"no registration for issuer %s and client id %s", issuer, clientID)
	}
	return reg, nil
}

// ListByIssuer returns every registration with the given issuer. Used to
// distinguish an unknown issuer from a token addressed to someone else.
func (r *Registry) ListByIssuer(ctx context.Context, issuer string) ([]*Registration, error) {
	docs, err := r.store.Get(ctx, collectionRegistrations, storage.Query{"issuer": issuer})
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}

	out := make([]*Registration, 0, len(docs))
	for _, doc := range docs {
		reg, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// Update applies the patch to an existing registration and returns the
// updated record.
func (r *Registry) Update(ctx context.Context, role Role, clientID string, patch Patch) (*Registration, error) {
	reg, err := r.Get(ctx, role, clientID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		reg.Name = *patch.Name
	}
	if patch.LoginEndpoint != nil {
		reg.LoginEndpoint = *patch.LoginEndpoint
	}
	if patch.AuthorizationEndpoint != nil {
		reg.AuthorizationEndpoint = *patch.AuthorizationEndpoint
	}
	if patch.AccessTokenEndpoint != nil {
		reg.AccessTokenEndpoint = *patch.AccessTokenEndpoint
	}
	if patch.AuthConfig != nil {
		if !patch.AuthConfig.Method.Valid() {
			return nil, lterrors.New(lterrors.ErrMissingRegistrationParameters,
				"authentication method is not valid")
		}
		reg.AuthConfig = *patch.AuthConfig
	}
	if patch.Scopes != nil {
		reg.Scopes = *patch.Scopes
	}
	if patch.Privacy != nil {
		reg.Privacy = *patch.Privacy
	}
	if patch.CustomParameters != nil {
		reg.CustomParameters = *patch.CustomParameters
	}

	doc, err := toDocument(reg)
	if err != nil {
		return nil, err
	}
	q := storage.Query{"role": string(role), "clientId": clientID}
	err = r.store.Replace(ctx, collectionRegistrations, q, doc, &storage.WriteOptions{Index: q})
	if err != nil {
		return nil, fmt.Errorf("failed to update registration: %w", err)
	}
	return reg, nil
}

// SetActive toggles whether the registration accepts messages.
func (r *Registry) SetActive(ctx context.Context, role Role, clientID string, active bool) error {
	if _, err := r.Get(ctx, role, clientID); err != nil {
		return err
	}
	q := storage.Query{"role": string(role), "clientId": clientID}
	if err := r.store.Modify(ctx, collectionRegistrations, q, storage.Document{"active": active}); err != nil {
		return fmt.Errorf("failed to update registration: %w", err)
	}
	return nil
}

// Delete removes a registration together with its links and keypair.
// Deleting a missing registration is not an error.
func (r *Registry) Delete(ctx context.Context, role Role, clientID string) error {
	reg, err := r.get(ctx, storage.Query{"role": string(role), "clientId": clientID})
	if err != nil {
		return err
	}
	if reg == nil {
		return nil
	}

	// Remove the registration first so a partial failure cannot leave a
	// registration pointing at a deleted keypair.
	q := storage.Query{"role": string(role), "clientId": clientID}
	if err := r.store.Delete(ctx, collectionRegistrations, q); err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	if err := r.store.Delete(ctx, collectionLinks, storage.Query{"clientId": clientID}); err != nil {
		return fmt.Errorf("failed to delete links: %w", err)
	}
	if err := r.keys.DeleteKeyPair(ctx, reg.Kid); err != nil {
		// The registration is already gone; an orphaned keypair is harmless
		// and gets cleaned up by a later delete.
		logger.Warnf("Failed to delete keypair %s: %v", reg.Kid, err)
	}

	logger.Infof("Deleted %s registration %s", role, clientID)
	return nil
}

// List returns every registration with the given role.
func (r *Registry) List(ctx context.Context, role Role) ([]*Registration, error) {
	docs, err := r.store.Get(ctx, collectionRegistrations, storage.Query{"role": string(role)})
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}

	out := make([]*Registration, 0, len(docs))
	for _, doc := range docs {
		reg, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// AddLink registers a content link under a tool registration.
func (r *Registry) AddLink(ctx context.Context, link ToolLink) error {
	if link.ClientID == "" || link.URL == "" {
		return lterrors.New(lterrors.ErrMissingRegistrationParameters,
			"link requires a client id and a URL")
	}
	if _, err := r.Get(ctx, RoleTool, link.ClientID); err != nil {
		return err
	}

	doc, err := toDocument(link)
	if err != nil {
		return err
	}
	q := storage.Query{"clientId": link.ClientID, "url": link.URL}
	if err := r.store.Replace(ctx, collectionLinks, q, doc, &storage.WriteOptions{Index: q}); err != nil {
		return fmt.Errorf("failed to store link: %w", err)
	}
	return nil
}

// GetLinks returns every link registered under a tool.
func (r *Registry) GetLinks(ctx context.Context, clientID string) ([]*ToolLink, error) {
	docs, err := r.store.Get(ctx, collectionLinks, storage.Query{"clientId": clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	out := make([]*ToolLink, 0, len(docs))
	for _, doc := range docs {
		var link ToolLink
		if err := fromDocumentInto(doc, &link); err != nil {
			return nil, err
		}
		out = append(out, &link)
	}
	return out, nil
}

// DeleteLink removes a link. Deleting a missing link is not an error.
func (r *Registry) DeleteLink(ctx context.Context, clientID, url string) error {
	q := storage.Query{"clientId": clientID, "url": url}
	if err := r.store.Delete(ctx, collectionLinks, q); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

// get returns at most one registration matching the query, or nil.
func (r *Registry) get(ctx context.Context, q storage.Query) (*Registration, error) {
	docs, err := r.store.Get(ctx, collectionRegistrations, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read registration: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return fromDocument(docs[0])
}

// newClientID draws a random client id, retrying on collision with an
// existing registration of the same role.
func (r *Registry) newClientID(ctx context.Context, role Role) (string, error) {
	for {
		clientID := uuid.NewString()
		existing, err := r.get(ctx, storage.Query{"role": string(role), "clientId": clientID})
		if err != nil {
			return "", err
		}
		if existing == nil {
			return clientID, nil
		}
	}
}

// newDeploymentID draws a random deployment id, retrying on collision.
// Deployment ids are unique across all registrations regardless of role.
func (r *Registry) newDeploymentID(ctx context.Context) (string, error) {
	for {
		deploymentID := uuid.NewString()
		inUse, err := r.deploymentIDInUse(ctx, deploymentID)
		if err != nil {
			return "", err
		}
		if !inUse {
			return deploymentID, nil
		}
	}
}

func (r *Registry) deploymentIDInUse(ctx context.Context, deploymentID string) (bool, error) {
	docs, err := r.store.Get(ctx, collectionRegistrations, storage.Query{"deploymentId": deploymentID})
	if err != nil {
		return false, fmt.Errorf("failed to check deployment id uniqueness: %w", err)
	}
	return len(docs) > 0, nil
}

func validateDescriptor(desc Descriptor) error {
	missing := func(field string) error {
		return lterrors.Newf(lterrors.ErrMissingRegistrationParameters,
			"registration is missing the %s parameter", field)
	}

	if !desc.Role.Valid() {
		return missing("role")
	}
	if desc.Issuer == "" {
		return missing("issuer")
	}
	if desc.Name == "" {
		return missing("name")
	}
	if desc.AuthorizationEndpoint == "" {
		return missing("authorizationEndpoint")
	}
	if desc.AccessTokenEndpoint == "" {
		return missing("accessTokenEndpoint")
	}
	if !desc.AuthConfig.Method.Valid() {
		return lterrors.New(lterrors.ErrMissingRegistrationParameters,
			"authentication method is not valid")
	}
	if desc.AuthConfig.Key == "" {
		return missing("authConfig.key")
	}
	return nil
}

// toDocument converts a typed record to its stored representation through a
// JSON round-trip.
func toDocument(v any) (storage.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return doc, nil
}

func fromDocument(doc storage.Document) (*Registration, error) {
	var reg Registration
	if err := fromDocumentInto(doc, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func fromDocumentInto(doc storage.Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}
