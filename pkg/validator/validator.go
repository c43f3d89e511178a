// SPDX-License-Identifier: Apache-2.0

// Package validator verifies inbound LTI id_tokens: registration matching,
// signature verification against the registration's key configuration, the
// OIDC aud/azp and freshness rules, nonce single use, and the LTI launch
// claims.
package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/logger"
	"github.com/Cvmcosta/ltijs-sub000/pkg/networking"
	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
	"github.com/Cvmcosta/ltijs-sub000/pkg/replay"
)

// LTI claim URIs.
const (
	claimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	claimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimCustom        = "https://purl.imsglobal.org/spec/lti/claim/custom"
)

// Supported LTI message types.
const (
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"
)

// ltiVersion is the only accepted version claim value.
const ltiVersion = "1.3.0"

// defaultJWKSTimeout bounds remote key set retrieval.
const defaultJWKSTimeout = 10 * time.Second

// LaunchClaims is the validated view of an LTI launch token.
type LaunchClaims struct {
	Issuer       string
	ClientID     string
	DeploymentID string

	// Kid is the key id the token was verified with, empty for inline keys.
	Kid string

	Sub            string
	MessageType    string
	TargetLinkURI  string
	ResourceLinkID string
	Roles          []string
	ContextID      string
	Custom         map[string]any

	// Raw holds every claim of the verified token.
	Raw jwt.MapClaims
}

// Config configures a Validator.
type Config struct {
	// MaxAge rejects tokens issued longer ago than this. Zero disables the
	// freshness check.
	MaxAge time.Duration

	// NonceTTL is how long consumed nonces stay blocked.
	NonceTTL time.Duration

	// JWKSTimeout bounds remote key set retrieval.
	JWKSTimeout time.Duration

	// HTTPClient fetches remote key sets. A default client enforcing HTTPS
	// is built when nil.
	HTTPClient *http.Client
}

// Validator validates inbound id_tokens.
type Validator struct {
	registry *registry.Registry
	guard    *replay.Guard

	maxAge      time.Duration
	nonceTTL    time.Duration
	jwksTimeout time.Duration

	jwksCache *jwk.Cache

	// Lazy JWKS URL registration
	jwksMu         sync.Mutex
	jwksRegistered map[string]error
}

// New creates a Validator.
func New(ctx context.Context, reg *registry.Registry, guard *replay.Guard, cfg Config) (*Validator, error) {
	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	nonceTTL := cfg.NonceTTL
	if nonceTTL == 0 {
		nonceTTL = replay.DefaultNonceTTL
	}
	jwksTimeout := cfg.JWKSTimeout
	if jwksTimeout == 0 {
		jwksTimeout = defaultJWKSTimeout
	}

	return &Validator{
		registry:       reg,
		guard:          guard,
		maxAge:         cfg.MaxAge,
		nonceTTL:       nonceTTL,
		jwksTimeout:    jwksTimeout,
		jwksCache:      cache,
		jwksRegistered: make(map[string]error),
	}, nil
}

// Validate runs the full validation chain on a raw id_token and returns the
// launch claims. The registration is resolved from the token's issuer and
// audience.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*LaunchClaims, error) {
	header, claims, err := decode(rawToken)
	if err != nil {
		return nil, err
	}

	reg, err := v.resolveRegistration(ctx, claims)
	if err != nil {
		return nil, err
	}

	// Refuse disabled registrations before doing any cryptography.
	if !reg.Active {
		if reg.Role == registry.RoleTool {
			return nil, lterrors.Newf(lterrors.ErrToolNotActive, "tool %s is not active", reg.ClientID)
		}
		return nil, lterrors.Newf(lterrors.ErrPlatformNotActive, "platform %s is not active", reg.ClientID)
	}

	if alg, _ := header["alg"].(string); alg != "RS256" {
		return nil, lterrors.Newf(lterrors.ErrAlgNotRS256, "token algorithm is %q", alg)
	}

	kid, _ := header["kid"].(string)
	key, err := v.resolveKey(ctx, reg, kid)
	if err != nil {
		return nil, err
	}

	verified, err := jwt.Parse(rawToken, func(_ *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, lterrors.Wrap(lterrors.ErrTokenTooOld, "token has expired", err)
		}
		return nil, lterrors.Wrap(lterrors.ErrInvalidSignature, "token signature verification failed", err)
	}
	claims = verified.Claims.(jwt.MapClaims)

	if err := v.validateOIDC(ctx, reg, claims); err != nil {
		return nil, err
	}
	launch, err := validateLaunch(reg, claims)
	if err != nil {
		return nil, err
	}

	launch.Issuer = reg.Issuer
	launch.ClientID = reg.ClientID
	launch.Kid = kid
	launch.Raw = claims

	logger.Debugf("Validated %s launch for client %s", launch.MessageType, reg.ClientID)
	return launch, nil
}

// decode splits the token without verifying it, so the registration and key
// can be resolved from its header and claims.
func decode(rawToken string) (map[string]any, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, claims)
	if err != nil {
		return nil, nil, lterrors.Wrap(lterrors.ErrTokenMalformed, "token cannot be decoded", err)
	}
	return token.Header, claims, nil
}

// resolveRegistration matches the token's issuer and audience against the
// registry. Every audience value is tried in order; the first registered
// pair wins.
func (v *Validator) resolveRegistration(ctx context.Context, claims jwt.MapClaims) (*registry.Registration, error) {
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, lterrors.MissingClaim("iss")
	}
	audience, err := claims.GetAudience()
	if err != nil || len(audience) == 0 {
		return nil, lterrors.MissingClaim("aud")
	}

	for _, aud := range audience {
		reg, err := v.registry.GetByIssuerClient(ctx, issuer, aud)
		if err == nil {
			return reg, nil
		}
		if !lterrors.IsKind(err, lterrors.ErrUnregistered) {
			return nil, err
		}
	}

	// A known issuer whose registrations are all absent from aud means the
	// token was addressed to someone else.
	known, err := v.registry.ListByIssuer(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if len(known) > 0 {
		return nil, lterrors.Newf(lterrors.ErrAudDoesNotMatch,
			"token audience does not include a client registered for issuer %s", issuer)
	}
	return nil, lterrors.Newf(lterrors.ErrUnregistered, "no registration for issuer %s", issuer)
}

// resolveKey obtains the public key to verify the token with, according to
// the registration's authentication configuration.
func (v *Validator) resolveKey(ctx context.Context, reg *registry.Registration, kid string) (any, error) {
	switch reg.AuthConfig.Method {
	case registry.AuthMethodJWKSet:
		return v.resolveJWKSKey(ctx, reg.AuthConfig.Key, kid)

	case registry.AuthMethodJWKKey:
		key, err := jwk.ParseKey([]byte(reg.AuthConfig.Key))
		if err != nil {
			return nil, lterrors.Wrap(lterrors.ErrKeyNotFound, "registration JWK cannot be parsed", err)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, lterrors.Wrap(lterrors.ErrKeyNotFound, "registration JWK cannot be exported", err)
		}
		return raw, nil

	case registry.AuthMethodRSAKey:
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(reg.AuthConfig.Key))
		if err != nil {
			return nil, lterrors.Wrap(lterrors.ErrKeyNotFound, "registration RSA key cannot be parsed", err)
		}
		return key, nil
	}
	return nil, lterrors.Newf(lterrors.ErrAuthConfigNotFound,
		"registration %s has no usable authentication configuration", reg.ClientID)
}

// resolveJWKSKey fetches the remote key set and selects the key matching the
// token's kid.
func (v *Validator) resolveJWKSKey(ctx context.Context, jwksURL, kid string) (any, error) {
	if kid == "" {
		return nil, lterrors.New(lterrors.ErrMissingKid, "token header carries no kid")
	}

	if err := v.ensureJWKSRegistered(ctx, jwksURL); err != nil {
		return nil, err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.jwksTimeout)
	defer cancel()

	set, err := v.jwksCache.Lookup(lookupCtx, jwksURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, lterrors.Wrap(lterrors.ErrUpstreamTimeout, "key set retrieval timed out", err)
		}
		return nil, lterrors.Wrap(lterrors.ErrKeysetNotFound, "key set cannot be retrieved", err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, lterrors.Newf(lterrors.ErrKeyNotFound, "key set has no key with kid %s", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, lterrors.Wrap(lterrors.ErrKeyNotFound, "key cannot be exported", err)
	}
	return raw, nil
}

// ensureJWKSRegistered registers a JWKS URL with the cache once, remembering
// the outcome per URL.
func (v *Validator) ensureJWKSRegistered(ctx context.Context, jwksURL string) error {
	v.jwksMu.Lock()
	defer v.jwksMu.Unlock()

	if err, done := v.jwksRegistered[jwksURL]; done {
		return err
	}

	regCtx, cancel := context.WithTimeout(ctx, v.jwksTimeout)
	defer cancel()

	err := v.jwksCache.Register(regCtx, jwksURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = lterrors.Wrap(lterrors.ErrUpstreamTimeout, "key set registration timed out", err)
		} else {
			err = lterrors.Wrap(lterrors.ErrKeysetNotFound, "key set cannot be registered", err)
		}
	}
	v.jwksRegistered[jwksURL] = err
	return err
}

// validateOIDC checks the aud/azp rules, token freshness, and nonce single
// use on a signature-verified token.
func (v *Validator) validateOIDC(ctx context.Context, reg *registry.Registration, claims jwt.MapClaims) error {
	audience, err := claims.GetAudience()
	if err != nil || len(audience) == 0 {
		return lterrors.MissingClaim("aud")
	}

	found := false
	for _, aud := range audience {
		if aud == reg.ClientID {
			found = true
			break
		}
	}
	if !found {
		return lterrors.Newf(lterrors.ErrAudDoesNotMatch,
			"token audience does not include client %s", reg.ClientID)
	}

	// With multiple audiences the authorized party must name this client.
	if len(audience) > 1 {
		azp, ok := claims["azp"].(string)
		if !ok || azp == "" {
			return lterrors.New(lterrors.ErrMissingAzpClaim,
				"token has multiple audiences but no azp claim")
		}
		if azp != reg.ClientID {
			return lterrors.Newf(lterrors.ErrAzpDoesNotMatch,
				"token azp is %s, expected %s", azp, reg.ClientID)
		}
	}

	if v.maxAge > 0 {
		iat, err := claims.GetIssuedAt()
		if err != nil || iat == nil {
			return lterrors.MissingClaim("iat")
		}
		if time.Since(iat.Time) > v.maxAge {
			return lterrors.Newf(lterrors.ErrTokenTooOld,
				"token was issued more than %s ago", v.maxAge)
		}
	}

	nonce, ok := claims["nonce"].(string)
	if !ok || nonce == "" {
		return lterrors.MissingClaim("nonce")
	}
	if err := v.guard.CheckAndConsume(ctx, "nonce", nonce, v.nonceTTL); err != nil {
		if lterrors.IsKind(err, lterrors.ErrReplayDetected) {
			return lterrors.New(lterrors.ErrNonceAlreadyReceived, "token nonce was already received")
		}
		return err
	}
	return nil
}

// validateLaunch checks the LTI claims and builds the typed launch view.
func validateLaunch(reg *registry.Registration, claims jwt.MapClaims) (*LaunchClaims, error) {
	messageType, ok := claims[claimMessageType].(string)
	if !ok || messageType == "" {
		return nil, lterrors.MissingClaim("message_type")
	}
	if messageType != MessageTypeResourceLink && messageType != MessageTypeDeepLinking {
		return nil, lterrors.Newf(lterrors.ErrInvalidMessageType,
			"message type %q is not supported", messageType)
	}

	version, ok := claims[claimVersion].(string)
	if !ok || version == "" {
		return nil, lterrors.MissingClaim("version")
	}
	if version != ltiVersion {
		return nil, lterrors.Newf(lterrors.ErrInvalidLTIVersion,
			"LTI version %q is not supported", version)
	}

	deploymentID, ok := claims[claimDeploymentID].(string)
	if !ok || deploymentID == "" {
		return nil, lterrors.MissingClaim("deployment_id")
	}
	if deploymentID != reg.DeploymentID {
		return nil, lterrors.Newf(lterrors.ErrDeploymentDoesNotMatch,
			"token deployment id %s does not match the registration", deploymentID)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, lterrors.MissingClaim("sub")
	}

	roles, err := stringSlice(claims[claimRoles])
	if err != nil {
		return nil, lterrors.MissingClaim("roles")
	}

	launch := &LaunchClaims{
		DeploymentID: deploymentID,
		Sub:          sub,
		MessageType:  messageType,
		Roles:        roles,
	}

	if messageType == MessageTypeResourceLink {
		targetLinkURI, ok := claims[claimTargetLinkURI].(string)
		if !ok || targetLinkURI == "" {
			return nil, lterrors.MissingClaim("target_link_uri")
		}
		launch.TargetLinkURI = targetLinkURI

		resourceLink, ok := claims[claimResourceLink].(map[string]any)
		if !ok {
			return nil, lterrors.MissingClaim("resource_link")
		}
		resourceLinkID, ok := resourceLink["id"].(string)
		if !ok || resourceLinkID == "" {
			return nil, lterrors.MissingClaim("resource_link")
		}
		launch.ResourceLinkID = resourceLinkID
	}

	if ltiContext, ok := claims[claimContext].(map[string]any); ok {
		launch.ContextID, _ = ltiContext["id"].(string)
	}
	if custom, ok := claims[claimCustom].(map[string]any); ok {
		launch.Custom = custom
	}
	return launch, nil
}

// stringSlice coerces a JSON array claim into a string slice. An empty array
// is valid; a missing or malformed claim is not.
func stringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("claim is not an array")
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("claim array contains a non-string value")
		}
		out = append(out, s)
	}
	return out, nil
}
