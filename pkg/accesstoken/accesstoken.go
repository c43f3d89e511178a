// SPDX-License-Identifier: Apache-2.0

// Package accesstoken obtains OAuth 2.0 access tokens for LTI Advantage
// service calls using the client_credentials grant with a signed JWT client
// assertion. Obtained tokens are cached encrypted, keyed by token endpoint,
// client, and scope set, and reused until shortly before expiry.
package accesstoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/keystore"
	"github.com/Cvmcosta/ltijs-sub000/pkg/logger"
	"github.com/Cvmcosta/ltijs-sub000/pkg/networking"
	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

const (
	collectionTokens = "accesstoken"

	// assertionLifetime bounds the validity of the client assertion JWT.
	assertionLifetime = 60 * time.Second

	// expiryMargin retires cached tokens slightly before the platform does.
	expiryMargin = 30 * time.Second

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Service obtains and caches access tokens.
type Service struct {
	store  storage.Store
	keys   *keystore.KeyStore
	client *http.Client
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient replaces the HTTP client used for token exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		s.client = client
	}
}

// withClock replaces the service clock. Test hook.
func withClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service. A default HTTPS-enforcing client is built when none
// is supplied.
func New(store storage.Store, keys *keystore.KeyStore, opts ...Option) (*Service, error) {
	s := &Service{store: store, keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		client, err := networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		s.client = client
	}
	return s, nil
}

// Obtain returns an access token for the registration covering the given
// scopes, reusing a cached token when one is still live. Scopes are a space
// separated list; their order is not significant for cache hits.
func (s *Service) Obtain(ctx context.Context, reg *registry.Registration, scopes string) (*oauth2.Token, error) {
	scopes = normalizeScopes(scopes)

	// Keyed by the endpoint the assertion is addressed to, so a registration
	// whose token endpoint changes does not keep serving tokens minted for
	// the old one.
	cacheKey := storage.Query{
		"tokenEndpoint": reg.AccessTokenEndpoint,
		"clientId":      reg.ClientID,
		"scopes":        scopes,
	}

	if token := s.cached(ctx, cacheKey); token != nil {
		return token, nil
	}

	token, err := s.exchange(ctx, reg, scopes)
	if err != nil {
		return nil, err
	}

	doc := storage.Document{
		"tokenEndpoint": reg.AccessTokenEndpoint,
		"clientId":      reg.ClientID,
		"scopes":        scopes,
		"accessToken":   token.AccessToken,
		"tokenType":     token.TokenType,
		"expiresAt":     token.Expiry.Unix(),
	}
	err = s.store.Replace(ctx, collectionTokens, cacheKey, doc, &storage.WriteOptions{
		Encrypt: true,
		Index:   cacheKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cache access token: %w", err)
	}

	logger.Debugf("Obtained access token for client %s", reg.ClientID)
	return token, nil
}

// cached returns a live cached token, or nil.
func (s *Service) cached(ctx context.Context, cacheKey storage.Query) *oauth2.Token {
	docs, err := s.store.GetDecrypted(ctx, collectionTokens, cacheKey)
	if err != nil || len(docs) == 0 {
		// A corrupt cache entry is not fatal; a fresh exchange replaces it.
		return nil
	}

	expiry := time.Unix(storage.Int64(docs[0], "expiresAt"), 0)
	if s.now().After(expiry.Add(-expiryMargin)) {
		return nil
	}

	return &oauth2.Token{
		AccessToken: storage.String(docs[0], "accessToken"),
		TokenType:   storage.String(docs[0], "tokenType"),
		Expiry:      expiry,
	}
}

// exchange performs the client_credentials grant against the platform's
// token endpoint.
func (s *Service) exchange(ctx context.Context, reg *registry.Registration, scopes string) (*oauth2.Token, error) {
	assertion, err := s.buildAssertion(ctx, reg)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
		"scope":                 {scopes},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		reg.AccessTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, lterrors.Wrap(lterrors.ErrUpstreamTimeout,
				"token endpoint did not respond in time", err)
		}
		return nil, lterrors.Wrap(lterrors.ErrAccessTokenExchangeFailed,
			"token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, lterrors.Wrap(lterrors.ErrAccessTokenExchangeFailed,
			"failed to read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, lterrors.Newf(lterrors.ErrAccessTokenExchangeFailed,
			"token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, lterrors.Wrap(lterrors.ErrAccessTokenExchangeFailed,
			"token response cannot be decoded", err)
	}
	if payload.AccessToken == "" {
		return nil, lterrors.New(lterrors.ErrAccessTokenExchangeFailed,
			"token response carries no access token")
	}

	return &oauth2.Token{
		AccessToken: payload.AccessToken,
		TokenType:   payload.TokenType,
		Expiry:      s.now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// buildAssertion signs the JWT client assertion with the registration's
// private key.
func (s *Service) buildAssertion(ctx context.Context, reg *registry.Registration) (string, error) {
	privatePEM, err := s.keys.PrivateKey(ctx, reg.Kid)
	if err != nil {
		return "", err
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	if err != nil {
		return "", lterrors.Wrap(lterrors.ErrKeyStoreCorrupt, "stored private key cannot be parsed", err)
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": reg.ClientID,
		"sub": reg.ClientID,
		"aud": reg.AccessTokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"jti": uuid.NewString(),
	})
	token.Header["kid"] = reg.Kid

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return signed, nil
}

// normalizeScopes sorts the space separated scope list so differently ordered
// requests share a cache entry.
func normalizeScopes(scopes string) string {
	fields := strings.Fields(scopes)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
