// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/keystore"
	"github.com/Cvmcosta/ltijs-sub000/pkg/networking"
	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

const testScopes = "https://purl.imsglobal.org/spec/lti-ags/scope/score " +
	"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"

type tokenEndpoint struct {
	server    *httptest.Server
	exchanges atomic.Int64

	// lastAssertion captures the client_assertion of the latest exchange.
	lastAssertion atomic.Value
}

// newTokenEndpoint serves a minimal client_credentials token endpoint.
func newTokenEndpoint(t *testing.T, expiresIn int64) *tokenEndpoint {
	t.Helper()

	ep := &tokenEndpoint{}
	ep.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, clientAssertionType, r.PostForm.Get("client_assertion_type"))
		require.NotEmpty(t, r.PostForm.Get("client_assertion"))
		ep.lastAssertion.Store(r.PostForm.Get("client_assertion"))

		ep.exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-1",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
			"scope":        r.PostForm.Get("scope"),
		})
	}))
	t.Cleanup(ep.server.Close)
	return ep
}

type testEnv struct {
	service  *Service
	keystore *keystore.KeyStore
	reg      *registry.Registration
	clock    *time.Time
}

func newTestEnv(t *testing.T, endpointURL string) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore("test-secret")
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	ks := keystore.New(store, keystore.WithKeyBits(2048))

	kid, err := ks.GenerateKeyPair(context.Background())
	require.NoError(t, err)

	client, err := networking.NewHttpClientBuilder().WithPlainHTTP(true).Build()
	require.NoError(t, err)

	now := time.Now()
	env := &testEnv{clock: &now, keystore: ks}

	env.service, err = New(store, ks,
		WithHTTPClient(client),
		withClock(func() time.Time { return *env.clock }),
	)
	require.NoError(t, err)

	env.reg = &registry.Registration{
		Role:                registry.RolePlatform,
		ClientID:            "client-1",
		Issuer:              "https://lms.example.com",
		AccessTokenEndpoint: endpointURL,
		Kid:                 kid,
		Active:              true,
	}
	return env
}

func TestObtainExchangesAndCaches(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, 3600)
	env := newTestEnv(t, ep.server.URL)
	ctx := context.Background()

	token, err := env.service.Obtain(ctx, env.reg, testScopes)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.True(t, token.Expiry.After(*env.clock))

	// Same scopes in a different order hit the cache.
	reordered := "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem " +
		"https://purl.imsglobal.org/spec/lti-ags/scope/score"
	again, err := env.service.Obtain(ctx, env.reg, reordered)
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, again.AccessToken)
	assert.Equal(t, int64(1), ep.exchanges.Load())
}

func TestObtainRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, 60)
	env := newTestEnv(t, ep.server.URL)
	ctx := context.Background()

	_, err := env.service.Obtain(ctx, env.reg, testScopes)
	require.NoError(t, err)
	require.Equal(t, int64(1), ep.exchanges.Load())

	// Move past the expiry margin; the cache entry must be retired.
	*env.clock = env.clock.Add(45 * time.Second)

	_, err = env.service.Obtain(ctx, env.reg, testScopes)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ep.exchanges.Load())
}

func TestObtainEndpointChangeRefetches(t *testing.T) {
	t.Parallel()

	ep1 := newTokenEndpoint(t, 3600)
	ep2 := newTokenEndpoint(t, 3600)
	env := newTestEnv(t, ep1.server.URL)
	ctx := context.Background()

	_, err := env.service.Obtain(ctx, env.reg, testScopes)
	require.NoError(t, err)
	require.Equal(t, int64(1), ep1.exchanges.Load())

	// A token minted for the old endpoint must not be served after the
	// registration's token endpoint changes.
	env.reg.AccessTokenEndpoint = ep2.server.URL

	_, err = env.service.Obtain(ctx, env.reg, testScopes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ep1.exchanges.Load())
	assert.Equal(t, int64(1), ep2.exchanges.Load())
}

func TestObtainDistinctScopesExchangeSeparately(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, 3600)
	env := newTestEnv(t, ep.server.URL)
	ctx := context.Background()

	_, err := env.service.Obtain(ctx, env.reg, "scope-a")
	require.NoError(t, err)
	_, err = env.service.Obtain(ctx, env.reg, "scope-b")
	require.NoError(t, err)

	assert.Equal(t, int64(2), ep.exchanges.Load())
}

func TestObtainAssertionShape(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, 3600)
	env := newTestEnv(t, ep.server.URL)
	ctx := context.Background()

	_, err := env.service.Obtain(ctx, env.reg, testScopes)
	require.NoError(t, err)

	// The assertion verifies against the registration's public key and names
	// the client and token endpoint.
	publicPEM, err := env.keystore.PublicKey(ctx, env.reg.Kid)
	require.NoError(t, err)
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
	require.NoError(t, err)

	assertion := ep.lastAssertion.Load().(string)
	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})).
		ParseWithClaims(assertion, claims, func(_ *jwt.Token) (any, error) {
			return publicKey, nil
		})
	require.NoError(t, err)

	assert.Equal(t, env.reg.Kid, parsed.Header["kid"])
	assert.Equal(t, "client-1", claims["iss"])
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, ep.server.URL, claims["aud"])
	assert.NotEmpty(t, claims["jti"])
}

func TestObtainEndpointError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, srv.URL)

	_, err := env.service.Obtain(context.Background(), env.reg, testScopes)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrAccessTokenExchangeFailed))
}

func TestObtainEndpointTimeout(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-blocked
	}))
	t.Cleanup(func() {
		close(blocked)
		srv.Close()
	})

	env := newTestEnv(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := env.service.Obtain(ctx, env.reg, testScopes)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrUpstreamTimeout))
}

func TestObtainMalformedResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, srv.URL)

	_, err := env.service.Obtain(context.Background(), env.reg, testScopes)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrAccessTokenExchangeFailed))
}

func TestObtainUnknownKid(t *testing.T) {
	t.Parallel()

	ep := newTokenEndpoint(t, 3600)
	env := newTestEnv(t, ep.server.URL)
	env.reg.Kid = "missing"

	_, err := env.service.Obtain(context.Background(), env.reg, testScopes)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrKeyNotFound))
	assert.Zero(t, ep.exchanges.Load())
}
