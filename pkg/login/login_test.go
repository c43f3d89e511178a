// SPDX-License-Identifier: Apache-2.0

package login

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
	"github.com/Cvmcosta/ltijs-sub000/pkg/replay"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

func newTestInitiator(t *testing.T) *Initiator {
	t.Helper()
	store := storage.NewMemoryStore("test-secret")
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return NewInitiator(replay.NewGuard(store))
}

func testRegistration() *registry.Registration {
	return &registry.Registration{
		Role:                  registry.RolePlatform,
		ClientID:              "client-1",
		DeploymentID:          "deployment-1",
		Issuer:                "https://lms.example.com",
		AuthorizationEndpoint: "https://lms.example.com/auth",
		Active:                true,
	}
}

func TestBeginLoginBuildsAuthenticationRequest(t *testing.T) {
	t.Parallel()

	i := newTestInitiator(t)
	ctx := context.Background()

	req, err := i.BeginLogin(ctx, testRegistration(), Params{
		TargetLinkURI:  "https://tool.example.com/launch?unit=intro&page=2",
		LoginHint:      "user-42",
		LTIMessageHint: "hint-1",
		RedirectURI:    "https://tool.example.com/callback",
	})
	require.NoError(t, err)

	u, err := url.Parse(req.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "lms.example.com", u.Host)
	assert.Equal(t, "/auth", u.Path)

	q := u.Query()
	assert.Equal(t, "id_token", q.Get("response_type"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "https://tool.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "user-42", q.Get("login_hint"))
	assert.Equal(t, "hint-1", q.Get("lti_message_hint"))
	assert.Equal(t, req.State, q.Get("state"))
	assert.Equal(t, req.Nonce, q.Get("nonce"))
	assert.NotEmpty(t, req.State)
	assert.NotEmpty(t, req.Nonce)
	assert.NotEqual(t, req.State, req.Nonce)
}

func TestBeginLoginOmitsEmptyMessageHint(t *testing.T) {
	t.Parallel()

	i := newTestInitiator(t)

	req, err := i.BeginLogin(context.Background(), testRegistration(), Params{
		TargetLinkURI: "https://tool.example.com/launch",
		LoginHint:     "user-42",
		RedirectURI:   "https://tool.example.com/callback",
	})
	require.NoError(t, err)

	u, err := url.Parse(req.RedirectURL)
	require.NoError(t, err)
	assert.False(t, u.Query().Has("lti_message_hint"))
}

func TestBeginLoginInactivePlatform(t *testing.T) {
	t.Parallel()

	i := newTestInitiator(t)
	reg := testRegistration()
	reg.Active = false

	_, err := i.BeginLogin(context.Background(), reg, Params{
		TargetLinkURI: "https://tool.example.com/launch",
		LoginHint:     "user-42",
	})
	assert.True(t, lterrors.IsKind(err, lterrors.ErrPlatformNotActive))
}

func TestBeginLoginMissingParameters(t *testing.T) {
	t.Parallel()

	i := newTestInitiator(t)
	ctx := context.Background()

	_, err := i.BeginLogin(ctx, testRegistration(), Params{LoginHint: "user-42"})
	assert.True(t, lterrors.IsMissingClaim(err, "target_link_uri"))

	_, err = i.BeginLogin(ctx, testRegistration(), Params{TargetLinkURI: "https://tool.example.com/launch"})
	assert.True(t, lterrors.IsMissingClaim(err, "login_hint"))
}

func TestStateRoundTripPreservesTargetQuery(t *testing.T) {
	t.Parallel()

	i := newTestInitiator(t)
	ctx := context.Background()

	req, err := i.BeginLogin(ctx, testRegistration(), Params{
		TargetLinkURI: "https://tool.example.com/launch?unit=intro&page=2",
		LoginHint:     "user-42",
	})
	require.NoError(t, err)

	restored, err := i.RedeemState(ctx, req.State)
	require.NoError(t, err)
	assert.Equal(t, "intro", restored.Get("unit"))
	assert.Equal(t, "2", restored.Get("page"))

	// A state redeems exactly once.
	_, err = i.RedeemState(ctx, req.State)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrReplayDetected))
}

func TestRedeemStateUnknownOrEmpty(t *testing.T) {
	t.Parallel()

	i := newTestInitiator(t)
	ctx := context.Background()

	_, err := i.RedeemState(ctx, "")
	assert.True(t, lterrors.IsKind(err, lterrors.ErrReplayDetected))

	_, err = i.RedeemState(ctx, "never-issued")
	assert.True(t, lterrors.IsKind(err, lterrors.ErrReplayDetected))
}

func TestStatesAreUniquePerLogin(t *testing.T) {
	t.Parallel()

	i := newTestInitiator(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for range 10 {
		req, err := i.BeginLogin(ctx, testRegistration(), Params{
			TargetLinkURI: "https://tool.example.com/launch",
			LoginHint:     "user-42",
		})
		require.NoError(t, err)
		assert.False(t, seen[req.State])
		seen[req.State] = true
	}
}
