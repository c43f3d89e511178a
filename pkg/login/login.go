// SPDX-License-Identifier: Apache-2.0

// Package login builds the OIDC authentication requests that start an LTI
// third-party initiated login. The generated state value is recorded for
// single use and carries the target link's query parameters across the
// redirect so they can be restored on the callback leg.
package login

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/logger"
	"github.com/Cvmcosta/ltijs-sub000/pkg/registry"
	"github.com/Cvmcosta/ltijs-sub000/pkg/replay"
)

// Params carries the platform-supplied login initiation parameters.
type Params struct {
	// TargetLinkURI is the resource the launch should end up at. Its query
	// string is preserved across the redirect through the state record.
	TargetLinkURI string

	// LoginHint is passed through to the authorization request.
	LoginHint string

	// LTIMessageHint is passed through when the platform supplied one.
	LTIMessageHint string

	// RedirectURI is where the platform should post the id_token.
	RedirectURI string
}

// Request is the authentication request produced by BeginLogin.
type Request struct {
	// RedirectURL is the platform authorization endpoint with the OIDC
	// parameters encoded.
	RedirectURL string

	// State is the single-use value bound to this login.
	State string

	// Nonce is the value the eventual id_token must echo.
	Nonce string
}

// Initiator builds authentication requests.
type Initiator struct {
	guard    *replay.Guard
	stateTTL time.Duration
}

// Option configures an Initiator.
type Option func(*Initiator)

// WithStateTTL overrides how long an issued state stays redeemable.
func WithStateTTL(ttl time.Duration) Option {
	return func(i *Initiator) {
		i.stateTTL = ttl
	}
}

// NewInitiator creates an Initiator recording state through the given guard.
func NewInitiator(guard *replay.Guard, opts ...Option) *Initiator {
	i := &Initiator{guard: guard, stateTTL: replay.DefaultStateTTL}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// BeginLogin validates the login initiation against the registration and
// produces the authentication request to redirect the browser to.
func (i *Initiator) BeginLogin(ctx context.Context, reg *registry.Registration, p Params) (*Request, error) {
	if !reg.Active {
		return nil, lterrors.Newf(lterrors.ErrPlatformNotActive,
			"platform %s is not active", reg.ClientID)
	}
	if p.TargetLinkURI == "" {
		return nil, lterrors.MissingClaim("target_link_uri")
	}
	if p.LoginHint == "" {
		return nil, lterrors.MissingClaim("login_hint")
	}

	state, err := randomValue()
	if err != nil {
		return nil, err
	}
	nonce, err := randomValue()
	if err != nil {
		return nil, err
	}

	target, err := url.Parse(p.TargetLinkURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target link URI: %w", err)
	}

	// Park the target's query parameters under the state so the callback leg
	// can restore them after the form post strips them.
	if err := i.guard.StoreStatePayload(ctx, state, target.Query(), i.stateTTL); err != nil {
		return nil, err
	}

	params := url.Values{
		"response_type": {"id_token"},
		"response_mode": {"form_post"},
		"scope":         {"openid"},
		"prompt":        {"none"},
		"client_id":     {reg.ClientID},
		"redirect_uri":  {p.RedirectURI},
		"login_hint":    {p.LoginHint},
		"nonce":         {nonce},
		"state":         {state},
	}
	if p.LTIMessageHint != "" {
		params.Set("lti_message_hint", p.LTIMessageHint)
	}

	logger.Debugf("Built authentication request for client %s", reg.ClientID)
	return &Request{
		RedirectURL: reg.AuthorizationEndpoint + "?" + params.Encode(),
		State:       state,
		Nonce:       nonce,
	}, nil
}

// RedeemState consumes a state returned on the callback leg and restores the
// query parameters of the original target. A state can be redeemed once.
func (i *Initiator) RedeemState(ctx context.Context, state string) (url.Values, error) {
	if state == "" {
		return nil, lterrors.New(lterrors.ErrReplayDetected, "callback carries no state value")
	}
	return i.guard.ConsumeStatePayload(ctx, state)
}

func randomValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
