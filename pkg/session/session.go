// SPDX-License-Identifier: Apache-2.0

// Package session issues and validates the continuation tokens that carry an
// authenticated launch across subsequent requests. A token is an HS256 JWT
// bound to a random salt the caller keeps in a cookie; presenting the token
// without the matching salt fails validation.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
)

// DefaultLifetime is how long a continuation token stays valid.
const DefaultLifetime = 24 * time.Hour

// Claims is the launch context carried by a continuation token.
type Claims struct {
	PlatformURL  string
	ClientID     string
	DeploymentID string
	ContextID    string
}

// Service issues and validates continuation tokens.
type Service struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLifetime overrides the token lifetime.
func WithLifetime(d time.Duration) Option {
	return func(s *Service) {
		s.lifetime = d
	}
}

// withClock replaces the service clock. Test hook.
func withClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service signing tokens with the given secret.
func New(secret string, opts ...Option) *Service {
	s := &Service{
		secret:   []byte(secret),
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a continuation token for the launch context and returns the
// token together with the salt the caller must keep in a cookie.
func (s *Service) Issue(c Claims) (token, salt string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate session salt: %w", err)
	}
	salt = hex.EncodeToString(buf)

	now := s.now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"platformUrl":  c.PlatformURL,
		"clientId":     c.ClientID,
		"deploymentId": c.DeploymentID,
		"contextId":    c.ContextID,
		"salt":         salt,
		"iat":          now.Unix(),
		"exp":          now.Add(s.lifetime).Unix(),
	})

	token, err = t.SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, salt, nil
}

// Validate checks a continuation token against the salt from the caller's
// cookie and returns the launch context it carries. A missing cookie, a bad
// signature, or a salt mismatch all report SESSION_NOT_FOUND; only a token
// that verified but aged out reports SESSION_EXPIRED.
func (s *Service) Validate(token, cookieSalt string) (*Claims, error) {
	if cookieSalt == "" {
		return nil, lterrors.New(lterrors.ErrSessionNotFound, "no session cookie present")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.now),
	).ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, lterrors.Wrap(lterrors.ErrSessionExpired, "session token expired", err)
		}
		return nil, lterrors.Wrap(lterrors.ErrSessionNotFound, "session token is not valid", err)
	}

	salt, _ := claims["salt"].(string)
	if salt == "" || salt != cookieSalt {
		return nil, lterrors.New(lterrors.ErrSessionNotFound,
			"session token does not match the session cookie")
	}

	return &Claims{
		PlatformURL:  stringClaim(claims, "platformUrl"),
		ClientID:     stringClaim(claims, "clientId"),
		DeploymentID: stringClaim(claims, "deploymentId"),
		ContextID:    stringClaim(claims, "contextId"),
	}, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
