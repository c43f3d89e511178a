// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	store := storage.NewMemoryStore("test-secret")
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return New(store, WithKeyBits(2048))
}

func TestGenerateKeyPairRoundTrip(t *testing.T) {
	t.Parallel()

	ks := newTestKeyStore(t)
	ctx := context.Background()

	kid, err := ks.GenerateKeyPair(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, kid)

	publicPEM, err := ks.PublicKey(ctx, kid)
	require.NoError(t, err)
	privatePEM, err := ks.PrivateKey(ctx, kid)
	require.NoError(t, err)

	// The stored PEMs form a usable signing pair.
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	require.NoError(t, err)
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "test"})
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(_ *jwt.Token) (any, error) {
		return publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}

func TestLookupUnknownKid(t *testing.T) {
	t.Parallel()

	ks := newTestKeyStore(t)
	ctx := context.Background()

	_, err := ks.PublicKey(ctx, "missing")
	assert.True(t, lterrors.IsKind(err, lterrors.ErrKeyNotFound))

	_, err = ks.PrivateKey(ctx, "missing")
	assert.True(t, lterrors.IsKind(err, lterrors.ErrKeyNotFound))
}

func TestPrivateKeyWrongSecret(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore("secret-a")
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	ks := New(store, WithKeyBits(2048))
	ctx := context.Background()

	kid, err := ks.GenerateKeyPair(ctx)
	require.NoError(t, err)

	// Simulate a secret rotation without re-encryption: copy the stored
	// envelope into a store configured with a different secret.
	docs, err := store.Get(ctx, collectionPrivateKeys, storage.Query{fieldKid: kid})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	other := storage.NewMemoryStore("secret-b")
	t.Cleanup(func() {
		require.NoError(t, other.Close())
	})
	require.NoError(t, other.Insert(ctx, collectionPrivateKeys, docs[0], nil))

	_, err = New(other).PrivateKey(ctx, kid)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrKeyStoreCorrupt))
}

// readFailStore fails every decrypted read with the given error.
type readFailStore struct {
	storage.Store
	err error
}

func (s *readFailStore) GetDecrypted(context.Context, string, storage.Query) ([]storage.Document, error) {
	return nil, s.err
}

func TestPrivateKeyStoreUnavailable(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore("test-secret")
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	ks := New(store, WithKeyBits(2048))
	ctx := context.Background()

	kid, err := ks.GenerateKeyPair(ctx)
	require.NoError(t, err)

	// A store I/O failure is not key corruption.
	ioErr := errors.New("connection refused")
	failing := New(&readFailStore{Store: store, err: ioErr})

	_, err = failing.PrivateKey(ctx, kid)
	require.Error(t, err)
	assert.False(t, lterrors.IsKind(err, lterrors.ErrKeyStoreCorrupt))
	assert.ErrorIs(t, err, ioErr)
}

func TestBuildJWKS(t *testing.T) {
	t.Parallel()

	ks := newTestKeyStore(t)
	ctx := context.Background()

	kid1, err := ks.GenerateKeyPair(ctx)
	require.NoError(t, err)
	kid2, err := ks.GenerateKeyPair(ctx)
	require.NoError(t, err)

	set, err := ks.BuildJWKS(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	for _, kid := range []string{kid1, kid2} {
		key, found := set.LookupKeyID(kid)
		require.True(t, found, "kid %s missing from JWKS", kid)

		var use string
		require.NoError(t, key.Get(jwk.KeyUsageKey, &use))
		assert.Equal(t, "sig", use)
	}

	// Building again yields the same kid set.
	again, err := ks.BuildJWKS(ctx)
	require.NoError(t, err)
	assert.Equal(t, set.Len(), again.Len())
	_, found := again.LookupKeyID(kid1)
	assert.True(t, found)
	_, found = again.LookupKeyID(kid2)
	assert.True(t, found)
}

func TestJWKSKeyVerifiesSignatures(t *testing.T) {
	t.Parallel()

	ks := newTestKeyStore(t)
	ctx := context.Background()

	kid, err := ks.GenerateKeyPair(ctx)
	require.NoError(t, err)

	privatePEM, err := ks.PrivateKey(ctx, kid)
	require.NoError(t, err)
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	require.NoError(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "test"}).
		SignedString(privateKey)
	require.NoError(t, err)

	// The key served through the JWKS path verifies what the stored private
	// key signed.
	set, err := ks.BuildJWKS(ctx)
	require.NoError(t, err)
	key, found := set.LookupKeyID(kid)
	require.True(t, found)

	var publicKey rsa.PublicKey
	require.NoError(t, jwk.Export(key, &publicKey))

	parsed, err := jwt.Parse(signed, func(_ *jwt.Token) (any, error) {
		return &publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}

func TestBuildJWKSEmpty(t *testing.T) {
	t.Parallel()

	ks := newTestKeyStore(t)

	set, err := ks.BuildJWKS(context.Background())
	require.NoError(t, err)
	assert.Zero(t, set.Len())

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":[]}`, string(raw))
}

func TestDeleteKeyPair(t *testing.T) {
	t.Parallel()

	ks := newTestKeyStore(t)
	ctx := context.Background()

	kid, err := ks.GenerateKeyPair(ctx)
	require.NoError(t, err)

	require.NoError(t, ks.DeleteKeyPair(ctx, kid))

	_, err = ks.PublicKey(ctx, kid)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrKeyNotFound))
	_, err = ks.PrivateKey(ctx, kid)
	assert.True(t, lterrors.IsKind(err, lterrors.ErrKeyNotFound))

	// Idempotent.
	assert.NoError(t, ks.DeleteKeyPair(ctx, kid))
}
