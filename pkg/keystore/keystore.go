// SPDX-License-Identifier: Apache-2.0

// Package keystore manages the RSA keypairs used to sign outbound messages
// and to publish the JWKS document. Private keys are stored encrypted at
// rest; public keys are stored in clear so the JWKS can be assembled without
// touching key material.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/logger"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

const (
	collectionPublicKeys  = "publickeys"
	collectionPrivateKeys = "privatekeys"

	// DefaultKeyBits is the modulus size of generated signing keys.
	DefaultKeyBits = 4096

	fieldKid = "kid"
	fieldKey = "key"
)

// KeyStore manages RSA signing keypairs keyed by kid.
type KeyStore struct {
	store   storage.Store
	keyBits int
}

// Option configures a KeyStore instance.
type Option func(*KeyStore)

// WithKeyBits overrides the generated key size. Smaller keys are useful in
// tests only.
func WithKeyBits(bits int) Option {
	return func(k *KeyStore) {
		k.keyBits = bits
	}
}

// New creates a KeyStore backed by the given store.
func New(store storage.Store, opts ...Option) *KeyStore {
	k := &KeyStore{store: store, keyBits: DefaultKeyBits}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// GenerateKeyPair creates a new RSA keypair, persists both halves, and
// returns the generated kid.
func (k *KeyStore) GenerateKeyPair(ctx context.Context) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, k.keyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kid, err := k.newKid(ctx)
	if err != nil {
		return "", err
	}

	publicPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	privatePEM := encodePrivateKey(key)

	err = k.store.Insert(ctx, collectionPublicKeys,
		storage.Document{fieldKid: kid, fieldKey: publicPEM},
		&storage.WriteOptions{Index: storage.Query{fieldKid: kid}, Unique: true})
	if err != nil {
		return "", fmt.Errorf("failed to store public key: %w", err)
	}

	err = k.store.Insert(ctx, collectionPrivateKeys,
		storage.Document{fieldKid: kid, fieldKey: privatePEM},
		&storage.WriteOptions{Encrypt: true, Index: storage.Query{fieldKid: kid}, Unique: true})
	if err != nil {
		// Do not leave a public key without its private half.
		_ = k.store.Delete(ctx, collectionPublicKeys, storage.Query{fieldKid: kid})
		return "", fmt.Errorf("failed to store private key: %w", err)
	}

	logger.Debugf("Generated RSA keypair with kid %s", kid)
	return kid, nil
}

// newKid draws a random key identifier, retrying on the unlikely collision
// with an existing key.
func (k *KeyStore) newKid(ctx context.Context) (string, error) {
	for {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate kid: %w", err)
		}
		kid := hex.EncodeToString(buf)

		existing, err := k.store.Get(ctx, collectionPublicKeys, storage.Query{fieldKid: kid})
		if err != nil {
			return "", fmt.Errorf("failed to check kid uniqueness: %w", err)
		}
		if len(existing) == 0 {
			return kid, nil
		}
	}
}

// PublicKey returns the PEM encoded public key for the given kid.
func (k *KeyStore) PublicKey(ctx context.Context, kid string) (string, error) {
	docs, err := k.store.Get(ctx, collectionPublicKeys, storage.Query{fieldKid: kid})
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	if len(docs) == 0 {
		return "", lterrors.Newf(lterrors.ErrKeyNotFound, "no public key with kid %s", kid)
	}
	return storage.String(docs[0], fieldKey), nil
}

// PrivateKey returns the PEM encoded private key for the given kid,
// decrypting it from storage.
func (k *KeyStore) PrivateKey(ctx context.Context, kid string) (string, error) {
	docs, err := k.store.GetDecrypted(ctx, collectionPrivateKeys, storage.Query{fieldKid: kid})
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			return "", lterrors.Wrap(lterrors.ErrKeyStoreCorrupt, "failed to decrypt private key", err)
		}
		return "", fmt.Errorf("failed to read private key: %w", err)
	}
	if len(docs) == 0 {
		return "", lterrors.Newf(lterrors.ErrKeyNotFound, "no private key with kid %s", kid)
	}
	return storage.String(docs[0], fieldKey), nil
}

// DeleteKeyPair removes both halves of a keypair. Deleting a missing kid is
// not an error.
func (k *KeyStore) DeleteKeyPair(ctx context.Context, kid string) error {
	if err := k.store.Delete(ctx, collectionPrivateKeys, storage.Query{fieldKid: kid}); err != nil {
		return fmt.Errorf("failed to delete private key: %w", err)
	}
	if err := k.store.Delete(ctx, collectionPublicKeys, storage.Query{fieldKid: kid}); err != nil {
		return fmt.Errorf("failed to delete public key: %w", err)
	}
	return nil
}

// BuildJWKS assembles the public JWKS document from every stored public key.
// An empty key set is valid and serializes to {"keys":[]}.
func (k *KeyStore) BuildJWKS(ctx context.Context) (jwk.Set, error) {
	docs, err := k.store.Get(ctx, collectionPublicKeys, storage.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}

	set := jwk.NewSet()
	for _, doc := range docs {
		kid := storage.String(doc, fieldKid)
		keyPEM := storage.String(doc, fieldKey)

		key, err := jwk.ParseKey([]byte(keyPEM), jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %s: %w", kid, err)
		}
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, fmt.Errorf("failed to set kid on key %s: %w", kid, err)
		}
		if err := key.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
			return nil, fmt.Errorf("failed to set alg on key %s: %w", kid, err)
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, fmt.Errorf("failed to set use on key %s: %w", kid, err)
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add key %s to set: %w", kid, err)
		}
	}
	return set, nil
}

func encodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func encodePrivateKey(key *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(key)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}
