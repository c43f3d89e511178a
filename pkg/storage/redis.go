// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default connection timeouts for the Redis client.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds the connection settings for a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys written by this store. Defaults to "lti:".
	KeyPrefix string

	// Secret derives the at-rest encryption key for encrypted documents.
	Secret string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on Redis. Unique inserts map to SET NX and TTLs
// to native key expiry, so nonce single-use holds across processes sharing
// the same Redis.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	box       *cipherBox
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.Secret), nil
}

// NewRedisStoreWithClient wraps an existing Redis client. Used by tests with
// miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix, secret string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "lti:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		box:       newCipherBox(secret),
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// docKey is the Redis key of a single document.
func (s *RedisStore) docKey(collection, member string) string {
	return s.keyPrefix + collection + ":" + member
}

// indexSetKey is the Redis set holding the member names of a collection.
func (s *RedisStore) indexSetKey(collection string) string {
	return s.keyPrefix + "idx:" + collection
}

// Get returns every live document in the collection matching the query.
func (s *RedisStore) Get(ctx context.Context, collection string, q Query) ([]Document, error) {
	members, err := s.client.SMembers(ctx, s.indexSetKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}

	var out []Document
	for _, member := range members {
		raw, err := s.client.Get(ctx, s.docKey(collection, member)).Result()
		if errors.Is(err, redis.Nil) {
			// Document expired; drop the stale index entry.
			s.client.SRem(ctx, s.indexSetKey(collection), member)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read document %s: %w", member, err)
		}

		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", member, err)
		}
		if matches(doc, q) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// GetDecrypted behaves like Get with encrypted bodies opened.
func (s *RedisStore) GetDecrypted(ctx context.Context, collection string, q Query) ([]Document, error) {
	docs, err := s.Get(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	return openAll(s.box, docs)
}

// Insert stores a new document. Unique inserts rely on SET NX for atomicity.
func (s *RedisStore) Insert(ctx context.Context, collection string, doc Document, opts *WriteOptions) error {
	stored, member, err := prepare(s.box, doc, opts)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	var ttl time.Duration
	if opts != nil {
		ttl = opts.TTL
	}

	key := s.docKey(collection, member)
	if opts != nil && opts.Unique {
		ok, err := s.client.SetNX(ctx, key, raw, ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, member)
		}
	} else {
		if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}

	if err := s.client.SAdd(ctx, s.indexSetKey(collection), member).Err(); err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	return nil
}

// TakeOne atomically removes and returns the document keyed by the query's
// index fields. GETDEL makes the read and the removal a single Redis command,
// so of concurrent callers exactly one receives the document, across processes
// sharing the same Redis.
func (s *RedisStore) TakeOne(ctx context.Context, collection string, q Query) (Document, error) {
	member := indexKey(q)

	raw, err := s.client.GetDel(ctx, s.docKey(collection, member)).Result()
	if errors.Is(err, redis.Nil) {
		s.client.SRem(ctx, s.indexSetKey(collection), member)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, member)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take document %s: %w", member, err)
	}
	if err := s.client.SRem(ctx, s.indexSetKey(collection), member).Err(); err != nil {
		return nil, fmt.Errorf("failed to unindex document %s: %w", member, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", member, err)
	}
	return doc, nil
}

// Replace upserts the first document matching the query.
func (s *RedisStore) Replace(ctx context.Context, collection string, q Query, doc Document, opts *WriteOptions) error {
	existing, err := s.matchingMembers(ctx, collection, q)
	if err != nil {
		return err
	}
	for _, member := range existing {
		if err := s.removeDoc(ctx, collection, member); err != nil {
			return err
		}
	}

	stored, member, err := prepare(s.box, doc, opts)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	var ttl time.Duration
	if opts != nil {
		ttl = opts.TTL
	}
	if err := s.client.Set(ctx, s.docKey(collection, member), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexSetKey(collection), member).Err(); err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	return nil
}

// Modify merges the patch into every document matching the query, keeping the
// remaining TTL of each document.
func (s *RedisStore) Modify(ctx context.Context, collection string, q Query, patch Document) error {
	members, err := s.matchingMembers(ctx, collection, q)
	if err != nil {
		return err
	}

	for _, member := range members {
		key := s.docKey(collection, member)
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read document %s: %w", member, err)
		}

		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("failed to decode document %s: %w", member, err)
		}
		for k, v := range patch {
			doc[k] = v
		}

		updated, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document: %w", err)
		}
		if err := s.client.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
			return fmt.Errorf("failed to update document %s: %w", member, err)
		}
	}
	return nil
}

// Delete removes every document matching the query.
func (s *RedisStore) Delete(ctx context.Context, collection string, q Query) error {
	members, err := s.matchingMembers(ctx, collection, q)
	if err != nil {
		return err
	}
	for _, member := range members {
		if err := s.removeDoc(ctx, collection, member); err != nil {
			return err
		}
	}
	return nil
}

// matchingMembers returns the member names of the live documents matching the
// query.
func (s *RedisStore) matchingMembers(ctx context.Context, collection string, q Query) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.indexSetKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}

	var out []string
	for _, member := range members {
		raw, err := s.client.Get(ctx, s.docKey(collection, member)).Result()
		if errors.Is(err, redis.Nil) {
			s.client.SRem(ctx, s.indexSetKey(collection), member)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read document %s: %w", member, err)
		}

		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", member, err)
		}
		if matches(doc, q) {
			out = append(out, member)
		}
	}
	return out, nil
}

func (s *RedisStore) removeDoc(ctx context.Context, collection, member string) error {
	if err := s.client.Del(ctx, s.docKey(collection, member)).Err(); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", member, err)
	}
	if err := s.client.SRem(ctx, s.indexSetKey(collection), member).Err(); err != nil {
		return fmt.Errorf("failed to unindex document %s: %w", member, err)
	}
	return nil
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
