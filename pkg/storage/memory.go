// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCleanupInterval is how often the in-memory store sweeps expired
// documents. Expired documents also stop matching on lookup immediately, so
// the sweep only bounds memory growth.
const DefaultCleanupInterval = 1 * time.Minute

// timedEntry wraps a document with its lifecycle window.
type timedEntry struct {
	doc       Document
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
}

func (e *timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for development, testing, and single-process deployments.
type MemoryStore struct {
	mu sync.RWMutex

	// collections maps collection name -> entry key -> entry. Unique-indexed
	// documents are keyed by their index fields, everything else by a random id.
	collections map[string]map[string]*timedEntry

	box *cipherBox

	// now is the clock; replaced in tests.
	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// withClock replaces the store clock. Test hook.
func withClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a MemoryStore encrypting at rest with the given
// secret, and starts the background sweep goroutine.
func NewMemoryStore(secret string, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		collections:     make(map[string]map[string]*timedEntry),
		box:             newCipherBox(secret),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background sweep goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired entries. Collects under read lock, deletes
// under write lock to keep the write lock hold time short.
func (s *MemoryStore) cleanupExpired() {
	now := s.now()

	s.mu.RLock()
	expired := make(map[string][]string)
	for name, entries := range s.collections {
		for key, e := range entries {
			if e.expired(now) {
				expired[name] = append(expired[name], key)
			}
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, keys := range expired {
		for _, key := range keys {
			delete(s.collections[name], key)
		}
	}
}

// Get returns every live document matching the query.
func (s *MemoryStore) Get(_ context.Context, collection string, q Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []Document
	for _, e := range s.collections[collection] {
		if e.expired(now) {
			continue
		}
		if matches(e.doc, q) {
			out = append(out, maps.Clone(e.doc))
		}
	}
	return out, nil
}

// GetDecrypted returns matching documents with encrypted bodies opened.
func (s *MemoryStore) GetDecrypted(ctx context.Context, collection string, q Query) ([]Document, error) {
	docs, err := s.Get(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	return openAll(s.box, docs)
}

// Insert stores a new document. With opts.Unique the insert is atomic
// insert-if-absent on the index fields under the store mutex.
func (s *MemoryStore) Insert(_ context.Context, collection string, doc Document, opts *WriteOptions) error {
	stored, key, err := prepare(s.box, doc, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.collections[collection]
	if entries == nil {
		entries = make(map[string]*timedEntry)
		s.collections[collection] = entries
	}

	now := s.now()
	if opts != nil && opts.Unique {
		if existing, ok := entries[key]; ok && !existing.expired(now) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
		}
	}

	entries[key] = s.newEntry(stored, opts, now)
	return nil
}

// TakeOne atomically removes and returns the document keyed by the query's
// index fields. The lookup and the delete happen under the write lock, so of
// concurrent callers exactly one receives the document.
func (s *MemoryStore) TakeOne(_ context.Context, collection string, q Query) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := indexKey(q)
	entries := s.collections[collection]
	e, ok := entries[key]
	if !ok || e.expired(s.now()) || !matches(e.doc, q) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(entries, key)
	return maps.Clone(e.doc), nil
}

// Replace upserts the first document matching the query.
func (s *MemoryStore) Replace(_ context.Context, collection string, q Query, doc Document, opts *WriteOptions) error {
	stored, key, err := prepare(s.box, doc, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.collections[collection]
	if entries == nil {
		entries = make(map[string]*timedEntry)
		s.collections[collection] = entries
	}

	now := s.now()
	for existingKey, e := range entries {
		if e.expired(now) || !matches(e.doc, q) {
			continue
		}
		delete(entries, existingKey)
		entries[key] = s.newEntry(stored, opts, now)
		return nil
	}

	entries[key] = s.newEntry(stored, opts, now)
	return nil
}

// Modify merges the patch into every document matching the query.
func (s *MemoryStore) Modify(_ context.Context, collection string, q Query, patch Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range s.collections[collection] {
		if e.expired(now) || !matches(e.doc, q) {
			continue
		}
		for k, v := range patch {
			e.doc[k] = v
		}
	}
	return nil
}

// Delete removes every document matching the query.
func (s *MemoryStore) Delete(_ context.Context, collection string, q Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.collections[collection]
	for key, e := range entries {
		if matches(e.doc, q) {
			delete(entries, key)
		}
	}
	return nil
}

func (s *MemoryStore) newEntry(doc Document, opts *WriteOptions, now time.Time) *timedEntry {
	e := &timedEntry{doc: doc, createdAt: now}
	if opts != nil && opts.TTL > 0 {
		e.expiresAt = now.Add(opts.TTL)
	}
	return e
}

// prepare builds the stored representation of a document: the plaintext
// document itself, or the index fields merged with the encryption envelope.
// It also derives the entry key from the index fields, falling back to a
// random id for unindexed documents.
func prepare(box *cipherBox, doc Document, opts *WriteOptions) (Document, string, error) {
	if opts == nil {
		return maps.Clone(doc), uuid.NewString(), nil
	}
	if (opts.Encrypt || opts.Unique) && len(opts.Index) == 0 {
		return nil, "", fmt.Errorf("write options require index fields")
	}

	stored := maps.Clone(doc)
	if opts.Encrypt {
		envelope, err := box.seal(doc)
		if err != nil {
			return nil, "", err
		}
		stored = maps.Clone(opts.Index)
		for k, v := range envelope {
			stored[k] = v
		}
	}

	key := uuid.NewString()
	if len(opts.Index) > 0 {
		key = indexKey(opts.Index)
	}
	return stored, key, nil
}

// openAll opens any encryption envelopes in the document list.
func openAll(box *cipherBox, docs []Document) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if !isSealed(doc) {
			out = append(out, doc)
			continue
		}
		plain, err := box.open(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
