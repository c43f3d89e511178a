// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence contract consumed by the LTI
// security core. Documents are schemaless maps grouped into named
// collections; lookups match on field equality. Implementations must provide
// atomic insert-if-absent for unique-indexed documents and atomic take for
// single-use redemption, which the replay guard relies on for nonce and state
// single-use enforcement.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when no document matches a query that requires one.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by Insert when a unique-indexed document
	// with the same index values already exists and has not expired.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrCorrupt is returned when an encrypted document cannot be decrypted,
	// due to a wrong secret or data corruption.
	ErrCorrupt = errors.New("encrypted document is corrupt")
)

// Document is a schemaless record stored in a collection.
type Document = map[string]any

// Query matches documents whose fields equal every query field.
type Query = map[string]any

// WriteOptions controls how a document is written.
type WriteOptions struct {
	// Encrypt stores the document body encrypted at rest. The Index fields
	// are kept in clear alongside the ciphertext so the document stays
	// queryable.
	Encrypt bool

	// Index names the fields used to key the document. Required when Encrypt
	// or Unique is set.
	Index Query

	// Unique makes Insert an atomic insert-if-absent on the Index fields.
	// A conflicting live document causes ErrAlreadyExists.
	Unique bool

	// TTL expires the document after the given duration. Zero means the
	// document does not expire.
	TTL time.Duration
}

// Store is the persistence contract of the LTI security core. All methods are
// safe for concurrent use.
type Store interface {
	// Get returns every document matching the query, in unspecified order.
	// Encrypted documents are returned as stored (index fields plus
	// ciphertext envelope). A query matching nothing returns an empty slice,
	// not an error.
	Get(ctx context.Context, collection string, q Query) ([]Document, error)

	// GetDecrypted behaves like Get but decrypts encrypted documents,
	// returning their plaintext bodies. Decryption failure returns ErrCorrupt.
	GetDecrypted(ctx context.Context, collection string, q Query) ([]Document, error)

	// Insert stores a new document. With opts.Unique it is an atomic
	// insert-if-absent and returns ErrAlreadyExists on conflict.
	Insert(ctx context.Context, collection string, doc Document, opts *WriteOptions) error

	// TakeOne atomically removes and returns the document whose index fields
	// equal the query. Of concurrent callers presenting the same query,
	// exactly one receives the document; the rest get ErrNotFound, as does
	// any caller after expiry.
	TakeOne(ctx context.Context, collection string, q Query) (Document, error)

	// Replace upserts: the first document matching the query is replaced,
	// or the document is inserted if nothing matches.
	Replace(ctx context.Context, collection string, q Query, doc Document, opts *WriteOptions) error

	// Modify merges the patch fields into every document matching the query.
	Modify(ctx context.Context, collection string, q Query, patch Document) error

	// Delete removes every document matching the query. Deleting nothing is
	// not an error.
	Delete(ctx context.Context, collection string, q Query) error

	// Close releases resources held by the store.
	Close() error
}

// envelope field names for encrypted documents.
const (
	fieldIV   = "iv"
	fieldData = "data"
)

// indexKey derives a stable identifier from the index fields of a document.
func indexKey(idx Query) string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		out += fmt.Sprintf("%s=%v;", k, idx[k])
	}
	return out
}

// matches reports whether the document satisfies every query field.
func matches(doc Document, q Query) bool {
	for k, want := range q {
		got, ok := doc[k]
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// valueEqual compares two document values, tolerating the int/float64
// asymmetry introduced by JSON round-trips.
func valueEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, okb := asFloat(b)
		return okb && fa == fb
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// String extracts a string field from a document, returning "" when absent.
func String(doc Document, field string) string {
	s, _ := doc[field].(string)
	return s
}

// Int64 extracts a numeric field from a document, tolerating JSON float64
// representation. Returns 0 when absent or non-numeric.
func Int64(doc Document, field string) int64 {
	f, ok := asFloat(doc[field])
	if !ok {
		return 0
	}
	return int64(f)
}

// Bool extracts a boolean field from a document, returning def when absent.
func Bool(doc Document, field string, def bool) bool {
	b, ok := doc[field].(bool)
	if !ok {
		return def
	}
	return b
}
