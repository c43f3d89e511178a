// SPDX-License-Identifier: Apache-2.0

// Package replay enforces single use of nonces and login state values. It
// leans on the storage layer's atomic insert-if-absent so the guarantee holds
// under concurrent presentation of the same value, and on storage TTLs so
// consumed values become acceptable again once their window has passed.
package replay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	lterrors "github.com/Cvmcosta/ltijs-sub000/pkg/errors"
	"github.com/Cvmcosta/ltijs-sub000/pkg/storage"
)

// Default retention windows.
const (
	// DefaultNonceTTL is how long a consumed nonce stays blocked.
	DefaultNonceTTL = 10 * time.Second

	// DefaultStateTTL is how long a pending login state stays redeemable.
	DefaultStateTTL = 10 * time.Minute
)

const (
	collectionReplay = "replay"
	collectionState  = "state"
)

// Guard tracks consumed values per namespace.
type Guard struct {
	store storage.Store
}

// NewGuard creates a Guard backed by the given store.
func NewGuard(store storage.Store) *Guard {
	return &Guard{store: store}
}

// CheckAndConsume records the value as seen. A value already recorded within
// its TTL window causes a REPLAY_DETECTED error; after the window passes the
// value becomes acceptable again.
func (g *Guard) CheckAndConsume(ctx context.Context, namespace, value string, ttl time.Duration) error {
	err := g.store.Insert(ctx, collectionReplay,
		storage.Document{"namespace": namespace, "value": value},
		&storage.WriteOptions{
			Index:  storage.Query{"namespace": namespace, "value": value},
			Unique: true,
			TTL:    ttl,
		})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return lterrors.Newf(lterrors.ErrReplayDetected,
			"%s value was already received", namespace)
	}
	if err != nil {
		return fmt.Errorf("failed to record %s value: %w", namespace, err)
	}
	return nil
}

// StoreStatePayload saves the query parameters carried by a login target so
// they can be restored when the state value returns on the callback leg. The
// state itself doubles as the single-use key.
func (g *Guard) StoreStatePayload(ctx context.Context, state string, payload url.Values, ttl time.Duration) error {
	err := g.store.Insert(ctx, collectionState,
		storage.Document{"state": state, "payload": payload.Encode()},
		&storage.WriteOptions{
			Index:  storage.Query{"state": state},
			Unique: true,
			TTL:    ttl,
		})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return lterrors.New(lterrors.ErrReplayDetected, "state value was already issued")
	}
	if err != nil {
		return fmt.Errorf("failed to store state payload: %w", err)
	}
	return nil
}

// ConsumeStatePayload redeems a state value, returning its stored payload and
// removing it so a second redemption fails. The removal is the store's atomic
// take, so of concurrent redemptions of the same state exactly one succeeds.
// An unknown or expired state causes a REPLAY_DETECTED error.
func (g *Guard) ConsumeStatePayload(ctx context.Context, state string) (url.Values, error) {
	doc, err := g.store.TakeOne(ctx, collectionState, storage.Query{"state": state})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, lterrors.New(lterrors.ErrReplayDetected,
			"state value is unknown, expired, or already redeemed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	payload, err := url.ParseQuery(storage.String(doc, "payload"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode state payload: %w", err)
	}
	return payload, nil
}
