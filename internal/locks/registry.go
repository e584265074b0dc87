// Package locks is an advisory, time-boxed lock registry over a kvstore.
//
// Locks are not kernel reservations. A lock left behind by an abandoned
// validation expires after the registry TTL instead of starving later
// attempts.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tpn/internal/kvstore"
)

var ErrAllocationExhausted = errors.New("could not allocate free resource identifiers")

var held = []byte("1")

type Registry struct {
	store kvstore.Store
	ttl   time.Duration
}

func NewRegistry(store kvstore.Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl}
}

// Acquire marks name as held unless it already is. It is atomic when the
// store's SetNX is.
func (r *Registry) Acquire(ctx context.Context, name string) (bool, error) {
	ok, err := r.store.SetNX(ctx, key(name), held, r.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s: %w", name, err)
	}
	return ok, nil
}

func (r *Registry) IsLocked(ctx context.Context, name string) (bool, error) {
	_, ok, err := r.store.Get(ctx, key(name))
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	return ok, nil
}

// Mark sets a non-exclusive flag for ttl, overwriting any previous one.
func (r *Registry) Mark(ctx context.Context, name string, ttl time.Duration) error {
	if err := r.store.Set(ctx, key(name), held, ttl); err != nil {
		return fmt.Errorf("failed to mark %s: %w", name, err)
	}
	return nil
}

// Release clears every name, attempting all of them even if one fails.
func (r *Registry) Release(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		if err := r.store.Delete(ctx, key(name)); err != nil {
			errs = append(errs, fmt.Errorf("failed to release %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func key(name string) string {
	return "lock_" + name
}
