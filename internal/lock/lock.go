// Package lock provides the per-order and per-seller exclusion scopes every
// ledger mutation runs under. Locks are keyed; there is no global lock.
package lock

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by a release whose lease expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Release gives the lock back. It must be called exactly once.
type Release func()

type Locker interface {
	// Acquire blocks until key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Release, error)
}

func OrderKey(orderID uuid.UUID) string {
	return "order:" + orderID.String()
}

func SellerKey(sellerID uuid.UUID) string {
	return "seller:" + sellerID.String()
}
