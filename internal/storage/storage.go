package storage

import (
	"context"
	"time"

	"bnbwatch/internal/models"
)

// WatchStore is the only shared mutable resource in the engine. All
// components go through atomic per-watch operations; there is no
// engine-wide lock, so multiple scheduler instances can run against the
// same store.
type WatchStore interface {
	Create(ctx context.Context, watch *models.Watch) error
	GetByID(ctx context.Context, id string) (*models.Watch, error)
	Update(ctx context.Context, id string, updateFn func(*models.Watch)) error
	Delete(ctx context.Context, id string) error
	GetAll(ctx context.Context) ([]*models.Watch, error)

	// Due returns up to limit active watches whose nextDueAt has passed and
	// whose expiry has not. Expiry always wins the race against due-ness.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.Watch, error)

	// Expirable returns non-expired watches whose expiresAt has passed.
	Expirable(ctx context.Context, now time.Time) ([]*models.Watch, error)

	// AcquireLease takes the per-watch exclusivity marker and returns an
	// ownership token. An empty token means the lease is already held;
	// callers treat that as a no-op skip, not an error. The lease
	// self-expires after ttl as crash protection.
	AcquireLease(ctx context.Context, id string, ttl time.Duration) (string, error)

	// RenewLease extends the lease iff token still owns it. A false return
	// means ownership was lost: the lease lapsed and someone else holds it
	// now, or it was never taken.
	RenewLease(ctx context.Context, id, token string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes the lease iff token still owns it. Releasing a
	// lease owned by someone else is a silent no-op.
	ReleaseLease(ctx context.Context, id, token string) error
}
