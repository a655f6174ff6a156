package msg

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned by Lease.Lost and Lease.Renew once a lease has
// expired or been taken over by another owner.
var ErrLeaseLost = errors.New("lease lost")

// Lease is a named, fenced, time-bounded exclusive lock. The holder drives
// critical sections off Context(): when the lease observably expires the
// context is cancelled and dependent work must stop.
type Lease interface {
	// Resource is the name the lease was acquired under.
	Resource() string

	// FencingToken is a per-resource monotonically increasing sequence.
	// Downstream state stores keyed by it reject stale owners.
	FencingToken() int64

	// Renew extends the lease and bumps the fencing token. It fails if
	// the lease has expired or another owner took over.
	Renew(ctx context.Context) error

	// Context is cancelled once the lease is observed lost or released.
	Context() context.Context

	// Lost returns a non-nil error if the lease is no longer held. Use it
	// as a synchronous guard before irreversible steps.
	Lost() error

	// Release gives the lease up if this holder still owns it. Always
	// safe to call; releasing a lost lease is a no-op.
	Release(ctx context.Context) error
}

// LeaseFactory issues leases on named resources. Acquire returns
// (nil, nil) when the resource is held by another live owner.
type LeaseFactory interface {
	Acquire(ctx context.Context, resource string, d time.Duration) (Lease, error)
}
