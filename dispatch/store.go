// Package dispatch polls stores, claims batches, runs handlers, and
// records outcomes. It coordinates many stores through a selection
// strategy and per-store dispatch leases, so enqueue never blocks on
// dispatch and no two workers drain the same store at once.
package dispatch

import (
	"context"
	"time"

	"github.com/meridianhq/relay/msg"
)

// Store is one database's worth of claimable queue state. Both the
// postgres Outbox and Inbox satisfy it.
type Store interface {
	// Identifier is a stable human-readable name, used for lease
	// routing, logging, and metrics.
	Identifier() string

	Claim(ctx context.Context, owner msg.OwnerToken, lease time.Duration, batch int) ([]*msg.Message, error)
	Ack(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID) error
	Abandon(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, lastError string, delay time.Duration) error
	Fail(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, cause string) error
}

// StoreProvider returns the current store list. Multi-tenant hosts plug
// in their discovery mechanism here; the core only consumes the list.
type StoreProvider interface {
	Stores(ctx context.Context) ([]Store, error)
}

// StaticStores is the trivial provider over a fixed list.
type StaticStores []Store

func (s StaticStores) Stores(ctx context.Context) ([]Store, error) { return s, nil }

// LeaseRouter maps a store identifier to the lease factory guarding it.
// A store without a registered factory is dispatched without a lease.
type LeaseRouter map[string]msg.LeaseFactory
