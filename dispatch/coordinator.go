package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/internal/metrics"
	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

// Lease resource names. The per-store resources are scoped by the store's
// own lease factory; the global dispatcher uses its own key so it never
// contends with per-store processing.
const (
	ResourceOutbox       = "outbox-processing"
	ResourceInbox        = "inbox-processing"
	ResourceOutboxGlobal = "outbox-processing:global"
)

// CoordinatorConfig wires one multi-store coordinator.
type CoordinatorConfig struct {
	// Resource is the dispatch lease name, usually ResourceOutbox or
	// ResourceInbox.
	Resource string

	// LeaseDuration bounds how long one worker monopolizes a store. It
	// is independent of the claim lease. Default 30s.
	LeaseDuration time.Duration

	// Leases routes store identifiers to lease factories. Nil disables
	// dispatch leasing entirely.
	Leases LeaseRouter
}

// Coordinator iterates the available stores, takes the per-store dispatch
// lease, and delegates to the dispatcher. Its (lastStore, lastCount)
// cursor is owned by this one instance; it must not be shared across
// processes.
type Coordinator struct {
	provider   StoreProvider
	strategy   SelectionStrategy
	dispatcher *Dispatcher
	cfg        CoordinatorConfig
	log        zerolog.Logger

	lastStore string
	lastCount int
}

func NewCoordinator(provider StoreProvider, strategy SelectionStrategy, dispatcher *Dispatcher, cfg CoordinatorConfig) *Coordinator {
	if cfg.Resource == "" {
		cfg.Resource = ResourceOutbox
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	return &Coordinator{
		provider:   provider,
		strategy:   strategy,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.Logger.With().Str("component", "coordinator").Str("resource", cfg.Resource).Logger(),
	}
}

// Tick runs one scheduling round: pick a store, guard it with a lease,
// dispatch one batch, release. Nothing eligible is not an error.
func (c *Coordinator) Tick(ctx context.Context) error {
	stores, err := c.provider.Stores(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	if len(stores) == 0 {
		return nil
	}

	store := c.strategy.SelectNext(stores, c.lastStore, c.lastCount)
	if store == nil {
		return nil
	}

	lease, err := c.acquireLease(ctx, store)
	if err != nil {
		return err
	}
	if c.cfg.Leases != nil && lease == nil {
		if _, routed := c.cfg.Leases[store.Identifier()]; routed {
			// Held elsewhere; try again next tick. Still record the
			// visit so the strategy moves on instead of spinning here.
			c.lastStore, c.lastCount = store.Identifier(), 0
			return nil
		}
	}

	scope := ctx
	if lease != nil {
		var cancel context.CancelFunc
		scope, cancel = context.WithCancel(ctx)
		stop := context.AfterFunc(lease.Context(), cancel)
		defer func() {
			stop()
			cancel()
		}()
	}

	count, dispatchErr := c.dispatcher.RunOnce(scope, store)

	if lease != nil {
		// Release on a context that survives scope cancellation so a
		// lost outer context cannot leak the lease row.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := lease.Release(releaseCtx); err != nil {
			c.log.Warn().Err(err).Str("store", store.Identifier()).Msg("lease release failed")
		}
		cancel()
	}

	c.lastStore, c.lastCount = store.Identifier(), count
	return dispatchErr
}

// acquireLease takes the dispatch lease for store when a factory is
// routed for it. No routed factory means dispatch proceeds unguarded,
// which is only safe for single-worker deployments, hence the warning.
func (c *Coordinator) acquireLease(ctx context.Context, store Store) (msg.Lease, error) {
	if c.cfg.Leases == nil {
		return nil, nil
	}
	factory, ok := c.cfg.Leases[store.Identifier()]
	if !ok {
		c.log.Warn().Str("store", store.Identifier()).Msg("no lease factory registered; dispatching without lease")
		return nil, nil
	}

	lease, err := factory.Acquire(ctx, c.cfg.Resource, c.cfg.LeaseDuration)
	if err != nil {
		metrics.RecordLease(c.cfg.Resource, "error")
		return nil, fmt.Errorf("acquire %s lease for %s: %w", c.cfg.Resource, store.Identifier(), err)
	}
	if lease == nil {
		metrics.RecordLease(c.cfg.Resource, "contended")
		return nil, nil
	}
	metrics.RecordLease(c.cfg.Resource, "acquired")
	return lease, nil
}
