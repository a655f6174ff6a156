package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/internal/metrics"
	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

// Config tunes one dispatcher. Zero fields fall back to defaults.
type Config struct {
	// BatchSize caps how many rows one claim reserves. Default 20.
	BatchSize int

	// ClaimLease bounds how long a claimed row stays invisible before the
	// reaper can recover it. Default 30s.
	ClaimLease time.Duration

	// MaxAttempts is the retry budget per message, counting the first
	// attempt. Default 12.
	MaxAttempts int

	// Backoff schedules retries for transient failures. Default
	// msg.DefaultBackoff.
	Backoff msg.BackoffFunc
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	if c.Backoff == nil {
		c.Backoff = msg.DefaultBackoff
	}
	return c
}

// Dispatcher claims batches from a store and drives each message through
// its handler to exactly one outcome: ack, abandon-for-retry, or fail.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	owner    msg.OwnerToken
	log      zerolog.Logger
}

func NewDispatcher(registry *Registry, cfg Config) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cfg:      cfg.withDefaults(),
		owner:    msg.NewOwnerToken(),
		log:      logger.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Owner exposes the worker's claim token, mostly for tests.
func (d *Dispatcher) Owner() msg.OwnerToken { return d.owner }

// RunOnce claims one batch from store and processes it. It returns the
// claimed batch size, which the coordinator feeds into its selection
// strategy. Cancellation stops iteration between messages; rows left
// undecided stay claimed until their lease expires and is reaped.
func (d *Dispatcher) RunOnce(ctx context.Context, store Store) (int, error) {
	claimed, err := store.Claim(ctx, d.owner, d.cfg.ClaimLease, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim from %s: %w", store.Identifier(), err)
	}
	metrics.RecordClaim(store.Identifier(), len(claimed))
	if len(claimed) == 0 {
		return 0, nil
	}

	for _, m := range claimed {
		if ctx.Err() != nil {
			break
		}
		d.dispatchOne(ctx, store, m)
	}
	return len(claimed), nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, store Store, m *msg.Message) {
	ctx = WithStoreID(ctx, store.Identifier())
	log := d.log.With().
		Str("store", store.Identifier()).
		Str("work_item_id", m.WorkItemID.String()).
		Str("topic", m.Topic).
		Logger()

	handler, ok := d.registry.Resolve(m.Topic)
	if !ok {
		// An unknown topic is not transient; retrying cannot fix wiring.
		cause := fmt.Sprintf("no handler registered for topic %q", m.Topic)
		d.record(ctx, store, m, outcomeFailed, func() error {
			return store.Fail(ctx, d.owner, []msg.WorkItemID{m.WorkItemID}, cause)
		}, log)
		log.Error().Msg("no handler for topic; message failed")
		metrics.RecordDispatch(store.Identifier(), outcomeFailed, 0)
		return
	}

	start := time.Now()
	err := d.invoke(ctx, handler, m)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		d.record(ctx, store, m, outcomeAcked, func() error {
			return store.Ack(ctx, d.owner, []msg.WorkItemID{m.WorkItemID})
		}, log)
		metrics.RecordDispatch(store.Identifier(), outcomeAcked, elapsed)
		log.Debug().Dur("took", elapsed).Msg("message acked")

	case msg.IsPermanent(err):
		d.record(ctx, store, m, outcomeFailed, func() error {
			return store.Fail(ctx, d.owner, []msg.WorkItemID{m.WorkItemID}, err.Error())
		}, log)
		metrics.RecordDispatch(store.Identifier(), outcomeFailed, elapsed)
		log.Error().Err(err).Dur("took", elapsed).Msg("permanent failure")

	default:
		attempt := m.RetryCount + 1
		if attempt >= d.cfg.MaxAttempts {
			cause := fmt.Sprintf("retries exhausted after attempt %d: %v", attempt, err)
			d.record(ctx, store, m, outcomeFailed, func() error {
				return store.Fail(ctx, d.owner, []msg.WorkItemID{m.WorkItemID}, cause)
			}, log)
			metrics.RecordDispatch(store.Identifier(), outcomeFailed, elapsed)
			log.Error().Err(err).Int("attempt", attempt).Msg("retries exhausted; message failed")
			return
		}

		delay := d.cfg.Backoff(attempt)
		d.record(ctx, store, m, outcomeAbandoned, func() error {
			return store.Abandon(ctx, d.owner, []msg.WorkItemID{m.WorkItemID}, err.Error(), delay)
		}, log)
		metrics.RecordDispatch(store.Identifier(), outcomeAbandoned, elapsed)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("handler failed; scheduled retry")
	}
}

// invoke runs the handler with panic containment: a panicking handler
// must not take the whole polling loop down, and the message should go
// through the normal transient-retry path.
func (d *Dispatcher) invoke(ctx context.Context, h msg.Handler, m *msg.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, m)
}

// record runs an outcome write. When the dispatch scope is already
// cancelled (lease lost, shutdown) the write typically fails; the row
// then stays in progress and the reaper recovers it, which is the safe
// end state for a possibly-stale owner.
func (d *Dispatcher) record(ctx context.Context, store Store, m *msg.Message, outcome string, write func() error, log zerolog.Logger) {
	if err := write(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Str("outcome", outcome).Msg("outcome not recorded; row left for reap")
			return
		}
		log.Error().Err(err).Str("outcome", outcome).Msg("failed to record outcome")
	}
}

const (
	outcomeAcked     = "acked"
	outcomeAbandoned = "abandoned"
	outcomeFailed    = "failed"
)
