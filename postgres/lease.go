package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

const defaultLeasePoll = 250 * time.Millisecond

// LeaseFactory issues fenced leases backed by the leases table. The
// fencing token is bumped on every acquire and renew and never reset, so
// downstream stores keyed by it reject writes from stale holders.
type LeaseFactory struct {
	pool *pgxpool.Pool
	poll time.Duration
	log  zerolog.Logger
}

func NewLeaseFactory(pool *pgxpool.Pool) *LeaseFactory {
	return &LeaseFactory{
		pool: pool,
		poll: defaultLeasePoll,
		log:  logger.Logger.With().Str("component", "pg_lease").Logger(),
	}
}

// SetPollInterval tunes how often held leases check their own expiry.
func (f *LeaseFactory) SetPollInterval(d time.Duration) {
	if d > 0 {
		f.poll = d
	}
}

const acquireLeaseSQL = `
INSERT INTO leases (resource, owner, expires_at, fencing_token)
VALUES ($1, $2, NOW() + make_interval(secs => $3), 1)
ON CONFLICT (resource) DO UPDATE SET
    owner = EXCLUDED.owner,
    expires_at = EXCLUDED.expires_at,
    fencing_token = leases.fencing_token + 1
WHERE leases.expires_at <= NOW()
   OR leases.owner = EXCLUDED.owner
RETURNING fencing_token
`

// Acquire takes the named lease for d, returning (nil, nil) when another
// live owner holds it. Re-acquiring a lease this process already owns
// extends it and bumps the fencing token.
func (f *LeaseFactory) Acquire(ctx context.Context, resource string, d time.Duration) (msg.Lease, error) {
	if resource == "" {
		return nil, msg.Invalidf("lease resource must not be empty")
	}
	if d <= 0 {
		return nil, msg.Invalidf("lease duration must be positive, got %s", d)
	}

	owner := uuid.New()
	var fencing int64
	err := f.pool.QueryRow(ctx, acquireLeaseSQL, resource, owner, d.Seconds()).Scan(&fencing)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	l := &lease{
		pool:     f.pool,
		resource: resource,
		owner:    owner,
		duration: d,
		fencing:  fencing,
		deadline: time.Now().Add(d),
		log:      f.log.With().Str("resource", resource).Logger(),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	go l.watch(f.poll)
	return l, nil
}

type lease struct {
	pool     *pgxpool.Pool
	resource string
	owner    uuid.UUID
	duration time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	fencing  int64
	deadline time.Time
}

// watch polls the local deadline so Context fires promptly when the lease
// expires without a renewal. The deadline is tracked against the local
// monotonic clock, which is conservative under clock skew.
func (l *lease) watch(poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			expired := time.Now().After(l.deadline)
			l.mu.Unlock()
			if expired {
				l.log.Warn().Msg("lease expired without renewal")
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) Resource() string { return l.resource }

func (l *lease) FencingToken() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fencing
}

const renewLeaseSQL = `
UPDATE leases
SET expires_at = NOW() + make_interval(secs => $3),
    fencing_token = fencing_token + 1
WHERE resource = $1
  AND owner = $2
  AND expires_at > NOW()
RETURNING fencing_token
`

func (l *lease) Renew(ctx context.Context) error {
	if err := l.ctx.Err(); err != nil {
		return msg.ErrLeaseLost
	}

	var fencing int64
	err := l.pool.QueryRow(ctx, renewLeaseSQL, l.resource, l.owner, l.duration.Seconds()).Scan(&fencing)
	if errors.Is(err, pgx.ErrNoRows) {
		l.cancel()
		return msg.ErrLeaseLost
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.fencing = fencing
	l.deadline = time.Now().Add(l.duration)
	l.mu.Unlock()
	return nil
}

func (l *lease) Context() context.Context { return l.ctx }

func (l *lease) Lost() error {
	if l.ctx.Err() != nil {
		return msg.ErrLeaseLost
	}
	l.mu.Lock()
	expired := time.Now().After(l.deadline)
	l.mu.Unlock()
	if expired {
		l.cancel()
		return msg.ErrLeaseLost
	}
	return nil
}

// Release expires the row rather than deleting it. The row is what holds
// the fencing counter; deleting it would let the next acquire start over
// at 1 and hand out a token a stale holder may still beat.
const releaseLeaseSQL = `
UPDATE leases
SET expires_at = NOW()
WHERE resource = $1
  AND owner = $2
`

func (l *lease) Release(ctx context.Context) error {
	defer l.cancel()
	_, err := l.pool.Exec(ctx, releaseLeaseSQL, l.resource, l.owner)
	return err
}
