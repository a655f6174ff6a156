// Package redislease is the Redis-backed lease factory: same fencing
// contract as the postgres one, for deployments that prefer to keep
// coordination traffic off the tenant databases. Ownership is a SET NX PX
// key; the fencing token is a separate INCR sequence that outlives
// individual holders.
package redislease

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

const defaultPoll = 250 * time.Millisecond

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return redis.call("INCR", KEYS[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Factory struct {
	client *redis.Client
	prefix string
	poll   time.Duration
	log    zerolog.Logger
}

func New(client *redis.Client) *Factory {
	return &Factory{
		client: client,
		prefix: "relay:lease:",
		poll:   defaultPoll,
		log:    logger.Logger.With().Str("component", "redis_lease").Logger(),
	}
}

// SetPollInterval tunes how often held leases check their own expiry.
func (f *Factory) SetPollInterval(d time.Duration) {
	if d > 0 {
		f.poll = d
	}
}

func (f *Factory) key(resource string) string      { return f.prefix + resource }
func (f *Factory) fenceKey(resource string) string { return f.prefix + resource + ":fence" }

// Acquire takes the named lease for d, returning (nil, nil) when another
// live owner holds it.
func (f *Factory) Acquire(ctx context.Context, resource string, d time.Duration) (msg.Lease, error) {
	if resource == "" {
		return nil, msg.Invalidf("lease resource must not be empty")
	}
	if d <= 0 {
		return nil, msg.Invalidf("lease duration must be positive, got %s", d)
	}

	owner := uuid.NewString()
	ok, err := f.client.SetNX(ctx, f.key(resource), owner, d).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	fencing, err := f.client.Incr(ctx, f.fenceKey(resource)).Result()
	if err != nil {
		// Ownership key is set but unfenced; give it back rather than
		// hand out a lease without a token.
		_, _ = releaseScript.Run(context.WithoutCancel(ctx), f.client,
			[]string{f.key(resource)}, owner).Result()
		return nil, err
	}

	l := &lease{
		factory:  f,
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
	factory  *Factory
	resource string
	owner    string
	duration time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	fencing  int64
	deadline time.Time
}

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

func (l *lease) Renew(ctx context.Context) error {
	if l.ctx.Err() != nil {
		return msg.ErrLeaseLost
	}

	fencing, err := renewScript.Run(ctx, l.factory.client,
		[]string{l.factory.key(l.resource), l.factory.fenceKey(l.resource)},
		l.owner, strconv.FormatInt(l.duration.Milliseconds(), 10)).Int64()
	if err != nil {
		return err
	}
	if fencing == 0 {
		l.cancel()
		return msg.ErrLeaseLost
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

func (l *lease) Release(ctx context.Context) error {
	defer l.cancel()
	_, err := releaseScript.Run(ctx, l.factory.client,
		[]string{l.factory.key(l.resource)}, l.owner).Result()
	return err
}
