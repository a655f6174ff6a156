//go:build integration
// +build integration

package redislease_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/relay/msg"
	"github.com/meridianhq/relay/redislease"
)

func redisAddrForTest() string {
	for _, k := range []string{"TEST_REDIS_ADDR", "REDIS_ADDR"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return "127.0.0.1:6379"
}

func setupFactory(t *testing.T) (*redislease.Factory, string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: redisAddrForTest()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: redis not reachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	// Unique resource per test run, no cross-test cleanup needed.
	return redislease.New(client), "outbox-processing:" + uuid.NewString()
}

func TestFactory_MutualExclusion(t *testing.T) {
	factory, resource := setupFactory(t)
	ctx := context.Background()

	held, err := factory.Acquire(ctx, resource, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, held)
	defer held.Release(ctx)

	contender, err := factory.Acquire(ctx, resource, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, contender)
}

func TestLease_FencingMonotonicAcrossHolders(t *testing.T) {
	factory, resource := setupFactory(t)
	ctx := context.Background()

	first, err := factory.Acquire(ctx, resource, 30*time.Second)
	require.NoError(t, err)
	t1 := first.FencingToken()

	require.NoError(t, first.Renew(ctx))
	t2 := first.FencingToken()
	assert.Greater(t, t2, t1)

	require.NoError(t, first.Release(ctx))

	// The fencing sequence survives release, so the next holder's token
	// is strictly higher.
	second, err := factory.Acquire(ctx, resource, 30*time.Second)
	require.NoError(t, err)
	defer second.Release(ctx)
	assert.Greater(t, second.FencingToken(), t2)
}

func TestLease_ExpiryCancelsContext(t *testing.T) {
	factory, resource := setupFactory(t)
	factory.SetPollInterval(20 * time.Millisecond)
	ctx := context.Background()

	short, err := factory.Acquire(ctx, resource, 500*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, short.Lost())

	select {
	case <-short.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled after expiry")
	}
	assert.ErrorIs(t, short.Lost(), msg.ErrLeaseLost)
	assert.ErrorIs(t, short.Renew(ctx), msg.ErrLeaseLost)
}

func TestLease_StolenKeyFailsRenew(t *testing.T) {
	factory, resource := setupFactory(t)
	ctx := context.Background()

	l, err := factory.Acquire(ctx, resource, time.Second)
	require.NoError(t, err)

	// Simulate another process taking over after expiry.
	time.Sleep(1100 * time.Millisecond)
	next, err := factory.Acquire(ctx, resource, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, next)
	defer next.Release(ctx)

	assert.ErrorIs(t, l.Renew(ctx), msg.ErrLeaseLost)
}

func TestFactory_Validation(t *testing.T) {
	factory, _ := setupFactory(t)
	ctx := context.Background()

	_, err := factory.Acquire(ctx, "", time.Second)
	assert.ErrorIs(t, err, msg.ErrInvalidArgument)

	_, err = factory.Acquire(ctx, "r", 0)
	assert.ErrorIs(t, err, msg.ErrInvalidArgument)
}
