package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/relay/dispatch"
	"github.com/meridianhq/relay/msg"
)

type fakeLease struct {
	resource string
	token    int64
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	released bool
}

func newFakeLease(resource string, token int64) *fakeLease {
	l := &fakeLease{resource: resource, token: token}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

func (l *fakeLease) Resource() string    { return l.resource }
func (l *fakeLease) FencingToken() int64 { return l.token }

func (l *fakeLease) Renew(context.Context) error {
	if l.ctx.Err() != nil {
		return msg.ErrLeaseLost
	}
	return nil
}

func (l *fakeLease) Context() context.Context { return l.ctx }

func (l *fakeLease) Lost() error {
	if l.ctx.Err() != nil {
		return msg.ErrLeaseLost
	}
	return nil
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	l.cancel()
	return nil
}

func (l *fakeLease) wasReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type fakeFactory struct {
	contended bool
	err       error

	mu     sync.Mutex
	leases []*fakeLease
	next   int64
}

func (f *fakeFactory) Acquire(ctx context.Context, resource string, d time.Duration) (msg.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.contended {
		return nil, nil
	}
	f.next++
	l := newFakeLease(resource, f.next)
	f.leases = append(f.leases, l)
	return l, nil
}

func newCoordinator(t *testing.T, provider dispatch.StoreProvider, leases dispatch.LeaseRouter) *dispatch.Coordinator {
	t.Helper()
	reg := dispatch.NewRegistry()
	reg.MustRegister(msg.HandlerFunc{T: "noop", F: func(context.Context, *msg.Message) error { return nil }})
	d := dispatch.NewDispatcher(reg, dispatch.Config{})
	return dispatch.NewCoordinator(provider, dispatch.NewRoundRobin(), d, dispatch.CoordinatorConfig{
		Resource: dispatch.ResourceOutbox,
		Leases:   leases,
	})
}

func TestCoordinator_DispatchesUnderLease(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("noop", nil, 0)
	factory := &fakeFactory{}

	coord := newCoordinator(t, dispatch.StaticStores{store}, dispatch.LeaseRouter{"a": factory})
	require.NoError(t, coord.Tick(context.Background()))

	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.acked)
	require.Len(t, factory.leases, 1)
	assert.True(t, factory.leases[0].wasReleased())
}

func TestCoordinator_SkipsContendedStore(t *testing.T) {
	store := newFakeStore("a")
	store.push("noop", nil, 0)

	coord := newCoordinator(t, dispatch.StaticStores{store}, dispatch.LeaseRouter{"a": &fakeFactory{contended: true}})
	require.NoError(t, coord.Tick(context.Background()))

	assert.Empty(t, store.acked)
	f := store
	f.mu.Lock()
	remaining := len(f.queue)
	f.mu.Unlock()
	assert.Equal(t, 1, remaining)
}

func TestCoordinator_ContentionAdvancesStrategy(t *testing.T) {
	a := newFakeStore("a")
	b := newFakeStore("b")
	wanted := b.push("noop", nil, 0)

	leases := dispatch.LeaseRouter{
		"a": &fakeFactory{contended: true},
		"b": &fakeFactory{},
	}
	coord := newCoordinator(t, dispatch.StaticStores{a, b}, leases)

	require.NoError(t, coord.Tick(context.Background())) // a contended
	require.NoError(t, coord.Tick(context.Background())) // moves to b

	assert.Equal(t, []msg.WorkItemID{wanted.WorkItemID}, b.acked)
}

func TestCoordinator_AcquireErrorSurfaces(t *testing.T) {
	store := newFakeStore("a")
	coord := newCoordinator(t, dispatch.StaticStores{store}, dispatch.LeaseRouter{"a": &fakeFactory{err: errors.New("redis down")}})

	err := coord.Tick(context.Background())
	assert.ErrorContains(t, err, "redis down")
}

func TestCoordinator_NoLeaseRouterDispatchesUnguarded(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("noop", nil, 0)

	coord := newCoordinator(t, dispatch.StaticStores{store}, nil)
	require.NoError(t, coord.Tick(context.Background()))
	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.acked)
}

func TestCoordinator_EmptyStoreListIsNoop(t *testing.T) {
	coord := newCoordinator(t, dispatch.StaticStores{}, nil)
	assert.NoError(t, coord.Tick(context.Background()))
}

func TestGlobalCoordinator_UsesOwnLeaseKey(t *testing.T) {
	store := newFakeStore("global")
	m := store.push("noop", nil, 0)
	factory := &fakeFactory{}

	reg := dispatch.NewRegistry()
	reg.MustRegister(msg.HandlerFunc{T: "noop", F: func(context.Context, *msg.Message) error { return nil }})
	d := dispatch.NewDispatcher(reg, dispatch.Config{})

	coord := dispatch.NewGlobalCoordinator(store, d, factory, time.Second)
	require.NoError(t, coord.Tick(context.Background()))

	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.acked)
	require.Len(t, factory.leases, 1)
	assert.Equal(t, dispatch.ResourceOutboxGlobal, factory.leases[0].Resource())
}
