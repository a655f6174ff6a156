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

// fakeStore is an in-memory Store that records outcomes.
type fakeStore struct {
	mu sync.Mutex

	id       string
	queue    []*msg.Message
	claimErr error

	acked     []msg.WorkItemID
	failed    []msg.WorkItemID
	abandoned []msg.WorkItemID

	failCauses    map[msg.WorkItemID]string
	abandonDelays map[msg.WorkItemID]time.Duration
}

func newFakeStore(id string) *fakeStore {
	return &fakeStore{
		id:            id,
		failCauses:    make(map[msg.WorkItemID]string),
		abandonDelays: make(map[msg.WorkItemID]time.Duration),
	}
}

func (f *fakeStore) push(topic string, payload []byte, retryCount int) *msg.Message {
	m := &msg.Message{
		WorkItemID: msg.NewWorkItemID(),
		MessageID:  msg.NewMessageID(),
		Topic:      topic,
		Payload:    payload,
		RetryCount: retryCount,
	}
	f.mu.Lock()
	f.queue = append(f.queue, m)
	f.mu.Unlock()
	return m
}

func (f *fakeStore) Identifier() string { return f.id }

func (f *fakeStore) Claim(ctx context.Context, owner msg.OwnerToken, lease time.Duration, batch int) ([]*msg.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := batch
	if n > len(f.queue) {
		n = len(f.queue)
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeStore) Ack(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeStore) Abandon(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, lastError string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, ids...)
	for _, id := range ids {
		f.abandonDelays[id] = delay
	}
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, ids...)
	for _, id := range ids {
		f.failCauses[id] = cause
	}
	return nil
}

func registryWith(t *testing.T, handlers ...msg.Handler) *dispatch.Registry {
	t.Helper()
	r := dispatch.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, r.Register(h))
	}
	return r
}

func TestDispatcher_AcksOnSuccess(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("email.send", []byte(`{}`), 0)

	var got *msg.Message
	reg := registryWith(t, msg.HandlerFunc{T: "email.send", F: func(ctx context.Context, m *msg.Message) error {
		got = m
		return nil
	}})

	d := dispatch.NewDispatcher(reg, dispatch.Config{})
	count, err := d.RunOnce(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.acked)
	require.NotNil(t, got)
	assert.Equal(t, m.MessageID, got.MessageID)
}

func TestDispatcher_AbandonsTransientWithBackoff(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("email.send", nil, 2)

	reg := registryWith(t, msg.HandlerFunc{T: "email.send", F: func(context.Context, *msg.Message) error {
		return errors.New("smtp unavailable")
	}})

	d := dispatch.NewDispatcher(reg, dispatch.Config{
		Backoff: func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
	})
	_, err := d.RunOnce(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.abandoned)
	// retry_count=2 means this was attempt 3.
	assert.Equal(t, 3*time.Second, store.abandonDelays[m.WorkItemID])
	assert.Empty(t, store.failed)
}

func TestDispatcher_FailsPermanentImmediately(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("email.send", nil, 0)

	reg := registryWith(t, msg.HandlerFunc{T: "email.send", F: func(context.Context, *msg.Message) error {
		return msg.Permanent("recipient does not exist")
	}})

	d := dispatch.NewDispatcher(reg, dispatch.Config{})
	_, err := d.RunOnce(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.failed)
	assert.Contains(t, store.failCauses[m.WorkItemID], "recipient does not exist")
	assert.Empty(t, store.abandoned)
}

func TestDispatcher_FailsWhenRetriesExhausted(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("email.send", nil, 4)

	reg := registryWith(t, msg.HandlerFunc{T: "email.send", F: func(context.Context, *msg.Message) error {
		return errors.New("still broken")
	}})

	d := dispatch.NewDispatcher(reg, dispatch.Config{MaxAttempts: 5})
	_, err := d.RunOnce(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.failed)
	assert.Contains(t, store.failCauses[m.WorkItemID], "retries exhausted")
}

func TestDispatcher_FailsUnknownTopic(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("no.such.topic", nil, 0)

	d := dispatch.NewDispatcher(registryWith(t), dispatch.Config{})
	_, err := d.RunOnce(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.failed)
	assert.Contains(t, store.failCauses[m.WorkItemID], "no handler registered")
}

func TestDispatcher_PanicIsTransient(t *testing.T) {
	store := newFakeStore("a")
	m := store.push("email.send", nil, 0)

	reg := registryWith(t, msg.HandlerFunc{T: "email.send", F: func(context.Context, *msg.Message) error {
		panic("boom")
	}})

	d := dispatch.NewDispatcher(reg, dispatch.Config{})
	_, err := d.RunOnce(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, []msg.WorkItemID{m.WorkItemID}, store.abandoned)
}

func TestDispatcher_StopsBetweenMessagesOnCancel(t *testing.T) {
	store := newFakeStore("a")
	store.push("email.send", nil, 0)
	store.push("email.send", nil, 0)
	store.push("email.send", nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	handled := 0
	reg := registryWith(t, msg.HandlerFunc{T: "email.send", F: func(context.Context, *msg.Message) error {
		handled++
		cancel()
		return nil
	}})

	d := dispatch.NewDispatcher(reg, dispatch.Config{})
	count, err := d.RunOnce(ctx, store)
	require.NoError(t, err)

	// All three claimed, but only the first processed.
	assert.Equal(t, 3, count)
	assert.Equal(t, 1, handled)
	assert.Len(t, store.acked, 1)
}

func TestDispatcher_ClaimErrorPropagates(t *testing.T) {
	store := newFakeStore("a")
	store.claimErr = errors.New("connection reset")

	d := dispatch.NewDispatcher(registryWith(t), dispatch.Config{})
	_, err := d.RunOnce(context.Background(), store)
	assert.ErrorContains(t, err, "connection reset")
}

func TestDispatcher_HandlerSeesStoreID(t *testing.T) {
	store := newFakeStore("tenant-7")
	store.push("email.send", nil, 0)

	var seen string
	reg := registryWith(t, msg.HandlerFunc{T: "email.send", F: func(ctx context.Context, _ *msg.Message) error {
		seen = dispatch.StoreID(ctx)
		return nil
	}})

	d := dispatch.NewDispatcher(reg, dispatch.Config{})
	_, err := d.RunOnce(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "tenant-7", seen)
}
