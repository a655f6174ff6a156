package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/relay/dispatch"
	"github.com/meridianhq/relay/msg"
)

func noop(topic string) msg.Handler {
	return msg.HandlerFunc{T: topic, F: func(context.Context, *msg.Message) error { return nil }}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := dispatch.NewRegistry()
	require.NoError(t, r.Register(noop("email.send")))
	require.NoError(t, r.Register(noop("report.render")))

	h, ok := r.Resolve("email.send")
	assert.True(t, ok)
	assert.Equal(t, "email.send", h.Topic())

	_, ok = r.Resolve("unknown")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"email.send", "report.render"}, r.Topics())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := dispatch.NewRegistry()
	require.NoError(t, r.Register(noop("email.send")))
	assert.Error(t, r.Register(noop("email.send")))
}

func TestRegistry_RejectsEmptyTopic(t *testing.T) {
	r := dispatch.NewRegistry()
	assert.Error(t, r.Register(noop("")))
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	r := dispatch.NewRegistry()
	r.MustRegister(noop("email.send"))
	assert.Panics(t, func() { r.MustRegister(noop("email.send")) })
}
