// Package joinwait implements the handler for the reserved join.wait
// topic: the fan-in synchronization point that turns a terminal join into
// continuation messages.
package joinwait

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/dispatch"
	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

// JoinStore is the slice of the join store the handler needs.
type JoinStore interface {
	Get(ctx context.Context, joinID msg.JoinID) (*msg.Join, error)
	UpdateStatus(ctx context.Context, joinID msg.JoinID, status msg.JoinStatus) error
}

// EnqueueFunc enqueues a continuation message on the same outbox the wait
// message came from.
type EnqueueFunc func(ctx context.Context, topic string, payload []byte) error

// Binding pairs the join store and continuation sink of one database.
type Binding struct {
	Joins   JoinStore
	Enqueue EnqueueFunc
}

// Resolver maps a claiming store's identifier to its binding, so one
// handler instance can serve a whole fleet of stores.
type Resolver func(storeID string) (Binding, error)

// Handler services join.wait messages. It is idempotent: a join already
// terminal short-circuits, so reprocessing after a crash is harmless, and
// duplicate continuations are tolerated by contract (consumers are
// idempotent).
type Handler struct {
	resolve Resolver
	log     zerolog.Logger
}

func New(resolve Resolver) *Handler {
	return &Handler{
		resolve: resolve,
		log:     logger.Logger.With().Str("component", "join_wait").Logger(),
	}
}

// NewStatic serves a single store regardless of where the message was
// claimed from.
func NewStatic(joins JoinStore, enqueue EnqueueFunc) *Handler {
	b := Binding{Joins: joins, Enqueue: enqueue}
	return New(func(string) (Binding, error) { return b, nil })
}

func (h *Handler) Topic() string { return msg.TopicJoinWait }

func (h *Handler) Handle(ctx context.Context, m *msg.Message) error {
	p, err := msg.DecodeJoinWait(m.Payload)
	if err != nil {
		return msg.PermanentWrap(err, "undecodable join.wait message")
	}

	b, err := h.resolve(dispatch.StoreID(ctx))
	if err != nil {
		return fmt.Errorf("resolve store %q: %w", dispatch.StoreID(ctx), err)
	}

	join, err := b.Joins.Get(ctx, p.JoinID)
	if errors.Is(err, msg.ErrNotFound) {
		return msg.Permanent("join %s does not exist", p.JoinID)
	}
	if err != nil {
		return err
	}

	if join.Status != msg.JoinPending {
		// Already finalized, possibly by an earlier attempt of this very
		// message. Nothing left to do.
		h.log.Debug().Str("join_id", join.ID.String()).Str("status", string(join.Status)).Msg("join already terminal")
		return nil
	}

	if !join.Terminal() {
		return fmt.Errorf("join %s at %d/%d steps: %w",
			join.ID, join.CompletedSteps+join.FailedSteps, join.ExpectedSteps, msg.ErrJoinNotReady)
	}

	final := msg.JoinCompleted
	if p.FailIfAnyStepFailed && join.FailedSteps > 0 {
		final = msg.JoinFailed
	}

	// Continuation first, status update second. If we crash in between,
	// the retry re-enters with the join still pending-but-terminal and
	// enqueues again; a stranded workflow is worse than a duplicate.
	topic, payload := p.OnCompleteTopic, p.OnCompletePayload
	if final == msg.JoinFailed {
		topic, payload = p.OnFailTopic, p.OnFailPayload
	}
	if topic != "" {
		if payload == nil {
			payload = []byte{}
		}
		if err := b.Enqueue(ctx, topic, payload); err != nil {
			return fmt.Errorf("enqueue continuation %q for join %s: %w", topic, join.ID, err)
		}
	}

	if err := b.Joins.UpdateStatus(ctx, join.ID, final); err != nil {
		return fmt.Errorf("finalize join %s as %s: %w", join.ID, final, err)
	}

	h.log.Info().
		Str("join_id", join.ID.String()).
		Str("status", string(final)).
		Int("completed", join.CompletedSteps).
		Int("failed", join.FailedSteps).
		Msg("join finalized")
	return nil
}
