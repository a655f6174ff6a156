//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/relay/msg"
)

func TestJoins_AckAndFailDriveCounters(t *testing.T) {
	outbox := setupOutbox(t)
	joins := outbox.Joins()
	ctx := context.Background()

	joinID, err := outbox.StartJoin(ctx, "order-17", 2, "")
	require.NoError(t, err)

	okID, okMsg, err := outbox.Enqueue(ctx, "step.one", []byte(`{}`), nil)
	require.NoError(t, err)
	badID, badMsg, err := outbox.Enqueue(ctx, "step.two", []byte(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, outbox.AttachMessageToJoin(ctx, joinID, okMsg))
	require.NoError(t, outbox.AttachMessageToJoin(ctx, joinID, badMsg))

	owner := msg.NewOwnerToken()
	claimed, err := outbox.Claim(ctx, owner, 30*time.Second, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Outbox ack marks the member completed in the same transaction.
	require.NoError(t, outbox.Ack(ctx, owner, []msg.WorkItemID{okID}))
	join, err := joins.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 1, join.CompletedSteps)
	assert.Zero(t, join.FailedSteps)
	assert.False(t, join.Terminal())

	require.NoError(t, outbox.Fail(ctx, owner, []msg.WorkItemID{badID}, "step failed"))
	join, err = joins.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 1, join.CompletedSteps)
	assert.Equal(t, 1, join.FailedSteps)
	assert.True(t, join.Terminal())
	assert.Equal(t, msg.JoinPending, join.Status)

	members, err := joins.Members(ctx, joinID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestJoins_MarkIsIdempotent(t *testing.T) {
	outbox := setupOutbox(t)
	joins := outbox.Joins()
	ctx := context.Background()

	joinID, err := joins.CreateJoin(ctx, "", 1, "")
	require.NoError(t, err)
	messageID := msg.NewMessageID()
	require.NoError(t, joins.AttachMember(ctx, joinID, messageID))

	require.NoError(t, joins.MarkCompleted(ctx, messageID))
	require.NoError(t, joins.MarkCompleted(ctx, messageID))
	// A late failure mark cannot flip a decided member either.
	require.NoError(t, joins.MarkFailed(ctx, messageID))

	join, err := joins.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 1, join.CompletedSteps)
	assert.Zero(t, join.FailedSteps)
}

func TestJoins_AttachValidation(t *testing.T) {
	outbox := setupOutbox(t)
	joins := outbox.Joins()
	ctx := context.Background()

	// Unknown join.
	err := joins.AttachMember(ctx, msg.NewJoinID(), msg.NewMessageID())
	assert.ErrorIs(t, err, msg.ErrNotFound)

	// Duplicate attach is a no-op.
	joinID, err := joins.CreateJoin(ctx, "", 2, "")
	require.NoError(t, err)
	messageID := msg.NewMessageID()
	require.NoError(t, joins.AttachMember(ctx, joinID, messageID))
	require.NoError(t, joins.AttachMember(ctx, joinID, messageID))

	members, err := joins.Members(ctx, joinID)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	_, err = joins.CreateJoin(ctx, "", 0, "")
	assert.ErrorIs(t, err, msg.ErrInvalidArgument)
}

func TestJoins_UpdateStatusIsTerminalOnly(t *testing.T) {
	outbox := setupOutbox(t)
	joins := outbox.Joins()
	ctx := context.Background()

	joinID, err := joins.CreateJoin(ctx, "", 1, "")
	require.NoError(t, err)

	assert.ErrorIs(t, joins.UpdateStatus(ctx, joinID, msg.JoinPending), msg.ErrInvalidArgument)

	require.NoError(t, joins.UpdateStatus(ctx, joinID, msg.JoinCompleted))
	join, err := joins.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, msg.JoinCompleted, join.Status)

	// Terminal is final; a second write is a tolerated no-op.
	require.NoError(t, joins.UpdateStatus(ctx, joinID, msg.JoinCancelled))
	join, err = joins.Get(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, msg.JoinCompleted, join.Status)

	assert.ErrorIs(t, joins.UpdateStatus(ctx, msg.NewJoinID(), msg.JoinCancelled), msg.ErrNotFound)
}

func TestOutbox_EnqueueJoinWait(t *testing.T) {
	outbox := setupOutbox(t)
	ctx := context.Background()

	joinID, err := outbox.StartJoin(ctx, "order-17", 1, `{"kind":"report"}`)
	require.NoError(t, err)

	_, _, err = outbox.EnqueueJoinWait(ctx, joinID, true,
		&msg.Continuation{Topic: "report.render", Payload: []byte(`{}`)},
		&msg.Continuation{Topic: "report.abort", Payload: []byte(`{}`)})
	require.NoError(t, err)

	claimed, err := outbox.Claim(ctx, msg.NewOwnerToken(), 30*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msg.TopicJoinWait, claimed[0].Topic)

	p, err := msg.DecodeJoinWait(claimed[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, joinID, p.JoinID)
	assert.True(t, p.FailIfAnyStepFailed)
	assert.Equal(t, "report.render", p.OnCompleteTopic)

	// Continuation topics are validated up front.
	_, _, err = outbox.EnqueueJoinWait(ctx, joinID, false, &msg.Continuation{Topic: ""}, nil)
	assert.ErrorIs(t, err, msg.ErrInvalidArgument)
}
