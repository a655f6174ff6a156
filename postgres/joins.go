package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/relay/msg"
)

// Joins tracks fan-in progress: pending/completed/failed step counters
// plus one member row per participating message. Counter updates are
// driven from the outbox's ack/fail transactions, never from handlers.
type Joins struct {
	pool *pgxpool.Pool
}

func NewJoins(pool *pgxpool.Pool) *Joins {
	return &Joins{pool: pool}
}

const createJoinSQL = `
INSERT INTO outbox_joins (join_id, grouping_key, expected_steps, status, metadata, created_utc, last_updated_utc)
VALUES ($1, NULLIF($2, ''), $3, 'pending', NULLIF($4, ''), NOW(), NOW())
`

// CreateJoin opens a join over expectedSteps steps. An empty groupingKey
// is normalized to absent.
func (j *Joins) CreateJoin(ctx context.Context, groupingKey string, expectedSteps int, metadata string) (msg.JoinID, error) {
	groupingKey = strings.TrimSpace(groupingKey)
	if expectedSteps <= 0 {
		return msg.JoinID{}, msg.Invalidf("expected steps must be positive, got %d", expectedSteps)
	}
	if len(groupingKey) > msg.MaxTopicLen {
		return msg.JoinID{}, msg.Invalidf("grouping key exceeds %d characters", msg.MaxTopicLen)
	}

	id := msg.NewJoinID()
	_, err := j.pool.Exec(ctx, createJoinSQL, id.UUID(), groupingKey, expectedSteps, metadata)
	if err != nil {
		return msg.JoinID{}, err
	}
	return id, nil
}

const attachMemberSQL = `
INSERT INTO outbox_join_members (join_id, message_id, created_utc)
VALUES ($1, $2, NOW())
ON CONFLICT (join_id, message_id) DO NOTHING
`

// AttachMember registers messageID as one step of the join. Idempotent;
// does not change any counter. Unknown joins are ErrNotFound.
func (j *Joins) AttachMember(ctx context.Context, joinID msg.JoinID, messageID msg.MessageID) error {
	if joinID.IsZero() {
		return msg.Invalidf("join id must not be zero")
	}
	if messageID.IsZero() {
		return msg.Invalidf("message id must not be zero")
	}

	_, err := j.pool.Exec(ctx, attachMemberSQL, joinID.UUID(), messageID.UUID())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return msg.ErrNotFound
	}
	return err
}

// MarkCompleted marks every still-unset member row for messageID as
// completed and bumps the parent counters, all in one transaction.
func (j *Joins) MarkCompleted(ctx context.Context, messageID msg.MessageID) error {
	return j.mark(ctx, messageID, false)
}

// MarkFailed is the failure-side twin of MarkCompleted.
func (j *Joins) MarkFailed(ctx context.Context, messageID msg.MessageID) error {
	return j.mark(ctx, messageID, true)
}

func (j *Joins) mark(ctx context.Context, messageID msg.MessageID, failed bool) error {
	if messageID.IsZero() {
		return msg.Invalidf("message id must not be zero")
	}
	return withTx(ctx, j.pool, func(tx pgx.Tx) error {
		return markJoinMembersTx(ctx, tx, messageID.UUID(), failed)
	})
}

const markCompletedSQL = `
UPDATE outbox_join_members
SET completed_at = NOW()
WHERE message_id = $1
  AND completed_at IS NULL
  AND failed_at IS NULL
RETURNING join_id
`

const markFailedSQL = `
UPDATE outbox_join_members
SET failed_at = NOW()
WHERE message_id = $1
  AND completed_at IS NULL
  AND failed_at IS NULL
RETURNING join_id
`

const bumpCompletedSQL = `
UPDATE outbox_joins
SET completed_steps = completed_steps + 1,
    last_updated_utc = NOW()
WHERE join_id = $1
  AND completed_steps + failed_steps < expected_steps
`

const bumpFailedSQL = `
UPDATE outbox_joins
SET failed_steps = failed_steps + 1,
    last_updated_utc = NOW()
WHERE join_id = $1
  AND completed_steps + failed_steps < expected_steps
`

// markJoinMembersTx is the coupling point shared by Joins.Mark* and the
// outbox's ack/fail transactions. The "both timestamps null" predicate on
// the member plus the "< expected_steps" guard on the parent give
// at-most-once counter increments even under concurrent duplicate marks.
func markJoinMembersTx(ctx context.Context, tx pgx.Tx, messageID uuid.UUID, failed bool) error {
	markSQL, bumpSQL := markCompletedSQL, bumpCompletedSQL
	if failed {
		markSQL, bumpSQL = markFailedSQL, bumpFailedSQL
	}

	rows, err := tx.Query(ctx, markSQL, messageID)
	if err != nil {
		return err
	}
	var joinIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		joinIDs = append(joinIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range joinIDs {
		if _, err := tx.Exec(ctx, bumpSQL, id); err != nil {
			return err
		}
	}
	return nil
}

const updateJoinStatusSQL = `
UPDATE outbox_joins
SET status = $2,
    last_updated_utc = NOW()
WHERE join_id = $1
  AND status = 'pending'
`

// UpdateStatus writes a terminal status. Pending is the only state it can
// leave; a join already terminal stays as it is.
func (j *Joins) UpdateStatus(ctx context.Context, joinID msg.JoinID, status msg.JoinStatus) error {
	switch status {
	case msg.JoinCompleted, msg.JoinFailed, msg.JoinCancelled:
	default:
		return msg.Invalidf("status %q is not terminal", status)
	}

	tag, err := j.pool.Exec(ctx, updateJoinStatusSQL, joinID.UUID(), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already terminal; distinguish for callers.
		if _, err := j.Get(ctx, joinID); err != nil {
			return err
		}
	}
	return nil
}

const getJoinSQL = `
SELECT join_id, COALESCE(grouping_key, ''), expected_steps, completed_steps, failed_steps,
       status, COALESCE(metadata, ''), created_utc, last_updated_utc
FROM outbox_joins
WHERE join_id = $1
`

func (j *Joins) Get(ctx context.Context, joinID msg.JoinID) (*msg.Join, error) {
	var (
		join   msg.Join
		id     uuid.UUID
		status string
	)
	err := j.pool.QueryRow(ctx, getJoinSQL, joinID.UUID()).Scan(
		&id, &join.GroupingKey, &join.ExpectedSteps, &join.CompletedSteps, &join.FailedSteps,
		&status, &join.Metadata, &join.CreatedUTC, &join.LastUpdatedUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, msg.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	join.ID = msg.JoinID(id)
	join.Status = msg.JoinStatus(status)
	return &join, nil
}

const getMembersSQL = `
SELECT join_id, message_id, completed_at, failed_at, created_utc
FROM outbox_join_members
WHERE join_id = $1
ORDER BY created_utc ASC, message_id ASC
`

// Members lists the member rows of a join, for tests and operators.
func (j *Joins) Members(ctx context.Context, joinID msg.JoinID) ([]*msg.JoinMember, error) {
	rows, err := j.pool.Query(ctx, getMembersSQL, joinID.UUID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*msg.JoinMember
	for rows.Next() {
		var (
			m         msg.JoinMember
			joinID    uuid.UUID
			messageID uuid.UUID
		)
		if err := rows.Scan(&joinID, &messageID, &m.CompletedAt, &m.FailedAt, &m.CreatedUTC); err != nil {
			return nil, err
		}
		m.JoinID = msg.JoinID(joinID)
		m.MessageID = msg.MessageID(messageID)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ---- outbox-level join API ----

// StartJoin creates a join in this outbox's database.
func (o *Outbox) StartJoin(ctx context.Context, groupingKey string, expectedSteps int, metadata string) (msg.JoinID, error) {
	return o.joins.CreateJoin(ctx, groupingKey, expectedSteps, metadata)
}

// AttachMessageToJoin registers an already-enqueued message as a join step.
func (o *Outbox) AttachMessageToJoin(ctx context.Context, joinID msg.JoinID, messageID msg.MessageID) error {
	return o.joins.AttachMember(ctx, joinID, messageID)
}

// EnqueueJoinWait enqueues the reserved join.wait message that fires the
// continuations once the join is terminal. Either continuation may be nil.
func (o *Outbox) EnqueueJoinWait(ctx context.Context, joinID msg.JoinID, failIfAnyStepFailed bool, onComplete, onFail *msg.Continuation) (msg.WorkItemID, msg.MessageID, error) {
	p := msg.JoinWaitPayload{
		JoinID:              joinID,
		FailIfAnyStepFailed: failIfAnyStepFailed,
	}
	if onComplete != nil {
		if err := validateTopic(onComplete.Topic); err != nil {
			return msg.WorkItemID{}, msg.MessageID{}, err
		}
		p.OnCompleteTopic = onComplete.Topic
		p.OnCompletePayload = onComplete.Payload
	}
	if onFail != nil {
		if err := validateTopic(onFail.Topic); err != nil {
			return msg.WorkItemID{}, msg.MessageID{}, err
		}
		p.OnFailTopic = onFail.Topic
		p.OnFailPayload = onFail.Payload
	}

	body, err := msg.EncodeJoinWait(p)
	if err != nil {
		return msg.WorkItemID{}, msg.MessageID{}, err
	}
	return o.Enqueue(ctx, msg.TopicJoinWait, body, nil)
}
