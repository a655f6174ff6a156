package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/msg"
)

// Outbox is one database's outgoing work queue. Ack and Fail couple the
// row transition to join member marks inside the same transaction, so an
// observer never sees a done row whose join member is still pending.
type Outbox struct {
	pool    *pgxpool.Pool
	id      string
	joins   *Joins
	backoff msg.BackoffFunc
	log     zerolog.Logger
}

func NewOutbox(pool *pgxpool.Pool, identifier string) *Outbox {
	return &Outbox{
		pool:    pool,
		id:      identifier,
		joins:   NewJoins(pool),
		backoff: msg.DefaultBackoff,
		log:     logger.Logger.With().Str("component", "outbox").Str("store", identifier).Logger(),
	}
}

// Joins exposes the join store sharing this outbox's database.
func (o *Outbox) Joins() *Joins { return o.joins }

// SetBackoff overrides the default retry schedule used when Abandon is
// called without an explicit delay. Call before the store is shared.
func (o *Outbox) SetBackoff(f msg.BackoffFunc) {
	if f != nil {
		o.backoff = f
	}
}

func (o *Outbox) Identifier() string { return o.id }

// Pool exposes the underlying pool so callers can open transactions that
// co-commit business writes with EnqueueTx.
func (o *Outbox) Pool() *pgxpool.Pool { return o.pool }

// EnqueueOptions carries the optional enqueue parameters. A nil options
// value means standalone enqueue with defaults.
type EnqueueOptions struct {
	// Tx, when set, makes the insert join the caller's transaction. The
	// store then neither commits nor rolls back.
	Tx pgx.Tx

	CorrelationID string
	DueTimeUTC    *time.Time

	// MessageID pins the logical id, which callers need up front when the
	// message participates in a join. Zero means a fresh id is assigned.
	MessageID msg.MessageID
}

const insertOutboxSQL = `
INSERT INTO outbox (work_item_id, message_id, topic, payload, correlation_id, status, created_at, due_time_utc, next_attempt_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'ready', NOW(), $6, COALESCE($6, NOW()))
`

// Enqueue inserts a ready row and returns its ids. Payload may be empty
// but not nil; topic must be non-empty and at most 255 characters.
func (o *Outbox) Enqueue(ctx context.Context, topic string, payload []byte, opts *EnqueueOptions) (msg.WorkItemID, msg.MessageID, error) {
	if err := validateTopic(topic); err != nil {
		return msg.WorkItemID{}, msg.MessageID{}, err
	}
	if payload == nil {
		return msg.WorkItemID{}, msg.MessageID{}, msg.Invalidf("payload must not be nil")
	}

	if opts == nil {
		opts = &EnqueueOptions{}
	}
	workItemID := msg.NewWorkItemID()
	messageID := opts.MessageID
	if messageID.IsZero() {
		messageID = msg.NewMessageID()
	}

	var q Querier = o.pool
	if opts.Tx != nil {
		q = opts.Tx
	}

	_, err := q.Exec(ctx, insertOutboxSQL,
		workItemID.UUID(), messageID.UUID(), topic, payload,
		strings.TrimSpace(opts.CorrelationID), opts.DueTimeUTC)
	if err != nil {
		return msg.WorkItemID{}, msg.MessageID{}, err
	}
	return workItemID, messageID, nil
}

const claimOutboxSQL = `
WITH eligible AS (
    SELECT work_item_id
    FROM outbox
    WHERE status = 'ready'
      AND (locked_until IS NULL OR locked_until <= NOW())
      AND (due_time_utc IS NULL OR due_time_utc <= NOW())
      AND next_attempt_at <= NOW()
    ORDER BY created_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET status = 'in_progress',
    owner_token = $2,
    locked_until = NOW() + make_interval(secs => $3)
FROM eligible e
WHERE o.work_item_id = e.work_item_id
RETURNING o.work_item_id, o.message_id, o.topic, o.payload, COALESCE(o.correlation_id, ''), o.retry_count, o.created_at
`

// Claim atomically reserves up to batch eligible rows under owner's lease.
// An empty result is nil, nil.
func (o *Outbox) Claim(ctx context.Context, owner msg.OwnerToken, lease time.Duration, batch int) ([]*msg.Message, error) {
	if owner.IsZero() {
		return nil, msg.Invalidf("owner token must not be zero")
	}
	if lease <= 0 {
		return nil, msg.Invalidf("lease must be positive, got %s", lease)
	}
	if batch <= 0 {
		return nil, msg.Invalidf("batch size must be positive, got %d", batch)
	}

	rows, err := o.pool.Query(ctx, claimOutboxSQL, batch, owner.UUID(), lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*msg.Message
	for rows.Next() {
		var (
			m          msg.Message
			workItemID uuid.UUID
			messageID  uuid.UUID
		)
		if err := rows.Scan(&workItemID, &messageID, &m.Topic, &m.Payload, &m.CorrelationID, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.WorkItemID = msg.WorkItemID(workItemID)
		m.MessageID = msg.MessageID(messageID)
		claimed = append(claimed, &m)
	}
	return claimed, rows.Err()
}

const ackOutboxSQL = `
UPDATE outbox
SET status = 'done',
    owner_token = NULL,
    locked_until = NULL,
    processed_at = NOW(),
    processed_by = $1::text
WHERE work_item_id = ANY($2)
  AND status = 'in_progress'
  AND owner_token = $1
RETURNING message_id
`

// Ack transitions matching in-progress rows to done and, in the same
// transaction, marks their join members completed. Rows with a different
// owner or in another state are silently skipped.
func (o *Outbox) Ack(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID) error {
	return o.finish(ctx, owner, ids, false, "")
}

const failOutboxSQL = `
UPDATE outbox
SET status = 'failed',
    owner_token = NULL,
    locked_until = NULL,
    last_error = $3,
    processed_at = NOW(),
    processed_by = $1::text
WHERE work_item_id = ANY($2)
  AND status = 'in_progress'
  AND owner_token = $1
RETURNING message_id
`

// Fail transitions matching rows to failed and marks their join members
// failed in the same transaction. cause must be non-empty.
func (o *Outbox) Fail(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, cause string) error {
	if cause == "" {
		return msg.Invalidf("fail requires a non-empty error")
	}
	return o.finish(ctx, owner, ids, true, cause)
}

func (o *Outbox) finish(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, failed bool, cause string) error {
	if owner.IsZero() {
		return msg.Invalidf("owner token must not be zero")
	}
	if ids == nil {
		return msg.Invalidf("ids must not be nil")
	}
	if len(ids) == 0 {
		return nil
	}

	return withTx(ctx, o.pool, func(tx pgx.Tx) error {
		var (
			rows pgx.Rows
			err  error
		)
		if failed {
			rows, err = tx.Query(ctx, failOutboxSQL, owner.UUID(), workItemUUIDs(ids), cause)
		} else {
			rows, err = tx.Query(ctx, ackOutboxSQL, owner.UUID(), workItemUUIDs(ids))
		}
		if err != nil {
			return err
		}

		var messageIDs []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			messageIDs = append(messageIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range messageIDs {
			if err := markJoinMembersTx(ctx, tx, id, failed); err != nil {
				return err
			}
		}
		return nil
	})
}

const selectAbandonSQL = `
SELECT work_item_id, retry_count
FROM outbox
WHERE work_item_id = ANY($1)
  AND status = 'in_progress'
  AND owner_token = $2
FOR UPDATE
`

const abandonOutboxSQL = `
UPDATE outbox
SET status = 'ready',
    owner_token = NULL,
    locked_until = NULL,
    retry_count = retry_count + 1,
    last_error = COALESCE(NULLIF($2, ''), last_error),
    next_attempt_at = NOW() + make_interval(secs => $3)
WHERE work_item_id = $1
`

// Abandon returns matching rows to ready for another attempt. delay > 0
// pins the retry time; delay == 0 applies the store's backoff to the new
// retry count; delay < 0 is invalid.
func (o *Outbox) Abandon(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, lastError string, delay time.Duration) error {
	if owner.IsZero() {
		return msg.Invalidf("owner token must not be zero")
	}
	if ids == nil {
		return msg.Invalidf("ids must not be nil")
	}
	if delay < 0 {
		return msg.Invalidf("delay must not be negative, got %s", delay)
	}
	if len(ids) == 0 {
		return nil
	}

	return withTx(ctx, o.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectAbandonSQL, workItemUUIDs(ids), owner.UUID())
		if err != nil {
			return err
		}

		type pending struct {
			id         uuid.UUID
			retryCount int
		}
		var matched []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.retryCount); err != nil {
				rows.Close()
				return err
			}
			matched = append(matched, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range matched {
			d := delay
			if d == 0 {
				d = o.backoff(p.retryCount + 1)
			}
			if _, err := tx.Exec(ctx, abandonOutboxSQL, p.id, lastError, d.Seconds()); err != nil {
				return err
			}
		}
		return nil
	})
}

const reapOutboxSQL = `
UPDATE outbox
SET status = 'ready',
    owner_token = NULL,
    locked_until = NULL
WHERE status = 'in_progress'
  AND locked_until <= NOW()
`

// ReapExpired recovers rows whose claim lease ran out, typically because
// a worker crashed. Idempotent; returns the number of recovered rows.
func (o *Outbox) ReapExpired(ctx context.Context) (int64, error) {
	tag, err := o.pool.Exec(ctx, reapOutboxSQL)
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		o.log.Info().Int64("reaped", n).Msg("expired claims recovered")
		return n, nil
	}
	return 0, nil
}

const cleanupOutboxSQL = `
DELETE FROM outbox
WHERE work_item_id IN (
    SELECT work_item_id
    FROM outbox
    WHERE status = 'done'
      AND processed_at < NOW() - make_interval(secs => $1)
    LIMIT $2
)
`

// Cleanup deletes done rows older than retention, in batches so a large
// backlog never holds long locks. Failed rows are kept for inspection.
func (o *Outbox) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, msg.Invalidf("retention must not be negative, got %s", retention)
	}
	var total int64
	for {
		tag, err := o.pool.Exec(ctx, cleanupOutboxSQL, retention.Seconds(), cleanupBatch)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < cleanupBatch {
			return total, nil
		}
	}
}

const requeueOutboxSQL = `
UPDATE outbox
SET status = 'ready',
    retry_count = 0,
    next_attempt_at = NOW()
WHERE work_item_id = $1
  AND status = 'failed'
`

// Requeue puts a failed row back to ready with a fresh retry budget. This
// is the operator-facing dead-letter path; the claim flow never does it.
func (o *Outbox) Requeue(ctx context.Context, id msg.WorkItemID) error {
	tag, err := o.pool.Exec(ctx, requeueOutboxSQL, id.UUID())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return msg.ErrNotFound
	}
	return nil
}

const getOutboxSQL = `
SELECT work_item_id, message_id, topic, payload, COALESCE(correlation_id, ''), status,
       created_at, due_time_utc, next_attempt_at, locked_until, owner_token,
       retry_count, COALESCE(last_error, ''), processed_at, COALESCE(processed_by, '')
FROM outbox
WHERE work_item_id = $1
`

// Get reads one row back in full.
func (o *Outbox) Get(ctx context.Context, id msg.WorkItemID) (*msg.OutboxRecord, error) {
	return scanOutboxRecord(o.pool.QueryRow(ctx, getOutboxSQL, id.UUID()))
}

const listOutboxFailedSQL = `
SELECT work_item_id, message_id, topic, payload, COALESCE(correlation_id, ''), status,
       created_at, due_time_utc, next_attempt_at, locked_until, owner_token,
       retry_count, COALESCE(last_error, ''), processed_at, COALESCE(processed_by, '')
FROM outbox
WHERE status = 'failed'
  AND (created_at, work_item_id) > ($1, $2)
ORDER BY created_at ASC, work_item_id ASC
LIMIT $3
`

// ListFailed pages through the dead letters, keyset style. Pass the last
// record of the previous page to continue; nil starts from the beginning.
func (o *Outbox) ListFailed(ctx context.Context, after *msg.OutboxRecord, limit int) ([]*msg.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	cursorAt := time.Time{}
	cursorID := uuid.Nil
	if after != nil {
		cursorAt = after.CreatedAt
		cursorID = after.WorkItemID.UUID()
	}

	rows, err := o.pool.Query(ctx, listOutboxFailedSQL, cursorAt, cursorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*msg.OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const outboxStatsSQL = `
SELECT status, COUNT(*)
FROM outbox
GROUP BY status
`

// Stats returns row counts by status, for operators.
func (o *Outbox) Stats(ctx context.Context) (map[msg.OutboxStatus]int64, error) {
	rows, err := o.pool.Query(ctx, outboxStatsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[msg.OutboxStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[msg.OutboxStatus(status)] = count
	}
	return stats, rows.Err()
}

func scanOutboxRecord(row pgx.Row) (*msg.OutboxRecord, error) {
	var (
		rec        msg.OutboxRecord
		workItemID uuid.UUID
		messageID  uuid.UUID
		status     string
		owner      *uuid.UUID
	)
	err := row.Scan(&workItemID, &messageID, &rec.Topic, &rec.Payload, &rec.CorrelationID, &status,
		&rec.CreatedAt, &rec.DueTimeUTC, &rec.NextAttemptAt, &rec.LockedUntil, &owner,
		&rec.RetryCount, &rec.LastError, &rec.ProcessedAt, &rec.ProcessedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, msg.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.WorkItemID = msg.WorkItemID(workItemID)
	rec.MessageID = msg.MessageID(messageID)
	rec.Status = msg.OutboxStatus(status)
	if owner != nil {
		t := msg.OwnerToken(*owner)
		rec.OwnerToken = &t
	}
	return &rec, nil
}

func validateTopic(topic string) error {
	if topic == "" {
		return msg.Invalidf("topic must not be empty")
	}
	if len(topic) > msg.MaxTopicLen {
		return msg.Invalidf("topic exceeds %d characters", msg.MaxTopicLen)
	}
	return nil
}

func workItemUUIDs(ids []msg.WorkItemID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[i] = id.UUID()
	}
	return out
}
