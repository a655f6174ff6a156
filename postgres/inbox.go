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

// Inbox is one database's deduplicated incoming queue. Enqueue is an
// upsert on the natural key (source, message_id): repeated deliveries
// refresh the row instead of duplicating it, and a done row is never
// resurrected by the claim flow.
type Inbox struct {
	pool    *pgxpool.Pool
	id      string
	backoff msg.BackoffFunc
	log     zerolog.Logger
}

func NewInbox(pool *pgxpool.Pool, identifier string) *Inbox {
	return &Inbox{
		pool:    pool,
		id:      identifier,
		backoff: msg.DefaultBackoff,
		log:     logger.Logger.With().Str("component", "inbox").Str("store", identifier).Logger(),
	}
}

// SetBackoff overrides the default retry schedule. Call before sharing.
func (i *Inbox) SetBackoff(f msg.BackoffFunc) {
	if f != nil {
		i.backoff = f
	}
}

func (i *Inbox) Identifier() string { return i.id }

// InboxEnqueueOptions carries the optional inbox enqueue parameters.
type InboxEnqueueOptions struct {
	Tx         pgx.Tx
	Hash       string
	DueTimeUTC *time.Time
}

const upsertInboxSQL = `
INSERT INTO inbox (source, message_id, work_item_id, topic, payload, hash, status, first_seen_utc, last_seen_utc, due_time_utc, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), 'seen', NOW(), NOW(), $7, COALESCE($7, NOW()))
ON CONFLICT (source, message_id) DO UPDATE SET
    last_seen_utc = NOW(),
    topic         = CASE WHEN inbox.status IN ('seen', 'processing') THEN EXCLUDED.topic ELSE inbox.topic END,
    payload       = CASE WHEN inbox.status IN ('seen', 'processing') THEN EXCLUDED.payload ELSE inbox.payload END,
    hash          = CASE WHEN inbox.status IN ('seen', 'processing') THEN EXCLUDED.hash ELSE inbox.hash END,
    due_time_utc  = CASE WHEN inbox.status IN ('seen', 'processing') THEN EXCLUDED.due_time_utc ELSE inbox.due_time_utc END
`

// Enqueue records an incoming message. A second delivery of the same
// (source, messageID) updates last_seen and, while the row is still
// pre-terminal, refreshes topic, payload, hash, and due time. It never
// resurrects a done or dead row.
func (i *Inbox) Enqueue(ctx context.Context, topic, source, messageID string, payload []byte, opts *InboxEnqueueOptions) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if err := validateInboxKey(source, messageID); err != nil {
		return err
	}
	if payload == nil {
		return msg.Invalidf("payload must not be nil")
	}
	if opts == nil {
		opts = &InboxEnqueueOptions{}
	}

	var q Querier = i.pool
	if opts.Tx != nil {
		q = opts.Tx
	}
	_, err := q.Exec(ctx, upsertInboxSQL,
		source, messageID, uuid.New(), topic, payload, opts.Hash, opts.DueTimeUTC)
	return err
}

const alreadyProcessedSQL = `
INSERT INTO inbox (source, message_id, work_item_id, hash, status, first_seen_utc, last_seen_utc)
VALUES ($1, $2, $3, NULLIF($4, ''), 'seen', NOW(), NOW())
ON CONFLICT (source, message_id) DO UPDATE SET
    last_seen_utc = NOW()
RETURNING status, COALESCE(hash, '')
`

// AlreadyProcessed is the pre-flight fence for idempotent webhooks: it
// returns true iff a done row exists for (source, messageID), inserting a
// seen row otherwise. A hash mismatch against the stored row is logged at
// warning level but does not fail the call.
func (i *Inbox) AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error) {
	if err := validateInboxKey(source, messageID); err != nil {
		return false, err
	}

	var (
		status     string
		storedHash string
	)
	err := i.pool.QueryRow(ctx, alreadyProcessedSQL, source, messageID, uuid.New(), hash).
		Scan(&status, &storedHash)
	if err != nil {
		return false, err
	}

	if hash != "" && storedHash != "" && hash != storedHash {
		i.log.Warn().
			Str("source", source).
			Str("message_id", messageID).
			Msg("same message observed with a different content hash")
	}
	return msg.InboxStatus(status) == msg.InboxDone, nil
}

// Rows with an empty topic are placeholders written by the
// AlreadyProcessed fence; they stay unclaimable until a real delivery
// fills them in. Enqueue rejects empty topics, so nothing else writes
// such rows.
const claimInboxSQL = `
WITH eligible AS (
    SELECT work_item_id
    FROM inbox
    WHERE status = 'seen'
      AND topic <> ''
      AND (locked_until IS NULL OR locked_until <= NOW())
      AND (due_time_utc IS NULL OR due_time_utc <= NOW())
      AND next_attempt_at <= NOW()
    ORDER BY last_seen_utc ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE inbox i
SET status = 'processing',
    owner_token = $2,
    locked_until = NOW() + make_interval(secs => $3)
FROM eligible e
WHERE i.work_item_id = e.work_item_id
RETURNING i.work_item_id, i.source, i.message_id, i.topic, i.payload, i.attempts, i.first_seen_utc
`

// Claim reserves up to batch eligible rows under owner's lease.
func (i *Inbox) Claim(ctx context.Context, owner msg.OwnerToken, lease time.Duration, batch int) ([]*msg.Message, error) {
	if owner.IsZero() {
		return nil, msg.Invalidf("owner token must not be zero")
	}
	if lease <= 0 {
		return nil, msg.Invalidf("lease must be positive, got %s", lease)
	}
	if batch <= 0 {
		return nil, msg.Invalidf("batch size must be positive, got %d", batch)
	}

	rows, err := i.pool.Query(ctx, claimInboxSQL, batch, owner.UUID(), lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*msg.Message
	for rows.Next() {
		var (
			m          msg.Message
			workItemID uuid.UUID
		)
		if err := rows.Scan(&workItemID, &m.Source, &m.SourceMessageID, &m.Topic, &m.Payload, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.WorkItemID = msg.WorkItemID(workItemID)
		claimed = append(claimed, &m)
	}
	return claimed, rows.Err()
}

const ackInboxSQL = `
UPDATE inbox
SET status = 'done',
    owner_token = NULL,
    locked_until = NULL,
    processed_utc = NOW()
WHERE work_item_id = ANY($2)
  AND status = 'processing'
  AND owner_token = $1
`

// Ack transitions matching processing rows to done. Owner mismatches and
// missing ids are silently skipped.
func (i *Inbox) Ack(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID) error {
	if owner.IsZero() {
		return msg.Invalidf("owner token must not be zero")
	}
	if ids == nil {
		return msg.Invalidf("ids must not be nil")
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := i.pool.Exec(ctx, ackInboxSQL, owner.UUID(), workItemUUIDs(ids))
	return err
}

const selectInboxAbandonSQL = `
SELECT work_item_id, attempts
FROM inbox
WHERE work_item_id = ANY($1)
  AND status = 'processing'
  AND owner_token = $2
FOR UPDATE
`

const abandonInboxSQL = `
UPDATE inbox
SET status = 'seen',
    owner_token = NULL,
    locked_until = NULL,
    attempts = attempts + 1,
    last_error = COALESCE(NULLIF($2, ''), last_error),
    next_attempt_at = NOW() + make_interval(secs => $3)
WHERE work_item_id = $1
`

// Abandon returns matching rows to seen for another attempt.
func (i *Inbox) Abandon(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, lastError string, delay time.Duration) error {
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

	return withTx(ctx, i.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectInboxAbandonSQL, workItemUUIDs(ids), owner.UUID())
		if err != nil {
			return err
		}

		type pending struct {
			id       uuid.UUID
			attempts int
		}
		var matched []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.attempts); err != nil {
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
				d = i.backoff(p.attempts + 1)
			}
			if _, err := tx.Exec(ctx, abandonInboxSQL, p.id, lastError, d.Seconds()); err != nil {
				return err
			}
		}
		return nil
	})
}

const failInboxSQL = `
UPDATE inbox
SET status = 'dead',
    owner_token = NULL,
    locked_until = NULL,
    last_error = $3,
    processed_utc = NOW()
WHERE work_item_id = ANY($2)
  AND status = 'processing'
  AND owner_token = $1
`

// Fail transitions matching rows to dead. cause must be non-empty.
func (i *Inbox) Fail(ctx context.Context, owner msg.OwnerToken, ids []msg.WorkItemID, cause string) error {
	if owner.IsZero() {
		return msg.Invalidf("owner token must not be zero")
	}
	if ids == nil {
		return msg.Invalidf("ids must not be nil")
	}
	if cause == "" {
		return msg.Invalidf("fail requires a non-empty error")
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := i.pool.Exec(ctx, failInboxSQL, owner.UUID(), workItemUUIDs(ids), cause)
	return err
}

const reapInboxSQL = `
UPDATE inbox
SET status = 'seen',
    owner_token = NULL,
    locked_until = NULL
WHERE status = 'processing'
  AND locked_until <= NOW()
`

// ReapExpired recovers rows whose claim lease ran out.
func (i *Inbox) ReapExpired(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, reapInboxSQL)
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		i.log.Info().Int64("reaped", n).Msg("expired claims recovered")
		return n, nil
	}
	return 0, nil
}

const cleanupInboxSQL = `
DELETE FROM inbox
WHERE (source, message_id) IN (
    SELECT source, message_id
    FROM inbox
    WHERE status = 'done'
      AND processed_utc < NOW() - make_interval(secs => $1)
    LIMIT $2
)
`

// Cleanup deletes done rows older than retention, batched. Dead rows stay
// for inspection and revive.
func (i *Inbox) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, msg.Invalidf("retention must not be negative, got %s", retention)
	}
	var total int64
	for {
		tag, err := i.pool.Exec(ctx, cleanupInboxSQL, retention.Seconds(), cleanupBatch)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < cleanupBatch {
			return total, nil
		}
	}
}

const reviveInboxSQL = `
UPDATE inbox
SET status = 'seen',
    attempts = 0,
    next_attempt_at = NOW(),
    processed_utc = NULL
WHERE source = $1
  AND message_id = $2
  AND status = 'dead'
`

// Revive moves a dead row back to seen with a fresh attempt budget. This
// is the only path out of dead; the claim flow never takes it.
func (i *Inbox) Revive(ctx context.Context, source, messageID string) error {
	if err := validateInboxKey(source, messageID); err != nil {
		return err
	}
	tag, err := i.pool.Exec(ctx, reviveInboxSQL, source, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return msg.ErrNotFound
	}
	return nil
}

const getInboxSQL = `
SELECT work_item_id, source, message_id, topic, payload, COALESCE(hash, ''), status,
       first_seen_utc, last_seen_utc, processed_utc, due_time_utc, next_attempt_at,
       attempts, COALESCE(last_error, ''), locked_until, owner_token
FROM inbox
WHERE source = $1 AND message_id = $2
`

// Get reads one row back in full by its natural key.
func (i *Inbox) Get(ctx context.Context, source, messageID string) (*msg.InboxRecord, error) {
	var (
		rec        msg.InboxRecord
		workItemID uuid.UUID
		status     string
		owner      *uuid.UUID
	)
	err := i.pool.QueryRow(ctx, getInboxSQL, source, messageID).Scan(
		&workItemID, &rec.Source, &rec.SourceMessageID, &rec.Topic, &rec.Payload, &rec.Hash, &status,
		&rec.FirstSeenUTC, &rec.LastSeenUTC, &rec.ProcessedUTC, &rec.DueTimeUTC, &rec.NextAttemptAt,
		&rec.Attempts, &rec.LastError, &rec.LockedUntil, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, msg.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.WorkItemID = msg.WorkItemID(workItemID)
	rec.Status = msg.InboxStatus(status)
	if owner != nil {
		t := msg.OwnerToken(*owner)
		rec.OwnerToken = &t
	}
	return &rec, nil
}

const listInboxDeadSQL = `
SELECT source, message_id, topic, attempts, COALESCE(last_error, ''), last_seen_utc
FROM inbox
WHERE status = 'dead'
  AND (last_seen_utc, message_id) > ($1, $2)
ORDER BY last_seen_utc ASC, message_id ASC
LIMIT $3
`

// DeadLetter is the operator view of one dead inbox row.
type DeadLetter struct {
	Source          string
	SourceMessageID string
	Topic           string
	Attempts        int
	LastError       string
	LastSeenUTC     time.Time
}

// ListDead pages through dead rows, keyset style.
func (i *Inbox) ListDead(ctx context.Context, after *DeadLetter, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	cursorAt := time.Time{}
	cursorID := ""
	if after != nil {
		cursorAt = after.LastSeenUTC
		cursorID = after.SourceMessageID
	}

	rows, err := i.pool.Query(ctx, listInboxDeadSQL, cursorAt, cursorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.Source, &d.SourceMessageID, &d.Topic, &d.Attempts, &d.LastError, &d.LastSeenUTC); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

const inboxStatsSQL = `
SELECT status, COUNT(*)
FROM inbox
GROUP BY status
`

// Stats returns row counts by status.
func (i *Inbox) Stats(ctx context.Context) (map[msg.InboxStatus]int64, error) {
	rows, err := i.pool.Query(ctx, inboxStatsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[msg.InboxStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[msg.InboxStatus(status)] = count
	}
	return stats, rows.Err()
}

func validateInboxKey(source, messageID string) error {
	if strings.TrimSpace(source) == "" {
		return msg.Invalidf("source must not be empty")
	}
	if len(source) > msg.MaxTopicLen {
		return msg.Invalidf("source exceeds %d characters", msg.MaxTopicLen)
	}
	if strings.TrimSpace(messageID) == "" {
		return msg.Invalidf("message id must not be empty")
	}
	if len(messageID) > msg.MaxTopicLen {
		return msg.Invalidf("message id exceeds %d characters", msg.MaxTopicLen)
	}
	return nil
}
