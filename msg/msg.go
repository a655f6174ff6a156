// Package msg holds the core types of the transactional messaging
// substrate: identifiers, message records, status enums, error kinds, and
// the handler contract. Store implementations (postgres) and the
// dispatcher build on these without depending on each other.
package msg

import (
	"context"
	"time"
)

// MaxTopicLen bounds topic, source, inbox message id, and grouping key
// lengths. Matches the column width of the backing tables.
const MaxTopicLen = 255

type OutboxStatus string

const (
	OutboxReady      OutboxStatus = "ready"
	OutboxInProgress OutboxStatus = "in_progress"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

type InboxStatus string

const (
	InboxSeen       InboxStatus = "seen"
	InboxProcessing InboxStatus = "processing"
	InboxDone       InboxStatus = "done"
	InboxDead       InboxStatus = "dead"
)

type JoinStatus string

const (
	JoinPending   JoinStatus = "pending"
	JoinCompleted JoinStatus = "completed"
	JoinFailed    JoinStatus = "failed"
	JoinCancelled JoinStatus = "cancelled"
)

// Message is what a claimed row looks like to a handler. Outbox stores
// populate MessageID; inbox stores populate Source and SourceMessageID.
type Message struct {
	WorkItemID      WorkItemID
	MessageID       MessageID
	Source          string
	SourceMessageID string
	Topic           string
	Payload         []byte
	CorrelationID   string
	RetryCount      int
	CreatedAt       time.Time
}

// Handler processes messages for exactly one topic. Topic matching is
// case-sensitive and exact. Handle must be idempotent: delivery is
// at-least-once, and a crash after the handler returns but before the ack
// commits means the message is retried.
type Handler interface {
	Topic() string
	Handle(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	T string
	F func(ctx context.Context, m *Message) error
}

func (h HandlerFunc) Topic() string                                { return h.T }
func (h HandlerFunc) Handle(ctx context.Context, m *Message) error { return h.F(ctx, m) }

// OutboxRecord is the full durable state of one outbox row, as read back
// for tests and the operator API.
type OutboxRecord struct {
	WorkItemID    WorkItemID
	MessageID     MessageID
	Topic         string
	Payload       []byte
	CorrelationID string
	Status        OutboxStatus
	CreatedAt     time.Time
	DueTimeUTC    *time.Time
	NextAttemptAt time.Time
	LockedUntil   *time.Time
	OwnerToken    *OwnerToken
	RetryCount    int
	LastError     string
	ProcessedAt   *time.Time
	ProcessedBy   string
}

// InboxRecord is the full durable state of one inbox row. The natural key
// is (Source, SourceMessageID); WorkItemID is a stable surrogate used by
// the claim/ack plumbing.
type InboxRecord struct {
	WorkItemID      WorkItemID
	Source          string
	SourceMessageID string
	Topic           string
	Payload         []byte
	Hash            string
	Status          InboxStatus
	FirstSeenUTC    time.Time
	LastSeenUTC     time.Time
	ProcessedUTC    *time.Time
	DueTimeUTC      *time.Time
	NextAttemptAt   time.Time
	Attempts        int
	LastError       string
	LockedUntil     *time.Time
	OwnerToken      *OwnerToken
}

// Join is a fan-in coordination record. Once Status is terminal the record
// is immutable.
type Join struct {
	ID             JoinID
	GroupingKey    string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         JoinStatus
	Metadata       string
	CreatedUTC     time.Time
	LastUpdatedUTC time.Time
}

// Terminal reports whether all expected steps have been accounted for.
func (j *Join) Terminal() bool {
	return j.CompletedSteps+j.FailedSteps >= j.ExpectedSteps
}

// JoinMember ties a logical message to a join. CompletedAt and FailedAt
// are mutually exclusive and each transitions at most once.
type JoinMember struct {
	JoinID      JoinID
	MessageID   MessageID
	CompletedAt *time.Time
	FailedAt    *time.Time
	CreatedUTC  time.Time
}
