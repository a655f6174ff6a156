package msg

import "github.com/google/uuid"

// WorkItemID identifies one queue row. It never changes across retries of
// the same row.
type WorkItemID uuid.UUID

func NewWorkItemID() WorkItemID { return WorkItemID(uuid.New()) }

func ParseWorkItemID(s string) (WorkItemID, error) {
	u, err := uuid.Parse(s)
	return WorkItemID(u), err
}

func (id WorkItemID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id WorkItemID) String() string  { return uuid.UUID(id).String() }
func (id WorkItemID) IsZero() bool    { return uuid.UUID(id) == uuid.Nil }

// MessageID is the logical message identity. Joins reference messages by
// this id, never by WorkItemID, so it stays stable across stores.
type MessageID uuid.UUID

func NewMessageID() MessageID { return MessageID(uuid.New()) }

func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	return MessageID(u), err
}

func (id MessageID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id MessageID) String() string  { return uuid.UUID(id).String() }
func (id MessageID) IsZero() bool    { return uuid.UUID(id) == uuid.Nil }

// OwnerToken identifies a worker instance holding claims. Ack/abandon/fail
// only touch rows whose owner_token equals the caller's token.
type OwnerToken uuid.UUID

func NewOwnerToken() OwnerToken { return OwnerToken(uuid.New()) }

func (t OwnerToken) UUID() uuid.UUID { return uuid.UUID(t) }
func (t OwnerToken) String() string  { return uuid.UUID(t).String() }
func (t OwnerToken) IsZero() bool    { return uuid.UUID(t) == uuid.Nil }

// JoinID identifies a fan-in coordination record.
type JoinID uuid.UUID

func NewJoinID() JoinID { return JoinID(uuid.New()) }

func ParseJoinID(s string) (JoinID, error) {
	u, err := uuid.Parse(s)
	return JoinID(u), err
}

func (id JoinID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id JoinID) String() string  { return uuid.UUID(id).String() }
func (id JoinID) IsZero() bool    { return uuid.UUID(id) == uuid.Nil }

// Text marshalling so the ids serialize as canonical uuid strings in JSON
// payloads and API responses.

func (id WorkItemID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *WorkItemID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	*id = WorkItemID(u)
	return err
}

func (id MessageID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *MessageID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	*id = MessageID(u)
	return err
}

func (id JoinID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *JoinID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	*id = JoinID(u)
	return err
}
