package rest

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/meridianhq/relay/msg"
	"github.com/meridianhq/relay/postgres"
)

var errBadCursor = errors.New("bad cursor")

// cursor = base64url("RFC3339Nano|id")
func encodeCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (time.Time, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, "", errBadCursor
	}
	at, id, ok := strings.Cut(string(b), "|")
	if !ok {
		return time.Time{}, "", errBadCursor
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", errBadCursor
	}
	return t, id, nil
}

func failedCursor(s string) (*msg.OutboxRecord, error) {
	t, id, err := decodeCursor(s)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	wid, err := msg.ParseWorkItemID(id)
	if err != nil {
		return nil, errBadCursor
	}
	return &msg.OutboxRecord{WorkItemID: wid, CreatedAt: t}, nil
}

func deadCursor(s string) (*postgres.DeadLetter, error) {
	t, id, err := decodeCursor(s)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return &postgres.DeadLetter{SourceMessageID: id, LastSeenUTC: t}, nil
}
