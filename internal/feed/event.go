// Package feed is the row-level change stream of the store.
// Every mutation made through storage.Service is published as a ChangeEvent;
// clients subscribe with a Filter (table, operation, column = value) and
// release the subscription when the phase that owns it ends.
package feed

import (
	"context"
	"encoding/json"
	"time"
)

// Table names as stored in the database.
const (
	TableSessions = "user_sessions"
	TableRooms    = "chat_rooms"
	TableMessages = "messages"
)

// Op is the kind of row mutation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// ChangeEvent is one row mutation. Keys carries the filterable columns of the
// row and New the full row after the change.
type ChangeEvent struct {
	Table string            `json:"table"`
	Op    Op                `json:"op"`
	Keys  map[string]string `json:"keys"`
	New   json.RawMessage   `json:"new"`
	At    time.Time         `json:"at"`
}

// NewChangeEvent encodes row into a ChangeEvent.
func NewChangeEvent(table string, op Op, keys map[string]string, row any, at time.Time) (ChangeEvent, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{Table: table, Op: op, Keys: keys, New: raw, At: at}, nil
}

// Decode unmarshals the new row into v.
func (e ChangeEvent) Decode(v any) error {
	return json.Unmarshal(e.New, v)
}

// Filter selects events. Empty Op matches any operation; empty Column matches every row.
type Filter struct {
	Table  string
	Op     Op
	Column string
	Value  string
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev ChangeEvent) bool {
	if f.Table != ev.Table {
		return false
	}
	if f.Op != "" && f.Op != ev.Op {
		return false
	}
	if f.Column == "" {
		return true
	}
	v, ok := ev.Keys[f.Column]
	return ok && v == f.Value
}

// Feed publishes change events and hands out subscriptions.
type Feed interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Subscribe(f Filter) *Subscription
	Close() error
}
