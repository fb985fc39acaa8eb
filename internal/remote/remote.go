// Package remote defines the interface to the backend relational store and
// its realtime change channel, plus the Postgres and WebSocket
// implementations the client ships with.
//
// The sync core consumes the Store and Feed interfaces and never talks to
// the backend directly, so tests substitute in-memory fakes. Column names
// are never assumed here: callers route every field name through the schema
// adapter before building a record.
package remote

import (
	"context"
	"errors"
)

// Remote table names. These are stable; only column names are discovered
// at runtime.
const (
	TableUsers    = "users"
	TableGroups   = "groups"
	TableExpenses = "expenses"
)

// EventType classifies a row-level change event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row-level mutation pushed by the realtime channel.
// Record holds the new row (empty for deletes); OldRecord holds the prior
// row when the server provides it.
type ChangeEvent struct {
	Table     string         `json:"table"`
	Type      EventType      `json:"type"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// Store is the relational side of the remote backend.
//
// Implementations must treat a zero-row delete as success and report it
// through the affected-row count, not an error.
type Store interface {
	// ProbeColumn issues a zero-row select against table.column and reports
	// whether the column exists. A missing column is a valid outcome, not
	// an error; errors are reserved for transport faults.
	ProbeColumn(ctx context.Context, table, column string) (bool, error)

	// Get fetches a single row by primary key. Returns (nil, nil) when the
	// row is absent.
	Get(ctx context.Context, table, pkColumn, id string) (map[string]any, error)

	// Select fetches every row where column = value. No matches is an
	// empty slice, not an error.
	Select(ctx context.Context, table, column, value string) ([]map[string]any, error)

	// Upsert inserts or updates a row keyed on conflictColumn.
	Upsert(ctx context.Context, table, conflictColumn string, record map[string]any) error

	// Delete removes rows where column = value and returns the number of
	// rows affected.
	Delete(ctx context.Context, table, column, value string) (int64, error)
}

// Feed is the change-data-capture side of the remote backend. One Subscribe
// call yields a single event stream scoped to the given tables; the stream
// closes when ctx is cancelled or the channel tears down.
type Feed interface {
	Subscribe(ctx context.Context, tables []string) (<-chan ChangeEvent, error)
}

// Unavailable is a Store for clients running without a configured or
// reachable backend. Every operation fails; callers are expected to gate
// on the connectivity monitor, which stays offline, so in practice these
// methods are never reached.
type Unavailable struct{}

func (Unavailable) ProbeColumn(context.Context, string, string) (bool, error) {
	return false, errUnavailable
}

func (Unavailable) Get(context.Context, string, string, string) (map[string]any, error) {
	return nil, errUnavailable
}

func (Unavailable) Select(context.Context, string, string, string) ([]map[string]any, error) {
	return nil, errUnavailable
}

func (Unavailable) Upsert(context.Context, string, string, map[string]any) error {
	return errUnavailable
}

func (Unavailable) Delete(context.Context, string, string, string) (int64, error) {
	return 0, errUnavailable
}

var errUnavailable = errors.New("remote store unavailable")
