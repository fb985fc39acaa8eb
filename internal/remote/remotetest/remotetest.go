// Package remotetest provides in-memory fakes of the remote backend for
// tests: a Store backed by maps and a Feed backed by a plain channel.
package remotetest

import (
	"context"
	"sync"

	"github.com/ledgerlite/splitsync/internal/remote"
)

// Store is an in-memory remote.Store.
//
// Rows are keyed by table and primary-key value. Columns, when non-nil,
// controls which "table.column" probes report existing; a nil Columns map
// reports every probe as absent, which leaves schema detection on the
// default names.
type Store struct {
	mu sync.Mutex

	Columns map[string]bool
	rows    map[string]map[string]map[string]any

	// Error injection. FailTable scopes Err to one table; an empty
	// FailTable applies it everywhere.
	Err       error
	FailTable string

	// Deletes records every Delete call in order as "table.column=value".
	Deletes []string

	Upserts int
	Probes  int
}

// NewStore creates an empty fake store.
func NewStore() *Store {
	return &Store{rows: make(map[string]map[string]map[string]any)}
}

func (s *Store) failing(table string) error {
	if s.Err == nil {
		return nil
	}
	if s.FailTable != "" && s.FailTable != table {
		return nil
	}
	return s.Err
}

func (s *Store) ProbeColumn(_ context.Context, table, column string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Probes++
	if err := s.failing(table); err != nil {
		return false, err
	}
	return s.Columns[table+"."+column], nil
}

func (s *Store) Get(_ context.Context, table, _ string, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing(table); err != nil {
		return nil, err
	}
	row, ok := s.rows[table][id]
	if !ok {
		return nil, nil
	}
	return row, nil
}

func (s *Store) Select(_ context.Context, table, column, value string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing(table); err != nil {
		return nil, err
	}
	var records []map[string]any
	for _, row := range s.rows[table] {
		if v, _ := row[column].(string); v == value {
			records = append(records, row)
		}
	}
	return records, nil
}

func (s *Store) Upsert(_ context.Context, table, conflictColumn string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing(table); err != nil {
		return err
	}
	s.Upserts++
	id, _ := record[conflictColumn].(string)
	if s.rows[table] == nil {
		s.rows[table] = make(map[string]map[string]any)
	}
	s.rows[table][id] = record
	return nil
}

func (s *Store) Delete(_ context.Context, table, column, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing(table); err != nil {
		return 0, err
	}
	s.Deletes = append(s.Deletes, table+"."+column+"="+value)
	var affected int64
	for id, row := range s.rows[table] {
		if v, _ := row[column].(string); v == value {
			delete(s.rows[table], id)
			affected++
		}
	}
	return affected, nil
}

// Put seeds a row directly, keyed by pk.
func (s *Store) Put(table, pk string, record map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[table] == nil {
		s.rows[table] = make(map[string]map[string]any)
	}
	s.rows[table][pk] = record
}

// Row returns the stored row for pk, or nil.
func (s *Store) Row(table, pk string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[table][pk]
}

// RowCount returns the number of rows in a table.
func (s *Store) RowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[table])
}

// Feed is a remote.Feed whose events the test pushes onto Events.
type Feed struct {
	Events chan remote.ChangeEvent
}

// NewFeed creates a Feed with a buffered event channel.
func NewFeed() *Feed {
	return &Feed{Events: make(chan remote.ChangeEvent, 16)}
}

func (f *Feed) Subscribe(ctx context.Context, _ []string) (<-chan remote.ChangeEvent, error) {
	out := make(chan remote.ChangeEvent, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.Events:
				if !ok {
					return
				}
				out <- ev
			}
		}
	}()
	return out, nil
}
