// Package schema maps the client's logical field names onto the remote
// store's actual column names.
//
// The remote schema is not under this client's control and is not
// guaranteed to follow the naming convention the client expects, so the
// adapter discovers it at runtime: for each logical field it issues cheap
// zero-row probes against candidate column names and records the first one
// that exists. A column being absent is an expected outcome, not an error.
//
// Detection runs at most once per process. Concurrent callers share a
// single in-flight detection rather than issuing duplicate probe storms.
// If detection fails outright the failure is logged and the client runs in
// degraded mode using the default names.
package schema

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ledgerlite/splitsync/internal/remote"
)

// Prober is the slice of the remote store the adapter needs.
type Prober interface {
	ProbeColumn(ctx context.Context, table, column string) (bool, error)
}

// fieldSpec lists the candidate physical names for one logical field,
// probed in order. The first candidate doubles as the default used when a
// field was never tested or never resolved.
type fieldSpec struct {
	logical    string
	candidates []string
}

// tableFields enumerates every logical field the client reads or writes
// remotely. Candidates cover the snake_case convention the backend is
// supposed to use plus the camelCase shapes seen in older deployments.
var tableFields = map[string][]fieldSpec{
	remote.TableUsers: {
		{"id", []string{"id"}},
		{"name", []string{"name", "display_name"}},
		{"createdAt", []string{"created_at", "createdAt", "inserted_at"}},
		{"updatedAt", []string{"updated_at", "updatedAt"}},
	},
	remote.TableGroups: {
		{"id", []string{"id"}},
		{"name", []string{"name"}},
		{"createdBy", []string{"created_by", "createdBy", "owner"}},
		{"updatedBy", []string{"updated_by", "updatedBy"}},
		{"members", []string{"members", "member_ids"}},
		{"participants", []string{"participants", "participant_names"}},
		{"pendingDeletion", []string{"pending_deletion", "pendingDeletion"}},
		{"deletionInitiatedBy", []string{"deletion_initiated_by", "deletionInitiatedBy"}},
		{"deletionConfirmedBy", []string{"deletion_confirmed_by", "deletionConfirmedBy"}},
		{"deletionRestoredBy", []string{"deletion_restored_by", "deletionRestoredBy"}},
		{"deletionInitiatedAt", []string{"deletion_initiated_at", "deletionInitiatedAt"}},
		{"createdAt", []string{"created_at", "createdAt", "inserted_at"}},
		{"updatedAt", []string{"updated_at", "updatedAt"}},
	},
	remote.TableExpenses: {
		{"id", []string{"id"}},
		{"groupId", []string{"group_id", "groupId"}},
		{"description", []string{"description", "title"}},
		{"amount", []string{"amount"}},
		{"paidBy", []string{"paid_by", "paidBy", "payer"}},
		{"splitBetween", []string{"split_between", "splitBetween", "split_among"}},
		{"createdBy", []string{"created_by", "createdBy"}},
		{"createdAt", []string{"created_at", "createdAt", "inserted_at"}},
		{"updatedAt", []string{"updated_at", "updatedAt"}},
		{"perPersonAmount", []string{"per_person_amount", "perPersonAmount"}},
	},
}

// DefaultColumn returns the hardcoded default physical name for a logical
// field. Unknown fields map to themselves.
func DefaultColumn(table, logical string) string {
	for _, spec := range tableFields[table] {
		if spec.logical == logical {
			return spec.candidates[0]
		}
	}
	return logical
}

// Map is the discovered translation from table.logicalField to physical
// column name. A Map is immutable once built.
type Map struct {
	columns map[string]string
}

// Column resolves a logical field to its physical column, falling back to
// the default name when the field was never resolved.
func (m *Map) Column(table, logical string) string {
	if m != nil {
		if col, ok := m.columns[table+"."+logical]; ok {
			return col
		}
	}
	return DefaultColumn(table, logical)
}

// Detector performs one-shot schema detection against the remote store.
type Detector struct {
	prober Prober
	logger *log.Logger

	mu       sync.Mutex
	checked  bool
	inflight chan struct{}
	result   *Map
	err      error
}

// NewDetector creates a Detector. If logger is nil, a default logger
// writing to stderr is used.
func NewDetector(prober Prober, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(os.Stderr, "[schema] ", log.LstdFlags)
	}
	return &Detector{prober: prober, logger: logger}
}

// Detect returns the schema map, probing the remote store on the first
// call. Subsequent calls return the cached result without touching the
// network; concurrent first calls share a single probe round. The schema
// is assumed stable for the session.
//
// Detect never fails hard: on a transport fault the partial map built so
// far is returned and the fault is logged, leaving the client on default
// names for everything unresolved.
func (d *Detector) Detect(ctx context.Context) *Map {
	d.mu.Lock()
	if d.checked {
		result := d.result
		d.mu.Unlock()
		return result
	}
	if d.inflight != nil {
		done := d.inflight
		d.mu.Unlock()
		<-done
		d.mu.Lock()
		result := d.result
		d.mu.Unlock()
		return result
	}
	done := make(chan struct{})
	d.inflight = done
	d.mu.Unlock()

	result, err := d.probeAll(ctx)

	d.mu.Lock()
	d.checked = true
	d.result = result
	d.err = err
	d.inflight = nil
	d.mu.Unlock()
	close(done)

	if err != nil {
		d.logger.Printf("Schema detection incomplete, using defaults for unresolved fields: %v", err)
	}
	return result
}

// Column resolves a logical field through the detected map if detection has
// completed, or the default name otherwise.
func (d *Detector) Column(table, logical string) string {
	d.mu.Lock()
	result := d.result
	d.mu.Unlock()
	return result.Column(table, logical)
}

// probeAll issues the existence probes for every table and field. Absent
// columns are skipped silently; the first transport fault aborts the round,
// returning whatever was resolved so far.
func (d *Detector) probeAll(ctx context.Context) (*Map, error) {
	columns := make(map[string]string)

	for table, specs := range tableFields {
		for _, spec := range specs {
			for _, candidate := range spec.candidates {
				exists, err := d.prober.ProbeColumn(ctx, table, candidate)
				if err != nil {
					return &Map{columns: columns}, fmt.Errorf("probing %s.%s: %w", table, candidate, err)
				}
				if exists {
					columns[table+"."+spec.logical] = candidate
					break
				}
			}
		}
	}

	return &Map{columns: columns}, nil
}
