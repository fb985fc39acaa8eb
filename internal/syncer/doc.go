// Package syncer implements the reconciliation loop between the local
// cache and the remote store.
//
// # Overview
//
// Mutations are made locally first and pushed opportunistically: every
// local change schedules a debounced full sync, reconnecting after an
// offline period triggers an immediate one, and a periodic timer forces a
// sync when the last successful pass is stale. A process-wide in-flight
// guard keeps full syncs mutually exclusive; a second trigger while one is
// running is a silent no-op and the next scheduled cycle retries.
//
// # Push semantics
//
// Remote writes are upserts keyed on the entity's remote UUID, so the
// later local state wins without merging. Within one full sync the order
// is fixed: queued deletions are flushed first, then the current user,
// then each group followed by its own expenses, with a small pacing delay
// between groups.
//
// # Deletions
//
// Deletes issued while offline are appended to a persisted FIFO queue and
// reported as accepted; the queue is replayed when connectivity resumes.
// Entries leave the queue only after their remote delete succeeds, and a
// delete that affects zero remote rows counts as success.
//
// # Error policy
//
// Low-value operations (user profile push) log and swallow failures.
// Operations callers depend on for correctness (group push, which confirms
// the remote ID before child expenses are sent) propagate errors. A failed
// entity is abandoned for that pass; its siblings continue.
package syncer
