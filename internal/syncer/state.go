package syncer

import (
	"sync"
	"time"
)

// State is the sync engine's mutable bookkeeping: the in-flight guard and
// the last successful sync time. It is owned by the Engine rather than
// living in package globals so multiple engines can run in isolation.
type State struct {
	mu       sync.Mutex
	syncing  bool
	lastSync time.Time
}

// beginSync attempts to claim the in-flight guard. Returns false when a
// full sync is already running.
func (s *State) beginSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	return true
}

// endSync releases the guard, recording the completion time on success.
func (s *State) endSync(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = false
	if ok {
		s.lastSync = time.Now()
	}
}

// Syncing reports whether a full sync is currently in flight.
func (s *State) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// LastSync returns the completion time of the last successful full sync,
// or the zero time.
func (s *State) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// setLastSync seeds the last-sync time, typically from the value persisted
// in the local cache at startup.
func (s *State) setLastSync(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
}
