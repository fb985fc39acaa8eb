package remote

import (
	"context"
	"log"
	"os"
	"sync"
)

// DialFunc opens a connection to the backend.
type DialFunc func(ctx context.Context) (Store, error)

// Reconnecting is a Store for a backend that may be unreachable when the
// process starts. It holds no connection until a dial succeeds; until then
// every operation fails the way Unavailable does. Ping retries the dial,
// so running it under a connectivity watch brings the store online as
// soon as the backend comes back.
type Reconnecting struct {
	dial   DialFunc
	logger *log.Logger

	mu    sync.Mutex
	store Store
}

// NewReconnecting creates a Reconnecting store around the dial function.
// No dial is attempted until the first Ping. If logger is nil, a default
// logger writing to stderr is used.
func NewReconnecting(dial DialFunc, logger *log.Logger) *Reconnecting {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Reconnecting{dial: dial, logger: logger}
}

// current returns the live store, or Unavailable when no dial has
// succeeded yet.
func (r *Reconnecting) current() Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return Unavailable{}
	}
	return r.store
}

// Connected reports whether a dial has succeeded.
func (r *Reconnecting) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store != nil
}

// Ping verifies the backend is reachable, dialing first when no
// connection is held yet.
func (r *Reconnecting) Ping(ctx context.Context) error {
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()

	if store == nil {
		dialed, err := r.dial(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if r.store == nil {
			r.store = dialed
			store = dialed
		} else {
			// Lost the race against a concurrent Ping; keep the winner.
			store = r.store
			if c, ok := dialed.(interface{ Close() }); ok {
				c.Close()
			}
		}
		r.mu.Unlock()
		r.logger.Println("Remote store connected")
	}

	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the underlying connection, if any.
func (r *Reconnecting) Close() {
	r.mu.Lock()
	store := r.store
	r.store = nil
	r.mu.Unlock()

	if c, ok := store.(interface{ Close() }); ok {
		c.Close()
	}
}

func (r *Reconnecting) ProbeColumn(ctx context.Context, table, column string) (bool, error) {
	return r.current().ProbeColumn(ctx, table, column)
}

func (r *Reconnecting) Get(ctx context.Context, table, pkColumn, id string) (map[string]any, error) {
	return r.current().Get(ctx, table, pkColumn, id)
}

func (r *Reconnecting) Select(ctx context.Context, table, column, value string) ([]map[string]any, error) {
	return r.current().Select(ctx, table, column, value)
}

func (r *Reconnecting) Upsert(ctx context.Context, table, conflictColumn string, record map[string]any) error {
	return r.current().Upsert(ctx, table, conflictColumn, record)
}

func (r *Reconnecting) Delete(ctx context.Context, table, column, value string) (int64, error) {
	return r.current().Delete(ctx, table, column, value)
}
