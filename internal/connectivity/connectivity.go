// Package connectivity tracks whether the remote store is reachable.
//
// The sync core checks the monitor before every remote operation and
// returns immediately when offline; subscribers are notified on every
// transition so a reconnect can trigger an immediate sync.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Pinger is anything that can cheaply verify the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the online/offline flag and fans out change notifications.
type Monitor struct {
	logger *log.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewMonitor creates a monitor with the given initial state.
// If logger is nil, a default logger writing to stderr is used.
func NewMonitor(online bool, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{logger: logger, online: online}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state. Subscribers are notified only on an actual
// transition; a slow subscriber misses intermediate flips rather than
// blocking the monitor.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if online {
		m.logger.Println("Connectivity restored")
	} else {
		m.logger.Println("Connectivity lost")
	}

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel that receives the new state on every
// transition. The channel is buffered; it is never closed.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Watch probes the backend on the given interval and flips the monitor
// accordingly. It blocks until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, pinger Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			err := pinger.Ping(probeCtx)
			cancel()
			m.SetOnline(err == nil)
		}
	}
}
