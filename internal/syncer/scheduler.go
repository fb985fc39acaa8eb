package syncer

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	// defaultDebounce is the quiet period after a local mutation before a
	// full sync fires. Rapid edits collapse into one pass.
	defaultDebounce = 2 * time.Second

	// defaultStaleAfter forces a sync when the last successful pass is
	// older than this; the periodic check runs on the same interval.
	defaultStaleAfter = 5 * time.Minute
)

// SchedulerConfig configures the sync trigger policy.
type SchedulerConfig struct {
	Debounce   time.Duration
	StaleAfter time.Duration
	Logger     *log.Logger
}

// DefaultSchedulerConfig returns the standard trigger policy.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Debounce:   defaultDebounce,
		StaleAfter: defaultStaleAfter,
	}
}

// Scheduler drives the engine's trigger policy: debounced syncs after
// local mutations, an immediate sync when connectivity resumes, and a
// periodic staleness check.
type Scheduler struct {
	engine *Engine
	config SchedulerConfig
	logger *log.Logger

	mu    sync.Mutex
	timer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler for the engine.
func NewScheduler(engine *Engine, config SchedulerConfig) *Scheduler {
	if config.Debounce <= 0 {
		config.Debounce = defaultDebounce
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaultStaleAfter
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{engine: engine, config: config, logger: logger}
}

// Start begins the periodic and reconnect triggers. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.staleLoop(s.ctx)
	go s.reconnectLoop(s.ctx)
}

// Stop tears down the scheduler and waits for its goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	s.wg.Wait()
}

// NotifyMutation schedules a debounced full sync. Each call resets the
// quiet period.
func (s *Scheduler) NotifyMutation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.config.Debounce, func() {
		s.runSync("debounce")
	})
}

func (s *Scheduler) runSync(trigger string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	// A debounce timer can fire in the window between Stop stopping it and
	// the callback already being scheduled. A stopped scheduler never syncs.
	if ctx == nil {
		return
	}

	if err := s.engine.SyncAll(ctx); err != nil {
		s.logger.Printf("Warning: %s sync failed: %v", trigger, err)
	}
}

// staleLoop forces a sync whenever the last successful pass is too old.
func (s *Scheduler) staleLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.engine.State().LastSync()) >= s.config.StaleAfter {
				s.runSync("periodic")
			}
		}
	}
}

// reconnectLoop triggers an immediate sync when connectivity resumes.
func (s *Scheduler) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()

	changes := s.engine.conn.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if online {
				s.logger.Println("Back online, syncing")
				s.runSync("reconnect")
			}
		}
	}
}
