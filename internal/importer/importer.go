// Package importer applies drop-in expense files to the local cache.
//
// The importer watches a spool directory for *.json files. Each file holds
// one expense; once applied to the local cache the file is consumed
// (removed) and the sync scheduler is kicked, so other tools can record
// expenses while the client is offline by just writing a file. Change
// events are debounced so editors that write in several steps produce one
// import.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ledgerlite/splitsync/internal/cache"
	"github.com/ledgerlite/splitsync/internal/identity"
	"github.com/ledgerlite/splitsync/internal/model"
)

// DropIn is the on-disk shape of one spooled expense.
type DropIn struct {
	Group        string   `json:"group"`
	Description  string   `json:"description"`
	Amount       float64  `json:"amount"`
	PaidBy       string   `json:"paid_by"`
	SplitBetween []string `json:"split_between"`
	CreatedBy    string   `json:"created_by,omitempty"`
}

// Config holds configuration for the importer.
type Config struct {
	// SpoolDir is the directory watched for drop-in files.
	SpoolDir string

	// DebounceInterval is how long a file must sit quiet before it is
	// processed. Batches rapid rewrites together.
	DebounceInterval time.Duration

	// OnImport is called after each successful import, typically the sync
	// scheduler's mutation hook. Nil is allowed.
	OnImport func()

	// Logger for importer activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given spool directory.
func DefaultConfig(spoolDir string) *Config {
	return &Config{
		SpoolDir:         spoolDir,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[importer] ", log.LstdFlags),
	}
}

// Importer watches the spool directory and applies drop-in expenses.
type Importer struct {
	store  *cache.Store
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Importer writing into the given local store.
func New(store *cache.Store, config *Config) (*Importer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil || config.SpoolDir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 250 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[importer] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Importer{
		store:       store,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start processes any files already in the spool, then begins watching.
// Starting a running importer is a no-op.
func (im *Importer) Start(ctx context.Context) error {
	if im.cancel != nil {
		return nil
	}

	if err := os.MkdirAll(im.config.SpoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// Drain whatever accumulated while we were not running.
	entries, err := os.ReadDir(im.config.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(im.config.SpoolDir, entry.Name())
		if err := im.applyFile(ctx, path); err != nil {
			im.config.Logger.Printf("Warning: failed to import %s: %v", entry.Name(), err)
		}
	}

	if err := im.watcher.Add(im.config.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	im.cancel = cancel

	im.wg.Add(2)
	go im.watchEvents(runCtx)
	go im.processQueue(runCtx)

	im.config.Logger.Printf("Watching spool: %s", im.config.SpoolDir)
	return nil
}

// Stop tears down the watcher and waits for the loops to exit.
func (im *Importer) Stop() {
	if im.cancel == nil {
		return
	}
	im.cancel()
	im.cancel = nil
	if err := im.watcher.Close(); err != nil {
		im.config.Logger.Printf("Error closing watcher: %v", err)
	}
	im.wg.Wait()
}

func (im *Importer) watchEvents(ctx context.Context) {
	defer im.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			im.changeQueueMu.Lock()
			im.changeQueue[event.Name] = time.Now()
			im.changeQueueMu.Unlock()
		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			im.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (im *Importer) processQueue(ctx context.Context) {
	defer im.wg.Done()

	ticker := time.NewTicker(im.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			im.processPending(ctx)
		}
	}
}

func (im *Importer) processPending(ctx context.Context) {
	im.changeQueueMu.Lock()
	defer im.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range im.changeQueue {
		if now.Sub(queuedAt) < im.config.DebounceInterval {
			continue
		}
		delete(im.changeQueue, path)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := im.applyFile(ctx, path); err != nil {
			im.config.Logger.Printf("Warning: failed to import %s: %v", filepath.Base(path), err)
		}
	}
}

// applyFile reads one drop-in, appends the expense to its group, and
// consumes the file.
func (im *Importer) applyFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read drop-in: %w", err)
	}

	var drop DropIn
	if err := json.Unmarshal(data, &drop); err != nil {
		return fmt.Errorf("failed to parse drop-in: %w", err)
	}

	if err := im.apply(ctx, &drop); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		im.config.Logger.Printf("Warning: failed to consume %s: %v", filepath.Base(path), err)
	}
	if im.config.OnImport != nil {
		im.config.OnImport()
	}
	return nil
}

// apply validates and appends one expense to the local cache.
func (im *Importer) apply(ctx context.Context, drop *DropIn) error {
	if drop.Group == "" {
		return fmt.Errorf("drop-in missing group")
	}

	groups, err := im.store.LoadGroups(ctx)
	if err != nil {
		return err
	}

	var group *model.Group
	for _, g := range groups {
		if g.LocalID == drop.Group || g.RemoteID == drop.Group || g.Name == drop.Group {
			group = g
			break
		}
	}
	if group == nil {
		return fmt.Errorf("unknown group %q", drop.Group)
	}

	createdBy := drop.CreatedBy
	if createdBy == "" {
		createdBy = drop.PaidBy
	}

	expense := &model.Expense{
		LocalID:      identity.NewLocalID(drop.Description),
		GroupRef:     group.LocalID,
		Description:  drop.Description,
		Amount:       drop.Amount,
		PaidBy:       drop.PaidBy,
		SplitBetween: drop.SplitBetween,
		CreatedBy:    createdBy,
	}
	expense.SetDefaults()
	if err := expense.Validate(); err != nil {
		return fmt.Errorf("invalid drop-in: %w", err)
	}

	group.Expenses = append(group.Expenses, expense)
	group.UpdateTimestamp()

	if err := im.store.SaveGroups(ctx, groups); err != nil {
		return err
	}

	im.config.Logger.Printf("Imported expense: %s (%.2f) into %s", expense.Description, expense.Amount, group.LocalID)
	return nil
}
