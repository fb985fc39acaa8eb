// Package realtime routes server-pushed change events into the sync core.
//
// The router subscribes to row-level change events for the group and
// expense tables, filters out events that do not concern the current user,
// applies expense rows straight into the local cache and reuses the
// engine's pull path for group-level refreshes. Events the
// current user authored are suppressed: the local cache already holds that
// state and the debounced push produced the event in the first place.
//
// The subscription is single-instance: starting a running router is a
// no-op, and stopping tears the channel down so it can be restarted
// cleanly.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/remote"
	"github.com/ledgerlite/splitsync/internal/schema"
	"github.com/ledgerlite/splitsync/internal/syncer"
)

// Config holds the router's collaborators.
type Config struct {
	Feed   remote.Feed
	Engine *syncer.Engine
	Schema *schema.Detector

	// CurrentUser returns the authenticated local identity, or nil.
	CurrentUser func() *model.User

	// OpenGroup returns the local or remote ID of the group currently open
	// in the view layer, or "" when none is open. Nil means none.
	OpenGroup func() string

	// Observer receives refresh callbacks. Nil means no-op.
	Observer syncer.Observer

	// Logger for router activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// Router consumes the realtime change feed.
type Router struct {
	feed        remote.Feed
	engine      *syncer.Engine
	schema      *schema.Detector
	currentUser func() *model.User
	openGroup   func() string
	obs         syncer.Observer
	logger      *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Router. Feed, Engine and Schema are required.
func New(cfg Config) (*Router, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("feed cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg.Schema == nil {
		return nil, fmt.Errorf("schema detector cannot be nil")
	}
	if cfg.CurrentUser == nil {
		cfg.CurrentUser = func() *model.User { return nil }
	}
	if cfg.OpenGroup == nil {
		cfg.OpenGroup = func() string { return "" }
	}
	if cfg.Observer == nil {
		cfg.Observer = syncer.NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[router] ", log.LstdFlags)
	}

	return &Router{
		feed:        cfg.Feed,
		engine:      cfg.Engine,
		schema:      cfg.Schema,
		currentUser: cfg.CurrentUser,
		openGroup:   cfg.OpenGroup,
		obs:         cfg.Observer,
		logger:      cfg.Logger,
	}, nil
}

// Start subscribes to the change feed and begins routing events. Starting
// an already-running router is a no-op.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, err := r.feed.Subscribe(subCtx, []string{remote.TableGroups, remote.TableExpenses})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to change feed: %w", err)
	}

	r.cancel = cancel
	r.wg.Add(1)
	go r.routeLoop(subCtx, events)

	r.logger.Println("Realtime subscription started")
	return nil
}

// Stop tears down the subscription and clears the handle so the router can
// be restarted. Stopping a stopped router is a no-op.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.cancel = nil
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Println("Realtime subscription stopped")
}

// Running reports whether the router currently holds a subscription.
func (r *Router) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Router) routeLoop(ctx context.Context, events <-chan remote.ChangeEvent) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				r.logger.Println("Change feed closed")
				return
			}
			if err := r.handleEvent(ctx, event); err != nil {
				r.logger.Printf("Warning: failed to handle %s %s event: %v", event.Table, event.Type, err)
			}
		}
	}
}

// handleEvent filters one change event and refreshes local state when it
// is relevant.
func (r *Router) handleEvent(ctx context.Context, event remote.ChangeEvent) error {
	user := r.currentUser()
	if user == nil {
		return nil
	}

	record := event.Record
	if len(record) == 0 {
		record = event.OldRecord
	}
	if len(record) == 0 {
		return nil
	}

	cols := r.schema.Detect(ctx)

	switch event.Table {
	case remote.TableGroups:
		return r.handleGroupEvent(ctx, cols, event, record, user)
	case remote.TableExpenses:
		return r.handleExpenseEvent(ctx, cols, event, record, user)
	default:
		return nil
	}
}

func (r *Router) handleGroupEvent(ctx context.Context, cols *schema.Map, event remote.ChangeEvent, record map[string]any, user *model.User) error {
	members := stringList(record[cols.Column(remote.TableGroups, "members")])
	if !containsUser(members, user.ID) {
		return nil
	}

	// Self-echo suppression: our own pushes come back on the feed.
	author, _ := record[cols.Column(remote.TableGroups, "updatedBy")].(string)
	if event.Type != remote.EventDelete && model.SameUser(author, user.ID) {
		return nil
	}

	groupID, _ := record[cols.Column(remote.TableGroups, "id")].(string)
	if groupID == "" {
		return nil
	}

	if event.Type == remote.EventDelete {
		return r.dropLocalGroup(ctx, groupID)
	}

	return r.refreshGroup(ctx, groupID)
}

func (r *Router) handleExpenseEvent(ctx context.Context, cols *schema.Map, event remote.ChangeEvent, record map[string]any, user *model.User) error {
	groupID, _ := record[cols.Column(remote.TableExpenses, "groupId")].(string)
	if groupID == "" {
		return nil
	}

	// Relevance: the expense must belong to a group we hold locally.
	group, err := r.engine.Cache().FindGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group == nil || !group.HasMember(user.ID) {
		return nil
	}

	author, _ := record[cols.Column(remote.TableExpenses, "createdBy")].(string)
	if event.Type != remote.EventDelete && model.SameUser(author, user.ID) {
		return nil
	}

	// Apply the row carried by the event before notifying the view layer,
	// so the cache holds the expense even when the group is not open and
	// no full pull happens.
	expenseID, _ := record[cols.Column(remote.TableExpenses, "id")].(string)
	if event.Type == remote.EventDelete {
		if expenseID != "" {
			if err := r.engine.RemoveRemoteExpense(ctx, expenseID); err != nil {
				return err
			}
		}
	} else if err := r.engine.ApplyRemoteExpense(ctx, record); err != nil {
		return err
	}

	return r.refreshGroup(ctx, groupID)
}

// refreshGroup re-fetches the group's full remote state when it is the one
// open in the view layer, and downgrades to a list-level refresh
// otherwise.
func (r *Router) refreshGroup(ctx context.Context, groupID string) error {
	open := r.openGroup()
	if open != "" && r.sameGroup(ctx, open, groupID) {
		if _, err := r.engine.PullGroup(ctx, groupID); err != nil {
			return err
		}
		r.obs.RefreshOpenGroup()
		return nil
	}

	r.obs.RefreshGroupList()
	return nil
}

// sameGroup matches the open-group handle (local or remote ID) against a
// remote group ID.
func (r *Router) sameGroup(ctx context.Context, open, remoteID string) bool {
	if open == remoteID {
		return true
	}
	group, err := r.engine.Cache().FindGroup(ctx, open)
	if err != nil || group == nil {
		return false
	}
	return group.RemoteID == remoteID
}

// dropLocalGroup removes a remotely-deleted group from the local cache.
func (r *Router) dropLocalGroup(ctx context.Context, remoteID string) error {
	store := r.engine.Cache()
	groups, err := store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	for i, g := range groups {
		if g.RemoteID == remoteID || g.LocalID == remoteID {
			groups = append(groups[:i], groups[i+1:]...)
			if err := store.SaveGroups(ctx, groups); err != nil {
				return err
			}
			break
		}
	}
	r.obs.RefreshGroupList()
	return nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		// Text columns carry the set as an encoded JSON array.
		var out []string
		if err := json.Unmarshal([]byte(list), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

func containsUser(list []string, userID string) bool {
	for _, id := range list {
		if model.SameUser(id, userID) {
			return true
		}
	}
	return false
}
