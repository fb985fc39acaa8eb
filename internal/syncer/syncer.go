package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ledgerlite/splitsync/internal/cache"
	"github.com/ledgerlite/splitsync/internal/connectivity"
	"github.com/ledgerlite/splitsync/internal/identity"
	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/remote"
	"github.com/ledgerlite/splitsync/internal/schema"
)

var (
	// ErrNoCurrentUser is returned when an operation that writes remotely
	// is attempted without an authenticated local identity.
	ErrNoCurrentUser = errors.New("no current user")

	// ErrOffline is returned by operations whose callers need a confirmed
	// remote write and the client is offline.
	ErrOffline = errors.New("offline")
)

// defaultGroupPacing is the delay between groups during a full sync, to
// bound the request rate against the backend.
const defaultGroupPacing = 100 * time.Millisecond

// Config holds the engine's collaborators.
type Config struct {
	Cache        *cache.Store
	Store        remote.Store
	Schema       *schema.Detector
	Connectivity *connectivity.Monitor

	// CurrentUser returns the authenticated local identity, or nil.
	CurrentUser func() *model.User

	// Observer receives view refresh callbacks. Nil means no-op.
	Observer Observer

	// Logger for engine activity. Nil means a default stderr logger.
	Logger *log.Logger

	// GroupPacing overrides the inter-group delay during full sync.
	GroupPacing time.Duration
}

// Engine reconciles the local cache with the remote store.
type Engine struct {
	cache       *cache.Store
	store       remote.Store
	schema      *schema.Detector
	conn        *connectivity.Monitor
	currentUser func() *model.User
	obs         Observer
	logger      *log.Logger
	pacing      time.Duration

	state State
}

// New creates an Engine. Cache, Store, Schema and Connectivity are
// required.
func New(cfg Config) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Schema == nil {
		return nil, fmt.Errorf("schema detector cannot be nil")
	}
	if cfg.Connectivity == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.CurrentUser == nil {
		cfg.CurrentUser = func() *model.User { return nil }
	}
	if cfg.GroupPacing <= 0 {
		cfg.GroupPacing = defaultGroupPacing
	}

	e := &Engine{
		cache:       cfg.Cache,
		store:       cfg.Store,
		schema:      cfg.Schema,
		conn:        cfg.Connectivity,
		currentUser: cfg.CurrentUser,
		obs:         cfg.Observer,
		logger:      cfg.Logger,
		pacing:      cfg.GroupPacing,
	}

	// Seed last-sync from the persisted value so the staleness timer does
	// not fire spuriously right after startup.
	if last, err := cfg.Cache.LastSync(context.Background()); err == nil && !last.IsZero() {
		e.state.setLastSync(last)
	}

	return e, nil
}

// State exposes the engine's sync bookkeeping.
func (e *Engine) State() *State {
	return &e.state
}

// Cache returns the engine's local store, shared with the view layer.
func (e *Engine) Cache() *cache.Store {
	return e.cache
}

// SyncUser pushes a user profile to the remote store. Best-effort: any
// failure is logged and swallowed, since profile sync is not load-bearing.
func (e *Engine) SyncUser(ctx context.Context, user *model.User) {
	if user == nil || !e.conn.IsOnline() {
		return
	}

	cols := e.schema.Detect(ctx)
	record := map[string]any{
		cols.Column(remote.TableUsers, "id"):        user.ID,
		cols.Column(remote.TableUsers, "name"):      user.Name,
		cols.Column(remote.TableUsers, "createdAt"): user.CreatedAt.Format(time.RFC3339),
		cols.Column(remote.TableUsers, "updatedAt"): time.Now().Format(time.RFC3339),
	}

	pk := cols.Column(remote.TableUsers, "id")
	if err := e.store.Upsert(ctx, remote.TableUsers, pk, record); err != nil {
		e.logger.Printf("Warning: failed to sync user %s: %v", user.ID, err)
	}
}

// SyncGroup pushes one group to the remote store and returns its remote
// identifier.
//
// Unlike SyncUser, failures are surfaced: callers rely on the confirmed
// remote ID before syncing the group's expenses. The remote ID assignment
// is stored on the entity; persisting it to the local cache is the
// caller's responsibility.
func (e *Engine) SyncGroup(ctx context.Context, g *model.Group) (string, error) {
	user := e.currentUser()
	if user == nil {
		return "", ErrNoCurrentUser
	}
	if !e.conn.IsOnline() {
		return "", ErrOffline
	}

	remoteID := identity.GroupRemoteID(g)
	cols := e.schema.Detect(ctx)

	record := map[string]any{
		cols.Column(remote.TableGroups, "id"):           remoteID,
		cols.Column(remote.TableGroups, "name"):         g.Name,
		cols.Column(remote.TableGroups, "createdBy"):    g.CreatedBy,
		cols.Column(remote.TableGroups, "updatedBy"):    user.ID,
		cols.Column(remote.TableGroups, "members"):      jsonList(g.Members),
		cols.Column(remote.TableGroups, "participants"): jsonList(g.Participants),
		cols.Column(remote.TableGroups, "createdAt"):    g.CreatedAt.Format(time.RFC3339),
		cols.Column(remote.TableGroups, "updatedAt"):    g.UpdatedAt.Format(time.RFC3339),

		cols.Column(remote.TableGroups, "pendingDeletion"):     g.Deletion.Pending,
		cols.Column(remote.TableGroups, "deletionInitiatedBy"): nullable(g.Deletion.InitiatedBy),
		cols.Column(remote.TableGroups, "deletionConfirmedBy"): jsonList(g.Deletion.ConfirmedBy),
		cols.Column(remote.TableGroups, "deletionRestoredBy"):  jsonList(g.Deletion.RestoredBy),
		cols.Column(remote.TableGroups, "deletionInitiatedAt"): nullableTime(g.Deletion.InitiatedAt),
	}

	pk := cols.Column(remote.TableGroups, "id")
	if err := e.store.Upsert(ctx, remote.TableGroups, pk, record); err != nil {
		return "", fmt.Errorf("failed to sync group %s: %w", g.LocalID, err)
	}

	return remoteID, nil
}

// SyncExpense pushes one expense. The parent group may be passed directly;
// when it is nil the parent's remote ID is resolved by falling back
// through the expense's group ref (adopted if UUID-shaped) and a reverse
// lookup in the local cache.
func (e *Engine) SyncExpense(ctx context.Context, exp *model.Expense, group *model.Group) error {
	if !e.conn.IsOnline() {
		return ErrOffline
	}

	groupRemoteID, err := e.resolveGroupRef(ctx, exp, group)
	if err != nil {
		e.logger.Printf("Abandoning expense sync %s (%q, amount %.2f): %v",
			exp.LocalID, exp.Description, exp.Amount, err)
		return err
	}

	remoteID := identity.ExpenseRemoteID(exp)
	cols := e.schema.Detect(ctx)

	record := map[string]any{
		cols.Column(remote.TableExpenses, "id"):              remoteID,
		cols.Column(remote.TableExpenses, "groupId"):         groupRemoteID,
		cols.Column(remote.TableExpenses, "description"):     exp.Description,
		cols.Column(remote.TableExpenses, "amount"):          exp.Amount,
		cols.Column(remote.TableExpenses, "paidBy"):          exp.PaidBy,
		cols.Column(remote.TableExpenses, "splitBetween"):    jsonList(exp.SplitBetween),
		cols.Column(remote.TableExpenses, "createdBy"):       exp.CreatedBy,
		cols.Column(remote.TableExpenses, "createdAt"):       exp.CreatedAt.Format(time.RFC3339),
		cols.Column(remote.TableExpenses, "updatedAt"):       exp.UpdatedAt.Format(time.RFC3339),
		cols.Column(remote.TableExpenses, "perPersonAmount"): exp.PerPersonAmount,
	}

	pk := cols.Column(remote.TableExpenses, "id")
	if err := e.store.Upsert(ctx, remote.TableExpenses, pk, record); err != nil {
		return fmt.Errorf("failed to sync expense %s: %w", exp.LocalID, err)
	}
	return nil
}

// resolveGroupRef finds the remote UUID of an expense's parent group.
func (e *Engine) resolveGroupRef(ctx context.Context, exp *model.Expense, group *model.Group) (string, error) {
	if group != nil {
		return identity.GroupRemoteID(group), nil
	}
	if identity.IsUUID(exp.GroupRef) {
		return exp.GroupRef, nil
	}
	found, err := e.cache.FindGroup(ctx, exp.GroupRef)
	if err != nil {
		return "", err
	}
	if found != nil {
		return identity.GroupRemoteID(found), nil
	}
	return "", fmt.Errorf("unresolvable group ref %q", exp.GroupRef)
}

// SyncAll performs one full reconciliation pass.
//
// Passes are mutually exclusive: if one is already in flight this call is
// a silent no-op. The order is fixed: flush the delete queue, push the
// current user, then each group followed by its own expenses, pacing
// between groups. A failed group is logged and skipped along with its
// expenses; siblings continue. Progress already pushed stays pushed.
func (e *Engine) SyncAll(ctx context.Context) error {
	if !e.state.beginSync() {
		e.logger.Println("Sync already in progress, skipping")
		return nil
	}
	ok := false
	defer func() { e.state.endSync(ok) }()

	if !e.conn.IsOnline() {
		return nil
	}

	if err := e.ProcessDeleteQueue(ctx); err != nil {
		e.logger.Printf("Warning: delete queue flush incomplete: %v", err)
	}

	e.SyncUser(ctx, e.currentUser())

	groups, err := e.cache.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("full sync aborted: %w", err)
	}

	var groupsFailed, expensesFailed int
	for i, g := range groups {
		if _, err := e.SyncGroup(ctx, g); err != nil {
			e.logger.Printf("Warning: failed to sync group %s: %v", g.LocalID, err)
			groupsFailed++
			continue
		}
		for _, exp := range g.Expenses {
			if err := e.SyncExpense(ctx, exp, g); err != nil {
				e.logger.Printf("Warning: failed to sync expense %s: %v", exp.LocalID, err)
				expensesFailed++
			}
		}
		if i < len(groups)-1 {
			select {
			case <-time.After(e.pacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// Persist remote IDs assigned during this pass.
	if err := e.cache.SaveGroups(ctx, groups); err != nil {
		return fmt.Errorf("failed to persist sync results: %w", err)
	}

	if err := e.cache.SetLastSync(ctx, time.Now()); err != nil {
		e.logger.Printf("Warning: failed to record sync time: %v", err)
	}

	ok = true
	e.logger.Printf("Full sync complete: groups=%d (failed=%d), expense failures=%d",
		len(groups), groupsFailed, expensesFailed)
	return nil
}

// PullGroup fetches a group's full remote state, the group row and all of
// its expense rows, and overwrites the local cache entry. Used by the
// realtime router when the open group changes remotely. Returns the
// refreshed group, or nil when it no longer exists remotely.
func (e *Engine) PullGroup(ctx context.Context, remoteID string) (*model.Group, error) {
	if !e.conn.IsOnline() {
		return nil, ErrOffline
	}

	cols := e.schema.Detect(ctx)
	pk := cols.Column(remote.TableGroups, "id")

	record, err := e.store.Get(ctx, remote.TableGroups, pk, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch group %s: %w", remoteID, err)
	}
	if record == nil {
		return nil, nil
	}

	pulled := e.groupFromRecord(cols, record)

	children, err := e.store.Select(ctx, remote.TableExpenses,
		cols.Column(remote.TableExpenses, "groupId"), remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch expenses of group %s: %w", remoteID, err)
	}

	groups, err := e.cache.LoadGroups(ctx)
	if err != nil {
		return nil, err
	}

	var existing []*model.Expense
	replaced := false
	for i, g := range groups {
		if g.RemoteID == remoteID || g.LocalID == remoteID {
			pulled.LocalID = g.LocalID
			existing = g.Expenses
			groups[i] = pulled
			replaced = true
			break
		}
	}
	if !replaced {
		pulled.LocalID = remoteID
		groups = append(groups, pulled)
	}

	// The remote expense set is authoritative for rows that have been
	// pushed; local IDs survive for rows we already knew about. Expenses
	// that never left this client yet carry no remote ID and stay.
	pulled.Expenses = make([]*model.Expense, 0, len(children))
	for _, child := range children {
		exp := e.expenseFromRecord(cols, child)
		for _, old := range existing {
			if old.RemoteID == exp.RemoteID {
				exp.LocalID = old.LocalID
				break
			}
		}
		exp.GroupRef = pulled.LocalID
		pulled.Expenses = append(pulled.Expenses, exp)
	}
	for _, old := range existing {
		if old.RemoteID == "" {
			pulled.Expenses = append(pulled.Expenses, old)
		}
	}

	if err := e.cache.SaveGroups(ctx, groups); err != nil {
		return nil, err
	}

	return pulled, nil
}

// ApplyRemoteExpense merges one remotely-authored expense row into the
// cached parent group, replacing any prior version of the same expense.
// Unknown parent groups are skipped: the group event that introduces them
// arrives on its own.
func (e *Engine) ApplyRemoteExpense(ctx context.Context, record map[string]any) error {
	cols := e.schema.Detect(ctx)
	exp := e.expenseFromRecord(cols, record)
	if exp.RemoteID == "" {
		return fmt.Errorf("expense record missing id")
	}

	groups, err := e.cache.LoadGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.RemoteID != exp.GroupRef && g.LocalID != exp.GroupRef {
			continue
		}
		exp.GroupRef = g.LocalID
		replaced := false
		for i, old := range g.Expenses {
			if old.RemoteID == exp.RemoteID || old.LocalID == exp.RemoteID {
				exp.LocalID = old.LocalID
				g.Expenses[i] = exp
				replaced = true
				break
			}
		}
		if !replaced {
			g.Expenses = append(g.Expenses, exp)
		}
		return e.cache.SaveGroups(ctx, groups)
	}
	return nil
}

// RemoveRemoteExpense drops a remotely-deleted expense from the local
// cache. Removing an expense that is already gone is a no-op.
func (e *Engine) RemoveRemoteExpense(ctx context.Context, remoteID string) error {
	groups, err := e.cache.LoadGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		for _, exp := range g.Expenses {
			if exp.RemoteID == remoteID || exp.LocalID == remoteID {
				g.RemoveExpense(exp.LocalID)
				return e.cache.SaveGroups(ctx, groups)
			}
		}
	}
	return nil
}

// groupFromRecord maps a remote row back onto the local entity through the
// schema map.
func (e *Engine) groupFromRecord(cols *schema.Map, record map[string]any) *model.Group {
	get := func(logical string) any {
		return record[cols.Column(remote.TableGroups, logical)]
	}

	g := &model.Group{
		RemoteID:     asString(get("id")),
		Name:         asString(get("name")),
		CreatedBy:    asString(get("createdBy")),
		Members:      asStringList(get("members")),
		Participants: asStringList(get("participants")),
		CreatedAt:    asTime(get("createdAt")),
		UpdatedAt:    asTime(get("updatedAt")),
		Deletion: model.DeletionState{
			Pending:     asBool(get("pendingDeletion")),
			InitiatedBy: asString(get("deletionInitiatedBy")),
			ConfirmedBy: asStringList(get("deletionConfirmedBy")),
			RestoredBy:  asStringList(get("deletionRestoredBy")),
		},
	}
	if t := asTime(get("deletionInitiatedAt")); !t.IsZero() {
		g.Deletion.InitiatedAt = &t
	}
	return g
}

// expenseFromRecord maps a remote expense row onto the local entity. The
// local ID adopts the remote UUID; callers that already track the expense
// restore the original local ID afterwards.
func (e *Engine) expenseFromRecord(cols *schema.Map, record map[string]any) *model.Expense {
	get := func(logical string) any {
		return record[cols.Column(remote.TableExpenses, logical)]
	}

	exp := &model.Expense{
		RemoteID:        asString(get("id")),
		GroupRef:        asString(get("groupId")),
		Description:     asString(get("description")),
		Amount:          asFloat(get("amount")),
		PaidBy:          asString(get("paidBy")),
		SplitBetween:    asStringList(get("splitBetween")),
		CreatedBy:       asString(get("createdBy")),
		CreatedAt:       asTime(get("createdAt")),
		UpdatedAt:       asTime(get("updatedAt")),
		PerPersonAmount: asFloat(get("perPersonAmount")),
	}
	exp.LocalID = exp.RemoteID
	return exp
}

// jsonList encodes a string set as a JSON array for a text/jsonb column.
func jsonList(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

func asStringList(v any) []string {
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
		var out []string
		if err := json.Unmarshal([]byte(list), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}
