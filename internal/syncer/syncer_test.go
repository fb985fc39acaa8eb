package syncer

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ledgerlite/splitsync/internal/cache"
	"github.com/ledgerlite/splitsync/internal/connectivity"
	"github.com/ledgerlite/splitsync/internal/identity"
	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/remote"
	"github.com/ledgerlite/splitsync/internal/remote/remotetest"
	"github.com/ledgerlite/splitsync/internal/schema"
)

type testRig struct {
	engine *Engine
	cache  *cache.Store
	store  *remotetest.Store
	conn   *connectivity.Monitor
}

func newTestRig(t *testing.T, online bool) *testRig {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	local, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), logger)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	store := remotetest.NewStore()
	conn := connectivity.NewMonitor(online, logger)

	engine, err := New(Config{
		Cache:        local,
		Store:        store,
		Schema:       schema.NewDetector(store, logger),
		Connectivity: conn,
		CurrentUser:  func() *model.User { return &model.User{ID: "alice", Name: "Alice"} },
		Logger:       logger,
		GroupPacing:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return &testRig{engine: engine, cache: local, store: store, conn: conn}
}

func seedGroup(t *testing.T, rig *testRig, g *model.Group) {
	t.Helper()
	ctx := context.Background()
	groups, err := rig.cache.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if err := rig.cache.SaveGroups(ctx, append(groups, g)); err != nil {
		t.Fatalf("SaveGroups: %v", err)
	}
}

func tripGroup() *model.Group {
	g := &model.Group{
		LocalID:   "trip-abc",
		Name:      "Trip",
		CreatedBy: "alice",
		Members:   []string{"alice", "bob"},
	}
	g.SetDefaults()
	return g
}

func TestSyncGroupAssignsStableRemoteID(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	g := tripGroup()

	first, err := rig.engine.SyncGroup(ctx, g)
	if err != nil {
		t.Fatalf("SyncGroup: %v", err)
	}
	if !identity.IsUUID(first) {
		t.Fatalf("remote ID %q is not a UUID", first)
	}

	second, err := rig.engine.SyncGroup(ctx, g)
	if err != nil {
		t.Fatalf("SyncGroup retry: %v", err)
	}
	if second != first {
		t.Errorf("remote ID changed across syncs: %q != %q", second, first)
	}
	if rig.store.RowCount(remote.TableGroups) != 1 {
		t.Errorf("retried sync created a second remote row")
	}

	row := rig.store.Row(remote.TableGroups, first)
	if row == nil {
		t.Fatal("no remote row written")
	}
	if row["name"] != "Trip" || row["updated_by"] != "alice" {
		t.Errorf("unexpected remote row: %v", row)
	}
}

func TestSyncGroupRequiresUser(t *testing.T) {
	rig := newTestRig(t, true)
	rig.engine.currentUser = func() *model.User { return nil }

	if _, err := rig.engine.SyncGroup(context.Background(), tripGroup()); !errors.Is(err, ErrNoCurrentUser) {
		t.Errorf("SyncGroup without user = %v, want ErrNoCurrentUser", err)
	}
}

func TestSyncGroupOffline(t *testing.T) {
	rig := newTestRig(t, false)

	if _, err := rig.engine.SyncGroup(context.Background(), tripGroup()); !errors.Is(err, ErrOffline) {
		t.Errorf("SyncGroup offline = %v, want ErrOffline", err)
	}
}

func TestSyncExpenseResolvesGroupRef(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	g := tripGroup()
	g.RemoteID = "3f1e9c2a-6b4d-4e8f-9a10-b2c3d4e5f607"
	seedGroup(t, rig, g)

	// GroupRef holds the local ID; the engine must resolve it through the
	// cache to the parent's remote UUID.
	exp := &model.Expense{
		LocalID:      "dinner-abc",
		GroupRef:     "trip-abc",
		Description:  "Dinner",
		Amount:       30,
		PaidBy:       "alice",
		SplitBetween: []string{"alice", "bob"},
	}
	exp.SetDefaults()

	if err := rig.engine.SyncExpense(ctx, exp, nil); err != nil {
		t.Fatalf("SyncExpense: %v", err)
	}
	row := rig.store.Row(remote.TableExpenses, exp.RemoteID)
	if row == nil {
		t.Fatal("no expense row written")
	}
	if row["group_id"] != g.RemoteID {
		t.Errorf("group_id = %v, want parent remote ID %s", row["group_id"], g.RemoteID)
	}
}

func TestSyncExpenseUnresolvableRef(t *testing.T) {
	rig := newTestRig(t, true)

	exp := &model.Expense{
		LocalID: "orphan-abc", GroupRef: "no-such-group",
		Description: "Orphan", Amount: 5, PaidBy: "alice",
	}
	exp.SetDefaults()

	if err := rig.engine.SyncExpense(context.Background(), exp, nil); err == nil {
		t.Error("SyncExpense with an unresolvable group ref should fail")
	}
	if rig.store.RowCount(remote.TableExpenses) != 0 {
		t.Error("orphan expense was pushed anyway")
	}
}

func TestSyncAllPushesEverything(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	g := tripGroup()
	g.Expenses = []*model.Expense{{
		LocalID: "dinner-abc", GroupRef: "trip-abc", Description: "Dinner",
		Amount: 30, PaidBy: "alice", SplitBetween: []string{"alice", "bob"},
	}}
	g.Expenses[0].SetDefaults()
	seedGroup(t, rig, g)

	if err := rig.engine.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if rig.store.RowCount(remote.TableGroups) != 1 {
		t.Errorf("groups pushed = %d, want 1", rig.store.RowCount(remote.TableGroups))
	}
	if rig.store.RowCount(remote.TableExpenses) != 1 {
		t.Errorf("expenses pushed = %d, want 1", rig.store.RowCount(remote.TableExpenses))
	}
	if rig.store.RowCount(remote.TableUsers) != 1 {
		t.Errorf("users pushed = %d, want 1", rig.store.RowCount(remote.TableUsers))
	}

	// Assigned remote IDs must be durable in the cache.
	groups, err := rig.cache.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if groups[0].RemoteID == "" || groups[0].Expenses[0].RemoteID == "" {
		t.Error("remote IDs were not persisted after the pass")
	}

	last, err := rig.cache.LastSync(ctx)
	if err != nil || last.IsZero() {
		t.Errorf("last sync not recorded (last=%v, err=%v)", last, err)
	}
	if rig.engine.State().LastSync().IsZero() {
		t.Error("engine state last sync not recorded")
	}
}

func TestSyncAllSkipsExpensesOfFailedGroup(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	// Resolve the schema before injecting the fault, as a long-running
	// client would have.
	rig.engine.schema.Detect(ctx)

	g := tripGroup()
	g.Expenses = []*model.Expense{{
		LocalID: "dinner-abc", GroupRef: "trip-abc", Description: "Dinner",
		Amount: 30, PaidBy: "alice", SplitBetween: []string{"alice", "bob"},
	}}
	g.Expenses[0].SetDefaults()
	seedGroup(t, rig, g)

	rig.store.Err = errors.New("backend down")
	rig.store.FailTable = remote.TableGroups

	if err := rig.engine.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if rig.store.RowCount(remote.TableExpenses) != 0 {
		t.Error("expenses of a failed group were pushed")
	}
}

func TestSyncAllOfflineIsNoop(t *testing.T) {
	rig := newTestRig(t, false)

	if err := rig.engine.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll offline = %v, want nil", err)
	}
	if rig.store.Upserts != 0 {
		t.Errorf("offline sync issued %d upserts", rig.store.Upserts)
	}
}

func TestSyncAllInFlightGuard(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, tripGroup())

	if !rig.engine.state.beginSync() {
		t.Fatal("could not claim the guard")
	}
	if err := rig.engine.SyncAll(context.Background()); err != nil {
		t.Fatalf("concurrent SyncAll = %v, want silent no-op", err)
	}
	if rig.store.Upserts != 0 {
		t.Error("second sync ran while one was in flight")
	}
	rig.engine.state.endSync(false)
}

func TestDeleteExpenseOfflineQueues(t *testing.T) {
	rig := newTestRig(t, false)
	ctx := context.Background()

	g := tripGroup()
	g.Expenses = []*model.Expense{{
		LocalID: "dinner-abc", RemoteID: "3f1e9c2a-6b4d-4e8f-9a10-b2c3d4e5f607",
		GroupRef: "trip-abc", Description: "Dinner", Amount: 30, PaidBy: "alice",
	}}
	seedGroup(t, rig, g)

	if err := rig.engine.DeleteExpense(ctx, "dinner-abc"); err != nil {
		t.Fatalf("DeleteExpense offline: %v", err)
	}

	// Local removal is immediate.
	groups, err := rig.cache.LoadGroups(ctx)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if len(groups[0].Expenses) != 0 {
		t.Error("expense still present locally")
	}

	// The remote half waits in the queue under the remote ID.
	queue, err := rig.cache.DeleteQueue(ctx)
	if err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	if len(queue) != 1 || queue[0].Type != cache.DeleteTypeExpense || queue[0].ID != g.Expenses[0].RemoteID {
		t.Fatalf("unexpected queue: %+v", queue)
	}

	// Reconnect and replay.
	rig.store.Put(remote.TableExpenses, queue[0].ID, map[string]any{"id": queue[0].ID})
	rig.conn.SetOnline(true)
	if err := rig.engine.ProcessDeleteQueue(ctx); err != nil {
		t.Fatalf("ProcessDeleteQueue: %v", err)
	}
	queue, err = rig.cache.DeleteQueue(ctx)
	if err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	if len(queue) != 0 {
		t.Errorf("queue not drained: %+v", queue)
	}
	if rig.store.RowCount(remote.TableExpenses) != 0 {
		t.Error("remote expense row survived the replay")
	}
}

func TestDeleteGroupRemovesChildrenFirst(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	remoteID := "3f1e9c2a-6b4d-4e8f-9a10-b2c3d4e5f607"
	g := tripGroup()
	g.RemoteID = remoteID
	seedGroup(t, rig, g)
	rig.store.Put(remote.TableGroups, remoteID, map[string]any{"id": remoteID})
	rig.store.Put(remote.TableExpenses, "e1", map[string]any{"id": "e1", "group_id": remoteID})

	if err := rig.engine.DeleteGroup(ctx, "trip-abc"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}

	if len(rig.store.Deletes) != 2 {
		t.Fatalf("got %d deletes, want 2: %v", len(rig.store.Deletes), rig.store.Deletes)
	}
	if !strings.HasPrefix(rig.store.Deletes[0], remote.TableExpenses+".") {
		t.Errorf("children were not deleted first: %v", rig.store.Deletes)
	}
	if rig.store.RowCount(remote.TableGroups) != 0 || rig.store.RowCount(remote.TableExpenses) != 0 {
		t.Error("remote rows survived")
	}
}

func TestDeleteAlreadyAbsentSucceeds(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	if err := rig.engine.DeleteExpense(ctx, "never-existed"); err != nil {
		t.Fatalf("deleting an absent expense = %v, want nil", err)
	}
	queue, err := rig.cache.DeleteQueue(ctx)
	if err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	if len(queue) != 0 {
		t.Errorf("no-op delete left a queue entry: %+v", queue)
	}
}

func TestDeleteFailureConvertsToQueuedRetry(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	rig.engine.schema.Detect(ctx)

	rig.store.Err = errors.New("backend down")

	if err := rig.engine.DeleteExpense(ctx, "dinner-abc"); err != nil {
		t.Fatalf("DeleteExpense with failing backend = %v, want accepted", err)
	}
	queue, err := rig.cache.DeleteQueue(ctx)
	if err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("failed delete not queued: %+v", queue)
	}
}

func TestProcessDeleteQueueKeepsFailures(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	rig.engine.schema.Detect(ctx)

	if err := rig.cache.EnqueueDelete(ctx, cache.DeleteTypeExpense, "e1"); err != nil {
		t.Fatalf("EnqueueDelete: %v", err)
	}

	rig.store.Err = errors.New("backend down")
	if err := rig.engine.ProcessDeleteQueue(ctx); err == nil {
		t.Error("ProcessDeleteQueue with failures = nil, want error")
	}
	queue, err := rig.cache.DeleteQueue(ctx)
	if err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	if len(queue) != 1 {
		t.Errorf("failed entry left the queue: %+v", queue)
	}
}

func TestPullGroupPreservesLocalIdentity(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	remoteID := "3f1e9c2a-6b4d-4e8f-9a10-b2c3d4e5f607"
	g := tripGroup()
	g.RemoteID = remoteID
	g.Expenses = []*model.Expense{{
		LocalID: "dinner-abc", GroupRef: "trip-abc", Description: "Dinner",
		Amount: 30, PaidBy: "alice",
	}}
	seedGroup(t, rig, g)

	rig.store.Put(remote.TableGroups, remoteID, map[string]any{
		"id":         remoteID,
		"name":       "Trip Renamed",
		"created_by": "alice",
		"members":    `["alice","bob","carol"]`,
		"updated_at": time.Now().Format(time.RFC3339),
	})

	pulled, err := rig.engine.PullGroup(ctx, remoteID)
	if err != nil {
		t.Fatalf("PullGroup: %v", err)
	}
	if pulled.LocalID != "trip-abc" {
		t.Errorf("local ID not preserved: %q", pulled.LocalID)
	}
	if pulled.Name != "Trip Renamed" {
		t.Errorf("remote rename not applied: %q", pulled.Name)
	}
	if len(pulled.Members) != 3 {
		t.Errorf("members = %v, want the remote three", pulled.Members)
	}
	if len(pulled.Expenses) != 1 {
		t.Error("local expenses were dropped by the pull")
	}
}

func TestPullGroupFetchesRemoteExpenses(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	remoteID := "3f1e9c2a-6b4d-4e8f-9a10-b2c3d4e5f607"
	g := tripGroup()
	g.RemoteID = remoteID
	seedGroup(t, rig, g)

	rig.store.Put(remote.TableGroups, remoteID, map[string]any{
		"id":         remoteID,
		"name":       "Trip",
		"created_by": "alice",
		"members":    `["alice","bob"]`,
	})
	// An expense another member pushed while we were not looking.
	rig.store.Put(remote.TableExpenses, "e1", map[string]any{
		"id":                "e1",
		"group_id":          remoteID,
		"description":       "Dinner",
		"amount":            30.0,
		"paid_by":           "bob",
		"split_between":     `["alice","bob"]`,
		"created_by":        "bob",
		"per_person_amount": 15.0,
	})

	pulled, err := rig.engine.PullGroup(ctx, remoteID)
	if err != nil {
		t.Fatalf("PullGroup: %v", err)
	}
	if len(pulled.Expenses) != 1 {
		t.Fatalf("expenses = %d, want the remote one", len(pulled.Expenses))
	}
	exp := pulled.Expenses[0]
	if exp.Description != "Dinner" || exp.Amount != 30 || exp.PaidBy != "bob" {
		t.Errorf("unexpected expense: %+v", exp)
	}
	if exp.GroupRef != "trip-abc" {
		t.Errorf("GroupRef = %q, want the parent's local ID", exp.GroupRef)
	}

	// The cached copy carries it too, with derived totals.
	cached, err := rig.cache.FindGroup(ctx, "trip-abc")
	if err != nil {
		t.Fatalf("FindGroup: %v", err)
	}
	if len(cached.Expenses) != 1 || cached.TotalExpenses != 30 {
		t.Errorf("cache not updated: %d expenses, total %v",
			len(cached.Expenses), cached.TotalExpenses)
	}
}

func TestApplyRemoteExpenseUpsertsIntoCachedGroup(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	remoteID := "3f1e9c2a-6b4d-4e8f-9a10-b2c3d4e5f607"
	g := tripGroup()
	g.RemoteID = remoteID
	seedGroup(t, rig, g)

	record := map[string]any{
		"id":            "e1",
		"group_id":      remoteID,
		"description":   "Dinner",
		"amount":        30.0,
		"paid_by":       "bob",
		"split_between": `["alice","bob"]`,
		"created_by":    "bob",
	}
	if err := rig.engine.ApplyRemoteExpense(ctx, record); err != nil {
		t.Fatalf("ApplyRemoteExpense: %v", err)
	}

	cached, err := rig.cache.FindGroup(ctx, "trip-abc")
	if err != nil {
		t.Fatalf("FindGroup: %v", err)
	}
	if len(cached.Expenses) != 1 {
		t.Fatalf("expenses = %d, want 1", len(cached.Expenses))
	}
	if cached.Expenses[0].GroupRef != "trip-abc" {
		t.Errorf("GroupRef = %q, want the local ID", cached.Expenses[0].GroupRef)
	}

	// A second event for the same row replaces, never duplicates.
	record["amount"] = 40.0
	if err := rig.engine.ApplyRemoteExpense(ctx, record); err != nil {
		t.Fatalf("ApplyRemoteExpense update: %v", err)
	}
	cached, err = rig.cache.FindGroup(ctx, "trip-abc")
	if err != nil {
		t.Fatalf("FindGroup: %v", err)
	}
	if len(cached.Expenses) != 1 || cached.Expenses[0].Amount != 40 {
		t.Errorf("update not applied in place: %+v", cached.Expenses)
	}

	if err := rig.engine.RemoveRemoteExpense(ctx, "e1"); err != nil {
		t.Fatalf("RemoveRemoteExpense: %v", err)
	}
	cached, err = rig.cache.FindGroup(ctx, "trip-abc")
	if err != nil {
		t.Fatalf("FindGroup: %v", err)
	}
	if len(cached.Expenses) != 0 {
		t.Errorf("deleted expense still cached: %+v", cached.Expenses)
	}
}

func TestPullGroupGoneRemotely(t *testing.T) {
	rig := newTestRig(t, true)

	pulled, err := rig.engine.PullGroup(context.Background(), "3f1e9c2a-6b4d-4e8f-9a10-b2c3d4e5f607")
	if err != nil {
		t.Fatalf("PullGroup: %v", err)
	}
	if pulled != nil {
		t.Errorf("PullGroup of a missing group = %+v, want nil", pulled)
	}
}
