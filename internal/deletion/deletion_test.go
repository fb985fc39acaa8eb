package deletion

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
	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/remote"
	"github.com/ledgerlite/splitsync/internal/remote/remotetest"
	"github.com/ledgerlite/splitsync/internal/schema"
	"github.com/ledgerlite/splitsync/internal/syncer"
)

type testRig struct {
	protocol *Protocol
	engine   *syncer.Engine
	cache    *cache.Store
	store    *remotetest.Store
	user     *model.User
}

// setUser switches the acting identity, simulating another member's device
// operating on the same shared state.
func (r *testRig) setUser(id string) {
	r.user.ID = id
	r.user.Name = id
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
	user := &model.User{ID: "alice", Name: "Alice"}

	engine, err := syncer.New(syncer.Config{
		Cache:        local,
		Store:        store,
		Schema:       schema.NewDetector(store, logger),
		Connectivity: connectivity.NewMonitor(online, logger),
		CurrentUser:  func() *model.User { return user },
		Logger:       logger,
		GroupPacing:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	protocol, err := New(Config{
		Engine:      engine,
		CurrentUser: func() *model.User { return user },
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to create protocol: %v", err)
	}

	return &testRig{protocol: protocol, engine: engine, cache: local, store: store, user: user}
}

func seedGroup(t *testing.T, rig *testRig, members ...string) *model.Group {
	t.Helper()
	g := &model.Group{
		LocalID:   "trip-abc",
		Name:      "Trip",
		CreatedBy: "alice",
		Members:   members,
	}
	g.SetDefaults()
	if err := rig.cache.SaveGroups(context.Background(), []*model.Group{g}); err != nil {
		t.Fatalf("SaveGroups: %v", err)
	}
	return g
}

func loadGroup(t *testing.T, rig *testRig) *model.Group {
	t.Helper()
	g, err := rig.cache.FindGroup(context.Background(), "trip-abc")
	if err != nil {
		t.Fatalf("FindGroup: %v", err)
	}
	return g
}

func TestInitiateSoleMemberDeletesImmediately(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice")

	if err := rig.protocol.Initiate(context.Background(), "trip-abc"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if loadGroup(t, rig) != nil {
		t.Error("sole-member group should be deleted without a workflow")
	}
}

func TestInitiateMarksPending(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice", "bob")

	if err := rig.protocol.Initiate(context.Background(), "trip-abc"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	g := loadGroup(t, rig)
	if g == nil {
		t.Fatal("multi-member group was deleted at initiation")
	}
	if !g.Deletion.Pending {
		t.Error("group not marked pending")
	}
	if g.Deletion.InitiatedBy != "alice" {
		t.Errorf("InitiatedBy = %q, want alice", g.Deletion.InitiatedBy)
	}
	if !g.Deletion.HasConfirmed("alice") {
		t.Error("initiator's vote was not pre-cast")
	}
	if g.Deletion.InitiatedAt == nil {
		t.Error("InitiatedAt not set")
	}

	// The pending state must be visible to other members remotely.
	row := rig.store.Row(remote.TableGroups, g.RemoteID)
	if row == nil {
		t.Fatal("pending state was not pushed")
	}
	if row["pending_deletion"] != true {
		t.Errorf("remote pending_deletion = %v, want true", row["pending_deletion"])
	}
}

func TestConfirmUnanimousDeletes(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice", "bob")
	ctx := context.Background()

	if err := rig.protocol.Initiate(ctx, "trip-abc"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	rig.setUser("bob")
	if err := rig.protocol.Confirm(ctx, "trip-abc"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if loadGroup(t, rig) != nil {
		t.Error("unanimously confirmed group still present locally")
	}
	if rig.store.RowCount(remote.TableGroups) != 0 {
		t.Error("unanimously confirmed group still present remotely")
	}
}

func TestConfirmNonFinalRemovesAndPurges(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice", "bob", "carol")
	ctx := context.Background()

	if err := rig.protocol.Initiate(ctx, "trip-abc"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	remoteID := loadGroup(t, rig).RemoteID

	rig.setUser("bob")
	if err := rig.protocol.Confirm(ctx, "trip-abc"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Bob's copy is purged, but the group survives for alice and carol.
	if loadGroup(t, rig) != nil {
		t.Error("confirmer's local copy was not purged")
	}
	row := rig.store.Row(remote.TableGroups, remoteID)
	if row == nil {
		t.Fatal("group was physically deleted before unanimity")
	}
	if members, _ := row["members"].(string); members != `["alice","carol"]` {
		t.Errorf("remote members = %v, want bob removed", row["members"])
	}
}

func TestConfirmByCreatorIsIdempotent(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice", "bob")
	ctx := context.Background()

	if err := rig.protocol.Initiate(ctx, "trip-abc"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := rig.protocol.Confirm(ctx, "trip-abc"); err != nil {
		t.Fatalf("Confirm by creator: %v", err)
	}

	g := loadGroup(t, rig)
	if g == nil {
		t.Fatal("creator's re-confirmation deleted the group")
	}
	if !g.Deletion.Pending {
		t.Error("pending state lost")
	}
	if !g.HasMember("alice") {
		t.Error("creator left the member set")
	}
	if len(g.Deletion.ConfirmedBy) != 1 {
		t.Errorf("duplicate vote recorded: %v", g.Deletion.ConfirmedBy)
	}
}

func TestConfirmNotPending(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice", "bob")

	if err := rig.protocol.Confirm(context.Background(), "trip-abc"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Confirm without a pending deletion = %v, want ErrNotPending", err)
	}
}

func TestConfirmGoneGroupIsHandled(t *testing.T) {
	rig := newTestRig(t, true)

	if err := rig.protocol.Confirm(context.Background(), "never-existed"); err != nil {
		t.Errorf("Confirm on a vanished group = %v, want nil", err)
	}
}

func TestRestoreCancelsForEveryone(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice", "bob", "carol")
	ctx := context.Background()

	if err := rig.protocol.Initiate(ctx, "trip-abc"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	rig.setUser("carol")
	if err := rig.protocol.Restore(ctx, "trip-abc"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	g := loadGroup(t, rig)
	if g == nil {
		t.Fatal("restored group is gone")
	}
	if g.Deletion.Pending {
		t.Error("restore did not clear the pending state")
	}
	if g.Deletion.ConfirmedBy != nil {
		t.Errorf("votes survived the restore: %v", g.Deletion.ConfirmedBy)
	}
	if len(g.Deletion.RestoredBy) != 1 || g.Deletion.RestoredBy[0] != "carol" {
		t.Errorf("restore log = %v, want [carol]", g.Deletion.RestoredBy)
	}

	// A later re-initiation starts a fresh workflow.
	rig.setUser("alice")
	if err := rig.protocol.Initiate(ctx, "trip-abc"); err != nil {
		t.Fatalf("re-Initiate: %v", err)
	}
	if g := loadGroup(t, rig); !g.Deletion.Pending {
		t.Error("re-initiation after restore did not mark pending")
	}
}

func TestRestoreNotPending(t *testing.T) {
	rig := newTestRig(t, true)
	seedGroup(t, rig, "alice", "bob")

	if err := rig.protocol.Restore(context.Background(), "trip-abc"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Restore without a pending deletion = %v, want ErrNotPending", err)
	}
}

// TestGroupLifecycleWithExpenses walks a group through its whole life:
// created with two members, an expense added and synced, deletion
// initiated by the creator and confirmed by the other member, leaving
// nothing behind on either side.
func TestGroupLifecycleWithExpenses(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	g := seedGroup(t, rig, "alice", "bob")

	exp := &model.Expense{
		LocalID:      "dinner-abc",
		GroupRef:     "trip-abc",
		Description:  "Dinner",
		Amount:       30,
		PaidBy:       "alice",
		SplitBetween: []string{"alice", "bob"},
		CreatedBy:    "alice",
	}
	exp.SetDefaults()
	g.Expenses = append(g.Expenses, exp)
	if err := rig.cache.SaveGroups(ctx, []*model.Group{g}); err != nil {
		t.Fatalf("SaveGroups: %v", err)
	}

	if err := rig.engine.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	g = loadGroup(t, rig)
	if g.TotalExpenses != 30 || g.Expenses[0].PerPersonAmount != 15 {
		t.Fatalf("split math wrong: total %v, per person %v",
			g.TotalExpenses, g.Expenses[0].PerPersonAmount)
	}
	if rig.store.RowCount(remote.TableGroups) != 1 || rig.store.RowCount(remote.TableExpenses) != 1 {
		t.Fatalf("remote rows = %d groups, %d expenses, want 1 and 1",
			rig.store.RowCount(remote.TableGroups), rig.store.RowCount(remote.TableExpenses))
	}

	if err := rig.protocol.Initiate(ctx, "trip-abc"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	rig.setUser("bob")
	if err := rig.protocol.Confirm(ctx, "trip-abc"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Unanimity: the group and its expense are gone everywhere, with the
	// expense rows removed before their parent.
	if loadGroup(t, rig) != nil {
		t.Error("group still present locally")
	}
	if rig.store.RowCount(remote.TableGroups) != 0 {
		t.Error("group row survived remotely")
	}
	if rig.store.RowCount(remote.TableExpenses) != 0 {
		t.Error("expense row survived remotely")
	}
	if len(rig.store.Deletes) == 0 || !strings.HasPrefix(rig.store.Deletes[0], remote.TableExpenses+".") {
		t.Errorf("expenses were not deleted before the group: %v", rig.store.Deletes)
	}
}

func TestInitiateOfflineIsDurable(t *testing.T) {
	rig := newTestRig(t, false)
	seedGroup(t, rig, "alice", "bob")

	if err := rig.protocol.Initiate(context.Background(), "trip-abc"); err != nil {
		t.Fatalf("Initiate offline = %v, want local acceptance", err)
	}
	g := loadGroup(t, rig)
	if g == nil || !g.Deletion.Pending {
		t.Error("pending state not durable locally while offline")
	}
}
