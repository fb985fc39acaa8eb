// Package deletion implements the collaborative deletion workflow for
// shared groups.
//
// Deleting a shared financial record is irreversible and affects every
// member's data, so removal requires unanimous opt-in: the initiator's
// vote is cast automatically, every other member must confirm, and a
// single restore vote from anyone cancels the whole workflow. The protocol
// is deliberately biased toward preserving data.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ledgerlite/splitsync/internal/model"
	"github.com/ledgerlite/splitsync/internal/syncer"
)

// ErrNotPending is returned when confirming or restoring a group that has
// no deletion in progress.
var ErrNotPending = errors.New("no deletion pending")

// Config holds the protocol's collaborators.
type Config struct {
	Engine *syncer.Engine

	// CurrentUser returns the authenticated local identity, or nil.
	CurrentUser func() *model.User

	// Observer receives refresh callbacks and user-facing notices.
	// Nil means no-op.
	Observer syncer.Observer

	// Logger for protocol activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// Protocol drives deletion state transitions for groups.
type Protocol struct {
	engine      *syncer.Engine
	currentUser func() *model.User
	obs         syncer.Observer
	logger      *log.Logger
}

// New creates a Protocol. Engine and CurrentUser are required.
func New(cfg Config) (*Protocol, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg.CurrentUser == nil {
		return nil, fmt.Errorf("current user accessor cannot be nil")
	}
	if cfg.Observer == nil {
		cfg.Observer = syncer.NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[deletion] ", log.LstdFlags)
	}
	return &Protocol{
		engine:      cfg.Engine,
		currentUser: cfg.CurrentUser,
		obs:         cfg.Observer,
		logger:      cfg.Logger,
	}, nil
}

// Initiate starts the deletion workflow for a group.
//
// A group whose only member is its creator is deleted immediately; the
// protocol exists to protect other members' data, and there are none.
// Otherwise the group is marked pending with the initiator's confirmation
// pre-cast, persisted, and pushed so other members are prompted through
// the realtime channel.
func (p *Protocol) Initiate(ctx context.Context, groupID string) error {
	user := p.currentUser()
	if user == nil {
		return syncer.ErrNoCurrentUser
	}

	group, err := p.engine.Cache().FindGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("group %s not found", groupID)
	}

	if len(group.Members) == 1 && model.SameUser(group.Members[0], group.CreatedBy) {
		p.logger.Printf("Sole-member group %s, deleting immediately", group.LocalID)
		if err := p.engine.DeleteGroup(ctx, group.LocalID); err != nil {
			return err
		}
		p.obs.RefreshGroupList()
		p.obs.Notify(fmt.Sprintf("Deleted group %q", group.Name))
		return nil
	}

	now := time.Now()
	group.Deletion = model.DeletionState{
		Pending:     true,
		InitiatedBy: user.ID,
		ConfirmedBy: []string{user.ID},
		InitiatedAt: &now,
	}
	group.UpdateTimestamp()

	if err := p.persist(ctx, group); err != nil {
		return err
	}

	p.obs.RefreshOpenGroup()
	p.obs.Notify(fmt.Sprintf("Deletion of %q requested; waiting for other members", group.Name))
	return nil
}

// Confirm casts the current user's deletion vote on a pending group.
//
// When every member has confirmed, the group and its expenses are
// physically deleted. Otherwise the confirming member leaves the group
// (the creator never does; their confirmation was cast at initiation and
// re-confirming is idempotent) and their local copy is purged, since they
// should stop seeing the group. If only the creator, or nobody, remains
// after the removal, the physical delete proceeds.
//
// Confirming a group that is already gone is treated as already handled.
func (p *Protocol) Confirm(ctx context.Context, groupID string) error {
	user := p.currentUser()
	if user == nil {
		return syncer.ErrNoCurrentUser
	}

	group, err := p.engine.Cache().FindGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		p.logger.Printf("Group %s already deleted, nothing to confirm", groupID)
		return nil
	}
	if !group.Deletion.Pending {
		return ErrNotPending
	}

	if !group.Deletion.HasConfirmed(user.ID) {
		group.Deletion.ConfirmedBy = append(group.Deletion.ConfirmedBy, user.ID)
	}

	if p.unanimous(group) {
		return p.physicalDelete(ctx, group)
	}

	isCreator := model.SameUser(user.ID, group.CreatedBy)
	if !isCreator {
		group.RemoveMember(user.ID)
	}

	if p.onlyCreatorLeft(group) {
		return p.physicalDelete(ctx, group)
	}

	group.UpdateTimestamp()
	if err := p.persist(ctx, group); err != nil {
		return err
	}

	if !isCreator {
		// The confirmer is out of the group; purge their local copy.
		if err := p.purgeLocal(ctx, group.LocalID); err != nil {
			return err
		}
	}

	p.obs.RefreshGroupList()
	return nil
}

// Restore casts a restore vote, which unconditionally cancels the pending
// deletion for everyone. The vote is kept in RestoredBy as a historical
// log.
func (p *Protocol) Restore(ctx context.Context, groupID string) error {
	user := p.currentUser()
	if user == nil {
		return syncer.ErrNoCurrentUser
	}

	group, err := p.engine.Cache().FindGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("group %s not found", groupID)
	}
	if !group.Deletion.Pending {
		return ErrNotPending
	}

	group.Deletion.RestoredBy = append(group.Deletion.RestoredBy, user.ID)
	group.Deletion.Reset()
	group.UpdateTimestamp()

	if err := p.persist(ctx, group); err != nil {
		return err
	}

	p.obs.RefreshOpenGroup()
	p.obs.Notify(fmt.Sprintf("Deletion of %q cancelled by %s", group.Name, user.ID))
	return nil
}

// unanimous reports whether every member has confirmed.
func (p *Protocol) unanimous(group *model.Group) bool {
	for _, member := range group.Members {
		if !group.Deletion.HasConfirmed(member) {
			return false
		}
	}
	return true
}

// onlyCreatorLeft reports whether at most the creator remains a member.
func (p *Protocol) onlyCreatorLeft(group *model.Group) bool {
	for _, member := range group.Members {
		if !model.SameUser(member, group.CreatedBy) {
			return false
		}
	}
	return true
}

func (p *Protocol) physicalDelete(ctx context.Context, group *model.Group) error {
	p.logger.Printf("All members confirmed, deleting group %s", group.LocalID)
	if err := p.engine.DeleteGroup(ctx, group.LocalID); err != nil {
		return err
	}
	p.obs.RefreshGroupList()
	p.obs.Notify(fmt.Sprintf("Group %q deleted", group.Name))
	return nil
}

// persist saves the group locally and pushes it remotely. Being offline is
// not a failure: the state is durable locally and the next full sync
// pushes it.
func (p *Protocol) persist(ctx context.Context, group *model.Group) error {
	store := p.engine.Cache()
	groups, err := store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	found := false
	for i, g := range groups {
		if g.LocalID == group.LocalID {
			groups[i] = group
			found = true
			break
		}
	}
	if !found {
		groups = append(groups, group)
	}
	if err := store.SaveGroups(ctx, groups); err != nil {
		return err
	}

	if _, err := p.engine.SyncGroup(ctx, group); err != nil {
		if errors.Is(err, syncer.ErrOffline) {
			p.logger.Printf("Offline, deletion state for %s will push on next sync", group.LocalID)
			return nil
		}
		return err
	}
	// SyncGroup may have assigned the remote ID; keep it durable.
	return store.SaveGroups(ctx, groups)
}

// purgeLocal drops the group from the local cache without touching the
// remote store.
func (p *Protocol) purgeLocal(ctx context.Context, localID string) error {
	store := p.engine.Cache()
	groups, err := store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	for i, g := range groups {
		if g.LocalID == localID {
			groups = append(groups[:i], groups[i+1:]...)
			return store.SaveGroups(ctx, groups)
		}
	}
	return nil
}
