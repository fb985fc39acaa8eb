package syncer

import (
	"context"
	"fmt"

	"github.com/ledgerlite/splitsync/internal/cache"
	"github.com/ledgerlite/splitsync/internal/remote"
)

// DeleteExpense removes an expense locally and from the remote store.
//
// The local removal always happens. If the client is offline, or the
// remote delete fails transiently, the deletion is queued for replay and
// the call still succeeds: the deletion is accepted locally. Deleting an
// already-absent expense is a no-op.
func (e *Engine) DeleteExpense(ctx context.Context, id string) error {
	groups, err := e.cache.LoadGroups(ctx)
	if err != nil {
		return err
	}

	remoteID := id
	for _, g := range groups {
		for _, exp := range g.Expenses {
			if exp.LocalID == id || exp.RemoteID == id {
				if exp.RemoteID != "" {
					remoteID = exp.RemoteID
				}
				g.RemoveExpense(exp.LocalID)
				if err := e.cache.SaveGroups(ctx, groups); err != nil {
					return err
				}
				break
			}
		}
	}

	return e.deleteRemote(ctx, cache.DeleteTypeExpense, remoteID)
}

// DeleteGroup removes a group and its expenses locally and from the remote
// store, with the same offline queueing behavior as DeleteExpense.
func (e *Engine) DeleteGroup(ctx context.Context, id string) error {
	groups, err := e.cache.LoadGroups(ctx)
	if err != nil {
		return err
	}

	remoteID := id
	for i, g := range groups {
		if g.LocalID == id || g.RemoteID == id {
			if g.RemoteID != "" {
				remoteID = g.RemoteID
			}
			groups = append(groups[:i], groups[i+1:]...)
			if err := e.cache.SaveGroups(ctx, groups); err != nil {
				return err
			}
			break
		}
	}

	return e.deleteRemote(ctx, cache.DeleteTypeGroup, remoteID)
}

// deleteRemote issues or queues the remote side of a deletion.
func (e *Engine) deleteRemote(ctx context.Context, typ, remoteID string) error {
	if !e.conn.IsOnline() {
		if err := e.cache.EnqueueDelete(ctx, typ, remoteID); err != nil {
			return fmt.Errorf("failed to queue %s delete: %w", typ, err)
		}
		e.logger.Printf("Offline, queued %s delete: %s", typ, remoteID)
		return nil
	}

	if err := e.applyRemoteDelete(ctx, typ, remoteID); err != nil {
		// Transient failure converts into a queued retry.
		e.logger.Printf("Warning: remote %s delete failed, queueing for retry: %v", typ, err)
		if qerr := e.cache.EnqueueDelete(ctx, typ, remoteID); qerr != nil {
			return fmt.Errorf("failed to queue %s delete: %w", typ, qerr)
		}
		return nil
	}

	if err := e.cache.DequeueDelete(ctx, typ, remoteID); err != nil {
		e.logger.Printf("Warning: failed to clear queue entry for %s %s: %v", typ, remoteID, err)
	}
	return nil
}

// applyRemoteDelete performs the actual remote deletion. Zero affected
// rows is success: the entity was already gone.
func (e *Engine) applyRemoteDelete(ctx context.Context, typ, remoteID string) error {
	cols := e.schema.Detect(ctx)

	switch typ {
	case cache.DeleteTypeExpense:
		idCol := cols.Column(remote.TableExpenses, "id")
		affected, err := e.store.Delete(ctx, remote.TableExpenses, idCol, remoteID)
		if err != nil {
			return err
		}
		if affected == 0 {
			e.logger.Printf("Expense %s already absent remotely", remoteID)
		}
		return nil

	case cache.DeleteTypeGroup:
		// Children first so a fault between the two deletes never orphans
		// expenses under a missing group.
		groupIDCol := cols.Column(remote.TableExpenses, "groupId")
		if _, err := e.store.Delete(ctx, remote.TableExpenses, groupIDCol, remoteID); err != nil {
			return err
		}
		idCol := cols.Column(remote.TableGroups, "id")
		affected, err := e.store.Delete(ctx, remote.TableGroups, idCol, remoteID)
		if err != nil {
			return err
		}
		if affected == 0 {
			e.logger.Printf("Group %s already absent remotely", remoteID)
		}
		return nil

	default:
		return fmt.Errorf("unknown delete type %q", typ)
	}
}

// ProcessDeleteQueue replays queued deletions in FIFO order.
//
// Each entry leaves the queue only after its remote delete succeeds;
// failed entries are logged and stay queued for a future attempt.
func (e *Engine) ProcessDeleteQueue(ctx context.Context) error {
	if !e.conn.IsOnline() {
		return nil
	}

	queue, err := e.cache.DeleteQueue(ctx)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return nil
	}

	e.logger.Printf("Processing delete queue: %d entries", len(queue))
	var failed int
	for _, entry := range queue {
		if err := e.applyRemoteDelete(ctx, entry.Type, entry.ID); err != nil {
			e.logger.Printf("Warning: queued %s delete %s failed, keeping: %v", entry.Type, entry.ID, err)
			failed++
			continue
		}
		if err := e.cache.DequeueDelete(ctx, entry.Type, entry.ID); err != nil {
			return fmt.Errorf("failed to remove processed queue entry: %w", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d queued deletions failed", failed, len(queue))
	}
	return nil
}
