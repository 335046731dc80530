package tidemark

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConflictResolver detects divergence between a pending local write and
// the authoritative remote state.
//
// Each pending write moves through applied-locally, awaiting-ack, and then
// confirmed or conflicted. A write is conflicted when the remote service
// reports that it was applied on top of a version other than the one the
// write assumed: another actor modified the record between the local read
// and the write's arrival.
//
// Conflicts are never resolved silently. A ConflictRecord retaining both
// versions is stored, a default last-writer-wins policy is applied
// immediately so the UI stays responsive, and the record stays queryable
// and reversible until a manual resolution call clears it.
type ConflictResolver struct {
	store *Store

	// resubmit re-enqueues a record's content as an update on top of the
	// given base version. Wired to the outbox engine by the client.
	resubmit func(ctx context.Context, rec Record, baseVersion int64) error
}

// NewConflictResolver creates a resolver over the store.
func NewConflictResolver(store *Store) *ConflictResolver {
	return &ConflictResolver{store: store}
}

// SetResubmit wires the re-submission path used when the local version
// wins a conflict.
func (cr *ConflictResolver) SetResubmit(fn func(ctx context.Context, rec Record, baseVersion int64) error) {
	cr.resubmit = fn
}

// InspectAck examines a write acknowledgment and returns the record that
// should become current locally. A clean ack (applied on the assumed base)
// confirms the write; a divergent ack records a conflict and applies the
// default policy: remote wins when the remote version is newer, local
// wins otherwise.
//
// When the local version wins, the returned resubmitOn is the remote
// version the surviving content must be re-pushed on top of. The caller
// queues that resubmission after it has retired the acknowledged entry;
// queueing it earlier would collide with the entry still in the outbox.
func (cr *ConflictResolver) InspectAck(ctx context.Context, entry OutboxEntry, ack *RemoteAck) (current Record, resubmitOn int64, err error) {
	canonical := ack.Record
	if canonical.LocalID == "" {
		canonical.LocalID = entry.LocalID
	}
	canonical.Synced = true

	if ack.AppliedOn == entry.BaseVersion {
		return canonical, 0, nil
	}

	local, err := cr.store.GetRecordByLocalID(ctx, entry.Collection, entry.LocalID)
	if err != nil {
		// The optimistic record is gone (evicted or abandoned); the remote
		// version is all we have.
		return canonical, 0, nil
	}

	conflict := ConflictRecord{
		ID:            uuid.NewString(),
		EntityID:      canonical.Key(),
		Collection:    entry.Collection,
		LocalVersion:  *local,
		RemoteVersion: canonical,
		DetectedAt:    time.Now().UnixNano(),
		Resolution:    ResolutionUnresolved,
	}

	if canonical.UpdatedAt > local.UpdatedAt {
		conflict.Applied = ResolutionRemoteWins
		current = canonical
	} else {
		conflict.Applied = ResolutionLocalWins
		current = *local
		current.ID = canonical.ID
		current.Synced = true
		resubmitOn = canonical.UpdatedAt
	}

	if err := cr.store.PutConflict(ctx, conflict); err != nil {
		return current, 0, err
	}
	return current, resubmitOn, nil
}

// Resolve clears a conflict with an explicit strategy, which may flip the
// default choice. The chosen version becomes current; choosing the local
// version re-submits it to the remote service.
func (cr *ConflictResolver) Resolve(ctx context.Context, id string, strategy Resolution) error {
	if strategy != ResolutionLocalWins && strategy != ResolutionRemoteWins {
		return fmt.Errorf("invalid resolution strategy %q", strategy)
	}
	conflict, err := cr.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}

	switch strategy {
	case ResolutionRemoteWins:
		if err := cr.store.ApplyCanonical(ctx, conflict.RemoteVersion); err != nil {
			return err
		}
	case ResolutionLocalWins:
		current := conflict.LocalVersion
		current.ID = conflict.RemoteVersion.ID
		current.UpdatedAt = time.Now().UnixNano()
		if err := cr.store.ApplyCanonical(ctx, current); err != nil {
			return err
		}
		if cr.resubmit != nil {
			if err := cr.resubmit(ctx, current, conflict.RemoteVersion.UpdatedAt); err != nil {
				return fmt.Errorf("resubmit local version: %w", err)
			}
		}
	}

	return cr.store.DeleteConflict(ctx, id)
}
