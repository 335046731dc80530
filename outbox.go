package tidemark

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	// Permanent counts entries that crossed the retry cap during this pass.
	Permanent int `json:"permanent"`
	// Skipped is true when the pass was a no-op because another flush was
	// already in flight.
	Skipped bool `json:"skipped"`
}

// OutboxEngine drains queued local writes to the remote service.
//
// Enqueue records the write optimistically: the record lands in the store
// marked pending before any network activity, so the UI never waits.
// Flush is single-flight: a flush invoked while one is running is a no-op,
// not a queued second run. Failures are per-item; one stuck entry never
// blocks the rest of the pass.
type OutboxEngine struct {
	store    *Store
	remote   RemoteService
	resolver *ConflictResolver
	media    MediaUploader
	cfg      OutboxConfig

	flushing  atomic.Bool
	mu        sync.RWMutex
	lastFlush time.Time
}

// NewOutboxEngine creates the sync engine. media may be nil when the
// application never produces media payloads.
func NewOutboxEngine(store *Store, remote RemoteService, resolver *ConflictResolver, media MediaUploader, cfg OutboxConfig) *OutboxEngine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 16 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	e := &OutboxEngine{
		store:    store,
		remote:   remote,
		resolver: resolver,
		media:    media,
		cfg:      cfg,
	}
	resolver.SetResubmit(e.enqueueResubmit)
	return e
}

// Enqueue records a local write and queues it for sync. A record without
// a LocalID gets one assigned; a record that already carries a server ID
// is queued as an update on top of its current version, otherwise as a
// create. The returned record reflects the optimistic local state.
func (e *OutboxEngine) Enqueue(ctx context.Context, rec Record) (*Record, error) {
	if rec.Collection == "" {
		return nil, fmt.Errorf("record has no collection")
	}
	if err := rec.Payload.Validate(); err != nil {
		return nil, err
	}
	if rec.LocalID == "" {
		rec.LocalID = NewLocalID()
	}

	op := OpCreate
	var baseVersion int64
	if rec.ID != "" {
		op = OpUpdate
		if existing, err := e.store.GetRecord(ctx, rec.Collection, rec.ID); err == nil {
			baseVersion = existing.UpdatedAt
			if rec.LocalID == "" || rec.LocalID != existing.LocalID {
				rec.LocalID = existing.LocalID
			}
			if rec.LocalID == "" {
				rec.LocalID = NewLocalID()
			}
		}
	}

	now := time.Now().UnixNano()
	rec.Status = StatusPending
	rec.Synced = false
	rec.UpdatedAt = now

	entry := OutboxEntry{
		LocalID:     rec.LocalID,
		Collection:  rec.Collection,
		Op:          op,
		Payload:     rec.Payload,
		RecordID:    rec.ID,
		BaseVersion: baseVersion,
		EnqueuedAt:  now,
	}
	if err := e.store.EnqueueWrite(ctx, &rec, entry); err != nil {
		return nil, err
	}
	return &rec, nil
}

// EnqueueDelete soft-deletes a record locally and queues the remote
// delete. For a record the server has never seen, the pending create is
// simply dropped with the deletion.
func (e *OutboxEngine) EnqueueDelete(ctx context.Context, collection, key string) error {
	rec, err := e.store.GetRecord(ctx, collection, key)
	if err != nil {
		rec, err = e.store.GetRecordByLocalID(ctx, collection, key)
		if err != nil {
			return err
		}
	}

	var entry *OutboxEntry
	if rec.ID != "" {
		localID := rec.LocalID
		if localID == "" {
			localID = NewLocalID()
		}
		entry = &OutboxEntry{
			LocalID:     localID,
			Collection:  collection,
			Op:          OpDelete,
			RecordID:    rec.ID,
			BaseVersion: rec.UpdatedAt,
			EnqueuedAt:  time.Now().UnixNano(),
		}
	}
	return e.store.DeleteRecord(ctx, collection, rec.Key(), entry)
}

// enqueueResubmit re-queues a record's content as an update on a given
// base version. Used by conflict resolution when the local version wins.
func (e *OutboxEngine) enqueueResubmit(ctx context.Context, rec Record, baseVersion int64) error {
	entry := OutboxEntry{
		LocalID:     rec.LocalID,
		Collection:  rec.Collection,
		Op:          OpUpdate,
		Payload:     rec.Payload,
		RecordID:    rec.ID,
		BaseVersion: baseVersion,
		EnqueuedAt:  time.Now().UnixNano(),
	}
	rec.Status = StatusPending
	rec.Synced = false
	return e.store.EnqueueWrite(ctx, &rec, entry)
}

// Flush drains due outbox entries oldest-first. It is safe to call from
// any goroutine; overlapping calls collapse into the running pass.
func (e *OutboxEngine) Flush(ctx context.Context) (FlushResult, error) {
	if !e.flushing.CompareAndSwap(false, true) {
		return FlushResult{Skipped: true}, nil
	}
	defer e.flushing.Store(false)

	entries, err := e.store.DueOutboxEntries(ctx, time.Now().UnixNano())
	if err != nil {
		return FlushResult{}, err
	}

	var res FlushResult
	for i := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++
		if err := e.dispatch(ctx, entries[i]); err != nil {
			permanent, bookErr := e.recordFailure(ctx, entries[i], err)
			if bookErr != nil {
				return res, bookErr
			}
			if permanent {
				res.Permanent++
			} else {
				res.Retried++
			}
			continue
		}
		res.Succeeded++
	}

	e.mu.Lock()
	e.lastFlush = time.Now()
	e.mu.Unlock()
	return res, nil
}

// dispatch sends one entry to the remote service and reconciles the ack.
func (e *OutboxEngine) dispatch(ctx context.Context, entry OutboxEntry) error {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if entry.Op == OpDelete {
		if err := e.remote.Delete(reqCtx, entry.Collection, entry.RecordID); err != nil {
			return err
		}
		return e.store.AckDeletion(ctx, entry)
	}

	// Media payloads upload their blob first, then send the reference.
	if entry.Payload.Kind == PayloadMediaRef &&
		entry.Payload.Media != nil && entry.Payload.Media.URL == "" {
		if e.media == nil {
			return fmt.Errorf("media payload for %s but no uploader configured", entry.LocalID)
		}
		uploaded, err := e.media.Upload(reqCtx, entry.LocalID, *entry.Payload.Media)
		if err != nil {
			return err
		}
		uploaded.PendingBytes = nil
		entry.Payload.Media = &uploaded
		if err := e.store.UpdateOutboxPayload(ctx, entry.LocalID, entry.Payload); err != nil {
			return err
		}
	}

	var ack *RemoteAck
	var err error
	switch entry.Op {
	case OpCreate:
		ack, err = e.remote.Create(reqCtx, entry)
	case OpUpdate:
		ack, err = e.remote.Update(reqCtx, entry)
	default:
		return fmt.Errorf("unknown outbox op %q", entry.Op)
	}
	if err != nil {
		return err
	}

	current, resubmitOn, err := e.resolver.InspectAck(ctx, entry, ack)
	if err != nil {
		return err
	}
	if err := e.store.CompleteOutboxEntry(ctx, entry, current); err != nil {
		return err
	}
	if resubmitOn != 0 {
		// The local version won the conflict: push its content back on top
		// of the remote version so both sides converge.
		return e.enqueueResubmit(ctx, current, resubmitOn)
	}
	return nil
}

// recordFailure books a failed attempt with exponential backoff and
// reports whether the entry just became permanently failed. A bookkeeping
// failure is returned to the caller: an unbooked attempt would never
// advance the retry count or backoff. An entry that vanished mid-flight
// (abandoned or superseded) has nothing left to book.
func (e *OutboxEngine) recordFailure(ctx context.Context, entry OutboxEntry, cause error) (bool, error) {
	attempt := entry.RetryCount + 1
	permanent := attempt > e.cfg.MaxRetries || !IsRetryable(cause)
	var nextRetry int64
	if !permanent {
		nextRetry = time.Now().Add(e.backoffFor(attempt)).UnixNano()
	}
	err := e.store.FailOutboxEntry(ctx, entry.LocalID, cause.Error(), entry.EnqueuedAt, nextRetry, permanent)
	if errors.Is(err, ErrEntryNotFound) {
		return permanent, nil
	}
	return permanent, err
}

// backoffFor returns the delay before retry attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s, capped.
func (e *OutboxEngine) backoffFor(attempt int) time.Duration {
	backoff := e.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return backoff
}

// FailedEntries returns permanently failed entries for manual action.
func (e *OutboxEngine) FailedEntries(ctx context.Context) ([]OutboxEntry, error) {
	return e.store.FailedOutboxEntries(ctx)
}

// Retry returns a permanently failed entry to the queue with a fresh
// retry budget and flushes immediately.
func (e *OutboxEngine) Retry(ctx context.Context, localID string) error {
	if err := e.store.ResetOutboxEntry(ctx, localID); err != nil {
		return err
	}
	_, err := e.Flush(ctx)
	return err
}

// Abandon explicitly discards an entry. The optimistic record remains in
// the store, unsynced.
func (e *OutboxEngine) Abandon(ctx context.Context, localID string) error {
	return e.store.AbandonOutboxEntry(ctx, localID)
}

// IsFlushing reports whether a flush pass is in flight.
func (e *OutboxEngine) IsFlushing() bool {
	return e.flushing.Load()
}

// LastFlush returns the completion time of the most recent flush pass.
func (e *OutboxEngine) LastFlush() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastFlush
}
