package tidemark

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestConflictCleanAckNoConflict(t *testing.T) {
	remote := newFakeRemote()
	engine, store := newTestOutbox(t, remote, OutboxConfig{})
	ctx := context.Background()

	if _, err := engine.Enqueue(ctx, dataRecord("notes", "", `{"v":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res, err := engine.Flush(ctx); err != nil || res.Succeeded != 1 {
		t.Fatalf("flush = %+v err=%v", res, err)
	}

	conflicts, err := store.Conflicts(ctx)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("clean ack produced %d conflicts", len(conflicts))
	}
}

func TestConflictDetectedOnDivergentAck(t *testing.T) {
	remote := newFakeRemote()
	// The server reports it applied the write on top of a version the
	// client never saw: someone else wrote in between.
	remoteVersion := int64(500)
	remote.appliedOn = func(entry OutboxEntry) int64 { return remoteVersion }
	remote.ackRecord = func(entry OutboxEntry, id string) Record {
		return Record{
			ID:         id,
			LocalID:    entry.LocalID,
			Collection: entry.Collection,
			Payload:    DataPayload(json.RawMessage(`{"v":"theirs"}`)),
			Status:     StatusSent,
			UpdatedAt:  remoteVersion,
		}
	}
	engine, store := newTestOutbox(t, remote, OutboxConfig{})
	ctx := context.Background()

	local := dataRecord("notes", "", `{"v":"mine"}`)
	queued, err := engine.Enqueue(ctx, local)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Make the local version newer than the remote one so the default
	// policy keeps it.
	remoteVersion = queued.UpdatedAt - 1000

	if res, err := engine.Flush(ctx); err != nil || res.Succeeded != 1 {
		t.Fatalf("flush = %+v err=%v", res, err)
	}

	conflicts, err := store.Conflicts(ctx)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if string(c.LocalVersion.Payload.Data) != `{"v":"mine"}` {
		t.Errorf("local version = %s", c.LocalVersion.Payload.Data)
	}
	if string(c.RemoteVersion.Payload.Data) != `{"v":"theirs"}` {
		t.Errorf("remote version = %s", c.RemoteVersion.Payload.Data)
	}
	if c.Applied != ResolutionLocalWins {
		t.Errorf("applied = %s, want local_wins (local is newer)", c.Applied)
	}
	if c.Resolution != ResolutionUnresolved {
		t.Errorf("resolution = %s, want unresolved", c.Resolution)
	}

	// Local wins by default policy: the surviving content is the local one
	// and a resubmission is queued.
	got, err := store.GetRecordByLocalID(ctx, "notes", queued.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload.Data) != `{"v":"mine"}` {
		t.Errorf("current payload = %s, want local content", got.Payload.Data)
	}
	if pending, _ := store.PendingOutboxEntries(ctx); len(pending) != 1 || pending[0].Op != OpUpdate {
		t.Errorf("resubmission not queued: %+v", pending)
	}
}

func TestConflictRemoteWinsWhenNewer(t *testing.T) {
	remote := newFakeRemote()
	remote.appliedOn = func(entry OutboxEntry) int64 {
		return time.Now().UnixNano() + int64(time.Hour)
	}
	remote.ackRecord = func(entry OutboxEntry, id string) Record {
		return Record{
			ID:         id,
			LocalID:    entry.LocalID,
			Collection: entry.Collection,
			Payload:    DataPayload(json.RawMessage(`{"v":"theirs"}`)),
			Status:     StatusSent,
			UpdatedAt:  time.Now().UnixNano() + int64(time.Hour),
		}
	}
	engine, store := newTestOutbox(t, remote, OutboxConfig{})
	ctx := context.Background()

	queued, err := engine.Enqueue(ctx, dataRecord("notes", "", `{"v":"mine"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res, err := engine.Flush(ctx); err != nil || res.Succeeded != 1 {
		t.Fatalf("flush = %+v err=%v", res, err)
	}

	conflicts, _ := store.Conflicts(ctx)
	if len(conflicts) != 1 || conflicts[0].Applied != ResolutionRemoteWins {
		t.Fatalf("conflicts = %+v, want one remote_wins", conflicts)
	}
	got, err := store.GetRecordByLocalID(ctx, "notes", queued.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload.Data) != `{"v":"theirs"}` {
		t.Errorf("current payload = %s, want remote content", got.Payload.Data)
	}
}

func TestConflictManualResolveFlipsDefault(t *testing.T) {
	remote := newFakeRemote()
	remote.appliedOn = func(entry OutboxEntry) int64 {
		return time.Now().UnixNano() + int64(time.Hour)
	}
	remote.ackRecord = func(entry OutboxEntry, id string) Record {
		return Record{
			ID:         id,
			LocalID:    entry.LocalID,
			Collection: entry.Collection,
			Payload:    DataPayload(json.RawMessage(`{"v":"theirs"}`)),
			Status:     StatusSent,
			UpdatedAt:  time.Now().UnixNano() + int64(time.Hour),
		}
	}
	store := newTestStore(t)
	resolver := NewConflictResolver(store)
	engine := NewOutboxEngine(store, remote, resolver, nil, OutboxConfig{})
	ctx := context.Background()

	queued, err := engine.Enqueue(ctx, dataRecord("notes", "", `{"v":"mine"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res, err := engine.Flush(ctx); err != nil || res.Succeeded != 1 {
		t.Fatalf("flush = %+v err=%v", res, err)
	}

	conflicts, _ := store.Conflicts(ctx)
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}

	// The default picked remote; the user flips it back to local.
	if err := resolver.Resolve(ctx, conflicts[0].ID, ResolutionLocalWins); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err := store.GetRecordByLocalID(ctx, "notes", queued.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload.Data) != `{"v":"mine"}` {
		t.Errorf("payload after flip = %s, want local content", got.Payload.Data)
	}
	if pending, _ := store.PendingOutboxEntries(ctx); len(pending) != 1 {
		t.Errorf("local-wins resolution did not queue a resubmission")
	}
	if remaining, _ := store.Conflicts(ctx); len(remaining) != 0 {
		t.Errorf("conflict not cleared after resolution")
	}
}

func TestConflictResolveRejectsBadStrategy(t *testing.T) {
	store := newTestStore(t)
	resolver := NewConflictResolver(store)
	if err := resolver.Resolve(context.Background(), "x", ResolutionUnresolved); err == nil {
		t.Error("expected error for unresolved strategy")
	}
}
