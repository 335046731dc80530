package tidemark

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startTestMerger(t *testing.T, store *Store, remote *fakeRemote, collections ...string) *RealtimeMerger {
	t.Helper()
	merger := NewRealtimeMerger(store, remote, RealtimeConfig{
		ReconnectBackoff:    time.Millisecond,
		MaxReconnectBackoff: 10 * time.Millisecond,
	})
	merger.Start(collections)
	t.Cleanup(merger.Stop)
	return merger
}

func TestRealtimeInsertApplied(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	stream := newFakeStream()
	remote.streams = map[string]*fakeStream{"feed": stream}

	startTestMerger(t, store, remote, "feed")

	rec := serverRecord("feed", "f1", `{"v":1}`, 100)
	stream.events <- ChangeEvent{Op: ChangeInsert, Collection: "feed", Record: &rec}

	waitFor(t, "insert to land", func() bool {
		_, err := store.GetRecord(context.Background(), "feed", "f1")
		return err == nil
	})
}

func TestRealtimeEchoDoesNotDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The flush ack already installed the record.
	acked := serverRecord("feed", "f1", `{"v":1}`, 100)
	acked.LocalID = "local-abc"
	if _, err := store.UpsertRemoteRecord(ctx, acked); err != nil {
		t.Fatalf("seed: %v", err)
	}

	remote := newFakeRemote()
	stream := newFakeStream()
	remote.streams = map[string]*fakeStream{"feed": stream}
	merger := startTestMerger(t, store, remote, "feed")

	// The realtime echo of the same write arrives after the ack.
	echo := serverRecord("feed", "f1", `{"v":1}`, 100)
	stream.events <- ChangeEvent{Op: ChangeInsert, Collection: "feed", Record: &echo}

	waitFor(t, "echo to be consumed", func() bool {
		s := merger.Stats()
		return s.EventsApplied+s.EventsSkipped >= 1
	})

	recs, err := store.ListCollection(ctx, "feed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("echo duplicated the record: %d rows", len(recs))
	}
}

func TestRealtimeDeleteWritesTombstone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.UpsertRemoteRecord(ctx, serverRecord("feed", "f1", `{"v":1}`, 100)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	remote := newFakeRemote()
	stream := newFakeStream()
	remote.streams = map[string]*fakeStream{"feed": stream}
	startTestMerger(t, store, remote, "feed")

	stream.events <- ChangeEvent{Op: ChangeDelete, Collection: "feed", RecordID: "f1"}

	waitFor(t, "delete to land", func() bool {
		recs, _ := store.ListCollection(ctx, "feed")
		return len(recs) == 0
	})
	if has, _ := store.HasTombstone(ctx, "feed", "f1"); !has {
		t.Error("remote delete left no tombstone")
	}

	// A later delta page containing the deleted record cannot bring it back.
	if _, err := store.UpsertRemoteRecord(ctx, serverRecord("feed", "f1", `{"v":1}`, 200)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if recs, _ := store.ListCollection(ctx, "feed"); len(recs) != 0 {
		t.Error("tombstoned record resurrected by delta fetch")
	}
}

func TestRealtimePatchMergesFragment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.UpsertRemoteRecord(ctx,
		serverRecord("posts", "p1", `{"title":"hi","likes":0}`, 100)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	remote := newFakeRemote()
	stream := newFakeStream()
	remote.streams = map[string]*fakeStream{"posts": stream}
	startTestMerger(t, store, remote, "posts")

	stream.events <- ChangeEvent{
		Op:         ChangePatch,
		Collection: "posts",
		RecordID:   "p1",
		Fragment:   json.RawMessage(`{"likes":3}`),
		UpdatedAt:  200,
	}

	waitFor(t, "patch to land", func() bool {
		rec, err := store.GetRecord(ctx, "posts", "p1")
		if err != nil {
			return false
		}
		var doc map[string]any
		if json.Unmarshal(rec.Payload.Data, &doc) != nil {
			return false
		}
		likes, _ := doc["likes"].(float64)
		return likes == 3 && doc["title"] == "hi"
	})
}

func TestRealtimeReconnectsAfterStreamBreak(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	first := newFakeStream()
	remote.streams = map[string]*fakeStream{"feed": first}
	merger := startTestMerger(t, store, remote, "feed")

	close(first.events) // stream breaks

	waitFor(t, "restart counter", func() bool {
		return merger.Stats().StreamRestarts >= 1
	})

	// Offer a fresh stream; the merger picks it up and keeps merging.
	second := newFakeStream()
	remote.mu.Lock()
	remote.streams["feed"] = second
	remote.mu.Unlock()

	rec := serverRecord("feed", "f2", `{"v":2}`, 200)
	waitFor(t, "event after reconnect", func() bool {
		select {
		case second.events <- ChangeEvent{Op: ChangeInsert, Collection: "feed", Record: &rec}:
		default:
		}
		_, err := store.GetRecord(context.Background(), "feed", "f2")
		return err == nil
	})
}
