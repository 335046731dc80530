package tidemark

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ChangeOp identifies what a pushed change event did.
type ChangeOp string

const (
	// ChangeInsert carries a full new record.
	ChangeInsert ChangeOp = "insert"
	// ChangeUpdate carries a full replacement record.
	ChangeUpdate ChangeOp = "update"
	// ChangePatch targets one sub-resource of a record (a counter, a
	// nested field) without shipping the whole record.
	ChangePatch ChangeOp = "patch"
	// ChangeDelete removes a record.
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is one server-pushed change.
type ChangeEvent struct {
	Op         ChangeOp `json:"op"`
	Collection string   `json:"collection"`
	RecordID   string   `json:"record_id"`

	// Record is set for insert and update events.
	Record *Record `json:"record,omitempty"`

	// Resource names the sub-resource a patch event targets. Fragment is
	// the new content; when empty the merger fetches it.
	Resource string          `json:"resource,omitempty"`
	Fragment json.RawMessage `json:"fragment,omitempty"`

	UpdatedAt int64 `json:"updated_at"`
}

// RealtimeStats reports the merger's activity counters.
type RealtimeStats struct {
	EventsApplied  int64 `json:"events_applied"`
	EventsSkipped  int64 `json:"events_skipped"`
	StreamRestarts int64 `json:"stream_restarts"`
}

// RealtimeMerger consumes push-event streams and folds the events into
// the store through the same merge path as delta fetch, so a record that
// arrives over both never duplicates: an echo of a record the store
// already holds is a no-op.
//
// Each subscribed collection gets its own stream goroutine. A broken
// stream is reopened with exponential backoff; the watermark makes the
// catch-up fetch after a gap cheap.
type RealtimeMerger struct {
	store  *Store
	remote RemoteService
	cfg    RealtimeConfig

	mu      sync.Mutex
	stats   RealtimeStats
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRealtimeMerger creates a merger over the store and remote service.
func NewRealtimeMerger(store *Store, remote RemoteService, cfg RealtimeConfig) *RealtimeMerger {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RealtimeMerger{
		store:  store,
		remote: remote,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens a stream per collection.
func (rm *RealtimeMerger) Start(collections []string) {
	rm.mu.Lock()
	if rm.running {
		rm.mu.Unlock()
		return
	}
	rm.running = true
	rm.mu.Unlock()

	for _, c := range collections {
		rm.wg.Add(1)
		go rm.run(c)
	}
}

// Stop closes all streams and waits for the goroutines to exit.
func (rm *RealtimeMerger) Stop() {
	rm.mu.Lock()
	if !rm.running {
		rm.mu.Unlock()
		return
	}
	rm.running = false
	rm.mu.Unlock()

	rm.cancel()
	rm.wg.Wait()
}

// Stats returns activity counters.
func (rm *RealtimeMerger) Stats() RealtimeStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.stats
}

// run owns one collection's stream for the merger's lifetime.
func (rm *RealtimeMerger) run(collection string) {
	defer rm.wg.Done()

	backoff := rm.cfg.ReconnectBackoff
	for {
		if rm.ctx.Err() != nil {
			return
		}
		stream, err := rm.remote.Subscribe(rm.ctx, collection)
		if err != nil {
			if !rm.sleep(backoff) {
				return
			}
			backoff = rm.nextBackoff(backoff)
			continue
		}

		if rm.consume(collection, stream) {
			// Stream lived long enough to deliver events; start the
			// backoff ladder over.
			backoff = rm.cfg.ReconnectBackoff
		}
		stream.Close()
		rm.mu.Lock()
		rm.stats.StreamRestarts++
		rm.mu.Unlock()

		if !rm.sleep(backoff) {
			return
		}
		backoff = rm.nextBackoff(backoff)
	}
}

// consume reads a stream until it breaks. Reports whether any event was
// delivered.
func (rm *RealtimeMerger) consume(collection string, stream EventStream) bool {
	delivered := false
	type result struct {
		ev  ChangeEvent
		err error
	}
	events := make(chan result)
	go func() {
		for {
			ev, err := stream.ReadEvent()
			select {
			case events <- result{ev, err}:
			case <-rm.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-rm.ctx.Done():
			return delivered
		case res := <-events:
			if res.err != nil {
				return delivered
			}
			delivered = true
			rm.apply(collection, res.ev)
		}
	}
}

// apply folds one event into the store.
func (rm *RealtimeMerger) apply(collection string, ev ChangeEvent) {
	if ev.Collection == "" {
		ev.Collection = collection
	}
	applied := false
	switch ev.Op {
	case ChangeInsert, ChangeUpdate:
		if ev.Record != nil {
			rec := *ev.Record
			rec.Collection = ev.Collection
			// The next delta fetch may re-deliver this record; the
			// last-writer-wins merge makes the echo a no-op.
			if _, err := rm.store.UpsertRemoteRecord(rm.ctx, rec); err == nil {
				applied = true
			}
		}
	case ChangePatch:
		applied = rm.applyPatch(ev)
	case ChangeDelete:
		if ev.RecordID != "" {
			if err := rm.store.WriteTombstone(rm.ctx, ev.Collection, ev.RecordID); err == nil {
				applied = true
			}
		}
	}

	rm.mu.Lock()
	if applied {
		rm.stats.EventsApplied++
	} else {
		rm.stats.EventsSkipped++
	}
	rm.mu.Unlock()
}

// applyPatch merges a sub-resource fragment into the stored record,
// fetching the fragment when the event does not carry it inline.
func (rm *RealtimeMerger) applyPatch(ev ChangeEvent) bool {
	if ev.RecordID == "" {
		return false
	}
	fragment := ev.Fragment
	if len(fragment) == 0 {
		if ev.Resource == "" {
			return false
		}
		raw, err := rm.remote.FetchSubResource(rm.ctx, ev.Collection, ev.RecordID, ev.Resource)
		if err != nil {
			return false
		}
		raw, err = json.Marshal(map[string]json.RawMessage{ev.Resource: raw})
		if err != nil {
			return false
		}
		fragment = raw
	}
	updatedAt := ev.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().UnixNano()
	}
	return rm.store.PatchRecordPayload(rm.ctx, ev.Collection, ev.RecordID, fragment, updatedAt) == nil
}

// sleep waits for d or until shutdown; reports false on shutdown.
func (rm *RealtimeMerger) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rm.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (rm *RealtimeMerger) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > rm.cfg.MaxReconnectBackoff {
		return rm.cfg.MaxReconnectBackoff
	}
	return next
}
