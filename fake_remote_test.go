package tidemark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeRemote is a scriptable in-memory RemoteService.
type fakeRemote struct {
	mu sync.Mutex

	// records served by FetchCollection, per collection.
	records map[string][]Record

	// failNext makes the next n write/fetch calls fail with a retryable
	// network error; failAlways keeps failing.
	failNext   int
	failAlways bool
	// rejectWrites makes writes fail with a non-retryable error.
	rejectWrites bool

	// appliedOn overrides the version reported in write acks; when nil the
	// ack echoes the entry's base version (no conflict).
	appliedOn func(entry OutboxEntry) int64
	// ackRecord overrides the canonical record returned in write acks.
	ackRecord func(entry OutboxEntry, id string) Record

	// streams feeds Subscribe; nil means Subscribe fails.
	streams map[string]*fakeStream

	createCalls int
	updateCalls int
	deleteCalls int
	fetchCalls  int
	lastSince   int64
	lastLimit   int
	deleted     []string
	writeLog    []string
	nextID      int

	// blockWrites, when non-nil, is received from before each write
	// returns (for single-flight and in-flight tests); writesBlocked
	// counts writes parked on it.
	blockWrites   chan struct{}
	writesBlocked int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string][]Record)}
}

func (f *fakeRemote) failing(err string) error {
	return newNetworkError("fake", errors.New(err))
}

func (f *fakeRemote) maybeFail() error {
	if f.failAlways {
		return f.failing("network down")
	}
	if f.failNext > 0 {
		f.failNext--
		return f.failing("network down")
	}
	return nil
}

func (f *fakeRemote) FetchCollection(ctx context.Context, collection string, since int64, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.lastSince = since
	f.lastLimit = limit
	if err := f.maybeFail(); err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range f.records[collection] {
		if rec.UpdatedAt > since {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRemote) FetchRecord(ctx context.Context, collection, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records[collection] {
		if rec.ID == id {
			r := rec
			return &r, nil
		}
	}
	return nil, fmt.Errorf("fake: no record %s", id)
}

func (f *fakeRemote) FetchSubResource(ctx context.Context, collection, id, resource string) (json.RawMessage, error) {
	return json.RawMessage(`{"count":42}`), nil
}

func (f *fakeRemote) write(entry OutboxEntry, update bool) (*RemoteAck, error) {
	f.mu.Lock()
	block := f.blockWrites
	if block != nil {
		f.writesBlocked++
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeLog = append(f.writeLog, entry.LocalID)
	if update {
		f.updateCalls++
	} else {
		f.createCalls++
	}
	if err := f.maybeFail(); err != nil {
		return nil, err
	}
	if f.rejectWrites {
		return nil, errors.New("fake: remote rejected with 422")
	}

	id := entry.RecordID
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("srv-%d", f.nextID)
	}
	appliedOn := entry.BaseVersion
	if f.appliedOn != nil {
		appliedOn = f.appliedOn(entry)
	}
	var rec Record
	if f.ackRecord != nil {
		rec = f.ackRecord(entry, id)
	} else {
		rec = Record{
			ID:         id,
			LocalID:    entry.LocalID,
			Collection: entry.Collection,
			Payload:    entry.Payload,
			Status:     StatusSent,
			UpdatedAt:  time.Now().UnixNano(),
		}
	}
	return &RemoteAck{Record: rec, AppliedOn: appliedOn}, nil
}

func (f *fakeRemote) Create(ctx context.Context, entry OutboxEntry) (*RemoteAck, error) {
	return f.write(entry, false)
}

func (f *fakeRemote) Update(ctx context.Context, entry OutboxEntry) (*RemoteAck, error) {
	return f.write(entry, true)
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, collection string) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streams == nil || f.streams[collection] == nil {
		return nil, f.failing("no stream")
	}
	s := f.streams[collection]
	f.streams[collection] = nil
	return s, nil
}

// fakeStream delivers scripted events, then an error.
type fakeStream struct {
	events chan ChangeEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan ChangeEvent, 16)}
}

func (s *fakeStream) ReadEvent() (ChangeEvent, error) {
	ev, ok := <-s.events
	if !ok {
		return ChangeEvent{}, errors.New("stream closed")
	}
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir()+"/test.db", StoreConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func dataRecord(collection, localID, body string) Record {
	return Record{
		LocalID:    localID,
		Collection: collection,
		Payload:    DataPayload(json.RawMessage(body)),
		Status:     StatusPending,
		UpdatedAt:  time.Now().UnixNano(),
	}
}

func serverRecord(collection, id, body string, updatedAt int64) Record {
	return Record{
		ID:         id,
		Collection: collection,
		Payload:    DataPayload(json.RawMessage(body)),
		Status:     StatusSent,
		Synced:     true,
		UpdatedAt:  updatedAt,
	}
}
