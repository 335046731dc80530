package tidemark

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FetchResult summarizes one delta-fetch pass for a collection.
type FetchResult struct {
	Collection string `json:"collection"`
	Fetched    int    `json:"fetched"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	// Throttled is true when the pass was suppressed because a recent
	// fetch already covered this collection.
	Throttled bool `json:"throttled"`
}

// DeltaFetcher pulls remote changes incrementally.
//
// Each collection carries a watermark: the newest record timestamp ever
// merged. A fetch asks the remote service only for records newer than the
// watermark, merges them through last-writer-wins, and advances the
// watermark monotonically. Fetching is idempotent: re-merging a page the
// store has already seen changes nothing.
//
// A cold cache is fetched with a bounded first page so startup cost does
// not scale with collection history. Fetches are throttled per collection;
// an empty local cache overrides the throttle.
type DeltaFetcher struct {
	store  *Store
	remote RemoteService
	cfg    FetchConfig

	mu       sync.Mutex
	inflight map[string]bool
	lastRun  map[string]time.Time
}

// NewDeltaFetcher creates a fetcher over the store and remote service.
func NewDeltaFetcher(store *Store, remote RemoteService, cfg FetchConfig) *DeltaFetcher {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.InitialPageSize <= 0 {
		cfg.InitialPageSize = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &DeltaFetcher{
		store:    store,
		remote:   remote,
		cfg:      cfg,
		inflight: make(map[string]bool),
		lastRun:  make(map[string]time.Time),
	}
}

// Sync fetches and merges changes for one collection. Concurrent calls
// for the same collection collapse into the running pass; calls within
// the throttle interval are suppressed unless the local cache is empty.
func (f *DeltaFetcher) Sync(ctx context.Context, collection string) (FetchResult, error) {
	meta, err := f.store.Metadata(ctx, collection)
	if err != nil {
		return FetchResult{Collection: collection}, err
	}
	empty := meta.ItemCount == 0

	f.mu.Lock()
	if f.inflight[collection] {
		f.mu.Unlock()
		return FetchResult{Collection: collection, Throttled: true}, nil
	}
	if !empty && time.Since(f.lastRun[collection]) < f.cfg.MinInterval {
		f.mu.Unlock()
		return FetchResult{Collection: collection, Throttled: true}, nil
	}
	f.inflight[collection] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inflight, collection)
		f.mu.Unlock()
	}()

	res, err := f.fetch(ctx, collection, meta, empty)
	if err == nil {
		f.mu.Lock()
		f.lastRun[collection] = time.Now()
		f.mu.Unlock()
	}
	return res, err
}

func (f *DeltaFetcher) fetch(ctx context.Context, collection string, meta CollectionMetadata, empty bool) (FetchResult, error) {
	res := FetchResult{Collection: collection}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	since := meta.NewestItemTimestamp
	limit := 0
	if empty {
		// Cold start: bound the first page rather than pulling history.
		since = 0
		limit = f.cfg.InitialPageSize
	}

	recs, err := f.remote.FetchCollection(reqCtx, collection, since, limit)
	if err != nil {
		return res, err
	}
	res.Fetched = len(recs)

	var watermark int64
	for i := range recs {
		inserted, err := f.store.UpsertRemoteRecord(ctx, recs[i])
		if err != nil {
			return res, err
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
		if recs[i].UpdatedAt > watermark {
			watermark = recs[i].UpdatedAt
		}
	}

	if watermark < meta.NewestItemTimestamp {
		watermark = meta.NewestItemTimestamp
	}
	// An empty delta still records the fetch time for staleness tracking.
	count := meta.ItemCount + int64(res.Inserted)
	now := time.Now().UnixNano()
	if err := f.store.AdvanceWatermark(ctx, collection, watermark, now, count); err != nil {
		return res, err
	}
	return res, nil
}

// FullRefresh discards cached records for a collection and replaces them
// with a fresh remote snapshot. Records with pending outbox entries
// survive the replacement.
func (f *DeltaFetcher) FullRefresh(ctx context.Context, collection string) (FetchResult, error) {
	res := FetchResult{Collection: collection}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	recs, err := f.remote.FetchCollection(reqCtx, collection, 0, 0)
	if err != nil {
		return res, err
	}
	res.Fetched = len(recs)
	res.Inserted = len(recs)

	if err := f.store.ReplaceCollection(ctx, collection, recs); err != nil {
		return res, err
	}

	f.mu.Lock()
	f.lastRun[collection] = time.Now()
	f.mu.Unlock()
	return res, nil
}

// Load returns a collection's cached records and whether they are stale
// (older than ttl since the last successful fetch). A cold cache with a
// failing remote returns ErrCacheEmpty; a warm cache silently serves its
// contents even when the revalidating fetch fails, so a flaky network
// never blanks a screen that has data.
func (f *DeltaFetcher) Load(ctx context.Context, collection string, ttl time.Duration) ([]Record, bool, error) {
	recs, err := f.store.ListCollection(ctx, collection)
	if err != nil {
		return nil, false, err
	}
	meta, err := f.store.Metadata(ctx, collection)
	if err != nil {
		return nil, false, err
	}

	stale := meta.LastFetchTime == 0 ||
		time.Since(time.Unix(0, meta.LastFetchTime)) > ttl

	if len(recs) == 0 {
		if _, err := f.Sync(ctx, collection); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, false, err
			}
			return nil, false, ErrCacheEmpty
		}
		recs, err = f.store.ListCollection(ctx, collection)
		if err != nil {
			return nil, false, err
		}
		return recs, false, nil
	}

	_ = f.store.TouchAccess(ctx, collection)
	return recs, stale, nil
}
