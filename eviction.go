package tidemark

import (
	"context"
	"sync"
	"time"
)

// SweepResult summarizes one eviction sweep.
type SweepResult struct {
	TotalRecords int64 `json:"total_records"`
	Evicted      int64 `json:"evicted"`
}

// CacheManager enforces freshness and size bounds over the store.
//
// Freshness is per collection: records older than the collection's TTL
// since the last successful fetch are stale. Stale data is still served;
// staleness only triggers revalidation, never a blank screen.
//
// The size bound evicts synced, clean records from the least recently
// accessed collections first. Records with pending outbox entries, dirty
// records, and pinned records are never evicted: unsynced local work
// outlives any cache pressure.
type CacheManager struct {
	store *Store
	cfg   CacheConfig
	ttls  func(collection string) time.Duration

	// revalidate is invoked (on the caller's goroutine budget) when a
	// stale collection is observed. Wired to the delta fetcher.
	revalidate func(collection string)

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCacheManager creates a cache manager. ttls resolves a collection's
// TTL; nil means every collection uses DefaultTTL.
func NewCacheManager(store *Store, cfg CacheConfig, ttls func(string) time.Duration) *CacheManager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if ttls == nil {
		ttls = func(string) time.Duration { return cfg.DefaultTTL }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheManager{
		store:  store,
		cfg:    cfg,
		ttls:   ttls,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetRevalidateHook wires the callback fired when stale data is observed.
func (cm *CacheManager) SetRevalidateHook(fn func(collection string)) {
	cm.mu.Lock()
	cm.revalidate = fn
	cm.mu.Unlock()
}

// TTLFor returns the effective TTL for a collection.
func (cm *CacheManager) TTLFor(collection string) time.Duration {
	ttl := cm.ttls(collection)
	if ttl <= 0 {
		ttl = cm.cfg.DefaultTTL
	}
	return ttl
}

// IsStale reports whether a collection's cache is past its TTL. A
// collection never fetched is stale.
func (cm *CacheManager) IsStale(ctx context.Context, collection string) (bool, error) {
	meta, err := cm.store.Metadata(ctx, collection)
	if err != nil {
		return false, err
	}
	if meta.LastFetchTime == 0 {
		return true, nil
	}
	return time.Since(time.Unix(0, meta.LastFetchTime)) > cm.TTLFor(collection), nil
}

// ObserveRead notes a cache read and kicks revalidation when the data
// served was stale. Never blocks.
func (cm *CacheManager) ObserveRead(collection string, stale bool) {
	if !stale {
		return
	}
	cm.mu.Lock()
	fn := cm.revalidate
	cm.mu.Unlock()
	if fn != nil {
		go fn(collection)
	}
}

// Start begins the periodic eviction sweep. A MaxRecords of zero disables
// size-based eviction, so no loop is needed.
func (cm *CacheManager) Start() {
	cm.mu.Lock()
	if cm.running {
		cm.mu.Unlock()
		return
	}
	cm.running = true
	cm.mu.Unlock()

	if cm.cfg.MaxRecords <= 0 {
		return
	}

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		ticker := time.NewTicker(cm.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cm.ctx.Done():
				return
			case <-ticker.C:
				cm.Sweep(cm.ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (cm *CacheManager) Stop() {
	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return
	}
	cm.running = false
	cm.mu.Unlock()

	cm.cancel()
	cm.wg.Wait()
}

// Sweep evicts records until the store is back under MaxRecords, taking
// the oldest records from the least recently accessed collections first.
func (cm *CacheManager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	total, err := cm.store.TotalRecordCount(ctx)
	if err != nil {
		return res, err
	}
	res.TotalRecords = total
	if cm.cfg.MaxRecords <= 0 || total <= cm.cfg.MaxRecords {
		return res, nil
	}

	excess := total - cm.cfg.MaxRecords
	metas, err := cm.store.CollectionsByAccess(ctx)
	if err != nil {
		return res, err
	}
	for _, meta := range metas {
		if excess <= 0 {
			break
		}
		evicted, err := cm.store.EvictRecords(ctx, meta.Collection, excess)
		if err != nil {
			return res, err
		}
		res.Evicted += evicted
		excess -= evicted
	}
	res.TotalRecords = total - res.Evicted
	return res, nil
}
