package tidemark

import (
	"context"
	"fmt"
	"sync"
)

// CollectionChange notifies a UI subscriber that a collection's cached
// contents changed and should be re-read.
type CollectionChange struct {
	Collection string `json:"collection"`
}

// CollectionSubscription receives change notifications for one
// collection. The channel is bounded with drop-oldest overflow: a slow
// consumer misses intermediate notifications, never blocks a writer, and
// the next notification it does receive still prompts a full re-read.
type CollectionSubscription struct {
	id         int
	collection string
	ch         chan CollectionChange
}

// C returns the notification channel.
func (s *CollectionSubscription) C() <-chan CollectionChange {
	return s.ch
}

// Client is the embedded sync core. It owns the durable store, the
// outbox, the delta fetcher, the realtime merger, the cache manager, and
// the network monitor, and exposes the operations a UI layer needs.
//
// Multiple independent clients (with separate database paths) can coexist
// in one process; nothing is global.
type Client struct {
	cfg      Config
	store    *Store
	remote   RemoteService
	monitor  *Monitor
	resolver *ConflictResolver
	outbox   *OutboxEngine
	fetcher  *DeltaFetcher
	merger   *RealtimeMerger
	cache    *CacheManager

	mu        sync.Mutex
	subs      map[string]map[int]*CollectionSubscription
	nextSubID int
	closed    bool

	netSub *MonitorSubscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open creates a client over the given remote service and starts its
// background machinery: connectivity probing, realtime streams for the
// collections configured with realtime, and the eviction sweep.
func Open(ctx context.Context, cfg Config, remote RemoteService) (*Client, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, fmt.Errorf("remote service is required")
	}

	store, err := NewStore(cfg.Path, cfg.Store, cfg.Encryption)
	if err != nil {
		return nil, err
	}

	var media MediaUploader
	if cfg.Media != nil {
		media, err = NewS3Uploader(ctx, *cfg.Media)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	resolver := NewConflictResolver(store)
	outbox := NewOutboxEngine(store, remote, resolver, media, cfg.Outbox)
	fetcher := NewDeltaFetcher(store, remote, cfg.Fetch)
	monitor := NewMonitor(cfg.Monitor)
	cache := NewCacheManager(store, cfg.Cache, cfg.TTLFor)

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		monitor:  monitor,
		resolver: resolver,
		outbox:   outbox,
		fetcher:  fetcher,
		cache:    cache,
		subs:     make(map[string]map[int]*CollectionSubscription),
		ctx:      clientCtx,
		cancel:   cancel,
	}

	store.SetChangeHook(c.notifyCollection)
	cache.SetRevalidateHook(func(collection string) {
		_, _ = c.fetcher.Sync(c.ctx, collection)
	})
	if rr, ok := remote.(interface{ SetReporter(reachabilityReporter) }); ok {
		rr.SetReporter(monitor)
	}

	if cfg.Realtime.Enabled {
		var realtimeCollections []string
		for _, col := range cfg.Collections {
			if col.Realtime {
				realtimeCollections = append(realtimeCollections, col.Name)
			}
		}
		if len(realtimeCollections) > 0 {
			c.merger = NewRealtimeMerger(store, remote, cfg.Realtime)
			c.merger.Start(realtimeCollections)
		}
	}

	monitor.Start()
	cache.Start()

	c.netSub = monitor.Subscribe()
	c.wg.Add(1)
	go c.watchNetwork()

	// Outbox entries that survived a restart flush right away, without
	// waiting for a connectivity transition. A failed attempt just books
	// retries.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		pending, _, err := store.OutboxCounts(c.ctx)
		if err != nil || pending == 0 {
			return
		}
		_, _ = c.outbox.Flush(c.ctx)
	}()

	return c, nil
}

// watchNetwork reacts to connectivity transitions: regaining the network
// (past the settle window) drains the outbox and refreshes every
// configured collection.
func (c *Client) watchNetwork() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.netSub.C():
			if !ok {
				return
			}
			if ev.Status == StatusOnline || ev.Status == StatusSlow {
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					_, _ = c.outbox.Flush(c.ctx)
					for _, col := range c.cfg.Collections {
						_, _ = c.fetcher.Sync(c.ctx, col.Name)
					}
				}()
			}
		}
	}
}

// EnqueueWrite records a local write immediately and queues it for sync.
// When the network looks reachable a flush starts in the background; the
// caller never waits on it.
func (c *Client) EnqueueWrite(ctx context.Context, rec Record) (*Record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out, err := c.outbox.Enqueue(ctx, rec)
	if err != nil {
		return nil, err
	}
	c.flushInBackground()
	return out, nil
}

// DeleteRecord soft-deletes a record locally and queues the remote
// deletion.
func (c *Client) DeleteRecord(ctx context.Context, collection, key string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.outbox.EnqueueDelete(ctx, collection, key); err != nil {
		return err
	}
	c.flushInBackground()
	return nil
}

func (c *Client) flushInBackground() {
	if c.monitor.State().Status == StatusOffline {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.outbox.Flush(c.ctx)
	}()
}

// FlushNow drains the outbox synchronously. Overlapping a running flush
// returns a skipped result.
func (c *Client) FlushNow(ctx context.Context) (FlushResult, error) {
	if err := c.checkOpen(); err != nil {
		return FlushResult{}, err
	}
	return c.outbox.Flush(ctx)
}

// GetCollection returns a collection's cached records and whether they
// are stale. Stale data is served immediately while a background
// revalidation runs; only a completely cold cache with an unreachable
// remote fails (ErrCacheEmpty).
func (c *Client) GetCollection(ctx context.Context, collection string) ([]Record, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	recs, stale, err := c.fetcher.Load(ctx, collection, c.cache.TTLFor(collection))
	if err != nil {
		return nil, false, err
	}
	c.cache.ObserveRead(collection, stale)
	return recs, stale, nil
}

// GetRecord returns one record by server ID or local ID.
func (c *Client) GetRecord(ctx context.Context, collection, key string) (*Record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := c.store.GetRecord(ctx, collection, key)
	if err == nil {
		return rec, nil
	}
	return c.store.GetRecordByLocalID(ctx, collection, key)
}

// Sync forces a delta fetch for a collection, subject to throttling.
func (c *Client) Sync(ctx context.Context, collection string) (FetchResult, error) {
	if err := c.checkOpen(); err != nil {
		return FetchResult{}, err
	}
	return c.fetcher.Sync(ctx, collection)
}

// Refresh discards a collection's cache and replaces it with a fresh
// remote snapshot. Pending local writes survive.
func (c *Client) Refresh(ctx context.Context, collection string) (FetchResult, error) {
	if err := c.checkOpen(); err != nil {
		return FetchResult{}, err
	}
	return c.fetcher.FullRefresh(ctx, collection)
}

// SubscribeToCollection registers for change notifications on one
// collection.
func (c *Client) SubscribeToCollection(collection string) *CollectionSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	sub := &CollectionSubscription{
		id:         c.nextSubID,
		collection: collection,
		ch:         make(chan CollectionChange, c.cfg.Monitor.SubscriberBuffer),
	}
	if c.subs[collection] == nil {
		c.subs[collection] = make(map[int]*CollectionSubscription)
	}
	c.subs[collection][sub.id] = sub
	return sub
}

// Unsubscribe removes a collection subscription and closes its channel.
func (c *Client) Unsubscribe(sub *CollectionSubscription) {
	c.mu.Lock()
	group, ok := c.subs[sub.collection]
	if ok {
		_, ok = group[sub.id]
		delete(group, sub.id)
	}
	c.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// notifyCollection fans a change out to the collection's subscribers.
// Fired by the store after every successful mutation.
func (c *Client) notifyCollection(collection string) {
	c.mu.Lock()
	targets := make([]*CollectionSubscription, 0, len(c.subs[collection]))
	for _, sub := range c.subs[collection] {
		targets = append(targets, sub)
	}
	c.mu.Unlock()

	ev := CollectionChange{Collection: collection}
	for _, sub := range targets {
		deliverDropOldest(sub.ch, ev)
	}
}

// SubscribeNetwork registers for network state transitions.
func (c *Client) SubscribeNetwork() *MonitorSubscription {
	return c.monitor.Subscribe()
}

// NetworkState returns the monitor's current view of connectivity.
func (c *Client) NetworkState() NetworkState {
	return c.monitor.State()
}

// GetConflicts lists unresolved conflicts, both versions included.
func (c *Client) GetConflicts(ctx context.Context) ([]ConflictRecord, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.store.Conflicts(ctx)
}

// ResolveConflict clears a conflict with an explicit winner.
func (c *Client) ResolveConflict(ctx context.Context, id string, strategy Resolution) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.resolver.Resolve(ctx, id, strategy); err != nil {
		return err
	}
	c.flushInBackground()
	return nil
}

// FailedWrites lists writes that exhausted their retry budget.
func (c *Client) FailedWrites(ctx context.Context) ([]OutboxEntry, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.outbox.FailedEntries(ctx)
}

// RetryWrite returns a failed write to the queue and flushes.
func (c *Client) RetryWrite(ctx context.Context, localID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.outbox.Retry(ctx, localID)
}

// AbandonWrite discards a failed write. The local record stays, unsynced.
func (c *Client) AbandonWrite(ctx context.Context, localID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.outbox.Abandon(ctx, localID)
}

// SyncStatus reports queue depth, flush activity, and connectivity in
// one snapshot for a status indicator.
func (c *Client) SyncStatus(ctx context.Context) (SyncStatus, error) {
	if err := c.checkOpen(); err != nil {
		return SyncStatus{}, err
	}
	pending, failed, err := c.store.OutboxCounts(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		QueueLength:    pending + failed,
		IsSyncing:      c.outbox.IsFlushing(),
		IsOffline:      c.monitor.State().Status == StatusOffline,
		PendingChanges: pending,
		FailedChanges:  failed,
		LastSyncAt:     c.outbox.LastFlush(),
	}, nil
}

// Pin makes a record the single pinned record for a scope, atomically
// replacing any previous pin in that scope.
func (c *Client) Pin(ctx context.Context, scope, recordID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.Pin(ctx, scope, recordID)
}

// Unpin clears a scope's pin.
func (c *Client) Unpin(ctx context.Context, scope string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.Unpin(ctx, scope)
}

// PinnedRecord returns the record ID pinned for a scope, or empty.
func (c *Client) PinnedRecord(ctx context.Context, scope string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	return c.store.PinnedRecord(ctx, scope)
}

// SetBookmark stores the UI's position marker for a collection.
func (c *Client) SetBookmark(ctx context.Context, collection, bookmark string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.SetBookmark(ctx, collection, bookmark)
}

// Bookmark returns the stored position marker for a collection.
func (c *Client) Bookmark(ctx context.Context, collection string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	meta, err := c.store.Metadata(ctx, collection)
	if err != nil {
		return "", err
	}
	return meta.Bookmark, nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all background machinery and closes the store. Pending
// outbox entries survive in the database for the next open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]map[int]*CollectionSubscription)
	c.mu.Unlock()

	if c.merger != nil {
		c.merger.Stop()
	}
	c.cache.Stop()
	c.monitor.Stop()
	c.cancel()
	c.wg.Wait()

	for _, group := range subs {
		for _, sub := range group {
			close(sub.ch)
		}
	}
	return c.store.Close()
}
