// Package tidemark provides an embeddable offline-first synchronization
// core for client applications.
//
// Tidemark keeps a device-local application fully functional while
// disconnected: every write lands in a durable local store and a durable
// outbox, and is reconciled with the remote backend whenever connectivity
// allows. The UI never waits on the network and never loses data.
//
// # Basic Usage
//
// Open a client with default configuration:
//
//	client, err := tidemark.Open(ctx, tidemark.DefaultConfig("app.db"), remote)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// Issue a write (recorded optimistically, synced in the background):
//
//	rec, err := client.EnqueueWrite(ctx, tidemark.Record{
//	    Collection: "messages",
//	    Payload:    tidemark.DataPayload(body),
//	})
//
// Read a collection (stale cached data is returned immediately and
// refreshed in the background):
//
//	records, stale, err := client.GetCollection(ctx, "messages")
//
// # Components
//
// The core is built from small cooperating managers:
//
//   - Monitor classifies connectivity (online, offline, reconnecting,
//     slow) and gates sync behavior.
//   - Store is the single owner of durable state: records, the outbox,
//     tombstones, pins, conflicts, and per-collection metadata, all
//     mutated through atomic multi-entity transactions on SQLite.
//   - OutboxEngine drains queued local writes with exponential backoff
//     and surfaces permanently failed entries for manual action.
//   - DeltaFetcher pulls only records newer than a per-collection
//     watermark and merges them idempotently.
//   - RealtimeMerger applies server-pushed change events incrementally
//     over a WebSocket.
//   - ConflictResolver detects divergent acknowledgments, records both
//     versions, and applies a reversible last-writer-wins policy.
//   - CacheManager expires collections by TTL (stale-while-revalidate)
//     and bounds total store size.
package tidemark
