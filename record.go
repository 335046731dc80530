package tidemark

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordStatus tracks the delivery lifecycle of a record.
type RecordStatus string

const (
	// StatusPending means the record is written locally but not yet sent.
	StatusPending RecordStatus = "pending"
	// StatusSent means the remote service has accepted the record.
	StatusSent RecordStatus = "sent"
	// StatusDelivered means the remote service reports delivery.
	StatusDelivered RecordStatus = "delivered"
	// StatusRead means the record has been read by its recipient.
	StatusRead RecordStatus = "read"
)

// PayloadKind discriminates the payload union.
type PayloadKind string

const (
	// PayloadData is an opaque JSON document payload.
	PayloadData PayloadKind = "data"
	// PayloadMediaRef is a reference to an uploaded (or to-be-uploaded)
	// media object.
	PayloadMediaRef PayloadKind = "media_ref"
)

// MediaRef points at a media object. Before upload, PendingBytes holds the
// raw content; after upload, URL is set and PendingBytes is cleared.
type MediaRef struct {
	URL          string `json:"url,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	PendingBytes []byte `json:"pending_bytes,omitempty"`
}

// Payload is a tagged union: exactly one of Data or Media is meaningful,
// selected by Kind. Sync and merge logic switches on Kind instead of
// probing optional fields.
type Payload struct {
	Kind  PayloadKind     `json:"kind"`
	Data  json.RawMessage `json:"data,omitempty"`
	Media *MediaRef       `json:"media,omitempty"`
}

// DataPayload wraps a JSON document as a data payload.
func DataPayload(data json.RawMessage) Payload {
	return Payload{Kind: PayloadData, Data: data}
}

// MediaPayload wraps a media reference as a payload.
func MediaPayload(ref MediaRef) Payload {
	return Payload{Kind: PayloadMediaRef, Media: &ref}
}

// Validate checks that the payload variant matches its tag.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadData:
		if len(p.Data) == 0 {
			return fmt.Errorf("data payload has no data")
		}
	case PayloadMediaRef:
		if p.Media == nil {
			return fmt.Errorf("media payload has no media reference")
		}
		if p.Media.URL == "" && len(p.Media.PendingBytes) == 0 {
			return fmt.Errorf("media payload has neither URL nor pending bytes")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Record is a domain item held in the local store.
//
// Before the remote service acknowledges a record it is identified by its
// client-assigned LocalID; once acknowledged it gains a stable server ID
// and Synced flips to true. LocalID is retained afterwards so that a
// delayed duplicate acknowledgment (flush ack racing a realtime echo)
// converges on the same record. An unsynced record always has a non-empty
// LocalID.
type Record struct {
	ID         string       `json:"id,omitempty"`
	LocalID    string       `json:"local_id,omitempty"`
	Collection string       `json:"collection"`
	Payload    Payload      `json:"payload"`
	Status     RecordStatus `json:"status"`
	Synced     bool         `json:"synced"`
	// UpdatedAt is the record's version: a nanosecond timestamp assigned
	// by whoever wrote it last. Merges are last-writer-wins on this field.
	UpdatedAt int64 `json:"updated_at"`
	// Deleted marks a soft delete. Rows are never physically removed by a
	// delete; hard deletion is represented by a Tombstone.
	Deleted bool `json:"deleted"`
}

// Key returns the record's stable identity: the server ID when synced,
// otherwise the local ID.
func (r *Record) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.LocalID
}

// NewLocalID returns a fresh client-assigned record identifier.
func NewLocalID() string {
	return "local-" + uuid.NewString()
}

// OutboxOp is the remote operation an outbox entry represents.
type OutboxOp string

const (
	// OpCreate sends a new record to the remote create endpoint.
	OpCreate OutboxOp = "create"
	// OpUpdate sends changed fields to the remote update endpoint.
	OpUpdate OutboxOp = "update"
	// OpDelete propagates a local deletion to the remote service.
	OpDelete OutboxOp = "delete"
)

// OutboxEntry is a durable not-yet-acknowledged local write. Entries are
// removed only when the remote service acknowledges them or when they are
// explicitly abandoned, never silently. While a flush attempt is in
// flight the entry is owned by the OutboxEngine; otherwise by the Store.
type OutboxEntry struct {
	LocalID    string   `json:"local_id"`
	Collection string   `json:"collection"`
	Op         OutboxOp `json:"op"`
	Payload    Payload  `json:"payload"`
	// RecordID is set for updates/deletes against an already-synced record.
	RecordID string `json:"record_id,omitempty"`
	// BaseVersion is the UpdatedAt the local write assumed as its parent.
	// The conflict resolver compares it against the version the remote
	// service reports it applied the write on top of.
	BaseVersion int64 `json:"base_version"`
	EnqueuedAt  int64 `json:"enqueued_at"`
	RetryCount  int   `json:"retry_count"`
	NextRetryAt int64 `json:"next_retry_at"`
	// Failed marks an entry that exhausted its retries. Failed entries are
	// surfaced for manual retry or abandonment.
	Failed    bool   `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// Tombstone records that a record was deleted, so a later delta fetch
// cannot reintroduce it. Tombstones are pruned only after the deletion has
// been acknowledged remotely.
type Tombstone struct {
	RecordID   string `json:"record_id"`
	Collection string `json:"collection"`
	DeletedAt  int64  `json:"deleted_at"`
	Acked      bool   `json:"acked"`
}

// CollectionMetadata holds per-collection sync state.
type CollectionMetadata struct {
	Collection string `json:"collection"`
	// NewestItemTimestamp is the delta-fetch watermark: the max UpdatedAt
	// ever merged for this collection. It only moves forward.
	NewestItemTimestamp int64 `json:"newest_item_timestamp"`
	LastFetchTime       int64 `json:"last_fetch_time"`
	ItemCount           int64 `json:"item_count"`
	// Bookmark is an opaque scroll/position marker owned by the UI; a full
	// refresh resets it.
	Bookmark string `json:"bookmark,omitempty"`
	// LastAccess is updated on reads and drives size-cap eviction order.
	LastAccess int64 `json:"last_access"`
}

// Resolution is the outcome recorded for a conflict.
type Resolution string

const (
	// ResolutionUnresolved means no explicit choice has been made yet; the
	// default policy result is in effect but remains reversible.
	ResolutionUnresolved Resolution = "unresolved"
	// ResolutionLocalWins keeps the local version as current.
	ResolutionLocalWins Resolution = "local_wins"
	// ResolutionRemoteWins keeps the remote version as current.
	ResolutionRemoteWins Resolution = "remote_wins"
)

// ConflictRecord retains both versions of a diverged entity until the
// conflict is explicitly cleared.
type ConflictRecord struct {
	ID            string     `json:"id"`
	EntityID      string     `json:"entity_id"`
	Collection    string     `json:"collection"`
	LocalVersion  Record     `json:"local_version"`
	RemoteVersion Record     `json:"remote_version"`
	DetectedAt    int64      `json:"detected_at"`
	Resolution    Resolution `json:"resolution"`
	// Applied is the resolution currently reflected in the store (the
	// default policy until a manual call flips it).
	Applied Resolution `json:"applied"`
}

// NetworkStatus classifies connectivity.
type NetworkStatus string

const (
	// StatusOnline means the network is reachable and settled.
	StatusOnline NetworkStatus = "online"
	// StatusOffline means the network is unreachable.
	StatusOffline NetworkStatus = "offline"
	// StatusReconnecting means connectivity just returned and is inside
	// the settle window.
	StatusReconnecting NetworkStatus = "reconnecting"
	// StatusSlow means the network is reachable but degraded.
	StatusSlow NetworkStatus = "slow"
)

// LinkSpeed classifies measured round-trip speed.
type LinkSpeed string

const (
	// SpeedFast means the probe round-trip was under the threshold.
	SpeedFast LinkSpeed = "fast"
	// SpeedSlow means the probe round-trip was over the threshold.
	SpeedSlow LinkSpeed = "slow"
	// SpeedUnknown means the probe could not complete. Unknown is
	// non-blocking: it is not treated as offline.
	SpeedUnknown LinkSpeed = "unknown"
)

// NetworkState is the monitor's current view of connectivity. It is
// ephemeral and re-derived on each run.
type NetworkState struct {
	Status       NetworkStatus `json:"status"`
	Speed        LinkSpeed     `json:"speed"`
	LastOnlineAt time.Time     `json:"last_online_at"`
}

// SyncStatus is the continuously observable sync state exposed to the UI.
type SyncStatus struct {
	QueueLength    int       `json:"queue_length"`
	IsSyncing      bool      `json:"is_syncing"`
	IsOffline      bool      `json:"is_offline"`
	PendingChanges int       `json:"pending_changes"`
	FailedChanges  int       `json:"failed_changes"`
	LastSyncAt     time.Time `json:"last_sync_at"`
}
