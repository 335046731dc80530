package tidemark

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Store is the single owner of all durable local state. Every multi-entity
// mutation (pin swap, delete + tombstone + outbox drop, ack + record patch)
// happens in one SQLite transaction, so no intermediate state is ever
// observable. The store does not retry failed I/O; it reports a
// StorageError and lets callers decide whether to fall back to remote
// truth.
type Store struct {
	db       *sql.DB
	cfg      StoreConfig
	cipher   *payloadCipher
	mu       sync.RWMutex
	closed   bool
	onChange func(collection string)
}

// NewStore opens (creating if needed) the local database at path.
func NewStore(path string, cfg StoreConfig, enc *EncryptionConfig) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	cipher, err := newPayloadCipher(enc)
	if err != nil {
		return nil, fmt.Errorf("init payload cipher: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError("open", path, err)
	}
	// Local client database: serialize access through one connection to
	// keep transactions from contending on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, cipher: cipher}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const storeSchema = `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL DEFAULT '',
		local_id TEXT NOT NULL DEFAULT '',
		payload BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		synced INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		dirty INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_id
		ON records(collection, id) WHERE id != '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_local
		ON records(collection, local_id) WHERE local_id != '';
	CREATE INDEX IF NOT EXISTS idx_records_coll_updated
		ON records(collection, updated_at);
	CREATE INDEX IF NOT EXISTS idx_records_dirty
		ON records(dirty) WHERE dirty = 1;

	CREATE TABLE IF NOT EXISTS outbox (
		local_id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		op TEXT NOT NULL,
		payload BLOB,
		record_id TEXT NOT NULL DEFAULT '',
		base_version INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_order ON outbox(enqueued_at);

	CREATE TABLE IF NOT EXISTS tombstones (
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		deleted_at INTEGER NOT NULL,
		acked INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection, record_id)
	);

	CREATE TABLE IF NOT EXISTS pins (
		scope TEXT PRIMARY KEY,
		record_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collection_meta (
		collection TEXT PRIMARY KEY,
		newest_ts INTEGER NOT NULL DEFAULT 0,
		last_fetch INTEGER NOT NULL DEFAULT 0,
		item_count INTEGER NOT NULL DEFAULT 0,
		bookmark TEXT NOT NULL DEFAULT '',
		last_access INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		local_version BLOB,
		remote_version BLOB,
		detected_at INTEGER NOT NULL,
		resolution TEXT NOT NULL,
		applied TEXT NOT NULL
	);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(storeSchema); err != nil {
		return newStorageError("init schema", "", s.classify(err))
	}
	return nil
}

// SetChangeHook registers a callback fired after a successful mutation of
// a collection's records. Used by the client to notify UI subscribers.
func (s *Store) SetChangeHook(fn func(collection string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify(collection string) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(collection)
	}
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// classify maps low-level SQLite failures onto the error taxonomy,
// detecting corruption so callers can trigger a guarded reinit.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") {
		return fmt.Errorf("%w: %v", ErrStorageCorruption, err)
	}
	return err
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError(op, "", s.classify(err))
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrEntryNotFound) ||
			errors.Is(err, ErrConflictNotFound) {
			return err
		}
		return newStorageError(op, "", s.classify(err))
	}
	if err := tx.Commit(); err != nil {
		return newStorageError(op, "", s.classify(err))
	}
	return nil
}

// --- payload codec ---

func (s *Store) encodePayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if s.cfg.CompressPayloads {
		raw = snappy.Encode(nil, raw)
	}
	if s.cipher != nil {
		return s.cipher.Seal(raw)
	}
	return raw, nil
}

func (s *Store) decodePayload(blob []byte) (Payload, error) {
	var p Payload
	if len(blob) == 0 {
		return p, nil
	}
	raw := blob
	var err error
	if s.cipher != nil {
		raw, err = s.cipher.Open(raw)
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
		}
	}
	if s.cfg.CompressPayloads {
		raw, err = snappy.Decode(nil, raw)
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
		}
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
	}
	return p, nil
}

// --- records ---

const recordCols = "collection, id, local_id, payload, status, synced, updated_at, deleted"

func (s *Store) scanRecord(scan func(...any) error) (Record, error) {
	var r Record
	var blob []byte
	var synced, deleted int
	if err := scan(&r.Collection, &r.ID, &r.LocalID, &blob, &r.Status, &synced, &r.UpdatedAt, &deleted); err != nil {
		return r, err
	}
	r.Synced = synced != 0
	r.Deleted = deleted != 0
	p, err := s.decodePayload(blob)
	if err != nil {
		return r, err
	}
	r.Payload = p
	return r, nil
}

// PutRecord writes a record from the local side, marking it dirty. An
// unsynced record must carry a LocalID.
func (s *Store) PutRecord(ctx context.Context, rec *Record) error {
	if !rec.Synced && rec.LocalID == "" {
		return fmt.Errorf("unsynced record must have a local_id")
	}
	err := s.withTx(ctx, "put record", func(tx *sql.Tx) error {
		return s.upsertRecordTx(ctx, tx, rec, true)
	})
	if err != nil {
		return err
	}
	s.notify(rec.Collection)
	return nil
}

func (s *Store) upsertRecordTx(ctx context.Context, tx *sql.Tx, rec *Record, dirty bool) error {
	blob, err := s.encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	dirtyVal := 0
	if dirty {
		dirtyVal = 1
	}

	// Match an existing row by server ID first, then by local ID.
	var res sql.Result
	if rec.ID != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE records SET id = ?, local_id = CASE WHEN ? != '' THEN ? ELSE local_id END,
				payload = ?, status = ?, synced = ?, updated_at = ?, deleted = ?, dirty = ?
			WHERE collection = ? AND id = ?`,
			rec.ID, rec.LocalID, rec.LocalID, blob, rec.Status, boolInt(rec.Synced),
			rec.UpdatedAt, boolInt(rec.Deleted), dirtyVal, rec.Collection, rec.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	if rec.LocalID != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE records SET id = CASE WHEN ? != '' THEN ? ELSE id END,
				payload = ?, status = ?, synced = ?, updated_at = ?, deleted = ?, dirty = ?
			WHERE collection = ? AND local_id = ?`,
			rec.ID, rec.ID, blob, rec.Status, boolInt(rec.Synced),
			rec.UpdatedAt, boolInt(rec.Deleted), dirtyVal, rec.Collection, rec.LocalID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, local_id, payload, status, synced, updated_at, deleted, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Collection, rec.ID, rec.LocalID, blob, rec.Status, boolInt(rec.Synced),
		rec.UpdatedAt, boolInt(rec.Deleted), dirtyVal)
	return err
}

// GetRecord fetches a record by server ID.
func (s *Store) GetRecord(ctx context.Context, collection, id string) (*Record, error) {
	return s.getRecordBy(ctx, collection, "id", id)
}

// GetRecordByLocalID fetches a record by client-assigned ID.
func (s *Store) GetRecordByLocalID(ctx context.Context, collection, localID string) (*Record, error) {
	return s.getRecordBy(ctx, collection, "local_id", localID)
}

func (s *Store) getRecordBy(ctx context.Context, collection, col, key string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM records WHERE collection = ? AND %s = ?", recordCols, col),
		collection, key)
	rec, err := s.scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, newStorageError("get record", key, s.classify(err))
	}
	return &rec, nil
}

// ListCollection returns the live records of a collection, newest first.
// Soft-deleted and tombstoned records are excluded.
func (s *Store) ListCollection(ctx context.Context, collection string) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM records r
		WHERE r.collection = ? AND r.deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM tombstones t
			WHERE t.collection = r.collection AND t.record_id = r.id AND r.id != ''
		  )
		ORDER BY r.updated_at DESC`, recordCols), collection)
	if err != nil {
		return nil, newStorageError("list collection", collection, s.classify(err))
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := s.scanRecord(rows.Scan)
		if err != nil {
			return nil, newStorageError("list collection", collection, s.classify(err))
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("list collection", collection, s.classify(err))
	}
	return recs, nil
}

// UpsertRemoteRecord merges a record received from the remote service.
// Tombstoned records are not reintroduced; an existing record (matched by
// server ID, then by local ID) is overwritten only when the incoming
// version is at least as new (last-writer-wins by UpdatedAt, never by
// arrival order). Returns true when a new row was inserted.
func (s *Store) UpsertRemoteRecord(ctx context.Context, rec Record) (bool, error) {
	var inserted, changed bool
	err := s.withTx(ctx, "merge remote record", func(tx *sql.Tx) error {
		if rec.ID != "" {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM tombstones WHERE collection = ? AND record_id = ?`,
				rec.Collection, rec.ID).Scan(&one)
			if err == nil {
				return nil // deleted locally; do not resurrect
			}
			if err != sql.ErrNoRows {
				return err
			}
		}

		existing, err := s.findExistingTx(ctx, tx, &rec)
		if err != nil {
			return err
		}
		if existing == nil {
			rec.Synced = true
			if err := s.upsertRecordTx(ctx, tx, &rec, false); err != nil {
				return err
			}
			inserted, changed = true, true
			return nil
		}
		if rec.UpdatedAt < existing.UpdatedAt {
			return nil // stale remote echo loses to the local version
		}
		if rec.LocalID == "" {
			rec.LocalID = existing.LocalID
		}
		rec.Synced = true
		if err := s.upsertRecordTx(ctx, tx, &rec, false); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.notify(rec.Collection)
	}
	return inserted, nil
}

func (s *Store) findExistingTx(ctx context.Context, tx *sql.Tx, rec *Record) (*Record, error) {
	lookup := func(col, key string) (*Record, error) {
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT %s FROM records WHERE collection = ? AND %s = ?", recordCols, col),
			rec.Collection, key)
		existing, err := s.scanRecord(row.Scan)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if rec.ID != "" {
		if existing, err := lookup("id", rec.ID); existing != nil || err != nil {
			return existing, err
		}
	}
	if rec.LocalID != "" {
		return lookup("local_id", rec.LocalID)
	}
	return nil, nil
}

// ApplyCanonical unconditionally installs a record as the current synced
// version, bypassing last-writer-wins. Used by conflict resolution, where
// the winner has been chosen explicitly.
func (s *Store) ApplyCanonical(ctx context.Context, rec Record) error {
	rec.Synced = true
	err := s.withTx(ctx, "apply canonical", func(tx *sql.Tx) error {
		return s.upsertRecordTx(ctx, tx, &rec, false)
	})
	if err != nil {
		return err
	}
	s.notify(rec.Collection)
	return nil
}

// PatchRecordPayload merges a JSON fragment into a data record's payload
// in place. Only the named fields change, so unrelated local optimistic
// fields survive. The record's version advances to updatedAt when newer.
func (s *Store) PatchRecordPayload(ctx context.Context, collection, id string, fragment json.RawMessage, updatedAt int64) error {
	err := s.withTx(ctx, "patch record", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT %s FROM records WHERE collection = ? AND id = ?", recordCols),
			collection, id)
		rec, err := s.scanRecord(row.Scan)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		if rec.Payload.Kind != PayloadData {
			return fmt.Errorf("cannot patch %s payload", rec.Payload.Kind)
		}

		base := map[string]json.RawMessage{}
		if len(rec.Payload.Data) > 0 {
			if err := json.Unmarshal(rec.Payload.Data, &base); err != nil {
				return err
			}
		}
		patch := map[string]json.RawMessage{}
		if err := json.Unmarshal(fragment, &patch); err != nil {
			return err
		}
		for k, v := range patch {
			base[k] = v
		}
		merged, err := json.Marshal(base)
		if err != nil {
			return err
		}
		rec.Payload.Data = merged
		if updatedAt > rec.UpdatedAt {
			rec.UpdatedAt = updatedAt
		}
		return s.upsertRecordTx(ctx, tx, &rec, false)
	})
	if err != nil {
		return err
	}
	s.notify(collection)
	return nil
}

// ReplaceCollection swaps a collection's synced content for the given
// records (a user-initiated full refresh). Records backing unflushed
// outbox entries are preserved; the watermark is reset from the new set
// and the scroll bookmark cleared.
func (s *Store) ReplaceCollection(ctx context.Context, collection string, recs []Record) error {
	err := s.withTx(ctx, "replace collection", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM records
			WHERE collection = ?
			  AND local_id NOT IN (SELECT local_id FROM outbox WHERE collection = ?)`,
			collection, collection)
		if err != nil {
			return err
		}

		var newest int64
		count := int64(0)
		for i := range recs {
			rec := recs[i]
			var one int
			if rec.ID != "" {
				err := tx.QueryRowContext(ctx,
					`SELECT 1 FROM tombstones WHERE collection = ? AND record_id = ?`,
					collection, rec.ID).Scan(&one)
				if err == nil {
					continue
				}
				if err != sql.ErrNoRows {
					return err
				}
			}
			rec.Synced = true
			if err := s.upsertRecordTx(ctx, tx, &rec, false); err != nil {
				return err
			}
			if rec.UpdatedAt > newest {
				newest = rec.UpdatedAt
			}
			count++
		}

		now := time.Now().UnixNano()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO collection_meta (collection, newest_ts, last_fetch, item_count, bookmark, last_access)
			VALUES (?, ?, ?, ?, '', ?)
			ON CONFLICT(collection) DO UPDATE SET
				newest_ts = excluded.newest_ts,
				last_fetch = excluded.last_fetch,
				item_count = excluded.item_count,
				bookmark = ''`,
			collection, newest, now, count, now)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(collection)
	return nil
}

// DeleteRecord soft-deletes a record, writes a tombstone for its server
// ID, drops any pending outbox entry, and (when deleteEntry is non-nil)
// enqueues the remote delete, all in one transaction.
func (s *Store) DeleteRecord(ctx context.Context, collection, key string, deleteEntry *OutboxEntry) error {
	err := s.withTx(ctx, "delete record", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT %s FROM records
			WHERE collection = ? AND (id = ? OR local_id = ?)`, recordCols),
			collection, key, key)
		rec, err := s.scanRecord(row.Scan)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET deleted = 1, dirty = 1, updated_at = ? WHERE collection = ? AND local_id = ? AND id = ?`,
			time.Now().UnixNano(), collection, rec.LocalID, rec.ID); err != nil {
			return err
		}
		if rec.ID != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO tombstones (collection, record_id, deleted_at, acked)
				VALUES (?, ?, ?, 0)`,
				collection, rec.ID, time.Now().UnixNano()); err != nil {
				return err
			}
		}
		if rec.LocalID != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM outbox WHERE local_id = ?`, rec.LocalID); err != nil {
				return err
			}
		}
		if deleteEntry != nil {
			return s.insertOutboxTx(ctx, tx, deleteEntry)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(collection)
	return nil
}

// HasTombstone reports whether a tombstone exists for the record.
func (s *Store) HasTombstone(ctx context.Context, collection, id string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tombstones WHERE collection = ? AND record_id = ?`,
		collection, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, newStorageError("check tombstone", id, s.classify(err))
	}
	return true, nil
}

// WriteTombstone records a remote-originated deletion: tombstone written
// (already acknowledged, since the server initiated it) and the record
// soft-deleted, atomically.
func (s *Store) WriteTombstone(ctx context.Context, collection, id string) error {
	err := s.withTx(ctx, "write tombstone", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO tombstones (collection, record_id, deleted_at, acked)
			VALUES (?, ?, ?, 1)`,
			collection, id, time.Now().UnixNano()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE records SET deleted = 1, dirty = 0 WHERE collection = ? AND id = ?`,
			collection, id)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(collection)
	return nil
}

// AckDeletion completes a remotely acknowledged delete: the outbox entry
// is removed and the tombstone, now safe against stale fetches on the
// server side too, is pruned.
func (s *Store) AckDeletion(ctx context.Context, entry OutboxEntry) error {
	return s.withTx(ctx, "ack deletion", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM outbox WHERE local_id = ?`, entry.LocalID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM tombstones WHERE collection = ? AND record_id = ?`,
			entry.Collection, entry.RecordID)
		return err
	})
}

// --- pins ---

// Pin pins a record within a scope. The scope's previous pin, if any, is
// replaced in the same atomic operation: at most one record per scope is
// ever pinned.
func (s *Store) Pin(ctx context.Context, scope, recordID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pins (scope, record_id) VALUES (?, ?)`,
		scope, recordID)
	if err != nil {
		return newStorageError("pin", scope, s.classify(err))
	}
	return nil
}

// Unpin clears a scope's pin.
func (s *Store) Unpin(ctx context.Context, scope string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pins WHERE scope = ?`, scope)
	if err != nil {
		return newStorageError("unpin", scope, s.classify(err))
	}
	return nil
}

// PinnedRecord returns the record ID pinned in a scope, or "".
func (s *Store) PinnedRecord(ctx context.Context, scope string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id FROM pins WHERE scope = ?`, scope).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", newStorageError("get pin", scope, s.classify(err))
	}
	return id, nil
}

// --- outbox ---

func (s *Store) insertOutboxTx(ctx context.Context, tx *sql.Tx, e *OutboxEntry) error {
	blob, err := s.encodePayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO outbox
			(local_id, collection, op, payload, record_id, base_version,
			 enqueued_at, retry_count, next_retry_at, failed, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, e.Collection, e.Op, blob, e.RecordID, e.BaseVersion,
		e.EnqueuedAt, e.RetryCount, e.NextRetryAt, boolInt(e.Failed), e.LastError)
	return err
}

// EnqueueWrite records an optimistic local write and its outbox entry in
// one transaction. The record is marked pending and unsynced.
func (s *Store) EnqueueWrite(ctx context.Context, rec *Record, entry OutboxEntry) error {
	err := s.withTx(ctx, "enqueue write", func(tx *sql.Tx) error {
		if err := s.upsertRecordTx(ctx, tx, rec, true); err != nil {
			return err
		}
		return s.insertOutboxTx(ctx, tx, &entry)
	})
	if err != nil {
		return err
	}
	s.notify(rec.Collection)
	return nil
}

const outboxCols = "local_id, collection, op, payload, record_id, base_version, enqueued_at, retry_count, next_retry_at, failed, last_error"

func (s *Store) scanOutbox(scan func(...any) error) (OutboxEntry, error) {
	var e OutboxEntry
	var blob []byte
	var failed int
	if err := scan(&e.LocalID, &e.Collection, &e.Op, &blob, &e.RecordID, &e.BaseVersion,
		&e.EnqueuedAt, &e.RetryCount, &e.NextRetryAt, &failed, &e.LastError); err != nil {
		return e, err
	}
	e.Failed = failed != 0
	p, err := s.decodePayload(blob)
	if err != nil {
		return e, err
	}
	e.Payload = p
	return e, nil
}

func (s *Store) queryOutbox(ctx context.Context, where string, args ...any) ([]OutboxEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM outbox %s ORDER BY enqueued_at ASC", outboxCols, where), args...)
	if err != nil {
		return nil, newStorageError("query outbox", "", s.classify(err))
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := s.scanOutbox(rows.Scan)
		if err != nil {
			return nil, newStorageError("query outbox", "", s.classify(err))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("query outbox", "", s.classify(err))
	}
	return entries, nil
}

// DueOutboxEntries returns unfailed entries whose retry time has passed,
// oldest first.
func (s *Store) DueOutboxEntries(ctx context.Context, now int64) ([]OutboxEntry, error) {
	return s.queryOutbox(ctx, "WHERE failed = 0 AND next_retry_at <= ?", now)
}

// PendingOutboxEntries returns all unfailed entries, oldest first.
func (s *Store) PendingOutboxEntries(ctx context.Context) ([]OutboxEntry, error) {
	return s.queryOutbox(ctx, "WHERE failed = 0")
}

// FailedOutboxEntries returns permanently failed entries awaiting manual
// retry or abandonment.
func (s *Store) FailedOutboxEntries(ctx context.Context) ([]OutboxEntry, error) {
	return s.queryOutbox(ctx, "WHERE failed = 1")
}

// GetOutboxEntry fetches one entry.
func (s *Store) GetOutboxEntry(ctx context.Context, localID string) (*OutboxEntry, error) {
	entries, err := s.queryOutbox(ctx, "WHERE local_id = ?", localID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return &entries[0], nil
}

// OutboxCounts returns the number of pending and permanently failed
// entries.
func (s *Store) OutboxCounts(ctx context.Context) (pending, failed int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0)
		FROM outbox`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, newStorageError("count outbox", "", s.classify(err))
	}
	return pending, failed, nil
}

// CompleteOutboxEntry retires an acknowledged entry and patches the local
// record with the server-confirmed identity and state, atomically. The
// removal is conditional on the queued entry still being the one that was
// dispatched: a newer write to the same record replaces the entry in
// place, and when the older write's ack lands that superseding entry must
// stay queued and the pending local payload must not be overwritten with
// the now-stale canonical one. In that case only the server-assigned
// identity is adopted.
func (s *Store) CompleteOutboxEntry(ctx context.Context, entry OutboxEntry, canonical Record) error {
	err := s.withTx(ctx, "complete outbox entry", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outbox WHERE local_id = ? AND enqueued_at = ?`,
			entry.LocalID, entry.EnqueuedAt)
		if err != nil {
			return err
		}
		if canonical.LocalID == "" {
			canonical.LocalID = entry.LocalID
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.adoptServerIdentityTx(ctx, tx, entry.Collection, canonical.LocalID, canonical.ID)
		}
		canonical.Synced = true
		return s.upsertRecordTx(ctx, tx, &canonical, false)
	})
	if err != nil {
		return err
	}
	s.notify(entry.Collection)
	return nil
}

// adoptServerIdentityTx attaches a server-assigned ID to a record and its
// still-queued outbox entry without touching the pending local payload.
func (s *Store) adoptServerIdentityTx(ctx context.Context, tx *sql.Tx, collection, localID, id string) error {
	if id == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET id = ? WHERE collection = ? AND local_id = ? AND id = ''`,
		id, collection, localID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox SET record_id = ? WHERE local_id = ? AND record_id = ''`,
		id, localID)
	return err
}

// UpdateOutboxPayload persists an entry's payload in place (after a media
// upload replaced pending bytes with a reference, so the upload is not
// repeated on a later retry).
func (s *Store) UpdateOutboxPayload(ctx context.Context, localID string, p Payload) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	blob, err := s.encodePayload(p)
	if err != nil {
		return newStorageError("update outbox payload", localID, err)
	}
	return s.execOne(ctx, "update outbox payload", ErrEntryNotFound,
		`UPDATE outbox SET payload = ? WHERE local_id = ?`, blob, localID)
}

// FailOutboxEntry records a failed attempt against the entry as it was
// dispatched (an entry replaced mid-flight reports ErrEntryNotFound
// rather than booking the old attempt's failure onto the new write).
// When permanent is true the entry stops retrying and is surfaced through
// FailedOutboxEntries.
func (s *Store) FailOutboxEntry(ctx context.Context, localID, lastError string, enqueuedAt, nextRetryAt int64, permanent bool) error {
	return s.execOne(ctx, "fail outbox entry", ErrEntryNotFound, `
		UPDATE outbox SET retry_count = retry_count + 1, next_retry_at = ?, failed = ?, last_error = ?
		WHERE local_id = ? AND enqueued_at = ?`,
		nextRetryAt, boolInt(permanent), lastError, localID, enqueuedAt)
}

// ResetOutboxEntry returns a failed entry to the queue with a fresh retry
// budget (manual retry).
func (s *Store) ResetOutboxEntry(ctx context.Context, localID string) error {
	return s.execOne(ctx, "reset outbox entry", ErrEntryNotFound, `
		UPDATE outbox SET retry_count = 0, next_retry_at = 0, failed = 0, last_error = ''
		WHERE local_id = ?`, localID)
}

// AbandonOutboxEntry explicitly discards an entry. The optimistic record
// stays in the store, unsynced, for the caller to amend or delete.
func (s *Store) AbandonOutboxEntry(ctx context.Context, localID string) error {
	return s.execOne(ctx, "abandon outbox entry", ErrEntryNotFound,
		`DELETE FROM outbox WHERE local_id = ?`, localID)
}

func (s *Store) execOne(ctx context.Context, op string, missing error, query string, args ...any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return newStorageError(op, "", s.classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return missing
	}
	return nil
}

// --- collection metadata ---

// Metadata returns a collection's sync metadata (zero value if the
// collection has never been fetched).
func (s *Store) Metadata(ctx context.Context, collection string) (CollectionMetadata, error) {
	meta := CollectionMetadata{Collection: collection}
	if err := s.checkOpen(); err != nil {
		return meta, err
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT newest_ts, last_fetch, item_count, bookmark, last_access
		FROM collection_meta WHERE collection = ?`, collection).
		Scan(&meta.NewestItemTimestamp, &meta.LastFetchTime, &meta.ItemCount,
			&meta.Bookmark, &meta.LastAccess)
	if err == sql.ErrNoRows {
		return meta, nil
	}
	if err != nil {
		return meta, newStorageError("get metadata", collection, s.classify(err))
	}
	return meta, nil
}

// AdvanceWatermark moves a collection's watermark forward to candidate and
// records the fetch time and item count. The watermark is monotonic: a
// candidate older than the stored value leaves it unchanged.
func (s *Store) AdvanceWatermark(ctx context.Context, collection string, candidate, fetchTime, itemCount int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_meta (collection, newest_ts, last_fetch, item_count, last_access)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			newest_ts = MAX(newest_ts, excluded.newest_ts),
			last_fetch = excluded.last_fetch,
			item_count = excluded.item_count`,
		collection, candidate, fetchTime, itemCount, fetchTime)
	if err != nil {
		return newStorageError("advance watermark", collection, s.classify(err))
	}
	return nil
}

// TouchAccess marks a collection as recently read (drives eviction order).
func (s *Store) TouchAccess(ctx context.Context, collection string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_meta (collection, last_access) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET last_access = excluded.last_access`,
		collection, time.Now().UnixNano())
	if err != nil {
		return newStorageError("touch access", collection, s.classify(err))
	}
	return nil
}

// SetBookmark stores the UI's scroll/position bookmark for a collection.
func (s *Store) SetBookmark(ctx context.Context, collection, bookmark string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_meta (collection, bookmark) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET bookmark = excluded.bookmark`,
		collection, bookmark)
	if err != nil {
		return newStorageError("set bookmark", collection, s.classify(err))
	}
	return nil
}

// --- conflicts ---

// PutConflict stores a conflict record.
func (s *Store) PutConflict(ctx context.Context, c ConflictRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	local, err := json.Marshal(c.LocalVersion)
	if err != nil {
		return newStorageError("put conflict", c.ID, err)
	}
	remote, err := json.Marshal(c.RemoteVersion)
	if err != nil {
		return newStorageError("put conflict", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conflicts
			(id, entity_id, collection, local_version, remote_version, detected_at, resolution, applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityID, c.Collection, local, remote, c.DetectedAt, c.Resolution, c.Applied)
	if err != nil {
		return newStorageError("put conflict", c.ID, s.classify(err))
	}
	return nil
}

// Conflicts returns all open conflict records.
func (s *Store) Conflicts(ctx context.Context) ([]ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, collection, local_version, remote_version, detected_at, resolution, applied
		FROM conflicts ORDER BY detected_at ASC`)
	if err != nil {
		return nil, newStorageError("list conflicts", "", s.classify(err))
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, newStorageError("list conflicts", "", s.classify(err))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConflict fetches one conflict record.
func (s *Store) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, collection, local_version, remote_version, detected_at, resolution, applied
		FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, newStorageError("get conflict", id, s.classify(err))
	}
	return &c, nil
}

func scanConflict(scan func(...any) error) (ConflictRecord, error) {
	var c ConflictRecord
	var local, remote []byte
	if err := scan(&c.ID, &c.EntityID, &c.Collection, &local, &remote,
		&c.DetectedAt, &c.Resolution, &c.Applied); err != nil {
		return c, err
	}
	if err := json.Unmarshal(local, &c.LocalVersion); err != nil {
		return c, err
	}
	if err := json.Unmarshal(remote, &c.RemoteVersion); err != nil {
		return c, err
	}
	return c, nil
}

// DeleteConflict removes a resolved conflict record.
func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete conflict", ErrConflictNotFound,
		`DELETE FROM conflicts WHERE id = ?`, id)
}

// --- eviction support ---

// TotalRecordCount returns the number of record rows across collections.
func (s *Store) TotalRecordCount(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, newStorageError("count records", "", s.classify(err))
	}
	return n, nil
}

// DirtyRecordCount returns the number of locally modified, unsynced rows.
func (s *Store) DirtyRecordCount(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE dirty = 1`).Scan(&n); err != nil {
		return 0, newStorageError("count dirty records", "", s.classify(err))
	}
	return n, nil
}

// CollectionsByAccess returns per-collection metadata ordered least
// recently accessed first.
func (s *Store) CollectionsByAccess(ctx context.Context) ([]CollectionMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, newest_ts, last_fetch, item_count, bookmark, last_access
		FROM collection_meta ORDER BY last_access ASC`)
	if err != nil {
		return nil, newStorageError("list metadata", "", s.classify(err))
	}
	defer rows.Close()

	var out []CollectionMetadata
	for rows.Next() {
		var m CollectionMetadata
		if err := rows.Scan(&m.Collection, &m.NewestItemTimestamp, &m.LastFetchTime,
			&m.ItemCount, &m.Bookmark, &m.LastAccess); err != nil {
			return nil, newStorageError("list metadata", "", s.classify(err))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EvictRecords removes up to limit synced records from a collection,
// least recently updated first. Records backing an unflushed outbox entry,
// pinned records, and dirty records are never evicted. Returns the number
// of rows removed.
func (s *Store) EvictRecords(ctx context.Context, collection string, limit int64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE rowid IN (
			SELECT rowid FROM records r
			WHERE r.collection = ? AND r.synced = 1 AND r.dirty = 0
			  AND r.local_id NOT IN (SELECT local_id FROM outbox)
			  AND r.id NOT IN (SELECT record_id FROM pins)
			ORDER BY r.updated_at ASC
			LIMIT ?
		)`, collection, limit)
	if err != nil {
		return 0, newStorageError("evict records", collection, s.classify(err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notify(collection)
	}
	return n, nil
}

// Reinit clears cached state (records and collection metadata) after
// detected corruption so the client can rebuild from remote truth. Queued
// writes, tombstones, pins, and conflicts are preserved.
func (s *Store) Reinit(ctx context.Context) error {
	return s.withTx(ctx, "reinit", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE dirty = 0 AND local_id NOT IN (SELECT local_id FROM outbox)`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE collection_meta SET newest_ts = 0, last_fetch = 0, item_count = 0`)
		return err
	})
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
