// Package outbox is a durable, per-endpoint, at-least-once event queue
// backed by BoltDB.
//
// Schema (BoltDB bucket layout):
//
//	/outbox
//	    key:   big-endian uint64 monotonic id (bolt.NextSequence())
//	    value: JSON-encoded OutboxItem
//
//	/badge_cache
//	    key:   uid_hash (sha256 hex of the NFC UID)
//	    value: JSON-encoded BadgeCacheEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Ordering: the monotonic id is assigned at Enqueue time in insertion order
// across all endpoints, so ascending-id iteration yields a global FIFO order
// whose restriction to any one endpoint is itself FIFO — DequeueBatch never
// needs a per-endpoint secondary index.
//
// Retry/backoff: a failed item's next_retry_at is pushed forward by
// min(5 * 2^retry_count, 600) seconds; DequeueBatch only returns items
// whose next_retry_at has elapsed.
//
// Migration: a pre-existing legacy "telemetry_queue" bucket (from an older
// SQLite-derived schema) is folded into /outbox under endpoint "telemetry"
// the first time Open sees it, then dropped.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error on
//     Open(). The caller logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error; the caller logs it and the
//     event is simply lost for this attempt (no in-memory fallback queue).
//   - A row whose stored JSON no longer decodes is deleted the first time
//     DequeueBatch or PurgeOld encounters it — with no readable retry state
//     it can never be delivered, and leaving it would hide it from both
//     recovery paths. A payload that decodes as a row but fails to POST
//     retries under the normal MarkFailed backoff until MaxCorruptRetries.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Endpoint identifies which API route an outbox item is destined for.
type Endpoint string

const (
	EndpointTelemetry Endpoint = "telemetry"
	EndpointNFCAuth   Endpoint = "nfc_auth"
	EndpointAlcohol   Endpoint = "alcohol"
	EndpointAlert     Endpoint = "alert"
	EndpointTripOpen  Endpoint = "trip_open"
	EndpointTripClose Endpoint = "trip_close"
	EndpointHealth    Endpoint = "health"
)

// validEndpoints is the closed set of endpoint tags accepted by Enqueue.
var validEndpoints = map[Endpoint]bool{
	EndpointTelemetry: true,
	EndpointNFCAuth:   true,
	EndpointAlcohol:   true,
	EndpointAlert:     true,
	EndpointTripOpen:  true,
	EndpointTripClose: true,
	EndpointHealth:    true,
}

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// MaxCorruptRetries bounds how many times a payload that fails to
	// re-marshal for delivery is retried before it is dropped and logged.
	MaxCorruptRetries = 20

	// maxBackoffSeconds is the backoff ceiling applied by MarkFailed.
	maxBackoffSeconds = 600

	bucketOutbox      = "outbox"
	bucketBadgeCache  = "badge_cache"
	bucketMeta        = "meta"
	legacyBucketQueue = "telemetry_queue"
)

// OutboxItem is one durable queue row.
type OutboxItem struct {
	ID          uint64    `json:"id"`
	TS          time.Time `json:"ts"`
	Endpoint    Endpoint  `json:"endpoint"`
	Payload     []byte    `json:"payload"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// BadgeCacheEntry caches a previously-seen NFC badge's driver mapping so an
// offline scan still resolves a driver identity.
type BadgeCacheEntry struct {
	DriverID   string    `json:"driver_id"`
	DriverName string    `json:"driver_name"`
	CachedAt   time.Time `json:"cached_at"`
}

// Store wraps a BoltDB instance with typed accessors for the outbox and
// badge cache.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path, migrating
// any legacy telemetry_queue bucket into the unified outbox schema.
func Open(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketOutbox, bucketBadgeCache, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return migrateLegacyQueue(tx)
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

// migrateLegacyQueue folds a pre-existing telemetry_queue bucket (from the
// SQLite-derived schema) into outbox under EndpointTelemetry, then removes
// the legacy bucket. No-op if telemetry_queue does not exist.
func migrateLegacyQueue(tx *bolt.Tx) error {
	legacy := tx.Bucket([]byte(legacyBucketQueue))
	if legacy == nil {
		return nil
	}
	out := tx.Bucket([]byte(bucketOutbox))

	// Collect rows first: mutating legacy (via the trailing DeleteBucket)
	// while its own cursor is still iterating is not safe in bbolt.
	var rows [][]byte
	if err := legacy.ForEach(func(_, v []byte) error {
		rows = append(rows, append([]byte(nil), v...))
		return nil
	}); err != nil {
		return fmt.Errorf("migrateLegacyQueue scan: %w", err)
	}

	for _, v := range rows {
		id, err := out.NextSequence()
		if err != nil {
			return fmt.Errorf("migrateLegacyQueue NextSequence: %w", err)
		}
		item := OutboxItem{
			ID:          id,
			TS:          time.Now().UTC(),
			Endpoint:    EndpointTelemetry,
			Payload:     v,
			NextRetryAt: time.Now().UTC(),
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("migrateLegacyQueue marshal: %w", err)
		}
		if err := out.Put(idKey(id), data); err != nil {
			return fmt.Errorf("migrateLegacyQueue put: %w", err)
		}
	}

	return tx.DeleteBucket([]byte(legacyBucketQueue))
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, firmware requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// Enqueue durably appends a new item for delivery to endpoint.
// Returns the assigned monotonic id.
func (s *Store) Enqueue(endpoint Endpoint, payload []byte) (uint64, error) {
	if !validEndpoints[endpoint] {
		return 0, fmt.Errorf("outbox.Enqueue: unknown endpoint %q", endpoint)
	}

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOutbox))
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("NextSequence: %w", err)
		}
		id = seq

		item := OutboxItem{
			ID:          id,
			TS:          time.Now().UTC(),
			Endpoint:    endpoint,
			Payload:     payload,
			NextRetryAt: time.Now().UTC(),
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		return b.Put(idKey(id), data)
	})
	return id, err
}

// DequeueBatch returns up to limit items whose NextRetryAt has elapsed, in
// ascending id order. It does not remove or lock the items — the caller must
// follow up with MarkSent or MarkFailed for each returned id. A row the
// store itself cannot decode can never be delivered; it is run through the
// same failure path MarkFailed applies (which deletes an undecodable row)
// so it does not sit in the bucket invisible to every recovery path.
func (s *Store) DequeueBatch(limit int) ([]OutboxItem, error) {
	now := time.Now().UTC()
	var items []OutboxItem
	var corrupt [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOutbox))
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(items) < limit; k, v = c.Next() {
			var item OutboxItem
			if err := json.Unmarshal(v, &item); err != nil {
				corrupt = append(corrupt, append([]byte(nil), k...))
				continue
			}
			if item.NextRetryAt.After(now) {
				continue
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(corrupt) > 0 {
		err = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucketOutbox))
			for _, k := range corrupt {
				if err := failRow(b, k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return items, err
}

// MarkSent deletes the given ids from the outbox. Idempotent: deleting an
// id that is already gone is not an error.
func (s *Store) MarkSent(ids []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOutbox))
		for _, id := range ids {
			if err := b.Delete(idKey(id)); err != nil {
				return fmt.Errorf("MarkSent delete %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkFailed increments the retry count for id and pushes its next_retry_at
// forward by min(5*2^retry_count, 600) seconds. Items whose retry count
// exceeds MaxCorruptRetries are dropped instead — a payload that can never
// be delivered must not stall the batch behind it forever.
func (s *Store) MarkFailed(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return failRow(tx.Bucket([]byte(bucketOutbox)), idKey(id))
	})
}

// failRow applies MarkFailed's per-row policy inside a write transaction:
// bump the retry count and push next_retry_at out, drop the row past
// MaxCorruptRetries, and delete outright a row whose stored bytes no
// longer decode (it has no retry state left to advance).
func failRow(b *bolt.Bucket, key []byte) error {
	data := b.Get(key)
	if data == nil {
		return nil // already removed
	}
	var item OutboxItem
	if err := json.Unmarshal(data, &item); err != nil {
		return b.Delete(key)
	}

	item.RetryCount++
	if item.RetryCount > MaxCorruptRetries {
		return b.Delete(key)
	}

	item.NextRetryAt = time.Now().UTC().Add(BackoffDuration(item.RetryCount))

	newData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("MarkFailed marshal: %w", err)
	}
	return b.Put(key, newData)
}

// BackoffDuration computes the retry backoff for the given retry count:
// min(5 * 2^retryCount, 600) seconds.
func BackoffDuration(retryCount int) time.Duration {
	seconds := 5 * (1 << uint(retryCount))
	if seconds > maxBackoffSeconds || seconds <= 0 {
		seconds = maxBackoffSeconds
	}
	return time.Duration(seconds) * time.Second
}

// QueueSize returns the total number of items currently queued.
func (s *Store) QueueSize() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketOutbox)).Stats().KeyN
		return nil
	})
	return n, err
}

// PurgeOld deletes the oldest EndpointTelemetry rows — and any rows whose
// stored bytes no longer decode — until the queue holds at most maxItems
// total. Intact non-telemetry endpoints (auth, alcohol, alerts, trip
// boundaries, health) are never purged — they are low-volume and
// safety-relevant.
func (s *Store) PurgeOld(maxItems int) (int, error) {
	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOutbox))
		total := b.Stats().KeyN
		if total <= maxItems {
			return nil
		}
		overflow := total - maxItems

		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil && len(toDelete) < overflow; k, v = c.Next() {
			// Telemetry rows and rows that no longer decode are both
			// eligible; everything else is preserved.
			var item OutboxItem
			if err := json.Unmarshal(v, &item); err == nil && item.Endpoint != EndpointTelemetry {
				continue
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PurgeOld delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ─── Badge cache operations ───────────────────────────────────────────────

// CacheBadge records a driver identity under the given UID hash so the next
// offline NFC scan of the same badge still resolves a driver.
func (s *Store) CacheBadge(uidHash string, entry BadgeCacheEntry) error {
	entry.CachedAt = time.Now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("CacheBadge marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBadgeCache)).Put([]byte(uidHash), data)
	})
}

// LookupBadge retrieves the cached driver identity for a UID hash.
// Returns (nil, nil) if the badge has never been cached.
func (s *Store) LookupBadge(uidHash string) (*BadgeCacheEntry, error) {
	var entry BadgeCacheEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketBadgeCache)).Get([]byte(uidHash))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, fmt.Errorf("LookupBadge(%q): %w", uidHash, err)
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}
