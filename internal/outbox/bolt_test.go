// Test coverage:
//   - Enqueue/DequeueBatch preserves FIFO order across endpoints
//   - MarkSent removes items and is idempotent on a second call
//   - MarkFailed hides the item from DequeueBatch behind its backoff
//   - BackoffDuration matches min(5*2^n, 600) at representative n
//   - MarkFailed drops an item once MaxCorruptRetries is exceeded
//   - PurgeOld only removes telemetry rows, oldest first
//   - an undecodable row is removed on first dequeue and counts as
//     purge-eligible, never stalling either recovery path
//   - a reopened store loses no items
//   - Badge cache round-trips and returns (nil, nil) when absent
//   - Open migrates a legacy telemetry_queue bucket into outbox

package outbox_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/drivesentry/drivesentry/internal/outbox"
)

func openTestStore(t *testing.T) *outbox.Store {
	t.Helper()
	s, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueDequeue_FIFOOrder(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(outbox.EndpointTelemetry, []byte("payload")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	items, err := s.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].ID <= items[i-1].ID {
			t.Fatalf("items not in ascending id order: %d then %d", items[i-1].ID, items[i].ID)
		}
	}
}

func TestMarkSent_IdempotentAndRemoves(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Enqueue(outbox.EndpointAlert, []byte("alert"))

	if err := s.MarkSent([]uint64{id}); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := s.MarkSent([]uint64{id}); err != nil {
		t.Fatalf("MarkSent on already-sent id should not error: %v", err)
	}

	size, _ := s.QueueSize()
	if size != 0 {
		t.Fatalf("expected empty queue, got size %d", size)
	}
}

func TestMarkFailed_BackoffHidesItemUntilElapsed(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Enqueue(outbox.EndpointNFCAuth, []byte("badge"))

	if err := s.MarkFailed(id); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	items, _ := s.DequeueBatch(10)
	if len(items) != 0 {
		t.Fatalf("expected item hidden behind backoff, got %d visible", len(items))
	}
}

func TestBackoffDuration_Formula(t *testing.T) {
	cases := map[int]time.Duration{
		0: 5 * time.Second,
		1: 10 * time.Second,
		2: 20 * time.Second,
		7: 600 * time.Second, // 5*2^7=640, capped at 600
		9: 600 * time.Second,
	}
	for n, want := range cases {
		if got := outbox.BackoffDuration(n); got != want {
			t.Errorf("BackoffDuration(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestMarkFailed_DropsAfterMaxCorruptRetries(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Enqueue(outbox.EndpointHealth, []byte("health"))

	for i := 0; i <= outbox.MaxCorruptRetries; i++ {
		if err := s.MarkFailed(id); err != nil {
			t.Fatalf("MarkFailed iteration %d: %v", i, err)
		}
	}

	size, _ := s.QueueSize()
	if size != 0 {
		t.Fatalf("expected item dropped after exceeding MaxCorruptRetries, queue size = %d", size)
	}
}

func TestPurgeOld_OnlyTelemetryOldestFirst(t *testing.T) {
	s := openTestStore(t)

	alertID, _ := s.Enqueue(outbox.EndpointAlert, []byte("keep-me"))
	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(outbox.EndpointTelemetry, []byte("tp")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deleted, err := s.PurgeOld(2)
	if err != nil {
		t.Fatalf("PurgeOld: %v", err)
	}
	if deleted != 4 {
		t.Fatalf("expected 4 telemetry rows purged down to 2, got %d", deleted)
	}

	items, _ := s.DequeueBatch(10)
	for _, it := range items {
		if it.ID == alertID {
			return
		}
	}
	t.Fatal("alert item must never be purged")
}

func TestBadgeCache_RoundTripAndAbsent(t *testing.T) {
	s := openTestStore(t)

	if entry, err := s.LookupBadge("deadbeef"); err != nil || entry != nil {
		t.Fatalf("expected (nil, nil) for absent badge, got (%v, %v)", entry, err)
	}

	want := outbox.BadgeCacheEntry{DriverID: "d1", DriverName: "Jordan"}
	if err := s.CacheBadge("deadbeef", want); err != nil {
		t.Fatalf("CacheBadge: %v", err)
	}

	got, err := s.LookupBadge("deadbeef")
	if err != nil || got == nil {
		t.Fatalf("LookupBadge: %v, %v", got, err)
	}
	if got.DriverID != want.DriverID || got.DriverName != want.DriverName {
		t.Fatalf("got %+v, want driver fields %+v", got, want)
	}
}

// seedGarbageRow writes undecodable bytes directly into the outbox bucket
// at the given key, bypassing Enqueue.
func seedGarbageRow(t *testing.T, path string, key uint64) {
	t.Helper()
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("outbox"))
		if err != nil {
			return err
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, key)
		return b.Put(k, []byte("\x00not json"))
	}); err != nil {
		t.Fatalf("seed garbage row: %v", err)
	}
	if err := bdb.Close(); err != nil {
		t.Fatalf("close seed db: %v", err)
	}
}

func TestDequeueBatch_RemovesUndecodableRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := outbox.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Enqueue(outbox.EndpointTelemetry, []byte("tp"))
	s.Enqueue(outbox.EndpointAlert, []byte("al"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	seedGarbageRow(t, path, 0) // sorts before every assigned id

	s, err = outbox.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	items, err := s.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected both intact items despite the garbage row, got %d", len(items))
	}

	size, _ := s.QueueSize()
	if size != 2 {
		t.Fatalf("undecodable row must be removed on first dequeue, queue size = %d", size)
	}
}

func TestPurgeOld_UndecodableRowsAreEligible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := outbox.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Enqueue(outbox.EndpointAlert, []byte("keep-me"))
	s.Enqueue(outbox.EndpointTelemetry, []byte("tp"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	seedGarbageRow(t, path, 0)

	s, err = outbox.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	deleted, err := s.PurgeOld(2)
	if err != nil {
		t.Fatalf("PurgeOld: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected the garbage row counted and purged, got %d deleted", deleted)
	}

	items, _ := s.DequeueBatch(10)
	if len(items) != 2 {
		t.Fatalf("expected the intact alert and telemetry rows to survive, got %+v", items)
	}
}

func TestReopen_LosesNoItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := outbox.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var ids []uint64
	for _, endpoint := range []outbox.Endpoint{outbox.EndpointTripOpen, outbox.EndpointTelemetry, outbox.EndpointAlert} {
		id, err := s.Enqueue(endpoint, []byte("ev"))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = outbox.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	items, err := s.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != len(ids) {
		t.Fatalf("expected all %d items to survive a restart, got %d", len(ids), len(items))
	}
	for i, it := range items {
		if it.ID != ids[i] {
			t.Fatalf("item %d id = %d, want %d (order must survive restart)", i, it.ID, ids[i])
		}
	}
}

func TestOpen_MigratesLegacyTelemetryQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("telemetry_queue"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("row1"), []byte(`{"speed_kmh":42}`)); err != nil {
			return err
		}
		return b.Put([]byte("row2"), []byte(`{"speed_kmh":43}`))
	}); err != nil {
		t.Fatalf("seed legacy bucket: %v", err)
	}
	if err := bdb.Close(); err != nil {
		t.Fatalf("close seed db: %v", err)
	}

	s, err := outbox.Open(path)
	if err != nil {
		t.Fatalf("Open with legacy bucket: %v", err)
	}
	defer s.Close()

	items, err := s.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected both migrated legacy rows under telemetry endpoint, got %+v", items)
	}
	for _, it := range items {
		if it.Endpoint != outbox.EndpointTelemetry {
			t.Fatalf("expected migrated legacy row under telemetry endpoint, got %+v", it)
		}
	}
}
