// Test coverage:
//   - a single tick posts items in id order and stops at the first failure
//   - the failed item and the items after it stay queued
//   - ConsecutiveFails is non-zero after the failed post

package syncworker_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drivesentry/drivesentry/internal/outbox"
	"github.com/drivesentry/drivesentry/internal/syncworker"
)

type fakePoster struct {
	mu       sync.Mutex
	failOn   outbox.Endpoint
	posted   []outbox.Endpoint
}

func (f *fakePoster) Post(_ context.Context, endpoint outbox.Endpoint, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, endpoint)
	if endpoint == f.failOn {
		return context.DeadlineExceeded
	}
	return nil
}

func newStore(t *testing.T) *outbox.Store {
	t.Helper()
	s, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWorker_StopsAtFirstFailure(t *testing.T) {
	store := newStore(t)
	store.Enqueue(outbox.EndpointTelemetry, []byte("1"))
	store.Enqueue(outbox.EndpointAlert, []byte("2"))
	store.Enqueue(outbox.EndpointHealth, []byte("3"))

	poster := &fakePoster{failOn: outbox.EndpointAlert}
	w := syncworker.New(store, poster, zap.NewNop(), 25*time.Millisecond, 10, 1000)

	// One tick fires (at 25ms) before the 40ms deadline; a second tick would
	// post the health item and reset the failure streak.
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	size, _ := store.QueueSize()
	if size == 0 {
		t.Fatal("expected telemetry item to have been sent but alert+health to remain queued")
	}
	if w.ConsecutiveFails() == 0 {
		t.Fatal("expected ConsecutiveFails > 0 after a failed post")
	}
}
