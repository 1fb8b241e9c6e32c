package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newSTM(t *testing.T, cfg STMConfig) *ShortTermTier {
	t.Helper()
	backend := NewMemoryBackend()
	if err := backend.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Shutdown() })
	return NewShortTermTier(backend, cfg)
}

func stmItem(content string, importance float64) MemoryItem {
	now := nowMS()
	return MemoryItem{
		Content:        content,
		Importance:     importance,
		Strength:       1.0,
		CreatedAtMS:    now,
		LastAccessedMS: now,
	}
}

func TestSTMLazyExpiry(t *testing.T) {
	tier := newSTM(t, STMConfig{DefaultTTL: time.Hour})
	ctx := context.Background()

	item := stmItem("short lived", 0.5)
	item.TTLMS = 1
	item.CreatedAtMS = nowMS() - 10

	id, err := tier.Put(ctx, item)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	// The row still exists in the backend but the tier treats it as gone.
	if _, err := tier.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired item, got %v", err)
	}

	items, err := tier.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expired item leaked into query results: %d items", len(items))
	}
}

func TestSTMDefaultTTLApplies(t *testing.T) {
	tier := newSTM(t, STMConfig{DefaultTTL: 50 * time.Millisecond})
	ctx := context.Background()

	item := stmItem("uses tier default", 0.5)
	item.CreatedAtMS = nowMS() - 100

	id, err := tier.Put(ctx, item)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := tier.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected default TTL expiry, got %v", err)
	}
}

func TestSTMSweepPurgesExpired(t *testing.T) {
	tier := newSTM(t, STMConfig{DefaultTTL: time.Hour})
	ctx := context.Background()

	expired := stmItem("gone", 0.5)
	expired.TTLMS = 1
	expired.CreatedAtMS = nowMS() - 10
	if _, err := tier.Put(ctx, expired); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	if _, err := tier.Put(ctx, stmItem("alive", 0.5)); err != nil {
		t.Fatalf("put live: %v", err)
	}

	removed, err := tier.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}

	n, err := tier.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after sweep = %d, want 1", n)
	}
}

// Capacity eviction drops the lowest importance first; among equals, the
// least recently accessed loses.
func TestSTMCapacityEvictionOrder(t *testing.T) {
	tier := newSTM(t, STMConfig{DefaultTTL: time.Hour, MaxCapacity: 2})
	ctx := context.Background()
	base := nowMS()

	low := stmItem("low", 0.1)
	low.ID = "mem-low"
	mid := stmItem("mid", 0.5)
	mid.ID = "mem-mid"
	high := stmItem("high", 0.9)
	high.ID = "mem-high"

	// Equal-importance tie: the stale one must lose.
	tieStale := stmItem("tie stale", 0.5)
	tieStale.ID = "mem-tie-stale"
	tieStale.LastAccessedMS = base - 10_000
	mid.LastAccessedMS = base

	for _, item := range []MemoryItem{low, mid, high} {
		if _, err := tier.Put(ctx, item); err != nil {
			t.Fatalf("put %s: %v", item.ID, err)
		}
	}

	// Three items in a capacity-2 tier: "low" must be evicted.
	if _, err := tier.Get(ctx, "mem-low"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lowest-importance item should be evicted, got %v", err)
	}
	for _, id := range []string{"mem-mid", "mem-high"} {
		if _, err := tier.Get(ctx, id); err != nil {
			t.Fatalf("%s should survive: %v", id, err)
		}
	}

	if _, err := tier.Put(ctx, tieStale); err != nil {
		t.Fatalf("put tie: %v", err)
	}
	// tieStale and mid share importance 0.5; tieStale is less recently
	// accessed, so it is the one to go.
	if _, err := tier.Get(ctx, "mem-tie-stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale tie item should be evicted, got %v", err)
	}
	if _, err := tier.Get(ctx, "mem-mid"); err != nil {
		t.Fatalf("recently accessed tie item should survive: %v", err)
	}
}

// Writes never purge expired rows; that stays Sweep's job, so the sweep
// counter reflects what actually expired since the last pass.
func TestSTMWritesLeaveExpiredForSweep(t *testing.T) {
	tier := newSTM(t, STMConfig{DefaultTTL: time.Hour, MaxCapacity: 2})
	ctx := context.Background()

	expired := stmItem("gone", 0.5)
	expired.TTLMS = 1
	expired.CreatedAtMS = nowMS() - 10
	if _, err := tier.Put(ctx, expired); err != nil {
		t.Fatalf("put expired: %v", err)
	}

	// Two live writes fill the tier to capacity; neither may touch the
	// expired row, and neither may be evicted on its account.
	for _, content := range []string{"live one", "live two"} {
		if _, err := tier.Put(ctx, stmItem(content, 0.5)); err != nil {
			t.Fatalf("put %q: %v", content, err)
		}
	}

	n, err := tier.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("live count = %d, want 2", n)
	}

	removed, err := tier.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("sweep removed %d, want the 1 expired row", removed)
	}
}

// evictFailBackend refuses deletes, so capacity enforcement cannot evict.
type evictFailBackend struct {
	*MemoryBackend
}

func (b *evictFailBackend) Delete(ctx context.Context, id string) (bool, error) {
	return false, fmt.Errorf("%w: deletes disabled", ErrBackendUnavailable)
}

// A stored write stays a success even when the eviction pass after it fails.
func TestSTMPutSurvivesEvictionFailure(t *testing.T) {
	backend := &evictFailBackend{MemoryBackend: NewMemoryBackend()}
	if err := backend.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Shutdown() })
	tier := NewShortTermTier(backend, STMConfig{DefaultTTL: time.Hour, MaxCapacity: 1})
	ctx := context.Background()

	if _, err := tier.Put(ctx, stmItem("first", 0.5)); err != nil {
		t.Fatalf("put first: %v", err)
	}
	id, err := tier.Put(ctx, stmItem("second", 0.9))
	if err != nil {
		t.Fatalf("stored write reported as failed: %v", err)
	}
	if _, err := tier.Get(ctx, id); err != nil {
		t.Fatalf("stored item unreadable: %v", err)
	}
}

func TestSTMUpdateExpiredIsAbsent(t *testing.T) {
	tier := newSTM(t, STMConfig{DefaultTTL: time.Hour})
	ctx := context.Background()

	item := stmItem("expired", 0.5)
	item.TTLMS = 1
	item.CreatedAtMS = nowMS() - 10
	id, err := tier.Put(ctx, item)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	content := "no-op"
	ok, err := tier.Update(ctx, id, Patch{Content: &content})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok {
		t.Fatal("update of an expired item should report absent")
	}
}

func TestSTMPromotionCandidates(t *testing.T) {
	tier := newSTM(t, STMConfig{DefaultTTL: time.Hour})
	ctx := context.Background()

	if _, err := tier.Put(ctx, stmItem("minor", 0.3)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := tier.Put(ctx, stmItem("major", 0.8)); err != nil {
		t.Fatalf("put: %v", err)
	}

	candidates, err := tier.PromotionCandidates(ctx, 0.7)
	if err != nil {
		t.Fatalf("promotion candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	if candidates[0].Content != "major" {
		t.Fatalf("wrong candidate: %q", candidates[0].Content)
	}
}
