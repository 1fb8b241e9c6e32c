package memory

import (
	"context"
	"testing"
)

func newMTM(t *testing.T, cfg MTMConfig) *MediumTermTier {
	t.Helper()
	backend := NewMemoryBackend()
	if err := backend.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Shutdown() })
	return NewMediumTermTier(backend, cfg)
}

func mtmItem(content string, importance float64, accessCount int) MemoryItem {
	now := nowMS()
	return MemoryItem{
		Content:        content,
		Importance:     importance,
		Strength:       1.0,
		AccessCount:    accessCount,
		CreatedAtMS:    now,
		LastAccessedMS: now,
	}
}

func TestMTMPriorityClass(t *testing.T) {
	tier := newMTM(t, MTMConfig{PriorityLevels: 3, MinAccessThreshold: 3})

	cases := []struct {
		name       string
		importance float64
		accesses   int
		want       int
	}{
		{"cold low importance", 0.1, 0, 0},
		{"cold mid importance", 0.5, 0, 1},
		{"cold high importance", 0.95, 0, 2},
		{"hot low importance bumps one class", 0.1, 5, 1},
		{"hot top class stays capped", 0.95, 5, 2},
		{"importance 1.0 stays in range", 1.0, 0, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tier.PriorityClass(mtmItem("x", tc.importance, tc.accesses))
			if got != tc.want {
				t.Fatalf("class = %d, want %d", got, tc.want)
			}
		})
	}
}

// Under capacity pressure, important items are promoted and unimportant ones
// evicted; at or under capacity, nothing moves.
func TestMTMCapacityPressureSplit(t *testing.T) {
	tier := newMTM(t, MTMConfig{MaxCapacity: 2, ConsolidationThreshold: 0.7})
	ctx := context.Background()

	promote, evict, err := tier.CapacityPressure(ctx)
	if err != nil {
		t.Fatalf("capacity pressure: %v", err)
	}
	if len(promote) != 0 || len(evict) != 0 {
		t.Fatal("empty tier should have no pressure")
	}

	items := []MemoryItem{
		mtmItem("keep one", 0.95, 5),
		mtmItem("keep two", 0.9, 5),
		mtmItem("promote me", 0.8, 0),
		mtmItem("evict me", 0.1, 0),
	}
	for _, item := range items {
		if _, err := tier.Put(ctx, item); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	promote, evict, err = tier.CapacityPressure(ctx)
	if err != nil {
		t.Fatalf("capacity pressure: %v", err)
	}
	if len(promote)+len(evict) != 2 {
		t.Fatalf("overflow = %d, want 2", len(promote)+len(evict))
	}
	for _, item := range promote {
		if item.Importance < 0.7 {
			t.Fatalf("promoted item %q below the consolidation threshold", item.Content)
		}
	}
	for _, item := range evict {
		if item.Importance >= 0.7 {
			t.Fatalf("evicted item %q should have been promoted", item.Content)
		}
	}
}

func TestMTMPromotionCandidates(t *testing.T) {
	tier := newMTM(t, MTMConfig{ConsolidationThreshold: 0.7, MinAccessThreshold: 3})
	ctx := context.Background()

	items := []MemoryItem{
		mtmItem("important but cold", 0.9, 0),
		mtmItem("hot but unimportant", 0.2, 10),
		mtmItem("important and hot", 0.9, 10),
	}
	for _, item := range items {
		if _, err := tier.Put(ctx, item); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	candidates, err := tier.PromotionCandidates(ctx)
	if err != nil {
		t.Fatalf("promotion candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	if candidates[0].Content != "important and hot" {
		t.Fatalf("wrong candidate: %q", candidates[0].Content)
	}
}

func TestMTMEvict(t *testing.T) {
	tier := newMTM(t, MTMConfig{})
	ctx := context.Background()

	id, err := tier.Put(ctx, mtmItem("doomed", 0.2, 0))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	removed, err := tier.Evict(ctx, []MemoryItem{{ID: id}, {ID: "mem-ghost"}})
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 1 {
		t.Fatalf("evicted %d, want 1 (absent ids are skipped)", removed)
	}
}
