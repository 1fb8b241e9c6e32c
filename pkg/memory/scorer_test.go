package memory

import (
	"testing"
	"time"
)

func scoredItem(id, content string, tags []string, importance, strength float64) MemoryItem {
	now := nowMS()
	return MemoryItem{
		ID:             id,
		Content:        content,
		Tags:           tags,
		Importance:     importance,
		Strength:       strength,
		CreatedAtMS:    now,
		LastAccessedMS: now,
	}
}

func TestScoreWeightsNormalize(t *testing.T) {
	w := ScoreWeights{Text: 2, Tags: 1, Recency: 1, Priority: 0}
	w.Normalize()
	if w.Text != 0.5 || w.Tags != 0.25 || w.Recency != 0.25 || w.Priority != 0 {
		t.Fatalf("normalized weights = %+v", w)
	}

	var zero ScoreWeights
	zero.Normalize()
	if zero != DefaultScoreWeights() {
		t.Fatalf("zero weights should fall back to defaults, got %+v", zero)
	}
}

// Query text match outranks tag match outranks no match, under the default
// weight split.
func TestRankTextBeatsTagsBeatsNothing(t *testing.T) {
	s := NewScorer(DefaultScoreWeights(), 24*time.Hour)

	textHit := scoredItem("mem-text", "kubernetes cluster upgrade plan", nil, 0.5, 0.5)
	tagHit := scoredItem("mem-tag", "unrelated content", []string{"infra"}, 0.5, 0.5)
	miss := scoredItem("mem-miss", "grocery list", nil, 0.5, 0.5)

	cs := ContextState{Tags: []string{"infra"}}
	ranked := s.Rank([]MemoryItem{miss, tagHit, textHit}, cs, "kubernetes cluster upgrade", 0, 0)

	if len(ranked) != 3 {
		t.Fatalf("got %d results, want 3", len(ranked))
	}
	if ranked[0].Item.ID != "mem-text" {
		t.Fatalf("text match should rank first, got %s", ranked[0].Item.ID)
	}
	if ranked[1].Item.ID != "mem-tag" {
		t.Fatalf("tag match should rank second, got %s", ranked[1].Item.ID)
	}
	if ranked[2].Item.ID != "mem-miss" {
		t.Fatalf("no-signal item should rank last, got %s", ranked[2].Item.ID)
	}
	if ranked[0].Score <= ranked[1].Score || ranked[1].Score <= ranked[2].Score {
		t.Fatalf("scores not strictly ordered: %v %v %v",
			ranked[0].Score, ranked[1].Score, ranked[2].Score)
	}
}

func TestRankMinRelevanceCutsAndLimits(t *testing.T) {
	s := NewScorer(DefaultScoreWeights(), 24*time.Hour)

	hit := scoredItem("mem-hit", "incident postmortem for the outage", nil, 0.9, 1.0)
	noise := scoredItem("mem-noise", "coffee preferences", nil, 0.1, 0.1)

	ranked := s.Rank([]MemoryItem{hit, noise}, ContextState{}, "incident postmortem outage", 0.3, 0)
	if len(ranked) != 1 || ranked[0].Item.ID != "mem-hit" {
		t.Fatalf("min relevance should drop the noise item, got %+v", ranked)
	}

	many := []MemoryItem{
		scoredItem("mem-1", "incident one", nil, 0.9, 1.0),
		scoredItem("mem-2", "incident two", nil, 0.8, 1.0),
		scoredItem("mem-3", "incident three", nil, 0.7, 1.0),
	}
	limited := s.Rank(many, ContextState{}, "incident", 0, 2)
	if len(limited) != 2 {
		t.Fatalf("limit ignored: got %d results", len(limited))
	}
}

func TestRankUsesContextWhenQueryEmpty(t *testing.T) {
	s := NewScorer(DefaultScoreWeights(), 24*time.Hour)

	match := scoredItem("mem-match", "migration to the new billing system", nil, 0.5, 0.5)
	other := scoredItem("mem-other", "team offsite agenda", nil, 0.5, 0.5)

	cs := ContextState{Text: "billing system migration"}
	ranked := s.Rank([]MemoryItem{other, match}, cs, "", 0, 0)
	if ranked[0].Item.ID != "mem-match" {
		t.Fatalf("context text should drive ranking, got %s first", ranked[0].Item.ID)
	}
}

func TestRecencyWeightDecays(t *testing.T) {
	now := nowMS()
	halfLife := time.Hour

	fresh := recencyWeight(now, now, halfLife)
	old := recencyWeight(now, now-halfLife.Milliseconds(), halfLife)
	ancient := recencyWeight(now, now-10*halfLife.Milliseconds(), halfLife)

	if fresh < 0.99 {
		t.Fatalf("fresh weight = %v, want ~1", fresh)
	}
	if old < 0.45 || old > 0.55 {
		t.Fatalf("one half-life weight = %v, want ~0.5", old)
	}
	if ancient > 0.01 {
		t.Fatalf("ten half-lives weight = %v, want ~0", ancient)
	}
	if recencyWeight(now, 0, halfLife) != 0 {
		t.Fatal("never-accessed items should have zero recency")
	}
}

func TestRankCacheAndInvalidate(t *testing.T) {
	s := NewScorer(DefaultScoreWeights(), 24*time.Hour)

	items := []MemoryItem{scoredItem("mem-a", "alpha beta", nil, 0.5, 0.5)}
	first := s.Rank(items, ContextState{}, "alpha", 0, 0)
	if len(first) != 1 {
		t.Fatalf("expected one result, got %d", len(first))
	}

	// Same candidate ids and request shape hit the cache even when item
	// fields changed underneath; Invalidate drops the stale entry.
	changed := []MemoryItem{scoredItem("mem-a", "unrelated", nil, 0.5, 0.5)}
	cached := s.Rank(changed, ContextState{}, "alpha", 0, 0)
	if cached[0].Score != first[0].Score {
		t.Fatalf("expected cached score %v, got %v", first[0].Score, cached[0].Score)
	}

	s.Invalidate()
	fresh := s.Rank(changed, ContextState{}, "alpha", 0, 0)
	if fresh[0].Score >= first[0].Score {
		t.Fatalf("expected a lower fresh score after invalidate, got %v (was %v)",
			fresh[0].Score, first[0].Score)
	}
}

// Same query, same candidate count, different candidates: the cache must
// keep the result sets apart.
func TestRankCacheKeyedByCandidateSet(t *testing.T) {
	s := NewScorer(DefaultScoreWeights(), 24*time.Hour)

	setA := []MemoryItem{scoredItem("mem-a", "alpha note", nil, 0.5, 0.5)}
	setB := []MemoryItem{scoredItem("mem-b", "alpha fact", nil, 0.5, 0.5)}

	fromA := s.Rank(setA, ContextState{}, "alpha", 0, 10)
	fromB := s.Rank(setB, ContextState{}, "alpha", 0, 10)

	if len(fromA) != 1 || fromA[0].Item.ID != "mem-a" {
		t.Fatalf("first set = %+v", fromA)
	}
	if len(fromB) != 1 || fromB[0].Item.ID != "mem-b" {
		t.Fatalf("second set served the first set's results: %+v", fromB)
	}
}
