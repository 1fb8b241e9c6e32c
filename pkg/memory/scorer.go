package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ContextState is the mutable "current context" searches are ranked against.
type ContextState struct {
	Text  string
	Topic string
	Tags  []string
}

func (c ContextState) empty() bool {
	return strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.Topic) == "" && len(c.Tags) == 0
}

// ScoreWeights balances the relevance signals. They are configuration, not
// hardcoded; Normalize rescales them to sum to 1.
type ScoreWeights struct {
	Text     float64 `json:"text"`
	Tags     float64 `json:"tags"`
	Recency  float64 `json:"recency"`
	Priority float64 `json:"priority"` // importance x strength
}

func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Text: 0.4, Tags: 0.25, Recency: 0.15, Priority: 0.2}
}

func (w *ScoreWeights) Normalize() {
	sum := w.Text + w.Tags + w.Recency + w.Priority
	if sum <= 0 {
		*w = DefaultScoreWeights()
		return
	}
	w.Text /= sum
	w.Tags /= sum
	w.Recency /= sum
	w.Priority /= sum
}

// ScoredItem is a search result with its relevance score.
type ScoredItem struct {
	Item  MemoryItem
	Score float64
}

type cachedResult struct {
	items     []ScoredItem
	expiresMS int64
}

// Scorer ranks memories against a context. Results for an identical
// (query, context, candidate set) combination are served from an expiring
// LRU for a short window.
type Scorer struct {
	weights         ScoreWeights
	recencyHalfLife time.Duration
	cache           *lru.Cache[string, cachedResult]
	cacheTTL        time.Duration
}

func NewScorer(weights ScoreWeights, recencyHalfLife time.Duration) *Scorer {
	weights.Normalize()
	if recencyHalfLife <= 0 {
		recencyHalfLife = 24 * time.Hour
	}
	cache, _ := lru.New[string, cachedResult](256)
	return &Scorer{
		weights:         weights,
		recencyHalfLife: recencyHalfLife,
		cache:           cache,
		cacheTTL:        15 * time.Second,
	}
}

// Score computes the relevance of one item against the context in [0,1+].
// Signals: text token overlap, tag overlap, recency of last access, and
// importance x strength.
func (s *Scorer) Score(item MemoryItem, cs ContextState, queryText string, nowMSVal int64) float64 {
	text := strings.TrimSpace(queryText)
	if text == "" {
		text = strings.TrimSpace(cs.Text + " " + cs.Topic)
	}

	textScore := 0.0
	if text != "" {
		textScore = textTokenJaccard(text, item.Content+" "+item.Summary)
		if strings.Contains(strings.ToLower(item.Content), strings.ToLower(text)) {
			textScore = math.Min(1, textScore+0.25)
		}
	}

	tagScore := 0.0
	if len(cs.Tags) > 0 && len(item.Tags) > 0 {
		hits := 0
		for _, tag := range cs.Tags {
			if item.HasTag(tag) {
				hits++
			}
		}
		tagScore = float64(hits) / float64(len(cs.Tags))
	}

	recency := recencyWeight(nowMSVal, item.LastAccessedMS, s.recencyHalfLife)
	priority := item.Importance * item.Strength

	return s.weights.Text*textScore +
		s.weights.Tags*tagScore +
		s.weights.Recency*recency +
		s.weights.Priority*priority
}

// Rank scores candidates, drops those below minRelevance, sorts by
// descending score with most-recently-accessed breaking ties, and truncates
// to limit.
func (s *Scorer) Rank(candidates []MemoryItem, cs ContextState, queryText string, minRelevance float64, limit int) []ScoredItem {
	now := nowMS()
	key := s.cacheKey(cs, queryText, minRelevance, limit, candidates)
	if cached, ok := s.cache.Get(key); ok && cached.expiresMS > now {
		return cached.items
	}

	scored := make([]ScoredItem, 0, len(candidates))
	for _, item := range candidates {
		score := s.Score(item, cs, queryText, now)
		if score < minRelevance {
			continue
		}
		scored = append(scored, ScoredItem{Item: item, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Item.LastAccessedMS > scored[j].Item.LastAccessedMS
		}
		return scored[i].Score > scored[j].Score
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	s.cache.Add(key, cachedResult{items: scored, expiresMS: now + s.cacheTTL.Milliseconds()})
	return scored
}

// Invalidate drops all cached rankings; called whenever the context or the
// underlying data changes.
func (s *Scorer) Invalidate() {
	s.cache.Purge()
}

// cacheKey digests the candidate ids along with the request shape. Two
// searches that select different items must never share a cache entry, even
// when the candidate counts happen to match.
func (s *Scorer) cacheKey(cs ContextState, queryText string, minRelevance float64, limit int, candidates []MemoryItem) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%.3f|%d|",
		strings.ToLower(strings.TrimSpace(queryText)),
		strings.ToLower(strings.TrimSpace(cs.Text)),
		strings.ToLower(strings.TrimSpace(cs.Topic)),
		strings.Join(cs.Tags, ","),
		minRelevance, limit)
	for _, item := range candidates {
		h.Write([]byte(item.ID))
		h.Write([]byte{0})
	}
	return "rank:" + hex.EncodeToString(h.Sum(nil))
}

func recencyWeight(nowMSVal, accessedMS int64, halfLife time.Duration) float64 {
	if accessedMS <= 0 {
		return 0
	}
	delta := float64(nowMSVal - accessedMS)
	if delta < 0 {
		delta = 0
	}
	hl := float64(halfLife.Milliseconds())
	if hl <= 0 {
		hl = float64((24 * time.Hour).Milliseconds())
	}
	return math.Exp(-math.Ln2 * delta / hl)
}
