package memory

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Embedder converts text to a fixed-dimension vector for the vector backend.
type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// ChargramEmbedder is a deterministic local embedder: hashed character
// trigrams plus token features, L2-normalized. No model download, stable
// across runs, good enough for similarity ranking of short memories.
type ChargramEmbedder struct {
	Dims int
}

func NewChargramEmbedder(dims int) *ChargramEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &ChargramEmbedder{Dims: dims}
}

func (e *ChargramEmbedder) ModelID() string { return "memtier-chargram-v1" }

func (e *ChargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.Dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		idx := int(h.Sum64() % uint64(e.Dims))
		vec[idx] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		idx := int(h.Sum64() % uint64(e.Dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 && strings.TrimSpace(text) != "" {
		return []string{strings.TrimSpace(text)}
	}
	return matches
}

func tokenSet(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range tokenize(text) {
		if len(tok) < 2 {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// textTokenJaccard measures token overlap between two texts in [0,1].
func textTokenJaccard(a, b string) float64 {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}
