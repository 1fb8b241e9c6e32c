package memory

import (
	"context"
	"sort"
	"strings"
)

// Backend is the storage contract every tier delegates to. Implementations
// must be safe for concurrent use and must never silently drop a write they
// reported as successful. Per-key consistency is last-writer-wins; Update
// applies its patch atomically with respect to other Update calls on the
// same id.
type Backend interface {
	Initialize(ctx context.Context) error
	Shutdown() error

	Store(ctx context.Context, item MemoryItem) (string, error)
	BatchStore(ctx context.Context, items []MemoryItem) ([]string, error)
	Get(ctx context.Context, id string) (MemoryItem, error)
	Update(ctx context.Context, id string, patch Patch) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)

	Query(ctx context.Context, f Filter) ([]MemoryItem, error)
	Count(ctx context.Context, f Filter) (int, error)
}

// Filter selects items for Query/Count. Zero values mean "no constraint".
type Filter struct {
	// Text matches content or summary (substring for map backends, FTS for
	// sqlite, similarity for the vector backend).
	Text string
	// Tags requires membership of every listed tag.
	Tags []string
	// Metadata requires equality on every listed key.
	Metadata map[string]string

	MinImportance *float64
	MaxImportance *float64
	MinStrength   *float64
	ContentType   string

	CreatedAfterMS  int64
	CreatedBeforeMS int64

	// Category is an LTM extension; non-LTM backends treat it as a plain
	// membership test on the categories set.
	Category string

	// TTLWithinMS is an STM extension: only items expiring within this many
	// milliseconds of NowMS. Requires NowMS and DefaultTTLMS to be set by
	// the owning tier.
	TTLWithinMS  int64
	NowMS        int64
	DefaultTTLMS int64

	Limit  int
	Offset int
}

// Matches evaluates the in-Go portion of the filter against one item.
// SQL-capable backends push what they can into the query and reuse this for
// the remainder, so every backend agrees on semantics.
func (f Filter) Matches(item MemoryItem) bool {
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(item.Content), needle) &&
			!strings.Contains(strings.ToLower(item.Summary), needle) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !item.HasTag(tag) {
			return false
		}
	}
	for k, v := range f.Metadata {
		if item.Metadata[k] != v {
			return false
		}
	}
	if f.MinImportance != nil && item.Importance < *f.MinImportance {
		return false
	}
	if f.MaxImportance != nil && item.Importance > *f.MaxImportance {
		return false
	}
	if f.MinStrength != nil && item.Strength < *f.MinStrength {
		return false
	}
	if f.ContentType != "" && item.ContentType != f.ContentType {
		return false
	}
	if f.CreatedAfterMS > 0 && item.CreatedAtMS < f.CreatedAfterMS {
		return false
	}
	if f.CreatedBeforeMS > 0 && item.CreatedAtMS > f.CreatedBeforeMS {
		return false
	}
	if f.Category != "" && !item.HasCategory(f.Category) {
		return false
	}
	if f.TTLWithinMS > 0 {
		exp := item.CreatedAtMS + item.TTLMS
		if item.TTLMS <= 0 {
			exp = item.CreatedAtMS + f.DefaultTTLMS
		}
		if exp <= 0 || exp > f.NowMS+f.TTLWithinMS {
			return false
		}
	}
	return true
}

// applyFilter runs Matches over a snapshot, orders newest-created first and
// applies offset/limit. Shared by the in-process backends.
func applyFilter(items []MemoryItem, f Filter) []MemoryItem {
	matched := make([]MemoryItem, 0, len(items))
	for _, item := range items {
		if f.Matches(item) {
			matched = append(matched, item)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAtMS == matched[j].CreatedAtMS {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAtMS > matched[j].CreatedAtMS
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}
