package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dotsetgreg/memtier/pkg/logger"
)

// STMConfig is the short-term tier policy.
type STMConfig struct {
	DefaultTTL      time.Duration
	MaxCapacity     int
	CleanupInterval time.Duration
}

func (c *STMConfig) normalize() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

// ShortTermTier applies TTL lazy expiry and capacity eviction on top of its
// backend. Expired items are treated as absent on read and purged by Sweep;
// eviction happens on writes and sweeps, never on reads.
type ShortTermTier struct {
	backend Backend
	cfg     STMConfig
}

func NewShortTermTier(backend Backend, cfg STMConfig) *ShortTermTier {
	cfg.normalize()
	return &ShortTermTier{backend: backend, cfg: cfg}
}

func (t *ShortTermTier) Backend() Backend { return t.backend }
func (t *ShortTermTier) Name() Tier       { return TierSTM }

func (t *ShortTermTier) Put(ctx context.Context, item MemoryItem) (string, error) {
	item.Tier = TierSTM
	id, err := t.backend.Store(ctx, item)
	if err != nil {
		return "", err
	}
	// The write is already durable at this point; a failed eviction pass
	// must not turn it into a reported failure.
	if _, err := t.EnforceCapacity(ctx); err != nil {
		logger.WarnC("memory", "stm capacity enforcement failed", "error", err)
	}
	return id, nil
}

// Get returns ErrNotFound for expired items even before they are purged.
func (t *ShortTermTier) Get(ctx context.Context, id string) (MemoryItem, error) {
	item, err := t.backend.Get(ctx, id)
	if err != nil {
		return MemoryItem{}, err
	}
	if item.Expired(nowMS(), t.cfg.DefaultTTL) {
		return MemoryItem{}, ErrNotFound
	}
	return item, nil
}

func (t *ShortTermTier) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	if _, err := t.Get(ctx, id); err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return t.backend.Update(ctx, id, patch)
}

func (t *ShortTermTier) Delete(ctx context.Context, id string) (bool, error) {
	return t.backend.Delete(ctx, id)
}

// Query filters out expired items before applying the caller's limit.
func (t *ShortTermTier) Query(ctx context.Context, f Filter) ([]MemoryItem, error) {
	limit, offset := f.Limit, f.Offset
	f.Limit, f.Offset = 0, 0
	f.NowMS = nowMS()
	f.DefaultTTLMS = t.cfg.DefaultTTL.Milliseconds()
	items, err := t.backend.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	live := make([]MemoryItem, 0, len(items))
	for _, item := range items {
		if item.Expired(f.NowMS, t.cfg.DefaultTTL) {
			continue
		}
		live = append(live, item)
	}
	if offset > 0 {
		if offset >= len(live) {
			return nil, nil
		}
		live = live[offset:]
	}
	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

func (t *ShortTermTier) Count(ctx context.Context) (int, error) {
	items, err := t.Query(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Sweep purges expired items. Returns the number removed.
func (t *ShortTermTier) Sweep(ctx context.Context) (int, error) {
	now := nowMS()
	items, err := t.backend.Query(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, item := range items {
		if !item.Expired(now, t.cfg.DefaultTTL) {
			continue
		}
		ok, err := t.backend.Delete(ctx, item.ID)
		if err != nil {
			return removed, fmt.Errorf("sweep delete %s: %w", item.ID, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// EnforceCapacity evicts the lowest-ranked live items until the tier fits
// MaxCapacity. Expired items do not count as live but stay in place; the
// physical purge belongs to Sweep. Rank is ascending (importance, strength,
// last_accessed); among equals the oldest created loses first. Returns
// evicted items so the maintenance report can account for them.
func (t *ShortTermTier) EnforceCapacity(ctx context.Context) (evicted []MemoryItem, err error) {
	now := nowMS()
	items, err := t.backend.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	live := make([]MemoryItem, 0, len(items))
	for _, item := range items {
		if item.Expired(now, t.cfg.DefaultTTL) {
			continue
		}
		live = append(live, item)
	}
	if len(live) <= t.cfg.MaxCapacity {
		return nil, nil
	}

	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
		if a.Strength != b.Strength {
			return a.Strength < b.Strength
		}
		if a.LastAccessedMS != b.LastAccessedMS {
			return a.LastAccessedMS < b.LastAccessedMS
		}
		return a.CreatedAtMS < b.CreatedAtMS
	})

	for _, item := range live[:len(live)-t.cfg.MaxCapacity] {
		ok, derr := t.backend.Delete(ctx, item.ID)
		if derr != nil {
			return evicted, fmt.Errorf("evict %s: %w", item.ID, derr)
		}
		if ok {
			evicted = append(evicted, item)
		}
	}
	return evicted, nil
}

// PromotionCandidates returns live items whose importance clears the given
// threshold, for the consolidation pass.
func (t *ShortTermTier) PromotionCandidates(ctx context.Context, minImportance float64) ([]MemoryItem, error) {
	return t.Query(ctx, Filter{MinImportance: &minImportance})
}
