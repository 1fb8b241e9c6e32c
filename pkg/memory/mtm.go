package memory

import (
	"context"
	"fmt"
	"sort"
)

// MTMConfig is the medium-term tier policy.
type MTMConfig struct {
	MaxCapacity int
	// PriorityLevels is the number of priority classes items are binned into.
	PriorityLevels int
	// MinAccessThreshold upgrades an item one priority class once its access
	// count reaches it.
	MinAccessThreshold int
	// ConsolidationThreshold: items at or above this importance are promoted
	// to LTM instead of evicted under capacity pressure, and are eligible
	// for periodic promotion once sufficiently accessed.
	ConsolidationThreshold float64
}

func (c *MTMConfig) normalize() {
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 500
	}
	if c.PriorityLevels <= 0 {
		c.PriorityLevels = 3
	}
	if c.MinAccessThreshold <= 0 {
		c.MinAccessThreshold = 3
	}
	if c.ConsolidationThreshold <= 0 {
		c.ConsolidationThreshold = 0.7
	}
}

// MediumTermTier is capacity-bounded with no TTL. Capacity pressure resolves
// per item to either promotion (importance clears the consolidation
// threshold) or eviction.
type MediumTermTier struct {
	backend Backend
	cfg     MTMConfig
}

func NewMediumTermTier(backend Backend, cfg MTMConfig) *MediumTermTier {
	cfg.normalize()
	return &MediumTermTier{backend: backend, cfg: cfg}
}

func (t *MediumTermTier) Backend() Backend { return t.backend }
func (t *MediumTermTier) Name() Tier       { return TierMTM }

// PriorityClass derives the item's class in [0, PriorityLevels):
// importance picks the base class, a hot access count bumps it one level.
func (t *MediumTermTier) PriorityClass(item MemoryItem) int {
	class := int(item.Importance * float64(t.cfg.PriorityLevels))
	if class >= t.cfg.PriorityLevels {
		class = t.cfg.PriorityLevels - 1
	}
	if item.AccessCount >= t.cfg.MinAccessThreshold && class < t.cfg.PriorityLevels-1 {
		class++
	}
	return class
}

func (t *MediumTermTier) Put(ctx context.Context, item MemoryItem) (string, error) {
	item.Tier = TierMTM
	return t.backend.Store(ctx, item)
}

func (t *MediumTermTier) Get(ctx context.Context, id string) (MemoryItem, error) {
	return t.backend.Get(ctx, id)
}

func (t *MediumTermTier) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	return t.backend.Update(ctx, id, patch)
}

func (t *MediumTermTier) Delete(ctx context.Context, id string) (bool, error) {
	return t.backend.Delete(ctx, id)
}

func (t *MediumTermTier) Query(ctx context.Context, f Filter) ([]MemoryItem, error) {
	return t.backend.Query(ctx, f)
}

func (t *MediumTermTier) Count(ctx context.Context) (int, error) {
	return t.backend.Count(ctx, Filter{})
}

// CapacityPressure returns, lowest class first, the items that must leave the
// tier to fit MaxCapacity, split into promotions and evictions. The caller
// (the manager) performs the actual cross-tier moves.
func (t *MediumTermTier) CapacityPressure(ctx context.Context) (promote, evict []MemoryItem, err error) {
	items, err := t.backend.Query(ctx, Filter{})
	if err != nil {
		return nil, nil, err
	}
	overflow := len(items) - t.cfg.MaxCapacity
	if overflow <= 0 {
		return nil, nil, nil
	}

	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := t.PriorityClass(items[i]), t.PriorityClass(items[j])
		if ci != cj {
			return ci < cj
		}
		if items[i].Strength != items[j].Strength {
			return items[i].Strength < items[j].Strength
		}
		return items[i].CreatedAtMS < items[j].CreatedAtMS
	})

	for _, item := range items[:overflow] {
		if item.Importance >= t.cfg.ConsolidationThreshold {
			promote = append(promote, item)
		} else {
			evict = append(evict, item)
		}
	}
	return promote, evict, nil
}

// PromotionCandidates returns items eligible for periodic promotion to LTM:
// importance at the consolidation threshold and access count at the
// access threshold.
func (t *MediumTermTier) PromotionCandidates(ctx context.Context) ([]MemoryItem, error) {
	items, err := t.backend.Query(ctx, Filter{MinImportance: &t.cfg.ConsolidationThreshold})
	if err != nil {
		return nil, err
	}
	out := make([]MemoryItem, 0, len(items))
	for _, item := range items {
		if item.AccessCount >= t.cfg.MinAccessThreshold {
			out = append(out, item)
		}
	}
	return out, nil
}

// Evict removes the given items, returning how many were present.
func (t *MediumTermTier) Evict(ctx context.Context, items []MemoryItem) (int, error) {
	removed := 0
	for _, item := range items {
		ok, err := t.backend.Delete(ctx, item.ID)
		if err != nil {
			return removed, fmt.Errorf("mtm evict %s: %w", item.ID, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
