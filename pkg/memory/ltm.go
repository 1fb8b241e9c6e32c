package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// LTMConfig is the long-term tier policy.
type LTMConfig struct {
	// RelationshipTypes restricts edge types when non-empty.
	RelationshipTypes []string
}

// LongTermTier is unbounded and durable. It layers categories and a directed
// relationship graph on top of its backend. Maintenance here is repair
// oriented (dangling-edge pruning), never eviction.
type LongTermTier struct {
	backend Backend
	cfg     LTMConfig
}

func NewLongTermTier(backend Backend, cfg LTMConfig) *LongTermTier {
	return &LongTermTier{backend: backend, cfg: cfg}
}

func (t *LongTermTier) Backend() Backend { return t.backend }
func (t *LongTermTier) Name() Tier       { return TierLTM }

func (t *LongTermTier) Put(ctx context.Context, item MemoryItem) (string, error) {
	item.Tier = TierLTM
	return t.backend.Store(ctx, item)
}

func (t *LongTermTier) Get(ctx context.Context, id string) (MemoryItem, error) {
	return t.backend.Get(ctx, id)
}

func (t *LongTermTier) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	return t.backend.Update(ctx, id, patch)
}

func (t *LongTermTier) Delete(ctx context.Context, id string) (bool, error) {
	return t.backend.Delete(ctx, id)
}

func (t *LongTermTier) Query(ctx context.Context, f Filter) ([]MemoryItem, error) {
	return t.backend.Query(ctx, f)
}

func (t *LongTermTier) Count(ctx context.Context) (int, error) {
	return t.backend.Count(ctx, Filter{})
}

func (t *LongTermTier) validRelationshipType(relType string) bool {
	if len(t.cfg.RelationshipTypes) == 0 {
		return relType != ""
	}
	for _, rt := range t.cfg.RelationshipTypes {
		if rt == relType {
			return true
		}
	}
	return false
}

// AddToCategory adds the item to a named bucket. Idempotent.
func (t *LongTermTier) AddToCategory(ctx context.Context, id, category string) error {
	if category == "" {
		return fmt.Errorf("%w: empty category", ErrValidation)
	}
	item, err := t.backend.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.HasCategory(category) {
		return nil
	}
	cats := append(append([]string(nil), item.Categories...), category)
	ok, err := t.backend.Update(ctx, id, Patch{Categories: &cats})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (t *LongTermTier) MemoriesByCategory(ctx context.Context, category string, limit int) ([]MemoryItem, error) {
	return t.backend.Query(ctx, Filter{Category: category, Limit: limit})
}

// AddRelationship creates a directed edge a->b. With bidirectional=true the
// mirrored edge b->a is created atomically: if the mirror write fails the
// forward edge is rolled back and the operation reports failure.
func (t *LongTermTier) AddRelationship(ctx context.Context, fromID, toID, relType string, strength float64, bidirectional bool) error {
	if fromID == toID {
		return fmt.Errorf("%w: self relationship", ErrValidation)
	}
	if !t.validRelationshipType(relType) {
		return fmt.Errorf("%w: relationship type %q not allowed", ErrValidation, relType)
	}
	// Both endpoints must exist at creation time.
	if _, err := t.backend.Get(ctx, toID); err != nil {
		return err
	}

	strength = clampUnit(strength)
	now := nowMS()
	prev, err := t.upsertEdge(ctx, fromID, Relationship{
		TargetID: toID, Type: relType, Strength: strength,
		Bidirectional: bidirectional, CreatedAtMS: now,
	})
	if err != nil {
		return err
	}
	if !bidirectional {
		return nil
	}

	_, err = t.upsertEdge(ctx, toID, Relationship{
		TargetID: fromID, Type: relType, Strength: strength,
		Bidirectional: true, CreatedAtMS: now,
	})
	if err != nil {
		// Roll the forward edge back so no half-committed pair survives.
		if prev != nil {
			_, _ = t.backend.Update(ctx, fromID, Patch{Relationships: prev})
		}
		return fmt.Errorf("bidirectional mirror edge: %w", err)
	}
	return nil
}

// upsertEdge replaces any existing (target, type) edge on the source item and
// returns the prior edge list for rollback.
func (t *LongTermTier) upsertEdge(ctx context.Context, sourceID string, edge Relationship) (*[]Relationship, error) {
	item, err := t.backend.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	prev := append([]Relationship(nil), item.Relationships...)
	next := make([]Relationship, 0, len(item.Relationships)+1)
	for _, rel := range item.Relationships {
		if rel.TargetID == edge.TargetID && rel.Type == edge.Type {
			continue
		}
		next = append(next, rel)
	}
	next = append(next, edge)
	ok, err := t.backend.Update(ctx, sourceID, Patch{Relationships: &next})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &prev, nil
}

// RelatedMemory pairs a neighbor with the edge that reached it.
type RelatedMemory struct {
	Item MemoryItem
	Edge Relationship
}

// RelatedMemories resolves the single-hop neighborhood of id. Dangling edges
// (target deleted after edge creation) are skipped, not failed. relType=""
// matches any type.
func (t *LongTermTier) RelatedMemories(ctx context.Context, id string, minStrength float64, relType string) ([]RelatedMemory, error) {
	item, err := t.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []RelatedMemory{}
	for _, edge := range item.Relationships {
		if edge.Strength < minStrength {
			continue
		}
		if relType != "" && edge.Type != relType {
			continue
		}
		target, err := t.backend.Get(ctx, edge.TargetID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, RelatedMemory{Item: target, Edge: edge})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Edge.Strength > out[j].Edge.Strength
	})
	return out, nil
}

// RelationshipTypes lists the distinct edge types present in the tier.
func (t *LongTermTier) RelationshipTypes(ctx context.Context) ([]string, error) {
	items, err := t.backend.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, item := range items {
		for _, rel := range item.Relationships {
			seen[rel.Type] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for rt := range seen {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types, nil
}

// Neighborhood walks the graph breadth-first from id up to maxHops,
// returning reached item ids (excluding the start). The graph may be cyclic;
// the hop bound and visited set keep the walk finite.
func (t *LongTermTier) Neighborhood(ctx context.Context, id string, maxHops int, minStrength float64) ([]string, error) {
	if maxHops <= 0 {
		maxHops = 1
	}
	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	out := []string{}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		next := []string{}
		for _, cur := range frontier {
			related, err := t.RelatedMemories(ctx, cur, minStrength, "")
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, rel := range related {
				if _, ok := visited[rel.Item.ID]; ok {
					continue
				}
				visited[rel.Item.ID] = struct{}{}
				out = append(out, rel.Item.ID)
				next = append(next, rel.Item.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// PruneDanglingEdges removes edges whose target no longer exists. Returns
// the number of edges removed; part of the LTM maintenance pass.
func (t *LongTermTier) PruneDanglingEdges(ctx context.Context) (int, error) {
	items, err := t.backend.Query(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, item := range items {
		if len(item.Relationships) == 0 {
			continue
		}
		kept := make([]Relationship, 0, len(item.Relationships))
		for _, rel := range item.Relationships {
			if _, err := t.backend.Get(ctx, rel.TargetID); errors.Is(err, ErrNotFound) {
				pruned++
				continue
			} else if err != nil {
				return pruned, err
			}
			kept = append(kept, rel)
		}
		if len(kept) == len(item.Relationships) {
			continue
		}
		if _, err := t.backend.Update(ctx, item.ID, Patch{Relationships: &kept}); err != nil {
			return pruned, fmt.Errorf("prune edges on %s: %w", item.ID, err)
		}
	}
	return pruned, nil
}
