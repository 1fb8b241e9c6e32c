package memory

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CacheBackend is the key-value cache backend: an authoritative map store
// fronted by a ristretto cache for the read path. Query and Count run against
// the authoritative store, so ristretto admission/eviction never loses data;
// it only decides which items get the fast Get path. Volatile, like
// MemoryBackend.
type CacheBackend struct {
	store *MemoryBackend
	hot   *ristretto.Cache
}

func NewCacheBackend() *CacheBackend {
	return &CacheBackend{store: NewMemoryBackend()}
}

func (b *CacheBackend) Initialize(ctx context.Context) error {
	if err := b.store.Initialize(ctx); err != nil {
		return err
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return fmt.Errorf("%w: init ristretto: %v", ErrBackendUnavailable, err)
	}
	b.hot = hot
	return nil
}

func (b *CacheBackend) Shutdown() error {
	if b.hot != nil {
		b.hot.Close()
		b.hot = nil
	}
	return b.store.Shutdown()
}

func itemCost(item MemoryItem) int64 {
	cost := int64(len(item.Content) + len(item.Summary) + 64)
	return cost
}

func (b *CacheBackend) Store(ctx context.Context, item MemoryItem) (string, error) {
	id, err := b.store.Store(ctx, item)
	if err != nil {
		return "", err
	}
	if b.hot != nil {
		stored, gerr := b.store.Get(ctx, id)
		if gerr == nil {
			b.hot.Set(id, stored, itemCost(stored))
		}
	}
	return id, nil
}

func (b *CacheBackend) BatchStore(ctx context.Context, items []MemoryItem) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := b.Store(ctx, item)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *CacheBackend) Get(ctx context.Context, id string) (MemoryItem, error) {
	if b.hot != nil {
		if v, ok := b.hot.Get(id); ok {
			if item, ok := v.(MemoryItem); ok {
				return item.Clone(), nil
			}
		}
	}
	item, err := b.store.Get(ctx, id)
	if err != nil {
		return MemoryItem{}, err
	}
	if b.hot != nil {
		b.hot.Set(id, item.Clone(), itemCost(item))
	}
	return item, nil
}

func (b *CacheBackend) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	ok, err := b.store.Update(ctx, id, patch)
	if err != nil || !ok {
		if b.hot != nil {
			b.hot.Del(id)
		}
		return ok, err
	}
	if b.hot != nil {
		// Re-read so the cached copy reflects the applied patch.
		if item, gerr := b.store.Get(ctx, id); gerr == nil {
			b.hot.Set(id, item, itemCost(item))
		} else {
			b.hot.Del(id)
		}
	}
	return true, nil
}

func (b *CacheBackend) Delete(ctx context.Context, id string) (bool, error) {
	if b.hot != nil {
		b.hot.Del(id)
	}
	return b.store.Delete(ctx, id)
}

func (b *CacheBackend) Query(ctx context.Context, f Filter) ([]MemoryItem, error) {
	return b.store.Query(ctx, f)
}

func (b *CacheBackend) Count(ctx context.Context, f Filter) (int, error) {
	return b.store.Count(ctx, f)
}
