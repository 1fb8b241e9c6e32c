package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend is the transient map-based backend. Contents do not survive
// process restart; suitable for STM and for tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	items  map[string]MemoryItem
	closed bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]MemoryItem)}
}

func (b *MemoryBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.items == nil {
		b.items = make(map[string]MemoryItem)
	}
	b.closed = false
	return nil
}

func (b *MemoryBackend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBackend) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed {
		return fmt.Errorf("%w: memory backend is shut down", ErrBackendUnavailable)
	}
	return nil
}

func (b *MemoryBackend) Store(ctx context.Context, item MemoryItem) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(ctx); err != nil {
		return "", err
	}
	if item.ID == "" {
		item.ID = "mem-" + uuid.NewString()
	}
	item.Importance = clampUnit(item.Importance)
	item.Strength = clampUnit(item.Strength)
	b.items[item.ID] = item.Clone()
	return item.ID, nil
}

func (b *MemoryBackend) BatchStore(ctx context.Context, items []MemoryItem) ([]string, error) {
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

func (b *MemoryBackend) Get(ctx context.Context, id string) (MemoryItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.guard(ctx); err != nil {
		return MemoryItem{}, err
	}
	item, ok := b.items[id]
	if !ok {
		return MemoryItem{}, ErrNotFound
	}
	return item.Clone(), nil
}

func (b *MemoryBackend) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(ctx); err != nil {
		return false, err
	}
	item, ok := b.items[id]
	if !ok {
		return false, nil
	}
	patch.Apply(&item)
	b.items[id] = item
	return true, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guard(ctx); err != nil {
		return false, err
	}
	if _, ok := b.items[id]; !ok {
		return false, nil
	}
	delete(b.items, id)
	return true, nil
}

func (b *MemoryBackend) Query(ctx context.Context, f Filter) ([]MemoryItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.guard(ctx); err != nil {
		return nil, err
	}
	snapshot := make([]MemoryItem, 0, len(b.items))
	for _, item := range b.items {
		snapshot = append(snapshot, item.Clone())
	}
	return applyFilter(snapshot, f), nil
}

func (b *MemoryBackend) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	f.Offset = 0
	items, err := b.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
