package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// VectorBackend stores items in an embedded chromem-go collection and serves
// text filters by embedding similarity instead of substring match. Contents
// live in memory; durable tiers should pair it with the sqlite backend.
type VectorBackend struct {
	embedder  Embedder
	threshold float64

	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
	ids map[string]struct{}
}

func NewVectorBackend(embedder Embedder, similarityThreshold float64) *VectorBackend {
	if embedder == nil {
		embedder = NewChargramEmbedder(384)
	}
	return &VectorBackend{embedder: embedder, threshold: similarityThreshold}
}

func (b *VectorBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection("memtier", nil, nil)
	if err != nil {
		return fmt.Errorf("%w: create chromem collection: %v", ErrBackendUnavailable, err)
	}
	b.db = db
	b.col = col
	b.ids = make(map[string]struct{})
	return nil
}

func (b *VectorBackend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db = nil
	b.col = nil
	b.ids = nil
	return nil
}

func (b *VectorBackend) ready() error {
	if b.col == nil {
		return fmt.Errorf("%w: vector backend not initialized", ErrBackendUnavailable)
	}
	return nil
}

func (b *VectorBackend) embedItem(item MemoryItem) []float32 {
	text := item.Content
	if item.Summary != "" {
		text += "\n" + item.Summary
	}
	return b.embedder.Embed(text)
}

func encodeItemDoc(item MemoryItem, embedding []float32) (chromem.Document, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal item: %w", err)
	}
	return chromem.Document{
		ID:        item.ID,
		Content:   string(raw),
		Embedding: embedding,
		Metadata: map[string]string{
			"tier":         string(item.Tier),
			"content_type": item.ContentType,
		},
	}, nil
}

func decodeItemDoc(content string) (MemoryItem, error) {
	var item MemoryItem
	if err := json.Unmarshal([]byte(content), &item); err != nil {
		return MemoryItem{}, fmt.Errorf("%w: undecodable vector document: %v", ErrBackendIntegrity, err)
	}
	return item, nil
}

func (b *VectorBackend) Store(ctx context.Context, item MemoryItem) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return "", err
	}
	if item.ID == "" {
		item.ID = "mem-" + uuid.NewString()
	}
	item.Importance = clampUnit(item.Importance)
	item.Strength = clampUnit(item.Strength)
	doc, err := encodeItemDoc(item, b.embedItem(item))
	if err != nil {
		return "", err
	}
	if err := b.col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add vector document: %w", err)
	}
	b.ids[item.ID] = struct{}{}
	return item.ID, nil
}

func (b *VectorBackend) BatchStore(ctx context.Context, items []MemoryItem) ([]string, error) {
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

func (b *VectorBackend) Get(ctx context.Context, id string) (MemoryItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ready(); err != nil {
		return MemoryItem{}, err
	}
	if _, ok := b.ids[id]; !ok {
		return MemoryItem{}, ErrNotFound
	}
	doc, err := b.col.GetByID(ctx, id)
	if err != nil {
		return MemoryItem{}, fmt.Errorf("%w: indexed id missing from collection: %v", ErrBackendIntegrity, err)
	}
	return decodeItemDoc(doc.Content)
}

func (b *VectorBackend) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return false, err
	}
	if _, ok := b.ids[id]; !ok {
		return false, nil
	}
	doc, err := b.col.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: indexed id missing from collection: %v", ErrBackendIntegrity, err)
	}
	item, err := decodeItemDoc(doc.Content)
	if err != nil {
		return false, err
	}
	patch.Apply(&item)
	// chromem upserts on duplicate ID, so a fresh AddDocument replaces the
	// old record and re-embeds patched content.
	next, err := encodeItemDoc(item, b.embedItem(item))
	if err != nil {
		return false, err
	}
	if err := b.col.AddDocument(ctx, next); err != nil {
		return false, fmt.Errorf("replace vector document: %w", err)
	}
	return true, nil
}

func (b *VectorBackend) Delete(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return false, err
	}
	if _, ok := b.ids[id]; !ok {
		return false, nil
	}
	if err := b.col.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("delete vector document: %w", err)
	}
	delete(b.ids, id)
	return true, nil
}

func (b *VectorBackend) Query(ctx context.Context, f Filter) ([]MemoryItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	if f.Text != "" {
		return b.queryBySimilarity(ctx, f)
	}
	snapshot := make([]MemoryItem, 0, len(b.ids))
	for id := range b.ids {
		doc, err := b.col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		item, err := decodeItemDoc(doc.Content)
		if err != nil {
			continue
		}
		snapshot = append(snapshot, item)
	}
	return applyFilter(snapshot, f), nil
}

func (b *VectorBackend) queryBySimilarity(ctx context.Context, f Filter) ([]MemoryItem, error) {
	n := b.col.Count()
	if n == 0 {
		return nil, nil
	}
	queryVec := b.embedder.Embed(f.Text)
	results, err := b.col.QueryEmbedding(ctx, queryVec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	rest := f
	rest.Text = ""
	rest.Limit, rest.Offset = 0, 0
	out := []MemoryItem{}
	skipped := 0
	for _, res := range results {
		if float64(res.Similarity) < b.threshold {
			continue
		}
		item, err := decodeItemDoc(res.Content)
		if err != nil {
			continue
		}
		if !rest.Matches(item) {
			continue
		}
		if f.Offset > 0 && skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, item)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (b *VectorBackend) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	f.Offset = 0
	items, err := b.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
