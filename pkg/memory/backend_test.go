package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testBackends builds one instance of every backend kind, initialized and
// scheduled for shutdown. All four must satisfy the same contract.
func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()

	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"cache":  NewCacheBackend(),
		"sqlite": NewSQLiteBackend(filepath.Join(t.TempDir(), "backend-test.db")),
		"vector": NewVectorBackend(NewChargramEmbedder(0), 0.2),
	}
	for name, backend := range backends {
		require.NoError(t, backend.Initialize(ctx), "initialize %s", name)
		b := backend
		t.Cleanup(func() { _ = b.Shutdown() })
	}
	return backends
}

func sampleItem(content string) MemoryItem {
	return MemoryItem{
		Content:        content,
		Summary:        "summary of " + content,
		Tier:           TierSTM,
		Importance:     0.6,
		Strength:       1.0,
		Tags:           []string{"alpha", "beta"},
		ContentType:    "note",
		CreatedAtMS:    nowMS(),
		LastAccessedMS: nowMS(),
		Metadata:       map[string]string{"source": "test"},
	}
}

func TestBackendStoreGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := backend.Store(ctx, sampleItem("the quick brown fox"))
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := backend.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, "the quick brown fox", got.Content)
			require.Equal(t, []string{"alpha", "beta"}, got.Tags)
			require.Equal(t, "note", got.ContentType)
			require.Equal(t, 0.6, got.Importance)
			require.Equal(t, map[string]string{"source": "test"}, got.Metadata)
		})
	}
}

func TestBackendGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Get(ctx, "mem-does-not-exist")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackendUpdate(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := backend.Store(ctx, sampleItem("original"))
			require.NoError(t, err)

			content := "patched"
			importance := 0.9
			ok, err := backend.Update(ctx, id, Patch{Content: &content, Importance: &importance})
			require.NoError(t, err)
			require.True(t, ok)

			got, err := backend.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, "patched", got.Content)
			require.Equal(t, 0.9, got.Importance)
			// Untouched fields survive the patch.
			require.Equal(t, "summary of original", got.Summary)

			ok, err = backend.Update(ctx, "mem-absent", Patch{Content: &content})
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestBackendUpdateClampsScores(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := backend.Store(ctx, sampleItem("clamp me"))
			require.NoError(t, err)

			over := 1.7
			under := -0.3
			ok, err := backend.Update(ctx, id, Patch{Importance: &over, Strength: &under})
			require.NoError(t, err)
			require.True(t, ok)

			got, err := backend.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, 1.0, got.Importance)
			require.Equal(t, 0.0, got.Strength)
		})
	}
}

func TestBackendDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := backend.Store(ctx, sampleItem("delete me"))
			require.NoError(t, err)

			ok, err := backend.Delete(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = backend.Delete(ctx, id)
			require.NoError(t, err)
			require.False(t, ok)

			_, err = backend.Get(ctx, id)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackendBatchStore(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			items := []MemoryItem{
				sampleItem("batch one"),
				sampleItem("batch two"),
				sampleItem("batch three"),
			}
			ids, err := backend.BatchStore(ctx, items)
			require.NoError(t, err)
			require.Len(t, ids, 3)

			for _, id := range ids {
				_, err := backend.Get(ctx, id)
				require.NoError(t, err)
			}

			n, err := backend.Count(ctx, Filter{})
			require.NoError(t, err)
			require.Equal(t, 3, n)
		})
	}
}

func TestBackendQueryFilters(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			low := sampleItem("low importance note")
			low.Importance = 0.2
			low.Tags = []string{"alpha"}
			low.ContentType = "note"

			high := sampleItem("high importance fact")
			high.Importance = 0.9
			high.Tags = []string{"alpha", "beta"}
			high.ContentType = "fact"

			_, err := backend.Store(ctx, low)
			require.NoError(t, err)
			highID, err := backend.Store(ctx, high)
			require.NoError(t, err)

			min := 0.5
			items, err := backend.Query(ctx, Filter{MinImportance: &min})
			require.NoError(t, err)
			require.Len(t, items, 1)
			require.Equal(t, highID, items[0].ID)

			items, err = backend.Query(ctx, Filter{Tags: []string{"alpha", "beta"}})
			require.NoError(t, err)
			require.Len(t, items, 1)
			require.Equal(t, highID, items[0].ID)

			items, err = backend.Query(ctx, Filter{ContentType: "fact"})
			require.NoError(t, err)
			require.Len(t, items, 1)

			items, err = backend.Query(ctx, Filter{Metadata: map[string]string{"source": "test"}})
			require.NoError(t, err)
			require.Len(t, items, 2)

			items, err = backend.Query(ctx, Filter{Metadata: map[string]string{"source": "elsewhere"}})
			require.NoError(t, err)
			require.Empty(t, items)
		})
	}
}

func TestBackendQueryOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			base := nowMS()
			for i := 0; i < 5; i++ {
				item := sampleItem("item")
				item.ID = string(rune('a'+i)) + "-ordered"
				item.CreatedAtMS = base + int64(i*1000)
				_, err := backend.Store(ctx, item)
				require.NoError(t, err)
			}

			items, err := backend.Query(ctx, Filter{Limit: 2})
			require.NoError(t, err)
			require.Len(t, items, 2)
			// Newest created first.
			require.Equal(t, "e-ordered", items[0].ID)
			require.Equal(t, "d-ordered", items[1].ID)

			items, err = backend.Query(ctx, Filter{Limit: 2, Offset: 2})
			require.NoError(t, err)
			require.Len(t, items, 2)
			require.Equal(t, "c-ordered", items[0].ID)

			items, err = backend.Query(ctx, Filter{Offset: 10})
			require.NoError(t, err)
			require.Empty(t, items)
		})
	}
}

// Substring text matching applies to the non-vector backends; the vector
// backend resolves text by similarity and is covered separately.
func TestBackendTextQuery(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		if name == "vector" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			_, err := backend.Store(ctx, sampleItem("deploy key rotation schedule"))
			require.NoError(t, err)
			_, err = backend.Store(ctx, sampleItem("lunch menu for tuesday"))
			require.NoError(t, err)

			items, err := backend.Query(ctx, Filter{Text: "rotation"})
			require.NoError(t, err)
			require.Len(t, items, 1)
			require.Contains(t, items[0].Content, "rotation")
		})
	}
}

func TestVectorBackendSimilarityQuery(t *testing.T) {
	ctx := context.Background()
	backend := NewVectorBackend(NewChargramEmbedder(0), 0.2)
	require.NoError(t, backend.Initialize(ctx))
	t.Cleanup(func() { _ = backend.Shutdown() })

	_, err := backend.Store(ctx, sampleItem("the deployment key rotates every friday"))
	require.NoError(t, err)
	_, err = backend.Store(ctx, sampleItem("quarterly budget review notes"))
	require.NoError(t, err)

	items, err := backend.Query(ctx, Filter{Text: "deployment key rotation"})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	require.Contains(t, items[0].Content, "deployment key")
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	first := NewSQLiteBackend(path)
	require.NoError(t, first.Initialize(ctx))
	id, err := first.Store(ctx, sampleItem("durable fact"))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown())

	second := NewSQLiteBackend(path)
	require.NoError(t, second.Initialize(ctx))
	t.Cleanup(func() { _ = second.Shutdown() })

	got, err := second.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "durable fact", got.Content)
}

func TestMemoryBackendUnavailableAfterShutdown(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Initialize(ctx))
	require.NoError(t, backend.Shutdown())

	_, err := backend.Store(ctx, sampleItem("too late"))
	require.True(t, errors.Is(err, ErrBackendUnavailable))
}
