package memory

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BackendKind is the closed set of storage backends.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendCache  BackendKind = "cache"
	BackendSQLite BackendKind = "sqlite"
	BackendVector BackendKind = "vector"
)

// BackendOptions carries the backend-specific knobs the factory needs.
type BackendOptions struct {
	// DataDir holds sqlite files; each tier gets its own database file so
	// separate manager instances never share state by accident.
	DataDir string
	// VectorDimension sizes the local embedder.
	VectorDimension int
	// SimilarityThreshold is the minimum cosine similarity for vector text
	// queries.
	SimilarityThreshold float64
}

// NewBackend constructs the backend for one tier. Unknown kinds fail rather
// than falling back, so a configuration typo is caught at initialize time.
func NewBackend(kind BackendKind, tier Tier, opts BackendOptions) (Backend, error) {
	switch BackendKind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case BackendMemory, "":
		return NewMemoryBackend(), nil
	case BackendCache:
		return NewCacheBackend(), nil
	case BackendSQLite:
		dir := opts.DataDir
		if dir == "" {
			dir = "."
		}
		return NewSQLiteBackend(filepath.Join(dir, fmt.Sprintf("memtier-%s.db", tier))), nil
	case BackendVector:
		return NewVectorBackend(NewChargramEmbedder(opts.VectorDimension), opts.SimilarityThreshold), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q for tier %s", ErrValidation, kind, tier)
	}
}
