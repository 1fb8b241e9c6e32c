package memory

import (
	"errors"
	"testing"
)

func TestNewBackendKinds(t *testing.T) {
	opts := BackendOptions{DataDir: t.TempDir()}
	for _, kind := range []BackendKind{BackendMemory, BackendCache, BackendSQLite, BackendVector} {
		backend, err := NewBackend(kind, TierSTM, opts)
		if err != nil {
			t.Fatalf("new %s backend: %v", kind, err)
		}
		if backend == nil {
			t.Fatalf("new %s backend returned nil", kind)
		}
	}
}

func TestNewBackendNormalizesKind(t *testing.T) {
	if _, err := NewBackend(" SQLite ", TierLTM, BackendOptions{DataDir: t.TempDir()}); err != nil {
		t.Fatalf("padded mixed-case kind rejected: %v", err)
	}
	if _, err := NewBackend("", TierSTM, BackendOptions{}); err != nil {
		t.Fatalf("empty kind should default to memory: %v", err)
	}
}

func TestNewBackendUnknownKind(t *testing.T) {
	if _, err := NewBackend("redis", TierSTM, BackendOptions{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown kind = %v, want ErrValidation", err)
	}
}
