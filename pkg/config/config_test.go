package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dotsetgreg/memtier/pkg/memory"
)

func TestDefaultConfig_Tiers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.STM.Backend != "cache" {
		t.Errorf("STM backend = %q, want cache", cfg.STM.Backend)
	}
	if cfg.MTM.Backend != "memory" {
		t.Errorf("MTM backend = %q, want memory", cfg.MTM.Backend)
	}
	if cfg.LTM.Backend != "sqlite" {
		t.Errorf("LTM backend = %q, want sqlite", cfg.LTM.Backend)
	}
	if cfg.STM.MaxCapacity == 0 {
		t.Error("STM max capacity should not be zero")
	}
	if cfg.MTM.MaxCapacity == 0 {
		t.Error("MTM max capacity should not be zero")
	}
	if len(cfg.LTM.RelationshipTypes) == 0 {
		t.Error("LTM relationship types should have defaults")
	}
}

func TestDefaultConfig_Scoring(t *testing.T) {
	cfg := DefaultConfig()

	sum := cfg.Scoring.TextWeight + cfg.Scoring.TagsWeight + cfg.Scoring.RecencyWeight + cfg.Scoring.PriorityWeight
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("default score weights sum to %.3f, want 1.0", sum)
	}
	if cfg.Scoring.DecayStrengthFloor != 0.1 {
		t.Errorf("decay floor = %v, want 0.1", cfg.Scoring.DecayStrengthFloor)
	}
}

func TestDefaultConfig_DataDir(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.DataDir == "" {
		t.Error("data dir should not be empty")
	}
	if cfg.DataDirPath() == "" {
		t.Error("expanded data dir should not be empty")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.STM.DefaultTTLSec != 3600 {
		t.Errorf("STM default TTL = %d, want 3600", cfg.STM.DefaultTTLSec)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"stm": {"max_capacity": 42}, "scheduler": {"cron": "0 3 * * *"}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.STM.MaxCapacity != 42 {
		t.Errorf("STM max capacity = %d, want 42", cfg.STM.MaxCapacity)
	}
	if cfg.Scheduler.Cron != "0 3 * * *" {
		t.Errorf("scheduler cron = %q, want the file value", cfg.Scheduler.Cron)
	}
	// Untouched keys keep defaults.
	if cfg.MTM.MaxCapacity != 500 {
		t.Errorf("MTM max capacity = %d, want default 500", cfg.MTM.MaxCapacity)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"stm": {"max_capacity": 42}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MEMTIER_STM_MAX_CAPACITY", "7")
	t.Setenv("MEMTIER_ENGINE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.STM.MaxCapacity != 7 {
		t.Errorf("STM max capacity = %d, want env override 7", cfg.STM.MaxCapacity)
	}
	if cfg.Engine.LogLevel != "debug" {
		t.Errorf("log level = %q, want env override debug", cfg.Engine.LogLevel)
	}
}

func TestManagerConfig_Mapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.DataDir = "/tmp/memtier-test"
	cfg.STM.DefaultTTLSec = 120
	cfg.Scheduler.DecayEverySec = 30

	mc := cfg.ManagerConfig()

	if mc.STM.DefaultTTL != 2*time.Minute {
		t.Errorf("STM TTL = %v, want 2m", mc.STM.DefaultTTL)
	}
	if mc.Scheduler.DecayInterval != 30*time.Second {
		t.Errorf("decay interval = %v, want 30s", mc.Scheduler.DecayInterval)
	}
	if mc.STMBackend != memory.BackendCache {
		t.Errorf("STM backend kind = %q, want cache", mc.STMBackend)
	}
	if mc.Backend.DataDir != "/tmp/memtier-test" {
		t.Errorf("backend data dir = %q, want /tmp/memtier-test", mc.Backend.DataDir)
	}
	if mc.Weights.Text != cfg.Scoring.TextWeight {
		t.Errorf("text weight not mapped: %v", mc.Weights.Text)
	}
}
