package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/memtier/pkg/memory"
)

type Config struct {
	Engine    EngineConfig    `json:"engine"`
	STM       STMConfig       `json:"stm"`
	MTM       MTMConfig       `json:"mtm"`
	LTM       LTMConfig       `json:"ltm"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Scoring   ScoringConfig   `json:"scoring"`
	mu        sync.RWMutex
}

type EngineConfig struct {
	DataDir             string  `json:"data_dir" env:"MEMTIER_ENGINE_DATA_DIR"`
	LogLevel            string  `json:"log_level" env:"MEMTIER_ENGINE_LOG_LEVEL"`
	BackendTimeoutMS    int     `json:"backend_timeout_ms" env:"MEMTIER_ENGINE_BACKEND_TIMEOUT_MS"`
	SimilarityThreshold float64 `json:"similarity_threshold" env:"MEMTIER_ENGINE_SIMILARITY_THRESHOLD"`
}

type STMConfig struct {
	Backend         string `json:"backend" env:"MEMTIER_STM_BACKEND"`
	DefaultTTLSec   int    `json:"default_ttl_seconds" env:"MEMTIER_STM_DEFAULT_TTL_SECONDS"`
	MaxCapacity     int    `json:"max_capacity" env:"MEMTIER_STM_MAX_CAPACITY"`
	CleanupEverySec int    `json:"cleanup_every_seconds" env:"MEMTIER_STM_CLEANUP_EVERY_SECONDS"`
}

type MTMConfig struct {
	Backend                string  `json:"backend" env:"MEMTIER_MTM_BACKEND"`
	MaxCapacity            int     `json:"max_capacity" env:"MEMTIER_MTM_MAX_CAPACITY"`
	PriorityLevels         int     `json:"priority_levels" env:"MEMTIER_MTM_PRIORITY_LEVELS"`
	MinAccessThreshold     int     `json:"min_access_threshold" env:"MEMTIER_MTM_MIN_ACCESS_THRESHOLD"`
	ConsolidationThreshold float64 `json:"consolidation_threshold" env:"MEMTIER_MTM_CONSOLIDATION_THRESHOLD"`
}

type LTMConfig struct {
	Backend           string   `json:"backend" env:"MEMTIER_LTM_BACKEND"`
	RelationshipTypes []string `json:"relationship_types" env:"MEMTIER_LTM_RELATIONSHIP_TYPES"`
}

type SchedulerConfig struct {
	ConsolidationEverySec  int    `json:"consolidation_every_seconds" env:"MEMTIER_SCHEDULER_CONSOLIDATION_EVERY_SECONDS"`
	DecayEverySec          int    `json:"decay_every_seconds" env:"MEMTIER_SCHEDULER_DECAY_EVERY_SECONDS"`
	ContextRefreshEverySec int    `json:"context_refresh_every_seconds" env:"MEMTIER_SCHEDULER_CONTEXT_REFRESH_EVERY_SECONDS"`
	Cron                   string `json:"cron,omitempty" env:"MEMTIER_SCHEDULER_CRON"`
}

type ScoringConfig struct {
	TextWeight         float64 `json:"text_weight" env:"MEMTIER_SCORING_TEXT_WEIGHT"`
	TagsWeight         float64 `json:"tags_weight" env:"MEMTIER_SCORING_TAGS_WEIGHT"`
	RecencyWeight      float64 `json:"recency_weight" env:"MEMTIER_SCORING_RECENCY_WEIGHT"`
	PriorityWeight     float64 `json:"priority_weight" env:"MEMTIER_SCORING_PRIORITY_WEIGHT"`
	RecencyHalfLifeHrs int     `json:"recency_half_life_hours" env:"MEMTIER_SCORING_RECENCY_HALF_LIFE_HOURS"`
	DecayHalfLifeHrs   int     `json:"decay_half_life_hours" env:"MEMTIER_SCORING_DECAY_HALF_LIFE_HOURS"`
	DecayStrengthFloor float64 `json:"decay_strength_floor" env:"MEMTIER_SCORING_DECAY_STRENGTH_FLOOR"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:             "~/.memtier",
			LogLevel:            "info",
			BackendTimeoutMS:    5000,
			SimilarityThreshold: 0.25,
		},
		STM: STMConfig{
			Backend:         "cache",
			DefaultTTLSec:   3600,
			MaxCapacity:     100,
			CleanupEverySec: 300,
		},
		MTM: MTMConfig{
			Backend:                "memory",
			MaxCapacity:            500,
			PriorityLevels:         3,
			MinAccessThreshold:     3,
			ConsolidationThreshold: 0.7,
		},
		LTM: LTMConfig{
			Backend: "sqlite",
			RelationshipTypes: []string{
				"related", "causes", "follows", "contradicts", "supports",
			},
		},
		Scheduler: SchedulerConfig{
			ConsolidationEverySec:  300,
			DecayEverySec:          900,
			ContextRefreshEverySec: 60,
		},
		Scoring: ScoringConfig{
			TextWeight:         0.4,
			TagsWeight:         0.25,
			RecencyWeight:      0.15,
			PriorityWeight:     0.2,
			RecencyHalfLifeHrs: 24,
			DecayHalfLifeHrs:   168,
			DecayStrengthFloor: 0.1,
		},
	}
}

// LoadConfig reads the JSON file at path (absent file falls back to
// defaults) and then applies MEMTIER_* environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if perr := env.Parse(cfg); perr != nil {
				return nil, perr
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) DataDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Engine.DataDir)
}

// ManagerConfig translates the file/env shape into the engine's native
// config. Unset values stay zero and pick up the engine defaults.
func (c *Config) ManagerConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return memory.Config{
		STM: memory.STMConfig{
			DefaultTTL:      time.Duration(c.STM.DefaultTTLSec) * time.Second,
			MaxCapacity:     c.STM.MaxCapacity,
			CleanupInterval: time.Duration(c.STM.CleanupEverySec) * time.Second,
		},
		MTM: memory.MTMConfig{
			MaxCapacity:            c.MTM.MaxCapacity,
			PriorityLevels:         c.MTM.PriorityLevels,
			MinAccessThreshold:     c.MTM.MinAccessThreshold,
			ConsolidationThreshold: c.MTM.ConsolidationThreshold,
		},
		LTM: memory.LTMConfig{
			RelationshipTypes: c.LTM.RelationshipTypes,
		},
		Scheduler: memory.SchedulerConfig{
			ConsolidationInterval:  time.Duration(c.Scheduler.ConsolidationEverySec) * time.Second,
			DecayInterval:          time.Duration(c.Scheduler.DecayEverySec) * time.Second,
			ContextRefreshInterval: time.Duration(c.Scheduler.ContextRefreshEverySec) * time.Second,
			Cron:                   c.Scheduler.Cron,
		},
		STMBackend: memory.BackendKind(c.STM.Backend),
		MTMBackend: memory.BackendKind(c.MTM.Backend),
		LTMBackend: memory.BackendKind(c.LTM.Backend),
		Backend: memory.BackendOptions{
			DataDir:             expandHome(c.Engine.DataDir),
			SimilarityThreshold: c.Engine.SimilarityThreshold,
		},
		Weights: memory.ScoreWeights{
			Text:     c.Scoring.TextWeight,
			Tags:     c.Scoring.TagsWeight,
			Recency:  c.Scoring.RecencyWeight,
			Priority: c.Scoring.PriorityWeight,
		},
		RecencyHalfLife: time.Duration(c.Scoring.RecencyHalfLifeHrs) * time.Hour,
		DecayHalfLife:   time.Duration(c.Scoring.DecayHalfLifeHrs) * time.Hour,
		DecayFloor:      c.Scoring.DecayStrengthFloor,
		BackendTimeout:  time.Duration(c.Engine.BackendTimeoutMS) * time.Millisecond,
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
