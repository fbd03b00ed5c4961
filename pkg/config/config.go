package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/turnstate/pkg/state"
)

type Config struct {
	Store   StoreConfig   `json:"store"`
	Limits  LimitsConfig  `json:"limits"`
	Service ServiceConfig `json:"service"`
	Log     LogConfig     `json:"log"`
}

type StoreConfig struct {
	Path string `json:"path" env:"TURNSTATE_STORE_PATH"`
}

type LimitsConfig struct {
	MaxMemoryContextSize       int  `json:"max_memory_context_size" env:"TURNSTATE_LIMITS_MAX_MEMORY_CONTEXT_SIZE"`
	MaxConversationHistorySize int  `json:"max_conversation_history_size" env:"TURNSTATE_LIMITS_MAX_CONVERSATION_HISTORY_SIZE"`
	MaxHistorySize             int  `json:"max_history_size" env:"TURNSTATE_LIMITS_MAX_HISTORY_SIZE"`
	ContextWindowSize          int  `json:"context_window_size" env:"TURNSTATE_LIMITS_CONTEXT_WINDOW_SIZE"`
	EnableSmartPruning         bool `json:"enable_smart_pruning" env:"TURNSTATE_LIMITS_ENABLE_SMART_PRUNING"`
}

type ServiceConfig struct {
	SweepCron          string `json:"sweep_cron" env:"TURNSTATE_SERVICE_SWEEP_CRON"`
	SweepRetentionDays int    `json:"sweep_retention_days" env:"TURNSTATE_SERVICE_SWEEP_RETENTION_DAYS"`
	CacheSize          int    `json:"cache_size" env:"TURNSTATE_SERVICE_CACHE_SIZE"`
	CacheTTLSeconds    int    `json:"cache_ttl_seconds" env:"TURNSTATE_SERVICE_CACHE_TTL_SECONDS"`
}

type LogConfig struct {
	Level string `json:"level" env:"TURNSTATE_LOG_LEVEL"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "~/.turnstate/state/conversations.db",
		},
		Limits: LimitsConfig{
			MaxMemoryContextSize:       20,
			MaxConversationHistorySize: 20,
			MaxHistorySize:             20,
			ContextWindowSize:          10,
			EnableSmartPruning:         true,
		},
		Service: ServiceConfig{
			SweepCron:          "0 3 * * *",
			SweepRetentionDays: 90,
			CacheSize:          256,
			CacheTTLSeconds:    20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string {
	return expandHome("~/.turnstate/config.json")
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
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
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StateLimits converts the configured bounds into engine limits.
func (c *Config) StateLimits() state.Limits {
	return state.Limits{
		MaxMemoryContextSize:       c.Limits.MaxMemoryContextSize,
		MaxConversationHistorySize: c.Limits.MaxConversationHistorySize,
		MaxHistorySize:             c.Limits.MaxHistorySize,
		ContextWindowSize:          c.Limits.ContextWindowSize,
		EnableSmartPruning:         c.Limits.EnableSmartPruning,
	}
}

// StorePath expands ~ in the configured database path.
func (c *Config) StorePath() string {
	return expandHome(c.Store.Path)
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
