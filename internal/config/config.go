// Package config provides configuration management for Engram.
// Settings come from an optional YAML file overlaid by environment
// variables with the ENGRAM_ prefix; environment always wins. Every option
// has a working default so a bare `engram-server` starts against a local
// SQLite file with no LLM provider configured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/llm"
)

// Config holds all configuration settings for the Engram application.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Backup  BackupConfig  `yaml:"backup"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
	Port int    `yaml:"port"` // Server port (default: 7171)

	// RateLimitRPS caps request throughput per client; 0 disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // SQLite data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Connection string when engine is postgres
}

// LLMConfig contains LLM provider configuration.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`        // ollama, openai, anthropic, or empty for none
	APIKey         string        `yaml:"api_key"`         // Provider API key (openai/anthropic)
	Model          string        `yaml:"model"`           // Synthesis model override
	EmbeddingModel string        `yaml:"embedding_model"` // Embedding model override
	BaseURL        string        `yaml:"base_url"`        // Provider base URL (Ollama default: http://localhost:11434)
	Timeout        time.Duration `yaml:"timeout"`         // Per-request timeout (default: 30s)

	// EmbedRPS throttles embedding calls; 0 means unlimited.
	EmbedRPS float64 `yaml:"embed_rps"`
}

// MemoryConfig exposes the engine's tunable knobs. Zero values fall back to
// the engine defaults so a YAML file only needs the keys it changes.
type MemoryConfig struct {
	ScoreStrategy          string  `yaml:"score_strategy"`
	AccessBoost            float64 `yaml:"access_boost"`
	CriticalBoost          float64 `yaml:"critical_boost"`
	AntipatternPenalty     float64 `yaml:"antipattern_penalty"`
	RelevanceThreshold     float64 `yaml:"relevance_threshold"`
	DefaultK               int     `yaml:"default_k"`
	FewMemoriesCutoff      int     `yaml:"few_memories_cutoff"`
	ConsolidationThreshold int     `yaml:"consolidation_threshold"`
	HotAccessCount         int     `yaml:"hot_access_count"`
	ClusterEps             float64 `yaml:"cluster_eps"`
	ClusterMinSamples      int     `yaml:"cluster_min_samples"`
	DecayRate              float64 `yaml:"decay_rate"`
}

// BackupConfig controls scheduled snapshots of the SQLite store. It is
// ignored when the storage engine is postgres.
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"` // default: 1h
	Dir      string        `yaml:"dir"`      // default: <data_path>/backups
	Verify   bool          `yaml:"verify"`   // integrity-check every snapshot
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then ENGRAM_ environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Storage.Engine != "sqlite" && cfg.Storage.Engine != "postgres" {
		return nil, fmt.Errorf("config: unknown storage engine %q", cfg.Storage.Engine)
	}
	if cfg.Storage.Engine == "postgres" && cfg.Storage.PostgresDSN == "" {
		return nil, fmt.Errorf("config: postgres engine requires a DSN")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           7171,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		LLM: LLMConfig{
			Provider: "",
			BaseURL:  "",
			Timeout:  30 * time.Second,
			EmbedRPS: 10,
		},
		Backup: BackupConfig{
			Interval: time.Hour,
			Verify:   true,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("ENGRAM_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("ENGRAM_PORT", cfg.Server.Port)
	cfg.Server.RateLimitRPS = getEnvFloat("ENGRAM_RATE_LIMIT_RPS", cfg.Server.RateLimitRPS)
	cfg.Server.RateLimitBurst = getEnvInt("ENGRAM_RATE_LIMIT_BURST", cfg.Server.RateLimitBurst)

	cfg.Storage.Engine = getEnv("ENGRAM_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("ENGRAM_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("ENGRAM_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.LLM.Provider = getEnv("ENGRAM_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.APIKey = getEnv("ENGRAM_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = getEnv("ENGRAM_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.EmbeddingModel = getEnv("ENGRAM_EMBEDDING_MODEL", cfg.LLM.EmbeddingModel)
	cfg.LLM.BaseURL = getEnv("ENGRAM_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.EmbedRPS = getEnvFloat("ENGRAM_EMBED_RPS", cfg.LLM.EmbedRPS)
	if v := os.Getenv("ENGRAM_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = d
		}
	}

	cfg.Backup.Enabled = getEnvBool("ENGRAM_BACKUP_ENABLED", cfg.Backup.Enabled)
	cfg.Backup.Dir = getEnv("ENGRAM_BACKUP_DIR", cfg.Backup.Dir)
	cfg.Backup.Verify = getEnvBool("ENGRAM_BACKUP_VERIFY", cfg.Backup.Verify)
	if v := os.Getenv("ENGRAM_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backup.Interval = d
		}
	}

	cfg.Memory.ScoreStrategy = getEnv("ENGRAM_SCORE_STRATEGY", cfg.Memory.ScoreStrategy)
	cfg.Memory.AccessBoost = getEnvFloat("ENGRAM_ACCESS_BOOST", cfg.Memory.AccessBoost)
	cfg.Memory.CriticalBoost = getEnvFloat("ENGRAM_CRITICAL_BOOST", cfg.Memory.CriticalBoost)
	cfg.Memory.AntipatternPenalty = getEnvFloat("ENGRAM_ANTIPATTERN_PENALTY", cfg.Memory.AntipatternPenalty)
	cfg.Memory.RelevanceThreshold = getEnvFloat("ENGRAM_RELEVANCE_THRESHOLD", cfg.Memory.RelevanceThreshold)
	cfg.Memory.DefaultK = getEnvInt("ENGRAM_DEFAULT_K", cfg.Memory.DefaultK)
	cfg.Memory.FewMemoriesCutoff = getEnvInt("ENGRAM_FEW_MEMORIES_CUTOFF", cfg.Memory.FewMemoriesCutoff)
	cfg.Memory.ConsolidationThreshold = getEnvInt("ENGRAM_CONSOLIDATION_THRESHOLD", cfg.Memory.ConsolidationThreshold)
	cfg.Memory.HotAccessCount = getEnvInt("ENGRAM_HOT_ACCESS_COUNT", cfg.Memory.HotAccessCount)
	cfg.Memory.ClusterEps = getEnvFloat("ENGRAM_CLUSTER_EPS", cfg.Memory.ClusterEps)
	cfg.Memory.ClusterMinSamples = getEnvInt("ENGRAM_CLUSTER_MIN_SAMPLES", cfg.Memory.ClusterMinSamples)
	cfg.Memory.DecayRate = getEnvFloat("ENGRAM_DECAY_RATE", cfg.Memory.DecayRate)
}

// EngineConfig converts the memory section into an engine configuration,
// letting unset knobs keep the engine defaults.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	m := c.Memory
	if m.ScoreStrategy != "" {
		ec.ScoreStrategy = m.ScoreStrategy
	}
	if m.AccessBoost > 0 {
		ec.AccessBoost = m.AccessBoost
	}
	if m.CriticalBoost > 0 {
		ec.CriticalBoost = m.CriticalBoost
	}
	if m.AntipatternPenalty > 0 {
		ec.AntipatternPenalty = m.AntipatternPenalty
	}
	if m.RelevanceThreshold > 0 {
		ec.RelevanceThreshold = m.RelevanceThreshold
	}
	if m.DefaultK > 0 {
		ec.DefaultK = m.DefaultK
	}
	if m.FewMemoriesCutoff > 0 {
		ec.FewMemoriesCutoff = m.FewMemoriesCutoff
	}
	if m.ConsolidationThreshold > 0 {
		ec.ConsolidationThreshold = m.ConsolidationThreshold
	}
	if m.HotAccessCount > 0 {
		ec.HotAccessCount = m.HotAccessCount
	}
	if m.ClusterEps > 0 {
		ec.Eps = m.ClusterEps
	}
	if m.ClusterMinSamples > 0 {
		ec.MinSamples = m.ClusterMinSamples
	}
	if m.DecayRate > 0 {
		ec.DecayRate = m.DecayRate
	}
	return ec
}

// ProviderConfig converts the llm section into a provider configuration.
func (c *Config) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:       c.LLM.Provider,
		APIKey:         c.LLM.APIKey,
		Model:          c.LLM.Model,
		EmbeddingModel: c.LLM.EmbeddingModel,
		BaseURL:        c.LLM.BaseURL,
		Timeout:        c.LLM.Timeout,
	}
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparsable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. Unparsable values fall back to the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparsable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
