package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config is the complete belief engine configuration
type Config struct {
	DataDir    string           `yaml:"data_dir" mapstructure:"data_dir"`
	Oracle     OracleConfig     `yaml:"oracle" mapstructure:"oracle"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Cluster    ClusterConfig    `yaml:"cluster" mapstructure:"cluster"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Quality    QualityConfig    `yaml:"quality" mapstructure:"quality"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// OracleConfig configures the inference and embedding providers
type OracleConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`                     // openai, ollama, anthropic
	EmbeddingProvider string  `yaml:"embedding_provider" mapstructure:"embedding_provider"` // Defaults to Provider
	Model             string  `yaml:"model" mapstructure:"model"`
	EmbeddingModel    string  `yaml:"embedding_model" mapstructure:"embedding_model"`
	APIKey            string  `yaml:"-" mapstructure:"api_key"` // Never written to disk
	BaseURL           string  `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout           int     `yaml:"timeout" mapstructure:"timeout"` // seconds
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float32 `yaml:"temperature" mapstructure:"temperature"`
	HTTPProxy         string  `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy        string  `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
}

// DispatchConfig configures the rate-limited task dispatcher
type DispatchConfig struct {
	ExtractionWorkers int             `yaml:"extraction_workers" mapstructure:"extraction_workers"`
	EmbeddingWorkers  int             `yaml:"embedding_workers" mapstructure:"embedding_workers"`
	MaxRetries        int             `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBase       time.Duration   `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax        time.Duration   `yaml:"backoff_max" mapstructure:"backoff_max"`
	Jitter            float64         `yaml:"jitter" mapstructure:"jitter"`               // Fraction of the backoff, 0..1
	FatalCeiling      float64         `yaml:"fatal_ceiling" mapstructure:"fatal_ceiling"` // Max fatal fraction per batch
	RateLimit         RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures both rate budget counters
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window" mapstructure:"requests_per_window"`
	CostPerWindow     int           `yaml:"cost_per_window" mapstructure:"cost_per_window"`
	Window            time.Duration `yaml:"window" mapstructure:"window"`
	Cooldown          time.Duration `yaml:"cooldown" mapstructure:"cooldown"` // Extra pause after a rate-exceeded signal
	Pace              bool          `yaml:"pace" mapstructure:"pace"`         // Spread requests evenly across the window
}

// RegistryConfig configures the deduplication registry
type RegistryConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	ScanShardSize       int     `yaml:"scan_shard_size" mapstructure:"scan_shard_size"`
}

// ClusterConfig configures the incremental clustering store
type ClusterConfig struct {
	DistanceThreshold float64 `yaml:"distance_threshold" mapstructure:"distance_threshold"`
	MinGroupSize      int     `yaml:"min_group_size" mapstructure:"min_group_size"`
}

// CheckpointConfig configures checkpoint persistence
type CheckpointConfig struct {
	Enabled     bool `yaml:"enabled" mapstructure:"enabled"`
	CleanupDays int  `yaml:"cleanup_days" mapstructure:"cleanup_days"`
}

// CacheConfig configures the embedding cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// QualityConfig holds quality score penalties and grade thresholds
type QualityConfig struct {
	PenaltyError     float64 `yaml:"penalty_error" mapstructure:"penalty_error"`
	PenaltyRetry     float64 `yaml:"penalty_retry" mapstructure:"penalty_retry"`
	PenaltyMalformed float64 `yaml:"penalty_malformed" mapstructure:"penalty_malformed"`
	PenaltyMismatch  float64 `yaml:"penalty_mismatch" mapstructure:"penalty_mismatch"`
	GradeA           float64 `yaml:"grade_a" mapstructure:"grade_a"`
	GradeB           float64 `yaml:"grade_b" mapstructure:"grade_b"`
	GradeC           float64 `yaml:"grade_c" mapstructure:"grade_c"`
	GradeD           float64 `yaml:"grade_d" mapstructure:"grade_d"`
}

// MetricsConfig configures metric sinks
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	File    string `yaml:"file" mapstructure:"file"` // JSONL sink, relative to DataDir
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Oracle: OracleConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			Timeout:        30,
			MaxTokens:      4000,
			Temperature:    0.1,
		},
		Dispatch: DispatchConfig{
			ExtractionWorkers: 5,
			EmbeddingWorkers:  3,
			MaxRetries:        3,
			BackoffBase:       time.Second,
			BackoffMax:        60 * time.Second,
			Jitter:            0.2,
			FatalCeiling:      0.5,
			RateLimit: RateLimitConfig{
				RequestsPerWindow: 3500,
				CostPerWindow:     90000,
				Window:            time.Minute,
				Cooldown:          5 * time.Second,
			},
		},
		Registry: RegistryConfig{
			SimilarityThreshold: 0.85,
			ScanShardSize:       512,
		},
		Cluster: ClusterConfig{
			DistanceThreshold: 0.3,
			MinGroupSize:      3,
		},
		Checkpoint: CheckpointConfig{
			Enabled:     true,
			CleanupDays: 30,
		},
		Cache: CacheConfig{
			Enabled:   true,
			MemoryTTL: time.Hour,
			DiskTTL:   30 * 24 * time.Hour,
		},
		Quality: QualityConfig{
			PenaltyError:     2.0,
			PenaltyRetry:     0.5,
			PenaltyMalformed: 1.0,
			PenaltyMismatch:  0.5,
			GradeA:           90,
			GradeB:           80,
			GradeC:           70,
			GradeD:           60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			File:    "metrics.jsonl",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir must be set")
	}
	if c.Dispatch.ExtractionWorkers < 1 || c.Dispatch.EmbeddingWorkers < 1 {
		problems = append(problems, "dispatch workers must be >= 1")
	}
	if c.Dispatch.MaxRetries < 0 {
		problems = append(problems, "dispatch.max_retries must be >= 0")
	}
	if c.Dispatch.FatalCeiling <= 0 || c.Dispatch.FatalCeiling > 1 {
		problems = append(problems, "dispatch.fatal_ceiling must be in (0, 1]")
	}
	rl := c.Dispatch.RateLimit
	if rl.RequestsPerWindow < 1 || rl.CostPerWindow < 1 || rl.Window <= 0 {
		problems = append(problems, "dispatch.rate_limit needs positive requests, cost and window")
	}
	if c.Registry.SimilarityThreshold <= 0 || c.Registry.SimilarityThreshold > 1 {
		problems = append(problems, "registry.similarity_threshold must be in (0, 1]")
	}
	if c.Cluster.DistanceThreshold <= 0 || c.Cluster.DistanceThreshold > 1 {
		problems = append(problems, "cluster.distance_threshold must be in (0, 1]")
	}
	if c.Cluster.MinGroupSize < 1 {
		problems = append(problems, "cluster.min_group_size must be >= 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, problems)
	}
	return nil
}

// CheckpointsDir returns the directory holding per-run checkpoints
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.DataDir, "checkpoints")
}

// RegistryPath returns the global registry blob path
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry", "registry.json")
}

// ClustersPath returns the global cluster store blob path
func (c *Config) ClustersPath() string {
	return filepath.Join(c.DataDir, "clusters", "clusters.json")
}

// CacheDir returns the disk embedding cache directory
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}
