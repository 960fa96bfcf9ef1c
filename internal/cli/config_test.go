package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goonerstrike/belief-engine/internal/model"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, envs := range envOnly {
		for _, env := range envs {
			t.Setenv(env, "")
		}
	}
	configureEnv()
}

func TestLoadConfigDefaults(t *testing.T) {
	resetViper(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConfig(), cfg)
}

func TestLoadConfigEnvironment(t *testing.T) {
	resetViper(t)
	t.Setenv("BELIEF_DISPATCH_EXTRACTION_WORKERS", "9")
	t.Setenv("BELIEF_DISPATCH_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("BELIEF_ORACLE_API_KEY", "sk-test")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Dispatch.ExtractionWorkers)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.RateLimit.Window)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	resetViper(t)
	t.Setenv("BELIEF_CLUSTER_MIN_GROUP_SIZE", "0")

	_, err := loadConfig()
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestConfigFile(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, writeDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte("similarity_threshold: 0.85"), []byte("similarity_threshold: 0.9"), 1)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, cfg.Registry.SimilarityThreshold, 1e-9)
	assert.Equal(t, model.DefaultConfig().Dispatch, cfg.Dispatch)
}

func TestOracleConfigsUseProviderKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg := model.DefaultConfig()
	cfg.Oracle.Provider = "anthropic"
	cfg.Oracle.EmbeddingProvider = "openai"

	inference, embedding := oracleConfigs(cfg)
	assert.Equal(t, "sk-ant", inference.APIKey)
	assert.Equal(t, "sk-openai", embedding.APIKey)
}
