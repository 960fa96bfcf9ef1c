package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/goonerstrike/belief-engine/internal/llm"
	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
)

// Keys that are absent from the rendered defaults but still read from the environment
var envOnly = map[string][]string{
	"oracle.api_key":     {"BELIEF_ORACLE_API_KEY"},
	"oracle.base_url":    {"BELIEF_ORACLE_BASE_URL", "OLLAMA_BASE_URL"},
	"oracle.http_proxy":  {"BELIEF_ORACLE_HTTP_PROXY", "HTTP_PROXY"},
	"oracle.https_proxy": {"BELIEF_ORACLE_HTTPS_PROXY", "HTTPS_PROXY"},
}

// providerKeys are the conventional API key variables per provider
var providerKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"claude":    "ANTHROPIC_API_KEY",
}

// loadConfig resolves defaults, config file, environment and flags (lowest
// to highest priority) into a validated configuration
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := registerDefaults(cfg); err != nil {
		return nil, err
	}
	for key, envs := range envOnly {
		_ = viper.BindEnv(append([]string{key}, envs...)...)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Setup(cfg.Log.Level, viper.GetBool("verbose"))
	return cfg, nil
}

// registerDefaults makes every configuration key known to viper, so
// environment variables are honoured even without a config file
func registerDefaults(cfg *model.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("render defaults: %w", err)
	}
	setDefaults("", tree)
	return nil
}

func setDefaults(prefix string, tree map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			setDefaults(key, sub)
			continue
		}
		viper.SetDefault(key, v)
	}
}

// oracleConfigs builds provider configs for inference and embeddings,
// falling back to each provider's conventional API key variable
func oracleConfigs(cfg *model.Config) (inference, embedding llm.Config) {
	inference = llm.ConfigFrom(cfg.Oracle)
	embedding = inference

	if inference.APIKey == "" {
		inference.APIKey = os.Getenv(providerKeys[strings.ToLower(inference.Provider)])
	}
	provider := embedding.EmbeddingProvider
	if provider == "" {
		provider = embedding.Provider
	}
	if embedding.APIKey == "" {
		embedding.APIKey = os.Getenv(providerKeys[strings.ToLower(provider)])
	}
	return inference, embedding
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Belief Engine configuration",
	Long: `Manage Belief Engine configuration files and settings.

Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (BELIEF_*, e.g. BELIEF_DISPATCH_EXTRACTION_WORKERS)
3. Config file (~/.belief-engine/config.yaml)
4. Defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration after merging defaults, config file, env vars and flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if configFile := viper.ConfigFileUsed(); configFile != "" {
			fmt.Fprintf(os.Stderr, "Configuration file: %s\n\n", configFile)
		} else {
			fmt.Fprintf(os.Stderr, "No configuration file found (using defaults)\n\n")
		}

		yamlData, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(yamlData))

		inference, _ := oracleConfigs(cfg)
		if inference.APIKey != "" {
			fmt.Println("\n# API key: set (not shown)")
		} else {
			fmt.Println("\n# API key: not set")
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize default configuration file",
	Long:  `Create a default configuration file at ~/.belief-engine/config.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error finding home directory: %w", err)
		}
		configPath := filepath.Join(home, ".belief-engine", "config.yaml")

		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file already exists: %s\nUse 'belief-engine config show' to view it, or delete it first to recreate", configPath)
		}
		if err := writeDefaultConfig(configPath); err != nil {
			return err
		}

		fmt.Printf("✓ Created default configuration: %s\n", configPath)
		fmt.Printf("\nTo view the effective configuration:\n")
		fmt.Printf("  belief-engine config show\n")
		return nil
	},
}

// writeDefaultConfig writes the default configuration with a short header
func writeDefaultConfig(path string) error {
	yamlData, err := yaml.Marshal(model.DefaultConfig())
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Belief Engine Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Configuration hierarchy (highest to lowest priority):\n")
	b.WriteString("#   1. CLI flags\n")
	b.WriteString("#   2. Environment variables (BELIEF_*)\n")
	b.WriteString("#   3. This config file\n")
	b.WriteString("#   4. Built-in defaults\n")
	b.WriteString("#\n")
	b.WriteString("# API keys are read from the environment only:\n")
	b.WriteString("#   export OPENAI_API_KEY=sk-...\n")
	b.WriteString("#   export ANTHROPIC_API_KEY=sk-ant-...\n\n")
	b.Write(yamlData)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
