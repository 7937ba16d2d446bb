package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Version  int            `toml:"version"`
	Upstream UpstreamConfig `toml:"upstream"`
	Analysis AnalysisConfig `toml:"analysis"`
	Scan     ScanConfig     `toml:"scan"`
	Credits  CreditsConfig  `toml:"credits"`
	Logging  LoggingConfig  `toml:"logging"`
}

// UpstreamConfig configures the account-content API.
type UpstreamConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	// RequestsPerSecond paces page fetches against the upstream.
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AnalysisConfig configures the LLM provider.
type AnalysisConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
	// PromptPath points at the analysis prompt; empty uses the built-in prompt.
	PromptPath string `toml:"prompt_path"`
}

// ScanConfig configures scan orchestration.
type ScanConfig struct {
	RangeDays        int `toml:"range_days"`
	FetchConcurrency int `toml:"fetch_concurrency"`
	// AnalysisConcurrency is the worker-pool size; expensive models get less.
	AnalysisConcurrency int `toml:"analysis_concurrency"`
}

// CreditsConfig configures the credit ledger.
type CreditsConfig struct {
	// FreeScansPerDay is the free-tier daily quota; 0 disables the free tier.
	FreeScansPerDay int `toml:"free_scans_per_day"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Debug bool `toml:"debug"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Version: 1,
		Upstream: UpstreamConfig{
			BaseURL:           "https://api.socialdata.example/v1",
			RequestsPerSecond: 1,
		},
		Analysis: AnalysisConfig{
			Provider: "claude",
			Model:    "claude-sonnet-4-20250514",
		},
		Scan: ScanConfig{
			RangeDays:           1,
			FetchConcurrency:    4,
			AnalysisConcurrency: 3,
		},
		Credits: CreditsConfig{
			FreeScansPerDay: 1,
		},
	}
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "sigscan"), nil
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// CacheDir returns the platform-appropriate cache directory
func CacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "sigscan"), nil
}

// DataPath returns the full path to the sqlite database file.
func DataPath() (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sigscan.db"), nil
}

// Load reads config from disk and applies environment overrides.
// A .env file next to the config file is honored when present.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			cfg = *Default()
		} else {
			return nil, err
		}
	}

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	applyEnv(&cfg)

	return &cfg, nil
}

// applyEnv lets secrets come from the environment instead of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SIGSCAN_UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("SIGSCAN_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("SIGSCAN_LLM_API_KEY"); v != "" {
		cfg.Analysis.APIKey = v
	}
	if v := os.Getenv("SIGSCAN_MODEL"); v != "" {
		cfg.Analysis.Model = v
	}
}

// Save writes config to disk
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	path, err := ConfigPath()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
