package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the project-local config file discovered upward from cwd
const LocalConfigName = ".zerohr.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Generation    GenerationConfig    `toml:"generation"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Sections      []SectionConfig     `toml:"sections"`
	Prompts       PromptsConfig       `toml:"prompts"`
	Retention     RetentionConfig     `toml:"retention"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
}

// GenerationConfig holds text-generation service settings
type GenerationConfig struct {
	Provider    string  `toml:"provider"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	Timeout     string  `toml:"timeout"`
}

// PipelineConfig holds run orchestration settings
type PipelineConfig struct {
	SectionCount        int     `toml:"section_count"`
	MaxRetries          int     `toml:"max_retries"`
	Concurrency         int     `toml:"concurrency"`
	AcceptanceThreshold float64 `toml:"acceptance_threshold"`
	FinalizeThreshold   float64 `toml:"finalize_threshold"`
	ScoreScale          float64 `toml:"score_scale"`
	AdmissionLock       string  `toml:"admission_lock"`
	AdmissionTTL        string  `toml:"admission_ttl"`
	AdmissionBackend    string  `toml:"admission_backend"`
}

// SectionConfig overrides the template defaults of one section
type SectionConfig struct {
	Index         int     `toml:"index"`
	Name          string  `toml:"name,omitempty"`
	Weight        float64 `toml:"weight,omitempty"`
	Threshold     float64 `toml:"threshold,omitempty"`
	ExampleFile   string  `toml:"example_file,omitempty"`
	ReferenceFile string  `toml:"reference_file,omitempty"`
}

// PromptsConfig holds prompt template and text locations
type PromptsConfig struct {
	OverrideDir   string `toml:"override_dir"`
	ExamplesDir   string `toml:"examples_dir"`
	ReferencesDir string `toml:"references_dir"`
	Watch         bool   `toml:"watch"`
}

// RetentionConfig controls purging of old finished runs
type RetentionConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	MaxAge  string `toml:"max_age"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".zerohr", "zerohr.db"),
			LogLevel:     "info",
		},
		Generation: GenerationConfig{
			Provider:    "openai",
			BaseURL:     "https://api.regolo.ai/v1",
			Model:       "gpt-oss-120b",
			Temperature: 0.7,
			Timeout:     "600s",
		},
		Pipeline: PipelineConfig{
			SectionCount:        7,
			MaxRetries:          2,
			Concurrency:         7,
			AcceptanceThreshold: 7,
			FinalizeThreshold:   8,
			ScoreScale:          10,
			AdmissionLock:       "start_run",
			AdmissionTTL:        "15s",
			AdmissionBackend:    "sqlite",
		},
		Prompts: PromptsConfig{
			ExamplesDir:   filepath.Join(home, ".zerohr", "examples"),
			ReferencesDir: filepath.Join(home, ".zerohr", "references"),
		},
		Retention: RetentionConfig{
			Cron:   "@daily",
			MaxAge: "720h",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Prompts.OverrideDir = ExpandPath(cfg.Prompts.OverrideDir)
	cfg.Prompts.ExamplesDir = ExpandPath(cfg.Prompts.ExamplesDir)
	cfg.Prompts.ReferencesDir = ExpandPath(cfg.Prompts.ReferencesDir)

	return cfg, nil
}

// LoadWithLocalFallback loads path when given, otherwise the nearest
// .zerohr.toml, otherwise the default config path
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName and returns its path, or "" when none exists
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// applyEnv overrides secrets and endpoints from the environment
func (c *Config) applyEnv() {
	if v := firstEnv("ZEROHR_API_KEY", "REGOLO_API_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	if v := os.Getenv("ZEROHR_BASE_URL"); v != "" {
		c.Generation.BaseURL = v
	} else if v := os.Getenv("REGOLO_API_URL"); v != "" {
		c.Generation.BaseURL = strings.TrimSuffix(strings.TrimSuffix(v, "/"), "/completions")
	}
	if v := firstEnv("ZEROHR_MODEL", "CV_CREATOR_MODEL"); v != "" {
		c.Generation.Model = v
	}
	if v := os.Getenv("ZEROHR_DB"); v != "" {
		c.General.DatabasePath = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	var errs []error

	p := c.Pipeline
	if p.SectionCount < 1 {
		errs = append(errs, fmt.Errorf("pipeline.section_count must be at least 1, got %d", p.SectionCount))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries must not be negative, got %d", p.MaxRetries))
	}
	if p.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency must be at least 1, got %d", p.Concurrency))
	}
	if p.ScoreScale <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.score_scale must be positive, got %v", p.ScoreScale))
	}
	if p.AcceptanceThreshold < 0 || p.AcceptanceThreshold > p.ScoreScale {
		errs = append(errs, fmt.Errorf("pipeline.acceptance_threshold %v outside 0..%v", p.AcceptanceThreshold, p.ScoreScale))
	}
	if p.FinalizeThreshold < 0 || p.FinalizeThreshold > p.ScoreScale {
		errs = append(errs, fmt.Errorf("pipeline.finalize_threshold %v outside 0..%v", p.FinalizeThreshold, p.ScoreScale))
	}
	switch p.AdmissionBackend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("pipeline.admission_backend must be memory or sqlite, got %q", p.AdmissionBackend))
	}
	if _, err := parseDuration("pipeline.admission_ttl", p.AdmissionTTL); err != nil {
		errs = append(errs, err)
	}

	switch c.Generation.Provider {
	case "openai", "mock":
	default:
		errs = append(errs, fmt.Errorf("generation.provider must be openai or mock, got %q", c.Generation.Provider))
	}
	if _, err := parseDuration("generation.timeout", c.Generation.Timeout); err != nil {
		errs = append(errs, err)
	}

	if c.Retention.Enabled {
		if _, err := parseDuration("retention.max_age", c.Retention.MaxAge); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[int]bool)
	var weightSum float64
	allWeighted := len(c.Sections) > 0
	for _, s := range c.Sections {
		if s.Index < 1 {
			errs = append(errs, fmt.Errorf("sections: index must be at least 1, got %d", s.Index))
			continue
		}
		if seen[s.Index] {
			errs = append(errs, fmt.Errorf("sections: index %d configured twice", s.Index))
		}
		seen[s.Index] = true
		if s.Weight < 0 {
			errs = append(errs, fmt.Errorf("sections[%d]: weight must not be negative", s.Index))
		}
		if s.Threshold < 0 || s.Threshold > p.ScoreScale {
			errs = append(errs, fmt.Errorf("sections[%d]: threshold %v outside 0..%v", s.Index, s.Threshold, p.ScoreScale))
		}
		if s.Weight == 0 {
			allWeighted = false
		}
		weightSum += s.Weight
	}
	// Weights only need to sum to 1 when the file replaces every one of them.
	if allWeighted && len(c.Sections) == p.SectionCount && math.Abs(weightSum-1) > 1e-3 {
		errs = append(errs, fmt.Errorf("sections: weights sum to %v, want 1", weightSum))
	}

	return errors.Join(errs...)
}

// CallTimeout returns generation.timeout as a duration
func (c *Config) CallTimeout() time.Duration {
	d, _ := parseDuration("generation.timeout", c.Generation.Timeout)
	return d
}

// AdmissionTTL returns pipeline.admission_ttl as a duration
func (c *Config) AdmissionTTL() time.Duration {
	d, _ := parseDuration("pipeline.admission_ttl", c.Pipeline.AdmissionTTL)
	return d
}

// RetentionMaxAge returns retention.max_age as a duration
func (c *Config) RetentionMaxAge() time.Duration {
	d, _ := parseDuration("retention.max_age", c.Retention.MaxAge)
	return d
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// Save writes the configuration as TOML, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "zerohr", "config.toml")
}
