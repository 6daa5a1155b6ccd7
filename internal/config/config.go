// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dvloznov/finance-reconciler/internal/confidence"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/matching"
	"github.com/dvloznov/finance-reconciler/internal/pipeline"
	"github.com/dvloznov/finance-reconciler/internal/split"
)

// DefaultPath is read when CONFIG_PATH is unset.
const DefaultPath = "config.yaml"

// Config is the full service configuration.
type Config struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	HTTPAddr  string `yaml:"http_addr"`

	GCPProject string `yaml:"gcp_project"`
	BQDataset  string `yaml:"bq_dataset"`
	GCSBucket  string `yaml:"gcs_bucket"`

	// Schedule is a standard five-field cron spec for reconciliation passes.
	Schedule         string `yaml:"schedule"`
	DisableAutoLink  bool   `yaml:"disable_auto_link"`
	SyncLookbackDays int    `yaml:"sync_lookback_days"`

	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queue_size"`
	MaxRetries int `yaml:"max_retries"`

	FingerprintConcurrency int   `yaml:"fingerprint_concurrency"`
	MaxDocumentBytes       int64 `yaml:"max_document_bytes"`

	Thresholds    confidence.Thresholds `yaml:"thresholds"`
	Priors        confidence.Priors     `yaml:"priors"`
	AmountCeiling string                `yaml:"amount_ceiling"`
	Matching      matching.Config       `yaml:"matching"`
	Ledger        ledger.Options        `yaml:"ledger"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DBPath:    "./reconciler.db",
		LogLevel:  "info",
		LogFormat: logger.FormatConsole,
		HTTPAddr:  ":8080",

		BQDataset: "finance",

		Schedule:         "*/15 * * * *",
		SyncLookbackDays: 90,

		Workers:    5,
		QueueSize:  100,
		MaxRetries: 3,

		FingerprintConcurrency: 4,
		MaxDocumentBytes:       32 << 20,

		Thresholds:    confidence.DefaultThresholds(),
		Priors:        confidence.DefaultPriors(),
		AmountCeiling: confidence.DefaultAmountCeiling.String(),
		Matching:      matching.DefaultConfig(),
		Ledger:        ledger.DefaultOptions(),
	}
}

// Load reads the file named by CONFIG_PATH (default config.yaml) and applies
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	path := DefaultPath
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		path = envPath
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults, applies environment overrides and
// validates the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("LoadFile: parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("LoadFile: reading %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("LoadFile: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("LoadFile: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.DBPath, "RECON_DB_PATH")
	envOverride(&cfg.LogLevel, "RECON_LOG_LEVEL")
	envOverride(&cfg.LogFormat, "RECON_LOG_FORMAT")
	envOverride(&cfg.HTTPAddr, "RECON_HTTP_ADDR")
	envOverride(&cfg.GCPProject, "GCP_PROJECT")
	envOverride(&cfg.BQDataset, "BQ_DATASET")
	envOverride(&cfg.GCSBucket, "GCS_BUCKET")
	envOverride(&cfg.Schedule, "RECON_SCHEDULE")

	var errs []error
	errs = append(errs,
		envOverrideBool(&cfg.DisableAutoLink, "RECON_DISABLE_AUTO_LINK"),
		envOverrideInt(&cfg.Workers, "RECON_WORKERS"),
		envOverrideFloat(&cfg.Thresholds.Auto, "RECON_AUTO_THRESHOLD"),
		envOverrideFloat(&cfg.Thresholds.Review, "RECON_REVIEW_THRESHOLD"),
		envOverrideFloat(&cfg.Matching.AutoAcceptScore, "RECON_AUTO_ACCEPT_SCORE"),
	)
	return errors.Join(errs...)
}

// Validate reports the first out-of-range value.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.LogFormat != logger.FormatConsole && c.LogFormat != logger.FormatJSON {
		return fmt.Errorf("config: log_format must be %q or %q, got %q", logger.FormatConsole, logger.FormatJSON, c.LogFormat)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("config: schedule %q: %w", c.Schedule, err)
		}
	}
	if c.Workers <= 0 || c.QueueSize <= 0 || c.FingerprintConcurrency <= 0 {
		return fmt.Errorf("config: workers, queue_size and fingerprint_concurrency must be positive")
	}
	if c.MaxRetries < 0 || c.SyncLookbackDays < 0 || c.MaxDocumentBytes < 0 {
		return fmt.Errorf("config: max_retries, sync_lookback_days and max_document_bytes must not be negative")
	}

	t := c.Thresholds
	for name, v := range map[string]float64{"auto": t.Auto, "review": t.Review, "critical_floor": t.CriticalFloor} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: thresholds.%s must be between 0 and 1, got %v", name, v)
		}
	}
	if t.Review > t.Auto {
		return fmt.Errorf("config: thresholds.review (%v) must not exceed thresholds.auto (%v)", t.Review, t.Auto)
	}
	if c.Priors.Weight < 0 || c.Priors.Weight > 1 {
		return fmt.Errorf("config: priors.weight must be between 0 and 1, got %v", c.Priors.Weight)
	}
	for strategy, v := range c.Priors.Values {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: priors.values.%s must be between 0 and 1, got %v", strategy, v)
		}
	}

	if _, err := c.Ceiling(); err != nil {
		return err
	}
	if err := c.Matching.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := split.ParseStrategy(string(c.Ledger.SplitStrategy)); err != nil {
		return fmt.Errorf("config: ledger.split_strategy: %w", err)
	}
	return nil
}

// Ceiling parses the amount above which extractions are flagged.
func (c Config) Ceiling() (decimal.Decimal, error) {
	if c.AmountCeiling == "" {
		return confidence.DefaultAmountCeiling, nil
	}
	d, err := decimal.NewFromString(c.AmountCeiling)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("config: amount_ceiling must be a positive amount, got %q", c.AmountCeiling)
	}
	return d, nil
}

// Pipeline returns the scoring configuration for the extraction pipeline.
func (c Config) Pipeline() pipeline.Config {
	ceiling, err := c.Ceiling()
	if err != nil {
		ceiling = confidence.DefaultAmountCeiling
	}
	return pipeline.Config{
		Thresholds:    c.Thresholds,
		Priors:        c.Priors,
		AmountCeiling: ceiling,
	}
}

func envOverride(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envOverrideInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envOverrideFloat(dst *float64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envOverrideBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
