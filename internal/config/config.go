// Package config loads m365ir settings from defaults, a YAML file and
// M365IR_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cdtdelta/m365ir/internal/transform"
)

// EnvPrefix is prepended to every environment override, e.g. M365IR_DATABASE_DSN.
const EnvPrefix = "M365IR"

// Config is the full runtime configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Import   ImportConfig   `mapstructure:"import"`
	Timeline TimelineConfig `mapstructure:"timeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	path string
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ImportConfig controls the importer.
type ImportConfig struct {
	BatchSize       int    `mapstructure:"batch_size"`
	LegacyDateOrder string `mapstructure:"legacy_date_order"`
	LegacyTimezone  string `mapstructure:"legacy_timezone"`
	RejectLog       string `mapstructure:"reject_log"`
}

// TimelineConfig holds the classification inputs.
type TimelineConfig struct {
	HomeCountries     []string `mapstructure:"home_countries"`
	LegacyAuthClients []string `mapstructure:"legacy_auth_clients"`
}

// LoggingConfig controls the application logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig enables pushing run metrics to a Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// DefaultLegacyAuthClients are the client app values Entra reports for
// protocols that cannot do modern authentication.
var DefaultLegacyAuthClients = []string{
	"Exchange ActiveSync",
	"IMAP4",
	"POP3",
	"SMTP",
	"Authenticated SMTP",
	"MAPI Over HTTP",
	"Exchange Web Services",
	"Offline Address Book",
	"Outlook Anywhere (RPC over HTTP)",
	"Exchange Online PowerShell",
	"AutoDiscover",
	"Other clients",
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "m365ir.db",
		},
		Import: ImportConfig{
			BatchSize:       500,
			LegacyDateOrder: string(transform.DayFirst),
			LegacyTimezone:  "UTC",
			RejectLog:       "m365ir-rejected.log",
		},
		Timeline: TimelineConfig{
			LegacyAuthClients: append([]string(nil), DefaultLegacyAuthClients...),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Job: "m365ir",
		},
	}
}

// Load reads configuration. An explicit path must exist; otherwise
// $HOME/.m365ir/config.yaml is used when present. Environment variables
// override file values, and v may carry flag bindings that override both.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Default())

	explicit := path != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".m365ir", "config.yaml")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	read := false
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else {
			read = true
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if read {
		cfg.path = v.ConfigFileUsed()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can resolve nested
// keys that appear in no file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("import.batch_size", d.Import.BatchSize)
	v.SetDefault("import.legacy_date_order", d.Import.LegacyDateOrder)
	v.SetDefault("import.legacy_timezone", d.Import.LegacyTimezone)
	v.SetDefault("import.reject_log", d.Import.RejectLog)
	v.SetDefault("timeline.home_countries", d.Timeline.HomeCountries)
	v.SetDefault("timeline.legacy_auth_clients", d.Timeline.LegacyAuthClients)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("metrics.job", d.Metrics.Job)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Import.BatchSize <= 0 {
		return fmt.Errorf("import.batch_size must be positive, got %d", c.Import.BatchSize)
	}
	if _, err := transform.ParseDateOrder(c.Import.LegacyDateOrder); err != nil {
		return fmt.Errorf("import.legacy_date_order: %w", err)
	}
	if _, err := c.LegacyLocation(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// LegacyLocation resolves import.legacy_timezone.
func (c *Config) LegacyLocation() (*time.Location, error) {
	if c.Import.LegacyTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Import.LegacyTimezone)
	if err != nil {
		return nil, fmt.Errorf("import.legacy_timezone: %w", err)
	}
	return loc, nil
}

// TransformOptions converts the import settings for the transformer.
func (c *Config) TransformOptions() (transform.Options, error) {
	order, err := transform.ParseDateOrder(c.Import.LegacyDateOrder)
	if err != nil {
		return transform.Options{}, err
	}
	loc, err := c.LegacyLocation()
	if err != nil {
		return transform.Options{}, err
	}
	return transform.Options{LegacyDateOrder: order, LegacyLocation: loc}, nil
}

// Path returns the config file that was read, or "" if none was.
func (c *Config) Path() string {
	return c.path
}
