package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdtdelta/m365ir/internal/transform"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 500, cfg.Import.BatchSize)
	assert.Equal(t, string(transform.DayFirst), cfg.Import.LegacyDateOrder)
	assert.Contains(t, cfg.Timeline.LegacyAuthClients, "IMAP4")
	assert.Empty(t, cfg.Path())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://ir@localhost/ir
import:
  batch_size: 50
  legacy_date_order: month-first
  legacy_timezone: Australia/Melbourne
timeline:
  home_countries: [AU, NZ]
`)

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Import.BatchSize)
	assert.Equal(t, []string{"AU", "NZ"}, cfg.Timeline.HomeCountries)
	assert.Equal(t, path, cfg.Path())

	opts, err := cfg.TransformOptions()
	require.NoError(t, err)
	assert.Equal(t, transform.MonthFirst, opts.LegacyDateOrder)
	assert.Equal(t, "Australia/Melbourne", opts.LegacyLocation.String())
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "import:\n  batch_size: 50\n")
	t.Setenv("M365IR_IMPORT_BATCH_SIZE", "75")
	t.Setenv("M365IR_DATABASE_DSN", "/tmp/case.db")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Import.BatchSize)
	assert.Equal(t, "/tmp/case.db", cfg.Database.DSN)
}

func TestFlagOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v := viper.New()
	v.Set("database.dsn", "flag.db")

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "flag.db", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"dsn", func(c *Config) { c.Database.DSN = "" }},
		{"batch size", func(c *Config) { c.Import.BatchSize = 0 }},
		{"date order", func(c *Config) { c.Import.LegacyDateOrder = "year-first" }},
		{"timezone", func(c *Config) { c.Import.LegacyTimezone = "Mars/Olympus" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
