package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "worldsync.db" {
		t.Errorf("expected DSN worldsync.db, got %s", cfg.Database.DSN)
	}
	if cfg.Scheduler.Interval != time.Hour {
		t.Errorf("expected interval 1h, got %v", cfg.Scheduler.Interval)
	}
	if !cfg.HTTP.Enabled {
		t.Error("expected HTTP enabled by default")
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.HTTP.Port)
	}
	if len(cfg.Sources.WorldBank.Indicators) == 0 {
		t.Error("expected default World Bank indicators")
	}
	if cfg.Sources.SIPRI.CSVPath != "" {
		t.Errorf("expected no default register path, got %s", cfg.Sources.SIPRI.CSVPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[database]
dsn = "/var/lib/worldsync/data.db"

[scheduler]
interval = "30m"
run_on_start = true

[sources.acled]
page_size = 1000

[sources.acled.limits]
min_interval = "2s"
timeout = "90s"
max_retries = 5
base_delay = "1s"

[[sources.overpass.regions]]
name = "baltic"
south = 53.0
west = 9.0
north = 66.0
east = 30.0

[http]
enabled = false
port = 9000
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.DSN != "/var/lib/worldsync/data.db" {
		t.Errorf("expected DSN override, got %s", cfg.Database.DSN)
	}
	if cfg.Scheduler.Interval != 30*time.Minute {
		t.Errorf("expected interval 30m, got %v", cfg.Scheduler.Interval)
	}
	if !cfg.Scheduler.RunOnStart {
		t.Error("expected run_on_start")
	}
	if cfg.Sources.ACLED.PageSize != 1000 {
		t.Errorf("expected page_size 1000, got %d", cfg.Sources.ACLED.PageSize)
	}
	if cfg.Sources.ACLED.Limits.MinInterval != 2*time.Second {
		t.Errorf("expected min_interval 2s, got %v", cfg.Sources.ACLED.Limits.MinInterval)
	}
	if cfg.Sources.ACLED.Limits.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Sources.ACLED.Limits.MaxRetries)
	}
	if len(cfg.Sources.Overpass.Regions) != 1 || cfg.Sources.Overpass.Regions[0].Name != "baltic" {
		t.Errorf("expected single baltic region, got %+v", cfg.Sources.Overpass.Regions)
	}
	if cfg.HTTP.Enabled {
		t.Error("expected HTTP disabled")
	}

	// Defaults survive for keys the file does not set
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver, got %s", cfg.Database.Driver)
	}
	if cfg.Sources.ACLED.HistoryYears != 2 {
		t.Errorf("expected default history_years 2, got %d", cfg.Sources.ACLED.HistoryYears)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to be valid, got %v", err)
	}
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[scheduler]\nloop_interval = \"1s\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error for empty config path, got %v", err)
	}

	if cfg.Database.DSN != "worldsync.db" {
		t.Errorf("expected default DSN, got %s", cfg.Database.DSN)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "/tmp/override.db")
	t.Setenv(EnvSyncInterval, "15m")
	t.Setenv(EnvACLEDEmail, "ops@example.org")
	t.Setenv(EnvSIPRICSV, "/data/register.csv")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.DSN != "/tmp/override.db" {
		t.Errorf("expected DSN from env, got %s", cfg.Database.DSN)
	}
	if cfg.Scheduler.Interval != 15*time.Minute {
		t.Errorf("expected interval 15m, got %v", cfg.Scheduler.Interval)
	}
	if cfg.Sources.ACLED.Email != "ops@example.org" {
		t.Errorf("expected email from env, got %s", cfg.Sources.ACLED.Email)
	}
	if cfg.Sources.SIPRI.CSVPath != "/data/register.csv" {
		t.Errorf("expected register path from env, got %s", cfg.Sources.SIPRI.CSVPath)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := map[string]string{
		EnvHTTPPort:     "eighty",
		EnvSyncInterval: "hourly",
	}

	for key, value := range tests {
		cfg := DefaultConfig()
		lookup := func(k string) (string, bool) {
			if k == key {
				return value, true
			}
			return "", false
		}
		if err := cfg.ApplyEnv(lookup); err == nil {
			t.Errorf("expected error for %s=%s", key, value)
		}
	}
}

func TestLoadEnvFiles(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envPath, []byte("WORLDSYNC_TEST_LOADED=yes\n"), 0644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv(EnvFile, envPath)
	t.Cleanup(func() { os.Unsetenv("WORLDSYNC_TEST_LOADED") })

	if err := LoadEnvFiles(); err != nil {
		t.Fatalf("failed to load env files: %v", err)
	}
	if got := os.Getenv("WORLDSYNC_TEST_LOADED"); got != "yes" {
		t.Errorf("expected variable from env file, got %q", got)
	}
}

func TestValidate_Success(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_InvalidDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Driver = "postgres"

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestValidate_EmptyDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DSN = ""

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty DSN")
	}
}

func TestValidate_ShortInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Interval = 30 * time.Second

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sub-minute interval")
	}
}

func TestValidate_InvalidSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sources.ACLED.PageSize = 0

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero ACLED page size")
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Port = 99999

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid HTTP port")
	}
}

func TestValidate_PortClash(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Port = cfg.HTTP.Port

	if err := cfg.Validate(); err == nil {
		t.Error("expected error when metrics and HTTP share an address")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "invalid"

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestAddrs(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.HTTPAddr(); got != "127.0.0.1:8080" {
		t.Errorf("unexpected HTTP address %s", got)
	}
	if got := cfg.MetricsAddr(); got != "127.0.0.1:9090" {
		t.Errorf("unexpected metrics address %s", got)
	}
}
