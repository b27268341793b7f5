package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pvr")
	for _, k := range []string{"SERVER_PORT", "FETCHER_READ_TIMEOUT", "MAP_WORKERS", "JOB_RETENTION", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.ServerPort != DefaultServerPort || c.ReadTimeout != DefaultReadTimeout || c.JobRetention != DefaultJobRetention {
		t.Errorf("defaults not applied: %+v", c)
	}
	if c.MapWorkers < 1 {
		t.Errorf("MapWorkers = %d", c.MapWorkers)
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel = %q", c.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:///tmp/pvr.db")
	t.Setenv("FETCHER_READ_TIMEOUT", "90s")
	t.Setenv("WATCHDOG_TIMEOUT", "bogus")
	t.Setenv("MAP_WORKERS", "3")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.ReadTimeout != 90*time.Second {
		t.Errorf("ReadTimeout = %s", c.ReadTimeout)
	}
	if c.WatchdogTimeout != DefaultWatchdogTimeout {
		t.Errorf("WatchdogTimeout = %s, want default for an invalid value", c.WatchdogTimeout)
	}
	if c.MapWorkers != 3 {
		t.Errorf("MapWorkers = %d", c.MapWorkers)
	}
	if !c.UsesSQLite() || c.SQLitePath() != "/tmp/pvr.db" {
		t.Errorf("sqlite detection: %v %q", c.UsesSQLite(), c.SQLitePath())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("database_url: postgres://db/pvr\nredis_url: redis://cache:6379/0\nread_timeout: 2m\nmap_workers: 4\nlog_format: JSON\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.RedisURL != "redis://cache:6379/0" || c.ReadTimeout != 2*time.Minute || c.MapWorkers != 4 {
		t.Errorf("config = %+v", c)
	}
	if c.LogFormat != "json" || c.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("config = %+v", c)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nodb.yaml")
	if err := os.WriteFile(missing, []byte("server_port: \"9000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(missing); !errors.Is(err, ErrMissingDatabaseURL) {
		t.Errorf("LoadFromFile = %v, want ErrMissingDatabaseURL", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("database_url: x\nread_timeout: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("LoadFromFile accepted an invalid duration")
	}
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	if err := SetupLogging(&Config{LogLevel: "debug", LogFormat: "json"}); err != nil {
		t.Fatal(err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Errorf("formatter = %T", log.StandardLogger().Formatter)
	}
	log.SetFormatter(&log.TextFormatter{})
	if err := SetupLogging(&Config{LogLevel: "loud"}); err == nil {
		t.Error("SetupLogging accepted an invalid level")
	}
}
