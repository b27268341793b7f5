// Package config loads process settings from the environment, .env files or
// a YAML file.
package config

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ErrMissingDatabaseURL is returned when no database is configured.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// Config holds application configuration.
type Config struct {
	DatabaseURL    string `yaml:"database_url" env:"DATABASE_URL"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH"`
	RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
	ServerPort     string `yaml:"server_port" env:"SERVER_PORT"`

	UserAgent      string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"FETCHER_CONNECT_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"FETCHER_READ_TIMEOUT"`
	DownloadDir    string        `yaml:"download_dir" env:"DOWNLOAD_DIR"`

	JobRetention         time.Duration `yaml:"job_retention" env:"JOB_RETENTION"`
	WatchdogTimeout      time.Duration `yaml:"watchdog_timeout" env:"WATCHDOG_TIMEOUT"`
	RefreshCheckInterval time.Duration `yaml:"refresh_check_interval" env:"REFRESH_CHECK_INTERVAL"`
	MapWorkers           int           `yaml:"map_workers" env:"MAP_WORKERS"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Defaults.
const (
	DefaultServerPort           = "8080"
	DefaultUserAgent            = "pvrguide/1.0"
	DefaultConnectTimeout       = 30 * time.Second
	DefaultReadTimeout          = 5 * time.Minute
	DefaultJobRetention         = 24 * time.Hour
	DefaultWatchdogTimeout      = 10 * time.Minute
	DefaultRefreshCheckInterval = 5 * time.Minute
	DefaultMigrationsPath       = "migrations"
)

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load first loads .env.local and .env.
// DATABASE_URL is required; everything else has a default.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	c := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MigrationsPath: os.Getenv("MIGRATIONS_PATH"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ServerPort:     os.Getenv("SERVER_PORT"),
		UserAgent:      os.Getenv("FETCHER_USER_AGENT"),
		DownloadDir:    os.Getenv("DOWNLOAD_DIR"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}
	c.ConnectTimeout = envDuration("FETCHER_CONNECT_TIMEOUT")
	c.ReadTimeout = envDuration("FETCHER_READ_TIMEOUT")
	c.JobRetention = envDuration("JOB_RETENTION")
	c.WatchdogTimeout = envDuration("WATCHDOG_TIMEOUT")
	c.RefreshCheckInterval = envDuration("REFRESH_CHECK_INTERVAL")
	if n, err := strconv.Atoi(os.Getenv("MAP_WORKERS")); err == nil {
		c.MapWorkers = n
	}
	if c.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	c.applyDefaults()
	return c, nil
}

func envDuration(key string) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func (c *Config) applyDefaults() {
	if c.ServerPort == "" {
		c.ServerPort = DefaultServerPort
	}
	if c.MigrationsPath == "" {
		c.MigrationsPath = DefaultMigrationsPath
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.DownloadDir == "" {
		c.DownloadDir = os.TempDir()
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if c.RefreshCheckInterval <= 0 {
		c.RefreshCheckInterval = DefaultRefreshCheckInterval
	}
	if c.MapWorkers <= 0 {
		c.MapWorkers = max(1, runtime.NumCPU()-1)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
}

// UsesSQLite reports whether DatabaseURL points at a SQLite file.
func (c *Config) UsesSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://") || strings.HasPrefix(c.DatabaseURL, "file:")
}

// SQLitePath returns the data source name for the SQLite driver.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}
