package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration accepts "90s"-style strings in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

type fileConfig struct {
	DatabaseURL          string   `yaml:"database_url"`
	MigrationsPath       string   `yaml:"migrations_path"`
	RedisURL             string   `yaml:"redis_url"`
	ServerPort           string   `yaml:"server_port"`
	UserAgent            string   `yaml:"user_agent"`
	ConnectTimeout       duration `yaml:"connect_timeout"`
	ReadTimeout          duration `yaml:"read_timeout"`
	DownloadDir          string   `yaml:"download_dir"`
	JobRetention         duration `yaml:"job_retention"`
	WatchdogTimeout      duration `yaml:"watchdog_timeout"`
	RefreshCheckInterval duration `yaml:"refresh_check_interval"`
	MapWorkers           int      `yaml:"map_workers"`
	LogLevel             string   `yaml:"log_level"`
	LogFormat            string   `yaml:"log_format"`
}

// LoadFromFile loads config from a YAML file. database_url is required.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	c := &Config{
		DatabaseURL:          f.DatabaseURL,
		MigrationsPath:       f.MigrationsPath,
		RedisURL:             f.RedisURL,
		ServerPort:           f.ServerPort,
		UserAgent:            f.UserAgent,
		ConnectTimeout:       time.Duration(f.ConnectTimeout),
		ReadTimeout:          time.Duration(f.ReadTimeout),
		DownloadDir:          f.DownloadDir,
		JobRetention:         time.Duration(f.JobRetention),
		WatchdogTimeout:      time.Duration(f.WatchdogTimeout),
		RefreshCheckInterval: time.Duration(f.RefreshCheckInterval),
		MapWorkers:           f.MapWorkers,
		LogLevel:             f.LogLevel,
		LogFormat:            f.LogFormat,
	}
	c.applyDefaults()
	return c, nil
}
