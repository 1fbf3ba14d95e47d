package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/enact/internal/builtin"
	"github.com/rendis/enact/internal/scheduler"
)

// Config holds all enactd configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	PoolSize    int    `json:"pool_size"`
	MetricsAddr string `json:"metrics_addr"`

	// Provenance store maintenance.
	VacuumCron    string `json:"vacuum_cron"`
	PruneCron     string `json:"prune_cron"`
	RetentionDays int    `json:"retention_days"`

	// http.get activity.
	HTTPTimeout     string `json:"http_timeout"`
	HTTPMaxBodySize int64  `json:"http_max_body_size"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(enactDir(), "enact.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		PoolSize:      256,
		VacuumCron:    scheduler.DefaultVacuumCron,
		PruneCron:     scheduler.DefaultPruneCron,
		RetentionDays: 30,
	}
}

func enactDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".enact"
	}
	return filepath.Join(home, ".enact")
}

func settingsPath() string {
	return filepath.Join(enactDir(), "settings.json")
}

// loadConfig layers settings.json at path and ENACT_* variables read
// through getenv over the defaults. A missing settings file is ignored; a
// malformed one is an error.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	if v := getenv("ENACT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("ENACT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("ENACT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("ENACT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("ENACT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("ENACT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := getenv("ENACT_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = v
	}

	return cfg, nil
}

// maintenance returns the store maintenance schedule.
func (c Config) maintenance() scheduler.Config {
	mc := scheduler.DefaultConfig()
	mc.VacuumCron = c.VacuumCron
	mc.PruneCron = c.PruneCron
	mc.Retention = time.Duration(c.RetentionDays) * 24 * time.Hour
	return mc
}

// builtins returns the configuration of the builtin activities.
func (c Config) builtins() (builtin.Config, error) {
	bc := builtin.Config{HTTP: builtin.HTTPConfig{MaxResponseBody: c.HTTPMaxBodySize}}
	if c.HTTPTimeout != "" {
		d, err := time.ParseDuration(c.HTTPTimeout)
		if err != nil {
			return bc, fmt.Errorf("invalid http_timeout %q: %w", c.HTTPTimeout, err)
		}
		bc.HTTP.DefaultTimeout = d
	}
	return bc, nil
}
