package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/plugins"
	"github.com/rendis/stepflow/internal/scheduler"
)

// Store drivers.
const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
	driverMemory   = "memory"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBDriver         string `json:"db_driver"`
	DBPath           string `json:"db_path"`
	PostgresDSN      string `json:"postgres_dsn"`
	AMQPURL          string `json:"amqp_url"`
	HTTPAddr         string `json:"http_addr"`
	LogLevel         string `json:"log_level"`
	LogFormat        string `json:"log_format"`
	ScheduleInterval string `json:"schedule_interval"`

	// Plugins are MCP servers whose tools become step types. Settings file only.
	Plugins []plugins.Config `json:"plugins,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBDriver:         driverLibSQL,
		DBPath:           filepath.Join(stepflowDir(), "stepflow.db"),
		HTTPAddr:         "localhost:8088",
		LogLevel:         "info",
		LogFormat:        "json",
		ScheduleInterval: scheduler.DefaultInterval.String(),
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

// loadConfig layers settings.json and STEPFLOW_* env vars over the defaults.
// A malformed settings file is an error; a missing one is not.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	for env, field := range map[string]*string{
		"STEPFLOW_DB_DRIVER":         &cfg.DBDriver,
		"STEPFLOW_DB_PATH":           &cfg.DBPath,
		"STEPFLOW_POSTGRES_DSN":      &cfg.PostgresDSN,
		"STEPFLOW_AMQP_URL":          &cfg.AMQPURL,
		"STEPFLOW_HTTP_ADDR":         &cfg.HTTPAddr,
		"STEPFLOW_LOG_LEVEL":         &cfg.LogLevel,
		"STEPFLOW_LOG_FORMAT":        &cfg.LogFormat,
		"STEPFLOW_SCHEDULE_INTERVAL": &cfg.ScheduleInterval,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.DBDriver {
	case driverLibSQL:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the %s driver", driverLibSQL)
		}
	case driverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the %s driver", driverPostgres)
		}
	case driverMemory:
	default:
		return fmt.Errorf("unknown db_driver %q (want %s, %s or %s)", c.DBDriver, driverLibSQL, driverPostgres, driverMemory)
	}
	if _, err := c.interval(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.ID == "" || p.Command == "" {
			return fmt.Errorf("plugins[%d]: id and command are required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("plugins[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// interval parses ScheduleInterval.
func (c Config) interval() (time.Duration, error) {
	if c.ScheduleInterval == "" {
		return scheduler.DefaultInterval, nil
	}
	d, err := time.ParseDuration(c.ScheduleInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid schedule_interval %q", c.ScheduleInterval)
	}
	return d, nil
}

// libsqlDSN turns a plain file path into the file URI libsql expects.
func (c Config) libsqlDSN() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
