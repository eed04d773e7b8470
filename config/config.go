// Package config loads process settings from the environment and builds the
// shared logger.
//
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win over it. Command-line flags
// in cmd/ override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the process configuration.
type Config struct {
	Port       int
	DBDriver   string
	DBDSN      string
	PolicyFile string

	LogLevel  string
	LogFormat string

	// Workers overrides the policy's worker count when positive.
	Workers int

	ScheduleEnabled  bool
	ScheduleInterval time.Duration
}

// Load reads .env (if any) and the RECON_* variables.
func Load() (Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Config{
		Port:             intFromEnv("RECON_PORT", 8080),
		DBDriver:         strFromEnv("RECON_DB_DRIVER", DriverSQLite),
		DBDSN:            strFromEnv("RECON_DB_DSN", "./data/volume.db"),
		PolicyFile:       strFromEnv("RECON_POLICY_FILE", ""),
		LogLevel:         strFromEnv("RECON_LOG_LEVEL", "info"),
		LogFormat:        strFromEnv("RECON_LOG_FORMAT", "json"),
		Workers:          intFromEnv("RECON_WORKERS", 0),
		ScheduleEnabled:  boolFromEnv("RECON_SCHEDULE_ENABLED", true),
		ScheduleInterval: durationFromEnv("RECON_SCHEDULE_INTERVAL", time.Hour),
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("RECON_DB_DRIVER: unknown driver %q", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("RECON_PORT: %d out of range", c.Port)
	}
	if c.ScheduleEnabled && c.ScheduleInterval <= 0 {
		return fmt.Errorf("RECON_SCHEDULE_INTERVAL must be positive")
	}
	return nil
}

// NewLogger builds a logger writing to stdout. format is "json" or "text";
// an unknown level falls back to info.
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func strFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
