package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration: store location, HTTP bind address,
// and logging. Values resolve in order: defaults, config file, environment,
// flags.
type Config struct {
	DBPath   string `yaml:"db_path"`
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   "chatvault.db",
		Addr:     "127.0.0.1:8080",
		LogLevel: "info",
	}
}

// loadConfig resolves the configuration. A missing config file is fine; a
// present but unparsable one is an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if data, err := os.ReadFile("config.yaml"); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config.yaml: %w", err)
		}
	}

	if v := os.Getenv("CHATVAULT_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHATVAULT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CHATVAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
