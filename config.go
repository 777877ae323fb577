package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type appConfig struct {
	Store    string `yaml:"store"`
	Rows     int    `yaml:"rows"`
	Columns  int    `yaml:"columns"`
	LogLevel string `yaml:"log_level"`
}

func (c *appConfig) normalize() error {
	if c == nil {
		return nil
	}
	c.Store = strings.TrimSpace(c.Store)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.Rows < 0 {
		return fmt.Errorf("rows must be positive, got %d", c.Rows)
	}
	if c.Columns < 0 {
		return fmt.Errorf("columns must be positive, got %d", c.Columns)
	}
	if c.LogLevel != "" {
		if _, err := parseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

func pickString(envValue, cfgValue, defaultValue string) string {
	if strings.TrimSpace(envValue) != "" {
		return envValue
	}
	if strings.TrimSpace(cfgValue) != "" {
		return cfgValue
	}
	return defaultValue
}

// pickInt applies the pickString precedence to a positive integer setting.
func pickInt(label, envValue string, cfgValue, defaultValue int) (int, error) {
	if raw := strings.TrimSpace(envValue); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			return 0, fmt.Errorf("invalid %s %q: must be a positive integer", label, raw)
		}
		return value, nil
	}
	if cfgValue > 0 {
		return cfgValue, nil
	}
	return defaultValue, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning", "":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("invalid log_level %q: want debug, info, warn or error", value)
	}
}

// resolveConfig loads the config file named by path, GRAMOLA_CONFIG, or the
// default location. Only a missing default file is tolerated.
func resolveConfig(path string) (*appConfig, string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		if envPath := strings.TrimSpace(os.Getenv("GRAMOLA_CONFIG")); envPath != "" {
			path = envPath
			explicit = true
		}
	}

	if strings.TrimSpace(path) == "" {
		defaultPath, err := defaultConfigPath()
		if err != nil {
			return &appConfig{}, "", nil
		}
		path = defaultPath
	}

	expanded, err := expandPath(path)
	if err != nil {
		return nil, path, err
	}
	path = filepath.Clean(expanded)

	cfg, err := loadConfigFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &appConfig{}, path, nil
		}
		return nil, path, err
	}
	return cfg, path, nil
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gramola", "config.yaml"), nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

func loadConfigFile(path string) (*appConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return &appConfig{}, nil
	}

	var cfg appConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}
