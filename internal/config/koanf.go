// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fulcrumtracker/config.yaml",
	"/etc/fulcrumtracker/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "FULCRUM_CONFIG_PATH"

// LoadWithKoanf loads configuration with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
//
// Precedence is ENV > file > defaults.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	defaults := DefaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string if none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when supplied through environment variables.
var sliceConfigPaths = []string{
	"calendar.search_terms",
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars arrive as strings while the config struct
// expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file): skip.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps FULCRUM_* environment variable names to koanf
// config paths. Unmapped variables are ignored so unrelated environment
// noise cannot leak into the configuration.
//
// Examples:
//   - FULCRUM_ZENPLANNER_EMAIL  -> zenplanner.email
//   - FULCRUM_TRACKER_TIMEZONE  -> tracker.timezone
//   - FULCRUM_SERVER_PORT       -> server.port
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"fulcrum_zenplanner_base_url":  "zenplanner.base_url",
		"fulcrum_zenplanner_email":     "zenplanner.email",
		"fulcrum_zenplanner_password":  "zenplanner.password",
		"fulcrum_zenplanner_person_id": "zenplanner.person_id",

		"fulcrum_calendar_id":           "calendar.calendar_id",
		"fulcrum_matrix_calendar_id":    "calendar.matrix_calendar_id",
		"fulcrum_service_account_path":  "calendar.service_account_path",
		"fulcrum_calendar_search_terms": "calendar.search_terms",

		"fulcrum_tracker_start_date":               "tracker.start_date",
		"fulcrum_tracker_update_hour":              "tracker.update_hour",
		"fulcrum_tracker_update_minute":            "tracker.update_minute",
		"fulcrum_tracker_timezone":                 "tracker.timezone",
		"fulcrum_tracker_manual_refresh_cooldown":  "tracker.manual_refresh_cooldown",
		"fulcrum_tracker_incremental_lookback":     "tracker.incremental_lookback",
		"fulcrum_tracker_fetch_delay":              "tracker.fetch_delay",
		"fulcrum_tracker_max_consecutive_failures": "tracker.max_consecutive_failures",

		"fulcrum_storage_path": "storage.path",

		"fulcrum_server_host":         "server.host",
		"fulcrum_server_port":         "server.port",
		"fulcrum_server_timeout":      "server.timeout",
		"fulcrum_server_rate_limit":   "server.rate_limit",
		"fulcrum_server_cors_origins": "server.cors_origins",

		"fulcrum_log_level":  "logging.level",
		"fulcrum_log_format": "logging.format",
		"fulcrum_log_caller": "logging.caller",

		"fulcrum_notify_enabled":                   "notify.enabled",
		"fulcrum_notify_on_scheduled_failure_only": "notify.on_scheduled_failure_only",

		"fulcrum_credential_secret": "", // consumed by the encryption helper, not the config tree
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Ignore unmapped environment variables.
	return ""
}
