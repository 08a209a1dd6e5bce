// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package config loads and validates Fulcrum Tracker configuration.
//
// Configuration is resolved in three layers, each overriding the last:
// struct defaults, a YAML config file, and FULCRUM_* environment
// variables. See LoadWithKoanf for the environment variable mapping.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration for the tracker service.
type Config struct {
	ZenPlanner ZenPlannerConfig `koanf:"zenplanner"`
	Calendar   CalendarConfig   `koanf:"calendar"`
	Tracker    TrackerConfig    `koanf:"tracker"`
	Storage    StorageConfig    `koanf:"storage"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Notify     NotifyConfig     `koanf:"notify"`
}

// ZenPlannerConfig holds ZenPlanner portal credentials and endpoints.
type ZenPlannerConfig struct {
	// BaseURL is the gym's ZenPlanner site root.
	BaseURL string `koanf:"base_url"`

	// Email and Password authenticate the member login form.
	Email    string `koanf:"email"`
	Password string `koanf:"password"`

	// PersonID is the member GUID. Leave empty to auto-detect from the
	// workout PR page after login.
	PersonID string `koanf:"person_id"`
}

// CalendarConfig holds Google Calendar access settings.
type CalendarConfig struct {
	// CalendarID is the gym class calendar queried for session events.
	CalendarID string `koanf:"calendar_id"`

	// MatrixCalendarID is the calendar carrying structured workout
	// entries (type | lifts | MEPs). Optional; tomorrow's workout is
	// skipped when empty.
	MatrixCalendarID string `koanf:"matrix_calendar_id"`

	// ServiceAccountPath points at the Google service account JSON key.
	ServiceAccountPath string `koanf:"service_account_path"`

	// SearchTerms restrict event queries; each term is searched
	// independently and results are merged.
	SearchTerms []string `koanf:"search_terms"`
}

// TrackerConfig controls the synchronization state machine.
type TrackerConfig struct {
	// StartDate is the epoch for historical loads (YYYY-MM-DD).
	StartDate string `koanf:"start_date"`

	// UpdateHour and UpdateMinute schedule the daily cycle, in Timezone.
	UpdateHour   int    `koanf:"update_hour"`
	UpdateMinute int    `koanf:"update_minute"`
	Timezone     string `koanf:"timezone"`

	// ManualRefreshCooldown is the minimum gap between manual refreshes.
	ManualRefreshCooldown time.Duration `koanf:"manual_refresh_cooldown"`

	// IncrementalLookback is how far back incremental cycles fetch.
	IncrementalLookback time.Duration `koanf:"incremental_lookback"`

	// FetchDelay is the politeness pause between month page fetches.
	FetchDelay time.Duration `koanf:"fetch_delay"`

	// MaxConsecutiveFailures triggers an alert event when reached.
	MaxConsecutiveFailures int `koanf:"max_consecutive_failures"`
}

// StorageConfig holds the durable state store settings.
type StorageConfig struct {
	// Path is the Badger database directory.
	Path string `koanf:"path"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Timeout bounds request read/write on the API server.
	Timeout time.Duration `koanf:"timeout"`

	// RateLimit is requests per minute per client IP. 0 disables.
	RateLimit int `koanf:"rate_limit"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// NotifyConfig controls cycle completion notifications.
type NotifyConfig struct {
	// Enabled turns the notifier service on.
	Enabled bool `koanf:"enabled"`

	// OnScheduledFailureOnly suppresses scheduled-cycle notifications
	// unless the failure streak reaches the tracker threshold. Manual
	// refreshes always notify.
	OnScheduledFailureOnly bool `koanf:"on_scheduled_failure_only"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		ZenPlanner: ZenPlannerConfig{
			BaseURL: "https://fulcrum.sites.zenplanner.com",
		},
		Calendar: CalendarConfig{
			SearchTerms: []string{"Small Group Personal Training", "Fulcrum"},
		},
		Tracker: TrackerConfig{
			StartDate:              "2021-11-01",
			UpdateHour:             20,
			UpdateMinute:           0,
			Timezone:               "America/Los_Angeles",
			ManualRefreshCooldown:  30 * time.Minute,
			IncrementalLookback:    48 * time.Hour,
			FetchDelay:             2 * time.Second,
			MaxConsecutiveFailures: 3,
		},
		Storage: StorageConfig{
			Path: "/var/lib/fulcrumtracker",
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8723,
			Timeout:     30 * time.Second,
			RateLimit:   120,
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Notify: NotifyConfig{
			Enabled:                true,
			OnScheduledFailureOnly: true,
		},
	}
}

// Validate checks the configuration for errors that would prevent the
// service from operating.
func (c *Config) Validate() error {
	if c.ZenPlanner.BaseURL == "" {
		return fmt.Errorf("zenplanner.base_url is required")
	}
	u, err := url.Parse(c.ZenPlanner.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("zenplanner.base_url %q is not a valid URL", c.ZenPlanner.BaseURL)
	}
	if c.ZenPlanner.Email == "" {
		return fmt.Errorf("zenplanner.email is required")
	}
	if c.ZenPlanner.Password == "" {
		return fmt.Errorf("zenplanner.password is required")
	}

	if c.Calendar.CalendarID == "" {
		return fmt.Errorf("calendar.calendar_id is required")
	}
	if c.Calendar.ServiceAccountPath == "" {
		return fmt.Errorf("calendar.service_account_path is required")
	}
	if len(c.Calendar.SearchTerms) == 0 {
		return fmt.Errorf("calendar.search_terms must list at least one term")
	}

	if _, err := time.Parse("2006-01-02", c.Tracker.StartDate); err != nil {
		return fmt.Errorf("tracker.start_date %q must be YYYY-MM-DD: %w", c.Tracker.StartDate, err)
	}
	if c.Tracker.UpdateHour < 0 || c.Tracker.UpdateHour > 23 {
		return fmt.Errorf("tracker.update_hour must be 0-23, got %d", c.Tracker.UpdateHour)
	}
	if c.Tracker.UpdateMinute < 0 || c.Tracker.UpdateMinute > 59 {
		return fmt.Errorf("tracker.update_minute must be 0-59, got %d", c.Tracker.UpdateMinute)
	}
	if _, err := time.LoadLocation(c.Tracker.Timezone); err != nil {
		return fmt.Errorf("tracker.timezone %q is not a valid IANA zone: %w", c.Tracker.Timezone, err)
	}
	if c.Tracker.ManualRefreshCooldown < 0 {
		return fmt.Errorf("tracker.manual_refresh_cooldown must not be negative")
	}
	if c.Tracker.IncrementalLookback <= 0 {
		return fmt.Errorf("tracker.incremental_lookback must be positive")
	}
	if c.Tracker.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("tracker.max_consecutive_failures must be at least 1")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}
