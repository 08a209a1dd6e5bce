// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// newValidConfig returns a config that passes validation, for tests to
// mutate one field at a time.
func newValidConfig() *Config {
	cfg := DefaultConfig()
	cfg.ZenPlanner.Email = "member@example.com"
	cfg.ZenPlanner.Password = "hunter2"
	cfg.Calendar.CalendarID = "gym@group.calendar.google.com"
	cfg.Calendar.ServiceAccountPath = "/etc/fulcrumtracker/sa.json"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ZenPlanner.BaseURL != "https://fulcrum.sites.zenplanner.com" {
		t.Errorf("unexpected default base URL: %s", cfg.ZenPlanner.BaseURL)
	}
	if cfg.Tracker.StartDate != "2021-11-01" {
		t.Errorf("unexpected default start date: %s", cfg.Tracker.StartDate)
	}
	if cfg.Tracker.ManualRefreshCooldown != 30*time.Minute {
		t.Errorf("unexpected default cooldown: %s", cfg.Tracker.ManualRefreshCooldown)
	}
	if cfg.Server.Port != 8723 {
		t.Errorf("unexpected default port: %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) { c.ZenPlanner.BaseURL = "" },
			wantErr: "zenplanner.base_url",
		},
		{
			name:    "malformed base URL",
			mutate:  func(c *Config) { c.ZenPlanner.BaseURL = "not a url" },
			wantErr: "not a valid URL",
		},
		{
			name:    "missing email",
			mutate:  func(c *Config) { c.ZenPlanner.Email = "" },
			wantErr: "zenplanner.email",
		},
		{
			name:    "missing password",
			mutate:  func(c *Config) { c.ZenPlanner.Password = "" },
			wantErr: "zenplanner.password",
		},
		{
			name:    "missing calendar ID",
			mutate:  func(c *Config) { c.Calendar.CalendarID = "" },
			wantErr: "calendar.calendar_id",
		},
		{
			name:    "no search terms",
			mutate:  func(c *Config) { c.Calendar.SearchTerms = nil },
			wantErr: "search_terms",
		},
		{
			name:    "bad start date",
			mutate:  func(c *Config) { c.Tracker.StartDate = "11/01/2021" },
			wantErr: "start_date",
		},
		{
			name:    "update hour out of range",
			mutate:  func(c *Config) { c.Tracker.UpdateHour = 24 },
			wantErr: "update_hour",
		},
		{
			name:    "update minute out of range",
			mutate:  func(c *Config) { c.Tracker.UpdateMinute = -1 },
			wantErr: "update_minute",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Tracker.Timezone = "Mars/Olympus_Mons" },
			wantErr: "timezone",
		},
		{
			name:    "negative cooldown",
			mutate:  func(c *Config) { c.Tracker.ManualRefreshCooldown = -time.Minute },
			wantErr: "manual_refresh_cooldown",
		},
		{
			name:    "zero lookback",
			mutate:  func(c *Config) { c.Tracker.IncrementalLookback = 0 },
			wantErr: "incremental_lookback",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *Config) { c.Tracker.MaxConsecutiveFailures = 0 },
			wantErr: "max_consecutive_failures",
		},
		{
			name:    "missing storage path",
			mutate:  func(c *Config) { c.Storage.Path = "" },
			wantErr: "storage.path",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"FULCRUM_ZENPLANNER_EMAIL", "zenplanner.email"},
		{"FULCRUM_TRACKER_TIMEZONE", "tracker.timezone"},
		{"FULCRUM_SERVER_PORT", "server.port"},
		{"FULCRUM_CALENDAR_SEARCH_TERMS", "calendar.search_terms"},
		{"FULCRUM_CREDENTIAL_SECRET", ""},
		{"PATH", ""},
		{"HOME", ""},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.env); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestLoadWithKoanfEnvOverride(t *testing.T) {
	t.Setenv("FULCRUM_ZENPLANNER_EMAIL", "env@example.com")
	t.Setenv("FULCRUM_ZENPLANNER_PASSWORD", "env-password")
	t.Setenv("FULCRUM_CALENDAR_ID", "env-cal@group.calendar.google.com")
	t.Setenv("FULCRUM_SERVICE_ACCOUNT_PATH", "/tmp/sa.json")
	t.Setenv("FULCRUM_SERVER_PORT", "9001")
	t.Setenv("FULCRUM_CALENDAR_SEARCH_TERMS", "Fulcrum, Small Group")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf failed: %v", err)
	}

	if cfg.ZenPlanner.Email != "env@example.com" {
		t.Errorf("email not overridden: %s", cfg.ZenPlanner.Email)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port not overridden: %d", cfg.Server.Port)
	}
	if len(cfg.Calendar.SearchTerms) != 2 || cfg.Calendar.SearchTerms[0] != "Fulcrum" {
		t.Errorf("search terms not split: %v", cfg.Calendar.SearchTerms)
	}
	// Defaults survive where no override exists.
	if cfg.Tracker.StartDate != "2021-11-01" {
		t.Errorf("default start date lost: %s", cfg.Tracker.StartDate)
	}
}

func TestCredentialEncryptorRoundTrip(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-master-secret")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor failed: %v", err)
	}

	ciphertext, err := enc.Encrypt("portal-password")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ciphertext == "portal-password" {
		t.Fatal("ciphertext equals plaintext")
	}

	plaintext, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plaintext != "portal-password" {
		t.Errorf("round trip mismatch: %s", plaintext)
	}
}

func TestCredentialEncryptorErrors(t *testing.T) {
	if _, err := NewCredentialEncryptor(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}

	enc, err := NewCredentialEncryptor("secret")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor failed: %v", err)
	}

	if _, err := enc.Encrypt(""); !errors.Is(err, ErrEmptyPlaintext) {
		t.Errorf("expected ErrEmptyPlaintext, got %v", err)
	}
	if _, err := enc.Decrypt(""); !errors.Is(err, ErrEmptyCiphertext) {
		t.Errorf("expected ErrEmptyCiphertext, got %v", err)
	}
	if _, err := enc.Decrypt("!!!not-base64!!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := enc.Decrypt("AAAA"); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("expected ErrCiphertextTooShort, got %v", err)
	}

	// Tampered ciphertext fails authentication.
	ciphertext, err := enc.Encrypt("data")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	other, err := NewCredentialEncryptor("different-secret")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor failed: %v", err)
	}
	if _, err := other.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptCredentials(t *testing.T) {
	enc, err := NewCredentialEncryptor("secret")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor failed: %v", err)
	}

	ciphertext, err := enc.Encrypt("real-password")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	cfg := newValidConfig()
	cfg.ZenPlanner.Password = "enc:" + ciphertext

	if err := cfg.DecryptCredentials(enc); err != nil {
		t.Fatalf("DecryptCredentials failed: %v", err)
	}
	if cfg.ZenPlanner.Password != "real-password" {
		t.Errorf("password not decrypted: %s", cfg.ZenPlanner.Password)
	}

	// Plaintext values pass through untouched.
	cfg2 := newValidConfig()
	if err := cfg2.DecryptCredentials(nil); err != nil {
		t.Fatalf("DecryptCredentials on plaintext failed: %v", err)
	}
	if cfg2.ZenPlanner.Password != "hunter2" {
		t.Errorf("plaintext password mutated: %s", cfg2.ZenPlanner.Password)
	}

	// Ciphertext without a secret is an error.
	cfg3 := newValidConfig()
	cfg3.ZenPlanner.Password = "enc:" + ciphertext
	if err := cfg3.DecryptCredentials(nil); err == nil {
		t.Fatal("expected error for encrypted credential without secret")
	}
}

func TestMaskCredential(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"secret-token", "****...oken"},
	}
	for _, tt := range tests {
		if got := MaskCredential(tt.in); got != tt.want {
			t.Errorf("MaskCredential(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
