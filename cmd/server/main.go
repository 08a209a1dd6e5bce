// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package main is the entry point for the Fulcrum Tracker server.
//
// Fulcrum Tracker aggregates gym attendance and personal records from
// the ZenPlanner member portal and Google Calendar, reconciles the two
// sources, and serves the combined view over a small REST API.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML file,
//     FULCRUM_* environment variables), then credential decryption
//  2. Storage: embedded Badger database holding the phase document
//  3. Upstream clients: ZenPlanner portal scraper and Google Calendar
//     (wrapped in a circuit breaker)
//  4. Event bus: Watermill in-process pub/sub for cycle events
//  5. Coordinator: the update-cycle orchestrator
//  6. Supervisor tree: scheduler, notifier, and HTTP server under
//     suture supervision
//
// # Configuration
//
// See config.yaml for the full surface. The essentials:
//
//	export FULCRUM_ZENPLANNER_EMAIL=member@example.com
//	export FULCRUM_ZENPLANNER_PASSWORD=...
//	export FULCRUM_CALENDAR_SERVICE_ACCOUNT_PATH=/etc/fulcrumtracker/sa.json
//	export FULCRUM_CALENDAR_CALENDAR_ID=...
//	./fulcrumtracker
//
// Portal credentials may be stored encrypted (enc: prefix) and are
// decrypted at startup with FULCRUM_CREDENTIAL_SECRET.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server stops
// accepting connections, in-flight requests get 10 seconds to finish,
// and the store is flushed and closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulcrumtracker/fulcrumtracker/internal/api"
	"github.com/fulcrumtracker/fulcrumtracker/internal/config"
	"github.com/fulcrumtracker/fulcrumtracker/internal/coordinator"
	"github.com/fulcrumtracker/fulcrumtracker/internal/events"
	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/phase"
	"github.com/fulcrumtracker/fulcrumtracker/internal/storage"
	"github.com/fulcrumtracker/fulcrumtracker/internal/supervisor"
	"github.com/fulcrumtracker/fulcrumtracker/internal/supervisor/services"
	upstream "github.com/fulcrumtracker/fulcrumtracker/internal/sync"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Str("version", version).Msg("Starting Fulcrum Tracker")

	// Decrypt portal credentials if an encryption secret is configured.
	enc, err := config.NewCredentialEncryptorFromEnv()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize credential encryption")
	}
	if err := cfg.DecryptCredentials(enc); err != nil {
		logging.Fatal().Err(err).Msg("Failed to decrypt portal credentials")
	}

	logging.Info().
		Str("portal", cfg.ZenPlanner.BaseURL).
		Str("email", config.MaskCredential(cfg.ZenPlanner.Email)).
		Str("storage", cfg.Storage.Path).
		Str("start_date", cfg.Tracker.StartDate).
		Msg("Configuration loaded")

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Err(err).Msg("Error closing storage")
		}
	}()

	doc, err := store.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load phase document")
	}
	mgr := phase.NewManager(doc, store)
	logging.Info().
		Str("phase", string(mgr.Current())).
		Int("total_sessions", doc.TotalSessions).
		Msg("Phase document loaded")

	zen, err := upstream.NewZenPlannerClient(&cfg.ZenPlanner, cfg.Tracker.FetchDelay)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create portal client")
	}
	defer zen.Close()

	gcal, err := upstream.NewGoogleCalendarClient(cfg.Calendar.ServiceAccountPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create calendar client")
	}
	breaker := upstream.NewCalendarBreaker(gcal)

	bus := events.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Err(err).Msg("Error closing event bus")
		}
	}()

	coord := coordinator.New(cfg, mgr, zen, breaker, store, bus)

	loc, err := time.LoadLocation(cfg.Tracker.Timezone)
	if err != nil {
		logging.Fatal().Err(err).Str("timezone", cfg.Tracker.Timezone).Msg("Invalid timezone")
	}

	handler := api.NewHandler(coord, store.Health, version)
	router := api.NewRouter(handler, api.NewMiddleware(&api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		RateLimitRequests:  cfg.Server.RateLimit,
		RateLimitWindow:    time.Minute,
	}))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	notifier := events.NewNotifier(bus, cfg.Notify, cfg.Tracker.MaxConsecutiveFailures)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddCollectorService(services.NewSchedulerService(coord, cfg.Tracker.UpdateHour, cfg.Tracker.UpdateMinute, loc))
	tree.AddCollectorService(services.NewNotifierService(notifier))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	logging.Info().
		Str("addr", server.Addr).
		Int("update_hour", cfg.Tracker.UpdateHour).
		Str("timezone", cfg.Tracker.Timezone).
		Msg("Supervisor tree assembled")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutting down, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the error channel until the supervisor has fully stopped.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Fulcrum Tracker stopped")
}
