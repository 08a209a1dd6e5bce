// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/fulcrumtracker/fulcrumtracker/internal/coordinator"
	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

// Tracker is the coordinator surface the handlers use.
type Tracker interface {
	Summary() models.Aggregate
	PhaseDocument() *models.PhaseDocument
	ManualRefreshNotify(ctx context.Context, force, notify bool) error
	InFlight() bool
	CooldownRemaining() time.Duration
}

// Handler serves the tracker API.
type Handler struct {
	tracker Tracker

	// readyCheck reports whether downstream dependencies (storage) are
	// usable. Nil means always ready.
	readyCheck func() error

	version string
}

// NewHandler creates the API handler.
func NewHandler(tracker Tracker, readyCheck func() error, version string) *Handler {
	return &Handler{
		tracker:    tracker,
		readyCheck: readyCheck,
		version:    version,
	}
}

// Health reports overall service health: version, phase, and whether
// the last refresh succeeded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.readyCheck != nil {
		if err := h.readyCheck(); err != nil {
			rw.ServiceUnavailable("unhealthy: " + err.Error())
			return
		}
	}
	stats := h.tracker.Summary().CollectionStats
	rw.Success(map[string]interface{}{
		"status":               "ok",
		"version":              h.version,
		"phase":                stats.CurrentPhase,
		"refresh_in_progress":  stats.RefreshInProgress,
		"last_refresh_success": stats.RefreshSuccess,
		"consecutive_failures": stats.ConsecutiveFailures,
	})
}

// HealthLive is the liveness probe: the process is up.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{
		"status":  "alive",
		"version": h.version,
	})
}

// HealthReady is the readiness probe: storage is usable and the tracker
// is constructed.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.readyCheck != nil {
		if err := h.readyCheck(); err != nil {
			logging.Err(err).Msg("Readiness check failed")
			rw.ServiceUnavailable("not ready: " + err.Error())
			return
		}
	}
	rw.Success(map[string]string{
		"status": "ready",
		"phase":  string(h.tracker.PhaseDocument().InitializationPhase),
	})
}

// Summary returns the aggregated attendance and PR snapshot.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.tracker.Summary())
}

// Phase returns the durable state machine document, including the
// transition history.
func (h *Handler) Phase(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.tracker.PhaseDocument())
}

// Trainers returns the per-trainer session breakdown.
func (h *Handler) Trainers(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.tracker.Summary().TrainerSessions)
}

// RefreshRequest is the POST /refresh body.
type RefreshRequest struct {
	// Force skips the manual refresh cooldown.
	Force bool `json:"force"`

	// Notify controls the completion notification for this cycle.
	// Defaults to true when omitted.
	Notify *bool `json:"notify,omitempty"`
}

// Refresh starts a manual full rebuild. By default the cycle runs in
// the background and the response reports that it started; ?wait=true
// runs it synchronously. Returns 409 when a cycle is already running
// and 429 while the cooldown is active.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RefreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			rw.BadRequest("invalid request body: " + err.Error())
			return
		}
	}

	notify := true
	if req.Notify != nil {
		notify = *req.Notify
	}

	if r.URL.Query().Get("wait") == "true" {
		if err := h.tracker.ManualRefreshNotify(r.Context(), req.Force, notify); err != nil {
			rw.Error(refreshErrorStatus(err), refreshErrorCode(err), err.Error())
			return
		}
		rw.Success(map[string]interface{}{
			"status": "refresh complete",
			"force":  req.Force,
		})
		return
	}

	// Advisory pre-checks so the caller gets a specific status. The
	// coordinator re-checks both atomically before doing any work.
	if h.tracker.InFlight() {
		rw.Conflict("an update cycle is already running")
		return
	}
	if !req.Force {
		if remaining := h.tracker.CooldownRemaining(); remaining > 0 {
			rw.TooManyRequests("manual refresh cooldown active", map[string]interface{}{
				"retry_after_seconds": int(remaining.Round(time.Second).Seconds()),
			})
			return
		}
	}

	go func() {
		if err := h.tracker.ManualRefreshNotify(context.Background(), req.Force, notify); err != nil {
			logging.Err(err).Bool("force", req.Force).Msg("Manual refresh failed")
		}
	}()

	rw.Accepted(map[string]interface{}{
		"status": "refresh started",
		"force":  req.Force,
	})
}

func refreshErrorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrCycleInProgress):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrCooldown):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func refreshErrorCode(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrCycleInProgress):
		return ErrCodeConflict
	case errors.Is(err, coordinator.ErrCooldown):
		return ErrCodeTooManyRequests
	default:
		return ErrCodeInternalError
	}
}
