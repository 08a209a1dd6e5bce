// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package events

import (
	"context"

	"github.com/fulcrumtracker/fulcrumtracker/internal/config"
	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
)

// Notifier consumes cycle events and surfaces the ones an operator
// should see. Manual refreshes always notify (someone pressed the
// button and is waiting); scheduled cycles notify only when failures
// repeat past the configured threshold, so one transient portal hiccup
// at 8pm does not page anyone.
type Notifier struct {
	bus       *Bus
	cfg       config.NotifyConfig
	threshold int
}

// NewNotifier creates a notifier. threshold is the consecutive failure
// count at which scheduled failures become notifications.
func NewNotifier(bus *Bus, cfg config.NotifyConfig, threshold int) *Notifier {
	return &Notifier{bus: bus, cfg: cfg, threshold: threshold}
}

// Run consumes cycle events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	if !n.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	events, err := n.bus.SubscribeCycleEvents(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if n.ShouldNotify(ev) {
				n.notify(ev)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ShouldNotify applies the notification policy to one event.
func (n *Notifier) ShouldNotify(ev CycleEvent) bool {
	if ev.Trigger == "manual" {
		return !ev.SuppressNotify
	}
	if ev.Success {
		return !n.cfg.OnScheduledFailureOnly
	}
	return ev.ConsecutiveFailures >= n.threshold
}

// notify emits the notification. Notifications are structured log
// events; log shippers route them to whatever channel the deployment
// uses.
func (n *Notifier) notify(ev CycleEvent) {
	logger := logging.With().
		Str("event_id", ev.ID).
		Str("trigger", ev.Trigger).
		Str("phase", string(ev.Phase)).
		Int("new_sessions", ev.NewSessions).
		Int("total_sessions", ev.TotalSessions).
		Float64("duration_seconds", ev.Duration).
		Str("channel", "notification").
		Logger()

	if ev.Success {
		logger.Info().Msg("Update cycle completed")
		return
	}
	logger.Error().
		Str("error", ev.Error).
		Int("consecutive_failures", ev.ConsecutiveFailures).
		Msg("Update cycle failed")
}
