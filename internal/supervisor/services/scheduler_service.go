// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package services

import (
	"context"
	"errors"
	"time"

	"github.com/fulcrumtracker/fulcrumtracker/internal/coordinator"
	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
)

// CycleRunner is the coordinator surface the scheduler uses.
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger string) error
}

// startupDelay gives the rest of the tree time to come up before the
// first cycle hits the upstream services.
const startupDelay = 30 * time.Second

// SchedulerService runs one update cycle per day at the configured
// local time, plus one shortly after startup so a fresh install does
// not wait a day for its first data.
type SchedulerService struct {
	runner CycleRunner
	hour   int
	minute int
	loc    *time.Location

	initialDelay time.Duration
	now          func() time.Time
	name         string
}

// NewSchedulerService creates the daily scheduler. hour and minute are
// interpreted in loc.
func NewSchedulerService(runner CycleRunner, hour, minute int, loc *time.Location) *SchedulerService {
	if loc == nil {
		loc = time.UTC
	}
	return &SchedulerService{
		runner:       runner,
		hour:         hour,
		minute:       minute,
		loc:          loc,
		initialDelay: startupDelay,
		now:          time.Now,
		name:         "update-scheduler",
	}
}

// Serve implements suture.Service. A failed cycle is logged and the
// schedule continues; returning the error would make suture restart a
// service that is perfectly healthy.
func (s *SchedulerService) Serve(ctx context.Context) error {
	if s.initialDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.initialDelay):
		}
	}
	s.run(ctx)

	for {
		next := nextRunAfter(s.now().In(s.loc), s.hour, s.minute)
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.run(ctx)
		}
	}
}

func (s *SchedulerService) run(ctx context.Context) {
	err := s.runner.RunCycle(ctx, "scheduled")
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrCycleInProgress):
		logging.Warn().Msg("Scheduled cycle skipped, another cycle is running")
	default:
		logging.Err(err).Msg("Scheduled cycle failed")
	}
}

// nextRunAfter returns the next hour:minute occurrence strictly after
// now, in now's location.
func nextRunAfter(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// String implements fmt.Stringer for suture's log messages.
func (s *SchedulerService) String() string {
	return s.name
}
