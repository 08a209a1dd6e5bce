// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package sync

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/metrics"
)

// CalendarBreaker wraps the Google Calendar client with a circuit
// breaker so a flapping Google API cannot stall every cycle on timeouts.
// The breaker uses real time for its recovery windows; tests exercise
// the wrapped client directly.
type CalendarBreaker struct {
	client *GoogleCalendarClient
	cb     *gobreaker.CircuitBreaker[[]CalendarEvent]
	name   string
}

// NewCalendarBreaker wraps a calendar client. The circuit opens at a
// 60% failure rate over at least 10 requests and probes recovery after
// two minutes.
func NewCalendarBreaker(client *GoogleCalendarClient) *CalendarBreaker {
	cbName := "gcal"
	metrics.BreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[[]CalendarEvent](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("Circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateFloat(to))
		},
	})

	return &CalendarBreaker{client: client, cb: cb, name: cbName}
}

// FetchEvents lists events through the breaker.
func (b *CalendarBreaker) FetchEvents(ctx context.Context, calendarID string, from, to time.Time, searchTerms []string) ([]CalendarEvent, error) {
	events, err := b.cb.Execute(func() ([]CalendarEvent, error) {
		return b.client.FetchEvents(ctx, calendarID, from, to, searchTerms)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Msg("Calendar request rejected by circuit breaker")
		}
		return nil, err
	}
	return events, nil
}

func breakerStateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
