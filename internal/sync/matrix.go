// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package sync

import (
	"strings"
	"time"

	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

// TomorrowWorkout extracts tomorrow's structured workout from Matrix
// calendar events. Matrix entries encode the workout in the event
// summary as "type | lifts | MEPs". Returns nil when tomorrow has no
// matching event: the field is informational and absence is normal.
func TomorrowWorkout(events []CalendarEvent, now time.Time) *models.Workout {
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")

	for _, ev := range events {
		if ev.Start.Format("2006-01-02") != tomorrow {
			continue
		}
		w := parseWorkoutSummary(ev.Summary)
		if w == nil {
			continue
		}
		w.Date = tomorrow
		return w
	}
	return nil
}

// parseWorkoutSummary parses a Matrix workout summary. Only summaries
// with both a '|' separator and a MEPs part are workout entries; the
// calendar also carries plain scheduling events.
func parseWorkoutSummary(summary string) *models.Workout {
	if !strings.Contains(summary, "|") || !strings.Contains(summary, "MEPs") {
		return nil
	}

	parts := strings.Split(summary, "|")
	if len(parts) != 3 {
		return nil
	}

	workoutType := strings.TrimSpace(parts[0])

	lifts := strings.TrimSpace(parts[1])
	lifts = strings.TrimSpace(strings.TrimPrefix(lifts, "SGT -"))

	meps := strings.TrimSpace(parts[2])
	meps = strings.TrimSpace(strings.TrimPrefix(meps, "MEPs -"))

	if workoutType == "" {
		return nil
	}

	return &models.Workout{
		Type:       workoutType,
		Lifts:      lifts,
		MEPs:       meps,
		RawSummary: summary,
	}
}
