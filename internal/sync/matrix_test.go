// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package sync

import (
	"testing"
	"time"
)

func TestParseWorkoutSummary(t *testing.T) {
	tests := []struct {
		name    string
		summary string
		want    *struct{ typ, lifts, meps string }
	}{
		{
			name:    "full workout entry",
			summary: "Strength | SGT - Back Squat, Bench | MEPs - 35",
			want:    &struct{ typ, lifts, meps string }{"Strength", "Back Squat, Bench", "35"},
		},
		{
			name:    "no SGT prefix on lifts",
			summary: "Conditioning | Row intervals | MEPs - 50",
			want:    &struct{ typ, lifts, meps string }{"Conditioning", "Row intervals", "50"},
		},
		{
			name:    "plain scheduling event",
			summary: "Small Group Personal Training",
		},
		{
			name:    "pipes but no MEPs marker",
			summary: "A | B | C",
		},
		{
			name:    "wrong part count",
			summary: "Strength | MEPs - 35",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseWorkoutSummary(tt.summary)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected workout, got nil")
			}
			if got.Type != tt.want.typ || got.Lifts != tt.want.lifts || got.MEPs != tt.want.meps {
				t.Errorf("parsed = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTomorrowWorkout(t *testing.T) {
	now := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)

	events := []CalendarEvent{
		// Today's workout is not "tomorrow".
		{Summary: "Strength | SGT - Deadlift | MEPs - 40", Start: now},
		// Tomorrow's non-workout event is skipped.
		{Summary: "Gym social", Start: now.AddDate(0, 0, 1)},
		// Tomorrow's workout entry.
		{Summary: "Hybrid | SGT - Clean Complex | MEPs - 45", Start: now.AddDate(0, 0, 1)},
	}

	w := TomorrowWorkout(events, now)
	if w == nil {
		t.Fatal("expected workout")
	}
	if w.Type != "Hybrid" || w.Lifts != "Clean Complex" || w.MEPs != "45" {
		t.Errorf("workout = %+v", w)
	}
	if w.Date != "2024-03-16" {
		t.Errorf("date = %s", w.Date)
	}
}

func TestTomorrowWorkoutNone(t *testing.T) {
	now := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	events := []CalendarEvent{
		{Summary: "Strength | SGT - Deadlift | MEPs - 40", Start: now.AddDate(0, 0, 3)},
	}
	if w := TomorrowWorkout(events, now); w != nil {
		t.Errorf("expected nil, got %+v", w)
	}
}
