// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package reconcile

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

func session(date, tm, instructor, source string) models.SessionRecord {
	return models.SessionRecord{Date: date, Time: tm, Instructor: instructor, Source: source}
}

func TestDedupSessions(t *testing.T) {
	records := []models.SessionRecord{
		session("2024-03-15", "09:00", "cate", models.SourceCalendar),
		session("2024-03-15", "09:00", "cate", models.SourceAttendance),
		session("2024-03-15", "17:30", "shane", models.SourceAttendance),
		session("2024-03-14", "09:00", "cate", models.SourceAttendance),
	}

	out := DedupSessions(records)
	if len(out) != 3 {
		t.Fatalf("deduped length = %d, want 3", len(out))
	}
	// Output is sorted by date then time.
	if out[0].Date != "2024-03-14" || out[2].Time != "17:30" {
		t.Errorf("unexpected order: %+v", out)
	}
	// Attendance record wins the duplicate slot.
	if out[1].Source != models.SourceAttendance {
		t.Errorf("duplicate survivor source = %s, want attendance", out[1].Source)
	}
}

func TestDedupSessionsOrderIndependent(t *testing.T) {
	records := []models.SessionRecord{
		session("2024-01-05", "09:00", "cate", models.SourceAttendance),
		session("2024-01-05", "09:00", "cate", models.SourceCalendar),
		session("2024-02-10", "17:30", "shane", models.SourceCalendar),
		session("2024-02-10", "06:00", "eric", models.SourceAttendance),
		session("2024-03-01", "09:00", "unknown", models.SourceCalendar),
	}

	want := DedupSessions(records)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]models.SessionRecord, len(records))
		copy(shuffled, records)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got := DedupSessions(shuffled)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("shuffle %d changed result:\ngot  %+v\nwant %+v", i, got, want)
		}
	}
}

func TestDedupPRs(t *testing.T) {
	records := []models.PRRecord{
		{Exercise: "back squat", Value: "225", DaysSince: 3},
		{Exercise: "back squat", Value: "225", DaysSince: 3},
		{Exercise: "back squat", Value: "235", DaysSince: 1},
		{Exercise: "deadlift", Value: "315", DaysSince: 30},
	}

	out := DedupPRs(records)
	if len(out) != 3 {
		t.Fatalf("deduped length = %d, want 3", len(out))
	}
}

func TestBuildTrainerStats(t *testing.T) {
	records := []models.SessionRecord{
		session("2024-03-15", "09:00", "cate", models.SourceAttendance),
		session("2024-03-08", "09:00", "Cate", models.SourceAttendance),
		session("2024-03-01", "09:00", "cate", models.SourceAttendance),
		session("2024-03-10", "17:30", "shane", models.SourceAttendance),
		// Invalid records land in the unknown bucket.
		session("2024-03-12", "unknown", "cate", models.SourceCalendar),
		session("2024-03-13", "09:00", "bob", models.SourceCalendar),
	}

	stats := BuildTrainerStats(records)

	cate := stats["cate"]
	if cate == nil || cate.TotalSessions != 3 {
		t.Fatalf("cate stats = %+v, want 3 sessions", cate)
	}
	if cate.FirstSession != "2024-03-01" || cate.LastSession != "2024-03-15" {
		t.Errorf("cate first/last = %s/%s", cate.FirstSession, cate.LastSession)
	}
	// History is ascending.
	if !sortedAscending(cate.SessionHistory) {
		t.Errorf("history not ascending: %v", cate.SessionHistory)
	}
	if cate.LastUpdate.IsZero() {
		t.Error("last_update not stamped")
	}

	if stats["shane"].TotalSessions != 1 {
		t.Errorf("shane sessions = %d", stats["shane"].TotalSessions)
	}
	if stats["unknown"] == nil || stats["unknown"].TotalSessions != 2 {
		t.Errorf("unknown bucket = %+v, want 2", stats["unknown"])
	}
}

func TestBuildTrainerStatsHistoryCap(t *testing.T) {
	var records []models.SessionRecord
	for i := 0; i < models.MaxSessionHistory+30; i++ {
		// Dates ascend with the loop counter.
		date := "2023-01-01"
		if i >= 100 {
			date = "2024-01-01"
		}
		records = append(records, session(date, "09:00", "cate", models.SourceAttendance))
	}

	stats := BuildTrainerStats(records)
	cate := stats["cate"]
	if len(cate.SessionHistory) != models.MaxSessionHistory {
		t.Errorf("history length = %d, want %d", len(cate.SessionHistory), models.MaxSessionHistory)
	}
	// The newest entries survive trimming.
	if cate.SessionHistory[len(cate.SessionHistory)-1] != "2024-01-01" {
		t.Errorf("newest entry lost: %s", cate.SessionHistory[len(cate.SessionHistory)-1])
	}
	if cate.TotalSessions != models.MaxSessionHistory+30 {
		t.Errorf("total = %d, cap must not affect the count", cate.TotalSessions)
	}
}

func TestReconcileTotal(t *testing.T) {
	tests := []struct {
		name       string
		attendance int
		calendar   int
		want       int
	}{
		{"sources agree", 100, 100, 100},
		{"small divergence takes max", 100, 103, 103},
		{"divergence at tolerance", 100, 105, 105},
		{"large divergence still takes max", 100, 150, 150},
		{"attendance ahead", 150, 100, 150},
		{"both zero", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReconcileTotal(tt.attendance, tt.calendar); got != tt.want {
				t.Errorf("ReconcileTotal(%d, %d) = %d, want %d", tt.attendance, tt.calendar, got, tt.want)
			}
		})
	}
}

func TestMonthlySessions(t *testing.T) {
	records := []models.SessionRecord{
		session("2024-03-15", "09:00", "cate", models.SourceAttendance),
		session("2024-03-01", "09:00", "cate", models.SourceAttendance),
		session("2024-02-10", "09:00", "shane", models.SourceAttendance),
	}

	got := MonthlySessions(records)
	if got["2024-03"] != 2 || got["2024-02"] != 1 {
		t.Errorf("monthly buckets = %v", got)
	}
}

func TestRecentPRs(t *testing.T) {
	records := []models.PRRecord{
		{Exercise: "deadlift", DaysSince: 30},
		{Exercise: "back squat", DaysSince: 2},
		{Exercise: "bench", DaysSince: 7},
		{Exercise: "press", DaysSince: -1},
	}

	got := RecentPRs(records)
	if len(got) != 2 {
		t.Fatalf("recent count = %d, want 2", len(got))
	}
	if got[0].Exercise != "back squat" {
		t.Errorf("most recent first: %+v", got)
	}
}

func TestPRsByType(t *testing.T) {
	records := []models.PRRecord{
		{Exercise: "back squat", Type: "squat"},
		{Exercise: "front squat", Type: "squat"},
		{Exercise: "mystery lift"},
	}

	got := PRsByType(records)
	if got["squat"] != 2 || got["other"] != 1 {
		t.Errorf("type buckets = %v", got)
	}
}

func TestLastSession(t *testing.T) {
	records := []models.SessionRecord{
		session("2024-03-10", "09:00", "cate", models.SourceAttendance),
		session("2024-03-15", "09:00", "cate", models.SourceAttendance),
		session("2024-03-20", "09:00", "cate", models.SourceCalendar), // future booking
	}

	if got := LastSession(records, "2024-03-16"); got != "2024-03-15" {
		t.Errorf("LastSession = %s, want 2024-03-15", got)
	}
	if got := LastSession(nil, "2024-03-16"); got != "" {
		t.Errorf("LastSession on empty = %q", got)
	}
}

func sortedAscending(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] < s[i-1] {
			return false
		}
	}
	return true
}
