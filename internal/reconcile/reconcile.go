// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package reconcile merges session data from the attendance portal and
// the class calendar into consistent totals and per-trainer statistics.
// All counts and orderings are deterministic: the same inputs in any
// order produce the same outputs.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

// MaxSourceDivergence is the largest tolerated gap between the
// attendance total and the calendar count before a warning is logged.
const MaxSourceDivergence = 5

// DedupSessions removes duplicate session records, keeping the first
// occurrence of each date+time key after a deterministic sort. Sorting
// first makes the result independent of input order.
func DedupSessions(records []models.SessionRecord) []models.SessionRecord {
	sorted := make([]models.SessionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date < sorted[j].Date
		}
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		// Attendance records win ties so portal detail survives dedup.
		return sorted[i].Source < sorted[j].Source
	})

	seen := make(map[string]struct{}, len(sorted))
	out := make([]models.SessionRecord, 0, len(sorted))
	for _, r := range sorted {
		key := r.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// DedupPRs removes duplicate personal records by exercise+value,
// keeping the first occurrence after a deterministic sort.
func DedupPRs(records []models.PRRecord) []models.PRRecord {
	sorted := make([]models.PRRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Exercise != sorted[j].Exercise {
			return sorted[i].Exercise < sorted[j].Exercise
		}
		return sorted[i].Value < sorted[j].Value
	})

	seen := make(map[string]struct{}, len(sorted))
	out := make([]models.PRRecord, 0, len(sorted))
	for _, r := range sorted {
		key := r.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// BuildTrainerStats accumulates per-trainer statistics from session
// records. Records failing validation are counted under the "unknown"
// bucket rather than dropped, so totals stay consistent. Session
// histories are ascending by date and capped at MaxSessionHistory.
func BuildTrainerStats(records []models.SessionRecord) map[string]*models.TrainerStats {
	stats := make(map[string]*models.TrainerStats)

	for _, r := range records {
		name := strings.ToLower(strings.TrimSpace(r.Instructor))
		if !r.Valid() {
			name = "unknown"
		}

		s := stats[name]
		if s == nil {
			s = &models.TrainerStats{}
			stats[name] = s
		}
		s.TotalSessions++
		s.SessionHistory = append(s.SessionHistory, r.Date)
	}

	now := time.Now()
	for _, s := range stats {
		sort.Strings(s.SessionHistory)
		if len(s.SessionHistory) > models.MaxSessionHistory {
			s.SessionHistory = s.SessionHistory[len(s.SessionHistory)-models.MaxSessionHistory:]
		}
		if n := len(s.SessionHistory); n > 0 {
			s.FirstSession = s.SessionHistory[0]
			s.LastSession = s.SessionHistory[n-1]
		}
		s.LastUpdate = now
	}

	return stats
}

// ReconcileTotal resolves the all-time session count from the two
// sources. Counts within MaxSourceDivergence of each other are expected
// (holiday closures, unlogged drop-ins); beyond that a warning is
// logged. Either way the larger count wins: both sources only ever
// undercount.
func ReconcileTotal(attendanceTotal, calendarCount int) int {
	diff := attendanceTotal - calendarCount
	if diff < 0 {
		diff = -diff
	}
	if diff > MaxSourceDivergence {
		logging.Warn().
			Int("attendance_total", attendanceTotal).
			Int("calendar_count", calendarCount).
			Int("divergence", diff).
			Msg("Session sources diverge beyond tolerance, taking the larger count")
	}
	if calendarCount > attendanceTotal {
		return calendarCount
	}
	return attendanceTotal
}

// MonthlySessions buckets session records into YYYY-MM counts.
func MonthlySessions(records []models.SessionRecord) map[string]int {
	out := make(map[string]int)
	for _, r := range records {
		if len(r.Date) < 7 {
			continue
		}
		out[r.Date[:7]]++
	}
	return out
}

// PRsByType buckets personal records by exercise type.
func PRsByType(records []models.PRRecord) map[string]int {
	out := make(map[string]int)
	for _, r := range records {
		t := r.Type
		if t == "" {
			t = "other"
		}
		out[t]++
	}
	return out
}

// RecentPRs returns the PRs set within the last week, sorted most
// recent first.
func RecentPRs(records []models.PRRecord) []models.PRRecord {
	out := make([]models.PRRecord, 0)
	for _, r := range records {
		if r.Recent() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DaysSince < out[j].DaysSince
	})
	return out
}

// LastSession returns the most recent session date not after today, or
// empty when no sessions exist. Records are assumed deduplicated.
func LastSession(records []models.SessionRecord, today string) string {
	last := ""
	for _, r := range records {
		if r.Date > today {
			continue
		}
		if r.Date > last {
			last = r.Date
		}
	}
	return last
}
