// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package models defines the data types shared across the tracker:
// session records, personal records, trainer statistics, the durable
// phase document, and the aggregate exposed over the API.
package models

import (
	"strings"
	"time"
)

// Phase identifies the synchronization state machine phase.
type Phase string

const (
	// PhaseInit is the starting phase before any data has been loaded.
	PhaseInit Phase = "init"

	// PhaseHistoricalLoad is the full backfill from the epoch start date.
	PhaseHistoricalLoad Phase = "historical_load"

	// PhaseIncremental is steady-state operation fetching a short
	// trailing window each cycle.
	PhaseIncremental Phase = "incremental"
)

// ValidPhase reports whether p is a known phase value.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseInit, PhaseHistoricalLoad, PhaseIncremental:
		return true
	}
	return false
}

// SourceAttendance and SourceCalendar tag where a session record came from.
const (
	SourceAttendance = "attendance"
	SourceCalendar   = "calendar"
)

// Trainers lists the known instructors. "unknown" is the catch-all
// bucket for sessions whose instructor could not be determined.
var Trainers = []string{
	"ash", "cate", "charlotte", "cheryl", "curtis", "dakayla",
	"devon", "ellis", "emma", "eric", "genevieve", "reggie",
	"shane", "shelby", "sonia", "sydney", "walter", "zei",
	"unknown",
}

// KnownTrainer reports whether name (case-insensitive) is in the
// trainer roster, including the "unknown" bucket.
func KnownTrainer(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range Trainers {
		if t == name {
			return true
		}
	}
	return false
}

// SessionRecord is a single training session observed from either the
// attendance portal or the class calendar.
type SessionRecord struct {
	// Date is the session date in YYYY-MM-DD.
	Date string `json:"date"`

	// Time is the session start time in HH:MM, or "unknown" when the
	// source does not carry one.
	Time string `json:"time"`

	// Instructor is the lowercased trainer name, or "unknown".
	Instructor string `json:"instructor"`

	// Source is SourceAttendance or SourceCalendar.
	Source string `json:"source"`

	// Attended is true for attendance records marked as attended.
	Attended bool `json:"attended,omitempty"`

	// HasResults is true when the portal recorded workout results.
	HasResults bool `json:"has_results,omitempty"`

	// IsPR is true when the portal flagged a personal record that day.
	IsPR bool `json:"is_pr,omitempty"`

	// Details carries the raw tooltip or event summary, for diagnostics.
	Details string `json:"details,omitempty"`
}

// Key returns the dedup identity of a session: date plus time.
func (s SessionRecord) Key() string {
	return s.Date + "_" + s.Time
}

// Valid reports whether the record is well-formed enough to count:
// parseable date, parseable time, and a known instructor other than
// the unknown bucket.
func (s SessionRecord) Valid() bool {
	if _, err := time.Parse("2006-01-02", s.Date); err != nil {
		return false
	}
	if _, err := time.Parse("15:04", s.Time); err != nil {
		return false
	}
	if s.Instructor == "" || s.Instructor == "unknown" {
		return false
	}
	return KnownTrainer(s.Instructor)
}

// PRRecord is one exercise's personal record as scraped from the
// workout PR page.
type PRRecord struct {
	// Exercise is the normalized exercise name.
	Exercise string `json:"exercise"`

	// Type groups exercises (squat, deadlift, press, olympic, other).
	Type string `json:"type"`

	// Value is the recorded PR, as displayed (weight or reps with unit).
	Value string `json:"value"`

	// LastResult is the most recent attempt for the exercise.
	LastResult string `json:"last_result,omitempty"`

	// DaysSince is days since the PR was set. -1 when unknown.
	DaysSince int `json:"days_since"`

	// Tries is the number of recorded attempts.
	Tries int `json:"tries,omitempty"`

	// LastDate is when the exercise was last performed.
	LastDate string `json:"last_date,omitempty"`
}

// Recent reports whether the PR was set within the last week.
func (p PRRecord) Recent() bool {
	return p.DaysSince >= 0 && p.DaysSince <= 7
}

// Key returns the dedup identity of a PR: exercise plus value.
func (p PRRecord) Key() string {
	return p.Exercise + "_" + p.Value
}

// TrainerStats accumulates per-trainer session counts and a bounded
// history of the most recent sessions.
type TrainerStats struct {
	TotalSessions int `json:"total_sessions"`

	// SessionHistory holds up to MaxSessionHistory session dates in
	// ascending order; older entries are dropped first.
	SessionHistory []string `json:"session_history,omitempty"`

	LastSession  string `json:"last_session,omitempty"`
	FirstSession string `json:"first_session,omitempty"`

	// LastUpdate is when this trainer's counters last changed.
	LastUpdate time.Time `json:"last_update,omitempty"`
}

// MaxSessionHistory bounds TrainerStats.SessionHistory.
const MaxSessionHistory = 100

// MaxPhaseHistory bounds PhaseDocument.PhaseHistory.
const MaxPhaseHistory = 10

// MaxRecentSessionKeys bounds PhaseDocument.RecentSessionKeys. It only
// needs to cover a few incremental lookback windows.
const MaxRecentSessionKeys = 500

// TrainerDataVersion is the current trainer_sessions schema version.
// Documents loaded with an older version are migrated on read.
const TrainerDataVersion = 2

// PhaseTransition records one state machine transition for diagnostics.
type PhaseTransition struct {
	From     Phase             `json:"from"`
	To       Phase             `json:"to"`
	At       time.Time         `json:"at"`
	Forced   bool              `json:"forced,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PhaseDocument is the durable state of the synchronization state
// machine. It is persisted as a single document after every mutation.
type PhaseDocument struct {
	// InitializationPhase is the current phase.
	InitializationPhase Phase `json:"initialization_phase"`

	// HistoricalLoadDone is set when a historical load has completed;
	// it permits the transition into incremental.
	HistoricalLoadDone bool `json:"historical_load_done"`

	// TotalSessions is the reconciled all-time session count.
	TotalSessions int `json:"total_sessions"`

	// AttendanceTotal and CalendarTotal are the per-source counts the
	// reconciled total derives from.
	AttendanceTotal int `json:"attendance_total"`
	CalendarTotal   int `json:"calendar_total"`

	// RecentSessionKeys holds the dedup keys of recently ingested
	// sessions, newest last, capped at MaxRecentSessionKeys. Incremental
	// windows overlap; this is what keeps re-seen sessions from
	// counting twice.
	RecentSessionKeys []string `json:"recent_session_keys,omitempty"`

	// LastUpdate is when the document was last mutated.
	LastUpdate time.Time `json:"last_update"`

	// TrainerSessions maps trainer name to accumulated stats.
	TrainerSessions map[string]*TrainerStats `json:"trainer_sessions,omitempty"`

	// PhaseHistory holds the most recent transitions, newest last,
	// capped at MaxPhaseHistory.
	PhaseHistory []PhaseTransition `json:"phase_history,omitempty"`

	// TrainerDataVersion versions the trainer_sessions schema.
	TrainerDataVersion int `json:"trainer_data_version"`
}

// NewPhaseDocument returns a fresh document in the init phase.
func NewPhaseDocument() *PhaseDocument {
	return &PhaseDocument{
		InitializationPhase: PhaseInit,
		TrainerSessions:     make(map[string]*TrainerStats),
		TrainerDataVersion:  TrainerDataVersion,
	}
}

// Clone returns a deep copy of the document.
func (d *PhaseDocument) Clone() *PhaseDocument {
	if d == nil {
		return nil
	}
	cp := *d
	cp.TrainerSessions = make(map[string]*TrainerStats, len(d.TrainerSessions))
	for name, stats := range d.TrainerSessions {
		s := *stats
		s.SessionHistory = append([]string(nil), stats.SessionHistory...)
		cp.TrainerSessions[name] = &s
	}
	cp.PhaseHistory = make([]PhaseTransition, len(d.PhaseHistory))
	copy(cp.PhaseHistory, d.PhaseHistory)
	cp.RecentSessionKeys = append([]string(nil), d.RecentSessionKeys...)
	return &cp
}

// Workout is a structured workout parsed from a Matrix calendar event
// summary of the form "type | lifts | MEPs".
type Workout struct {
	Type       string `json:"type"`
	Lifts      string `json:"lifts"`
	MEPs       string `json:"meps"`
	Date       string `json:"date"`
	RawSummary string `json:"raw_summary,omitempty"`
}

// CollectionStats tracks refresh execution state for the API surface.
type CollectionStats struct {
	RefreshInProgress    bool      `json:"refresh_in_progress"`
	RefreshStartTime     time.Time `json:"refresh_start_time,omitempty"`
	RefreshType          string    `json:"refresh_type,omitempty"` // manual or scheduled
	LastRefreshCompleted time.Time `json:"last_refresh_completed,omitempty"`
	RefreshDuration      float64   `json:"refresh_duration_seconds,omitempty"`
	RefreshSuccess       bool      `json:"refresh_success"`
	LastError            string    `json:"last_error,omitempty"`
	UpdateStreak         int       `json:"update_streak"`
	NewSessionsToday     int       `json:"new_sessions_today"`
	TotalItemsProcessed  int       `json:"total_items_processed"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	CurrentPhase         Phase     `json:"current_phase"`
}

// Aggregate is the composite snapshot served by /api/v1/summary.
type Aggregate struct {
	ZenPlannerSessions     int                      `json:"zenplanner_fulcrum_sessions"`
	GoogleCalendarSessions int                      `json:"google_calendar_fulcrum_sessions"`
	TotalSessions          int                      `json:"total_fulcrum_sessions"`
	MonthlySessions        map[string]int           `json:"monthly_sessions,omitempty"`
	TrainerSessions        map[string]*TrainerStats `json:"trainer_sessions,omitempty"`
	LastSession            string                   `json:"last_session,omitempty"`
	NextSession            string                   `json:"next_session,omitempty"`
	RecentPRs              []PRRecord               `json:"recent_prs,omitempty"`
	TotalPRs               int                      `json:"total_prs"`
	PRsByType              map[string]int           `json:"prs_by_type,omitempty"`
	CollectionStats        CollectionStats          `json:"collection_stats"`
	TomorrowWorkout        *Workout                 `json:"tomorrow_workout,omitempty"`
}
