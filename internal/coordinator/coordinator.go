// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package coordinator orchestrates update cycles: it drives the phase
// state machine, fetches from both upstream sources, reconciles the
// results into the phase document, and publishes cycle events.
//
// Exactly one cycle runs at a time. The in-flight guard is an atomic
// flag, so a manual refresh arriving while the scheduler is mid-cycle
// is rejected instead of racing it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulcrumtracker/fulcrumtracker/internal/config"
	"github.com/fulcrumtracker/fulcrumtracker/internal/events"
	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/metrics"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
	"github.com/fulcrumtracker/fulcrumtracker/internal/phase"
	"github.com/fulcrumtracker/fulcrumtracker/internal/reconcile"
	upstream "github.com/fulcrumtracker/fulcrumtracker/internal/sync"
)

// ErrCycleInProgress is returned when a cycle is requested while
// another is still running.
var ErrCycleInProgress = errors.New("update cycle already in progress")

// ErrCooldown is returned when a manual refresh arrives before the
// cooldown from the previous one has elapsed.
var ErrCooldown = errors.New("manual refresh cooldown active")

// AttendanceSource is the portal client surface the coordinator uses.
type AttendanceSource interface {
	FetchAttendance(ctx context.Context, from, to time.Time) ([]models.SessionRecord, error)
	FetchPRs(ctx context.Context) ([]models.PRRecord, error)
	Close()
}

// CalendarSource is the calendar client surface the coordinator uses.
type CalendarSource interface {
	FetchEvents(ctx context.Context, calendarID string, from, to time.Time, searchTerms []string) ([]upstream.CalendarEvent, error)
}

// Cache clears stored state on manual refresh.
type Cache interface {
	Clear() error
}

// Coordinator runs update cycles.
type Coordinator struct {
	cfg   *config.Config
	mgr   *phase.Manager
	zen   AttendanceSource
	cal   CalendarSource
	cache Cache
	bus   *events.Bus

	inFlight atomic.Bool

	mu                  sync.Mutex
	lastManualRefresh   time.Time
	consecutiveFailures int
	suppressNotify      bool
	stats               models.CollectionStats
	aggregate           models.Aggregate

	now func() time.Time
}

// New creates a coordinator.
func New(cfg *config.Config, mgr *phase.Manager, zen AttendanceSource, cal CalendarSource, cache Cache, bus *events.Bus) *Coordinator {
	c := &Coordinator{
		cfg:   cfg,
		mgr:   mgr,
		zen:   zen,
		cal:   cal,
		cache: cache,
		bus:   bus,
		now:   time.Now,
	}
	c.stats.CurrentPhase = mgr.Current()
	c.rebuildAggregateFromDocument()
	metrics.SetPhase(mgr.Current())
	return c
}

// RunCycle executes one update cycle. trigger is "manual" or
// "scheduled". Returns ErrCycleInProgress when a cycle is already
// running.
func (c *Coordinator) RunCycle(ctx context.Context, trigger string) error {
	return c.runCycle(ctx, trigger, nil)
}

// runCycle acquires the in-flight flag, runs prep (if any) while
// holding it, then executes the cycle. Holding the flag through prep
// closes the window where a manual rebuild could tear down state under
// a concurrently starting scheduled cycle.
func (c *Coordinator) runCycle(ctx context.Context, trigger string, prep func()) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		metrics.CyclesTotal.WithLabelValues(string(c.mgr.Current()), trigger, "rejected").Inc()
		return ErrCycleInProgress
	}
	defer c.inFlight.Store(false)

	if prep != nil {
		prep()
	}

	start := c.now()
	c.beginStats(trigger, start)

	// A fresh install enters the backfill on its first cycle.
	if c.mgr.Current() == models.PhaseInit {
		if !c.mgr.Transition(models.PhaseHistoricalLoad, map[string]string{"trigger": trigger}) {
			return fmt.Errorf("failed to enter historical load from init")
		}
		metrics.SetPhase(c.mgr.Current())
	}

	currentPhase := c.mgr.Current()
	err := c.runPhase(ctx, currentPhase, trigger)

	duration := c.now().Sub(start)
	metrics.RecordCycle(currentPhase, trigger, duration, err)

	newSessions, totalSessions := c.finishStats(start, duration, err)

	// Historical load completion unlocks steady-state operation.
	if err == nil && c.mgr.Current() == models.PhaseHistoricalLoad {
		c.mgr.Transition(models.PhaseIncremental, map[string]string{"trigger": trigger})
	}
	metrics.SetPhase(c.mgr.Current())

	// A failed persist from mid-cycle is retried here so the document
	// catches up as soon as storage recovers.
	if perr := c.mgr.Persist(); perr != nil {
		logging.Err(perr).Msg("Phase document still not persisted")
	}

	c.publishEvent(trigger, currentPhase, start, duration, newSessions, totalSessions, err)
	return err
}

// runPhase performs the fetch-and-reconcile work for a cycle.
func (c *Coordinator) runPhase(ctx context.Context, currentPhase models.Phase, trigger string) error {
	now := c.now()

	var from time.Time
	var attendance []models.SessionRecord
	fullRebuild := currentPhase == models.PhaseHistoricalLoad
	if fullRebuild {
		epoch, err := time.Parse("2006-01-02", c.cfg.Tracker.StartDate)
		if err != nil {
			return fmt.Errorf("invalid start date: %w", err)
		}
		from = epoch
		attendance, err = c.zen.FetchAttendance(ctx, from, now)
		if err != nil {
			return fmt.Errorf("attendance fetch failed: %w", err)
		}
		attendance = reconcile.DedupSessions(attendance)
	} else {
		// Steady state polls only the calendar. Portal scraping is slow
		// and a portal outage must not break the daily cycle; attendance
		// counters catch up on the next manual refresh or rebuild.
		from = now.Add(-c.cfg.Tracker.IncrementalLookback)
	}

	calEvents, err := c.cal.FetchEvents(ctx, c.cfg.Calendar.CalendarID, from, now, c.cfg.Calendar.SearchTerms)
	if err != nil {
		return fmt.Errorf("calendar fetch failed: %w", err)
	}
	calendar := reconcile.DedupSessions(upstream.SessionsFromEvents(calEvents))

	merged := reconcile.DedupSessions(append(append([]models.SessionRecord{}, attendance...), calendar...))

	// PRs enrich the aggregate but a PR page hiccup must not throw away
	// an otherwise good cycle.
	prs, err := c.zen.FetchPRs(ctx)
	if err != nil {
		logging.Err(err).Msg("PR fetch failed, keeping previous PR data")
		prs = nil
	} else {
		prs = reconcile.DedupPRs(prs)
	}

	var newSessions int
	c.mgr.Mutate(func(doc *models.PhaseDocument) {
		if fullRebuild {
			newSessions = applyFullRebuild(doc, merged, attendance, calendar)
		} else {
			newSessions = applyIncremental(doc, merged, attendance, calendar)
		}
	})

	c.updateAggregate(merged, prs, newSessions, now)

	// Aux data: informational only, never fails the cycle.
	c.refreshAuxData(ctx, now)

	logging.Info().
		Str("phase", string(currentPhase)).
		Str("trigger", trigger).
		Int("attendance", len(attendance)).
		Int("calendar", len(calendar)).
		Int("new_sessions", newSessions).
		Msg("Cycle reconciliation complete")
	return nil
}

// applyFullRebuild recomputes the document's counters from scratch.
// Running it twice over the same data yields the same document.
func applyFullRebuild(doc *models.PhaseDocument, merged, attendance, calendar []models.SessionRecord) int {
	doc.AttendanceTotal = len(attendance)
	doc.CalendarTotal = len(calendar)
	previous := doc.TotalSessions
	doc.TotalSessions = reconcile.ReconcileTotal(doc.AttendanceTotal, doc.CalendarTotal)
	// Trainer attribution uses calendar records only: attendance tooltips
	// often lack a parseable time, so an attendance/calendar pair for the
	// same class would not collide on the date_time key and the session
	// would count twice per trainer.
	doc.TrainerSessions = reconcile.BuildTrainerStats(calendar)

	doc.RecentSessionKeys = doc.RecentSessionKeys[:0]
	for _, r := range merged {
		doc.RecentSessionKeys = append(doc.RecentSessionKeys, r.Key())
	}
	trimKeys(doc)

	newSessions := doc.TotalSessions - previous
	if newSessions < 0 {
		newSessions = 0
	}
	return newSessions
}

// applyIncremental folds a lookback window into the document. Sessions
// already seen in a previous window are skipped.
func applyIncremental(doc *models.PhaseDocument, merged, attendance, calendar []models.SessionRecord) int {
	seen := make(map[string]struct{}, len(doc.RecentSessionKeys))
	for _, k := range doc.RecentSessionKeys {
		seen[k] = struct{}{}
	}

	isNew := func(r models.SessionRecord) bool {
		_, ok := seen[r.Key()]
		return !ok
	}

	var newAttendance, newCalendar int
	for _, r := range attendance {
		if isNew(r) {
			newAttendance++
		}
	}
	for _, r := range calendar {
		if isNew(r) {
			newCalendar++
		}
	}

	var newMerged []models.SessionRecord
	for _, r := range merged {
		if isNew(r) {
			newMerged = append(newMerged, r)
			doc.RecentSessionKeys = append(doc.RecentSessionKeys, r.Key())
		}
	}
	trimKeys(doc)

	doc.AttendanceTotal += newAttendance
	doc.CalendarTotal += newCalendar
	doc.TotalSessions = reconcile.ReconcileTotal(doc.AttendanceTotal, doc.CalendarTotal)

	// Calendar records only, same as the full rebuild.
	var newCalendarRecords []models.SessionRecord
	for _, r := range calendar {
		if _, ok := seen[r.Key()]; !ok {
			newCalendarRecords = append(newCalendarRecords, r)
		}
	}
	mergeTrainerStats(doc, newCalendarRecords)
	return len(newMerged)
}

// mergeTrainerStats increments per-trainer counters for new sessions.
func mergeTrainerStats(doc *models.PhaseDocument, newRecords []models.SessionRecord) {
	if len(newRecords) == 0 {
		return
	}
	delta := reconcile.BuildTrainerStats(newRecords)
	for name, d := range delta {
		s := doc.TrainerSessions[name]
		if s == nil {
			doc.TrainerSessions[name] = d
			continue
		}
		s.TotalSessions += d.TotalSessions
		s.SessionHistory = append(s.SessionHistory, d.SessionHistory...)
		if len(s.SessionHistory) > models.MaxSessionHistory {
			s.SessionHistory = s.SessionHistory[len(s.SessionHistory)-models.MaxSessionHistory:]
		}
		if d.LastSession > s.LastSession {
			s.LastSession = d.LastSession
		}
		if s.FirstSession == "" || (d.FirstSession != "" && d.FirstSession < s.FirstSession) {
			s.FirstSession = d.FirstSession
		}
		s.LastUpdate = d.LastUpdate
	}
}

func trimKeys(doc *models.PhaseDocument) {
	if len(doc.RecentSessionKeys) > models.MaxRecentSessionKeys {
		doc.RecentSessionKeys = doc.RecentSessionKeys[len(doc.RecentSessionKeys)-models.MaxRecentSessionKeys:]
	}
}

// updateAggregate refreshes the API-facing snapshot from cycle results.
func (c *Coordinator) updateAggregate(merged []models.SessionRecord, prs []models.PRRecord, newSessions int, now time.Time) {
	doc := c.mgr.Document()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.aggregate.ZenPlannerSessions = doc.AttendanceTotal
	c.aggregate.GoogleCalendarSessions = doc.CalendarTotal
	c.aggregate.TotalSessions = doc.TotalSessions
	c.aggregate.TrainerSessions = doc.TrainerSessions
	if len(merged) > 0 {
		monthly := reconcile.MonthlySessions(merged)
		if c.aggregate.MonthlySessions == nil {
			c.aggregate.MonthlySessions = monthly
		} else {
			for month, count := range monthly {
				if count > c.aggregate.MonthlySessions[month] {
					c.aggregate.MonthlySessions[month] = count
				}
			}
		}
	}
	if last := reconcile.LastSession(merged, now.Format("2006-01-02")); last > c.aggregate.LastSession {
		c.aggregate.LastSession = last
	}

	if prs != nil {
		c.aggregate.TotalPRs = len(prs)
		c.aggregate.RecentPRs = reconcile.RecentPRs(prs)
		c.aggregate.PRsByType = reconcile.PRsByType(prs)
		metrics.TotalPRs.Set(float64(len(prs)))
	}

	c.stats.NewSessionsToday = newSessions
	c.stats.TotalItemsProcessed = len(merged) + len(prs)
	if newSessions > 0 {
		metrics.NewSessions.Add(float64(newSessions))
	}

	metrics.TotalSessions.Set(float64(doc.TotalSessions))
	metrics.SessionsBySource.WithLabelValues(models.SourceAttendance).Set(float64(doc.AttendanceTotal))
	metrics.SessionsBySource.WithLabelValues(models.SourceCalendar).Set(float64(doc.CalendarTotal))
	div := doc.AttendanceTotal - doc.CalendarTotal
	if div < 0 {
		div = -div
	}
	metrics.SourceDivergence.Set(float64(div))
}

// refreshAuxData updates next-session and tomorrow-workout fields.
// Failures here degrade those fields but never the cycle.
func (c *Coordinator) refreshAuxData(ctx context.Context, now time.Time) {
	future := now.AddDate(0, 0, 7)

	upcoming, err := c.cal.FetchEvents(ctx, c.cfg.Calendar.CalendarID, now, future, c.cfg.Calendar.SearchTerms)
	if err != nil {
		logging.Err(err).Msg("Upcoming events fetch failed, keeping previous next-session")
	} else {
		next := upstream.NextSessionAfter(upcoming, now)
		c.mu.Lock()
		if next.IsZero() {
			c.aggregate.NextSession = ""
		} else {
			c.aggregate.NextSession = next.Format(time.RFC3339)
		}
		c.mu.Unlock()
	}

	if c.cfg.Calendar.MatrixCalendarID == "" {
		return
	}
	matrixEvents, err := c.cal.FetchEvents(ctx, c.cfg.Calendar.MatrixCalendarID, now, future, nil)
	if err != nil {
		logging.Err(err).Msg("Matrix calendar fetch failed, keeping previous workout")
		return
	}
	workout := upstream.TomorrowWorkout(matrixEvents, now)
	c.mu.Lock()
	c.aggregate.TomorrowWorkout = workout
	c.mu.Unlock()
}

// ManualRefresh forces a full rebuild: the cached document is cleared,
// the state machine re-enters historical load, and a manual cycle runs.
// The cooldown guards against hammering the portal; force skips it.
func (c *Coordinator) ManualRefresh(ctx context.Context, force bool) error {
	return c.ManualRefreshNotify(ctx, force, true)
}

// ManualRefreshNotify is ManualRefresh with the completion notification
// made optional for this one cycle.
func (c *Coordinator) ManualRefreshNotify(ctx context.Context, force, notify bool) error {
	if !force {
		if remaining := c.CooldownRemaining(); remaining > 0 {
			return fmt.Errorf("%w: %s remaining", ErrCooldown, remaining.Round(time.Second))
		}
	}

	return c.runCycle(ctx, "manual", func() {
		c.mu.Lock()
		c.lastManualRefresh = c.now()
		c.suppressNotify = !notify
		c.mu.Unlock()

		if err := c.cache.Clear(); err != nil {
			logging.Err(err).Msg("Cache clear failed, continuing with rebuild")
		}

		switch c.mgr.Current() {
		case models.PhaseIncremental:
			c.mgr.Transition(models.PhaseHistoricalLoad, map[string]string{"trigger": "manual"})
		case models.PhaseInit, models.PhaseHistoricalLoad:
			// The cycle enters or continues the backfill on its own.
		}
		metrics.SetPhase(c.mgr.Current())
	})
}

// CooldownRemaining returns how long until the next manual refresh is
// allowed. Zero when none is pending.
func (c *Coordinator) CooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastManualRefresh.IsZero() {
		return 0
	}
	remaining := c.cfg.Tracker.ManualRefreshCooldown - c.now().Sub(c.lastManualRefresh)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// InFlight reports whether a cycle is currently running.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

// Summary returns the current aggregate snapshot.
func (c *Coordinator) Summary() models.Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg := c.aggregate
	agg.CollectionStats = c.stats
	agg.CollectionStats.CurrentPhase = c.mgr.Current()
	agg.CollectionStats.RefreshInProgress = c.inFlight.Load()
	return agg
}

// PhaseDocument returns a copy of the durable state machine document.
func (c *Coordinator) PhaseDocument() *models.PhaseDocument {
	return c.mgr.Document()
}

// beginStats marks a cycle as started.
func (c *Coordinator) beginStats(trigger string, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.RefreshInProgress = true
	c.stats.RefreshStartTime = start
	c.stats.RefreshType = trigger
	c.stats.NewSessionsToday = 0
	c.stats.TotalItemsProcessed = 0
}

// finishStats records the cycle outcome and maintains the failure
// streak and update streak.
func (c *Coordinator) finishStats(start time.Time, duration time.Duration, err error) (newSessions, totalSessions int) {
	doc := c.mgr.Document()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.RefreshInProgress = false
	c.stats.LastRefreshCompleted = c.now()
	c.stats.RefreshDuration = duration.Seconds()
	c.stats.RefreshSuccess = err == nil
	c.stats.CurrentPhase = c.mgr.Current()

	if err != nil {
		c.stats.LastError = err.Error()
		c.stats.UpdateStreak = 0
		c.consecutiveFailures++
		c.stats.ConsecutiveFailures = c.consecutiveFailures
		metrics.ConsecutiveFailures.Set(float64(c.consecutiveFailures))
		if c.consecutiveFailures >= c.cfg.Tracker.MaxConsecutiveFailures {
			logging.Error().
				Int("consecutive_failures", c.consecutiveFailures).
				Msg("Update cycles failing repeatedly, intervention may be needed")
		}
		return 0, doc.TotalSessions
	}

	c.stats.LastError = ""
	c.consecutiveFailures = 0
	c.stats.ConsecutiveFailures = 0
	metrics.ConsecutiveFailures.Set(0)

	newSessions = c.stats.NewSessionsToday
	// Every successful steady-state cycle extends the streak, including
	// quiet ones where the lookback window held nothing new.
	if c.stats.CurrentPhase == models.PhaseIncremental {
		c.stats.UpdateStreak++
	}
	return newSessions, doc.TotalSessions
}

// publishEvent emits the cycle completion event.
func (c *Coordinator) publishEvent(trigger string, cyclePhase models.Phase, start time.Time, duration time.Duration, newSessions, totalSessions int, err error) {
	c.mu.Lock()
	failures := c.consecutiveFailures
	suppress := c.suppressNotify
	c.suppressNotify = false
	c.mu.Unlock()

	if c.bus == nil {
		return
	}

	ev := events.CycleEvent{
		Trigger:             trigger,
		Phase:               cyclePhase,
		Success:             err == nil,
		NewSessions:         newSessions,
		TotalSessions:       totalSessions,
		ConsecutiveFailures: failures,
		SuppressNotify:      suppress,
		StartedAt:           start,
		Duration:            duration.Seconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := c.bus.PublishCycleEvent(ev); perr != nil {
		logging.Err(perr).Msg("Failed to publish cycle event")
	}
}

// rebuildAggregateFromDocument seeds the aggregate from persisted state
// at startup so the API serves data before the first cycle.
func (c *Coordinator) rebuildAggregateFromDocument() {
	doc := c.mgr.Document()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregate.ZenPlannerSessions = doc.AttendanceTotal
	c.aggregate.GoogleCalendarSessions = doc.CalendarTotal
	c.aggregate.TotalSessions = doc.TotalSessions
	c.aggregate.TrainerSessions = doc.TrainerSessions
}
