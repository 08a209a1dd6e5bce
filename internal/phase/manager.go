// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package phase implements the synchronization state machine:
//
//	init -> historical_load -> incremental
//
// Transitions outside the allow-list are rejected as no-ops. Re-entering
// historical_load from incremental is permitted but only as an explicit
// request (manual refresh); it clears the historical-load-done marker so
// the backfill runs again from the epoch.
package phase

import (
	"sync"
	"time"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

// Persister stores phase documents durably.
type Persister interface {
	Save(doc *models.PhaseDocument) error
}

// allowedTransitions is the state machine allow-list. Self-transitions
// are always rejected.
var allowedTransitions = map[models.Phase][]models.Phase{
	models.PhaseInit:           {models.PhaseHistoricalLoad},
	models.PhaseHistoricalLoad: {models.PhaseIncremental},
	models.PhaseIncremental:    {models.PhaseHistoricalLoad},
}

// Manager owns the phase document and enforces transition rules. All
// mutations persist the document; a persistence failure keeps the
// in-memory state (no rollback) and is retried on the next persist.
type Manager struct {
	mu    sync.Mutex
	doc   *models.PhaseDocument
	store Persister

	// dirty is set when an in-memory mutation failed to persist.
	dirty bool

	now func() time.Time
}

// NewManager creates a manager around an existing document, typically
// the one loaded from storage at startup.
func NewManager(doc *models.PhaseDocument, store Persister) *Manager {
	if doc == nil {
		doc = models.NewPhaseDocument()
	}
	return &Manager{
		doc:   doc,
		store: store,
		now:   time.Now,
	}
}

// Current returns the current phase.
func (m *Manager) Current() models.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.InitializationPhase
}

// HistoricalLoadDone reports whether a historical load has completed.
func (m *Manager) HistoricalLoadDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.HistoricalLoadDone
}

// Document returns a deep copy of the phase document.
func (m *Manager) Document() *models.PhaseDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Clone()
}

// CanTransition reports whether from -> to is in the allow-list.
func CanTransition(from, to models.Phase) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition attempts a state machine transition. It returns false and
// leaves the document untouched when the transition is not allowed.
// The allow-list alone guards the backfill: incremental is reachable
// only from historical_load, and completing that transition is what
// sets the done marker. ForceTransition is the escape hatch.
func (m *Manager) Transition(to models.Phase, metadata map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.doc.InitializationPhase
	if !CanTransition(from, to) {
		logging.Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Rejected phase transition")
		return false
	}

	m.applyTransition(from, to, false, metadata)
	return true
}

// ForceTransition bypasses the allow-list and the historical-load-done
// requirement. It exists for operator intervention and is logged loudly.
func (m *Manager) ForceTransition(to models.Phase, metadata map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.doc.InitializationPhase
	logging.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("FORCED phase transition, state machine rules bypassed")

	m.applyTransition(from, to, true, metadata)
}

// applyTransition mutates the document and persists. Caller holds mu.
func (m *Manager) applyTransition(from, to models.Phase, forced bool, metadata map[string]string) {
	if to == models.PhaseHistoricalLoad && from == models.PhaseIncremental {
		logging.Warn().Msg("Re-entering historical load, full backfill will run again")
		m.doc.HistoricalLoadDone = false
	}
	if from == models.PhaseHistoricalLoad && to == models.PhaseIncremental {
		m.doc.HistoricalLoadDone = true
	}

	m.doc.InitializationPhase = to
	m.doc.LastUpdate = m.now()
	m.doc.PhaseHistory = append(m.doc.PhaseHistory, models.PhaseTransition{
		From:     from,
		To:       to,
		At:       m.doc.LastUpdate,
		Forced:   forced,
		Metadata: metadata,
	})
	if len(m.doc.PhaseHistory) > models.MaxPhaseHistory {
		m.doc.PhaseHistory = m.doc.PhaseHistory[len(m.doc.PhaseHistory)-models.MaxPhaseHistory:]
	}

	logging.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Bool("forced", forced).
		Msg("Phase transition")

	m.persistLocked()
}

// Mutate applies fn to the document under the lock and persists the
// result. Used by the coordinator to fold reconciled cycle results in.
func (m *Manager) Mutate(fn func(doc *models.PhaseDocument)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.doc)
	m.doc.LastUpdate = m.now()
	m.persistLocked()
}

// Persist retries persisting the document if a previous write failed.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	return m.persistLocked()
}

// Dirty reports whether the in-memory document is ahead of storage.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// persistLocked writes the document. On failure the in-memory state is
// kept and marked dirty for retry. Caller holds mu.
func (m *Manager) persistLocked() error {
	if err := m.store.Save(m.doc); err != nil {
		m.dirty = true
		logging.Err(err).Msg("Failed to persist phase document, keeping in-memory state")
		return err
	}
	m.dirty = false
	return nil
}
