// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package phase

import (
	"errors"
	"testing"

	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

// memStore is an in-memory Persister that can be told to fail.
type memStore struct {
	saved    *models.PhaseDocument
	saves    int
	failNext bool
}

func (s *memStore) Save(doc *models.PhaseDocument) error {
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	s.saved = doc.Clone()
	s.saves++
	return nil
}

func TestTransitionAllowList(t *testing.T) {
	tests := []struct {
		name string
		from models.Phase
		done bool
		to   models.Phase
		want bool
	}{
		{"init to historical", models.PhaseInit, false, models.PhaseHistoricalLoad, true},
		{"historical to incremental", models.PhaseHistoricalLoad, false, models.PhaseIncremental, true},
		{"incremental back to historical", models.PhaseIncremental, true, models.PhaseHistoricalLoad, true},
		{"init to incremental skips backfill", models.PhaseInit, false, models.PhaseIncremental, false},
		{"init self transition", models.PhaseInit, false, models.PhaseInit, false},
		{"historical self transition", models.PhaseHistoricalLoad, false, models.PhaseHistoricalLoad, false},
		{"incremental self transition", models.PhaseIncremental, true, models.PhaseIncremental, false},
		{"incremental to init", models.PhaseIncremental, true, models.PhaseInit, false},
		{"historical to init", models.PhaseHistoricalLoad, false, models.PhaseInit, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := models.NewPhaseDocument()
			doc.InitializationPhase = tt.from
			doc.HistoricalLoadDone = tt.done
			m := NewManager(doc, &memStore{})

			got := m.Transition(tt.to, nil)
			if got != tt.want {
				t.Fatalf("Transition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}

			if tt.want {
				if m.Current() != tt.to {
					t.Errorf("phase = %s after accepted transition, want %s", m.Current(), tt.to)
				}
			} else {
				// Rejected transitions leave the document unchanged.
				if m.Current() != tt.from {
					t.Errorf("phase = %s after rejected transition, want %s", m.Current(), tt.from)
				}
				if len(m.Document().PhaseHistory) != 0 {
					t.Error("rejected transition recorded in history")
				}
			}
		})
	}
}

func TestHistoricalCompleteSetsDone(t *testing.T) {
	doc := models.NewPhaseDocument()
	doc.InitializationPhase = models.PhaseHistoricalLoad
	m := NewManager(doc, &memStore{})

	if !m.Transition(models.PhaseIncremental, nil) {
		t.Fatal("historical -> incremental rejected")
	}
	if !m.HistoricalLoadDone() {
		t.Error("historical_load_done not set on completing the load")
	}
}

func TestReenterHistoricalResetsDone(t *testing.T) {
	doc := models.NewPhaseDocument()
	doc.InitializationPhase = models.PhaseIncremental
	doc.HistoricalLoadDone = true
	m := NewManager(doc, &memStore{})

	if !m.Transition(models.PhaseHistoricalLoad, map[string]string{"trigger": "manual"}) {
		t.Fatal("incremental -> historical rejected")
	}
	if m.HistoricalLoadDone() {
		t.Error("historical_load_done should be cleared on re-entry")
	}

	// After the re-run completes, incremental is reachable again.
	if !m.Transition(models.PhaseIncremental, nil) {
		t.Error("historical -> incremental rejected after re-entry")
	}
}

func TestIncrementalOnlyReachableFromHistorical(t *testing.T) {
	// Even with the done marker set, incremental cannot be entered
	// except by completing a historical load.
	doc := models.NewPhaseDocument()
	doc.HistoricalLoadDone = true
	m := NewManager(doc, &memStore{})

	if m.Transition(models.PhaseIncremental, nil) {
		t.Fatal("init -> incremental accepted")
	}

	if !m.Transition(models.PhaseHistoricalLoad, nil) {
		t.Fatal("init -> historical rejected")
	}
	if !m.Transition(models.PhaseIncremental, nil) {
		t.Fatal("historical -> incremental rejected")
	}
}

func TestForceTransition(t *testing.T) {
	doc := models.NewPhaseDocument()
	m := NewManager(doc, &memStore{})

	// init -> incremental is not in the allow-list.
	if m.Transition(models.PhaseIncremental, nil) {
		t.Fatal("disallowed transition accepted")
	}

	m.ForceTransition(models.PhaseIncremental, map[string]string{"operator": "admin"})
	if m.Current() != models.PhaseIncremental {
		t.Errorf("phase = %s after force, want incremental", m.Current())
	}

	hist := m.Document().PhaseHistory
	if len(hist) != 1 || !hist[len(hist)-1].Forced {
		t.Errorf("forced transition not marked in history: %+v", hist)
	}
}

func TestPhaseHistoryCapped(t *testing.T) {
	doc := models.NewPhaseDocument()
	doc.InitializationPhase = models.PhaseIncremental
	doc.HistoricalLoadDone = true
	m := NewManager(doc, &memStore{})

	// Bounce between incremental and historical well past the cap.
	for i := 0; i < 15; i++ {
		if !m.Transition(models.PhaseHistoricalLoad, nil) {
			t.Fatalf("bounce %d: to historical rejected", i)
		}
		if !m.Transition(models.PhaseIncremental, nil) {
			t.Fatalf("bounce %d: to incremental rejected", i)
		}
	}

	hist := m.Document().PhaseHistory
	if len(hist) != models.MaxPhaseHistory {
		t.Errorf("history length = %d, want %d", len(hist), models.MaxPhaseHistory)
	}
	// Newest entry is last.
	if hist[len(hist)-1].To != models.PhaseIncremental {
		t.Errorf("newest entry = %+v", hist[len(hist)-1])
	}
}

func TestPersistFailureKeepsState(t *testing.T) {
	store := &memStore{failNext: true}
	doc := models.NewPhaseDocument()
	m := NewManager(doc, store)

	if !m.Transition(models.PhaseHistoricalLoad, nil) {
		t.Fatal("transition rejected")
	}
	// In-memory state advanced despite the failed write.
	if m.Current() != models.PhaseHistoricalLoad {
		t.Errorf("phase = %s, want historical_load", m.Current())
	}
	if !m.Dirty() {
		t.Error("manager should be dirty after failed persist")
	}

	// Retry succeeds and clears the dirty flag.
	if err := m.Persist(); err != nil {
		t.Fatalf("Persist retry failed: %v", err)
	}
	if m.Dirty() {
		t.Error("dirty flag not cleared after successful persist")
	}
	if store.saved.InitializationPhase != models.PhaseHistoricalLoad {
		t.Errorf("persisted phase = %s", store.saved.InitializationPhase)
	}
}

func TestMutatePersists(t *testing.T) {
	store := &memStore{}
	m := NewManager(models.NewPhaseDocument(), store)

	m.Mutate(func(doc *models.PhaseDocument) {
		doc.TotalSessions = 50
	})

	if store.saved == nil || store.saved.TotalSessions != 50 {
		t.Errorf("mutation not persisted: %+v", store.saved)
	}
}

func TestDocumentReturnsCopy(t *testing.T) {
	m := NewManager(models.NewPhaseDocument(), &memStore{})

	cp := m.Document()
	cp.InitializationPhase = models.PhaseIncremental

	if m.Current() != models.PhaseInit {
		t.Error("Document() leaked internal state")
	}
}
