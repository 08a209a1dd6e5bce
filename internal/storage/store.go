// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package storage persists the phase document in an embedded Badger
// database. The document is stored as a single JSON value and written
// atomically; there is exactly one writer (the coordinator).
package storage

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

// phaseDocKey is the Badger key holding the serialized phase document.
var phaseDocKey = []byte("fulcrum/phase_document")

// Store wraps a Badger database holding tracker state.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at the given directory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Health reports whether the store is usable. Used by the readiness
// probe.
func (s *Store) Health() error {
	if s.db.IsClosed() {
		return errors.New("store is closed")
	}
	return nil
}

// OpenInMemory opens an ephemeral store, used by tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads the phase document. A missing document yields a fresh one
// in the init phase. Loaded documents are migrated to the current
// trainer data version and unknown phases are coerced to init.
func (s *Store) Load() (*models.PhaseDocument, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(phaseDocKey)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		logging.Info().Msg("No stored phase document, starting fresh")
		return models.NewPhaseDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read phase document: %w", err)
	}

	doc := &models.PhaseDocument{}
	if err := json.Unmarshal(raw, doc); err != nil {
		// A corrupt document is unrecoverable; start over rather than
		// wedging the service.
		logging.Err(err).Msg("Stored phase document is corrupt, starting fresh")
		return models.NewPhaseDocument(), nil
	}

	migrate(doc)
	return doc, nil
}

// Save writes the phase document atomically.
func (s *Store) Save(doc *models.PhaseDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal phase document: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(phaseDocKey, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to write phase document: %w", err)
	}
	return nil
}

// Clear deletes the stored phase document. Used by manual refresh to
// force a clean historical rebuild.
func (s *Store) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(phaseDocKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear phase document: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate upgrades a loaded document in place to the current schema.
func migrate(doc *models.PhaseDocument) {
	if !models.ValidPhase(doc.InitializationPhase) {
		logging.Warn().
			Str("phase", string(doc.InitializationPhase)).
			Msg("Unknown stored phase, coercing to init")
		doc.InitializationPhase = models.PhaseInit
		doc.HistoricalLoadDone = false
	}

	if doc.TrainerSessions == nil {
		doc.TrainerSessions = make(map[string]*models.TrainerStats)
	}

	if doc.TrainerDataVersion < models.TrainerDataVersion {
		logging.Info().
			Int("from", doc.TrainerDataVersion).
			Int("to", models.TrainerDataVersion).
			Msg("Migrating trainer data")

		// v1 documents stored unbounded, unordered session histories.
		// Trim to the cap and drop entries for trainers no longer in
		// the roster, folding them into the unknown bucket.
		for name, stats := range doc.TrainerSessions {
			if len(stats.SessionHistory) > models.MaxSessionHistory {
				stats.SessionHistory = stats.SessionHistory[len(stats.SessionHistory)-models.MaxSessionHistory:]
			}
			if !models.KnownTrainer(name) {
				unknown := doc.TrainerSessions["unknown"]
				if unknown == nil {
					unknown = &models.TrainerStats{}
					doc.TrainerSessions["unknown"] = unknown
				}
				unknown.TotalSessions += stats.TotalSessions
				delete(doc.TrainerSessions, name)
			}
		}
		doc.TrainerDataVersion = models.TrainerDataVersion
	}

	if len(doc.PhaseHistory) > models.MaxPhaseHistory {
		doc.PhaseHistory = doc.PhaseHistory[len(doc.PhaseHistory)-models.MaxPhaseHistory:]
	}
}
