// Package memory provides an in-memory prescription repository satisfying
// the same concurrency contract as the Postgres store. Used by tests and
// local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/careloop/rx-engine/internal/domain/prescription"
)

// Store is an in-memory prescription repository. Writes are serialized per
// record; reads hand out deep copies so callers never share mutable state.
type Store struct {
	mu      sync.RWMutex
	records map[string]*prescription.Record
	locks   map[string]*sync.Mutex
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*prescription.Record),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Create stores a new record.
func (s *Store) Create(_ context.Context, rec *prescription.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	s.locks[rec.ID] = &sync.Mutex{}
	return nil
}

// Get returns a deep copy of the record.
func (s *Store) Get(_ context.Context, id string) (*prescription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update replaces the stored record.
func (s *Store) Update(_ context.Context, rec *prescription.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return prescription.ErrNotFound
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// DecrementRefills performs the atomic refill decrement under the record's
// lock. Exactly one of N concurrent calls succeeds per remaining refill.
func (s *Store) DecrementRefills(_ context.Context, id string, refill *prescription.RefillRecord) (*prescription.Record, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, prescription.ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	if rec.Status != prescription.StatusActive || rec.Dispense.RefillsRemaining <= 0 {
		return nil, prescription.ErrNoRefillsRemaining
	}

	rec.Dispense.RefillsRemaining--
	refill.RefillNumber = len(rec.RefillHistory) + 1
	rec.RefillHistory = append(rec.RefillHistory, *refill)
	rec.UpdatedAt = time.Now().UTC()
	return rec.Clone(), nil
}

// ListActiveByPatient returns copies of the patient's active prescriptions.
func (s *Store) ListActiveByPatient(_ context.Context, patientID string) ([]*prescription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*prescription.Record
	for _, rec := range s.records {
		if rec.PatientID == patientID && rec.Status == prescription.StatusActive {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// GetActivePrescriptions implements the safety pipeline's medication list
// source over the same data.
func (s *Store) GetActivePrescriptions(ctx context.Context, patientID string) ([]*prescription.Record, error) {
	return s.ListActiveByPatient(ctx, patientID)
}
