// Package memory is a process-local forecast store used by the CLI demo
// mode and by tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/budgetdash/cpflow/internal/prevision"
)

// Store keeps forecasts in a map guarded by a RWMutex. Records are copied on
// the way in and out so callers never share date pointers with the store.
type Store struct {
	mu      sync.RWMutex
	records map[string]prevision.Record
}

// New returns a store seeded with records.
func New(records ...prevision.Record) *Store {
	s := &Store{records: make(map[string]prevision.Record, len(records))}
	for _, record := range records {
		s.records[record.ID] = record.Clone()
	}
	return s
}

// Fetch returns the forecast stored under id.
func (s *Store) Fetch(ctx context.Context, id string) (prevision.Record, error) {
	if err := ctx.Err(); err != nil {
		return prevision.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return prevision.Record{}, fmt.Errorf("prevision %q: %w", id, prevision.ErrNotFound)
	}
	return record.Clone(), nil
}

// Save replaces an existing forecast.
func (s *Store) Save(ctx context.Context, record prevision.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; !ok {
		return fmt.Errorf("prevision %q: %w", record.ID, prevision.ErrNotFound)
	}
	s.records[record.ID] = record.Clone()
	return nil
}

// Create inserts a forecast whose id is not yet used.
func (s *Store) Create(ctx context.Context, record prevision.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("prevision id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("prevision %q: %w", record.ID, prevision.ErrAlreadyExists)
	}
	s.records[record.ID] = record.Clone()
	return nil
}

// List returns the forecasts matching filter ordered by periode then id.
func (s *Store) List(ctx context.Context, filter prevision.Filter) ([]prevision.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]prevision.Record, 0, len(s.records))
	for _, record := range s.records {
		if filter.Matches(record) {
			out = append(out, record.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Periode != out[j].Periode {
			return out[i].Periode < out[j].Periode
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Len reports how many forecasts are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
