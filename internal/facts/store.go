package facts

import (
	"context"
	"fmt"
	"sync"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// Assertion is one category/level pair to replace.
type Assertion struct {
	Category fatigue.Category
	Level    fatigue.Level
}

// Store serializes every assert and evaluate against a Backend so that an
// evaluation always observes a consistent set of facts. It also mirrors the
// asserted facts locally so callers can read current levels without a round
// trip to an external reasoner.
type Store struct {
	mu      sync.Mutex
	backend Backend
	mirror  *Table
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, mirror: NewTable()}
}

// Assert replaces one fact.
func (s *Store) Assert(ctx context.Context, category fatigue.Category, level fatigue.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assertLocked(ctx, category, level)
}

func (s *Store) assertLocked(ctx context.Context, category fatigue.Category, level fatigue.Level) error {
	if err := s.backend.Assert(ctx, category, level); err != nil {
		return fmt.Errorf("assert %s=%s: %w", category, level, err)
	}
	s.mirror.Replace(category, level)
	return nil
}

// Evaluate runs the rule set over the current facts.
func (s *Store) Evaluate(ctx context.Context) ([]Derived, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Evaluate(ctx)
}

// AssertAll replaces several facts and evaluates in one critical section, so
// no other writer can interleave between the window's asserts and the query.
func (s *Store) AssertAll(ctx context.Context, assertions ...Assertion) ([]Derived, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assertions {
		if err := s.assertLocked(ctx, a.Category, a.Level); err != nil {
			return nil, err
		}
	}
	derived, err := s.backend.Evaluate(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return derived, nil
}

// Current returns the last asserted level for category.
func (s *Store) Current(category fatigue.Category) (fatigue.Level, bool) {
	f, ok := s.mirror.Get(category)
	return f.Level, ok
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}
