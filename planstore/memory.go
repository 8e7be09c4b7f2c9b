package planstore

import (
	"context"
	"sync"

	"github.com/dhanstream/marketfeed/orderplan"
)

// MemoryStore is a reference Store used in tests and small
// deployments that seed plans directly rather than through Postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]orderplan.OrderPlan
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]orderplan.OrderPlan)}
}

// Put seeds or replaces a plan record.
func (s *MemoryStore) Put(p orderplan.OrderPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

// Delete removes a plan record.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, id)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (orderplan.OrderPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return orderplan.OrderPlan{}, ErrNotFound
	}
	return p, nil
}

// Update overwrites a plan record in place; it returns ErrNotFound if
// the id is unknown, mirroring PostgresStore's behavior on a
// zero-row UPDATE.
func (s *MemoryStore) Update(ctx context.Context, plan orderplan.OrderPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return ErrNotFound
	}
	s.plans[plan.ID] = plan
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]orderplan.OrderPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orderplan.OrderPlan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	return out, nil
}
