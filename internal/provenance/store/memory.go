package store

import (
	"context"
	"sync"

	"veritas/internal/provenance/graph"
	"veritas/internal/provenance/models"
)

// InMemory keeps edges in an arena graph guarded by one lock, which makes
// LinkIfAbsent atomic for concurrent duplicates.
type InMemory struct {
	mu    sync.RWMutex
	graph *graph.Graph
}

func NewInMemory() *InMemory {
	return &InMemory{graph: graph.New()}
}

func (s *InMemory) LinkIfAbsent(_ context.Context, edge *models.Edge) (*models.Edge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, added := s.graph.Add(*edge)
	return &stored, added, nil
}

func (s *InMemory) ListByParent(_ context.Context, parentID string) ([]models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Neighbors(parentID, graph.Down), nil
}

func (s *InMemory) ListByChild(_ context.Context, childID string) ([]models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Neighbors(childID, graph.Up), nil
}

func (s *InMemory) Reachable(_ context.Context, artifactID string, dir graph.Direction) ([]models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Walk(artifactID, dir), nil
}
