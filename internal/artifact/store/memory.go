package store

import (
	"context"
	"sync"
	"time"

	"veritas/internal/artifact/models"
	"veritas/pkg/platform/sentinel"
)

type pairKey struct {
	classification string
	digest         string
}

// InMemory keeps artifacts in process memory. Both uniqueness rules are
// checked under one lock so concurrent seals cannot split an identity.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[string]*models.Record
	byPair map[pairKey]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[string]*models.Record),
		byPair: make(map[pairKey]string),
	}
}

func (s *InMemory) Create(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{record.ClassificationKey, record.Digest}
	if _, ok := s.byID[record.ArtifactID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.byPair[key]; ok {
		return sentinel.ErrConflict
	}
	stored := *record
	s.byID[record.ArtifactID] = &stored
	s.byPair[key] = record.ArtifactID
	return nil
}

func (s *InMemory) FindByID(_ context.Context, artifactID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[artifactID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *InMemory) FindByDigest(_ context.Context, classificationKey, digest string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pairKey{classificationKey, digest}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := *s.byID[id]
	return &out, nil
}

func (s *InMemory) UpdateEnvelope(_ context.Context, artifactID, token string, sealedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[artifactID]
	if !ok {
		return sentinel.ErrNotFound
	}
	r.Envelope = token
	r.SealedAt = sealedAt
	r.ExpiresAt = expiresAt
	return nil
}
