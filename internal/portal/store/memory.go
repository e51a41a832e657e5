package store

import (
	"context"
	"sync"
	"time"

	"veritas/internal/portal/models"
	"veritas/pkg/platform/sentinel"
)

// InMemory holds tokens in process memory. One mutex serializes Execute, so
// the check-then-mark step is atomic. Tokens do not survive a restart; use
// the Postgres or Redis store outside tests and single-process demos.
type InMemory struct {
	mu     sync.Mutex
	tokens map[string]*models.Token
}

func NewInMemory() *InMemory {
	return &InMemory{tokens: make(map[string]*models.Token)}
}

func (s *InMemory) Create(_ context.Context, token *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.Token]; ok {
		return sentinel.ErrConflict
	}
	s.tokens[token.Token] = clone(token)
	return nil
}

func (s *InMemory) Find(_ context.Context, token string) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(t), nil
}

// Execute runs fn on a copy of the stored token and persists the copy when
// fn returns nil.
func (s *InMemory) Execute(_ context.Context, token string, fn func(*models.Token) error) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := clone(t)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.tokens[token] = working
	return clone(working), nil
}

func (s *InMemory) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, t := range s.tokens {
		if !t.Used && t.ExpiredAt(now) {
			delete(s.tokens, key)
			removed++
		}
	}
	return removed, nil
}

func clone(t *models.Token) *models.Token {
	out := *t
	out.Permissions = append(models.PermissionSet(nil), t.Permissions...)
	if t.UsedAt != nil {
		usedAt := *t.UsedAt
		out.UsedAt = &usedAt
	}
	return &out
}
