package store_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"veritas/internal/portal/models"
	"veritas/pkg/platform/sentinel"
)

// tokenStore is the behaviour every token store must share.
type tokenStore interface {
	Create(ctx context.Context, token *models.Token) error
	Find(ctx context.Context, token string) (*models.Token, error)
	Execute(ctx context.Context, token string, fn func(*models.Token) error) (*models.Token, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// ContractSuite runs the same assertions against each store implementation.
// Embedders set newStore before the first test runs.
type ContractSuite struct {
	suite.Suite
	newStore func() tokenStore
	store    tokenStore
	now      time.Time
}

func (s *ContractSuite) SetupTest() {
	s.store = s.newStore()
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func (s *ContractSuite) newToken(ttl time.Duration) *models.Token {
	return &models.Token{
		Token:          randomToken(),
		ArtifactID:     "art-1",
		ArtifactDigest: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		AllowedParty:   "auditor@example.com",
		Permissions:    models.NewPermissionSet([]models.Permission{models.PermDigest, models.PermLineage}),
		CreatedAt:      s.now,
		ExpiresAt:      s.now.Add(ttl),
	}
}

var errRejected = errors.New("rejected")

func (s *ContractSuite) TestCreateAndFind() {
	ctx := context.Background()
	tok := s.newToken(time.Hour)
	s.Require().NoError(s.store.Create(ctx, tok))

	got, err := s.store.Find(ctx, tok.Token)
	s.Require().NoError(err)
	s.Equal(tok.ArtifactID, got.ArtifactID)
	s.Equal(tok.ArtifactDigest, got.ArtifactDigest)
	s.Equal(tok.AllowedParty, got.AllowedParty)
	s.Equal(tok.Permissions, got.Permissions)
	s.True(tok.CreatedAt.Equal(got.CreatedAt))
	s.True(tok.ExpiresAt.Equal(got.ExpiresAt))
	s.False(got.Used)
	s.Nil(got.UsedAt)

	s.ErrorIs(s.store.Create(ctx, tok), sentinel.ErrConflict)

	_, err = s.store.Find(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ContractSuite) TestExecute() {
	ctx := context.Background()
	tok := s.newToken(time.Hour)
	s.Require().NoError(s.store.Create(ctx, tok))

	s.Run("rejection leaves the token untouched", func() {
		_, err := s.store.Execute(ctx, tok.Token, func(t *models.Token) error {
			t.Used = true
			return errRejected
		})
		s.ErrorIs(err, errRejected)
		got, err := s.store.Find(ctx, tok.Token)
		s.Require().NoError(err)
		s.False(got.Used)
	})

	s.Run("mutation is persisted", func() {
		usedAt := s.now.Add(time.Minute)
		updated, err := s.store.Execute(ctx, tok.Token, func(t *models.Token) error {
			t.Used = true
			t.UsedAt = &usedAt
			return nil
		})
		s.Require().NoError(err)
		s.True(updated.Used)

		got, err := s.store.Find(ctx, tok.Token)
		s.Require().NoError(err)
		s.True(got.Used)
		s.Require().NotNil(got.UsedAt)
		s.True(usedAt.Equal(*got.UsedAt))
		s.False(got.Revoked)
	})

	s.Run("missing token", func() {
		_, err := s.store.Execute(ctx, "missing", func(*models.Token) error { return nil })
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *ContractSuite) TestExecuteIsAtomic() {
	ctx := context.Background()
	tok := s.newToken(time.Hour)
	s.Require().NoError(s.store.Create(ctx, tok))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Execute(ctx, tok.Token, func(t *models.Token) error {
				if t.Used {
					return sentinel.ErrAlreadyUsed
				}
				t.Used = true
				return nil
			})
			if err == nil {
				wins.Add(1)
				return
			}
			s.ErrorIs(err, sentinel.ErrAlreadyUsed)
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *ContractSuite) TestDeleteExpired() {
	ctx := context.Background()
	stale := s.newToken(time.Minute)
	consumed := s.newToken(time.Minute)
	live := s.newToken(time.Hour)
	for _, tok := range []*models.Token{stale, consumed, live} {
		s.Require().NoError(s.store.Create(ctx, tok))
	}
	_, err := s.store.Execute(ctx, consumed.Token, func(t *models.Token) error {
		t.Used = true
		return nil
	})
	s.Require().NoError(err)

	n, err := s.store.DeleteExpired(ctx, s.now.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Find(ctx, stale.Token)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.Find(ctx, consumed.Token)
	s.NoError(err)
	_, err = s.store.Find(ctx, live.Token)
	s.NoError(err)
}
