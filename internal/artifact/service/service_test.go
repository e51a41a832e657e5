package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"veritas/internal/artifact/models"
	"veritas/internal/artifact/service/mocks"
	"veritas/internal/artifact/store"
	"veritas/internal/envelope"
	"veritas/internal/integrity/digest"
	dErrors "veritas/pkg/domain-errors"
	audit "veritas/pkg/platform/audit"
	auditmemory "veritas/pkg/platform/audit/store/memory"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

var (
	keysOnce sync.Once
	keys     *envelope.Keys
)

func testKeys() *envelope.Keys {
	keysOnce.Do(func() {
		var err error
		keys, err = envelope.GenerateKeys(2048)
		if err != nil {
			panic(err)
		}
	})
	return keys
}

type ServiceSuite struct {
	suite.Suite
	store    *store.InMemory
	audit    *auditmemory.InMemoryStore
	envelope *envelope.Service
	service  *Service
	now      time.Time
	ctx      context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.envelope = envelope.New(testKeys(), "veritas-test")
	s.service = New(s.store, s.envelope, WithAuditPublisher(auditPublisherFunc(s.audit.Append)))
	s.now = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

type auditPublisherFunc func(ctx context.Context, event audit.Event) error

func (f auditPublisherFunc) Emit(ctx context.Context, event audit.Event) error {
	return f(ctx, event)
}

func invoice(amount int) map[string]any {
	return map[string]any{"invoice": "INV-7", "amount": amount, "lines": []any{"a", "b"}}
}

func (s *ServiceSuite) TestSeal() {
	s.Run("assigns an id and stores the record", func() {
		res, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "invoice", Payload: invoice(100)})
		s.Require().NoError(err)
		s.NotEmpty(res.ArtifactID)
		s.False(res.Resealed)
		s.Equal(s.now, res.IssuedAt)

		want, _, err := digest.Of(invoice(100))
		s.Require().NoError(err)
		s.Equal(want, res.Digest)

		rec, err := s.service.Get(s.ctx, res.ArtifactID)
		s.Require().NoError(err)
		s.Equal("invoice", rec.ClassificationKey)
		s.Equal(res.Envelope, rec.Envelope)

		events, err := s.audit.ListByArtifact(s.ctx, res.ArtifactID)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventArtifactSealed), events[0].Action)
	})

	s.Run("identical content reuses the artifact id", func() {
		first, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "receipt", Payload: invoice(5)})
		s.Require().NoError(err)

		later := requestcontext.WithTime(context.Background(), s.now.Add(time.Minute))
		again, err := s.service.Seal(later, models.SealRequest{ClassificationKey: "receipt", Payload: map[string]any{
			"lines": []any{"a", "b"}, "amount": 5.0, "invoice": "INV-7",
		}})
		s.Require().NoError(err)
		s.Equal(first.ArtifactID, again.ArtifactID)
		s.True(again.Resealed)
		s.Equal(s.now.Add(time.Minute), again.IssuedAt)
	})

	s.Run("same content under another classification is a new artifact", func() {
		a, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "class-a", Payload: invoice(9)})
		s.Require().NoError(err)
		b, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "class-b", Payload: invoice(9)})
		s.Require().NoError(err)
		s.NotEqual(a.ArtifactID, b.ArtifactID)
	})

	s.Run("caller supplied id is kept", func() {
		res, err := s.service.Seal(s.ctx, models.SealRequest{ArtifactID: "contract-1", ClassificationKey: "contract", Payload: invoice(1)})
		s.Require().NoError(err)
		s.Equal("contract-1", res.ArtifactID)
	})

	s.Run("supplied id bound to other content conflicts", func() {
		_, err := s.service.Seal(s.ctx, models.SealRequest{ArtifactID: "contract-2", ClassificationKey: "contract", Payload: invoice(2)})
		s.Require().NoError(err)
		_, err = s.service.Seal(s.ctx, models.SealRequest{ArtifactID: "contract-2", ClassificationKey: "contract", Payload: invoice(3)})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("new id for registered content conflicts", func() {
		_, err := s.service.Seal(s.ctx, models.SealRequest{ArtifactID: "contract-4", ClassificationKey: "contract", Payload: invoice(4)})
		s.Require().NoError(err)
		_, err = s.service.Seal(s.ctx, models.SealRequest{ArtifactID: "contract-5", ClassificationKey: "contract", Payload: invoice(4)})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("missing classification key is a validation error", func() {
		_, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "  ", Payload: invoice(1)})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("uncanonicalizable payload is a validation error", func() {
		_, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "x", Payload: map[string]any{"c": make(chan int)}})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestVerify() {
	sealed, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "invoice", Payload: invoice(100000)})
	s.Require().NoError(err)

	s.Run("matching payload is valid", func() {
		res, err := s.service.Verify(s.ctx, models.VerifyRequest{Envelope: sealed.Envelope, Payload: invoice(100000)})
		s.Require().NoError(err)
		s.True(res.Valid)
		s.Equal(sealed.ArtifactID, res.Claims.ArtifactID)
		s.Equal(envelope.ReasonNone, res.FailureReason)
	})

	s.Run("tampered payload reports payload_mismatch", func() {
		res, err := s.service.Verify(s.ctx, models.VerifyRequest{Envelope: sealed.Envelope, Payload: invoice(999999)})
		s.Require().NoError(err)
		s.False(res.Valid)
		s.Nil(res.Claims)
		s.Equal(envelope.ReasonPayloadMismatch, res.FailureReason)
	})

	s.Run("expired envelope reports expired", func() {
		later := requestcontext.WithTime(context.Background(), s.now.Add(2*envelope.DefaultTTL))
		res, err := s.service.Verify(later, models.VerifyRequest{Envelope: sealed.Envelope, Payload: invoice(100000)})
		s.Require().NoError(err)
		s.Equal(envelope.ReasonExpired, res.FailureReason)
	})

	s.Run("garbage envelope reports malformed", func() {
		res, err := s.service.Verify(s.ctx, models.VerifyRequest{Envelope: "abc", Payload: invoice(1)})
		s.Require().NoError(err)
		s.Equal(envelope.ReasonMalformed, res.FailureReason)
	})
}

func (s *ServiceSuite) TestGetAndAttestation() {
	sealed, err := s.service.Seal(s.ctx, models.SealRequest{ClassificationKey: "invoice", Payload: invoice(7)})
	s.Require().NoError(err)

	s.Run("unknown id is not found", func() {
		_, err := s.service.Get(s.ctx, "missing")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("fresh seal is intact", func() {
		att, err := s.service.Attestation(s.ctx, sealed.ArtifactID)
		s.Require().NoError(err)
		s.Equal(models.IntegrityIntact, att.Status)
		s.Equal(sealed.Digest, att.Digest)
		s.Equal("veritas-test", att.Issuer)
	})

	s.Run("past expiry reports envelope_expired", func() {
		later := requestcontext.WithTime(context.Background(), s.now.Add(envelope.DefaultTTL))
		att, err := s.service.Attestation(later, sealed.ArtifactID)
		s.Require().NoError(err)
		s.Equal(models.IntegrityExpired, att.Status)
	})
}

func (s *ServiceSuite) TestStoreFailures() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockStore(ctrl)
	mockSealer := mocks.NewMockSealer(ctrl)
	svc := New(mockStore, mockSealer)
	boom := errors.New("connection reset")

	s.Run("lookup failure is a storage error", func() {
		mockStore.EXPECT().FindByDigest(gomock.Any(), "invoice", gomock.Any()).Return(nil, boom)

		_, err := svc.Seal(s.ctx, models.SealRequest{ClassificationKey: "invoice", Payload: invoice(1)})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeStorage))
		s.ErrorIs(err, boom)
	})

	s.Run("signing failure propagates without storing", func() {
		mockStore.EXPECT().FindByDigest(gomock.Any(), "invoice", gomock.Any()).Return(nil, sentinel.ErrNotFound)
		mockSealer.EXPECT().IssueForDigest(gomock.Any(), gomock.Any(), "invoice", gomock.Any()).Return(nil, envelope.ErrKeyUnavailable)

		_, err := svc.Seal(s.ctx, models.SealRequest{ClassificationKey: "invoice", Payload: invoice(1)})
		s.Require().ErrorIs(err, envelope.ErrKeyUnavailable)
	})

	s.Run("verify infrastructure error is returned, not reported", func() {
		mockSealer.EXPECT().Verify(gomock.Any(), "tok", gomock.Any()).Return(nil, envelope.ErrKeyUnavailable)

		res, err := svc.Verify(s.ctx, models.VerifyRequest{Envelope: "tok", Payload: invoice(1)})
		s.Nil(res)
		s.Require().ErrorIs(err, envelope.ErrKeyUnavailable)
	})
}
