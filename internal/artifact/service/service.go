// Package service seals payloads into integrity envelopes and keeps the
// artifact registry that maps content to a stable artifact id.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"veritas/internal/artifact/models"
	"veritas/internal/envelope"
	"veritas/internal/integrity/digest"
	"veritas/internal/platform/logger"
	"veritas/internal/platform/metrics"
	dErrors "veritas/pkg/domain-errors"
	audit "veritas/pkg/platform/audit"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

var tracer = otel.Tracer("veritas/internal/artifact")

type Store interface {
	Create(ctx context.Context, record *models.Record) error
	FindByID(ctx context.Context, artifactID string) (*models.Record, error)
	FindByDigest(ctx context.Context, classificationKey, digest string) (*models.Record, error)
	UpdateEnvelope(ctx context.Context, artifactID, token string, sealedAt, expiresAt time.Time) error
}

// Sealer is the envelope service as seen by the registry.
type Sealer interface {
	IssueForDigest(ctx context.Context, artifactID, classification, sum string) (*envelope.Envelope, error)
	Verify(ctx context.Context, token string, expectedPayload any) (*envelope.Claims, error)
	Inspect(ctx context.Context, token string) (*envelope.Claims, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service orchestrates sealing, verification and registry lookups.
type Service struct {
	store          Store
	sealer         Sealer
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(store Store, sealer Sealer, opts ...Option) *Service {
	s := &Service{store: store, sealer: sealer, logger: logger.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal canonicalizes the payload, resolves the artifact identity and issues
// a fresh envelope for it.
//
// Identity rules: one artifact per (classification key, digest). Sealing
// content that is already registered reuses its id. Supplying an id that is
// bound to other content, or a new id for registered content, is a conflict.
func (s *Service) Seal(ctx context.Context, req models.SealRequest) (*models.SealResult, error) {
	ctx, span := tracer.Start(ctx, "artifact.Seal")
	defer span.End()
	start := time.Now()
	defer s.metrics.ObserveDuration("seal", start)

	req.Normalize()
	if req.ClassificationKey == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "classification_key is required")
	}
	sum, _, err := digest.Of(req.Payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "canonical_payload cannot be canonicalized")
	}
	span.SetAttributes(attribute.String("digest", sum))

	existing, err := s.resolveExisting(ctx, req, sum)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.reseal(ctx, existing)
	}

	artifactID := req.ArtifactID
	if artifactID == "" {
		artifactID = uuid.NewString()
	}
	env, err := s.sealer.IssueForDigest(ctx, artifactID, req.ClassificationKey, sum)
	if err != nil {
		return nil, err
	}

	record := &models.Record{
		ArtifactID:        artifactID,
		ClassificationKey: req.ClassificationKey,
		Digest:            sum,
		Envelope:          env.Token,
		Issuer:            env.Claims.Issuer,
		SealedAt:          env.IssuedAt,
		ExpiresAt:         env.ExpiresAt,
	}
	if err := s.store.Create(ctx, record); err != nil {
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store artifact")
		}
		// Lost a race with a concurrent seal; the winner's identity stands.
		winner, resolveErr := s.resolveExisting(ctx, req, sum)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if winner == nil {
			return nil, dErrors.New(dErrors.CodeConflict, "artifact_id is already bound to different content")
		}
		return s.reseal(ctx, winner)
	}

	s.emit(ctx, audit.Event{
		Action:     string(audit.EventArtifactSealed),
		ArtifactID: artifactID,
		Subject:    req.ClassificationKey,
		Decision:   "sealed",
	})
	s.logger.InfoContext(ctx, "artifact sealed",
		"artifact_id", artifactID,
		"classification_key", req.ClassificationKey,
		"request_id", requestcontext.RequestID(ctx),
	)

	return &models.SealResult{
		ArtifactID: artifactID,
		Digest:     sum,
		Envelope:   env.Token,
		IssuedAt:   env.IssuedAt,
		ExpiresAt:  env.ExpiresAt,
	}, nil
}

// resolveExisting applies the identity rules and returns the registered
// record for this content, or nil when the content is new.
func (s *Service) resolveExisting(ctx context.Context, req models.SealRequest, sum string) (*models.Record, error) {
	byDigest, err := s.store.FindByDigest(ctx, req.ClassificationKey, sum)
	switch {
	case err == nil:
		if req.ArtifactID != "" && req.ArtifactID != byDigest.ArtifactID {
			return nil, dErrors.New(dErrors.CodeConflict, "content is already registered under another artifact_id")
		}
		return byDigest, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to look up artifact")
	}

	if req.ArtifactID == "" {
		return nil, nil
	}
	_, err = s.store.FindByID(ctx, req.ArtifactID)
	switch {
	case err == nil:
		return nil, dErrors.New(dErrors.CodeConflict, "artifact_id is already bound to different content")
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, nil
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to look up artifact")
	}
}

func (s *Service) reseal(ctx context.Context, record *models.Record) (*models.SealResult, error) {
	env, err := s.sealer.IssueForDigest(ctx, record.ArtifactID, record.ClassificationKey, record.Digest)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateEnvelope(ctx, record.ArtifactID, env.Token, env.IssuedAt, env.ExpiresAt); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to update artifact envelope")
	}
	s.emit(ctx, audit.Event{
		Action:     string(audit.EventArtifactSealed),
		ArtifactID: record.ArtifactID,
		Subject:    record.ClassificationKey,
		Decision:   "resealed",
	})
	return &models.SealResult{
		ArtifactID: record.ArtifactID,
		Digest:     record.Digest,
		Envelope:   env.Token,
		IssuedAt:   env.IssuedAt,
		ExpiresAt:  env.ExpiresAt,
		Resealed:   true,
	}, nil
}

// Verify checks an envelope against a payload. Verification failures are
// reported in the result; only infrastructure and input errors are returned.
func (s *Service) Verify(ctx context.Context, req models.VerifyRequest) (*models.VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "artifact.Verify")
	defer span.End()

	claims, err := s.sealer.Verify(ctx, req.Envelope, req.Payload)
	if err != nil {
		reason := envelope.ReasonOf(err)
		if reason == envelope.ReasonNone {
			return nil, err
		}
		s.emit(ctx, audit.Event{
			Action:   string(audit.EventArtifactVerified),
			Decision: "invalid",
			Reason:   string(reason),
		})
		return &models.VerifyResult{Valid: false, FailureReason: reason}, nil
	}

	s.emit(ctx, audit.Event{
		Action:     string(audit.EventArtifactVerified),
		ArtifactID: claims.ArtifactID,
		Decision:   "valid",
	})
	return &models.VerifyResult{Valid: true, Claims: claims}, nil
}

// Get returns the registry record for artifactID.
func (s *Service) Get(ctx context.Context, artifactID string) (*models.Record, error) {
	if artifactID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_id is required")
	}
	record, err := s.store.FindByID(ctx, artifactID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "artifact not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load artifact")
	}
	return record, nil
}

// Attestation summarizes the artifact's seal for disclosure. The envelope
// signature is re-checked; expiry is reported rather than treated as failure.
func (s *Service) Attestation(ctx context.Context, artifactID string) (*models.Attestation, error) {
	record, err := s.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	att := &models.Attestation{
		ArtifactID:        record.ArtifactID,
		ClassificationKey: record.ClassificationKey,
		Digest:            record.Digest,
		Issuer:            record.Issuer,
		SealedAt:          record.SealedAt,
		ExpiresAt:         record.ExpiresAt,
		Status:            models.IntegrityIntact,
	}

	claims, err := s.sealer.Inspect(ctx, record.Envelope)
	switch {
	case err != nil:
		if envelope.ReasonOf(err) == envelope.ReasonNone {
			return nil, err
		}
		s.logger.WarnContext(ctx, "stored envelope failed inspection",
			"artifact_id", artifactID,
			"reason", string(envelope.ReasonOf(err)),
		)
		att.Status = models.IntegrityUnverifiable
	case claims.ArtifactID != record.ArtifactID || !digest.Equal(claims.Digest, record.Digest):
		att.Status = models.IntegrityUnverifiable
	case !requestcontext.Now(ctx).Before(claims.ExpiresAtTime()):
		att.Status = models.IntegrityExpired
	}
	return att, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"artifact_id", event.ArtifactID,
			"error", err,
		)
	}
}
