// Package envelope signs and verifies integrity envelopes: PS256 JWTs
// binding an artifact id to the digest of its canonical payload.
package envelope

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"veritas/internal/integrity/digest"
	"veritas/internal/platform/logger"
	"veritas/internal/platform/metrics"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/requestcontext"
)

// DefaultTTL is the envelope lifetime when none is configured.
const DefaultTTL = time.Hour

var (
	signingMethod = jwt.SigningMethodPS256
	tracer        = otel.Tracer("veritas/internal/envelope")
)

// Service issues and verifies envelopes with one immutable key pair.
type Service struct {
	keys          *Keys
	issuer        string
	trustedIssuer string
	ttl           time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTTL sets the envelope lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithTrustedIssuer sets the issuer accepted during verification when it
// differs from the issuer this service signs as.
func WithTrustedIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.trustedIssuer = issuer
		}
	}
}

// New constructs a Service signing as issuer.
func New(keys *Keys, issuer string, opts ...Option) *Service {
	issuer = strings.TrimSpace(issuer)
	s := &Service{
		keys:          keys,
		issuer:        issuer,
		trustedIssuer: issuer,
		ttl:           DefaultTTL,
		logger:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the issuer this service signs as.
func (s *Service) Issuer() string {
	return s.issuer
}

// TTL returns the configured envelope lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue canonicalizes payload and seals its digest for artifactID.
func (s *Service) Issue(ctx context.Context, artifactID string, payload any) (*Envelope, error) {
	sum, _, err := digest.Of(payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "payload cannot be canonicalized")
	}
	return s.IssueForDigest(ctx, artifactID, "", sum)
}

// IssueForDigest seals an already computed digest. classification is
// optional and carried as a claim when set.
func (s *Service) IssueForDigest(ctx context.Context, artifactID, classification, sum string) (*Envelope, error) {
	ctx, span := tracer.Start(ctx, "envelope.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("artifact_id", artifactID))

	if strings.TrimSpace(artifactID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_id is required")
	}
	if !digest.Valid(sum) {
		return nil, dErrors.New(dErrors.CodeValidation, "digest must be 64 hex characters")
	}
	if !s.keys.CanSign() {
		s.logger.ErrorContext(ctx, "envelope signing key unavailable",
			"artifact_id", artifactID,
			"request_id", requestcontext.RequestID(ctx),
		)
		span.SetStatus(codes.Error, "signing key unavailable")
		return nil, ErrKeyUnavailable
	}

	now := requestcontext.Now(ctx).Truncate(time.Second)
	claims := Claims{
		ArtifactID:     artifactID,
		Digest:         digest.Normalize(sum),
		Classification: classification,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}

	token, err := jwt.NewWithClaims(signingMethod, claims).SignedString(s.keys.private)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign")
		return nil, dErrors.Wrap(err, dErrors.CodeCrypto, "failed to sign envelope")
	}
	s.metrics.IncrementEnvelopesIssued()

	return &Envelope{
		Token:     token,
		Claims:    claims,
		IssuedAt:  claims.IssuedAtTime(),
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

// Verify checks token and that expectedPayload hashes to the sealed digest.
// Failures are reported in a fixed order: malformed, signature, issuer,
// expiry, then payload digest.
func (s *Service) Verify(ctx context.Context, token string, expectedPayload any) (*Claims, error) {
	sum, _, err := digest.Of(expectedPayload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "payload cannot be canonicalized")
	}
	return s.VerifyDigest(ctx, token, sum)
}

// VerifyDigest is Verify against a precomputed digest.
func (s *Service) VerifyDigest(ctx context.Context, token, expectedDigest string) (*Claims, error) {
	ctx, span := tracer.Start(ctx, "envelope.Verify")
	defer span.End()
	start := time.Now()
	defer s.metrics.ObserveDuration("envelope_verify", start)

	claims, err := s.parse(ctx, token, true)
	if err == nil && !digest.Equal(claims.Digest, expectedDigest) {
		err = fail(ErrPayloadMismatch, nil)
	}
	if err != nil {
		reason := ReasonOf(err)
		attrs := []any{"reason", string(reason), "request_id", requestcontext.RequestID(ctx)}
		if claims != nil {
			attrs = append(attrs, "artifact_id", claims.ArtifactID)
		}
		s.logger.WarnContext(ctx, "envelope verification failed", attrs...)
		s.metrics.ObserveVerification(string(reason))
		span.SetStatus(codes.Error, string(reason))
		return nil, err
	}

	span.SetAttributes(attribute.String("artifact_id", claims.ArtifactID))
	s.metrics.ObserveVerification("valid")
	return claims, nil
}

// Inspect returns the claims of a correctly signed token from the trusted
// issuer without enforcing expiry. Used for attestation summaries, which
// report on envelopes whatever their age.
func (s *Service) Inspect(ctx context.Context, token string) (*Claims, error) {
	return s.parse(ctx, token, false)
}

func (s *Service) parse(ctx context.Context, token string, enforceExpiry bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fail(ErrMalformed, nil)
	}
	if s.keys.PublicKey() == nil {
		return nil, ErrKeyUnavailable
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }),
	}
	if enforceExpiry {
		opts = append(opts, jwt.WithIssuer(s.trustedIssuer), jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.keys.PublicKey(), nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}
	if !parsed.Valid {
		return nil, fail(ErrInvalidSignature, nil)
	}
	if !enforceExpiry && claims.Issuer != s.trustedIssuer {
		return claims, fail(ErrIssuerMismatch, nil)
	}
	if strings.TrimSpace(claims.ArtifactID) == "" || !digest.Valid(claims.Digest) {
		return nil, fail(ErrMalformed, nil)
	}
	return claims, nil
}

// classify maps parser errors onto verification failures. A token can fail
// several claim checks at once; issuer wins over expiry.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fail(ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fail(ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fail(ErrIssuerMismatch, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fail(ErrExpired, err)
	default:
		return fail(ErrMalformed, err)
	}
}

func fail(sentinel *dErrors.Error, cause error) error {
	return dErrors.Wrap(cause, sentinel.Code, sentinel.Message)
}
