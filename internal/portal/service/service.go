// Package service issues and redeems single-use disclosure tokens. A token
// lets one named party see a chosen subset of verification facts about one
// artifact, once, before it expires.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"veritas/internal/integrity/digest"
	"veritas/internal/platform/logger"
	"veritas/internal/platform/metrics"
	"veritas/internal/portal/models"
	dErrors "veritas/pkg/domain-errors"
	audit "veritas/pkg/platform/audit"
	"veritas/pkg/platform/sentinel"
	strutil "veritas/pkg/platform/strings"
	"veritas/pkg/requestcontext"
)

var tracer = otel.Tracer("veritas/internal/portal")

const (
	tokenBytes     = 32
	issueAttempts  = 3
	outcomeSuccess = "success"
)

// Store persists tokens. Execute must run fn and persist its changes
// atomically with respect to other Execute calls on the same token; errors
// returned by fn are passed through unchanged and nothing is written.
type Store interface {
	Create(ctx context.Context, token *models.Token) error
	Find(ctx context.Context, token string) (*models.Token, error)
	Execute(ctx context.Context, token string, fn func(*models.Token) error) (*models.Token, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// FactSource supplies the verification facts a disclosure may draw on. It
// is keyed by artifact id and never sees the sealed payload.
// RegisteredDigest reports an unknown artifact as a CodeNotFound error.
type FactSource interface {
	RegisteredDigest(ctx context.Context, artifactID string) (string, error)
	Facts(ctx context.Context, artifactID string, perms models.PermissionSet) (*models.Facts, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store          Store
	facts          FactSource
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

func New(store Store, facts FactSource, opts ...Option) *Service {
	s := &Service{store: store, facts: facts, logger: logger.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueLink creates a token for one party. Only the token value, its expiry
// and the effective permissions are returned.
func (s *Service) IssueLink(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error) {
	ctx, span := tracer.Start(ctx, "portal.IssueLink")
	defer span.End()

	artifactID := strings.TrimSpace(req.ArtifactID)
	party := models.NormalizeParty(req.AllowedParty)
	sum := digest.Normalize(req.ArtifactDigest)
	switch {
	case artifactID == "":
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_id is required")
	case party == "":
		return nil, dErrors.New(dErrors.CodeValidation, "allowed_party is required")
	case sum == "":
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_digest is required")
	case !digest.Valid(sum):
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_digest must be 64 hex characters")
	case req.TTLHours <= 0:
		return nil, dErrors.New(dErrors.CodeValidation, "ttl_hours must be positive")
	}
	perms, err := parsePermissions(req.Permissions)
	if err != nil {
		return nil, err
	}
	if err := s.checkRegistered(ctx, artifactID, sum); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx).UTC()
	token := &models.Token{
		ArtifactID:     artifactID,
		ArtifactDigest: sum,
		AllowedParty:   party,
		Permissions:    perms,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(req.TTLHours) * time.Hour),
	}
	if err := s.create(ctx, token); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("artifact_id", artifactID))

	s.metrics.IncrementTokensIssued()
	s.emit(ctx, audit.Event{
		Action:          string(audit.EventDisclosureIssued),
		ArtifactID:      artifactID,
		RequestingParty: party,
		Decision:        strings.Join(perms.Strings(), ","),
	})
	s.logger.InfoContext(ctx, "disclosure token issued",
		"artifact_id", artifactID,
		"allowed_party", party,
		"expires_at", token.ExpiresAt,
		"request_id", requestcontext.RequestID(ctx),
	)

	return &models.IssueResult{
		Token:       token.Token,
		ExpiresAt:   token.ExpiresAt,
		Permissions: perms,
	}, nil
}

// checkRegistered refuses tokens for artifacts the registry has never sealed,
// or for content other than what it sealed.
func (s *Service) checkRegistered(ctx context.Context, artifactID, sum string) error {
	registered, err := s.facts.RegisteredDigest(ctx, artifactID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "artifact is not registered")
		}
		return dErrors.Wrap(err, dErrors.CodeStorage, "failed to resolve artifact")
	}
	if !digest.Equal(registered, sum) {
		return dErrors.New(dErrors.CodeValidation, "artifact_digest does not match the registered artifact")
	}
	return nil
}

func (s *Service) create(ctx context.Context, token *models.Token) error {
	for attempt := 0; attempt < issueAttempts; attempt++ {
		value, err := generateToken()
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate token")
		}
		token.Token = value
		err = s.store.Create(ctx, token)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeStorage, "failed to store token")
		}
	}
	return dErrors.New(dErrors.CodeInternal, "failed to allocate a unique token")
}

func parsePermissions(values []string) (models.PermissionSet, error) {
	values = strutil.DedupeAndTrimLower(values)
	if len(values) == 0 {
		return models.NewPermissionSet(models.DefaultPermissions), nil
	}
	perms := make([]models.Permission, 0, len(values))
	var unknown []string
	for _, v := range values {
		p, ok := models.ParsePermission(v)
		if !ok {
			unknown = append(unknown, v)
			continue
		}
		perms = append(perms, p)
	}
	if len(unknown) > 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown permissions: "+strings.Join(unknown, ", "))
	}
	return models.NewPermissionSet(perms), nil
}

// generateToken returns 32 bytes from crypto/rand, base64url without padding.
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// denial carries a redemption reason out of a store transaction.
type denial struct {
	reason models.Reason
}

func (d *denial) Error() string {
	return "redemption denied: " + string(d.reason)
}

// check applies the redemption rules in order: expiry, prior use, party.
func check(t *models.Token, party string, now time.Time) models.Reason {
	switch {
	case t.ExpiredAt(now):
		return models.ReasonExpired
	case t.Used || t.Revoked:
		return models.ReasonAlreadyUsed
	case t.AllowedParty != party:
		return models.ReasonUnauthorized
	}
	return models.ReasonNone
}

// Redeem consumes the token for requestingParty and returns the permitted
// facts. Failed redemptions are results, not errors; an error means the
// outcome could not be decided and the token was not consumed.
//
// Facts are gathered before the token is consumed, so a failing fact source
// never burns a token. The store re-checks every rule inside Execute, which
// is what makes concurrent redemptions single-use.
func (s *Service) Redeem(ctx context.Context, token, requestingParty string) (*models.DisclosureResult, error) {
	ctx, span := tracer.Start(ctx, "portal.Redeem")
	defer span.End()
	start := time.Now()
	defer s.metrics.ObserveDuration("redeem", start)

	now := requestcontext.Now(ctx).UTC()
	party := models.NormalizeParty(requestingParty)
	token = strings.TrimSpace(token)
	if token == "" {
		return s.deny(ctx, nil, party, models.ReasonInvalidToken), nil
	}

	snapshot, err := s.store.Find(ctx, token)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return s.deny(ctx, nil, party, models.ReasonInvalidToken), nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load token")
	}
	if reason := check(snapshot, party, now); reason != models.ReasonNone {
		return s.deny(ctx, snapshot, party, reason), nil
	}

	facts, err := s.facts.Facts(ctx, snapshot.ArtifactID, snapshot.Permissions)
	if err != nil {
		// The artifact left the registry after issuance; the token can never
		// disclose anything.
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return s.deny(ctx, snapshot, party, models.ReasonInvalidToken), nil
		}
		return nil, err
	}

	consumed, err := s.store.Execute(ctx, token, func(t *models.Token) error {
		if reason := check(t, party, now); reason != models.ReasonNone {
			return &denial{reason: reason}
		}
		t.Used = true
		t.UsedAt = &now
		return nil
	})
	if err != nil {
		var d *denial
		switch {
		case errors.As(err, &d):
			return s.deny(ctx, snapshot, party, d.reason), nil
		case errors.Is(err, sentinel.ErrNotFound):
			return s.deny(ctx, snapshot, party, models.ReasonInvalidToken), nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to consume token")
	}

	disclosed := buildDisclosure(consumed, facts)
	span.SetAttributes(attribute.String("artifact_id", consumed.ArtifactID))
	s.metrics.ObserveRedemption(outcomeSuccess)
	s.emit(ctx, audit.Event{
		Action:          string(audit.EventDisclosureRedeemed),
		ArtifactID:      consumed.ArtifactID,
		RequestingParty: party,
		Decision:        "disclosed",
	})
	s.logger.InfoContext(ctx, "disclosure token redeemed",
		"artifact_id", consumed.ArtifactID,
		"requesting_party", party,
		"request_id", requestcontext.RequestID(ctx),
	)

	return &models.DisclosureResult{
		Success:       true,
		Disclosed:     disclosed,
		PrivacyNotice: PrivacyNotice(consumed.Permissions),
	}, nil
}

func (s *Service) deny(ctx context.Context, t *models.Token, party string, reason models.Reason) *models.DisclosureResult {
	artifactID := ""
	if t != nil {
		artifactID = t.ArtifactID
	}
	s.metrics.ObserveRedemption(string(reason))
	s.emit(ctx, audit.Event{
		Action:          string(audit.EventDisclosureDenied),
		ArtifactID:      artifactID,
		RequestingParty: party,
		Decision:        "denied",
		Reason:          string(reason),
	})
	s.logger.WarnContext(ctx, "disclosure redemption denied",
		"reason", string(reason),
		"artifact_id", artifactID,
		"requesting_party", party,
		"request_id", requestcontext.RequestID(ctx),
	)
	return &models.DisclosureResult{Success: false, Reason: reason}
}

// PrivacyNotice describes what a disclosure with perms contains and what it
// withholds.
func PrivacyNotice(perms models.PermissionSet) string {
	withheld := "none"
	if w := models.PermissionSet(perms.Withheld()); len(w) > 0 {
		withheld = strings.Join(w.Strings(), ", ")
	}
	return fmt.Sprintf(
		"This disclosure is limited to: %s. Withheld: %s. The sealed content itself is never disclosed.",
		strings.Join(perms.Strings(), ", "), withheld,
	)
}

// Status reports the token state without consuming it.
func (s *Service) Status(ctx context.Context, token string) (*models.TokenStatus, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return &models.TokenStatus{}, nil
	}
	t, err := s.store.Find(ctx, token)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return &models.TokenStatus{}, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load token")
	}
	now := requestcontext.Now(ctx)
	remaining := int64(t.ExpiresAt.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return &models.TokenStatus{
		Exists:           true,
		Expired:          t.ExpiredAt(now),
		Used:             t.Used,
		Revoked:          t.Revoked,
		RemainingSeconds: remaining,
		AllowedParty:     t.AllowedParty,
		ExpiresAt:        t.ExpiresAt,
	}, nil
}

// Revoke consumes an active token without disclosing anything. It reports
// false when the token is missing, expired, used or already revoked.
func (s *Service) Revoke(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	now := requestcontext.Now(ctx).UTC()
	revoked, err := s.store.Execute(ctx, token, func(t *models.Token) error {
		switch {
		case t.Used || t.Revoked:
			return sentinel.ErrAlreadyUsed
		case t.ExpiredAt(now):
			return sentinel.ErrExpired
		}
		t.Used = true
		t.UsedAt = &now
		t.Revoked = true
		return nil
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrAlreadyUsed) || errors.Is(err, sentinel.ErrExpired) {
			return false, nil
		}
		return false, dErrors.Wrap(err, dErrors.CodeStorage, "failed to revoke token")
	}

	s.metrics.IncrementTokensRevoked()
	s.emit(ctx, audit.Event{
		Action:          string(audit.EventDisclosureRevoked),
		ArtifactID:      revoked.ArtifactID,
		RequestingParty: revoked.AllowedParty,
		Decision:        "revoked",
	})
	s.logger.InfoContext(ctx, "disclosure token revoked",
		"artifact_id", revoked.ArtifactID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return true, nil
}

// CleanupExpired purges expired tokens that were never used and returns how
// many were removed. Consumed tokens are kept as the record of disclosure.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, requestcontext.Now(ctx))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStorage, "failed to purge expired tokens")
	}
	if n == 0 {
		return 0, nil
	}
	s.metrics.AddTokensPurged(n)
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventDisclosuresPurged),
		Decision: strconv.Itoa(n),
	})
	s.logger.InfoContext(ctx, "expired disclosure tokens purged", "count", n)
	return n, nil
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
