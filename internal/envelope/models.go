package envelope

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "veritas/pkg/domain-errors"
)

// FailureReason names why an envelope did not verify.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonMalformed        FailureReason = "malformed"
	ReasonInvalidSignature FailureReason = "invalid_signature"
	ReasonIssuerMismatch   FailureReason = "issuer_mismatch"
	ReasonExpired          FailureReason = "expired"
	ReasonPayloadMismatch  FailureReason = "payload_mismatch"
)

// Verification failures. All carry dErrors.CodeCrypto; match them with
// errors.Is.
var (
	ErrMalformed        = dErrors.New(dErrors.CodeCrypto, "envelope is malformed")
	ErrInvalidSignature = dErrors.New(dErrors.CodeCrypto, "envelope signature is invalid")
	ErrIssuerMismatch   = dErrors.New(dErrors.CodeCrypto, "envelope issuer is not trusted")
	ErrExpired          = dErrors.New(dErrors.CodeCrypto, "envelope has expired")
	ErrPayloadMismatch  = dErrors.New(dErrors.CodeCrypto, "payload digest does not match envelope")
	ErrKeyUnavailable   = dErrors.New(dErrors.CodeCrypto, "signing key unavailable")
)

// ReasonOf maps a verification error onto its FailureReason, or ReasonNone
// when err is not a verification failure.
func ReasonOf(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrIssuerMismatch):
		return ReasonIssuerMismatch
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrPayloadMismatch):
		return ReasonPayloadMismatch
	default:
		return ReasonNone
	}
}

// Claims is the signed body of an envelope.
type Claims struct {
	ArtifactID     string `json:"artifact_id"`
	Digest         string `json:"digest"`
	Classification string `json:"classification,omitempty"`
	jwt.RegisteredClaims
}

// Envelope is a sealed integrity assertion: the compact token plus the
// claims it carries.
type Envelope struct {
	Token     string
	Claims    Claims
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuedAtTime returns iat, or the zero time when absent.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// ExpiresAtTime returns exp, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
