package models

import (
	"strings"
	"time"

	"veritas/internal/envelope"
)

// Record is the registry entry for one sealed artifact. ArtifactID is
// immutable and unique per (ClassificationKey, Digest).
type Record struct {
	ArtifactID        string
	ClassificationKey string
	Digest            string
	Envelope          string
	Issuer            string
	SealedAt          time.Time
	ExpiresAt         time.Time
}

// SealRequest asks for a payload to be sealed. ArtifactID is optional.
type SealRequest struct {
	ArtifactID        string
	ClassificationKey string
	Payload           any
}

// Normalize trims identifiers.
func (r *SealRequest) Normalize() {
	r.ArtifactID = strings.TrimSpace(r.ArtifactID)
	r.ClassificationKey = strings.TrimSpace(r.ClassificationKey)
}

type SealResult struct {
	ArtifactID string
	Digest     string
	Envelope   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	// Resealed is true when identical content was already registered and
	// the existing id was reused.
	Resealed bool
}

type VerifyRequest struct {
	Envelope string
	Payload  any
}

// VerifyResult reports verification as data; only infrastructure problems
// surface as errors.
type VerifyResult struct {
	Valid         bool
	Claims        *envelope.Claims
	FailureReason envelope.FailureReason
}

// IntegrityStatus summarizes the state of an artifact's envelope.
type IntegrityStatus string

const (
	IntegrityIntact       IntegrityStatus = "intact"
	IntegrityExpired      IntegrityStatus = "envelope_expired"
	IntegrityUnverifiable IntegrityStatus = "unverifiable"
)

// Attestation is the disclosable summary of a sealed artifact. It never
// contains payload content.
type Attestation struct {
	ArtifactID        string
	ClassificationKey string
	Digest            string
	Issuer            string
	SealedAt          time.Time
	ExpiresAt         time.Time
	Status            IntegrityStatus
}
