package handler

import (
	"time"

	"veritas/internal/artifact/models"
)

type SealResponse struct {
	ArtifactID string    `json:"artifact_id"`
	Digest     string    `json:"digest"`
	Envelope   string    `json:"envelope"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Resealed   bool      `json:"resealed"`
}

func FromSealResult(r *models.SealResult) SealResponse {
	return SealResponse{
		ArtifactID: r.ArtifactID,
		Digest:     r.Digest,
		Envelope:   r.Envelope,
		IssuedAt:   r.IssuedAt.UTC(),
		ExpiresAt:  r.ExpiresAt.UTC(),
		Resealed:   r.Resealed,
	}
}

type ClaimsResponse struct {
	Issuer     string    `json:"issuer"`
	IssuedAt   time.Time `json:"issued_at"`
	Expiry     time.Time `json:"expiry"`
	ArtifactID string    `json:"artifact_id"`
	Digest     string    `json:"digest"`
}

type VerifyResponse struct {
	Valid         bool            `json:"valid"`
	Claims        *ClaimsResponse `json:"claims,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

func FromVerifyResult(r *models.VerifyResult) VerifyResponse {
	resp := VerifyResponse{Valid: r.Valid, FailureReason: string(r.FailureReason)}
	if r.Valid && r.Claims != nil {
		resp.Claims = &ClaimsResponse{
			Issuer:     r.Claims.Issuer,
			IssuedAt:   r.Claims.IssuedAtTime().UTC(),
			Expiry:     r.Claims.ExpiresAtTime().UTC(),
			ArtifactID: r.Claims.ArtifactID,
			Digest:     r.Claims.Digest,
		}
	}
	return resp
}

type AttestationResponse struct {
	ArtifactID        string    `json:"artifact_id"`
	ClassificationKey string    `json:"classification_key"`
	Digest            string    `json:"digest"`
	Issuer            string    `json:"issuer"`
	SealedAt          time.Time `json:"sealed_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	IntegrityStatus   string    `json:"integrity_status"`
}

func FromAttestation(a *models.Attestation) AttestationResponse {
	return AttestationResponse{
		ArtifactID:        a.ArtifactID,
		ClassificationKey: a.ClassificationKey,
		Digest:            a.Digest,
		Issuer:            a.Issuer,
		SealedAt:          a.SealedAt.UTC(),
		ExpiresAt:         a.ExpiresAt.UTC(),
		IntegrityStatus:   string(a.Status),
	}
}
