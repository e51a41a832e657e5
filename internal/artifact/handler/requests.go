package handler

import (
	"bytes"
	"encoding/json"
	"strings"

	dErrors "veritas/pkg/domain-errors"
)

// SealRequest is the HTTP request body for POST /artifacts/seal.
type SealRequest struct {
	ArtifactID        string          `json:"artifact_id"`
	ClassificationKey string          `json:"classification_key"`
	CanonicalPayload  json.RawMessage `json:"canonical_payload"`

	payload any
}

// Validate implements httputil.Validatable.
func (r *SealRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.ArtifactID = strings.TrimSpace(r.ArtifactID)
	r.ClassificationKey = strings.TrimSpace(r.ClassificationKey)
	if r.ClassificationKey == "" {
		return dErrors.New(dErrors.CodeValidation, "classification_key is required")
	}
	if len(r.ArtifactID) > 128 {
		return dErrors.New(dErrors.CodeValidation, "artifact_id must be at most 128 characters")
	}
	payload, err := decodePayload(r.CanonicalPayload, "canonical_payload")
	if err != nil {
		return err
	}
	r.payload = payload
	return nil
}

// VerifyRequest is the HTTP request body for POST /artifacts/verify.
type VerifyRequest struct {
	Envelope string          `json:"envelope"`
	Payload  json.RawMessage `json:"payload"`

	payload any
}

// Validate implements httputil.Validatable.
func (r *VerifyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Envelope = strings.TrimSpace(r.Envelope)
	if r.Envelope == "" {
		return dErrors.New(dErrors.CodeValidation, "envelope is required")
	}
	payload, err := decodePayload(r.Payload, "payload")
	if err != nil {
		return err
	}
	r.payload = payload
	return nil
}

// decodePayload keeps numbers as json.Number so large integers survive
// exactly. An explicit null is a valid payload; a missing field is not.
func decodePayload(raw json.RawMessage, field string) (any, error) {
	if len(raw) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, field+" is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, field+" is not valid JSON")
	}
	return v, nil
}
