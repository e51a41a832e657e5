package handler

import (
	"strings"

	dErrors "veritas/pkg/domain-errors"
)

// IssueRequest is the HTTP request body for POST /portal/tokens. A missing
// ttl_hours falls back to the configured default; an explicit zero is an
// error.
type IssueRequest struct {
	ArtifactID     string   `json:"artifact_id"`
	ArtifactDigest string   `json:"artifact_digest"`
	AllowedParty   string   `json:"allowed_party"`
	TTLHours       *int     `json:"ttl_hours"`
	Permissions    []string `json:"permissions"`
}

// Validate implements httputil.Validatable. Content rules live in the
// service.
func (r *IssueRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.ArtifactID = strings.TrimSpace(r.ArtifactID)
	r.ArtifactDigest = strings.TrimSpace(r.ArtifactDigest)
	r.AllowedParty = strings.TrimSpace(r.AllowedParty)
	if r.ArtifactID == "" {
		return dErrors.New(dErrors.CodeValidation, "artifact_id is required")
	}
	if r.AllowedParty == "" {
		return dErrors.New(dErrors.CodeValidation, "allowed_party is required")
	}
	if r.ArtifactDigest == "" {
		return dErrors.New(dErrors.CodeValidation, "artifact_digest is required")
	}
	return nil
}

// RedeemRequest is the HTTP request body for POST /portal/redeem.
type RedeemRequest struct {
	Token           string `json:"token"`
	RequestingParty string `json:"requesting_party"`
}

// Validate implements httputil.Validatable. Unknown or empty tokens are not
// rejected here so that every bad token gets the same redemption response.
func (r *RedeemRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Token = strings.TrimSpace(r.Token)
	r.RequestingParty = strings.TrimSpace(r.RequestingParty)
	return nil
}
