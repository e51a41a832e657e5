package handler

import (
	"time"

	"veritas/internal/portal/models"
)

type IssueResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Permissions []string  `json:"permissions"`
}

func FromIssueResult(r *models.IssueResult) IssueResponse {
	return IssueResponse{
		Token:       r.Token,
		ExpiresAt:   r.ExpiresAt.UTC(),
		Permissions: r.Permissions.Strings(),
	}
}

type RedeemResponse struct {
	Success       bool               `json:"success"`
	Reason        string             `json:"reason,omitempty"`
	Disclosed     *models.Disclosure `json:"disclosed,omitempty"`
	PrivacyNotice string             `json:"privacy_notice,omitempty"`
}

// FromDisclosureResult maps a redemption outcome. With collapse set, every
// failure reason becomes invalid_token.
func FromDisclosureResult(r *models.DisclosureResult, collapse bool) RedeemResponse {
	if !r.Success {
		reason := r.Reason
		if collapse {
			reason = models.ReasonInvalidToken
		}
		return RedeemResponse{Success: false, Reason: string(reason)}
	}
	return RedeemResponse{
		Success:       true,
		Disclosed:     r.Disclosed,
		PrivacyNotice: r.PrivacyNotice,
	}
}

type StatusResponse struct {
	Exists           bool       `json:"exists"`
	Expired          bool       `json:"expired"`
	Used             bool       `json:"used"`
	Revoked          bool       `json:"revoked"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	AllowedParty     string     `json:"allowed_party,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

func FromTokenStatus(s *models.TokenStatus) StatusResponse {
	resp := StatusResponse{
		Exists:           s.Exists,
		Expired:          s.Expired,
		Used:             s.Used,
		Revoked:          s.Revoked,
		RemainingSeconds: s.RemainingSeconds,
		AllowedParty:     s.AllowedParty,
	}
	if s.Exists {
		at := s.ExpiresAt.UTC()
		resp.ExpiresAt = &at
	}
	return resp
}

type RevokeResponse struct {
	Revoked bool `json:"revoked"`
}

type CleanupResponse struct {
	Purged int `json:"purged"`
}
