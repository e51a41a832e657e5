package handler

import (
	"strings"

	dErrors "veritas/pkg/domain-errors"
)

// LinkRequest is the HTTP request body for POST /provenance/links.
type LinkRequest struct {
	ParentID    string `json:"parent_id"`
	ChildID     string `json:"child_id"`
	Relation    string `json:"relation"`
	Description string `json:"description"`
}

// Validate implements httputil.Validatable. Field rules beyond presence are
// enforced by the service.
func (r *LinkRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.ParentID = strings.TrimSpace(r.ParentID)
	r.ChildID = strings.TrimSpace(r.ChildID)
	r.Relation = strings.TrimSpace(r.Relation)
	if r.ParentID == "" || r.ChildID == "" {
		return dErrors.New(dErrors.CodeValidation, "parent_id and child_id are required")
	}
	if r.Relation == "" {
		return dErrors.New(dErrors.CodeValidation, "relation is required")
	}
	return nil
}
