package models

import (
	"strings"
	"time"
)

// Edge is a directed, labelled derivation: ChildID was derived from ParentID.
// Edges are append-only and unique on (ParentID, ChildID, Relation).
type Edge struct {
	ID          string
	ParentID    string
	ChildID     string
	Relation    string
	Description string
	CreatedAt   time.Time
}

// Key returns the idempotency key of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{ParentID: e.ParentID, ChildID: e.ChildID, Relation: e.Relation}
}

type EdgeKey struct {
	ParentID string
	ChildID  string
	Relation string
}

type LinkRequest struct {
	ParentID    string
	ChildID     string
	Relation    string
	Description string
}

func (r *LinkRequest) Normalize() {
	r.ParentID = strings.TrimSpace(r.ParentID)
	r.ChildID = strings.TrimSpace(r.ChildID)
	r.Relation = strings.TrimSpace(r.Relation)
	r.Description = strings.TrimSpace(r.Description)
}

// Lineage holds every edge reachable from ArtifactID, split by direction.
type Lineage struct {
	ArtifactID  string
	Ancestors   []Edge
	Descendants []Edge
}
