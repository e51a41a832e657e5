package handler

import (
	"time"

	"veritas/internal/provenance/models"
)

type EdgeResponse struct {
	EdgeID      string    `json:"edge_id"`
	ParentID    string    `json:"parent_id"`
	ChildID     string    `json:"child_id"`
	Relation    string    `json:"relation"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type EdgesResponse struct {
	ArtifactID string         `json:"artifact_id"`
	Edges      []EdgeResponse `json:"edges"`
}

type LineageResponse struct {
	ArtifactID  string         `json:"artifact_id"`
	Ancestors   []EdgeResponse `json:"ancestors"`
	Descendants []EdgeResponse `json:"descendants"`
}

func FromEdge(e models.Edge) EdgeResponse {
	return EdgeResponse{
		EdgeID:      e.ID,
		ParentID:    e.ParentID,
		ChildID:     e.ChildID,
		Relation:    e.Relation,
		Description: e.Description,
		CreatedAt:   e.CreatedAt.UTC(),
	}
}

// FromEdges never returns nil so empty results encode as [].
func FromEdges(edges []models.Edge) []EdgeResponse {
	out := make([]EdgeResponse, 0, len(edges))
	for _, e := range edges {
		out = append(out, FromEdge(e))
	}
	return out
}

func FromLineage(l *models.Lineage) LineageResponse {
	return LineageResponse{
		ArtifactID:  l.ArtifactID,
		Ancestors:   FromEdges(l.Ancestors),
		Descendants: FromEdges(l.Descendants),
	}
}
