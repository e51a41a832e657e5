package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"veritas/internal/provenance/models"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/requestcontext"
)

// Service defines the provenance operations exposed over HTTP.
type Service interface {
	Link(ctx context.Context, req models.LinkRequest) (*models.Edge, error)
	ChildrenOf(ctx context.Context, parentID string) ([]models.Edge, error)
	ParentsOf(ctx context.Context, childID string) ([]models.Edge, error)
	Lineage(ctx context.Context, artifactID string) (*models.Lineage, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdmin mounts the provenance endpoints. All of them are operator
// routes.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/provenance/links", h.HandleLink)
	r.Get("/provenance/{artifactID}/children", h.HandleChildren)
	r.Get("/provenance/{artifactID}/parents", h.HandleParents)
	r.Get("/provenance/{artifactID}/lineage", h.HandleLineage)
}

// HandleLink handles POST /provenance/links. Repeating an existing link
// returns the stored edge.
func (h *Handler) HandleLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[LinkRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	edge, err := h.service.Link(ctx, models.LinkRequest{
		ParentID:    req.ParentID,
		ChildID:     req.ChildID,
		Relation:    req.Relation,
		Description: req.Description,
	})
	if err != nil {
		h.logFailure(ctx, "link failed", err, "parent_id", req.ParentID, "child_id", req.ChildID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromEdge(*edge))
}

// HandleChildren handles GET /provenance/{artifactID}/children.
func (h *Handler) HandleChildren(w http.ResponseWriter, r *http.Request) {
	h.handleEdges(w, r, h.service.ChildrenOf)
}

// HandleParents handles GET /provenance/{artifactID}/parents.
func (h *Handler) HandleParents(w http.ResponseWriter, r *http.Request) {
	h.handleEdges(w, r, h.service.ParentsOf)
}

func (h *Handler) handleEdges(w http.ResponseWriter, r *http.Request, list func(context.Context, string) ([]models.Edge, error)) {
	ctx := r.Context()
	artifactID, ok := artifactParam(w, r)
	if !ok {
		return
	}
	edges, err := list(ctx, artifactID)
	if err != nil {
		h.logFailure(ctx, "edge listing failed", err, "artifact_id", artifactID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, EdgesResponse{ArtifactID: artifactID, Edges: FromEdges(edges)})
}

// HandleLineage handles GET /provenance/{artifactID}/lineage.
func (h *Handler) HandleLineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	artifactID, ok := artifactParam(w, r)
	if !ok {
		return
	}
	lineage, err := h.service.Lineage(ctx, artifactID)
	if err != nil {
		h.logFailure(ctx, "lineage failed", err, "artifact_id", artifactID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromLineage(lineage))
}

func artifactParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "artifactID"))
	if id == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "artifact_id is required"))
		return "", false
	}
	return id, true
}

// logFailure logs server-side failures; client errors are not logged.
func (h *Handler) logFailure(ctx context.Context, msg string, err error, attrs ...any) {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation, dErrors.CodeBadRequest, dErrors.CodeNotFound:
		return
	}
	args := append([]any{"request_id", requestcontext.RequestID(ctx), "error", err}, attrs...)
	h.logger.ErrorContext(ctx, msg, args...)
}
