package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"veritas/internal/artifact/models"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/requestcontext"
)

// Service defines the artifact operations exposed over HTTP.
type Service interface {
	Seal(ctx context.Context, req models.SealRequest) (*models.SealResult, error)
	Verify(ctx context.Context, req models.VerifyRequest) (*models.VerifyResult, error)
	Attestation(ctx context.Context, artifactID string) (*models.Attestation, error)
}

// Handler wires artifact endpoints to the artifact service.
type Handler struct {
	service Service
	logger  *slog.Logger
	public  []func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithPublicMiddleware wraps the public endpoints, e.g. with a rate limit.
func WithPublicMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.public = append(h.public, mw...)
	}
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the public endpoints.
func (h *Handler) Register(r chi.Router) {
	r.With(h.public...).Post("/artifacts/verify", h.HandleVerify)
}

// RegisterAdmin mounts the operator endpoints.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/artifacts/seal", h.HandleSeal)
	r.Get("/artifacts/{artifactID}", h.HandleGet)
}

// HandleSeal handles POST /artifacts/seal.
func (h *Handler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[SealRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.Seal(ctx, models.SealRequest{
		ArtifactID:        req.ArtifactID,
		ClassificationKey: req.ClassificationKey,
		Payload:           req.payload,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "seal failed",
			"request_id", requestID,
			"classification_key", req.ClassificationKey,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "seal handled",
		"request_id", requestID,
		"artifact_id", result.ArtifactID,
		"resealed", result.Resealed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	status := http.StatusCreated
	if result.Resealed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, FromSealResult(result))
}

// HandleVerify handles POST /artifacts/verify. An invalid envelope is a
// normal response with valid=false.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[VerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.Verify(ctx, models.VerifyRequest{Envelope: req.Envelope, Payload: req.payload})
	if err != nil {
		h.logger.ErrorContext(ctx, "verify failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromVerifyResult(result))
}

// HandleGet handles GET /artifacts/{artifactID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	artifactID := strings.TrimSpace(chi.URLParam(r, "artifactID"))
	if artifactID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "artifact_id is required"))
		return
	}

	att, err := h.service.Attestation(ctx, artifactID)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.ErrorContext(ctx, "artifact lookup failed",
				"request_id", requestcontext.RequestID(ctx),
				"artifact_id", artifactID,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromAttestation(att))
}
