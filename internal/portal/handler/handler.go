package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"veritas/internal/portal/models"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/requestcontext"
)

const defaultTTLHours = 24

// Service defines the portal operations exposed over HTTP.
type Service interface {
	IssueLink(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error)
	Redeem(ctx context.Context, token, requestingParty string) (*models.DisclosureResult, error)
	Status(ctx context.Context, token string) (*models.TokenStatus, error)
	Revoke(ctx context.Context, token string) (bool, error)
	CleanupExpired(ctx context.Context) (int, error)
}

type Handler struct {
	service         Service
	logger          *slog.Logger
	defaultTTLHours int
	collapseReasons bool
	public          []func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithDefaultTTLHours sets the lifetime used when an issue request omits
// ttl_hours.
func WithDefaultTTLHours(hours int) Option {
	return func(h *Handler) {
		if hours > 0 {
			h.defaultTTLHours = hours
		}
	}
}

// WithCollapsedReasons reports every failed redemption as invalid_token.
// The detailed reason is still logged and audited by the service.
func WithCollapsedReasons(collapse bool) Option {
	return func(h *Handler) {
		h.collapseReasons = collapse
	}
}

// WithPublicMiddleware wraps the public endpoints, e.g. with a rate limit.
func WithPublicMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.public = append(h.public, mw...)
	}
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logger, defaultTTLHours: defaultTTLHours}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the public endpoints.
func (h *Handler) Register(r chi.Router) {
	r.With(h.public...).Post("/portal/redeem", h.HandleRedeem)
}

// RegisterAdmin mounts the operator endpoints.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/portal/tokens", h.HandleIssue)
	r.Get("/portal/tokens/{token}/status", h.HandleStatus)
	r.Post("/portal/tokens/{token}/revoke", h.HandleRevoke)
	r.Post("/portal/cleanup", h.HandleCleanup)
}

// HandleIssue handles POST /portal/tokens.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[IssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	ttl := h.defaultTTLHours
	if req.TTLHours != nil {
		ttl = *req.TTLHours
	}
	result, err := h.service.IssueLink(ctx, models.IssueRequest{
		ArtifactID:     req.ArtifactID,
		ArtifactDigest: req.ArtifactDigest,
		AllowedParty:   req.AllowedParty,
		TTLHours:       ttl,
		Permissions:    req.Permissions,
	})
	if err != nil {
		h.logFailure(ctx, "issue failed", err, "artifact_id", req.ArtifactID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromIssueResult(result))
}

// HandleRedeem handles POST /portal/redeem. Failed redemptions are normal
// responses with success=false.
func (h *Handler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RedeemRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.Redeem(ctx, req.Token, req.RequestingParty)
	if err != nil {
		h.logFailure(ctx, "redeem failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromDisclosureResult(result, h.collapseReasons))
}

// HandleStatus handles GET /portal/tokens/{token}/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	status, err := h.service.Status(ctx, token)
	if err != nil {
		h.logFailure(ctx, "status failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromTokenStatus(status))
}

// HandleRevoke handles POST /portal/tokens/{token}/revoke.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	revoked, err := h.service.Revoke(ctx, token)
	if err != nil {
		h.logFailure(ctx, "revoke failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RevokeResponse{Revoked: revoked})
}

// HandleCleanup handles POST /portal/cleanup.
func (h *Handler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.service.CleanupExpired(ctx)
	if err != nil {
		h.logFailure(ctx, "cleanup failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CleanupResponse{Purged: n})
}

func tokenParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "token is required"))
		return "", false
	}
	return token, true
}

// logFailure logs server-side failures. Token values are never logged.
func (h *Handler) logFailure(ctx context.Context, msg string, err error, attrs ...any) {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation, dErrors.CodeBadRequest, dErrors.CodeNotFound:
		return
	}
	args := append([]any{"request_id", requestcontext.RequestID(ctx), "error", err}, attrs...)
	h.logger.ErrorContext(ctx, msg, args...)
}
