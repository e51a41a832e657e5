// Package service records derivation edges between artifacts and answers
// lineage queries over them.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"veritas/internal/platform/logger"
	"veritas/internal/platform/metrics"
	"veritas/internal/provenance/graph"
	"veritas/internal/provenance/models"
	dErrors "veritas/pkg/domain-errors"
	audit "veritas/pkg/platform/audit"
	"veritas/pkg/requestcontext"
)

var tracer = otel.Tracer("veritas/internal/provenance")

type Store interface {
	LinkIfAbsent(ctx context.Context, edge *models.Edge) (*models.Edge, bool, error)
	ListByParent(ctx context.Context, parentID string) ([]models.Edge, error)
	ListByChild(ctx context.Context, childID string) ([]models.Edge, error)
	Reachable(ctx context.Context, artifactID string, dir graph.Direction) ([]models.Edge, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store          Store
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: logger.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Link records that req.ChildID was derived from req.ParentID. Linking the
// same (parent, child, relation) again returns the edge already stored.
// Artifacts are referenced by id only and need not be registered.
func (s *Service) Link(ctx context.Context, req models.LinkRequest) (*models.Edge, error) {
	ctx, span := tracer.Start(ctx, "provenance.Link")
	defer span.End()

	req.Normalize()
	switch {
	case req.ParentID == "":
		return nil, dErrors.New(dErrors.CodeValidation, "parent_id is required")
	case req.ChildID == "":
		return nil, dErrors.New(dErrors.CodeValidation, "child_id is required")
	case req.Relation == "":
		return nil, dErrors.New(dErrors.CodeValidation, "relation is required")
	case req.ParentID == req.ChildID:
		return nil, dErrors.New(dErrors.CodeValidation, "an artifact cannot be derived from itself")
	}
	span.SetAttributes(
		attribute.String("parent_id", req.ParentID),
		attribute.String("child_id", req.ChildID),
	)

	edge := &models.Edge{
		ID:          uuid.NewString(),
		ParentID:    req.ParentID,
		ChildID:     req.ChildID,
		Relation:    req.Relation,
		Description: req.Description,
		CreatedAt:   requestcontext.Now(ctx).UTC(),
	}
	stored, added, err := s.store.LinkIfAbsent(ctx, edge)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to record provenance edge")
	}
	if !added {
		return stored, nil
	}

	s.metrics.IncrementEdgesLinked()
	s.emit(ctx, audit.Event{
		Action:     string(audit.EventProvenanceLinked),
		ArtifactID: stored.ChildID,
		Subject:    stored.ParentID,
		Decision:   stored.Relation,
	})
	s.logger.InfoContext(ctx, "provenance edge recorded",
		"edge_id", stored.ID,
		"parent_id", stored.ParentID,
		"child_id", stored.ChildID,
		"relation", stored.Relation,
		"request_id", requestcontext.RequestID(ctx),
	)
	return stored, nil
}

// ChildrenOf lists edges whose parent is parentID, oldest first.
func (s *Service) ChildrenOf(ctx context.Context, parentID string) ([]models.Edge, error) {
	if parentID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_id is required")
	}
	edges, err := s.store.ListByParent(ctx, parentID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to list children")
	}
	return graph.FromEdges(edges).Neighbors(parentID, graph.Down), nil
}

// ParentsOf lists edges whose child is childID, oldest first.
func (s *Service) ParentsOf(ctx context.Context, childID string) ([]models.Edge, error) {
	if childID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_id is required")
	}
	edges, err := s.store.ListByChild(ctx, childID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to list parents")
	}
	return graph.FromEdges(edges).Neighbors(childID, graph.Up), nil
}

// Lineage returns every edge reachable from artifactID towards its ancestors
// and towards its descendants, each in breadth-first order. Cyclic data is
// tolerated: each node is expanded once.
func (s *Service) Lineage(ctx context.Context, artifactID string) (*models.Lineage, error) {
	ctx, span := tracer.Start(ctx, "provenance.Lineage")
	defer span.End()
	start := time.Now()
	defer s.metrics.ObserveDuration("lineage", start)

	if artifactID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "artifact_id is required")
	}

	var up, down []models.Edge
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		up, err = s.store.Reachable(gctx, artifactID, graph.Up)
		return err
	})
	g.Go(func() error {
		var err error
		down, err = s.store.Reachable(gctx, artifactID, graph.Down)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to load lineage")
	}

	lineage := &models.Lineage{
		ArtifactID:  artifactID,
		Ancestors:   nonNil(graph.FromEdges(up).Walk(artifactID, graph.Up)),
		Descendants: nonNil(graph.FromEdges(down).Walk(artifactID, graph.Down)),
	}
	span.SetAttributes(
		attribute.Int("ancestors", len(lineage.Ancestors)),
		attribute.Int("descendants", len(lineage.Descendants)),
	)
	return lineage, nil
}

func nonNil(edges []models.Edge) []models.Edge {
	if edges == nil {
		return []models.Edge{}
	}
	return edges
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"artifact_id", event.ArtifactID,
			"error", err,
		)
	}
}
