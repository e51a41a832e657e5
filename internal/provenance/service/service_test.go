package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"veritas/internal/provenance/graph"
	"veritas/internal/provenance/models"
	"veritas/internal/provenance/service/mocks"
	"veritas/internal/provenance/store"
	dErrors "veritas/pkg/domain-errors"
	audit "veritas/pkg/platform/audit"
	"veritas/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemory
	service *Service
	now     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.service = New(s.store)
	s.now = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
}

// at returns a context whose clock reads now+offset seconds, so edges get
// distinct creation times in the order they are linked.
func (s *ServiceSuite) at(offset int) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(time.Duration(offset)*time.Second))
}

func (s *ServiceSuite) link(offset int, parent, child string) *models.Edge {
	edge, err := s.service.Link(s.at(offset), models.LinkRequest{ParentID: parent, ChildID: child, Relation: "derived_from"})
	s.Require().NoError(err)
	return edge
}

func edgeIDs(edges []models.Edge) []string {
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.ID
	}
	return out
}

func (s *ServiceSuite) TestLink() {
	s.Run("stores the edge with request time", func() {
		edge, err := s.service.Link(s.at(0), models.LinkRequest{
			ParentID:    " raw-1 ",
			ChildID:     "report-1",
			Relation:    "derived_from",
			Description: "monthly rollup",
		})
		s.Require().NoError(err)
		s.NotEmpty(edge.ID)
		s.Equal("raw-1", edge.ParentID)
		s.Equal("report-1", edge.ChildID)
		s.Equal("monthly rollup", edge.Description)
		s.True(edge.CreatedAt.Equal(s.now))
	})

	s.Run("is idempotent on parent, child and relation", func() {
		first := s.link(1, "A", "B")
		again, err := s.service.Link(s.at(5), models.LinkRequest{ParentID: "A", ChildID: "B", Relation: "derived_from", Description: "ignored"})
		s.Require().NoError(err)
		s.Equal(first.ID, again.ID)
		s.True(again.CreatedAt.Equal(first.CreatedAt))

		children, err := s.service.ChildrenOf(s.at(6), "A")
		s.Require().NoError(err)
		s.Len(children, 1)
	})

	s.Run("a different relation is a separate edge", func() {
		first := s.link(1, "X", "Y")
		other, err := s.service.Link(s.at(2), models.LinkRequest{ParentID: "X", ChildID: "Y", Relation: "amends"})
		s.Require().NoError(err)
		s.NotEqual(first.ID, other.ID)
	})

	s.Run("rejects invalid requests", func() {
		cases := []struct {
			name string
			req  models.LinkRequest
		}{
			{"self loop", models.LinkRequest{ParentID: "A", ChildID: "A", Relation: "derived_from"}},
			{"self loop after trimming", models.LinkRequest{ParentID: "A ", ChildID: " A", Relation: "derived_from"}},
			{"missing parent", models.LinkRequest{ChildID: "B", Relation: "derived_from"}},
			{"missing child", models.LinkRequest{ParentID: "A", Relation: "derived_from"}},
			{"missing relation", models.LinkRequest{ParentID: "A", ChildID: "B", Relation: "  "}},
		}
		for _, tc := range cases {
			_, err := s.service.Link(s.at(0), tc.req)
			s.Require().Error(err, tc.name)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), tc.name)
		}
	})

	s.Run("concurrent duplicates produce one edge", func() {
		const workers = 16
		var wg sync.WaitGroup
		ids := make([]string, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				edge, err := s.service.Link(s.at(i), models.LinkRequest{ParentID: "P", ChildID: "C", Relation: "derived_from"})
				s.NoError(err)
				if edge != nil {
					ids[i] = edge.ID
				}
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			s.Equal(ids[0], id)
		}
		parents, err := s.service.ParentsOf(s.at(0), "C")
		s.Require().NoError(err)
		s.Len(parents, 1)
	})
}

func (s *ServiceSuite) TestChildrenAndParents() {
	late := s.link(3, "root", "a")
	early := s.link(1, "root", "z")
	s.link(2, "other", "a")

	children, err := s.service.ChildrenOf(s.at(10), "root")
	s.Require().NoError(err)
	s.Equal([]string{early.ID, late.ID}, edgeIDs(children))

	parents, err := s.service.ParentsOf(s.at(10), "a")
	s.Require().NoError(err)
	s.Require().Len(parents, 2)
	s.Equal("other", parents[0].ParentID)
	s.Equal("root", parents[1].ParentID)

	none, err := s.service.ChildrenOf(s.at(10), "unknown")
	s.Require().NoError(err)
	s.Empty(none)

	_, err = s.service.ParentsOf(s.at(10), "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestLineage() {
	s.Run("chain", func() {
		ab := s.link(1, "A", "B")
		bc := s.link(2, "B", "C")

		fromC, err := s.service.Lineage(s.at(10), "C")
		s.Require().NoError(err)
		s.Equal([]string{bc.ID, ab.ID}, edgeIDs(fromC.Ancestors))
		s.Empty(fromC.Descendants)

		fromA, err := s.service.Lineage(s.at(10), "A")
		s.Require().NoError(err)
		s.Empty(fromA.Ancestors)
		s.Equal([]string{ab.ID, bc.ID}, edgeIDs(fromA.Descendants))

		fromB, err := s.service.Lineage(s.at(10), "B")
		s.Require().NoError(err)
		s.Equal([]string{ab.ID}, edgeIDs(fromB.Ancestors))
		s.Equal([]string{bc.ID}, edgeIDs(fromB.Descendants))
	})

	s.Run("terminates on a cycle", func() {
		s.link(1, "c1", "c2")
		s.link(2, "c2", "c3")
		s.link(3, "c3", "c1")

		lineage, err := s.service.Lineage(s.at(10), "c1")
		s.Require().NoError(err)
		s.Len(lineage.Ancestors, 3)
		s.Len(lineage.Descendants, 3)
	})

	s.Run("unknown artifact has empty lineage", func() {
		lineage, err := s.service.Lineage(s.at(10), "nobody")
		s.Require().NoError(err)
		s.NotNil(lineage.Ancestors)
		s.NotNil(lineage.Descendants)
		s.Empty(lineage.Ancestors)
		s.Empty(lineage.Descendants)
	})

	s.Run("wide fan out", func() {
		for i := 0; i < 50; i++ {
			s.link(i, "hub", fmt.Sprintf("leaf-%02d", i))
		}
		lineage, err := s.service.Lineage(s.at(100), "hub")
		s.Require().NoError(err)
		s.Require().Len(lineage.Descendants, 50)
		s.Equal("leaf-00", lineage.Descendants[0].ChildID)
		s.Equal("leaf-49", lineage.Descendants[49].ChildID)
	})
}

type MockedServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	store   *mocks.MockStore
	audit   *mocks.MockAuditPublisher
	service *Service
	ctx     context.Context
}

func TestMockedServiceSuite(t *testing.T) {
	suite.Run(t, new(MockedServiceSuite))
}

func (s *MockedServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.audit = mocks.NewMockAuditPublisher(s.ctrl)
	s.service = New(s.store, WithAuditPublisher(s.audit))
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC))
}

func (s *MockedServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *MockedServiceSuite) TestLinkEmitsAuditOnlyForNewEdges() {
	req := models.LinkRequest{ParentID: "A", ChildID: "B", Relation: "derived_from"}

	s.store.EXPECT().LinkIfAbsent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e *models.Edge) (*models.Edge, bool, error) {
			return e, true, nil
		})
	s.audit.EXPECT().Emit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, event audit.Event) error {
			s.Equal(string(audit.EventProvenanceLinked), event.Action)
			s.Equal("B", event.ArtifactID)
			return nil
		})
	_, err := s.service.Link(s.ctx, req)
	s.Require().NoError(err)

	existing := &models.Edge{ID: "e-1", ParentID: "A", ChildID: "B", Relation: "derived_from"}
	s.store.EXPECT().LinkIfAbsent(gomock.Any(), gomock.Any()).Return(existing, false, nil)
	got, err := s.service.Link(s.ctx, req)
	s.Require().NoError(err)
	s.Equal("e-1", got.ID)
}

func (s *MockedServiceSuite) TestStoreFailuresAreStorageErrors() {
	boom := errors.New("connection reset")

	s.store.EXPECT().LinkIfAbsent(gomock.Any(), gomock.Any()).Return(nil, false, boom)
	_, err := s.service.Link(s.ctx, models.LinkRequest{ParentID: "A", ChildID: "B", Relation: "r"})
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))
	s.ErrorIs(err, boom)

	s.store.EXPECT().ListByParent(gomock.Any(), "A").Return(nil, boom)
	_, err = s.service.ChildrenOf(s.ctx, "A")
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))

	s.store.EXPECT().Reachable(gomock.Any(), "A", graph.Up).Return(nil, nil).AnyTimes()
	s.store.EXPECT().Reachable(gomock.Any(), "A", graph.Down).Return(nil, boom)
	_, err = s.service.Lineage(s.ctx, "A")
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))
}
