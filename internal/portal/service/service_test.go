package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	artifactmodels "veritas/internal/artifact/models"
	"veritas/internal/portal/models"
	"veritas/internal/portal/service/mocks"
	"veritas/internal/portal/store"
	provenancemodels "veritas/internal/provenance/models"
	dErrors "veritas/pkg/domain-errors"
	audit "veritas/pkg/platform/audit"
	auditmemory "veritas/pkg/platform/audit/store/memory"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

const (
	testDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	party      = "auditor@example.com"
)

// staticFacts serves the same facts for every artifact and counts calls.
// Only artifacts in registered resolve to a digest.
type staticFacts struct {
	facts      *models.Facts
	registered map[string]string
	calls      atomic.Int32
}

func (f *staticFacts) RegisteredDigest(_ context.Context, artifactID string) (string, error) {
	sum, ok := f.registered[artifactID]
	if !ok {
		return "", dErrors.New(dErrors.CodeNotFound, "artifact not found")
	}
	return sum, nil
}

func (f *staticFacts) Facts(_ context.Context, _ string, _ models.PermissionSet) (*models.Facts, error) {
	f.calls.Add(1)
	return f.facts, nil
}

type auditPublisherFunc func(ctx context.Context, event audit.Event) error

func (f auditPublisherFunc) Emit(ctx context.Context, event audit.Event) error {
	return f(ctx, event)
}

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemory
	facts   *staticFacts
	audit   *auditmemory.InMemoryStore
	service *Service
	now     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.facts = &staticFacts{registered: map[string]string{"art-1": testDigest}, facts: &models.Facts{
		Attestation: &artifactmodels.Attestation{
			ArtifactID:        "art-1",
			ClassificationKey: "invoice",
			Digest:            testDigest,
			Issuer:            "veritas",
			SealedAt:          s.now.Add(-48 * time.Hour),
			ExpiresAt:         s.now.Add(-47 * time.Hour),
			Status:            artifactmodels.IntegrityExpired,
		},
		Lineage: &provenancemodels.Lineage{
			ArtifactID: "art-1",
			Ancestors: []provenancemodels.Edge{
				{ID: "e-1", ParentID: "raw-1", ChildID: "art-1", Relation: "derived_from", CreatedAt: s.now},
			},
			Descendants: []provenancemodels.Edge{},
		},
	}}
	s.service = New(s.store, s.facts, WithAuditPublisher(auditPublisherFunc(s.audit.Append)))
}

func (s *ServiceSuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(d))
}

func (s *ServiceSuite) issue(perms ...string) *models.IssueResult {
	res, err := s.service.IssueLink(s.at(0), models.IssueRequest{
		ArtifactID:     "art-1",
		ArtifactDigest: testDigest,
		AllowedParty:   "Auditor@Example.com",
		TTLHours:       24,
		Permissions:    perms,
	})
	s.Require().NoError(err)
	return res
}

// encoded returns the JSON object form of a disclosure.
func (s *ServiceSuite) encoded(d *models.Disclosure) map[string]any {
	raw, err := json.Marshal(d)
	s.Require().NoError(err)
	var out map[string]any
	s.Require().NoError(json.Unmarshal(raw, &out))
	return out
}

func (s *ServiceSuite) TestIssueLink() {
	s.Run("returns an opaque token with expiry and default permissions", func() {
		res := s.issue()
		s.Len(res.Token, 43)
		s.NotContains(res.Token, "=")
		s.True(res.ExpiresAt.Equal(s.now.Add(24 * time.Hour)))
		s.Equal([]string{"digest", "timestamp", "attestation_summary"}, res.Permissions.Strings())

		stored, err := s.store.Find(context.Background(), res.Token)
		s.Require().NoError(err)
		s.Equal(party, stored.AllowedParty)
		s.False(stored.Used)
	})

	s.Run("tokens are unique", func() {
		seen := map[string]struct{}{}
		for i := 0; i < 50; i++ {
			tok := s.issue().Token
			_, dup := seen[tok]
			s.False(dup)
			seen[tok] = struct{}{}
		}
	})

	s.Run("accepts hyphenated permission names", func() {
		res := s.issue("integrity-status", "digest")
		s.Equal([]string{"digest", "integrity_status"}, res.Permissions.Strings())
	})

	s.Run("folds case and repeats, ignores blanks", func() {
		res := s.issue(" LINEAGE", "lineage", "", "Digest")
		s.Equal([]string{"digest", "lineage"}, res.Permissions.Strings())

		res = s.issue(" ", "")
		s.Equal([]string{"digest", "timestamp", "attestation_summary"}, res.Permissions.Strings())
	})

	s.Run("rejects artifacts the registry never sealed", func() {
		_, err := s.service.IssueLink(s.at(0), models.IssueRequest{
			ArtifactID: "never-sealed", ArtifactDigest: testDigest, AllowedParty: party, TTLHours: 1,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("rejects a digest other than the registered one", func() {
		_, err := s.service.IssueLink(s.at(0), models.IssueRequest{
			ArtifactID: "art-1", ArtifactDigest: strings.Repeat("0", 64), AllowedParty: party, TTLHours: 1,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("digest comparison ignores case", func() {
		res, err := s.service.IssueLink(s.at(0), models.IssueRequest{
			ArtifactID: "art-1", ArtifactDigest: strings.ToUpper(testDigest), AllowedParty: party, TTLHours: 1,
		})
		s.Require().NoError(err)
		s.NotEmpty(res.Token)
	})

	s.Run("rejects invalid requests", func() {
		valid := models.IssueRequest{ArtifactID: "art-1", ArtifactDigest: testDigest, AllowedParty: party, TTLHours: 1}
		cases := map[string]func(r *models.IssueRequest){
			"missing artifact":   func(r *models.IssueRequest) { r.ArtifactID = " " },
			"missing party":      func(r *models.IssueRequest) { r.AllowedParty = "" },
			"missing digest":     func(r *models.IssueRequest) { r.ArtifactDigest = "" },
			"short digest":       func(r *models.IssueRequest) { r.ArtifactDigest = testDigest[:63] },
			"non-hex digest":     func(r *models.IssueRequest) { r.ArtifactDigest = strings.Repeat("g", 64) },
			"zero ttl":           func(r *models.IssueRequest) { r.TTLHours = 0 },
			"negative ttl":       func(r *models.IssueRequest) { r.TTLHours = -3 },
			"unknown permission": func(r *models.IssueRequest) { r.Permissions = []string{"digest", "payload"} },
		}
		for name, mutate := range cases {
			req := valid
			mutate(&req)
			_, err := s.service.IssueLink(s.at(0), req)
			s.Require().Error(err, name)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), name)
		}
	})
}

func (s *ServiceSuite) TestRedeem() {
	s.Run("single use", func() {
		tok := s.issue().Token

		first, err := s.service.Redeem(s.at(time.Hour), tok, party)
		s.Require().NoError(err)
		s.True(first.Success)
		s.Equal(models.ReasonNone, first.Reason)
		s.NotEmpty(first.PrivacyNotice)

		second, err := s.service.Redeem(s.at(time.Hour), tok, party)
		s.Require().NoError(err)
		s.False(second.Success)
		s.Equal(models.ReasonAlreadyUsed, second.Reason)
		s.Nil(second.Disclosed)
	})

	s.Run("party comparison ignores case and surrounding space", func() {
		tok := s.issue().Token
		res, err := s.service.Redeem(s.at(time.Hour), tok, "  AUDITOR@example.com")
		s.Require().NoError(err)
		s.True(res.Success)
	})

	s.Run("unauthorized party does not consume", func() {
		tok := s.issue().Token

		denied, err := s.service.Redeem(s.at(time.Hour), tok, "intruder@example.com")
		s.Require().NoError(err)
		s.False(denied.Success)
		s.Equal(models.ReasonUnauthorized, denied.Reason)

		status, err := s.service.Status(s.at(time.Hour), tok)
		s.Require().NoError(err)
		s.False(status.Used)

		ok, err := s.service.Redeem(s.at(time.Hour), tok, party)
		s.Require().NoError(err)
		s.True(ok.Success)
	})

	s.Run("unknown token", func() {
		res, err := s.service.Redeem(s.at(0), "not-a-token", party)
		s.Require().NoError(err)
		s.Equal(models.ReasonInvalidToken, res.Reason)

		res, err = s.service.Redeem(s.at(0), "", party)
		s.Require().NoError(err)
		s.Equal(models.ReasonInvalidToken, res.Reason)
	})

	s.Run("expiry is exclusive of the expiry instant", func() {
		tok := s.issue().Token

		expired, err := s.service.Redeem(s.at(24*time.Hour+time.Second), tok, party)
		s.Require().NoError(err)
		s.Equal(models.ReasonExpired, expired.Reason)

		atExpiry, err := s.service.Redeem(s.at(24*time.Hour), tok, party)
		s.Require().NoError(err)
		s.True(atExpiry.Success)
	})

	s.Run("expired wins over wrong party", func() {
		tok := s.issue().Token
		res, err := s.service.Redeem(s.at(48*time.Hour), tok, "intruder@example.com")
		s.Require().NoError(err)
		s.Equal(models.ReasonExpired, res.Reason)
	})

	s.Run("denials are audited", func() {
		s.audit.Clear()
		tok := s.issue().Token
		_, err := s.service.Redeem(s.at(time.Hour), tok, "intruder@example.com")
		s.Require().NoError(err)

		events, err := s.audit.ListByArtifact(context.Background(), "art-1")
		s.Require().NoError(err)
		var denied []audit.Event
		for _, e := range events {
			if e.Action == string(audit.EventDisclosureDenied) {
				denied = append(denied, e)
			}
		}
		s.Require().Len(denied, 1)
		s.Equal(string(models.ReasonUnauthorized), denied[0].Reason)
		s.Equal("intruder@example.com", denied[0].RequestingParty)
	})
}

func (s *ServiceSuite) TestDisclosureScoping() {
	s.Run("digest only", func() {
		tok := s.issue("digest").Token
		res, err := s.service.Redeem(s.at(time.Hour), tok, party)
		s.Require().NoError(err)
		s.Require().True(res.Success)

		fields := s.encoded(res.Disclosed)
		s.Equal(map[string]any{"digest": testDigest}, fields)
		s.Contains(res.PrivacyNotice, "Withheld: timestamp, attestation_summary, integrity_status, lineage")
	})

	s.Run("default set", func() {
		tok := s.issue().Token
		res, err := s.service.Redeem(s.at(time.Hour), tok, party)
		s.Require().NoError(err)

		fields := s.encoded(res.Disclosed)
		s.Len(fields, 3)
		s.Equal(testDigest, fields["digest"])
		s.Equal(s.now.Add(-48*time.Hour).Format(time.RFC3339), fields["timestamp"])
		summary, ok := fields["attestation_summary"].(map[string]any)
		s.Require().True(ok)
		s.Equal(map[string]any{
			"issuer":              "veritas",
			"signature_algorithm": "PS256",
			"classification_key":  "invoice",
		}, summary)
		s.NotContains(fields, "integrity_status")
		s.NotContains(fields, "lineage")
	})

	s.Run("integrity status and lineage", func() {
		tok := s.issue("integrity_status", "lineage").Token
		res, err := s.service.Redeem(s.at(time.Hour), tok, party)
		s.Require().NoError(err)

		fields := s.encoded(res.Disclosed)
		s.Len(fields, 2)
		s.Equal(string(artifactmodels.IntegrityExpired), fields["integrity_status"])
		lineage := fields["lineage"].(map[string]any)
		ancestors := lineage["ancestors"].([]any)
		s.Require().Len(ancestors, 1)
		s.Equal(map[string]any{"parent_id": "raw-1", "child_id": "art-1", "relation": "derived_from"}, ancestors[0])
		s.Empty(lineage["descendants"])
		s.Contains(res.PrivacyNotice, "Withheld: digest, timestamp, attestation_summary.")
	})

	s.Run("registry digest changed after issuance", func() {
		other := strings.Repeat("0", 64)
		s.facts.registered["art-1"] = other
		defer func() { s.facts.registered["art-1"] = testDigest }()
		res, err := s.service.IssueLink(s.at(0), models.IssueRequest{
			ArtifactID: "art-1", ArtifactDigest: other, AllowedParty: party, TTLHours: 1,
			Permissions: []string{"integrity_status"},
		})
		s.Require().NoError(err)
		out, err := s.service.Redeem(s.at(time.Minute), res.Token, party)
		s.Require().NoError(err)
		s.Equal(IntegrityDigestMismatch, *out.Disclosed.IntegrityStatus)
	})
}

func (s *ServiceSuite) TestConcurrentRedeemSucceedsOnce() {
	tok := s.issue().Token

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		used      atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.service.Redeem(s.at(time.Hour), tok, party)
			if !s.NoError(err) {
				return
			}
			switch {
			case res.Success:
				successes.Add(1)
			case res.Reason == models.ReasonAlreadyUsed:
				used.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), successes.Load())
	s.Equal(int32(workers-1), used.Load())
}

func (s *ServiceSuite) TestStatus() {
	tok := s.issue().Token

	status, err := s.service.Status(s.at(time.Hour), tok)
	s.Require().NoError(err)
	s.True(status.Exists)
	s.False(status.Expired)
	s.False(status.Used)
	s.Equal(int64(23*3600), status.RemainingSeconds)
	s.Equal(party, status.AllowedParty)

	later, err := s.service.Status(s.at(30*time.Hour), tok)
	s.Require().NoError(err)
	s.True(later.Expired)
	s.Zero(later.RemainingSeconds)

	missing, err := s.service.Status(s.at(0), "nope")
	s.Require().NoError(err)
	s.False(missing.Exists)

	redeemed, err := s.service.Redeem(s.at(time.Hour), tok, party)
	s.Require().NoError(err)
	s.Require().True(redeemed.Success)
	after, err := s.service.Status(s.at(time.Hour), tok)
	s.Require().NoError(err)
	s.True(after.Used)
}

func (s *ServiceSuite) TestRevoke() {
	tok := s.issue().Token

	ok, err := s.service.Revoke(s.at(time.Minute), tok)
	s.Require().NoError(err)
	s.True(ok)

	again, err := s.service.Revoke(s.at(time.Minute), tok)
	s.Require().NoError(err)
	s.False(again)

	res, err := s.service.Redeem(s.at(time.Minute), tok, party)
	s.Require().NoError(err)
	s.Equal(models.ReasonAlreadyUsed, res.Reason)

	status, err := s.service.Status(s.at(time.Minute), tok)
	s.Require().NoError(err)
	s.True(status.Revoked)

	missing, err := s.service.Revoke(s.at(0), "nope")
	s.Require().NoError(err)
	s.False(missing)

	expiredTok := s.issue().Token
	expired, err := s.service.Revoke(s.at(25*time.Hour), expiredTok)
	s.Require().NoError(err)
	s.False(expired)
}

func (s *ServiceSuite) TestCleanupExpired() {
	stale := s.issue().Token
	consumed := s.issue().Token
	res, err := s.service.Redeem(s.at(time.Hour), consumed, party)
	s.Require().NoError(err)
	s.Require().True(res.Success)

	fresh, err := s.service.IssueLink(s.at(20*time.Hour), models.IssueRequest{
		ArtifactID: "art-1", ArtifactDigest: testDigest, AllowedParty: party, TTLHours: 24,
	})
	s.Require().NoError(err)

	n, err := s.service.CleanupExpired(s.at(25 * time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Find(context.Background(), stale)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.Find(context.Background(), consumed)
	s.NoError(err)
	_, err = s.store.Find(context.Background(), fresh.Token)
	s.NoError(err)

	n, err = s.service.CleanupExpired(s.at(25 * time.Hour))
	s.Require().NoError(err)
	s.Zero(n)
}

type MockedServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	store   *mocks.MockStore
	facts   *mocks.MockFactSource
	service *Service
	ctx     context.Context
	token   *models.Token
}

func TestMockedServiceSuite(t *testing.T) {
	suite.Run(t, new(MockedServiceSuite))
}

func (s *MockedServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.facts = mocks.NewMockFactSource(s.ctrl)
	s.service = New(s.store, s.facts)
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), now)
	s.token = &models.Token{
		Token:          "tok",
		ArtifactID:     "art-1",
		ArtifactDigest: testDigest,
		AllowedParty:   party,
		Permissions:    models.NewPermissionSet(models.DefaultPermissions),
		CreatedAt:      now.Add(-time.Hour),
		ExpiresAt:      now.Add(time.Hour),
	}
}

func (s *MockedServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *MockedServiceSuite) TestFactFailureDoesNotConsume() {
	boom := dErrors.New(dErrors.CodeStorage, "registry unavailable")
	s.store.EXPECT().Find(gomock.Any(), "tok").Return(s.token, nil)
	s.facts.EXPECT().Facts(gomock.Any(), "art-1", s.token.Permissions).Return(nil, boom)
	// Execute must not be called.

	_, err := s.service.Redeem(s.ctx, "tok", party)
	s.ErrorIs(err, boom)
}

func (s *MockedServiceSuite) TestMissingArtifactIsAnInvalidToken() {
	s.store.EXPECT().Find(gomock.Any(), "tok").Return(s.token, nil)
	s.facts.EXPECT().Facts(gomock.Any(), "art-1", s.token.Permissions).
		Return(nil, dErrors.New(dErrors.CodeNotFound, "artifact not found"))
	// Execute must not be called.

	res, err := s.service.Redeem(s.ctx, "tok", party)
	s.Require().NoError(err)
	s.False(res.Success)
	s.Equal(models.ReasonInvalidToken, res.Reason)
}

func (s *MockedServiceSuite) TestRegistryFailureBlocksIssue() {
	s.facts.EXPECT().RegisteredDigest(gomock.Any(), "a").Return("", errors.New("connection refused"))
	// Create must not be called.

	_, err := s.service.IssueLink(s.ctx, models.IssueRequest{ArtifactID: "a", ArtifactDigest: testDigest, AllowedParty: party, TTLHours: 1})
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))
}

func (s *MockedServiceSuite) TestLostRaceReportsAlreadyUsed() {
	s.store.EXPECT().Find(gomock.Any(), "tok").Return(s.token, nil)
	s.facts.EXPECT().Facts(gomock.Any(), "art-1", gomock.Any()).Return(&models.Facts{}, nil)
	s.store.EXPECT().Execute(gomock.Any(), "tok", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, fn func(*models.Token) error) (*models.Token, error) {
			current := *s.token
			current.Used = true
			return nil, fn(&current)
		})

	res, err := s.service.Redeem(s.ctx, "tok", party)
	s.Require().NoError(err)
	s.Equal(models.ReasonAlreadyUsed, res.Reason)
}

func (s *MockedServiceSuite) TestStorageErrors() {
	boom := errors.New("connection refused")

	s.store.EXPECT().Find(gomock.Any(), "tok").Return(nil, boom)
	_, err := s.service.Redeem(s.ctx, "tok", party)
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))

	s.facts.EXPECT().RegisteredDigest(gomock.Any(), "a").Return(testDigest, nil)
	s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(boom)
	_, err = s.service.IssueLink(s.ctx, models.IssueRequest{ArtifactID: "a", ArtifactDigest: testDigest, AllowedParty: party, TTLHours: 1})
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))

	s.store.EXPECT().Execute(gomock.Any(), "tok", gomock.Any()).Return(nil, boom)
	_, err = s.service.Revoke(s.ctx, "tok")
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))

	s.store.EXPECT().DeleteExpired(gomock.Any(), gomock.Any()).Return(0, boom)
	_, err = s.service.CleanupExpired(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))
}

func (s *MockedServiceSuite) TestTokenCollisionRetries() {
	s.facts.EXPECT().RegisteredDigest(gomock.Any(), "a").Return(testDigest, nil)
	gomock.InOrder(
		s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict),
		s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil),
	)
	res, err := s.service.IssueLink(s.ctx, models.IssueRequest{ArtifactID: "a", ArtifactDigest: testDigest, AllowedParty: party, TTLHours: 1})
	s.Require().NoError(err)
	s.NotEmpty(res.Token)
}
