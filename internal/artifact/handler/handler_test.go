package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"veritas/internal/artifact/models"
	"veritas/internal/artifact/service"
	"veritas/internal/artifact/store"
	"veritas/internal/envelope"
	dErrors "veritas/pkg/domain-errors"
)

var (
	keysOnce sync.Once
	keys     *envelope.Keys
)

func testKeys() *envelope.Keys {
	keysOnce.Do(func() {
		var err error
		keys, err = envelope.GenerateKeys(2048)
		if err != nil {
			panic(err)
		}
	})
	return keys
}

// HandlerSuite exercises the artifact endpoints against the real service
// and an in-memory registry.
type HandlerSuite struct {
	suite.Suite
	router http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	svc := service.New(store.NewInMemory(), envelope.New(testKeys(), "veritas-test"))
	s.router = newRouter(svc)
}

func newRouter(svc Service) http.Handler {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := New(svc, logger)
	r := chi.NewRouter()
	h.Register(r)
	h.RegisterAdmin(r)
	return r
}

func (s *HandlerSuite) do(method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (s *HandlerSuite) seal(body string) map[string]any {
	rec, out := s.do(http.MethodPost, "/artifacts/seal", body)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	return out
}

func (s *HandlerSuite) TestSeal() {
	s.Run("new artifact returns 201 with envelope and digest", func() {
		out := s.seal(`{"artifact_id":"inv-7","classification_key":"finance/invoice","canonical_payload":{"amount":100,"currency":"EUR"}}`)
		s.Equal("inv-7", out["artifact_id"])
		s.Len(out["digest"], 64)
		s.NotEmpty(out["envelope"])
		s.Equal(false, out["resealed"])
	})

	s.Run("identical content is resealed under the same id", func() {
		first := s.seal(`{"classification_key":"finance/receipt","canonical_payload":{"b":1,"a":2}}`)
		rec, second := s.do(http.MethodPost, "/artifacts/seal",
			`{"classification_key":"finance/receipt","canonical_payload":{"a":2,"b":1.0}}`)
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Equal(first["artifact_id"], second["artifact_id"])
		s.Equal(first["digest"], second["digest"])
		s.Equal(true, second["resealed"])
	})

	s.Run("null is a sealable payload", func() {
		out := s.seal(`{"classification_key":"misc","canonical_payload":null}`)
		s.NotEmpty(out["artifact_id"])
	})

	s.Run("missing payload is rejected", func() {
		rec, out := s.do(http.MethodPost, "/artifacts/seal", `{"classification_key":"misc"}`)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal("validation_error", out["error"])
	})

	s.Run("missing classification key is rejected", func() {
		rec, _ := s.do(http.MethodPost, "/artifacts/seal", `{"canonical_payload":{"a":1}}`)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("malformed body is rejected", func() {
		rec, _ := s.do(http.MethodPost, "/artifacts/seal", `{not json`)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestVerify() {
	sealed := s.seal(`{"artifact_id":"inv-9","classification_key":"finance/invoice","canonical_payload":{"amount":12345678901234567890}}`)
	env := sealed["envelope"].(string)

	s.Run("matching payload verifies with claims", func() {
		rec, out := s.do(http.MethodPost, "/artifacts/verify",
			`{"envelope":"`+env+`","payload":{"amount":12345678901234567890}}`)
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Equal(true, out["valid"])
		claims, ok := out["claims"].(map[string]any)
		s.Require().True(ok)
		s.Equal("inv-9", claims["artifact_id"])
		s.Equal("veritas-test", claims["issuer"])
		s.Equal(sealed["digest"], claims["digest"])
		s.NotContains(out, "failure_reason")
	})

	s.Run("altered payload reports mismatch without claims", func() {
		rec, out := s.do(http.MethodPost, "/artifacts/verify",
			`{"envelope":"`+env+`","payload":{"amount":12345678901234567891}}`)
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Equal(false, out["valid"])
		s.Equal(string(envelope.ReasonPayloadMismatch), out["failure_reason"])
		s.NotContains(out, "claims")
	})

	s.Run("garbage envelope is a normal invalid result", func() {
		rec, out := s.do(http.MethodPost, "/artifacts/verify", `{"envelope":"abc","payload":{}}`)
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Equal(false, out["valid"])
		s.Equal(string(envelope.ReasonMalformed), out["failure_reason"])
	})

	s.Run("empty envelope is a validation error", func() {
		rec, _ := s.do(http.MethodPost, "/artifacts/verify", `{"envelope":"","payload":{}}`)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestGet() {
	s.seal(`{"artifact_id":"inv-11","classification_key":"finance/invoice","canonical_payload":{"secret":"do-not-leak"}}`)

	s.Run("returns attestation without payload content", func() {
		rec, out := s.do(http.MethodGet, "/artifacts/inv-11", "")
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Equal("inv-11", out["artifact_id"])
		s.Equal("finance/invoice", out["classification_key"])
		s.Equal(string(models.IntegrityIntact), out["integrity_status"])
		s.NotContains(rec.Body.String(), "do-not-leak")
	})

	s.Run("unknown artifact is 404", func() {
		rec, out := s.do(http.MethodGet, "/artifacts/nope", "")
		s.Equal(http.StatusNotFound, rec.Code)
		s.Equal("not_found", out["error"])
	})
}

type failingService struct{ err error }

func (f failingService) Seal(context.Context, models.SealRequest) (*models.SealResult, error) {
	return nil, f.err
}

func (f failingService) Verify(context.Context, models.VerifyRequest) (*models.VerifyResult, error) {
	return nil, f.err
}

func (f failingService) Attestation(context.Context, string) (*models.Attestation, error) {
	return nil, f.err
}

func TestStorageErrorsHideDetail(t *testing.T) {
	router := newRouter(failingService{err: dErrors.Wrap(errors.New("pq: connection refused"), dErrors.CodeStorage, "failed to register artifact")})

	req := httptest.NewRequest(http.MethodPost, "/artifacts/seal",
		strings.NewReader(`{"classification_key":"k","canonical_payload":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
