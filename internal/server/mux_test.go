package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erilink/eri-gateway/internal/audit"
	"github.com/erilink/eri-gateway/internal/auth"
	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/config"
	"github.com/erilink/eri-gateway/internal/document"
	"github.com/erilink/eri-gateway/internal/lifecycle"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/pii"
	"github.com/erilink/eri-gateway/internal/schema"
	"github.com/erilink/eri-gateway/internal/session"
	"github.com/erilink/eri-gateway/internal/storage"
	"github.com/erilink/eri-gateway/internal/taxpayer"
)

const masterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type failingPing struct{}

func (failingPing) Ping(context.Context) error { return errors.New("db down") }

type testServer struct {
	h        http.Handler
	verifier *auth.Verifier
	store    storage.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemory()
	env, err := pii.New(masterKey)
	require.NoError(t, err)
	validator, err := schema.NewValidator()
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("server-test-secret-123", "")
	require.NoError(t, err)

	sink := audit.NewSink(store)
	registry := authority.NewRegistry(config.Authority{MockMode: true, CallerID: "ERIP000123"}, authority.Deps{
		Sessions: session.NewCache(nil),
		Audit:    sink,
	})
	taxpayers := taxpayer.NewService(store, func(tenant string) taxpayer.Authority { return registry.For(tenant) }, env, nil)
	returns := lifecycle.NewService(lifecycle.Deps{
		Store:     store,
		Authority: func(tenant string) lifecycle.Authority { return registry.For(tenant) },
		PII:       env,
		Documents: document.NewMemory("eri-documents"),
		Validator: validator,
	})

	h := NewMux(Deps{
		Ready:              store,
		Verifier:           verifier,
		Returns:            returns,
		Taxpayers:          taxpayers,
		Prefill:            taxpayer.NewPrefill(taxpayers, validator),
		Audit:              sink,
		Authority:          registry,
		CORSAllowedOrigins: []string{"https://app.example.com"},
	})
	return &testServer{h: h, verifier: verifier, store: store}
}

func (s *testServer) token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := s.verifier.Issue(model.Caller{TenantID: tenant, UserID: "u-1"}, time.Hour)
	require.NoError(t, err)
	return tok
}

// call performs a request as tenant and decodes the data or error member.
func (s *testServer) call(t *testing.T, tenant, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, tenant))
	}
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr.Code, out
}

func data(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	d, ok := out["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", out)
	return d
}

func errCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		s.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, path)
		require.Equal(t, "ok", rr.Body.String())
	}

	down := NewMux(Deps{Ready: failingPing{}})
	rr := httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t)

	code, out := s.call(t, "", http.MethodGet, "/v1/returns", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "ERI_AUTHN", errCode(out))

	req := httptest.NewRequest(http.MethodGet, "/v1/returns", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	req.Header.Set("X-Correlation-Id", "corr-42")
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "corr-42", rr.Header().Get("X-Correlation-Id"))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, "ERI_JWT_INVALID", errCode(out))
	require.Equal(t, "corr-42", out["error"].(map[string]any)["correlationId"])
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/returns", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/returns", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestFilingOverHTTP(t *testing.T) {
	s := newTestServer(t)

	code, out := s.call(t, "acme", http.MethodPost, "/v1/taxpayers", model.CreateTaxpayerRequest{
		FirstName: "Asha", LastName: "Rao", PAN: "ABCDE1234F", DOB: "1990-01-15",
	})
	require.Equal(t, http.StatusCreated, code, out)
	tp := data(t, out)
	require.Equal(t, "AB******4F", tp["pan"])
	tpID := tp["id"].(string)

	code, out = s.call(t, "acme", http.MethodPost, "/v1/taxpayers", model.CreateTaxpayerRequest{
		FirstName: "Asha", LastName: "Rao", PAN: "ABCDE1234F", DOB: "1990-01-15",
	})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "ERI_CONFLICT", errCode(out))

	code, out = s.call(t, "acme", http.MethodPost, "/v1/returns", model.CreateReturnRequest{TaxpayerID: tpID, AssessmentYear: "2024-25"})
	require.Equal(t, http.StatusCreated, code, out)
	id := data(t, out)["id"].(string)
	base := "/v1/returns/" + id

	code, out = s.call(t, "acme", http.MethodPut, base+"/draft", model.SaveDraftRequest{LocalData: map[string]any{"salary": 900000}})
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, 2.0, data(t, out)["version"])

	code, out = s.call(t, "acme", http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "ERI_INVALID_STATE", errCode(out))

	code, out = s.call(t, "acme", http.MethodPost, base+"/buildPayload", nil)
	require.Equal(t, http.StatusOK, code, out)

	for _, step := range []string{"/validate", "/submit"} {
		code, out = s.call(t, "acme", http.MethodPost, base+step, nil)
		require.Equal(t, http.StatusOK, code, out)
		require.Equal(t, true, data(t, out)["result"].(map[string]any)["ok"], step)
	}
	require.Equal(t, "SUBMITTED", data(t, out)["return"].(map[string]any)["status"])

	code, out = s.call(t, "acme", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, data(t, out)["arnNumber"])

	// Other tenants cannot see the return.
	code, out = s.call(t, "globex", http.MethodGet, base, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "ERI_NOT_FOUND", errCode(out))

	code, out = s.call(t, "acme", http.MethodGet, "/v1/audit/eri-calls?transactionType=SUBMIT_ITR", nil)
	require.Equal(t, http.StatusOK, code)
	page := data(t, out)
	require.Equal(t, 1.0, page["total"])
}

func TestAuthorityLoginHidesToken(t *testing.T) {
	s := newTestServer(t)

	code, out := s.call(t, "acme", http.MethodPost, "/v1/eri/login", nil)
	require.Equal(t, http.StatusOK, code)
	res := data(t, out)
	require.Equal(t, true, res["ok"])
	require.NotContains(t, res, "authToken")
	require.NotContains(t, res["raw"], "authToken")

	code, out = s.call(t, "acme", http.MethodPost, "/v1/eri/logout", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, data(t, out)["ok"])
}

func TestBadJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/returns", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+s.token(t, "acme"))
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
