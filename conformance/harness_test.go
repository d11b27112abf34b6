package conformance

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/model"
)

func testConfig() Config {
	return Config{
		SignerPFX:      "../internal/signer/testdata/dev.p12",
		SignerPassword: "changeit",
		ClientID:       "eri-client",
		ClientSecret:   "eri-secret",
		CallerID:       "ERIP000123",
		JWTSecret:      "conformance-secret-123",
		MasterKey:      "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
	}
}

func newHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()
	h, err := NewHarness(cfg)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

// TestConformance runs the full filing flow over the signed wire format.
func TestConformance(t *testing.T) {
	h := newHarness(t, testConfig())
	h.RunConformanceTests(t, "acme")

	// Every call after login reused the one session.
	require.Equal(t, 1, h.Authority().Count(authority.OpLogin.Path()))
}

func TestWrongClientCredentials(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.Authority().cfg.ClientSecret = "rotated"

	code, out := h.Do(t, "acme", http.MethodPost, "/v1/eri/login", nil)
	require.Equal(t, http.StatusOK, code)
	res := Data(t, out)
	require.Equal(t, false, res["ok"])
	errs := res["errors"].([]any)
	require.Len(t, errs, 1)
	require.True(t, strings.Contains(errs[0].(string), "HTTP 401"), errs[0])
	require.Empty(t, h.Authority().Calls())
}

func TestFailedSubmissionIsTerminal(t *testing.T) {
	h := newHarness(t, testConfig())

	code, out := h.Do(t, "acme", http.MethodPost, "/v1/taxpayers", model.CreateTaxpayerRequest{
		FirstName: "Ravi", LastName: "Kumar", PAN: "PQRST6789Z", DOB: "1985-06-30",
	})
	require.Equal(t, http.StatusCreated, code, out)
	code, out = h.Do(t, "acme", http.MethodPost, "/v1/returns", model.CreateReturnRequest{
		TaxpayerID: Data(t, out)["id"].(string), AssessmentYear: "2024-25", ReturnType: "ITR-1",
	})
	require.Equal(t, http.StatusCreated, code, out)
	base := "/v1/returns/" + Data(t, out)["id"].(string)

	code, out = h.Do(t, "acme", http.MethodPut, base+"/draft", model.SaveDraftRequest{LocalData: map[string]any{"grossSalary": 600000}})
	require.Equal(t, http.StatusOK, code, out)
	code, out = h.Do(t, "acme", http.MethodPost, base+"/buildPayload", nil)
	require.Equal(t, http.StatusOK, code, out)
	code, out = h.Do(t, "acme", http.MethodPost, base+"/validate", nil)
	require.Equal(t, http.StatusOK, code, out)

	h.Authority().Fail(authority.OpSubmitITR.Path(), "Duplicate return for assessment year")
	code, out = h.Do(t, "acme", http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, "FAILED", Data(t, out)["return"].(map[string]any)["status"])
	require.Equal(t, []any{"Duplicate return for assessment year"}, Data(t, out)["result"].(map[string]any)["errors"])

	h.Authority().Fail(authority.OpSubmitITR.Path(), "")
	code, out = h.Do(t, "acme", http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "ERI_INVALID_STATE", out["error"].(map[string]any)["code"])
	require.Equal(t, 1, h.Authority().Count(authority.OpSubmitITR.Path()))
}

func TestTenantsHoldSeparateSessions(t *testing.T) {
	h := newHarness(t, testConfig())

	for _, tenant := range []string{"acme", "globex"} {
		code, out := h.Do(t, tenant, http.MethodPost, "/v1/eri/login", nil)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, true, Data(t, out)["ok"])
	}
	require.Equal(t, 2, h.Authority().Count(authority.OpLogin.Path()))

	code, out := h.Do(t, "acme", http.MethodPost, "/v1/eri/logout", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, Data(t, out)["ok"])

	calls := h.Authority().Calls()
	logout := calls[len(calls)-1]
	require.Equal(t, authority.OpLogout.Path(), logout.Path)
	require.Equal(t, "session-1", logout.AuthToken)
}
