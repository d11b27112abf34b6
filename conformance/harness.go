// Package conformance drives the gateway end to end in live mode against a
// stand-in for the authority's ERI API.
//
// The stand-in checks what the real authority checks: client credentials in
// headers, the envelope's caller id, the RSA signature over the encoded data,
// and a session token on every call but login. Tests use it to confirm the
// wire contract without reaching the authority's sandbox.
package conformance

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erilink/eri-gateway/internal/audit"
	"github.com/erilink/eri-gateway/internal/auth"
	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/config"
	"github.com/erilink/eri-gateway/internal/document"
	"github.com/erilink/eri-gateway/internal/envelope"
	"github.com/erilink/eri-gateway/internal/event"
	"github.com/erilink/eri-gateway/internal/lifecycle"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/pii"
	"github.com/erilink/eri-gateway/internal/schema"
	"github.com/erilink/eri-gateway/internal/server"
	"github.com/erilink/eri-gateway/internal/session"
	"github.com/erilink/eri-gateway/internal/signer"
	"github.com/erilink/eri-gateway/internal/storage"
	"github.com/erilink/eri-gateway/internal/taxpayer"
)

// ValidOTP is the only one-time password the stand-in accepts.
const ValidOTP = "123456"

// AcknowledgementPDF is the ITR-V body the stand-in returns.
var AcknowledgementPDF = []byte("%PDF-1.4\n% ITR-V acknowledgement\n")

// Config configures the harness.
type Config struct {
	SignerPFX      string // PKCS#12 container used by both sides
	SignerPassword string
	ClientID       string
	ClientSecret   string
	CallerID       string
	JWTSecret      string
	MasterKey      string          // hex AES-256 key for the PII envelope
	Store          storage.Store   // defaults to the in-memory store
	Sessions       *session.Cache  // defaults to a memory-only cache
	Events         event.Publisher // defaults to event.Noop
}

// Call is one request the stand-in accepted.
type Call struct {
	Path      string
	AuthToken string
	Payload   map[string]any
}

// Authority is an httptest stand-in for the authority's ERI API.
type Authority struct {
	server *httptest.Server
	cfg    Config
	key    *rsa.PublicKey

	mu       sync.Mutex
	calls    []Call
	tokens   map[string]bool
	issued   int
	failures map[string]string
}

// NewAuthority starts a stand-in that verifies signatures against cert.
func NewAuthority(cfg Config, cert *x509.Certificate) (*Authority, error) {
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing certificate holds %T, want an RSA key", cert.PublicKey)
	}
	a := &Authority{
		cfg:      cfg,
		key:      key,
		tokens:   make(map[string]bool),
		failures: make(map[string]string),
	}
	a.server = httptest.NewServer(a)
	return a, nil
}

// URL is the API root to configure as the authority base URL.
func (a *Authority) URL() string { return a.server.URL }

// Client returns an HTTP client for the stand-in.
func (a *Authority) Client() *http.Client { return a.server.Client() }

// Close stops the stand-in.
func (a *Authority) Close() { a.server.Close() }

// Fail makes every call to path fail with message; an empty message clears it.
func (a *Authority) Fail(path, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if message == "" {
		delete(a.failures, path)
		return
	}
	a.failures[path] = message
}

// Expire forgets every issued session token.
func (a *Authority) Expire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.tokens)
}

// Calls returns the accepted calls in arrival order.
func (a *Authority) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Count returns how many accepted calls hit path.
func (a *Authority) Count(path string) int {
	n := 0
	for _, c := range a.Calls() {
		if c.Path == path {
			n++
		}
	}
	return n
}

func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("clientId") != a.cfg.ClientID || r.Header.Get("clientSecret") != a.cfg.ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errorCode": "EF401", "errorMessage": "invalid client credentials"})
		return
	}
	if r.Header.Get("accessMode") != "API" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errorCode": "EF400", "errorMessage": "accessMode must be API"})
		return
	}

	var env envelope.SignedEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errorCode": "EF400", "errorMessage": "body is not an envelope"})
		return
	}
	if env.CallerID != a.cfg.CallerID {
		writeFailure(w, "unknown eriUserId "+env.CallerID)
		return
	}
	if err := a.verify(env); err != nil {
		writeFailure(w, "signature verification failed")
		return
	}
	var payload map[string]any
	if err := envelope.DecodeData(env, &payload); err != nil {
		writeFailure(w, "data is not a JSON object")
		return
	}

	token := r.Header.Get("authToken")
	a.mu.Lock()
	if r.URL.Path != authority.OpLogin.Path() && !a.tokens[token] {
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"errorCode": "EF00077", "errorMessage": "session expired"})
		return
	}
	a.calls = append(a.calls, Call{Path: r.URL.Path, AuthToken: token, Payload: payload})
	failure := a.failures[r.URL.Path]
	a.mu.Unlock()

	if failure != "" {
		writeFailure(w, failure)
		return
	}
	writeJSON(w, http.StatusOK, a.respond(r.URL.Path, token, payload))
}

func (a *Authority) verify(env envelope.SignedEnvelope) error {
	sig, err := base64.StdEncoding.DecodeString(env.Sign)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(env.Data))
	return rsa.VerifyPKCS1v15(a.key, crypto.SHA256, digest[:], sig)
}

func (a *Authority) respond(path, token string, payload map[string]any) map[string]any {
	now := time.Now().UTC()
	otpOK := payload["otp"] == ValidOTP

	switch path {
	case authority.OpLogin.Path():
		a.mu.Lock()
		a.issued++
		token = fmt.Sprintf("session-%d", a.issued)
		a.tokens[token] = true
		a.mu.Unlock()
		return map[string]any{"status": "SUCCESS", "authToken": token, "messages": []any{"Login successful"}}
	case authority.OpLogout.Path():
		a.mu.Lock()
		delete(a.tokens, token)
		a.mu.Unlock()
		return map[string]any{"status": "SUCCESS", "messages": []any{"Logged out"}}
	case authority.OpAddClient.Path(), authority.OpRequestPrefillOTP.Path(), authority.OpGenerateEVC.Path():
		return map[string]any{"status": "SUCCESS", "transactionId": fmt.Sprintf("TXN%d", now.UnixNano()), "messages": []any{"OTP sent"}}
	case authority.OpValidateClientOTP.Path(), authority.OpVerifyEVC.Path():
		if !otpOK {
			return map[string]any{"status": "FAILURE", "errors": []any{map[string]any{"errorMessage": "Invalid OTP"}}}
		}
		return map[string]any{"status": "SUCCESS", "messages": []any{"OTP verified"}}
	case authority.OpGetPrefill.Path():
		if !otpOK {
			return map[string]any{"status": "FAILURE", "errors": []any{"Invalid OTP"}}
		}
		return map[string]any{
			"status": "SUCCESS",
			"prefillData": map[string]any{
				"personalInfo": map[string]any{"name": "Asha Rao", "pan": payload["pan"]},
				"salaryIncome": map[string]any{"employer": "Acme Ltd", "salary": 1500000.0},
				"taxDetails":   map[string]any{"tds": 150000.0},
			},
		}
	case authority.OpValidateITR.Path():
		if payload["itrType"] == nil || payload["assessmentYear"] == nil {
			return map[string]any{"status": "FAILURE", "errors": []any{"itrType and assessmentYear are mandatory"}}
		}
		return map[string]any{"status": "SUCCESS", "messages": []any{"Validation successful"}}
	case authority.OpSubmitITR.Path():
		return map[string]any{
			"status":                "SUCCESS",
			"arn":                   fmt.Sprintf("ARN%d", now.UnixNano()),
			"acknowledgementNumber": fmt.Sprintf("ACK%d", now.UnixNano()),
			"filedDate":             now.Format(time.RFC3339),
		}
	case authority.OpUpdateVerificationMode.Path():
		return map[string]any{"status": "SUCCESS"}
	case authority.OpGetAcknowledgement.Path():
		return map[string]any{
			"status":             "SUCCESS",
			"acknowledgementPdf": base64.StdEncoding.EncodeToString(AcknowledgementPDF),
			"fileSize":           float64(len(AcknowledgementPDF)),
		}
	default:
		return map[string]any{"errorCode": "EF404", "errorMessage": "unknown endpoint " + path}
	}
}

func writeFailure(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "FAILURE", "errors": []any{message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Harness runs the gateway against an Authority stand-in.
type Harness struct {
	server    *httptest.Server
	authority *Authority
	verifier  *auth.Verifier
	store     storage.Store
	documents *document.Memory
	pub       event.Publisher
}

// NewHarness wires a live-mode gateway to a fresh stand-in.
func NewHarness(cfg Config) (*Harness, error) {
	local, err := signer.NewLocal(cfg.SignerPFX, cfg.SignerPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load signer: %w", err)
	}
	stub, err := NewAuthority(cfg, local.Certificate())
	if err != nil {
		return nil, err
	}

	store := cfg.Store
	if store == nil {
		store = storage.NewMemory()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewCache(nil)
	}
	pub := cfg.Events
	if pub == nil {
		pub = event.Noop{}
	}

	env, err := pii.New(cfg.MasterKey)
	if err != nil {
		stub.Close()
		return nil, fmt.Errorf("failed to initialize PII envelope: %w", err)
	}
	validator, err := schema.NewValidator()
	if err != nil {
		stub.Close()
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret, "")
	if err != nil {
		stub.Close()
		return nil, err
	}

	sink := audit.NewSink(store)
	registry := authority.NewRegistry(config.Authority{
		BaseURL:      stub.URL(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		CallerID:     cfg.CallerID,
	}, authority.Deps{
		Sessions:   sessions,
		Builder:    envelope.NewBuilder(local, cfg.CallerID),
		Audit:      sink,
		HTTPClient: stub.Client(),
	})
	documents := document.NewMemory("eri-acknowledgements")

	taxpayers := taxpayer.NewService(store, func(tenant string) taxpayer.Authority { return registry.For(tenant) }, env, nil)
	returns := lifecycle.NewService(lifecycle.Deps{
		Store:     store,
		Authority: func(tenant string) lifecycle.Authority { return registry.For(tenant) },
		PII:       env,
		Documents: documents,
		Events:    pub,
		Validator: validator,
	})

	mux := server.NewMux(server.Deps{
		Ready:     store,
		Verifier:  verifier,
		Returns:   returns,
		Taxpayers: taxpayers,
		Prefill:   taxpayer.NewPrefill(taxpayers, validator),
		Audit:     sink,
		Authority: registry,
	})

	return &Harness{
		server:    httptest.NewServer(mux),
		authority: stub,
		verifier:  verifier,
		store:     store,
		documents: documents,
		pub:       pub,
	}, nil
}

// URL returns the base URL of the gateway.
func (h *Harness) URL() string { return h.server.URL }

// Authority returns the stand-in the gateway talks to.
func (h *Harness) Authority() *Authority { return h.authority }

// Documents returns the acknowledgement store.
func (h *Harness) Documents() *document.Memory { return h.documents }

// Close shuts down both servers and the publisher.
func (h *Harness) Close() {
	h.server.Close()
	h.authority.Close()
	h.pub.Close()
}

// Do sends body as JSON to the gateway on behalf of tenant and decodes the
// response object.
func (h *Harness) Do(t *testing.T, tenant, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.URL()+path, &buf)
	require.NoError(t, err)
	tok, err := h.verifier.Issue(model.Caller{TenantID: tenant, UserID: "preparer-1"}, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// Data returns the data member of a success response.
func Data(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	d, ok := out["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", out)
	return d
}

// RunConformanceTests files one return for tenant from taxpayer creation to
// the acknowledgement download, asserting the wire contract at each step.
func (h *Harness) RunConformanceTests(t *testing.T, tenant string) {
	f := &filing{h: h, tenant: tenant}
	steps := []struct {
		name string
		run  func(*testing.T)
	}{
		{"HealthEndpoints", f.health},
		{"SessionLogin", f.login},
		{"TaxpayerLinkage", f.linkage},
		{"Prefill", f.prefill},
		{"ValidateAndSubmit", f.submit},
		{"Verification", f.verify},
		{"Acknowledgement", f.acknowledgement},
		{"AuditTrail", f.auditTrail},
	}
	for _, s := range steps {
		if !t.Run(s.name, s.run) {
			t.Fatalf("step %s failed, later steps depend on it", s.name)
		}
	}
}

// filing carries ids between conformance steps.
type filing struct {
	h          *Harness
	tenant     string
	taxpayerID string
	returnID   string
}

func (f *filing) health(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := f.h.server.Client().Get(f.h.URL() + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func (f *filing) login(t *testing.T) {
	code, out := f.h.Do(t, f.tenant, http.MethodPost, "/v1/eri/login", nil)
	require.Equal(t, http.StatusOK, code, out)
	res := Data(t, out)
	require.Equal(t, true, res["ok"])
	require.NotContains(t, res, "authToken")

	calls := f.h.authority.Calls()
	require.NotEmpty(t, calls)
	require.Equal(t, authority.OpLogin.Path(), calls[len(calls)-1].Path)
	require.Empty(t, calls[len(calls)-1].AuthToken)
}

func (f *filing) linkage(t *testing.T) {
	code, out := f.h.Do(t, f.tenant, http.MethodPost, "/v1/taxpayers", model.CreateTaxpayerRequest{
		FirstName: "Asha", LastName: "Rao", PAN: "abcde1234f", DOB: "1990-01-15",
	})
	require.Equal(t, http.StatusCreated, code, out)
	tp := Data(t, out)
	require.Equal(t, "AB******4F", tp["pan"])
	f.taxpayerID = tp["id"].(string)
	base := "/v1/taxpayers/" + f.taxpayerID

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/linkage/start", nil)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, true, Data(t, out)["ok"])

	// The authority sees the plaintext PAN; the gateway stores only ciphertext.
	calls := f.h.authority.Calls()
	add := calls[len(calls)-1]
	require.Equal(t, authority.OpAddClient.Path(), add.Path)
	require.Equal(t, "ABCDE1234F", add.Payload["pan"])
	require.Equal(t, "1990-01-15", add.Payload["dob"])
	require.NotEmpty(t, add.AuthToken)

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/linkage/verify", model.OTPRequest{OTP: "000000"})
	require.Equal(t, http.StatusOK, code, out)
	res := Data(t, out)
	require.Equal(t, false, res["ok"])
	require.Equal(t, []any{"Invalid OTP"}, res["errors"])

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/linkage/verify", model.OTPRequest{OTP: ValidOTP})
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, true, Data(t, out)["ok"])

	code, out = f.h.Do(t, f.tenant, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, Data(t, out)["isLinked"])
}

func (f *filing) prefill(t *testing.T) {
	base := "/v1/taxpayers/" + f.taxpayerID + "/prefill"
	year := model.PrefillRequest{AssessmentYear: "2024-25"}

	code, out := f.h.Do(t, f.tenant, http.MethodGet, base+"/latest?assessmentYear=2024-25", nil)
	require.Equal(t, http.StatusNotFound, code, out)

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/start", year)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, true, Data(t, out)["ok"])

	year.OTP = ValidOTP
	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/fetch", year)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, true, Data(t, out)["ok"])

	code, out = f.h.Do(t, f.tenant, http.MethodGet, base+"/latest?assessmentYear=2024-25", nil)
	require.Equal(t, http.StatusOK, code, out)
	view := Data(t, out)
	require.Equal(t, true, view["isDecrypted"])
	sections := view["normalizedData"].(map[string]any)
	require.Len(t, sections, 7)
	require.Equal(t, "AB******4F", sections["personalInfo"].(map[string]any)["pan"])
	require.Equal(t, 1500000.0, sections["salaryIncome"].(map[string]any)["salary"])
}

func (f *filing) submit(t *testing.T) {
	code, out := f.h.Do(t, f.tenant, http.MethodPost, "/v1/returns", model.CreateReturnRequest{
		TaxpayerID: f.taxpayerID, AssessmentYear: "2024-25",
	})
	require.Equal(t, http.StatusCreated, code, out)
	f.returnID = Data(t, out)["id"].(string)
	base := "/v1/returns/" + f.returnID

	code, out = f.h.Do(t, f.tenant, http.MethodPut, base+"/draft", model.SaveDraftRequest{
		LocalData: map[string]any{"grossSalary": 1500000, "deductions80C": 150000},
	})
	require.Equal(t, http.StatusOK, code, out)

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/buildPayload", nil)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, "ITR-2", Data(t, out)["payload"].(map[string]any)["itrType"])

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/validate", nil)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, "VALIDATED", Data(t, out)["return"].(map[string]any)["status"])

	// The signed payload reaches the authority intact.
	calls := f.h.authority.Calls()
	sent := calls[len(calls)-1]
	require.Equal(t, authority.OpValidateITR.Path(), sent.Path)
	require.Equal(t, "ORIGINAL", sent.Payload["filingType"])
	require.Equal(t, 1500000.0, sent.Payload["grossSalary"])

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, code, out)
	ret := Data(t, out)["return"].(map[string]any)
	require.Equal(t, "SUBMITTED", ret["status"])
	require.NotEmpty(t, ret["arnNumber"])
	require.NotEmpty(t, ret["acknowledgementNumber"])

	// A filed return cannot be submitted again.
	code, _ = f.h.Do(t, f.tenant, http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, 1, f.h.authority.Count(authority.OpSubmitITR.Path()))
}

func (f *filing) verify(t *testing.T) {
	base := "/v1/returns/" + f.returnID + "/verification"

	code, out := f.h.Do(t, f.tenant, http.MethodPost, base+"/mode", model.VerificationModeRequest{Mode: model.VerifyAadhaarOTP})
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, "VERIFYING", Data(t, out)["return"].(map[string]any)["status"])

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/evc/generate", model.GenerateEVCRequest{EVCMode: "AADHAAR_OTP"})
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, true, Data(t, out)["result"].(map[string]any)["ok"])

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/evc/verify", model.OTPRequest{OTP: "999999"})
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, "VERIFYING", Data(t, out)["return"].(map[string]any)["status"])

	code, out = f.h.Do(t, f.tenant, http.MethodPost, base+"/evc/verify", model.OTPRequest{OTP: ValidOTP})
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, "VERIFIED", Data(t, out)["return"].(map[string]any)["status"])
}

func (f *filing) acknowledgement(t *testing.T) {
	base := "/v1/returns/" + f.returnID + "/ack"

	code, out := f.h.Do(t, f.tenant, http.MethodPost, base+"/download", nil)
	require.Equal(t, http.StatusOK, code, out)
	ack := Data(t, out)["acknowledgement"].(map[string]any)
	require.Equal(t, float64(len(AcknowledgementPDF)), ack["fileSize"])

	body, contentType, ok := f.h.documents.Get(ack["storageKey"].(string))
	require.True(t, ok)
	require.Equal(t, "application/pdf", contentType)
	require.Equal(t, AcknowledgementPDF, body)

	// A second download serves the stored copy.
	code, _ = f.h.Do(t, f.tenant, http.MethodPost, base+"/download", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, f.h.authority.Count(authority.OpGetAcknowledgement.Path()))

	code, out = f.h.Do(t, f.tenant, http.MethodGet, base+"/url", nil)
	require.Equal(t, http.StatusOK, code, out)
	link := Data(t, out)
	require.Contains(t, link["url"], "eri-acknowledgements")
	require.Equal(t, 3600.0, link["expiresIn"])
}

func (f *filing) auditTrail(t *testing.T) {
	code, out := f.h.Do(t, f.tenant, http.MethodGet, "/v1/audit/eri-calls?pageSize=100", nil)
	require.Equal(t, http.StatusOK, code, out)
	page := Data(t, out)
	entries := page["data"].([]any)
	require.Equal(t, float64(len(entries)), page["total"])
	require.NotEmpty(t, entries)

	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "ABCDE1234F")
	require.NotContains(t, string(raw), ValidOTP)
	require.NotContains(t, string(raw), "session-")

	code, out = f.h.Do(t, f.tenant, http.MethodGet, "/v1/audit/eri-calls?isError=true", nil)
	require.Equal(t, http.StatusOK, code)
	// The wrong linkage OTP and the wrong EVC.
	require.Equal(t, 2.0, Data(t, out)["total"])
}
