package authority

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erilink/eri-gateway/internal/config"
	"github.com/erilink/eri-gateway/internal/envelope"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type hashSigner struct{}

func (hashSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}

func (hashSigner) Mode() string { return "TEST" }

type recorder struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (r *recorder) Record(_ context.Context, e model.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) count(op Operation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.OperationType == string(op) {
			n++
		}
	}
	return n
}

func (r *recorder) last(op Operation) model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].OperationType == string(op) {
			return r.entries[i]
		}
	}
	return model.AuditEntry{}
}

type fixture struct {
	client *Client
	clock  *fakeClock
	cache  *session.Cache
	audit  *recorder
}

func newFixture(t *testing.T, cfg config.Authority, httpClient *http.Client) fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 7, 31, 10, 0, 0, 0, time.UTC)}
	cache := session.NewCache(nil, session.WithClock(clock.Now))
	rec := &recorder{}
	c := New(cfg, "acme", Deps{
		Sessions:   cache,
		Builder:    envelope.NewBuilder(hashSigner{}, "ERIP000123"),
		Audit:      rec,
		HTTPClient: httpClient,
		Now:        clock.Now,
	})
	return fixture{client: c, clock: clock, cache: cache, audit: rec}
}

func mockConfig() config.Authority {
	return config.Authority{ClientID: "cid", ClientSecret: "secret", CallerID: "ERIP000123", MockMode: true}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestLiveCallSendsSignedEnvelopeAndHeaders(t *testing.T) {
	var logins int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "cid", r.Header.Get("clientId"))
		require.Equal(t, "secret", r.Header.Get("clientSecret"))
		require.Equal(t, "API", r.Header.Get("accessMode"))

		var env envelope.SignedEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		require.Equal(t, "ERIP000123", env.CallerID)
		require.NotEmpty(t, env.Sign)

		switch r.URL.Path {
		case "/api/eriLogin":
			logins++
			require.Empty(t, r.Header.Get("authToken"))
			writeJSON(t, w, map[string]any{"authToken": "tok-1", "messages": []string{"ok"}})
		case "/api/eriAddClient":
			require.Equal(t, "tok-1", r.Header.Get("authToken"))
			var payload map[string]any
			require.NoError(t, envelope.DecodeData(env, &payload))
			require.Equal(t, "ABCDE1234F", payload["pan"])
			require.Equal(t, "1990-01-01", payload["dob"])
			writeJSON(t, w, map[string]any{"transactionId": "TX1", "messages": []string{"OTP sent"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := mockConfig()
	cfg.MockMode = false
	cfg.BaseURL = srv.URL
	f := newFixture(t, cfg, srv.Client())

	res := f.client.AddClient(context.Background(), "ABCDE1234F", "1990-01-01")
	require.True(t, res.OK, res.Errors)
	require.Equal(t, "TX1", res.TransactionID)

	res = f.client.AddClient(context.Background(), "ABCDE1234F", "1990-01-01")
	require.True(t, res.OK)
	require.Equal(t, 1, logins, "second call reuses the cached session")

	s, ok := f.cache.Get(context.Background(), "acme")
	require.True(t, ok)
	require.Equal(t, f.clock.Now().Add(SessionTTL), s.ExpiresAt)

	entry := f.audit.last(OpAddClient)
	require.Equal(t, maskedPAN, entry.RequestPayload["pan"])
	require.Equal(t, http.StatusOK, entry.ResponseStatus)
	require.Equal(t, "/api/eriAddClient", entry.Endpoint)
	require.False(t, entry.IsError)
}

func TestLiveNon2xxIsFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/eriLogin" {
			writeJSON(t, w, map[string]any{"authToken": "tok"})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := mockConfig()
	cfg.MockMode = false
	cfg.BaseURL = srv.URL
	f := newFixture(t, cfg, srv.Client())

	res := f.client.ValidateITR(context.Background(), map[string]any{"itrType": "ITR-1"})
	require.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "HTTP 502")

	entry := f.audit.last(OpValidateITR)
	require.True(t, entry.IsError)
	require.Equal(t, http.StatusBadGateway, entry.ResponseStatus)
	require.Equal(t, map[string]any{"itrType": "ITR-1"}, entry.RequestPayload)
}

func TestLiveTimeoutIsFailedResult(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := mockConfig()
	cfg.MockMode = false
	cfg.BaseURL = srv.URL
	f := newFixture(t, cfg, &http.Client{Timeout: 50 * time.Millisecond})

	res := f.client.Login(context.Background())
	require.False(t, res.OK)
	require.Contains(t, res.Errors[0], "ERI_TRANSPORT")
	require.Zero(t, f.audit.last(OpLogin).ResponseStatus)

	_, ok := f.cache.Get(context.Background(), "acme")
	require.False(t, ok)
}

func TestLoginFailurePropagatesToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"errorCode": "EF001", "errorMessage": "bad credentials"})
	}))
	defer srv.Close()

	cfg := mockConfig()
	cfg.MockMode = false
	cfg.BaseURL = srv.URL
	f := newFixture(t, cfg, srv.Client())

	res := f.client.RequestPrefillOTP(context.Background(), "ABCDE1234F", "2024-25")
	require.False(t, res.OK)
	require.Contains(t, res.Errors[0], "EF001: bad credentials")
	require.Equal(t, 1, f.audit.count(OpRequestPrefillOTP))
}

func TestLogoutClearsSessionBeforeCallingAuthority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/eriLogout" {
			require.Equal(t, "tok-9", r.Header.Get("authToken"))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(t, w, map[string]any{"authToken": "tok-9"})
	}))
	defer srv.Close()

	cfg := mockConfig()
	cfg.MockMode = false
	cfg.BaseURL = srv.URL
	f := newFixture(t, cfg, srv.Client())
	ctx := context.Background()

	require.True(t, f.client.Login(ctx).OK)
	res := f.client.Logout(ctx)
	require.False(t, res.OK, "authority failure is still reported")

	_, ok := f.cache.Get(ctx, "acme")
	require.False(t, ok, "session is gone regardless")

	res = f.client.Logout(ctx)
	require.True(t, res.OK)
	require.Equal(t, []string{"No active session"}, res.Messages)
}

func TestLiveWithoutBuilderFails(t *testing.T) {
	cfg := mockConfig()
	cfg.MockMode = false
	c := New(cfg, "acme", Deps{})
	res := c.Login(context.Background())
	require.False(t, res.OK)
	require.Contains(t, res.Errors[0], "signer")
}

func TestMockSessionReuseAndExpiry(t *testing.T) {
	f := newFixture(t, mockConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, f.client.GenerateEVC(ctx, "ABCDE1234F", "2024-25", "AADHAAR_OTP").OK)
	}
	require.Equal(t, 1, f.audit.count(OpLogin))

	f.clock.Advance(SessionTTL + time.Minute)
	require.True(t, f.client.GenerateEVC(ctx, "ABCDE1234F", "2024-25", "AADHAAR_OTP").OK)
	require.True(t, f.client.GenerateEVC(ctx, "ABCDE1234F", "2024-25", "AADHAAR_OTP").OK)
	require.Equal(t, 2, f.audit.count(OpLogin), "exactly one relogin after expiry")
}

func TestConcurrentCallsShareOneLogin(t *testing.T) {
	f := newFixture(t, mockConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.client.ValidateClientOTP(context.Background(), "ABCDE1234F", "123456")
		}()
	}
	wg.Wait()
	require.Equal(t, 1, f.audit.count(OpLogin))
	require.Equal(t, 16, f.audit.count(OpValidateClientOTP))
}

func TestMockResponses(t *testing.T) {
	f := newFixture(t, mockConfig(), nil)
	ctx := context.Background()
	ms := f.clock.Now().UnixMilli()

	login := f.client.Login(ctx)
	require.True(t, login.OK)
	require.True(t, strings.HasPrefix(login.AuthToken, "mock-auth-token-"))

	add := f.client.AddClient(ctx, "ABCDE1234F", "1990-01-01")
	require.Equal(t, "MOCK_TXN_"+strconv.FormatInt(ms, 10), add.TransactionID)
	require.Equal(t, []string{"OTP sent to registered mobile (mock)"}, add.Messages)

	prefill := f.client.GetPrefill(ctx, "ABCDE1234F", "2024-25", "123456")
	data := prefill.Raw["prefillData"].(map[string]any)
	require.Equal(t, "ABCDE1234F", data["personalInfo"].(map[string]any)["pan"])
	require.Equal(t, 1200000.0, data["salaryIncome"].(map[string]any)["salary"])

	sub := f.client.SubmitITR(ctx, map[string]any{"itrType": "ITR-1"})
	require.True(t, sub.OK)
	require.Equal(t, "ARN-"+strconv.FormatInt(ms, 10)+"-20250731", sub.Raw["arn"])
	require.Equal(t, "ACK"+strconv.FormatInt(ms, 10), sub.Raw["acknowledgementNumber"])

	ack := f.client.GetAcknowledgement(ctx, "ABCDE1234F", "2024-25", "ARN-1")
	require.Equal(t, mockAcknowledgementPDF, ack.Raw["acknowledgementPdf"])

	// Mock output survives a second parse unchanged.
	require.Equal(t, sub, envelope.ParseResponse(sub.Raw))

	f.client.VerifyEVC(ctx, "ABCDE1234F", "2024-25", "654321")
	otp := f.audit.last(OpVerifyEVC)
	require.Equal(t, maskedOTP, otp.RequestPayload["otp"])
	require.Equal(t, maskedPAN, otp.RequestPayload["pan"])
	require.Equal(t, "ERIP000123", otp.UserID)
}

func TestFailMock(t *testing.T) {
	f := newFixture(t, mockConfig(), nil)
	ctx := context.Background()

	f.client.FailMock(OpSubmitITR, "Schema validation failed")
	res := f.client.SubmitITR(ctx, map[string]any{"itrType": "ITR-1"})
	require.False(t, res.OK)
	require.Equal(t, []string{"Schema validation failed"}, res.Errors)
	require.Equal(t, "Schema validation failed", f.audit.last(OpSubmitITR).ErrorMessage)

	f.client.FailMock(OpSubmitITR, "")
	require.True(t, f.client.SubmitITR(ctx, map[string]any{"itrType": "ITR-1"}).OK)

	f.client.Logout(ctx)
	f.client.FailMock(OpLogin, "login down")
	res = f.client.VerifyEVC(ctx, "ABCDE1234F", "2024-25", "1")
	require.False(t, res.OK)
	require.Contains(t, res.Errors[0], "login down")
}

func TestAuditMetaFromContext(t *testing.T) {
	f := newFixture(t, mockConfig(), nil)
	ctx := WithAuditMeta(context.Background(), AuditMeta{UserID: "u-7", ReferenceID: "r-1", ReferenceType: "RETURN"})

	f.client.UpdateVerificationMode(ctx, "ABCDE1234F", "2024-25", "EVC")
	e := f.audit.last(OpUpdateVerificationMode)
	require.Equal(t, "u-7", e.UserID)
	require.Equal(t, "r-1", e.ReferenceID)
	require.Equal(t, "RETURN", e.ReferenceType)
	require.Equal(t, "acme", e.TenantID)
}

func TestRegistryReusesClients(t *testing.T) {
	r := NewRegistry(mockConfig(), Deps{})
	require.Same(t, r.For("acme"), r.For("acme"))
	require.NotSame(t, r.For("acme"), r.For("globex"))
	require.True(t, r.MockMode())
}
