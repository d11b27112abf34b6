// Package authority speaks to the tax authority's ERI API on behalf of one
// tenant.
//
// Every operation returns an envelope.Result and never an error: transport,
// signing and decoding failures all surface as a failed Result whose single
// error is the failure message. Each call is audited with PAN and OTP values
// masked before they leave this package.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/erilink/eri-gateway/internal/config"
	"github.com/erilink/eri-gateway/internal/envelope"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/metrics"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/session"
)

const (
	// SessionTTL is how long a login is trusted, whatever the authority claims.
	SessionTTL = 25 * time.Minute
	// DefaultTimeout bounds every outbound call.
	DefaultTimeout = 30 * time.Second

	maskedPAN = "XX******XX"
	maskedOTP = "******"

	maxResponseBytes = 16 << 20
)

// Sessions is the session cache the client reads and writes.
type Sessions interface {
	Get(ctx context.Context, tenantID string) (*session.Session, bool)
	Put(ctx context.Context, tenantID string, s session.Session, ttl time.Duration)
	Clear(ctx context.Context, tenantID string)
}

// Auditor receives one entry per authority call. It must not block for long.
type Auditor interface {
	Record(ctx context.Context, e model.AuditEntry)
}

// Deps are the collaborators shared by every tenant's client.
type Deps struct {
	Sessions   Sessions
	Builder    *envelope.Builder // nil is allowed in mock mode
	Audit      Auditor           // nil disables auditing
	HTTPClient *http.Client      // defaults to one with DefaultTimeout
	Now        func() time.Time  // defaults to time.Now
}

// Client owns one tenant's conversation with the authority.
type Client struct {
	cfg      config.Authority
	tenantID string
	deps     Deps
	logins   singleflight.Group
	tracer   trace.Tracer
	metrics  *metrics.Metrics

	mu           sync.RWMutex
	mockFailures map[Operation]string
}

// New returns a client for tenantID. Prefer Registry.For, which reuses clients.
func New(cfg config.Authority, tenantID string, deps Deps) *Client {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewCache(nil)
	}
	return &Client{
		cfg:          cfg,
		tenantID:     tenantID,
		deps:         deps,
		tracer:       otel.Tracer("github.com/erilink/eri-gateway/internal/authority"),
		metrics:      metrics.NewMetrics(),
		mockFailures: make(map[Operation]string),
	}
}

// TenantID returns the tenant this client acts for.
func (c *Client) TenantID() string { return c.tenantID }

// MockMode reports whether responses are fabricated locally.
func (c *Client) MockMode() bool { return c.cfg.MockMode }

// FailMock makes the mock response for op fail with message until cleared
// with an empty message. It has no effect outside mock mode.
func (c *Client) FailMock(op Operation, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if message == "" {
		delete(c.mockFailures, op)
		return
	}
	c.mockFailures[op] = message
}

func (c *Client) mockFailure(op Operation) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.mockFailures[op]
	return msg, ok
}

// request describes one authority call.
type request struct {
	op      Operation
	payload any            // sent to the authority
	audited map[string]any // stored in the audit trail
	mock    func(now time.Time) map[string]any
	token   string // pre-resolved bearer token, used by logout
	public  bool   // skip ensureAuthenticated
}

// ensureAuthenticated returns a usable bearer token, logging in when the cache
// has none. Concurrent callers for the same tenant share one login.
func (c *Client) ensureAuthenticated(ctx context.Context) (string, error) {
	if s, ok := c.deps.Sessions.Get(ctx, c.tenantID); ok && s.Usable(c.deps.Now()) {
		return s.AuthToken, nil
	}

	v, err, _ := c.logins.Do("login", func() (any, error) {
		// Another caller may have finished a login while this one waited.
		if s, ok := c.deps.Sessions.Get(ctx, c.tenantID); ok && s.Usable(c.deps.Now()) {
			return s.AuthToken, nil
		}
		slog.Info("authority session missing or expired, logging in", "tenant", c.tenantID)
		res := c.Login(ctx)
		if !res.OK {
			return "", errordefs.New(errordefs.ERI_AUTHN, "authority login failed: "+strings.Join(res.Errors, "; "), "")
		}
		if res.AuthToken == "" {
			return "", errordefs.New(errordefs.ERI_AUTHN, "authority login returned no auth token", "")
		}
		return res.AuthToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// do runs the common pipeline: mock short-circuit or live call, then audit.
func (c *Client) do(ctx context.Context, req request) envelope.Result {
	start := c.deps.Now()
	mode := "live"
	if c.cfg.MockMode {
		mode = "mock"
	}

	ctx, span := c.tracer.Start(ctx, "authority."+string(req.op), trace.WithAttributes(
		attribute.String("eri.tenant", c.tenantID),
		attribute.String("eri.operation", string(req.op)),
		attribute.String("eri.mode", mode),
	))
	defer span.End()

	var (
		res    envelope.Result
		status int
	)
	token := req.token
	var authErr error
	if !req.public {
		token, authErr = c.ensureAuthenticated(ctx)
	}
	switch {
	case authErr != nil:
		res = envelope.Failed(authErr.Error())
	case c.cfg.MockMode:
		res, status = c.mockResult(req, start)
	default:
		res, status = c.send(ctx, req, token)
	}

	elapsed := c.deps.Now().Sub(start)
	outcome := "ok"
	if !res.OK {
		outcome = "failed"
		span.SetStatus(codes.Error, strings.Join(res.Errors, "; "))
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	c.metrics.AuthorityCallTotal.WithLabelValues(string(req.op), outcome).Inc()
	c.metrics.AuthorityCallDuration.WithLabelValues(string(req.op), mode).Observe(elapsed.Seconds())

	c.audit(ctx, req, res, status, elapsed)
	return res
}

func (c *Client) mockResult(req request, now time.Time) (envelope.Result, int) {
	if msg, ok := c.mockFailure(req.op); ok {
		return envelope.ParseResponse(map[string]any{
			"status": "FAILURE",
			"errors": []any{msg},
		}), http.StatusOK
	}
	return envelope.ParseResponse(req.mock(now)), http.StatusOK
}

// send performs the live HTTP exchange. The request is detached from the
// caller's cancellation; only the client timeout ends it early.
func (c *Client) send(ctx context.Context, req request, token string) (envelope.Result, int) {
	if c.deps.Builder == nil {
		return envelope.Failed("authority client has no request signer configured"), 0
	}
	env, err := c.deps.Builder.Build(ctx, req.payload)
	if err != nil {
		return envelope.Failed(err.Error()), 0
	}
	body, err := json.Marshal(env)
	if err != nil {
		return envelope.Failed(err.Error()), 0
	}

	endpoint := c.cfg.BaseURL + req.op.Path()
	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return envelope.Failed(errordefs.Wrap(errordefs.ERI_TRANSPORT, "building authority request", err).Error()), 0
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("clientId", c.cfg.ClientID)
	httpReq.Header.Set("clientSecret", c.cfg.ClientSecret)
	httpReq.Header.Set("accessMode", "API")
	if token != "" {
		httpReq.Header.Set("authToken", token)
	}

	resp, err := c.deps.HTTPClient.Do(httpReq)
	if err != nil {
		return envelope.Failed(errordefs.Wrap(errordefs.ERI_TRANSPORT, "calling "+req.op.Path(), err).Error()), 0
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return envelope.Failed(errordefs.Wrap(errordefs.ERI_TRANSPORT, "reading authority response", err).Error()), resp.StatusCode
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("authority returned HTTP %d for %s", resp.StatusCode, req.op.Path())
		return envelope.Failed(errordefs.New(errordefs.ERI_TRANSPORT, msg, "").Error()), resp.StatusCode
	}

	decoded, err := envelope.DecodeResponse(raw)
	if err != nil {
		return envelope.Failed(err.Error()), resp.StatusCode
	}
	return envelope.ParseResponse(decoded), resp.StatusCode
}

func (c *Client) audit(ctx context.Context, req request, res envelope.Result, status int, elapsed time.Duration) {
	if c.deps.Audit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("audit sink panicked", "operation", req.op, "panic", r)
		}
	}()

	meta := auditMetaFrom(ctx)
	entry := model.AuditEntry{
		TenantID:       c.tenantID,
		UserID:         meta.UserID,
		OperationType:  string(req.op),
		Endpoint:       req.op.Path(),
		RequestPayload: req.audited,
		ResponseStatus: status,
		ResponseBody:   res.Raw,
		DurationMS:     elapsed.Milliseconds(),
		IsError:        !res.OK,
		ReferenceID:    meta.ReferenceID,
		ReferenceType:  meta.ReferenceType,
	}
	if entry.UserID == "" {
		entry.UserID = c.cfg.CallerID
	}
	if !res.OK {
		entry.ErrorMessage = strings.Join(res.Errors, "; ")
	}
	c.deps.Audit.Record(ctx, entry)
}

// AuditMeta attributes audit entries to an end user and a record.
type AuditMeta struct {
	UserID        string
	ReferenceID   string
	ReferenceType string // RETURN or TAXPAYER
}

type auditMetaKey struct{}

// WithAuditMeta attaches m to ctx for every authority call made with it.
func WithAuditMeta(ctx context.Context, m AuditMeta) context.Context {
	return context.WithValue(ctx, auditMetaKey{}, m)
}

func auditMetaFrom(ctx context.Context) AuditMeta {
	m, _ := ctx.Value(auditMetaKey{}).(AuditMeta)
	return m
}
