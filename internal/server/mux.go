// Package server implements the HTTP handlers and routing for the ERI gateway.
// Every /v1 endpoint requires a bearer token; the tenant and user it names
// scope every read and write.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erilink/eri-gateway/internal/audit"
	"github.com/erilink/eri-gateway/internal/auth"
	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/envelope"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/lifecycle"
	"github.com/erilink/eri-gateway/internal/metrics"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/taxpayer"
)

// ContextKey is used for context values to avoid collisions
type ContextKey string

const (
	ContextKeyCaller        ContextKey = "caller"        // model.Caller from the JWT
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxBodyBytes = 1 << 20
	tracerName   = "eri-gateway"
)

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP surface fronts.
type Deps struct {
	Ready              Pinger
	Verifier           *auth.Verifier
	Returns            *lifecycle.Service
	Taxpayers          *taxpayer.Service
	Prefill            *taxpayer.Prefill
	Audit              *audit.Sink
	Authority          *authority.Registry
	CORSAllowedOrigins []string // empty denies cross-origin requests
}

// Mux handles HTTP requests for the gateway.
type Mux struct {
	mux     *http.ServeMux
	deps    Deps
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewMux registers every endpoint and returns the handler.
func NewMux(d Deps) http.Handler {
	m := &Mux{
		mux:     http.NewServeMux(),
		deps:    d,
		tracer:  otel.Tracer(tracerName),
		metrics: metrics.NewMetrics(),
	}

	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Returns
	m.handle("POST /v1/returns", m.handleCreateReturn)
	m.handle("GET /v1/returns", m.handleListReturns)
	m.handle("GET /v1/returns/{id}", m.handleGetReturn)
	m.handle("PUT /v1/returns/{id}/draft", m.handleSaveDraft)
	m.handle("POST /v1/returns/{id}/buildPayload", m.handleBuildPayload)
	m.handle("POST /v1/returns/{id}/validate", m.handleValidate)
	m.handle("POST /v1/returns/{id}/submit", m.handleSubmit)
	m.handle("POST /v1/returns/{id}/verification/mode", m.handleVerificationMode)
	m.handle("POST /v1/returns/{id}/verification/evc/generate", m.handleGenerateEVC)
	m.handle("POST /v1/returns/{id}/verification/evc/verify", m.handleVerifyEVC)
	m.handle("POST /v1/returns/{id}/ack/download", m.handleDownloadAck)
	m.handle("GET /v1/returns/{id}/ack/url", m.handleAckURL)

	// Taxpayers and prefill
	m.handle("POST /v1/taxpayers", m.handleCreateTaxpayer)
	m.handle("GET /v1/taxpayers", m.handleListTaxpayers)
	m.handle("GET /v1/taxpayers/{id}", m.handleGetTaxpayer)
	m.handle("POST /v1/taxpayers/{id}/linkage/start", m.handleStartLinkage)
	m.handle("POST /v1/taxpayers/{id}/linkage/verify", m.handleVerifyLinkage)
	m.handle("POST /v1/taxpayers/{id}/prefill/start", m.handleStartPrefill)
	m.handle("POST /v1/taxpayers/{id}/prefill/fetch", m.handleFetchPrefill)
	m.handle("GET /v1/taxpayers/{id}/prefill/latest", m.handleLatestPrefill)

	// Audit trail and authority session
	m.handle("GET /v1/audit/eri-calls", m.handleListAudit)
	m.handle("POST /v1/eri/login", m.handleAuthorityLogin)
	m.handle("POST /v1/eri/logout", m.handleAuthorityLogout)

	return m
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		m.preflight(w, r)
		return
	}
	m.mux.ServeHTTP(w, r)
}

// handlerFunc is a /v1 handler. Returning an error writes it as the response.
type handlerFunc func(w http.ResponseWriter, r *http.Request, c model.Caller) error

// handle registers h behind correlation, CORS, JWT and metrics middleware.
func (m *Mux) handle(pattern string, h handlerFunc) {
	_, route, _ := strings.Cut(pattern, " ")
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		rec.Header().Set("X-Correlation-Id", correlationID)
		m.allowOrigin(rec, r)

		ctx, span := m.tracer.Start(r.Context(), r.Method+" "+route,
			trace.WithAttributes(attribute.String("correlation_id", correlationID)))
		defer span.End()
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)

		var err error
		caller, authErr := m.authenticate(r)
		if authErr != nil {
			err = authErr
		} else {
			span.SetAttributes(attribute.String("tenant", caller.TenantID))
			ctx = context.WithValue(ctx, ContextKeyCaller, caller)
			err = h(rec, r.WithContext(ctx), caller)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			m.writeErr(rec, err, correlationID)
		}

		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.logRequest(r, caller, rec.status, time.Since(start), correlationID, err)
	})
}

// authenticate extracts the caller from the bearer token.
func (m *Mux) authenticate(r *http.Request) (model.Caller, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return model.Caller{}, errordefs.New(errordefs.ERI_AUTHN, "missing Authorization header", "")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return model.Caller{}, errordefs.New(errordefs.ERI_AUTHN, "invalid Authorization header format", "")
	}
	return m.deps.Verifier.Verify(token)
}

func (m *Mux) originAllowed(origin string) bool {
	return origin != "" && (slices.Contains(m.deps.CORSAllowedOrigins, "*") || slices.Contains(m.deps.CORSAllowedOrigins, origin))
}

func (m *Mux) allowOrigin(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
}

func (m *Mux) preflight(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errordefs.Wrap(errordefs.ERI_BAD_REQUEST, "invalid JSON body", err)
	}
	return nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// writeResult writes an authority outcome. A rejected call is still a 200;
// the body's ok flag carries the verdict.
func (m *Mux) writeResult(w http.ResponseWriter, res envelope.Result) {
	m.writeSuccess(w, http.StatusOK, res)
}

// writeErr writes err following the gateway error taxonomy.
func (m *Mux) writeErr(w http.ResponseWriter, err error, correlationID string) {
	e, ok := errordefs.As(err)
	if !ok {
		e = errordefs.Wrap(errordefs.ERI_INTERNAL, "internal error", err)
	}
	e = e.WithCorrelationID(correlationID)

	body := map[string]any{
		"code":          e.Code,
		"message":       e.Message,
		"correlationId": e.CorrelationID,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, c model.Caller, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
	}
	if c.TenantID != "" {
		attrs = append(attrs, slog.String("tenant", c.TenantID), slog.String("user", c.UserID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(r.Context(), level, "request completed with error", attrs...)
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
}

func (m *Mux) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if m.deps.Ready != nil {
		if err := m.deps.Ready.Ping(ctx); err != nil {
			slog.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
