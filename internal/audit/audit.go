// Package audit records every authority call with its payloads sanitized.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/storage"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "***REDACTED***"

// sensitive keys, compared case-insensitively
var sensitive = map[string]struct{}{
	"password":     {},
	"pan":          {},
	"dob":          {},
	"otp":          {},
	"pfxpassword":  {},
	"clientsecret": {},
	"authtoken":    {},
}

// Sink persists audit entries. Failures are logged, never returned.
type Sink struct {
	store storage.Store
	now   func() time.Time
}

// NewSink returns a Sink writing to store.
func NewSink(store storage.Store) *Sink {
	return &Sink{store: store, now: time.Now}
}

// Record sanitizes and stores e, filling in its id and timestamp when unset.
func (s *Sink) Record(ctx context.Context, e model.AuditEntry) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.RequestPayload = Sanitize(e.RequestPayload)
	e.ResponseBody = Sanitize(e.ResponseBody)

	// The caller's context may already be cancelled when the call failed on a deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(ctx, e); err != nil {
		slog.Error("failed to write audit entry",
			"operation", e.OperationType,
			"tenant", e.TenantID,
			"error", err)
	}
}

// List returns one page of a tenant's audit trail, newest first.
func (s *Sink) List(ctx context.Context, q model.AuditQuery) (model.Page[model.AuditEntry], error) {
	entries, total, err := s.store.ListAudit(ctx, q)
	if err != nil {
		return model.Page[model.AuditEntry]{}, err
	}
	page, size := storage.NormalizePage(q.Page, q.PageSize)
	return model.NewPage(entries, total, page, size), nil
}

// Sanitize returns a deep copy of v with sensitive values redacted at any depth.
func Sanitize(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		if _, ok := sensitive[strings.ToLower(k)]; ok {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(val)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}
