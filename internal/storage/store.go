// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/erilink/eri-gateway/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned on a duplicate or a stale revision
)

// Paging defaults shared by both backends
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store defines the persistence operations required by the ERI gateway.
// Every read is scoped by tenant where the record carries one.
type Store interface {
	// Returns. UpdateReturn only succeeds when the stored revision is r.Revision-1.
	CreateReturn(ctx context.Context, r model.Return, first model.ReturnVersion) error
	GetReturn(ctx context.Context, tenantID, id string) (*model.Return, error)
	ListReturns(ctx context.Context, q model.ReturnQuery) ([]model.Return, int, error)
	UpdateReturn(ctx context.Context, r model.Return) error

	// Append-only draft versions
	AppendVersion(ctx context.Context, v model.ReturnVersion) error
	LatestVersion(ctx context.Context, returnID string) (*model.ReturnVersion, error)
	SetVersionPayload(ctx context.Context, returnID string, version int, payload map[string]any) error

	// Verification and acknowledgement, one each per return
	UpsertVerification(ctx context.Context, v model.Verification) error
	GetVerification(ctx context.Context, returnID string) (*model.Verification, error)
	CreateAcknowledgement(ctx context.Context, a model.Acknowledgement) error
	GetAcknowledgement(ctx context.Context, returnID string) (*model.Acknowledgement, error)
	RecordAcknowledgementDownload(ctx context.Context, returnID string, at time.Time) (*model.Acknowledgement, error)

	// Taxpayers. CreateTaxpayer returns ErrConflict for a duplicate PAN hash within a tenant.
	CreateTaxpayer(ctx context.Context, t model.Taxpayer) error
	GetTaxpayer(ctx context.Context, tenantID, id string) (*model.Taxpayer, error)
	ListTaxpayers(ctx context.Context, tenantID string, page, pageSize int) ([]model.Taxpayer, int, error)
	UpdateTaxpayer(ctx context.Context, t model.Taxpayer) error

	// Prefill, keyed by tenant, taxpayer and assessment year
	UpsertPrefill(ctx context.Context, p model.Prefill) error
	GetPrefill(ctx context.Context, tenantID, taxpayerID, assessmentYear string) (*model.Prefill, error)

	// Audit trail
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, int, error)

	// Ping checks backend connectivity
	Ping(ctx context.Context) error
}

// NormalizePage clamps paging input to a 1-based page and a bounded size.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	} else if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// window returns the slice bounds of a page over n items.
func window(n, page, size int) (int, int) {
	start := (page - 1) * size
	if start > n {
		start = n
	}
	end := start + size
	if end > n {
		end = n
	}
	return start, end
}
