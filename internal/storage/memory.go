package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/erilink/eri-gateway/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development, mock mode and testing.
type memory struct {
	mu            sync.RWMutex
	returns       map[string]*model.Return          // return id -> return
	versions      map[string][]*model.ReturnVersion // return id -> versions, ascending
	verifications map[string]*model.Verification    // return id -> verification
	acks          map[string]*model.Acknowledgement // return id -> acknowledgement
	taxpayers     map[string]*model.Taxpayer        // taxpayer id -> taxpayer
	panIndex      map[string]string                 // tenant|pan hash -> taxpayer id
	prefill       map[string]*model.Prefill         // tenant|taxpayer|year -> prefill
	audit         []model.AuditEntry                // append-only
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		returns:       make(map[string]*model.Return),
		versions:      make(map[string][]*model.ReturnVersion),
		verifications: make(map[string]*model.Verification),
		acks:          make(map[string]*model.Acknowledgement),
		taxpayers:     make(map[string]*model.Taxpayer),
		panIndex:      make(map[string]string),
		prefill:       make(map[string]*model.Prefill),
	}
}

func (m *memory) Ping(context.Context) error { return nil }

func (m *memory) CreateReturn(ctx context.Context, r model.Return, first model.ReturnVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.returns[r.ID]; exists {
		return ErrConflict
	}
	rc := cloneReturn(r)
	m.returns[r.ID] = &rc
	vc := cloneVersion(first)
	m.versions[r.ID] = []*model.ReturnVersion{&vc}
	return nil
}

func (m *memory) GetReturn(ctx context.Context, tenantID, id string) (*model.Return, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.returns[id]
	if !exists || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	rc := cloneReturn(*r)
	return &rc, nil
}

func (m *memory) ListReturns(ctx context.Context, q model.ReturnQuery) ([]model.Return, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]model.Return, 0)
	for _, r := range m.returns {
		if r.TenantID != q.TenantID {
			continue
		}
		if q.TaxpayerID != "" && r.TaxpayerID != q.TaxpayerID {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.AssessmentYear != "" && r.AssessmentYear != q.AssessmentYear {
			continue
		}
		filtered = append(filtered, cloneReturn(*r))
	}
	// Newest first, id as tie-breaker for stable ordering
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID > filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	page, size := NormalizePage(q.Page, q.PageSize)
	start, end := window(len(filtered), page, size)
	return filtered[start:end], len(filtered), nil
}

func (m *memory) UpdateReturn(ctx context.Context, r model.Return) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.returns[r.ID]
	if !exists || cur.TenantID != r.TenantID {
		return ErrNotFound
	}
	if cur.Revision != r.Revision-1 {
		return ErrConflict
	}
	rc := cloneReturn(r)
	m.returns[r.ID] = &rc
	return nil
}

func (m *memory) AppendVersion(ctx context.Context, v model.ReturnVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.returns[v.ReturnID]; !exists {
		return ErrNotFound
	}
	list := m.versions[v.ReturnID]
	if len(list) > 0 && list[len(list)-1].Version >= v.Version {
		return ErrConflict
	}
	vc := cloneVersion(v)
	m.versions[v.ReturnID] = append(list, &vc)
	return nil
}

func (m *memory) LatestVersion(ctx context.Context, returnID string) (*model.ReturnVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.versions[returnID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	vc := cloneVersion(*list[len(list)-1])
	return &vc, nil
}

func (m *memory) SetVersionPayload(ctx context.Context, returnID string, version int, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.versions[returnID] {
		if v.Version == version {
			v.ITRPayload = maps.Clone(payload)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memory) UpsertVerification(ctx context.Context, v model.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.returns[v.ReturnID]; !exists {
		return ErrNotFound
	}
	if cur, exists := m.verifications[v.ReturnID]; exists {
		v.CreatedAt = cur.CreatedAt
	}
	vc := v
	m.verifications[v.ReturnID] = &vc
	return nil
}

func (m *memory) GetVerification(ctx context.Context, returnID string) (*model.Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, exists := m.verifications[returnID]
	if !exists {
		return nil, ErrNotFound
	}
	vc := *v
	return &vc, nil
}

func (m *memory) CreateAcknowledgement(ctx context.Context, a model.Acknowledgement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.returns[a.ReturnID]; !exists {
		return ErrNotFound
	}
	if _, exists := m.acks[a.ReturnID]; exists {
		return ErrConflict
	}
	ac := a
	m.acks[a.ReturnID] = &ac
	return nil
}

func (m *memory) GetAcknowledgement(ctx context.Context, returnID string) (*model.Acknowledgement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.acks[returnID]
	if !exists {
		return nil, ErrNotFound
	}
	ac := *a
	return &ac, nil
}

func (m *memory) RecordAcknowledgementDownload(ctx context.Context, returnID string, at time.Time) (*model.Acknowledgement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.acks[returnID]
	if !exists {
		return nil, ErrNotFound
	}
	a.DownloadCount++
	t := at
	a.LastDownloadAt = &t
	ac := *a
	return &ac, nil
}

func panKey(tenantID, panHash string) string { return tenantID + "|" + panHash }

func (m *memory) CreateTaxpayer(ctx context.Context, t model.Taxpayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.taxpayers[t.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.panIndex[panKey(t.TenantID, t.PANHash)]; exists {
		return ErrConflict
	}
	tc := cloneTaxpayer(t)
	m.taxpayers[t.ID] = &tc
	m.panIndex[panKey(t.TenantID, t.PANHash)] = t.ID
	return nil
}

func (m *memory) GetTaxpayer(ctx context.Context, tenantID, id string) (*model.Taxpayer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.taxpayers[id]
	if !exists || t.TenantID != tenantID {
		return nil, ErrNotFound
	}
	tc := cloneTaxpayer(*t)
	return &tc, nil
}

func (m *memory) ListTaxpayers(ctx context.Context, tenantID string, page, pageSize int) ([]model.Taxpayer, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]model.Taxpayer, 0)
	for _, t := range m.taxpayers {
		if t.TenantID == tenantID {
			filtered = append(filtered, cloneTaxpayer(*t))
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID > filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	page, pageSize = NormalizePage(page, pageSize)
	start, end := window(len(filtered), page, pageSize)
	return filtered[start:end], len(filtered), nil
}

func (m *memory) UpdateTaxpayer(ctx context.Context, t model.Taxpayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.taxpayers[t.ID]
	if !exists || cur.TenantID != t.TenantID {
		return ErrNotFound
	}
	// PAN is immutable once registered
	t.PANHash = cur.PANHash
	tc := cloneTaxpayer(t)
	m.taxpayers[t.ID] = &tc
	return nil
}

func prefillKey(tenantID, taxpayerID, year string) string {
	return tenantID + "|" + taxpayerID + "|" + year
}

func (m *memory) UpsertPrefill(ctx context.Context, p model.Prefill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := prefillKey(p.TenantID, p.TaxpayerID, p.AssessmentYear)
	if cur, exists := m.prefill[k]; exists {
		p.CreatedAt = cur.CreatedAt
	}
	pc := p
	pc.NormalizedData = maps.Clone(p.NormalizedData)
	m.prefill[k] = &pc
	return nil
}

func (m *memory) GetPrefill(ctx context.Context, tenantID, taxpayerID, assessmentYear string) (*model.Prefill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.prefill[prefillKey(tenantID, taxpayerID, assessmentYear)]
	if !exists {
		return nil, ErrNotFound
	}
	pc := *p
	pc.NormalizedData = maps.Clone(p.NormalizedData)
	return &pc, nil
}

func (m *memory) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memory) ListAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]model.AuditEntry, 0)
	for _, e := range m.audit {
		if e.TenantID != q.TenantID {
			continue
		}
		if q.OperationType != "" && e.OperationType != q.OperationType {
			continue
		}
		if q.IsError != nil && e.IsError != *q.IsError {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !e.CreatedAt.Before(q.Until) {
			continue
		}
		filtered = append(filtered, e)
	}
	// Newest first; entries sharing a timestamp stay newest-inserted first
	slices.Reverse(filtered)
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	page, size := NormalizePage(q.Page, q.PageSize)
	start, end := window(len(filtered), page, size)
	return filtered[start:end], len(filtered), nil
}

func cloneReturn(r model.Return) model.Return {
	r.ValidationErrors = slices.Clone(r.ValidationErrors)
	return r
}

func cloneVersion(v model.ReturnVersion) model.ReturnVersion {
	v.LocalData = maps.Clone(v.LocalData)
	v.ITRPayload = maps.Clone(v.ITRPayload)
	return v
}

func cloneTaxpayer(t model.Taxpayer) model.Taxpayer {
	t.PANCiphertext = slices.Clone(t.PANCiphertext)
	t.DOBCiphertext = slices.Clone(t.DOBCiphertext)
	return t
}
