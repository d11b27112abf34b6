package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/config"
	"github.com/erilink/eri-gateway/internal/document"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/event"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/pii"
	"github.com/erilink/eri-gateway/internal/schema"
	"github.com/erilink/eri-gateway/internal/session"
	"github.com/erilink/eri-gateway/internal/storage"
)

const masterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var caller = model.Caller{TenantID: "acme", UserID: "u-1"}

type calls struct {
	mu  sync.Mutex
	ops []string
}

func (c *calls) Record(_ context.Context, e model.AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, e.OperationType)
}

func (c *calls) count(op authority.Operation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.ops {
		if o == string(op) {
			n++
		}
	}
	return n
}

type transitions struct {
	event.Noop
	mu  sync.Mutex
	got []event.Transition
}

func (p *transitions) PublishTransition(_ context.Context, t event.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, t)
	return nil
}

type harness struct {
	svc      *Service
	store    storage.Store
	client   *authority.Client
	docs     *document.Memory
	calls    *calls
	events   *transitions
	taxpayer string
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 7, 31, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := storage.NewMemory()
	env, err := pii.New(masterKey)
	require.NoError(t, err)
	panCT, err := env.EncryptString("ABCDE1234F")
	require.NoError(t, err)
	require.NoError(t, store.CreateTaxpayer(ctx, model.Taxpayer{
		ID: "tp-1", TenantID: "acme", PANHash: pii.HashPAN("ABCDE1234F"), PANCiphertext: panCT,
		IsLinked: true, CreatedAt: now, UpdatedAt: now,
	}))

	rec := &calls{}
	client := authority.New(config.Authority{MockMode: true, CallerID: "ERIP000123"}, "acme", authority.Deps{
		Sessions: session.NewCache(nil, session.WithClock(clock)),
		Audit:    rec,
		Now:      clock,
	})
	validator, err := schema.NewValidator()
	require.NoError(t, err)

	docs := document.NewMemory("eri-documents")
	events := &transitions{}
	svc := NewService(Deps{
		Store:     store,
		Authority: func(string) Authority { return client },
		PII:       env,
		Documents: docs,
		Events:    events,
		Validator: validator,
		Now:       clock,
	})
	return &harness{svc: svc, store: store, client: client, docs: docs, calls: rec, events: events, taxpayer: "tp-1", now: now}
}

func (h *harness) draft(t *testing.T) model.Return {
	t.Helper()
	r, err := h.svc.Create(context.Background(), caller, model.CreateReturnRequest{TaxpayerID: h.taxpayer, AssessmentYear: "2024-25"})
	require.NoError(t, err)
	return r
}

// validated walks a fresh return to VALIDATED.
func (h *harness) validated(t *testing.T) model.Return {
	t.Helper()
	ctx := context.Background()
	r := h.draft(t)
	_, err := h.svc.SaveDraft(ctx, caller, r.ID, model.SaveDraftRequest{LocalData: map[string]any{"salary": 1200000.0}})
	require.NoError(t, err)
	_, err = h.svc.BuildPayload(ctx, caller, r.ID)
	require.NoError(t, err)
	out, err := h.svc.Validate(ctx, caller, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusValidated, out.Return.Status)
	return out.Return
}

func (h *harness) force(t *testing.T, r model.Return, st model.ReturnStatus) model.Return {
	t.Helper()
	r.Status = st
	r.Revision++
	require.NoError(t, h.store.UpdateReturn(context.Background(), r))
	return r
}

func requireCode(t *testing.T, err error, code errordefs.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, errordefs.CodeOf(err), err.Error())
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, caller, model.CreateReturnRequest{AssessmentYear: "2024-25"})
	requireCode(t, err, errordefs.ERI_VALIDATION)
	_, err = h.svc.Create(ctx, caller, model.CreateReturnRequest{TaxpayerID: "tp-1", AssessmentYear: "FY24"})
	requireCode(t, err, errordefs.ERI_VALIDATION)
	_, err = h.svc.Create(ctx, caller, model.CreateReturnRequest{TaxpayerID: "nobody", AssessmentYear: "2024-25"})
	requireCode(t, err, errordefs.ERI_NOT_FOUND)

	r := h.draft(t)
	require.Equal(t, model.StatusDraft, r.Status)
	require.Equal(t, model.DefaultReturnType, r.ReturnType)
	require.Equal(t, "u-1", r.CreatedBy)

	d, err := h.svc.Get(ctx, caller, r.ID)
	require.NoError(t, err)
	require.Equal(t, 1, d.LatestVersion.Version)
	require.Nil(t, d.Verification)
	require.Nil(t, d.Acknowledgement)

	_, err = h.svc.Get(ctx, model.Caller{TenantID: "globex"}, r.ID)
	requireCode(t, err, errordefs.ERI_NOT_FOUND)
}

func TestSaveDraftByStatus(t *testing.T) {
	ctx := context.Background()
	for _, st := range allStatuses {
		t.Run(string(st), func(t *testing.T) {
			h := newHarness(t)
			r := h.draft(t)
			if st != model.StatusDraft {
				r = h.force(t, r, st)
			}

			v, err := h.svc.SaveDraft(ctx, caller, r.ID, model.SaveDraftRequest{LocalData: map[string]any{"a": 1.0}})
			if st == model.StatusDraft || st == model.StatusValidationFailed {
				require.NoError(t, err)
				require.Equal(t, 2, v)
				return
			}
			requireCode(t, err, errordefs.ERI_INVALID_STATE)

			d, err := h.svc.Get(ctx, caller, r.ID)
			require.NoError(t, err)
			require.Equal(t, 1, d.LatestVersion.Version, "no version appended")
		})
	}
}

func TestBuildPayloadMergesDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.draft(t)

	_, err := h.svc.SaveDraft(ctx, caller, r.ID, model.SaveDraftRequest{LocalData: map[string]any{
		"salary":     10.0,
		"filingType": "BELATED",
	}})
	require.NoError(t, err)

	payload, err := h.svc.BuildPayload(ctx, caller, r.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"itrType":        "ITR-2",
		"assessmentYear": "2024-25",
		"filingType":     "BELATED",
		"salary":         10.0,
	}, payload)

	d, err := h.svc.Get(ctx, caller, r.ID)
	require.NoError(t, err)
	require.Equal(t, payload, d.LatestVersion.ITRPayload)

	_, err = h.svc.SaveDraft(ctx, caller, r.ID, model.SaveDraftRequest{LocalData: map[string]any{"filingType": "SOMETIMES"}})
	require.NoError(t, err)
	_, err = h.svc.BuildPayload(ctx, caller, r.ID)
	requireCode(t, err, errordefs.ERI_VALIDATION)
}

func TestValidateRequiresBuiltPayload(t *testing.T) {
	h := newHarness(t)
	r := h.draft(t)

	_, err := h.svc.Validate(context.Background(), caller, r.ID)
	requireCode(t, err, errordefs.ERI_VALIDATION)

	d, err := h.svc.Get(context.Background(), caller, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDraft, d.Status)
	require.Zero(t, h.calls.count(authority.OpValidateITR))
}

func TestValidationFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.draft(t)
	_, err := h.svc.BuildPayload(ctx, caller, r.ID)
	require.NoError(t, err)

	h.client.FailMock(authority.OpValidateITR, "Schedule S is incomplete")
	out, err := h.svc.Validate(ctx, caller, r.ID)
	require.NoError(t, err)
	require.False(t, out.Result.OK)
	require.Equal(t, model.StatusValidationFailed, out.Return.Status)
	require.Equal(t, []string{"Schedule S is incomplete"}, out.Return.ValidationErrors)

	h.client.FailMock(authority.OpValidateITR, "")
	out, err = h.svc.Validate(ctx, caller, r.ID)
	require.NoError(t, err)
	require.True(t, out.Result.OK)
	require.Equal(t, model.StatusValidated, out.Return.Status)
	require.Empty(t, out.Return.ValidationErrors)
	require.Equal(t, h.now, *out.Return.LastValidatedAt)

	_, err = h.svc.Validate(ctx, caller, r.ID)
	requireCode(t, err, errordefs.ERI_INVALID_STATE)
}

func TestSubmitSuccess(t *testing.T) {
	h := newHarness(t)
	r := h.validated(t)

	out, err := h.svc.Submit(context.Background(), caller, r.ID)
	require.NoError(t, err)
	require.True(t, out.Result.OK)
	require.Equal(t, model.StatusSubmitted, out.Return.Status)
	require.True(t, strings.HasPrefix(out.Return.ARNNumber, "ARN-"))
	require.True(t, strings.HasPrefix(out.Return.AcknowledgementNumber, "ACK"))
	require.Equal(t, h.now, *out.Return.FiledDate)

	stored, err := h.store.GetReturn(context.Background(), "acme", r.ID)
	require.NoError(t, err)
	require.Equal(t, out.Return.ARNNumber, stored.ARNNumber)
}

func TestSubmitFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	r := h.validated(t)

	h.client.FailMock(authority.OpSubmitITR, "Duplicate return")
	out, err := h.svc.Submit(context.Background(), caller, r.ID)
	require.NoError(t, err)
	require.False(t, out.Result.OK)
	require.Equal(t, model.StatusFailed, out.Return.Status)
	require.Empty(t, out.Return.ARNNumber)

	h.client.FailMock(authority.OpSubmitITR, "")
	_, err = h.svc.Submit(context.Background(), caller, r.ID)
	requireCode(t, err, errordefs.ERI_INVALID_STATE)
}

func TestVerificationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.validated(t)
	_, err := h.svc.Submit(ctx, caller, r.ID)
	require.NoError(t, err)

	_, err = h.svc.SetVerificationMode(ctx, caller, r.ID, "CARRIER_PIGEON")
	requireCode(t, err, errordefs.ERI_VALIDATION)
	_, err = h.svc.GenerateEVC(ctx, caller, r.ID, "AADHAAR_OTP")
	requireCode(t, err, errordefs.ERI_INVALID_STATE)

	out, err := h.svc.SetVerificationMode(ctx, caller, r.ID, model.VerifyAadhaarOTP)
	require.NoError(t, err)
	require.Equal(t, model.StatusVerifying, out.Return.Status)

	out, err = h.svc.GenerateEVC(ctx, caller, r.ID, "AADHAAR_OTP")
	require.NoError(t, err)
	require.True(t, out.Result.OK)

	v, err := h.store.GetVerification(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.VerifyAadhaarOTP, v.Mode)
	require.True(t, strings.HasPrefix(v.EVCToken, "EVC_TXN_"))
	require.Equal(t, h.now.Add(EVCValidity), *v.EVCExpiresAt)

	h.client.FailMock(authority.OpVerifyEVC, "Invalid EVC")
	for i := 1; i <= 2; i++ {
		out, err = h.svc.VerifyEVC(ctx, caller, r.ID, "000000")
		require.NoError(t, err)
		require.False(t, out.Result.OK)
		require.Equal(t, model.StatusVerifying, out.Return.Status)
		v, err = h.store.GetVerification(ctx, r.ID)
		require.NoError(t, err)
		require.Equal(t, i, v.EVCAttempts)
	}

	// A fresh EVC resets the counter.
	_, err = h.svc.GenerateEVC(ctx, caller, r.ID, "AADHAAR_OTP")
	require.NoError(t, err)
	v, err = h.store.GetVerification(ctx, r.ID)
	require.NoError(t, err)
	require.Zero(t, v.EVCAttempts)

	h.client.FailMock(authority.OpVerifyEVC, "")
	out, err = h.svc.VerifyEVC(ctx, caller, r.ID, "123456")
	require.NoError(t, err)
	require.Equal(t, model.StatusVerified, out.Return.Status)
	v, err = h.store.GetVerification(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, v.IsVerified)
	require.Equal(t, h.now, *v.VerifiedAt)
}

func TestVerifyEVCWithoutVerification(t *testing.T) {
	h := newHarness(t)
	r := h.force(t, h.draft(t), model.StatusVerifying)
	_, err := h.svc.VerifyEVC(context.Background(), caller, r.ID, "123456")
	requireCode(t, err, errordefs.ERI_VALIDATION)
}

func TestFailedVerificationModeLeavesStatus(t *testing.T) {
	h := newHarness(t)
	r := h.force(t, h.draft(t), model.StatusSubmitted)

	h.client.FailMock(authority.OpUpdateVerificationMode, "not allowed")
	out, err := h.svc.SetVerificationMode(context.Background(), caller, r.ID, model.VerifyITRV)
	require.NoError(t, err)
	require.False(t, out.Result.OK)
	require.Equal(t, model.StatusSubmitted, out.Return.Status)

	_, err = h.store.GetVerification(context.Background(), r.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAcknowledgementIsStoredOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.draft(t)
	r.ARNNumber = "ARN-1"
	r = h.force(t, r, model.StatusVerified)

	out, err := h.svc.DownloadAcknowledgement(ctx, caller, r.ID)
	require.NoError(t, err)
	require.True(t, out.Result.OK)
	require.Equal(t, model.StatusAcknowledged, out.Return.Status)
	require.Equal(t, document.AcknowledgementKey("acme", r.ID), out.Acknowledgement.StorageKey)
	require.Equal(t, "eri-documents", out.Acknowledgement.StorageBucket)

	body, contentType, ok := h.docs.Get(out.Acknowledgement.StorageKey)
	require.True(t, ok)
	require.Equal(t, "application/pdf", contentType)
	require.True(t, strings.HasPrefix(string(body), "%PDF-1.4"))
	require.Equal(t, int64(len(body)), out.Acknowledgement.FileSize)

	again, err := h.svc.DownloadAcknowledgement(ctx, caller, r.ID)
	require.NoError(t, err)
	require.Equal(t, out.Acknowledgement.StorageKey, again.Acknowledgement.StorageKey)
	require.Equal(t, 1, h.calls.count(authority.OpGetAcknowledgement), "no second authority call")

	link, err := h.svc.AcknowledgementURL(ctx, caller, r.ID)
	require.NoError(t, err)
	require.Equal(t, 3600, link.ExpiresIn)
	require.Contains(t, link.URL, out.Acknowledgement.StorageKey)

	ack, err := h.store.GetAcknowledgement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 1, ack.DownloadCount)
	require.Equal(t, h.now, *ack.LastDownloadAt)
}

// failAcknowledgeOnce fails the first write that moves a return to ACKNOWLEDGED.
type failAcknowledgeOnce struct {
	storage.Store
	failed bool
}

func (s *failAcknowledgeOnce) UpdateReturn(ctx context.Context, r model.Return) error {
	if r.Status == model.StatusAcknowledged && !s.failed {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.Store.UpdateReturn(ctx, r)
}

func TestAcknowledgementRetryAdvancesStuckReturn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.draft(t)
	r.ARNNumber = "ARN-1"
	r = h.force(t, r, model.StatusVerified)
	flaky := &failAcknowledgeOnce{Store: h.store}
	h.svc.store = flaky

	_, err := h.svc.DownloadAcknowledgement(ctx, caller, r.ID)
	require.Error(t, err)
	require.True(t, flaky.failed)
	_, err = h.store.GetAcknowledgement(ctx, r.ID)
	require.NoError(t, err, "the record was stored before the status write failed")
	got, err := h.store.GetReturn(ctx, "acme", r.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusVerified, got.Status)

	out, err := h.svc.DownloadAcknowledgement(ctx, caller, r.ID)
	require.NoError(t, err)
	require.True(t, out.Result.OK)
	require.Equal(t, model.StatusAcknowledged, out.Return.Status)
	require.Equal(t, document.AcknowledgementKey("acme", r.ID), out.Acknowledgement.StorageKey)
	require.Equal(t, 1, h.calls.count(authority.OpGetAcknowledgement))

	got, err = h.store.GetReturn(ctx, "acme", r.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusAcknowledged, got.Status)
	last := h.events.got[len(h.events.got)-1]
	require.Equal(t, model.StatusVerified, last.From)
	require.Equal(t, model.StatusAcknowledged, last.To)
}

func TestAcknowledgementRequiresVerified(t *testing.T) {
	h := newHarness(t)
	r := h.force(t, h.draft(t), model.StatusVerifying)

	_, err := h.svc.DownloadAcknowledgement(context.Background(), caller, r.ID)
	requireCode(t, err, errordefs.ERI_INVALID_STATE)

	_, err = h.svc.AcknowledgementURL(context.Background(), caller, r.ID)
	requireCode(t, err, errordefs.ERI_NOT_FOUND)
}

func TestTransitionsArePublished(t *testing.T) {
	h := newHarness(t)
	r := h.validated(t)
	_, err := h.svc.Submit(context.Background(), caller, r.ID)
	require.NoError(t, err)

	var path []string
	for _, tr := range h.events.got {
		path = append(path, string(tr.To))
	}
	require.Equal(t, []string{"VALIDATING", "VALIDATED", "SUBMITTING", "SUBMITTED"}, path)
	require.NotEmpty(t, h.events.got[3].ARNNumber)
}

func TestListIsTenantScoped(t *testing.T) {
	h := newHarness(t)
	h.draft(t)
	h.draft(t)

	page, err := h.svc.List(context.Background(), caller, model.ReturnQuery{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Equal(t, 1, page.TotalPages)

	page, err = h.svc.List(context.Background(), model.Caller{TenantID: "globex"}, model.ReturnQuery{})
	require.NoError(t, err)
	require.Zero(t, page.Total)
	require.NotNil(t, page.Data)
}
