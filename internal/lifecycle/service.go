package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"maps"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/document"
	"github.com/erilink/eri-gateway/internal/envelope"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/event"
	"github.com/erilink/eri-gateway/internal/metrics"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/schema"
	"github.com/erilink/eri-gateway/internal/storage"
)

const (
	// EVCValidity is how long a generated EVC is accepted.
	EVCValidity = 10 * time.Minute
	// AcknowledgementURLTTL is the lifetime of a signed ITR-V download link.
	AcknowledgementURLTTL = time.Hour

	filingTypeOriginal = "ORIGINAL"
	pdfContentType     = "application/pdf"
)

var assessmentYearPattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}$`)

// Authority is the part of the authority client the lifecycle drives.
type Authority interface {
	ValidateITR(ctx context.Context, payload map[string]any) envelope.Result
	SubmitITR(ctx context.Context, payload map[string]any) envelope.Result
	UpdateVerificationMode(ctx context.Context, pan, assessmentYear, mode string) envelope.Result
	GenerateEVC(ctx context.Context, pan, assessmentYear, evcMode string) envelope.Result
	VerifyEVC(ctx context.Context, pan, assessmentYear, otp string) envelope.Result
	GetAcknowledgement(ctx context.Context, pan, assessmentYear, arn string) envelope.Result
}

// AuthorityFunc returns the authority client acting for a tenant.
type AuthorityFunc func(tenantID string) Authority

// Decrypter opens PII ciphertext.
type Decrypter interface {
	DecryptString(ciphertext []byte) (string, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     storage.Store
	Authority AuthorityFunc
	PII       Decrypter
	Documents document.Store
	Events    event.Publisher   // nil publishes nothing
	Validator *schema.Validator // nil skips the local payload check
	Now       func() time.Time
}

// Outcome is the result of an action that called the authority. Result is
// the authority's verdict; Return is the record after it was applied.
type Outcome struct {
	Return          model.Return           `json:"return"`
	Result          envelope.Result        `json:"result"`
	Acknowledgement *model.Acknowledgement `json:"acknowledgement,omitempty"`
}

// DownloadLink is a time-limited URL to the stored ITR-V.
type DownloadLink struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

// Service runs return lifecycle operations.
type Service struct {
	store     storage.Store
	authority AuthorityFunc
	pii       Decrypter
	docs      document.Store
	events    event.Publisher
	validator *schema.Validator
	now       func() time.Time
	metrics   *metrics.Metrics
}

// NewService wires a Service.
func NewService(d Deps) *Service {
	if d.Events == nil {
		d.Events = event.Noop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:     d.Store,
		authority: d.Authority,
		pii:       d.PII,
		docs:      d.Documents,
		events:    d.Events,
		validator: d.Validator,
		now:       d.Now,
		metrics:   metrics.NewMetrics(),
	}
}

// Create opens a DRAFT return for an existing taxpayer, with an empty first version.
func (s *Service) Create(ctx context.Context, c model.Caller, req model.CreateReturnRequest) (model.Return, error) {
	if req.TaxpayerID == "" {
		return model.Return{}, errordefs.New(errordefs.ERI_VALIDATION, "taxpayerId is required", "")
	}
	if !assessmentYearPattern.MatchString(req.AssessmentYear) {
		return model.Return{}, errordefs.New(errordefs.ERI_VALIDATION, "assessmentYear must look like 2024-25", "")
	}
	if _, err := s.store.GetTaxpayer(ctx, c.TenantID, req.TaxpayerID); err != nil {
		return model.Return{}, storeErr(err, "taxpayer")
	}

	now := s.now().UTC()
	r := model.Return{
		ID:             ulid.Make().String(),
		TenantID:       c.TenantID,
		TaxpayerID:     req.TaxpayerID,
		AssessmentYear: req.AssessmentYear,
		ReturnType:     req.ReturnType,
		Status:         model.StatusDraft,
		CreatedBy:      c.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.ReturnType == "" {
		r.ReturnType = model.DefaultReturnType
	}
	first := model.ReturnVersion{
		ReturnID:  r.ID,
		Version:   1,
		LocalData: map[string]any{},
		Notes:     "Initial draft",
		CreatedAt: now,
	}
	if err := s.store.CreateReturn(ctx, r, first); err != nil {
		return model.Return{}, storeErr(err, "return")
	}
	slog.Info("return created", "tenant", c.TenantID, "return", r.ID, "assessmentYear", r.AssessmentYear)
	return r, nil
}

// Get returns a return with its latest version, verification and acknowledgement.
func (s *Service) Get(ctx context.Context, c model.Caller, id string) (model.ReturnDetail, error) {
	r, err := s.load(ctx, c, id)
	if err != nil {
		return model.ReturnDetail{}, err
	}
	d := model.ReturnDetail{Return: r}
	if d.LatestVersion, err = s.store.LatestVersion(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.ReturnDetail{}, storeErr(err, "version")
	}
	if d.Verification, err = s.store.GetVerification(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.ReturnDetail{}, storeErr(err, "verification")
	}
	if d.Acknowledgement, err = s.store.GetAcknowledgement(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.ReturnDetail{}, storeErr(err, "acknowledgement")
	}
	return d, nil
}

// List returns one page of the caller's returns, newest first.
func (s *Service) List(ctx context.Context, c model.Caller, q model.ReturnQuery) (model.Page[model.Return], error) {
	q.TenantID = c.TenantID
	q.Page, q.PageSize = storage.NormalizePage(q.Page, q.PageSize)
	items, total, err := s.store.ListReturns(ctx, q)
	if err != nil {
		return model.Page[model.Return]{}, storeErr(err, "returns")
	}
	return model.NewPage(items, total, q.Page, q.PageSize), nil
}

// SaveDraft appends a new version holding req.LocalData and returns its number.
func (s *Service) SaveDraft(ctx context.Context, c model.Caller, id string, req model.SaveDraftRequest) (int, error) {
	r, err := s.load(ctx, c, id)
	if err != nil {
		return 0, err
	}
	if _, err := s.apply(ctx, r, ActionEditDraft, nil); err != nil {
		return 0, err
	}

	next := 1
	latest, err := s.store.LatestVersion(ctx, id)
	switch {
	case err == nil:
		next = latest.Version + 1
	case !errors.Is(err, storage.ErrNotFound):
		return 0, storeErr(err, "version")
	}

	data := req.LocalData
	if data == nil {
		data = map[string]any{}
	}
	v := model.ReturnVersion{ReturnID: id, Version: next, LocalData: data, Notes: req.Notes, CreatedAt: s.now().UTC()}
	if err := s.store.AppendVersion(ctx, v); err != nil {
		return 0, storeErr(err, "version")
	}
	return next, nil
}

// BuildPayload derives the authority payload from the latest draft and stores
// it on that version. Draft fields override the generated envelope fields.
func (s *Service) BuildPayload(ctx context.Context, c model.Caller, id string) (map[string]any, error) {
	r, err := s.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if err := Check(r.Status, ActionEditDraft); err != nil {
		return nil, err
	}
	latest, err := s.store.LatestVersion(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.ERI_VALIDATION, "no draft data found", "")
		}
		return nil, storeErr(err, "version")
	}

	payload := map[string]any{
		"itrType":        r.ReturnType,
		"assessmentYear": r.AssessmentYear,
		"filingType":     filingTypeOriginal,
	}
	maps.Copy(payload, latest.LocalData)

	if s.validator != nil {
		if _, err := s.validator.Validate(schema.ITRPayload, payload); err != nil {
			return nil, err
		}
	}
	if err := s.store.SetVersionPayload(ctx, id, latest.Version, payload); err != nil {
		return nil, storeErr(err, "version")
	}
	return payload, nil
}

// Validate sends the built payload to the authority for validation.
func (s *Service) Validate(ctx context.Context, c model.Caller, id string) (Outcome, error) {
	r, err := s.load(ctx, c, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := Check(r.Status, ActionStartValidation); err != nil {
		return Outcome{}, err
	}
	payload, err := s.builtPayload(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	r, err = s.apply(ctx, r, ActionStartValidation, nil)
	if err != nil {
		return Outcome{}, err
	}

	res := s.authority(c.TenantID).ValidateITR(auditCtx(ctx, c, id), payload)
	ctx = context.WithoutCancel(ctx)

	if res.OK {
		now := s.now().UTC()
		r, err = s.apply(ctx, r, ActionPassValidation, func(n *model.Return) {
			n.LastValidatedAt = &now
			n.ValidationErrors = nil
		})
	} else {
		r, err = s.apply(ctx, r, ActionFailValidation, func(n *model.Return) {
			n.ValidationErrors = res.Errors
		})
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Return: r, Result: res}, nil
}

// Submit files a validated return. A failed submission is terminal.
func (s *Service) Submit(ctx context.Context, c model.Caller, id string) (Outcome, error) {
	r, err := s.load(ctx, c, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := Check(r.Status, ActionStartSubmission); err != nil {
		return Outcome{}, err
	}
	payload, err := s.builtPayload(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	r, err = s.apply(ctx, r, ActionStartSubmission, nil)
	if err != nil {
		return Outcome{}, err
	}

	res := s.authority(c.TenantID).SubmitITR(auditCtx(ctx, c, id), payload)
	ctx = context.WithoutCancel(ctx)

	if res.OK {
		filed := s.filedDate(res.Raw["filedDate"])
		r, err = s.apply(ctx, r, ActionConfirmSubmission, func(n *model.Return) {
			n.ARNNumber, _ = res.Raw["arn"].(string)
			n.AcknowledgementNumber, _ = res.Raw["acknowledgementNumber"].(string)
			n.FiledDate = &filed
		})
	} else {
		slog.Warn("return submission failed", "tenant", c.TenantID, "return", id, "errors", res.Errors)
		r, err = s.apply(ctx, r, ActionFailSubmission, nil)
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Return: r, Result: res}, nil
}

// SetVerificationMode chooses how a submitted return will be verified.
func (s *Service) SetVerificationMode(ctx context.Context, c model.Caller, id string, mode model.VerificationMode) (Outcome, error) {
	if !mode.Valid() {
		return Outcome{}, errordefs.New(errordefs.ERI_VALIDATION, "unknown verification mode: "+string(mode), "")
	}
	r, err := s.load(ctx, c, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := Check(r.Status, ActionStartVerification); err != nil {
		return Outcome{}, err
	}
	pan, err := s.pan(ctx, r)
	if err != nil {
		return Outcome{}, err
	}

	res := s.authority(c.TenantID).UpdateVerificationMode(auditCtx(ctx, c, id), pan, r.AssessmentYear, string(mode))
	if !res.OK {
		return Outcome{Return: r, Result: res}, nil
	}
	ctx = context.WithoutCancel(ctx)

	v, err := s.verification(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	v.Mode = mode
	if err := s.saveVerification(ctx, v); err != nil {
		return Outcome{}, err
	}
	r, err = s.apply(ctx, r, ActionStartVerification, nil)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Return: r, Result: res}, nil
}

// GenerateEVC asks the authority to send an EVC and records its token.
func (s *Service) GenerateEVC(ctx context.Context, c model.Caller, id, evcMode string) (Outcome, error) {
	switch model.VerificationMode(evcMode) {
	case model.VerifyAadhaarOTP, model.VerifyBankEVC, model.VerifyDematEVC:
	default:
		return Outcome{}, errordefs.New(errordefs.ERI_VALIDATION, "unknown EVC mode: "+evcMode, "")
	}
	r, err := s.load(ctx, c, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := Check(r.Status, ActionGenerateEVC); err != nil {
		return Outcome{}, err
	}
	pan, err := s.pan(ctx, r)
	if err != nil {
		return Outcome{}, err
	}

	res := s.authority(c.TenantID).GenerateEVC(auditCtx(ctx, c, id), pan, r.AssessmentYear, evcMode)
	if !res.OK || res.TransactionID == "" {
		return Outcome{Return: r, Result: res}, nil
	}
	ctx = context.WithoutCancel(ctx)

	v, err := s.verification(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	expires := s.now().UTC().Add(EVCValidity)
	v.EVCToken = res.TransactionID
	v.EVCExpiresAt = &expires
	v.EVCAttempts = 0
	if err := s.saveVerification(ctx, v); err != nil {
		return Outcome{}, err
	}
	return Outcome{Return: r, Result: res}, nil
}

// VerifyEVC submits the taxpayer's code. A rejected code only bumps the
// attempt counter; the caller may retry.
func (s *Service) VerifyEVC(ctx context.Context, c model.Caller, id, otp string) (Outcome, error) {
	if otp == "" {
		return Outcome{}, errordefs.New(errordefs.ERI_VALIDATION, "otp is required", "")
	}
	r, err := s.load(ctx, c, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := Check(r.Status, ActionVerifyEVC); err != nil {
		return Outcome{}, err
	}
	v, err := s.store.GetVerification(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, errordefs.New(errordefs.ERI_VALIDATION, "verification not initiated", "")
		}
		return Outcome{}, storeErr(err, "verification")
	}
	pan, err := s.pan(ctx, r)
	if err != nil {
		return Outcome{}, err
	}

	res := s.authority(c.TenantID).VerifyEVC(auditCtx(ctx, c, id), pan, r.AssessmentYear, otp)
	ctx = context.WithoutCancel(ctx)

	if !res.OK {
		v.EVCAttempts++
		if err := s.saveVerification(ctx, *v); err != nil {
			return Outcome{}, err
		}
		return Outcome{Return: r, Result: res}, nil
	}

	now := s.now().UTC()
	v.IsVerified = true
	v.VerifiedAt = &now
	if err := s.saveVerification(ctx, *v); err != nil {
		return Outcome{}, err
	}
	r, err = s.apply(ctx, r, ActionConfirmVerification, nil)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Return: r, Result: res}, nil
}

// DownloadAcknowledgement fetches the ITR-V, stores it and marks the return
// ACKNOWLEDGED. Once stored, later calls return the existing record without
// contacting the authority, and still advance a return left at VERIFIED.
func (s *Service) DownloadAcknowledgement(ctx context.Context, c model.Caller, id string) (Outcome, error) {
	r, err := s.load(ctx, c, id)
	if err != nil {
		return Outcome{}, err
	}
	if existing, err := s.store.GetAcknowledgement(ctx, id); err == nil {
		return s.acknowledged(ctx, c, r, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, storeErr(err, "acknowledgement")
	}
	if err := Check(r.Status, ActionAcknowledge); err != nil {
		return Outcome{}, err
	}
	pan, err := s.pan(ctx, r)
	if err != nil {
		return Outcome{}, err
	}

	res := s.authority(c.TenantID).GetAcknowledgement(auditCtx(ctx, c, id), pan, r.AssessmentYear, r.ARNNumber)
	if !res.OK {
		return Outcome{Return: r, Result: res}, nil
	}
	encoded, _ := res.Raw["acknowledgementPdf"].(string)
	if encoded == "" {
		return Outcome{Return: r, Result: envelope.Failed("acknowledgement response carried no document")}, nil
	}
	pdf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.ERI_ENVELOPE, "acknowledgement document is not base64", err)
	}
	ctx = context.WithoutCancel(ctx)

	key := document.AcknowledgementKey(c.TenantID, id)
	if err := s.docs.Put(ctx, key, pdf, pdfContentType); err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.ERI_UNAVAILABLE, "storing acknowledgement", err)
	}
	ack := model.Acknowledgement{
		ReturnID:      id,
		StorageKey:    key,
		StorageBucket: s.docs.Bucket(),
		FileSize:      int64(len(pdf)),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateAcknowledgement(ctx, ack); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent download won; its record is the one that counts.
			existing, gerr := s.store.GetAcknowledgement(ctx, id)
			if gerr != nil {
				return Outcome{}, storeErr(gerr, "acknowledgement")
			}
			if r, err = s.load(ctx, c, id); err != nil {
				return Outcome{}, err
			}
			return s.acknowledged(ctx, c, r, existing)
		}
		return Outcome{}, storeErr(err, "acknowledgement")
	}
	return s.acknowledged(ctx, c, r, &ack)
}

// acknowledged moves a return whose ITR-V is on record from VERIFIED to
// ACKNOWLEDGED. A return already past VERIFIED is returned as is.
func (s *Service) acknowledged(ctx context.Context, c model.Caller, r model.Return, ack *model.Acknowledgement) (Outcome, error) {
	if r.Status != model.StatusVerified {
		return Outcome{Return: r, Result: stored(), Acknowledgement: ack}, nil
	}
	r, err := s.apply(ctx, r, ActionAcknowledge, nil)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.events.PublishAcknowledgement(ctx, c.TenantID, *ack); err != nil {
		slog.Warn("failed to publish acknowledgement event", "return", r.ID, "error", err)
	}
	return Outcome{Return: r, Result: stored(), Acknowledgement: ack}, nil
}

// AcknowledgementURL signs a download link for the stored ITR-V and counts the download.
func (s *Service) AcknowledgementURL(ctx context.Context, c model.Caller, id string) (DownloadLink, error) {
	if _, err := s.load(ctx, c, id); err != nil {
		return DownloadLink{}, err
	}
	ack, err := s.store.GetAcknowledgement(ctx, id)
	if err != nil {
		return DownloadLink{}, storeErr(err, "acknowledgement")
	}
	url, err := s.docs.SignedURL(ctx, ack.StorageKey, AcknowledgementURLTTL)
	if err != nil {
		return DownloadLink{}, errordefs.Wrap(errordefs.ERI_UNAVAILABLE, "signing acknowledgement url", err)
	}
	if _, err := s.store.RecordAcknowledgementDownload(ctx, id, s.now().UTC()); err != nil {
		return DownloadLink{}, storeErr(err, "acknowledgement")
	}
	return DownloadLink{URL: url, ExpiresIn: int(AcknowledgementURLTTL.Seconds())}, nil
}

func (s *Service) load(ctx context.Context, c model.Caller, id string) (model.Return, error) {
	r, err := s.store.GetReturn(ctx, c.TenantID, id)
	if err != nil {
		return model.Return{}, storeErr(err, "return")
	}
	return *r, nil
}

// apply runs a transition, lets mutate fill in outcome fields and persists
// the result under the record's revision.
func (s *Service) apply(ctx context.Context, r model.Return, action Action, mutate func(*model.Return)) (model.Return, error) {
	next, err := Transition(r, action, s.now())
	if err != nil {
		return r, err
	}
	if mutate != nil {
		mutate(&next)
	}
	if err := s.store.UpdateReturn(ctx, next); err != nil {
		return r, storeErr(err, "return")
	}
	if next.Status == r.Status {
		return next, nil
	}

	s.metrics.ReturnTransitions.WithLabelValues(string(r.Status), string(next.Status)).Inc()
	slog.Info("return transitioned", "tenant", r.TenantID, "return", r.ID, "from", r.Status, "to", next.Status)
	if err := s.events.PublishTransition(ctx, event.Transition{
		TenantID:   r.TenantID,
		ReturnID:   r.ID,
		From:       r.Status,
		To:         next.Status,
		ARNNumber:  next.ARNNumber,
		OccurredAt: next.UpdatedAt,
	}); err != nil {
		slog.Warn("failed to publish transition event", "return", r.ID, "error", err)
	}
	return next, nil
}

func (s *Service) builtPayload(ctx context.Context, id string) (map[string]any, error) {
	latest, err := s.store.LatestVersion(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, storeErr(err, "version")
	}
	if latest == nil || len(latest.ITRPayload) == 0 {
		return nil, errordefs.New(errordefs.ERI_VALIDATION, "build the payload first", "")
	}
	return latest.ITRPayload, nil
}

// pan decrypts the filing taxpayer's PAN. The plaintext lives only for the call.
func (s *Service) pan(ctx context.Context, r model.Return) (string, error) {
	tp, err := s.store.GetTaxpayer(ctx, r.TenantID, r.TaxpayerID)
	if err != nil {
		return "", storeErr(err, "taxpayer")
	}
	return s.pii.DecryptString(tp.PANCiphertext)
}

func (s *Service) verification(ctx context.Context, returnID string) (model.Verification, error) {
	v, err := s.store.GetVerification(ctx, returnID)
	switch {
	case err == nil:
		return *v, nil
	case errors.Is(err, storage.ErrNotFound):
		return model.Verification{ReturnID: returnID, CreatedAt: s.now().UTC()}, nil
	default:
		return model.Verification{}, storeErr(err, "verification")
	}
}

func (s *Service) saveVerification(ctx context.Context, v model.Verification) error {
	v.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertVerification(ctx, v); err != nil {
		return storeErr(err, "verification")
	}
	return nil
}

// auditCtx attributes the authority call to the caller and the return.
func auditCtx(ctx context.Context, c model.Caller, returnID string) context.Context {
	return authority.WithAuditMeta(ctx, authority.AuditMeta{
		UserID:        c.UserID,
		ReferenceID:   returnID,
		ReferenceType: "RETURN",
	})
}

func (s *Service) filedDate(v any) time.Time {
	if str, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return t.UTC()
		}
	}
	return s.now().UTC()
}

func stored() envelope.Result {
	return envelope.ParseResponse(map[string]any{
		"messages": []any{"Acknowledgement downloaded and stored successfully"},
	})
}

// storeErr maps storage sentinels onto the error taxonomy.
func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.ERI_NOT_FOUND, what+" not found", "")
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.ERI_CONFLICT, what+" was modified concurrently", "")
	default:
		return errordefs.Wrap(errordefs.ERI_INTERNAL, "storage failure on "+what, err)
	}
}
