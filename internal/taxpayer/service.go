// Package taxpayer manages the taxpayers a tenant files for, their linkage to
// the tenant's ERI account and the prefill data fetched on their behalf.
//
// PAN and DOB are encrypted before they reach the store. Plaintext exists only
// for the duration of an authority call or, masked, in a response.
package taxpayer

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/envelope"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/pii"
	"github.com/erilink/eri-gateway/internal/storage"
)

var (
	panPattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	dobPattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}$`)
	otpPattern = regexp.MustCompile(`^[0-9]{6}$`)
)

// Authority is the part of the authority client taxpayer operations drive.
type Authority interface {
	AddClient(ctx context.Context, pan, dob string) envelope.Result
	ValidateClientOTP(ctx context.Context, pan, otp string) envelope.Result
	RequestPrefillOTP(ctx context.Context, pan, assessmentYear string) envelope.Result
	GetPrefill(ctx context.Context, pan, assessmentYear, otp string) envelope.Result
}

// AuthorityFunc returns the authority client acting for a tenant.
type AuthorityFunc func(tenantID string) Authority

// Cipher seals and opens PII.
type Cipher interface {
	EncryptString(s string) ([]byte, error)
	DecryptString(ciphertext []byte) (string, error)
}

// Service manages taxpayers and their linkage.
type Service struct {
	store     storage.Store
	authority AuthorityFunc
	pii       Cipher
	now       func() time.Time
}

// NewService wires a Service. now may be nil.
func NewService(store storage.Store, auth AuthorityFunc, cipher Cipher, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, authority: auth, pii: cipher, now: now}
}

// Create registers a taxpayer. A PAN already registered by the tenant is a conflict.
func (s *Service) Create(ctx context.Context, c model.Caller, req model.CreateTaxpayerRequest) (model.TaxpayerView, error) {
	req.PAN = strings.ToUpper(strings.TrimSpace(req.PAN))
	if err := validateCreate(req); err != nil {
		return model.TaxpayerView{}, err
	}

	panCT, err := s.pii.EncryptString(req.PAN)
	if err != nil {
		return model.TaxpayerView{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "encrypting PAN", err)
	}
	dobCT, err := s.pii.EncryptString(req.DOB)
	if err != nil {
		return model.TaxpayerView{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "encrypting DOB", err)
	}

	now := s.now().UTC()
	t := model.Taxpayer{
		ID:            uuid.NewString(),
		TenantID:      c.TenantID,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Email:         req.Email,
		Mobile:        req.Mobile,
		PANHash:       pii.HashPAN(req.PAN),
		PANCiphertext: panCT,
		DOBCiphertext: dobCT,
		CreatedBy:     c.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateTaxpayer(ctx, t); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.TaxpayerView{}, errordefs.New(errordefs.ERI_CONFLICT, "taxpayer with this PAN already exists", "")
		}
		return model.TaxpayerView{}, storeErr(err, "taxpayer")
	}
	slog.Info("taxpayer created", "tenant", c.TenantID, "taxpayer", t.ID)
	return model.TaxpayerView{Taxpayer: t, PAN: maskPAN(req.PAN), DOB: req.DOB}, nil
}

func validateCreate(req model.CreateTaxpayerRequest) error {
	details := map[string]any{}
	if strings.TrimSpace(req.FirstName) == "" {
		details["firstName"] = "required"
	}
	if strings.TrimSpace(req.LastName) == "" {
		details["lastName"] = "required"
	}
	if !panPattern.MatchString(req.PAN) {
		details["pan"] = "invalid PAN format"
	}
	if !dobPattern.MatchString(req.DOB) {
		details["dob"] = "DOB must be in YYYY-MM-DD format"
	} else if _, err := time.Parse(time.DateOnly, req.DOB); err != nil {
		details["dob"] = "DOB is not a calendar date"
	}
	if len(details) > 0 {
		return errordefs.NewWithDetails(errordefs.ERI_VALIDATION, "invalid taxpayer", "", details)
	}
	return nil
}

// Get returns one taxpayer with a masked PAN and the decrypted DOB.
func (s *Service) Get(ctx context.Context, c model.Caller, id string) (model.TaxpayerView, error) {
	t, err := s.load(ctx, c, id)
	if err != nil {
		return model.TaxpayerView{}, err
	}
	pan, err := s.pii.DecryptString(t.PANCiphertext)
	if err != nil {
		return model.TaxpayerView{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting PAN", err)
	}
	dob, err := s.pii.DecryptString(t.DOBCiphertext)
	if err != nil {
		return model.TaxpayerView{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting DOB", err)
	}
	return model.TaxpayerView{Taxpayer: t, PAN: maskPAN(pan), DOB: dob}, nil
}

// List returns a page of the tenant's taxpayers, newest first, PANs masked.
func (s *Service) List(ctx context.Context, c model.Caller, page, pageSize int) (model.Page[model.TaxpayerView], error) {
	page, pageSize = storage.NormalizePage(page, pageSize)
	items, total, err := s.store.ListTaxpayers(ctx, c.TenantID, page, pageSize)
	if err != nil {
		return model.Page[model.TaxpayerView]{}, storeErr(err, "taxpayers")
	}
	views := make([]model.TaxpayerView, 0, len(items))
	for _, t := range items {
		pan, err := s.pii.DecryptString(t.PANCiphertext)
		if err != nil {
			return model.Page[model.TaxpayerView]{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting PAN", err)
		}
		views = append(views, model.TaxpayerView{Taxpayer: t, PAN: maskPAN(pan)})
	}
	return model.NewPage(views, total, page, pageSize), nil
}

// StartLinkage asks the authority to add the taxpayer as a client of the
// tenant's ERI account. The authority answers with an OTP to the taxpayer.
func (s *Service) StartLinkage(ctx context.Context, c model.Caller, id string) (envelope.Result, error) {
	t, err := s.unlinked(ctx, c, id)
	if err != nil {
		return envelope.Result{}, err
	}
	pan, err := s.pii.DecryptString(t.PANCiphertext)
	if err != nil {
		return envelope.Result{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting PAN", err)
	}
	dob, err := s.pii.DecryptString(t.DOBCiphertext)
	if err != nil {
		return envelope.Result{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting DOB", err)
	}

	res := s.authority(c.TenantID).AddClient(auditCtx(ctx, c, id), pan, dob)
	if !res.OK || res.TransactionID == "" {
		return res, nil
	}
	t.LinkageToken = res.TransactionID
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTaxpayer(context.WithoutCancel(ctx), t); err != nil {
		return envelope.Result{}, storeErr(err, "taxpayer")
	}
	return res, nil
}

// VerifyLinkage confirms the linkage OTP and marks the taxpayer linked.
func (s *Service) VerifyLinkage(ctx context.Context, c model.Caller, id, otp string) (envelope.Result, error) {
	if !otpPattern.MatchString(otp) {
		return envelope.Result{}, errordefs.New(errordefs.ERI_VALIDATION, "otp must be 6 digits", "")
	}
	t, err := s.unlinked(ctx, c, id)
	if err != nil {
		return envelope.Result{}, err
	}
	pan, err := s.pii.DecryptString(t.PANCiphertext)
	if err != nil {
		return envelope.Result{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting PAN", err)
	}

	res := s.authority(c.TenantID).ValidateClientOTP(auditCtx(ctx, c, id), pan, otp)
	if !res.OK {
		return res, nil
	}
	now := s.now().UTC()
	t.IsLinked = true
	t.LinkedAt = &now
	t.UpdatedAt = now
	if err := s.store.UpdateTaxpayer(context.WithoutCancel(ctx), t); err != nil {
		return envelope.Result{}, storeErr(err, "taxpayer")
	}
	slog.Info("taxpayer linked", "tenant", c.TenantID, "taxpayer", id)
	return res, nil
}

func (s *Service) load(ctx context.Context, c model.Caller, id string) (model.Taxpayer, error) {
	t, err := s.store.GetTaxpayer(ctx, c.TenantID, id)
	if err != nil {
		return model.Taxpayer{}, storeErr(err, "taxpayer")
	}
	return *t, nil
}

func (s *Service) unlinked(ctx context.Context, c model.Caller, id string) (model.Taxpayer, error) {
	t, err := s.load(ctx, c, id)
	if err != nil {
		return t, err
	}
	if t.IsLinked {
		return t, errordefs.New(errordefs.ERI_VALIDATION, "taxpayer already linked", "")
	}
	return t, nil
}

func auditCtx(ctx context.Context, c model.Caller, taxpayerID string) context.Context {
	return authority.WithAuditMeta(ctx, authority.AuditMeta{
		UserID:        c.UserID,
		ReferenceID:   taxpayerID,
		ReferenceType: "TAXPAYER",
	})
}

// maskPAN is pii.MaskPAN for display, where an invalid PAN shows as the sentinel.
func maskPAN(pan string) string {
	masked, _ := pii.MaskPAN(pan)
	return masked
}

func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.ERI_NOT_FOUND, what+" not found", "")
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.ERI_CONFLICT, what+" already exists", "")
	default:
		return errordefs.Wrap(errordefs.ERI_INTERNAL, "storage failure on "+what, err)
	}
}
