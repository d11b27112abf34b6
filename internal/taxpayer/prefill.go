package taxpayer

import (
	"context"
	"errors"
	"maps"
	"regexp"
	"time"

	"github.com/erilink/eri-gateway/internal/envelope"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/model"
	"github.com/erilink/eri-gateway/internal/schema"
	"github.com/erilink/eri-gateway/internal/storage"
)

// PrefillOTPValidity is how long a prefill OTP is accepted after it is sent.
const PrefillOTPValidity = 10 * time.Minute

var assessmentYearPattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}$`)

// prefillSections are the normalised sections, always present even when empty.
var prefillSections = []string{
	"personalInfo", "salaryIncome", "houseProperty", "capitalGains",
	"otherSources", "deductions", "taxDetails",
}

// PrefillView is the stored prefill data for one assessment year.
type PrefillView struct {
	AssessmentYear string         `json:"assessmentYear"`
	IsFetched      bool           `json:"isFetched"`
	IsDecrypted    bool           `json:"isDecrypted"`
	FetchedAt      *time.Time     `json:"fetchedAt,omitempty"`
	NormalizedData map[string]any `json:"normalizedData,omitempty"`
}

// Prefill fetches the authority's prefill data for linked taxpayers.
type Prefill struct {
	taxpayers *Service
	validator *schema.Validator
}

// NewPrefill wires prefill on top of the taxpayer service. validator may be nil.
func NewPrefill(taxpayers *Service, validator *schema.Validator) *Prefill {
	return &Prefill{taxpayers: taxpayers, validator: validator}
}

// Start requests a prefill OTP for a linked taxpayer and records its token.
func (p *Prefill) Start(ctx context.Context, c model.Caller, taxpayerID string, req model.PrefillRequest) (envelope.Result, error) {
	if !assessmentYearPattern.MatchString(req.AssessmentYear) {
		return envelope.Result{}, errordefs.New(errordefs.ERI_VALIDATION, "assessmentYear must look like 2024-25", "")
	}
	s := p.taxpayers
	t, err := s.load(ctx, c, taxpayerID)
	if err != nil {
		return envelope.Result{}, err
	}
	if !t.IsLinked {
		return envelope.Result{}, errordefs.New(errordefs.ERI_VALIDATION, "taxpayer must be linked before fetching prefill", "")
	}
	pan, err := s.pii.DecryptString(t.PANCiphertext)
	if err != nil {
		return envelope.Result{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting PAN", err)
	}

	res := s.authority(c.TenantID).RequestPrefillOTP(auditCtx(ctx, c, taxpayerID), pan, req.AssessmentYear)
	if !res.OK || res.TransactionID == "" {
		return res, nil
	}
	ctx = context.WithoutCancel(ctx)

	rec, err := p.record(ctx, c, taxpayerID, req.AssessmentYear)
	if err != nil {
		return envelope.Result{}, err
	}
	now := s.now().UTC()
	expires := now.Add(PrefillOTPValidity)
	rec.OTPToken = res.TransactionID
	rec.OTPExpiresAt = &expires
	rec.UpdatedAt = now
	if err := s.store.UpsertPrefill(ctx, rec); err != nil {
		return envelope.Result{}, storeErr(err, "prefill")
	}
	return res, nil
}

// Fetch submits the prefill OTP and stores the normalised data.
func (p *Prefill) Fetch(ctx context.Context, c model.Caller, taxpayerID string, req model.PrefillRequest) (envelope.Result, error) {
	if !assessmentYearPattern.MatchString(req.AssessmentYear) {
		return envelope.Result{}, errordefs.New(errordefs.ERI_VALIDATION, "assessmentYear must look like 2024-25", "")
	}
	if !otpPattern.MatchString(req.OTP) {
		return envelope.Result{}, errordefs.New(errordefs.ERI_VALIDATION, "otp must be 6 digits", "")
	}
	s := p.taxpayers
	t, err := s.load(ctx, c, taxpayerID)
	if err != nil {
		return envelope.Result{}, err
	}
	rec, err := s.store.GetPrefill(ctx, c.TenantID, taxpayerID, req.AssessmentYear)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return envelope.Result{}, errordefs.New(errordefs.ERI_NOT_FOUND, "prefill request not found, start prefill first", "")
		}
		return envelope.Result{}, storeErr(err, "prefill")
	}
	now := s.now().UTC()
	if rec.OTPExpiresAt != nil && now.After(*rec.OTPExpiresAt) {
		return envelope.Result{}, errordefs.New(errordefs.ERI_VALIDATION, "prefill OTP has expired, start prefill again", "")
	}
	pan, err := s.pii.DecryptString(t.PANCiphertext)
	if err != nil {
		return envelope.Result{}, errordefs.Wrap(errordefs.ERI_CRYPTO, "decrypting PAN", err)
	}

	res := s.authority(c.TenantID).GetPrefill(auditCtx(ctx, c, taxpayerID), pan, req.AssessmentYear, req.OTP)
	if !res.OK {
		return redactPAN(res), nil
	}
	ctx = context.WithoutCancel(ctx)

	if enc, ok := res.Raw["encryptedData"].(string); ok {
		rec.EncryptedPayload = enc
	}
	if data, ok := normalize(res.Raw); ok {
		if p.validator != nil {
			if _, err := p.validator.Validate(schema.Prefill, data); err != nil {
				return envelope.Result{}, err
			}
		}
		rec.NormalizedData = data
		rec.IsDecrypted = true
	}
	rec.IsFetched = true
	rec.FetchedAt = &now
	rec.OTPToken = ""
	rec.OTPExpiresAt = nil
	rec.UpdatedAt = now
	if err := s.store.UpsertPrefill(ctx, *rec); err != nil {
		return envelope.Result{}, storeErr(err, "prefill")
	}
	return redactPAN(res), nil
}

// redactPAN masks the PAN the authority echoes in personalInfo, whether the
// section sits under prefillData or at the top level.
func redactPAN(res envelope.Result) envelope.Result {
	res.Raw = maskInfoPAN(res.Raw)
	if nested, ok := res.Raw["prefillData"].(map[string]any); ok {
		res.Raw = maps.Clone(res.Raw)
		res.Raw["prefillData"] = maskInfoPAN(nested)
	}
	return res
}

func maskInfoPAN(src map[string]any) map[string]any {
	info, ok := src["personalInfo"].(map[string]any)
	if !ok {
		return src
	}
	pan, ok := info["pan"].(string)
	if !ok {
		return src
	}
	info = maps.Clone(info)
	info["pan"] = maskPAN(pan)
	out := maps.Clone(src)
	out["personalInfo"] = info
	return out
}

// Latest returns the fetched prefill data for one assessment year.
func (p *Prefill) Latest(ctx context.Context, c model.Caller, taxpayerID, assessmentYear string) (PrefillView, error) {
	if _, err := p.taxpayers.load(ctx, c, taxpayerID); err != nil {
		return PrefillView{}, err
	}
	rec, err := p.taxpayers.store.GetPrefill(ctx, c.TenantID, taxpayerID, assessmentYear)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PrefillView{}, errordefs.New(errordefs.ERI_NOT_FOUND, "no prefill data found", "")
		}
		return PrefillView{}, storeErr(err, "prefill")
	}
	if !rec.IsFetched {
		return PrefillView{}, errordefs.New(errordefs.ERI_VALIDATION, "prefill data not yet fetched", "")
	}
	return PrefillView{
		AssessmentYear: rec.AssessmentYear,
		IsFetched:      rec.IsFetched,
		IsDecrypted:    rec.IsDecrypted,
		FetchedAt:      rec.FetchedAt,
		NormalizedData: rec.NormalizedData,
	}, nil
}

func (p *Prefill) record(ctx context.Context, c model.Caller, taxpayerID, year string) (model.Prefill, error) {
	rec, err := p.taxpayers.store.GetPrefill(ctx, c.TenantID, taxpayerID, year)
	switch {
	case err == nil:
		return *rec, nil
	case errors.Is(err, storage.ErrNotFound):
		return model.Prefill{
			TenantID:       c.TenantID,
			TaxpayerID:     taxpayerID,
			AssessmentYear: year,
			CreatedAt:      p.taxpayers.now().UTC(),
		}, nil
	default:
		return model.Prefill{}, storeErr(err, "prefill")
	}
}

// normalize maps the authority's prefill sections onto the stored shape. The
// sections may sit at the top level or under prefillData. A PAN inside
// personalInfo is masked. ok is false when the response carried no sections.
func normalize(raw map[string]any) (map[string]any, bool) {
	src := raw
	if nested, ok := raw["prefillData"].(map[string]any); ok {
		src = nested
	}
	if src["personalInfo"] == nil && src["salaryIncome"] == nil {
		return nil, false
	}
	out := make(map[string]any, len(prefillSections))
	for _, name := range prefillSections {
		section, ok := src[name].(map[string]any)
		if !ok {
			section = map[string]any{}
		}
		out[name] = maps.Clone(section)
	}
	info := out["personalInfo"].(map[string]any)
	if pan, ok := info["pan"].(string); ok {
		info["pan"] = maskPAN(pan)
	}
	return out, true
}
