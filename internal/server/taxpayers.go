package server

import (
	"maps"
	"net/http"
	"strconv"
	"time"

	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/envelope"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/model"
)

func (m *Mux) handleCreateTaxpayer(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.CreateTaxpayerRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	v, err := m.deps.Taxpayers.Create(r.Context(), c, req)
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusCreated, v)
	return nil
}

func (m *Mux) handleListTaxpayers(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	page, err := m.deps.Taxpayers.List(r.Context(), c, queryInt(r, "page"), queryInt(r, "pageSize"))
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, page)
	return nil
}

func (m *Mux) handleGetTaxpayer(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	v, err := m.deps.Taxpayers.Get(r.Context(), c, r.PathValue("id"))
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, v)
	return nil
}

func (m *Mux) handleStartLinkage(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	return m.result(w)(m.deps.Taxpayers.StartLinkage(r.Context(), c, r.PathValue("id")))
}

func (m *Mux) handleVerifyLinkage(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.OTPRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	return m.result(w)(m.deps.Taxpayers.VerifyLinkage(r.Context(), c, r.PathValue("id"), req.OTP))
}

func (m *Mux) handleStartPrefill(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.PrefillRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	return m.result(w)(m.deps.Prefill.Start(r.Context(), c, r.PathValue("id"), req))
}

func (m *Mux) handleFetchPrefill(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.PrefillRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	return m.result(w)(m.deps.Prefill.Fetch(r.Context(), c, r.PathValue("id"), req))
}

func (m *Mux) handleLatestPrefill(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	year := r.URL.Query().Get("assessmentYear")
	if year == "" {
		return errordefs.New(errordefs.ERI_VALIDATION, "assessmentYear is required", "")
	}
	v, err := m.deps.Prefill.Latest(r.Context(), c, r.PathValue("id"), year)
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, v)
	return nil
}

func (m *Mux) handleListAudit(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	q := r.URL.Query()
	aq := model.AuditQuery{
		TenantID:      c.TenantID,
		OperationType: q.Get("transactionType"),
		Page:          queryInt(r, "page"),
		PageSize:      queryInt(r, "pageSize"),
	}
	if s := q.Get("isError"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return errordefs.New(errordefs.ERI_VALIDATION, "isError must be true or false", "")
		}
		aq.IsError = &b
	}
	var err error
	if aq.Since, err = queryTime(q.Get("startDate")); err != nil {
		return err
	}
	if aq.Until, err = queryTime(q.Get("endDate")); err != nil {
		return err
	}

	page, err := m.deps.Audit.List(r.Context(), aq)
	if err != nil {
		return errordefs.Wrap(errordefs.ERI_INTERNAL, "listing audit entries", err)
	}
	m.writeSuccess(w, http.StatusOK, page)
	return nil
}

// queryTime accepts RFC 3339 timestamps or bare dates.
func queryTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errordefs.New(errordefs.ERI_VALIDATION, "invalid date: "+s, "")
}

func (m *Mux) handleAuthorityLogin(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	ctx := authority.WithAuditMeta(r.Context(), authority.AuditMeta{UserID: c.UserID})
	m.writeResult(w, withoutToken(m.deps.Authority.For(c.TenantID).Login(ctx)))
	return nil
}

func (m *Mux) handleAuthorityLogout(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	ctx := authority.WithAuditMeta(r.Context(), authority.AuditMeta{UserID: c.UserID})
	m.writeResult(w, m.deps.Authority.For(c.TenantID).Logout(ctx))
	return nil
}

// withoutToken strips the authority session token; it never leaves the gateway.
func withoutToken(res envelope.Result) envelope.Result {
	res.AuthToken = ""
	res.Raw = maps.Clone(res.Raw)
	delete(res.Raw, "authToken")
	return res
}

// result adapts a taxpayer result pair to a response.
func (m *Mux) result(w http.ResponseWriter) func(envelope.Result, error) error {
	return func(res envelope.Result, err error) error {
		if err != nil {
			return err
		}
		m.writeResult(w, res)
		return nil
	}
}
