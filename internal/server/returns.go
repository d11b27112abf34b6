package server

import (
	"net/http"

	"github.com/erilink/eri-gateway/internal/lifecycle"
	"github.com/erilink/eri-gateway/internal/model"
)

func (m *Mux) handleCreateReturn(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.CreateReturnRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	ret, err := m.deps.Returns.Create(r.Context(), c, req)
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusCreated, ret)
	return nil
}

func (m *Mux) handleListReturns(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	q := r.URL.Query()
	page, err := m.deps.Returns.List(r.Context(), c, model.ReturnQuery{
		TaxpayerID:     q.Get("taxpayerId"),
		Status:         model.ReturnStatus(q.Get("status")),
		AssessmentYear: q.Get("assessmentYear"),
		Page:           queryInt(r, "page"),
		PageSize:       queryInt(r, "pageSize"),
	})
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, page)
	return nil
}

func (m *Mux) handleGetReturn(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	d, err := m.deps.Returns.Get(r.Context(), c, r.PathValue("id"))
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, d)
	return nil
}

func (m *Mux) handleSaveDraft(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.SaveDraftRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	v, err := m.deps.Returns.SaveDraft(r.Context(), c, r.PathValue("id"), req)
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, map[string]any{"version": v})
	return nil
}

func (m *Mux) handleBuildPayload(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	payload, err := m.deps.Returns.BuildPayload(r.Context(), c, r.PathValue("id"))
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, map[string]any{"payload": payload})
	return nil
}

func (m *Mux) handleValidate(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	return m.outcome(w)(m.deps.Returns.Validate(r.Context(), c, r.PathValue("id")))
}

func (m *Mux) handleSubmit(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	return m.outcome(w)(m.deps.Returns.Submit(r.Context(), c, r.PathValue("id")))
}

func (m *Mux) handleVerificationMode(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.VerificationModeRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	return m.outcome(w)(m.deps.Returns.SetVerificationMode(r.Context(), c, r.PathValue("id"), req.Mode))
}

func (m *Mux) handleGenerateEVC(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.GenerateEVCRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	return m.outcome(w)(m.deps.Returns.GenerateEVC(r.Context(), c, r.PathValue("id"), req.EVCMode))
}

func (m *Mux) handleVerifyEVC(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	var req model.OTPRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	return m.outcome(w)(m.deps.Returns.VerifyEVC(r.Context(), c, r.PathValue("id"), req.OTP))
}

func (m *Mux) handleDownloadAck(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	return m.outcome(w)(m.deps.Returns.DownloadAcknowledgement(r.Context(), c, r.PathValue("id")))
}

func (m *Mux) handleAckURL(w http.ResponseWriter, r *http.Request, c model.Caller) error {
	link, err := m.deps.Returns.AcknowledgementURL(r.Context(), c, r.PathValue("id"))
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, link)
	return nil
}

// outcome adapts a lifecycle result pair to a response.
func (m *Mux) outcome(w http.ResponseWriter) func(lifecycle.Outcome, error) error {
	return func(o lifecycle.Outcome, err error) error {
		if err != nil {
			return err
		}
		m.writeSuccess(w, http.StatusOK, o)
		return nil
	}
}
