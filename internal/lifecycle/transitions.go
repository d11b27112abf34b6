// Package lifecycle drives a tax return from draft to acknowledgement.
//
// The transition table below is the only place that decides whether an action
// is legal from a status. Service methods never compare statuses themselves;
// they ask Transition (or Check) and persist whatever record comes back.
package lifecycle

import (
	"fmt"
	"slices"
	"strings"
	"time"

	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/model"
)

// Action is something a caller or an authority outcome does to a return.
type Action string

const (
	ActionEditDraft           Action = "edit_draft"
	ActionStartValidation     Action = "start_validation"
	ActionPassValidation      Action = "pass_validation"
	ActionFailValidation      Action = "fail_validation"
	ActionStartSubmission     Action = "start_submission"
	ActionConfirmSubmission   Action = "confirm_submission"
	ActionFailSubmission      Action = "fail_submission"
	ActionStartVerification   Action = "start_verification"
	ActionGenerateEVC         Action = "generate_evc"
	ActionVerifyEVC           Action = "verify_evc"
	ActionConfirmVerification Action = "confirm_verification"
	ActionAcknowledge         Action = "acknowledge"
)

type rule struct {
	from []model.ReturnStatus
	to   model.ReturnStatus // empty keeps the current status
}

var table = map[Action]rule{
	ActionEditDraft:           {from: []model.ReturnStatus{model.StatusDraft, model.StatusValidationFailed}},
	ActionStartValidation:     {from: []model.ReturnStatus{model.StatusDraft, model.StatusValidationFailed}, to: model.StatusValidating},
	ActionPassValidation:      {from: []model.ReturnStatus{model.StatusValidating}, to: model.StatusValidated},
	ActionFailValidation:      {from: []model.ReturnStatus{model.StatusValidating}, to: model.StatusValidationFailed},
	ActionStartSubmission:     {from: []model.ReturnStatus{model.StatusValidated}, to: model.StatusSubmitting},
	ActionConfirmSubmission:   {from: []model.ReturnStatus{model.StatusSubmitting}, to: model.StatusSubmitted},
	ActionFailSubmission:      {from: []model.ReturnStatus{model.StatusSubmitting}, to: model.StatusFailed},
	ActionStartVerification:   {from: []model.ReturnStatus{model.StatusSubmitted}, to: model.StatusVerifying},
	ActionGenerateEVC:         {from: []model.ReturnStatus{model.StatusVerifying}},
	ActionVerifyEVC:           {from: []model.ReturnStatus{model.StatusVerifying}},
	ActionConfirmVerification: {from: []model.ReturnStatus{model.StatusVerifying}, to: model.StatusVerified},
	ActionAcknowledge:         {from: []model.ReturnStatus{model.StatusVerified}, to: model.StatusAcknowledged},
}

// Check reports whether action is legal from status, as an ERI_INVALID_STATE
// error when it is not.
func Check(status model.ReturnStatus, action Action) error {
	r, ok := table[action]
	if !ok {
		return errordefs.New(errordefs.ERI_INTERNAL, fmt.Sprintf("unknown lifecycle action %q", action), "")
	}
	if !slices.Contains(r.from, status) {
		return errordefs.NewWithDetails(errordefs.ERI_INVALID_STATE,
			fmt.Sprintf("cannot %s a return in status %s", humanize(action), status), "",
			map[string]any{"status": status, "allowed": r.from})
	}
	return nil
}

// Transition applies action to rec at now. The returned copy carries the new
// status, a bumped revision and a fresh UpdatedAt; rec itself is untouched.
func Transition(rec model.Return, action Action, now time.Time) (model.Return, error) {
	if err := Check(rec.Status, action); err != nil {
		return rec, err
	}
	next := rec
	next.ValidationErrors = slices.Clone(rec.ValidationErrors)
	if to := table[action].to; to != "" {
		next.Status = to
	}
	next.Revision = rec.Revision + 1
	next.UpdatedAt = now.UTC()
	return next, nil
}

// Allowed lists the actions legal from status, in a stable order.
func Allowed(status model.ReturnStatus) []Action {
	var out []Action
	for a, r := range table {
		if slices.Contains(r.from, status) {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}

func humanize(a Action) string { return strings.ReplaceAll(string(a), "_", " ") }
