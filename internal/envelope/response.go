package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	errordefs "github.com/erilink/eri-gateway/internal/errors"
)

// Result is the uniform outcome of an authority call.
type Result struct {
	OK            bool           `json:"ok"`
	Messages      []string       `json:"messages"`
	Errors        []string       `json:"errors"`
	Raw           map[string]any `json:"raw"`
	AuthToken     string         `json:"authToken,omitempty"`
	TransactionID string         `json:"transactionId,omitempty"`
}

// Failed builds the Result for a call that never produced a usable response.
func Failed(message string) Result {
	return Result{
		OK:       false,
		Messages: []string{},
		Errors:   []string{message},
		Raw:      map[string]any{},
	}
}

// DecodeResponse parses an authority body. Anything but a JSON object is ERI_ENVELOPE.
func DecodeResponse(body []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_ENVELOPE, "authority response is not a JSON object", err)
	}
	if raw == nil {
		return nil, errordefs.New(errordefs.ERI_ENVELOPE, "authority response is null", "")
	}
	return raw, nil
}

// ParseResponse extracts messages and errors from raw.
//
// messages and errors may each be a string, a list of strings or a list of
// objects carrying errorMessage or message; errors may also be a single such
// object. A top-level
// errorCode/errorMessage pair is appended to errors as "<code>: <message>".
// OK holds only when no errors were found and status is absent or equals
// "success" ignoring case. Parsing Result.Raw again yields the same Result.
func ParseResponse(raw map[string]any) Result {
	if raw == nil {
		raw = map[string]any{}
	}
	res := Result{
		Messages: extract(raw["messages"], false),
		Errors:   extract(raw["errors"], true),
		Raw:      raw,
	}

	code, hasCode := truthy(raw["errorCode"])
	msg, hasMsg := truthy(raw["errorMessage"])
	if hasCode || hasMsg {
		if !hasCode {
			code = "ERROR"
		}
		if !hasMsg {
			msg = "Unknown error"
		}
		res.Errors = append(res.Errors, code+": "+msg)
	}

	res.OK = len(res.Errors) == 0 && statusIsSuccess(raw["status"])

	if s, ok := raw["authToken"].(string); ok {
		res.AuthToken = s
	}
	if s, ok := raw["transactionId"].(string); ok {
		res.TransactionID = s
	}
	return res
}

// statusIsSuccess treats a missing or empty status as success.
func statusIsSuccess(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return s == "" || strings.EqualFold(s, "success")
	default:
		return false
	}
}

// extract flattens a messages or errors member. A bare object counts as one
// entry only for errors.
func extract(v any, single bool) []string {
	out := []string{}
	switch t := v.(type) {
	case nil:
	case string:
		if t != "" {
			out = append(out, t)
		}
	case []any:
		for _, item := range t {
			out = append(out, describe(item))
		}
	case []string:
		out = append(out, t...)
	case map[string]any:
		if single {
			out = append(out, describe(t))
		}
	}
	return out
}

// describe renders one list element: strings verbatim, objects by errorMessage
// then message, anything else as JSON.
func describe(item any) string {
	switch t := item.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := truthy(t["errorMessage"]); ok {
			return s
		}
		if s, ok := truthy(t["message"]); ok {
			return s
		}
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprint(item)
	}
	return string(b)
}

// truthy stringifies v when it carries a meaningful value.
func truthy(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case bool:
		return "true", t
	case float64:
		return fmt.Sprint(t), t != 0
	default:
		return fmt.Sprint(t), true
	}
}
