package envelope

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/signer"
	"github.com/stretchr/testify/require"
)

// digestSigner signs by hashing, which is enough to check what was signed.
type digestSigner struct{ signed [][]byte }

func (d *digestSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	d.signed = append(d.signed, data)
	sum := sha256.Sum256(data)
	return sum[:], nil
}

func (d *digestSigner) Mode() string { return "TEST" }

var _ signer.Signer = (*digestSigner)(nil)

func TestBuildRoundTrip(t *testing.T) {
	s := &digestSigner{}
	b := NewBuilder(s, "ERIP000123")

	payload := map[string]any{
		"pan":            "ABCDE1234F",
		"assessmentYear": "2024-25",
		"note":           "a<b & c>d",
		"nested":         map[string]any{"n": float64(3)},
	}
	env, err := b.Build(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, "ERIP000123", env.CallerID)

	var decoded map[string]any
	require.NoError(t, DecodeData(env, &decoded))
	require.Equal(t, payload, decoded)

	// The signature covers the base64 text, not the JSON.
	require.Len(t, s.signed, 1)
	require.Equal(t, env.Data, string(s.signed[0]))
	wantSig := sha256.Sum256([]byte(env.Data))
	require.Equal(t, base64.StdEncoding.EncodeToString(wantSig[:]), env.Sign)
}

func TestBuildIsCompactAndUnescaped(t *testing.T) {
	b := NewBuilder(&digestSigner{}, "u")
	env, err := b.Build(context.Background(), map[string]any{"b": "x<y", "a": 1})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.Data)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":"x<y"}`, string(raw))

	env, err = b.Build(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("{}")), env.Data)
}

func TestBuildWithPFXSigner(t *testing.T) {
	s, err := signer.NewLocal("../signer/testdata/dev.p12", "changeit")
	require.NoError(t, err)

	env, err := NewBuilder(s, "u").Build(context.Background(), map[string]any{"k": "v"})
	require.NoError(t, err)

	sig, err := base64.StdEncoding.DecodeString(env.Sign)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(env.Data))
	require.NoError(t, rsa.VerifyPKCS1v15(s.Certificate().PublicKey.(*rsa.PublicKey), crypto.SHA256, digest[:], sig))
}

func TestBuildPropagatesSignerError(t *testing.T) {
	remote, err := signer.NewRemote("key-1")
	require.NoError(t, err)

	_, err = NewBuilder(remote, "u").Build(context.Background(), map[string]any{})
	require.Equal(t, errordefs.ERI_NOT_IMPLEMENTED, errordefs.CodeOf(err))
}

func TestBuildRejectsUnencodablePayload(t *testing.T) {
	_, err := NewBuilder(&digestSigner{}, "u").Build(context.Background(), map[string]any{"ch": make(chan int)})
	require.Equal(t, errordefs.ERI_ENVELOPE, errordefs.CodeOf(err))
}

func TestParseResponseOKTruthTable(t *testing.T) {
	statuses := []any{nil, "SUCCESS", "success", "Success", "FAILURE", "other"}
	errorSets := [][]any{nil, {"boom"}}

	for _, status := range statuses {
		for _, errs := range errorSets {
			raw := map[string]any{}
			if status != nil {
				raw["status"] = status
			}
			if errs != nil {
				raw["errors"] = errs
			}
			res := ParseResponse(raw)

			statusOK := status == nil || status == "SUCCESS" || status == "success" || status == "Success"
			want := errs == nil && statusOK
			require.Equal(t, want, res.OK, "status=%v errors=%v", status, errs)
		}
	}
}

func TestParseResponseExtraction(t *testing.T) {
	tests := []struct {
		name     string
		raw      map[string]any
		messages []string
		errors   []string
	}{
		{
			name:     "string fields",
			raw:      map[string]any{"messages": "done", "errors": "bad pan"},
			messages: []string{"done"},
			errors:   []string{"bad pan"},
		},
		{
			name:     "string arrays",
			raw:      map[string]any{"messages": []any{"a", "b"}, "errors": []any{"x"}},
			messages: []string{"a", "b"},
			errors:   []string{"x"},
		},
		{
			name: "object arrays",
			raw: map[string]any{"errors": []any{
				map[string]any{"errorMessage": "from errorMessage", "message": "ignored"},
				map[string]any{"message": "from message"},
				map[string]any{"code": "E1"},
			}},
			messages: []string{},
			errors:   []string{"from errorMessage", "from message", `{"code":"E1"}`},
		},
		{
			name:     "single error object",
			raw:      map[string]any{"errors": map[string]any{"message": "only one"}},
			messages: []string{},
			errors:   []string{"only one"},
		},
		{
			name:     "single message object is not a message",
			raw:      map[string]any{"messages": map[string]any{"message": "ignored"}},
			messages: []string{},
			errors:   []string{},
		},
		{
			name:     "errorCode and errorMessage",
			raw:      map[string]any{"errorCode": "EF00041", "errorMessage": "Session expired"},
			messages: []string{},
			errors:   []string{"EF00041: Session expired"},
		},
		{
			name:     "errorCode alone",
			raw:      map[string]any{"errorCode": "EF1"},
			messages: []string{},
			errors:   []string{"EF1: Unknown error"},
		},
		{
			name:     "errorMessage alone",
			raw:      map[string]any{"errorMessage": "nope"},
			messages: []string{},
			errors:   []string{"ERROR: nope"},
		},
		{
			name:     "empty",
			raw:      map[string]any{},
			messages: []string{},
			errors:   []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseResponse(tt.raw)
			require.Equal(t, tt.messages, res.Messages)
			require.Equal(t, tt.errors, res.Errors)
			require.Equal(t, len(tt.errors) == 0, res.OK)
		})
	}
}

func TestParseResponseIsIdempotent(t *testing.T) {
	raw := map[string]any{
		"status":        "FAILURE",
		"errors":        []any{map[string]any{"errorMessage": "x"}},
		"errorCode":     "E",
		"transactionId": "T1",
	}
	first := ParseResponse(raw)
	second := ParseResponse(first.Raw)
	require.Equal(t, first.OK, second.OK)
	require.Equal(t, first.Errors, second.Errors)
	require.Equal(t, "T1", second.TransactionID)
}

func TestParseResponseLiftsTokens(t *testing.T) {
	res := ParseResponse(map[string]any{"status": "SUCCESS", "authToken": "tok", "transactionId": "TX"})
	require.True(t, res.OK)
	require.Equal(t, "tok", res.AuthToken)
	require.Equal(t, "TX", res.TransactionID)
}

func TestDecodeResponse(t *testing.T) {
	raw, err := DecodeResponse([]byte(`{"status":"SUCCESS"}`))
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", raw["status"])

	for _, body := range []string{`[1,2]`, `"text"`, `null`, `<html>`} {
		_, err := DecodeResponse([]byte(body))
		require.Equal(t, errordefs.ERI_ENVELOPE, errordefs.CodeOf(err), "body %s", body)
	}
}

func TestFailed(t *testing.T) {
	res := Failed("dial tcp: connection refused")
	require.False(t, res.OK)
	require.Equal(t, []string{"dial tcp: connection refused"}, res.Errors)
	require.NotNil(t, res.Raw)
}
