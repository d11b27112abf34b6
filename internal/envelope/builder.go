// Package envelope encodes requests into the authority's signed wire format and
// normalizes the authority's inconsistent response shapes into a Result.
package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/signer"
)

// SignedEnvelope is the JSON body of every authority call.
type SignedEnvelope struct {
	Data     string `json:"data"`      // base64(compact JSON payload)
	Sign     string `json:"sign"`      // base64(signature over Data)
	CallerID string `json:"eriUserId"` // ERI user the call is made as
}

// Builder signs payloads on behalf of one caller identity.
type Builder struct {
	signer   signer.Signer
	callerID string
}

// NewBuilder returns a Builder that signs with s.
func NewBuilder(s signer.Signer, callerID string) *Builder {
	return &Builder{signer: s, callerID: callerID}
}

// Build serializes payload to compact JSON, base64-encodes it once, and signs the
// base64 text. The signature covers the encoded form, not the raw JSON.
func (b *Builder) Build(ctx context.Context, payload any) (SignedEnvelope, error) {
	raw, err := compactJSON(payload)
	if err != nil {
		return SignedEnvelope{}, errordefs.Wrap(errordefs.ERI_ENVELOPE, "encoding request payload", err)
	}
	data := base64.StdEncoding.EncodeToString(raw)

	sig, err := b.signer.Sign(ctx, []byte(data))
	if err != nil {
		return SignedEnvelope{}, err
	}

	return SignedEnvelope{
		Data:     data,
		Sign:     base64.StdEncoding.EncodeToString(sig),
		CallerID: b.callerID,
	}, nil
}

// DecodeData reverses the payload encoding of env into v.
func DecodeData(env SignedEnvelope, v any) error {
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return errordefs.Wrap(errordefs.ERI_ENVELOPE, "decoding envelope data", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errordefs.Wrap(errordefs.ERI_ENVELOPE, "parsing envelope data", err)
	}
	return nil
}

// compactJSON matches a plain JSON.stringify: no HTML escaping, no trailing newline.
func compactJSON(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
