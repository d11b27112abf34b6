package signer

import (
	"context"
	"fmt"

	"github.com/erilink/eri-gateway/internal/config"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
)

// Remote delegates signing to a key-management service. The backend is not
// wired yet, so every Sign call fails with ERI_NOT_IMPLEMENTED.
type Remote struct {
	keyID string
}

// NewRemote requires a key identifier even though signing is unavailable,
// so a misconfigured deployment fails at startup.
func NewRemote(keyID string) (*Remote, error) {
	if keyID == "" {
		return nil, errordefs.New(errordefs.ERI_CONFIGURATION, "signer mode KMS requires a key id", "")
	}
	return &Remote{keyID: keyID}, nil
}

// Sign implements Signer.
func (r *Remote) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errordefs.New(errordefs.ERI_NOT_IMPLEMENTED,
		fmt.Sprintf("KMS signing with key %s is not implemented", r.keyID), "")
}

// Mode implements Signer.
func (r *Remote) Mode() string { return config.SignerModeKMS }
