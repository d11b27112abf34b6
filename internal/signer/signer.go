// Package signer produces detached signatures for authority request envelopes.
//
// Two backends exist: Local, which loads a password-protected PKCS#12 container
// once at construction, and Remote, a key-management placeholder that refuses to
// sign. New picks one from configuration and fails immediately when the chosen
// backend lacks its settings.
package signer

import (
	"context"
	"fmt"

	"github.com/erilink/eri-gateway/internal/config"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
)

// Signer signs the bytes of an encoded envelope payload.
type Signer interface {
	// Sign returns the raw signature over SHA-256(data).
	Sign(ctx context.Context, data []byte) ([]byte, error)
	// Mode names the backend, matching config signer modes.
	Mode() string
}

// New constructs the Signer selected by cfg.Mode.
func New(cfg config.Signer) (Signer, error) {
	switch cfg.Mode {
	case config.SignerModeDevPFX, "":
		if cfg.PFXPath == "" {
			return nil, errordefs.New(errordefs.ERI_CONFIGURATION, "signer mode DEV_PFX requires a PFX path", "")
		}
		return NewLocal(cfg.PFXPath, cfg.PFXPassword)
	case config.SignerModeKMS:
		return NewRemote(cfg.KMSKeyID)
	default:
		return nil, errordefs.New(errordefs.ERI_CONFIGURATION, fmt.Sprintf("unknown signer mode %q", cfg.Mode), "")
	}
}
