package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/erilink/eri-gateway/internal/config"
	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"golang.org/x/crypto/pkcs12"
)

// Local signs with a private key loaded from a PKCS#12 (.pfx/.p12) container.
type Local struct {
	key  crypto.Signer     // RSA or ECDSA private key
	cert *x509.Certificate // Leaf certificate shipped in the container
}

// NewLocal reads and decodes the container at path.
// Parameters:
//   - path: filesystem path to the .pfx/.p12 file
//   - password: container password
//
// Returns:
//   - *Local: signer holding the decoded key
//   - error: ERI_SIGNING when the file is missing, the password is wrong,
//     or the container holds no usable key
func NewLocal(path, password string) (*Local, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_SIGNING, "reading PFX container", err)
	}

	key, cert, err := pkcs12.Decode(raw, password)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_SIGNING, "decoding PFX container", err)
	}

	var signer crypto.Signer
	switch k := key.(type) {
	case *rsa.PrivateKey:
		signer = k
	case *ecdsa.PrivateKey:
		signer = k
	default:
		return nil, errordefs.New(errordefs.ERI_SIGNING, fmt.Sprintf("unsupported private key type %T", key), "")
	}

	slog.Debug("loaded signing certificate",
		"subject", cert.Subject.CommonName,
		"not_after", cert.NotAfter,
	)
	return &Local{key: signer, cert: cert}, nil
}

// Sign hashes data with SHA-256 and signs the digest: PKCS#1 v1.5 for RSA keys,
// ASN.1 DER for ECDSA keys.
func (l *Local) Sign(_ context.Context, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)

	var (
		sig []byte
		err error
	)
	switch k := l.key.(type) {
	case *rsa.PrivateKey:
		sig, err = rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, k, digest[:])
	}
	if err != nil {
		return nil, errordefs.Wrap(errordefs.ERI_SIGNING, "signing payload", err)
	}
	return sig, nil
}

// Mode implements Signer.
func (l *Local) Mode() string { return config.SignerModeDevPFX }

// Certificate returns the certificate that accompanied the key.
func (l *Local) Certificate() *x509.Certificate { return l.cert }
