// Package auth verifies the bearer tokens end users present to the gateway.
//
// Tokens are HS256 JWTs. The clientId claim names the tenant (the CA firm or
// intermediary whose ERI account is used) and sub names the user.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errordefs "github.com/erilink/eri-gateway/internal/errors"
	"github.com/erilink/eri-gateway/internal/model"
)

// Claims are the registered claims plus the tenant.
type Claims struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"` // older tokens carry the user here instead of sub
	jwt.RegisteredClaims
}

// Verifier checks and mints gateway tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier returns a Verifier for secret. An empty issuer accepts any.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errordefs.New(errordefs.ERI_CONFIGURATION, "JWT secret must be at least 16 bytes", "")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Verify parses token and returns the caller it identifies.
func (v *Verifier) Verify(token string) (model.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.Caller{}, errordefs.New(errordefs.ERI_JWT_EXPIRED, "token expired", "")
	case err != nil:
		return model.Caller{}, errordefs.Wrap(errordefs.ERI_JWT_INVALID, "invalid token", err)
	}

	user := claims.Subject
	if user == "" {
		user = claims.UserID
	}
	if claims.ClientID == "" || user == "" {
		return model.Caller{}, errordefs.New(errordefs.ERI_JWT_INVALID, "token is missing clientId or sub", "")
	}
	return model.Caller{TenantID: claims.ClientID, UserID: user}, nil
}

// Issue mints a token for c that expires after ttl.
func (v *Verifier) Issue(c model.Caller, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		ClientID: c.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
