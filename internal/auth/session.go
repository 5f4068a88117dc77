// Package auth verifies bearer session tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

var (
	ErrMissingToken = errors.New("missing session token")
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrMissingFID   = errors.New("session token has no fid")
)

// DefaultTTL is the lifetime of issued sessions.
const DefaultTTL = 7 * 24 * time.Hour

// Claims is the signed session payload.
type Claims struct {
	FID         int64  `json:"fid"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 session tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify checks signature and expiry and returns the session identity.
func (v *Verifier) Verify(token string) (domain.Session, error) {
	if token == "" {
		return domain.Session{}, ErrMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.Session{}, ErrExpiredToken
	case err != nil:
		return domain.Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.FID <= 0 {
		return domain.Session{}, ErrMissingFID
	}

	return domain.Session{
		FID:         claims.FID,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
	}, nil
}

// Issue signs a session token valid for ttl. Intended for tests and local tooling;
// production sessions are minted by the sign-in flow.
func (v *Verifier) Issue(session domain.Session, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := v.now()
	claims := Claims{
		FID:         session.FID,
		Username:    session.Username,
		DisplayName: session.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter used by browser websockets.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
