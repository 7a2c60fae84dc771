package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL bounds the validity of a single bearer token independently of the
// session sliding window.
const tokenTTL = time.Hour

// ErrTokenInvalid covers malformed, mis-signed, and expired bearer tokens.
var ErrTokenInvalid = errors.New("invalid bearer token")

// Claims carried by every session bearer token.
type tokenClaims struct {
	SID string `json:"sid"`
	App string `json:"app"`
	URL string `json:"url"`
	jwt.RegisteredClaims
}

// tokenManager signs and validates bearer tokens with a per-process HMAC
// secret. Restarting the daemon invalidates all outstanding tokens.
type tokenManager struct {
	secret []byte
}

func newTokenManager() *tokenManager {
	secret := make([]byte, 64)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return &tokenManager{secret: secret}
}

// issue mints a token for the session, valid for tokenTTL.
func (tm *tokenManager) issue(sessionID, appName, appURL string, now time.Time) (string, error) {
	claims := tokenClaims{
		SID: sessionID,
		App: appName,
		URL: appURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign bearer token: %w", err)
	}
	return token, nil
}

// parse validates the token signature and expiry and returns its claims.
func (tm *tokenManager) parse(token string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}))
	if err != nil || !parsed.Valid || claims.SID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
