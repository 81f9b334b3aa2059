package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// SessionClaim is the payload of a signed session token.
type SessionClaim struct {
	ID      int    `json:"id"`
	UserRef string `json:"user_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	StoreId string `json:"store_id,omitempty"`
	jwt.StandardClaims
}

var (
	ErrInvalidSession     = errors.New("invalid or expired session")
	ErrSessionSecretUnset = errors.New("SESSION_SECRET or API_SECRET must be set in production")
)

const devSessionSecret = "opsfeedback-dev-secret"

var sessionSecret = []byte(getSessionSecret())

func getSessionSecret() string {
	if secret := os.Getenv("SESSION_SECRET"); secret != "" {
		return secret
	}
	if secret := os.Getenv("API_SECRET"); secret != "" {
		return secret
	}
	return devSessionSecret
}

// CheckSessionSecret refuses the built-in development secret in production.
func CheckSessionSecret(production bool) error {
	if production && os.Getenv("SESSION_SECRET") == "" && os.Getenv("API_SECRET") == "" {
		return ErrSessionSecretUnset
	}
	return nil
}

// SessionGenerate signs a session for the given identity that expires after days.
func SessionGenerate(claim SessionClaim, days int) (string, error) {
	if days <= 0 {
		return "", fmt.Errorf("session lifetime must be positive, got %d days", days)
	}
	now := time.Now()
	claim.StandardClaims = jwt.StandardClaims{
		ExpiresAt: now.Add(time.Hour * 24 * time.Duration(days)).Unix(),
		IssuedAt:  now.Unix(),
		Subject:   claim.UserRef,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &claim)
	token, err := t.SignedString(sessionSecret)
	if err != nil {
		return "", err
	}
	return token, nil
}

// SessionValidate verifies signature and expiry and returns the claims.
func SessionValidate(token string) (*SessionClaim, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return sessionSecret, nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	claim, ok := parsed.Claims.(*SessionClaim)
	if !ok {
		return nil, ErrInvalidSession
	}
	return claim, nil
}
