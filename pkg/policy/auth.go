package policy

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures caller authentication for definitions that set
// requireAuth.
type AuthConfig struct {
	// APIKeys are static credentials accepted as-is (constant-time compared).
	APIKeys []string

	// JWTSecret enables HS256 bearer tokens when non-empty.
	JWTSecret []byte
}

// Authenticator validates caller credentials.
type Authenticator struct {
	cfg AuthConfig
}

// NewAuthenticator creates an Authenticator from the given config.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Verify checks a credential. JWTs (three dot-separated segments) are
// verified against the HS256 secret; anything else is matched against the
// static API keys.
func (a *Authenticator) Verify(credential string) error {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return ErrAuthFailure
	}

	if strings.Count(credential, ".") == 2 && len(a.cfg.JWTSecret) > 0 {
		return a.verifyJWT(credential)
	}

	for _, key := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(key)) == 1 {
			return nil
		}
	}
	return ErrAuthFailure
}

func (a *Authenticator) verifyJWT(token string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return nil
}
