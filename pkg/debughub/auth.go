package debughub

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// operatorClaims is the minimal claim set the debug channel issues:
// just a subject and standard registered claims, since the token only
// gates access to one WebSocket endpoint.
type operatorClaims struct {
	jwt.RegisteredClaims
	Subject string `json:"sub"`
}

// NewHMACVerifier returns a TokenVerifier that checks a JWT's signature
// against secret and that it has not expired. Intended for non-
// localhost deployments of the debug channel.
func NewHMACVerifier(secret []byte) TokenVerifier {
	return func(token string) bool {
		claims := &operatorClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		return err == nil && parsed.Valid
	}
}

// HashOperatorToken bcrypt-hashes an operator-configured debug token
// for storage in config, so the plaintext token never needs to live on
// disk next to the runtime's configuration.
func HashOperatorToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("debughub: hash operator token: %w", err)
	}
	return string(hashed), nil
}

// NewStaticVerifier returns a TokenVerifier that compares the presented
// token against a bcrypt hash configured ahead of time (e.g. for a
// single shared operator token rather than per-user JWTs).
func NewStaticVerifier(hashed string) TokenVerifier {
	return func(token string) bool {
		return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(token)) == nil
	}
}
