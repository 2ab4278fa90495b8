package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// helloClaims is the JWT payload an agent's TunnelHello.SecretAccessKey
// carries, signed with the gateway's shared signing key.
type helloClaims struct {
	AccessKeyID string `json:"access_key_id"`
	jwt.RegisteredClaims
}

// IssueHelloToken signs a short-lived hello token for accessKeyID. Agents
// use this (generated out of band, e.g. by an operator tool) as their
// TunnelHello.SecretAccessKey.
func IssueHelloToken(signingKey, accessKeyID string, ttl time.Duration) (string, error) {
	claims := helloClaims{
		AccessKeyID: accessKeyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(signingKey))
}

// ValidateHelloToken verifies a hello token against the gateway's signing
// key and checks it was issued for the claimed access key id.
func ValidateHelloToken(signingKey, accessKeyID, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &helloClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return fmt.Errorf("parsing hello token: %w", err)
	}
	claims, ok := parsed.Claims.(*helloClaims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("invalid hello token")
	}
	if claims.AccessKeyID != accessKeyID {
		return fmt.Errorf("hello token access key mismatch")
	}
	return nil
}
