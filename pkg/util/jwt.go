package util

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GenerateServiceToken creates a short-lived HS256 bearer token for
// service-to-service calls (the relay authenticating against the
// pending-email API).
func GenerateServiceToken(service, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": service,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseServiceToken validates a token and extracts the calling service
// name. Kept symmetric with GenerateServiceToken so the collaborating
// API can verify relay requests with the shared secret.
func ParseServiceToken(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenMalformed
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return "", jwt.ErrTokenMalformed
	}

	return sub, nil
}
