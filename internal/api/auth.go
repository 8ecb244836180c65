package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"

	apperrors "pricewatch/internal/errors"
)

// owner extracts the caller's user id. With a JWT secret configured a
// bearer token is required and its sub claim is the owner; otherwise the
// configured user id header is trusted.
func (s *Server) owner(r *http.Request) (string, error) {
	if s.cfg.Auth.JWTSecret != "" {
		auth := r.Header.Get("Authorization")
		raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if raw == "" || raw == auth {
			return "", fmt.Errorf("%w: missing bearer token", apperrors.ErrUnauthorized)
		}
		return subjectFromToken(raw, s.cfg.Auth.JWTSecret)
	}

	id := strings.TrimSpace(r.Header.Get(s.cfg.Auth.UserIDHeader))
	if id == "" {
		return "", fmt.Errorf("%w: missing %s header", apperrors.ErrUnauthorized, s.cfg.Auth.UserIDHeader)
	}
	return id, nil
}

func subjectFromToken(raw, secret string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", apperrors.ErrUnauthorized)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", apperrors.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: token has no subject", apperrors.ErrUnauthorized)
	}
	return sub, nil
}
