// Package handlers implements the front door's operator endpoints: child status, audit
// events, and the bearer-token check that guards them.
package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminAudience = "frontdoor-admin"

var (
	ErrInvalidToken    = errors.New("invalid admin token")
	ErrTokenGeneration = errors.New("failed to generate token")
)

type contextKey string

const claimsKey contextKey = "adminClaims"

// AdminClaims are the claims carried by an operator token.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// ClaimsFromContext returns the claims attached by AdminRequired.
func ClaimsFromContext(ctx context.Context) (*AdminClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*AdminClaims)
	return claims, ok
}

// LoadSecretKey reads the HS256 signing key at path, generating and persisting a random one
// if the file does not exist.
func LoadSecretKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read JWT secret key: %w", err)
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate random JWT secret key: %w", err)
		}
		if err := os.WriteFile(path, b, 0600); err != nil {
			return nil, fmt.Errorf("failed to write JWT secret key: %w", err)
		}
		key = b
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("JWT secret key at %s is empty", path)
	}
	return key, nil
}

// TokenIssuer mints and validates operator tokens.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a TokenIssuer signing with secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Issue returns a signed token for subject valid for ttl.
func (ti *TokenIssuer) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{adminAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}
	return signed, nil
}

// Validate parses tokenString and checks its signature, expiry and audience.
func (ti *TokenIssuer) Validate(tokenString string) (*AdminClaims, error) {
	var claims AdminClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// AdminRequired rejects requests without a valid operator bearer token.
func AdminRequired(issuer *TokenIssuer, logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Warn("Rejected admin request", "path", r.URL.Path, "reason", "missing token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := issuer.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				logger.Warn("Rejected admin request", "path", r.URL.Path, "reason", "invalid token", "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		}
	}
}
