// Package middleware provides HTTP middleware for the raffle API
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

type contextKey string

const coordinatorKey contextKey = "coordinator"

var (
	ErrMissingToken     = errors.New("missing Authorization header")
	ErrMalformedToken   = errors.New("invalid Authorization header format")
	ErrWrongCoordinator = errors.New("token subject is not the configured coordinator")
)

// CoordinatorAuth admits only requests carrying an HS256 token whose subject
// is the configured coordinator id.
type CoordinatorAuth struct {
	secret        []byte
	coordinatorID string
	logger        *logger.Logger
}

// NewCoordinatorAuth creates the middleware.
func NewCoordinatorAuth(secret []byte, coordinatorID string, log *logger.Logger) (*CoordinatorAuth, error) {
	if len(secret) == 0 {
		return nil, errors.New("coordinator jwt secret is required")
	}
	if coordinatorID == "" {
		return nil, errors.New("coordinator id is required")
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &CoordinatorAuth{secret: secret, coordinatorID: coordinatorID, logger: log}, nil
}

// Handler returns the middleware handler
func (m *CoordinatorAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, ErrMissingToken)
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, ErrMalformedToken)
			return
		}

		subject, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), coordinatorKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *CoordinatorAuth) validateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if subject != m.coordinatorID {
		return "", ErrWrongCoordinator
	}
	return subject, nil
}

func (m *CoordinatorAuth) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.WithError(err).
		WithField("path", r.URL.Path).
		WithField("method", r.Method).
		Warn("coordinator authentication failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// IssueCoordinatorToken signs a token for coordinatorID valid for ttl.
func IssueCoordinatorToken(secret []byte, coordinatorID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   coordinatorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// CoordinatorFrom returns the authenticated coordinator id, if any.
func CoordinatorFrom(ctx context.Context) string {
	id, _ := ctx.Value(coordinatorKey).(string)
	return id
}
