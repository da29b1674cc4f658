// Package http provides the HTTP transport adapter for the gateway.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/toolgate-io/toolgate/internal/ctxkey"
	"github.com/toolgate-io/toolgate/internal/domain/access"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches
// the logger. The enriched logger is stored under ctxkey.LoggerKey so
// downstream packages can retrieve it without importing this one.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ClaimsMiddleware extracts the caller's JWT from the Authorization
// header, parses its claims, and stores both under ctxkey.ClaimsKey and
// ctxkey.SubjectTokenKey. The raw token is kept for OAuth token
// exchange and never logged.
//
// With an HMAC secret the signature is verified here. Without one the
// token is parsed unverified, for deployments where an edge gateway has
// already validated it.
func ClaimsMiddleware(hmacSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token", false)
				return
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			claims, err := parseClaims(raw, hmacSecret)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("rejected bearer token", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid bearer token", false)
				return
			}

			ctx := context.WithValue(r.Context(), ctxkey.ClaimsKey{}, claims)
			ctx = context.WithValue(ctx, ctxkey.SubjectTokenKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseClaims(raw string, hmacSecret []byte) (access.Claims, error) {
	mapClaims := jwt.MapClaims{}
	if len(hmacSecret) > 0 {
		_, err := jwt.ParseWithClaims(raw, mapClaims, func(t *jwt.Token) (any, error) {
			return hmacSecret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			return nil, err
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, mapClaims); err != nil {
			return nil, err
		}
	}
	return access.Claims(mapClaims), nil
}

// ClaimsFromContext retrieves the caller claims stored by ClaimsMiddleware.
func ClaimsFromContext(ctx context.Context) (access.Claims, bool) {
	claims, ok := ctx.Value(ctxkey.ClaimsKey{}).(access.Claims)
	return claims, ok
}

// SubjectTokenFromContext retrieves the caller's raw bearer token.
func SubjectTokenFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(ctxkey.SubjectTokenKey{}).(string)
	return raw, ok
}
