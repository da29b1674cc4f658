// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id fields.
type LoggerKey struct{}

// ClaimsKey is the context key type for the caller's decoded identity claims.
type ClaimsKey struct{}

// SubjectTokenKey is the context key type for the caller's raw bearer token.
// The token is forwarded to the token exchanger and must never be logged.
type SubjectTokenKey struct{}
