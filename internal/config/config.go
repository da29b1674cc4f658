// Package config provides the gateway configuration schema, loaded
// from a YAML file with environment variable overrides.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Snapshot configures where policy, group, and tool records come from.
	Snapshot SnapshotConfig `yaml:"snapshot" mapstructure:"snapshot"`

	// TokenExchange configures the OAuth token exchange against the
	// identity provider. Optional: tools without a required audience
	// run without exchanged tokens.
	TokenExchange TokenExchangeConfig `yaml:"token_exchange" mapstructure:"token_exchange"`

	// Breaker tunes the per-upstream circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`

	// Resolver tunes access resolution.
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`

	// Execute tunes tool execution.
	Execute ExecuteConfig `yaml:"execute" mapstructure:"execute"`

	// Admin configures the operational endpoints.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// JWT configures caller token verification.
	JWT JWTConfig `yaml:"jwt" mapstructure:"jwt"`

	// DevMode enables development features (verbose logging, seeded
	// in-memory snapshot).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080"
	// (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn",
	// "error". Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`
}

// SnapshotConfig selects the snapshot source.
type SnapshotConfig struct {
	// Source is the snapshot backend: "memory", "yaml", or "sqlite".
	// "memory" starts empty unless DevMode seeds it.
	Source string `yaml:"source" mapstructure:"source" validate:"omitempty,oneof=memory yaml sqlite"`

	// Path is the snapshot file for the yaml and sqlite sources.
	Path string `yaml:"path" mapstructure:"path"`
}

// TokenExchangeConfig configures RFC 8693 token exchange.
type TokenExchangeConfig struct {
	// Endpoint is the identity provider's token endpoint.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`

	// ClientID and ClientSecret authenticate the gateway to the
	// identity provider. The secret is read from configuration or the
	// TOOLGATE_TOKEN_EXCHANGE_CLIENT_SECRET environment variable and
	// never logged.
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
}

// BreakerConfig tunes the circuit breakers shared by all outbound
// adapters.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// breaker. Defaults to 5.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"omitempty,min=1"`

	// RecoveryTimeout is how long a breaker stays open before probing
	// (e.g. "30s"). Defaults to "30s".
	RecoveryTimeout string `yaml:"recovery_timeout" mapstructure:"recovery_timeout" validate:"omitempty,duration"`

	// HalfOpenMaxCalls is the probe budget while half-open. Defaults to 2.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls" validate:"omitempty,min=1"`
}

// ResolverConfig tunes access resolution.
type ResolverConfig struct {
	// CacheTTL is how long a cached resolution stays valid (e.g. "5m").
	// Defaults to "5m".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`
}

// ExecuteConfig tunes tool execution.
type ExecuteConfig struct {
	// HTTPTimeout is the per-request timeout for upstream calls
	// (e.g. "30s"). Defaults to "30s".
	HTTPTimeout string `yaml:"http_timeout" mapstructure:"http_timeout" validate:"omitempty,duration"`
}

// AdminConfig configures the operational endpoints.
type AdminConfig struct {
	// KeyHash guards the admin endpoints. Argon2id PHC format
	// (generate with "toolgate hash-key") or "sha256:<hex>". Empty
	// disables the admin API.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"omitempty,key_hash"`
}

// JWTConfig configures caller token verification.
type JWTConfig struct {
	// HMACSecret verifies caller token signatures when set. Empty means
	// tokens are parsed unverified and an edge gateway is trusted to
	// have validated them.
	HMACSecret string `yaml:"hmac_secret" mapstructure:"hmac_secret"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless explicitly configured otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Snapshot.Source == "" {
		c.Snapshot.Source = "memory"
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout == "" {
		c.Breaker.RecoveryTimeout = "30s"
	}
	if c.Breaker.HalfOpenMaxCalls == 0 {
		c.Breaker.HalfOpenMaxCalls = 2
	}

	if c.Resolver.CacheTTL == "" {
		c.Resolver.CacheTTL = "5m"
	}
	if c.Execute.HTTPTimeout == "" {
		c.Execute.HTTPTimeout = "30s"
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied before validation so a bare "--dev" run works.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if c.Snapshot.Source == "" {
		c.Snapshot.Source = "memory"
	}
}

// RecoveryTimeoutDuration returns the parsed breaker recovery timeout.
func (c *BreakerConfig) RecoveryTimeoutDuration() time.Duration {
	return parseDuration(c.RecoveryTimeout, 30*time.Second)
}

// CacheTTLDuration returns the parsed resolution cache TTL.
func (c *ResolverConfig) CacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

// HTTPTimeoutDuration returns the parsed upstream call timeout.
func (c *ExecuteConfig) HTTPTimeoutDuration() time.Duration {
	return parseDuration(c.HTTPTimeout, 30*time.Second)
}

// parseDuration parses s, falling back to def. Validation has already
// rejected unparseable values, so the fallback only covers the empty
// string.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
