package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("http_addr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Snapshot.Source != "memory" {
		t.Errorf("snapshot source = %q", cfg.Snapshot.Source)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.HalfOpenMaxCalls != 2 {
		t.Errorf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.Breaker.RecoveryTimeoutDuration() != 30*time.Second {
		t.Errorf("recovery timeout = %v", cfg.Breaker.RecoveryTimeoutDuration())
	}
	if cfg.Resolver.CacheTTLDuration() != 5*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Resolver.CacheTTLDuration())
	}
	if cfg.Execute.HTTPTimeoutDuration() != 30*time.Second {
		t.Errorf("http timeout = %v", cfg.Execute.HTTPTimeoutDuration())
	}
}

func TestSetDevDefaults(t *testing.T) {
	cfg := Config{DevMode: true}
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("dev log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Snapshot.Source != "memory" {
		t.Errorf("dev snapshot source = %q", cfg.Snapshot.Source)
	}

	prod := Config{}
	prod.SetDevDefaults()
	if prod.Server.LogLevel != "" {
		t.Error("dev defaults must not apply outside dev mode")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.yaml")
	contents := `
server:
  http_addr: "0.0.0.0:9090"
  log_level: warn
snapshot:
  source: sqlite
  path: /var/lib/toolgate/snapshot.db
token_exchange:
  endpoint: https://idp.internal/oauth/token
  client_id: toolgate
resolver:
  cache_ttl: 90s
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	viper.Reset()
	t.Cleanup(viper.Reset)
	InitViper(path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9090" || cfg.Server.LogLevel != "warn" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Snapshot.Source != "sqlite" || cfg.Snapshot.Path != "/var/lib/toolgate/snapshot.db" {
		t.Errorf("snapshot = %+v", cfg.Snapshot)
	}
	if cfg.Resolver.CacheTTLDuration() != 90*time.Second {
		t.Errorf("cache ttl = %v", cfg.Resolver.CacheTTLDuration())
	}
	if ConfigFileUsed() != path {
		t.Errorf("config file used = %q", ConfigFileUsed())
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("TOOLGATE_SERVER_HTTP_ADDR", "127.0.0.1:7070")
	t.Setenv("TOOLGATE_TOKEN_EXCHANGE_CLIENT_SECRET", "s3cret")
	InitViper(filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadConfigRaw()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7070" {
		t.Errorf("http_addr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.TokenExchange.ClientSecret != "s3cret" {
		t.Error("client secret env override must apply")
	}
}
