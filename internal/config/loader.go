package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, toolgate.yaml/.yml is
// searched in standard locations. The search requires an explicit YAML
// extension so the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("toolgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TOOLGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("TOOLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for toolgate.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".toolgate"),
		"/etc/toolgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "toolgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// overrides. Example: TOOLGATE_TOKEN_EXCHANGE_ENDPOINT overrides
// token_exchange.endpoint.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")

	_ = viper.BindEnv("snapshot.source")
	_ = viper.BindEnv("snapshot.path")

	_ = viper.BindEnv("token_exchange.endpoint")
	_ = viper.BindEnv("token_exchange.client_id")
	_ = viper.BindEnv("token_exchange.client_secret")

	_ = viper.BindEnv("breaker.failure_threshold")
	_ = viper.BindEnv("breaker.recovery_timeout")
	_ = viper.BindEnv("breaker.half_open_max_calls")

	_ = viper.BindEnv("resolver.cache_ttl")
	_ = viper.BindEnv("execute.http_timeout")

	_ = viper.BindEnv("admin.key_hash")
	_ = viper.BindEnv("jwt.hmac_secret")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment
// overrides and defaults, and validates the result. Callers that apply
// CLI flag overrides (e.g. --dev) should use LoadConfigRaw instead and
// validate afterwards.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply dev defaults or validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment variables only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// an empty string in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
