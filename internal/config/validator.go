package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("key_hash", validateKeyHash); err != nil {
		return fmt.Errorf("failed to register key_hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts anything time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateKeyHash accepts Argon2id PHC hashes and sha256-prefixed hex.
func validateKeyHash(fl validator.FieldLevel) bool {
	hash := fl.Field().String()
	return strings.HasPrefix(hash, "$argon2id$") || strings.HasPrefix(hash, "sha256:")
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSnapshotPath(); err != nil {
		return err
	}
	return c.validateTokenExchange()
}

// validateSnapshotPath ensures file-backed snapshot sources have a path.
func (c *Config) validateSnapshotPath() error {
	switch c.Snapshot.Source {
	case "yaml", "sqlite":
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot: source %q requires a path", c.Snapshot.Source)
		}
	}
	return nil
}

// validateTokenExchange ensures a configured endpoint comes with client
// credentials.
func (c *Config) validateTokenExchange() error {
	if c.TokenExchange.Endpoint == "" {
		return nil
	}
	if c.TokenExchange.ClientID == "" {
		return errors.New("token_exchange: endpoint requires a client_id")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like \"30s\" or \"5m\"", field)
	case "key_hash":
		return fmt.Sprintf("%s must be an argon2id PHC hash or \"sha256:<hex>\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
