package utils

import (
	"errors"
	"fmt"
)

// ConfigurationError indicates a required setting or environment value is
// missing or invalid. It is always raised before any host mutation.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// NewConfigurationError creates a ConfigurationError for key.
func NewConfigurationError(key, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError indicates an orchestrator payload was not in the expected
// shape.
type ValidationError struct {
	Object string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field %s %s", e.Object, e.Field, e.Reason)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
