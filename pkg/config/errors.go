package config

import "errors"

var (
	// ErrMissingRequiredEnv indicates a required environment variable is unset.
	ErrMissingRequiredEnv = errors.New("missing required environment variable")

	// ErrBlenderUnreachable indicates the configured Blender binary cannot be used.
	ErrBlenderUnreachable = errors.New("blender binary unreachable")

	// ErrInvalidValue indicates an environment variable has an invalid value.
	ErrInvalidValue = errors.New("invalid configuration value")
)
