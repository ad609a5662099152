package configuration

import "errors"

var (
	ErrEnvNotSet = errors.New("environment variable is not set")

	ErrConfigNotFound = errors.New("config file not found")

	ErrInvalidConfig = errors.New("invalid config")
)
