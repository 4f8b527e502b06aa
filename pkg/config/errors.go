package config

import "errors"

var (
	// ErrInvalidConfig wraps every validation failure of the forwarder file.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrUnknownInput is returned when no input matches a trigger.
	ErrUnknownInput = errors.New("unknown input")
)
