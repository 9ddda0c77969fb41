package config

import "errors"

var (
	// ErrParsingConfig is returned when the environment cannot be parsed into the config struct.
	ErrParsingConfig = errors.New("config: failed to parse environment")

	// ErrNilPointer is returned when Load is given a nil pointer.
	ErrNilPointer = errors.New("config: nil pointer")

	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("config: invalid value")
)
