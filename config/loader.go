// Package config loads process settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var defaultEnvLoaded sync.Once

// Load parses environment variables into v according to its env tags. The
// .env file in the working directory, if any, is loaded on the first call.
// Variables already present in the environment take precedence over it.
func Load[T any](v *T) error {
	defaultEnvLoaded.Do(func() {
		// a missing .env is fine
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}
	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad is Load that panics on error.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("loading required configuration: %v", err))
	}
}

// LoadEnv loads the given env files into the process environment. Later
// files override earlier ones; the real environment is never overwritten.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	for i := len(paths) - 1; i >= 0; i-- {
		if err := godotenv.Load(paths[i]); err != nil {
			return fmt.Errorf("config: loading %s: %w", paths[i], err)
		}
	}
	return nil
}
