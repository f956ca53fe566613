// Copyright © 2024 The ELPS authors

package debugger

import "time"

// Config holds the engine's tunables. Field tags name the configuration
// keys the CLI reads them from.
type Config struct {
	// StartupTimeout bounds the wait for the runtime to start in a launched
	// process.
	StartupTimeout time.Duration `mapstructure:"startup-timeout"`
	// NativeTimeout bounds native stop, detach and kill requests.
	NativeTimeout time.Duration `mapstructure:"native-timeout"`
	// EvalTimeout bounds a single expression evaluation, including the
	// methods and property getters it runs in the debuggee.
	EvalTimeout time.Duration `mapstructure:"eval-timeout"`
	// MaxStringLength truncates displayed strings, in characters. Zero
	// disables truncation.
	MaxStringLength int `mapstructure:"max-string-length"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		StartupTimeout:  30 * time.Second,
		NativeTimeout:   5 * time.Second,
		EvalTimeout:     10 * time.Second,
		MaxStringLength: 512,
	}
}

// withDefaults fills zero durations from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.NativeTimeout <= 0 {
		c.NativeTimeout = def.NativeTimeout
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = def.EvalTimeout
	}
	if c.MaxStringLength < 0 {
		c.MaxStringLength = 0
	}
	return c
}
