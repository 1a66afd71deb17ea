package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvLoader reads prefixed environment variables with typed accessors
type EnvLoader struct {
	prefix string
	vars   map[string]string
}

// NewEnvLoader creates a loader for variables starting with prefix
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		vars:   make(map[string]string),
	}
}

// LoadAll snapshots every prefixed variable of the process environment
func (e *EnvLoader) LoadAll() {
	for _, env := range os.Environ() {
		key, val, ok := strings.Cut(env, "=")
		if ok && strings.HasPrefix(key, e.prefix) {
			e.vars[key] = val
		}
	}
}

// Set overrides a variable; used by tests and flag overrides
func (e *EnvLoader) Set(key, val string) {
	e.vars[e.prefix+key] = val
}

// GetString returns a string value or the default
func (e *EnvLoader) GetString(key string, defaultValue string) string {
	if val, ok := e.vars[e.prefix+key]; ok {
		return val
	}
	return defaultValue
}

// GetInt returns an integer value or the default
func (e *EnvLoader) GetInt(key string, defaultValue int) (int, error) {
	if val := e.GetString(key, ""); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("invalid int value for %s: %w", e.prefix+key, err)
		}
		return n, nil
	}
	return defaultValue, nil
}

// GetBool returns a boolean value or the default
func (e *EnvLoader) GetBool(key string, defaultValue bool) bool {
	if val := e.GetString(key, ""); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultValue
}

// GetDuration returns a duration value or the default. Bare integers
// are read as seconds.
func (e *EnvLoader) GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	val := e.GetString(key, "")
	if val == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseUint(val, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", e.prefix+key, err)
	}
	return d, nil
}

// GetDurationAtLeast is GetDuration with the result raised to floor
func (e *EnvLoader) GetDurationAtLeast(key string, defaultValue, floor time.Duration) (time.Duration, error) {
	d, err := e.GetDuration(key, defaultValue)
	if err != nil {
		return 0, err
	}
	if d < floor {
		d = floor
	}
	return d, nil
}

// Validate checks if a value meets certain validation criteria
type Validate func(string) error

// GetStringValidated returns a validated string value
func (e *EnvLoader) GetStringValidated(key string, defaultValue string, validators ...Validate) (string, error) {
	val := e.GetString(key, defaultValue)
	for _, validate := range validators {
		if err := validate(val); err != nil {
			return "", fmt.Errorf("validation failed for %s: %w", e.prefix+key, err)
		}
	}
	return val, nil
}

// Common validators
var (
	ValidateNotEmpty = func(val string) error {
		if val == "" {
			return fmt.Errorf("value cannot be empty")
		}
		return nil
	}

	ValidateListenAddr = func(val string) error {
		_, port, err := net.SplitHostPort(val)
		if err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port number")
		}
		if n > MaxPort {
			return fmt.Errorf("port must be at most %d", MaxPort)
		}
		return nil
	}
)
