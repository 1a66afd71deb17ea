package testutil

import (
	"testing"
	"time"
)

// RetryConfig controls WaitFor polling
type RetryConfig struct {
	Timeout time.Duration
	Delay   time.Duration
}

// DefaultRetryConfig polls every 10ms for up to 5s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout: 5 * time.Second,
		Delay:   10 * time.Millisecond,
	}
}

// WaitFor polls cond until it returns true or the timeout expires
func WaitFor(t *testing.T, config RetryConfig, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(config.Timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for %s", config.Timeout, msg)
		}
		time.Sleep(config.Delay)
	}
}

// Eventually is WaitFor with the default config
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	WaitFor(t, DefaultRetryConfig(), cond, msg)
}
