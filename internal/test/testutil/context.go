// Package testutil holds helpers shared by fleetstat tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestContext is a context that is cancelled when the test ends
type TestContext struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewTestContext creates a test context with a five second timeout
func NewTestContext(t *testing.T) *TestContext {
	return NewTestContextWithTimeout(t, 5*time.Second)
}

// NewTestContextWithTimeout creates a test context with timeout
func NewTestContextWithTimeout(t *testing.T, timeout time.Duration) *TestContext {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	return &TestContext{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
}

// Context returns the underlying context
func (c *TestContext) Context() context.Context {
	return c.ctx
}

// Cancel cancels the context
func (c *TestContext) Cancel() {
	c.cancel()
}

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
