package node

import (
	"sync"
	"time"
)

const (
	// Default thresholds for greylisting
	DefaultMaxFailedAttempts = 10 // failed authentications before greylist
	DefaultGreylistDuration  = 10 * time.Minute
)

// ipStatus tracks authentication failures of one address
type ipStatus struct {
	failedAttempts int
	lastFailure    time.Time
	greylisted     bool
}

// Blocklist greylists addresses that keep failing report authentication.
// A greylisted address is refused until greylistDuration has passed
// since its last failure.
type Blocklist struct {
	mu       sync.Mutex
	statuses map[string]*ipStatus

	maxFailedAttempts int
	greylistDuration  time.Duration
	now               func() time.Time
}

// NewBlocklist creates a blocklist; zero arguments select the defaults
func NewBlocklist(maxFailedAttempts int, greylistDuration time.Duration) *Blocklist {
	if maxFailedAttempts <= 0 {
		maxFailedAttempts = DefaultMaxFailedAttempts
	}
	if greylistDuration <= 0 {
		greylistDuration = DefaultGreylistDuration
	}
	return &Blocklist{
		statuses:          make(map[string]*ipStatus),
		maxFailedAttempts: maxFailedAttempts,
		greylistDuration:  greylistDuration,
		now:               time.Now,
	}
}

// RecordFailedAttempt counts a failed authentication from ip and
// reports whether ip is now greylisted
func (b *Blocklist) RecordFailedAttempt(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	status, ok := b.statuses[ip]
	if !ok {
		status = &ipStatus{}
		b.statuses[ip] = status
	}
	status.failedAttempts++
	status.lastFailure = b.now()
	if status.failedAttempts >= b.maxFailedAttempts {
		status.greylisted = true
	}
	return status.greylisted
}

// RecordSuccess clears the failure count of ip
func (b *Blocklist) RecordSuccess(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if status, ok := b.statuses[ip]; ok && !status.greylisted {
		delete(b.statuses, ip)
	}
}

// IsBlocked reports whether ip is greylisted. Expired entries are dropped.
func (b *Blocklist) IsBlocked(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	status, ok := b.statuses[ip]
	if !ok {
		return false
	}
	if b.now().Sub(status.lastFailure) > b.greylistDuration {
		delete(b.statuses, ip)
		return false
	}
	return status.greylisted
}

// Len returns the number of tracked addresses
func (b *Blocklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.statuses)
}
