// Package ratelimit provides per-sender admission control combining a short
// cooldown between requests with a sliding window cap.
package ratelimit

import (
	"sync"
	"time"
)

// Reason explains why a request was denied.
type Reason string

const (
	// ReasonNone is reported for admitted requests.
	ReasonNone Reason = ""
	// ReasonCooldown means the sender issued a request too soon after the last one.
	ReasonCooldown Reason = "cooldown"
	// ReasonWindowExceeded means the sender hit the per-window cap.
	ReasonWindowExceeded Reason = "window_exceeded"
)

// Config configures limiter behavior.
type Config struct {
	// Cooldown is the minimum gap between two admitted requests from one sender.
	Cooldown time.Duration `yaml:"cooldown"`
	// Window is the length of the sliding window.
	Window time.Duration `yaml:"window"`
	// MaxPerWindow is the number of admissions allowed inside one window.
	MaxPerWindow int `yaml:"max_per_window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:     3 * time.Second,
		Window:       time.Minute,
		MaxPerWindow: 5,
		Enabled:      true,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  Reason
	// RetryAfter is a hint for how long the sender should wait.
	RetryAfter time.Duration
}

// record is the per-sender state. Timestamps are kept in admission order.
type record struct {
	mu     sync.Mutex
	last   time.Time
	recent []time.Time
}

// Limiter tracks rate records for many identities.
type Limiter struct {
	mu      sync.RWMutex
	records map[string]*record
	config  Config
	maxKeys int
	nowFunc func() time.Time
}

// NewLimiter creates a new limiter. A non-positive Window or MaxPerWindow
// falls back to DefaultConfig and a negative Cooldown is treated as zero.
// Enabled is used as given, so a zero Config admits every request.
func NewLimiter(config Config) *Limiter {
	defaults := DefaultConfig()
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.MaxPerWindow <= 0 {
		config.MaxPerWindow = defaults.MaxPerWindow
	}
	return &Limiter{
		records: make(map[string]*record),
		config:  config,
		maxKeys: 10000,
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (l *Limiter) SetNowFunc(fn func() time.Time) {
	l.nowFunc = fn
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// Admit decides whether a request from identity may proceed. Denials have no
// side effects; an admission records the request time.
func (l *Limiter) Admit(identity string) Decision {
	if !l.config.Enabled {
		return Decision{Allowed: true}
	}

	rec := l.getRecord(identity)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := l.nowFunc()

	if !rec.last.IsZero() {
		if elapsed := now.Sub(rec.last); elapsed < l.config.Cooldown {
			return Decision{
				Reason:     ReasonCooldown,
				RetryAfter: l.config.Cooldown - elapsed,
			}
		}
	}

	rec.recent = prune(rec.recent, now.Add(-l.config.Window))
	if len(rec.recent) >= l.config.MaxPerWindow {
		return Decision{
			Reason:     ReasonWindowExceeded,
			RetryAfter: rec.recent[0].Add(l.config.Window).Sub(now),
		}
	}

	rec.recent = append(rec.recent, now)
	rec.last = now
	return Decision{Allowed: true}
}

// prune drops timestamps at or before cutoff. The slice is reused.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	n := copy(ts, ts[i:])
	return ts[:n]
}

// getRecord returns or creates the record for identity.
func (l *Limiter) getRecord(identity string) *record {
	l.mu.RLock()
	rec, exists := l.records[identity]
	l.mu.RUnlock()

	if exists {
		return rec
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if rec, exists = l.records[identity]; exists {
		return rec
	}

	if len(l.records) >= l.maxKeys {
		l.pruneLocked(l.nowFunc())
	}

	rec = &record{}
	l.records[identity] = rec
	return rec
}

// Prune removes identities whose window and cooldown have both elapsed.
// It returns the number of records removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(l.nowFunc())
}

// pruneLocked must be called with l.mu held for writing.
func (l *Limiter) pruneLocked(now time.Time) int {
	removed := 0
	horizon := l.config.Window
	if l.config.Cooldown > horizon {
		horizon = l.config.Cooldown
	}
	for key, rec := range l.records {
		rec.mu.Lock()
		stale := rec.last.IsZero() || now.Sub(rec.last) >= horizon
		rec.mu.Unlock()
		if stale {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

// Reset forgets all state for identity.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, identity)
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
