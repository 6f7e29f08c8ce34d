package delivery

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer enforces a process-wide minimum interval between sends.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	nowFunc  func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewPacer creates a pacer. A non-positive interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{
		interval: interval,
		nowFunc:  time.Now,
		sleep:    SleepWithContext,
	}
}

// Wait reserves the next send slot and blocks until it arrives. The slot is
// claimed before sleeping, so concurrent callers queue up one interval apart.
// It returns how long the caller waited.
func (p *Pacer) Wait(ctx context.Context) (time.Duration, error) {
	if p.interval <= 0 {
		return 0, nil
	}

	p.mu.Lock()
	now := p.nowFunc()
	wait := time.Duration(0)
	if !p.last.IsZero() {
		wait = p.interval - now.Sub(p.last)
		if wait < 0 {
			wait = 0
		}
	}
	p.last = now.Add(wait)
	p.mu.Unlock()

	if err := p.sleep(ctx, wait); err != nil {
		return wait, err
	}
	return wait, nil
}

// Mark records that a send completed now.
func (p *Pacer) Mark() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now := p.nowFunc(); now.After(p.last) {
		p.last = now
	}
}

// Last returns the time of the most recent send or reservation.
func (p *Pacer) Last() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// TypingDelay returns a random delay in [lo, hi].
func TypingDelay(lo, hi time.Duration) time.Duration {
	return TypingDelayWithRand(lo, hi, rand.Float64()) // #nosec G404 -- pacing jitter does not require cryptographic randomness
}

// TypingDelayWithRand is TypingDelay with a caller-supplied random value in [0, 1).
func TypingDelayWithRand(lo, hi time.Duration, randomValue float64) time.Duration {
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(float64(hi-lo)*randomValue)
}

// SleepWithContext sleeps for duration or until ctx is done.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
