// Package pacing implements the delay discipline shared by every sender:
// a uniformly random delay between sends and a cap on deliveries in the
// trailing hour, with a fixed backoff while the cap is reached.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Window is the inclusive range a jitter delay is drawn from.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Limits configures one Pacer.
type Limits struct {
	Jitter     Window
	MaxPerHour int           // 0 disables the cap
	CapBackoff time.Duration // wait while capped
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// CountFunc returns how many deliveries happened at or after since.
type CountFunc func(ctx context.Context, since time.Time) (int, error)

// Sleep waits for d, returning ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pacer is safe for concurrent use; limits can be swapped at runtime.
type Pacer struct {
	mu     sync.Mutex
	limits Limits
	rng    *rand.Rand

	sleep SleepFunc
	now   func() time.Time
}

type Option func(*Pacer)

// WithSleep replaces the real sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(p *Pacer) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pacer) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSeed makes jitter draws reproducible.
func WithSeed(seed int64) Option {
	return func(p *Pacer) { p.rng = rand.New(rand.NewSource(seed)) }
}

func New(limits Limits, opts ...Option) *Pacer {
	p := &Pacer{
		limits: normalize(limits),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  Sleep,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func normalize(l Limits) Limits {
	if l.Jitter.Min < 0 {
		l.Jitter.Min = 0
	}
	if l.Jitter.Max < l.Jitter.Min {
		l.Jitter.Max = l.Jitter.Min
	}
	if l.MaxPerHour < 0 {
		l.MaxPerHour = 0
	}
	return l
}

// Apply swaps the limits; in-flight waits keep their drawn duration.
func (p *Pacer) Apply(l Limits) {
	p.mu.Lock()
	p.limits = normalize(l)
	p.mu.Unlock()
}

func (p *Pacer) Limits() Limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits
}

// NextDelay draws a delay uniformly from the jitter window.
func (p *Pacer) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.limits.Jitter
	span := int64(w.Max - w.Min)
	if span <= 0 {
		return w.Min
	}
	return w.Min + time.Duration(p.rng.Int63n(span+1))
}

// Jitter sleeps for one drawn delay and returns it.
func (p *Pacer) Jitter(ctx context.Context) (time.Duration, error) {
	d := p.NextDelay()
	return d, p.sleep(ctx, d)
}

// Wait sleeps for a fixed duration using the pacer's sleep.
func (p *Pacer) Wait(ctx context.Context, d time.Duration) error {
	return p.sleep(ctx, d)
}

// CapReached reports whether count over the trailing hour has reached
// MaxPerHour. The count is returned for logging.
func (p *Pacer) CapReached(ctx context.Context, count CountFunc) (bool, int, error) {
	maxPerHour := p.Limits().MaxPerHour
	if maxPerHour <= 0 || count == nil {
		return false, 0, nil
	}
	n, err := count(ctx, p.now().Add(-time.Hour))
	if err != nil {
		return false, 0, err
	}
	return n >= maxPerHour, n, nil
}

// Backoff sleeps for the configured cap backoff.
func (p *Pacer) Backoff(ctx context.Context) error {
	return p.sleep(ctx, p.Limits().CapBackoff)
}
