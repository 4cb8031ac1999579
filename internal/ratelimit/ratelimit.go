// Package ratelimit implements the blocking token bucket used by the
// dispatcher's admission gates.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket refilled continuously at a fixed rate. Acquire
// blocks until a whole token is available. A rate of zero or less disables
// the bucket entirely.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	ratePerSec float64
	lastRefill time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBucket creates a bucket that refills at ratePerMin tokens per minute
// and holds at most burst tokens. The bucket starts full.
func NewBucket(ratePerMin float64, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		ratePerSec: ratePerMin / 60.0,
		lastRefill: time.Now(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Acquire consumes one token, blocking until one is available or ctx is
// cancelled. It returns the total time spent waiting. The lock is never
// held across a sleep, so concurrent waiters refill independently.
func (b *Bucket) Acquire(ctx context.Context) (time.Duration, error) {
	if b.ratePerSec <= 0 {
		return 0, nil
	}

	var waited time.Duration
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return waited, nil
		}
		// Time until the deficit is refilled to a whole token.
		wait := time.Duration((1.0 - b.tokens) / b.ratePerSec * float64(time.Second))
		b.mu.Unlock()

		if err := b.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// Tokens reports the current token count after a refill, for status output.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
	}
	b.lastRefill = now
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Rate is the limit for one endpoint. A Burst of zero falls back to the
// set's default.
type Rate struct {
	RatePerMin float64
	Burst      int
}

// Set is a keyed collection of buckets, one per endpoint, built from the
// configured per-endpoint rates. Endpoints without a configured rate are
// unlimited.
type Set struct {
	mu           sync.Mutex
	rates        map[string]Rate
	defaultBurst int
	buckets      map[string]*Bucket
}

// NewSet builds a bucket set from endpoint rate config.
func NewSet(rates map[string]Rate, defaultBurst int) *Set {
	return &Set{
		rates:        rates,
		defaultBurst: defaultBurst,
		buckets:      make(map[string]*Bucket),
	}
}

// Acquire blocks on the bucket for endpoint, creating it lazily. Endpoints
// with no configured rate pass through immediately.
func (s *Set) Acquire(ctx context.Context, endpoint string) (time.Duration, error) {
	s.mu.Lock()
	b, ok := s.buckets[endpoint]
	if !ok {
		rate, configured := s.rates[endpoint]
		if !configured {
			s.mu.Unlock()
			return 0, nil
		}
		burst := rate.Burst
		if burst <= 0 {
			burst = s.defaultBurst
		}
		b = NewBucket(rate.RatePerMin, burst)
		s.buckets[endpoint] = b
	}
	s.mu.Unlock()
	return b.Acquire(ctx)
}
