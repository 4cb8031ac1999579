package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance refill time and observe sleeps without
// waiting in real time.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	cancel bool
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	if f.cancel {
		return context.Canceled
	}
	f.now = f.now.Add(d)
	return nil
}

func newTestBucket(ratePerMin float64, burst int) (*Bucket, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBucket(ratePerMin, burst)
	b.lastRefill = clk.now
	b.now = clk.Now
	b.sleep = clk.Sleep
	return b, clk
}

func TestBurstIsImmediate(t *testing.T) {
	b, clk := newTestBucket(60, 5)

	for i := 0; i < 5; i++ {
		waited, err := b.Acquire(context.Background())
		require.NoError(t, err)
		assert.Zero(t, waited)
	}
	assert.Empty(t, clk.slept)
}

func TestExhaustedBucketWaitsForRefill(t *testing.T) {
	// 60/min = 1 token per second.
	b, clk := newTestBucket(60, 1)

	_, err := b.Acquire(context.Background())
	require.NoError(t, err)

	waited, err := b.Acquire(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Second), float64(waited), float64(10*time.Millisecond))
	require.Len(t, clk.slept, 1)
	assert.InDelta(t, float64(time.Second), float64(clk.slept[0]), float64(10*time.Millisecond))
}

func TestZeroRateNeverBlocks(t *testing.T) {
	b, clk := newTestBucket(0, 1)

	for i := 0; i < 100; i++ {
		waited, err := b.Acquire(context.Background())
		require.NoError(t, err)
		assert.Zero(t, waited)
	}
	assert.Empty(t, clk.slept)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	b, clk := newTestBucket(60, 1)
	clk.cancel = true

	_, err := b.Acquire(context.Background())
	require.NoError(t, err) // burst token, no sleep

	_, err = b.Acquire(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRefillClampsToBurst(t *testing.T) {
	b, clk := newTestBucket(600, 3)

	clk.now = clk.now.Add(time.Hour)
	assert.Equal(t, 3.0, b.Tokens())
}

func TestSetUnconfiguredEndpointPasses(t *testing.T) {
	s := NewSet(map[string]Rate{"https://a": {RatePerMin: 60, Burst: 1}}, 1)

	waited, err := s.Acquire(context.Background(), "https://b")
	require.NoError(t, err)
	assert.Zero(t, waited)
}

func TestSetConfiguredEndpointLimits(t *testing.T) {
	// Burst left zero falls back to the set default of 1.
	s := NewSet(map[string]Rate{"https://a": {RatePerMin: 60}}, 1)
	clk := &fakeClock{now: time.Unix(1000, 0)}

	// First acquire creates the bucket; swap in the fake clock afterwards.
	_, err := s.Acquire(context.Background(), "https://a")
	require.NoError(t, err)

	b := s.buckets["https://a"]
	b.lastRefill = clk.now
	b.now = clk.Now
	b.sleep = clk.Sleep

	waited, err := s.Acquire(context.Background(), "https://a")
	require.NoError(t, err)
	assert.Greater(t, waited, time.Duration(0))
}
