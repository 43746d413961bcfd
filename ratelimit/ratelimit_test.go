package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/mlx5dp/ratelimit"
)

func TestDisabled(t *testing.T) {
	p := ratelimit.New(0, 0)
	require.Nil(t, p)
	assert.Equal(t, uint64(1000), p.Allow(1000))
	assert.Zero(t, p.Next())
}

func TestAllow(t *testing.T) {
	clock := &ratelimit.Clock{T: time.Unix(0, 0)}
	// 1000 pps: one packet per millisecond, bursts of 10.
	p := ratelimit.NewWithClock(1000, 10, clock.Now)

	assert.Equal(t, uint64(10), p.Allow(64), "starts with a full burst")
	assert.Zero(t, p.Allow(1))
	assert.Equal(t, time.Millisecond, p.Next())

	clock.Advance(3 * time.Millisecond)
	assert.Zero(t, p.Next())
	assert.Equal(t, uint64(2), p.Allow(2))
	assert.Equal(t, uint64(1), p.Allow(5))

	clock.Advance(500 * time.Microsecond)
	assert.Zero(t, p.Allow(1))
	assert.Equal(t, 500*time.Microsecond, p.Next())
	clock.Advance(500 * time.Microsecond)
	assert.Equal(t, uint64(1), p.Allow(1))

	// Idle time only refills one burst.
	clock.Advance(time.Hour)
	assert.Equal(t, uint64(10), p.Allow(100))
	assert.Zero(t, p.Allow(1))
}

func TestAverageRate(t *testing.T) {
	clock := &ratelimit.Clock{T: time.Unix(0, 0)}
	p := ratelimit.NewWithClock(1_000_000, 0, clock.Now)

	var sent uint64
	for range 1000 {
		sent += p.Allow(10_000)
		clock.Advance(time.Millisecond)
	}
	// One second of credit plus the initial burst.
	assert.InDelta(t, 1_000_000, sent, 1024+1000)
}
