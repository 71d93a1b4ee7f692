package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilBucketIsUnlimited(t *testing.T) {
	var b *Bucket
	assert.Equal(t, 1<<20, b.Consume(1<<20))
	assert.Equal(t, time.Duration(0), b.NextRefill(1<<20))
	assert.Nil(t, New(0))
	assert.Nil(t, New(-5))
}

func TestConsumeDrainsBurst(t *testing.T) {
	now := time.Now()
	b := New(1000)
	b.now = func() time.Time { return now }

	// A fresh bucket holds one second worth of tokens.
	assert.Equal(t, 600, b.Consume(600))
	assert.Equal(t, 400, b.Consume(600))
	assert.Equal(t, 0, b.Consume(600))
}

func TestRefillOverTime(t *testing.T) {
	now := time.Now()
	b := New(1000)
	b.now = func() time.Time { return now }

	require.Equal(t, 1000, b.Consume(1000))
	require.Equal(t, 0, b.Consume(100))

	now = now.Add(250 * time.Millisecond)
	assert.Equal(t, 250, b.Consume(1000))
}

func TestRefillIgnoresClockStepBack(t *testing.T) {
	now := time.Now()
	b := New(1000)
	b.now = func() time.Time { return now.Add(-time.Hour) }

	// A clock running behind lastUpdate must not drain the bucket.
	assert.Equal(t, 400, b.Consume(400))
	assert.Equal(t, 600, b.Consume(600))
}

func TestConsumeAllRunsDeficit(t *testing.T) {
	now := time.Now()
	b := New(1000)
	b.now = func() time.Time { return now }

	// Charging more than the balance leaves a debt that must be paid
	// off before anything is granted again.
	b.ConsumeAll(1500)
	assert.Equal(t, 0, b.Consume(100))

	d := b.NextRefill(1000)
	assert.InDelta(t, float64(1500*time.Millisecond), float64(d), float64(10*time.Millisecond))

	now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, 100, b.Consume(100))

	var nilBucket *Bucket
	nilBucket.ConsumeAll(1 << 20) // must not panic
}

func TestRefillCapsAtBurst(t *testing.T) {
	now := time.Now()
	b := New(1000)
	b.now = func() time.Time { return now }

	// A long idle period must not bank more than one second of tokens.
	now = now.Add(time.Minute)
	assert.Equal(t, 1000, b.Consume(5000))
}

func TestNextRefillDelay(t *testing.T) {
	now := time.Now()
	b := New(1000)
	b.now = func() time.Time { return now }

	require.Equal(t, 1000, b.Consume(1000))

	// Empty bucket, want 500 tokens: half a second at 1000/s.
	d := b.NextRefill(500)
	assert.InDelta(t, float64(500*time.Millisecond), float64(d), float64(10*time.Millisecond))

	// Wants above burst are clamped, so the wait never exceeds roughly
	// one second.
	d = b.NextRefill(1 << 20)
	assert.LessOrEqual(t, d, time.Second+10*time.Millisecond)
}

func TestNextRefillZeroWhenTokensAvailable(t *testing.T) {
	b := New(1 << 20)
	assert.Equal(t, time.Duration(0), b.NextRefill(1024))
}

func TestNextRefillMinimumDelay(t *testing.T) {
	now := time.Now()
	b := New(1 << 30)
	b.now = func() time.Time { return now }
	b.tokens = 0

	// Even at absurd rates the retry delay never rounds down to zero.
	assert.GreaterOrEqual(t, b.NextRefill(1), time.Millisecond)
}

// Average rate over a simulated transfer stays within the configured
// limit.
func TestSustainedRate(t *testing.T) {
	now := time.Now()
	b := New(10_000)
	b.now = func() time.Time { return now }

	var moved int
	for i := 0; i < 100; i++ {
		moved += b.Consume(4096)
		now = now.Add(10 * time.Millisecond)
	}
	// One second of simulated time plus the initial burst.
	assert.LessOrEqual(t, moved, 21_000)
	assert.GreaterOrEqual(t, moved, 19_000)
}
