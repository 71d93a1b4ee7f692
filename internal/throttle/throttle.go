// Package throttle provides a token bucket bandwidth limiter for FTP
// data transfers.
//
// Unlike a sleeping limiter, the bucket never blocks: Consume returns
// how many bytes the caller may move right now, and NextRefill tells it
// how long to defer when the answer is zero. That shape fits an event
// loop, where a transfer parks itself on a timer instead of sleeping.
package throttle

import "time"

// Bucket limits a single transfer to a target rate in bytes per second.
// It allows bursts up to one second worth of data while maintaining the
// average rate over time. A Bucket belongs to one transfer; there is no
// cross-transfer sharing or fairness.
//
// The zero value and the nil pointer are both unlimited.
type Bucket struct {
	rate       float64 // bytes per second
	burst      float64 // bucket capacity
	tokens     float64
	lastUpdate time.Time

	now func() time.Time // test hook
}

// New creates a bucket for the given rate. A rate <= 0 returns nil,
// which all methods treat as unlimited.
func New(bytesPerSecond int64) *Bucket {
	if bytesPerSecond <= 0 {
		return nil
	}
	rate := float64(bytesPerSecond)
	return &Bucket{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

func (b *Bucket) refill() {
	now := b.now()
	// A clock step backwards must not eat tokens.
	if elapsed := now.Sub(b.lastUpdate).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
	}
	b.lastUpdate = now
}

// Consume takes up to n tokens and returns how many were granted, which
// is the number of bytes the caller may transfer now. Zero means the
// caller must defer and retry after NextRefill.
func (b *Bucket) Consume(n int) int {
	if b == nil || n <= 0 {
		return n
	}
	b.refill()

	if b.tokens < 1 {
		return 0
	}
	allowed := n
	if float64(allowed) > b.tokens {
		allowed = int(b.tokens)
	}
	b.tokens -= float64(allowed)
	return allowed
}

// ConsumeAll debits n tokens unconditionally, letting the balance go
// negative. Receivers use it: the bytes have already arrived off the
// wire, so the deficit is charged in full and paid off before reading
// resumes.
func (b *Bucket) ConsumeAll(n int) {
	if b == nil || n <= 0 {
		return
	}
	b.refill()
	b.tokens -= float64(n)
}

// NextRefill returns how long until the bucket holds at least one chunk
// worth of tokens again. Callers schedule their retry timer with this.
func (b *Bucket) NextRefill(chunk int) time.Duration {
	if b == nil {
		return 0
	}
	b.refill()

	want := float64(chunk)
	if want > b.burst {
		want = b.burst
	}
	if b.tokens >= want {
		return 0
	}
	short := want - b.tokens
	d := time.Duration(short / b.rate * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
