package netio

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBurst caps the token bucket at sixteen full datagrams.
const DefaultBurst = 1500 * 16

// Pacer is the token-bucket send pacer. Tokens are bytes, refilled at an
// eighth of the configured bit rate.
type Pacer struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// NewPacer creates a pacer for rateBps bits per second. A rate of zero
// disables pacing.
func NewPacer(rateBps int64, burst int) *Pacer {
	if burst <= 0 {
		burst = DefaultBurst
	}
	p := &Pacer{}
	if rateBps > 0 {
		p.lim = rate.NewLimiter(rate.Limit(rateBps/8), burst)
	}
	return p
}

// Consume takes n bytes from the bucket. It reports false when the bucket is
// empty; the caller backs off and retries.
func (p *Pacer) Consume(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lim == nil {
		return true
	}
	if n > p.lim.Burst() {
		// Never stall a datagram bigger than the bucket.
		n = p.lim.Burst()
	}
	return p.lim.AllowN(time.Now(), n)
}

// SetRate updates the refill rate, keeping accumulated tokens.
func (p *Pacer) SetRate(rateBps int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rateBps <= 0 {
		p.lim = nil
		return
	}
	if p.lim == nil {
		p.lim = rate.NewLimiter(rate.Limit(rateBps/8), DefaultBurst)
		return
	}
	p.lim.SetLimit(rate.Limit(rateBps / 8))
}
