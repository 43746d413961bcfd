// Package ratelimit provides a simple packets-per-second pacer for
// transmit loops that must not block.
package ratelimit

import "time"

// Pacer limits to pps packets per second on average with bursts of up to
// burst packets. Not safe for concurrent use.
type Pacer struct {
	nsPerPacket int64
	burst       uint64
	// tokens are counted in nanoseconds of credit.
	credit int64
	last   time.Time
	now    func() time.Time
}

// New creates a pacer for pps packets per second.
// If pps == 0, pacing is disabled and every request is granted.
// A burst of 0 defaults to pps/100, at least 32 and at most 1024.
func New(pps, burst uint64) *Pacer {
	return newPacer(pps, burst, time.Now)
}

func newPacer(pps, burst uint64, now func() time.Time) *Pacer {
	if pps == 0 {
		return nil
	}
	if burst == 0 {
		burst = min(max(pps/100, 32), 1024)
	}
	p := &Pacer{
		nsPerPacket: max(int64(time.Second)/int64(pps), 1),
		burst:       burst,
		now:         now,
	}
	p.last = now()
	p.credit = int64(burst) * p.nsPerPacket
	return p
}

// Allow returns how many of n packets may be sent now and consumes them.
// It never blocks; the caller retries the rest later. Credit does not
// accumulate beyond one burst while idle.
func (p *Pacer) Allow(n uint64) uint64 {
	if p == nil || n == 0 {
		return n
	}
	now := p.now()
	p.credit += now.Sub(p.last).Nanoseconds()
	p.last = now
	if limit := int64(p.burst) * p.nsPerPacket; p.credit > limit {
		p.credit = limit
	}

	allowed := uint64(max(p.credit/p.nsPerPacket, 0))
	if allowed > n {
		allowed = n
	}
	p.credit -= int64(allowed) * p.nsPerPacket
	return allowed
}

// Next returns how long until at least one packet is allowed.
func (p *Pacer) Next() time.Duration {
	if p == nil {
		return 0
	}
	missing := p.nsPerPacket - (p.credit + p.now().Sub(p.last).Nanoseconds())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing)
}
