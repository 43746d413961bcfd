package mlx5

import "sync/atomic"

// RxStats is a snapshot of the counters of a receive queue.
type RxStats struct {
	// Packets and Bytes are only maintained with Config.SoftCounters.
	Packets uint64
	Bytes   uint64
	// Dropped counts completions reported with an error status.
	Dropped uint64
	// NoMbuf counts failed replacement buffer allocations.
	NoMbuf uint64
}

// TxStats is a snapshot of the counters of a transmit queue.
type TxStats struct {
	// Packets and Bytes are only maintained with Config.SoftCounters.
	Packets uint64
	Bytes   uint64
	// Dropped counts packets refused because they can never be posted.
	Dropped uint64
	// Errors counts error completions.
	Errors uint64
}

// Counters are written by the polling context only and read atomically by
// anyone.
type rxCounters struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
	noMbuf  atomic.Uint64
}

func (c *rxCounters) snapshot() RxStats {
	return RxStats{
		Packets: c.packets.Load(),
		Bytes:   c.bytes.Load(),
		Dropped: c.dropped.Load(),
		NoMbuf:  c.noMbuf.Load(),
	}
}

type txCounters struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

func (c *txCounters) snapshot() TxStats {
	return TxStats{
		Packets: c.packets.Load(),
		Bytes:   c.bytes.Load(),
		Dropped: c.dropped.Load(),
		Errors:  c.errors.Load(),
	}
}
