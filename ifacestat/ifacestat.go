// Package ifacestat snapshots the per-queue counters of a device.
package ifacestat

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/romshark/mlx5dp/mlx5"
)

type Counter int

const (
	Packets Counter = iota
	Bytes
	Dropped
	// NoMbuf is receive only.
	NoMbuf
	// Errors is transmit only.
	Errors
)

func (c Counter) String() string {
	switch c {
	case Packets:
		return "packets"
	case Bytes:
		return "bytes"
	case Dropped:
		return "dropped"
	case NoMbuf:
		return "no_mbuf"
	case Errors:
		return "errors"
	}
	return ""
}

// Counters returns every counter in print order.
func Counters() []Counter { return []Counter{Packets, Bytes, Dropped, NoMbuf, Errors} }

// Per-queue values.
type QueueStats map[Counter]uint64

// Multi-queue stats keyed by queue name, see QueueName.
type Stats map[string]QueueStats

// QueueName is "rxq<idx>" or "txq<idx>".
func QueueName(tx bool, idx uint16) string {
	if tx {
		return fmt.Sprintf("txq%d", idx)
	}
	return fmt.Sprintf("rxq%d", idx)
}

// Snapshot reads the counters of every queue of dev.
func Snapshot(dev *mlx5.Device) Stats {
	s := make(Stats)
	for _, q := range dev.RxQueues() {
		st := q.Stats()
		s[QueueName(false, q.Index())] = QueueStats{
			Packets: st.Packets,
			Bytes:   st.Bytes,
			Dropped: st.Dropped,
			NoMbuf:  st.NoMbuf,
		}
	}
	for _, q := range dev.TxQueues() {
		st := q.Stats()
		s[QueueName(true, q.Index())] = QueueStats{
			Packets: st.Packets,
			Bytes:   st.Bytes,
			Dropped: st.Dropped,
			Errors:  st.Errors,
		}
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for q, now := range s {
		prev := old[q]
		diff := make(QueueStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[q] = diff
	}
	return out
}

// Total sums counter c over all receive or all transmit queues.
func (s Stats) Total(tx bool, c Counter) uint64 {
	prefix := "rxq"
	if tx {
		prefix = "txq"
	}
	var sum uint64
	for q, st := range s {
		if strings.HasPrefix(q, prefix) {
			sum += st[c]
		}
	}
	return sum
}

// queueOrder sorts rxq before txq and by numeric index.
func queueOrder(a, b string) int {
	if len(a) < 3 || len(b) < 3 {
		return strings.Compare(a, b)
	}
	if c := strings.Compare(a[:3], b[:3]); c != 0 {
		return c
	}
	ia, _ := strconv.Atoi(a[3:])
	ib, _ := strconv.Atoi(b[3:])
	return ia - ib
}

// Print writes one line per queue. Counters a queue does not carry are
// left out.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	queues := make([]string, 0, len(s))
	for q := range s {
		queues = append(queues, q)
	}
	slices.SortFunc(queues, queueOrder)

	for _, q := range queues {
		stats := s[q]
		name := q
		if alias, ok := aliases[q]; ok {
			name = fmt.Sprintf("%s (%s)", q, alias)
		}

		bytes := stats[Bytes]
		line := fmt.Sprintf("  %-12s %-12d ≈ %-8s (%s)",
			name, stats[Packets], humanize.Bytes(bytes), humanize.Comma(int64(bytes)),
		)
		for _, c := range []Counter{Dropped, NoMbuf, Errors} {
			if v, ok := stats[c]; ok && v > 0 {
				line += fmt.Sprintf(" %s=%s", c, humanize.Comma(int64(v)))
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	return nil
}
