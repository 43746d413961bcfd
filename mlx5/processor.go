//go:build linux

package mlx5

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/romshark/mlx5dp/mbuf"
)

const DefaultBurstSize = 32

// MaxCPU bounds the CPU numbers workers can be pinned to, the size of a
// unix.CPUSet.
const MaxCPU = 1024

// ProcessorConfig configures RunProcessor.
type ProcessorConfig struct {
	// BurstSize is the number of packets received per burst.
	BurstSize int
	// CPUs pins the worker of the i-th receive queue to
	// CPUs[i%len(CPUs)]. Workers are not pinned when empty.
	CPUs []int
}

func (c *ProcessorConfig) ValidateAndSetDefaults() error {
	if c.BurstSize <= 0 {
		c.BurstSize = DefaultBurstSize
	}
	for _, cpu := range c.CPUs {
		if cpu < 0 || cpu >= MaxCPU {
			return fmt.Errorf("CPU %d out of range", cpu)
		}
	}
	return nil
}

// RunProcessor polls all receive queues of dev, one goroutine per queue,
// and calls fn for every packet received.
// Stops polling if ctx is canceled and returns context.Canceled.
// If fn returns an error or a queue reports a fault, RunProcessor stops
// and returns it.
// If fn returns forwardToQueue > -1 the packet is transmitted on that
// transmit queue, otherwise it is dropped. Packets the transmit queue
// does not take are dropped as well. fn must not retain pkt.
func RunProcessor(
	ctx context.Context,
	dev *Device,
	conf ProcessorConfig,
	fn func(queue uint16, pkt *mbuf.Mbuf) (forwardToQueue int, err error),
) error {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return err
	}
	rxqs := dev.RxQueues()
	if len(rxqs) == 0 {
		return nil
	}

	// Multiple RX workers may forward packets to the same TX queue.
	type txTarget struct {
		q    *TxQueue
		lock sync.Mutex
	}
	targets := make(map[uint16]*txTarget)
	for _, q := range dev.TxQueues() {
		targets[q.Index()] = &txTarget{q: q}
	}

	flush := func(t *txTarget, pkts []*mbuf.Mbuf) error {
		t.lock.Lock()
		defer t.lock.Unlock()
		n, err := t.q.Burst(pkts)
		for _, p := range pkts[n:] {
			p.Free()
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(rxqs))
	var wg sync.WaitGroup
	wg.Add(len(rxqs))

	for i, rxq := range rxqs {
		cpu := -1
		if len(conf.CPUs) > 0 {
			cpu = conf.CPUs[i%len(conf.CPUs)]
		}
		go func() {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if cpu >= 0 {
				var set unix.CPUSet
				set.Set(cpu)
				if err := unix.SchedSetaffinity(0, &set); err != nil {
					errCh <- fmt.Errorf("rxq %d: pinning to CPU %d: %w", rxq.Index(), cpu, err)
					return
				}
			}

			rxBuf := make([]*mbuf.Mbuf, conf.BurstSize)
			pending := make(map[*txTarget][]*mbuf.Mbuf)
			dropPending := func() {
				for t, pkts := range pending {
					for _, p := range pkts {
						p.Free()
					}
					pending[t] = pkts[:0]
				}
			}

			for ctx.Err() == nil {
				n, err := rxq.Burst(rxBuf)
				if err != nil {
					errCh <- err
					return
				}
				if n == 0 {
					runtime.Gosched()
					continue
				}

				for j, pkt := range rxBuf[:n] {
					fwd, err := fn(rxq.Index(), pkt)
					if err != nil {
						for _, p := range rxBuf[j:n] {
							p.Free()
						}
						dropPending()
						errCh <- err
						return
					}
					if fwd >= 0 && fwd <= 0xffff {
						if t := targets[uint16(fwd)]; t != nil {
							pending[t] = append(pending[t], pkt)
							continue
						}
					}
					pkt.Free()
				}

				for t, pkts := range pending {
					if len(pkts) == 0 {
						continue
					}
					pending[t] = pkts[:0]
					if err := flush(t, pkts); err != nil {
						dropPending()
						errCh <- err
						return
					}
				}
			}
		}()
	}

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return context.Canceled
	}
}
