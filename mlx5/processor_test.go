//go:build linux

package mlx5_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/simnic"
)

func processorTestbed(t *testing.T) *testbed {
	t.Helper()
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{RxQueues: 2, TxQueues: 1, SoftCounters: true})
	pool := newPool(t, "rx", 128)
	for i := range uint16(2) {
		require.NoError(t, tb.dev.SetupRxQueue(i, mlx5.RxQueueConfig{Descs: 32, Pool: pool}))
	}
	require.NoError(t, tb.dev.SetupTxQueue(0, mlx5.TxQueueConfig{Descs: 64}))
	return tb
}

func TestRunProcessorForwards(t *testing.T) {
	defer goleak.VerifyNone(t)
	tb := processorTestbed(t)

	for q := range uint16(2) {
		for i := range uint16(8) {
			ok, err := tb.nic.DeliverTo(q, udpFrame(t, macA, 100*q+i))
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	var perQueue [2]atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mlx5.RunProcessor(ctx, tb.dev, mlx5.ProcessorConfig{BurstSize: 4},
			func(queue uint16, pkt *mbuf.Mbuf) (int, error) {
				perQueue[queue].Add(1)
				return 0, nil
			})
	}()

	var sent []simnic.Sent
	require.Eventually(t, func() bool {
		s, err := tb.nic.ProcessTx(0)
		if err != nil {
			return false
		}
		sent = append(sent, s...)
		return len(sent) == 16
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(8), perQueue[0].Load())
	assert.Equal(t, int32(8), perQueue[1].Load())
	for _, s := range sent {
		assert.NoError(t, s.Err)
		assert.Equal(t, udpFrame(t, macA, 0)[:12], s.Data[:12])
	}
	assert.Equal(t, uint64(16), tb.dev.TxQueue(0).Stats().Packets)
}

func TestRunProcessorHandlerError(t *testing.T) {
	defer goleak.VerifyNone(t)
	tb := processorTestbed(t)

	ok, err := tb.nic.DeliverTo(1, udpFrame(t, macA, 1))
	require.NoError(t, err)
	require.True(t, ok)

	errBoom := errors.New("boom")
	err = mlx5.RunProcessor(context.Background(), tb.dev, mlx5.ProcessorConfig{},
		func(queue uint16, pkt *mbuf.Mbuf) (int, error) {
			return -1, errBoom
		})
	require.ErrorIs(t, err, errBoom)
	// The failing packet was freed, the ring stays filled.
	assert.Equal(t, 64, tb.dev.RxQueue(1).Pool().InUse())
	assert.Equal(t, uint64(1), tb.dev.RxQueue(1).Stats().Packets)
}

func TestRunProcessorDrops(t *testing.T) {
	defer goleak.VerifyNone(t)
	tb := processorTestbed(t)
	pool := tb.dev.RxQueue(0).Pool()

	for i := range uint16(4) {
		ok, err := tb.nic.DeliverTo(0, udpFrame(t, macA, i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	var seen atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mlx5.RunProcessor(ctx, tb.dev, mlx5.ProcessorConfig{},
			func(queue uint16, pkt *mbuf.Mbuf) (int, error) {
				seen.Add(1)
				// No such transmit queue.
				return 3, nil
			})
	}()
	require.Eventually(t, func() bool { return seen.Load() == 4 }, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Dropped packets went back to the pool: only the posted ring remains.
	assert.Equal(t, 64, pool.InUse())
	assert.Empty(t, processTx(t, tb.nic, 0))
}

func TestProcessorConfigValidation(t *testing.T) {
	c := mlx5.ProcessorConfig{CPUs: []int{-1}}
	require.Error(t, c.ValidateAndSetDefaults())
	c = mlx5.ProcessorConfig{CPUs: []int{0, mlx5.MaxCPU}}
	require.Error(t, c.ValidateAndSetDefaults())
	c = mlx5.ProcessorConfig{CPUs: []int{0, mlx5.MaxCPU - 1}}
	require.NoError(t, c.ValidateAndSetDefaults())
	c = mlx5.ProcessorConfig{}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, mlx5.DefaultBurstSize, c.BurstSize)
}
