package mlx5_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/simnic"
)

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		conf mlx5.Config
		want error
	}{
		{"short RSS key", mlx5.Config{RSSKey: make([]byte, 16)}, mlx5.ErrRSSKeyLength},
		{"too many queues", mlx5.Config{TxQueues: 2000}, mlx5.ErrTooManyQueues},
		{"bad MAC", mlx5.Config{MACs: []net.HardwareAddr{{1, 2, 3}}}, mlx5.ErrInvalidMAC},
		{"bad VLAN", mlx5.Config{VLANs: []uint16{5000}}, mlx5.ErrInvalidVLAN},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.conf.ValidateAndSetDefaults(), tc.want)
		})
	}

	var c mlx5.Config
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.NotNil(t, c.Logger)
	assert.Equal(t, uint16(mlx5.DefaultQueues), c.RxQueues)
	assert.Equal(t, uint16(mlx5.DefaultQueues), c.TxQueues)
	assert.Equal(t, mlx5.DefaultRSSKey, c.RSSKey)
	assert.Equal(t, mlx5.RSSAll, c.RSSHashFunctions)
}

func TestNewDeviceDeduplicates(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{
		MACs:  []net.HardwareAddr{macA, macB, macA},
		VLANs: []uint16{7, 7, 3},
	})
	assert.Equal(t, []net.HardwareAddr{macA, macB}, tb.dev.MACs())
	assert.Equal(t, []uint16{7, 3}, tb.dev.VLANs())
}

func TestQueueLifecycle(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{RxQueues: 2, TxQueues: 1})
	pool := newPool(t, "rx", 128)

	rxConf := mlx5.RxQueueConfig{Descs: 32, Pool: pool}
	require.ErrorIs(t, tb.dev.SetupRxQueue(2, rxConf), mlx5.ErrNoSuchQueue)
	require.ErrorIs(t, tb.dev.SetupTxQueue(1, mlx5.TxQueueConfig{}), mlx5.ErrNoSuchQueue)
	assert.Nil(t, tb.dev.RxQueue(0))
	assert.Nil(t, tb.dev.RxQueue(9))

	require.NoError(t, tb.dev.SetupRxQueue(0, rxConf))
	require.NoError(t, tb.dev.SetupTxQueue(0, mlx5.TxQueueConfig{Descs: 64}))
	assert.Equal(t, 32, pool.InUse())
	assert.Len(t, tb.dev.RxQueues(), 1)
	assert.Len(t, tb.dev.TxQueues(), 1)

	// A stopped device replaces queues in place.
	first := tb.dev.RxQueue(0)
	require.NoError(t, tb.dev.SetupRxQueue(0, rxConf))
	assert.NotSame(t, first, tb.dev.RxQueue(0))
	assert.Equal(t, 32, pool.InUse())

	require.NoError(t, tb.dev.Start())
	require.NoError(t, tb.dev.Start())
	require.ErrorIs(t, tb.dev.SetupRxQueue(0, rxConf), mlx5.ErrQueueExists)
	require.ErrorIs(t, tb.dev.ReleaseRxQueue(0), mlx5.ErrDeviceStarted)
	require.NoError(t, tb.dev.SetupRxQueue(1, rxConf), "empty slots can be set up while started")

	require.NoError(t, tb.dev.Stop())
	require.NoError(t, tb.dev.Stop())
	require.NoError(t, tb.dev.ReleaseRxQueue(1))
	require.NoError(t, tb.dev.ReleaseRxQueue(1))
	assert.Equal(t, 32, pool.InUse())

	require.NoError(t, tb.dev.Close())
	require.NoError(t, tb.dev.Close())
	assert.Zero(t, pool.InUse())
	assert.Zero(t, tb.nic.MRs())
	assert.Empty(t, tb.nic.Flows())

	require.ErrorIs(t, tb.dev.Start(), mlx5.ErrDeviceClosed)
	require.ErrorIs(t, tb.dev.SetupRxQueue(0, rxConf), mlx5.ErrDeviceClosed)
	require.ErrorIs(t, tb.dev.AddMAC(macA), mlx5.ErrDeviceClosed)
	require.ErrorIs(t, tb.dev.RehashFlows(), mlx5.ErrDeviceClosed)
}

func TestStartWithoutRxQueues(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{RxQueues: 2})
	require.ErrorIs(t, tb.dev.Start(), mlx5.ErrNoRxQueues)
	assert.Empty(t, tb.dev.HashTypes())
}

func TestSetupFailureLeavesSlotEmpty(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	pool := newPool(t, "rx", 64)

	tb.nic.FailRegMR(1)
	err := tb.dev.SetupRxQueue(0, mlx5.RxQueueConfig{Descs: 32, Pool: pool})
	require.ErrorIs(t, err, simnic.ErrInjected)
	assert.Nil(t, tb.dev.RxQueue(0))
	assert.Zero(t, pool.InUse())
	assert.Zero(t, tb.nic.MRs())

	require.NoError(t, tb.dev.SetupRxQueue(0, mlx5.RxQueueConfig{Descs: 32, Pool: pool}))
	assert.Equal(t, 1, tb.nic.MRs())
}

func TestUpdatesBeforeStart(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{MACs: []net.HardwareAddr{macA}})
	pool := newPool(t, "rx", 64)
	require.NoError(t, tb.dev.SetupRxQueue(0, mlx5.RxQueueConfig{Descs: 32, Pool: pool}))

	// Receive mode changes on a stopped device only touch the requested
	// state and are applied on start.
	require.NoError(t, tb.dev.SetPromiscuous(true))
	require.NoError(t, tb.dev.SetPromiscuous(true))
	assert.Empty(t, tb.nic.Flows())
	require.NoError(t, tb.dev.RehashFlows())
	assert.Empty(t, tb.nic.Flows())

	require.NoError(t, tb.dev.Start())
	assert.Equal(t, map[mlx5.FlowType]int{mlx5.FlowPromisc: 1}, countTypes(tb.dev.Flows()))
}
