package flowbpf_test

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/romshark/mlx5dp/flowbpf"
	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/simnic"
)

type fakeMap struct {
	entries map[flowbpf.Key]flowbpf.Value
	failPut bool
}

func (m *fakeMap) Put(key, value any) error {
	if m.failPut {
		return errors.New("map full")
	}
	m.entries[key.(flowbpf.Key)] = value.(flowbpf.Value)
	return nil
}

func (m *fakeMap) Delete(key any) error {
	k := key.(flowbpf.Key)
	if _, ok := m.entries[k]; !ok {
		return errors.New("key does not exist")
	}
	delete(m.entries, k)
	return nil
}

func TestLayout(t *testing.T) {
	assert.Equal(t, 24, binary.Size(flowbpf.Key{}))
	assert.Equal(t, 12, binary.Size(flowbpf.Value{}))
}

func TestKeyOf(t *testing.T) {
	mac := [6]byte{0x02, 0, 0, 0, 0, 1}
	attr := mlx5.FlowAttrFor(mlx5.HashUDPv4).WithEth(mlx5.EthSpec{
		DstMAC:     mac,
		DstMACMask: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		VLANTag:    0x2005,
		VLANMask:   0x0fff,
	})
	k := flowbpf.KeyOf(attr)
	assert.Equal(t, mac, k.DstMAC)
	assert.Equal(t, uint16(5), k.VLAN)
	assert.Equal(t, uint8(4), k.L3)
	assert.Equal(t, uint8(17), k.L4)
	assert.Equal(t, attr.Priority, k.Priority)

	eth := flowbpf.KeyOf(mlx5.FlowAttrFor(mlx5.HashEth))
	assert.Zero(t, eth.L3)
	assert.Zero(t, eth.L4)
	assert.NotEqual(t, k.Priority, eth.Priority)
}

func newMirroredDevice(t *testing.T, m flowbpf.Map) (*flowbpf.Mirror, *mlx5.Device, *simnic.NIC) {
	t.Helper()
	log := zaptest.NewLogger(t)
	nic, err := simnic.New(simnic.Config{Logger: log})
	require.NoError(t, err)
	mirror := flowbpf.NewMirror(nic, m)
	dev, err := mlx5.NewDevice(mirror, mlx5.Config{
		Logger:   log,
		RxQueues: 2,
		MACs:     []net.HardwareAddr{{0x02, 0, 0, 0, 0, 1}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close()) })

	pool, err := mbuf.NewPool(mbuf.PoolConfig{Name: "flowbpf", Capacity: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Destroy() })
	for i := range uint16(2) {
		require.NoError(t, dev.SetupRxQueue(i, mlx5.RxQueueConfig{Descs: 16, Pool: pool}))
	}
	return mirror, dev, nic
}

func TestMirror(t *testing.T) {
	m := &fakeMap{entries: map[flowbpf.Key]flowbpf.Value{}}
	mirror, dev, nic := newMirroredDevice(t, m)

	require.NoError(t, dev.Start())
	flows := dev.Flows()
	require.NotEmpty(t, flows)
	assert.Len(t, m.entries, len(flows))
	assert.Equal(t, len(flows), mirror.Len())

	fieldsByQP := map[uint32]mlx5.HashFields{}
	for _, f := range nic.Flows() {
		fieldsByQP[uint32(f.QP)] = f.Fields
	}
	for _, f := range flows {
		v, ok := m.entries[flowbpf.KeyOf(f.Attr)]
		require.True(t, ok, "%s", f.Attr)
		assert.Equal(t, uint32(f.Handle), v.Flow)
		assert.Equal(t, uint32(f.HashType.Fields()), v.Fields)
		assert.Equal(t, uint32(fieldsByQP[v.QP]), v.Fields)
	}

	require.NoError(t, dev.SetPromiscuous(true))
	assert.Len(t, m.entries, len(dev.Flows()))

	require.NoError(t, dev.Stop())
	assert.Empty(t, m.entries)
	assert.Zero(t, mirror.Len())
}

func TestMirrorPutFailure(t *testing.T) {
	m := &fakeMap{entries: map[flowbpf.Key]flowbpf.Value{}, failPut: true}
	_, dev, nic := newMirroredDevice(t, m)

	err := dev.Start()
	var rerr *mlx5.RehashError
	require.True(t, errors.As(err, &rerr))
	assert.Empty(t, nic.Flows(), "the device rule is removed again")
}

func TestMirrorBPFMap(t *testing.T) {
	bm, err := flowbpf.NewMap(64)
	if err != nil {
		t.Skipf("creating BPF map: %v", err)
	}
	defer bm.Close()

	_, dev, _ := newMirroredDevice(t, bm)
	require.NoError(t, dev.Start())

	var (
		k     flowbpf.Key
		v     flowbpf.Value
		count int
	)
	it := bm.Iterate()
	for it.Next(&k, &v) {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(dev.Flows()), count)

	f := dev.Flows()[0]
	require.NoError(t, bm.Lookup(flowbpf.KeyOf(f.Attr), &v))
	assert.Equal(t, uint32(f.Handle), v.Flow)

	require.NoError(t, dev.Stop())
	it = bm.Iterate()
	assert.False(t, it.Next(&k, &v))
}
