package mlx5_test

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/simnic"
)

var (
	macA      = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xa}
	macB      = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xb}
	broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

type testbed struct {
	nic *simnic.NIC
	dev *mlx5.Device
}

func newTestbed(t *testing.T, nicConf simnic.Config, conf mlx5.Config) *testbed {
	t.Helper()
	log := zaptest.NewLogger(t)
	nicConf.Logger = log
	nic, err := simnic.New(nicConf)
	require.NoError(t, err)
	conf.Logger = log
	dev, err := mlx5.NewDevice(nic, conf)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close()) })
	return &testbed{nic: nic, dev: dev}
}

func newPool(t *testing.T, name string, capacity uint32) *mbuf.Pool {
	t.Helper()
	p, err := mbuf.NewPool(mbuf.PoolConfig{Name: name, Capacity: capacity, DataRoom: 512 + 128})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func frame(t *testing.T, s simnic.FrameSpec) []byte {
	t.Helper()
	f, err := simnic.BuildFrame(s)
	require.NoError(t, err)
	return f
}

func udpFrame(t *testing.T, dst net.HardwareAddr, sport uint16) []byte {
	return frame(t, simnic.FrameSpec{
		DstMAC:  dst,
		SrcIP:   net.ParseIP("10.0.0.1"),
		DstIP:   net.ParseIP("10.0.0.2"),
		Proto:   layers.IPProtocolUDP,
		SrcPort: sport,
		DstPort: 4789,
		Payload: []byte("hello"),
	})
}

// packet allocates a single segment packet holding data.
func packet(t *testing.T, p *mbuf.Pool, data []byte) *mbuf.Mbuf {
	t.Helper()
	m := p.Alloc()
	require.NotNil(t, m)
	copy(m.Append(uint32(len(data))), data)
	return m
}

// processTx lets the device consume everything posted on txq idx.
func processTx(t *testing.T, nic *simnic.NIC, idx uint16) []simnic.Sent {
	t.Helper()
	sent, err := nic.ProcessTx(idx)
	require.NoError(t, err)
	return sent
}

func burstAll(t *testing.T, q *mlx5.RxQueue) []*mbuf.Mbuf {
	t.Helper()
	var out []*mbuf.Mbuf
	buf := make([]*mbuf.Mbuf, 32)
	for {
		n, err := q.Burst(buf)
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func freeAll(pkts []*mbuf.Mbuf) {
	for _, p := range pkts {
		p.Free()
	}
}
