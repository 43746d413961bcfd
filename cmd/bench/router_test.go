//go:build linux

package main

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5/simnic"
)

func TestParseRoutes(t *testing.T) {
	rs, err := parseRoutes([]RouteConfig{
		{Prefix: "10.0.1.7/24", TxQueue: 1},
		{Prefix: "10.0.2.0/24", TxQueue: 0, DstMAC: "02:00:00:00:00:02"},
	}, 2)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "10.0.1.0/24", rs[0].prefix.String())
	assert.False(t, rs[0].rewrite)
	assert.True(t, rs[1].rewrite)

	for _, bad := range []RouteConfig{
		{Prefix: "10.0.1.0"},
		{Prefix: "fd00::/64"},
		{Prefix: "10.0.1.0/24", TxQueue: 2},
		{Prefix: "10.0.1.0/24", DstMAC: "nope"},
	} {
		_, err := parseRoutes([]RouteConfig{bad}, 2)
		assert.Error(t, err, "%+v", bad)
	}
}

func TestRouterHandler(t *testing.T) {
	pool, err := mbuf.NewPool(mbuf.PoolConfig{Name: "router", Capacity: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Destroy() })

	rs, err := parseRoutes([]RouteConfig{
		{Prefix: "10.0.1.0/24", TxQueue: 1},
		{Prefix: "10.0.2.0/24", TxQueue: 0, DstMAC: "02:00:00:00:00:02"},
	}, 2)
	require.NoError(t, err)
	routerMAC := [6]byte{0x02, 0, 0, 0, 0, 0xee}
	handle := makeRouterHandler(rs, routerMAC)

	packet := func(dst string) *mbuf.Mbuf {
		f, err := simnic.BuildFrame(simnic.FrameSpec{
			DstMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			SrcIP:   net.ParseIP("10.0.0.1"),
			DstIP:   net.ParseIP(dst),
			Proto:   layers.IPProtocolUDP,
			SrcPort: 1,
			DstPort: 2,
		})
		require.NoError(t, err)
		m := pool.Alloc()
		require.NotNil(t, m)
		copy(m.Append(uint32(len(f))), f)
		t.Cleanup(m.Free)
		return m
	}

	m := packet("10.0.1.9")
	q, err := handle(0, m)
	require.NoError(t, err)
	assert.Equal(t, 1, q)
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0, 1}, m.Data()[0:6])
	assert.Equal(t, routerMAC[:], m.Data()[6:12])

	m = packet("10.0.2.200")
	q, err = handle(3, m)
	require.NoError(t, err)
	assert.Equal(t, 0, q)
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0, 2}, m.Data()[0:6])

	q, err = handle(0, packet("192.168.0.1"))
	require.NoError(t, err)
	assert.Equal(t, -1, q)

	short := pool.Alloc()
	require.NotNil(t, short)
	short.Append(20)
	t.Cleanup(short.Free)
	q, err = handle(0, short)
	require.NoError(t, err)
	assert.Equal(t, -1, q)
}
