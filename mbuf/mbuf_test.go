package mbuf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/mlx5dp/mbuf"
)

func newPool(t *testing.T, capacity uint32) *mbuf.Pool {
	t.Helper()
	p, err := mbuf.NewPool(mbuf.PoolConfig{Name: t.Name(), Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func TestPoolConfigDefaults(t *testing.T) {
	c := mbuf.PoolConfig{}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, uint32(mbuf.DefaultCapacity), c.Capacity)
	assert.Equal(t, uint32(mbuf.DefaultDataRoom), c.DataRoom)
	assert.Equal(t, uint32(mbuf.DefaultHeadroom), c.Headroom)

	c = mbuf.PoolConfig{DataRoom: 128, Headroom: 128}
	assert.ErrorIs(t, c.ValidateAndSetDefaults(), mbuf.ErrHeadroomTooLarge)
}

func TestPoolAllocFree(t *testing.T) {
	p := newPool(t, 4)
	assert.Equal(t, 4, p.Avail())

	bufs := make([]*mbuf.Mbuf, 4)
	require.True(t, p.AllocBulk(bufs))
	assert.Equal(t, 0, p.Avail())
	assert.Equal(t, 4, p.InUse())
	assert.Nil(t, p.Alloc())

	one := make([]*mbuf.Mbuf, 1)
	assert.False(t, p.AllocBulk(one))

	for _, m := range bufs {
		assert.Same(t, p, m.Pool())
		assert.Equal(t, uint16(1), m.NbSegs())
		m.Free()
	}
	assert.Equal(t, 4, p.Avail())
}

func TestPoolDoubleFreePanics(t *testing.T) {
	p := newPool(t, 1)
	m := p.Alloc()
	require.NotNil(t, m)
	m.Free()
	assert.Panics(t, func() { m.FreeSeg() })
}

func TestPoolDestroy(t *testing.T) {
	p, err := mbuf.NewPool(mbuf.PoolConfig{Name: "destroy", Capacity: 2})
	require.NoError(t, err)

	var calls int
	p.OnDestroy(func() { calls++ })
	cancel := p.OnDestroy(func() { t.Error("canceled subscriber called") })
	cancel()

	require.NoError(t, p.Destroy())
	assert.Equal(t, 1, calls)
	assert.Nil(t, p.Alloc())
	assert.ErrorIs(t, p.Destroy(), mbuf.ErrPoolDestroyed)
}

func TestMbufAppendAndChain(t *testing.T) {
	p := newPool(t, 3)
	a, b, c := p.Alloc(), p.Alloc(), p.Alloc()
	copy(a.Append(3), "abc")
	copy(b.Append(2), "de")
	copy(c.Append(1), "f")
	assert.Nil(t, a.Append(a.Tailroom()+1))

	b.Chain(c)
	a.Chain(b)
	assert.Equal(t, uint16(3), a.NbSegs())
	assert.Equal(t, uint32(6), a.PktLen())
	assert.Equal(t, uint32(3), a.DataLen())

	dst := make([]byte, 16)
	n := a.CopyTo(dst)
	assert.Equal(t, "abcdef", string(dst[:n]))

	rest := a.Unchain()
	assert.Same(t, b, rest)
	assert.Equal(t, uint32(3), a.PktLen())

	a.Free()
	rest.Free()
	assert.Equal(t, 3, p.Avail())
}

func TestMbufAddr(t *testing.T) {
	p := newPool(t, 2)
	m := p.Alloc()
	assert.Equal(t, uint64(p.Base())+uint64(p.Headroom()), m.Addr())
	assert.Len(t, m.Room(), int(p.DataRoom()-p.Headroom()))

	m.SetLen(10)
	assert.Equal(t, uint32(10), m.PktLen())
	assert.Len(t, m.Data(), 10)
	m.Free()
}
