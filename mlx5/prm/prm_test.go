package prm_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/romshark/mlx5dp/mlx5/prm"
)

// aligned returns n zeroed bytes starting on an 8-byte boundary.
func aligned(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func TestDoorbellIsBigEndian(t *testing.T) {
	b := aligned(4)
	db := (*uint32)(unsafe.Pointer(&b[0]))
	prm.WriteDoorbell(db, 0x01020304)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
	assert.Equal(t, uint32(0x01020304), prm.ReadDoorbell(db))
}

func TestCtrlSeg(t *testing.T) {
	c := prm.CtrlSeg(aligned(prm.SegSize))
	c.Set(0xbeef, prm.OpcodeSend, 0x123456, 5, prm.CtrlCQUpdate, 77)
	assert.Equal(t, uint16(0xbeef), c.WQEIndex())
	assert.Equal(t, uint8(prm.OpcodeSend), c.Opcode())
	assert.Equal(t, uint32(0x123456), c.QPNum())
	assert.Equal(t, uint8(5), c.DS())
	assert.Equal(t, uint8(prm.CtrlCQUpdate), c.FmCeSe())
	assert.Equal(t, uint32(77), c.Imm())
}

func TestEthSeg(t *testing.T) {
	e := prm.EthSeg(aligned(prm.SegSize))
	e.Set(prm.EthL3Csum|prm.EthL4Csum, 0x2064, true)
	assert.Equal(t, uint8(prm.EthL3Csum|prm.EthL4Csum), e.CsFlags())
	tci, ok := e.VLAN()
	assert.True(t, ok)
	assert.Equal(t, uint16(0x2064), tci)

	e.Set(0, 0x2064, false)
	_, ok = e.VLAN()
	assert.False(t, ok)
	assert.Zero(t, e.CsFlags())
}

func TestDataSeg(t *testing.T) {
	d := prm.DataSeg(aligned(prm.SegSize))
	d.Set(1500, 0x15a, 0xdeadbeef000)
	assert.Equal(t, uint32(1500), d.ByteCount())
	assert.Equal(t, uint32(0x15a), d.LKey())
	assert.Equal(t, uint64(0xdeadbeef000), d.Addr())
	_, inline := d.Inline()
	assert.False(t, inline)

	d.SetInlineHeader(60)
	n, inline := d.Inline()
	assert.True(t, inline)
	assert.Equal(t, uint32(60), n)
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 1, prm.WQEBBs(1))
	assert.Equal(t, 1, prm.WQEBBs(4))
	assert.Equal(t, 2, prm.WQEBBs(5))
	assert.Equal(t, 1, prm.InlineDS(12))
	assert.Equal(t, 2, prm.InlineDS(13))
	assert.Equal(t, 1, prm.MiniArrays(2))
	assert.Equal(t, 1, prm.MiniArrays(8))
	assert.Equal(t, 2, prm.MiniArrays(9))
}

func TestCQEOwnership(t *testing.T) {
	const n = 4
	e := prm.CQE(aligned(prm.CQESize))
	e.Invalidate()
	assert.False(t, prm.Owned(e.OpOwn(), 0, n))
	assert.False(t, prm.Owned(e.OpOwn(), n, n))

	e.Write(prm.CQEFields{ByteCnt: 64, RxHashRes: 0xabc, L4HdrTypeEtc: prm.L3TypeIPv4 << prm.L3TypeShift})
	e.Publish(9, prm.CQERespSend, prm.FormatNormal, prm.OwnerBit(0, n))
	assert.True(t, prm.Owned(e.OpOwn(), 0, n))
	// Same slot on the next pass expects the flipped owner bit.
	assert.False(t, prm.Owned(e.OpOwn(), n, n))
	assert.Equal(t, uint8(prm.CQERespSend), prm.Opcode(e.OpOwn()))
	assert.Equal(t, uint16(9), e.WQECounter())
	assert.Equal(t, uint32(64), e.ByteCnt())
	assert.Equal(t, uint32(0xabc), e.RxHashRes())
	assert.Equal(t, uint8(prm.L3TypeIPv4), e.L3Type())

	e.Publish(1, prm.CQEReq, prm.FormatCompressed, prm.OwnerBit(n, n))
	assert.True(t, prm.Owned(e.OpOwn(), n, n))
	assert.Equal(t, uint8(prm.FormatCompressed), prm.Format(e.OpOwn()))
}

func TestMiniArray(t *testing.T) {
	e := prm.CQE(aligned(prm.CQESize))
	for i := 0; i < prm.MiniCQEsPerEntry; i++ {
		prm.MiniArray(e, i).Set(uint32(i)+100, uint32(i)+60)
	}
	for i := 0; i < prm.MiniCQEsPerEntry; i++ {
		m := prm.MiniArray(e, i+prm.MiniCQEsPerEntry)
		assert.Equal(t, uint32(i)+100, m.RxHashResult())
		assert.Equal(t, uint32(i)+60, m.ByteCnt())
	}
}
