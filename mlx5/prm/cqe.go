package prm

import (
	"encoding/binary"
	"sync/atomic"
)

// CQE is a 64-byte completion queue entry.
//
//	[0]     pkt_info
//	[12:16] rx_hash_res
//	[16]    rx_hash_type
//	[28]    hds_ip_ext
//	[29]    l4_hdr_type_etc
//	[30:32] vlan_info
//	[44:48] byte_cnt (mini-CQE count for a compressed block)
//	[48:56] timestamp
//	[54]    vendor_err_synd (error entries)
//	[55]    syndrome (error entries)
//	[56:60] sop_drop_qpn
//	[60:62] wqe_counter
//	[62]    signature
//	[63]    op_own
type CQE []byte

// OpOwn atomically loads the trailing word and returns op_own. It must be
// called, and the entry validated with Valid, before any other field of an
// entry written by the hardware is read.
func (c CQE) OpOwn() uint8 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(word(c[60:])))
	return b[3]
}

func (c CQE) PktInfo() uint8      { return c[0] }
func (c CQE) RxHashRes() uint32   { return be.Uint32(c[12:]) }
func (c CQE) RxHashType() uint8   { return c[16] }
func (c CQE) HdsIPExt() uint8     { return c[28] }
func (c CQE) L4HdrTypeEtc() uint8 { return c[29] }
func (c CQE) VLANInfo() uint16    { return be.Uint16(c[30:]) }
func (c CQE) ByteCnt() uint32     { return be.Uint32(c[44:]) }
func (c CQE) Timestamp() uint64   { return be.Uint64(c[48:]) }
func (c CQE) VendorErr() uint8    { return c[54] }
func (c CQE) Syndrome() uint8     { return c[55] }
func (c CQE) WQECounter() uint16  { return be.Uint16(c[60:]) }

func (c CQE) L3Type() uint8 { return (c[29] & L3TypeMask) >> L3TypeShift }
func (c CQE) L4Type() uint8 { return (c[29] & L4TypeMask) >> L4TypeShift }

// Invalidate marks the entry as not owned by software. Used for the entries
// of a compressed session once it has been consumed.
func (c CQE) Invalidate() { c[63] = CQEInvalidate }

// Opcode extracts the opcode from op_own.
func Opcode(opOwn uint8) uint8 { return opOwn >> 4 }

// Format extracts the CQE format from op_own.
func Format(opOwn uint8) uint8 { return (opOwn >> 2) & 0x3 }

// Owned reports whether the entry at free-running index idx of a CQ of n
// entries (a power of two) holds a completion that software may consume.
// The hardware flips the owner bit on every pass over the ring.
func Owned(opOwn uint8, idx uint16, n uint16) bool {
	owner := opOwn&OwnerMask != 0
	return owner == (idx&n != 0) && Opcode(opOwn) != CQEInvalid
}

// OwnerBit returns the owner bit value the hardware writes for idx.
func OwnerBit(idx uint16, n uint16) uint8 {
	if idx&n != 0 {
		return 1
	}
	return 0
}

// CQEFields are the hardware-written body fields of a CQE.
type CQEFields struct {
	PktInfo      uint8
	RxHashRes    uint32
	RxHashType   uint8
	HdsIPExt     uint8
	L4HdrTypeEtc uint8
	VLANInfo     uint16
	ByteCnt      uint32
	Timestamp    uint64
	VendorErr    uint8
	Syndrome     uint8
	QPN          uint32
}

// Write fills the body of the entry. The entry does not become visible to
// software before Publish.
func (c CQE) Write(f CQEFields) {
	clear(c[:60])
	c[0] = f.PktInfo
	be.PutUint32(c[12:], f.RxHashRes)
	c[16] = f.RxHashType
	c[28] = f.HdsIPExt
	c[29] = f.L4HdrTypeEtc
	be.PutUint16(c[30:], f.VLANInfo)
	be.PutUint32(c[44:], f.ByteCnt)
	be.PutUint64(c[48:], f.Timestamp)
	be.PutUint32(c[56:], f.QPN&0xffffff)
	if f.Syndrome != 0 {
		c[54] = f.VendorErr
		c[55] = f.Syndrome
	}
}

// Publish atomically stores the trailing word, handing the entry to software.
func (c CQE) Publish(wqeCounter uint16, opcode, format, owner uint8) {
	var b [4]byte
	be.PutUint16(b[0:], wqeCounter)
	b[2] = 0
	b[3] = opcode<<4 | (format&0x3)<<2 | owner&OwnerMask
	atomic.StoreUint32(word(c[60:]), binary.NativeEndian.Uint32(b[:]))
}

// MiniCQE is an 8-byte entry of a compressed session.
//
//	[0:4] rx_hash_result
//	[4:8] byte_cnt
type MiniCQE []byte

func (m MiniCQE) RxHashResult() uint32 { return be.Uint32(m[0:]) }
func (m MiniCQE) ByteCnt() uint32      { return be.Uint32(m[4:]) }

func (m MiniCQE) Set(hash, byteCnt uint32) {
	be.PutUint32(m[0:], hash)
	be.PutUint32(m[4:], byteCnt)
}

// MiniArray returns mini-CQE i (0..7) of the 64-byte entry e.
func MiniArray(e CQE, i int) MiniCQE {
	off := (i & (MiniCQEsPerEntry - 1)) * MiniCQESize
	return MiniCQE(e[off : off+MiniCQESize])
}

// MiniArrays returns the number of entries holding the mini-CQEs of a
// compressed session of n completions.
func MiniArrays(n int) int { return (n + MiniCQEsPerEntry - 1) / MiniCQEsPerEntry }
