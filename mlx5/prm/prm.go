// Package prm defines the binary layout of the descriptors, completion
// entries and doorbell records shared between the driver and an mlx5-class
// adapter.
//
// All multi-byte fields are big-endian. The types in this package are
// views over byte slices that point into ring memory; they never copy.
//
// Layout summary:
//
//   - Send WQE: one or more 64-byte WQE basic blocks (WQEBBs), each holding
//     four 16-byte segments: control, Ethernet, then data or inline segments.
//   - Receive WQE: a single 16-byte data segment per ring slot.
//   - CQE: 64 bytes; the trailing 32-bit word (wqe_counter, signature,
//     op_own) is published last by the hardware.
//   - Mini-CQE: 8 bytes, eight per 64-byte entry of a compressed session.
package prm

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

const (
	WQEBBSize    = 64
	SegSize      = 16
	SegsPerWQEBB = WQEBBSize / SegSize
	CQESize      = 64
	MiniCQESize  = 8
	// MiniCQEsPerEntry is the number of mini-CQEs packed in one CQ entry.
	MiniCQEsPerEntry = CQESize / MiniCQESize

	// CRCLen is the Ethernet FCS length reported in byte counts when the
	// hardware does not strip it.
	CRCLen = 4
)

// Send opcodes and control segment flags.
const (
	OpcodeSend = 0x0a

	// CtrlCQUpdate in fm_ce_se requests a CQE for this WQE.
	CtrlCQUpdate = 2 << 2
)

// Ethernet segment cs_flags.
const (
	EthL3Csum = 1 << 6
	EthL4Csum = 1 << 7

	// EthVLANInsert in the insert word requests VLAN tag insertion.
	EthVLANInsert = 1 << 31
)

// InlineSegFlag marks the byte count of an inline data segment.
const InlineSegFlag = 1 << 31

// CQE opcodes (op_own bits 7:4).
const (
	CQEReq      = 0x0
	CQERespSend = 0x2
	CQEReqErr   = 0xd
	CQERespErr  = 0xe
	CQEInvalid  = 0xf
)

// CQE formats (op_own bits 3:2).
const (
	FormatNormal     = 0
	FormatCompressed = 3
)

const (
	OwnerMask = 1
	// CQEInvalidate is written into op_own of consumed or fresh entries.
	CQEInvalidate = CQEInvalid<<4 | OwnerMask
)

// hds_ip_ext bits.
const (
	HdsIPFrag = 1 << 0
	HdsL3OK   = 1 << 1
	HdsL4OK   = 1 << 2
)

// l4_hdr_type_etc fields.
const (
	CQEVLANStripped = 1 << 0

	L3TypeShift = 2
	L3TypeMask  = 0x3 << L3TypeShift
	L3TypeNone  = 0
	L3TypeIPv6  = 1
	L3TypeIPv4  = 2

	L4TypeShift = 4
	L4TypeMask  = 0x7 << L4TypeShift
	L4TypeNone  = 0
	L4TypeTCP   = 1
	L4TypeUDP   = 2
)

// Error syndromes reported in CQEReqErr/CQERespErr entries.
const (
	SyndromeLocalLength     = 0x01
	SyndromeLocalProtection = 0x04
	SyndromeWRFlush         = 0x05
)

var be = binary.BigEndian

// word returns the 32-bit word at the start of b for atomic access.
// b must be 4-byte aligned, which holds for every offset used here as ring
// memory is page aligned.
func word(b []byte) *uint32 { return (*uint32)(unsafe.Pointer(&b[0])) }

// WriteDoorbell stores v big-endian into a doorbell record with a single
// atomic store. Every descriptor write made before the call is visible to an
// observer that loads the record with ReadDoorbell.
func WriteDoorbell(db *uint32, v uint32) {
	var b [4]byte
	be.PutUint32(b[:], v)
	atomic.StoreUint32(db, binary.NativeEndian.Uint32(b[:]))
}

// ReadDoorbell loads a big-endian doorbell record.
func ReadDoorbell(db *uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(db))
	return be.Uint32(b[:])
}

// CtrlSeg is the 16-byte WQE control segment.
//
//	[0:4]   wqe_index<<8 | opcode
//	[4:8]   qp_num<<8 | ds
//	[8]     signature
//	[11]    fm_ce_se
//	[12:16] imm
type CtrlSeg []byte

func (c CtrlSeg) Set(wqeIndex uint16, opcode uint8, qpNum uint32, ds uint8, fmCeSe uint8, imm uint32) {
	be.PutUint32(c[0:], uint32(wqeIndex)<<8|uint32(opcode))
	be.PutUint32(c[4:], qpNum<<8|uint32(ds&0x3f))
	c[8], c[9], c[10] = 0, 0, 0
	c[11] = fmCeSe
	be.PutUint32(c[12:], imm)
}

func (c CtrlSeg) WQEIndex() uint16 { return uint16(be.Uint32(c[0:]) >> 8) }
func (c CtrlSeg) Opcode() uint8    { return c[3] }
func (c CtrlSeg) QPNum() uint32    { return be.Uint32(c[4:]) >> 8 }
func (c CtrlSeg) DS() uint8        { return c[7] & 0x3f }
func (c CtrlSeg) FmCeSe() uint8    { return c[11] }
func (c CtrlSeg) Imm() uint32      { return be.Uint32(c[12:]) }

// WQEBBs returns the number of basic blocks occupied by a WQE of ds segments.
func WQEBBs(ds int) int { return (ds + SegsPerWQEBB - 1) / SegsPerWQEBB }

// EthSeg is the 16-byte Ethernet segment.
//
//	[4]     cs_flags
//	[6:8]   mss
//	[8:12]  insert (VLAN)
//	[12:14] inline_hdr_sz
//	[14:16] inline_hdr_start
type EthSeg []byte

func (e EthSeg) Set(csFlags uint8, vlanTCI uint16, insertVLAN bool) {
	clear(e[:SegSize])
	e[4] = csFlags
	if insertVLAN {
		be.PutUint32(e[8:], EthVLANInsert|uint32(vlanTCI))
	}
}

func (e EthSeg) CsFlags() uint8 { return e[4] }
func (e EthSeg) MSS() uint16    { return be.Uint16(e[6:]) }

func (e EthSeg) VLAN() (tci uint16, ok bool) {
	v := be.Uint32(e[8:])
	return uint16(v), v&EthVLANInsert != 0
}

func (e EthSeg) InlineHdrSz() uint16 { return be.Uint16(e[12:]) }

// DataSeg is a 16-byte scatter/gather pointer.
//
//	[0:4]  byte_count
//	[4:8]  lkey
//	[8:16] addr
type DataSeg []byte

func (d DataSeg) Set(byteCount, lkey uint32, addr uint64) {
	be.PutUint32(d[0:], byteCount)
	be.PutUint32(d[4:], lkey)
	be.PutUint64(d[8:], addr)
}

func (d DataSeg) ByteCount() uint32 { return be.Uint32(d[0:]) }
func (d DataSeg) LKey() uint32      { return be.Uint32(d[4:]) }
func (d DataSeg) Addr() uint64      { return be.Uint64(d[8:]) }

// Inline reports whether the segment is an inline data segment and, if so,
// the number of inline payload bytes following the 4-byte header.
func (d DataSeg) Inline() (n uint32, ok bool) {
	bc := be.Uint32(d[0:])
	return bc &^ InlineSegFlag, bc&InlineSegFlag != 0
}

// SetInlineHeader writes the 4-byte header of an inline data segment.
func (d DataSeg) SetInlineHeader(n uint32) { be.PutUint32(d[0:], n|InlineSegFlag) }

// InlineDS returns the number of segments an inline payload of n bytes
// occupies including its 4-byte header.
func InlineDS(n int) int { return (4 + n + SegSize - 1) / SegSize }
