package mbuf

import "unsafe"

// OffloadFlags carries per-packet offload requests (Tx*) and results (Rx*).
type OffloadFlags uint32

const (
	// RxVLAN is set when the packet carried an 802.1Q tag.
	RxVLAN OffloadFlags = 1 << iota
	// RxVLANStripped is set when the tag was removed and stored in VlanTCI.
	RxVLANStripped
	// RxRSSHash is set when Hash holds a hardware RSS hash.
	RxRSSHash
	RxIPCksumGood
	RxIPCksumBad
	RxL4CksumGood
	RxL4CksumBad

	// TxIPCksum requests IPv4 header checksum computation.
	TxIPCksum
	// TxL4Cksum requests TCP/UDP checksum computation.
	TxL4Cksum
	// TxVLAN requests insertion of VlanTCI as an 802.1Q tag.
	TxVLAN

	// RxTimestamp is set when Timestamp holds the hardware receive time.
	RxTimestamp
)

func (f OffloadFlags) Has(x OffloadFlags) bool { return f&x == x }

// PacketType describes the headers recognized by the receiving hardware.
type PacketType uint8

const (
	PTypeL2Ether PacketType = 1 << iota
	PTypeL3IPv4
	PTypeL3IPv6
	PTypeL4TCP
	PTypeL4UDP
)

func (t PacketType) Has(x PacketType) bool { return t&x == x }

// Mbuf is one segment of a packet. The first segment of a chain carries the
// packet-level metadata (PktLen, segment count, offload flags).
type Mbuf struct {
	pool      *Pool
	index     uint32
	buf       []byte
	allocated bool

	off    uint32
	len    uint32
	next   *Mbuf
	nbSegs uint16
	pktLen uint32

	OlFlags    OffloadFlags
	PacketType PacketType
	VlanTCI    uint16
	Hash       uint32
	Port       uint16
	// Timestamp is the raw device clock value of the receive completion.
	Timestamp uint64
}

func (m *Mbuf) reset(headroom uint32) {
	m.off = headroom
	m.len = 0
	m.next = nil
	m.nbSegs = 1
	m.pktLen = 0
	m.OlFlags = 0
	m.PacketType = 0
	m.VlanTCI = 0
	m.Hash = 0
	m.Port = 0
	m.Timestamp = 0
}

func (m *Mbuf) Pool() *Pool     { return m.pool }
func (m *Mbuf) Next() *Mbuf     { return m.next }
func (m *Mbuf) NbSegs() uint16  { return m.nbSegs }
func (m *Mbuf) PktLen() uint32  { return m.pktLen }
func (m *Mbuf) DataLen() uint32 { return m.len }

// Data returns the packet bytes held by this segment.
func (m *Mbuf) Data() []byte { return m.buf[m.off : m.off+m.len] }

// Tailroom returns the number of bytes that can still be appended.
func (m *Mbuf) Tailroom() uint32 { return uint32(len(m.buf)) - m.off - m.len }

// Room returns the buffer space behind the headroom, the area a receive
// descriptor hands to the hardware.
func (m *Mbuf) Room() []byte { return m.buf[m.off:] }

// Addr returns the DMA address of the first data byte.
func (m *Mbuf) Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&m.buf[0])) + uintptr(m.off))
}

// Append grows the segment by n bytes and returns the new area, or nil if
// the tailroom is too small.
func (m *Mbuf) Append(n uint32) []byte {
	if n > m.Tailroom() {
		return nil
	}
	start := m.off + m.len
	m.len += n
	m.pktLen += n
	return m.buf[start : start+n]
}

// SetLen sets the data length of a single-segment packet.
func (m *Mbuf) SetLen(n uint32) {
	m.len = n
	m.pktLen = n
}

// Chain appends tail to the segment chain of m.
func (m *Mbuf) Chain(tail *Mbuf) {
	last := m
	for last.next != nil {
		last = last.next
	}
	last.next = tail
	m.nbSegs += tail.nbSegs
	m.pktLen += tail.pktLen
}

// Unchain detaches m from the rest of its chain and returns the rest.
func (m *Mbuf) Unchain() *Mbuf {
	n := m.next
	m.next = nil
	m.nbSegs = 1
	m.pktLen = m.len
	return n
}

// CopyTo gathers the packet bytes of the whole chain into dst and returns the
// number of bytes copied.
func (m *Mbuf) CopyTo(dst []byte) int {
	n := 0
	for s := m; s != nil && n < len(dst); s = s.next {
		n += copy(dst[n:], s.Data())
	}
	return n
}

// FreeSeg returns this single segment to its pool, ignoring the chain.
func (m *Mbuf) FreeSeg() {
	m.next = nil
	m.pool.put(m)
}

// Free returns every segment of the chain to its pool.
func (m *Mbuf) Free() {
	for s := m; s != nil; {
		n := s.next
		s.FreeSeg()
		s = n
	}
}
