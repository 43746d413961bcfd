package mlx5

import "fmt"

// Handles are opaque identifiers issued by a Verbs provider.
type (
	CQHandle       uint32
	WQHandle       uint32
	QPHandle       uint32
	IndTableHandle uint32
	FlowHandle     uint32
	ResourceDomain uint32
)

// MemoryRegion is a range of host memory registered with the device.
type MemoryRegion struct {
	Handle uint32
	// LKey is the local access key placed in data segments that point
	// into the region.
	LKey   uint32
	Addr   uintptr
	Length int
}

// Caps are the device capabilities negotiated at probe time.
type Caps struct {
	MaxIndTableSize int
	HwChecksum      bool
	VLANStrip       bool
	CRCStrip        bool
	CQECompression  bool
	// BlueFlame reports whether transmit queues get a write-combining
	// doorbell region.
	BlueFlame bool
}

// RxResourceRequest describes the receive queue resources to create.
type RxResourceRequest struct {
	Index  uint16
	Descs  uint16
	CQEs   uint16
	Socket int

	Checksum  bool
	VLANStrip bool
	// CRCStrip tells the hardware to remove the Ethernet FCS.
	CRCStrip bool
	// Compress allows the hardware to report completions in compressed
	// sessions.
	Compress bool
	// Segs is the number of data segments of every receive WQE, a power
	// of two. Frames are scattered over them in order. Zero means one.
	Segs uint8
}

// RxResources are the hardware resources backing a receive queue.
type RxResources struct {
	CQ CQHandle
	WQ WQHandle
	RD ResourceDomain

	// WQEs holds one 16-byte data segment per descriptor.
	WQEs []byte
	// CQEs holds the 64-byte completion entries.
	CQEs []byte

	RQDoorbell *uint32
	CQDoorbell *uint32
}

// TxResourceRequest describes the transmit queue resources to create.
type TxResourceRequest struct {
	Index  uint16
	WQEBBs uint16
	CQEs   uint16
	Socket int

	MaxInline int
}

// TxResources are the hardware resources backing a transmit queue.
type TxResources struct {
	CQ    CQHandle
	QP    QPHandle
	RD    ResourceDomain
	QPNum uint32

	// WQEs holds 64-byte WQE basic blocks.
	WQEs []byte
	CQEs []byte

	QPDoorbell *uint32
	CQDoorbell *uint32

	// BlueFlame is the accelerated doorbell region, two halves of
	// BlueFlameSize bytes used alternately. Nil when unavailable.
	BlueFlame     []byte
	BlueFlameSize int
}

// Verbs is the device collaborator the data-plane core drives. It owns
// resource creation, memory registration and flow rule installation; the
// core owns the rings and all bookkeeping on top of them.
//
// Implementations need not be safe for concurrent use. The core serializes
// control-plane calls per device.
type Verbs interface {
	Caps() Caps

	RegMR(mem []byte) (*MemoryRegion, error)
	DeregMR(mr *MemoryRegion) error

	CreateRxResources(req RxResourceRequest) (*RxResources, error)
	DestroyRxResources(res *RxResources) error

	CreateTxResources(req TxResourceRequest) (*TxResources, error)
	DestroyTxResources(res *TxResources) error

	CreateIndTable(wqs []WQHandle) (IndTableHandle, error)
	DestroyIndTable(ind IndTableHandle) error

	CreateHashQP(ind IndTableHandle, fields HashFields, key []byte) (QPHandle, error)
	DestroyQP(qp QPHandle) error

	CreateFlow(qp QPHandle, attr FlowAttr) (FlowHandle, error)
	DestroyFlow(flow FlowHandle) error
}

// HashFields selects the packet fields that feed the RSS hash.
type HashFields uint32

const (
	HashSrcIPv4 HashFields = 1 << iota
	HashDstIPv4
	HashSrcIPv6
	HashDstIPv6
	HashSrcPortTCP
	HashDstPortTCP
	HashSrcPortUDP
	HashDstPortUDP
)

func (f HashFields) Has(x HashFields) bool { return f&x == x }

func (f HashFields) String() string {
	if f == 0 {
		return "none"
	}
	names := [...]string{
		"src-ipv4", "dst-ipv4", "src-ipv6", "dst-ipv6",
		"src-port-tcp", "dst-port-tcp", "src-port-udp", "dst-port-udp",
	}
	s := ""
	for i, n := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n
	}
	if rest := f &^ (1<<len(names) - 1); rest != 0 {
		s += fmt.Sprintf("|%#x", uint32(rest))
	}
	return s
}
