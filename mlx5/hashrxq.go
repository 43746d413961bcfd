package mlx5

import (
	"fmt"
	"math/bits"
)

// HashType classifies inbound traffic for RSS. Each active type gets its own
// hash RX queue with a matching set of hash fields.
type HashType uint8

const (
	HashTCPv4 HashType = iota
	HashUDPv4
	HashIPv4
	HashTCPv6
	HashUDPv6
	HashIPv6
	HashEth

	hashTypeCount
)

func (t HashType) String() string {
	switch t {
	case HashTCPv4:
		return "tcp4"
	case HashUDPv4:
		return "udp4"
	case HashIPv4:
		return "ip4"
	case HashTCPv6:
		return "tcp6"
	case HashUDPv6:
		return "udp6"
	case HashIPv6:
		return "ip6"
	case HashEth:
		return "eth"
	}
	return fmt.Sprintf("hash(%d)", uint8(t))
}

// HashTypes returns every hash type from the most to the least specific.
func HashTypes() []HashType {
	return []HashType{HashTCPv4, HashUDPv4, HashIPv4, HashTCPv6, HashUDPv6, HashIPv6, HashEth}
}

// hashTypeSet is a bitmask indexed by HashType.
type hashTypeSet uint32

func typeSet(types ...HashType) hashTypeSet {
	var s hashTypeSet
	for _, t := range types {
		s |= 1 << t
	}
	return s
}

func (s hashTypeSet) has(t HashType) bool { return s&(1<<t) != 0 }

// RSSHashFunc selects which traffic classes are spread by RSS.
type RSSHashFunc uint32

const (
	RSSIPv4 RSSHashFunc = 1 << iota
	RSSIPv4TCP
	RSSIPv4UDP
	RSSIPv6
	RSSIPv6TCP
	RSSIPv6UDP

	RSSAll = RSSIPv4 | RSSIPv4TCP | RSSIPv4UDP | RSSIPv6 | RSSIPv6TCP | RSSIPv6UDP
)

// Flow priorities per layer. Lower is evaluated first; only the relative
// order is meaningful.
const (
	priorityL4 = 0
	priorityL3 = 1
	priorityL2 = 2
)

type hashRxqInit struct {
	fields   HashFields
	rssHF    RSSHashFunc
	priority uint16
	spec     FlowSpec
	// underlayer is the next less specific type, hashTypeCount for none.
	underlayer HashType
}

var hashRxqInits = [hashTypeCount]hashRxqInit{
	HashTCPv4: {
		fields:     HashSrcIPv4 | HashDstIPv4 | HashSrcPortTCP | HashDstPortTCP,
		rssHF:      RSSIPv4TCP,
		priority:   priorityL4,
		spec:       TCPUDPSpec{Proto: SpecTCP},
		underlayer: HashIPv4,
	},
	HashUDPv4: {
		fields:     HashSrcIPv4 | HashDstIPv4 | HashSrcPortUDP | HashDstPortUDP,
		rssHF:      RSSIPv4UDP,
		priority:   priorityL4,
		spec:       TCPUDPSpec{Proto: SpecUDP},
		underlayer: HashIPv4,
	},
	HashIPv4: {
		fields:     HashSrcIPv4 | HashDstIPv4,
		rssHF:      RSSIPv4,
		priority:   priorityL3,
		spec:       IPv4Spec{},
		underlayer: HashEth,
	},
	HashTCPv6: {
		fields:     HashSrcIPv6 | HashDstIPv6 | HashSrcPortTCP | HashDstPortTCP,
		rssHF:      RSSIPv6TCP,
		priority:   priorityL4,
		spec:       TCPUDPSpec{Proto: SpecTCP},
		underlayer: HashIPv6,
	},
	HashUDPv6: {
		fields:     HashSrcIPv6 | HashDstIPv6 | HashSrcPortUDP | HashDstPortUDP,
		rssHF:      RSSIPv6UDP,
		priority:   priorityL4,
		spec:       TCPUDPSpec{Proto: SpecUDP},
		underlayer: HashIPv6,
	},
	HashIPv6: {
		fields:     HashSrcIPv6 | HashDstIPv6,
		rssHF:      RSSIPv6,
		priority:   priorityL3,
		spec:       IPv6Spec{},
		underlayer: HashEth,
	},
	HashEth: {
		priority:   priorityL2,
		spec:       EthSpec{},
		underlayer: hashTypeCount,
	},
}

// Fields returns the packet fields hashed for t.
func (t HashType) Fields() HashFields { return hashRxqInits[t].fields }

// FlowAttrFor builds the classification template of t: the specs of its
// underlayer chain ordered from Ethernet inwards, at the priority of t.
// The Ethernet layer matches any destination until filled in.
func FlowAttrFor(t HashType) FlowAttr {
	var specs []FlowSpec
	for cur := t; cur != hashTypeCount; cur = hashRxqInits[cur].underlayer {
		specs = append(specs, hashRxqInits[cur].spec)
	}
	for i, j := 0, len(specs)-1; i < j; i, j = i+1, j-1 {
		specs[i], specs[j] = specs[j], specs[i]
	}
	return FlowAttr{Priority: hashRxqInits[t].priority, Specs: specs}
}

const indTableUnlimited = 0

type indTableInit struct {
	maxSize int
	types   hashTypeSet
}

var indTableInits = []indTableInit{
	{
		maxSize: indTableUnlimited,
		types: typeSet(HashTCPv4, HashUDPv4, HashIPv4,
			HashTCPv6, HashUDPv6, HashIPv6),
	},
	{
		maxSize: 1,
		types:   typeSet(HashEth),
	},
}

// indTableLayout is one indirection table to create and the hash types
// sharing it.
type indTableLayout struct {
	size  int
	types []HashType
}

// makeIndTableLayout selects the indirection tables and hash types for
// rxqsN receive queues. A single queue needs no spreading, so only the
// Ethernet type remains.
func makeIndTableLayout(rxqsN, maxIndTableSize int, rssHF RSSHashFunc, ipv6 bool) []indTableLayout {
	var out []indTableLayout
	for _, ti := range indTableInits {
		var types []HashType
		for _, t := range HashTypes() {
			if !ti.types.has(t) {
				continue
			}
			if t != HashEth && rxqsN == 1 {
				continue
			}
			if hashRxqInits[t].rssHF != 0 && hashRxqInits[t].rssHF&rssHF == 0 {
				continue
			}
			if !ipv6 && (t == HashTCPv6 || t == HashUDPv6 || t == HashIPv6) {
				continue
			}
			types = append(types, t)
		}
		if len(types) == 0 {
			continue
		}
		size := nextPow2(rxqsN)
		if ti.maxSize != indTableUnlimited && size > ti.maxSize {
			size = ti.maxSize
		}
		if maxIndTableSize > 0 && size > maxIndTableSize {
			size = 1 << (bits.Len(uint(maxIndTableSize)) - 1)
		}
		out = append(out, indTableLayout{size: size, types: types})
	}
	return out
}

// fillIndTable spreads the WQs of the receive queues cyclically over a
// table of size entries.
func fillIndTable(wqs []WQHandle, size int) []WQHandle {
	out := make([]WQHandle, size)
	for i := range out {
		out[i] = wqs[i%len(wqs)]
	}
	return out
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// FlowType is the class of a flow rule.
type FlowType uint8

const (
	FlowPromisc FlowType = iota
	FlowAllMulti
	FlowBroadcast
	FlowIPv6Multi
	FlowMAC
	// FlowHashRxQueue reports failures creating the hash RX queues
	// themselves rather than a rule installed on them.
	FlowHashRxQueue
)

func (f FlowType) String() string {
	switch f {
	case FlowPromisc:
		return "promiscuous"
	case FlowAllMulti:
		return "allmulticast"
	case FlowBroadcast:
		return "broadcast"
	case FlowIPv6Multi:
		return "IPv6 multicast"
	case FlowMAC:
		return "MAC"
	case FlowHashRxQueue:
		return "hash RX queue"
	}
	return fmt.Sprintf("flow(%d)", uint8(f))
}

// FlowTypes returns every rule class in installation order.
func FlowTypes() []FlowType {
	return []FlowType{FlowPromisc, FlowAllMulti, FlowBroadcast, FlowIPv6Multi, FlowMAC}
}

type specialFlowInit struct {
	dstMAC     [6]byte
	dstMACMask [6]byte
	types      hashTypeSet
	perVLAN    bool
}

var specialFlowInits = [...]specialFlowInit{
	FlowPromisc: {
		types: typeSet(HashTCPv4, HashUDPv4, HashIPv4,
			HashTCPv6, HashUDPv6, HashIPv6, HashEth),
	},
	FlowAllMulti: {
		dstMAC:     [6]byte{0x01},
		dstMACMask: [6]byte{0x01},
		types:      typeSet(HashUDPv4, HashIPv4, HashUDPv6, HashIPv6, HashEth),
	},
	FlowBroadcast: {
		dstMAC:     [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		dstMACMask: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		types:      typeSet(HashUDPv4, HashIPv4, HashUDPv6, HashIPv6, HashEth),
		perVLAN:    true,
	},
	FlowIPv6Multi: {
		dstMAC:     [6]byte{0x33, 0x33},
		dstMACMask: [6]byte{0xff, 0xff},
		types:      typeSet(HashUDPv6, HashIPv6, HashEth),
		perVLAN:    true,
	},
}

// DefaultRSSKey is the 40-byte Toeplitz key used when none is configured.
var DefaultRSSKey = []byte{
	0x2c, 0xc6, 0x81, 0xd1, 0x5b, 0xdb, 0xf4, 0xf7,
	0xfc, 0xa2, 0x83, 0x19, 0xdb, 0x1a, 0x3e, 0x94,
	0x6b, 0x9e, 0x38, 0xd9, 0x2c, 0x9c, 0x03, 0xd1,
	0xad, 0x99, 0x44, 0xa7, 0xd9, 0x56, 0x3d, 0x59,
	0x06, 0x3c, 0x25, 0xf3, 0xfc, 0x1f, 0xdc, 0x2a,
}

const RSSKeyLen = 40
