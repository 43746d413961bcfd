package simnic

import (
	"encoding/binary"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/prm"
)

// frameInfo is what the parser of the model extracts from a frame.
type frameInfo struct {
	dst    [6]byte
	tagged bool
	tci    uint16

	l3      uint8 // prm.L3Type*
	l4      uint8 // prm.L4Type*
	srcIP   [16]byte
	dstIP   [16]byte
	addrLen int
	sport   uint16
	dport   uint16

	l3OK, l4OK bool
}

func parseFrame(frame []byte) (frameInfo, bool) {
	var fi frameInfo
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		NoCopy: true,
		Lazy:   true,
	})
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || len(eth.DstMAC) != 6 {
		return fi, false
	}
	copy(fi.dst[:], eth.DstMAC)
	if q, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		fi.tagged = true
		fi.tci = uint16(q.Priority)<<13 | q.VLANIdentifier
		if q.DropEligible {
			fi.tci |= 1 << 12
		}
	}

	var pseudo []byte
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		fi.l3 = prm.L3TypeIPv4
		fi.addrLen = 4
		copy(fi.srcIP[:], ip.SrcIP.To4())
		copy(fi.dstIP[:], ip.DstIP.To4())
		fi.l3OK = checksum(ip.Contents, 0) == 0xffff
		pseudo = make([]byte, 12)
		copy(pseudo[0:], ip.SrcIP.To4())
		copy(pseudo[4:], ip.DstIP.To4())
		pseudo[9] = uint8(ip.Protocol)
	case *layers.IPv6:
		fi.l3 = prm.L3TypeIPv6
		fi.addrLen = 16
		copy(fi.srcIP[:], ip.SrcIP.To16())
		copy(fi.dstIP[:], ip.DstIP.To16())
		fi.l3OK = true
		pseudo = make([]byte, 40)
		copy(pseudo[0:], ip.SrcIP.To16())
		copy(pseudo[16:], ip.DstIP.To16())
		pseudo[39] = uint8(ip.NextHeader)
	default:
		return fi, true
	}

	switch l4 := pkt.TransportLayer().(type) {
	case *layers.TCP:
		fi.l4 = prm.L4TypeTCP
		fi.sport, fi.dport = uint16(l4.SrcPort), uint16(l4.DstPort)
		fi.l4OK = l4Checksum(pseudo, fi.addrLen, l4.Contents, l4.Payload) == 0xffff
	case *layers.UDP:
		fi.l4 = prm.L4TypeUDP
		fi.sport, fi.dport = uint16(l4.SrcPort), uint16(l4.DstPort)
		fi.l4OK = (l4.Checksum == 0 && fi.l3 == prm.L3TypeIPv4) ||
			l4Checksum(pseudo, fi.addrLen, l4.Contents, l4.Payload) == 0xffff
	}
	return fi, true
}

// l4Checksum sums the pseudo header, the transport header and its payload.
func l4Checksum(pseudo []byte, addrLen int, hdr, payload []byte) uint16 {
	n := len(hdr) + len(payload)
	if addrLen == 4 {
		binary.BigEndian.PutUint16(pseudo[10:], uint16(n))
	} else {
		binary.BigEndian.PutUint32(pseudo[32:], uint32(n))
	}
	sum := sum16(pseudo, 0)
	sum = sum16(hdr, sum)
	// hdr is a multiple of four bytes long, so payload starts aligned.
	sum = sum16(payload, sum)
	return fold(sum)
}

// checksum returns the folded one's complement sum of b, 0xffff for a
// header with a valid checksum field.
func checksum(b []byte, initial uint32) uint16 { return fold(sum16(b, initial)) }

func sum16(b []byte, sum uint32) uint32 {
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return uint16(sum)
}

func maskedEq(a, b, mask []byte) bool {
	for i := range mask {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}

// matches reports whether every spec of attr matches fi.
func (fi *frameInfo) matches(attr mlx5.FlowAttr) bool {
	for _, s := range attr.Specs {
		switch s := s.(type) {
		case mlx5.EthSpec:
			if !maskedEq(fi.dst[:], s.DstMAC[:], s.DstMACMask[:]) {
				return false
			}
			if s.VLANMask != 0 && (!fi.tagged || fi.tci&s.VLANMask != s.VLANTag&s.VLANMask) {
				return false
			}
		case mlx5.IPv4Spec:
			if fi.l3 != prm.L3TypeIPv4 ||
				!maskedEq(fi.srcIP[:4], s.Src[:], s.SrcMask[:]) ||
				!maskedEq(fi.dstIP[:4], s.Dst[:], s.DstMask[:]) {
				return false
			}
		case mlx5.IPv6Spec:
			if fi.l3 != prm.L3TypeIPv6 ||
				!maskedEq(fi.srcIP[:], s.Src[:], s.SrcMask[:]) ||
				!maskedEq(fi.dstIP[:], s.Dst[:], s.DstMask[:]) {
				return false
			}
		case mlx5.TCPUDPSpec:
			want := uint8(prm.L4TypeTCP)
			if s.Proto == mlx5.SpecUDP {
				want = prm.L4TypeUDP
			}
			if fi.l4 != want ||
				fi.sport&s.SrcPortMask != s.SrcPort&s.SrcPortMask ||
				fi.dport&s.DstPortMask != s.DstPort&s.DstPortMask {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// hashInput lays out the fields selected by f: source address, destination
// address, source port, destination port.
func (fi *frameInfo) hashInput(f mlx5.HashFields) []byte {
	var in []byte
	switch {
	case fi.l3 == prm.L3TypeIPv4 && f.Has(mlx5.HashSrcIPv4|mlx5.HashDstIPv4):
		in = append(in, fi.srcIP[:4]...)
		in = append(in, fi.dstIP[:4]...)
	case fi.l3 == prm.L3TypeIPv6 && f.Has(mlx5.HashSrcIPv6|mlx5.HashDstIPv6):
		in = append(in, fi.srcIP[:]...)
		in = append(in, fi.dstIP[:]...)
	default:
		return nil
	}
	tcp := fi.l4 == prm.L4TypeTCP && f.Has(mlx5.HashSrcPortTCP|mlx5.HashDstPortTCP)
	udp := fi.l4 == prm.L4TypeUDP && f.Has(mlx5.HashSrcPortUDP|mlx5.HashDstPortUDP)
	if tcp || udp {
		in = binary.BigEndian.AppendUint16(in, fi.sport)
		in = binary.BigEndian.AppendUint16(in, fi.dport)
	}
	return in
}

// defaultFields returns the hash fields of the most specific hash type fi
// belongs to.
func (fi *frameInfo) defaultFields() mlx5.HashFields {
	switch {
	case fi.l3 == prm.L3TypeIPv4 && fi.l4 == prm.L4TypeTCP:
		return mlx5.HashTCPv4.Fields()
	case fi.l3 == prm.L3TypeIPv4 && fi.l4 == prm.L4TypeUDP:
		return mlx5.HashUDPv4.Fields()
	case fi.l3 == prm.L3TypeIPv4:
		return mlx5.HashIPv4.Fields()
	case fi.l3 == prm.L3TypeIPv6 && fi.l4 == prm.L4TypeTCP:
		return mlx5.HashTCPv6.Fields()
	case fi.l3 == prm.L3TypeIPv6 && fi.l4 == prm.L4TypeUDP:
		return mlx5.HashUDPv6.Fields()
	case fi.l3 == prm.L3TypeIPv6:
		return mlx5.HashIPv6.Fields()
	}
	return 0
}

// Toeplitz computes the RSS hash of input under key.
func Toeplitz(key, input []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	var hash uint32
	window := binary.BigEndian.Uint32(key)
	next := 32
	for _, b := range input {
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) != 0 {
				hash ^= window
			}
			window <<= 1
			if next/8 < len(key) && key[next/8]&(0x80>>(next%8)) != 0 {
				window |= 1
			}
			next++
		}
	}
	return hash
}

// classify finds the first rule matching fi and the receive WQ its
// indirection table selects. It must be called with n.mu held.
func (n *NIC) classify(fi *frameInfo) (wq mlx5.WQHandle, hash uint32, fields mlx5.HashFields, ok bool) {
	for _, f := range n.sortedFlows() {
		if !fi.matches(f.attr) {
			continue
		}
		qp := n.qps[f.qp]
		table := n.inds[qp.ind]
		if in := fi.hashInput(qp.fields); in != nil {
			hash = Toeplitz(qp.key, in)
			fields = qp.fields
		}
		return table[hash&uint32(len(table)-1)], hash, fields, true
	}
	return 0, 0, 0, false
}
