package simnic

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// FrameSpec describes a frame to synthesize with BuildFrame.
type FrameSpec struct {
	SrcMAC, DstMAC net.HardwareAddr
	// VLAN is inserted as an 802.1Q tag when Tagged is set.
	VLAN   uint16
	Tagged bool

	// SrcIP and DstIP select IPv4 or IPv6. Without them the frame carries
	// Payload directly behind the Ethernet header.
	SrcIP, DstIP net.IP
	// Proto is layers.IPProtocolTCP, layers.IPProtocolUDP or zero.
	Proto            layers.IPProtocol
	SrcPort, DstPort uint16
	Payload          []byte

	// BadIPChecksum corrupts the IPv4 header checksum.
	BadIPChecksum bool
}

// localExperimental is the EtherType of frames without a network layer.
const localExperimental layers.EthernetType = 0x88b5

func BuildFrame(s FrameSpec) ([]byte, error) {
	src := s.SrcMAC
	if src == nil {
		src = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	}
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: s.DstMAC}
	ls := []gopacket.SerializableLayer{eth}
	next := &eth.EthernetType
	if s.Tagged {
		eth.EthernetType = layers.EthernetTypeDot1Q
		q := &layers.Dot1Q{
			Priority:       uint8(s.VLAN >> 13),
			DropEligible:   s.VLAN&(1<<12) != 0,
			VLANIdentifier: s.VLAN & 0x0fff,
		}
		ls = append(ls, q)
		next = &q.Type
	}

	var netLayer gopacket.NetworkLayer
	switch {
	case s.SrcIP == nil || s.DstIP == nil:
		*next = localExperimental
	case s.SrcIP.To4() != nil:
		*next = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: s.Proto,
			SrcIP:    s.SrcIP.To4(),
			DstIP:    s.DstIP.To4(),
		}
		if s.Proto == 0 {
			ip.Protocol = layers.IPProtocolNoNextHeader
		}
		ls = append(ls, ip)
		netLayer = ip
	default:
		*next = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: s.Proto,
			SrcIP:      s.SrcIP.To16(),
			DstIP:      s.DstIP.To16(),
		}
		if s.Proto == 0 {
			ip.NextHeader = layers.IPProtocolNoNextHeader
		}
		ls = append(ls, ip)
		netLayer = ip
	}

	if netLayer != nil {
		switch s.Proto {
		case layers.IPProtocolTCP:
			tcp := &layers.TCP{
				SrcPort: layers.TCPPort(s.SrcPort),
				DstPort: layers.TCPPort(s.DstPort),
				Window:  65535,
				ACK:     true,
			}
			if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
				return nil, err
			}
			ls = append(ls, tcp)
		case layers.IPProtocolUDP:
			udp := &layers.UDP{
				SrcPort: layers.UDPPort(s.SrcPort),
				DstPort: layers.UDPPort(s.DstPort),
			}
			if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
				return nil, err
			}
			ls = append(ls, udp)
		case 0:
		default:
			return nil, fmt.Errorf("protocol %v: %w", s.Proto, ErrInvalidArg)
		}
	}
	ls = append(ls, gopacket.Payload(s.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	frame := buf.Bytes()
	if s.BadIPChecksum && netLayer != nil && s.SrcIP.To4() != nil {
		off := 14
		if s.Tagged {
			off += 4
		}
		frame[off+10] ^= 0xff
	}
	return frame, nil
}
