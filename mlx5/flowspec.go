package mlx5

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// SpecKind identifies the header layer a FlowSpec matches on.
type SpecKind uint8

const (
	SpecEth SpecKind = iota + 1
	SpecIPv4
	SpecIPv6
	SpecTCP
	SpecUDP
)

func (k SpecKind) String() string {
	switch k {
	case SpecEth:
		return "eth"
	case SpecIPv4:
		return "ipv4"
	case SpecIPv6:
		return "ipv6"
	case SpecTCP:
		return "tcp"
	case SpecUDP:
		return "udp"
	}
	return fmt.Sprintf("spec(%d)", uint8(k))
}

// FlowSpec is one layer of a flow classification template. The concrete
// types are EthSpec, IPv4Spec, IPv6Spec and TCPUDPSpec; all of them are
// comparable values.
type FlowSpec interface {
	Kind() SpecKind
	String() string
}

// EthSpec matches on the destination MAC address and optionally the VLAN
// ID. A zero mask matches anything.
type EthSpec struct {
	DstMAC     [6]byte
	DstMACMask [6]byte
	VLANTag    uint16
	VLANMask   uint16
}

func (EthSpec) Kind() SpecKind { return SpecEth }

func (s EthSpec) String() string {
	str := fmt.Sprintf("eth dst %s/%s",
		net.HardwareAddr(s.DstMAC[:]), net.HardwareAddr(s.DstMACMask[:]))
	if s.VLANMask != 0 {
		str += fmt.Sprintf(" vlan %d", s.VLANTag&s.VLANMask)
	}
	return str
}

// IPv4Spec matches IPv4 packets, optionally on addresses.
type IPv4Spec struct {
	Src, Dst         [4]byte
	SrcMask, DstMask [4]byte
}

func (IPv4Spec) Kind() SpecKind { return SpecIPv4 }

func (s IPv4Spec) String() string {
	if s.SrcMask == [4]byte{} && s.DstMask == [4]byte{} {
		return "ipv4"
	}
	return fmt.Sprintf("ipv4 src %s/%s dst %s/%s",
		net.IP(s.Src[:]), net.IP(s.SrcMask[:]), net.IP(s.Dst[:]), net.IP(s.DstMask[:]))
}

// IPv6Spec matches IPv6 packets, optionally on addresses.
type IPv6Spec struct {
	Src, Dst         [16]byte
	SrcMask, DstMask [16]byte
}

func (IPv6Spec) Kind() SpecKind { return SpecIPv6 }

func (s IPv6Spec) String() string {
	if s.SrcMask == [16]byte{} && s.DstMask == [16]byte{} {
		return "ipv6"
	}
	return fmt.Sprintf("ipv6 src %s/%s dst %s/%s",
		net.IP(s.Src[:]), net.IP(s.SrcMask[:]), net.IP(s.Dst[:]), net.IP(s.DstMask[:]))
}

// TCPUDPSpec matches TCP or UDP packets, optionally on ports.
type TCPUDPSpec struct {
	// Proto is SpecTCP or SpecUDP.
	Proto                    SpecKind
	SrcPort, DstPort         uint16
	SrcPortMask, DstPortMask uint16
}

func (s TCPUDPSpec) Kind() SpecKind { return s.Proto }

func (s TCPUDPSpec) String() string {
	if s.SrcPortMask == 0 && s.DstPortMask == 0 {
		return s.Proto.String()
	}
	return fmt.Sprintf("%s sport %d/%#x dport %d/%#x",
		s.Proto, s.SrcPort, s.SrcPortMask, s.DstPort, s.DstPortMask)
}

// FlowAttr is a complete flow classification rule: specs ordered from the
// outermost (Ethernet) to the innermost layer, and a priority where lower
// values are evaluated first.
type FlowAttr struct {
	Priority uint16
	Port     uint16
	Specs    []FlowSpec
}

// Eth returns the Ethernet layer of the rule, if any.
func (a FlowAttr) Eth() (EthSpec, bool) {
	for _, s := range a.Specs {
		if e, ok := s.(EthSpec); ok {
			return e, true
		}
	}
	return EthSpec{}, false
}

// WithEth returns a copy of a with its Ethernet layer replaced by e.
func (a FlowAttr) WithEth(e EthSpec) FlowAttr {
	out := FlowAttr{Priority: a.Priority, Port: a.Port, Specs: slices.Clone(a.Specs)}
	for i, s := range out.Specs {
		if s.Kind() == SpecEth {
			out.Specs[i] = e
			return out
		}
	}
	out.Specs = append([]FlowSpec{e}, out.Specs...)
	return out
}

// Strip derives the underlayer template by removing the innermost layer.
// The underlayer is one priority level less specific.
func (a FlowAttr) Strip() FlowAttr {
	if len(a.Specs) <= 1 {
		return FlowAttr{Priority: a.Priority, Port: a.Port, Specs: slices.Clone(a.Specs)}
	}
	return FlowAttr{
		Priority: a.Priority + 1,
		Port:     a.Port,
		Specs:    slices.Clone(a.Specs[:len(a.Specs)-1]),
	}
}

// Equal reports whether both rules match the same traffic at the same
// priority.
func (a FlowAttr) Equal(b FlowAttr) bool {
	return a.Priority == b.Priority && a.Port == b.Port && slices.Equal(a.Specs, b.Specs)
}

func (a FlowAttr) String() string {
	parts := make([]string, len(a.Specs))
	for i, s := range a.Specs {
		parts[i] = s.String()
	}
	return fmt.Sprintf("prio %d: %s", a.Priority, strings.Join(parts, " / "))
}
