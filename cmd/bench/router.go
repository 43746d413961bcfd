//go:build linux

package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/romshark/mlx5dp/mbuf"
)

type RouteConfig struct {
	Prefix  string `yaml:"prefix"`
	TxQueue uint16 `yaml:"tx-queue"`
	// DstMAC rewrites the destination address of routed packets when set.
	DstMAC string `yaml:"dst-mac"`
}

type route struct {
	prefix  netip.Prefix
	txq     int
	dstMAC  [6]byte
	rewrite bool
}

func parseRoutes(rs []RouteConfig, txqs uint16) ([]route, error) {
	out := make([]route, 0, len(rs))
	for i, rc := range rs {
		p, err := netip.ParsePrefix(rc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("routes[%d]: %s is not IPv4", i, p)
		}
		if rc.TxQueue >= txqs {
			return nil, fmt.Errorf("routes[%d]: tx-queue %d out of range", i, rc.TxQueue)
		}
		r := route{prefix: p.Masked(), txq: int(rc.TxQueue)}
		if rc.DstMAC != "" {
			mac, err := net.ParseMAC(rc.DstMAC)
			if err != nil || len(mac) != 6 {
				return nil, fmt.Errorf("routes[%d]: invalid dst-mac %q", i, rc.DstMAC)
			}
			r.dstMAC, r.rewrite = [6]byte(mac), true
		}
		out = append(out, r)
	}
	return out, nil
}

// makeRouterHandler returns a processor function forwarding IPv4 packets
// by the first route whose prefix holds the destination address. The
// source MAC of routed packets becomes srcMAC. Everything else is dropped.
func makeRouterHandler(
	routes []route, srcMAC [6]byte,
) func(queue uint16, pkt *mbuf.Mbuf) (int, error) {
	const (
		EthHdrLen = 14
		IPHdrMin  = 20
	)

	return func(_ uint16, pkt *mbuf.Mbuf) (int, error) {
		buf := pkt.Data()

		// Fast path: single bounds check
		if len(buf) < EthHdrLen+IPHdrMin {
			return -1, nil
		}
		if binary.BigEndian.Uint16(buf[12:14]) != 0x0800 { // IPv4
			return -1, nil
		}
		ip := buf[EthHdrLen:]
		if ip[0]>>4 != 4 {
			return -1, nil
		}
		dst := netip.AddrFrom4([4]byte(ip[16:20]))

		for i := range routes {
			r := &routes[i]
			if !r.prefix.Contains(dst) {
				continue
			}
			if r.rewrite {
				copy(buf[0:6], r.dstMAC[:])
			}
			copy(buf[6:12], srcMAC[:])
			return r.txq, nil
		}
		return -1, nil
	}
}
