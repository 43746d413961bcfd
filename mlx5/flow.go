package mlx5

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"

	"go.uber.org/zap"
)

// flowCell identifies one rule slot of a hash RX queue. At most one rule is
// installed per cell.
type flowCell struct {
	Type   FlowType
	MAC    [6]byte
	VLAN   uint16
	Tagged bool
}

func compareCells(a, b flowCell) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	if c := bytes.Compare(a.MAC[:], b.MAC[:]); c != 0 {
		return c
	}
	if a.Tagged != b.Tagged {
		if a.Tagged {
			return 1
		}
		return -1
	}
	return cmp.Compare(a.VLAN, b.VLAN)
}

func sortedCells[V any](m map[flowCell]V) []flowCell {
	return slices.SortedFunc(maps.Keys(m), compareCells)
}

type installedFlow struct {
	handle FlowHandle
	attr   FlowAttr
}

// hashRxQueue is the RSS queue pair of one hash type and the rules
// steering traffic into it.
type hashRxQueue struct {
	typ   HashType
	qp    QPHandle
	flows map[flowCell]installedFlow
}

// InstalledFlow describes a flow rule currently installed on the device.
type InstalledFlow struct {
	HashType HashType
	Type     FlowType
	MAC      net.HardwareAddr
	VLAN     uint16
	// Tagged is set when the rule only matches VLAN tagged traffic.
	Tagged bool
	Attr   FlowAttr
	Handle FlowHandle
}

// allowFlowType reports whether rules of class t belong in the rule set
// for the requested receive mode.
func (d *Device) allowFlowType(t FlowType) bool {
	if d.promiscReq {
		return t == FlowPromisc
	}
	switch t {
	case FlowPromisc:
		return false
	case FlowAllMulti:
		return d.allmultiReq
	case FlowBroadcast, FlowIPv6Multi:
		// All-multicast already covers both.
		return !d.allmultiReq
	case FlowMAC:
		return true
	}
	return false
}

// desiredFlows computes the rule set of h for the current receive mode,
// MAC table and VLAN filter.
func (d *Device) desiredFlows(h *hashRxQueue) map[flowCell]FlowAttr {
	out := make(map[flowCell]FlowAttr)
	base := FlowAttrFor(h.typ)
	base.Port = d.conf.Port
	for _, ft := range FlowTypes() {
		if !d.allowFlowType(ft) {
			continue
		}
		if ft == FlowMAC {
			for _, mac := range d.macs {
				d.addCells(out, ft, base, mac, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, true)
			}
			continue
		}
		sf := specialFlowInits[ft]
		if !sf.types.has(h.typ) {
			continue
		}
		d.addCells(out, ft, base, sf.dstMAC, sf.dstMACMask, sf.perVLAN)
	}
	return out
}

func (d *Device) addCells(
	out map[flowCell]FlowAttr, ft FlowType, base FlowAttr, mac, mask [6]byte, perVLAN bool,
) {
	if !perVLAN || len(d.vlans) == 0 {
		out[flowCell{Type: ft, MAC: mac}] = base.WithEth(EthSpec{DstMAC: mac, DstMACMask: mask})
		return
	}
	for _, v := range d.vlans {
		out[flowCell{Type: ft, MAC: mac, VLAN: v, Tagged: true}] = base.WithEth(EthSpec{
			DstMAC:     mac,
			DstMACMask: mask,
			VLANTag:    v,
			VLANMask:   0x0fff,
		})
	}
}

// rehashFlows brings the installed rules in line with the desired rule
// set. Stale rules are removed before new ones are installed. On failure
// the rules added by this pass are destroyed and the removed ones are
// reinstalled.
func (d *Device) rehashFlows() error {
	type change struct {
		h    *hashRxQueue
		cell flowCell
		flow installedFlow
	}
	var removed, added []change

	desired := make([]map[flowCell]FlowAttr, len(d.hashRxqs))
	for i, h := range d.hashRxqs {
		desired[i] = d.desiredFlows(h)
	}

	fail := func(class FlowType, err error) error {
		var rbErrs []error
		for i := len(added) - 1; i >= 0; i-- {
			a := added[i]
			if err := d.verbs.DestroyFlow(a.flow.handle); err != nil {
				rbErrs = append(rbErrs, fmt.Errorf("removing %s flow: %w", a.cell.Type, err))
				continue
			}
			delete(a.h.flows, a.cell)
		}
		for _, r := range removed {
			handle, err := d.verbs.CreateFlow(r.h.qp, r.flow.attr)
			if err != nil {
				rbErrs = append(rbErrs, fmt.Errorf("restoring %s flow: %w", r.cell.Type, err))
				continue
			}
			r.h.flows[r.cell] = installedFlow{handle: handle, attr: r.flow.attr}
		}
		rerr := &RehashError{Class: class, Err: err, RollbackErr: errors.Join(rbErrs...)}
		d.log.Error("rehashing flows",
			zap.Stringer("class", class),
			zap.Error(err),
			zap.NamedError("rollback", rerr.RollbackErr))
		return rerr
	}

	for i, h := range d.hashRxqs {
		for _, cell := range sortedCells(h.flows) {
			cur := h.flows[cell]
			if want, ok := desired[i][cell]; ok && want.Equal(cur.attr) {
				continue
			}
			if err := d.verbs.DestroyFlow(cur.handle); err != nil {
				return fail(cell.Type, fmt.Errorf("removing %s flow: %w", h.typ, err))
			}
			delete(h.flows, cell)
			removed = append(removed, change{h: h, cell: cell, flow: cur})
		}
	}
	for i, h := range d.hashRxqs {
		for _, cell := range sortedCells(desired[i]) {
			if _, ok := h.flows[cell]; ok {
				continue
			}
			attr := desired[i][cell]
			handle, err := d.verbs.CreateFlow(h.qp, attr)
			if err != nil {
				return fail(cell.Type, fmt.Errorf("installing %s flow (%s): %w", h.typ, attr, err))
			}
			f := installedFlow{handle: handle, attr: attr}
			h.flows[cell] = f
			added = append(added, change{h: h, cell: cell, flow: f})
		}
	}
	d.log.Debug("flows rehashed",
		zap.Int("removed", len(removed)),
		zap.Int("added", len(added)))
	return nil
}

// removeFlows destroys every installed rule.
func (d *Device) removeFlows() error {
	var errs []error
	for _, h := range d.hashRxqs {
		for _, cell := range sortedCells(h.flows) {
			if err := d.verbs.DestroyFlow(h.flows[cell].handle); err != nil {
				errs = append(errs, fmt.Errorf("removing %s %s flow: %w", h.typ, cell.Type, err))
			}
			delete(h.flows, cell)
		}
	}
	return errors.Join(errs...)
}

// createHashRxQueues builds the indirection tables over the receive
// queues and one RSS queue pair per active hash type.
func (d *Device) createHashRxQueues(wqs []WQHandle) error {
	layout := makeIndTableLayout(len(wqs), d.caps.MaxIndTableSize, d.conf.RSSHashFunctions, d.conf.IPv6Flows)
	for _, l := range layout {
		ind, err := d.verbs.CreateIndTable(fillIndTable(wqs, l.size))
		if err != nil {
			return &RehashError{
				Class:       FlowHashRxQueue,
				Err:         fmt.Errorf("creating indirection table of %d: %w", l.size, err),
				RollbackErr: d.destroyHashRxQueues(),
			}
		}
		d.indTables = append(d.indTables, ind)
		for _, t := range l.types {
			qp, err := d.verbs.CreateHashQP(ind, t.Fields(), d.conf.RSSKey)
			if err != nil {
				return &RehashError{
					Class:       FlowHashRxQueue,
					Err:         fmt.Errorf("creating %s hash queue: %w", t, err),
					RollbackErr: d.destroyHashRxQueues(),
				}
			}
			d.hashRxqs = append(d.hashRxqs, &hashRxQueue{
				typ:   t,
				qp:    qp,
				flows: make(map[flowCell]installedFlow),
			})
		}
		d.log.Debug("indirection table ready",
			zap.Int("size", l.size),
			zap.Stringers("types", l.types))
	}
	return nil
}

func (d *Device) destroyHashRxQueues() error {
	errs := []error{d.removeFlows()}
	for _, h := range d.hashRxqs {
		if err := d.verbs.DestroyQP(h.qp); err != nil {
			errs = append(errs, fmt.Errorf("destroying %s hash queue: %w", h.typ, err))
		}
	}
	for _, ind := range d.indTables {
		if err := d.verbs.DestroyIndTable(ind); err != nil {
			errs = append(errs, fmt.Errorf("destroying indirection table: %w", err))
		}
	}
	d.hashRxqs = nil
	d.indTables = nil
	return errors.Join(errs...)
}

func (d *Device) installedFlows() []InstalledFlow {
	var out []InstalledFlow
	for _, h := range d.hashRxqs {
		for _, cell := range sortedCells(h.flows) {
			f := h.flows[cell]
			out = append(out, InstalledFlow{
				HashType: h.typ,
				Type:     cell.Type,
				MAC:      net.HardwareAddr(slices.Clone(cell.MAC[:])),
				VLAN:     cell.VLAN,
				Tagged:   cell.Tagged,
				Attr:     f.attr,
				Handle:   f.handle,
			})
		}
	}
	return out
}
