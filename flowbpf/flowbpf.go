// Package flowbpf mirrors the flow rules installed on a device into an eBPF
// hash map so XDP or tc programs and bpftool can observe the steering
// table.
package flowbpf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/romshark/mlx5dp/mlx5"
)

var ErrUnknownFlow = errors.New("flow not mirrored")

// Key identifies a rule by what it matches on. Address and port masks are
// not part of it; the device never installs rules that differ only there.
type Key struct {
	Port       uint16
	Priority   uint16
	DstMAC     [6]byte
	DstMACMask [6]byte
	VLAN       uint16
	VLANMask   uint16
	// L3 is 4, 6 or 0 for any.
	L3 uint8
	// L4 is the IP protocol number, 0 for any.
	L4  uint8
	Pad [2]byte
}

// Value is the hash queue a rule steers into.
type Value struct {
	QP     uint32
	Flow   uint32
	Fields uint32
}

const (
	keySize   = 24
	valueSize = 12
)

// KeyOf derives the map key of a rule.
func KeyOf(attr mlx5.FlowAttr) Key {
	k := Key{Port: attr.Port, Priority: attr.Priority}
	for _, s := range attr.Specs {
		switch s := s.(type) {
		case mlx5.EthSpec:
			k.DstMAC, k.DstMACMask = s.DstMAC, s.DstMACMask
			k.VLAN, k.VLANMask = s.VLANTag&s.VLANMask, s.VLANMask
		case mlx5.IPv4Spec:
			k.L3 = 4
		case mlx5.IPv6Spec:
			k.L3 = 6
		case mlx5.TCPUDPSpec:
			k.L4 = 6
			if s.Proto == mlx5.SpecUDP {
				k.L4 = 17
			}
		}
	}
	return k
}

// NewMap creates the hash map rules are mirrored into.
func NewMap(maxEntries uint32) (*ebpf.Map, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "mlx5dp_flows",
		Type:       ebpf.Hash,
		KeySize:    keySize,
		ValueSize:  valueSize,
		MaxEntries: maxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating flow map: %w", err)
	}
	return m, nil
}

// Map is the subset of *ebpf.Map the mirror writes through.
type Map interface {
	Put(key, value any) error
	Delete(key any) error
}

var _ Map = (*ebpf.Map)(nil)

// Mirror is a mlx5.Verbs that forwards to another implementation and
// mirrors every flow rule it installs into a Map.
type Mirror struct {
	mlx5.Verbs
	m Map

	lock   sync.Mutex
	fields map[mlx5.QPHandle]mlx5.HashFields
	keys   map[mlx5.FlowHandle]Key
}

func NewMirror(v mlx5.Verbs, m Map) *Mirror {
	return &Mirror{
		Verbs:  v,
		m:      m,
		fields: make(map[mlx5.QPHandle]mlx5.HashFields),
		keys:   make(map[mlx5.FlowHandle]Key),
	}
}

func (r *Mirror) CreateHashQP(
	ind mlx5.IndTableHandle, fields mlx5.HashFields, key []byte,
) (mlx5.QPHandle, error) {
	qp, err := r.Verbs.CreateHashQP(ind, fields, key)
	if err != nil {
		return qp, err
	}
	r.lock.Lock()
	r.fields[qp] = fields
	r.lock.Unlock()
	return qp, nil
}

func (r *Mirror) DestroyQP(qp mlx5.QPHandle) error {
	if err := r.Verbs.DestroyQP(qp); err != nil {
		return err
	}
	r.lock.Lock()
	delete(r.fields, qp)
	r.lock.Unlock()
	return nil
}

// CreateFlow installs the rule on the device, then in the map. If the map
// refuses it the device rule is removed again.
func (r *Mirror) CreateFlow(qp mlx5.QPHandle, attr mlx5.FlowAttr) (mlx5.FlowHandle, error) {
	h, err := r.Verbs.CreateFlow(qp, attr)
	if err != nil {
		return h, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	k := KeyOf(attr)
	v := Value{QP: uint32(qp), Flow: uint32(h), Fields: uint32(r.fields[qp])}
	if err := r.m.Put(k, v); err != nil {
		return 0, errors.Join(
			fmt.Errorf("mirroring flow %s: %w", attr, err),
			r.Verbs.DestroyFlow(h),
		)
	}
	r.keys[h] = k
	return h, nil
}

func (r *Mirror) DestroyFlow(h mlx5.FlowHandle) error {
	if err := r.Verbs.DestroyFlow(h); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	k, ok := r.keys[h]
	if !ok {
		return fmt.Errorf("flow %d: %w", h, ErrUnknownFlow)
	}
	delete(r.keys, h)
	if err := r.m.Delete(k); err != nil {
		return fmt.Errorf("removing mirrored flow %d: %w", h, err)
	}
	return nil
}

// Len returns the number of mirrored rules.
func (r *Mirror) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.keys)
}
