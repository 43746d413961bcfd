// Package simnic is a software model of an mlx5-class adapter. It
// implements mlx5.Verbs and plays the hardware side of the rings: it
// consumes posted descriptors, DMAs frames into receive buffers, writes
// completion entries (compressed sessions included), classifies inbound
// frames against the installed flow rules and spreads them with a Toeplitz
// hash over the indirection tables.
//
// All ring memory is anonymous mmap'ed memory and the rings are accessed
// the way a device would: doorbell records and completion entries are
// exchanged with the driver through atomic 32-bit accesses only.
package simnic

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/romshark/mlx5dp/mlx5"
)

var (
	ErrInjected      = errors.New("injected failure")
	ErrUnknownHandle = errors.New("unknown handle")
	ErrBusy          = errors.New("resource still referenced")
	ErrInvalidArg    = errors.New("invalid argument")
	ErrNoResources   = errors.New("out of device resources")
	ErrBadWQE        = errors.New("malformed work queue entry")
)

const (
	DefaultMaxIndTableSize = 512
	DefaultBlueFlameSize   = 256
)

// Config describes the modelled device.
type Config struct {
	Logger *zap.Logger

	MaxIndTableSize int
	// MaxMRs limits the number of registered memory regions, 0 for no
	// limit.
	MaxMRs int

	NoChecksum    bool
	NoVLANStrip   bool
	NoCRCStrip    bool
	NoCompression bool
	NoBlueFlame   bool
	BlueFlameSize int
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxIndTableSize == 0 {
		c.MaxIndTableSize = DefaultMaxIndTableSize
	}
	if c.MaxIndTableSize&(c.MaxIndTableSize-1) != 0 {
		return fmt.Errorf("MaxIndTableSize %d: %w", c.MaxIndTableSize, ErrInvalidArg)
	}
	if c.BlueFlameSize == 0 {
		c.BlueFlameSize = DefaultBlueFlameSize
	}
	if c.BlueFlameSize%64 != 0 {
		return fmt.Errorf("BlueFlameSize %d: %w", c.BlueFlameSize, ErrInvalidArg)
	}
	return nil
}

type memRegion struct {
	handle uint32
	lkey   uint32
	mem    []byte
	base   uintptr
}

type hashQP struct {
	ind    mlx5.IndTableHandle
	fields mlx5.HashFields
	key    []byte
}

type flowRule struct {
	handle mlx5.FlowHandle
	qp     mlx5.QPHandle
	attr   mlx5.FlowAttr
	seq    uint64
}

// Stats counts what the model did with inbound and outbound traffic.
type Stats struct {
	Delivered uint64
	// Unmatched frames hit no installed flow rule.
	Unmatched uint64
	// NoBuffer frames found no posted receive descriptor.
	NoBuffer uint64
	// CQFull frames found no free completion entry.
	CQFull uint64

	TxSent   uint64
	TxErrors uint64
}

// NIC is the simulated adapter. It is safe for concurrent use.
type NIC struct {
	conf Config
	log  *zap.Logger

	mu         sync.Mutex
	nextHandle uint32
	mrs        map[uint32]*memRegion
	rxqs       map[mlx5.WQHandle]*rxQueue
	txqs       map[uint16]*txQueue
	inds       map[mlx5.IndTableHandle][]mlx5.WQHandle
	qps        map[mlx5.QPHandle]*hashQP
	flows      map[mlx5.FlowHandle]*flowRule
	flowSeq    uint64

	failRegMR      int
	failFlowsAfter int

	stats Stats
}

var _ mlx5.Verbs = (*NIC)(nil)

func New(conf Config) (*NIC, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &NIC{
		conf:           conf,
		log:            conf.Logger.Named("simnic"),
		mrs:            make(map[uint32]*memRegion),
		rxqs:           make(map[mlx5.WQHandle]*rxQueue),
		txqs:           make(map[uint16]*txQueue),
		inds:           make(map[mlx5.IndTableHandle][]mlx5.WQHandle),
		qps:            make(map[mlx5.QPHandle]*hashQP),
		flows:          make(map[mlx5.FlowHandle]*flowRule),
		failFlowsAfter: -1,
	}, nil
}

func (n *NIC) handle() uint32 {
	n.nextHandle++
	return n.nextHandle
}

func (n *NIC) Caps() mlx5.Caps {
	return mlx5.Caps{
		MaxIndTableSize: n.conf.MaxIndTableSize,
		HwChecksum:      !n.conf.NoChecksum,
		VLANStrip:       !n.conf.NoVLANStrip,
		CRCStrip:        !n.conf.NoCRCStrip,
		CQECompression:  !n.conf.NoCompression,
		BlueFlame:       !n.conf.NoBlueFlame,
	}
}

// FailRegMR makes the next k memory registrations fail.
func (n *NIC) FailRegMR(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failRegMR = k
}

// FailFlowsAfter lets k more flow rule creations succeed and fails the one
// after them. A negative k disables the injection.
func (n *NIC) FailFlowsAfter(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failFlowsAfter = k
}

func (n *NIC) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// MRs returns the number of registered memory regions.
func (n *NIC) MRs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mrs)
}

func (n *NIC) RegMR(mem []byte) (*mlx5.MemoryRegion, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(mem) == 0 {
		return nil, fmt.Errorf("registering empty region: %w", ErrInvalidArg)
	}
	if n.failRegMR > 0 {
		n.failRegMR--
		return nil, fmt.Errorf("registering memory: %w", ErrInjected)
	}
	if n.conf.MaxMRs > 0 && len(n.mrs) >= n.conf.MaxMRs {
		return nil, fmt.Errorf("registering memory: %w", ErrNoResources)
	}
	h := n.handle()
	r := &memRegion{
		handle: h,
		// Keys are distinct from handles so a mixup is caught.
		lkey: h<<8 | 0x5a,
		mem:  mem,
		base: addr(mem),
	}
	n.mrs[r.lkey] = r
	n.log.Debug("memory registered", zap.Uint32("lkey", r.lkey), zap.Int("len", len(mem)))
	return &mlx5.MemoryRegion{Handle: h, LKey: r.lkey, Addr: r.base, Length: len(mem)}, nil
}

func (n *NIC) DeregMR(mr *mlx5.MemoryRegion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.mrs[mr.LKey]
	if !ok || r.handle != mr.Handle {
		return fmt.Errorf("lkey %#x: %w", mr.LKey, ErrUnknownHandle)
	}
	delete(n.mrs, mr.LKey)
	n.log.Debug("memory deregistered", zap.Uint32("lkey", mr.LKey))
	return nil
}

// dma resolves a descriptor address range through the registered regions.
func (n *NIC) dma(lkey uint32, address uint64, length uint32) ([]byte, bool) {
	r, ok := n.mrs[lkey]
	if !ok {
		return nil, false
	}
	if uintptr(address) < r.base {
		return nil, false
	}
	off := uint64(uintptr(address) - r.base)
	if off+uint64(length) > uint64(len(r.mem)) {
		return nil, false
	}
	return r.mem[off : off+uint64(length)], true
}

func (n *NIC) CreateIndTable(wqs []mlx5.WQHandle) (mlx5.IndTableHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(wqs) == 0 || len(wqs)&(len(wqs)-1) != 0 || len(wqs) > n.conf.MaxIndTableSize {
		return 0, fmt.Errorf("indirection table of %d: %w", len(wqs), ErrInvalidArg)
	}
	for _, wq := range wqs {
		if _, ok := n.rxqs[wq]; !ok {
			return 0, fmt.Errorf("wq %d: %w", wq, ErrUnknownHandle)
		}
	}
	h := mlx5.IndTableHandle(n.handle())
	n.inds[h] = slices.Clone(wqs)
	return h, nil
}

func (n *NIC) DestroyIndTable(ind mlx5.IndTableHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inds[ind]; !ok {
		return fmt.Errorf("indirection table %d: %w", ind, ErrUnknownHandle)
	}
	for _, qp := range n.qps {
		if qp.ind == ind {
			return fmt.Errorf("indirection table %d: %w", ind, ErrBusy)
		}
	}
	delete(n.inds, ind)
	return nil
}

func (n *NIC) CreateHashQP(ind mlx5.IndTableHandle, fields mlx5.HashFields, key []byte) (mlx5.QPHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inds[ind]; !ok {
		return 0, fmt.Errorf("indirection table %d: %w", ind, ErrUnknownHandle)
	}
	if fields != 0 && len(key) != mlx5.RSSKeyLen {
		return 0, fmt.Errorf("RSS key of %d bytes: %w", len(key), ErrInvalidArg)
	}
	h := mlx5.QPHandle(n.handle())
	n.qps[h] = &hashQP{ind: ind, fields: fields, key: slices.Clone(key)}
	return h, nil
}

func (n *NIC) DestroyQP(qp mlx5.QPHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.qps[qp]; !ok {
		return fmt.Errorf("qp %d: %w", qp, ErrUnknownHandle)
	}
	for _, f := range n.flows {
		if f.qp == qp {
			return fmt.Errorf("qp %d: %w", qp, ErrBusy)
		}
	}
	delete(n.qps, qp)
	return nil
}

func (n *NIC) CreateFlow(qp mlx5.QPHandle, attr mlx5.FlowAttr) (mlx5.FlowHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.qps[qp]; !ok {
		return 0, fmt.Errorf("qp %d: %w", qp, ErrUnknownHandle)
	}
	if len(attr.Specs) == 0 {
		return 0, fmt.Errorf("flow without specs: %w", ErrInvalidArg)
	}
	switch {
	case n.failFlowsAfter == 0:
		n.failFlowsAfter = -1
		return 0, fmt.Errorf("creating flow: %w", ErrInjected)
	case n.failFlowsAfter > 0:
		n.failFlowsAfter--
	}
	h := mlx5.FlowHandle(n.handle())
	n.flowSeq++
	n.flows[h] = &flowRule{
		handle: h,
		qp:     qp,
		attr:   mlx5.FlowAttr{Priority: attr.Priority, Port: attr.Port, Specs: slices.Clone(attr.Specs)},
		seq:    n.flowSeq,
	}
	return h, nil
}

func (n *NIC) DestroyFlow(flow mlx5.FlowHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.flows[flow]; !ok {
		return fmt.Errorf("flow %d: %w", flow, ErrUnknownHandle)
	}
	delete(n.flows, flow)
	return nil
}

// Flow is an installed flow rule as the device sees it.
type Flow struct {
	Handle mlx5.FlowHandle
	QP     mlx5.QPHandle
	Fields mlx5.HashFields
	Attr   mlx5.FlowAttr
}

// Flows returns the installed rules in evaluation order.
func (n *NIC) Flows() []Flow {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Flow, 0, len(n.flows))
	for _, f := range n.sortedFlows() {
		out = append(out, Flow{Handle: f.handle, QP: f.qp, Fields: n.qps[f.qp].fields, Attr: f.attr})
	}
	return out
}

// sortedFlows orders rules by priority, then by installation.
func (n *NIC) sortedFlows() []*flowRule {
	fs := make([]*flowRule, 0, len(n.flows))
	for _, f := range n.flows {
		fs = append(fs, f)
	}
	slices.SortFunc(fs, func(a, b *flowRule) int {
		if c := cmp.Compare(a.attr.Priority, b.attr.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return fs
}
