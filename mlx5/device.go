// Package mlx5 is the data-plane core of a user-space driver for
// mlx5-class network adapters: receive and transmit rings with their
// completion queues, the memory region cache of the transmit path and the
// flow steering rules that spread inbound traffic over receive queues.
//
// The adapter itself is reached through the Verbs interface. Queues are
// driven by one polling goroutine each; everything on Device is control
// plane and serialized internally.
package mlx5

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"go.uber.org/zap"
)

const (
	DefaultQueues = 1
	MaxQueues     = 1024

	MaxMACs  = 128
	MaxVLANs = 128
)

var (
	ErrInvalidMAC  = errors.New("MAC address must be 6 bytes")
	ErrInvalidVLAN = errors.New("VLAN ID must be below 4096")
)

// Config configures a Device.
type Config struct {
	// Logger receives control plane events. Nil disables logging.
	Logger *zap.Logger
	// Port is reported in Mbuf.Port of received packets.
	Port uint16

	// RxQueues and TxQueues are the number of queue slots.
	RxQueues uint16
	TxQueues uint16

	// MACs are the unicast addresses accepted initially.
	MACs []net.HardwareAddr
	// VLANs is the initial VLAN filter. With an empty filter the rules
	// do not match on the VLAN ID at all, so tagged and untagged frames
	// are both accepted.
	VLANs        []uint16
	Promiscuous  bool
	AllMulticast bool

	// RSSKey is the 40-byte Toeplitz key, DefaultRSSKey if nil.
	RSSKey []byte
	// RSSHashFunctions selects the hashed traffic classes, RSSAll if 0.
	RSSHashFunctions RSSHashFunc
	// IPv6Flows enables the IPv6 hash types.
	IPv6Flows bool
	// SoftCounters enables packet and byte counters on every queue.
	SoftCounters bool
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.RxQueues == 0 {
		c.RxQueues = DefaultQueues
	}
	if c.TxQueues == 0 {
		c.TxQueues = DefaultQueues
	}
	if c.RxQueues > MaxQueues || c.TxQueues > MaxQueues {
		return ErrTooManyQueues
	}
	if c.RSSKey == nil {
		c.RSSKey = slices.Clone(DefaultRSSKey)
	}
	if len(c.RSSKey) != RSSKeyLen {
		return ErrRSSKeyLength
	}
	if c.RSSHashFunctions == 0 {
		c.RSSHashFunctions = RSSAll
	}
	if len(c.MACs) > MaxMACs {
		return ErrMACTableFull
	}
	for _, mac := range c.MACs {
		if len(mac) != 6 {
			return fmt.Errorf("%q: %w", mac, ErrInvalidMAC)
		}
	}
	if len(c.VLANs) > MaxVLANs {
		return ErrVLANTableFull
	}
	for _, v := range c.VLANs {
		if v > 0x0fff {
			return fmt.Errorf("%d: %w", v, ErrInvalidVLAN)
		}
	}
	return nil
}

// Device is the arena of the queues of one adapter port together with its
// receive mode, MAC table, VLAN filter and installed flow rules.
type Device struct {
	verbs Verbs
	caps  Caps
	conf  Config
	log   *zap.Logger

	mu   sync.Mutex
	rxqs []*RxQueue
	txqs []*TxQueue

	macs        [][6]byte
	vlans       []uint16
	promiscReq  bool
	allmultiReq bool

	started bool
	closed  bool

	indTables []IndTableHandle
	hashRxqs  []*hashRxQueue
}

// NewDevice creates a stopped device without queues.
func NewDevice(verbs Verbs, conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	d := &Device{
		verbs:       verbs,
		caps:        verbs.Caps(),
		conf:        conf,
		log:         conf.Logger,
		rxqs:        make([]*RxQueue, conf.RxQueues),
		txqs:        make([]*TxQueue, conf.TxQueues),
		promiscReq:  conf.Promiscuous,
		allmultiReq: conf.AllMulticast,
	}
	for _, mac := range conf.MACs {
		if !slices.Contains(d.macs, [6]byte(mac)) {
			d.macs = append(d.macs, [6]byte(mac))
		}
	}
	for _, v := range conf.VLANs {
		if !slices.Contains(d.vlans, v) {
			d.vlans = append(d.vlans, v)
		}
	}
	d.log.Info("device created",
		zap.Uint16("port", conf.Port),
		zap.Uint16("rx_queues", conf.RxQueues),
		zap.Uint16("tx_queues", conf.TxQueues),
		zap.Int("max_ind_table", d.caps.MaxIndTableSize))
	return d, nil
}

func (d *Device) Caps() Caps { return d.caps }

func (d *Device) Port() uint16 { return d.conf.Port }

// SetupRxQueue creates receive queue idx. An existing queue in the slot is
// replaced unless the device is started.
func (d *Device) SetupRxQueue(idx uint16, conf RxQueueConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if int(idx) >= len(d.rxqs) {
		return fmt.Errorf("rxq %d: %w", idx, ErrNoSuchQueue)
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("rxq %d: %w", idx, err)
	}
	if old := d.rxqs[idx]; old != nil {
		if d.started {
			return fmt.Errorf("rxq %d: %w", idx, ErrQueueExists)
		}
		d.rxqs[idx] = nil
		if err := old.release(); err != nil {
			return fmt.Errorf("rxq %d: releasing previous queue: %w", idx, err)
		}
	}
	q, err := newRxQueue(d.verbs, d.caps, d.log, idx, d.conf.Port, d.conf.SoftCounters, conf)
	if err != nil {
		return fmt.Errorf("rxq %d: %w", idx, err)
	}
	d.rxqs[idx] = q
	return nil
}

// SetupTxQueue creates transmit queue idx. An existing queue in the slot is
// replaced unless the device is started.
func (d *Device) SetupTxQueue(idx uint16, conf TxQueueConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if int(idx) >= len(d.txqs) {
		return fmt.Errorf("txq %d: %w", idx, ErrNoSuchQueue)
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("txq %d: %w", idx, err)
	}
	if old := d.txqs[idx]; old != nil {
		if d.started {
			return fmt.Errorf("txq %d: %w", idx, ErrQueueExists)
		}
		d.txqs[idx] = nil
		if err := old.release(); err != nil {
			return fmt.Errorf("txq %d: releasing previous queue: %w", idx, err)
		}
	}
	q, err := newTxQueue(d.verbs, d.caps, d.log, idx, d.conf.SoftCounters, conf)
	if err != nil {
		return fmt.Errorf("txq %d: %w", idx, err)
	}
	d.txqs[idx] = q
	return nil
}

// RxQueue returns receive queue idx or nil if it is not set up.
func (d *Device) RxQueue(idx uint16) *RxQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(idx) >= len(d.rxqs) {
		return nil
	}
	return d.rxqs[idx]
}

// TxQueue returns transmit queue idx or nil if it is not set up.
func (d *Device) TxQueue(idx uint16) *TxQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(idx) >= len(d.txqs) {
		return nil
	}
	return d.txqs[idx]
}

// RxQueues returns every receive queue that is set up, by index.
func (d *Device) RxQueues() []*RxQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(d.rxqs), func(q *RxQueue) bool { return q == nil })
}

// TxQueues returns every transmit queue that is set up, by index.
func (d *Device) TxQueues() []*TxQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(d.txqs), func(q *TxQueue) bool { return q == nil })
}

// ReleaseRxQueue tears down receive queue idx. Releasing an empty slot is
// a no-op.
func (d *Device) ReleaseRxQueue(idx uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(idx) >= len(d.rxqs) {
		return fmt.Errorf("rxq %d: %w", idx, ErrNoSuchQueue)
	}
	q := d.rxqs[idx]
	if q == nil {
		return nil
	}
	if d.started {
		return ErrDeviceStarted
	}
	d.rxqs[idx] = nil
	return q.release()
}

// ReleaseTxQueue tears down transmit queue idx. Releasing an empty slot is
// a no-op.
func (d *Device) ReleaseTxQueue(idx uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(idx) >= len(d.txqs) {
		return fmt.Errorf("txq %d: %w", idx, ErrNoSuchQueue)
	}
	q := d.txqs[idx]
	if q == nil {
		return nil
	}
	d.txqs[idx] = nil
	return q.release()
}

// RehashRxQueue rebuilds the ring of receive queue idx over new queue
// resources. The posted buffers move to the new ring; completions not yet
// polled are lost. Flow rules of a started device are rebuilt around it.
// If the new resources cannot be created the queue and the installed rules
// are left as they were and a *RehashError is returned. The queue must not
// be polled concurrently.
func (d *Device) RehashRxQueue(idx uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if int(idx) >= len(d.rxqs) || d.rxqs[idx] == nil {
		return fmt.Errorf("rxq %d: %w", idx, ErrNoSuchQueue)
	}
	q := d.rxqs[idx]
	next, err := q.create()
	if err != nil {
		q.log.Warn("rx queue rehash failed, keeping current ring", zap.Error(err))
		return &RehashError{Class: FlowHashRxQueue, Err: fmt.Errorf("rxq %d: %w", idx, err)}
	}

	started := d.started
	if started {
		if err := d.stopLocked(); err != nil {
			return errors.Join(err, q.destroy(next))
		}
	}
	swapErr := q.swap(next)
	if swapErr != nil {
		q.log.Warn("rx queue rehashed with errors", zap.Error(swapErr))
	} else {
		q.log.Info("rx queue rehashed")
	}
	if started {
		if err := d.startLocked(); err != nil {
			return errors.Join(swapErr, err)
		}
	}
	if swapErr != nil {
		return fmt.Errorf("rxq %d: %w", idx, swapErr)
	}
	return nil
}

// Start creates the hash RX queues over the receive queues and installs
// the flow rules. Starting a started device is a no-op.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.started {
		return nil
	}
	return d.startLocked()
}

func (d *Device) startLocked() error {
	var wqs []WQHandle
	for _, q := range d.rxqs {
		if q != nil {
			wqs = append(wqs, q.WQ())
		}
	}
	if len(wqs) == 0 {
		return ErrNoRxQueues
	}
	if err := d.createHashRxQueues(wqs); err != nil {
		return err
	}
	if err := d.rehashFlows(); err != nil {
		return errors.Join(err, d.destroyHashRxQueues())
	}
	d.started = true
	d.log.Info("device started",
		zap.Int("rx_queues", len(wqs)),
		zap.Int("hash_queues", len(d.hashRxqs)),
		zap.Int("ind_tables", len(d.indTables)))
	return nil
}

// Stop removes every flow rule and destroys the hash RX queues. Queues
// stay set up.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	return d.stopLocked()
}

func (d *Device) stopLocked() error {
	err := d.destroyHashRxQueues()
	d.started = false
	d.log.Info("device stopped")
	return err
}

// Close stops the device and releases every queue with its rings,
// completion queues and registered memory. It is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	if d.started {
		if err := d.stopLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	for i, q := range d.txqs {
		if q == nil {
			continue
		}
		if err := q.release(); err != nil {
			errs = append(errs, fmt.Errorf("txq %d: %w", i, err))
		}
		d.txqs[i] = nil
	}
	for i, q := range d.rxqs {
		if q == nil {
			continue
		}
		if err := q.release(); err != nil {
			errs = append(errs, fmt.Errorf("rxq %d: %w", i, err))
		}
		d.rxqs[i] = nil
	}
	d.log.Info("device closed")
	return errors.Join(errs...)
}

// RehashFlows rebuilds the installed flow rules from the current state.
// On failure the previous rule set is restored and a *RehashError is
// returned.
func (d *Device) RehashFlows() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if !d.started {
		return nil
	}
	return d.rehashFlows()
}

// update applies fn to the request state and rehashes a started device.
// fn returns the function undoing its change.
func (d *Device) update(fn func() (undo func(), err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	undo, err := fn()
	if err != nil || undo == nil {
		return err
	}
	if !d.started {
		return nil
	}
	if err := d.rehashFlows(); err != nil {
		undo()
		return err
	}
	return nil
}

// SetPromiscuous switches promiscuous mode. While it is on, only the
// promiscuous rules are installed.
func (d *Device) SetPromiscuous(on bool) error {
	return d.update(func() (func(), error) {
		if d.promiscReq == on {
			return nil, nil
		}
		d.promiscReq = on
		return func() { d.promiscReq = !on }, nil
	})
}

// SetAllMulticast switches reception of all multicast traffic.
func (d *Device) SetAllMulticast(on bool) error {
	return d.update(func() (func(), error) {
		if d.allmultiReq == on {
			return nil, nil
		}
		d.allmultiReq = on
		return func() { d.allmultiReq = !on }, nil
	})
}

// AddMAC adds a unicast address to the MAC table.
func (d *Device) AddMAC(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("%q: %w", mac, ErrInvalidMAC)
	}
	addr := [6]byte(mac)
	return d.update(func() (func(), error) {
		if slices.Contains(d.macs, addr) {
			return nil, nil
		}
		if len(d.macs) >= MaxMACs {
			return nil, ErrMACTableFull
		}
		d.macs = append(d.macs, addr)
		return func() { d.macs = d.macs[:len(d.macs)-1] }, nil
	})
}

// RemoveMAC removes a unicast address from the MAC table.
func (d *Device) RemoveMAC(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("%q: %w", mac, ErrInvalidMAC)
	}
	addr := [6]byte(mac)
	return d.update(func() (func(), error) {
		i := slices.Index(d.macs, addr)
		if i < 0 {
			return nil, fmt.Errorf("%s: %w", mac, ErrNoSuchMAC)
		}
		d.macs = slices.Delete(d.macs, i, i+1)
		return func() { d.macs = slices.Insert(d.macs, i, addr) }, nil
	})
}

// SetVLANFilter adds or removes id from the VLAN filter. With a non-empty
// filter, per VLAN rules only match the listed VLANs.
func (d *Device) SetVLANFilter(id uint16, on bool) error {
	if id > 0x0fff {
		return fmt.Errorf("%d: %w", id, ErrInvalidVLAN)
	}
	return d.update(func() (func(), error) {
		i := slices.Index(d.vlans, id)
		switch {
		case on && i >= 0, !on && i < 0:
			return nil, nil
		case on:
			if len(d.vlans) >= MaxVLANs {
				return nil, ErrVLANTableFull
			}
			d.vlans = append(d.vlans, id)
			return func() { d.vlans = d.vlans[:len(d.vlans)-1] }, nil
		default:
			d.vlans = slices.Delete(d.vlans, i, i+1)
			return func() { d.vlans = slices.Insert(d.vlans, i, id) }, nil
		}
	})
}

// AllowFlowType reports whether rules of class t are part of the rule set
// in the current receive mode.
func (d *Device) AllowFlowType(t FlowType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allowFlowType(t)
}

// MACs returns the MAC table.
func (d *Device) MACs() []net.HardwareAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]net.HardwareAddr, len(d.macs))
	for i, m := range d.macs {
		out[i] = net.HardwareAddr(slices.Clone(m[:]))
	}
	return out
}

// VLANs returns the VLAN filter.
func (d *Device) VLANs() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.vlans)
}

// Flows returns the installed flow rules grouped by hash type.
func (d *Device) Flows() []InstalledFlow {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installedFlows()
}

// HashTypes returns the hash types of the hash RX queues of a started
// device.
func (d *Device) HashTypes() []HashType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HashType, len(d.hashRxqs))
	for i, h := range d.hashRxqs {
		out[i] = h.typ
	}
	return out
}
