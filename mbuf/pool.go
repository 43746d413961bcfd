// Package mbuf implements packet buffers and fixed-size buffer pools.
//
// A Pool carves a single page-aligned anonymous mapping into equally sized
// buffers. The whole mapping is what gets registered with the adapter as a
// memory region, so every buffer of a pool shares one local access key.
package mbuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrCapacityZero     = errors.New("Capacity must be > 0")
	ErrHeadroomTooLarge = errors.New("Headroom must be < DataRoom")
	ErrPoolDestroyed    = errors.New("pool destroyed")
)

const (
	DefaultCapacity = 4096
	DefaultHeadroom = 128
	DefaultDataRoom = 2048 + DefaultHeadroom
)

// PoolConfig controls the geometry of a Pool.
type PoolConfig struct {
	// Name identifies the pool in logs and metrics.
	Name string
	// Capacity is the number of buffers in the pool.
	Capacity uint32
	// DataRoom is the size of each buffer including headroom.
	DataRoom uint32
	// Headroom is reserved in front of the packet data of every buffer.
	Headroom uint32
	// Socket is the NUMA node hint the pool was created for.
	Socket int
}

func (c *PoolConfig) ValidateAndSetDefaults() error {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.DataRoom == 0 {
		c.DataRoom = DefaultDataRoom
	}
	if c.Headroom == 0 {
		c.Headroom = DefaultHeadroom
	}
	if c.Headroom >= c.DataRoom {
		return ErrHeadroomTooLarge
	}
	return nil
}

var poolIDs atomic.Uint64

// Pool is a fixed-capacity set of equally sized packet buffers.
//
// Pool is safe for concurrent use: receive queues allocate from it while
// transmit queues of other polling contexts free into it.
type Pool struct {
	id   uint64
	conf PoolConfig
	mem  []byte
	bufs []Mbuf

	mu        sync.Mutex
	free      []uint32
	destroyed bool
	nextSub   int
	onDestroy map[int]func()
}

// NewPool maps the pool memory and initializes all buffers as free.
func NewPool(conf PoolConfig) (*Pool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	length := int(conf.Capacity) * int(conf.DataRoom)
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap pool %q: %w", conf.Name, err)
	}

	p := &Pool{
		id:        poolIDs.Add(1),
		conf:      conf,
		mem:       mem,
		bufs:      make([]Mbuf, conf.Capacity),
		free:      make([]uint32, conf.Capacity),
		onDestroy: make(map[int]func()),
	}
	for i := uint32(0); i < conf.Capacity; i++ {
		start := int(i) * int(conf.DataRoom)
		p.bufs[i] = Mbuf{
			pool:  p,
			index: i,
			buf:   mem[start : start+int(conf.DataRoom) : start+int(conf.DataRoom)],
		}
		// Pop order is ascending buffer index.
		p.free[i] = conf.Capacity - 1 - i
	}
	return p, nil
}

func (p *Pool) ID() uint64       { return p.id }
func (p *Pool) Name() string     { return p.conf.Name }
func (p *Pool) Capacity() uint32 { return p.conf.Capacity }
func (p *Pool) DataRoom() uint32 { return p.conf.DataRoom }
func (p *Pool) Headroom() uint32 { return p.conf.Headroom }
func (p *Pool) Socket() int      { return p.conf.Socket }

// Memory returns the backing region of the pool, the range that has to be
// registered with the device for DMA.
func (p *Pool) Memory() []byte { return p.mem }

// Base returns the virtual address of the first byte of the pool memory.
func (p *Pool) Base() uintptr { return uintptr(unsafe.Pointer(&p.mem[0])) }

// Avail returns the number of buffers currently free.
func (p *Pool) Avail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of buffers currently allocated.
func (p *Pool) InUse() int { return int(p.conf.Capacity) - p.Avail() }

// Alloc returns a reset buffer or nil if the pool is exhausted or destroyed.
func (p *Pool) Alloc() *Mbuf {
	p.mu.Lock()
	if p.destroyed || len(p.free) == 0 {
		p.mu.Unlock()
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	m := &p.bufs[idx]
	m.reset(p.conf.Headroom)
	m.allocated = true
	return m
}

// AllocBulk fills dst completely or allocates nothing.
func (p *Pool) AllocBulk(dst []*Mbuf) bool {
	p.mu.Lock()
	if p.destroyed || len(p.free) < len(dst) {
		p.mu.Unlock()
		return false
	}
	n := len(p.free)
	idxs := p.free[n-len(dst):]
	p.free = p.free[:n-len(dst)]
	for i, idx := range idxs {
		m := &p.bufs[idx]
		m.reset(p.conf.Headroom)
		m.allocated = true
		dst[i] = m
	}
	p.mu.Unlock()
	return true
}

func (p *Pool) put(m *Mbuf) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if !m.allocated {
		panic(fmt.Sprintf("mbuf: double free of buffer %d in pool %q", m.index, p.conf.Name))
	}
	m.allocated = false
	p.free = append(p.free, m.index)
}

// OnDestroy registers fn to be called once when the pool is destroyed.
// The returned function cancels the subscription.
func (p *Pool) OnDestroy(fn func()) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.onDestroy[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.onDestroy, id)
		p.mu.Unlock()
	}
}

// Destroy notifies subscribers and unmaps the pool memory.
// Buffers still held by callers must not be touched afterwards.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrPoolDestroyed
	}
	p.destroyed = true
	subs := make([]func(), 0, len(p.onDestroy))
	for _, fn := range p.onDestroy {
		subs = append(subs, fn)
	}
	clear(p.onDestroy)
	p.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	if err := unix.Munmap(p.mem); err != nil {
		return fmt.Errorf("munmap pool %q: %w", p.conf.Name, err)
	}
	p.mem = nil
	return nil
}
