package mlx5

import (
	"sync"

	"go.uber.org/zap"

	"github.com/romshark/mlx5dp/mbuf"
)

// MRCacheSize is the number of pool registrations a transmit queue keeps.
const MRCacheSize = 8

type mrEntry struct {
	pool     *mbuf.Pool
	mr       *MemoryRegion
	inflight uint32
	// seq orders entries by insertion for eviction.
	seq uint64
	// gen changes whenever the slot is emptied, so that releases for a
	// previous occupant are ignored.
	gen    uint32
	cancel func()
}

// mrRef identifies the cache entry a posted segment holds a reference on.
type mrRef struct {
	slot uint8
	gen  uint32
}

// mrCache maps buffer pools to registered memory regions for one transmit
// queue. Only the owning queue's polling context touches the entries;
// pool destruction is queued under mu and applied at the next burst.
type mrCache struct {
	verbs Verbs
	log   *zap.Logger

	entries [MRCacheSize]mrEntry
	seq     uint64

	mu      sync.Mutex
	pending []*mbuf.Pool

	lookups uint64
	regs    uint64
}

func newMRCache(verbs Verbs, log *zap.Logger) *mrCache {
	return &mrCache{verbs: verbs, log: log}
}

// acquire returns the local key for pool and takes an in-flight reference
// on its entry. On a miss the pool memory is registered, evicting the
// oldest entry without in-flight references when the cache is full.
// ok is false when no entry can be made available.
func (c *mrCache) acquire(pool *mbuf.Pool) (ref mrRef, lkey uint32, ok bool) {
	c.lookups++
	free := -1
	for i := range c.entries {
		e := &c.entries[i]
		if e.pool == pool {
			e.inflight++
			return mrRef{slot: uint8(i), gen: e.gen}, e.mr.LKey, true
		}
		if e.pool == nil && free < 0 {
			free = i
		}
	}
	victim := free
	if free < 0 {
		victim = c.victim()
		if victim < 0 {
			return mrRef{}, 0, false
		}
	}

	// The victim stays registered until its replacement is.
	mr, err := c.verbs.RegMR(pool.Memory())
	if err != nil {
		c.log.Warn("registering pool memory",
			zap.String("pool", pool.Name()), zap.Error(err))
		return mrRef{}, 0, false
	}
	if free < 0 {
		c.evict(victim)
		free = victim
	}
	c.regs++
	c.seq++
	e := &c.entries[free]
	e.pool = pool
	e.mr = mr
	e.inflight = 1
	e.seq = c.seq
	e.cancel = pool.OnDestroy(func() { c.invalidate(pool) })
	c.log.Debug("registered pool memory",
		zap.String("pool", pool.Name()),
		zap.Uint32("lkey", mr.LKey),
		zap.Int("slot", free))
	return mrRef{slot: uint8(free), gen: e.gen}, mr.LKey, true
}

// victim returns the oldest entry without in-flight references, -1 if all
// of them are in flight.
func (c *mrCache) victim() int {
	v := -1
	for i := range c.entries {
		e := &c.entries[i]
		if e.inflight != 0 {
			continue
		}
		if v < 0 || e.seq < c.entries[v].seq {
			v = i
		}
	}
	return v
}

func (c *mrCache) evict(i int) {
	e := &c.entries[i]
	if e.cancel != nil {
		e.cancel()
	}
	if err := c.verbs.DeregMR(e.mr); err != nil {
		c.log.Warn("deregistering pool memory",
			zap.String("pool", e.pool.Name()), zap.Error(err))
	}
	c.log.Debug("evicted pool registration",
		zap.String("pool", e.pool.Name()), zap.Int("slot", i))
	*e = mrEntry{gen: e.gen + 1}
}

func (c *mrCache) release(ref mrRef) {
	e := &c.entries[ref.slot]
	if e.gen != ref.gen || e.inflight == 0 {
		return
	}
	e.inflight--
}

// invalidate is called by a pool being destroyed, from any goroutine.
func (c *mrCache) invalidate(pool *mbuf.Pool) {
	c.mu.Lock()
	c.pending = append(c.pending, pool)
	c.mu.Unlock()
}

// drainPending drops the registrations of destroyed pools.
func (c *mrCache) drainPending() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, pool := range pending {
		for i := range c.entries {
			if c.entries[i].pool == pool {
				c.evict(i)
			}
		}
	}
}

// flush deregisters every entry regardless of in-flight references.
func (c *mrCache) flush() {
	c.drainPending()
	for i := range c.entries {
		if c.entries[i].pool != nil {
			c.evict(i)
		}
	}
}

func (c *mrCache) len() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].pool != nil {
			n++
		}
	}
	return n
}
