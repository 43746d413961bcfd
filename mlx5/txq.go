package mlx5

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5/prm"
)

const (
	// MaxSegs is the largest number of segments a packet may have.
	MaxSegs = 16
	// MaxInlineLimit bounds TxQueueConfig.MaxInline so that an inline WQE
	// fits the 6-bit segment count of the control segment.
	MaxInlineLimit = 896

	MinTxDescs = 32

	maxCompletionCountdown = 64
)

// TxQueueConfig configures a transmit queue.
type TxQueueConfig struct {
	// Descs is the number of packet segments in flight and the number of
	// WQE basic blocks of the send queue, a power of two.
	Descs  uint16
	Socket int
	// MaxInline is the largest packet copied into the descriptor instead
	// of being referenced by address. 0 disables inlining.
	MaxInline int
	// BlueFlame enables the write-combining doorbell when the device
	// provides one.
	BlueFlame bool
	// Checksum honours mbuf.TxIPCksum and mbuf.TxL4Cksum.
	Checksum bool
	// Pools are registered at setup instead of on first use.
	Pools []*mbuf.Pool
}

func (c *TxQueueConfig) ValidateAndSetDefaults() error {
	if c.Descs == 0 {
		c.Descs = DefaultTxDescs
	}
	if c.Descs&(c.Descs-1) != 0 {
		return ErrDescsNotPowerOfTwo
	}
	if c.Descs < MinTxDescs || c.Descs > MaxDescs {
		return ErrDescsOutOfRange
	}
	if c.MaxInline < 0 || c.MaxInline > MaxInlineLimit {
		return ErrInlineTooLarge
	}
	if len(c.Pools) > MRCacheSize {
		return fmt.Errorf("%d pools exceed the memory region cache: %w", len(c.Pools), ErrNoMemoryRegion)
	}
	return nil
}

// TxQueue is a transmit queue. Burst must only be called from one
// goroutine at a time; Stats may be called from anywhere.
type TxQueue struct {
	idx   uint16
	verbs Verbs
	caps  Caps
	log   *zap.Logger
	conf  TxQueueConfig
	soft  bool

	res   *TxResources
	mr    *mrCache
	ring  txRing
	stats txCounters
}

func newTxQueue(
	verbs Verbs, caps Caps, log *zap.Logger, idx uint16, soft bool, conf TxQueueConfig,
) (*TxQueue, error) {
	q := &TxQueue{
		idx:   idx,
		verbs: verbs,
		caps:  caps,
		log:   log.With(zap.Uint16("txq", idx)),
		conf:  conf,
		soft:  soft,
	}
	if err := q.open(); err != nil {
		return nil, err
	}
	return q, nil
}

func completionCountdown(descs uint16) uint16 {
	return max(1, min(descs/4, maxCompletionCountdown))
}

func (q *TxQueue) open() error {
	c := q.conf
	res, err := q.verbs.CreateTxResources(TxResourceRequest{
		Index:     q.idx,
		WQEBBs:    c.Descs,
		CQEs:      c.Descs,
		Socket:    c.Socket,
		MaxInline: c.MaxInline,
	})
	if err != nil {
		return fmt.Errorf("creating tx resources: %w", err)
	}
	if len(res.WQEs) != int(c.Descs)*prm.WQEBBSize || len(res.CQEs) != int(c.Descs)*prm.CQESize {
		return errors.Join(ErrBadResources, q.verbs.DestroyTxResources(res))
	}

	var bf []byte
	bfSize := 0
	switch {
	case !c.BlueFlame:
	case !q.caps.BlueFlame || res.BlueFlame == nil:
		q.log.Warn("BlueFlame not available, using doorbell record only")
	case len(res.BlueFlame) < 2*res.BlueFlameSize || res.BlueFlameSize < prm.WQEBBSize:
		return errors.Join(ErrBadResources, q.verbs.DestroyTxResources(res))
	default:
		bf, bfSize = res.BlueFlame, res.BlueFlameSize
	}

	maxWQEBBs := prm.WQEBBs(2 + MaxSegs)
	if c.MaxInline > 0 {
		maxWQEBBs = max(maxWQEBBs, prm.WQEBBs(2+prm.InlineDS(c.MaxInline)))
	}

	q.res = res
	q.mr = newMRCache(q.verbs, q.log)
	cd := completionCountdown(c.Descs)
	q.ring = txRing{
		queue:     q.idx,
		qpNum:     res.QPNum,
		elts:      make([]txElt, c.Descs),
		eltsN:     c.Descs,
		eltsMask:  c.Descs - 1,
		wqes:      res.WQEs,
		wqeN:      c.Descs,
		wqeMask:   c.Descs - 1,
		maxWQEBBs: uint16(maxWQEBBs),
		cqes:      res.CQEs,
		cqeN:      c.Descs,
		cqeMask:   c.Descs - 1,
		qpDB:      res.QPDoorbell,
		cqDB:      res.CQDoorbell,
		bf:        bf,
		bfSize:    bfSize,
		cdInit:    cd,
		cd:        cd,
		maxInline: uint32(c.MaxInline),
		csum:      c.Checksum && q.caps.HwChecksum,
		mr:        q.mr,
		soft:      q.soft,
		stats:     &q.stats,
	}
	q.ring.init()

	for _, p := range c.Pools {
		ref, _, ok := q.mr.acquire(p)
		if !ok {
			return errors.Join(
				fmt.Errorf("registering pool %q: %w", p.Name(), ErrNoMemoryRegion),
				q.release(),
			)
		}
		q.mr.release(ref)
	}

	q.log.Debug("tx queue ready",
		zap.Uint16("descs", c.Descs),
		zap.Uint16("completion_countdown", cd),
		zap.Int("max_inline", c.MaxInline),
		zap.Bool("blueflame", bf != nil))
	return nil
}

func (q *TxQueue) Index() uint16 { return q.idx }

// Burst posts packets from the start of pkts and returns how many were
// taken. Ownership of taken packets passes to the queue; the rest stay
// with the caller. A packet is either posted completely or not taken,
// except that packets of more than MaxSegs segments are taken, counted in
// Dropped and freed. A non-nil error is a fatal queue fault.
func (q *TxQueue) Burst(pkts []*mbuf.Mbuf) (int, error) {
	hadFault := q.ring.fault != nil
	n, err := q.ring.burst(pkts)
	if err != nil && !hadFault {
		q.log.Error("tx queue fault", zap.Error(err))
	}
	return n, err
}

func (q *TxQueue) Stats() TxStats { return q.stats.snapshot() }

// InFlight returns the number of segments posted and not yet confirmed.
func (q *TxQueue) InFlight() int { return int(q.ring.eltsHead - q.ring.eltsTail) }

// release destroys the queue resources and frees every unconfirmed buffer.
// It is a no-op on a released queue.
func (q *TxQueue) release() error {
	if q.res == nil {
		return nil
	}
	var errs []error
	if err := q.verbs.DestroyTxResources(q.res); err != nil {
		errs = append(errs, fmt.Errorf("destroying tx resources: %w", err))
	}
	q.ring.drain()
	q.mr.flush()
	q.res = nil
	q.ring = txRing{}
	q.log.Debug("tx queue released")
	return errors.Join(errs...)
}

type txElt struct {
	m     *mbuf.Mbuf
	ref   mrRef
	hasMR bool
}

type txRing struct {
	queue uint16
	qpNum uint32

	elts               []txElt
	eltsN, eltsMask    uint16
	eltsHead, eltsTail uint16

	wqes          []byte
	wqeN, wqeMask uint16
	// wqeCI is the next WQEBB to write, wqePI the first one not known to
	// be consumed by the device.
	wqeCI, wqePI uint16
	maxWQEBBs    uint16

	cqes          []byte
	cqeN, cqeMask uint16
	cqCI          uint16

	qpDB, cqDB *uint32

	bf       []byte
	bfSize   int
	bfOffset int

	cdInit, cd uint16
	maxInline  uint32
	csum       bool
	mr         *mrCache

	soft  bool
	stats *txCounters
	fault error

	bfFull, bfCtrl uint64
}

func (r *txRing) init() {
	for i := uint16(0); i < r.cqeN; i++ {
		r.cqe(i).Invalidate()
	}
	prm.WriteDoorbell(r.cqDB, 0)
	prm.WriteDoorbell(r.qpDB, 0)
}

func (r *txRing) cqe(idx uint16) prm.CQE {
	off := int(idx&r.cqeMask) * prm.CQESize
	return prm.CQE(r.cqes[off : off+prm.CQESize])
}

// segOff returns the ring offset of segment i of the WQE starting at
// WQEBB wqe. WQEs wrap at the end of the ring segment by segment.
func (r *txRing) segOff(wqe uint16, i int) int {
	segs := int(r.wqeN) * prm.SegsPerWQEBB
	return (int(wqe&r.wqeMask)*prm.SegsPerWQEBB + i) % segs * prm.SegSize
}

func (r *txRing) seg(wqe uint16, i int) []byte {
	off := r.segOff(wqe, i)
	return r.wqes[off : off+prm.SegSize]
}

// copyInline copies data into the byte stream starting at segment seg of
// the WQE at wqe, off bytes in.
func (r *txRing) copyInline(wqe uint16, seg, off int, data []byte) {
	pos := (r.segOff(wqe, seg) + off) % len(r.wqes)
	n := copy(r.wqes[pos:], data)
	copy(r.wqes, data[n:])
}

func (r *txRing) faultf(idx uint16, format string, args ...any) error {
	return &CompletionError{Queue: r.queue, Tx: true, Index: idx, Reason: fmt.Sprintf(format, args...)}
}

// complete reclaims the buffers of every WQE up to the last reported
// completion.
func (r *txRing) complete() error {
	var last prm.CQE
	lastIdx := r.cqCI
	n := 0
	for {
		e := r.cqe(r.cqCI)
		opOwn := e.OpOwn()
		if !prm.Owned(opOwn, r.cqCI, r.cqeN) {
			break
		}
		switch op := prm.Opcode(opOwn); op {
		case prm.CQEReq:
		case prm.CQEReqErr:
			r.stats.errors.Add(1)
		default:
			return r.faultf(r.cqCI, "unexpected opcode %#x", op)
		}
		last, lastIdx = e, r.cqCI
		r.cqCI++
		n++
	}
	if n == 0 {
		return nil
	}

	wqe := last.WQECounter()
	if wqe-r.wqePI >= r.wqeCI-r.wqePI {
		return r.faultf(lastIdx, "completion for WQE %d outside posted range [%d, %d)", wqe, r.wqePI, r.wqeCI)
	}
	ctrl := prm.CtrlSeg(r.seg(wqe, 0))
	tail := uint16(ctrl.Imm())
	if tail-r.eltsTail > r.eltsHead-r.eltsTail {
		return r.faultf(lastIdx, "completion releases elts up to %d beyond head %d", tail, r.eltsHead)
	}
	for r.eltsTail != tail {
		e := &r.elts[r.eltsTail&r.eltsMask]
		if e.hasMR {
			r.mr.release(e.ref)
		}
		e.m.FreeSeg()
		*e = txElt{}
		r.eltsTail++
	}
	r.wqePI = wqe + uint16(prm.WQEBBs(int(ctrl.DS())))
	prm.WriteDoorbell(r.cqDB, uint32(r.cqCI)&0xffffff)
	return nil
}

func (r *txRing) burst(pkts []*mbuf.Mbuf) (int, error) {
	if r.fault != nil {
		return 0, r.fault
	}
	r.mr.drainPending()
	if err := r.complete(); err != nil {
		r.fault = err
		return 0, err
	}

	var (
		posted    int
		taken     int
		bytes     uint64
		lastWQE   uint16
		lastBBs   int
		refs      [MaxSegs]mrRef
		lkeys     [MaxSegs]uint32
		eltsFree  = r.eltsN - (r.eltsHead - r.eltsTail)
		wqebbFree = r.wqeN - (r.wqeCI - r.wqePI)
	)
	for _, m := range pkts {
		segs := int(m.NbSegs())
		if segs > MaxSegs {
			// It can never be posted. Taking it keeps callers from
			// retrying it forever.
			m.Free()
			r.stats.dropped.Add(1)
			taken++
			continue
		}
		if segs > int(eltsFree) {
			break
		}
		inline := r.maxInline > 0 && m.PktLen() <= r.maxInline
		ds := 2 + segs
		if inline {
			ds = 2 + prm.InlineDS(int(m.PktLen()))
		}
		bbs := prm.WQEBBs(ds)
		if bbs > int(wqebbFree) {
			break
		}

		if !inline {
			i, ok := 0, true
			for s := m; s != nil; s = s.Next() {
				refs[i], lkeys[i], ok = r.mr.acquire(s.Pool())
				if !ok {
					break
				}
				i++
			}
			if !ok {
				for _, ref := range refs[:i] {
					r.mr.release(ref)
				}
				break
			}
		}

		wqe := r.wqeCI
		var cs uint8
		if r.csum {
			if m.OlFlags.Has(mbuf.TxIPCksum) {
				cs |= prm.EthL3Csum
			}
			if m.OlFlags.Has(mbuf.TxL4Cksum) {
				cs |= prm.EthL4Csum
			}
		}
		prm.EthSeg(r.seg(wqe, 1)).Set(cs, m.VlanTCI, m.OlFlags.Has(mbuf.TxVLAN))
		if inline {
			prm.DataSeg(r.seg(wqe, 2)).SetInlineHeader(m.PktLen())
			off := 4
			for s := m; s != nil; s = s.Next() {
				r.copyInline(wqe, 2, off, s.Data())
				off += int(s.DataLen())
			}
		} else {
			i := 0
			for s := m; s != nil; s = s.Next() {
				prm.DataSeg(r.seg(wqe, 2+i)).Set(s.DataLen(), lkeys[i], s.Addr())
				i++
			}
		}

		i := 0
		for s := m; s != nil; i++ {
			next := s.Next()
			r.elts[r.eltsHead&r.eltsMask] = txElt{m: s, ref: refs[i], hasMR: !inline}
			r.eltsHead++
			s = next
		}
		eltsFree -= uint16(segs)
		wqebbFree -= uint16(bbs)

		// Request a completion on countdown expiry, and whenever the ring
		// could not take a worst case packet anymore.
		var fm uint8
		r.cd--
		if r.cd == 0 || eltsFree < MaxSegs || wqebbFree < r.maxWQEBBs {
			fm = prm.CtrlCQUpdate
			r.cd = r.cdInit
		}
		prm.CtrlSeg(r.seg(wqe, 0)).Set(wqe, prm.OpcodeSend, r.qpNum, uint8(ds), fm, uint32(r.eltsHead))

		r.wqeCI += uint16(bbs)
		lastWQE, lastBBs = wqe, bbs
		posted++
		taken++
		bytes += uint64(m.PktLen())
	}

	if posted > 0 {
		prm.WriteDoorbell(r.qpDB, uint32(r.wqeCI))
		r.ringBlueFlame(lastWQE, lastBBs, posted == 1)
		if r.soft {
			r.stats.packets.Add(uint64(posted))
			r.stats.bytes.Add(bytes)
		}
	}
	return taken, nil
}

// ringBlueFlame writes the last WQE of a burst to the BlueFlame register:
// all of it when it is the only one and fits, otherwise the first eight
// bytes of its control segment.
func (r *txRing) ringBlueFlame(wqe uint16, bbs int, single bool) {
	if r.bf == nil {
		return
	}
	dst := r.bf[r.bfOffset : r.bfOffset+r.bfSize]
	if single && bbs*prm.WQEBBSize <= r.bfSize {
		for i := 0; i < bbs*prm.SegsPerWQEBB; i++ {
			copy(dst[i*prm.SegSize:], r.seg(wqe, i))
		}
		r.bfFull++
	} else {
		copy(dst[:8], r.seg(wqe, 0)[:8])
		r.bfCtrl++
	}
	r.bfOffset ^= r.bfSize
}

// drain frees every buffer not yet confirmed by a completion.
func (r *txRing) drain() {
	for r.eltsTail != r.eltsHead {
		e := &r.elts[r.eltsTail&r.eltsMask]
		if e.m != nil {
			e.m.FreeSeg()
		}
		*e = txElt{}
		r.eltsTail++
	}
}
