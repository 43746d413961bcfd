package mlx5

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5/prm"
)

const (
	DefaultRxDescs = 512
	DefaultTxDescs = 512

	MinDescs = 2
	MaxDescs = 1 << 15

	// MinRxBufSize is the smallest usable receive buffer behind headroom.
	MinRxBufSize = 64
	// MaxRxSegs bounds the buffers a receive descriptor gathers.
	MaxRxSegs = 4
)

// RxQueueConfig configures a receive queue.
type RxQueueConfig struct {
	// Descs is the number of descriptors, a power of two.
	Descs  uint16
	Socket int
	// Pool provides the receive buffers. It must hold at least Descs
	// free buffers.
	Pool *mbuf.Pool

	// Checksum enables reporting of hardware checksum verification.
	Checksum bool
	// VLANStrip removes 802.1Q tags and reports them in Mbuf.VlanTCI.
	VLANStrip bool
	// KeepCRC leaves the Ethernet FCS in the buffer; it is still trimmed
	// from the reported length.
	KeepCRC bool
	// DisableCompression stops the hardware from batching completions.
	DisableCompression bool
	// MaxRxPktLen is the largest frame the queue receives. When it does
	// not fit one pool buffer every descriptor gathers as many buffers as
	// needed, rounded up to a power of two, and packets arrive as segment
	// chains. Such queues do not use completion compression.
	MaxRxPktLen uint32
	// Timestamp reports the completion timestamp in Mbuf.Timestamp.
	// Packets of a compressed session share the timestamp of its first
	// packet.
	Timestamp bool
}

func (c *RxQueueConfig) ValidateAndSetDefaults() error {
	if c.Pool == nil {
		return ErrNoPool
	}
	if c.Descs == 0 {
		c.Descs = DefaultRxDescs
	}
	if c.Descs&(c.Descs-1) != 0 {
		return ErrDescsNotPowerOfTwo
	}
	if c.Descs < MinDescs || c.Descs > MaxDescs {
		return ErrDescsOutOfRange
	}
	if c.Pool.DataRoom()-c.Pool.Headroom() < MinRxBufSize {
		return ErrBufferTooSmall
	}
	segs := c.segs()
	if segs > MaxRxSegs {
		return ErrPktLenTooLarge
	}
	if uint32(c.Descs)*uint32(segs) > c.Pool.Capacity() {
		return ErrPoolTooSmall
	}
	return nil
}

// segs returns the number of buffers gathered per descriptor.
func (c *RxQueueConfig) segs() int {
	room := c.Pool.DataRoom() - c.Pool.Headroom()
	need := c.MaxRxPktLen
	if c.KeepCRC {
		need += prm.CRCLen
	}
	if need <= room {
		return 1
	}
	n := int((need + room - 1) / room)
	segs := 1
	for segs < n {
		segs <<= 1
	}
	return segs
}

// RxQueue is a receive queue. Burst must only be called from one goroutine
// at a time; Stats may be called from anywhere.
type RxQueue struct {
	idx   uint16
	verbs Verbs
	caps  Caps
	log   *zap.Logger
	conf  RxQueueConfig
	port  uint16
	soft  bool

	res   *RxResources
	mr    *MemoryRegion
	ring  rxRing
	stats rxCounters
}

func newRxQueue(
	verbs Verbs, caps Caps, log *zap.Logger, idx, port uint16, soft bool, conf RxQueueConfig,
) (*RxQueue, error) {
	q := &RxQueue{
		idx:   idx,
		verbs: verbs,
		caps:  caps,
		log:   log.With(zap.Uint16("rxq", idx)),
		conf:  conf,
		port:  port,
		soft:  soft,
	}
	if err := q.open(); err != nil {
		return nil, err
	}
	return q, nil
}

// rxBuild is a set of queue resources not yet attached to a ring.
type rxBuild struct {
	res *RxResources
	mr  *MemoryRegion

	segs int

	csum, vlanStrip, crcStrip, compress bool
}

// create registers the pool memory and creates the device resources for
// the queue config. The current ring is not touched.
func (q *RxQueue) create() (*rxBuild, error) {
	c := q.conf
	b := &rxBuild{
		segs:      c.segs(),
		csum:      c.Checksum && q.caps.HwChecksum,
		vlanStrip: c.VLANStrip && q.caps.VLANStrip,
		crcStrip:  !c.KeepCRC && q.caps.CRCStrip,
	}
	b.compress = !c.DisableCompression && q.caps.CQECompression && b.segs == 1
	if c.Checksum && !b.csum {
		q.log.Warn("checksum offload not supported, disabled")
	}
	if c.VLANStrip && !b.vlanStrip {
		q.log.Warn("VLAN stripping not supported, disabled")
	}

	mr, err := q.verbs.RegMR(c.Pool.Memory())
	if err != nil {
		return nil, fmt.Errorf("registering pool %q: %w", c.Pool.Name(), err)
	}
	res, err := q.verbs.CreateRxResources(RxResourceRequest{
		Index:     q.idx,
		Descs:     c.Descs,
		CQEs:      c.Descs,
		Socket:    c.Socket,
		Checksum:  b.csum,
		VLANStrip: b.vlanStrip,
		CRCStrip:  b.crcStrip,
		Compress:  b.compress,
		Segs:      uint8(b.segs),
	})
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("creating rx resources: %w", err),
			q.verbs.DeregMR(mr),
		)
	}
	if len(res.WQEs) != int(c.Descs)*b.segs*prm.SegSize || len(res.CQEs) != int(c.Descs)*prm.CQESize {
		return nil, errors.Join(ErrBadResources,
			q.verbs.DestroyRxResources(res), q.verbs.DeregMR(mr))
	}
	b.res, b.mr = res, mr
	return b, nil
}

// destroy releases resources that never got attached.
func (q *RxQueue) destroy(b *rxBuild) error {
	return errors.Join(q.verbs.DestroyRxResources(b.res), q.verbs.DeregMR(b.mr))
}

func (q *RxQueue) open() error {
	b, err := q.create()
	if err != nil {
		return err
	}
	bufs := make([]*mbuf.Mbuf, int(q.conf.Descs)*b.segs)
	if !q.conf.Pool.AllocBulk(bufs) {
		return errors.Join(
			fmt.Errorf("filling %d buffers from pool %q: %w",
				len(bufs), q.conf.Pool.Name(), ErrPoolTooSmall),
			q.destroy(b),
		)
	}
	q.attach(b, bufs)
	return nil
}

// attach builds the ring over b and posts bufs into every slot.
func (q *RxQueue) attach(b *rxBuild, bufs []*mbuf.Mbuf) {
	c := q.conf
	q.res = b.res
	q.mr = b.mr
	q.ring = rxRing{
		queue:      q.idx,
		port:       q.port,
		pool:       c.Pool,
		lkey:       b.mr.LKey,
		elts:       make([]*mbuf.Mbuf, int(c.Descs)*b.segs),
		segs:       b.segs,
		reps:       make([]*mbuf.Mbuf, b.segs),
		mask:       c.Descs - 1,
		wqes:       b.res.WQEs,
		cqes:       b.res.CQEs,
		cqeN:       c.Descs,
		cqeMask:    c.Descs - 1,
		rqDB:       b.res.RQDoorbell,
		cqDB:       b.res.CQDoorbell,
		csum:       b.csum,
		vlanStrip:  b.vlanStrip,
		crcPresent: !b.crcStrip,
		timestamp:  c.Timestamp,
		soft:       q.soft,
		stats:      &q.stats,
	}
	q.ring.fill(bufs)
	q.log.Debug("rx queue ready",
		zap.Uint16("descs", c.Descs),
		zap.Int("segs", b.segs),
		zap.String("pool", c.Pool.Name()),
		zap.Bool("checksum", b.csum),
		zap.Bool("vlan_strip", b.vlanStrip),
		zap.Bool("crc_strip", b.crcStrip),
		zap.Bool("compress", b.compress),
		zap.Bool("timestamp", c.Timestamp))
}

func (q *RxQueue) Index() uint16 { return q.idx }

// WQ returns the work queue handle the indirection tables point at.
func (q *RxQueue) WQ() WQHandle { return q.res.WQ }

func (q *RxQueue) Pool() *mbuf.Pool { return q.conf.Pool }

// Burst receives up to len(pkts) packets without blocking and returns how
// many were stored in pkts. Ownership of the returned buffers passes to
// the caller. A non-nil error is a fatal queue fault; the queue returns it
// from every later call.
func (q *RxQueue) Burst(pkts []*mbuf.Mbuf) (int, error) {
	hadFault := q.ring.fault != nil
	n, err := q.ring.burst(pkts)
	if err != nil && !hadFault {
		q.log.Error("rx queue fault", zap.Error(err))
	}
	return n, err
}

func (q *RxQueue) Stats() RxStats { return q.stats.snapshot() }

// swap moves the buffers posted on the current ring to a new ring over b
// and destroys the old resources. Completions not yet polled are lost.
func (q *RxQueue) swap(b *rxBuild) error {
	bufs := q.ring.take()
	old := &rxBuild{res: q.res, mr: q.mr}
	q.attach(b, bufs)
	if err := q.destroy(old); err != nil {
		return fmt.Errorf("destroying previous rx resources: %w", err)
	}
	return nil
}

// release frees every posted buffer and destroys the queue resources.
// It is a no-op on a released queue.
func (q *RxQueue) release() error {
	if q.res == nil {
		return nil
	}
	q.ring.drain()
	var errs []error
	if err := q.verbs.DestroyRxResources(q.res); err != nil {
		errs = append(errs, fmt.Errorf("destroying rx resources: %w", err))
	}
	if err := q.verbs.DeregMR(q.mr); err != nil {
		errs = append(errs, fmt.Errorf("deregistering pool memory: %w", err))
	}
	q.res, q.mr = nil, nil
	q.ring = rxRing{}
	q.log.Debug("rx queue released")
	return errors.Join(errs...)
}

const (
	rxNone = iota
	rxOK
	rxErr
)

// rxCompletion is one logical completion with the fields that matter for
// the packet already decoded, so it survives reuse of the CQ entry.
type rxCompletion struct {
	status       uint8
	byteCnt      uint32
	hash         uint32
	hdsIPExt     uint8
	l4HdrTypeEtc uint8
	vlanInfo     uint16
	timestamp    uint64
}

// rxZip is the state of a compressed session being expanded.
type rxZip struct {
	// ai is the next mini-CQE within the session.
	ai uint16
	// ca is the CQ entry holding the current mini-CQE array, na the next.
	ca, na uint16
	// cqCI is the free-running index of the session's block entry.
	cqCI   uint16
	cqeCnt uint16
	title  rxCompletion
}

type rxRing struct {
	queue uint16
	port  uint16
	pool  *mbuf.Pool
	lkey  uint32

	// elts holds segs buffers per descriptor.
	elts []*mbuf.Mbuf
	segs int
	reps []*mbuf.Mbuf
	mask uint16
	wqes []byte

	cqes    []byte
	cqeN    uint16
	cqeMask uint16

	rqDB, cqDB *uint32
	rqCI, cqCI uint16
	zip        rxZip

	csum, vlanStrip, crcPresent bool
	timestamp                   bool
	soft                        bool

	stats *rxCounters
	fault error
}

func (r *rxRing) cqe(idx uint16) prm.CQE {
	off := int(idx&r.cqeMask) * prm.CQESize
	return prm.CQE(r.cqes[off : off+prm.CQESize])
}

// post writes the data segment of buffer i of the ring.
func (r *rxRing) post(i int, m *mbuf.Mbuf) {
	off := i * prm.SegSize
	prm.DataSeg(r.wqes[off:off+prm.SegSize]).Set(uint32(len(m.Room())), r.lkey, m.Addr())
}

// fill posts bufs into every slot and hands the whole ring to the device.
func (r *rxRing) fill(bufs []*mbuf.Mbuf) {
	for i, m := range bufs {
		r.elts[i] = m
		r.post(i, m)
	}
	for i := uint16(0); i < r.cqeN; i++ {
		r.cqe(i).Invalidate()
	}
	r.rqCI = uint16(len(bufs) / r.segs)
	r.cqCI = 0
	r.zip = rxZip{}
	prm.WriteDoorbell(r.cqDB, 0)
	prm.WriteDoorbell(r.rqDB, uint32(r.rqCI))
}

// take removes every buffer from the ring. Buffers on the ring are always
// blank replacements, so they can be posted again as they are.
func (r *rxRing) take() []*mbuf.Mbuf {
	bufs := make([]*mbuf.Mbuf, 0, len(r.elts))
	for i, m := range r.elts {
		if m != nil {
			bufs = append(bufs, m)
			r.elts[i] = nil
		}
	}
	return bufs
}

// drain returns every buffer still held by the ring to its pool.
func (r *rxRing) drain() {
	for i, m := range r.elts {
		if m != nil {
			m.FreeSeg()
			r.elts[i] = nil
		}
	}
}

func (r *rxRing) faultf(idx uint16, format string, args ...any) error {
	return &CompletionError{Queue: r.queue, Index: idx, Reason: fmt.Sprintf(format, args...)}
}

// poll returns the next logical completion. Inside a compressed session
// the physical entries are not re-read until all of its mini-CQEs have
// been returned.
func (r *rxRing) poll() (rxCompletion, error) {
	if r.zip.cqeCnt == 0 {
		idx := r.cqCI
		e := r.cqe(idx)
		opOwn := e.OpOwn()
		if !prm.Owned(opOwn, idx, r.cqeN) {
			return rxCompletion{}, nil
		}
		switch op := prm.Opcode(opOwn); op {
		case prm.CQERespSend:
		case prm.CQERespErr, prm.CQEReqErr:
			r.cqCI++
			return rxCompletion{status: rxErr}, nil
		default:
			return rxCompletion{}, r.faultf(idx, "unexpected opcode %#x", op)
		}
		c := rxCompletion{
			status:       rxOK,
			byteCnt:      e.ByteCnt(),
			hash:         e.RxHashRes(),
			hdsIPExt:     e.HdsIPExt(),
			l4HdrTypeEtc: e.L4HdrTypeEtc(),
			vlanInfo:     e.VLANInfo(),
			timestamp:    e.Timestamp(),
		}
		if prm.Format(opOwn) != prm.FormatCompressed {
			r.cqCI++
			return c, nil
		}

		n := c.byteCnt
		switch {
		case n < 2:
			return rxCompletion{}, r.faultf(idx, "compressed session of %d entries", n)
		case n > uint32(r.cqeN):
			return rxCompletion{}, r.faultf(idx, "compressed session of %d entries exceeds CQ size %d", n, r.cqeN)
		case 1+prm.MiniArrays(int(n)) > int(n):
			return rxCompletion{}, r.faultf(idx, "compressed session of %d entries cannot hold its arrays", n)
		}
		r.zip = rxZip{
			ca:     (idx + 1) & r.cqeMask,
			na:     (idx + 2) & r.cqeMask,
			cqCI:   idx,
			cqeCnt: uint16(n),
			title:  c,
		}
	}

	z := &r.zip
	mini := prm.MiniArray(r.cqe(z.ca), int(z.ai))
	c := z.title
	c.byteCnt = mini.ByteCnt()
	c.hash = mini.RxHashResult()
	z.ai++
	switch {
	case z.ai == z.cqeCnt:
		// The block entry, the arrays and the holes must not look valid
		// on the next pass over the ring.
		for i := uint16(0); i < z.cqeCnt; i++ {
			r.cqe(z.cqCI + i).Invalidate()
		}
		r.cqCI = z.cqCI + z.cqeCnt
		*z = rxZip{}
	case z.ai%prm.MiniCQEsPerEntry == 0:
		z.ca = z.na
		z.na = (z.na + 1) & r.cqeMask
	}
	return c, nil
}

func (r *rxRing) burst(pkts []*mbuf.Mbuf) (int, error) {
	if r.fault != nil {
		return 0, r.fault
	}
	if r.segs > 1 {
		return r.burstScattered(pkts)
	}
	n := 0
	consumed := false
	var bytes uint64
	for n < len(pkts) {
		rep := r.pool.Alloc()
		if rep == nil {
			r.stats.noMbuf.Add(1)
			break
		}
		c, err := r.poll()
		if err != nil {
			rep.FreeSeg()
			r.fault = err
			break
		}
		if c.status == rxNone {
			rep.FreeSeg()
			break
		}
		consumed = true
		slot := r.rqCI & r.mask
		if c.status == rxErr {
			// The buffer stays posted in its slot.
			rep.FreeSeg()
			r.rqCI++
			r.stats.dropped.Add(1)
			continue
		}

		pkt := r.elts[slot]
		length := c.byteCnt
		if r.crcPresent {
			if length < prm.CRCLen {
				rep.FreeSeg()
				r.fault = r.faultf(r.cqCI, "byte count %d shorter than CRC", length)
				break
			}
			length -= prm.CRCLen
		}
		if int(length) > len(pkt.Room()) {
			rep.FreeSeg()
			r.fault = r.faultf(r.cqCI, "byte count %d exceeds buffer size %d", length, len(pkt.Room()))
			break
		}
		pkt.SetLen(length)
		r.setOffloads(pkt, &c)

		r.elts[slot] = rep
		r.post(int(slot), rep)
		r.rqCI++

		pkts[n] = pkt
		n++
		bytes += uint64(length)
	}
	if consumed {
		prm.WriteDoorbell(r.cqDB, uint32(r.cqCI)&0xffffff)
		prm.WriteDoorbell(r.rqDB, uint32(r.rqCI))
	}
	if r.soft && n > 0 {
		r.stats.packets.Add(uint64(n))
		r.stats.bytes.Add(bytes)
	}
	return n, r.fault
}

// burstScattered is burst for rings gathering several buffers per
// descriptor. Replacements for every buffer of a descriptor are allocated
// before its completion is consumed. A packet takes the buffers its length
// needs; the others stay posted.
func (r *rxRing) burstScattered(pkts []*mbuf.Mbuf) (int, error) {
	n := 0
	consumed := false
	var bytes uint64
	reps := r.reps
	for n < len(pkts) {
		if !r.pool.AllocBulk(reps) {
			r.stats.noMbuf.Add(1)
			break
		}
		c, err := r.poll()
		if err != nil {
			freeSegs(reps)
			r.fault = err
			break
		}
		if c.status == rxNone {
			freeSegs(reps)
			break
		}
		consumed = true
		if c.status == rxErr {
			freeSegs(reps)
			r.rqCI++
			r.stats.dropped.Add(1)
			continue
		}

		base := int(r.rqCI&r.mask) * r.segs
		length := c.byteCnt
		if r.crcPresent {
			if length < prm.CRCLen {
				freeSegs(reps)
				r.fault = r.faultf(r.cqCI, "byte count %d shorter than CRC", length)
				break
			}
			length -= prm.CRCLen
		}
		var room uint32
		for _, m := range r.elts[base : base+r.segs] {
			room += uint32(len(m.Room()))
		}
		if length > room {
			freeSegs(reps)
			r.fault = r.faultf(r.cqCI, "byte count %d exceeds gathered size %d", length, room)
			break
		}

		var pkt *mbuf.Mbuf
		left := length
		used := 0
		for used == 0 || (left > 0 && used < r.segs) {
			seg := r.elts[base+used]
			l := min(left, uint32(len(seg.Room())))
			seg.SetLen(l)
			if pkt == nil {
				pkt = seg
			} else {
				pkt.Chain(seg)
			}
			left -= l
			r.elts[base+used] = reps[used]
			r.post(base+used, reps[used])
			used++
		}
		freeSegs(reps[used:])
		r.setOffloads(pkt, &c)
		r.rqCI++

		pkts[n] = pkt
		n++
		bytes += uint64(length)
	}
	if consumed {
		prm.WriteDoorbell(r.cqDB, uint32(r.cqCI)&0xffffff)
		prm.WriteDoorbell(r.rqDB, uint32(r.rqCI))
	}
	if r.soft && n > 0 {
		r.stats.packets.Add(uint64(n))
		r.stats.bytes.Add(bytes)
	}
	return n, r.fault
}

func freeSegs(ms []*mbuf.Mbuf) {
	for _, m := range ms {
		m.FreeSeg()
	}
}

func (r *rxRing) setOffloads(m *mbuf.Mbuf, c *rxCompletion) {
	m.Port = r.port
	m.PacketType = mbuf.PTypeL2Ether
	l3 := (c.l4HdrTypeEtc & prm.L3TypeMask) >> prm.L3TypeShift
	l4 := (c.l4HdrTypeEtc & prm.L4TypeMask) >> prm.L4TypeShift
	switch l3 {
	case prm.L3TypeIPv4:
		m.PacketType |= mbuf.PTypeL3IPv4
	case prm.L3TypeIPv6:
		m.PacketType |= mbuf.PTypeL3IPv6
	}
	switch l4 {
	case prm.L4TypeTCP:
		m.PacketType |= mbuf.PTypeL4TCP
	case prm.L4TypeUDP:
		m.PacketType |= mbuf.PTypeL4UDP
	}

	var fl mbuf.OffloadFlags
	if r.csum {
		if l3 == prm.L3TypeIPv4 {
			if c.hdsIPExt&prm.HdsL3OK != 0 {
				fl |= mbuf.RxIPCksumGood
			} else {
				fl |= mbuf.RxIPCksumBad
			}
		}
		if l4 == prm.L4TypeTCP || l4 == prm.L4TypeUDP {
			if c.hdsIPExt&prm.HdsL4OK != 0 {
				fl |= mbuf.RxL4CksumGood
			} else {
				fl |= mbuf.RxL4CksumBad
			}
		}
	}
	if r.vlanStrip && c.l4HdrTypeEtc&prm.CQEVLANStripped != 0 {
		fl |= mbuf.RxVLAN | mbuf.RxVLANStripped
		m.VlanTCI = c.vlanInfo
	}
	if c.hash != 0 {
		fl |= mbuf.RxRSSHash
		m.Hash = c.hash
	}
	if r.timestamp {
		fl |= mbuf.RxTimestamp
		m.Timestamp = c.timestamp
	}
	m.OlFlags = fl
}
