package simnic

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/prm"
)

type rxQueue struct {
	index uint16
	wq    mlx5.WQHandle
	cq    mlx5.CQHandle
	req   mlx5.RxResourceRequest

	mem  arena
	wqes []byte
	cqes []byte
	rqDB *uint32
	cqDB *uint32

	// wqHead is the next descriptor the device consumes, cqPI the next
	// completion entry it writes.
	wqHead uint16
	cqPI   uint16
}

func pow2(n uint16) bool { return n != 0 && n&(n-1) == 0 }

func (n *NIC) CreateRxResources(req mlx5.RxResourceRequest) (*mlx5.RxResources, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !pow2(req.Descs) || !pow2(req.CQEs) || (req.Segs != 0 && !pow2(uint16(req.Segs))) {
		return nil, fmt.Errorf("rx queue of %d descriptors, %d CQEs, %d segments: %w",
			req.Descs, req.CQEs, req.Segs, ErrInvalidArg)
	}
	caps := n.Caps()
	if (req.Checksum && !caps.HwChecksum) || (req.VLANStrip && !caps.VLANStrip) ||
		(req.CRCStrip && !caps.CRCStrip) || (req.Compress && !caps.CQECompression) {
		return nil, fmt.Errorf("rx offloads beyond device caps: %w", ErrInvalidArg)
	}

	q := &rxQueue{index: req.Index, req: req}
	var err error
	if q.wqes, err = q.mem.alloc(int(req.Descs) * q.segs() * prm.SegSize); err != nil {
		return nil, err
	}
	if q.cqes, err = q.mem.alloc(int(req.CQEs) * prm.CQESize); err != nil {
		return nil, joinFree(err, &q.mem)
	}
	if q.rqDB, q.cqDB, err = q.mem.doorbells(); err != nil {
		return nil, joinFree(err, &q.mem)
	}
	q.wq = mlx5.WQHandle(n.handle())
	q.cq = mlx5.CQHandle(n.handle())
	n.rxqs[q.wq] = q
	n.log.Debug("rx resources created",
		zap.Uint16("index", req.Index),
		zap.Uint32("wq", uint32(q.wq)),
		zap.Uint16("descs", req.Descs))
	return &mlx5.RxResources{
		CQ:         q.cq,
		WQ:         q.wq,
		RD:         mlx5.ResourceDomain(n.handle()),
		WQEs:       q.wqes,
		CQEs:       q.cqes,
		RQDoorbell: q.rqDB,
		CQDoorbell: q.cqDB,
	}, nil
}

func (n *NIC) DestroyRxResources(res *mlx5.RxResources) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.rxqs[res.WQ]
	if !ok {
		return fmt.Errorf("wq %d: %w", res.WQ, ErrUnknownHandle)
	}
	for _, table := range n.inds {
		if slices.Contains(table, res.WQ) {
			return fmt.Errorf("wq %d: %w", res.WQ, ErrBusy)
		}
	}
	delete(n.rxqs, res.WQ)
	return q.mem.free()
}

func (n *NIC) rxQueueByIndex(idx uint16) (*rxQueue, error) {
	for _, q := range n.rxqs {
		if q.index == idx {
			return q, nil
		}
	}
	return nil, fmt.Errorf("rx queue %d: %w", idx, ErrUnknownHandle)
}

// available returns the number of posted descriptors not yet consumed.
func (q *rxQueue) available() int {
	return int(uint16(prm.ReadDoorbell(q.rqDB)) - q.wqHead)
}

// cqSpace reports whether k more completion entries can be written.
func (q *rxQueue) cqSpace(k int) bool {
	consumed := uint16(prm.ReadDoorbell(q.cqDB))
	return int(q.cqPI-consumed)+k <= int(q.req.CQEs)
}

func (q *rxQueue) cqe(idx uint16) prm.CQE {
	off := int(idx&(q.req.CQEs-1)) * prm.CQESize
	return prm.CQE(q.cqes[off : off+prm.CQESize])
}

func (q *rxQueue) segs() int { return max(1, int(q.req.Segs)) }

// desc returns the first data segment of receive WQE idx.
func (q *rxQueue) desc(idx uint16) prm.DataSeg {
	off := int(idx&(q.req.Descs-1)) * q.segs() * prm.SegSize
	return prm.DataSeg(q.wqes[off : off+prm.SegSize])
}

// gather resolves every data segment of receive WQE idx.
func (n *NIC) gather(q *rxQueue, idx uint16) (bufs [][]byte, total int, ok bool) {
	off := int(idx&(q.req.Descs-1)) * q.segs() * prm.SegSize
	for i := range q.segs() {
		ds := prm.DataSeg(q.wqes[off+i*prm.SegSize : off+(i+1)*prm.SegSize])
		buf, ok := n.dma(ds.LKey(), ds.Addr(), ds.ByteCount())
		if !ok {
			return nil, 0, false
		}
		bufs = append(bufs, buf)
		total += len(buf)
	}
	return bufs, total, true
}

// frameData returns the bytes the device writes to host memory for frame.
func (q *rxQueue) frameData(frame []byte, fi *frameInfo) (data []byte, stripped bool) {
	data = slices.Clone(frame)
	if q.req.VLANStrip && fi.tagged && len(data) >= 16 {
		data = append(data[:12], data[16:]...)
		stripped = true
	}
	if !q.req.CRCStrip {
		data = binary.LittleEndian.AppendUint32(data, crc32.ChecksumIEEE(data))
	}
	return data, stripped
}

func (q *rxQueue) cqeFields(fi *frameInfo, hash uint32, fields mlx5.HashFields, byteCnt int, stripped bool) prm.CQEFields {
	f := prm.CQEFields{
		RxHashRes:    hash,
		RxHashType:   uint8(fields),
		L4HdrTypeEtc: fi.l3<<prm.L3TypeShift | fi.l4<<prm.L4TypeShift,
		ByteCnt:      uint32(byteCnt),
		Timestamp:    uint64(time.Now().UnixNano()),
		QPN:          uint32(q.wq),
	}
	if stripped {
		f.L4HdrTypeEtc |= prm.CQEVLANStripped
		f.VLANInfo = fi.tci
	}
	if q.req.Checksum {
		if fi.l3OK {
			f.HdsIPExt |= prm.HdsL3OK
		}
		if fi.l4OK {
			f.HdsIPExt |= prm.HdsL4OK
		}
	}
	return f
}

// complete writes the next completion entry and hands it to the driver.
func (q *rxQueue) complete(f prm.CQEFields, opcode, format uint8) {
	e := q.cqe(q.cqPI)
	e.Write(f)
	e.Publish(q.wqHead-1, opcode, format, prm.OwnerBit(q.cqPI, q.req.CQEs))
	q.cqPI++
}

// receive DMAs one frame into the next posted buffer of q. It must be
// called with n.mu held.
func (n *NIC) receive(q *rxQueue, frame []byte, fi *frameInfo, hash uint32, fields mlx5.HashFields) bool {
	if q.available() == 0 {
		n.stats.NoBuffer++
		return false
	}
	if !q.cqSpace(1) {
		n.stats.CQFull++
		return false
	}
	data, stripped := q.frameData(frame, fi)
	bufs, total, ok := n.gather(q, q.wqHead)
	f := q.cqeFields(fi, hash, fields, len(data), stripped)
	opcode := uint8(prm.CQERespSend)
	switch {
	case !ok:
		opcode, f.Syndrome = prm.CQERespErr, prm.SyndromeLocalProtection
	case len(data) > total:
		opcode, f.Syndrome = prm.CQERespErr, prm.SyndromeLocalLength
	default:
		rest := data
		for _, buf := range bufs {
			rest = rest[copy(buf, rest):]
		}
	}
	q.wqHead++
	q.complete(f, opcode, prm.FormatNormal)
	if opcode == prm.CQERespSend {
		n.stats.Delivered++
	}
	return true
}

// Deliver puts frame on the wire towards the device. It is steered by the
// installed flow rules and returns the receive queue it was written to.
// ok is false when no rule matched or the queue had no room.
func (n *NIC) Deliver(frame []byte) (queue uint16, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fi, ok := parseFrame(frame)
	if !ok {
		n.stats.Unmatched++
		return 0, false
	}
	wq, hash, fields, ok := n.classify(&fi)
	if !ok {
		n.stats.Unmatched++
		return 0, false
	}
	q := n.rxqs[wq]
	return q.index, n.receive(q, frame, &fi, hash, fields)
}

// DeliverTo writes frame to receive queue idx bypassing flow steering.
func (n *NIC) DeliverTo(idx uint16, frame []byte) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, err := n.rxQueueByIndex(idx)
	if err != nil {
		return false, err
	}
	fi, ok := parseFrame(frame)
	if !ok {
		return false, fmt.Errorf("unparsable frame: %w", ErrInvalidArg)
	}
	fields := fi.defaultFields()
	return n.receive(q, frame, &fi, Toeplitz(mlx5.DefaultRSSKey, fi.hashInput(fields)), fields), nil
}

// Classify reports the receive queue frame would be steered to without
// consuming a descriptor.
func (n *NIC) Classify(frame []byte) (queue uint16, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fi, ok := parseFrame(frame)
	if !ok {
		return 0, false
	}
	wq, _, _, ok := n.classify(&fi)
	if !ok {
		return 0, false
	}
	return n.rxqs[wq].index, true
}

// DeliverCompressed writes frames to receive queue idx as one compressed
// session: a block entry carrying the fields of the first frame, the mini
// CQE arrays, then holes up to len(frames) entries.
func (n *NIC) DeliverCompressed(idx uint16, frames [][]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, err := n.rxQueueByIndex(idx)
	if err != nil {
		return err
	}
	cnt := len(frames)
	switch {
	case !q.req.Compress:
		return fmt.Errorf("rx queue %d has compression disabled: %w", idx, ErrInvalidArg)
	case cnt < 2 || cnt > int(q.req.CQEs):
		return fmt.Errorf("compressed session of %d: %w", cnt, ErrInvalidArg)
	case q.available() < cnt:
		return fmt.Errorf("%d descriptors posted for %d frames: %w", q.available(), cnt, ErrNoResources)
	case !q.cqSpace(cnt):
		return fmt.Errorf("no room for %d completion entries: %w", cnt, ErrNoResources)
	}

	type pending struct {
		buf, data []byte
		hash      uint32
	}
	ps := make([]pending, cnt)
	var title frameInfo
	var titleFields mlx5.HashFields
	for i, frame := range frames {
		fi, ok := parseFrame(frame)
		if !ok {
			return fmt.Errorf("frame %d unparsable: %w", i, ErrInvalidArg)
		}
		data, _ := q.frameData(frame, &fi)
		ds := q.desc(q.wqHead + uint16(i))
		buf, ok := n.dma(ds.LKey(), ds.Addr(), ds.ByteCount())
		if !ok || len(data) > len(buf) {
			return fmt.Errorf("frame %d does not fit descriptor: %w", i, ErrInvalidArg)
		}
		fields := fi.defaultFields()
		ps[i] = pending{buf: buf, data: data, hash: Toeplitz(mlx5.DefaultRSSKey, fi.hashInput(fields))}
		if i == 0 {
			title, titleFields = fi, fields
		}
	}

	start := q.cqPI
	for i, p := range ps {
		copy(p.buf, p.data)
		arr := q.cqe(start + 1 + uint16(i/prm.MiniCQEsPerEntry))
		prm.MiniArray(arr, i).Set(p.hash, uint32(len(p.data)))
	}
	f := q.cqeFields(&title, ps[0].hash, titleFields, cnt, false)
	q.wqHead += uint16(cnt)
	block := q.cqe(start)
	block.Write(f)
	block.Publish(q.wqHead-1, prm.CQERespSend, prm.FormatCompressed, prm.OwnerBit(start, q.req.CQEs))
	q.cqPI += uint16(cnt)
	n.stats.Delivered += uint64(cnt)
	return nil
}

// DeliverError consumes the next descriptor of receive queue idx with an
// error completion.
func (n *NIC) DeliverError(idx uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, err := n.rxQueueByIndex(idx)
	if err != nil {
		return err
	}
	if q.available() == 0 || !q.cqSpace(1) {
		return fmt.Errorf("rx queue %d full: %w", idx, ErrNoResources)
	}
	q.wqHead++
	q.complete(prm.CQEFields{Syndrome: prm.SyndromeLocalLength}, prm.CQERespErr, prm.FormatNormal)
	return nil
}

// DeliverMalformed writes a compressed block entry announcing cnt entries
// without any arrays or buffers behind it.
func (n *NIC) DeliverMalformed(idx uint16, cnt uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, err := n.rxQueueByIndex(idx)
	if err != nil {
		return err
	}
	if !q.cqSpace(1) {
		return fmt.Errorf("rx queue %d full: %w", idx, ErrNoResources)
	}
	q.complete(prm.CQEFields{ByteCnt: cnt}, prm.CQERespSend, prm.FormatCompressed)
	return nil
}

// Posted returns the number of receive descriptors of queue idx the device
// may still fill.
func (n *NIC) Posted(idx uint16) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, err := n.rxQueueByIndex(idx)
	if err != nil {
		return 0, err
	}
	return q.available(), nil
}

func joinFree(err error, a *arena) error {
	if ferr := a.free(); ferr != nil {
		return fmt.Errorf("%w (releasing memory: %v)", err, ferr)
	}
	return err
}
