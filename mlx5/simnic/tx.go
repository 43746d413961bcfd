package simnic

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/prm"
)

type txQueue struct {
	index uint16
	qp    mlx5.QPHandle
	cq    mlx5.CQHandle
	qpNum uint32
	req   mlx5.TxResourceRequest

	mem    arena
	wqes   []byte
	cqes   []byte
	qpDB   *uint32
	cqDB   *uint32
	bf     []byte
	bfSize int

	// wqHead is the next WQEBB the device reads, cqPI the next completion
	// entry it writes.
	wqHead uint16
	cqPI   uint16
}

func (n *NIC) CreateTxResources(req mlx5.TxResourceRequest) (*mlx5.TxResources, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !pow2(req.WQEBBs) || !pow2(req.CQEs) {
		return nil, fmt.Errorf("tx queue of %d WQEBBs, %d CQEs: %w", req.WQEBBs, req.CQEs, ErrInvalidArg)
	}
	if _, ok := n.txqs[req.Index]; ok {
		return nil, fmt.Errorf("tx queue %d: %w", req.Index, ErrBusy)
	}

	q := &txQueue{index: req.Index, req: req}
	var err error
	if q.wqes, err = q.mem.alloc(int(req.WQEBBs) * prm.WQEBBSize); err != nil {
		return nil, err
	}
	if q.cqes, err = q.mem.alloc(int(req.CQEs) * prm.CQESize); err != nil {
		return nil, joinFree(err, &q.mem)
	}
	if q.qpDB, q.cqDB, err = q.mem.doorbells(); err != nil {
		return nil, joinFree(err, &q.mem)
	}
	if !n.conf.NoBlueFlame {
		q.bfSize = n.conf.BlueFlameSize
		if q.bf, err = q.mem.alloc(2 * q.bfSize); err != nil {
			return nil, joinFree(err, &q.mem)
		}
	}
	q.qp = mlx5.QPHandle(n.handle())
	q.cq = mlx5.CQHandle(n.handle())
	q.qpNum = uint32(q.qp) & 0xffffff
	n.txqs[req.Index] = q
	n.log.Debug("tx resources created",
		zap.Uint16("index", req.Index),
		zap.Uint32("qpn", q.qpNum),
		zap.Uint16("wqebbs", req.WQEBBs))
	return &mlx5.TxResources{
		CQ:            q.cq,
		QP:            q.qp,
		RD:            mlx5.ResourceDomain(n.handle()),
		QPNum:         q.qpNum,
		WQEs:          q.wqes,
		CQEs:          q.cqes,
		QPDoorbell:    q.qpDB,
		CQDoorbell:    q.cqDB,
		BlueFlame:     q.bf,
		BlueFlameSize: q.bfSize,
	}, nil
}

func (n *NIC) DestroyTxResources(res *mlx5.TxResources) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for idx, q := range n.txqs {
		if q.qp == res.QP {
			delete(n.txqs, idx)
			return q.mem.free()
		}
	}
	return fmt.Errorf("qp %d: %w", res.QP, ErrUnknownHandle)
}

func (q *txQueue) segOff(wqe uint16, i int) int {
	segs := int(q.req.WQEBBs) * prm.SegsPerWQEBB
	return (int(wqe&(q.req.WQEBBs-1))*prm.SegsPerWQEBB + i) % segs * prm.SegSize
}

func (q *txQueue) seg(wqe uint16, i int) []byte {
	off := q.segOff(wqe, i)
	return q.wqes[off : off+prm.SegSize]
}

// readInline copies n bytes of the inline stream that starts off bytes into
// segment seg of the WQE at wqe.
func (q *txQueue) readInline(wqe uint16, seg, off, n int) []byte {
	out := make([]byte, n)
	pos := (q.segOff(wqe, seg) + off) % len(q.wqes)
	c := copy(out, q.wqes[pos:])
	copy(out[c:], q.wqes)
	return out
}

func (q *txQueue) cqSpace() bool {
	consumed := uint16(prm.ReadDoorbell(q.cqDB))
	return int(q.cqPI-consumed) < int(q.req.CQEs)
}

func (q *txQueue) complete(wqe uint16, opcode, syndrome uint8) {
	off := int(q.cqPI&(q.req.CQEs-1)) * prm.CQESize
	e := prm.CQE(q.cqes[off : off+prm.CQESize])
	e.Write(prm.CQEFields{QPN: q.qpNum, Syndrome: syndrome})
	e.Publish(wqe, opcode, prm.FormatNormal, prm.OwnerBit(q.cqPI, q.req.CQEs))
	q.cqPI++
}

// Sent is a packet the device took from a send queue.
type Sent struct {
	Queue uint16
	// WQE is the index of the first basic block of the request.
	WQE        uint16
	Data       []byte
	CsumFlags  uint8
	VLAN       uint16
	VLANInsert bool
	Inline     bool
	// Signaled requests had a completion entry written for them.
	Signaled bool
	// Err is set when a gather entry could not be resolved. An error
	// completion is written in that case.
	Err error
}

// ProcessTx consumes every WQE of send queue idx the driver announced in
// its doorbell record and writes the completions they asked for. It stops
// early when the completion queue is full. A malformed WQE is reported as
// an error with the packets sent before it.
func (n *NIC) ProcessTx(idx uint16) ([]Sent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.txqs[idx]
	if !ok {
		return nil, fmt.Errorf("tx queue %d: %w", idx, ErrUnknownHandle)
	}
	pi := uint16(prm.ReadDoorbell(q.qpDB))
	var out []Sent
	for q.wqHead != pi && q.cqSpace() {
		wqe := q.wqHead
		ctrl := prm.CtrlSeg(q.seg(wqe, 0))
		ds := int(ctrl.DS())
		if ctrl.WQEIndex() != wqe || ctrl.Opcode() != prm.OpcodeSend || ctrl.QPNum() != q.qpNum || ds < 3 {
			return out, fmt.Errorf("tx queue %d WQE %d: %w", idx, wqe, ErrBadWQE)
		}
		s := Sent{Queue: idx, WQE: wqe, Signaled: ctrl.FmCeSe()&prm.CtrlCQUpdate != 0}
		eth := prm.EthSeg(q.seg(wqe, 1))
		s.CsumFlags = eth.CsFlags()
		s.VLAN, s.VLANInsert = eth.VLAN()

		if l, inline := prm.DataSeg(q.seg(wqe, 2)).Inline(); inline {
			if prm.InlineDS(int(l)) != ds-2 {
				return out, fmt.Errorf("tx queue %d WQE %d: inline length %d in %d segments: %w",
					idx, wqe, l, ds-2, ErrBadWQE)
			}
			s.Inline = true
			s.Data = q.readInline(wqe, 2, 4, int(l))
		} else {
			for i := 2; i < ds; i++ {
				d := prm.DataSeg(q.seg(wqe, i))
				buf, ok := n.dma(d.LKey(), d.Addr(), d.ByteCount())
				if !ok {
					s.Err = fmt.Errorf("gather entry %d lkey %#x: %w", i-2, d.LKey(), ErrUnknownHandle)
					s.Data = nil
					break
				}
				s.Data = append(s.Data, buf...)
			}
		}
		if s.VLANInsert && s.Err == nil && len(s.Data) >= 12 {
			tagged := make([]byte, 0, len(s.Data)+4)
			tagged = append(tagged, s.Data[:12]...)
			tagged = binary.BigEndian.AppendUint16(tagged, 0x8100)
			tagged = binary.BigEndian.AppendUint16(tagged, s.VLAN)
			s.Data = append(tagged, s.Data[12:]...)
		}

		q.wqHead += uint16(prm.WQEBBs(ds))
		switch {
		case s.Err != nil:
			n.stats.TxErrors++
			q.complete(wqe, prm.CQEReqErr, prm.SyndromeLocalProtection)
		case s.Signaled:
			n.stats.TxSent++
			q.complete(wqe, prm.CQEReq, 0)
		default:
			n.stats.TxSent++
		}
		out = append(out, s)
	}
	return out, nil
}

// BlueFlame returns a copy of the BlueFlame region of send queue idx, nil
// when the queue has none.
func (n *NIC) BlueFlame(idx uint16) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.txqs[idx]
	if !ok || q.bf == nil {
		return nil
	}
	return append([]byte(nil), q.bf...)
}
