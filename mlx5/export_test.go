package mlx5

// RxRing returns the consumer indexes of the ring and whether a compressed
// session is being expanded.
func (q *RxQueue) RxRing() (rqCI, cqCI uint16, zipped bool) {
	return q.ring.rqCI, q.ring.cqCI, q.ring.zip.cqeCnt != 0
}

// TxRing returns the producer and consumer indexes of the ring.
func (q *TxQueue) TxRing() (wqeCI, wqePI, cqCI uint16) {
	return q.ring.wqeCI, q.ring.wqePI, q.ring.cqCI
}

func (q *TxQueue) MRCache() (lookups, regs uint64, entries int) {
	return q.mr.lookups, q.mr.regs, q.mr.len()
}

func (q *TxQueue) BlueFlameWrites() (full, ctrl uint64) {
	return q.ring.bfFull, q.ring.bfCtrl
}

var CompletionCountdown = completionCountdown

// IndTableLayout flattens makeIndTableLayout.
func IndTableLayout(rxqs, maxSize int, hf RSSHashFunc, ipv6 bool) (sizes []int, types [][]HashType) {
	for _, l := range makeIndTableLayout(rxqs, maxSize, hf, ipv6) {
		sizes = append(sizes, l.size)
		types = append(types, l.types)
	}
	return sizes, types
}
