package mlx5_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/prm"
	"github.com/romshark/mlx5dp/mlx5/simnic"
)

func TestTxQueueConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		conf mlx5.TxQueueConfig
		want error
	}{
		{"not power of two", mlx5.TxQueueConfig{Descs: 48}, mlx5.ErrDescsNotPowerOfTwo},
		{"too few", mlx5.TxQueueConfig{Descs: 16}, mlx5.ErrDescsOutOfRange},
		{"inline too large", mlx5.TxQueueConfig{MaxInline: mlx5.MaxInlineLimit + 1}, mlx5.ErrInlineTooLarge},
		{"negative inline", mlx5.TxQueueConfig{MaxInline: -1}, mlx5.ErrInlineTooLarge},
		{"too many pools", mlx5.TxQueueConfig{Pools: make([]*mbuf.Pool, mlx5.MRCacheSize+1)}, mlx5.ErrNoMemoryRegion},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.conf.ValidateAndSetDefaults(), tc.want)
		})
	}
}

func TestCompletionCountdown(t *testing.T) {
	assert.Equal(t, uint16(8), mlx5.CompletionCountdown(32))
	assert.Equal(t, uint16(64), mlx5.CompletionCountdown(1024))
	assert.Equal(t, uint16(1), mlx5.CompletionCountdown(2))
}

func setupTx(t *testing.T, tb *testbed, conf mlx5.TxQueueConfig) *mlx5.TxQueue {
	t.Helper()
	require.NoError(t, tb.dev.SetupTxQueue(0, conf))
	return tb.dev.TxQueue(0)
}

func TestTxGather(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{SoftCounters: true})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32, Checksum: true})
	pool := newPool(t, "tx", 8)

	head := packet(t, pool, bytes.Repeat([]byte{0xaa}, 60))
	head.Chain(packet(t, pool, bytes.Repeat([]byte{0xbb}, 30)))
	head.OlFlags = mbuf.TxIPCksum | mbuf.TxL4Cksum | mbuf.TxVLAN
	head.VlanTCI = 5

	n, err := q.Burst([]*mbuf.Mbuf{head})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, 2, q.InFlight())

	sent := processTx(t, tb.nic, 0)
	require.Len(t, sent, 1)
	s := sent[0]
	assert.False(t, s.Inline)
	assert.Equal(t, uint8(prm.EthL3Csum|prm.EthL4Csum), s.CsumFlags)
	assert.True(t, s.VLANInsert)
	assert.Equal(t, uint16(5), s.VLAN)
	want := append(bytes.Repeat([]byte{0xaa}, 12), 0x81, 0x00, 0x00, 0x05)
	want = append(want, bytes.Repeat([]byte{0xaa}, 48)...)
	want = append(want, bytes.Repeat([]byte{0xbb}, 30)...)
	assert.Equal(t, want, s.Data)

	assert.Equal(t, mlx5.TxStats{Packets: 1, Bytes: 90}, q.Stats())
	lookups, regs, entries := q.MRCache()
	assert.Equal(t, uint64(2), lookups)
	assert.Equal(t, uint64(1), regs)
	assert.Equal(t, 1, entries)
}

func TestTxChecksumNotRequested(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32})
	pool := newPool(t, "tx", 8)

	m := packet(t, pool, make([]byte, 64))
	m.OlFlags = mbuf.TxIPCksum
	n, err := q.Burst([]*mbuf.Mbuf{m})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	sent := processTx(t, tb.nic, 0)
	require.Len(t, sent, 1)
	assert.Zero(t, sent[0].CsumFlags)
}

func TestTxCompletionReclaims(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32})
	pool := newPool(t, "tx", 16)

	pkts := make([]*mbuf.Mbuf, 8)
	for i := range pkts {
		pkts[i] = packet(t, pool, []byte{byte(i), 1, 2, 3})
	}
	n, err := q.Burst(pkts)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	sent := processTx(t, tb.nic, 0)
	require.Len(t, sent, 8)
	for i, s := range sent {
		// Only the countdown expiry asks for a completion.
		assert.Equal(t, i == 7, s.Signaled, "packet %d", i)
		assert.Equal(t, byte(i), s.Data[0])
	}
	assert.Equal(t, 8, q.InFlight())
	assert.Equal(t, 8, pool.InUse())

	n, err = q.Burst(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, q.InFlight())
	assert.Zero(t, pool.InUse())
	wqeCI, wqePI, cqCI := q.TxRing()
	assert.Equal(t, uint16(8), wqeCI)
	assert.Equal(t, uint16(8), wqePI)
	assert.Equal(t, uint16(1), cqCI)
}

func TestTxRingWrapsUnderLoad(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32, MaxInline: 256})
	pool := newPool(t, "tx", 64)

	// 100 inline bytes take three basic blocks, which do not divide the
	// ring, so WQEs wrap in the middle. Every other packet is too large to
	// inline and goes out as a gather entry.
	for i := range 50 {
		data := bytes.Repeat([]byte{byte(i)}, 100)
		if i%2 == 1 {
			data = bytes.Repeat([]byte{byte(i)}, 300)
		}
		n, err := q.Burst([]*mbuf.Mbuf{packet(t, pool, data)})
		require.NoError(t, err)
		require.Equal(t, 1, n, "packet %d", i)

		sent := processTx(t, tb.nic, 0)
		require.Len(t, sent, 1)
		assert.Equal(t, data, sent[0].Data, "packet %d", i)
		assert.Equal(t, len(data) <= 256, sent[0].Inline)
	}
	n, err := q.Burst(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.LessOrEqual(t, pool.InUse(), 32)
	assert.Zero(t, q.Stats().Errors)
}

func TestTxRingFull(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32})
	pool := newPool(t, "tx", 64)

	pkts := make([]*mbuf.Mbuf, 40)
	for i := range pkts {
		pkts[i] = packet(t, pool, []byte{byte(i)})
	}
	n, err := q.Burst(pkts)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	assert.Equal(t, 32, q.InFlight())

	// Nothing is confirmed until the device catches up.
	n, err = q.Burst(pkts[32:])
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, processTx(t, tb.nic, 0), 32)
	n, err = q.Burst(pkts[32:])
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestTxTooManySegments(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 64})
	pool := newPool(t, "tx", 32)

	head := packet(t, pool, []byte{1})
	for range mlx5.MaxSegs {
		head.Chain(packet(t, pool, []byte{2}))
	}
	ok := packet(t, pool, []byte{3})

	// The oversized chain is taken and freed, the next packet still goes.
	n, err := q.Burst([]*mbuf.Mbuf{head, ok})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(1), q.Stats().Dropped)
	assert.Equal(t, 1, pool.InUse())
	assert.Equal(t, 1, q.InFlight())

	sent := processTx(t, tb.nic, 0)
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{3}, sent[0].Data)
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestTxInlineSkipsMemoryRegions(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32, MaxInline: 128})
	pool := newPool(t, "tx", 4)

	payload := bytes.Repeat([]byte{0x5c}, 100)
	n, err := q.Burst([]*mbuf.Mbuf{packet(t, pool, payload)})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lookups, regs, entries := q.MRCache()
	assert.Zero(t, lookups)
	assert.Zero(t, regs)
	assert.Zero(t, entries)
	assert.Zero(t, tb.nic.MRs())

	sent := processTx(t, tb.nic, 0)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Inline)
	assert.Equal(t, payload, sent[0].Data)
}

func TestTxBlueFlame(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32, MaxInline: 128, BlueFlame: true})
	pool := newPool(t, "tx", 8)

	n, err := q.Burst([]*mbuf.Mbuf{packet(t, pool, make([]byte, 60))})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	full, ctrl := q.BlueFlameWrites()
	assert.Equal(t, uint64(1), full)
	assert.Zero(t, ctrl)

	bf := tb.nic.BlueFlame(0)
	first := prm.CtrlSeg(bf[:prm.SegSize])
	assert.Equal(t, uint16(0), first.WQEIndex())
	assert.Equal(t, uint8(prm.OpcodeSend), first.Opcode())
	assert.Equal(t, uint8(2+prm.InlineDS(60)), first.DS())

	n, err = q.Burst([]*mbuf.Mbuf{
		packet(t, pool, make([]byte, 60)),
		packet(t, pool, make([]byte, 60)),
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	full, ctrl = q.BlueFlameWrites()
	assert.Equal(t, uint64(1), full)
	assert.Equal(t, uint64(1), ctrl)

	// The second write lands in the other half, carrying the last WQE.
	bf = tb.nic.BlueFlame(0)
	second := prm.CtrlSeg(bf[simnic.DefaultBlueFlameSize : simnic.DefaultBlueFlameSize+prm.SegSize])
	assert.Equal(t, uint16(4), second.WQEIndex())
	assert.Equal(t, uint8(prm.OpcodeSend), second.Opcode())
}

func TestTxBlueFlameUnavailable(t *testing.T) {
	tb := newTestbed(t, simnic.Config{NoBlueFlame: true}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32, BlueFlame: true})
	pool := newPool(t, "tx", 8)

	n, err := q.Burst([]*mbuf.Mbuf{packet(t, pool, make([]byte, 60))})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	full, ctrl := q.BlueFlameWrites()
	assert.Zero(t, full+ctrl)
	assert.Len(t, processTx(t, tb.nic, 0), 1)
}

// wrongKeys hands out memory regions whose keys the device does not know.
type wrongKeys struct{ *simnic.NIC }

func (w wrongKeys) RegMR(mem []byte) (*mlx5.MemoryRegion, error) {
	mr, err := w.NIC.RegMR(mem)
	if err != nil {
		return nil, err
	}
	bad := *mr
	bad.LKey ^= 0xff00
	return &bad, nil
}

func TestTxErrorCompletion(t *testing.T) {
	nic, err := simnic.New(simnic.Config{})
	require.NoError(t, err)
	dev, err := mlx5.NewDevice(wrongKeys{nic}, mlx5.Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, dev.Close()) }()
	require.NoError(t, dev.SetupTxQueue(0, mlx5.TxQueueConfig{Descs: 32}))
	q := dev.TxQueue(0)
	pool := newPool(t, "tx", 8)

	n, err := q.Burst([]*mbuf.Mbuf{packet(t, pool, make([]byte, 60))})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sent, err := nic.ProcessTx(0)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.ErrorIs(t, sent[0].Err, simnic.ErrUnknownHandle)

	// The error completion of an unsignaled request still releases it.
	n, err = q.Burst(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), q.Stats().Errors)
	assert.Zero(t, q.InFlight())
	assert.Zero(t, pool.InUse())
}

func TestMRCacheEviction(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32})

	pools := make([]*mbuf.Pool, mlx5.MRCacheSize+1)
	for i := range pools {
		pools[i] = newPool(t, "tx", 4)
	}
	for i, p := range pools {
		n, err := q.Burst([]*mbuf.Mbuf{packet(t, p, []byte{byte(i)})})
		require.NoError(t, err)
		require.Equal(t, 1, n, "pool %d", i)
		processTx(t, tb.nic, 0)
	}
	lookups, regs, entries := q.MRCache()
	assert.Equal(t, uint64(9), lookups)
	assert.Equal(t, uint64(9), regs)
	assert.Equal(t, mlx5.MRCacheSize, entries)
	assert.Equal(t, mlx5.MRCacheSize, tb.nic.MRs())
	// The oldest registration was dropped once its packet completed.
	assert.Zero(t, pools[0].InUse())

	n, err := q.Burst([]*mbuf.Mbuf{packet(t, pools[0], []byte{0})})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, regs, entries = q.MRCache()
	assert.Equal(t, uint64(10), regs)
	assert.Equal(t, mlx5.MRCacheSize, entries)
	assert.Len(t, processTx(t, tb.nic, 0), 1)
}

func TestMRCacheAllInFlight(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32})

	pools := make([]*mbuf.Pool, mlx5.MRCacheSize+1)
	for i := range pools {
		pools[i] = newPool(t, "tx", 4)
	}
	for i, p := range pools[:mlx5.MRCacheSize] {
		n, err := q.Burst([]*mbuf.Mbuf{packet(t, p, []byte{byte(i)})})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	last := packet(t, pools[mlx5.MRCacheSize], []byte{9})
	n, err := q.Burst([]*mbuf.Mbuf{last})
	require.NoError(t, err)
	assert.Zero(t, n, "every registration is referenced")

	// The eighth request carried the countdown completion.
	require.Len(t, processTx(t, tb.nic, 0), mlx5.MRCacheSize)
	n, err = q.Burst([]*mbuf.Mbuf{last})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMRCachePoolDestroyed(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	keep := newPool(t, "keep", 4)
	gone, err := mbuf.NewPool(mbuf.PoolConfig{Name: "gone", Capacity: 4})
	require.NoError(t, err)
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32, Pools: []*mbuf.Pool{keep, gone}})

	_, regs, entries := q.MRCache()
	assert.Equal(t, uint64(2), regs)
	assert.Equal(t, 2, entries)
	assert.Equal(t, 2, tb.nic.MRs())

	require.NoError(t, gone.Destroy())
	n, err := q.Burst(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, _, entries = q.MRCache()
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, tb.nic.MRs())
}

func TestTxRegistrationFailure(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32})
	pool := newPool(t, "tx", 4)
	m := packet(t, pool, []byte{1})

	tb.nic.FailRegMR(1)
	n, err := q.Burst([]*mbuf.Mbuf{m})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, q.Stats().Dropped)

	n, err = q.Burst([]*mbuf.Mbuf{m})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMRCacheKeepsVictimOnRegistrationFailure(t *testing.T) {
	tb := newTestbed(t, simnic.Config{}, mlx5.Config{})
	q := setupTx(t, tb, mlx5.TxQueueConfig{Descs: 32})

	pools := make([]*mbuf.Pool, mlx5.MRCacheSize+1)
	for i := range pools {
		pools[i] = newPool(t, "tx", 4)
	}
	for i, p := range pools[:mlx5.MRCacheSize] {
		n, err := q.Burst([]*mbuf.Mbuf{packet(t, p, []byte{byte(i)})})
		require.NoError(t, err)
		require.Equal(t, 1, n)
		processTx(t, tb.nic, 0)
	}

	tb.nic.FailRegMR(1)
	n, err := q.Burst([]*mbuf.Mbuf{packet(t, pools[mlx5.MRCacheSize], []byte{9})})
	require.NoError(t, err)
	assert.Zero(t, n)
	_, regs, entries := q.MRCache()
	assert.Equal(t, uint64(mlx5.MRCacheSize), regs)
	assert.Equal(t, mlx5.MRCacheSize, entries)
	assert.Equal(t, mlx5.MRCacheSize, tb.nic.MRs())

	// The oldest entry survived and is still a hit.
	n, err = q.Burst([]*mbuf.Mbuf{packet(t, pools[0], []byte{0})})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, regs, _ = q.MRCache()
	assert.Equal(t, uint64(mlx5.MRCacheSize), regs)
	assert.Len(t, processTx(t, tb.nic, 0), 1)
}
