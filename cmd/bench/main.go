//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/mlx5dp/ifacestat"
	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/simnic"
	"github.com/romshark/mlx5dp/ratelimit"
)

type Config struct {
	Device struct {
		RxQueues     uint16 `yaml:"rx-queues"`
		TxQueues     uint16 `yaml:"tx-queues"`
		RxDescs      uint16 `yaml:"rx-descs"`
		TxDescs      uint16 `yaml:"tx-descs"`
		MAC          string `yaml:"mac"`
		Compression  bool   `yaml:"compression"`
		BlueFlame    bool   `yaml:"blueflame"`
		MaxInline    int    `yaml:"max-inline"`
		Checksum     bool   `yaml:"checksum"`
		SoftCounters bool   `yaml:"soft-counters"`
		CPUs         []int  `yaml:"cpus"`
		BurstSize    int    `yaml:"burst-size"`
	} `yaml:"device"`

	Traffic struct {
		SrcIP string `yaml:"src-ip"` // Not CLI-overwritable.
		DstIP string `yaml:"dst-ip"`
		// DstIPs are cycled through instead of DstIP when set.
		DstIPs  []string `yaml:"dst-ips"`
		SrcPort int      `yaml:"src-port"`
		DstPort int      `yaml:"dst-port"`
		// Flows is the number of distinct source ports, spreading traffic
		// over the receive queues.
		Flows int    `yaml:"flows"`
		Size  int    `yaml:"size"`
		Count uint64 `yaml:"count"`
		PPS   uint64 `yaml:"pps"`
	} `yaml:"traffic"`

	// Routes forward by destination address. Without routes packets
	// received on rxq i leave on txq i modulo the tx queue count.
	Routes []RouteConfig `yaml:"routes"`

	MetricsAddr string `yaml:"metrics-addr"`
}

func loadConfig() (*Config, bool, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fRxQueues := flag.Uint("rxq", 0, "rx queues")
	fTxQueues := flag.Uint("txq", 0, "tx queues")
	fDstIP := flag.String("D", "", "dst ip, replaces dst-ips")
	fPort := flag.Int("p", 0, "dst udp port")
	fFlows := flag.Int("f", 0, "distinct flows")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Int("l", 0, "pkt size")
	fPPS := flag.Uint64("r", 0, "rate limit in packets per second")
	fMetrics := flag.String("metrics", "", "serve Prometheus metrics on this address")
	fVerbose := flag.Bool("v", false, "verbose logging")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, false, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, false, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fRxQueues != 0 {
		conf.Device.RxQueues = uint16(*fRxQueues)
	}
	if *fTxQueues != 0 {
		conf.Device.TxQueues = uint16(*fTxQueues)
	}
	if *fDstIP != "" {
		conf.Traffic.DstIP, conf.Traffic.DstIPs = *fDstIP, nil
	}
	if *fPort != 0 {
		conf.Traffic.DstPort = *fPort
	}
	if *fFlows != 0 {
		conf.Traffic.Flows = *fFlows
	}
	if *fCount != 0 {
		conf.Traffic.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.Traffic.Size = *fPktSize
	}
	if *fPPS != 0 {
		conf.Traffic.PPS = *fPPS
	}
	if *fMetrics != "" {
		conf.MetricsAddr = *fMetrics
	}

	// Validate

	if conf.Device.RxQueues == 0 || conf.Device.RxQueues > mlx5.MaxQueues {
		return nil, false, errors.New("device.rx-queues must be between 1-1024")
	}
	if conf.Device.TxQueues == 0 || conf.Device.TxQueues > mlx5.MaxQueues {
		return nil, false, errors.New("device.tx-queues must be between 1-1024")
	}
	if _, err := net.ParseMAC(conf.Device.MAC); err != nil {
		return nil, false, fmt.Errorf("invalid device.mac %q: %w", conf.Device.MAC, err)
	}
	if net.ParseIP(conf.Traffic.SrcIP).To4() == nil {
		return nil, false, fmt.Errorf("invalid traffic.src-ip %q", conf.Traffic.SrcIP)
	}
	if len(conf.Traffic.DstIPs) == 0 {
		conf.Traffic.DstIPs = []string{conf.Traffic.DstIP}
	}
	for _, ip := range conf.Traffic.DstIPs {
		if net.ParseIP(ip).To4() == nil {
			return nil, false, fmt.Errorf("invalid traffic destination %q", ip)
		}
	}
	if conf.Traffic.DstPort <= 0 || conf.Traffic.DstPort > 65535 {
		return nil, false, errors.New("traffic.dst-port must be between 1-65535")
	}
	if conf.Traffic.SrcPort <= 0 || conf.Traffic.SrcPort > 65535 {
		return nil, false, errors.New("traffic.src-port must be between 1-65535")
	}
	if conf.Traffic.Flows <= 0 {
		conf.Traffic.Flows = 1
	}
	if conf.Traffic.SrcPort+conf.Traffic.Flows > 65536 {
		return nil, false, errors.New("traffic.flows exceeds the source port range")
	}
	if conf.Traffic.Count == 0 {
		return nil, false, errors.New("count must be > 0")
	}
	if conf.Traffic.Size < 64 || conf.Traffic.Size > 1500 {
		return nil, false, errors.New("unsupported packet size")
	}

	return &conf, *fVerbose, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// buildFrames returns one UDP frame per flow, each of size bytes. Flow i
// goes to DstIPs[i%len(DstIPs)].
func buildFrames(conf *Config) ([][]byte, error) {
	dstMAC, _ := net.ParseMAC(conf.Device.MAC)
	const headers = 14 + 20 + 8
	frames := make([][]byte, conf.Traffic.Flows)
	for i := range frames {
		f, err := simnic.BuildFrame(simnic.FrameSpec{
			DstMAC:  dstMAC,
			SrcIP:   net.ParseIP(conf.Traffic.SrcIP),
			DstIP:   net.ParseIP(conf.Traffic.DstIPs[i%len(conf.Traffic.DstIPs)]),
			Proto:   layers.IPProtocolUDP,
			SrcPort: uint16(conf.Traffic.SrcPort + i),
			DstPort: uint16(conf.Traffic.DstPort),
			Payload: make([]byte, conf.Traffic.Size-headers),
		})
		if err != nil {
			return nil, fmt.Errorf("building frame of flow %d: %w", i, err)
		}
		frames[i] = f
	}
	return frames, nil
}

type Stats struct {
	Generated atomic.Uint64
	Refused   atomic.Uint64
	Forwarded atomic.Uint64
	Wire      atomic.Uint64
	WireBytes atomic.Uint64
	WireErrs  atomic.Uint64

	Elapsed atomic.Int64
}

// runGenerator offers conf.Traffic.Count frames to the device, round robin
// over the flows, paced to conf.Traffic.PPS.
func runGenerator(ctx context.Context, nic *simnic.NIC, frames [][]byte, conf *Config, stats *Stats) {
	pacer := ratelimit.New(conf.Traffic.PPS, 0)
	start := time.Now()
	var seq int
	for stats.Generated.Load() < conf.Traffic.Count && ctx.Err() == nil {
		n := pacer.Allow(min(64, conf.Traffic.Count-stats.Generated.Load()))
		if n == 0 {
			time.Sleep(pacer.Next())
			continue
		}
		for range n {
			if _, ok := nic.Deliver(frames[seq%len(frames)]); !ok {
				stats.Refused.Add(1)
			}
			stats.Generated.Add(1)
			seq++
		}
	}
	stats.Elapsed.Store(time.Since(start).Nanoseconds())
}

// runWire plays the far end of the transmit queues until ctx is canceled.
func runWire(ctx context.Context, nic *simnic.NIC, txqs uint16, stats *Stats) error {
	for ctx.Err() == nil {
		var got int
		for q := range txqs {
			sent, err := nic.ProcessTx(q)
			if err != nil {
				return fmt.Errorf("txq %d: %w", q, err)
			}
			for _, s := range sent {
				if s.Err != nil {
					stats.WireErrs.Add(1)
					continue
				}
				stats.Wire.Add(1)
				stats.WireBytes.Add(uint64(len(s.Data)))
			}
			got += len(sent)
		}
		if got == 0 {
			time.Sleep(50 * time.Microsecond)
		}
	}
	return nil
}

func serveMetrics(addr string, dev *mlx5.Device, log *zap.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(ifacestat.NewCollector(dev))
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serving metrics", zap.Error(err))
		}
	}()
	return srv
}

func main() {
	conf, verbose, err := loadConfig()
	fatalIf(err, "reading config")

	// Print final resolved config
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log := zap.NewNop()
	if verbose {
		log, err = zap.NewDevelopment()
		fatalIf(err, "creating logger")
	}
	defer func() { _ = log.Sync() }()

	nic, err := simnic.New(simnic.Config{
		Logger:        log,
		NoCompression: !conf.Device.Compression,
		NoBlueFlame:   !conf.Device.BlueFlame,
	})
	fatalIf(err, "creating simulated adapter")

	mac, _ := net.ParseMAC(conf.Device.MAC)
	dev, err := mlx5.NewDevice(nic, mlx5.Config{
		Logger:       log,
		RxQueues:     conf.Device.RxQueues,
		TxQueues:     conf.Device.TxQueues,
		MACs:         []net.HardwareAddr{mac},
		SoftCounters: conf.Device.SoftCounters,
	})
	fatalIf(err, "creating device")

	rxConf := mlx5.RxQueueConfig{
		Descs:              conf.Device.RxDescs,
		Checksum:           conf.Device.Checksum,
		DisableCompression: !conf.Device.Compression,
	}
	txConf := mlx5.TxQueueConfig{
		Descs:     conf.Device.TxDescs,
		MaxInline: conf.Device.MaxInline,
		BlueFlame: conf.Device.BlueFlame,
		Checksum:  conf.Device.Checksum,
	}
	if rxConf.Descs == 0 {
		rxConf.Descs = mlx5.DefaultRxDescs
	}
	if txConf.Descs == 0 {
		txConf.Descs = mlx5.DefaultTxDescs
	}

	// Forwarded packets stay in flight on the transmit rings until
	// completed, so the pool covers both sides.
	capacity := uint32(conf.Device.RxQueues)*uint32(rxConf.Descs)*2 +
		uint32(conf.Device.TxQueues)*uint32(txConf.Descs)
	pool, err := mbuf.NewPool(mbuf.PoolConfig{Name: "bench", Capacity: capacity})
	fatalIf(err, "creating buffer pool")
	defer func() {
		fatalIf(dev.Close(), "closing device")
		_ = pool.Destroy()
	}()
	rxConf.Pool = pool
	txConf.Pools = []*mbuf.Pool{pool}

	for q := range conf.Device.RxQueues {
		fatalIf(dev.SetupRxQueue(q, rxConf), "setting up rxq %d", q)
	}
	for q := range conf.Device.TxQueues {
		fatalIf(dev.SetupTxQueue(q, txConf), "setting up txq %d", q)
	}
	fatalIf(dev.Start(), "starting device")
	fmt.Fprintf(os.Stderr, "device started: %d flow rules over %v\n",
		len(dev.Flows()), dev.HashTypes())

	if conf.MetricsAddr != "" {
		srv := serveMetrics(conf.MetricsAddr, dev, log)
		defer func() { _ = srv.Close() }()
		fmt.Fprintf(os.Stderr, "metrics on http://%s/metrics\n", conf.MetricsAddr)
	}

	frames, err := buildFrames(conf)
	fatalIf(err, "building frames")

	forward := func(queue uint16, _ *mbuf.Mbuf) (int, error) {
		return int(queue % conf.Device.TxQueues), nil
	}
	if len(conf.Routes) > 0 {
		routes, err := parseRoutes(conf.Routes, conf.Device.TxQueues)
		fatalIf(err, "parsing routes")
		forward = makeRouterHandler(routes, [6]byte(mac))
	}

	var stats Stats
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var procErr, wireErr error
	wg.Go(func() {
		procErr = mlx5.RunProcessor(ctx, dev, mlx5.ProcessorConfig{
			BurstSize: conf.Device.BurstSize,
			CPUs:      conf.Device.CPUs,
		}, func(queue uint16, pkt *mbuf.Mbuf) (int, error) {
			txq, err := forward(queue, pkt)
			if txq >= 0 {
				stats.Forwarded.Add(1)
			}
			return txq, err
		})
	})
	wg.Go(func() { wireErr = runWire(ctx, nic, conf.Device.TxQueues, &stats) })

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		last := ifacestat.Snapshot(dev)
		var lastGen, lastWire uint64
		lastTime := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			gen, wire := stats.Generated.Load(), stats.Wire.Load()
			fmt.Printf("GEN=%d WIRE=%d GEN-PPS=%d WIRE-PPS=%d\n",
				gen, wire,
				uint64(float64(gen-lastGen)/dt), uint64(float64(wire-lastWire)/dt),
			)
			lastGen, lastWire = gen, wire

			if conf.Device.SoftCounters {
				cur := ifacestat.Snapshot(dev)
				_ = ifacestat.Print(os.Stdout, cur.Since(last), nil)
				last = cur
			}
		}
	}()

	runGenerator(ctx, nic, frames, conf, &stats)

	{
		// Wait for the last forwarded packets to leave the device.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) &&
			stats.Wire.Load()+stats.WireErrs.Load() < stats.Generated.Load()-stats.Refused.Load() {
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	wg.Wait()
	if procErr != nil && !errors.Is(procErr, context.Canceled) {
		fatalIf(procErr, "processor")
	}
	fatalIf(wireErr, "wire")

	generated := stats.Generated.Load()
	wire := stats.Wire.Load()
	wireBytes := stats.WireBytes.Load()
	nicStats := nic.Stats()

	drops := generated - wire
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	genAvgPPS := uint64(float64(generated) / elapsed)
	wireAvgPPS := uint64(float64(wire) / elapsed)
	wireAvgMbps := float64(wireBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Generated:         %d packets\n", generated)
	p.Printf(" Forwarded:         %d packets\n", stats.Forwarded.Load())
	p.Printf(" On wire:           %d packets (%s)\n", wire, humanize.Bytes(wireBytes))
	p.Printf(" Generated Avg PPS: %d\n", genAvgPPS)
	p.Printf(" Wire Avg PPS:      %d\n", wireAvgPPS)
	p.Printf(" Wire Avg rate:     %.1f Mbps\n", wireAvgMbps)
	p.Printf(" No RX buffer:      %d\n", nicStats.NoBuffer)
	p.Printf(" RX CQ full:        %d\n", nicStats.CQFull)
	p.Printf(" TX errors:         %d\n", stats.WireErrs.Load())
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(generated)*100)

	if conf.Device.SoftCounters {
		p.Print("\nQUEUES\n")
		_ = ifacestat.Print(os.Stdout, ifacestat.Snapshot(dev), nil)
	}
}
