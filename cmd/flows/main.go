//go:build linux

// Command flows computes the flow steering rules a device installs for a
// receive configuration and prints them. MAC addresses and VLANs can be
// taken from a kernel interface.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/romshark/mlx5dp/flowbpf"
	"github.com/romshark/mlx5dp/mbuf"
	"github.com/romshark/mlx5dp/mlx5"
	"github.com/romshark/mlx5dp/mlx5/simnic"
)

type Config struct {
	Interface    string   `yaml:"interface"`
	MACs         []string `yaml:"macs"`
	VLANs        []uint16 `yaml:"vlans"`
	RxQueues     uint16   `yaml:"rx-queues"`
	Promiscuous  bool     `yaml:"promiscuous"`
	AllMulticast bool     `yaml:"allmulticast"`
	IPv6         bool     `yaml:"ipv6"`
	MaxIndTable  int      `yaml:"max-ind-table"`

	BPF struct {
		Enable bool   `yaml:"enable"`
		Pin    string `yaml:"pin"`
	} `yaml:"bpf"`
}

func loadConfig() (*Config, bool, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fIface := flag.String("i", "", "take MACs and VLANs from this interface")
	fRxQueues := flag.Uint("q", 0, "rx queues")
	fPromisc := flag.Bool("promisc", false, "promiscuous mode")
	fAllMulti := flag.Bool("allmulti", false, "all-multicast mode")
	fIPv6 := flag.Bool("ipv6", false, "enable IPv6 hash types")
	fBPF := flag.Bool("bpf", false, "mirror rules into a BPF map")
	fPin := flag.String("pin", "", "pin the BPF map at this path")
	fVerbose := flag.Bool("v", false, "verbose logging")

	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, false, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, false, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fIface != "" {
		conf.Interface = *fIface
	}
	if *fRxQueues != 0 {
		conf.RxQueues = uint16(*fRxQueues)
	}
	conf.Promiscuous = conf.Promiscuous || *fPromisc
	conf.AllMulticast = conf.AllMulticast || *fAllMulti
	conf.IPv6 = conf.IPv6 || *fIPv6
	if *fPin != "" {
		conf.BPF.Pin = *fPin
	}
	conf.BPF.Enable = conf.BPF.Enable || *fBPF || conf.BPF.Pin != ""

	// Validate

	if conf.RxQueues == 0 {
		conf.RxQueues = 1
	}
	if conf.RxQueues > mlx5.MaxQueues {
		return nil, false, errors.New("rx-queues must be between 1-1024")
	}
	if conf.Interface == "" && len(conf.MACs) == 0 && !conf.Promiscuous {
		return nil, false, errors.New("no MAC address set (use macs, -i or -promisc)")
	}
	return &conf, *fVerbose, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// linkFilters returns the hardware address of the named link and the IDs
// of the VLAN links stacked on it.
func linkFilters(name string) (net.HardwareAddr, []uint16, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, nil, fmt.Errorf("getting link %q: %w", name, err)
	}
	links, err := netlink.LinkList()
	if err != nil {
		return nil, nil, fmt.Errorf("listing links: %w", err)
	}
	var vlans []uint16
	for _, other := range links {
		v, ok := other.(*netlink.Vlan)
		if !ok || v.Attrs().ParentIndex != l.Attrs().Index {
			continue
		}
		vlans = append(vlans, uint16(v.VlanId))
	}
	slices.Sort(vlans)
	return l.Attrs().HardwareAddr, vlans, nil
}

func main() {
	conf, verbose, err := loadConfig()
	fatalIf(err, "reading config")

	log := zap.NewNop()
	if verbose {
		log, err = zap.NewDevelopment()
		fatalIf(err, "creating logger")
	}
	defer func() { _ = log.Sync() }()

	var macs []net.HardwareAddr
	for _, s := range conf.MACs {
		mac, err := net.ParseMAC(s)
		fatalIf(err, "parsing MAC %q", s)
		macs = append(macs, mac)
	}
	vlans := conf.VLANs
	if conf.Interface != "" {
		mac, ifVLANs, err := linkFilters(conf.Interface)
		fatalIf(err, "reading interface")
		if len(mac) == 6 {
			macs = append(macs, mac)
		}
		vlans = append(vlans, ifVLANs...)
	}

	nic, err := simnic.New(simnic.Config{Logger: log, MaxIndTableSize: conf.MaxIndTable})
	fatalIf(err, "creating simulated adapter")

	var (
		verbs  mlx5.Verbs = nic
		mirror *flowbpf.Mirror
		bpfMap *ebpf.Map
	)
	if conf.BPF.Enable {
		bpfMap, err = flowbpf.NewMap(1024)
		fatalIf(err, "creating BPF map")
		defer bpfMap.Close()
		if conf.BPF.Pin != "" {
			fatalIf(bpfMap.Pin(conf.BPF.Pin), "pinning BPF map")
			fmt.Fprintf(os.Stderr, "flow map pinned at %s\n", conf.BPF.Pin)
		}
		mirror = flowbpf.NewMirror(nic, bpfMap)
		verbs = mirror
	}

	dev, err := mlx5.NewDevice(verbs, mlx5.Config{
		Logger:       log,
		RxQueues:     conf.RxQueues,
		MACs:         macs,
		VLANs:        vlans,
		Promiscuous:  conf.Promiscuous,
		AllMulticast: conf.AllMulticast,
		IPv6Flows:    conf.IPv6,
	})
	fatalIf(err, "creating device")

	pool, err := mbuf.NewPool(mbuf.PoolConfig{
		Name:     "flows",
		Capacity: uint32(conf.RxQueues) * 64,
	})
	fatalIf(err, "creating buffer pool")
	for q := range conf.RxQueues {
		fatalIf(dev.SetupRxQueue(q, mlx5.RxQueueConfig{Descs: 64, Pool: pool}), "setting up rxq %d", q)
	}
	fatalIf(dev.Start(), "starting device")

	flows := dev.Flows()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tCLASS\tMAC\tVLAN\tPRIO\tRULE")
	for _, f := range flows {
		vlan := "-"
		if f.Tagged {
			vlan = fmt.Sprint(f.VLAN)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			f.HashType, f.Type, f.MAC, vlan, f.Attr.Priority, f.Attr)
	}
	fatalIf(w.Flush(), "writing table")
	fmt.Printf("\n%d rules over %d hash queues\n", len(flows), len(dev.HashTypes()))
	if mirror != nil {
		fmt.Printf("%d rules mirrored\n", mirror.Len())
		printMap(bpfMap)
	}

	// A pinned map keeps the rules for inspection after exit.
	if conf.BPF.Pin == "" {
		fatalIf(dev.Close(), "closing device")
	}
	_ = pool.Destroy()
}

// printMap counts the entries of the mirror map as the kernel sees them.
func printMap(m *ebpf.Map) {
	var (
		k flowbpf.Key
		v flowbpf.Value
		n int
	)
	it := m.Iterate()
	for it.Next(&k, &v) {
		n++
	}
	if err := it.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "iterating flow map: %v\n", err)
		return
	}
	fmt.Printf("%d entries in the BPF map\n", n)
}
