package ifacestat

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/mlx5dp/mlx5"
)

// Collector implements prometheus.Collector, reading the queue counters of
// a device on each scrape.
type Collector struct {
	dev *mlx5.Device

	rxPackets *prometheus.Desc
	rxBytes   *prometheus.Desc
	rxDropped *prometheus.Desc
	rxNoMbuf  *prometheus.Desc

	txPackets *prometheus.Desc
	txBytes   *prometheus.Desc
	txDropped *prometheus.Desc
	txErrors  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(dev *mlx5.Device) *Collector {
	port := prometheus.Labels{"port": strconv.Itoa(int(dev.Port()))}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("mlx5dp_"+name, help, []string{"queue"}, port)
	}
	return &Collector{
		dev: dev,

		rxPackets: desc("rx_packets_total", "Packets received per queue."),
		rxBytes:   desc("rx_bytes_total", "Bytes received per queue."),
		rxDropped: desc("rx_dropped_total", "Completions received with an error status."),
		rxNoMbuf:  desc("rx_no_mbuf_total", "Failed receive buffer allocations."),

		txPackets: desc("tx_packets_total", "Packets transmitted per queue."),
		txBytes:   desc("tx_bytes_total", "Bytes transmitted per queue."),
		txDropped: desc("tx_dropped_total", "Packets refused by the transmit queue."),
		txErrors:  desc("tx_errors_total", "Transmit error completions."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxPackets
	ch <- c.rxBytes
	ch <- c.rxDropped
	ch <- c.rxNoMbuf
	ch <- c.txPackets
	ch <- c.txBytes
	ch <- c.txDropped
	ch <- c.txErrors
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, queue uint16) {
		ch <- prometheus.MustNewConstMetric(
			d, prometheus.CounterValue, float64(v), strconv.Itoa(int(queue)),
		)
	}
	for _, q := range c.dev.RxQueues() {
		st := q.Stats()
		counter(c.rxPackets, st.Packets, q.Index())
		counter(c.rxBytes, st.Bytes, q.Index())
		counter(c.rxDropped, st.Dropped, q.Index())
		counter(c.rxNoMbuf, st.NoMbuf, q.Index())
	}
	for _, q := range c.dev.TxQueues() {
		st := q.Stats()
		counter(c.txPackets, st.Packets, q.Index())
		counter(c.txBytes, st.Bytes, q.Index())
		counter(c.txDropped, st.Dropped, q.Index())
		counter(c.txErrors, st.Errors, q.Index())
	}
}
