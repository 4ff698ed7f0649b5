// Package metrics exposes a Prometheus collector over a running Stack's
// pool, route table, and socket table, grounded directly on the
// teacher's pkg/exporter TCPInfoCollector: one *prometheus.Desc per
// metric family, populated by a Collect pass that reads each subsystem
// under its own lock. Point-in-time only, per the design's stats
// section: no cross-component snapshot lock is taken.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runZeroInc/nodestack/pkg/kernel"
	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/route"
	"github.com/runZeroInc/nodestack/pkg/socket"
)

var stateNames = map[socket.State]string{
	socket.StateClosed:      "closed",
	socket.StateOpen:        "open",
	socket.StateListening:   "listening",
	socket.StateSynSent:     "syn_sent",
	socket.StateSynReceived: "syn_received",
	socket.StateEstablished: "established",
}

// Collector reports pool free-count, route-table size, socket-table
// occupancy by state, per-socket cumulative tx/rx bytes (labeled by the
// socket's correlation id), and host kernel version.
type Collector struct {
	pool   *pool.Pool
	router *route.Router
	table  *socket.Table

	poolFree    *prometheus.Desc
	routeCount  *prometheus.Desc
	socketState *prometheus.Desc
	socketTx    *prometheus.Desc
	socketRx    *prometheus.Desc
	hostKernel  *prometheus.Desc
}

// NewCollector builds a Collector over p/r/t. constLabels are attached
// to every exported series (e.g. node id, hostname).
func NewCollector(p *pool.Pool, r *route.Router, t *socket.Table, constLabels prometheus.Labels) *Collector {
	return &Collector{
		pool:   p,
		router: r,
		table:  t,

		poolFree:   prometheus.NewDesc("nodestack_pool_free_packets", "Currently free packet buffers in the pool.", nil, constLabels),
		routeCount: prometheus.NewDesc("nodestack_route_table_entries", "Entries currently in the route table.", nil, constLabels),
		socketState: prometheus.NewDesc("nodestack_sockets", "Socket slots by state.",
			[]string{"state"}, constLabels),
		socketTx: prometheus.NewDesc("nodestack_socket_tx_bytes_total", "Cumulative payload bytes transmitted by a socket.",
			[]string{"socket_id"}, constLabels),
		socketRx: prometheus.NewDesc("nodestack_socket_rx_bytes_total", "Cumulative payload bytes received by a socket.",
			[]string{"socket_id"}, constLabels),
		hostKernel: prometheus.NewDesc("nodestack_host_kernel_info", "Host kernel version (constant 1, labeled).",
			[]string{"version"}, constLabels),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.poolFree
	descs <- c.routeCount
	descs <- c.socketState
	descs <- c.socketTx
	descs <- c.socketRx
	descs <- c.hostKernel
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.poolFree, prometheus.GaugeValue, float64(c.pool.FreeCount()))
	metrics <- prometheus.MustNewConstMetric(c.routeCount, prometheus.GaugeValue, float64(c.router.RouteCount()))

	for state, n := range c.table.StateCounts() {
		metrics <- prometheus.MustNewConstMetric(c.socketState, prometheus.GaugeValue, float64(n), stateNames[state])
	}
	for _, s := range c.table.Sockets() {
		tx, rx := c.table.ByteCounters(s)
		metrics <- prometheus.MustNewConstMetric(c.socketTx, prometheus.CounterValue, float64(tx), s.ID.String())
		metrics <- prometheus.MustNewConstMetric(c.socketRx, prometheus.CounterValue, float64(rx), s.ID.String())
	}

	if v, err := kernel.HostVersion(); err == nil {
		metrics <- prometheus.MustNewConstMetric(c.hostKernel, prometheus.GaugeValue, 1, v)
	}
}
