package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the Counters of every tracked device/pool/replica/nexus
// as Prometheus collectors, labeled by component and object name.
// All methods are nil-safe: calls on a nil *Metrics are no-ops, so callers
// need not branch on whether the debug HTTP surface is enabled.
type Metrics struct {
	readOpsTotal        *prometheus.CounterVec
	writeOpsTotal       *prometheus.CounterVec
	unmapOpsTotal       *prometheus.CounterVec
	bytesReadTotal       *prometheus.CounterVec
	bytesWrittenTotal    *prometheus.CounterVec
	bytesUnmappedTotal   *prometheus.CounterVec
	readLatencyTicks     *prometheus.CounterVec
	writeLatencyTicks    *prometheus.CounterVec
}

// NewMetrics creates and registers the stats collectors with reg. If reg is
// nil, collectors are created but not registered (useful for testing).
//
// On re-registration (process restart with a shared registry) existing
// collectors are reused so exported series stay continuous.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	labels := []string{"component", "object"}
	m := &Metrics{
		readOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "read_ops_total", Help: "Total completed read operations.",
		}, labels),
		writeOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "write_ops_total", Help: "Total completed write operations.",
		}, labels),
		unmapOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "unmap_ops_total", Help: "Total completed unmap operations.",
		}, labels),
		bytesReadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "bytes_read_total", Help: "Total bytes read.",
		}, labels),
		bytesWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "bytes_written_total", Help: "Total bytes written.",
		}, labels),
		bytesUnmappedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "bytes_unmapped_total", Help: "Total bytes unmapped.",
		}, labels),
		readLatencyTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "read_latency_ticks_total", Help: "Cumulative read latency in ticks.",
		}, labels),
		writeLatencyTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "io_engine", Name: "write_latency_ticks_total", Help: "Cumulative write latency in ticks.",
		}, labels),
	}

	if reg != nil {
		m.readOpsTotal = registerOrReuse(reg, m.readOpsTotal).(*prometheus.CounterVec)
		m.writeOpsTotal = registerOrReuse(reg, m.writeOpsTotal).(*prometheus.CounterVec)
		m.unmapOpsTotal = registerOrReuse(reg, m.unmapOpsTotal).(*prometheus.CounterVec)
		m.bytesReadTotal = registerOrReuse(reg, m.bytesReadTotal).(*prometheus.CounterVec)
		m.bytesWrittenTotal = registerOrReuse(reg, m.bytesWrittenTotal).(*prometheus.CounterVec)
		m.bytesUnmappedTotal = registerOrReuse(reg, m.bytesUnmappedTotal).(*prometheus.CounterVec)
		m.readLatencyTicks = registerOrReuse(reg, m.readLatencyTicks).(*prometheus.CounterVec)
		m.writeLatencyTicks = registerOrReuse(reg, m.writeLatencyTicks).(*prometheus.CounterVec)
	}
	return m
}

// Observe publishes a Snapshot taken for (component, object) into the
// registered counters. Prometheus counters are monotonic, so Observe
// should be called with cumulative deltas computed by the caller, or
// simply with Counters.Snapshot() values when the series is freshly
// registered and never Reset.
func (m *Metrics) Observe(component, object string, s Snapshot) {
	if m == nil {
		return
	}
	m.readOpsTotal.WithLabelValues(component, object).Add(float64(s.NumReadOps))
	m.writeOpsTotal.WithLabelValues(component, object).Add(float64(s.NumWriteOps))
	m.unmapOpsTotal.WithLabelValues(component, object).Add(float64(s.NumUnmapOps))
	m.bytesReadTotal.WithLabelValues(component, object).Add(float64(s.BytesRead))
	m.bytesWrittenTotal.WithLabelValues(component, object).Add(float64(s.BytesWritten))
	m.bytesUnmappedTotal.WithLabelValues(component, object).Add(float64(s.BytesUnmapped))
	m.readLatencyTicks.WithLabelValues(component, object).Add(float64(s.ReadLatencyTicks))
	m.writeLatencyTicks.WithLabelValues(component, object).Add(float64(s.WriteLatencyTicks))
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
