package flowpipe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects pipeline statistics. A nil *Metrics collects nothing.
type Metrics struct {
	Exchanges       *prometheus.CounterVec
	ActiveExchanges prometheus.Gauge
	BytesRead       prometheus.Counter
	BytesWritten    prometheus.Counter
	DecodeErrors    *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics with reg. If pool is not nil,
// its hit and miss counts are exported too.
func NewMetrics(reg prometheus.Registerer, pool *ChunkPool) *Metrics {
	m := &Metrics{
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpipe",
			Name:      "exchanges_total",
			Help:      "Exchanges that reached an outcome, by outcome and status.",
		}, []string{"outcome", "status"}),
		ActiveExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowpipe",
			Name:      "exchanges_active",
			Help:      "Exchanges in progress.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowpipe",
			Name:      "body_bytes_read_total",
			Help:      "Request body bytes read.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowpipe",
			Name:      "body_bytes_written_total",
			Help:      "Response body bytes accepted by transports.",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpipe",
			Name:      "decode_errors_total",
			Help:      "Malformed units skipped by decoders, by content type.",
		}, []string{"content_type"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpipe",
			Name:      "connections_rejected_total",
			Help:      "Connections or requests refused before an exchange started, by reason.",
		}, []string{"reason"}),
	}
	collectors := []prometheus.Collector{m.Exchanges, m.ActiveExchanges, m.BytesRead, m.BytesWritten, m.DecodeErrors, m.Rejected}
	if pool != nil {
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "flowpipe",
				Name:      "chunk_pool_hits_total",
				Help:      "Chunks served from the idle list.",
			}, func() float64 {
				hits, _ := pool.Stats()
				return float64(hits)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "flowpipe",
				Name:      "chunk_pool_misses_total",
				Help:      "Chunks allocated because the idle list was empty.",
			}, func() float64 {
				_, misses := pool.Stats()
				return float64(misses)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "flowpipe",
				Name:      "chunk_pool_idle",
				Help:      "Chunks on the idle list.",
			}, func() float64 {
				return float64(pool.Idle())
			}),
		)
	}
	if reg != nil {
		reg.MustRegister(collectors...)
	}
	return m
}

// AddBytesRead implements StatsCollector.
func (m *Metrics) AddBytesRead(n int64) {
	if m != nil {
		m.BytesRead.Add(float64(n))
	}
}

// AddBytesWritten implements StatsCollector.
func (m *Metrics) AddBytesWritten(n int64) {
	if m != nil {
		m.BytesWritten.Add(float64(n))
	}
}

func (m *Metrics) exchangeStarted() {
	if m != nil {
		m.ActiveExchanges.Inc()
	}
}

func (m *Metrics) exchangeFinished(e *Exchange) {
	if m == nil {
		return
	}
	m.ActiveExchanges.Dec()
	outcome := "complete"
	switch {
	case e.Aborted():
		outcome = "aborted"
	case e.State() == ExchangeErrored:
		outcome = "errored"
	}
	m.Exchanges.WithLabelValues(outcome, strconv.Itoa(e.Status())).Inc()
}

func (m *Metrics) decodeError(contentType string) {
	if m != nil {
		m.DecodeErrors.WithLabelValues(contentType).Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}
