package pipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipe Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	BytesWritten prometheus.Counter
	BytesRead    prometheus.Counter
	Waits        *prometheus.CounterVec
	Handshakes   *prometheus.CounterVec
	Teardowns    *prometheus.CounterVec
	RingFull     prometheus.Counter
	PipesActive  prometheus.Gauge
}

// NewMetrics registers the pipe collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "xenshm_pipe_bytes_written_total",
			Help: "Bytes published into pipe rings",
		}),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "xenshm_pipe_bytes_read_total",
			Help: "Bytes consumed from pipe rings",
		}),
		Waits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xenshm_pipe_waits_total",
				Help: "Doorbell waits by result",
			},
			[]string{"result"},
		),
		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xenshm_pipe_handshakes_total",
				Help: "Handshakes by role and result",
			},
			[]string{"role", "result"},
		),
		Teardowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xenshm_pipe_teardowns_total",
				Help: "Teardowns by role and result",
			},
			[]string{"role", "result"},
		),
		RingFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "xenshm_pipe_ring_full_total",
			Help: "Writes that found the ring full",
		}),
		PipesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xenshm_pipes_active",
			Help: "Pipes holding a region or mapping",
		}),
	}
}

func (m *Metrics) wrote(n int) {
	if m != nil && n > 0 {
		m.BytesWritten.Add(float64(n))
	}
}

func (m *Metrics) read(n int) {
	if m != nil && n > 0 {
		m.BytesRead.Add(float64(n))
	}
}

func (m *Metrics) wait(result string) {
	if m != nil {
		m.Waits.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) handshake(role Role, result string) {
	if m != nil {
		m.Handshakes.WithLabelValues(role.String(), result).Inc()
	}
}

func (m *Metrics) teardown(role Role, result string) {
	if m != nil {
		m.Teardowns.WithLabelValues(role.String(), result).Inc()
	}
}

func (m *Metrics) ringFull() {
	if m != nil {
		m.RingFull.Inc()
	}
}

func (m *Metrics) active(delta float64) {
	if m != nil {
		m.PipesActive.Add(delta)
	}
}
