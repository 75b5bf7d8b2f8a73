package kernel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide Prometheus registry, initialized once and
// shared by every subsystem.
type Metrics struct {
	Registry *prometheus.Registry

	BusDropped       *prometheus.CounterVec
	BusNoReceivers   prometheus.Counter
	RestartsTotal    *prometheus.CounterVec
	ReadyGauge       prometheus.Gauge
	AmnesiaGauge     prometheus.Gauge
	AdmissionDropped *prometheus.CounterVec
	FramesIn         *prometheus.CounterVec
	FramesOut        *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GlobalMetrics returns the process-wide singleton Metrics instance.
func GlobalMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rustyonions_bus_dropped_total",
			Help: "Events dropped due to a lagging subscriber.",
		}, []string{"subscriber"}),
		BusNoReceivers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rustyonions_bus_no_receivers_total",
			Help: "Publishes that found zero subscribers.",
		}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rustyonions_supervisor_restarts_total",
			Help: "Supervised task restarts.",
		}, []string{"task"}),
		ReadyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rustyonions_ready",
			Help: "1 if /readyz is currently passing, 0 otherwise.",
		}),
		AmnesiaGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rustyonions_amnesia",
			Help: "1 if amnesia mode is active, 0 otherwise.",
		}),
		AdmissionDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rustyonions_admission_rejected_total",
			Help: "Requests rejected by the admission pipeline, by reason.",
		}, []string{"reason"}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rustyonions_oap_frames_in_total",
			Help: "OAP frames received, by frame code.",
		}, []string{"code"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rustyonions_oap_frames_out_total",
			Help: "OAP frames sent, by frame code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.BusDropped,
		m.BusNoReceivers,
		m.RestartsTotal,
		m.ReadyGauge,
		m.AmnesiaGauge,
		m.AdmissionDropped,
		m.FramesIn,
		m.FramesOut,
	)
	return m
}

func (m *Metrics) SetAmnesia(on bool) {
	if on {
		m.AmnesiaGauge.Set(1)
	} else {
		m.AmnesiaGauge.Set(0)
	}
}

func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.ReadyGauge.Set(1)
	} else {
		m.ReadyGauge.Set(0)
	}
}
