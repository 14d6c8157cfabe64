package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "preview"

// PrometheusCollector implements Collector with Prometheus metrics on a
// private registry.
type PrometheusCollector struct {
	starts        *prometheus.CounterVec
	spawnAttempts prometheus.Counter
	retries       *prometheus.CounterVec
	crashes       prometheus.Counter
	reaps         prometheus.Counter
	reclaimKills  prometheus.Counter
	healthProbes  *prometheus.CounterVec
	active        prometheus.Gauge
	portsInUse    prometheus.Gauge
	timeToReady   prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheus creates a collector. An empty namespace uses DefaultNamespace.
func NewPrometheus(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	pc := &PrometheusCollector{registry: prometheus.NewRegistry()}

	pc.starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starts_total",
			Help:      "Total number of Start calls by result",
		},
		[]string{"result"},
	)
	pc.spawnAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spawn_attempts_total",
		Help:      "Total number of child processes launched",
	})
	pc.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "start_retries_total",
			Help:      "Total number of retried start attempts by reason",
		},
		[]string{"reason"},
	)
	pc.crashes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crashes_total",
		Help:      "Total number of previews that died after becoming ready",
	})
	pc.reaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idle_reaps_total",
		Help:      "Total number of idle previews stopped by the reaper",
	})
	pc.reclaimKills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaim_kills_total",
		Help:      "Total number of processes killed to free a port",
	})
	pc.healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of watchdog health probes by result",
		},
		[]string{"status"},
	)
	pc.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_previews",
		Help:      "Number of registered previews",
	})
	pc.portsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ports_in_use",
		Help:      "Number of allocated preview ports",
	})
	pc.timeToReady = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_ready_seconds",
		Help:      "Time from Start to a ready preview",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
	})

	pc.registry.MustRegister(
		pc.starts,
		pc.spawnAttempts,
		pc.retries,
		pc.crashes,
		pc.reaps,
		pc.reclaimKills,
		pc.healthProbes,
		pc.active,
		pc.portsInUse,
		pc.timeToReady,
	)
	return pc
}

func (pc *PrometheusCollector) StartFinished(result string) {
	pc.starts.WithLabelValues(result).Inc()
}

func (pc *PrometheusCollector) SpawnAttempt() {
	pc.spawnAttempts.Inc()
}

func (pc *PrometheusCollector) Retry(reason string) {
	pc.retries.WithLabelValues(reason).Inc()
}

func (pc *PrometheusCollector) Crash() {
	pc.crashes.Inc()
}

func (pc *PrometheusCollector) Reaped() {
	pc.reaps.Inc()
}

func (pc *PrometheusCollector) ReclaimKill() {
	pc.reclaimKills.Inc()
}

func (pc *PrometheusCollector) HealthProbe(healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	pc.healthProbes.WithLabelValues(status).Inc()
}

func (pc *PrometheusCollector) ActivePreviews(n int) {
	pc.active.Set(float64(n))
}

func (pc *PrometheusCollector) PortsInUse(n int) {
	pc.portsInUse.Set(float64(n))
}

func (pc *PrometheusCollector) TimeToReady(d time.Duration) {
	pc.timeToReady.Observe(d.Seconds())
}

// Registry returns the private registry.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}
