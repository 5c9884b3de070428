package metrics

import (
	"net/http"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus keeps its own registry so several runs in one process do not
// collide on the default one.
type Prometheus struct {
	registry *prometheus.Registry

	queryDuration *prometheus.HistogramVec
	queryErrors   *prometheus.CounterVec
	replicaLag    *prometheus.GaugeVec
	poolConns     *prometheus.GaugeVec
	poolExhausted *prometheus.GaugeVec
	poolEvents    *prometheus.CounterVec
	poolWeight    *prometheus.GaugeVec
	memoryBytes   prometheus.Gauge
	goroutines    prometheus.Gauge
	serverConns   *prometheus.GaugeVec
	serverTPS     prometheus.Gauge
	serverLag     prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Prometheus{
		registry: reg,
		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pg_aurora_bench_query_duration_seconds",
				Help:    "Latency of successful scenario queries",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"scenario", "endpoint"},
		),
		queryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pg_aurora_bench_query_errors_total",
				Help: "Failed scenario queries by error kind",
			},
			[]string{"scenario", "endpoint", "kind"},
		),
		replicaLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pg_aurora_bench_replication_lag_seconds",
				Help: "Most recent observed probe replication lag",
			},
			[]string{"replica"},
		),
		poolConns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pg_aurora_bench_pool_connections",
				Help: "Pool connections by state",
			},
			[]string{"endpoint", "state"},
		),
		poolExhausted: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pg_aurora_bench_pool_exhausted",
				Help: "Acquires that timed out waiting for a connection",
			},
			[]string{"endpoint"},
		),
		poolEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pg_aurora_bench_pool_events_total",
				Help: "Pool maintenance events",
			},
			[]string{"endpoint", "event"},
		),
		poolWeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pg_aurora_bench_pool_routing_weight",
				Help: "Read routing weight from the last health check, zero when unhealthy",
			},
			[]string{"endpoint"},
		),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pg_aurora_bench_process_memory_bytes",
			Help: "Resident memory of the harness",
		}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pg_aurora_bench_process_goroutines",
			Help: "Goroutines running in the harness",
		}),
		serverConns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pg_aurora_bench_server_connections",
				Help: "Sessions on the benchmark database as seen by the server",
			},
			[]string{"state"},
		),
		serverTPS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pg_aurora_bench_server_tps",
			Help: "Transactions per second committed or rolled back by the server",
		}),
		serverLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pg_aurora_bench_server_replication_lag_seconds",
			Help: "Replay lag reported by the replica",
		}),
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) ObserveQuery(s model.QuerySample) {
	if s.Success {
		p.queryDuration.WithLabelValues(string(s.Scenario), s.Endpoint).Observe(s.Latency.Seconds())
		return
	}
	p.queryErrors.WithLabelValues(string(s.Scenario), s.Endpoint, string(s.ErrorKind)).Inc()
}

func (p *Prometheus) ObserveLag(replica string, lag time.Duration) {
	p.replicaLag.WithLabelValues(replica).Set(lag.Seconds())
}

func (p *Prometheus) ObservePool(stats pool.PoolStats) {
	p.poolConns.WithLabelValues(stats.Endpoint, "acquired").Set(float64(stats.AcquiredConns))
	p.poolConns.WithLabelValues(stats.Endpoint, "idle").Set(float64(stats.IdleConns))
	p.poolConns.WithLabelValues(stats.Endpoint, "total").Set(float64(stats.TotalConns))
	p.poolExhausted.WithLabelValues(stats.Endpoint).Set(float64(stats.ExhaustedCount))
	p.poolWeight.WithLabelValues(stats.Endpoint).Set(stats.Weight)
}

func (p *Prometheus) ObservePoolEvent(endpoint, event string) {
	p.poolEvents.WithLabelValues(endpoint, event).Inc()
}

func (p *Prometheus) ObserveResource(s model.ResourceSample) {
	p.memoryBytes.Set(float64(s.MemoryBytes))
	p.goroutines.Set(float64(s.Goroutines))
}

func (p *Prometheus) ObserveServer(s model.ServerSample) {
	p.serverConns.WithLabelValues("total").Set(float64(s.Connections))
	p.serverConns.WithLabelValues("active").Set(float64(s.ActiveConnections))
	p.serverTPS.Set(s.TPS)
	if s.ReplicationLag != nil {
		p.serverLag.Set(s.ReplicationLag.Seconds())
	}
}
