package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
	"go.uber.org/zap"
)

const statsdNamespace = "pg_aurora_bench."

// Statsd sends observations to a DogStatsD agent. Send errors are logged at
// debug level and otherwise dropped.
type Statsd struct {
	client statsd.ClientInterface
	logger *zap.Logger
}

func NewStatsd(addr string, logger *zap.Logger, opts ...statsd.Option) (*Statsd, error) {
	client, err := statsd.New(addr, append([]statsd.Option{statsd.WithNamespace(statsdNamespace)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Statsd{client: client, logger: logger}, nil
}

// NewStatsdWithClient wraps an existing client, e.g. statsd.NoOpClient.
func NewStatsdWithClient(client statsd.ClientInterface, logger *zap.Logger) *Statsd {
	return &Statsd{client: client, logger: logger}
}

func (s *Statsd) check(err error) {
	if err != nil {
		s.logger.Debug("statsd send failed", zap.Error(err))
	}
}

func (s *Statsd) ObserveQuery(q model.QuerySample) {
	tags := []string{"scenario:" + string(q.Scenario), "endpoint:" + q.Endpoint, "phase:" + q.Phase}
	if q.Success {
		s.check(s.client.Timing("query.latency", q.Latency, tags, 1))
		s.check(s.client.Incr("query.success", tags, 1))
		return
	}
	s.check(s.client.Incr("query.error", append(tags, "kind:"+string(q.ErrorKind)), 1))
}

func (s *Statsd) ObserveLag(replica string, lag time.Duration) {
	s.check(s.client.Gauge("pg_aurora_custom_replication_lag",
		float64(lag)/float64(time.Millisecond), []string{"replica:" + replica}, 1))
}

func (s *Statsd) ObservePool(stats pool.PoolStats) {
	tags := []string{"endpoint:" + stats.Endpoint}
	s.check(s.client.Gauge("pool.acquired", float64(stats.AcquiredConns), tags, 1))
	s.check(s.client.Gauge("pool.idle", float64(stats.IdleConns), tags, 1))
	s.check(s.client.Gauge("pool.total", float64(stats.TotalConns), tags, 1))
	s.check(s.client.Gauge("pool.max", float64(stats.MaxConns), tags, 1))
	s.check(s.client.Gauge("pool.exhausted", float64(stats.ExhaustedCount), tags, 1))
	s.check(s.client.Gauge("pool.weight", stats.Weight, tags, 1))
}

func (s *Statsd) ObservePoolEvent(endpoint, event string) {
	s.check(s.client.Incr("pool."+event, []string{"endpoint:" + endpoint}, 1))
}

func (s *Statsd) ObserveResource(r model.ResourceSample) {
	s.check(s.client.Gauge("process.memory_bytes", float64(r.MemoryBytes), nil, 1))
	s.check(s.client.Gauge("process.goroutines", float64(r.Goroutines), nil, 1))
	s.check(s.client.Gauge("pool.open_connections", float64(r.OpenConnections), nil, 1))
}

func (s *Statsd) ObserveServer(r model.ServerSample) {
	s.check(s.client.Gauge("server.connections", float64(r.Connections), nil, 1))
	s.check(s.client.Gauge("server.active_connections", float64(r.ActiveConnections), nil, 1))
	s.check(s.client.Gauge("server.tps", r.TPS, nil, 1))
	if r.ReplicationLag != nil {
		s.check(s.client.Gauge("server.replication_lag",
			float64(*r.ReplicationLag)/float64(time.Millisecond), nil, 1))
	}
}

func (s *Statsd) Flush() error {
	return s.client.Flush()
}

func (s *Statsd) Close() error {
	return s.client.Close()
}
