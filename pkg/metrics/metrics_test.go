package metrics

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrometheus_Observations(t *testing.T) {
	p := NewPrometheus()
	p.ObserveQuery(model.QuerySample{Scenario: model.ScenarioPointRead, Endpoint: "replica", Latency: time.Millisecond, Success: true})
	p.ObserveQuery(model.QuerySample{Scenario: model.ScenarioPointRead, Endpoint: "replica", ErrorKind: model.KindTimeout})
	p.ObserveQuery(model.QuerySample{Scenario: model.ScenarioPointRead, Endpoint: "replica", ErrorKind: model.KindTimeout})
	p.ObserveLag("replica", 250*time.Millisecond)
	p.ObservePool(pool.PoolStats{Endpoint: "primary", AcquiredConns: 3, IdleConns: 2, TotalConns: 5, ExhaustedCount: 7})

	require.Equal(t, 2.0, testutil.ToFloat64(p.queryErrors.WithLabelValues("point_read", "replica", "timeout")))
	require.Equal(t, 0.25, testutil.ToFloat64(p.replicaLag.WithLabelValues("replica")))
	require.Equal(t, 3.0, testutil.ToFloat64(p.poolConns.WithLabelValues("primary", "acquired")))
	require.Equal(t, 7.0, testutil.ToFloat64(p.poolExhausted.WithLabelValues("primary")))
	require.Equal(t, 1, testutil.CollectAndCount(p.queryDuration))
}

func TestPrometheus_ServerAndWeight(t *testing.T) {
	p := NewPrometheus()
	lag := 1500 * time.Millisecond
	Multi{Nop{}, p}.ObserveServer(model.ServerSample{Connections: 12, ActiveConnections: 4, TPS: 250, ReplicationLag: &lag})
	p.ObservePool(pool.PoolStats{Endpoint: "replica", Healthy: true, Weight: 1.2})

	require.Equal(t, 12.0, testutil.ToFloat64(p.serverConns.WithLabelValues("total")))
	require.Equal(t, 4.0, testutil.ToFloat64(p.serverConns.WithLabelValues("active")))
	require.Equal(t, 250.0, testutil.ToFloat64(p.serverTPS))
	require.Equal(t, 1.5, testutil.ToFloat64(p.serverLag))
	require.Equal(t, 1.2, testutil.ToFloat64(p.poolWeight.WithLabelValues("replica")))
}

func TestPoolEmitter_RoutesPoolMetrics(t *testing.T) {
	p := NewPrometheus()
	emit := PoolEmitter(Multi{Nop{}, p})
	emit(pool.PoolStats{Endpoint: "replica", IdleConns: 4}, nil)
	emit(pool.Metric{Key: "pool_destroy_count", Value: 1}, []pool.MetricsTag{{Key: "endpoint", Value: "replica"}})

	require.Equal(t, 4.0, testutil.ToFloat64(p.poolConns.WithLabelValues("replica", "idle")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.poolEvents.WithLabelValues("replica", "pool_destroy_count")))
}

func TestStatsd_SendsReplicationLag(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	s, err := NewStatsd(conn.LocalAddr().String(), zap.NewNop(),
		statsd.WithoutTelemetry(), statsd.WithoutClientSideAggregation())
	require.NoError(t, err)
	defer s.Close()

	s.ObserveLag("replica-1", 42*time.Millisecond)
	require.NoError(t, s.Flush())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	packet := string(buf[:n])
	require.True(t, strings.Contains(packet, "pg_aurora_bench.pg_aurora_custom_replication_lag:42|g"), packet)
	require.True(t, strings.Contains(packet, "replica:replica-1"), packet)
}

func TestStatsd_NoOpClient(t *testing.T) {
	s := NewStatsdWithClient(&statsd.NoOpClient{}, zap.NewNop())
	s.ObserveQuery(model.QuerySample{Success: true})
	s.ObserveResource(model.ResourceSample{MemoryBytes: 1})
	s.ObserveServer(model.ServerSample{Connections: 1})
	require.NoError(t, s.Close())
}
