package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/driver/drivertest"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSink struct {
	mu      sync.Mutex
	results []*model.TestRunResult
	err     error
}

func (s *captureSink) Emit(_ context.Context, result *model.TestRunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return s.err
}

func testConfig() *model.Config {
	cfg := &model.Config{
		Endpoints: []model.Endpoint{
			{Name: "primary", Role: model.RolePrimary},
			{Name: "replica-1", Role: model.RoleReplica},
		},
		PoolMax:          10,
		AcquireTimeout:   time.Second,
		OperationTimeout: time.Second,
		ConnectRetries:   1,
		Concurrency:      20,
		FailureThreshold: 5,
		SeedRows:         100,
		Phases: []model.Phase{
			{Name: "reads", Scenario: model.ScenarioPointRead, Rate: 100, Requests: 40},
			{Name: "mixed", Scenario: model.ScenarioMixed, Rate: 100, Requests: 40},
		},
		Consistency: model.ConsistencyConfig{
			ProbeCount:   6,
			ProbeDelays:  []time.Duration{0, 10 * time.Millisecond},
			PollInterval: 5 * time.Millisecond,
			WaitWindow:   200 * time.Millisecond,
			Concurrency:  3,
		},
		Stability: model.StabilityConfig{
			Window:           400 * time.Millisecond,
			SampleInterval:   50 * time.Millisecond,
			Rate:             50,
			RampSteps:        []int{2},
			RampStepDuration: 100 * time.Millisecond,
			RampPerWorker:    2,
			FailoverAt:       0.5,
			FailoverReplica:  "replica-1",
			RecoveryWindow:   time.Second,
			LeakSlope:        1024,
			ChurnIterations:  5,
		},
		Thresholds: model.Thresholds{MinQPSRatio: 0.7, MaxErrorRate: 0.01, MinConsistentRate: 100},
	}
	cfg.SetDefaults()
	return cfg
}

func newRunner(t *testing.T, fake *drivertest.Fake, cfg *model.Config) (*Runner, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	r := New(cfg, fake, zap.NewNop())
	r.SetSink(sink)
	return r, sink
}

func TestRun_PerformancePasses(t *testing.T) {
	fake := drivertest.New()
	fake.Latency = time.Millisecond
	r, sink := newRunner(t, fake, testConfig())

	res, err := r.Run(context.Background(), []model.Suite{model.SuitePerformance})
	require.NoError(t, err)
	require.Len(t, res.Phases, 2)
	for _, p := range res.Phases {
		require.Equal(t, 40, p.Requests)
		require.Zero(t, p.Failures)
		require.False(t, p.Aborted)
	}
	require.True(t, res.Checks[model.SuitePerformance])
	require.True(t, res.Passed())
	require.False(t, res.Degraded)
	require.NotEmpty(t, res.RunID)
	require.False(t, res.FinishedAt.Before(res.StartedAt))

	require.Len(t, sink.results, 1)
	require.Same(t, res, sink.results[0])
	require.Same(t, res, r.LastResult())
	require.Nil(t, r.PoolStats())
}

func TestRun_AbortedPhaseDegradesRun(t *testing.T) {
	fake := drivertest.New()
	fake.QueryError = func(_ model.Endpoint, stmt string) error {
		if strings.HasPrefix(stmt, "SELECT id") {
			return errors.New("relation does not exist")
		}
		return nil
	}
	r, _ := newRunner(t, fake, testConfig())

	res, err := r.Run(context.Background(), []model.Suite{model.SuitePerformance})
	require.NoError(t, err)
	require.True(t, res.Phases[0].Aborted)
	require.Less(t, res.Phases[0].Requests, 40)
	require.Equal(t, res.Phases[0].Requests, res.Phases[0].ErrorCounts[model.KindQuery])
	require.True(t, res.Degraded)
	require.False(t, res.Failed)
	require.False(t, res.Checks[model.SuitePerformance])
	require.False(t, res.Passed())
}

func TestRun_ConsistencyFindings(t *testing.T) {
	fake := drivertest.New()
	fake.CorruptReplica = true
	r, _ := newRunner(t, fake, testConfig())
	var serverLagCalls int64
	r.SetServerLag(func(context.Context) (time.Duration, error) {
		atomic.AddInt64(&serverLagCalls, 1)
		return 5 * time.Millisecond, nil
	})

	res, err := r.Run(context.Background(), []model.Suite{model.SuiteConsistency})
	require.NoError(t, err)
	require.NotNil(t, res.Consistency)
	require.Equal(t, 6, res.Consistency.Summary.Inconsistent)
	require.False(t, res.Checks[model.SuiteConsistency])
	require.Len(t, res.Findings, 6)
	for _, f := range res.Findings {
		require.Equal(t, model.KindChecksumMismatch, f.Kind)
		require.Equal(t, model.SeverityHigh, f.Severity)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&serverLagCalls))
	require.Zero(t, fake.ProbeRows())
}

func TestRun_ConsistencyTimeoutIsWarning(t *testing.T) {
	fake := drivertest.New()
	fake.ReplicationLag = time.Second
	r, _ := newRunner(t, fake, testConfig())

	res, err := r.Run(context.Background(), []model.Suite{model.SuiteConsistency})
	require.NoError(t, err)
	require.Equal(t, 6, res.Consistency.Summary.TimedOut)
	require.Len(t, res.Findings, 1)
	require.Equal(t, model.KindReplicationTimeout, res.Findings[0].Kind)
	require.Equal(t, model.SeverityWarning, res.Findings[0].Severity)
	require.False(t, res.Checks[model.SuiteConsistency])
}

func TestRun_StabilityReportsLeak(t *testing.T) {
	fake := drivertest.New()
	fake.Latency = time.Millisecond
	r, _ := newRunner(t, fake, testConfig())
	var mem uint64 = 1 << 20
	r.SetMemoryReader(func() uint64 { return atomic.AddUint64(&mem, 1<<20) })

	res, err := r.Run(context.Background(), []model.Suite{model.SuiteStability})
	require.NoError(t, err)
	require.NotNil(t, res.Stability)
	require.True(t, res.Stability.Failover.Injected)
	require.Equal(t, 5, res.Stability.ChurnConnections)
	require.Equal(t, 10, res.Stability.PoolMax)
	_, checked := res.Checks[model.SuiteStability]
	require.True(t, checked)

	require.Len(t, res.Findings, 1)
	require.Equal(t, model.KindResourceLeakSuspected, res.Findings[0].Kind)
	require.Equal(t, model.SeverityAdvisory, res.Findings[0].Severity)
}

func TestRun_UnreachablePrimaryFails(t *testing.T) {
	fake := drivertest.New()
	fake.SetDown("primary", true)
	r, sink := newRunner(t, fake, testConfig())

	res, err := r.Run(context.Background(), model.AllSuites)
	require.ErrorIs(t, err, model.ErrConnect)
	require.True(t, res.Failed)
	require.Contains(t, res.FailReason, "primary")
	require.Empty(t, res.Phases)
	require.False(t, res.Passed())
	require.Len(t, sink.results, 1)
	require.Contains(t, Summary(res), "failed")
}

func TestRun_SinkErrorIsReturned(t *testing.T) {
	fake := drivertest.New()
	cfg := testConfig()
	cfg.Phases = cfg.Phases[:1]
	r, sink := newRunner(t, fake, cfg)
	sink.err = errors.New("disk full")

	res, err := r.Run(context.Background(), []model.Suite{model.SuitePerformance})
	require.Error(t, err)
	require.False(t, res.Failed)
	require.Equal(t, "performance=PASS", Summary(res))
}

func TestRun_ConsistencyNeedsReplica(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints = cfg.Endpoints[:1]
	r, _ := newRunner(t, drivertest.New(), cfg)

	res, err := r.Run(context.Background(), []model.Suite{model.SuiteConsistency})
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	require.True(t, res.Failed)
}

func TestRun_DeadlineKeepsPartialResults(t *testing.T) {
	fake := drivertest.New()
	fake.ReplicationLag = 50 * time.Millisecond
	cfg := testConfig()
	cfg.Consistency.ProbeCount = 40
	cfg.Consistency.Concurrency = 2
	cfg.Consistency.ProbeDelays = []time.Duration{0}
	r, sink := newRunner(t, fake, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := r.Run(ctx, []model.Suite{model.SuiteConsistency, model.SuiteStability})
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Empty(t, res.FailReason)
	require.True(t, res.Interrupted)
	require.True(t, res.Degraded)
	require.NotNil(t, res.Consistency)
	require.NotEmpty(t, res.Consistency.Observations)
	require.Less(t, len(res.Consistency.Observations), 40)
	require.Positive(t, res.Consistency.Summary.Consistent)
	require.False(t, res.Checks[model.SuiteConsistency])
	require.Nil(t, res.Stability)
	require.False(t, res.Passed())
	require.Contains(t, Summary(res), "interrupted")

	require.Len(t, sink.results, 1)
	require.Same(t, res, sink.results[0])
}

func TestRun_CanceledPhaseIsKept(t *testing.T) {
	cfg := testConfig()
	cfg.Phases = []model.Phase{
		{Name: "long", Scenario: model.ScenarioPointRead, Rate: 100, Requests: 400},
		{Name: "never", Scenario: model.ScenarioPointRead, Rate: 100, Requests: 40},
	}
	r, _ := newRunner(t, drivertest.New(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := r.Run(ctx, []model.Suite{model.SuitePerformance})
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Len(t, res.Phases, 1)
	require.Equal(t, "long", res.Phases[0].Name)
	require.Positive(t, res.Phases[0].Requests)
	require.Less(t, res.Phases[0].Requests, 400)
	require.False(t, res.Checks[model.SuitePerformance])
}

func TestRun_ReadsAvoidDownReplica(t *testing.T) {
	fake := drivertest.New()
	fake.SetDown("replica-1", true)
	cfg := testConfig()
	cfg.Phases = cfg.Phases[:1]
	r, _ := newRunner(t, fake, cfg)

	res, err := r.Run(context.Background(), []model.Suite{model.SuitePerformance})
	require.NoError(t, err)
	require.Zero(t, res.Phases[0].Failures)
	require.True(t, res.Checks[model.SuitePerformance])
}

func TestRun_SamplesServerStats(t *testing.T) {
	cfg := testConfig()
	cfg.Phases = cfg.Phases[:1]
	r, _ := newRunner(t, drivertest.New(), cfg)
	var transactions int64
	r.SetServerStats(func(context.Context) (model.ServerSample, error) {
		n := atomic.AddInt64(&transactions, 100)
		return model.ServerSample{Timestamp: time.Now(), Connections: 3, Transactions: n}, nil
	})

	res, err := r.Run(context.Background(), []model.Suite{model.SuitePerformance})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Server), 3)
	require.Zero(t, res.Server[0].TPS)
	for _, s := range res.Server[1:] {
		require.Positive(t, s.TPS)
		require.EqualValues(t, 3, s.Connections)
	}
}
