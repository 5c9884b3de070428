// Package runner executes the selected suites against one pool and turns
// their raw results into checks and findings.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kong/pg-aurora-bench/internal/report"
	"github.com/kong/pg-aurora-bench/pkg/consistency"
	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/executor"
	"github.com/kong/pg-aurora-bench/pkg/loadgen"
	"github.com/kong/pg-aurora-bench/pkg/metrics"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
	"github.com/kong/pg-aurora-bench/pkg/stability"
	"github.com/kong/pg-aurora-bench/pkg/stats"
	"go.uber.org/zap"
)

const sinkTimeout = 30 * time.Second

type Runner struct {
	cfg      *model.Config
	drv      driver.Driver
	logger   *zap.Logger
	recorder metrics.Recorder
	sink     report.Sink

	serverLag   consistency.ServerLagFunc
	serverStats ServerStatsFunc
	memory      stability.MemoryReader
	healthCheck time.Duration

	mu   sync.RWMutex
	pool *pool.Pool
	last *model.TestRunResult
}

// New expects cfg to have been validated.
func New(cfg *model.Config, d driver.Driver, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, drv: d, logger: logger, recorder: metrics.Nop{}}
}

func (r *Runner) SetRecorder(rec metrics.Recorder) {
	r.recorder = rec
}

func (r *Runner) SetSink(s report.Sink) {
	r.sink = s
}

// SetServerLag adds the database's own view of replication lag to
// consistency results.
func (r *Runner) SetServerLag(fn consistency.ServerLagFunc) {
	r.serverLag = fn
}

func (r *Runner) SetMemoryReader(m stability.MemoryReader) {
	r.memory = m
}

// SetHealthCheckPeriod changes how often idle connections are validated and
// endpoints rescored in the background. Zero keeps the pool default.
func (r *Runner) SetHealthCheckPeriod(d time.Duration) {
	r.healthCheck = d
}

// LastResult is the most recent completed run, or nil.
func (r *Runner) LastResult() *model.TestRunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// PoolStats reports the live pool while a run is in progress.
func (r *Runner) PoolStats() []pool.PoolStats {
	r.mu.RLock()
	p := r.pool
	r.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Stats()
}

// Run executes suites in order and hands the result to the sink. The
// returned error is set only for setup failures and sink errors; threshold
// misses and a context that ends mid-run are reported through the result.
func (r *Runner) Run(ctx context.Context, suites []model.Suite) (*model.TestRunResult, error) {
	result := &model.TestRunResult{
		RunID:     uuid.NewString(),
		Suites:    suites,
		StartedAt: time.Now(),
		Checks:    make(map[model.Suite]bool, len(suites)),
	}
	logger := r.logger.With(zap.String("runID", result.RunID))

	var server []model.ServerSample
	stopSampling := func() {}
	if r.serverStats != nil {
		sctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			server = r.sampleServer(sctx, logger, r.cfg.Stability.SampleInterval)
		}()
		stopSampling = func() {
			cancel()
			<-done
		}
	}

	runErr := r.execute(ctx, logger, result)
	stopSampling()
	result.Server = server
	if runErr != nil {
		result.Failed = true
		result.FailReason = runErr.Error()
		logger.Error("run failed", zap.Error(runErr))
	}
	result.FinishedAt = time.Now()

	r.mu.Lock()
	r.last = result
	r.mu.Unlock()

	if r.sink != nil {
		// the run context may already be done; the result is still written
		ectx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := r.sink.Emit(ectx, result); err != nil {
			logger.Error("emit result", zap.Error(err))
			if runErr == nil {
				runErr = fmt.Errorf("emit result: %w", err)
			}
		}
	}
	return result, runErr
}

func (r *Runner) execute(ctx context.Context, logger *zap.Logger, result *model.TestRunResult) error {
	p, err := pool.New(r.drv, &pool.Config{
		Endpoints:              r.cfg.Endpoints,
		MaxConns:               r.cfg.PoolMax,
		AcquireTimeout:         r.cfg.AcquireTimeout,
		ConnectRetries:         r.cfg.ConnectRetries,
		QueryValidator:         pool.DefaultReadValidator,
		QueryHealthCheckPeriod: r.healthCheck,
		MetricsEmitter:         metrics.PoolEmitter(r.recorder),
	}, logger)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	r.mu.Lock()
	r.pool = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pool = nil
		r.mu.Unlock()
		if err := p.Close(); err != nil {
			logger.Warn("close pool", zap.Error(err))
		}
	}()

	primary := r.cfg.Primary().Name
	if err := r.ping(ctx, p, primary); err != nil {
		return fmt.Errorf("primary %s unreachable: %w", primary, err)
	}
	p.CheckQueryHealth()
	for _, name := range r.cfg.ReplicaNames() {
		if !p.Healthy(name) {
			logger.Warn("replica unhealthy, reads skip it", zap.String("replica", name))
		}
	}

	exec := executor.New(r.drv, r.cfg.OperationTimeout, r.cfg.SeedRows)
	for _, suite := range result.Suites {
		if err := ctx.Err(); err != nil {
			r.interrupt(logger, result, suite, err)
			return nil
		}
		logger.Info("starting suite", zap.String("suite", string(suite)))
		switch suite {
		case model.SuitePerformance:
			err = r.performance(ctx, p, exec, logger, result)
		case model.SuiteConsistency:
			err = r.consistency(ctx, p, logger, result)
		case model.SuiteStability:
			err = r.stability(ctx, p, exec, logger, result)
		default:
			err = fmt.Errorf("%w: unsupported suite %q", model.ErrInvalidConfig, suite)
		}
		if err != nil {
			if ctx.Err() != nil {
				r.interrupt(logger, result, suite, err)
				return nil
			}
			return fmt.Errorf("%s: %w", suite, err)
		}
		logger.Info("suite finished", zap.String("suite", string(suite)), zap.Bool("passed", result.Checks[suite]))
	}
	return nil
}

// interrupt records a run cut short by its context. Whatever the suite
// gathered so far stays in the result; the suite and any after it fail their
// checks.
func (r *Runner) interrupt(logger *zap.Logger, result *model.TestRunResult, suite model.Suite, err error) {
	result.Interrupted = true
	result.Degraded = true
	result.Checks[suite] = false
	logger.Warn("run interrupted", zap.String("suite", string(suite)), zap.Error(err))
}

func (r *Runner) ping(ctx context.Context, p *pool.Pool, endpoint string) error {
	conn, err := p.Acquire(ctx, endpoint)
	if err != nil {
		return err
	}
	p.Release(conn, true)
	return nil
}

func (r *Runner) generatorConfig(failureThreshold int) loadgen.Config {
	return loadgen.Config{
		Concurrency:      r.cfg.Concurrency,
		FailureThreshold: failureThreshold,
		BurstFactor:      r.cfg.BurstFactor,
		Primary:          r.cfg.Primary().Name,
		Replicas:         r.cfg.ReplicaNames(),
	}
}

func (r *Runner) performance(ctx context.Context, p *pool.Pool, exec *executor.Executor, logger *zap.Logger, result *model.TestRunResult) error {
	gen := loadgen.New(p, exec, r.generatorConfig(r.cfg.FailureThreshold), logger)
	gen.SetObserver(r.recorder.ObserveQuery)

	th := r.cfg.Thresholds
	passed := true
	var reasons []string
	for _, phase := range r.cfg.Phases {
		pr, err := gen.RunPhase(ctx, phase)
		sum := stats.Phase(pr)
		result.Phases = append(result.Phases, sum)
		if err != nil {
			return err
		}
		if sum.Aborted {
			result.Degraded = true
			passed = false
			reasons = append(reasons, fmt.Sprintf("phase %s aborted after consecutive failures", sum.Name))
			logger.Warn("phase aborted", zap.String("phase", sum.Name), zap.Int("requests", sum.Requests))
			continue
		}
		if sum.ErrorRate > th.MaxErrorRate {
			result.Degraded = true
			passed = false
			reasons = append(reasons, fmt.Sprintf("phase %s error rate %.3f above %.3f", sum.Name, sum.ErrorRate, th.MaxErrorRate))
		}
		if sum.QPS < th.MinQPSRatio*sum.TargetRate {
			passed = false
			reasons = append(reasons, fmt.Sprintf("phase %s reached %.1f qps of %.1f", sum.Name, sum.QPS, sum.TargetRate))
		}
	}
	result.Checks[model.SuitePerformance] = passed
	if !passed {
		logger.Warn("performance thresholds missed", zap.Strings("reasons", reasons))
	}
	return nil
}

func (r *Runner) consistency(ctx context.Context, p *pool.Pool, logger *zap.Logger, result *model.TestRunResult) error {
	replicas := r.cfg.ReplicaNames()
	if len(replicas) == 0 {
		return fmt.Errorf("%w: consistency needs at least one replica", model.ErrInvalidConfig)
	}
	cc := r.cfg.Consistency
	checker := consistency.New(p, r.drv, consistency.Config{
		ProbeCount:       cc.ProbeCount,
		Delays:           cc.ProbeDelays,
		PollInterval:     cc.PollInterval,
		WaitWindow:       cc.WaitWindow,
		Concurrency:      cc.Concurrency,
		KeepRows:         cc.KeepRows,
		OperationTimeout: r.cfg.OperationTimeout,
		Primary:          r.cfg.Primary().Name,
		Replicas:         replicas,
	}, logger)
	checker.SetLagObserver(r.recorder)
	if r.serverLag != nil {
		checker.SetServerLag(r.serverLag)
	}

	cr, err := checker.Run(ctx)
	result.Consistency = &cr
	if err != nil {
		return err
	}

	for _, o := range cr.Observations {
		if o.Outcome == model.OutcomeInconsistent {
			result.AddFinding(model.Finding{
				Suite:    model.SuiteConsistency,
				Kind:     model.KindChecksumMismatch,
				Severity: model.SeverityHigh,
				Message:  fmt.Sprintf("probe %s read from %s does not match its checksum", o.ProbeID, o.Replica),
			})
		}
	}
	sum := cr.Summary
	if timedOut := sum.TimedOut - sum.WriteFailed; timedOut > 0 {
		result.AddFinding(model.Finding{
			Suite:    model.SuiteConsistency,
			Kind:     model.KindReplicationTimeout,
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("%d of %d observations not visible within %s", timedOut, sum.Probes, cc.WaitWindow),
		})
	}
	if sum.WriteFailed > 0 {
		result.Degraded = true
		logger.Warn("probe writes failed", zap.Int("observations", sum.WriteFailed))
	}
	result.Checks[model.SuiteConsistency] = sum.Inconsistent == 0 && sum.SuccessRate >= r.cfg.Thresholds.MinConsistentRate
	return nil
}

func (r *Runner) stability(ctx context.Context, p *pool.Pool, exec *executor.Executor, logger *zap.Logger, result *model.TestRunResult) error {
	gen := loadgen.New(p, exec, r.generatorConfig(0), logger)
	gen.SetObserver(r.recorder.ObserveQuery)

	sc := r.cfg.Stability
	mon := stability.New(p, gen, stability.Config{
		Window:           sc.Window,
		SampleInterval:   sc.SampleInterval,
		Rate:             sc.Rate,
		Scenario:         sc.Scenario,
		RampSteps:        sc.RampSteps,
		RampStepDuration: sc.RampStepDuration,
		RampPerWorker:    sc.RampPerWorker,
		FailoverAt:       sc.FailoverAt,
		Primary:          r.cfg.Primary().Name,
		FailoverReplica:  sc.FailoverReplica,
		RecoveryWindow:   sc.RecoveryWindow,
		RecoveryRatio:    sc.RecoveryRatio,
		LeakSlope:        sc.LeakSlope,
		Degradation:      sc.Degradation,
		ChurnIterations:  sc.ChurnIterations,
		PoolMax:          r.cfg.PoolMax,
		OperationTimeout: r.cfg.OperationTimeout,
	}, logger)
	mon.SetResourceObserver(r.recorder.ObserveResource)
	if r.memory != nil {
		mon.SetMemoryReader(r.memory)
	}

	sr, err := mon.Run(ctx)
	result.Stability = &sr
	if err != nil {
		return err
	}
	if sr.Resources.LeakSuspected {
		result.AddFinding(model.Finding{
			Suite:    model.SuiteStability,
			Kind:     model.KindResourceLeakSuspected,
			Severity: model.SeverityAdvisory,
			Message: fmt.Sprintf("memory grew from %d to %d bytes (%.0f bytes/s)",
				sr.Resources.FirstBytes, sr.Resources.LastBytes, sr.Resources.SlopeBytesPerSec),
		})
	}

	fo := sr.Failover
	passed := !fo.Injected || (fo.InFlightResolved && fo.Recovered)
	if !passed {
		result.Degraded = true
		logger.Warn("failover not recovered", zap.Bool("inFlightResolved", fo.InFlightResolved),
			zap.Bool("recovered", fo.Recovered), zap.String("quality", fo.Quality))
	}
	result.Checks[model.SuiteStability] = passed
	return nil
}

// Summary renders a one-line verdict for the CLI.
func Summary(result *model.TestRunResult) string {
	var parts []string
	for _, s := range result.Suites {
		verdict := "FAIL"
		if result.Checks[s] {
			verdict = "PASS"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", s, verdict))
	}
	if result.Interrupted {
		parts = append(parts, "interrupted")
	}
	if result.Degraded {
		parts = append(parts, "degraded")
	}
	if result.Failed {
		parts = append(parts, "failed: "+result.FailReason)
	}
	return strings.Join(parts, " ")
}
