// Package stability drives long-running load while sampling resources,
// ramps the concurrency ceiling against the pool limit and injects a primary
// failure to measure recovery.
package stability

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/loadgen"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
	"github.com/kong/pg-aurora-bench/pkg/stats"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

type Config struct {
	Window           time.Duration
	SampleInterval   time.Duration
	Rate             float64
	Scenario         model.ScenarioID
	RampSteps        []int
	RampStepDuration time.Duration
	RampPerWorker    int
	FailoverAt       float64
	Primary          string
	FailoverReplica  string
	RecoveryWindow   time.Duration
	RecoveryRatio    float64
	LeakSlope        float64
	Degradation      float64
	ChurnIterations  int
	PoolMax          int
	OperationTimeout time.Duration
}

// MemoryReader reports the bytes currently in use by the process.
type MemoryReader func() uint64

// ResidentMemory is the resident set size of this process. Where /proc is not
// available it falls back to the memory the Go runtime obtained from the OS.
func ResidentMemory() uint64 {
	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			return uint64(stat.ResidentMemory())
		}
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

type Monitor struct {
	pool     *pool.Pool
	gen      *loadgen.Generator
	cfg      Config
	logger   *zap.Logger
	memory   MemoryReader
	observer func(model.ResourceSample)
}

// New expects a generator that does not abort phases on consecutive
// failures; ramp steps and failover deliberately produce them.
func New(p *pool.Pool, gen *loadgen.Generator, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{pool: p, gen: gen, cfg: cfg, logger: logger, memory: ResidentMemory}
}

func (m *Monitor) SetMemoryReader(r MemoryReader) {
	m.memory = r
}

func (m *Monitor) SetResourceObserver(fn func(model.ResourceSample)) {
	m.observer = fn
}

func (m *Monitor) Sample() model.ResourceSample {
	return model.ResourceSample{
		Timestamp:       time.Now(),
		MemoryBytes:     m.memory(),
		OpenConnections: m.pool.Open(),
		CheckedOut:      m.pool.CheckedOut(),
		Goroutines:      runtime.NumGoroutine(),
	}
}

// sample emits a resource sample right away, then every SampleInterval, and
// a last one when ctx is done. It closes out when it returns.
func (m *Monitor) sample(ctx context.Context, out chan<- model.ResourceSample) {
	defer close(out)
	out <- m.Sample()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			out <- m.Sample()
			return
		case <-ticker.C:
			out <- m.Sample()
		}
	}
}

// Run executes the ramp, the steady load with failover and the churn step
// while the resource sampler runs alongside.
func (m *Monitor) Run(ctx context.Context) (model.StabilityResult, error) {
	res := model.StabilityResult{PoolMax: m.cfg.PoolMax}

	sampleCtx, stopSampling := context.WithCancel(ctx)
	samples := make(chan model.ResourceSample, 16)
	collected := make(chan []model.ResourceSample, 1)
	go func() {
		var all []model.ResourceSample
		for s := range samples {
			all = append(all, s)
			if m.observer != nil {
				m.observer(s)
			}
		}
		collected <- all
	}()
	go m.sample(sampleCtx, samples)

	var runErr error
	ramp, exhausted, degraded, err := m.Ramp(ctx)
	res.Ramp = ramp
	res.FirstExhaustedCeiling = exhausted
	res.FirstDegradedCeiling = degraded
	runErr = err

	if runErr == nil {
		res.Load, res.Failover, runErr = m.Failover(ctx)
	}
	if runErr == nil {
		res.ChurnConnections = m.Churn(ctx)
	}

	stopSampling()
	res.Samples = <-collected
	res.Resources = stats.Memory(res.Samples, m.cfg.LeakSlope)
	if res.Resources.LeakSuspected {
		m.logger.Warn("memory trending upward", zap.Float64("slopeBytesPerSec", res.Resources.SlopeBytesPerSec),
			zap.Uint64("firstBytes", res.Resources.FirstBytes), zap.Uint64("lastBytes", res.Resources.LastBytes))
	}
	return res, runErr
}

// Ramp raises the generator's concurrency ceiling through RampSteps, pinning
// load to the primary, and reports the first ceiling at which the pool ran
// dry and the first at which p95 latency degraded past the baseline step.
func (m *Monitor) Ramp(ctx context.Context) (steps []model.RampStep, firstExhausted, firstDegraded int, err error) {
	prev := m.gen.Concurrency()
	defer m.gen.SetConcurrency(prev)

	var baseline time.Duration
	for _, ceiling := range m.cfg.RampSteps {
		m.gen.SetConcurrency(ceiling)
		m.pool.ResetPeak()
		requests := ceiling * m.cfg.RampPerWorker
		phase := model.Phase{
			Name:     fmt.Sprintf("ramp_%d", ceiling),
			Scenario: m.cfg.Scenario,
			Rate:     float64(requests) / m.cfg.RampStepDuration.Seconds(),
			Duration: m.cfg.RampStepDuration,
			Requests: requests,
			Endpoint: m.cfg.Primary,
		}
		pr, runErr := m.gen.RunPhase(ctx, phase)

		step := model.RampStep{
			Ceiling:  ceiling,
			Requests: len(pr.Samples),
			Latency:  stats.Latency(pr.Samples),
		}
		for _, s := range pr.Samples {
			if s.Success {
				step.Successes++
			} else if s.ErrorKind == model.KindPoolExhausted {
				step.PoolExhausted++
			}
		}
		if st := m.pool.Stat(m.cfg.Primary); st != nil {
			step.PeakAcquired = int(st.PeakAcquired)
		}
		steps = append(steps, step)

		if step.PoolExhausted > 0 && firstExhausted == 0 {
			firstExhausted = ceiling
		}
		if baseline == 0 {
			baseline = step.Latency.P95
		} else if firstDegraded == 0 && m.cfg.Degradation > 0 &&
			float64(step.Latency.P95) > m.cfg.Degradation*float64(baseline) {
			firstDegraded = ceiling
		}
		m.logger.Info("ramp step finished", zap.Int("ceiling", ceiling),
			zap.Int("requests", step.Requests), zap.Int("poolExhausted", step.PoolExhausted),
			zap.Duration("p95", step.Latency.P95), zap.Int("peakAcquired", step.PeakAcquired))
		if runErr != nil {
			return steps, firstExhausted, firstDegraded, runErr
		}
	}
	return steps, firstExhausted, firstDegraded, nil
}

// Failover runs steady load on the primary for Window and severs the primary
// at FailoverAt of the way through, redirecting its traffic to
// FailoverReplica. The primary is restored before returning.
func (m *Monitor) Failover(ctx context.Context) (model.PhaseSummary, model.FailoverResult, error) {
	phase := model.Phase{
		Name:     "stability_load",
		Scenario: m.cfg.Scenario,
		Rate:     m.cfg.Rate,
		Duration: m.cfg.Window,
		Endpoint: m.cfg.Primary,
	}

	var (
		mu     sync.Mutex
		result model.FailoverResult
	)
	failAt := time.Duration(float64(m.cfg.Window) * m.cfg.FailoverAt)
	timer := time.AfterFunc(failAt, func() {
		mu.Lock()
		defer mu.Unlock()
		result.Injected = true
		result.FailedAt = time.Now()
		m.logger.Warn("injecting primary failure", zap.String("primary", m.cfg.Primary),
			zap.Int("inFlight", m.gen.InFlight()))
		if err := m.pool.Poison(m.cfg.Primary); err != nil {
			m.logger.Error("poison failed", zap.Error(err))
		}
		if m.cfg.FailoverReplica != "" {
			if err := m.pool.Redirect(m.cfg.Primary, m.cfg.FailoverReplica); err != nil {
				m.logger.Error("redirect failed", zap.Error(err))
				return
			}
			result.RedirectedTo = m.cfg.FailoverReplica
		}
	})

	pr, err := m.gen.RunPhase(ctx, phase)
	timer.Stop()
	m.pool.ClearRedirect(m.cfg.Primary)
	if rerr := m.pool.Restore(m.cfg.Primary); rerr != nil {
		m.logger.Error("restore failed", zap.Error(rerr))
	}

	mu.Lock()
	fr := result
	mu.Unlock()
	if fr.Injected {
		m.analyze(&fr, pr)
		m.logger.Info("failover analysed", zap.Int("inFlight", fr.InFlight),
			zap.Bool("inFlightResolved", fr.InFlightResolved), zap.Duration("recoveryTime", fr.RecoveryTime),
			zap.Float64("preFailureQPS", fr.PreFailureQPS), zap.Float64("recoveryQPS", fr.RecoveryQPS),
			zap.String("quality", fr.Quality))
	}
	return stats.Phase(pr), fr, err
}

func (m *Monitor) analyze(fr *model.FailoverResult, pr model.PhaseResult) {
	failedAt := fr.FailedAt
	end := pr.StartedAt.Add(pr.Elapsed)

	var preOK int
	var preLatency, postLatency []time.Duration
	for _, s := range pr.Samples {
		finished := s.FinishedAt()
		if s.StartedAt.Before(failedAt) && !finished.Before(failedAt) {
			fr.InFlight++
			if !s.Success {
				fr.InFlightFailed++
			}
			if d := finished.Sub(failedAt); d > fr.MaxResolveTime {
				fr.MaxResolveTime = d
			}
		}
		if s.Success && finished.Before(failedAt) {
			preOK++
			preLatency = append(preLatency, s.Latency)
		}
	}
	fr.InFlightResolved = m.cfg.OperationTimeout <= 0 || fr.MaxResolveTime <= m.cfg.OperationTimeout
	if span := failedAt.Sub(pr.StartedAt); span > 0 {
		fr.PreFailureQPS = float64(preOK) / span.Seconds()
	}

	bucket := m.cfg.RecoveryWindow / 10
	if bucket < 100*time.Millisecond {
		bucket = 100 * time.Millisecond
	}
	target := m.cfg.RecoveryRatio * fr.PreFailureQPS
	deadline := failedAt.Add(m.cfg.RecoveryWindow)
	recoveredAt := time.Time{}
	for from := failedAt; !from.Add(bucket).After(end) && !from.After(deadline); from = from.Add(bucket) {
		to := from.Add(bucket)
		if successesBetween(pr.Samples, from, to)/bucket.Seconds() >= target {
			recoveredAt = to
			break
		}
	}
	if recoveredAt.IsZero() {
		fr.RecoveryTime = end.Sub(failedAt)
		fr.Quality = stats.GradeNeedsImprovement
		return
	}
	fr.RecoveryTime = recoveredAt.Sub(failedAt)

	from := recoveredAt.Add(-bucket)
	if span := end.Sub(from); span > 0 {
		fr.RecoveryQPS = successesBetween(pr.Samples, from, end) / span.Seconds()
	}
	for _, s := range pr.Samples {
		if s.Success && !s.FinishedAt().Before(from) {
			postLatency = append(postLatency, s.Latency)
		}
	}
	fr.Recovered = fr.RecoveryTime <= m.cfg.RecoveryWindow && fr.RecoveryQPS >= target
	if pre := mean(preLatency); pre > 0 {
		impact := (float64(mean(postLatency)) - float64(pre)) / float64(pre) * 100
		if impact < 0 {
			impact = -impact
		}
		fr.ImpactPercent = impact
	}
	fr.Quality = quality(fr)
}

func quality(fr *model.FailoverResult) string {
	switch {
	case fr.Recovered && fr.RecoveryTime <= 30*time.Second && fr.ImpactPercent <= 20:
		return stats.GradeExcellent
	case fr.Recovered && fr.RecoveryTime <= 60*time.Second && fr.ImpactPercent <= 40:
		return stats.GradeGood
	}
	return stats.GradeNeedsImprovement
}

func successesBetween(samples []model.QuerySample, from, to time.Time) float64 {
	n := 0
	for _, s := range samples {
		if !s.Success {
			continue
		}
		if f := s.FinishedAt(); !f.Before(from) && f.Before(to) {
			n++
		}
	}
	return float64(n)
}

func mean(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	return sum / time.Duration(len(values))
}

// Churn repeatedly opens a connection to the primary and discards it,
// returning how many sessions were cycled.
func (m *Monitor) Churn(ctx context.Context) int {
	cycled := 0
	for i := 0; i < m.cfg.ChurnIterations && ctx.Err() == nil; i++ {
		conn, err := m.pool.Acquire(ctx, m.cfg.Primary)
		if err != nil {
			m.logger.Debug("churn acquire failed", zap.Error(err))
			continue
		}
		m.pool.Release(conn, false)
		cycled++
	}
	m.logger.Info("connection churn finished", zap.Int("cycled", cycled))
	return cycled
}
