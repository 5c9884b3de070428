// Package loadgen paces scenario requests at a target rate under a
// concurrency ceiling and collects one sample per dispatched request.
package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/executor"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Config struct {
	Concurrency int
	// FailureThreshold aborts a phase after that many consecutive failed
	// requests. Zero disables the abort.
	FailureThreshold int
	// BurstFactor caps the instantaneous dispatch rate at BurstFactor times
	// the phase rate while the pacer catches up.
	BurstFactor float64
	Primary     string
	Replicas    []string
}

// Observer is told about every sample as soon as it completes.
type Observer func(model.QuerySample)

type Generator struct {
	pool     *pool.Pool
	exec     *executor.Executor
	logger   *zap.Logger
	cfg      Config
	observer Observer

	mu          sync.Mutex
	sem         *semaphore.Weighted
	concurrency int

	// routeMu guards the smooth weighted round-robin state over replicas.
	routeMu sync.Mutex
	current map[string]float64

	inFlight int64
}

func New(p *pool.Pool, e *executor.Executor, cfg Config, logger *zap.Logger) *Generator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BurstFactor < 1 {
		cfg.BurstFactor = 1
	}
	return &Generator{
		pool:        p,
		exec:        e,
		logger:      logger,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency: cfg.Concurrency,
		current:     make(map[string]float64, len(cfg.Replicas)),
	}
}

func (g *Generator) SetObserver(o Observer) {
	g.observer = o
}

// SetConcurrency changes the in-flight ceiling. A phase already running
// keeps the ceiling it started with.
func (g *Generator) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sem = semaphore.NewWeighted(int64(n))
	g.concurrency = n
}

func (g *Generator) Concurrency() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.concurrency
}

// InFlight returns the number of dispatched requests that have not completed.
func (g *Generator) InFlight() int {
	return int(atomic.LoadInt64(&g.inFlight))
}

// Run executes phases one after another.
func (g *Generator) Run(ctx context.Context, phases []model.Phase) ([]model.PhaseResult, error) {
	results := make([]model.PhaseResult, 0, len(phases))
	for _, phase := range phases {
		res, err := g.RunPhase(ctx, phase)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunPhase dispatches phase.TargetRequests() requests spread evenly over the
// phase budget and waits for all of them. Each wait is recomputed from the
// time still left, so a slow dispatch is caught up on later.
func (g *Generator) RunPhase(ctx context.Context, phase model.Phase) (model.PhaseResult, error) {
	result := model.PhaseResult{Phase: phase}
	if err := model.ValidatePhase(phase); err != nil {
		return result, err
	}
	total := phase.TargetRequests()
	budget := phase.Budget()

	g.mu.Lock()
	sem := g.sem
	g.mu.Unlock()
	limiter := rate.NewLimiter(rate.Limit(phase.Rate*g.cfg.BurstFactor), 1)

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.logger.Info("phase started", zap.String("phase", phase.Name),
		zap.String("scenario", string(phase.Scenario)), zap.Float64("rate", phase.Rate),
		zap.Int("requests", total), zap.Duration("budget", budget))

	samples := make([]model.QuerySample, total)
	var (
		wg          sync.WaitGroup
		consecutive int64
		aborted     int32
		dispatched  int
		planErr     error
	)
	start := time.Now()
	last := start

dispatch:
	for i := 0; i < total; i++ {
		if i > 0 {
			left := budget - last.Sub(start)
			if delay := left / time.Duration(total-i); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-phaseCtx.Done():
					timer.Stop()
					break dispatch
				case <-timer.C:
				}
			}
		}
		if err := limiter.Wait(phaseCtx); err != nil {
			break
		}
		if err := sem.Acquire(phaseCtx, 1); err != nil {
			break
		}
		last = time.Now()

		op, err := g.exec.Plan(phase.Scenario)
		if err != nil {
			sem.Release(1)
			planErr = err
			break
		}
		endpoint := g.route(phase, op)
		idx := i
		dispatched++
		atomic.AddInt64(&g.inFlight, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer atomic.AddInt64(&g.inFlight, -1)

			// in-flight requests outlive an aborted phase
			s := g.exec.Dispatch(ctx, g.pool, endpoint, op)
			s.Phase = phase.Name
			samples[idx] = s

			if s.Success {
				atomic.StoreInt64(&consecutive, 0)
			} else if n := atomic.AddInt64(&consecutive, 1); g.cfg.FailureThreshold > 0 &&
				n >= int64(g.cfg.FailureThreshold) && atomic.CompareAndSwapInt32(&aborted, 0, 1) {
				g.logger.Warn("aborting phase after consecutive failures",
					zap.String("phase", phase.Name), zap.Int64("failures", n),
					zap.String("lastError", string(s.ErrorKind)))
				cancel()
			}
			if g.observer != nil {
				g.observer(s)
			}
		}()
	}
	wg.Wait()

	result.StartedAt = start
	result.Elapsed = time.Since(start)
	result.Samples = samples[:dispatched]
	result.Aborted = atomic.LoadInt32(&aborted) == 1 || ctx.Err() != nil

	g.logger.Info("phase finished", zap.String("phase", phase.Name),
		zap.Int("dispatched", dispatched), zap.Duration("elapsed", result.Elapsed),
		zap.Bool("aborted", result.Aborted))
	if planErr != nil {
		return result, planErr
	}
	return result, ctx.Err()
}

// route sends writes to the primary and spreads reads over the healthy
// replicas by their pool weight, falling back to the primary when none is
// healthy. A phase pinned to an endpoint overrides both.
func (g *Generator) route(phase model.Phase, op executor.Op) string {
	if phase.Endpoint != "" {
		return phase.Endpoint
	}
	if op.Write {
		return g.cfg.Primary
	}
	if r := g.pickReplica(); r != "" {
		return r
	}
	return g.cfg.Primary
}

// pickReplica is a smooth weighted round-robin: equal weights alternate
// strictly and a replica with zero weight is never chosen.
func (g *Generator) pickReplica() string {
	g.routeMu.Lock()
	defer g.routeMu.Unlock()
	var (
		best  string
		total float64
	)
	for _, r := range g.cfg.Replicas {
		w := g.pool.Weight(r)
		if w <= 0 {
			continue
		}
		g.current[r] += w
		total += w
		if best == "" || g.current[r] > g.current[best] {
			best = r
		}
	}
	if best != "" {
		g.current[best] -= total
	}
	return best
}
