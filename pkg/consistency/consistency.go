// Package consistency writes uniquely identifiable probes to the primary and
// polls every replica until each probe shows up with a matching checksum or
// the wait window runs out.
package consistency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/executor"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
	"github.com/kong/pg-aurora-bench/pkg/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	InsertProbeQuery = `INSERT INTO rw_probe (probe_id, payload, checksum, written_at) VALUES ($1, $2, $3, $4)`
	SelectProbeQuery = `SELECT payload, checksum FROM rw_probe WHERE probe_id = $1`
	DeleteProbeQuery = `DELETE FROM rw_probe WHERE probe_id = $1`
)

var errNotVisible = errors.New("probe not visible yet")

type Config struct {
	ProbeCount   int
	Delays       []time.Duration
	PollInterval time.Duration
	WaitWindow   time.Duration
	Concurrency  int
	KeepRows     bool
	// OperationTimeout bounds each individual statement.
	OperationTimeout time.Duration
	Primary          string
	Replicas         []string
}

// LagObserver receives the lag of every consistent observation.
type LagObserver interface {
	ObserveLag(replica string, lag time.Duration)
}

// ServerLagFunc reads the replication lag as reported by the database.
type ServerLagFunc func(ctx context.Context) (time.Duration, error)

type Checker struct {
	pool      *pool.Pool
	drv       driver.Driver
	cfg       Config
	logger    *zap.Logger
	observer  LagObserver
	serverLag ServerLagFunc
}

func New(p *pool.Pool, d driver.Driver, cfg Config, logger *zap.Logger) *Checker {
	if len(cfg.Delays) == 0 {
		cfg.Delays = []time.Duration{0}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Checker{pool: p, drv: d, cfg: cfg, logger: logger}
}

func (c *Checker) SetLagObserver(o LagObserver) {
	c.observer = o
}

func (c *Checker) SetServerLag(fn ServerLagFunc) {
	c.serverLag = fn
}

// Checksum binds a payload to its probe id.
func Checksum(probeID, payload string) string {
	sum := sha256.Sum256([]byte(probeID + ":" + payload))
	return hex.EncodeToString(sum[:])
}

func NewProbe(seq int, delay time.Duration) model.WriteProbe {
	id := uuid.NewString()
	payload := fmt.Sprintf("probe-%d-%s", seq, id[:8])
	return model.WriteProbe{
		ProbeID:  id,
		Seq:      seq,
		Payload:  payload,
		Checksum: Checksum(id, payload),
		Delay:    delay,
	}
}

// Run issues ProbeCount probes, cycling through the configured delays, and
// returns one observation per probe and replica ordered by probe sequence.
func (c *Checker) Run(ctx context.Context) (model.ConsistencyResult, error) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	results := make(chan []model.ConsistencyObservation, c.cfg.ProbeCount)

	c.logger.Info("consistency run started", zap.Int("probes", c.cfg.ProbeCount),
		zap.Strings("replicas", c.cfg.Replicas), zap.Duration("waitWindow", c.cfg.WaitWindow))

	for i := 0; i < c.cfg.ProbeCount && ctx.Err() == nil; i++ {
		probe := NewProbe(i, c.cfg.Delays[i%len(c.cfg.Delays)])
		g.Go(func() error {
			results <- c.RunProbe(ctx, probe)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	var all []model.ConsistencyObservation
	for obs := range results {
		all = append(all, obs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Seq != all[j].Seq {
			return all[i].Seq < all[j].Seq
		}
		return all[i].Replica < all[j].Replica
	})

	result := model.ConsistencyResult{Observations: all, Summary: stats.Consistency(all)}
	if c.serverLag != nil && ctx.Err() == nil {
		if lag, err := c.serverLag(ctx); err != nil {
			c.logger.Warn("could not read server reported lag", zap.Error(err))
		} else {
			result.ServerLag = &lag
		}
	}
	c.logger.Info("consistency run finished",
		zap.Int("consistent", result.Summary.Consistent),
		zap.Int("inconsistent", result.Summary.Inconsistent),
		zap.Int("timedOut", result.Summary.TimedOut),
		zap.Duration("lagP95", result.Summary.Lag.P95))
	return result, ctx.Err()
}

// RunProbe writes probe, waits its delay and then polls every replica
// concurrently. Every returned observation is terminal.
func (c *Checker) RunProbe(ctx context.Context, probe model.WriteProbe) []model.ConsistencyObservation {
	out := make([]model.ConsistencyObservation, len(c.cfg.Replicas))
	for i, r := range c.cfg.Replicas {
		out[i] = model.ConsistencyObservation{
			ProbeID: probe.ProbeID,
			Seq:     probe.Seq,
			Replica: r,
			Delay:   probe.Delay,
		}
	}

	if err := c.write(ctx, &probe); err != nil {
		kind := executor.Classify(err)
		c.logger.Warn("probe write failed", zap.String("probe", probe.ProbeID), zap.Error(err))
		for i := range out {
			out[i].Outcome = model.OutcomeTimedOut
			out[i].WriteErrorKind = kind
		}
		return out
	}
	if !c.cfg.KeepRows {
		defer c.cleanup(probe.ProbeID)
	}

	if probe.Delay > 0 {
		timer := time.NewTimer(probe.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	var wg sync.WaitGroup
	for i := range out {
		out[i].WrittenAt = probe.WrittenAt
		wg.Add(1)
		go func(o *model.ConsistencyObservation) {
			defer wg.Done()
			c.poll(ctx, probe, o)
		}(&out[i])
	}
	wg.Wait()
	return out
}

func (c *Checker) write(ctx context.Context, probe *model.WriteProbe) error {
	err := c.statement(ctx, c.cfg.Primary, func(sctx context.Context, s driver.Session) error {
		rows, err := c.drv.Execute(sctx, s, InsertProbeQuery,
			probe.ProbeID, probe.Payload, probe.Checksum, time.Now().UTC())
		if err != nil {
			return err
		}
		return driver.Drain(rows)
	})
	if err != nil {
		return err
	}
	probe.WrittenAt = time.Now()
	return nil
}

func (c *Checker) poll(ctx context.Context, probe model.WriteProbe, o *model.ConsistencyObservation) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.WaitWindow)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.PollInterval), pollCtx)

	err := backoff.Retry(func() error {
		o.PollAttempts++
		payload, checksum, found, err := c.read(pollCtx, o.Replica, probe.ProbeID)
		if err != nil {
			return err
		}
		if !found {
			return errNotVisible
		}
		seen := time.Now()
		o.FirstVisibleAt = &seen
		if checksum != probe.Checksum || Checksum(probe.ProbeID, payload) != probe.Checksum {
			return backoff.Permanent(model.ErrChecksumMismatch)
		}
		o.ChecksumMatch = true
		return nil
	}, b)

	switch {
	case err == nil:
		o.Outcome = model.OutcomeConsistent
		o.Lag = o.FirstVisibleAt.Sub(o.WrittenAt)
		if c.observer != nil {
			c.observer.ObserveLag(o.Replica, o.Lag)
		}
	case errors.Is(err, model.ErrChecksumMismatch):
		o.Outcome = model.OutcomeInconsistent
		c.logger.Error("replica returned a corrupted probe", zap.String("probe", probe.ProbeID),
			zap.String("replica", o.Replica))
	default:
		o.Outcome = model.OutcomeTimedOut
		c.logger.Debug("probe not visible within wait window", zap.String("probe", probe.ProbeID),
			zap.String("replica", o.Replica), zap.Int("attempts", o.PollAttempts))
	}
}

func (c *Checker) read(ctx context.Context, replica, probeID string) (payload, checksum string, found bool, err error) {
	err = c.statement(ctx, replica, func(sctx context.Context, s driver.Session) error {
		rows, err := c.drv.Execute(sctx, s, SelectProbeQuery, probeID)
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			if err := rows.Scan(&payload, &checksum); err != nil {
				return err
			}
			found = true
		}
		rows.Close()
		return rows.Err()
	})
	return payload, checksum, found, err
}

func (c *Checker) cleanup(probeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout+time.Second)
	defer cancel()
	err := c.statement(ctx, c.cfg.Primary, func(sctx context.Context, s driver.Session) error {
		rows, err := c.drv.Execute(sctx, s, DeleteProbeQuery, probeID)
		if err != nil {
			return err
		}
		return driver.Drain(rows)
	})
	if err != nil {
		c.logger.Warn("probe cleanup failed", zap.String("probe", probeID), zap.Error(err))
	}
}

// statement runs fn on a connection to endpoint and returns the connection
// to the pool.
func (c *Checker) statement(ctx context.Context, endpoint string, fn func(context.Context, driver.Session) error) error {
	conn, err := c.pool.Acquire(ctx, endpoint)
	if err != nil {
		return err
	}
	sctx, cancel := conn.Bind(ctx)
	defer cancel()
	if c.cfg.OperationTimeout > 0 {
		var tCancel context.CancelFunc
		sctx, tCancel = context.WithTimeout(sctx, c.cfg.OperationTimeout)
		defer tCancel()
	}
	err = fn(sctx, conn.Session())
	c.pool.Release(conn, err == nil || executor.Classify(err) == model.KindQuery)
	return err
}
