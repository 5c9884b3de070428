// Package report persists a finished run and logs its summary.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/model"
	"go.uber.org/zap"
)

const timestampLayout = "20060102_150405"

// Sink receives every completed run result.
type Sink interface {
	Emit(ctx context.Context, result *model.TestRunResult) error
}

// FileSink writes each result to <Dir>/<suite>_results_<timestamp>.json.
type FileSink struct {
	Dir    string
	Logger *zap.Logger
	now    func() time.Time
}

func NewFileSink(dir string, logger *zap.Logger) *FileSink {
	return &FileSink{Dir: dir, Logger: logger, now: time.Now}
}

// Path is the file a result finished at t is written to.
func (s *FileSink) Path(result *model.TestRunResult, t time.Time) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_results_%s.json", suiteLabel(result.Suites), t.Format(timestampLayout)))
}

func (s *FileSink) Emit(ctx context.Context, result *model.TestRunResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	js, err := json.MarshalIndent(result, "", "\t")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	js = append(js, '\n')

	ts := result.FinishedAt
	if ts.IsZero() {
		ts = s.now()
	}
	path := s.Path(result, ts)
	if err := os.WriteFile(path, js, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	s.Logger.Info("results written", zap.String("path", path))
	LogSummary(s.Logger, result)
	return nil
}

// LogSummary logs one line per phase and suite plus every finding.
func LogSummary(logger *zap.Logger, result *model.TestRunResult) {
	for _, p := range result.Phases {
		logger.Info("phase",
			zap.String("name", p.Name),
			zap.Float64("qps", p.QPS),
			zap.Float64("targetRate", p.TargetRate),
			zap.Float64("errorRate", p.ErrorRate),
			zap.Duration("p95", p.Latency.P95),
			zap.Duration("p99", p.Latency.P99),
			zap.Bool("aborted", p.Aborted),
			zap.String("grade", p.Grade))
	}
	if c := result.Consistency; c != nil {
		logger.Info("consistency",
			zap.Int("probes", c.Summary.Probes),
			zap.Int("consistent", c.Summary.Consistent),
			zap.Int("inconsistent", c.Summary.Inconsistent),
			zap.Int("timedOut", c.Summary.TimedOut),
			zap.Float64("successRate", c.Summary.SuccessRate),
			zap.Duration("lagP95", c.Summary.Lag.P95))
	}
	if st := result.Stability; st != nil {
		logger.Info("stability",
			zap.Int("poolMax", st.PoolMax),
			zap.Int("firstExhaustedCeiling", st.FirstExhaustedCeiling),
			zap.Bool("recovered", st.Failover.Recovered),
			zap.Duration("recoveryTime", st.Failover.RecoveryTime),
			zap.String("quality", st.Failover.Quality),
			zap.Bool("leakSuspected", st.Resources.LeakSuspected))
	}
	if n := len(result.Server); n > 0 {
		last := result.Server[n-1]
		peak := 0.0
		for _, s := range result.Server {
			peak = math.Max(peak, s.TPS)
		}
		logger.Info("server",
			zap.Int("samples", n),
			zap.Int64("connections", last.Connections),
			zap.Int64("activeConnections", last.ActiveConnections),
			zap.Float64("peakTPS", peak))
	}
	for _, f := range result.Findings {
		logger.Warn("finding", zap.String("suite", string(f.Suite)), zap.String("kind", string(f.Kind)),
			zap.String("severity", string(f.Severity)), zap.String("message", f.Message))
	}
	fields := []zap.Field{
		zap.String("runID", result.RunID),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
		zap.Bool("degraded", result.Degraded),
		zap.Bool("interrupted", result.Interrupted),
	}
	if result.Passed() {
		logger.Info("run passed", fields...)
		return
	}
	logger.Error("run failed", append(fields, zap.String("reason", result.FailReason))...)
}

func suiteLabel(suites []model.Suite) string {
	if len(suites) == len(model.AllSuites) {
		return string(model.SuiteAll)
	}
	names := make([]string, 0, len(suites))
	for _, s := range suites {
		names = append(names, string(s))
	}
	if len(names) == 0 {
		return "run"
	}
	return strings.Join(names, "_")
}
