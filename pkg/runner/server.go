package runner

import (
	"context"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/model"
	"go.uber.org/zap"
)

// ServerStatsFunc reads the database's own load counters.
type ServerStatsFunc func(ctx context.Context) (model.ServerSample, error)

// SetServerStats samples fn for the length of each run, every stability
// sample interval.
func (r *Runner) SetServerStats(fn ServerStatsFunc) {
	r.serverStats = fn
}

// sampleServer runs until ctx is done. Each sample after the first carries
// the transaction rate since the one before it.
func (r *Runner) sampleServer(ctx context.Context, logger *zap.Logger, interval time.Duration) []model.ServerSample {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var samples []model.ServerSample
	for {
		s, err := r.serverStats(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return samples
		case err != nil:
			logger.Warn("server statistics unavailable", zap.Error(err))
		default:
			if n := len(samples); n > 0 {
				prev := samples[n-1]
				if dt := s.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
					s.TPS = float64(s.Transactions-prev.Transactions) / dt
				}
			}
			samples = append(samples, s)
			r.recorder.ObserveServer(s)
		}
		select {
		case <-ctx.Done():
			return samples
		case <-ticker.C:
		}
	}
}
