// Package metrics emits live run metrics to DogStatsD and Prometheus.
package metrics

import (
	"time"

	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
)

// Recorder receives observations while a run is in progress. Implementations
// must be safe for concurrent use and must not block.
type Recorder interface {
	ObserveQuery(s model.QuerySample)
	ObserveLag(replica string, lag time.Duration)
	ObservePool(stats pool.PoolStats)
	ObservePoolEvent(endpoint, event string)
	ObserveResource(s model.ResourceSample)
	ObserveServer(s model.ServerSample)
}

type Nop struct{}

func (Nop) ObserveQuery(model.QuerySample)       {}
func (Nop) ObserveLag(string, time.Duration)     {}
func (Nop) ObservePool(pool.PoolStats)           {}
func (Nop) ObservePoolEvent(string, string)      {}
func (Nop) ObserveResource(model.ResourceSample) {}
func (Nop) ObserveServer(model.ServerSample)     {}

// Multi fans every observation out to each recorder in turn.
type Multi []Recorder

func (m Multi) ObserveQuery(s model.QuerySample) {
	for _, r := range m {
		r.ObserveQuery(s)
	}
}

func (m Multi) ObserveLag(replica string, lag time.Duration) {
	for _, r := range m {
		r.ObserveLag(replica, lag)
	}
}

func (m Multi) ObservePool(stats pool.PoolStats) {
	for _, r := range m {
		r.ObservePool(stats)
	}
}

func (m Multi) ObservePoolEvent(endpoint, event string) {
	for _, r := range m {
		r.ObservePoolEvent(endpoint, event)
	}
}

func (m Multi) ObserveResource(s model.ResourceSample) {
	for _, r := range m {
		r.ObserveResource(s)
	}
}

func (m Multi) ObserveServer(s model.ServerSample) {
	for _, r := range m {
		r.ObserveServer(s)
	}
}

// PoolEmitter adapts a Recorder to the pool's emitter hook.
func PoolEmitter(rec Recorder) pool.MetricsEmitterFunction {
	return func(metrics interface{}, tags []pool.MetricsTag) {
		switch m := metrics.(type) {
		case pool.PoolStats:
			rec.ObservePool(m)
		case pool.Metric:
			endpoint := ""
			for _, t := range tags {
				if t.Key == "endpoint" {
					endpoint = t.Value
				}
			}
			rec.ObservePoolEvent(endpoint, m.Key)
		}
	}
}
