// Package stats turns raw samples into summaries. Every function is pure:
// calling it twice on the same input gives the same output.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/model"
)

const (
	GradeExcellent        = "EXCELLENT"
	GradeGood             = "GOOD"
	GradeNeedsImprovement = "NEEDS_IMPROVEMENT"
)

// Percentile uses the nearest-rank method on an ascending slice.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(n)/100)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return sorted[rank]
}

func summarize(values []time.Duration) model.LatencySummary {
	if len(values) == 0 {
		return model.LatencySummary{}
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}
	return model.LatencySummary{
		Count: len(sorted),
		Mean:  sum / time.Duration(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   Percentile(sorted, 50),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}

// Latency summarizes successful samples only.
func Latency(samples []model.QuerySample) model.LatencySummary {
	values := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.Success {
			values = append(values, s.Latency)
		}
	}
	return summarize(values)
}

// QPS is successful requests per second of wall-clock time.
func QPS(samples []model.QuerySample, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	ok := 0
	for _, s := range samples {
		if s.Success {
			ok++
		}
	}
	return float64(ok) / elapsed.Seconds()
}

func ErrorCounts(samples []model.QuerySample) map[model.ErrorKind]int {
	counts := map[model.ErrorKind]int{}
	for _, s := range samples {
		if !s.Success {
			counts[s.ErrorKind]++
		}
	}
	return counts
}

func Grade(qps float64) string {
	switch {
	case qps >= 150:
		return GradeExcellent
	case qps >= 100:
		return GradeGood
	}
	return GradeNeedsImprovement
}

func Phase(pr model.PhaseResult) model.PhaseSummary {
	counts := ErrorCounts(pr.Samples)
	failures := 0
	for _, n := range counts {
		failures += n
	}
	sum := model.PhaseSummary{
		Name:       pr.Phase.Name,
		Scenario:   pr.Phase.Scenario,
		TargetRate: pr.Phase.Rate,
		Requests:   len(pr.Samples),
		Successes:  len(pr.Samples) - failures,
		Failures:   failures,
		QPS:        QPS(pr.Samples, pr.Elapsed),
		Elapsed:    pr.Elapsed,
		Latency:    Latency(pr.Samples),
		Aborted:    pr.Aborted,
	}
	if len(counts) > 0 {
		sum.ErrorCounts = counts
	}
	if sum.Requests > 0 {
		sum.ErrorRate = float64(failures) / float64(sum.Requests)
	}
	sum.Grade = Grade(sum.QPS)
	return sum
}

// Lag summarizes the replication lag of consistent observations.
func Lag(obs []model.ConsistencyObservation) model.LagSummary {
	values := make([]time.Duration, 0, len(obs))
	for _, o := range obs {
		if o.Outcome == model.OutcomeConsistent {
			values = append(values, o.Lag)
		}
	}
	return model.LagSummary(summarize(values))
}

func Consistency(obs []model.ConsistencyObservation) model.ConsistencySummary {
	sum := model.ConsistencySummary{Probes: len(obs), Lag: Lag(obs)}
	for _, o := range obs {
		switch o.Outcome {
		case model.OutcomeConsistent:
			sum.Consistent++
		case model.OutcomeInconsistent:
			sum.Inconsistent++
		case model.OutcomeTimedOut:
			sum.TimedOut++
		}
		if o.WriteErrorKind != model.KindNone {
			sum.WriteFailed++
		}
	}
	if sum.Probes > 0 {
		sum.SuccessRate = 100 * float64(sum.Consistent) / float64(sum.Probes)
	}
	return sum
}

// Memory fits a least-squares line through the memory samples. A leak is
// suspected when the slope exceeds leakSlope bytes per second and memory
// never went down between samples.
func Memory(samples []model.ResourceSample, leakSlope float64) model.ResourceTrend {
	trend := model.ResourceTrend{Samples: len(samples)}
	if len(samples) == 0 {
		return trend
	}
	trend.FirstBytes = samples[0].MemoryBytes
	trend.LastBytes = samples[len(samples)-1].MemoryBytes
	trend.Monotonic = true
	for i, s := range samples {
		if s.MemoryBytes > trend.PeakBytes {
			trend.PeakBytes = s.MemoryBytes
		}
		if s.OpenConnections > trend.PeakConnections {
			trend.PeakConnections = s.OpenConnections
		}
		if s.CheckedOut > trend.PeakCheckedOut {
			trend.PeakCheckedOut = s.CheckedOut
		}
		if i > 0 && s.MemoryBytes < samples[i-1].MemoryBytes {
			trend.Monotonic = false
		}
	}
	if trend.FirstBytes > 0 {
		trend.IncreasePercent = (float64(trend.LastBytes) - float64(trend.FirstBytes)) / float64(trend.FirstBytes) * 100
	}
	if len(samples) < 2 {
		return trend
	}

	origin := samples[0].Timestamp
	var sx, sy, sxx, sxy float64
	n := float64(len(samples))
	for _, s := range samples {
		x := s.Timestamp.Sub(origin).Seconds()
		y := float64(s.MemoryBytes)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	if den := n*sxx - sx*sx; den != 0 {
		trend.SlopeBytesPerSec = (n*sxy - sx*sy) / den
	}
	trend.LeakSuspected = trend.Monotonic && trend.LastBytes > trend.FirstBytes &&
		trend.SlopeBytesPerSec > leakSlope
	return trend
}
