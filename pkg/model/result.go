package model

import (
	"fmt"
	"strings"
	"time"
)

type Suite string

const (
	SuitePerformance Suite = "performance"
	SuiteConsistency Suite = "consistency"
	SuiteStability   Suite = "stability"
	SuiteAll         Suite = "all"
)

var AllSuites = []Suite{SuitePerformance, SuiteConsistency, SuiteStability}

// ParseSuite expands a CLI test selector into the suites it covers.
func ParseSuite(s string) ([]Suite, error) {
	switch Suite(strings.ToLower(strings.TrimSpace(s))) {
	case SuiteAll, "":
		return AllSuites, nil
	case SuitePerformance:
		return []Suite{SuitePerformance}, nil
	case SuiteConsistency:
		return []Suite{SuiteConsistency}, nil
	case SuiteStability:
		return []Suite{SuiteStability}, nil
	}
	return nil, fmt.Errorf("%w: unsupported test type %q", ErrInvalidConfig, s)
}

type LatencySummary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

type PhaseSummary struct {
	Name        string            `json:"name"`
	Scenario    ScenarioID        `json:"scenario"`
	TargetRate  float64           `json:"targetRate"`
	Requests    int               `json:"requests"`
	Successes   int               `json:"successes"`
	Failures    int               `json:"failures"`
	QPS         float64           `json:"qps"`
	ErrorRate   float64           `json:"errorRate"`
	Elapsed     time.Duration     `json:"elapsed"`
	Latency     LatencySummary    `json:"latency"`
	ErrorCounts map[ErrorKind]int `json:"errorCounts,omitempty"`
	Aborted     bool              `json:"aborted"`
	Grade       string            `json:"grade"`
}

type LagSummary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

type ConsistencySummary struct {
	Probes       int `json:"probes"`
	Consistent   int `json:"consistent"`
	Inconsistent int `json:"inconsistent"`
	TimedOut     int `json:"timedOut"`
	WriteFailed  int `json:"writeFailed"`
	// SuccessRate is the percentage (0-100) of observations that were
	// consistent.
	SuccessRate float64 `json:"successRate"`
	// Lag covers consistent observations only.
	Lag LagSummary `json:"lag"`
}

type ConsistencyResult struct {
	Observations []ConsistencyObservation `json:"observations"`
	Summary      ConsistencySummary       `json:"summary"`
	// ServerLag is the lag reported by the replica itself, when it could be read.
	ServerLag *time.Duration `json:"serverLag,omitempty"`
}

type ResourceTrend struct {
	Samples          int     `json:"samples"`
	FirstBytes       uint64  `json:"firstBytes"`
	LastBytes        uint64  `json:"lastBytes"`
	PeakBytes        uint64  `json:"peakBytes"`
	SlopeBytesPerSec float64 `json:"slopeBytesPerSec"`
	Monotonic        bool    `json:"monotonic"`
	PeakConnections  int     `json:"peakConnections"`
	PeakCheckedOut   int     `json:"peakCheckedOut"`
	IncreasePercent  float64 `json:"increasePercent"`
	LeakSuspected    bool    `json:"leakSuspected"`
}

// RampStep is one concurrency level of the ramp. Ceiling is the number of
// workers offered, which may exceed the pool ceiling; PeakAcquired is what the
// pool actually lent out and never exceeds it.
type RampStep struct {
	Ceiling       int            `json:"ceiling"`
	Requests      int            `json:"requests"`
	Successes     int            `json:"successes"`
	PoolExhausted int            `json:"poolExhausted"`
	Latency       LatencySummary `json:"latency"`
	PeakAcquired  int            `json:"peakAcquired"`
}

type FailoverResult struct {
	Injected         bool          `json:"injected"`
	FailedAt         time.Time     `json:"failedAt"`
	RedirectedTo     string        `json:"redirectedTo"`
	InFlight         int           `json:"inFlight"`
	InFlightFailed   int           `json:"inFlightFailed"`
	InFlightResolved bool          `json:"inFlightResolved"`
	MaxResolveTime   time.Duration `json:"maxResolveTime"`
	PreFailureQPS    float64       `json:"preFailureQPS"`
	RecoveryQPS      float64       `json:"recoveryQPS"`
	RecoveryTime     time.Duration `json:"recoveryTime"`
	Recovered        bool          `json:"recovered"`
	ImpactPercent    float64       `json:"impactPercent"`
	Quality          string        `json:"quality"`
}

type StabilityResult struct {
	Samples []ResourceSample `json:"samples"`
	Ramp    []RampStep       `json:"ramp"`
	// FirstExhaustedCeiling and FirstDegradedCeiling are worker counts, so
	// they can be above PoolMax. Zero means the ramp never got there.
	FirstExhaustedCeiling int            `json:"firstExhaustedCeiling"`
	FirstDegradedCeiling  int            `json:"firstDegradedCeiling"`
	PoolMax               int            `json:"poolMax"`
	Load                  PhaseSummary   `json:"load"`
	Failover              FailoverResult `json:"failover"`
	Resources             ResourceTrend  `json:"resources"`
	ChurnConnections      int            `json:"churnConnections"`
}

// TestRunResult is produced once per invocation and handed to the report sink.
type TestRunResult struct {
	RunID       string             `json:"runID"`
	Suites      []Suite            `json:"suites"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  time.Time          `json:"finishedAt"`
	Phases      []PhaseSummary     `json:"phases,omitempty"`
	Consistency *ConsistencyResult `json:"consistency,omitempty"`
	Stability   *StabilityResult   `json:"stability,omitempty"`
	Server      []ServerSample     `json:"server,omitempty"`
	Findings    []Finding          `json:"findings,omitempty"`
	Checks      map[Suite]bool     `json:"checks"`
	Degraded    bool               `json:"degraded"`
	// Interrupted is set when the run context ended before every suite
	// finished; partial suite results are kept.
	Interrupted bool   `json:"interrupted,omitempty"`
	Failed      bool   `json:"failed"`
	FailReason  string `json:"failReason,omitempty"`
}

// Passed reports whether every selected suite met its thresholds.
func (r *TestRunResult) Passed() bool {
	if r.Failed {
		return false
	}
	for _, s := range r.Suites {
		if !r.Checks[s] {
			return false
		}
	}
	return true
}

func (r *TestRunResult) AddFinding(f Finding) {
	r.Findings = append(r.Findings, f)
}

// ServerSample is the database's own view of load, read from its statistics
// views while a run is in progress.
type ServerSample struct {
	Timestamp         time.Time `json:"timestamp"`
	Connections       int64     `json:"connections"`
	ActiveConnections int64     `json:"activeConnections"`
	Transactions      int64     `json:"transactions"`
	// TPS is the transaction rate since the previous sample; zero for the first.
	TPS            float64        `json:"tps"`
	ReplicationLag *time.Duration `json:"replicationLag,omitempty"`
}
