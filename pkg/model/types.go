package model

import (
	"fmt"
	"net"
	"time"
)

type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

var dsnNoTLS = "postgres://%s:%s@%s/%s?sslmode=disable"

var dsnTLS = "postgres://%s:%s@%s/%s?sslmode=verify-ca&sslrootcert=%s"

// Endpoint is one database node the run talks to. It is not modified once the
// configuration has been loaded.
type Endpoint struct {
	Name         string `yaml:"name" json:"name"`
	Role         Role   `yaml:"role" json:"role"`
	Host         string `yaml:"host" json:"host"`
	Port         string `yaml:"port" json:"port"`
	Database     string `yaml:"database" json:"database"`
	User         string `yaml:"user" json:"user"`
	Password     string `yaml:"password" json:"-"`
	EnableTLS    bool   `yaml:"enable_tls" json:"enableTLS"`
	CABundlePath string `yaml:"ca_bundle_path" json:"-"`
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func (e Endpoint) DSN() string {
	if !e.EnableTLS {
		return fmt.Sprintf(dsnNoTLS, e.User, e.Password, e.Address(), e.Database)
	}
	return fmt.Sprintf(dsnTLS, e.User, e.Password, e.Address(), e.Database, e.CABundlePath)
}

type ScenarioID string

const (
	ScenarioPointRead ScenarioID = "point_read"
	ScenarioMixed     ScenarioID = "mixed"
	ScenarioWrite     ScenarioID = "write"
	ScenarioHealth    ScenarioID = "health"
)

var knownScenarios = map[ScenarioID]bool{
	ScenarioPointRead: true,
	ScenarioMixed:     true,
	ScenarioWrite:     true,
	ScenarioHealth:    true,
}

// ValidateScenario fails for anything outside the fixed scenario set.
func ValidateScenario(id ScenarioID) error {
	if !knownScenarios[id] {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	return nil
}

// QuerySample is the outcome of a single scenario query.
type QuerySample struct {
	Scenario  ScenarioID    `json:"scenario"`
	Phase     string        `json:"phase"`
	Endpoint  string        `json:"endpoint"`
	StartedAt time.Time     `json:"startedAt"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	ErrorKind ErrorKind     `json:"errorKind,omitempty"`
}

func (s QuerySample) FinishedAt() time.Time {
	return s.StartedAt.Add(s.Latency)
}

type WriteProbe struct {
	ProbeID   string        `json:"probeID"`
	Seq       int           `json:"seq"`
	Payload   string        `json:"payload"`
	Checksum  string        `json:"checksum"`
	Delay     time.Duration `json:"delay"`
	WrittenAt time.Time     `json:"writtenAt"`
}

type ProbeOutcome string

const (
	OutcomeConsistent   ProbeOutcome = "consistent"
	OutcomeInconsistent ProbeOutcome = "inconsistent"
	OutcomeTimedOut     ProbeOutcome = "timed_out"
)

// ConsistencyObservation tracks one probe against one replica. Once Outcome
// is set the observation is terminal.
type ConsistencyObservation struct {
	ProbeID        string        `json:"probeID"`
	Seq            int           `json:"seq"`
	Replica        string        `json:"replica"`
	Delay          time.Duration `json:"delay"`
	WrittenAt      time.Time     `json:"writtenAt"`
	FirstVisibleAt *time.Time    `json:"firstVisibleAt,omitempty"`
	ChecksumMatch  bool          `json:"checksumMatch"`
	PollAttempts   int           `json:"pollAttempts"`
	Outcome        ProbeOutcome  `json:"outcome"`
	Lag            time.Duration `json:"lag"`
	// WriteErrorKind is set when the primary insert failed and the probe
	// could never become visible.
	WriteErrorKind ErrorKind `json:"writeErrorKind,omitempty"`
}

type ResourceSample struct {
	Timestamp       time.Time `json:"timestamp"`
	MemoryBytes     uint64    `json:"memoryBytes"`
	OpenConnections int       `json:"openConnections"`
	CheckedOut      int       `json:"checkedOut"`
	Goroutines      int       `json:"goroutines"`
}

// Phase is one paced load segment. Either Duration or Requests must be set;
// when both are set Requests wins and Duration is the time budget.
type Phase struct {
	Name     string        `yaml:"name" json:"name"`
	Scenario ScenarioID    `yaml:"scenario" json:"scenario"`
	Rate     float64       `yaml:"rate" json:"rate"`
	Duration time.Duration `yaml:"duration" json:"duration"`
	Requests int           `yaml:"requests" json:"requests,omitempty"`
	// Endpoint pins every request of the phase to one endpoint instead of
	// routing reads to replicas and writes to the primary.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// TargetRequests is the number of requests the phase dispatches if it runs
// to completion.
func (p Phase) TargetRequests() int {
	if p.Requests > 0 {
		return p.Requests
	}
	return int(p.Rate * p.Duration.Seconds())
}

// Budget is the wall-clock time the phase paces its requests over.
func (p Phase) Budget() time.Duration {
	if p.Duration > 0 {
		return p.Duration
	}
	if p.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(p.TargetRequests()) / p.Rate * float64(time.Second))
}

type PhaseResult struct {
	Phase     Phase         `json:"phase"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	Samples   []QuerySample `json:"-"`
	Aborted   bool          `json:"aborted"`
}
