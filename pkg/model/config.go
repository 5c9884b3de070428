package model

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

const caBundleFSPath = "/config/ca_certs/aws-postgres-cabundle-secret"

var (
	defaultPoolMax           = 50
	defaultAcquireTimeout    = time.Second * 2
	defaultOperationTimeout  = time.Second * 5
	defaultConnectRetries    = 3
	defaultConcurrency       = 100
	defaultFailureThreshold  = 50
	defaultBurstFactor       = 2.0
	defaultSeedRows          = 1000
	defaultProbeCount        = 80
	defaultProbeDelays       = []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second}
	defaultPollInterval      = 100 * time.Millisecond
	defaultWaitWindow        = 5 * time.Second
	defaultProbeConcurrency  = 16
	defaultStabilityWindow   = 3 * time.Minute
	defaultSampleInterval    = 10 * time.Second
	defaultRampSteps         = []int{10, 50, 200, 500}
	defaultRampStepDuration  = 10 * time.Second
	defaultRampPerWorker     = 5
	defaultStabilityRate     = 50.0
	defaultFailoverAt        = 0.5
	defaultRecoveryWindow    = 30 * time.Second
	defaultRecoveryRatio     = 0.9
	defaultLeakSlope         = 64 * 1024.0
	defaultDegradation       = 3.0
	defaultChurnIterations   = 100
	defaultMinQPSRatio       = 0.9
	defaultMaxErrorRate      = 0.01
	defaultMinConsistentRate = 100.0
)

// DefaultPhases mirrors the three escalating workloads: baseline reads, a
// mixed read/write load and a maximum-throughput burst.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "baseline_select", Scenario: ScenarioPointRead, Rate: 50, Duration: 60 * time.Second},
		{Name: "mixed_workload", Scenario: ScenarioMixed, Rate: 100, Duration: 120 * time.Second},
		{Name: "max_throughput", Scenario: ScenarioPointRead, Rate: 200, Duration: 60 * time.Second},
	}
}

type ConsistencyConfig struct {
	ProbeCount   int             `yaml:"probe_count"`
	ProbeDelays  []time.Duration `yaml:"probe_delays"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	WaitWindow   time.Duration   `yaml:"wait_window"`
	Concurrency  int             `yaml:"concurrency"`
	KeepRows     bool            `yaml:"keep_rows"`
}

type StabilityConfig struct {
	Window           time.Duration `yaml:"stability_window"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	Rate             float64       `yaml:"rate"`
	Scenario         ScenarioID    `yaml:"scenario"`
	RampSteps        []int         `yaml:"ramp_steps"`
	RampStepDuration time.Duration `yaml:"ramp_step_duration"`
	RampPerWorker    int           `yaml:"ramp_requests_per_worker"`
	FailoverAt       float64       `yaml:"failover_at"`
	FailoverReplica  string        `yaml:"failover_replica"`
	RecoveryWindow   time.Duration `yaml:"recovery_window"`
	RecoveryRatio    float64       `yaml:"recovery_ratio"`
	LeakSlope        float64       `yaml:"leak_slope_bytes_per_sec"`
	Degradation      float64       `yaml:"degradation_factor"`
	ChurnIterations  int           `yaml:"churn_iterations"`
}

type Thresholds struct {
	MinQPSRatio       float64 `yaml:"min_qps_ratio"`
	MaxErrorRate      float64 `yaml:"max_error_rate"`
	// MinConsistentRate is a percentage, like ConsistencySummary.SuccessRate.
	MinConsistentRate float64 `yaml:"min_consistent_rate"`
}

// Config is the full run configuration. LoadConfig fills defaults and
// validates it so nothing malformed reaches a run.
type Config struct {
	Endpoints        []Endpoint        `yaml:"endpoints"`
	PoolMax          int               `yaml:"pool_max"`
	AcquireTimeout   time.Duration     `yaml:"acquire_timeout"`
	OperationTimeout time.Duration     `yaml:"operation_timeout"`
	ConnectRetries   int               `yaml:"connect_retries"`
	Phases           []Phase           `yaml:"phases"`
	Concurrency      int               `yaml:"concurrency"`
	FailureThreshold int               `yaml:"failure_threshold"`
	BurstFactor      float64           `yaml:"burst_factor"`
	SeedRows         int               `yaml:"seed_rows"`
	Consistency      ConsistencyConfig `yaml:"consistency"`
	Stability        StabilityConfig   `yaml:"stability"`
	Thresholds       Thresholds        `yaml:"thresholds"`
}

// LoadConfig reads the YAML file at path (optional), applies the PG_*
// environment overrides, fills defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	applyEnv(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	isSecure := os.Getenv("ENABLE_TLS")
	var tls = false
	if isSecure == "yes" || isSecure == "true" {
		tls = true
	}
	host := os.Getenv("PG_HOST")
	roHost := os.Getenv("PG_RO_HOST")

	if len(cfg.Endpoints) == 0 && host != "" {
		cfg.Endpoints = []Endpoint{{Name: "primary", Role: RolePrimary, Host: host}}
		if roHost == "" {
			roHost = host
		}
		cfg.Endpoints = append(cfg.Endpoints, Endpoint{Name: "replica", Role: RoleReplica, Host: roHost})
	}

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.Role == RolePrimary && host != "" {
			ep.Host = host
		}
		if ep.Role == RoleReplica && roHost != "" {
			ep.Host = roHost
		}
		setIfPresent(&ep.User, "PG_USER")
		setIfPresent(&ep.Password, "PG_PASSWORD")
		setIfPresent(&ep.Port, "PG_PORT")
		setIfPresent(&ep.Database, "PG_DATABASE")
		if tls {
			ep.EnableTLS = true
		}
		if ep.EnableTLS && ep.CABundlePath == "" {
			ep.CABundlePath = caBundleFSPath
		}
	}
}

func setIfPresent(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// SetDefaults fills every zero-valued tunable.
func (c *Config) SetDefaults() {
	if reflect.ValueOf(c.PoolMax).IsZero() {
		c.PoolMax = defaultPoolMax
	}
	if reflect.ValueOf(c.AcquireTimeout).IsZero() {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if reflect.ValueOf(c.OperationTimeout).IsZero() {
		c.OperationTimeout = defaultOperationTimeout
	}
	if reflect.ValueOf(c.ConnectRetries).IsZero() {
		c.ConnectRetries = defaultConnectRetries
	}
	if len(c.Phases) == 0 {
		c.Phases = DefaultPhases()
	}
	if reflect.ValueOf(c.Concurrency).IsZero() {
		c.Concurrency = defaultConcurrency
	}
	if reflect.ValueOf(c.FailureThreshold).IsZero() {
		c.FailureThreshold = defaultFailureThreshold
	}
	if reflect.ValueOf(c.BurstFactor).IsZero() {
		c.BurstFactor = defaultBurstFactor
	}
	if reflect.ValueOf(c.SeedRows).IsZero() {
		c.SeedRows = defaultSeedRows
	}

	cc := &c.Consistency
	if cc.ProbeCount == 0 {
		cc.ProbeCount = defaultProbeCount
	}
	if len(cc.ProbeDelays) == 0 {
		cc.ProbeDelays = append([]time.Duration(nil), defaultProbeDelays...)
	}
	if cc.PollInterval == 0 {
		cc.PollInterval = defaultPollInterval
	}
	if cc.WaitWindow == 0 {
		cc.WaitWindow = defaultWaitWindow
	}
	if cc.Concurrency == 0 {
		cc.Concurrency = defaultProbeConcurrency
	}

	sc := &c.Stability
	if sc.Window == 0 {
		sc.Window = defaultStabilityWindow
	}
	if sc.SampleInterval == 0 {
		sc.SampleInterval = defaultSampleInterval
	}
	if sc.Rate == 0 {
		sc.Rate = defaultStabilityRate
	}
	if sc.Scenario == "" {
		sc.Scenario = ScenarioPointRead
	}
	if len(sc.RampSteps) == 0 {
		sc.RampSteps = append([]int(nil), defaultRampSteps...)
	}
	if sc.RampStepDuration == 0 {
		sc.RampStepDuration = defaultRampStepDuration
	}
	if sc.RampPerWorker == 0 {
		sc.RampPerWorker = defaultRampPerWorker
	}
	if sc.FailoverAt == 0 {
		sc.FailoverAt = defaultFailoverAt
	}
	if sc.FailoverReplica == "" {
		if r := c.Replicas(); len(r) > 0 {
			sc.FailoverReplica = r[0].Name
		}
	}
	if sc.RecoveryWindow == 0 {
		sc.RecoveryWindow = defaultRecoveryWindow
	}
	if sc.RecoveryRatio == 0 {
		sc.RecoveryRatio = defaultRecoveryRatio
	}
	if sc.LeakSlope == 0 {
		sc.LeakSlope = defaultLeakSlope
	}
	if sc.Degradation == 0 {
		sc.Degradation = defaultDegradation
	}
	if sc.ChurnIterations == 0 {
		sc.ChurnIterations = defaultChurnIterations
	}

	th := &c.Thresholds
	if th.MinQPSRatio == 0 {
		th.MinQPSRatio = defaultMinQPSRatio
	}
	if th.MaxErrorRate == 0 {
		th.MaxErrorRate = defaultMaxErrorRate
	}
	if th.MinConsistentRate == 0 {
		th.MinConsistentRate = defaultMinConsistentRate
	}
}

// Validate fails fast on anything a run cannot work with.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return invalid("at least one endpoint is required (set endpoints or PG_HOST)")
	}
	names := map[string]bool{}
	primaries := 0
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return invalid("endpoints[%d]: name cannot be empty", i)
		}
		if names[ep.Name] {
			return invalid("endpoints[%d]: duplicate name %q", i, ep.Name)
		}
		names[ep.Name] = true
		switch ep.Role {
		case RolePrimary:
			primaries++
		case RoleReplica:
		default:
			return invalid("endpoint %s: role must be primary or replica, got %q", ep.Name, ep.Role)
		}
		if ep.Host == "" {
			return invalid("endpoint %s: host (PG_HOST) cannot be empty", ep.Name)
		}
		if ep.Port == "" {
			return invalid("endpoint %s: port (PG_PORT) cannot be empty", ep.Name)
		}
		if ep.User == "" {
			return invalid("endpoint %s: user (PG_USER) cannot be empty", ep.Name)
		}
		if ep.Database == "" {
			return invalid("endpoint %s: database (PG_DATABASE) cannot be empty", ep.Name)
		}
		if ep.EnableTLS && ep.CABundlePath == "" {
			return invalid("endpoint %s: ENABLE_TLS requires a CA bundle path", ep.Name)
		}
	}
	if primaries != 1 {
		return invalid("exactly one primary endpoint is required, got %d", primaries)
	}
	if c.PoolMax <= 0 {
		return invalid("pool_max must be positive")
	}
	if c.AcquireTimeout <= 0 || c.OperationTimeout <= 0 {
		return invalid("acquire_timeout and operation_timeout must be positive")
	}
	if c.Concurrency <= 0 {
		return invalid("concurrency must be positive")
	}
	if c.BurstFactor < 1 {
		return invalid("burst_factor must be at least 1")
	}
	for i, p := range c.Phases {
		if err := ValidatePhase(p); err != nil {
			return fmt.Errorf("phases[%d]: %w", i, err)
		}
		if p.Endpoint != "" && !names[p.Endpoint] {
			return invalid("phases[%d]: unknown endpoint %q", i, p.Endpoint)
		}
	}

	cc := c.Consistency
	if cc.ProbeCount <= 0 || cc.Concurrency <= 0 {
		return invalid("consistency probe_count and concurrency must be positive")
	}
	for _, d := range cc.ProbeDelays {
		if d < 0 {
			return invalid("consistency probe_delays cannot be negative")
		}
	}
	if cc.PollInterval <= 0 || cc.WaitWindow <= 0 {
		return invalid("consistency poll_interval and wait_window must be positive")
	}

	sc := c.Stability
	if sc.Window <= 0 || sc.SampleInterval <= 0 {
		return invalid("stability_window and sample_interval must be positive")
	}
	if err := ValidateScenario(sc.Scenario); err != nil {
		return invalid("stability: %v", err)
	}
	if sc.Scenario != ScenarioPointRead && sc.Scenario != ScenarioHealth {
		return invalid("stability scenario %q must be read-only (point_read or health)", sc.Scenario)
	}
	prev := 0
	for _, step := range sc.RampSteps {
		if step <= prev {
			return invalid("ramp_steps must be positive and strictly increasing")
		}
		prev = step
	}
	if sc.FailoverAt <= 0 || sc.FailoverAt >= 1 {
		return invalid("failover_at must be a fraction between 0 and 1")
	}
	if sc.RecoveryRatio <= 0 || sc.RecoveryRatio > 1 {
		return invalid("recovery_ratio must be in (0, 1]")
	}
	if sc.FailoverReplica != "" {
		ep, ok := c.Endpoint(sc.FailoverReplica)
		if !ok || ep.Role != RoleReplica {
			return invalid("failover_replica %q is not a replica endpoint", sc.FailoverReplica)
		}
	}
	return nil
}

// ValidatePhase checks a single load phase.
func ValidatePhase(p Phase) error {
	if p.Name == "" {
		return invalid("phase name cannot be empty")
	}
	if err := ValidateScenario(p.Scenario); err != nil {
		return err
	}
	if p.Rate <= 0 {
		return invalid("phase %s: rate must be positive", p.Name)
	}
	if p.Duration <= 0 && p.Requests <= 0 {
		return invalid("phase %s: duration or requests must be set", p.Name)
	}
	if p.TargetRequests() <= 0 {
		return invalid("phase %s: rate and duration yield zero requests", p.Name)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *Config) Primary() Endpoint {
	for _, ep := range c.Endpoints {
		if ep.Role == RolePrimary {
			return ep
		}
	}
	return Endpoint{}
}

func (c *Config) Replicas() []Endpoint {
	var out []Endpoint
	for _, ep := range c.Endpoints {
		if ep.Role == RoleReplica {
			out = append(out, ep)
		}
	}
	return out
}

func (c *Config) ReplicaNames() []string {
	var out []string
	for _, ep := range c.Replicas() {
		out = append(out, ep.Name)
	}
	return out
}

func (c *Config) Endpoint(name string) (Endpoint, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return Endpoint{}, false
}
