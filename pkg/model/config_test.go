package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
endpoints:
  - name: writer
    role: primary
    host: writer.cluster.local
    port: "5432"
    database: bench
    user: bench
  - name: reader-1
    role: replica
    host: reader.cluster.local
    port: "5432"
    database: bench
    user: bench
pool_max: 20
phases:
  - name: warmup
    scenario: point_read
    rate: 10
    duration: 5s
consistency:
  probe_count: 10
  probe_delays: [0s, 250ms]
stability:
  ramp_steps: [5, 10]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "writer", cfg.Primary().Name)
	require.Equal(t, []string{"reader-1"}, cfg.ReplicaNames())
	require.Equal(t, 20, cfg.PoolMax)
	require.Len(t, cfg.Phases, 1)
	require.Equal(t, 5*time.Second, cfg.Phases[0].Duration)
	require.Equal(t, 50, cfg.Phases[0].TargetRequests())
	require.Equal(t, []time.Duration{0, 250 * time.Millisecond}, cfg.Consistency.ProbeDelays)
	require.Equal(t, []int{5, 10}, cfg.Stability.RampSteps)

	// defaults
	require.Equal(t, defaultAcquireTimeout, cfg.AcquireTimeout)
	require.Equal(t, defaultBurstFactor, cfg.BurstFactor)
	require.Equal(t, defaultWaitWindow, cfg.Consistency.WaitWindow)
	require.Equal(t, "reader-1", cfg.Stability.FailoverReplica)
	require.Equal(t, defaultMinQPSRatio, cfg.Thresholds.MinQPSRatio)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PG_HOST", "writer.example")
	t.Setenv("PG_RO_HOST", "reader.example")
	t.Setenv("PG_PORT", "6543")
	t.Setenv("PG_USER", "koko")
	t.Setenv("PG_PASSWORD", "secret")
	t.Setenv("PG_DATABASE", "koko")
	t.Setenv("ENABLE_TLS", "true")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 2)

	primary := cfg.Primary()
	require.Equal(t, "writer.example:6543", primary.Address())
	require.Equal(t, "secret", primary.Password)
	require.True(t, primary.EnableTLS)
	require.Equal(t, caBundleFSPath, primary.CABundlePath)
	require.Contains(t, primary.DSN(), "sslmode=verify-ca")

	replicas := cfg.Replicas()
	require.Len(t, replicas, 1)
	require.Equal(t, "reader.example", replicas[0].Host)
	require.Len(t, cfg.Phases, 3)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("PG_PASSWORD", "from-env")
	t.Setenv("PG_HOST", "override.example")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "override.example", cfg.Primary().Host)
	require.Equal(t, "reader.cluster.local", cfg.Replicas()[0].Host)
	require.Equal(t, "from-env", cfg.Replicas()[0].Password)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "endpoints: [::"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig("")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func validConfig() *Config {
	cfg := &Config{Endpoints: []Endpoint{
		{Name: "primary", Role: RolePrimary, Host: "h", Port: "5432", User: "u", Database: "d"},
		{Name: "replica", Role: RoleReplica, Host: "h", Port: "5433", User: "u", Database: "d"},
	}}
	cfg.SetDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		msg    string
	}{
		{"no endpoints", func(c *Config) { c.Endpoints = nil }, "at least one endpoint"},
		{"empty user", func(c *Config) { c.Endpoints[0].User = "" }, "PG_USER"},
		{"empty port", func(c *Config) { c.Endpoints[1].Port = "" }, "PG_PORT"},
		{"duplicate name", func(c *Config) { c.Endpoints[1].Name = "primary" }, "duplicate"},
		{"two primaries", func(c *Config) { c.Endpoints[1].Role = RolePrimary }, "exactly one primary"},
		{"bad role", func(c *Config) { c.Endpoints[1].Role = "standby" }, "role must be"},
		{"tls without bundle", func(c *Config) { c.Endpoints[0].EnableTLS = true }, "CA bundle"},
		{"burst below one", func(c *Config) { c.BurstFactor = 0.5 }, "burst_factor"},
		{"unknown scenario", func(c *Config) { c.Phases[0].Scenario = "scan" }, "unknown scenario"},
		{"zero rate", func(c *Config) { c.Phases[0].Rate = 0 }, "rate must be positive"},
		{"pinned to unknown", func(c *Config) { c.Phases[0].Endpoint = "nope" }, "unknown endpoint"},
		{"negative delay", func(c *Config) { c.Consistency.ProbeDelays = []time.Duration{-1} }, "negative"},
		{"ramp not increasing", func(c *Config) { c.Stability.RampSteps = []int{10, 10} }, "strictly increasing"},
		{"stability writes", func(c *Config) { c.Stability.Scenario = ScenarioMixed }, "must be read-only"},
		{"failover fraction", func(c *Config) { c.Stability.FailoverAt = 1 }, "failover_at"},
		{"failover to primary", func(c *Config) { c.Stability.FailoverReplica = "primary" }, "not a replica"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestValidatePhase(t *testing.T) {
	require.NoError(t, ValidatePhase(Phase{Name: "p", Scenario: ScenarioMixed, Rate: 5, Requests: 3}))
	require.Error(t, ValidatePhase(Phase{Name: "p", Scenario: ScenarioMixed, Rate: 5}))
	require.Error(t, ValidatePhase(Phase{Name: "p", Scenario: ScenarioMixed, Rate: 1, Duration: 100 * time.Millisecond}))
	require.ErrorIs(t, ValidatePhase(Phase{Name: "p", Scenario: "nope", Rate: 1, Requests: 1}), ErrUnknownScenario)
}

func TestParseSuite(t *testing.T) {
	suites, err := ParseSuite("all")
	require.NoError(t, err)
	require.Equal(t, AllSuites, suites)

	suites, err = ParseSuite(" Consistency ")
	require.NoError(t, err)
	require.Equal(t, []Suite{SuiteConsistency}, suites)

	_, err = ParseSuite("soak")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPhaseBudget(t *testing.T) {
	require.Equal(t, 2*time.Second, Phase{Rate: 50, Requests: 100}.Budget())
	require.Equal(t, time.Second, Phase{Rate: 50, Requests: 10, Duration: time.Second}.Budget())
}
