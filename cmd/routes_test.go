package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/driver/drivertest"
	"github.com/kong/pg-aurora-bench/pkg/metrics"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/runner"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testApp(t *testing.T) *appContext {
	t.Helper()
	cfg := &model.Config{
		Endpoints: []model.Endpoint{
			{Name: "primary", Role: model.RolePrimary},
			{Name: "replica-1", Role: model.RoleReplica},
		},
		Phases: []model.Phase{{Name: "reads", Scenario: model.ScenarioPointRead, Rate: 100, Requests: 50}},
	}
	cfg.SetDefaults()
	ac := &appContext{
		Logger:  zap.NewNop(),
		Runner:  runner.New(cfg, drivertest.New(), zap.NewNop()),
		Metrics: metrics.NewPrometheus(),
	}
	ac.Runner.SetRecorder(ac.Metrics)
	return ac
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body := map[string]json.RawMessage{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestRoutes(t *testing.T) {
	ac := testApp(t)
	h := ac.routes()

	rec, body := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `"ok"`, string(body["status"]))

	rec, body = get(t, h, "/result")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, string(body["error"]), "No completed run")

	rec, _ = get(t, h, "/pghealth")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = get(t, h, "/poolstats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `null`, string(body["connectionPoolStats"]))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := ac.Runner.Run(ctx, []model.Suite{model.SuitePerformance})
	require.NoError(t, err)

	rec, body = get(t, h, "/result")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `true`, string(body["passed"]))
	var result model.TestRunResult
	require.NoError(t, json.Unmarshal(body["result"], &result))
	require.Len(t, result.Phases, 1)

	rec, _ = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "query_duration")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewDriver(t *testing.T) {
	for _, name := range []string{driverPgx, driverPostgres, driverSQLite} {
		d, err := newDriver(name, time.Second, zap.NewNop())
		require.NoError(t, err)
		require.NotNil(t, d)
	}
	_, err := newDriver("mysql", time.Second, zap.NewNop())
	require.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	logger, err := SetupLogging("warn")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.InfoLevel))
	require.NoError(t, SetLevel("debug"))
	require.True(t, logger.Core().Enabled(zap.DebugLevel))
	require.Error(t, SetLevel("loud"))
	_, err = SetupLogging("loud")
	require.Error(t, err)
}
