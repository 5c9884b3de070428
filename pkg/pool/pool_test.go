package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/driver/drivertest"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func setupLogging() (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level, err := zapcore.ParseLevel("warn")
	if err != nil {
		return nil, err
	}
	zapConfig.Level.SetLevel(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

var (
	testPrimary = model.Endpoint{Name: "primary", Role: model.RolePrimary, Host: "localhost", Port: "5432"}
	testReplica = model.Endpoint{Name: "replica-1", Role: model.RoleReplica, Host: "localhost", Port: "5433"}
)

func newTestPool(t *testing.T, fake *drivertest.Fake, cfg Config) *Pool {
	t.Helper()
	logger, err := setupLogging()
	require.NoError(t, err)
	if cfg.Endpoints == nil {
		cfg.Endpoints = []model.Endpoint{testPrimary, testReplica}
	}
	p, err := New(fake, &cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPool_AcquireReusesIdleConnection(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, fake, Config{MaxConns: 2})
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, "primary", conn.Endpoint().Name)
	p.Release(conn, true)

	again, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, conn.ID(), again.ID())
	require.Equal(t, 1, fake.Connects())
	p.Release(again, true)

	stat := p.Stat("primary")
	require.NotNil(t, stat)
	require.EqualValues(t, 2, stat.AcquireCount)
	require.EqualValues(t, 1, stat.IdleConns)
	require.EqualValues(t, 0, stat.AcquiredConns)
}

func TestPool_UnknownEndpoint(t *testing.T) {
	p := newTestPool(t, drivertest.New(), Config{})
	_, err := p.Acquire(context.Background(), "nope")
	require.ErrorIs(t, err, model.ErrUnknownEndpoint)
}

func TestPool_CeilingHoldsUnderConcurrency(t *testing.T) {
	fake := drivertest.New()
	fake.Latency = 2 * time.Millisecond
	p := newTestPool(t, fake, Config{MaxConns: 5, AcquireTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	var failures int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				conn, err := p.Acquire(context.Background(), "primary")
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				rows, err := fake.Execute(context.Background(), conn.Session(), "SELECT 1")
				if err == nil {
					_ = driver.Drain(rows)
				}
				p.Release(conn, err == nil)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, atomic.LoadInt64(&failures))
	require.LessOrEqual(t, fake.PeakOpen(), 5)
	stat := p.Stat("primary")
	require.LessOrEqual(t, stat.PeakAcquired, int32(5))
	require.LessOrEqual(t, stat.TotalConns, int32(5))
	require.EqualValues(t, 500, stat.AcquireCount)
}

func TestPool_ExhaustedAfterAcquireTimeout(t *testing.T) {
	p := newTestPool(t, drivertest.New(), Config{MaxConns: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	held, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, "primary")
	require.ErrorIs(t, err, model.ErrPoolExhausted)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, p.Stat("primary").ExhaustedCount)

	p.Release(held, true)
	conn, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	p.Release(conn, true)
}

func TestPool_WaiterWokenByRelease(t *testing.T) {
	p := newTestPool(t, drivertest.New(), Config{MaxConns: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	held, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(held, true)
	}()
	conn, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, held.ID(), conn.ID())
	p.Release(conn, true)
}

func TestPool_CanceledContext(t *testing.T) {
	p := newTestPool(t, drivertest.New(), Config{MaxConns: 1, AcquireTimeout: time.Second})
	held, err := p.Acquire(context.Background(), "primary")
	require.NoError(t, err)
	defer p.Release(held, true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, "primary")
	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_UnhealthyReleaseDiscards(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, fake, Config{MaxConns: 2})
	conn, err := p.Acquire(context.Background(), "primary")
	require.NoError(t, err)
	p.Release(conn, false)

	require.Equal(t, 0, fake.Open())
	stat := p.Stat("primary")
	require.EqualValues(t, 0, stat.TotalConns)
	require.EqualValues(t, 1, stat.DiscardedCount)

	replacement, err := p.Acquire(context.Background(), "primary")
	require.NoError(t, err)
	require.NotEqual(t, conn.ID(), replacement.ID())
	p.Release(replacement, true)
}

func TestPool_DoubleReleaseIsIgnored(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, fake, Config{MaxConns: 2})
	conn, err := p.Acquire(context.Background(), "primary")
	require.NoError(t, err)
	p.Release(conn, true)
	p.Release(conn, true)
	require.EqualValues(t, 1, p.Stat("primary").IdleConns)
}

func TestPool_ConnectRetriesThenFails(t *testing.T) {
	fake := drivertest.New()
	fake.SetDown("primary", true)
	p := newTestPool(t, fake, Config{ConnectRetries: 2, ConnectBackoff: time.Millisecond})

	_, err := p.Acquire(context.Background(), "primary")
	require.ErrorIs(t, err, model.ErrConnect)
	var ce *model.ConnectError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "primary", ce.Endpoint)
	require.EqualValues(t, 0, p.Stat("primary").TotalConns)

	fake.SetDown("primary", false)
	conn, err := p.Acquire(context.Background(), "primary")
	require.NoError(t, err)
	p.Release(conn, true)
}

func TestPool_PoisonSeversInFlightAndRedirects(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, fake, Config{MaxConns: 4})
	ctx := context.Background()

	idle, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	inflight, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	p.Release(idle, true)

	bound, cancel := inflight.Bind(ctx)
	defer cancel()

	require.NoError(t, p.Poison("primary"))
	select {
	case <-bound.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight context was not canceled by poison")
	}
	require.True(t, inflight.Severed())

	_, err = p.Acquire(ctx, "primary")
	require.ErrorIs(t, err, model.ErrConnect)

	require.NoError(t, p.Redirect("primary", "replica-1"))
	conn, err := p.Acquire(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, "replica-1", conn.Endpoint().Name)
	p.Release(conn, true)

	p.Release(inflight, true)
	require.EqualValues(t, 0, p.Stat("primary").TotalConns)

	p.ClearRedirect("primary")
	require.NoError(t, p.Restore("primary"))
	conn, err = p.Acquire(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, "primary", conn.Endpoint().Name)
	p.Release(conn, true)
}

func TestPool_SetMaxConnsShrinksIdle(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, fake, Config{MaxConns: 4})
	ctx := context.Background()

	var conns []*PooledConnection
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(ctx, "primary")
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c, true)
	}
	require.NoError(t, p.SetMaxConns("primary", 2))
	stat := p.Stat("primary")
	require.EqualValues(t, 2, stat.TotalConns)
	require.EqualValues(t, 2, stat.MaxConns)
	require.Equal(t, 2, fake.Open())
}

func TestPool_CheckQueryHealthResetsOnFailures(t *testing.T) {
	fake := drivertest.New()
	var emitted int64
	cfg := Config{
		MaxConns:                       10,
		QueryValidator:                 DefaultReadValidator,
		QueryHealthCheckPeriod:         time.Hour,
		MinAvailableConnectionFailSize: 2,
		ValidationCountDestroyTrigger:  1,
		MetricsEmitter: func(metrics interface{}, tags []MetricsTag) {
			atomic.AddInt64(&emitted, 1)
		},
	}
	p := newTestPool(t, fake, cfg)
	ctx := context.Background()

	var conns []*PooledConnection
	for i := 0; i < 6; i++ {
		c, err := p.Acquire(ctx, "replica-1")
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c, true)
	}

	p.CheckQueryHealth()
	require.EqualValues(t, 6, p.Stat("replica-1").IdleConns)

	fake.SetDown("replica-1", true)
	p.CheckQueryHealth()
	stat := p.Stat("replica-1")
	require.EqualValues(t, 0, stat.TotalConns)
	require.EqualValues(t, 6, stat.DiscardedCount)
	require.Positive(t, atomic.LoadInt64(&emitted))
}

func TestPool_CloseRejectsAcquire(t *testing.T) {
	fake := drivertest.New()
	logger, err := setupLogging()
	require.NoError(t, err)
	p, err := New(fake, &Config{Endpoints: []model.Endpoint{testPrimary}}, logger)
	require.NoError(t, err)

	conn, err := p.Acquire(context.Background(), "primary")
	require.NoError(t, err)
	p.Release(conn, true)
	require.NoError(t, p.Close())
	require.Equal(t, 0, fake.Open())

	_, err = p.Acquire(context.Background(), "primary")
	require.ErrorIs(t, err, model.ErrPoolClosed)
}

func TestPool_CheckQueryHealthScoresEndpoints(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, fake, Config{
		QueryValidator:         DefaultReadValidator,
		QueryHealthCheckPeriod: time.Hour,
		ConnectRetries:         1,
		ConnectBackoff:         time.Millisecond,
	})
	require.True(t, p.Healthy("replica-1"))
	require.Equal(t, 1.0, p.Weight("replica-1"))

	p.CheckQueryHealth()
	require.Equal(t, 1.2, p.Weight("replica-1"))

	fake.Latency = 70 * time.Millisecond
	p.CheckQueryHealth()
	require.Equal(t, 1.0, p.Weight("replica-1"))

	fake.Latency = 150 * time.Millisecond
	p.CheckQueryHealth()
	require.Equal(t, 0.8, p.Weight("replica-1"))
	require.GreaterOrEqual(t, p.Stat("replica-1").CheckLatency, 150*time.Millisecond)
	fake.Latency = 0

	fake.SetDown("replica-1", true)
	p.CheckQueryHealth()
	require.False(t, p.Healthy("replica-1"))
	require.Zero(t, p.Weight("replica-1"))
	stat := p.Stat("replica-1")
	require.False(t, stat.Healthy)
	require.Zero(t, stat.Weight)
	require.True(t, p.Healthy("primary"))

	fake.SetDown("replica-1", false)
	p.CheckQueryHealth()
	require.True(t, p.Healthy("replica-1"))
	require.Equal(t, 1.2, p.Weight("replica-1"))

	require.NoError(t, p.Poison("primary"))
	require.False(t, p.Healthy("primary"))
	require.NoError(t, p.Restore("primary"))
	require.True(t, p.Healthy("primary"))
	require.Zero(t, p.Weight("unknown"))
}
