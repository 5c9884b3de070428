package pool

import (
	"context"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"go.uber.org/zap"
)

var (
	defaultMaxConns                       = 50
	defaultAcquireTimeout                 = time.Second * 2
	defaultConnectRetries                 = 3
	defaultConnectBackoff                 = time.Millisecond * 50
	defaultQueryHealthCheckPeriod         = time.Second * 60
	defaultQueryValidationTimeout         = time.Second * 2
	defaultMinAvailableConnectionFailSize = 5
	defaultValidationCountDestroyTrigger  = 3

	defaultWeight = 1.0
	fastResponse  = time.Millisecond * 50
	slowResponse  = time.Millisecond * 100
)

var healthQuery = `SELECT 1`

func reader(ctx context.Context, d driver.Driver, conn *PooledConnection, logger *zap.Logger) bool {
	rows, err := d.Execute(ctx, conn.Session(), healthQuery)
	if err != nil {
		logger.Warn("read validation failed", zap.String("endpoint", conn.Endpoint().Name), zap.Error(err))
		return false
	}
	if err := driver.Drain(rows); err != nil {
		logger.Warn("read validation failed", zap.String("endpoint", conn.Endpoint().Name), zap.Error(err))
		return false
	}
	return true
}

var DefaultReadValidator ValidationFunction = reader

type Config struct {
	Endpoints      []model.Endpoint
	MaxConns       int
	AcquireTimeout time.Duration
	ConnectRetries int
	ConnectBackoff time.Duration

	QueryValidator                 ValidationFunction
	QueryHealthCheckPeriod         time.Duration
	QueryValidationTimeout         time.Duration
	MinAvailableConnectionFailSize int
	ValidationCountDestroyTrigger  int
	MetricsEmitter                 MetricsEmitterFunction
}
