package main

import (
	"fmt"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/driver/pgxdriver"
	"github.com/kong/pg-aurora-bench/pkg/driver/sqldriver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is setup on startup by cmd package.
var Logger *zap.Logger
var zapConfig zap.Config

// SetupLogging configure parent logger with logLevel.
func SetupLogging(logLevel string) (*zap.Logger, error) {
	zapConfig = zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level.SetLevel(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	Logger = logger
	return logger, nil
}

// SetLevel updates the level for the global logger config.
// All child loggers generated with the config are updated.
func SetLevel(level string) error {
	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	zapConfig.Level.SetLevel(parsedLevel)
	return nil
}

const (
	driverPgx      = "pgx"
	driverPostgres = sqldriver.Postgres
	driverSQLite   = sqldriver.SQLite
)

// shutdowner is implemented by drivers holding process-wide handles.
type shutdowner interface {
	Shutdown() error
}

func newDriver(name string, connectTimeout time.Duration, logger *zap.Logger) (driver.Driver, error) {
	switch name {
	case driverPgx:
		return pgxdriver.New(logger, connectTimeout), nil
	case driverPostgres:
		return sqldriver.New(sqldriver.Postgres, nil), nil
	case driverSQLite:
		return sqldriver.New(sqldriver.SQLite, sqldriver.SQLiteDSN), nil
	}
	return nil, fmt.Errorf("driver must be one of %s, %s or %s, got %q", driverPgx, driverPostgres, driverSQLite, name)
}
