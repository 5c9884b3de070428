package pgxdriver

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"go.uber.org/zap"
)

var defaultConnectTimeout = time.Second * 5

// Driver opens one pgx connection per session. Pooling is done by the
// caller, so there is no pgxpool underneath.
type Driver struct {
	logger         *zap.Logger
	connectTimeout time.Duration
	appName        string
}

func New(logger *zap.Logger, connectTimeout time.Duration) *Driver {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &Driver{
		logger:         logger,
		connectTimeout: connectTimeout,
		appName:        "pg-aurora-bench",
	}
}

func (d *Driver) Connect(ctx context.Context, ep model.Endpoint) (driver.Session, error) {
	config, err := pgx.ParseConfig(ep.DSN())
	if err != nil {
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	config.ConnectTimeout = d.connectTimeout
	config.RuntimeParams["application_name"] = d.appName
	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	d.logger.Debug("opened session", zap.String("endpoint", ep.Name),
		zap.String("host", config.Host), zap.Uint32("pid", conn.PgConn().PID()))
	return conn, nil
}

func (d *Driver) Execute(ctx context.Context, s driver.Session, stmt string, args ...any) (driver.Rows, error) {
	conn, err := session(s)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *Driver) Close(ctx context.Context, s driver.Session) error {
	conn, err := session(s)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

func session(s driver.Session) (*pgx.Conn, error) {
	conn, ok := s.(*pgx.Conn)
	if !ok {
		return nil, fmt.Errorf("pgxdriver: unexpected session type %T", s)
	}
	return conn, nil
}
