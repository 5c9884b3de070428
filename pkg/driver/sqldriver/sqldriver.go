// Package sqldriver adapts database/sql drivers (lib/pq for postgres,
// go-sqlite3 for local runs and tests) to the driver capability.
package sqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/model"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	Postgres = "postgres"
	SQLite   = "sqlite3"
)

// DSNFunc renders the data source name handed to sql.Open for an endpoint.
type DSNFunc func(ep model.Endpoint) string

// SQLiteDSN uses the endpoint's database field as the sqlite file path.
// Writers wait on a locked file instead of failing immediately.
func SQLiteDSN(ep model.Endpoint) string {
	return "file:" + ep.Database + "?_busy_timeout=5000"
}

// Driver hands out dedicated *sql.Conn sessions. One *sql.DB is opened per
// endpoint on first use and kept until Shutdown.
type Driver struct {
	driverName string
	dsn        DSNFunc

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func New(driverName string, dsn DSNFunc) *Driver {
	if dsn == nil {
		dsn = model.Endpoint.DSN
	}
	return &Driver{
		driverName: driverName,
		dsn:        dsn,
		dbs:        make(map[string]*sql.DB),
	}
}

func (d *Driver) db(ep model.Endpoint) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.dbs[ep.Name]; ok {
		return db, nil
	}
	db, err := sql.Open(d.driverName, d.dsn(ep))
	if err != nil {
		return nil, err
	}
	// sessions are bounded by the caller's pool
	db.SetMaxIdleConns(0)
	d.dbs[ep.Name] = db
	return db, nil
}

func (d *Driver) Connect(ctx context.Context, ep model.Endpoint) (driver.Session, error) {
	db, err := d.db(ep)
	if err != nil {
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	return conn, nil
}

func (d *Driver) Execute(ctx context.Context, s driver.Session, stmt string, args ...any) (driver.Rows, error) {
	conn, ok := s.(*sql.Conn)
	if !ok {
		return nil, fmt.Errorf("sqldriver: unexpected session type %T", s)
	}
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (d *Driver) Close(_ context.Context, s driver.Session) error {
	conn, ok := s.(*sql.Conn)
	if !ok {
		return fmt.Errorf("sqldriver: unexpected session type %T", s)
	}
	return conn.Close()
}

// Shutdown closes every *sql.DB the driver opened.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result *multierror.Error
	for name, db := range d.dbs {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", name, err))
		}
		delete(d.dbs, name)
	}
	return result.ErrorOrNil()
}

type sqlRows struct {
	rows     *sql.Rows
	closeErr error
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r *sqlRows) Err() error {
	if err := r.rows.Err(); err != nil {
		return err
	}
	return r.closeErr
}

func (r *sqlRows) Close() {
	r.closeErr = r.rows.Close()
}
