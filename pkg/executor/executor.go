// Package executor turns scenario ids into statements and runs them on
// pooled connections, classifying every failure into an ErrorKind.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"github.com/kong/pg-aurora-bench/pkg/pool"
)

const (
	PointReadQuery = `SELECT id, payload FROM bench_load WHERE id = $1`
	WriteQuery     = `INSERT INTO bench_load (payload) VALUES ($1)`
	HealthQuery    = `SELECT 1`
)

const defaultKeySpace = 1000

// Op is a planned statement. Write ops must be routed to the primary.
type Op struct {
	Scenario model.ScenarioID
	SQL      string
	Args     []any
	Write    bool
}

type Executor struct {
	drv      driver.Driver
	timeout  time.Duration
	keySpace int64
	seq      uint64
}

// New returns an executor bounding every statement by timeout. keySpace is
// the id range point reads draw from, normally the number of seeded rows.
func New(d driver.Driver, timeout time.Duration, keySpace int) *Executor {
	if keySpace <= 0 {
		keySpace = defaultKeySpace
	}
	return &Executor{drv: d, timeout: timeout, keySpace: int64(keySpace)}
}

// Plan picks the statement for the next request of scenario. The mixed
// scenario issues three writes in every ten requests.
func (e *Executor) Plan(scenario model.ScenarioID) (Op, error) {
	n := atomic.AddUint64(&e.seq, 1)
	switch scenario {
	case model.ScenarioPointRead:
		return e.read(scenario), nil
	case model.ScenarioWrite:
		return e.write(scenario, n), nil
	case model.ScenarioMixed:
		if n%10 < 3 {
			return e.write(scenario, n), nil
		}
		return e.read(scenario), nil
	case model.ScenarioHealth:
		return Op{Scenario: scenario, SQL: HealthQuery}, nil
	}
	return Op{}, fmt.Errorf("%w: %q", model.ErrUnknownScenario, scenario)
}

func (e *Executor) read(scenario model.ScenarioID) Op {
	return Op{Scenario: scenario, SQL: PointReadQuery, Args: []any{rand.Int63n(e.keySpace) + 1}}
}

func (e *Executor) write(scenario model.ScenarioID, n uint64) Op {
	return Op{Scenario: scenario, SQL: WriteQuery, Args: []any{fmt.Sprintf("bench-%d", n)}, Write: true}
}

// Run executes op on conn and drains the result. The returned sample never
// carries an error; failures are folded into ErrorKind.
func (e *Executor) Run(ctx context.Context, conn *pool.PooledConnection, op Op) model.QuerySample {
	sample := model.QuerySample{
		Scenario:  op.Scenario,
		Endpoint:  conn.Endpoint().Name,
		StartedAt: time.Now(),
	}
	bound, cancel := conn.Bind(ctx)
	defer cancel()
	if e.timeout > 0 {
		var tCancel context.CancelFunc
		bound, tCancel = context.WithTimeout(bound, e.timeout)
		defer tCancel()
	}

	err := e.exec(bound, conn, op)
	sample.Latency = time.Since(sample.StartedAt)
	if err == nil {
		sample.Success = true
		return sample
	}
	if conn.Severed() {
		sample.ErrorKind = model.KindConnect
	} else {
		sample.ErrorKind = Classify(err)
	}
	return sample
}

func (e *Executor) exec(ctx context.Context, conn *pool.PooledConnection, op Op) error {
	rows, err := e.drv.Execute(ctx, conn.Session(), op.SQL, op.Args...)
	if err != nil {
		return err
	}
	return driver.Drain(rows)
}

// Execute plans and runs one request of scenario on conn.
func (e *Executor) Execute(ctx context.Context, conn *pool.PooledConnection, scenario model.ScenarioID) (model.QuerySample, error) {
	op, err := e.Plan(scenario)
	if err != nil {
		return model.QuerySample{}, err
	}
	return e.Run(ctx, conn, op), nil
}

// Dispatch acquires a connection to endpoint, runs op and releases the
// connection. Acquire failures are reported as samples too.
func (e *Executor) Dispatch(ctx context.Context, p *pool.Pool, endpoint string, op Op) model.QuerySample {
	start := time.Now()
	conn, err := p.Acquire(ctx, endpoint)
	if err != nil {
		return model.QuerySample{
			Scenario:  op.Scenario,
			Endpoint:  endpoint,
			StartedAt: start,
			Latency:   time.Since(start),
			ErrorKind: Classify(err),
		}
	}
	sample := e.Run(ctx, conn, op)
	p.Release(conn, sample.Success || sample.ErrorKind == model.KindQuery)
	sample.StartedAt = start
	sample.Latency = time.Since(start)
	return sample
}

// Classify maps an error from the pool or a driver to its ErrorKind.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.KindNone
	}
	switch {
	case errors.Is(err, model.ErrPoolExhausted):
		return model.KindPoolExhausted
	case errors.Is(err, model.ErrConnect), errors.Is(err, model.ErrPoolClosed):
		return model.KindConnect
	case errors.Is(err, model.ErrChecksumMismatch):
		return model.KindChecksumMismatch
	case errors.Is(err, model.ErrReplicationTimeout):
		return model.KindReplicationTimeout
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return model.KindTimeout
	case errors.Is(err, context.Canceled):
		return model.KindCanceled
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow:
			return model.KindConnect
		case pgErr.Code == pgerrcode.QueryCanceled:
			return model.KindTimeout
		}
		return model.KindQuery
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return model.KindTimeout
		}
		return model.KindConnect
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return model.KindConnect
	}
	return model.KindQuery
}
