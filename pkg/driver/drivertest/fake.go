// Package drivertest provides an in-memory driver with scripted latency,
// replication lag and failures for exercising the engine without a database.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/model"
)

var ErrEndpointDown = errors.New("drivertest: connection refused")

type probeRow struct {
	payload   string
	checksum  string
	visibleAt time.Time
}

type session struct {
	id       int
	endpoint model.Endpoint
	closed   bool
}

// Fake is safe for concurrent use. Probe rows written on a primary session
// become visible to replica sessions after ReplicationLag.
type Fake struct {
	Latency        time.Duration
	ReplicationLag time.Duration
	// CorruptReplica makes replicas return a payload that no longer matches
	// its stored checksum.
	CorruptReplica bool
	// QueryError, when set, is consulted before each statement.
	QueryError func(ep model.Endpoint, stmt string) error

	mu       sync.Mutex
	nextID   int
	open     int
	peakOpen int
	connects int
	executes int
	down     map[string]bool
	rows     map[string]probeRow
	lagFor   map[string]time.Duration
}

func New() *Fake {
	return &Fake{
		down:   make(map[string]bool),
		rows:   make(map[string]probeRow),
		lagFor: make(map[string]time.Duration),
	}
}

func (f *Fake) SetDown(endpoint string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[endpoint] = down
}

// SetProbeLag overrides the replication lag for one probe id.
func (f *Fake) SetProbeLag(probeID string, lag time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lagFor[probeID] = lag
}

func (f *Fake) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *Fake) PeakOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peakOpen
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Executes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executes
}

func (f *Fake) ProbeRows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *Fake) Connect(ctx context.Context, ep model.Endpoint) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[ep.Name] {
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: ErrEndpointDown}
	}
	f.nextID++
	f.open++
	f.connects++
	if f.open > f.peakOpen {
		f.peakOpen = f.open
	}
	return &session{id: f.nextID, endpoint: ep}, nil
}

func (f *Fake) Close(_ context.Context, s driver.Session) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("drivertest: unexpected session type %T", s)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess.closed {
		return errors.New("drivertest: session already closed")
	}
	sess.closed = true
	f.open--
	return nil
}

func (f *Fake) Execute(ctx context.Context, s driver.Session, stmt string, args ...any) (driver.Rows, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("drivertest: unexpected session type %T", s)
	}
	if f.Latency > 0 {
		timer := time.NewTimer(f.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes++
	if sess.closed {
		return nil, errors.New("drivertest: session closed")
	}
	if f.down[sess.endpoint.Name] {
		return nil, ErrEndpointDown
	}
	if f.QueryError != nil {
		if err := f.QueryError(sess.endpoint, stmt); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	switch {
	case strings.HasPrefix(stmt, "INSERT INTO rw_probe"):
		if sess.endpoint.Role != model.RolePrimary {
			return nil, errors.New("drivertest: cannot execute INSERT in a read-only transaction")
		}
		id := fmt.Sprint(args[0])
		lag := f.ReplicationLag
		if l, ok := f.lagFor[id]; ok {
			lag = l
		}
		f.rows[id] = probeRow{payload: fmt.Sprint(args[1]), checksum: fmt.Sprint(args[2]), visibleAt: now.Add(lag)}
		return &rows{}, nil
	case strings.HasPrefix(stmt, "SELECT payload, checksum FROM rw_probe"):
		row, ok := f.rows[fmt.Sprint(args[0])]
		if !ok {
			return &rows{}, nil
		}
		if sess.endpoint.Role == model.RoleReplica {
			if now.Before(row.visibleAt) {
				return &rows{}, nil
			}
			if f.CorruptReplica {
				row.payload += "~"
			}
		}
		return &rows{data: [][]any{{row.payload, row.checksum}}}, nil
	case strings.HasPrefix(stmt, "DELETE FROM rw_probe"):
		delete(f.rows, fmt.Sprint(args[0]))
		return &rows{}, nil
	case strings.HasPrefix(stmt, "INSERT"), strings.HasPrefix(stmt, "UPDATE"):
		if sess.endpoint.Role != model.RolePrimary {
			return nil, errors.New("drivertest: cannot execute write in a read-only transaction")
		}
		return &rows{}, nil
	}
	return &rows{data: [][]any{{int64(1), "row"}}}, nil
}

type rows struct {
	data [][]any
	pos  int
	err  error
}

func (r *rows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.data) {
		return errors.New("drivertest: scan called without a row")
	}
	row := r.data[r.pos-1]
	for i := range dest {
		if i >= len(row) {
			break
		}
		switch d := dest[i].(type) {
		case *string:
			*d = fmt.Sprint(row[i])
		case *int64:
			v, ok := row[i].(int64)
			if !ok {
				return fmt.Errorf("drivertest: column %d is %T", i, row[i])
			}
			*d = v
		case *any:
			*d = row[i]
		default:
			return fmt.Errorf("drivertest: unsupported scan target %T", dest[i])
		}
	}
	return nil
}

func (r *rows) Err() error {
	return r.err
}

func (r *rows) Close() {}
