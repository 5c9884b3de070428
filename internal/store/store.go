// Package store owns the benchmark schema and the administrative queries the
// harness runs outside the measured path: seeding, probe cleanup, server
// statistics and replication status.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"go.uber.org/zap"
)

const defaultMaxConnections = 4

type Store struct {
	rwDBPool  *pgxpool.Pool
	roDBPool  *pgxpool.Pool
	Logger    *zap.Logger
	closeOnce sync.Once
}

// Open connects to the primary and, when given, one replica. Without a
// replica the read-only queries run on the primary.
func Open(ctx context.Context, primary model.Endpoint, replica *model.Endpoint, logger *zap.Logger) (*Store, error) {
	rw, err := openPool(ctx, primary, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{rwDBPool: rw, roDBPool: rw, Logger: logger}
	if replica != nil {
		ro, err := openPool(ctx, *replica, logger)
		if err != nil {
			rw.Close()
			return nil, err
		}
		s.roDBPool = ro
	}
	return s, nil
}

func openPool(ctx context.Context, ep model.Endpoint, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(ep.DSN())
	if err != nil {
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	config.MaxConns = defaultMaxConnections
	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	logger.Info("established store connection", zap.String("endpoint", ep.Name),
		zap.String("host", config.ConnConfig.Host), zap.Bool("tls", ep.EnableTLS))
	return p, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.roDBPool != nil && s.roDBPool != s.rwDBPool {
			s.roDBPool.Close()
		}
		if s.rwDBPool != nil {
			s.rwDBPool.Close()
		}
	})
}

var countLoadRowsQuery = `SELECT count(*) FROM bench_load`

var seedQuery = `INSERT INTO bench_load (payload)
    SELECT 'seed-' || g FROM generate_series(1, $1::int) AS g`

// Seed tops bench_load up to rows rows and returns how many were inserted.
func (s *Store) Seed(ctx context.Context, rows int) (int64, error) {
	var existing int64
	if err := s.rwDBPool.QueryRow(ctx, countLoadRowsQuery).Scan(&existing); err != nil {
		return 0, err
	}
	missing := int64(rows) - existing
	if missing <= 0 {
		return 0, nil
	}
	tag, err := s.rwDBPool.Exec(ctx, seedQuery, missing)
	if err != nil {
		return 0, err
	}
	s.Logger.Info("seeded bench_load", zap.Int64("inserted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

var purgeProbesQuery = `DELETE FROM rw_probe WHERE created_at < now() - make_interval(secs => $1)`

// PurgeProbes removes probe rows left behind by earlier runs.
func (s *Store) PurgeProbes(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.rwDBPool.Exec(ctx, purgeProbesQuery, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var serverStatsQuery = `SELECT
    (SELECT count(*) FROM pg_stat_activity WHERE datname = current_database()),
    (SELECT count(*) FROM pg_stat_activity WHERE datname = current_database() AND state = 'active'),
    (SELECT xact_commit + xact_rollback FROM pg_stat_database WHERE datname = current_database())`

// ServerStats reads session and transaction counters from the primary and,
// when a replica is attached, its replay lag.
func (s *Store) ServerStats(ctx context.Context) (model.ServerSample, error) {
	sample := model.ServerSample{Timestamp: time.Now()}
	err := s.rwDBPool.QueryRow(ctx, serverStatsQuery).
		Scan(&sample.Connections, &sample.ActiveConnections, &sample.Transactions)
	if err != nil {
		return sample, fmt.Errorf("read server statistics: %w", err)
	}
	if s.roDBPool != s.rwDBPool {
		lag, err := s.ReplicationLag(ctx)
		if err != nil {
			return sample, fmt.Errorf("read replica lag: %w", err)
		}
		sample.ReplicationLag = &lag
	}
	return sample, nil
}

var replicationLagQuery = `SELECT COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)::float8`

// ReplicationLag is the replay delay reported by the replica itself. It is
// zero when the read-only pool points at a primary.
func (s *Store) ReplicationLag(ctx context.Context) (time.Duration, error) {
	var seconds float64
	if err := s.roDBPool.QueryRow(ctx, replicationLagQuery).Scan(&seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

type ReplicaStatus struct {
	ServerID    string    `json:"serverID"`
	SessionID   string    `json:"sessionID"`
	LastUpdated time.Time `json:"lastUpdated"`
}

var replicaStatusQuery = `SELECT SERVER_ID, SESSION_ID, LAST_UPDATE_TIMESTAMP FROM aurora_replica_status()
     WHERE EXTRACT(EPOCH FROM(NOW() - LAST_UPDATE_TIMESTAMP)) <= 300 OR SESSION_ID = 'MASTER_SESSION_ID'
     ORDER BY LAST_UPDATE_TIMESTAMP DESC`

var streamingReplicasQuery = `SELECT COALESCE(application_name, ''), pid::text, COALESCE(reply_time, now())
     FROM pg_stat_replication ORDER BY application_name`

// GetReplicaStatus lists the cluster's replicas. Outside Aurora it falls back
// to pg_stat_replication on the primary.
func (s *Store) GetReplicaStatus(ctx context.Context) ([]ReplicaStatus, error) {
	list, err := s.queryReplicaStatus(ctx, replicaStatusQuery)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedFunction {
		s.Logger.Debug("aurora_replica_status unavailable, using pg_stat_replication")
		return s.queryReplicaStatus(ctx, streamingReplicasQuery)
	}
	return list, err
}

func (s *Store) queryReplicaStatus(ctx context.Context, query string) ([]ReplicaStatus, error) {
	rows, err := s.rwDBPool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReplicaStatus, error) {
		var rs ReplicaStatus
		err := row.Scan(&rs.ServerID, &rs.SessionID, &rs.LastUpdated)
		return rs, err
	})
	if err != nil {
		return nil, fmt.Errorf("replica status: %w", err)
	}
	return list, nil
}
