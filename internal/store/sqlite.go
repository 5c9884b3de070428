package store

import (
	"context"
	"fmt"

	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/model"
)

// sqliteSchema mirrors the postgres migrations for local runs against a
// sqlite file.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS bench_load (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    payload    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS rw_probe (
    probe_id   TEXT PRIMARY KEY,
    payload    TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    written_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
}

var sqliteSeedQuery = `WITH RECURSIVE g(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM g WHERE n < $1)
    INSERT INTO bench_load (payload) SELECT 'seed-' || n FROM g`

// BootstrapSQLite creates the schema on the endpoint's sqlite file and tops
// bench_load up to rows rows.
func BootstrapSQLite(ctx context.Context, d driver.Driver, ep model.Endpoint, rows int) error {
	s, err := d.Connect(ctx, ep)
	if err != nil {
		return err
	}
	defer d.Close(ctx, s)

	for _, stmt := range sqliteSchema {
		if err := exec(ctx, d, s, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	r, err := d.Execute(ctx, s, countLoadRowsQuery)
	if err != nil {
		return err
	}
	var existing int64
	if r.Next() {
		err = r.Scan(&existing)
	}
	r.Close()
	if err != nil {
		return err
	}
	if missing := int64(rows) - existing; missing > 0 {
		if err := exec(ctx, d, s, sqliteSeedQuery, missing); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return nil
}

func exec(ctx context.Context, d driver.Driver, s driver.Session, stmt string, args ...any) error {
	rows, err := d.Execute(ctx, s, stmt, args...)
	if err != nil {
		return err
	}
	return driver.Drain(rows)
}
