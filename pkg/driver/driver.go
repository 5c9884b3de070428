// Package driver defines the narrow database capability the engine runs on:
// open a session to an endpoint, execute a statement on it, close it.
package driver

import (
	"context"

	"github.com/kong/pg-aurora-bench/pkg/model"
)

// Session is one live connection to an endpoint. Its concrete type belongs to
// the Driver that created it.
type Session interface{}

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type Driver interface {
	Connect(ctx context.Context, ep model.Endpoint) (Session, error)
	Execute(ctx context.Context, s Session, stmt string, args ...any) (Rows, error)
	Close(ctx context.Context, s Session) error
}

// Drain reads rows to completion and reports the first error.
func Drain(rows Rows) error {
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}
