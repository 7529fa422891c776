// Package common provides shared types and interfaces for database sessions
package common

import (
	"context"
	"database/sql"
	"io"
)

// Querier is the subset of *sql.DB, *sql.Conn and *sql.Tx used for catalog
// reads and statement execution.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BulkCopier moves whole table contents through the server's COPY channel.
// The byte format is owned by the server and is never inspected.
type BulkCopier interface {
	// CopyOut streams every row of table (an already quoted, qualified name) to w
	CopyOut(ctx context.Context, w io.Writer, table string) (int64, error)

	// CopyIn loads the stream produced by CopyOut into table
	CopyIn(ctx context.Context, r io.Reader, table string) (int64, error)
}

// Session is one physical connection. Transaction control is explicit so
// that the orchestrator which began a transaction is the only one ending it.
type Session interface {
	Querier
	BulkCopier

	// Begin opens a transaction with the given characteristics
	Begin(ctx context.Context, opts TxOptions) error

	// Commit commits the open transaction
	Commit(ctx context.Context) error

	// Rollback aborts the open transaction; it is a no-op without one
	Rollback(ctx context.Context) error

	// Close releases the connection
	Close() error
}

// TxOptions describes the transaction started by Session.Begin
type TxOptions struct {
	// Serializable selects ISOLATION LEVEL SERIALIZABLE
	Serializable bool

	// ReadOnly marks the transaction READ ONLY
	ReadOnly bool
}

// SessionOptions configures a new session
type SessionOptions struct {
	// ReadOnly makes every transaction on the session read only,
	// including implicit autocommit statements
	ReadOnly bool
}

// Connector opens sessions against one database
type Connector interface {
	// Name returns the connector name (e.g. "postgresql")
	Name() string

	// Open establishes a new session
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}
