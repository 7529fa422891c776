package postgresql

import (
	"context"
	"database/sql"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

// Session is a single connection taken out of a one-connection pool.
// Transaction control is issued as plain statements on the same connection
// so that COPY, which needs the raw pgx connection, runs inside it.
type Session struct {
	db   *sql.DB
	conn *sql.Conn
	inTx bool
}

// QueryContext runs a query on the session connection
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

// ExecContext runs a statement on the session connection
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

// Begin opens a transaction
func (s *Session) Begin(ctx context.Context, opts common.TxOptions) error {
	if s.inTx {
		return errors.New("transaction already open")
	}
	stmt := beginStatement(opts)
	if err := common.Exec(ctx, s.conn, stmt); err != nil {
		return err
	}
	s.inTx = true
	return nil
}

func beginStatement(opts common.TxOptions) string {
	var b strings.Builder
	b.WriteString("BEGIN")
	if opts.Serializable {
		b.WriteString(" ISOLATION LEVEL SERIALIZABLE")
	}
	if opts.ReadOnly {
		b.WriteString(" READ ONLY")
	}
	return b.String()
}

// Commit commits the open transaction
func (s *Session) Commit(ctx context.Context) error {
	if !s.inTx {
		return errors.New("no transaction open")
	}
	s.inTx = false
	return common.Exec(ctx, s.conn, "COMMIT")
}

// Rollback aborts the open transaction
func (s *Session) Rollback(ctx context.Context) error {
	if !s.inTx {
		return nil
	}
	s.inTx = false
	return common.Exec(ctx, s.conn, "ROLLBACK")
}

// CopyOut streams a table in binary COPY format
func (s *Session) CopyOut(ctx context.Context, w io.Writer, table string) (int64, error) {
	var rows int64
	err := s.withPgConn(func(c *stdlib.Conn) error {
		tag, err := c.Conn().PgConn().CopyTo(ctx, w, "COPY "+table+" TO STDOUT (FORMAT binary)")
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, &common.TransportError{Op: "copy out " + table, Err: err}
	}
	return rows, nil
}

// CopyIn loads a binary COPY stream into a table
func (s *Session) CopyIn(ctx context.Context, r io.Reader, table string) (int64, error) {
	var rows int64
	err := s.withPgConn(func(c *stdlib.Conn) error {
		tag, err := c.Conn().PgConn().CopyFrom(ctx, r, "COPY "+table+" FROM STDIN (FORMAT binary)")
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, &common.TransportError{Op: "copy in " + table, Err: err}
	}
	return rows, nil
}

func (s *Session) withPgConn(fn func(c *stdlib.Conn) error) error {
	return s.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errors.Errorf("unexpected driver connection type %T", driverConn)
		}
		return fn(c)
	})
}

// Close releases the connection, rolling back anything still open
func (s *Session) Close() error {
	if s.inTx {
		s.Rollback(context.Background())
	}
	err := s.conn.Close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
