// Package postgresql provides the PostgreSQL session provider
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/supporttools/pgzipbackup/pkg/database/common"
)

// Provider implements common.Connector for PostgreSQL
type Provider struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ApplicationName is reported in pg_stat_activity
	ApplicationName string
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "postgresql"
}

// DSN returns the key/value connection string for the provider.
// An empty password is left out so that the driver can consult .pgpass.
func (p *Provider) DSN() string {
	parts := []string{
		kv("host", p.Host),
		kv("port", fmt.Sprintf("%d", p.Port)),
		kv("user", p.User),
		kv("dbname", p.Database),
	}
	if p.Password != "" {
		parts = append(parts, kv("password", p.Password))
	}
	if p.SSLMode != "" {
		parts = append(parts, kv("sslmode", p.SSLMode))
	}
	if p.ApplicationName != "" {
		parts = append(parts, kv("application_name", p.ApplicationName))
	}
	return strings.Join(parts, " ")
}

// kv renders one libpq keyword/value pair, quoting the value when needed
func kv(key, value string) string {
	if value != "" && !strings.ContainsAny(value, ` '\`) {
		return key + "=" + value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return key + "='" + escaped + "'"
}

// Open establishes a dedicated connection to the database
func (p *Provider) Open(ctx context.Context, opts common.SessionOptions) (common.Session, error) {
	db, err := sql.Open("pgx", p.DSN())
	if err != nil {
		return nil, &common.TransportError{Op: "failed to open PostgreSQL connection", Err: err}
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, &common.TransportError{Op: "failed to connect to PostgreSQL server", Err: err}
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, &common.TransportError{Op: "failed to ping PostgreSQL server", Err: err}
	}

	s := &Session{db: db, conn: conn}
	if opts.ReadOnly {
		if err := common.Exec(ctx, conn, "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Validate ensures the provider configuration is valid
func (p *Provider) Validate() error {
	if p.Host == "" {
		return errors.New("PostgreSQL host is required")
	}

	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid PostgreSQL port: %d", p.Port)
	}

	if p.User == "" {
		return errors.New("PostgreSQL user is required")
	}

	if p.Database == "" {
		return errors.New("PostgreSQL database is required")
	}

	return nil
}
