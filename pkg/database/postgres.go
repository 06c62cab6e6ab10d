package database

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/localrivet/dbshift/pkg/capability"
)

const ProductPostgres = "PostgreSQL"

type PostgresDriver struct {
	sqlDriver
	cfg Config
}

// NewPostgresDriver uses lib/pq unless cfg.Driver selects "pgx".
func NewPostgresDriver(cfg Config) (*PostgresDriver, error) {
	driverName := "postgres"
	switch cfg.Driver {
	case "", "postgres", "pq":
	case "pgx":
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported postgres driver: %s", cfg.Driver)
	}

	p := &PostgresDriver{cfg: cfg}
	p.driverName = driverName
	p.dsn = p.ConnectionString()
	p.maxConns = cfg.MaxConns
	return p, nil
}

func (p *PostgresDriver) Type() string {
	return "postgres"
}

func (p *PostgresDriver) ConnectionString() string {
	if p.cfg.URL != "" {
		return p.cfg.URL
	}
	port := p.cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		p.cfg.User, p.cfg.Password, p.cfg.Host, port, p.cfg.Name)
}

func (p *PostgresDriver) Connect(ctx context.Context) error {
	return p.open(ctx)
}

// Version returns the server_version setting, e.g. "16.2 (Debian 16.2-1)".
func (p *PostgresDriver) Version(ctx context.Context) (string, error) {
	v, err := p.queryString(ctx, "SHOW server_version")
	if err != nil {
		return "", fmt.Errorf("failed to get postgres version: %w", err)
	}
	return v, nil
}

func (p *PostgresDriver) Signature(ctx context.Context) (capability.Signature, error) {
	return signatureOf(ctx, ProductPostgres, p.Version)
}

// Tables lists base tables outside the system schemas. Tables in the
// current schema are unqualified.
func (p *PostgresDriver) Tables(ctx context.Context) ([]string, error) {
	tables, err := p.queryStrings(ctx, `SELECT CASE WHEN table_schema = current_schema() THEN table_name ELSE table_schema || '.' || table_name END
FROM information_schema.tables
WHERE table_type = 'BASE TABLE' AND table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}
