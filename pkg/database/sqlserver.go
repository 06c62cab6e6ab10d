package database

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/localrivet/dbshift/pkg/capability"
)

const ProductSQLServer = "Microsoft SQL Server"

type SQLServerDriver struct {
	sqlDriver
	cfg Config
}

func NewSQLServerDriver(cfg Config) (*SQLServerDriver, error) {
	s := &SQLServerDriver{cfg: cfg}
	s.driverName = "sqlserver"
	s.dsn = s.ConnectionString()
	s.maxConns = cfg.MaxConns
	return s, nil
}

func (s *SQLServerDriver) Type() string {
	return "sqlserver"
}

func (s *SQLServerDriver) ConnectionString() string {
	if s.cfg.URL != "" {
		return s.cfg.URL
	}
	port := s.cfg.Port
	if port == 0 {
		port = 1433
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(s.cfg.User, s.cfg.Password),
		Host:     s.cfg.Host + ":" + strconv.Itoa(port),
		RawQuery: url.Values{"database": {s.cfg.Name}}.Encode(),
	}
	return u.String()
}

func (s *SQLServerDriver) Connect(ctx context.Context) error {
	return s.open(ctx)
}

// Version returns the product version, e.g. "16.0.1000.6".
func (s *SQLServerDriver) Version(ctx context.Context) (string, error) {
	v, err := s.queryString(ctx, "SELECT CAST(SERVERPROPERTY('ProductVersion') AS NVARCHAR(128))")
	if err != nil {
		return "", fmt.Errorf("failed to get sqlserver version: %w", err)
	}
	return v, nil
}

func (s *SQLServerDriver) Signature(ctx context.Context) (capability.Signature, error) {
	return signatureOf(ctx, ProductSQLServer, s.Version)
}

func (s *SQLServerDriver) Tables(ctx context.Context) ([]string, error) {
	tables, err := s.queryStrings(ctx, `SELECT TABLE_SCHEMA + '.' + TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_SCHEMA, TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}
