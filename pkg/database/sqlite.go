package database

import (
	"context"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/localrivet/dbshift/pkg/capability"
)

const ProductSQLite = "SQLite"

type SQLiteDriver struct {
	sqlDriver
	path     string
	readOnly bool
}

func NewSQLiteDriver(cfg Config) (*SQLiteDriver, error) {
	path := cfg.Path
	if path == "" {
		path = cfg.Name
	}

	if path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}

	s := &SQLiteDriver{path: path, readOnly: cfg.ReadOnly}
	s.driverName = "sqlite"
	s.dsn = path + "?_pragma=busy_timeout(5000)"
	if cfg.ReadOnly {
		s.dsn = path + "?mode=ro&_pragma=busy_timeout(5000)"
	}
	s.maxConns = cfg.MaxConns
	return s, nil
}

func (s *SQLiteDriver) Type() string {
	return "sqlite"
}

// Connect requires the file to exist when opened read only.
func (s *SQLiteDriver) Connect(ctx context.Context) error {
	if s.readOnly {
		if _, err := os.Stat(s.path); os.IsNotExist(err) {
			return fmt.Errorf("sqlite database file not found: %s", s.path)
		}
	}
	if err := s.open(ctx); err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return nil
}

func (s *SQLiteDriver) Version(ctx context.Context) (string, error) {
	v, err := s.queryString(ctx, "SELECT sqlite_version()")
	if err != nil {
		return "", fmt.Errorf("failed to get sqlite version: %w", err)
	}
	return v, nil
}

func (s *SQLiteDriver) Signature(ctx context.Context) (capability.Signature, error) {
	return signatureOf(ctx, ProductSQLite, s.Version)
}

func (s *SQLiteDriver) Tables(ctx context.Context) ([]string, error) {
	tables, err := s.queryStrings(ctx, `SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

func (s *SQLiteDriver) Path() string {
	return s.path
}
