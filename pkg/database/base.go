package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/localrivet/dbshift/pkg/capability"
)

var ErrNotConnected = errors.New("database not connected")

// sqlDriver holds the connection pool shared by the engine drivers.
type sqlDriver struct {
	driverName string
	dsn        string
	maxConns   int
	db         *sql.DB
}

func (d *sqlDriver) open(ctx context.Context) error {
	db, err := sql.Open(d.driverName, d.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.db = db
	return nil
}

func (d *sqlDriver) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *sqlDriver) Conn(ctx context.Context) (*sql.Conn, error) {
	if d.db == nil {
		return nil, ErrNotConnected
	}
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}

func (d *sqlDriver) Release(conn *sql.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (d *sqlDriver) queryString(ctx context.Context, query string) (string, error) {
	if d.db == nil {
		return "", ErrNotConnected
	}
	var s string
	if err := d.db.QueryRowContext(ctx, query).Scan(&s); err != nil {
		return "", err
	}
	return s, nil
}

func (d *sqlDriver) queryStrings(ctx context.Context, query string) ([]string, error) {
	if d.db == nil {
		return nil, ErrNotConnected
	}
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func signatureOf(ctx context.Context, product string, version func(context.Context) (string, error)) (capability.Signature, error) {
	v, err := version(ctx)
	if err != nil {
		return capability.Signature{}, err
	}
	return capability.ParseSignature(product, v), nil
}
