// Package database opens connections to the supported engines and reports
// the product signature used to pick adapters and dialects.
package database

import (
	"context"
	"database/sql"

	"github.com/localrivet/dbshift/pkg/capability"
)

// Driver provides connections to one database. Each dump or load worker
// takes its own *sql.Conn with Conn and hands it back with Release.
type Driver interface {
	Type() string
	Connect(ctx context.Context) error
	Close() error
	Version(ctx context.Context) (string, error)
	Signature(ctx context.Context) (capability.Signature, error)
	Conn(ctx context.Context) (*sql.Conn, error)
	Release(conn *sql.Conn) error
	Tables(ctx context.Context) ([]string, error)
}

type Config struct {
	Type     string
	Driver   string // database/sql driver override, e.g. "pgx"
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	URL      string
	Path     string // For SQLite file path
	ReadOnly bool
	MaxConns int
}
