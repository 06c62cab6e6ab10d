package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/localrivet/dbshift/pkg/capability"
)

const (
	ProductMySQL   = "MySQL"
	ProductMariaDB = "MariaDB"
)

// MySQLDriver serves both MySQL and MariaDB; the product is told apart by
// the server version string.
type MySQLDriver struct {
	sqlDriver
	cfg Config
}

func NewMySQLDriver(cfg Config) (*MySQLDriver, error) {
	m := &MySQLDriver{cfg: cfg}
	m.driverName = "mysql"
	m.dsn = m.ConnectionString()
	m.maxConns = cfg.MaxConns
	return m, nil
}

func (m *MySQLDriver) Type() string {
	return "mysql"
}

func (m *MySQLDriver) ConnectionString() string {
	if m.cfg.URL != "" {
		return m.cfg.URL
	}
	port := m.cfg.Port
	if port == 0 {
		port = 3306
	}
	c := mysql.NewConfig()
	c.User = m.cfg.User
	c.Passwd = m.cfg.Password
	c.Net = "tcp"
	c.Addr = m.cfg.Host + ":" + strconv.Itoa(port)
	c.DBName = m.cfg.Name
	c.ParseTime = true
	return c.FormatDSN()
}

func (m *MySQLDriver) Connect(ctx context.Context) error {
	return m.open(ctx)
}

func (m *MySQLDriver) Version(ctx context.Context) (string, error) {
	v, err := m.queryString(ctx, "SELECT VERSION()")
	if err != nil {
		return "", fmt.Errorf("failed to get mysql version: %w", err)
	}
	return v, nil
}

func (m *MySQLDriver) Signature(ctx context.Context) (capability.Signature, error) {
	v, err := m.Version(ctx)
	if err != nil {
		return capability.Signature{}, err
	}
	product := ProductMySQL
	if strings.Contains(strings.ToLower(v), "mariadb") {
		product = ProductMariaDB
	}
	return capability.ParseSignature(product, v), nil
}

func (m *MySQLDriver) Tables(ctx context.Context) ([]string, error) {
	tables, err := m.queryStrings(ctx, `SELECT table_name FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}
