// Package dialect generates engine specific statements for loading rows
// and answers the identity column questions a load needs.
package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/localrivet/dbshift/pkg/capability"
)

type ConflictPolicy string

const (
	Insert         ConflictPolicy = "insert"
	InsertOrUpdate ConflictPolicy = "insert_or_update"
	InsertOrIgnore ConflictPolicy = "insert_or_ignore"
)

var (
	ErrPolicyUnsupported = errors.New("conflict policy not supported by dialect")
	ErrKeysRequired      = errors.New("conflict policy requires key columns")
)

// ParsePolicy accepts the policy names in either case; the empty string
// is Insert.
func ParsePolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Insert:
		return Insert, nil
	case InsertOrUpdate:
		return InsertOrUpdate, nil
	case InsertOrIgnore:
		return InsertOrIgnore, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// IdentityMode tells how a target column generates its values.
type IdentityMode string

const (
	// IdentityAlways columns reject explicit values unless overridden.
	IdentityAlways IdentityMode = "always"
	// IdentityDefault columns generate a value only when none is supplied.
	IdentityDefault IdentityMode = "default"
)

// Override holds the statements that let explicit values into identity
// columns. Before runs ahead of the first row; After runs once the load
// is over, whether or not it succeeded.
type Override struct {
	Before []string
	After  []string
}

func (o Override) Empty() bool {
	return len(o.Before) == 0 && len(o.After) == 0
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Dialect interface {
	Name() string
	QuoteIdent(name string) string
	// Placeholder returns the bind marker for the n-th argument, 1-based.
	Placeholder(n int) string
	InsertStatement(table string, cols, keys []string, policy ConflictPolicy) (string, error)
	PrimaryKey(ctx context.Context, q Querier, table string) ([]string, error)
	IdentityColumns(ctx context.Context, q Querier, table string) (map[string]IdentityMode, error)
	// IdentityOverride receives the overridden columns with their target
	// identity mode.
	IdentityOverride(table string, cols map[string]IdentityMode) Override
	IsConflict(err error) bool
}

// Resolver returns a capability resolver holding the built in dialects.
// Version specific registrations enable upsert and identity support.
func Resolver() *capability.Resolver[Dialect] {
	r := capability.NewResolver[Dialect]("dialect")

	r.Register(capability.NewSignature("PostgreSQL", ""), &Postgres{})
	r.Register(capability.NewSignature("PostgreSQL", "", 9, 5), &Postgres{Upsert: true})
	r.Register(capability.NewSignature("PostgreSQL", "", 10, 0), &Postgres{Upsert: true, Identity: true})

	r.Register(capability.NewSignature("MySQL", ""), &MySQL{})
	r.Register(capability.NewSignature("MariaDB", ""), &MySQL{})

	r.Register(capability.NewSignature("SQLite", ""), &SQLite{})
	r.Register(capability.NewSignature("SQLite", "", 3, 24), &SQLite{Upsert: true})

	r.Register(capability.NewSignature("Microsoft SQL Server", ""), &SQLServer{})
	return r
}

func quoteWith(name, open, close string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = open + strings.ReplaceAll(p, close, close+close) + close
	}
	return strings.Join(parts, ".")
}

// splitTable separates an optional schema from a table name.
func splitTable(table string) (schema, name string) {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

func plainInsert(d Dialect, verb, table string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
		marks[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, d.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

func nonKeyColumns(cols, keys []string) []string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var out []string
	for _, c := range cols {
		if !isKey[c] {
			out = append(out, c)
		}
	}
	return out
}

func quoteAll(d Dialect, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.QuoteIdent(c)
	}
	return out
}

func scanStrings(rows *sql.Rows) ([]string, error) {
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

// infoSchemaPrimaryKey reads primary key columns from information_schema.
// schemaExpr is used when the table name is unqualified.
func infoSchemaPrimaryKey(ctx context.Context, d Dialect, q Querier, table, schemaExpr string) ([]string, error) {
	schema, name := splitTable(table)
	query := fmt.Sprintf(`SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = COALESCE(NULLIF(%s, ''), %s)
  AND tc.table_name = %s
ORDER BY kcu.ordinal_position`, d.Placeholder(1), schemaExpr, d.Placeholder(2))

	rows, err := q.QueryContext(ctx, query, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}
	return scanStrings(rows)
}
