package dialect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite covers SQLite. Upsert enables ON CONFLICT ... DO UPDATE (3.24+);
// older versions fall back to INSERT OR REPLACE.
type SQLite struct {
	Upsert bool
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) QuoteIdent(name string) string { return quoteWith(name, `"`, `"`) }

func (s *SQLite) Placeholder(int) string { return "?" }

func (s *SQLite) InsertStatement(table string, cols, keys []string, policy ConflictPolicy) (string, error) {
	switch policy {
	case Insert:
		return plainInsert(s, "INSERT", table, cols), nil
	case InsertOrIgnore:
		return plainInsert(s, "INSERT OR IGNORE", table, cols), nil
	case InsertOrUpdate:
		if !s.Upsert {
			return plainInsert(s, "INSERT OR REPLACE", table, cols), nil
		}
		if len(keys) == 0 {
			return "", ErrKeysRequired
		}
		stmt := plainInsert(s, "INSERT", table, cols)
		target := strings.Join(quoteAll(s, keys), ", ")
		update := nonKeyColumns(cols, keys)
		if len(update) == 0 {
			return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", stmt, target), nil
		}
		sets := make([]string, len(update))
		for i, c := range update {
			q := s.QuoteIdent(c)
			sets[i] = q + " = excluded." + q
		}
		return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", stmt, target, strings.Join(sets, ", ")), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", policy)
}

type sqliteColumn struct {
	name     string
	typeName string
	pk       int
}

func (s *SQLite) tableInfo(ctx context.Context, q Querier, table string) ([]sqliteColumn, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+s.QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("failed to read table info of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []sqliteColumn
	for rows.Next() {
		var (
			cid     int
			c       sqliteColumn
			notNull int
			dflt    any
		)
		if err := rows.Scan(&cid, &c.name, &c.typeName, &notNull, &dflt, &c.pk); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (s *SQLite) PrimaryKey(ctx context.Context, q Querier, table string) ([]string, error) {
	cols, err := s.tableInfo(ctx, q, table)
	if err != nil {
		return nil, err
	}
	var pk []sqliteColumn
	for _, c := range cols {
		if c.pk > 0 {
			pk = append(pk, c)
		}
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].pk < pk[j].pk })

	names := make([]string, len(pk))
	for i, c := range pk {
		names[i] = c.name
	}
	return names, nil
}

// IdentityColumns reports an INTEGER PRIMARY KEY rowid alias, which takes
// explicit values, as IdentityDefault.
func (s *SQLite) IdentityColumns(ctx context.Context, q Querier, table string) (map[string]IdentityMode, error) {
	cols, err := s.tableInfo(ctx, q, table)
	if err != nil {
		return nil, err
	}
	var pk []sqliteColumn
	for _, c := range cols {
		if c.pk > 0 {
			pk = append(pk, c)
		}
	}
	out := make(map[string]IdentityMode)
	if len(pk) == 1 && strings.EqualFold(pk[0].typeName, "INTEGER") {
		out[pk[0].name] = IdentityDefault
	}
	return out, nil
}

func (s *SQLite) IdentityOverride(string, map[string]IdentityMode) Override { return Override{} }

func (s *SQLite) IsConflict(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
