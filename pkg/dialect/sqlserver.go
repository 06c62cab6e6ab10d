package dialect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
)

const (
	mssqlUniqueConstraint = 2627
	mssqlUniqueIndex      = 2601
)

// SQLServer covers Microsoft SQL Server. Upserts are written as MERGE.
type SQLServer struct{}

func (m *SQLServer) Name() string { return "sqlserver" }

func (m *SQLServer) QuoteIdent(name string) string { return quoteWith(name, "[", "]") }

func (m *SQLServer) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

func (m *SQLServer) InsertStatement(table string, cols, keys []string, policy ConflictPolicy) (string, error) {
	if policy == Insert {
		return plainInsert(m, "INSERT", table, cols), nil
	}
	if policy != InsertOrUpdate && policy != InsertOrIgnore {
		return "", fmt.Errorf("unknown conflict policy %q", policy)
	}
	if len(keys) == 0 {
		return "", ErrKeysRequired
	}

	quoted := quoteAll(m, cols)
	marks := make([]string, len(cols))
	source := make([]string, len(cols))
	for i := range cols {
		marks[i] = m.Placeholder(i + 1)
		source[i] = "source." + quoted[i]
	}
	on := make([]string, len(keys))
	for i, k := range keys {
		q := m.QuoteIdent(k)
		on[i] = fmt.Sprintf("target.%s = source.%s", q, q)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS target USING (VALUES (%s)) AS source (%s) ON %s",
		m.QuoteIdent(table), strings.Join(marks, ", "), strings.Join(quoted, ", "), strings.Join(on, " AND "))

	if update := nonKeyColumns(cols, keys); policy == InsertOrUpdate && len(update) > 0 {
		sets := make([]string, len(update))
		for i, c := range update {
			q := m.QuoteIdent(c)
			sets[i] = fmt.Sprintf("target.%s = source.%s", q, q)
		}
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", strings.Join(quoted, ", "), strings.Join(source, ", "))
	return b.String(), nil
}

func (m *SQLServer) PrimaryKey(ctx context.Context, q Querier, table string) ([]string, error) {
	return infoSchemaPrimaryKey(ctx, m, q, table, "SCHEMA_NAME()")
}

// IdentityColumns reports IDENTITY columns as IdentityAlways: SQL Server
// rejects explicit values unless IDENTITY_INSERT is on.
func (m *SQLServer) IdentityColumns(ctx context.Context, q Querier, table string) (map[string]IdentityMode, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM sys.identity_columns WHERE object_id = OBJECT_ID(@p1)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity columns of %s: %w", table, err)
	}
	cols, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]IdentityMode, len(cols))
	for _, c := range cols {
		out[c] = IdentityAlways
	}
	return out, nil
}

func (m *SQLServer) IdentityOverride(table string, cols map[string]IdentityMode) Override {
	if len(cols) == 0 {
		return Override{}
	}
	t := m.QuoteIdent(table)
	return Override{
		Before: []string{"SET IDENTITY_INSERT " + t + " ON"},
		After:  []string{"SET IDENTITY_INSERT " + t + " OFF"},
	}
}

func (m *SQLServer) IsConflict(err error) bool {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == mssqlUniqueConstraint || msErr.Number == mssqlUniqueIndex
	}
	return false
}
