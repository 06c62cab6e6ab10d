package dialect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlDupEntry        = 1062
	mysqlDupEntryWithKey = 1586
)

// MySQL covers MySQL and MariaDB.
type MySQL struct{}

func (m *MySQL) Name() string { return "mysql" }

func (m *MySQL) QuoteIdent(name string) string { return quoteWith(name, "`", "`") }

func (m *MySQL) Placeholder(int) string { return "?" }

func (m *MySQL) InsertStatement(table string, cols, keys []string, policy ConflictPolicy) (string, error) {
	switch policy {
	case Insert:
		return plainInsert(m, "INSERT", table, cols), nil
	case InsertOrIgnore:
		return plainInsert(m, "INSERT IGNORE", table, cols), nil
	case InsertOrUpdate:
		update := nonKeyColumns(cols, keys)
		if len(update) == 0 {
			update = cols[:1]
		}
		sets := make([]string, len(update))
		for i, c := range update {
			q := m.QuoteIdent(c)
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", q, q)
		}
		return plainInsert(m, "INSERT", table, cols) + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", policy)
}

func (m *MySQL) PrimaryKey(ctx context.Context, q Querier, table string) ([]string, error) {
	return infoSchemaPrimaryKey(ctx, m, q, table, "DATABASE()")
}

// IdentityColumns reports AUTO_INCREMENT columns. MySQL accepts explicit
// values for them, so they are never IdentityAlways.
func (m *MySQL) IdentityColumns(ctx context.Context, q Querier, table string) (map[string]IdentityMode, error) {
	schema, name := splitTable(table)
	rows, err := q.QueryContext(ctx, `SELECT column_name FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ? AND extra LIKE '%auto_increment%'`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity columns of %s: %w", table, err)
	}
	cols, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]IdentityMode, len(cols))
	for _, c := range cols {
		out[c] = IdentityDefault
	}
	return out, nil
}

func (m *MySQL) IdentityOverride(string, map[string]IdentityMode) Override { return Override{} }

func (m *MySQL) IsConflict(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDupEntry || myErr.Number == mysqlDupEntryWithKey
	}
	return false
}
