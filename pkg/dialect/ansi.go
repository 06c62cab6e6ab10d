package dialect

import (
	"context"
	"strings"
)

// ANSI is the fallback for engines without a registered dialect. It only
// supports plain inserts.
type ANSI struct{}

func (ANSI) Name() string { return "ansi" }

func (ANSI) QuoteIdent(name string) string { return quoteWith(name, `"`, `"`) }

func (ANSI) Placeholder(int) string { return "?" }

func (d ANSI) InsertStatement(table string, cols, keys []string, policy ConflictPolicy) (string, error) {
	if policy != Insert {
		return "", ErrPolicyUnsupported
	}
	return plainInsert(d, "INSERT", table, cols), nil
}

func (d ANSI) PrimaryKey(ctx context.Context, q Querier, table string) ([]string, error) {
	return infoSchemaPrimaryKey(ctx, d, q, strings.ToLower(table), "CURRENT_SCHEMA")
}

func (ANSI) IdentityColumns(context.Context, Querier, string) (map[string]IdentityMode, error) {
	return nil, nil
}

func (ANSI) IdentityOverride(string, map[string]IdentityMode) Override { return Override{} }

func (ANSI) IsConflict(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
