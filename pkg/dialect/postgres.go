package dialect

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// Postgres covers PostgreSQL. Upsert enables ON CONFLICT (9.5+); Identity
// enables identity column handling (10+).
type Postgres struct {
	Upsert   bool
	Identity bool
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) QuoteIdent(name string) string { return quoteWith(name, `"`, `"`) }

func (p *Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (p *Postgres) InsertStatement(table string, cols, keys []string, policy ConflictPolicy) (string, error) {
	stmt := plainInsert(p, "INSERT", table, cols)
	switch policy {
	case Insert:
		return stmt, nil
	case InsertOrIgnore:
		if !p.Upsert {
			return "", ErrPolicyUnsupported
		}
		return stmt + " ON CONFLICT DO NOTHING", nil
	case InsertOrUpdate:
		if !p.Upsert {
			return "", ErrPolicyUnsupported
		}
		if len(keys) == 0 {
			return "", ErrKeysRequired
		}
		target := strings.Join(quoteAll(p, keys), ", ")
		update := nonKeyColumns(cols, keys)
		if len(update) == 0 {
			return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", stmt, target), nil
		}
		sets := make([]string, len(update))
		for i, c := range update {
			q := p.QuoteIdent(c)
			sets[i] = q + " = EXCLUDED." + q
		}
		return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", stmt, target, strings.Join(sets, ", ")), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", policy)
}

func (p *Postgres) PrimaryKey(ctx context.Context, q Querier, table string) ([]string, error) {
	return infoSchemaPrimaryKey(ctx, p, q, table, "current_schema()")
}

// IdentityColumns reports identity columns by generation mode, and serial
// columns as IdentityDefault.
func (p *Postgres) IdentityColumns(ctx context.Context, q Querier, table string) (map[string]IdentityMode, error) {
	schema, name := splitTable(table)
	identity := "'NO'"
	generation := "NULL"
	if p.Identity {
		identity = "is_identity"
		generation = "identity_generation"
	}
	query := fmt.Sprintf(`SELECT column_name, %s, COALESCE(%s, ''), COALESCE(column_default, '')
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2`, identity, generation)

	rows, err := q.QueryContext(ctx, query, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity columns of %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]IdentityMode)
	for rows.Next() {
		var col, isIdentity, gen, def string
		if err := rows.Scan(&col, &isIdentity, &gen, &def); err != nil {
			return nil, err
		}
		switch {
		case isIdentity == "YES" && gen == "ALWAYS":
			out[col] = IdentityAlways
		case isIdentity == "YES":
			out[col] = IdentityDefault
		case strings.HasPrefix(def, "nextval("):
			out[col] = IdentityDefault
		}
	}
	return out, rows.Err()
}

// IdentityOverride relaxes GENERATED ALWAYS columns for the load and
// restores them afterwards. Every overridden column has its sequence moved
// past the loaded values.
func (p *Postgres) IdentityOverride(table string, cols map[string]IdentityMode) Override {
	t := p.QuoteIdent(table)
	var o Override
	for _, c := range slices.Sorted(maps.Keys(cols)) {
		q := p.QuoteIdent(c)
		if cols[c] == IdentityAlways {
			if !p.Identity {
				continue
			}
			o.Before = append(o.Before, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET GENERATED BY DEFAULT", t, q))
			o.After = append(o.After, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET GENERATED ALWAYS", t, q))
		}
		o.After = append(o.After,
			fmt.Sprintf("SELECT setval(pg_get_serial_sequence(%s, %s), COALESCE(MAX(%s), 0) + 1, false) FROM %s",
				pq.QuoteLiteral(t), pq.QuoteLiteral(c), q, t))
	}
	return o
}

func (p *Postgres) IsConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
