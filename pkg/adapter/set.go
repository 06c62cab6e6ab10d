package adapter

import (
	"math"
	"strings"

	"github.com/localrivet/dbshift/pkg/capability"
	"github.com/localrivet/dbshift/pkg/sqltype"
	"github.com/localrivet/dbshift/pkg/value"
)

// ColumnMeta is the subset of *sql.ColumnType used to describe a column.
type ColumnMeta interface {
	Name() string
	DatabaseTypeName() string
	DecimalSize() (precision, scale int64, ok bool)
	Length() (length int64, ok bool)
	Nullable() (nullable, ok bool)
}

// Set is the adapter capability of one engine: how its type names map to
// type codes and which converters apply.
type Set struct {
	Name     string
	Registry *Registry

	classify func(typeName string) int
}

func NewSet(name string, registry *Registry, classify func(typeName string) int) *Set {
	return &Set{Name: name, Registry: registry, classify: classify}
}

// Classify maps an engine type name to a type code.
func (s *Set) Classify(typeName string) int {
	return s.classify(normalizeTypeName(typeName))
}

// Describe builds the column descriptor for a result set column.
func (s *Set) Describe(meta ColumnMeta) value.Column {
	col := value.Column{
		Name:     meta.Name(),
		TypeName: meta.DatabaseTypeName(),
		Nullable: true,
	}
	col.Code = s.Classify(col.TypeName)

	if p, sc, ok := meta.DecimalSize(); ok {
		col.Precision = clampInt(p)
		col.Scale = clampInt(sc)
	} else if l, ok := meta.Length(); ok {
		col.Precision = clampInt(l)
	}
	if n, ok := meta.Nullable(); ok {
		col.Nullable = n
	}
	return col
}

func (s *Set) Reader(desc value.Column) (ReadFunc, error) {
	return s.Registry.Reader(desc)
}

func (s *Set) Writer(desc value.Column) (WriteFunc, error) {
	return s.Registry.Writer(desc)
}

func clampInt(n int64) int {
	if n < 0 || n > math.MaxInt32 {
		return 0
	}
	return int(n)
}

// normalizeTypeName strips length arguments and modifiers:
// "varchar(255)" becomes "VARCHAR", "INT UNSIGNED" becomes "INT".
func normalizeTypeName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimPrefix(name, "UNSIGNED ")
	name = strings.TrimSuffix(name, " UNSIGNED")
	return name
}

// Resolver returns a capability resolver populated with the built in
// adapter sets for PostgreSQL, MySQL, MariaDB, SQLite and SQL Server.
func Resolver() *capability.Resolver[*Set] {
	r := capability.NewResolver[*Set]("adapter set")
	standard := Standard()

	pg := NewSet("postgres", postgresRegistry(standard), classifyPostgres)
	r.Register(capability.NewSignature("PostgreSQL", ""), pg)

	my := NewSet("mysql", mysqlRegistry(standard), classifyMySQL)
	r.Register(capability.NewSignature("MySQL", ""), my)
	r.Register(capability.NewSignature("MariaDB", ""), my)

	r.Register(capability.NewSignature("SQLite", ""), NewSet("sqlite", standard.Clone(), classifySQLite))
	r.Register(capability.NewSignature("Microsoft SQL Server", ""), NewSet("sqlserver", standard.Clone(), classifySQLServer))
	return r
}

// Generic is the fallback set for engines without a registration.
func Generic() *Set {
	return NewSet("generic", Standard(), classifyGeneric)
}

func classifyGeneric(name string) int {
	if code, ok := sqltype.ByName(name); ok {
		return code
	}
	switch name {
	case "INT":
		return sqltype.Integer
	case "TEXT", "STRING":
		return sqltype.LongVarChar
	case "DATETIME":
		return sqltype.Timestamp
	case "BOOL":
		return sqltype.Boolean
	case "BYTEA", "BLOB":
		return sqltype.Blob
	}
	return sqltype.Other
}
