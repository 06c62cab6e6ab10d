package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/localrivet/dbshift/pkg/sqltype"
	"github.com/localrivet/dbshift/pkg/value"
)

func classifyPostgres(name string) int {
	if strings.HasPrefix(name, "_") {
		return sqltype.Array
	}
	switch name {
	case "INT2", "SMALLINT":
		return sqltype.SmallInt
	case "INT4", "INTEGER", "INT", "SERIAL":
		return sqltype.Integer
	case "INT8", "BIGINT", "BIGSERIAL", "OID":
		return sqltype.BigInt
	case "FLOAT4", "REAL":
		return sqltype.Real
	case "FLOAT8", "DOUBLE PRECISION":
		return sqltype.Double
	case "NUMERIC", "DECIMAL":
		return sqltype.Numeric
	case "BOOL", "BOOLEAN":
		return sqltype.Boolean
	case "BPCHAR", "CHAR", "CHARACTER":
		return sqltype.Char
	case "VARCHAR", "CHARACTER VARYING", "NAME":
		return sqltype.VarChar
	case "TEXT", "CITEXT":
		return sqltype.LongVarChar
	case "BYTEA":
		return sqltype.LongVarBinary
	case "DATE":
		return sqltype.Date
	case "TIME":
		return sqltype.Time
	case "TIMETZ":
		return sqltype.TimeWithTimezone
	case "TIMESTAMP":
		return sqltype.Timestamp
	case "TIMESTAMPTZ":
		return sqltype.TimestampWithTimezone
	case "XML":
		return sqltype.SQLXML
	case "UUID", "JSON", "JSONB", "MONEY", "INET", "CIDR", "MACADDR", "INTERVAL", "BIT", "VARBIT", "TSVECTOR":
		return sqltype.Other
	case "RECORD":
		return sqltype.Struct
	}
	return sqltype.Other
}

// postgresRegistry handles time with time zone, which the drivers return
// in PostgreSQL's own text form ("13:45:00.5+02").
func postgresRegistry(base *Registry) *Registry {
	r := base.Clone()
	r.RegisterReader(sqltype.TimeWithTimezone, "TIMETZ", func(cur Cursor, pos int) (value.Value, error) {
		raw := cur.Value(pos)
		var s string
		switch x := raw.(type) {
		case nil:
			return value.Null(sqltype.TimeWithTimezone), nil
		case time.Time:
			return value.Time(sqltype.TimeWithTimezone, x), nil
		case []byte:
			s = string(x)
		case string:
			s = x
		default:
			return value.Value{}, unexpected(sqltype.TimeWithTimezone, raw)
		}
		for _, layout := range []string{"15:04:05.999999999-07", "15:04:05.999999999-07:00", "15:04:05.999999999-07:00:00"} {
			if t, err := time.Parse(layout, s); err == nil {
				return value.Time(sqltype.TimeWithTimezone, t), nil
			}
		}
		return value.Value{}, fmt.Errorf("invalid time with time zone %q", s)
	})
	r.RegisterWriter(sqltype.TimeWithTimezone, "TIMETZ", func(stmt Statement, pos int, v value.Value) error {
		stmt.Bind(pos, v.Time().Format("15:04:05.999999999-07:00"))
		return nil
	})
	return r
}

func classifyMySQL(name string) int {
	switch name {
	case "BIT":
		return sqltype.Bit
	case "TINYINT":
		return sqltype.TinyInt
	case "SMALLINT", "YEAR":
		return sqltype.SmallInt
	case "MEDIUMINT", "INT", "INTEGER":
		return sqltype.Integer
	case "BIGINT":
		return sqltype.BigInt
	case "FLOAT":
		return sqltype.Real
	case "DOUBLE", "REAL":
		return sqltype.Double
	case "DECIMAL", "NUMERIC":
		return sqltype.Decimal
	case "CHAR":
		return sqltype.Char
	case "VARCHAR", "ENUM", "SET":
		return sqltype.VarChar
	case "TINYTEXT", "TEXT", "MEDIUMTEXT", "LONGTEXT", "JSON":
		return sqltype.LongVarChar
	case "BINARY":
		return sqltype.Binary
	case "VARBINARY":
		return sqltype.VarBinary
	case "TINYBLOB", "BLOB", "MEDIUMBLOB", "LONGBLOB", "GEOMETRY", "POINT", "LINESTRING", "POLYGON":
		return sqltype.LongVarBinary
	case "DATE":
		return sqltype.Date
	case "TIME":
		return sqltype.Time
	case "DATETIME", "TIMESTAMP":
		return sqltype.Timestamp
	case "BOOL", "BOOLEAN":
		return sqltype.Boolean
	}
	return sqltype.Other
}

// mysqlRegistry reads BIT(n) as the big endian bytes the driver returns.
// The payload of b'00110001 00110010' is "12" in ASCII but means 12594.
func mysqlRegistry(base *Registry) *Registry {
	r := base.Clone()
	r.RegisterReader(sqltype.Bit, "BIT", func(cur Cursor, pos int) (value.Value, error) {
		switch x := cur.Value(pos).(type) {
		case nil:
			return value.Null(sqltype.Bit), nil
		case []byte:
			return bigEndian(sqltype.Bit, x)
		case string:
			return bigEndian(sqltype.Bit, []byte(x))
		default:
			return toInt(sqltype.Bit, x)
		}
	})
	return r
}

// classifySQLite applies SQLite's column affinity rules to the declared type.
func classifySQLite(name string) int {
	switch {
	case name == "":
		return sqltype.Other
	case strings.Contains(name, "BOOL"):
		return sqltype.Boolean
	case strings.Contains(name, "INT"):
		return sqltype.BigInt
	case strings.Contains(name, "CHAR"), strings.Contains(name, "CLOB"), strings.Contains(name, "TEXT"):
		return sqltype.VarChar
	case strings.Contains(name, "BLOB"):
		return sqltype.Blob
	case strings.Contains(name, "REAL"), strings.Contains(name, "FLOA"), strings.Contains(name, "DOUB"):
		return sqltype.Double
	case name == "DATE":
		return sqltype.Date
	case strings.Contains(name, "DATE"), strings.Contains(name, "TIME"):
		return sqltype.Timestamp
	case strings.Contains(name, "DECIMAL"), strings.Contains(name, "NUMERIC"):
		return sqltype.Numeric
	}
	return sqltype.Other
}

func classifySQLServer(name string) int {
	switch name {
	case "BIT":
		return sqltype.Boolean
	case "TINYINT":
		return sqltype.TinyInt
	case "SMALLINT":
		return sqltype.SmallInt
	case "INT":
		return sqltype.Integer
	case "BIGINT":
		return sqltype.BigInt
	case "REAL":
		return sqltype.Real
	case "FLOAT":
		return sqltype.Double
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return sqltype.Decimal
	case "CHAR":
		return sqltype.Char
	case "VARCHAR":
		return sqltype.VarChar
	case "TEXT":
		return sqltype.LongVarChar
	case "NCHAR":
		return sqltype.NChar
	case "NVARCHAR":
		return sqltype.NVarChar
	case "NTEXT":
		return sqltype.LongNVarChar
	case "XML":
		return sqltype.SQLXML
	case "BINARY", "UNIQUEIDENTIFIER":
		return sqltype.Binary
	case "VARBINARY", "TIMESTAMP", "ROWVERSION":
		return sqltype.VarBinary
	case "IMAGE":
		return sqltype.LongVarBinary
	case "DATE":
		return sqltype.Date
	case "TIME":
		return sqltype.Time
	case "DATETIME", "DATETIME2", "SMALLDATETIME":
		return sqltype.Timestamp
	case "DATETIMEOFFSET":
		return sqltype.TimestampWithTimezone
	case "SQL_VARIANT":
		return sqltype.JavaObject
	}
	return sqltype.Other
}
