// Package sqltype holds the standard SQL type codes and a registry that
// names them.
package sqltype

import (
	"strconv"
	"sync"
)

// Standard SQL type codes, numbered the way most database drivers report them.
const (
	Bit                   = -7
	TinyInt               = -6
	SmallInt              = 5
	Integer               = 4
	BigInt                = -5
	Float                 = 6
	Real                  = 7
	Double                = 8
	Numeric               = 2
	Decimal               = 3
	Char                  = 1
	VarChar               = 12
	LongVarChar           = -1
	Date                  = 91
	Time                  = 92
	Timestamp             = 93
	Binary                = -2
	VarBinary             = -3
	LongVarBinary         = -4
	Null                  = 0
	Other                 = 1111
	JavaObject            = 2000
	Distinct              = 2001
	Struct                = 2002
	Array                 = 2003
	Blob                  = 2004
	Clob                  = 2005
	Ref                   = 2006
	DataLink              = 70
	Boolean               = 16
	RowID                 = -8
	NChar                 = -15
	NVarChar              = -9
	LongNVarChar          = -16
	NClob                 = 2011
	SQLXML                = 2009
	RefCursor             = 2012
	TimeWithTimezone      = 2013
	TimestampWithTimezone = 2014
)

var standardNames = map[int]string{
	Bit:                   "BIT",
	TinyInt:               "TINYINT",
	SmallInt:              "SMALLINT",
	Integer:               "INTEGER",
	BigInt:                "BIGINT",
	Float:                 "FLOAT",
	Real:                  "REAL",
	Double:                "DOUBLE",
	Numeric:               "NUMERIC",
	Decimal:               "DECIMAL",
	Char:                  "CHAR",
	VarChar:               "VARCHAR",
	LongVarChar:           "LONGVARCHAR",
	Date:                  "DATE",
	Time:                  "TIME",
	Timestamp:             "TIMESTAMP",
	Binary:                "BINARY",
	VarBinary:             "VARBINARY",
	LongVarBinary:         "LONGVARBINARY",
	Null:                  "NULL",
	Other:                 "OTHER",
	JavaObject:            "JAVA_OBJECT",
	Distinct:              "DISTINCT",
	Struct:                "STRUCT",
	Array:                 "ARRAY",
	Blob:                  "BLOB",
	Clob:                  "CLOB",
	Ref:                   "REF",
	DataLink:              "DATALINK",
	Boolean:               "BOOLEAN",
	RowID:                 "ROWID",
	NChar:                 "NCHAR",
	NVarChar:              "NVARCHAR",
	LongNVarChar:          "LONGNVARCHAR",
	NClob:                 "NCLOB",
	SQLXML:                "SQLXML",
	RefCursor:             "REF_CURSOR",
	TimeWithTimezone:      "TIME_WITH_TIMEZONE",
	TimestampWithTimezone: "TIMESTAMP_WITH_TIMEZONE",
}

// Registry maps type codes to display names. It is seeded with the standard
// codes; engine specific codes are added with AddTypeCodeName.
type Registry struct {
	mu    sync.RWMutex
	names map[int]string
}

func NewRegistry() *Registry {
	names := make(map[int]string, len(standardNames))
	for code, name := range standardNames {
		names[code] = name
	}
	return &Registry{names: names}
}

// NameOf never fails. Unknown codes are rendered as "TYPE:<code>".
func (r *Registry) NameOf(code int) string {
	r.mu.RLock()
	name, ok := r.names[code]
	r.mu.RUnlock()
	if ok {
		return name
	}
	return "TYPE:" + strconv.Itoa(code)
}

func (r *Registry) AddTypeCodeName(code int, name string) {
	r.mu.Lock()
	r.names[code] = name
	r.mu.Unlock()
}

func (r *Registry) Known(code int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[code]
	return ok
}

// NameOf looks up a standard code without a registry.
func NameOf(code int) string {
	if name, ok := standardNames[code]; ok {
		return name
	}
	return "TYPE:" + strconv.Itoa(code)
}

// ByName returns the standard code for a display name such as "VARCHAR".
func ByName(name string) (int, bool) {
	for code, n := range standardNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}
