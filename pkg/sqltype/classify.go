package sqltype

func IsInteger(code int) bool {
	switch code {
	case Bit, TinyInt, SmallInt, Integer, BigInt:
		return true
	}
	return false
}

func IsFloat(code int) bool {
	switch code {
	case Float, Real, Double:
		return true
	}
	return false
}

func IsExactNumeric(code int) bool {
	return code == Numeric || code == Decimal
}

// IsNumeric reports whether values of the code are rendered unquoted in SQL.
func IsNumeric(code int) bool {
	return IsInteger(code) || IsFloat(code) || IsExactNumeric(code)
}

func IsText(code int) bool {
	switch code {
	case Char, VarChar, LongVarChar, NChar, NVarChar, LongNVarChar, Clob, NClob, SQLXML, RowID, DataLink, Other:
		return true
	}
	return false
}

func IsLargeObject(code int) bool {
	switch code {
	case Blob, Clob, NClob, LongVarBinary, LongVarChar, LongNVarChar:
		return true
	}
	return false
}

func IsBinary(code int) bool {
	switch code {
	case Binary, VarBinary, LongVarBinary, Blob:
		return true
	}
	return false
}

func IsTemporal(code int) bool {
	switch code {
	case Date, Time, Timestamp, TimeWithTimezone, TimestampWithTimezone:
		return true
	}
	return false
}

func IsBoolean(code int) bool {
	return code == Boolean
}
