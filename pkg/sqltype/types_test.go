package sqltype

import "testing"

func TestRegistryNameOf(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		code int
		want string
	}{
		{VarChar, "VARCHAR"},
		{BigInt, "BIGINT"},
		{TimestampWithTimezone, "TIMESTAMP_WITH_TIMEZONE"},
		{-155, "TYPE:-155"},
		{99999, "TYPE:99999"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := r.NameOf(tt.code); got != tt.want {
				t.Errorf("NameOf(%d) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestRegistryAddTypeCodeName(t *testing.T) {
	r := NewRegistry()
	r.AddTypeCodeName(-155, "DATETIMEOFFSET")

	if got := r.NameOf(-155); got != "DATETIMEOFFSET" {
		t.Errorf("expected DATETIMEOFFSET, got %s", got)
	}
	if !r.Known(-155) {
		t.Error("expected -155 to be known after registration")
	}

	// other registries are unaffected
	if got := NewRegistry().NameOf(-155); got != "TYPE:-155" {
		t.Errorf("expected fresh registry to synthesize name, got %s", got)
	}
}

func TestClassification(t *testing.T) {
	if !IsNumeric(Decimal) || !IsNumeric(TinyInt) || !IsNumeric(Double) {
		t.Error("expected numeric codes to be numeric")
	}
	if IsNumeric(VarChar) || IsNumeric(Date) {
		t.Error("expected non numeric codes to be rejected")
	}
	if !IsBinary(Blob) || IsBinary(Clob) {
		t.Error("binary classification mismatch")
	}
	if !IsTemporal(Timestamp) || IsTemporal(BigInt) {
		t.Error("temporal classification mismatch")
	}
	if code, ok := ByName("NVARCHAR"); !ok || code != NVarChar {
		t.Errorf("ByName(NVARCHAR) = %d, %v", code, ok)
	}
}
