package value

import (
	"fmt"

	"github.com/localrivet/dbshift/pkg/sqltype"
)

// Column describes one position of a row. Once a header is written the
// column list of an entry does not change.
type Column struct {
	Name      string `json:"name"`
	Code      int    `json:"type_code"`
	TypeName  string `json:"type_name,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Scale     int    `json:"scale,omitempty"`
	Nullable  bool   `json:"nullable"`
}

func (c Column) String() string {
	name := c.TypeName
	if name == "" {
		name = sqltype.NameOf(c.Code)
	}
	return fmt.Sprintf("%s %s", c.Name, name)
}

// Names returns the column names in order.
func Names(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// SameLayout reports whether two headers have the same names and type codes
// in the same order.
func SameLayout(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Code != b[i].Code {
			return false
		}
	}
	return true
}
