// Package capability selects per-engine behaviour (adapter sets, dialects,
// codecs) by database product and version.
package capability

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Signature identifies a database product. Empty ProductVersion and nil
// Major/Minor are unspecified and act as wildcards when registering.
type Signature struct {
	ProductName    string `json:"product_name" yaml:"product_name"`
	ProductVersion string `json:"product_version,omitempty" yaml:"product_version,omitempty"`
	Major          *int   `json:"major,omitempty" yaml:"major,omitempty"`
	Minor          *int   `json:"minor,omitempty" yaml:"minor,omitempty"`
}

// NewSignature builds a signature. nums holds the optional major and minor
// version numbers in that order.
func NewSignature(product, version string, nums ...int) Signature {
	sig := Signature{ProductName: product, ProductVersion: version}
	if len(nums) > 0 {
		major := nums[0]
		sig.Major = &major
	}
	if len(nums) > 1 {
		minor := nums[1]
		sig.Minor = &minor
	}
	return sig
}

var leadingVersion = regexp.MustCompile(`(\d+)(?:\.(\d+))?`)

// ParseSignature builds a fully specified signature from a product name and
// the version string an engine reports, e.g. "16.2 (Debian 16.2-1)" or
// "8.0.36-0ubuntu0.22.04.1". Major and minor are taken from the first
// dotted number in the string.
func ParseSignature(product, version string) Signature {
	sig := Signature{ProductName: product, ProductVersion: strings.TrimSpace(version)}
	m := leadingVersion.FindStringSubmatch(version)
	if m == nil {
		return sig
	}
	if major, err := strconv.Atoi(m[1]); err == nil {
		sig.Major = &major
	}
	if m[2] != "" {
		if minor, err := strconv.Atoi(m[2]); err == nil {
			sig.Minor = &minor
		}
	}
	return sig
}

func (s Signature) String() string {
	var b strings.Builder
	b.WriteString(s.ProductName)
	if s.ProductVersion != "" {
		fmt.Fprintf(&b, " %q", s.ProductVersion)
	}
	if s.Major != nil {
		fmt.Fprintf(&b, " %d", *s.Major)
		if s.Minor != nil {
			fmt.Fprintf(&b, ".%d", *s.Minor)
		}
	} else if s.Minor != nil {
		fmt.Fprintf(&b, " ?.%d", *s.Minor)
	}
	return b.String()
}

func (s Signature) specificity() int {
	switch {
	case s.Minor != nil:
		return 3
	case s.Major != nil:
		return 2
	case s.ProductVersion != "":
		return 1
	default:
		return 0
	}
}

func (s Signature) same(o Signature) bool {
	return s.ProductName == o.ProductName &&
		s.ProductVersion == o.ProductVersion &&
		compareOpt(s.Major, o.Major) == 0 &&
		compareOpt(s.Minor, o.Minor) == 0
}

// compareOpt orders optional ints with nil below every value.
func compareOpt(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

// compareVersion orders (major, minor) pairs lexicographically.
func compareVersion(a, b Signature) int {
	if c := compareOpt(a.Major, b.Major); c != 0 {
		return c
	}
	return compareOpt(a.Minor, b.Minor)
}
