package query

import (
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Ordering is the requested sort order. A leading "-" selects descending.
type Ordering struct {
	Field      string
	Descending bool
	applicable bool
}

// ParseOrdering keeps the ordering only when its field is allowed.
func ParseOrdering(raw string, allowed []string) Ordering {
	field := strings.TrimLeft(raw, "-")
	return Ordering{
		Field:      field,
		Descending: strings.HasPrefix(raw, "-"),
		applicable: field != "" && lo.Contains(allowed, field),
	}
}

// Applicable reports whether the ordering should be applied.
func (o Ordering) Applicable() bool { return o.applicable }

// Sort orders records in place by the ordering field. Inapplicable orderings
// leave the slice untouched.
func (o Ordering) Sort(records []map[string]any) {
	if !o.applicable {
		return
	}
	slices.SortStableFunc(records, func(a, b map[string]any) int {
		c := compare(a[o.Field], b[o.Field])
		if o.Descending {
			return -c
		}
		return c
	})
}

// String renders the ordering the way it travels on the wire.
func (o Ordering) String() string {
	if o.Field == "" {
		return ""
	}
	if o.Descending {
		return "-" + o.Field
	}
	return o.Field
}

