// Package query interprets the filtering, ordering and pagination fields an
// envelope carries for list-style handlers.
package query

import (
	"cmp"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/samber/lo/it"

	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
)

// Separator splits a filter key into field and operator, e.g. "age__gte".
const Separator = "__"

// Op is a filtering operator.
type Op string

const (
	OpLT       Op = "lt"
	OpLTE      Op = "lte"
	OpGT       Op = "gt"
	OpGTE      Op = "gte"
	OpExact    Op = "exact"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

// AllOps lists every supported operator.
var AllOps = []Op{OpLT, OpLTE, OpGT, OpGTE, OpExact, OpIn, OpContains}

// AllowedFilters maps a field to the operators a resource accepts for it.
type AllowedFilters map[string][]Op

// Filter is one applicable field/operator/value triple.
type Filter struct {
	Field string
	Op    Op
	Value json.RawMessage
}

// Decode unmarshals the filter value.
func (f Filter) Decode(v any) error {
	return jsoncodec.Unmarshal(f.Value, v)
}

// Filtering holds the requested filters of one message.
type Filtering struct {
	raw     map[string]json.RawMessage
	allowed AllowedFilters
}

// ParseFiltering decodes the filtering object. Absent or null input yields an
// empty filtering.
func ParseFiltering(raw json.RawMessage, allowed AllowedFilters) (*Filtering, error) {
	f := &Filtering{allowed: allowed}
	if jsoncodec.IsNull(raw) {
		return f, nil
	}
	if err := jsoncodec.Unmarshal(raw, &f.raw); err != nil {
		return nil, fmt.Errorf("filtering: %w", err)
	}
	return f, nil
}

// Seq lazily yields the applicable filters in field order. Requested filters
// on unknown fields or with disallowed operators are skipped. The sequence
// can be iterated any number of times.
func (f *Filtering) Seq() iter.Seq[Filter] {
	keys := slices.Sorted(it.Keys(f.raw))
	return it.FilterMap(slices.Values(keys), func(key string) (Filter, bool) {
		field, op := splitKey(key)
		if !lo.Contains(AllOps, op) || !lo.Contains(f.allowed[field], op) {
			return Filter{}, false
		}
		return Filter{Field: field, Op: op, Value: f.raw[key]}, true
	})
}

// ApplicableFilters materializes Seq.
func (f *Filtering) ApplicableFilters() []Filter {
	return slices.Collect(f.Seq())
}

// Empty reports whether no requested filter applies.
func (f *Filtering) Empty() bool {
	return it.IsEmpty(f.Seq())
}

// Matches evaluates every applicable filter against a decoded record. Values
// are compared as numbers when both sides are numeric, otherwise as strings.
func (f *Filtering) Matches(record map[string]any) bool {
	for filter := range f.Seq() {
		if !filter.matches(record[filter.Field]) {
			return false
		}
	}
	return true
}

func splitKey(key string) (string, Op) {
	field, op, found := strings.Cut(key, Separator)
	if !found {
		return key, OpExact
	}
	return field, Op(op)
}

func (f Filter) matches(actual any) bool {
	var want any
	if err := f.Decode(&want); err != nil {
		return false
	}
	switch f.Op {
	case OpExact:
		return compare(actual, want) == 0
	case OpLT:
		return bothSet(actual, want) && compare(actual, want) < 0
	case OpLTE:
		return bothSet(actual, want) && compare(actual, want) <= 0
	case OpGT:
		return bothSet(actual, want) && compare(actual, want) > 0
	case OpGTE:
		return bothSet(actual, want) && compare(actual, want) >= 0
	case OpIn:
		options, ok := want.([]any)
		return ok && lo.ContainsBy(options, func(option any) bool { return compare(actual, option) == 0 })
	case OpContains:
		switch typed := actual.(type) {
		case string:
			return strings.Contains(typed, fmt.Sprint(want))
		case []any:
			return lo.ContainsBy(typed, func(item any) bool { return compare(item, want) == 0 })
		}
	}
	return false
}

func bothSet(a, b any) bool {
	return a != nil && b != nil
}

func compare(a, b any) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return cmp.Compare(af, bf)
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
