package onlyif

import (
	"reflect"
	"sort"
)

// Rule is a classified only-if rule. The zero value carries no constraint.
type Rule struct {
	kind   Kind
	fields []string
	want   []any
}

// ParseRule classifies v and, when it is a mapping, captures its entries in
// field-name order. Values that are absent, scalar or sequences produce a rule
// without constraints.
func ParseRule(v any) Rule {
	kind := Classify(v)
	r := Rule{kind: kind}
	if kind != KindMapping {
		return r
	}
	if m, ok := v.(map[string]any); ok {
		r.fields = make([]string, 0, len(m))
		for k := range m {
			r.fields = append(r.fields, k)
		}
		sort.Strings(r.fields)
		r.want = make([]any, len(r.fields))
		for i, k := range r.fields {
			r.want[i] = m[k]
		}
		return r
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	entries := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries[fieldName(iter.Key())] = iter.Value().Interface()
	}
	return ParseRule(entries)
}

// Kind reports how the rule value was classified.
func (r Rule) Kind() Kind { return r.kind }

// Constrained reports whether the rule has at least one field to check.
func (r Rule) Constrained() bool { return len(r.fields) > 0 }

// Fields returns the constrained field names in evaluation order.
func (r Rule) Fields() []string {
	return append([]string(nil), r.fields...)
}

// Matches reports whether ctx satisfies every constraint of r.
func (r Rule) Matches(ctx any) bool {
	if !r.Constrained() {
		return true
	}
	if Classify(ctx) != KindMapping {
		return false
	}
	lookup := mappingLookup(ctx)
	for i, field := range r.fields {
		got, ok := lookup(field)
		if !ok || !StrictEqual(r.want[i], got) {
			return false
		}
	}
	return true
}

// Matches reports whether ctx satisfies rule. It is the one-shot form of
// ParseRule(rule).Matches(ctx).
func Matches(rule, ctx any) bool {
	return ParseRule(rule).Matches(ctx)
}
