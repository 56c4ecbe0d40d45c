// Package onlyif evaluates "only-if" rules: optional sets of field-equality
// constraints that gate whether an automation fires for a given context.
//
// Rules usually come from loosely-typed, user-edited configuration, so the
// package never fails: a value that is not a usable rule means "no constraint",
// and constraints without a usable context never match.
package onlyif

import (
	"fmt"
	"reflect"
)

// Kind classifies a rule or context value before it is evaluated.
type Kind int

const (
	KindAbsent Kind = iota
	KindScalar
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Classify reports the shape of v. Maps keyed by strings or by any (as YAML
// decodes a mapping with a non-string key) are mappings;
// a typed nil map is an empty mapping, a typed nil pointer is absent.
func Classify(v any) Kind {
	switch v.(type) {
	case nil:
		return KindAbsent
	case map[string]any:
		return KindMapping
	case []any:
		return KindSequence
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return KindAbsent
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		key := rv.Type().Key()
		if key.Kind() == reflect.String || (key.Kind() == reflect.Interface && key.NumMethod() == 0) {
			return KindMapping
		}
		return KindScalar
	case reflect.Slice, reflect.Array:
		return KindSequence
	default:
		return KindScalar
	}
}

// lookupFunc returns the value stored under a field and whether it exists.
type lookupFunc func(field string) (any, bool)

// mappingLookup returns a field accessor for a value classified as KindMapping.
func mappingLookup(v any) lookupFunc {
	if m, ok := v.(map[string]any); ok {
		return func(field string) (any, bool) {
			x, ok := m[field]
			return x, ok
		}
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	keyType := rv.Type().Key()
	return func(field string) (any, bool) {
		x := rv.MapIndex(reflect.ValueOf(field).Convert(keyType))
		if x.IsValid() {
			return x.Interface(), true
		}
		if keyType.Kind() != reflect.Interface {
			return nil, false
		}
		// Non-string keys are addressed by their printed form, so {1: vip}
		// is field "1".
		iter := rv.MapRange()
		for iter.Next() {
			if fieldName(iter.Key()) == field {
				return iter.Value().Interface(), true
			}
		}
		return nil, false
	}
}

func fieldName(k reflect.Value) string {
	if k.Kind() == reflect.Interface {
		if k.IsNil() {
			return fmt.Sprint(nil)
		}
		k = k.Elem()
	}
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}
