package onlyif

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"
)

// StrictEqual compares two configuration values without coercion.
//
// All Go numeric kinds and json.Number are treated as one number type and
// compared by value. Maps and slices compare by identity. Funcs never compare
// equal: closures from one literal share a code pointer, so it cannot tell
// them apart. Everything else must have the same dynamic type and compare
// equal with ==.
func StrictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)
		return ok && x.equal(y)
	}
	if _, ok := toNumber(b); ok {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return safeEqual(a, b)
	}
	return sameReference(reflect.ValueOf(a), reflect.ValueOf(b))
}

// safeEqual guards == against comparable types holding uncomparable values,
// such as an array or struct of interfaces containing a map.
func safeEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func sameReference(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Map:
		if a.IsNil() || b.IsNil() {
			return false
		}
		return a.Pointer() == b.Pointer()
	case reflect.Slice:
		if a.IsNil() || b.IsNil() {
			return false
		}
		return a.Pointer() == b.Pointer() && a.Len() == b.Len()
	default:
		return false
	}
}

// number holds a numeric value exactly when it is integral and fits, and as a
// float otherwise.
type number struct {
	isInt bool
	i     *big.Int
	f     float64
}

func (n number) equal(o number) bool {
	if n.isInt && o.isInt {
		return n.i.Cmp(o.i) == 0
	}
	if n.isInt {
		return intEqualsFloat(n.i, o.f)
	}
	if o.isInt {
		return intEqualsFloat(o.i, n.f)
	}
	return n.f == o.f
}

func intEqualsFloat(i *big.Int, f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return false
	}
	bf, _ := new(big.Float).SetFloat64(f).Int(nil)
	return bf.Cmp(i) == 0
}

func toNumber(v any) (number, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, ok := new(big.Int).SetString(t.String(), 10); ok {
			return number{isInt: true, i: i}, true
		}
		f, err := t.Float64()
		if err != nil {
			return number{}, false
		}
		return number{f: f}, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{isInt: true, i: big.NewInt(rv.Int())}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return number{isInt: true, i: new(big.Int).SetUint64(rv.Uint())}, true
	case reflect.Float32, reflect.Float64:
		return number{f: rv.Float()}, true
	default:
		return number{}, false
	}
}
