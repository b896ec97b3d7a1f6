package model

import (
	"encoding/json"
	"reflect"
)

// AsFloat converts numeric field values to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ValuesEqual compares two field values, treating numbers of different Go
// types as equal when they hold the same value.
func ValuesEqual(a, b any) bool {
	fa, okA := AsFloat(a)
	fb, okB := AsFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}
