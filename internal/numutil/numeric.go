package numutil

import (
	"fmt"
	"reflect"
)

// Float64Of widens any numeric value to float64. The second return reports
// whether v was numeric at all.
func Float64Of(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// IsNumeric reports whether v carries a numeric kind.
func IsNumeric(v any) bool {
	_, ok := Float64Of(v)
	return ok
}

// Add returns base + delta, preserving base's concrete type. Both arguments
// must be numeric; integer targets truncate fractional deltas.
func Add(base, delta any) (any, error) {
	baseValue := reflect.ValueOf(base)
	deltaFloat, ok := Float64Of(delta)
	if !ok {
		return nil, fmt.Errorf("increment by non-numeric %T", delta)
	}

	switch baseValue.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out := reflect.New(baseValue.Type()).Elem()
		out.SetInt(baseValue.Int() + int64(deltaFloat))
		return out.Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		sum := int64(baseValue.Uint()) + int64(deltaFloat)
		if sum < 0 {
			return nil, fmt.Errorf("increment underflows %s", baseValue.Type())
		}
		out := reflect.New(baseValue.Type()).Elem()
		out.SetUint(uint64(sum))
		return out.Interface(), nil
	case reflect.Float32, reflect.Float64:
		out := reflect.New(baseValue.Type()).Elem()
		out.SetFloat(baseValue.Float() + deltaFloat)
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("increment on non-numeric %T", base)
	}
}
