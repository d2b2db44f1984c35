package reflectutil

import (
	"reflect"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// IsEmpty reports whether a value is empty under the codec's omitempty
// rules: the zero scalar, a nil pointer or interface, a zero-length
// collection or string, a zero time.Time, or a struct whose fields are all
// empty. Structs recurse, so a nested all-zero embed counts as empty where
// encoding/json would not.
func IsEmpty(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !IsEmpty(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		return isEmptyStruct(v)
	default:
		return v.IsZero()
	}
}

func isEmptyStruct(v reflect.Value) bool {
	if v.Type() == timeType {
		if !v.CanInterface() {
			return v.IsZero()
		}
		return v.Interface().(time.Time).IsZero()
	}
	for i := 0; i < v.NumField(); i++ {
		if !IsEmpty(v.Field(i)) {
			return false
		}
	}
	return true
}
