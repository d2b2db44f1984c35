package reflectutil

import "reflect"

// DeepCopy returns a copy of src with no shared mutable state (slices, maps,
// pointers all duplicated). Unexported struct fields are copied shallowly via
// the containing struct's assignment; reference types behind them stay shared,
// which is acceptable because model structs expose their data.
func DeepCopy(src any) any {
	if src == nil {
		return nil
	}
	v := reflect.ValueOf(src)
	out := reflect.New(v.Type()).Elem()
	deepCopyInto(out, v)
	return out.Interface()
}

func deepCopyInto(dst, src reflect.Value) {
	switch src.Kind() {
	case reflect.Ptr:
		if src.IsNil() {
			return
		}
		dst.Set(reflect.New(src.Type().Elem()))
		deepCopyInto(dst.Elem(), src.Elem())

	case reflect.Interface:
		if src.IsNil() {
			return
		}
		inner := reflect.New(src.Elem().Type()).Elem()
		deepCopyInto(inner, src.Elem())
		dst.Set(inner)

	case reflect.Slice:
		if src.IsNil() {
			return
		}
		dst.Set(reflect.MakeSlice(src.Type(), src.Len(), src.Len()))
		for i := 0; i < src.Len(); i++ {
			deepCopyInto(dst.Index(i), src.Index(i))
		}

	case reflect.Array:
		for i := 0; i < src.Len(); i++ {
			deepCopyInto(dst.Index(i), src.Index(i))
		}

	case reflect.Map:
		if src.IsNil() {
			return
		}
		dst.Set(reflect.MakeMapWithSize(src.Type(), src.Len()))
		for _, key := range src.MapKeys() {
			entry := reflect.New(src.Type().Elem()).Elem()
			deepCopyInto(entry, src.MapIndex(key))
			dst.SetMapIndex(key, entry)
		}

	case reflect.Struct:
		// Shallow-assign first so unexported fields carry over, then replace
		// exported reference fields with deep copies.
		dst.Set(src)
		for i := 0; i < src.NumField(); i++ {
			if !src.Type().Field(i).IsExported() {
				continue
			}
			switch src.Field(i).Kind() {
			case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Struct, reflect.Array:
				deepCopyInto(dst.Field(i), src.Field(i))
			}
		}

	default:
		dst.Set(src)
	}
}
