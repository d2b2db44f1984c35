package reflectutil

import (
	"fmt"
	"reflect"
	"strings"
)

// FieldResolver maps a struct field to its column name, so callers can plug
// in their naming convention. A true second return skips the field.
type FieldResolver func(field reflect.StructField) (string, bool)

// Indirect dereferences pointers and interfaces until a concrete value or an
// invalid Value (nil somewhere on the chain) remains.
func Indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// Navigate walks a dotted column path through structs, pointers and
// string-keyed maps. The returned value is not indirected, so callers can
// distinguish a nil pointer field (found, invalid after Indirect) from a
// missing path (found == false).
func Navigate(v reflect.Value, path string, resolve FieldResolver) (reflect.Value, bool) {
	if path == "" {
		return v, v.IsValid()
	}

	cur := v
	for _, seg := range strings.Split(path, ".") {
		cur = Indirect(cur)
		if !cur.IsValid() {
			return reflect.Value{}, false
		}

		switch cur.Kind() {
		case reflect.Struct:
			f, ok := fieldByColumn(cur, seg, resolve)
			if !ok {
				return reflect.Value{}, false
			}
			cur = f

		case reflect.Map:
			if cur.Type().Key().Kind() != reflect.String {
				return reflect.Value{}, false
			}
			mv := cur.MapIndex(reflect.ValueOf(seg))
			if !mv.IsValid() {
				return reflect.Value{}, false
			}
			cur = mv

		default:
			return reflect.Value{}, false
		}
	}

	return cur, true
}

// MutatePath navigates to path inside root (which must be addressable) and
// invokes fn on the settable value there, allocating nil pointers on the way.
// Map entries are pulled into an addressable copy and written back after fn.
// Returns false when the path does not exist on the type.
func MutatePath(root reflect.Value, path string, resolve FieldResolver, fn func(reflect.Value) error) (bool, error) {
	if path == "" {
		if !root.CanSet() {
			return false, fmt.Errorf("root value is not settable")
		}
		return true, fn(root)
	}

	seg, rest, _ := strings.Cut(path, ".")

	cur := root
	for cur.Kind() == reflect.Ptr {
		if cur.IsNil() {
			if !cur.CanSet() {
				return false, fmt.Errorf("nil pointer at %q is not settable", seg)
			}
			cur.Set(reflect.New(cur.Type().Elem()))
		}
		cur = cur.Elem()
	}

	switch cur.Kind() {
	case reflect.Struct:
		f, ok := fieldByColumn(cur, seg, resolve)
		if !ok {
			return false, nil
		}
		return MutatePath(f, rest, resolve, fn)

	case reflect.Map:
		if cur.Type().Key().Kind() != reflect.String {
			return false, nil
		}
		if cur.IsNil() {
			cur.Set(reflect.MakeMap(cur.Type()))
		}
		key := reflect.ValueOf(seg)
		entry := reflect.New(cur.Type().Elem()).Elem()
		if existing := cur.MapIndex(key); existing.IsValid() {
			entry.Set(existing)
		}
		found, err := MutatePath(entry, rest, resolve, fn)
		if err != nil || !found {
			return found, err
		}
		cur.SetMapIndex(key, entry)
		return true, nil

	case reflect.Interface:
		if cur.IsNil() {
			return false, nil
		}
		// Unwrap into an addressable copy, mutate, rewrap.
		concrete := reflect.New(cur.Elem().Type()).Elem()
		concrete.Set(cur.Elem())
		found, err := MutatePath(concrete, path, resolve, fn)
		if err != nil || !found {
			return found, err
		}
		if !cur.CanSet() {
			return false, fmt.Errorf("interface value at %q is not settable", seg)
		}
		cur.Set(concrete)
		return true, nil

	default:
		return false, nil
	}
}

func fieldByColumn(structValue reflect.Value, column string, resolve FieldResolver) (reflect.Value, bool) {
	t := structValue.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		// Embedded structs expose their fields at the parent level.
		if field.Anonymous {
			if inner, ok := fieldByColumn(structValue.Field(i), column, resolve); ok {
				return inner, true
			}
			continue
		}

		name, skip := resolve(field)
		if skip {
			continue
		}
		if name == column {
			return structValue.Field(i), true
		}
	}
	return reflect.Value{}, false
}
