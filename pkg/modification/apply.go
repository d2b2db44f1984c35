package modification

import (
	"fmt"
	"reflect"

	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/internal/reflectutil"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// Apply executes a modification against a value and returns the rewritten
// result. The input is never mutated: collections and pointed-to values are
// deep-copied first. A pointer input yields a pointer result of the same
// type.
func Apply(mod Modification, value any) (any, error) {
	if value == nil {
		return nil, errors.NewError("apply", "", errors.ErrInvalidModel)
	}

	copied := reflectutil.DeepCopy(value)
	rv := reflect.ValueOf(copied)
	resolve := resolverFor(copied)

	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, errors.NewError("apply", "", errors.ErrInvalidModel)
		}
		if err := apply(mod, rv.Elem(), resolve); err != nil {
			return nil, err
		}
		return copied, nil
	}

	boxed := reflect.New(rv.Type())
	boxed.Elem().Set(rv)
	if err := apply(mod, boxed.Elem(), resolve); err != nil {
		return nil, err
	}
	return boxed.Elem().Interface(), nil
}

func apply(mod Modification, target reflect.Value, resolve reflectutil.FieldResolver) error {
	switch v := mod.(type) {
	case Assign:
		return assign(target, v.Value)

	case Unassign:
		target.Set(reflect.Zero(target.Type()))
		return nil

	case Chain:
		for _, m := range v.Mods {
			if err := apply(m, target, resolve); err != nil {
				return err
			}
		}
		return nil

	case OnField:
		found, err := reflectutil.MutatePath(target, v.Path, resolve, func(field reflect.Value) error {
			return apply(v.Inner, field, resolve)
		})
		if err != nil {
			return err
		}
		if !found {
			return errors.NewErrorWithContext("apply", "", errors.ErrInvalidModel, map[string]any{
				"path": v.Path,
			})
		}
		return nil

	case IfNotNull:
		current, found := reflectutil.Navigate(target, v.Path, resolve)
		if !found || !reflectutil.Indirect(current).IsValid() {
			return nil
		}
		_, err := reflectutil.MutatePath(target, v.Path, resolve, func(field reflect.Value) error {
			return apply(v.Inner, field, resolve)
		})
		return err

	case Increment:
		base := readValue(target)
		if base == nil {
			zero, ok := zeroNumeric(target.Type())
			if !ok {
				return typeError("increment", target)
			}
			base = zero
		}
		next, err := numutil.Add(base, v.By)
		if err != nil {
			return err
		}
		return assign(target, next)

	case ListAppend:
		cell, err := collectionCell(target, reflect.Slice, "listAppend")
		if err != nil {
			return err
		}
		for _, value := range v.Values {
			element, err := convertTo(value, cell.Type().Elem())
			if err != nil {
				return err
			}
			cell.Set(reflect.Append(cell, element))
		}
		return nil

	case ListRemove:
		cell, err := collectionCell(target, reflect.Slice, "listRemove")
		if err != nil {
			return err
		}
		kept := reflect.MakeSlice(cell.Type(), 0, cell.Len())
		for i := 0; i < cell.Len(); i++ {
			element := cell.Index(i)
			if !containsEquivalent(v.Values, element.Interface()) {
				kept = reflect.Append(kept, element)
			}
		}
		cell.Set(kept)
		return nil

	case SetAppend:
		return setAppend(target, v.Values)

	case SetRemove:
		return setRemove(target, v.Values)

	case ListPerElement:
		cell, err := collectionCell(target, reflect.Slice, "listPerElement")
		if err != nil {
			return err
		}
		return perSliceElement(cell, v.Match, v.Then, resolve)

	case SetPerElement:
		return perSetElement(target, v.Match, v.Then, resolve)

	default:
		return errors.NewErrorWithContext("apply", "", errors.ErrUnsupportedOperation, map[string]any{
			"modification": fmt.Sprintf("%T", mod),
		})
	}
}

// assign writes value into target, allocating pointers and converting across
// numeric widths. nil assigns the zero value.
func assign(target reflect.Value, value any) error {
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(target.Type()) {
		target.Set(rv)
		return nil
	}

	if target.Kind() == reflect.Ptr {
		cell := reflect.New(target.Type().Elem())
		if err := assign(cell.Elem(), value); err != nil {
			return err
		}
		target.Set(cell)
		return nil
	}

	if numutil.IsNumeric(value) && rv.Type().ConvertibleTo(target.Type()) && isNumericKind(target.Kind()) {
		target.Set(rv.Convert(target.Type()))
		return nil
	}

	return errors.NewErrorWithContext("assign", "", errors.ErrUnsupportedType, map[string]any{
		"value":  fmt.Sprintf("%T", value),
		"target": target.Type().String(),
	})
}

func setAppend(target reflect.Value, values []any) error {
	cell := settableCell(target)
	switch {
	case isKeySet(cell.Type()):
		if cell.IsNil() {
			cell.Set(reflect.MakeMap(cell.Type()))
		}
		for _, value := range values {
			key, err := convertTo(value, cell.Type().Key())
			if err != nil {
				return err
			}
			cell.SetMapIndex(key, reflect.Zero(cell.Type().Elem()))
		}
		return nil
	case cell.Kind() == reflect.Slice:
		for _, value := range values {
			if sliceContainsEquivalent(cell, value) {
				continue
			}
			element, err := convertTo(value, cell.Type().Elem())
			if err != nil {
				return err
			}
			cell.Set(reflect.Append(cell, element))
		}
		return nil
	default:
		return typeError("setAppend", target)
	}
}

func setRemove(target reflect.Value, values []any) error {
	cell := settableCell(target)
	switch {
	case isKeySet(cell.Type()):
		for _, key := range cell.MapKeys() {
			if containsEquivalent(values, key.Interface()) {
				cell.SetMapIndex(key, reflect.Value{})
			}
		}
		return nil
	case cell.Kind() == reflect.Slice:
		kept := reflect.MakeSlice(cell.Type(), 0, cell.Len())
		for i := 0; i < cell.Len(); i++ {
			element := cell.Index(i)
			if !containsEquivalent(values, element.Interface()) {
				kept = reflect.Append(kept, element)
			}
		}
		cell.Set(kept)
		return nil
	default:
		return typeError("setRemove", target)
	}
}

func perSliceElement(cell reflect.Value, match condition.Condition, then Modification, resolve reflectutil.FieldResolver) error {
	for i := 0; i < cell.Len(); i++ {
		element := cell.Index(i)
		matched, err := condition.Evaluate(match, element.Interface())
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		if err := apply(then, element, resolve); err != nil {
			return err
		}
	}
	return nil
}

func perSetElement(target reflect.Value, match condition.Condition, then Modification, resolve reflectutil.FieldResolver) error {
	cell := settableCell(target)
	if cell.Kind() == reflect.Slice {
		return perSliceElement(cell, match, then, resolve)
	}
	if !isKeySet(cell.Type()) {
		return typeError("setPerElement", target)
	}

	type rewrite struct {
		from reflect.Value
		to   reflect.Value
	}
	var rewrites []rewrite
	for _, key := range cell.MapKeys() {
		matched, err := condition.Evaluate(match, key.Interface())
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		updated := reflect.New(key.Type()).Elem()
		updated.Set(key)
		if err := apply(then, updated, resolve); err != nil {
			return err
		}
		rewrites = append(rewrites, rewrite{from: key, to: updated})
	}
	for _, r := range rewrites {
		cell.SetMapIndex(r.from, reflect.Value{})
		cell.SetMapIndex(r.to, reflect.Zero(cell.Type().Elem()))
	}
	return nil
}

// collectionCell indirects target (allocating nil pointers) and checks its
// kind.
func collectionCell(target reflect.Value, kind reflect.Kind, op string) (reflect.Value, error) {
	cell := settableCell(target)
	if cell.Kind() != kind {
		return reflect.Value{}, typeError(op, target)
	}
	return cell, nil
}

// settableCell strips pointer indirection from a settable target, allocating
// along the way.
func settableCell(target reflect.Value) reflect.Value {
	for target.Kind() == reflect.Ptr {
		if target.IsNil() {
			target.Set(reflect.New(target.Type().Elem()))
		}
		target = target.Elem()
	}
	return target
}

func readValue(target reflect.Value) any {
	concrete := reflectutil.Indirect(target)
	if !concrete.IsValid() {
		return nil
	}
	return concrete.Interface()
}

func convertTo(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if numutil.IsNumeric(value) && isNumericKind(t.Kind()) && rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, errors.NewErrorWithContext("convert", "", errors.ErrUnsupportedType, map[string]any{
		"value":  fmt.Sprintf("%T", value),
		"target": t.String(),
	})
}

func containsEquivalent(values []any, candidate any) bool {
	for _, value := range values {
		if condition.Equivalent(candidate, value) {
			return true
		}
	}
	return false
}

func sliceContainsEquivalent(cell reflect.Value, value any) bool {
	for i := 0; i < cell.Len(); i++ {
		if condition.Equivalent(cell.Index(i).Interface(), value) {
			return true
		}
	}
	return false
}

// isKeySet reports the set representation: a map whose element is the empty
// struct.
func isKeySet(t reflect.Type) bool {
	return t.Kind() == reflect.Map && t.Elem() == reflect.TypeOf(struct{}{})
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func zeroNumeric(t reflect.Type) (any, bool) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if !isNumericKind(t.Kind()) {
		return nil, false
	}
	return reflect.Zero(t).Interface(), true
}

func typeError(op string, target reflect.Value) error {
	return errors.NewErrorWithContext(op, "", errors.ErrUnsupportedType, map[string]any{
		"target": target.Type().String(),
	})
}

func resolverFor(record any) reflectutil.FieldResolver {
	t := reflect.TypeOf(record)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	convention := naming.SnakeCase
	if t != nil && t.Kind() == reflect.Struct {
		convention = types.DetectNamingConvention(t)
	}
	return func(field reflect.StructField) (string, bool) {
		return naming.ResolveColumnNameWithConvention(field, convention)
	}
}
