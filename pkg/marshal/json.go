package marshal

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

var polymorphicNames sync.Map // string -> reflect.Type
var polymorphicTypes sync.Map // reflect.Type -> string

// RegisterPolymorphic names a concrete type for storage in interface-typed
// columns. The name goes into the "@type" discriminator next to the JSON
// value; decoding an unregistered name fails.
func RegisterPolymorphic(name string, prototype any) {
	if name == "" || prototype == nil {
		return
	}
	t := reflect.TypeOf(prototype)
	polymorphicNames.Store(name, t)
	polymorphicTypes.Store(t, name)
}

// polymorphicEnvelope wraps an interface value with its registered type
// name.
type polymorphicEnvelope struct {
	Type  string          `json:"@type"`
	Value json.RawMessage `json:"value"`
}

// encodeJSON renders a field as its JSON text column. Cycles through
// pointers, maps or slices are detected with a visited set and rejected;
// interface values carry a "@type" discriminator.
func (c *Codec) encodeJSON(field reflect.Value) (string, error) {
	if err := checkCycles(field, make(map[uintptr]bool)); err != nil {
		return "", err
	}

	if field.Kind() == reflect.Interface && !field.IsNil() {
		return encodePolymorphic(field.Elem())
	}
	if field.Kind() == reflect.Ptr && !field.IsNil() && field.Elem().Kind() == reflect.Interface && !field.Elem().IsNil() {
		return encodePolymorphic(field.Elem().Elem())
	}

	raw, err := json.Marshal(fieldInterface(field))
	if err != nil {
		return "", errors.NewErrorWithContext("encodeJSON", "", errors.ErrUnsupportedType, map[string]any{
			"type": field.Type().String(),
		})
	}
	return string(raw), nil
}

func encodePolymorphic(concrete reflect.Value) (string, error) {
	name, ok := polymorphicTypes.Load(concrete.Type())
	for !ok && concrete.Kind() == reflect.Ptr && !concrete.IsNil() {
		concrete = concrete.Elem()
		name, ok = polymorphicTypes.Load(concrete.Type())
	}
	if !ok {
		return "", errors.NewErrorWithContext("encodeJSON", "", errors.ErrUnsupportedType, map[string]any{
			"type": concrete.Type().String(),
		})
	}

	raw, err := json.Marshal(concrete.Interface())
	if err != nil {
		return "", errors.NewErrorWithContext("encodeJSON", "", errors.ErrUnsupportedType, map[string]any{
			"type": concrete.Type().String(),
		})
	}

	wrapped, err := json.Marshal(polymorphicEnvelope{Type: name.(string), Value: raw})
	if err != nil {
		return "", err
	}
	return string(wrapped), nil
}

// decodeJSON fills a field from its JSON text column.
func (c *Codec) decodeJSON(stored any, field reflect.Value) error {
	var raw []byte
	switch s := stored.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		return errors.NewErrorWithContext("decodeJSON", "", errors.ErrUnsupportedType, map[string]any{
			"stored": reflect.TypeOf(stored).String(),
		})
	}

	if len(raw) == 0 || string(raw) == "null" {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	if field.Kind() == reflect.Interface {
		return decodePolymorphic(raw, field)
	}

	if err := json.Unmarshal(raw, field.Addr().Interface()); err != nil {
		return errors.NewErrorWithContext("decodeJSON", "", errors.ErrUnsupportedType, map[string]any{
			"target": field.Type().String(),
		})
	}
	return nil
}

func decodePolymorphic(raw []byte, field reflect.Value) error {
	var envelope polymorphicEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Type != "" {
		registered, ok := polymorphicNames.Load(envelope.Type)
		if !ok {
			return errors.NewErrorWithContext("decodeJSON", "", errors.ErrUnsupportedType, map[string]any{
				"@type": envelope.Type,
			})
		}

		t := registered.(reflect.Type)
		target := reflect.New(indirectType(t))
		if err := json.Unmarshal(envelope.Value, target.Interface()); err != nil {
			return errors.NewErrorWithContext("decodeJSON", "", errors.ErrUnsupportedType, map[string]any{
				"@type": envelope.Type,
			})
		}
		if t.Kind() == reflect.Ptr {
			field.Set(target)
		} else {
			field.Set(target.Elem())
		}
		return nil
	}

	// Untyped content decodes into plain JSON shapes.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errors.NewErrorWithContext("decodeJSON", "", errors.ErrUnsupportedType, map[string]any{
			"target": field.Type().String(),
		})
	}
	if generic == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	value := reflect.ValueOf(generic)
	if !value.Type().AssignableTo(field.Type()) {
		return errors.NewErrorWithContext("decodeJSON", "", errors.ErrUnsupportedType, map[string]any{
			"target": field.Type().String(),
		})
	}
	field.Set(value)
	return nil
}

// checkCycles walks the value graph tracking pointer identities on the
// current path; revisiting one means the JSON encoder would never
// terminate.
func checkCycles(v reflect.Value, onPath map[uintptr]bool) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Map:
		if v.IsNil() {
			return nil
		}
		p := v.Pointer()
		if onPath[p] {
			return errors.NewErrorWithContext("encodeJSON", "", errors.ErrUnsupportedType, map[string]any{
				"reason": "cyclic value",
				"type":   v.Type().String(),
			})
		}
		onPath[p] = true
		defer delete(onPath, p)

		if v.Kind() == reflect.Ptr {
			return checkCycles(v.Elem(), onPath)
		}
		for _, key := range v.MapKeys() {
			if err := checkCycles(v.MapIndex(key), onPath); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		p := v.Pointer()
		if onPath[p] {
			return errors.NewErrorWithContext("encodeJSON", "", errors.ErrUnsupportedType, map[string]any{
				"reason": "cyclic value",
				"type":   v.Type().String(),
			})
		}
		onPath[p] = true
		defer delete(onPath, p)
		for i := 0; i < v.Len(); i++ {
			if err := checkCycles(v.Index(i), onPath); err != nil {
				return err
			}
		}
		return nil

	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkCycles(v.Index(i), onPath); err != nil {
				return err
			}
		}
		return nil

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkCycles(v.Elem(), onPath)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := checkCycles(v.Field(i), onPath); err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}
