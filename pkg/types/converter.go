// Package types provides type conversion between Go types and CQL-storable values
package types

import (
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
	"github.com/google/uuid"

	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/naming"
)

// Converter handles conversion between Go types and the values the CQL driver
// can bind and scan. Scalars normalize to the driver's native set (string,
// int64, float64, bool, []byte, time.Time, gocql.UUID); collections convert
// elementwise.
type Converter struct {
	// customConverters allows registration of custom type converters
	customConverters map[reflect.Type]CustomConverter
	mu               sync.RWMutex
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	uuidType     = reflect.TypeOf(uuid.UUID{})
	gocqlUUIDTyp = reflect.TypeOf(gocql.UUID{})
)

// CustomConverter defines the interface for custom type converters
type CustomConverter interface {
	// ToCQLValue converts a Go value to a CQL-storable value
	ToCQLValue(value any) (any, error)

	// FromCQLValue converts a stored CQL value back into target
	FromCQLValue(stored any, target any) error
}

// NewConverter creates a new type converter
func NewConverter() *Converter {
	return &Converter{
		customConverters: make(map[reflect.Type]CustomConverter),
	}
}

// RegisterConverter registers a custom converter for a specific type
func (c *Converter) RegisterConverter(typ reflect.Type, converter CustomConverter) {
	if typ == nil || converter == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customConverters[typ] = converter
}

// HasCustomConverter returns true if a custom converter exists for the given type.
func (c *Converter) HasCustomConverter(typ reflect.Type) bool {
	_, ok := c.lookupConverter(typ)
	return ok
}

// lookupConverter returns a registered converter for the provided type, walking pointer
// indirections until a match is found or no further pointer element exists.
func (c *Converter) lookupConverter(typ reflect.Type) (CustomConverter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if typ == nil {
		return nil, false
	}

	for {
		if converter, ok := c.customConverters[typ]; ok {
			return converter, true
		}

		if typ.Kind() != reflect.Ptr {
			break
		}
		typ = typ.Elem()
	}

	return nil, false
}

// ToCQLValue converts a Go value to a CQL-storable value
func (c *Converter) ToCQLValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	v := reflect.ValueOf(value)
	return c.toCQLValue(v)
}

// toCQLValue handles the actual conversion based on reflection
func (c *Converter) toCQLValue(v reflect.Value) (any, error) {
	// Handle pointer types
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	// Check for custom converter
	if converter, exists := c.lookupConverter(v.Type()); exists {
		return converter.ToCQLValue(v.Interface())
	}

	switch v.Type() {
	case timeType:
		return v.Interface(), nil
	case durationType:
		// Stored as bigint nanoseconds; the native duration type has no
		// total ordering and cannot appear in clustering columns.
		return v.Int(), nil
	case uuidType:
		u, ok := v.Interface().(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("expected uuid.UUID, got %T", v.Interface())
		}
		return gocql.UUID(u), nil
	case gocqlUUIDTyp:
		return v.Interface(), nil
	}

	// Handle basic types
	switch v.Kind() {
	case reflect.String:
		return v.String(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint value %d overflows bigint", errors.ErrUnsupportedType, u)
		}
		return int64(u), nil

	case reflect.Float32, reflect.Float64:
		return v.Float(), nil

	case reflect.Bool:
		return v.Bool(), nil

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// []byte -> blob
			return v.Bytes(), nil
		}
		return c.sliceToList(v)

	case reflect.Array:
		if v.Type() == uuidType {
			return gocql.UUID(v.Interface().(uuid.UUID)), nil
		}
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedType, v.Type())

	case reflect.Map:
		return c.mapToCQLMap(v)

	default:
		// Structs and interfaces are the row codec's problem (flattening or
		// JSON fallback); a bare converter call on them is an error.
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedType, v.Type())
	}
}

// sliceToList converts a slice to a CQL list value
func (c *Converter) sliceToList(v reflect.Value) (any, error) {
	list := make([]any, v.Len())

	for i := 0; i < v.Len(); i++ {
		cv, err := c.toCQLValue(v.Index(i))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		list[i] = cv
	}

	return list, nil
}

// mapToCQLMap converts a map to a CQL map value
func (c *Converter) mapToCQLMap(v reflect.Value) (any, error) {
	if v.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: map keys must be strings", errors.ErrUnsupportedType)
	}

	// map[T]struct{} models a set; stored as its key list
	if v.Type().Elem() == reflect.TypeOf(struct{}{}) {
		keys := make([]any, 0, v.Len())
		for _, key := range v.MapKeys() {
			keys = append(keys, key.String())
		}
		return keys, nil
	}

	m := make(map[string]any, v.Len())

	for _, key := range v.MapKeys() {
		keyStr := key.String()
		val := v.MapIndex(key)

		cv, err := c.toCQLValue(val)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", keyStr, err)
		}
		m[keyStr] = cv
	}

	return m, nil
}

// FromCQLValue converts a stored CQL value into target, which must be a
// non-nil pointer
func (c *Converter) FromCQLValue(stored any, target any) error {
	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr {
		return fmt.Errorf("target must be a pointer")
	}
	if targetValue.IsNil() {
		return fmt.Errorf("target pointer is nil")
	}

	return c.fromCQLValue(stored, targetValue.Elem())
}

// fromCQLValue handles the actual conversion from a stored value
func (c *Converter) fromCQLValue(stored any, target reflect.Value) error {
	if stored == nil {
		return nil
	}

	if !target.CanSet() {
		return fmt.Errorf("target is not settable")
	}

	target = ensureSettableConcreteTarget(target)

	if converter, exists := c.lookupConverter(target.Type()); exists {
		return converter.FromCQLValue(stored, target.Addr().Interface())
	}

	switch target.Type() {
	case timeType:
		return fromCQLTime(stored, target)
	case durationType:
		return fromCQLDuration(stored, target)
	case uuidType, gocqlUUIDTyp:
		return fromCQLUUID(stored, target)
	}

	return c.fromCQLValueByKind(stored, target)
}

func ensureSettableConcreteTarget(target reflect.Value) reflect.Value {
	if target.Kind() != reflect.Ptr {
		return target
	}

	if target.IsNil() {
		target.Set(reflect.New(target.Type().Elem()))
	}

	return target.Elem()
}

func fromCQLTime(stored any, target reflect.Value) error {
	switch v := stored.(type) {
	case time.Time:
		target.Set(reflect.ValueOf(v))
		return nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("invalid time format: %w", err)
		}
		target.Set(reflect.ValueOf(t))
		return nil
	default:
		return fmt.Errorf("expected timestamp for time.Time, got %T", stored)
	}
}

func fromCQLDuration(stored any, target reflect.Value) error {
	switch v := stored.(type) {
	case int64:
		target.SetInt(v)
		return nil
	case int:
		target.SetInt(int64(v))
		return nil
	case time.Duration:
		target.SetInt(int64(v))
		return nil
	default:
		return fmt.Errorf("expected bigint for time.Duration, got %T", stored)
	}
}

func fromCQLUUID(stored any, target reflect.Value) error {
	var parsed [16]byte

	switch v := stored.(type) {
	case gocql.UUID:
		parsed = v
	case uuid.UUID:
		parsed = v
	case [16]byte:
		parsed = v
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid uuid: %w", err)
		}
		parsed = u
	case []byte:
		u, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("invalid uuid bytes: %w", err)
		}
		parsed = u
	default:
		return fmt.Errorf("expected uuid, got %T", stored)
	}

	if target.Type() == gocqlUUIDTyp {
		target.Set(reflect.ValueOf(gocql.UUID(parsed)))
	} else {
		target.Set(reflect.ValueOf(uuid.UUID(parsed)))
	}
	return nil
}

func (c *Converter) fromCQLValueByKind(stored any, target reflect.Value) error {
	switch v := stored.(type) {
	case string:
		return stringToValue(v, target)
	case bool:
		if target.Kind() != reflect.Bool {
			return fmt.Errorf("cannot convert bool to %s", target.Type())
		}
		target.SetBool(v)
		return nil
	case []byte:
		if target.Kind() == reflect.String {
			target.SetString(string(v))
			return nil
		}
		if target.Kind() != reflect.Slice || target.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("cannot convert blob to %s", target.Type())
		}
		target.SetBytes(v)
		return nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return numberToValue(reflect.ValueOf(stored), target)
	case []any:
		return c.listToSlice(v, target)
	case map[string]any:
		return c.cqlMapToMap(v, target)
	default:
		return c.reflectedFromCQL(stored, target)
	}
}

// reflectedFromCQL handles driver-typed collections such as []string or
// map[string]int64 that arrive without the []any boxing.
func (c *Converter) reflectedFromCQL(stored any, target reflect.Value) error {
	sv := reflect.ValueOf(stored)

	switch sv.Kind() {
	case reflect.Slice:
		if target.Kind() == reflect.Map && target.Type().Elem() == reflect.TypeOf(struct{}{}) {
			// set column into map[string]struct{}
			m := reflect.MakeMapWithSize(target.Type(), sv.Len())
			for i := 0; i < sv.Len(); i++ {
				key := reflect.New(target.Type().Key()).Elem()
				if err := c.fromCQLValue(sv.Index(i).Interface(), key); err != nil {
					return fmt.Errorf("set element %d: %w", i, err)
				}
				m.SetMapIndex(key, reflect.ValueOf(struct{}{}))
			}
			target.Set(m)
			return nil
		}

		if target.Kind() != reflect.Slice {
			return fmt.Errorf("cannot convert %T to %s", stored, target.Type())
		}
		out := reflect.MakeSlice(target.Type(), sv.Len(), sv.Len())
		for i := 0; i < sv.Len(); i++ {
			if err := c.fromCQLValue(sv.Index(i).Interface(), out.Index(i)); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		target.Set(out)
		return nil

	case reflect.Map:
		if target.Kind() != reflect.Map {
			return fmt.Errorf("cannot convert %T to %s", stored, target.Type())
		}
		out := reflect.MakeMapWithSize(target.Type(), sv.Len())
		for _, key := range sv.MapKeys() {
			outKey := reflect.New(target.Type().Key()).Elem()
			if err := c.fromCQLValue(key.Interface(), outKey); err != nil {
				return fmt.Errorf("map key: %w", err)
			}
			outVal := reflect.New(target.Type().Elem()).Elem()
			if err := c.fromCQLValue(sv.MapIndex(key).Interface(), outVal); err != nil {
				return fmt.Errorf("map value: %w", err)
			}
			out.SetMapIndex(outKey, outVal)
		}
		target.Set(out)
		return nil

	default:
		return fmt.Errorf("unsupported stored value type: %T", stored)
	}
}

// stringToValue converts a stored string to various Go types
func stringToValue(s string, target reflect.Value) error {
	switch target.Kind() {
	case reflect.String:
		target.SetString(s)
		return nil
	default:
		return fmt.Errorf("cannot convert string to %s", target.Type())
	}
}

// numberToValue converts any numeric stored value to a numeric Go target
func numberToValue(num reflect.Value, target reflect.Value) error {
	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch num.Kind() {
		case reflect.Float32, reflect.Float64:
			target.SetInt(int64(num.Float()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			target.SetInt(int64(num.Uint()))
		default:
			target.SetInt(num.Int())
		}
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch num.Kind() {
		case reflect.Float32, reflect.Float64:
			target.SetUint(uint64(num.Float()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			target.SetUint(num.Uint())
		default:
			i := num.Int()
			if i < 0 {
				return fmt.Errorf("cannot store negative value in %s", target.Type())
			}
			target.SetUint(uint64(i))
		}
		return nil

	case reflect.Float32, reflect.Float64:
		switch num.Kind() {
		case reflect.Float32, reflect.Float64:
			target.SetFloat(num.Float())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			target.SetFloat(float64(num.Uint()))
		default:
			target.SetFloat(float64(num.Int()))
		}
		return nil

	default:
		return fmt.Errorf("cannot convert number to %s", target.Type())
	}
}

// listToSlice converts a boxed CQL list to a Go slice
func (c *Converter) listToSlice(list []any, target reflect.Value) error {
	if target.Kind() == reflect.Map && target.Type().Elem() == reflect.TypeOf(struct{}{}) {
		m := reflect.MakeMapWithSize(target.Type(), len(list))
		for i, elem := range list {
			key := reflect.New(target.Type().Key()).Elem()
			if err := c.fromCQLValue(elem, key); err != nil {
				return fmt.Errorf("set element %d: %w", i, err)
			}
			m.SetMapIndex(key, reflect.ValueOf(struct{}{}))
		}
		target.Set(m)
		return nil
	}

	if target.Kind() != reflect.Slice {
		return fmt.Errorf("target must be slice, got %s", target.Type())
	}

	slice := reflect.MakeSlice(target.Type(), len(list), len(list))

	for i, elem := range list {
		if err := c.fromCQLValue(elem, slice.Index(i)); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}

	target.Set(slice)
	return nil
}

// cqlMapToMap converts a boxed CQL map to a Go map
func (c *Converter) cqlMapToMap(m map[string]any, target reflect.Value) error {
	if target.Kind() != reflect.Map {
		return fmt.Errorf("target must be map, got %s", target.Type())
	}

	if target.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("map key must be string, got %s", target.Type().Key())
	}

	mapValue := reflect.MakeMap(target.Type())

	for k, elem := range m {
		value := reflect.New(target.Type().Elem()).Elem()
		if err := c.fromCQLValue(elem, value); err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
		mapValue.SetMapIndex(reflect.ValueOf(k), value)
	}

	target.Set(mapValue)
	return nil
}

// DetectNamingConvention scans struct fields for a naming convention tag.
// It looks for a field with tag `cql:"naming:camel_case"`.
// Returns SnakeCase (default) if no naming tag is found.
func DetectNamingConvention(modelType reflect.Type) naming.Convention {
	for i := 0; i < modelType.NumField(); i++ {
		field := modelType.Field(i)
		tag := field.Tag.Get("cql")

		if tag == "" {
			continue
		}

		parts := splitTag(tag)
		for _, part := range parts {
			if len(part) > 7 && part[:7] == "naming:" {
				convention := part[7:]
				switch convention {
				case "snake_case":
					return naming.SnakeCase
				case "camel_case", "camelCase":
					return naming.CamelCase
				}
			}
		}
	}

	return naming.SnakeCase
}

// splitTag splits a tag string by commas
func splitTag(tag string) []string {
	if tag == "" {
		return nil
	}

	var parts []string
	current := ""

	for _, ch := range tag {
		if ch == ',' {
			if current != "" {
				parts = append(parts, current)
				current = ""
			}
		} else if ch != ' ' && ch != '\t' {
			current += string(ch)
		}
	}

	if current != "" {
		parts = append(parts, current)
	}

	return parts
}
