package types

import (
	"fmt"
	"reflect"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

// CQLTypeOf maps a Go type to the CQL column type used in generated DDL.
// Types with no scalar mapping (structs, interfaces) map to text, matching
// the row codec's JSON fallback; asSet renders slice types as set<> instead
// of list<>.
func CQLTypeOf(t reflect.Type, asSet bool) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: nil type", errors.ErrUnsupportedType)
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t {
	case timeType:
		return "timestamp", nil
	case durationType:
		return "bigint", nil
	case uuidType, gocqlUUIDTyp:
		return "uuid", nil
	}

	switch t.Kind() {
	case reflect.String:
		return "text", nil
	case reflect.Bool:
		return "boolean", nil
	case reflect.Int8, reflect.Int16:
		return "smallint", nil
	case reflect.Int32:
		return "int", nil
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "bigint", nil
	case reflect.Uint8:
		return "smallint", nil
	case reflect.Float32:
		return "float", nil
	case reflect.Float64:
		return "double", nil

	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "blob", nil
		}
		elem, err := CQLTypeOf(t.Elem(), false)
		if err != nil {
			return "", err
		}
		if asSet {
			return fmt.Sprintf("set<%s>", elem), nil
		}
		return fmt.Sprintf("list<%s>", elem), nil

	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return "", fmt.Errorf("%w: map keys must be strings", errors.ErrUnsupportedType)
		}
		if t.Elem() == reflect.TypeOf(struct{}{}) {
			return "set<text>", nil
		}
		elem, err := CQLTypeOf(t.Elem(), false)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("map<text, %s>", elem), nil

	case reflect.Struct, reflect.Interface:
		// JSON fallback column
		return "text", nil

	default:
		return "", fmt.Errorf("%w: %s", errors.ErrUnsupportedType, t)
	}
}
