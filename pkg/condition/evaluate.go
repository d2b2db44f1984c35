package condition

import (
	"reflect"
	"strings"

	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/internal/reflectutil"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// Tristate is the result of evaluating a condition against a row whose
// columns may be only partially known.
type Tristate int8

const (
	Unknown Tristate = iota
	False
	True
)

// Partial is a partially known row. Known lists the paths whose values are
// established; a known path absent from Values is null. Paths outside Known
// evaluate to Unknown.
type Partial struct {
	Values map[string]any
	Known  []string
}

// Evaluate reports whether a record matches the condition. The record may be
// a struct (or pointer to one) addressed through its cql tags, or a flattened
// row map as produced by the serializer. Missing and nil fields read as null;
// ordered comparisons place null before every value.
func Evaluate(c Condition, record any) (bool, error) {
	resolve := resolverFor(record)
	result, err := eval(c, func(path string) (any, bool) {
		return fieldValue(record, path, resolve), true
	})
	if err != nil {
		return false, err
	}
	return result == True, nil
}

// EvaluatePartial evaluates the condition against a partially known row
// using three-valued logic: a leaf over an unknown column is Unknown, and
// Unknown propagates through the connectives the usual way (And is False if
// any child is False, Or is True if any child is True).
func EvaluatePartial(c Condition, partial Partial) (Tristate, error) {
	known := make(map[string]struct{}, len(partial.Known)+len(partial.Values))
	for _, path := range partial.Known {
		known[path] = struct{}{}
	}
	for path := range partial.Values {
		known[path] = struct{}{}
	}
	return eval(c, func(path string) (any, bool) {
		if _, ok := known[path]; !ok {
			return nil, false
		}
		return unwrapValue(partial.Values[path]), true
	})
}

// lookupFunc resolves a column path to its value; the second result is false
// when the value is not known.
type lookupFunc func(path string) (any, bool)

func eval(c Condition, look lookupFunc) (Tristate, error) {
	switch v := c.(type) {
	case nil, Always:
		return True, nil
	case Never:
		return False, nil
	case And:
		result := True
		for _, child := range v.Children {
			t, err := eval(child, look)
			if err != nil {
				return False, err
			}
			switch t {
			case False:
				return False, nil
			case Unknown:
				result = Unknown
			}
		}
		return result, nil
	case Or:
		result := False
		for _, child := range v.Children {
			t, err := eval(child, look)
			if err != nil {
				return False, err
			}
			switch t {
			case True:
				return True, nil
			case Unknown:
				result = Unknown
			}
		}
		return result, nil
	case Not:
		t, err := eval(v.Inner, look)
		if err != nil {
			return False, err
		}
		switch t {
		case True:
			return False, nil
		case False:
			return True, nil
		default:
			return Unknown, nil
		}
	case OnField:
		return eval(prefixPaths(v.Inner, v.Path), look)
	case Equal:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			return equalValues(value, v.Value), nil
		})
	case NotEqual:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			return !equalValues(value, v.Value), nil
		})
	case GreaterThan:
		return evalOrdered(look, v.Path, v.Value, func(cmp int) bool { return cmp > 0 })
	case GreaterThanOrEqual:
		return evalOrdered(look, v.Path, v.Value, func(cmp int) bool { return cmp >= 0 })
	case LessThan:
		return evalOrdered(look, v.Path, v.Value, func(cmp int) bool { return cmp < 0 })
	case LessThanOrEqual:
		return evalOrdered(look, v.Path, v.Value, func(cmp int) bool { return cmp <= 0 })
	case Inside:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			for _, candidate := range v.Values {
				if equalValues(value, candidate) {
					return true, nil
				}
			}
			return false, nil
		})
	case NotInside:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			for _, candidate := range v.Values {
				if equalValues(value, candidate) {
					return false, nil
				}
			}
			return true, nil
		})
	case StringContains:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			s, ok := value.(string)
			if !ok {
				return false, nil
			}
			if v.IgnoreCase {
				return strings.Contains(strings.ToLower(s), strings.ToLower(v.Substring)), nil
			}
			return strings.Contains(s, v.Substring), nil
		})
	case RegexMatches:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			s, ok := value.(string)
			if !ok {
				return false, nil
			}
			re, err := compiledRegex(v.Pattern)
			if err != nil {
				return false, err
			}
			return re.MatchString(s), nil
		})
	case FullTextSearch:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			return matchesFullText(value, v), nil
		})
	case GeoDistance:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			point, ok := geoPointOf(value)
			if !ok {
				return false, nil
			}
			return point.DistanceMeters(v.Center) <= v.WithinMeters, nil
		})
	case IntBitsClear:
		return evalBits(look, v.Path, func(bits int64) bool { return bits&v.Mask == 0 })
	case IntBitsSet:
		return evalBits(look, v.Path, func(bits int64) bool { return bits&v.Mask == v.Mask })
	case IntBitsAnyClear:
		return evalBits(look, v.Path, func(bits int64) bool { return bits&v.Mask != v.Mask })
	case IntBitsAnySet:
		return evalBits(look, v.Path, func(bits int64) bool { return bits&v.Mask != 0 })
	case ListAllElements:
		return evalQuantifier(look, v.Path, v.Inner, true)
	case SetAllElements:
		return evalQuantifier(look, v.Path, v.Inner, true)
	case ListAnyElements:
		return evalQuantifier(look, v.Path, v.Inner, false)
	case SetAnyElements:
		return evalQuantifier(look, v.Path, v.Inner, false)
	case ListSizeIs:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			return collectionSize(value) == v.Size, nil
		})
	case SetSizeIs:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			return collectionSize(value) == v.Size, nil
		})
	case HasKey:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			_, found := mapEntry(value, v.Key)
			return found, nil
		})
	case OnKey:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			entry, found := mapEntry(value, v.Key)
			if !found {
				return false, nil
			}
			t, err := evalRelative(v.Inner, entry)
			return t == True, err
		})
	case IfNotNull:
		return evalLeaf(look, v.Path, func(value any) (bool, error) {
			if value == nil {
				return false, nil
			}
			t, err := evalRelative(v.Inner, value)
			return t == True, err
		})
	default:
		return False, errors.NewErrorWithContext("evaluate", "", errors.ErrInvalidCondition, map[string]any{
			"variant": reflect.TypeOf(c).String(),
		})
	}
}

func evalLeaf(look lookupFunc, path string, test func(value any) (bool, error)) (Tristate, error) {
	value, known := look(path)
	if !known {
		return Unknown, nil
	}
	ok, err := test(value)
	if err != nil {
		return False, err
	}
	if ok {
		return True, nil
	}
	return False, nil
}

func evalOrdered(look lookupFunc, path string, bound any, accept func(cmp int) bool) (Tristate, error) {
	return evalLeaf(look, path, func(value any) (bool, error) {
		cmp, err := Compare(value, bound)
		if err != nil {
			return false, err
		}
		return accept(cmp), nil
	})
}

// evalBits reads the field as an int64 bit field; null and non-integer
// fields read as zero.
func evalBits(look lookupFunc, path string, test func(bits int64) bool) (Tristate, error) {
	return evalLeaf(look, path, func(value any) (bool, error) {
		return test(int64Of(value)), nil
	})
}

// evalQuantifier applies the inner condition to each element; null and
// non-collection fields read as empty, so the universal form is vacuously
// true and the existential form false.
func evalQuantifier(look lookupFunc, path string, inner Condition, all bool) (Tristate, error) {
	return evalLeaf(look, path, func(value any) (bool, error) {
		for _, element := range elementsOf(value) {
			t, err := evalRelative(inner, element)
			if err != nil {
				return false, err
			}
			matched := t == True
			if all && !matched {
				return false, nil
			}
			if !all && matched {
				return true, nil
			}
		}
		return all, nil
	})
}

// evalRelative evaluates a condition whose paths are relative to element.
func evalRelative(c Condition, element any) (Tristate, error) {
	resolve := resolverFor(element)
	return eval(c, func(path string) (any, bool) {
		return fieldValue(element, path, resolve), true
	})
}

func equalValues(a, b any) bool {
	if cmp, err := Compare(a, b); err == nil {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

func matchesFullText(value any, search FullTextSearch) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	query := search.Query
	if search.IgnoreCase {
		s = strings.ToLower(s)
		query = strings.ToLower(query)
	}
	terms := strings.Fields(query)
	for _, term := range terms {
		found := strings.Contains(s, term)
		if search.RequireAll && !found {
			return false
		}
		if !search.RequireAll && found {
			return true
		}
	}
	return search.RequireAll
}

func geoPointOf(value any) (types.GeoPoint, bool) {
	switch v := value.(type) {
	case types.GeoPoint:
		return v, true
	case map[string]any:
		lat, latOK := numutil.Float64Of(v["latitude"])
		lon, lonOK := numutil.Float64Of(v["longitude"])
		if latOK && lonOK {
			return types.GeoPoint{Latitude: lat, Longitude: lon}, true
		}
	}
	return types.GeoPoint{}, false
}

func int64Of(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

func collectionSize(value any) int {
	if value == nil {
		return 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	default:
		return 0
	}
}

// elementsOf flattens a list or set field into its elements. Sets appear
// either as map keys (the in-memory representation) or as decoded slices.
func elementsOf(value any) []any {
	if value == nil {
		return nil
	}
	if boxed, ok := value.([]any); ok {
		return boxed
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elements := make([]any, rv.Len())
		for i := range elements {
			elements[i] = unwrapValue(rv.Index(i).Interface())
		}
		return elements
	case reflect.Map:
		if rv.Type().Elem() == reflect.TypeOf(struct{}{}) {
			elements := make([]any, 0, rv.Len())
			for _, key := range rv.MapKeys() {
				elements = append(elements, key.Interface())
			}
			return elements
		}
	}
	return nil
}

// mapEntry looks up a string key in a map field of any value type.
func mapEntry(value any, key string) (any, bool) {
	if value == nil {
		return nil, false
	}
	if m, ok := value.(map[string]any); ok {
		entry, found := m[key]
		return unwrapValue(entry), found
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	entry := rv.MapIndex(reflect.ValueOf(key))
	if !entry.IsValid() {
		return nil, false
	}
	return unwrapValue(entry.Interface()), true
}

// fieldValue resolves a dotted path against a struct record or a flattened
// row map. Missing paths and nil pointers read as null.
func fieldValue(container any, path string, resolve reflectutil.FieldResolver) any {
	if path == "" {
		return unwrapValue(container)
	}
	if container == nil {
		return nil
	}
	if row, ok := container.(map[string]any); ok {
		return rowValue(row, path, resolve)
	}
	found, ok := reflectutil.Navigate(reflect.ValueOf(container), path, resolve)
	if !ok {
		return nil
	}
	return valueOf(found)
}

// rowValue reads a flattened row: an exact column first, then a nested map,
// then reassembly of dotted sub-columns into a nested map. An _exists marker
// set to false makes the whole prefix null.
func rowValue(row map[string]any, path string, resolve reflectutil.FieldResolver) any {
	if value, ok := row[path]; ok {
		return unwrapValue(value)
	}
	if marker, ok := row[path+"."+naming.ExistsMarker]; ok {
		if present, _ := marker.(bool); !present {
			return nil
		}
	}
	if head, rest, dotted := strings.Cut(path, "."); dotted {
		if sub, ok := row[head]; ok {
			return fieldValue(unwrapValue(sub), rest, resolve)
		}
	}
	prefix := path + "."
	var nested map[string]any
	for column, value := range row {
		if strings.HasPrefix(column, prefix) {
			if nested == nil {
				nested = make(map[string]any)
			}
			nested[strings.TrimPrefix(column, prefix)] = value
		}
	}
	if nested == nil {
		return nil
	}
	if marker, ok := nested[naming.ExistsMarker]; ok {
		if present, _ := marker.(bool); !present {
			return nil
		}
		delete(nested, naming.ExistsMarker)
	}
	return nested
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

// unwrapValue strips pointer and interface indirection; nil pointers read as
// null.
func unwrapValue(value any) any {
	if value == nil {
		return nil
	}
	rv := reflect.ValueOf(value)
	return valueOf(rv)
}

func valueOf(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.CanInterface() {
		return nil
	}
	return rv.Interface()
}
