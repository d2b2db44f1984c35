package marshal

import (
	"reflect"
	"sync"
	"time"

	"github.com/theory-cloud/cqltheory/internal/reflectutil"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// Codec converts model structs to flattened CQL rows and back, caching the
// layout per type. A registered custom converter takes precedence for its
// type.
type Codec struct {
	converter *types.Converter
	now       func() time.Time
	cache     sync.Map // reflect.Type -> *Layout
}

// NewCodec creates a codec. A nil converter disables custom conversions.
func NewCodec(converter *types.Converter) *Codec {
	return &Codec{
		converter: converter,
		now:       time.Now,
	}
}

// ClearCache drops all cached layouts, so newly registered converters take
// effect for already-seen types.
func (c *Codec) ClearCache() {
	if c == nil {
		return
	}
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		return true
	})
}

// LayoutOf returns the cached flattening of a model type.
func (c *Codec) LayoutOf(t reflect.Type) (*Layout, error) {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return nil, errors.NewError("layout", "", errors.ErrInvalidModel)
	}

	if cached, ok := c.cache.Load(t); ok {
		return cached.(*Layout), nil
	}

	layout, err := buildLayout(t, c.converter)
	if err != nil {
		return nil, err
	}
	actual, _ := c.cache.LoadOrStore(t, layout)
	return actual.(*Layout), nil
}

// Encode flattens a record into a CQL row keyed by dotted column path.
// Omitempty columns drop their zero values so inserts do not write
// tombstones; createdAt columns are stamped only when zero, updatedAt
// columns on every encode.
func (c *Codec) Encode(record any) (map[string]any, error) {
	v, err := derefStructValue(record)
	if err != nil {
		return nil, err
	}

	layout, err := c.LayoutOf(v.Type())
	if err != nil {
		return nil, err
	}

	now := c.now
	if now == nil {
		now = time.Now
	}

	row := make(map[string]any, len(layout.Columns))
	for i := range layout.Columns {
		column := &layout.Columns[i]

		field, reachable := fieldByIndex(v, column.FieldPath)

		switch column.Kind {
		case KindExists:
			row[column.Path] = reachable && !field.IsNil()
			continue
		case KindJSON:
			if !reachable {
				continue
			}
			if column.OmitEmpty && reflectutil.IsEmpty(field) {
				continue
			}
			text, err := c.encodeJSON(field)
			if err != nil {
				return nil, errors.NewErrorWithContext("encode", "", err, map[string]any{
					"column": column.Path,
				})
			}
			row[column.Path] = text
			continue
		}

		if !reachable {
			continue
		}

		if column.CreatedAt || column.UpdatedAt {
			stamp, err := c.stampTime(field, column, now)
			if err != nil {
				return nil, err
			}
			row[column.Path] = stamp
			continue
		}

		if column.OmitEmpty && reflectutil.IsEmpty(field) {
			continue
		}

		value, err := c.converterFor().ToCQLValue(fieldInterface(field))
		if err != nil {
			return nil, errors.NewErrorWithContext("encode", "", err, map[string]any{
				"column": column.Path,
			})
		}
		row[column.Path] = value
	}

	return row, nil
}

// Decode fills a struct from a flattened row. Columns absent from the row
// are left at their zero value, so partial rows decode cleanly; an _exists
// marker set to false keeps the embedded pointer nil.
func (c *Codec) Decode(row map[string]any, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.NewError("decode", "", errors.ErrInvalidModel)
	}

	layout, err := c.LayoutOf(rv.Type())
	if err != nil {
		return err
	}

	resolve := func(field reflect.StructField) (string, bool) {
		return naming.ResolveColumnNameWithConvention(field, layout.Convention)
	}
	root := rv.Elem()

	dead := make(map[string]bool)
	for i := range layout.Columns {
		column := &layout.Columns[i]
		if column.Kind != KindExists {
			continue
		}
		prefix := parentPath(column.Path)
		marker, ok := row[column.Path]
		if !ok {
			continue
		}
		if present, _ := marker.(bool); !present {
			dead[prefix] = true
			continue
		}
		// Allocate the embed even when every sub-column is null.
		alloc := func(v reflect.Value) error {
			if v.Kind() == reflect.Ptr && v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			return nil
		}
		if _, err := reflectutil.MutatePath(root, prefix, resolve, alloc); err != nil {
			return err
		}
	}

	for i := range layout.Columns {
		column := &layout.Columns[i]
		if column.Kind == KindExists || underDeadPrefix(dead, column.Path) {
			continue
		}

		stored, ok := row[column.Path]
		if !ok || stored == nil {
			continue
		}

		found, err := reflectutil.MutatePath(root, column.Path, resolve, func(field reflect.Value) error {
			if column.Kind == KindJSON {
				return c.decodeJSON(stored, field)
			}
			if !field.CanAddr() {
				return errors.NewError("decode", "", errors.ErrInvalidModel)
			}
			return c.converterFor().FromCQLValue(stored, field.Addr().Interface())
		})
		if err != nil {
			return errors.NewErrorWithContext("decode", "", err, map[string]any{
				"column": column.Path,
			})
		}
		if !found {
			return errors.NewErrorWithContext("decode", "", errors.ErrInvalidModel, map[string]any{
				"column": column.Path,
			})
		}
	}

	return nil
}

func (c *Codec) stampTime(field reflect.Value, column *Column, now func() time.Time) (any, error) {
	var current time.Time
	if concrete := reflectutil.Indirect(field); concrete.IsValid() {
		if t, ok := concrete.Interface().(time.Time); ok {
			current = t
		}
	}

	if column.UpdatedAt || current.IsZero() {
		return now().UTC(), nil
	}
	return c.converterFor().ToCQLValue(current)
}

func (c *Codec) converterFor() *types.Converter {
	if c.converter != nil {
		return c.converter
	}
	return defaultConverter
}

var defaultConverter = types.NewConverter()

func derefStructValue(record any) (reflect.Value, error) {
	if record == nil {
		return reflect.Value{}, errors.NewError("encode", "", errors.ErrInvalidModel)
	}
	v := reflect.ValueOf(record)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, errors.NewError("encode", "", errors.ErrInvalidModel)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, errors.NewError("encode", "", errors.ErrInvalidModel)
	}
	return v, nil
}

// fieldByIndex walks an index path, stopping at nil pointers instead of
// panicking. The second result is false when the chain is broken.
func fieldByIndex(v reflect.Value, path []int) (reflect.Value, bool) {
	cur := v
	for i, idx := range path {
		if i > 0 {
			for cur.Kind() == reflect.Ptr {
				if cur.IsNil() {
					return reflect.Value{}, false
				}
				cur = cur.Elem()
			}
		}
		cur = cur.Field(idx)
	}
	return cur, true
}

func fieldInterface(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return nil
	}
	return v.Interface()
}

func parentPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return ""
}

func underDeadPrefix(dead map[string]bool, path string) bool {
	for prefix := parentPath(path); prefix != ""; prefix = parentPath(prefix) {
		if dead[prefix] {
			return true
		}
	}
	return false
}
