// Package marshal flattens model structs into CQL rows and back. Embedded
// structs become dotted column prefixes ("address.city"), nullable embeds
// carry an _exists marker column, and shapes CQL cannot hold natively
// (self-referential structs, interfaces, collections of structs) fall back to
// a JSON text column.
package marshal

import (
	"reflect"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
	"github.com/google/uuid"

	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// ColumnKind tells the codec how a column is stored.
type ColumnKind int

const (
	// KindScalar is a native CQL value (scalars, time, UUID, collections of
	// scalars).
	KindScalar ColumnKind = iota
	// KindJSON is a text column holding the JSON form of the field.
	KindJSON
	// KindExists is the synthetic boolean recording whether a nullable
	// embedded struct is present.
	KindExists
)

// Column describes one flattened CQL column of a model.
type Column struct {
	Path      string
	CQLType   string
	GoType    reflect.Type
	FieldPath []int
	Kind      ColumnKind
	OmitEmpty bool
	IsSet     bool
	CreatedAt bool
	UpdatedAt bool
}

// Layout is the cached flattening of one model type.
type Layout struct {
	GoType     reflect.Type
	Columns    []Column
	Convention naming.Convention
	byPath     map[string]int
}

// Column returns the layout column at the given dotted path.
func (l *Layout) Column(path string) (*Column, bool) {
	idx, ok := l.byPath[path]
	if !ok {
		return nil, false
	}
	return &l.Columns[idx], true
}

// HasColumn reports whether the model flattens a column at the path.
func (l *Layout) HasColumn(path string) bool {
	_, ok := l.byPath[path]
	return ok
}

// ColumnPaths lists every column path in declaration order.
func (l *Layout) ColumnPaths() []string {
	paths := make([]string, len(l.Columns))
	for i := range l.Columns {
		paths[i] = l.Columns[i].Path
	}
	return paths
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	uuidType     = reflect.TypeOf(uuid.UUID{})
	gocqlUUIDTyp = reflect.TypeOf(gocql.UUID{})
)

// CQLTyped lets a custom-converted type declare the column type it stores
// as; without it the codec assumes text.
type CQLTyped interface {
	CQLType() string
}

type layoutBuilder struct {
	converter  *types.Converter
	convention naming.Convention
	columns    []Column
	stack      []reflect.Type
}

func buildLayout(t reflect.Type, converter *types.Converter) (*Layout, error) {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, errors.NewError("layout", "", errors.ErrInvalidModel)
	}

	b := &layoutBuilder{
		converter:  converter,
		convention: types.DetectNamingConvention(t),
	}
	if err := b.walkStruct(t, "", nil); err != nil {
		return nil, err
	}

	layout := &Layout{
		GoType:     t,
		Columns:    b.columns,
		Convention: b.convention,
		byPath:     make(map[string]int, len(b.columns)),
	}
	for i := range layout.Columns {
		path := layout.Columns[i].Path
		if _, dup := layout.byPath[path]; dup {
			return nil, errors.NewErrorWithContext("layout", "", errors.ErrInvalidModel, map[string]any{
				"column": path,
			})
		}
		layout.byPath[path] = i
	}
	return layout, nil
}

func (b *layoutBuilder) walkStruct(t reflect.Type, prefix string, indexPath []int) error {
	b.stack = append(b.stack, t)
	defer func() { b.stack = b.stack[:len(b.stack)-1] }()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		path := append(append([]int{}, indexPath...), i)

		// Embedded structs surface their fields at the parent level.
		if field.Anonymous && indirectType(field.Type).Kind() == reflect.Struct && !isLeafStruct(indirectType(field.Type)) {
			if err := b.walkStruct(indirectType(field.Type), prefix, path); err != nil {
				return err
			}
			continue
		}

		name, skip := naming.ResolveColumnNameWithConvention(field, b.convention)
		if skip {
			continue
		}
		if err := naming.ValidateColumnName(name, b.convention); err != nil {
			return errors.NewErrorWithContext("layout", "", errors.ErrInvalidModel, map[string]any{
				"field":  field.Name,
				"reason": err.Error(),
			})
		}

		if err := b.walkField(field, joinColumnPath(prefix, name), path); err != nil {
			return err
		}
	}
	return nil
}

func (b *layoutBuilder) walkField(field reflect.StructField, path string, indexPath []int) error {
	ft := field.Type
	nullable := false
	for ft.Kind() == reflect.Ptr {
		nullable = true
		ft = ft.Elem()
	}

	column := Column{
		Path:      path,
		GoType:    field.Type,
		FieldPath: indexPath,
		OmitEmpty: naming.TagOption(field, "omitempty"),
		IsSet:     naming.TagOption(field, "set"),
		CreatedAt: naming.TagOption(field, "createdAt"),
		UpdatedAt: naming.TagOption(field, "updatedAt"),
	}

	// Registered custom converters take the column whole.
	if b.converter != nil && b.converter.HasCustomConverter(field.Type) {
		column.CQLType = customCQLType(field.Type)
		b.columns = append(b.columns, column)
		return nil
	}

	if naming.TagOption(field, "json") || b.needsJSON(ft) {
		column.Kind = KindJSON
		column.CQLType = "text"
		b.columns = append(b.columns, column)
		return nil
	}

	if ft.Kind() == reflect.Struct && !isLeafStruct(ft) {
		if nullable {
			b.columns = append(b.columns, Column{
				Path:      joinColumnPath(path, naming.ExistsMarker),
				CQLType:   "boolean",
				GoType:    reflect.TypeOf(false),
				FieldPath: indexPath,
				Kind:      KindExists,
			})
		}
		return b.walkStruct(ft, path, indexPath)
	}

	cqlType, err := types.CQLTypeOf(ft, column.IsSet)
	if err != nil {
		return errors.NewErrorWithContext("layout", "", errors.ErrInvalidModel, map[string]any{
			"column": path,
			"type":   ft.String(),
		})
	}
	column.CQLType = cqlType
	b.columns = append(b.columns, column)
	return nil
}

// needsJSON reports shapes the row model cannot hold natively: types already
// on the walk stack (self-reference), interfaces, and collections of
// structs.
func (b *layoutBuilder) needsJSON(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Struct:
		if isLeafStruct(t) {
			return false
		}
		for _, seen := range b.stack {
			if seen == t {
				return true
			}
		}
		return false
	case reflect.Slice, reflect.Array:
		elem := indirectType(t.Elem())
		return elem.Kind() == reflect.Interface || (elem.Kind() == reflect.Struct && !isLeafStruct(elem))
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return true
		}
		elem := indirectType(t.Elem())
		return elem.Kind() == reflect.Interface || (elem.Kind() == reflect.Struct && !isLeafStruct(elem) && elem != reflect.TypeOf(struct{}{}))
	default:
		return false
	}
}

// isLeafStruct marks struct types stored as single scalar columns rather
// than flattened.
func isLeafStruct(t reflect.Type) bool {
	return t == timeType || t == uuidType || t == gocqlUUIDTyp
}

func indirectType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

func customCQLType(t reflect.Type) string {
	if typed, ok := reflect.Zero(t).Interface().(CQLTyped); ok {
		return typed.CQLType()
	}
	return "text"
}

func joinColumnPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
