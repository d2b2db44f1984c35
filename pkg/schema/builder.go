package schema

import (
	"reflect"
	"strings"

	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/geo"
	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// Builder accumulates one table declaration. Methods chain and never fail;
// all validation happens in Build.
type Builder struct {
	table          string
	model          any
	converter      *types.Converter
	partitionKeys  []string
	clusteringKeys []ClusteringKey
	indexes        []Index
	computed       []ComputedColumn
	views          []View
	uniqueSets     [][]string
	versionColumn  string
	ttlColumn      string
}

// Define starts a table declaration for a model type.
func Define(table string, model any) *Builder {
	return &Builder{table: table, model: model}
}

// Converter sets the custom-converter registry the table's codec will use,
// so the declared layout matches the encoded one. Optional.
func (b *Builder) Converter(c *types.Converter) *Builder {
	b.converter = c
	return b
}

// PartitionKey appends partition-key columns in composite order. Omitting it
// defaults the partition key to the synthetic "_id" identity column.
func (b *Builder) PartitionKey(columns ...string) *Builder {
	b.partitionKeys = append(b.partitionKeys, columns...)
	return b
}

// ClusteringKey appends one clustering column with its sort direction.
func (b *Builder) ClusteringKey(column string, order Order) *Builder {
	b.clusteringKeys = append(b.clusteringKeys, ClusteringKey{
		Column:     column,
		Descending: order == Desc,
	})
	return b
}

// LegacyTextIndex declares a SASI-style text index on a column.
func (b *Builder) LegacyTextIndex(column string, mode TextMode) *Builder {
	b.indexes = append(b.indexes, Index{Column: column, Kind: Legacy, Mode: mode})
	return b
}

// ModernIndex declares an SAI-style index on a column.
func (b *Builder) ModernIndex(column string) *Builder {
	b.indexes = append(b.indexes, Index{Column: column, Kind: Modern})
	return b
}

// Unique declares that the listed columns form a uniqueness set, enforced
// with guarded writes.
func (b *Builder) Unique(columns ...string) *Builder {
	b.uniqueSets = append(b.uniqueSets, columns)
	return b
}

// Lowercased stores a case-folded copy of a text column as "<column>_lower".
func (b *Builder) Lowercased(column string) *Builder {
	b.computed = append(b.computed, ComputedColumn{
		Name:    column + "_lower",
		Kind:    ComputedLower,
		Sources: []string{column},
	})
	return b
}

// Reversed stores a rune-reversed copy of a text column as
// "<column>_reversed", turning suffix scans into prefix scans.
func (b *Builder) Reversed(column string) *Builder {
	b.computed = append(b.computed, ComputedColumn{
		Name:    column + "_reversed",
		Kind:    ComputedReverse,
		Sources: []string{column},
	})
	return b
}

// Geohashed stores a geohash staircase computed from a latitude and a
// longitude column: columns "<name>_hash_1" … "<name>_hash_<depth>", each
// carrying the hash truncated to that precision. Each staircase column gets
// a legacy prefix index so proximity plans can push cell conditions.
func (b *Builder) Geohashed(name, latColumn, lonColumn string, depth int) *Builder {
	b.computed = append(b.computed, ComputedColumn{
		Name:      name,
		Kind:      ComputedGeohash,
		Sources:   []string{latColumn, lonColumn},
		Precision: depth,
	})
	return b
}

// View declares a materialized view with its own key layout.
func (b *Builder) View(name string, keys ViewKeys) *Builder {
	b.views = append(b.views, View{Name: name, Keys: keys})
	return b
}

// VersionColumn declares the optimistic-lock column guarded on updates.
func (b *Builder) VersionColumn(column string) *Builder {
	b.versionColumn = column
	return b
}

// TTLColumn declares the column whose value drives per-row native TTL.
func (b *Builder) TTLColumn(column string) *Builder {
	b.ttlColumn = column
	return b
}

// Build validates the declaration against the model layout and returns the
// immutable descriptor.
func (b *Builder) Build() (*Descriptor, error) {
	if strings.TrimSpace(b.table) == "" {
		return nil, b.invalid("table name is empty", nil)
	}
	if b.model == nil {
		return nil, b.invalid("model is nil", nil)
	}

	layout, err := marshal.NewCodec(b.converter).LayoutOf(reflect.TypeOf(b.model))
	if err != nil {
		return nil, err
	}
	if err := naming.ValidateColumnName(b.table, layout.Convention); err != nil {
		return nil, b.invalid(err.Error(), map[string]any{"table": b.table})
	}

	d := &Descriptor{
		Table:          b.table,
		ModelType:      layout.GoType,
		PartitionKeys:  append([]string{}, b.partitionKeys...),
		ClusteringKeys: append([]ClusteringKey{}, b.clusteringKeys...),
		Computed:       append([]ComputedColumn{}, b.computed...),
		Views:          append([]View{}, b.views...),
		UniqueSets:     copyUniqueSets(b.uniqueSets),
		VersionColumn:  b.versionColumn,
		TTLColumn:      b.ttlColumn,
		layout:         layout,
	}
	if len(d.PartitionKeys) == 0 {
		d.PartitionKeys = []string{naming.IDMarker}
	}

	if err := b.resolveComputed(d); err != nil {
		return nil, err
	}
	if err := b.resolveIndexes(d); err != nil {
		return nil, err
	}
	if err := b.checkKeys(d); err != nil {
		return nil, err
	}
	if err := b.checkVersionAndTTL(d); err != nil {
		return nil, err
	}
	if err := b.checkUniqueSets(d); err != nil {
		return nil, err
	}
	if err := b.checkViews(d); err != nil {
		return nil, err
	}
	return d, nil
}

// resolveComputed validates computed definitions and registers their stored
// columns.
func (b *Builder) resolveComputed(d *Descriptor) error {
	d.computed = make(map[string]*ComputedColumn, len(d.Computed))

	for i := range d.Computed {
		c := &d.Computed[i]
		if c.Name == "" {
			return b.invalid("computed column has no name", nil)
		}

		switch c.Kind {
		case ComputedLower, ComputedReverse:
			if len(c.Sources) != 1 {
				return b.invalid("text transform needs exactly one source", map[string]any{"computed": c.Name})
			}
			if err := b.requireColumnType(d, c.Sources[0], "text"); err != nil {
				return err
			}
		case ComputedGeohash:
			if c.Precision < 1 || c.Precision > geo.MaxPrecision {
				return b.invalid("geohash precision out of range", map[string]any{
					"computed":  c.Name,
					"precision": c.Precision,
				})
			}
			if len(c.Sources) != 2 {
				return b.invalid("geohash needs latitude and longitude sources", map[string]any{"computed": c.Name})
			}
			for _, source := range c.Sources {
				if err := b.requireColumnType(d, source, "double", "float"); err != nil {
					return err
				}
			}
		default:
			return b.invalid("unknown computed kind", map[string]any{"computed": c.Name})
		}

		for _, stored := range c.StoredColumns() {
			if d.layout.HasColumn(stored) {
				return b.invalid("computed column collides with a model column", map[string]any{"column": stored})
			}
			if _, dup := d.computed[stored]; dup {
				return b.invalid("duplicate computed column", map[string]any{"column": stored})
			}
			d.computed[stored] = c
		}
	}
	return nil
}

// resolveIndexes validates declared indexes and adds the automatic legacy
// prefix indexes backing geohash staircases.
func (b *Builder) resolveIndexes(d *Descriptor) error {
	indexes := append([]Index{}, b.indexes...)
	for i := range d.Computed {
		c := &d.Computed[i]
		if c.Kind != ComputedGeohash {
			continue
		}
		for _, stored := range c.StoredColumns() {
			if !hasIndexOn(indexes, stored) {
				indexes = append(indexes, Index{Column: stored, Kind: Legacy, Mode: TextPrefix})
			}
		}
	}

	seen := make(map[string]bool, len(indexes))
	for _, idx := range indexes {
		if seen[idx.Column] {
			return b.invalid("duplicate index", map[string]any{"column": idx.Column})
		}
		seen[idx.Column] = true

		cqlType, ok := b.storedColumnType(d, idx.Column)
		if !ok {
			return b.invalid("index on unknown column", map[string]any{"column": idx.Column})
		}
		if idx.Kind == Legacy && cqlType != "text" {
			return b.invalid("legacy text index needs a text column", map[string]any{
				"column": idx.Column,
				"type":   cqlType,
			})
		}
	}

	d.Indexes = indexes
	return nil
}

func (b *Builder) checkKeys(d *Descriptor) error {
	seen := make(map[string]bool, len(d.PartitionKeys)+len(d.ClusteringKeys))
	for _, column := range d.PrimaryKeyColumns() {
		if seen[column] {
			return b.invalid("duplicate key column", map[string]any{"column": column})
		}
		seen[column] = true

		if column == naming.IDMarker {
			continue
		}
		if _, ok := b.storedColumnType(d, column); !ok {
			return b.invalid("key column not stored by the model", map[string]any{"column": column})
		}
	}
	return nil
}

func (b *Builder) checkVersionAndTTL(d *Descriptor) error {
	if d.VersionColumn != "" {
		if err := b.requireColumnType(d, d.VersionColumn, "smallint", "int", "bigint"); err != nil {
			return err
		}
	}
	if d.TTLColumn != "" {
		if err := b.requireColumnType(d, d.TTLColumn, "timestamp"); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) checkUniqueSets(d *Descriptor) error {
	for _, set := range d.UniqueSets {
		if len(set) == 0 {
			return b.invalid("empty uniqueness set", nil)
		}
		for _, column := range set {
			if !d.HasColumn(column) {
				return b.invalid("uniqueness set references unknown column", map[string]any{"column": column})
			}
		}
	}
	return nil
}

func (b *Builder) checkViews(d *Descriptor) error {
	names := make(map[string]bool, len(d.Views))
	for _, view := range d.Views {
		if view.Name == "" {
			return b.invalid("view has no name", nil)
		}
		if err := naming.ValidateColumnName(view.Name, d.layout.Convention); err != nil {
			return b.invalid(err.Error(), map[string]any{"view": view.Name})
		}
		if names[view.Name] || view.Name == d.Table {
			return b.invalid("duplicate view name", map[string]any{"view": view.Name})
		}
		names[view.Name] = true

		if len(view.Keys.Partition) == 0 {
			return b.invalid("view has no partition key", map[string]any{"view": view.Name})
		}
		for _, column := range append(append([]string{}, view.Keys.Partition...), view.Keys.Clustering...) {
			if column == naming.IDMarker {
				continue
			}
			if _, ok := b.storedColumnType(d, column); !ok {
				return b.invalid("view key references unknown column", map[string]any{
					"view":   view.Name,
					"column": column,
				})
			}
		}
	}
	return nil
}

// storedColumnType returns the CQL type of a stored column: a scalar model
// column, a computed column (always text), or the synthetic identity column.
func (b *Builder) storedColumnType(d *Descriptor, column string) (string, bool) {
	if c, ok := d.layout.Column(column); ok {
		if c.Kind != marshal.KindScalar {
			return "", false
		}
		return c.CQLType, true
	}
	if _, ok := d.computed[column]; ok {
		return "text", true
	}
	if column == naming.IDMarker {
		return "text", true
	}
	return "", false
}

func (b *Builder) requireColumnType(d *Descriptor, column string, accepted ...string) error {
	cqlType, ok := b.storedColumnType(d, column)
	if !ok {
		return b.invalid("unknown column", map[string]any{"column": column})
	}
	for _, want := range accepted {
		if cqlType == want {
			return nil
		}
	}
	return b.invalid("column type not usable here", map[string]any{
		"column": column,
		"type":   cqlType,
	})
}

func (b *Builder) invalid(reason string, context map[string]any) error {
	if context == nil {
		context = map[string]any{}
	}
	context["reason"] = reason
	return errors.NewErrorWithContext("define", b.table, errors.ErrInvalidModel, context)
}

func hasIndexOn(indexes []Index, column string) bool {
	for _, idx := range indexes {
		if idx.Column == column {
			return true
		}
	}
	return false
}

func copyUniqueSets(sets [][]string) [][]string {
	out := make([][]string, len(sets))
	for i, set := range sets {
		out[i] = append([]string{}, set...)
	}
	return out
}
