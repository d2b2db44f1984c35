// Package schema declares table layouts explicitly. Partition and clustering
// keys, index technologies, computed columns and materialized views all come
// from the builder; struct tags only name columns (pkg/naming). A built
// Descriptor is immutable and safe for concurrent use.
package schema

import (
	"fmt"
	"reflect"

	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/naming"
)

// Order is the declared sort direction of a clustering key.
type Order int

const (
	// Asc sorts a clustering column ascending.
	Asc Order = iota
	// Desc sorts a clustering column descending.
	Desc
)

// ClusteringKey is one declared clustering column with its direction.
type ClusteringKey struct {
	Column     string
	Descending bool
}

// IndexKind selects the index technology backing a secondary index.
type IndexKind int

const (
	// Legacy is the SASI-style text index: prefix, contains or analyzed
	// matching, and native multi-value IN.
	Legacy IndexKind = iota
	// Modern is the SAI-style index: equality and ranges only, no
	// disjunction-of-many.
	Modern
)

// String returns the index kind as used in logs and index names.
func (k IndexKind) String() string {
	switch k {
	case Legacy:
		return "legacy"
	case Modern:
		return "modern"
	default:
		return fmt.Sprintf("IndexKind(%d)", int(k))
	}
}

// TextMode is the matching mode of a legacy text index.
type TextMode int

const (
	// TextPrefix matches leading substrings (LIKE 'abc%'). Equality still
	// works.
	TextPrefix TextMode = iota
	// TextContains matches anywhere in the value (LIKE '%abc%').
	TextContains
	// TextAnalyzed tokenizes the value before matching.
	TextAnalyzed
)

// String returns the mode name in the form index options use.
func (m TextMode) String() string {
	switch m {
	case TextPrefix:
		return "PREFIX"
	case TextContains:
		return "CONTAINS"
	case TextAnalyzed:
		return "ANALYZED"
	default:
		return fmt.Sprintf("TextMode(%d)", int(m))
	}
}

// Index is one declared secondary index.
type Index struct {
	Column string
	Kind   IndexKind
	Mode   TextMode // meaningful for legacy indexes only
}

// ComputedKind is the transform a computed column applies to its sources.
type ComputedKind int

const (
	// ComputedLower stores the case-folded source value.
	ComputedLower ComputedKind = iota
	// ComputedReverse stores the rune-reversed source value, turning
	// trailing-range scans into indexable prefix scans.
	ComputedReverse
	// ComputedGeohash stores a geohash staircase of a latitude/longitude
	// source pair: one column per precision from 1 up to Precision.
	ComputedGeohash
)

// ComputedColumn is a stored column derived from source columns on every
// insert and on any update that touches a source. Computed columns are
// invisible to decoding.
type ComputedColumn struct {
	Name      string
	Sources   []string
	Kind      ComputedKind
	Precision int // geohash staircase depth, 1..geo.MaxPrecision
}

// StaircaseColumn returns the stored column name for one precision step of a
// geohash staircase. For other kinds the name is the column name itself.
func (c ComputedColumn) StaircaseColumn(precision int) string {
	if c.Kind != ComputedGeohash {
		return c.Name
	}
	return fmt.Sprintf("%s_hash_%d", c.Name, precision)
}

// StoredColumns lists every column this computed definition stores, in
// precision order for geohash staircases.
func (c ComputedColumn) StoredColumns() []string {
	if c.Kind != ComputedGeohash {
		return []string{c.Name}
	}
	columns := make([]string, 0, c.Precision)
	for p := 1; p <= c.Precision; p++ {
		columns = append(columns, c.StaircaseColumn(p))
	}
	return columns
}

// ViewKeys is the key layout of a materialized view.
type ViewKeys struct {
	Partition  []string
	Clustering []string
}

// View is an alternate read layout maintained by the server.
type View struct {
	Name string
	Keys ViewKeys
}

// Descriptor is the complete declared layout of one table. Build it with
// Define; the zero value is not usable.
type Descriptor struct {
	Table          string
	ModelType      reflect.Type
	PartitionKeys  []string
	ClusteringKeys []ClusteringKey
	Indexes        []Index
	Computed       []ComputedColumn
	Views          []View
	UniqueSets     [][]string
	VersionColumn  string
	TTLColumn      string

	layout   *marshal.Layout
	computed map[string]*ComputedColumn // stored column name -> definition
}

// Layout returns the model's column flattening.
func (d *Descriptor) Layout() *marshal.Layout {
	return d.layout
}

// PrimaryKeyColumns returns partition keys followed by clustering columns:
// the identity used for dedup and for full-key statements.
func (d *Descriptor) PrimaryKeyColumns() []string {
	columns := make([]string, 0, len(d.PartitionKeys)+len(d.ClusteringKeys))
	columns = append(columns, d.PartitionKeys...)
	for _, ck := range d.ClusteringKeys {
		columns = append(columns, ck.Column)
	}
	return columns
}

// IsKeyColumn reports whether the column is part of the primary key.
func (d *Descriptor) IsKeyColumn(column string) bool {
	for _, pk := range d.PartitionKeys {
		if pk == column {
			return true
		}
	}
	for _, ck := range d.ClusteringKeys {
		if ck.Column == column {
			return true
		}
	}
	return false
}

// HasColumn reports whether the table stores the column: a model column, a
// computed column, or the synthetic identity column.
func (d *Descriptor) HasColumn(column string) bool {
	if column == naming.IDMarker {
		return d.usesIdentityColumn()
	}
	if d.layout.HasColumn(column) {
		return true
	}
	_, ok := d.computed[column]
	return ok
}

// ComputedFor returns the computed definition storing the column, if any.
func (d *Descriptor) ComputedFor(column string) (*ComputedColumn, bool) {
	c, ok := d.computed[column]
	return c, ok
}

// ColumnFor resolves a model path to its stored column name. Paths resolve
// to themselves when the model flattens them; computed columns have no
// model path.
func (d *Descriptor) ColumnFor(path string) (string, bool) {
	if d.layout.HasColumn(path) {
		return path, true
	}
	if path == naming.IDMarker && d.usesIdentityColumn() {
		return naming.IDMarker, true
	}
	return "", false
}

// PathFor resolves a stored column back to the model path it decodes into.
// Computed columns and the synthetic identity column have none.
func (d *Descriptor) PathFor(column string) (string, bool) {
	if _, computed := d.computed[column]; computed {
		return "", false
	}
	if column == naming.IDMarker && !d.layout.HasColumn(column) {
		return "", false
	}
	if d.layout.HasColumn(column) {
		return column, true
	}
	return "", false
}

// IndexFor returns the declared index on a column, if any.
func (d *Descriptor) IndexFor(column string) (Index, bool) {
	for _, idx := range d.Indexes {
		if idx.Column == column {
			return idx, true
		}
	}
	return Index{}, false
}

// ViewNamed returns the declared view with the given name.
func (d *Descriptor) ViewNamed(name string) (View, bool) {
	for _, v := range d.Views {
		if v.Name == name {
			return v, true
		}
	}
	return View{}, false
}

// GeohashFor returns the geohash computed definition sourced from the given
// latitude/longitude column pair, if one was declared.
func (d *Descriptor) GeohashFor(latColumn, lonColumn string) (*ComputedColumn, bool) {
	for i := range d.Computed {
		c := &d.Computed[i]
		if c.Kind != ComputedGeohash {
			continue
		}
		if len(c.Sources) == 2 && c.Sources[0] == latColumn && c.Sources[1] == lonColumn {
			return c, true
		}
	}
	return nil, false
}

// usesIdentityColumn reports whether the synthetic "_id" column is part of
// this table's layout (always true when it serves as the default partition
// key).
func (d *Descriptor) usesIdentityColumn() bool {
	if d.layout.HasColumn(naming.IDMarker) {
		return true
	}
	for _, pk := range d.PartitionKeys {
		if pk == naming.IDMarker {
			return true
		}
	}
	for _, ck := range d.ClusteringKeys {
		if ck.Column == naming.IDMarker {
			return true
		}
	}
	return false
}
