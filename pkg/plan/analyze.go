// Package plan splits condition trees into the part the storage dialect can
// evaluate natively and the part the engine must filter in process, then
// rewrites what it can into parallel branch sets. Soundness rule throughout:
// the native side must select a superset of the condition's rows, and
// native AND residual must equal the original condition; a leaf the dialect
// cannot express exactly stays residual.
package plan

import (
	"fmt"
	"strings"

	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/schema"
)

// Op is a native WHERE relation operator.
type Op string

const (
	OpEqual          Op = "="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="
	OpIn             Op = "IN"
	OpLike           Op = "LIKE"
	OpContains       Op = "CONTAINS"
	OpContainsKey    Op = "CONTAINS KEY"
)

// Clause is one native WHERE relation over a storage column. Values is used
// by IN; every other operator carries a single Value.
type Clause struct {
	Column string
	Op     Op
	Value  any
	Values []any
}

// IndexSet holds the columns whose secondary indexes were verified working
// after migration. A declared index outside the set is treated as absent.
type IndexSet map[string]struct{}

// NewIndexSet builds an IndexSet from column names.
func NewIndexSet(columns ...string) IndexSet {
	s := make(IndexSet, len(columns))
	for _, column := range columns {
		s[column] = struct{}{}
	}
	return s
}

// AllIndexes marks every index the descriptor declares as working.
func AllIndexes(d *schema.Descriptor) IndexSet {
	s := make(IndexSet, len(d.Indexes))
	for _, idx := range d.Indexes {
		s[idx.Column] = struct{}{}
	}
	return s
}

// Add marks column's index as working.
func (s IndexSet) Add(column string) {
	s[column] = struct{}{}
}

// Has reports whether column's index is working.
func (s IndexSet) Has(column string) bool {
	_, ok := s[column]
	return ok
}

// Analysis is the split of one condition against one query target.
type Analysis struct {
	// Target is the table or materialized view the statement reads.
	Target string
	// Clauses is the native WHERE, combined with AND.
	Clauses []Clause
	// Residual is the remainder evaluated in process; Always when the
	// native side is exact.
	Residual condition.Condition
	// AllowFiltering marks statements the dialect only accepts with ALLOW
	// FILTERING: any non-exact split, and any native set that is not a
	// proper key query.
	AllowFiltering bool
	// KeyQuery reports that the clauses restrict the full partition key
	// (equality, at most one IN) plus a clustering prefix and nothing else.
	KeyQuery bool
	// PartitionPinned reports that every partition column is restricted,
	// by equality or at most one IN.
	PartitionPinned bool
	// Warnings lists pushdowns that were declined and why.
	Warnings []string
}

// Analyze splits a normalized condition against the descriptor's base
// table. The working set gates which declared indexes may serve clauses.
func Analyze(c condition.Condition, d *schema.Descriptor, working IndexSet) (Analysis, error) {
	return analyzeFor(c, d, baseTarget(d), working), nil
}

// target is one queryable layout: the base table or a materialized view.
type target struct {
	name       string
	partition  []string
	clustering []schema.ClusteringKey
	// indexable is true only for the base table; the dialect does not
	// support secondary indexes on views.
	indexable bool
}

func baseTarget(d *schema.Descriptor) target {
	return target{
		name:       d.Table,
		partition:  d.PartitionKeys,
		clustering: d.ClusteringKeys,
		indexable:  true,
	}
}

func viewTarget(v schema.View) target {
	clustering := make([]schema.ClusteringKey, len(v.Keys.Clustering))
	for i, column := range v.Keys.Clustering {
		clustering[i] = schema.ClusteringKey{Column: column}
	}
	return target{name: v.Name, partition: v.Keys.Partition, clustering: clustering}
}

// leaf is one top-level conjunct mapped to its storage column, when it has
// one.
type leaf struct {
	cond   condition.Condition
	column string
	ok     bool
}

func analyzeFor(c condition.Condition, d *schema.Descriptor, t target, working IndexSet) Analysis {
	a := analysisBuilder{
		desc:    d,
		target:  t,
		working: working,
		leaves:  conjuncts(c, d),
		bounds:  make(map[string]*columnBounds),
	}
	a.pushed = make([]bool, len(a.leaves))
	a.pinPartition()
	a.walkClustering()
	a.pushIndexed()
	return a.finish()
}

// conjuncts flattens the top-level And (or wraps a single node) and resolves
// each conjunct's column.
func conjuncts(c condition.Condition, d *schema.Descriptor) []leaf {
	var children []condition.Condition
	switch v := c.(type) {
	case nil, condition.Always:
		return nil
	case condition.And:
		children = v.Children
	default:
		children = []condition.Condition{c}
	}
	leaves := make([]leaf, 0, len(children))
	for _, child := range children {
		column, ok := leafColumn(child, d)
		leaves = append(leaves, leaf{cond: child, column: column, ok: ok})
	}
	return leaves
}

// leafColumn resolves the storage column a leaf restricts. Connectives and
// variants the dialect can never push resolve to none.
func leafColumn(c condition.Condition, d *schema.Descriptor) (string, bool) {
	var path string
	switch v := c.(type) {
	case condition.Equal:
		path = v.Path
	case condition.GreaterThan:
		path = v.Path
	case condition.GreaterThanOrEqual:
		path = v.Path
	case condition.LessThan:
		path = v.Path
	case condition.LessThanOrEqual:
		path = v.Path
	case condition.Inside:
		path = v.Path
	case condition.StringContains:
		path = v.Path
	case condition.FullTextSearch:
		path = v.Path
	case condition.ListAnyElements:
		path = v.Path
	case condition.SetAnyElements:
		path = v.Path
	case condition.HasKey:
		path = v.Path
	default:
		return "", false
	}
	return d.ColumnFor(path)
}

// columnBounds tracks which scalar restrictions already exist on a column,
// so the statement never carries two equalities or two lower bounds on the
// same column (the dialect rejects those).
type columnBounds struct {
	eq, in, lower, upper bool
}

type analysisBuilder struct {
	desc     *schema.Descriptor
	target   target
	working  IndexSet
	leaves   []leaf
	pushed   []bool
	bounds   map[string]*columnBounds
	clauses  []Clause
	warnings []string

	partitionPinned bool // all partition columns by equality or one IN
	indexClauses    bool
}

func (a *analysisBuilder) boundsOf(column string) *columnBounds {
	b, ok := a.bounds[column]
	if !ok {
		b = &columnBounds{}
		a.bounds[column] = b
	}
	return b
}

// admit reports whether op may still be pushed on column, and records it.
// LIKE, CONTAINS and CONTAINS KEY may repeat; the scalar family may not
// conflict.
func (a *analysisBuilder) admit(column string, op Op) bool {
	b := a.boundsOf(column)
	switch op {
	case OpEqual:
		if b.eq || b.in || b.lower || b.upper {
			return false
		}
		b.eq = true
	case OpIn:
		if b.eq || b.in || b.lower || b.upper {
			return false
		}
		b.in = true
	case OpGreater, OpGreaterOrEqual:
		if b.eq || b.in || b.lower {
			return false
		}
		b.lower = true
	case OpLess, OpLessOrEqual:
		if b.eq || b.in || b.upper {
			return false
		}
		b.upper = true
	}
	return true
}

func (a *analysisBuilder) push(at int, clauses ...Clause) {
	a.pushed[at] = true
	a.clauses = append(a.clauses, clauses...)
}

// pinPartition pushes the partition restriction when every partition column
// is covered by Equal, allowing a single Inside as IN. Partial coverage
// pushes nothing; the leaves stay available for the index rules.
func (a *analysisBuilder) pinPartition() {
	type pick struct {
		at     int
		clause Clause
	}
	picks := make([]pick, 0, len(a.target.partition))
	usedIn := false
	for _, column := range a.target.partition {
		found := false
		for i, l := range a.leaves {
			if a.pushed[i] || !l.ok || l.column != column || found {
				continue
			}
			switch v := l.cond.(type) {
			case condition.Equal:
				if v.Value == nil {
					continue
				}
				picks = append(picks, pick{at: i, clause: Clause{Column: column, Op: OpEqual, Value: v.Value}})
				found = true
			case condition.Inside:
				if usedIn || len(v.Values) == 0 || anyNil(v.Values) {
					continue
				}
				picks = append(picks, pick{at: i, clause: Clause{Column: column, Op: OpIn, Values: v.Values}})
				usedIn = true
				found = true
			}
		}
		if !found {
			return
		}
	}
	for _, p := range picks {
		a.admit(p.clause.Column, p.clause.Op)
		a.push(p.at, p.clause)
	}
	a.partitionPinned = true
}

// walkClustering pushes an equality prefix over the clustering columns in
// declared order, then at most one trailing range (both bounds allowed) or
// one IN, then stops. Anything beyond the prefix stays residual.
func (a *analysisBuilder) walkClustering() {
	for _, key := range a.target.clustering {
		if a.pushClusteringEqual(key.Column) {
			continue
		}
		a.pushClusteringTail(key.Column)
		return
	}
}

func (a *analysisBuilder) pushClusteringEqual(column string) bool {
	for i, l := range a.leaves {
		if a.pushed[i] || !l.ok || l.column != column {
			continue
		}
		if v, isEq := l.cond.(condition.Equal); isEq && v.Value != nil && a.admit(column, OpEqual) {
			a.push(i, Clause{Column: column, Op: OpEqual, Value: v.Value})
			return true
		}
	}
	return false
}

func (a *analysisBuilder) pushClusteringTail(column string) {
	for i, l := range a.leaves {
		if a.pushed[i] || !l.ok || l.column != column {
			continue
		}
		switch v := l.cond.(type) {
		case condition.GreaterThan:
			if v.Value != nil && a.admit(column, OpGreater) {
				a.push(i, Clause{Column: column, Op: OpGreater, Value: v.Value})
			}
		case condition.GreaterThanOrEqual:
			if v.Value != nil && a.admit(column, OpGreaterOrEqual) {
				a.push(i, Clause{Column: column, Op: OpGreaterOrEqual, Value: v.Value})
			}
		case condition.LessThan:
			if v.Value != nil && a.admit(column, OpLess) {
				a.push(i, Clause{Column: column, Op: OpLess, Value: v.Value})
			}
		case condition.LessThanOrEqual:
			if v.Value != nil && a.admit(column, OpLessOrEqual) {
				a.push(i, Clause{Column: column, Op: OpLessOrEqual, Value: v.Value})
			}
		case condition.Inside:
			bounded := a.boundsOf(column)
			if !bounded.lower && !bounded.upper && len(v.Values) > 0 && !anyNil(v.Values) && a.admit(column, OpIn) {
				a.push(i, Clause{Column: column, Op: OpIn, Values: v.Values})
				return
			}
		}
	}
}

// pushIndexed pushes remaining leaves whose column carries a working index
// of the right kind. Only the base table is indexable.
func (a *analysisBuilder) pushIndexed() {
	if !a.target.indexable {
		return
	}
	for i, l := range a.leaves {
		if a.pushed[i] || !l.ok {
			continue
		}
		idx, declared := a.desc.IndexFor(l.column)
		if !declared {
			continue
		}
		if !a.working.Has(l.column) {
			a.warnings = append(a.warnings, fmt.Sprintf("index on %q unavailable; filtering in process", l.column))
			continue
		}
		if clauses, ok := a.indexClausesFor(l, idx); ok {
			a.indexClauses = true
			a.push(i, clauses...)
		}
	}
}

// indexClausesFor translates one leaf against its column's index, or
// reports that the index cannot serve it.
func (a *analysisBuilder) indexClausesFor(l leaf, idx schema.Index) ([]Clause, bool) {
	scalar := func(op Op, value any) ([]Clause, bool) {
		if value == nil || !a.admit(l.column, op) {
			return nil, false
		}
		return []Clause{{Column: l.column, Op: op, Value: value}}, true
	}
	switch v := l.cond.(type) {
	case condition.Equal:
		return scalar(OpEqual, v.Value)
	case condition.GreaterThan:
		return scalar(OpGreater, v.Value)
	case condition.GreaterThanOrEqual:
		return scalar(OpGreaterOrEqual, v.Value)
	case condition.LessThan:
		return scalar(OpLess, v.Value)
	case condition.LessThanOrEqual:
		return scalar(OpLessOrEqual, v.Value)
	case condition.Inside:
		// Native IN needs the legacy implementation; the modern one is
		// covered by the optimizer's IN-expansion instead.
		if idx.Kind != schema.Legacy || len(v.Values) == 0 || anyNil(v.Values) || !a.admit(l.column, OpIn) {
			return nil, false
		}
		return []Clause{{Column: l.column, Op: OpIn, Values: v.Values}}, true
	case condition.StringContains:
		if idx.Kind != schema.Legacy || idx.Mode != schema.TextContains || v.IgnoreCase || hasLikeWildcard(v.Substring) {
			return nil, false
		}
		return []Clause{{Column: l.column, Op: OpLike, Value: "%" + v.Substring + "%"}}, true
	case condition.FullTextSearch:
		// Only an all-terms search maps onto a conjunction of LIKEs, and
		// only because the analyzed index is declared non-tokenizing.
		if idx.Kind != schema.Legacy || idx.Mode != schema.TextAnalyzed || v.IgnoreCase || !v.RequireAll {
			return nil, false
		}
		terms := strings.Fields(v.Query)
		if len(terms) == 0 {
			return nil, false
		}
		clauses := make([]Clause, len(terms))
		for i, term := range terms {
			if hasLikeWildcard(term) {
				return nil, false
			}
			clauses[i] = Clause{Column: l.column, Op: OpLike, Value: "%" + term + "%"}
		}
		return clauses, true
	case condition.ListAnyElements:
		return a.containsClause(l.column, idx, v.Inner)
	case condition.SetAnyElements:
		return a.containsClause(l.column, idx, v.Inner)
	case condition.HasKey:
		if idx.Kind != schema.Modern || !strings.HasPrefix(a.columnType(l.column), "map<") {
			return nil, false
		}
		return []Clause{{Column: l.column, Op: OpContainsKey, Value: v.Key}}, true
	default:
		return nil, false
	}
}

// containsClause maps an any-element equality over an indexed collection to
// CONTAINS. The inner condition must be exactly Equal on the element itself.
func (a *analysisBuilder) containsClause(column string, idx schema.Index, inner condition.Condition) ([]Clause, bool) {
	if idx.Kind != schema.Modern {
		return nil, false
	}
	ct := a.columnType(column)
	if !strings.HasPrefix(ct, "list<") && !strings.HasPrefix(ct, "set<") {
		return nil, false
	}
	eq, ok := inner.(condition.Equal)
	if !ok || eq.Path != "" || eq.Value == nil {
		return nil, false
	}
	return []Clause{{Column: column, Op: OpContains, Value: eq.Value}}, true
}

func (a *analysisBuilder) columnType(column string) string {
	if col, ok := a.desc.Layout().Column(column); ok {
		return col.CQLType
	}
	return ""
}

func (a *analysisBuilder) finish() Analysis {
	var residuals []condition.Condition
	for i, l := range a.leaves {
		if !a.pushed[i] {
			residuals = append(residuals, l.cond)
		}
	}
	residual := condition.Normalize(condition.And{Children: residuals})

	keyQuery := a.partitionPinned && !a.indexClauses
	exact := isAlways(residual)
	return Analysis{
		Target:          a.target.name,
		Clauses:         a.clauses,
		Residual:        residual,
		AllowFiltering:  !exact || (len(a.clauses) > 0 && !keyQuery),
		KeyQuery:        keyQuery,
		PartitionPinned: a.partitionPinned,
		Warnings:        a.warnings,
	}
}

func isAlways(c condition.Condition) bool {
	if c == nil {
		return true
	}
	_, ok := c.(condition.Always)
	return ok
}

func isNever(c condition.Condition) bool {
	_, ok := c.(condition.Never)
	return ok
}

func anyNil(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}

// hasLikeWildcard reports whether s contains characters the LIKE pattern
// syntax would reinterpret; such strings cannot be pushed exactly.
func hasLikeWildcard(s string) bool {
	return strings.ContainsAny(s, "%_")
}
