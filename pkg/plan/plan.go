package plan

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/geo"
	"github.com/theory-cloud/cqltheory/pkg/schema"
)

// DefaultMaxFanOut bounds how many branches a rewrite may produce and how
// many of them execute concurrently.
const DefaultMaxFanOut = 10

// Request carries the non-condition query settings planning needs.
type Request struct {
	Sort   []condition.SortField
	Skip   int
	Limit  int
	FanOut int
}

func (r Request) fanOut() int {
	if r.FanOut <= 0 {
		return DefaultMaxFanOut
	}
	return r.FanOut
}

// Plan is one executable read plan. Branches run concurrently (bounded by
// the fan-out limit) and merge with primary-key dedup; Residual then filters
// the merged rows, the Sort comparator orders them unless NativeSort already
// did, and skip/limit apply last. A plan with no branches matches nothing.
type Plan struct {
	Table string
	// View is set when a single-branch plan reads a materialized view
	// instead of the base table.
	View     string
	Branches []Analysis
	// Residual is the condition the engine evaluates in process against
	// the merged rows.
	Residual condition.Condition
	// Sort is the requested order, applied in process when NativeSort is
	// false.
	Sort []condition.SortField
	// NativeSort reports that the single branch's statement orders rows
	// natively.
	NativeSort bool
	// NativeLimit is the row limit pushed into the statement; zero keeps
	// the limit in process. Skip rows are included so the engine can still
	// drop them locally.
	NativeLimit int
	Warnings    []string
}

// Build plans a read. The pipeline: normalize, then try the disjunction
// fan-out, then IN-expansion over a modern-indexed column, then the geohash
// proximity rewrite, and fall back to a single analyzed query.
func Build(c condition.Condition, req Request, d *schema.Descriptor, working IndexSet) (*Plan, error) {
	if d == nil {
		return nil, errors.NewErrorWithContext("plan", "", errors.ErrInvalidModel, map[string]any{
			"reason": "nil descriptor",
		})
	}

	norm := condition.Normalize(c)
	p := &Plan{Table: d.Table, Sort: req.Sort}

	if isNever(norm) {
		p.Residual = condition.Never{}
		return p, nil
	}

	if or, ok := norm.(condition.Or); ok {
		if !p.fanOutDisjunction(or, req, d, working) {
			// All-or-nothing: one straggler branch keeps the whole
			// disjunction in process.
			single := analyzeFor(norm, d, baseTarget(d), working)
			p.adopt(single)
		}
		p.finalize(req, d)
		return p, nil
	}

	if p.expandInside(norm, req, d, working) {
		p.finalize(req, d)
		return p, nil
	}

	if p.coverGeoDistance(norm, d, working) {
		p.finalize(req, d)
		return p, nil
	}

	p.adopt(selectAnalysis(norm, req, d, working))
	p.finalize(req, d)
	return p, nil
}

// adopt installs a single-branch plan.
func (p *Plan) adopt(a Analysis) {
	p.Branches = []Analysis{a}
	p.Residual = a.Residual
}

// fanOutDisjunction turns a top-level Or into one branch per child when
// every child is independently fully pushable and the branch count fits the
// fan-out budget.
func (p *Plan) fanOutDisjunction(or condition.Or, req Request, d *schema.Descriptor, working IndexSet) bool {
	if len(or.Children) > req.fanOut() {
		p.Warnings = append(p.Warnings, fmt.Sprintf("disjunction of %d branches exceeds fan-out %d; filtering in process", len(or.Children), req.fanOut()))
		return false
	}
	branches := make([]Analysis, len(or.Children))
	for i, child := range or.Children {
		a := selectAnalysis(child, req, d, working)
		if !isAlways(a.Residual) {
			p.Warnings = append(p.Warnings, "disjunction branch not natively expressible; filtering in process")
			return false
		}
		branches[i] = a
	}
	p.Branches = branches
	p.Residual = condition.Always{}
	return true
}

// expandInside rewrites the first IN over a modern-indexed non-key column
// into per-value equality branches, where the index can serve each branch
// natively.
func (p *Plan) expandInside(c condition.Condition, req Request, d *schema.Descriptor, working IndexSet) bool {
	children := topConjuncts(c)
	for at, child := range children {
		inside, ok := child.(condition.Inside)
		if !ok {
			continue
		}
		column, ok := d.ColumnFor(inside.Path)
		if !ok || d.IsKeyColumn(column) {
			continue
		}
		idx, ok := d.IndexFor(column)
		if !ok || idx.Kind != schema.Modern || !working.Has(column) {
			continue
		}
		if anyNil(inside.Values) {
			continue
		}
		values := dedupValues(inside.Values)
		if len(values) < 2 {
			continue
		}
		if len(values) > req.fanOut() {
			p.Warnings = append(p.Warnings, fmt.Sprintf("IN over %q has %d members, exceeding fan-out %d; filtering in process", column, len(values), req.fanOut()))
			continue
		}

		branches := make([]Analysis, len(values))
		for i, value := range values {
			branch := make([]condition.Condition, 0, len(children))
			branch = append(branch, children[:at]...)
			branch = append(branch, condition.Equal{Path: inside.Path, Value: value})
			branch = append(branch, children[at+1:]...)
			branches[i] = analyzeFor(condition.Normalize(condition.And{Children: branch}), d, baseTarget(d), working)
		}
		p.Branches = branches
		p.Residual = branches[0].Residual
		return true
	}
	return false
}

// coverGeoDistance rewrites the first GeoDistance whose field carries a
// geohash staircase into equality branches over the staircase column: the
// center cell and its neighbors at the coarsest precision that still covers
// the radius. The exact distance check stays residual.
func (p *Plan) coverGeoDistance(c condition.Condition, d *schema.Descriptor, working IndexSet) bool {
	for _, child := range topConjuncts(c) {
		gd, ok := child.(condition.GeoDistance)
		if !ok {
			continue
		}
		latColumn, ok := d.ColumnFor(gd.Path + ".latitude")
		if !ok {
			continue
		}
		lonColumn, ok := d.ColumnFor(gd.Path + ".longitude")
		if !ok {
			continue
		}
		staircase, ok := d.GeohashFor(latColumn, lonColumn)
		if !ok {
			continue
		}
		precision := geo.PrecisionForRadius(gd.WithinMeters)
		if precision > staircase.Precision {
			precision = staircase.Precision
		}
		hashColumn, ok := workingPrefixColumn(staircase, precision, d, working)
		if !ok {
			p.Warnings = append(p.Warnings, fmt.Sprintf("no working prefix index on the %q staircase; distance filtering in process", staircase.Name))
			continue
		}

		base := analyzeFor(c, d, baseTarget(d), working)
		cells := dedupStrings(geo.Cover(gd.Center.Latitude, gd.Center.Longitude, precisionOf(hashColumn, staircase)))
		branches := make([]Analysis, len(cells))
		for i, cell := range cells {
			branch := base
			branch.Clauses = append(append([]Clause(nil), base.Clauses...), Clause{Column: hashColumn, Op: OpEqual, Value: cell})
			branch.KeyQuery = false
			branch.AllowFiltering = true
			branches[i] = branch
		}
		p.Branches = branches
		p.Residual = base.Residual
		return true
	}
	return false
}

// workingPrefixColumn finds the deepest staircase column at or above the
// wanted precision whose legacy prefix index verified working. Coarser
// cells still cover the radius, so walking up only widens the prefilter.
func workingPrefixColumn(staircase *schema.ComputedColumn, precision int, d *schema.Descriptor, working IndexSet) (string, bool) {
	for level := precision; level >= 1; level-- {
		column := staircase.StaircaseColumn(level)
		idx, ok := d.IndexFor(column)
		if !ok || idx.Kind != schema.Legacy || idx.Mode != schema.TextPrefix {
			continue
		}
		if working.Has(column) {
			return column, true
		}
	}
	return "", false
}

// precisionOf recovers the staircase level encoded in the column name.
func precisionOf(column string, staircase *schema.ComputedColumn) int {
	for level := 1; level <= staircase.Precision; level++ {
		if staircase.StaircaseColumn(level) == column {
			return level
		}
	}
	return staircase.Precision
}

// selectAnalysis analyzes against the base table and every view, keeping
// the highest-scoring target. The base wins ties. A view is only a
// candidate when the condition pins its partition: view rows exist only for
// non-null key values, and a pinned partition guarantees the missing rows
// could not have matched.
func selectAnalysis(c condition.Condition, req Request, d *schema.Descriptor, working IndexSet) Analysis {
	best := analyzeFor(c, d, baseTarget(d), working)
	bestScore := scoreAnalysis(best, req.Sort, baseTarget(d), d)
	for _, view := range d.Views {
		t := viewTarget(view)
		a := analyzeFor(c, d, t, working)
		if !a.PartitionPinned {
			continue
		}
		if score := scoreAnalysis(a, req.Sort, t, d); score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// scoreAnalysis ranks one candidate target: a pinned partition dominates,
// a natively servable sort helps, and more pushed clauses mean less
// residual work.
func scoreAnalysis(a Analysis, sort []condition.SortField, t target, d *schema.Descriptor) int {
	score := 0
	if a.PartitionPinned {
		score += 100
	}
	if len(sort) > 0 && sortMatchesClustering(sort, t.clustering, d) {
		score += 30
	}
	score += len(a.Clauses)
	return score
}

// sortMatchesClustering reports whether the requested sort is a prefix of
// the clustering order with directions all as declared or all reversed.
func sortMatchesClustering(sort []condition.SortField, clustering []schema.ClusteringKey, d *schema.Descriptor) bool {
	if len(sort) == 0 || len(sort) > len(clustering) {
		return false
	}
	reversed := false
	for i, field := range sort {
		column, ok := d.ColumnFor(field.Path)
		if !ok || column != clustering[i].Column {
			return false
		}
		flipped := field.Descending != clustering[i].Descending
		if i == 0 {
			reversed = flipped
		} else if flipped != reversed {
			return false
		}
	}
	return true
}

// finalize resolves the sort, limit and view fields once the branch set is
// fixed.
func (p *Plan) finalize(req Request, d *schema.Descriptor) {
	for _, branch := range p.Branches {
		p.Warnings = append(p.Warnings, branch.Warnings...)
	}
	p.Warnings = dedupStrings(p.Warnings)

	if len(p.Branches) == 1 {
		if t, ok := targetNamed(p.Branches[0].Target, d); ok {
			if t.name != d.Table {
				p.View = t.name
			}
			p.NativeSort = len(req.Sort) > 0 &&
				p.Branches[0].KeyQuery &&
				p.Branches[0].PartitionPinned &&
				!hasInClause(p.Branches[0].Clauses) &&
				sortMatchesClustering(req.Sort, t.clustering, d)
		}
	}

	if req.Limit > 0 && len(p.Branches) == 1 && isAlways(p.Residual) &&
		(len(req.Sort) == 0 || p.NativeSort) {
		p.NativeLimit = req.Skip + req.Limit
	}
}

func targetNamed(name string, d *schema.Descriptor) (target, bool) {
	if name == d.Table {
		return baseTarget(d), true
	}
	if view, ok := d.ViewNamed(name); ok {
		return viewTarget(view), true
	}
	return target{}, false
}

func hasInClause(clauses []Clause) bool {
	for _, clause := range clauses {
		if clause.Op == OpIn {
			return true
		}
	}
	return false
}

// Fingerprint hashes the plan's shape and bound values. Cursors carry it so
// a paging state is only ever resumed against the plan that issued it.
func (p *Plan) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|", p.Table, p.View)
	for _, branch := range p.Branches {
		fmt.Fprintf(&b, "[%s", branch.Target)
		for _, clause := range branch.Clauses {
			fmt.Fprintf(&b, ";%s %s %v %v", clause.Column, clause.Op, clause.Value, clause.Values)
		}
		fmt.Fprintf(&b, " af=%t]", branch.AllowFiltering)
	}
	fmt.Fprintf(&b, "|%#v|", p.Residual)
	for _, field := range p.Sort {
		fmt.Fprintf(&b, "%s:%t,", field.Path, field.Descending)
	}
	fmt.Fprintf(&b, "|sort=%t|limit=%d", p.NativeSort, p.NativeLimit)
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(b.String())))
}

// topConjuncts returns the top-level And children, or the node itself.
func topConjuncts(c condition.Condition) []condition.Condition {
	switch v := c.(type) {
	case nil, condition.Always:
		return nil
	case condition.And:
		return v.Children
	default:
		return []condition.Condition{c}
	}
}

func dedupValues(values []any) []any {
	out := make([]any, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		key := fmt.Sprintf("%T:%v", v, v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func dedupStrings(values []string) []string {
	out := values[:0:0]
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
