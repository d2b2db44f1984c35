// Package memdb implements the table contract over process memory: a
// linear scan through the same condition evaluators the Cassandra engine
// uses for residual filtering, over rows kept in partition-token order. It
// serves as the correctness oracle for the Cassandra engine and as a
// zero-infrastructure backend for user tests.
package memdb

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/internal/token"
	"github.com/theory-cloud/cqltheory/pkg/aggregate"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/plan"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/session"
)

// Table executes one descriptor's operations against process memory. Rows
// are stored encoded, exactly as the Cassandra engine would write them:
// computed columns filled, identity generated, version stamped. One mutex
// covers the whole table; correctness over throughput.
type Table struct {
	desc   *schema.Descriptor
	codec  *marshal.Codec
	fanOut int

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	row     map[string]any
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewTable builds an in-memory table engine for the descriptor.
func NewTable(desc *schema.Descriptor, codec *marshal.Codec) *Table {
	return &Table{
		desc:    desc,
		codec:   codec,
		fanOut:  session.DefaultMaxQueryFanOut,
		entries: make(map[string]*entry),
	}
}

// Explain plans spec the way the Cassandra engine would, with every
// declared index assumed working. Nothing here executes the plan; the scan
// ignores it.
func (t *Table) Explain(spec core.FindSpec) (*plan.Plan, error) {
	return plan.Build(spec.Condition, plan.Request{
		Sort:   spec.Sort,
		Skip:   spec.Skip,
		Limit:  spec.Limit,
		FanOut: t.fanOut,
	}, t.desc, plan.AllIndexes(t.desc))
}

// Find appends every matching row to dest, a pointer to a slice of the
// model type.
func (t *Table) Find(ctx context.Context, spec core.FindSpec, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows, err := t.matchRows(spec)
	if err != nil {
		return err
	}
	rows = t.narrowRows(rows, spec.Projection)
	return t.decodeRows(rows, dest)
}

// FindOne decodes the first matching row into dest, or ErrItemNotFound.
func (t *Table) FindOne(ctx context.Context, spec core.FindSpec, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	spec.Limit = 1
	rows, err := t.matchRows(spec)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.NewError("findOne", t.desc.Table, errors.ErrItemNotFound)
	}
	rows = t.narrowRows(rows[:1], spec.Projection)
	if err := t.codec.Decode(rows[0], dest); err != nil {
		return errors.NewError("findOne", t.desc.Table, err)
	}
	return nil
}

// FindPage retrieves one page of matching rows. Pagination always runs by
// offset over the scan; the cursor embeds the plan fingerprint, so resuming
// with a different query shape fails with ErrInvalidCursor just as it does
// on the Cassandra engine.
func (t *Table) FindPage(ctx context.Context, spec core.FindSpec, dest any) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return core.Page{}, err
	}
	p, err := t.Explain(spec)
	if err != nil {
		return core.Page{}, err
	}
	fingerprint := p.Fingerprint()
	cursor, err := core.DecodeCursor(spec.Cursor, fingerprint)
	if err != nil {
		return core.Page{}, err
	}

	pageSize := spec.PageSize
	if pageSize <= 0 {
		pageSize = core.DefaultPageSize
	}
	offset := 0
	if cursor != nil {
		offset = cursor.Offset
	}

	rows, err := t.matchRows(spec)
	if err != nil {
		return core.Page{}, err
	}
	if offset >= len(rows) {
		rows = nil
	} else {
		rows = rows[offset:]
	}
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}

	rows = t.narrowRows(rows, spec.Projection)
	if err := t.decodeRows(rows, dest); err != nil {
		return core.Page{}, err
	}

	page := core.Page{Items: reflect.ValueOf(dest).Elem().Interface()}
	if hasMore {
		page.NextCursor = core.EncodeOffsetCursor(offset+pageSize, fingerprint)
		page.HasMore = true
	}
	return page, nil
}

// Count returns the number of matching rows.
func (t *Table) Count(ctx context.Context, cond condition.Condition) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows, err := t.matchRows(core.FindSpec{Condition: cond})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// AggregateRows streams matching rows into grouped accumulators. An empty
// Path counts rows instead of sampling a column; an empty GroupPath
// accumulates the whole stream under one group. Rows without a numeric
// sample at Path are skipped.
func (t *Table) AggregateRows(ctx context.Context, spec core.AggregateSpec) ([]aggregate.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	valueColumn := ""
	if spec.Path != "" {
		valueColumn = t.columnFor(spec.Path)
	}
	groupColumn := ""
	if spec.GroupPath != "" {
		groupColumn = t.columnFor(spec.GroupPath)
	}

	rows, err := t.matchRows(spec.Find)
	if err != nil {
		return nil, err
	}

	if spec.Path == "" {
		counter := aggregate.NewGroupCount()
		for _, row := range rows {
			counter.Add(groupKeyOf(row, groupColumn))
		}
		return counter.Results(), nil
	}

	agg, err := aggregate.NewGroupAggregate(spec.Kind, spec.Strategy)
	if err != nil {
		return nil, errors.NewError("aggregate", t.desc.Table, err)
	}
	for _, row := range rows {
		sample, ok := numutil.Float64Of(row[valueColumn])
		if !ok {
			continue
		}
		agg.Add(groupKeyOf(row, groupColumn), sample)
	}
	return agg.Results(), nil
}

func groupKeyOf(row map[string]any, groupColumn string) string {
	if groupColumn == "" {
		return ""
	}
	return aggregate.KeyOf(row[groupColumn])
}

// matchRows returns copies of every live row matching the spec, filtered,
// ordered, skipped and limited.
func (t *Table) matchRows(spec core.FindSpec) ([]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matchRowsLocked(spec)
}

func (t *Table) matchRowsLocked(spec core.FindSpec) ([]map[string]any, error) {
	rows, err := t.filterRows(t.scanLocked(), spec.Condition)
	if err != nil {
		return nil, err
	}
	if len(spec.Sort) > 0 {
		slices.SortStableFunc(rows, condition.RowComparator(spec.Sort))
	}
	return clip(rows, spec.Skip, spec.Limit), nil
}

// scanLocked returns copies of the live rows in natural order: partition
// token first, then clustering columns as declared. This matches the order
// an unrestricted scan returns rows on a real cluster.
func (t *Table) scanLocked() []map[string]any {
	now := time.Now()
	rows := make([]map[string]any, 0, len(t.entries))
	for _, e := range t.entries {
		if e.expired(now) {
			continue
		}
		rows = append(rows, maps.Clone(e.row))
	}
	slices.SortStableFunc(rows, t.naturalOrder())
	return rows
}

func (t *Table) naturalOrder() func(a, b map[string]any) int {
	clustering := make([]condition.SortField, len(t.desc.ClusteringKeys))
	for i, ck := range t.desc.ClusteringKeys {
		clustering[i] = condition.SortField{Path: ck.Column, Descending: ck.Descending}
	}
	byClustering := condition.RowComparator(clustering)
	return func(a, b map[string]any) int {
		if c := token.Compare(t.partitionToken(a), t.partitionToken(b)); c != 0 {
			return c
		}
		return byClustering(a, b)
	}
}

func (t *Table) partitionToken(row map[string]any) token.Token {
	values := make([]any, len(t.desc.PartitionKeys))
	for i, column := range t.desc.PartitionKeys {
		values[i] = row[column]
	}
	return token.Of(values...)
}

func (t *Table) filterRows(rows []map[string]any, cond condition.Condition) ([]map[string]any, error) {
	if isTrivial(cond) {
		return rows, nil
	}
	kept := rows[:0]
	for _, row := range rows {
		match, err := condition.Evaluate(cond, row)
		if err != nil {
			return nil, errors.NewError("filter", t.desc.Table, err)
		}
		if match {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

func clip(rows []map[string]any, skip, limit int) []map[string]any {
	if skip > 0 {
		if skip >= len(rows) {
			return nil
		}
		rows = rows[skip:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// narrowRows drops columns outside the requested projection so decoded
// models carry only the selected fields. Rows here are scan copies; the
// stored rows stay whole.
func (t *Table) narrowRows(rows []map[string]any, projection []string) []map[string]any {
	if len(projection) == 0 {
		return rows
	}
	keep := make(map[string]struct{})
	for _, column := range t.expandProjection(projection) {
		keep[column] = struct{}{}
	}
	for _, row := range rows {
		for column := range row {
			if _, ok := keep[column]; !ok {
				delete(row, column)
			}
		}
	}
	return rows
}

// expandProjection resolves requested paths to stored columns: an entry
// matches its own column and, as a prefix, every flattened column beneath
// it. Entries matching nothing pass through verbatim.
func (t *Table) expandProjection(projection []string) []string {
	layout := t.desc.Layout()
	var columns []string
	for _, entry := range projection {
		matched := false
		for i := range layout.Columns {
			path := layout.Columns[i].Path
			if path == entry || strings.HasPrefix(path, entry+".") {
				columns = append(columns, path)
				matched = true
			}
		}
		if !matched {
			columns = append(columns, entry)
		}
	}
	seen := make(map[string]struct{}, len(columns))
	out := columns[:0]
	for _, column := range columns {
		if _, dup := seen[column]; dup {
			continue
		}
		seen[column] = struct{}{}
		out = append(out, column)
	}
	return out
}

func (t *Table) columnFor(path string) string {
	if column, ok := t.desc.ColumnFor(path); ok {
		return column
	}
	return path
}

// decodeRows appends one decoded model per row to dest, a pointer to a
// slice of models or model pointers.
func (t *Table) decodeRows(rows []map[string]any, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Slice {
		return errors.NewErrorWithContext("decode", t.desc.Table, errors.ErrInvalidModel, map[string]any{
			"reason": "destination must be a pointer to a slice",
		})
	}

	sliceValue := rv.Elem()
	elemType := sliceValue.Type().Elem()
	pointerElems := elemType.Kind() == reflect.Ptr
	base := elemType
	if pointerElems {
		base = elemType.Elem()
	}

	for _, row := range rows {
		item := reflect.New(base)
		if err := t.codec.Decode(row, item.Interface()); err != nil {
			return errors.NewError("decode", t.desc.Table, err)
		}
		if pointerElems {
			sliceValue = reflect.Append(sliceValue, item)
		} else {
			sliceValue = reflect.Append(sliceValue, item.Elem())
		}
	}
	rv.Elem().Set(sliceValue)
	return nil
}

func (t *Table) decodeRow(row map[string]any) (any, error) {
	model := reflect.New(t.desc.ModelType)
	if err := t.codec.Decode(row, model.Interface()); err != nil {
		return nil, err
	}
	return model.Interface(), nil
}

func isTrivial(c condition.Condition) bool {
	if c == nil {
		return true
	}
	_, always := c.(condition.Always)
	return always
}
