// Package query implements the chainable core.Query builder. A query
// compiles its Where calls into the condition algebra, hands the result to
// a table engine as a FindSpec, and maps each terminal onto one engine
// operation; it never talks to storage itself.
package query

import (
	"context"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/theory-cloud/cqltheory/internal/reflectutil"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// Query is the chainable builder behind DB.Model. Builder errors latch: the
// first one is remembered and returned by whichever terminal runs, so call
// chains stay fluent.
type Query struct {
	ctx   context.Context
	table core.Table
	desc  *schema.Descriptor
	model any
	err   error

	branches [][]condition.Condition
	current  []condition.Condition

	sort        []condition.SortField
	projection  []string
	cursor      string
	consistency core.Consistency
	ttl         time.Duration
	limit       int
	offset      int
}

// New builds a query over a table engine. model supplies key values for
// write terminals that run without explicit conditions.
func New(ctx context.Context, table core.Table, desc *schema.Descriptor, model any) core.Query {
	return &Query{ctx: ctx, table: table, desc: desc, model: model}
}

// NewErrorQuery builds a query whose every terminal fails with err. Model
// lookups that cannot resolve a table surface their error this way.
func NewErrorQuery(err error) core.Query {
	return &Query{ctx: context.Background(), err: err}
}

// Where adds a condition to the current branch using an operator string:
// =, !=, <, <=, >, >=, IN, NOT IN, CONTAINS, BEGINS_WITH.
func (q *Query) Where(field string, op string, value any) core.Query {
	cond, err := q.compileOperator(field, op, value)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	q.current = append(q.current, cond)
	return q
}

// WhereCondition adds a condition from the algebra directly.
func (q *Query) WhereCondition(cond condition.Condition) core.Query {
	if cond == nil {
		q.recordBuilderError(errors.NewError("where", q.tableName(), errors.ErrInvalidCondition))
		return q
	}
	q.current = append(q.current, cond)
	return q
}

// OrWhere closes the current branch and opens an alternative one seeded
// with the given condition: a.Where(x).OrWhere(y).Where(z) reads x OR (y
// AND z).
func (q *Query) OrWhere(field string, op string, value any) core.Query {
	cond, err := q.compileOperator(field, op, value)
	if err != nil {
		q.recordBuilderError(err)
		return q
	}
	return q.OrWhereCondition(cond)
}

// OrWhereCondition is OrWhere for algebra conditions.
func (q *Query) OrWhereCondition(cond condition.Condition) core.Query {
	if cond == nil {
		q.recordBuilderError(errors.NewError("where", q.tableName(), errors.ErrInvalidCondition))
		return q
	}
	if len(q.current) > 0 {
		q.branches = append(q.branches, q.current)
	}
	q.current = []condition.Condition{cond}
	return q
}

// OrderBy adds a sort field; order is "ASC" or "DESC".
func (q *Query) OrderBy(field string, order string) core.Query {
	descending := false
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "", "ASC":
	case "DESC":
		descending = true
	default:
		q.recordBuilderError(errors.NewErrorWithContext("orderBy", q.tableName(), errors.ErrInvalidOperator, map[string]any{
			"order": order,
		}))
		return q
	}
	q.sort = append(q.sort, condition.SortField{Path: field, Descending: descending})
	return q
}

// Limit caps the number of returned items. For AllPaginated it sets the
// page size instead.
func (q *Query) Limit(limit int) core.Query {
	q.limit = limit
	return q
}

// Offset skips the first n matching items.
func (q *Query) Offset(offset int) core.Query {
	q.offset = offset
	return q
}

// Select restricts the columns fetched and decoded.
func (q *Query) Select(fields ...string) core.Query {
	if len(fields) == 0 {
		q.projection = nil
		return q
	}
	q.projection = append([]string(nil), fields...)
	return q
}

// Consistency overrides the session consistency level for this query.
func (q *Query) Consistency(level core.Consistency) core.Query {
	q.consistency = level
	return q
}

// WithTTL sets a time-to-live applied to writes issued by this query.
func (q *Query) WithTTL(d time.Duration) core.Query {
	q.ttl = d
	return q
}

// Cursor resumes a paginated query from an opaque cursor.
func (q *Query) Cursor(cursor string) core.Query {
	q.cursor = cursor
	return q
}

// WithContext sets the context for the query.
func (q *Query) WithContext(ctx context.Context) core.Query {
	q.ctx = ctx
	return q
}

func (q *Query) recordBuilderError(err error) {
	if q.err == nil {
		q.err = err
	}
}

func (q *Query) tableName() string {
	if q.desc != nil {
		return q.desc.Table
	}
	return ""
}

// compileOperator turns one operator-string condition into the algebra.
func (q *Query) compileOperator(field, op string, value any) (condition.Condition, error) {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "=":
		return condition.Equal{Path: field, Value: value}, nil
	case "!=":
		return condition.NotEqual{Path: field, Value: value}, nil
	case "<":
		return condition.LessThan{Path: field, Value: value}, nil
	case "<=":
		return condition.LessThanOrEqual{Path: field, Value: value}, nil
	case ">":
		return condition.GreaterThan{Path: field, Value: value}, nil
	case ">=":
		return condition.GreaterThanOrEqual{Path: field, Value: value}, nil
	case "IN":
		values, ok := valueSlice(value)
		if !ok {
			return nil, q.operatorError(field, op, "IN needs a slice of values")
		}
		return condition.Inside{Path: field, Values: values}, nil
	case "NOT IN":
		values, ok := valueSlice(value)
		if !ok {
			return nil, q.operatorError(field, op, "NOT IN needs a slice of values")
		}
		return condition.NotInside{Path: field, Values: values}, nil
	case "CONTAINS":
		return q.compileContains(field, value)
	case "BEGINS_WITH":
		prefix, ok := value.(string)
		if !ok {
			return nil, q.operatorError(field, op, "BEGINS_WITH needs a string")
		}
		return condition.RegexMatches{Path: field, Pattern: "^" + regexp.QuoteMeta(prefix)}, nil
	default:
		return nil, q.operatorError(field, op, "unknown operator")
	}
}

// compileContains picks the CONTAINS meaning from the column's stored type:
// element membership for lists and sets, key presence for maps, substring
// for text.
func (q *Query) compileContains(field string, value any) (condition.Condition, error) {
	switch cqlType := q.columnType(field); {
	case strings.HasPrefix(cqlType, "list<"):
		return condition.ListAnyElements{Path: field, Inner: condition.Equal{Value: value}}, nil
	case strings.HasPrefix(cqlType, "set<"):
		return condition.SetAnyElements{Path: field, Inner: condition.Equal{Value: value}}, nil
	case strings.HasPrefix(cqlType, "map<"):
		key, ok := value.(string)
		if !ok {
			return nil, q.operatorError(field, "CONTAINS", "map CONTAINS needs a string key")
		}
		return condition.HasKey{Path: field, Key: key}, nil
	}
	if substring, ok := value.(string); ok {
		return condition.StringContains{Path: field, Substring: substring}, nil
	}
	return condition.ListAnyElements{Path: field, Inner: condition.Equal{Value: value}}, nil
}

func (q *Query) columnType(field string) string {
	if q.desc == nil {
		return ""
	}
	column, ok := q.desc.ColumnFor(field)
	if !ok {
		return ""
	}
	if col, ok := q.desc.Layout().Column(column); ok {
		return col.CQLType
	}
	return ""
}

func (q *Query) operatorError(field, op, reason string) error {
	return errors.NewErrorWithContext("where", q.tableName(), errors.ErrInvalidOperator, map[string]any{
		"field":  field,
		"op":     op,
		"reason": reason,
	})
}

// buildCondition folds the accumulated branches into one condition: each
// branch is a conjunction, branches disjoin.
func (q *Query) buildCondition() condition.Condition {
	groups := q.branches
	if len(q.current) > 0 {
		groups = append(append([][]condition.Condition{}, groups...), q.current)
	}
	switch len(groups) {
	case 0:
		return condition.Always{}
	case 1:
		return groupCondition(groups[0])
	}
	children := make([]condition.Condition, len(groups))
	for i, group := range groups {
		children[i] = groupCondition(group)
	}
	return condition.Or{Children: children}
}

func groupCondition(group []condition.Condition) condition.Condition {
	if len(group) == 1 {
		return group[0]
	}
	return condition.And{Children: group}
}

func (q *Query) hasConditions() bool {
	return len(q.current) > 0 || len(q.branches) > 0
}

func (q *Query) findSpec() core.FindSpec {
	return core.FindSpec{
		Condition:   q.buildCondition(),
		Sort:        q.sort,
		Projection:  q.projection,
		Cursor:      q.cursor,
		Consistency: q.consistency,
		Skip:        q.offset,
		Limit:       q.limit,
	}
}

// writeCondition selects the single matching row a write terminal targets:
// the built condition when Where was called, otherwise equality on the
// model's primary key values.
func (q *Query) writeCondition(op string) (condition.Condition, error) {
	if q.hasConditions() {
		return q.buildCondition(), nil
	}
	return q.keyCondition(op)
}

// keyCondition derives key equality from the model instance. Every primary
// key column must map to a model path holding a non-zero value.
func (q *Query) keyCondition(op string) (condition.Condition, error) {
	if q.desc == nil {
		return nil, errors.NewError(op, q.tableName(), errors.ErrMissingPrimaryKey)
	}
	var children []condition.Condition
	for _, column := range q.desc.PrimaryKeyColumns() {
		path, ok := q.desc.PathFor(column)
		if !ok {
			return nil, errors.NewErrorWithContext(op, q.tableName(), errors.ErrMissingPrimaryKey, map[string]any{
				"column": column,
			})
		}
		value, ok := q.modelValue(path)
		if !ok || value == nil || reflectutil.IsEmpty(reflect.ValueOf(value)) {
			return nil, errors.NewErrorWithContext(op, q.tableName(), errors.ErrMissingPrimaryKey, map[string]any{
				"column": column,
			})
		}
		children = append(children, condition.Equal{Path: path, Value: value})
	}
	return groupCondition(children), nil
}

// modelValue reads the model field at a dotted path.
func (q *Query) modelValue(path string) (any, bool) {
	rv := reflectutil.Indirect(reflect.ValueOf(q.model))
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return nil, false
	}
	conv := types.DetectNamingConvention(rv.Type())
	resolve := func(field reflect.StructField) (string, bool) {
		return naming.ResolveColumnNameWithConvention(field, conv)
	}
	v, ok := reflectutil.Navigate(rv, path, resolve)
	if !ok || !v.IsValid() {
		return nil, false
	}
	return v.Interface(), true
}

func (q *Query) writeOptions() []core.WriteOption {
	var opts []core.WriteOption
	if q.ttl > 0 {
		opts = append(opts, core.WithTTL(q.ttl))
	}
	if q.consistency != core.ConsistencyDefault {
		opts = append(opts, core.WithWriteConsistency(q.consistency))
	}
	return opts
}

func valueSlice(value any) ([]any, bool) {
	if values, ok := value.([]any); ok {
		return values, true
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	values := make([]any, rv.Len())
	for i := range values {
		values[i] = rv.Index(i).Interface()
	}
	return values, true
}
