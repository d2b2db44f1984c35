package cassdb

import (
	"context"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/theory-cloud/cqltheory/internal/cql"
	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/internal/token"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/plan"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/session"
)

// Table executes one descriptor's operations against a cluster. The first
// operation creates the keyspace, table, indexes and views and runs the
// additive column migration; Explain alone never dials.
type Table struct {
	exec        Executor
	desc        *schema.Descriptor
	codec       *marshal.Codec
	keyspace    string
	logger      *slog.Logger
	fanOut      int
	replication int

	mu      sync.Mutex
	ready   bool
	working plan.IndexSet
	// planDesc is the descriptor the planner sees after migration: views
	// whose creation failed are filtered out so plans never select them.
	planDesc *schema.Descriptor
}

// NewTable builds a table engine over an executor. Only the Keyspace,
// MaxQueryFanOut, ReplicationFactor and Logger fields of cfg are consulted.
func NewTable(exec Executor, desc *schema.Descriptor, codec *marshal.Codec, cfg session.Config) *Table {
	cfg = cfg.WithDefaults()
	return &Table{
		exec:        exec,
		desc:        desc,
		codec:       codec,
		keyspace:    cfg.Keyspace,
		logger:      cfg.Logger,
		fanOut:      cfg.MaxQueryFanOut,
		replication: cfg.ReplicationFactor,
	}
}

// workingSet returns the verified index set, or every declared index before
// the first migration has run.
func (t *Table) workingSet() plan.IndexSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready {
		return t.working
	}
	return plan.AllIndexes(t.desc)
}

func (t *Table) planDescriptor() *schema.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready && t.planDesc != nil {
		return t.planDesc
	}
	return t.desc
}

func (t *Table) buildPlan(spec core.FindSpec) (*plan.Plan, error) {
	return plan.Build(spec.Condition, plan.Request{
		Sort:   spec.Sort,
		Skip:   spec.Skip,
		Limit:  spec.Limit,
		FanOut: t.fanOut,
	}, t.planDescriptor(), t.workingSet())
}

// Explain plans spec without executing it.
func (t *Table) Explain(spec core.FindSpec) (*plan.Plan, error) {
	return t.buildPlan(spec)
}

// Find appends every matching row to dest, a pointer to a slice of the
// model type.
func (t *Table) Find(ctx context.Context, spec core.FindSpec, dest any) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	p, err := t.buildPlan(spec)
	if err != nil {
		return err
	}
	rows, err := t.fetchRows(ctx, p, spec)
	if err != nil {
		return err
	}
	rows = t.narrowRows(rows, spec.Projection)
	return t.decodeRows(rows, dest)
}

// FindOne decodes the first matching row into dest, or ErrItemNotFound.
func (t *Table) FindOne(ctx context.Context, spec core.FindSpec, dest any) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	spec.Limit = 1
	p, err := t.buildPlan(spec)
	if err != nil {
		return err
	}
	rows, err := t.fetchRows(ctx, p, spec)
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

// FindPage retrieves one page of matching rows. Single-statement exact
// plans ride the driver's paging state; everything else pages a buffered
// result set by offset. Either way the cursor embeds the plan fingerprint,
// so resuming with a different query shape fails with ErrInvalidCursor.
func (t *Table) FindPage(ctx context.Context, spec core.FindSpec, dest any) (core.Page, error) {
	if err := t.ensureReady(ctx); err != nil {
		return core.Page{}, err
	}
	p, err := t.buildPlan(spec)
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

	if t.pagesNatively(p, spec) {
		return t.nativePage(ctx, p, spec, cursor, pageSize, fingerprint, dest)
	}
	return t.bufferedPage(ctx, p, spec, cursor, pageSize, fingerprint, dest)
}

// pagesNatively reports whether the driver's paging state can drive page
// boundaries: one statement, nothing filtered, sorted or skipped in process.
func (t *Table) pagesNatively(p *plan.Plan, spec core.FindSpec) bool {
	if len(p.Branches) != 1 || !isTrivial(p.Residual) || spec.Skip > 0 {
		return false
	}
	return len(p.Sort) == 0 || p.NativeSort
}

func (t *Table) nativePage(ctx context.Context, p *plan.Plan, spec core.FindSpec, cursor *core.Cursor, pageSize int, fingerprint string, dest any) (core.Page, error) {
	state := []byte{}
	if cursor != nil {
		state = cursor.PagingState
	}

	st := t.renderBranches(p, spec)[0]
	iter, err := t.exec.Select(ctx, st, pageSize, state)
	if err != nil {
		return core.Page{}, errors.NewError("findPage", t.desc.Table, err)
	}
	var rows []map[string]any
	for {
		row, ok := iter.Next()
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return core.Page{}, errors.NewError("findPage", t.desc.Table, err)
	}

	rows = t.narrowRows(rows, spec.Projection)
	if err := t.decodeRows(rows, dest); err != nil {
		return core.Page{}, err
	}

	page := core.Page{Items: reflect.ValueOf(dest).Elem().Interface()}
	if len(nextState) > 0 {
		page.NextCursor = core.EncodeCursor(nextState, fingerprint)
		page.HasMore = page.NextCursor != ""
	}
	return page, nil
}

func (t *Table) bufferedPage(ctx context.Context, p *plan.Plan, spec core.FindSpec, cursor *core.Cursor, pageSize int, fingerprint string, dest any) (core.Page, error) {
	offset := 0
	if cursor != nil {
		offset = cursor.Offset
	}

	rows, err := t.fetchRows(ctx, p, spec)
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

// Count returns the number of matching rows. Exact single-statement plans
// count on the server; anything with a residual or a merge counts fetched
// rows instead.
func (t *Table) Count(ctx context.Context, cond condition.Condition) (int64, error) {
	if err := t.ensureReady(ctx); err != nil {
		return 0, err
	}
	spec := core.FindSpec{Condition: cond}
	p, err := t.buildPlan(spec)
	if err != nil {
		return 0, err
	}
	if len(p.Branches) == 0 {
		return 0, nil
	}
	if len(p.Branches) == 1 && isTrivial(p.Residual) {
		return t.nativeCount(ctx, p.Branches[0])
	}
	rows, err := t.fetchRows(ctx, p, spec)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (t *Table) nativeCount(ctx context.Context, branch plan.Analysis) (int64, error) {
	st := cql.Select(cql.SelectRequest{
		Keyspace:       t.keyspace,
		Target:         branch.Target,
		Clauses:        branch.Clauses,
		Count:          true,
		AllowFiltering: branch.AllowFiltering,
	})
	count, err := t.runCount(ctx, st)
	if err != nil {
		return 0, errors.NewError("count", t.desc.Table, err)
	}
	return count, nil
}

func (t *Table) runCount(ctx context.Context, st core.Statement) (int64, error) {
	iter, err := t.exec.Select(ctx, st, 0, nil)
	if err != nil {
		return 0, err
	}
	var count int64
	if row, ok := iter.Next(); ok {
		if n, numeric := numutil.Float64Of(row["count"]); numeric {
			count = int64(n)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return count, nil
}

// fetchRows runs the plan and returns finished row maps: branches merged,
// duplicates dropped, residual applied, ordered, skipped and limited.
func (t *Table) fetchRows(ctx context.Context, p *plan.Plan, spec core.FindSpec) ([]map[string]any, error) {
	if len(p.Branches) == 0 {
		return nil, nil
	}
	rows, err := t.runBranches(ctx, p, spec)
	if err != nil {
		return nil, err
	}
	rows, err = t.applyResidual(rows, p.Residual)
	if err != nil {
		return nil, err
	}
	t.orderRows(rows, p)
	return clip(rows, spec.Skip, spec.Limit), nil
}

func (t *Table) runBranches(ctx context.Context, p *plan.Plan, spec core.FindSpec) ([]map[string]any, error) {
	statements := t.renderBranches(p, spec)
	if len(statements) == 1 {
		return t.collectRows(ctx, statements[0], spec.PageSize)
	}

	results := make([][]map[string]any, len(statements))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.fanOut)
	for i, st := range statements {
		i, st := i, st
		g.Go(func() error {
			rows, err := t.collectRows(gctx, st, spec.PageSize)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t.mergeRows(results), nil
}

func (t *Table) renderBranches(p *plan.Plan, spec core.FindSpec) []core.Statement {
	projection := t.nativeProjection(p, spec)
	statements := make([]core.Statement, len(p.Branches))
	for i, branch := range p.Branches {
		req := cql.SelectRequest{
			Keyspace:       t.keyspace,
			Target:         branch.Target,
			Projection:     projection,
			Clauses:        branch.Clauses,
			AllowFiltering: branch.AllowFiltering,
		}
		if p.NativeSort {
			req.OrderBy = t.nativeOrder(p.Sort)
		}
		if p.NativeLimit > 0 {
			req.Limit = p.NativeLimit
		}
		st := cql.Select(req)
		st.Consistency = spec.Consistency
		statements[i] = st
	}
	return statements
}

func (t *Table) nativeOrder(sort []condition.SortField) []cql.Ordering {
	order := make([]cql.Ordering, len(sort))
	for i, sf := range sort {
		order[i] = cql.Ordering{Column: t.columnFor(sf.Path), Descending: sf.Descending}
	}
	return order
}

func (t *Table) columnFor(path string) string {
	if column, ok := t.desc.ColumnFor(path); ok {
		return column
	}
	return path
}

func (t *Table) collectRows(ctx context.Context, st core.Statement, pageSize int) ([]map[string]any, error) {
	iter, err := t.exec.Select(ctx, st, pageSize, nil)
	if err != nil {
		return nil, errors.NewError("select", t.desc.Table, err)
	}
	var rows []map[string]any
	for {
		row, ok := iter.Next()
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.NewError("select", t.desc.Table, err)
	}
	return rows, nil
}

// mergeRows concatenates branch results in branch order, keeping the first
// occurrence of each primary key.
func (t *Table) mergeRows(results [][]map[string]any) []map[string]any {
	seen := make(map[string]struct{})
	var merged []map[string]any
	for _, rows := range results {
		for _, row := range rows {
			key := t.rowKey(row)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, row)
		}
	}
	return merged
}

func (t *Table) rowKey(row map[string]any) string {
	columns := t.desc.PrimaryKeyColumns()
	values := make([]any, len(columns))
	for i, column := range columns {
		values[i] = row[column]
	}
	return token.Key(values...)
}

func (t *Table) applyResidual(rows []map[string]any, residual condition.Condition) ([]map[string]any, error) {
	if isTrivial(residual) {
		return rows, nil
	}
	kept := rows[:0]
	for _, row := range rows {
		match, err := condition.Evaluate(residual, row)
		if err != nil {
			return nil, errors.NewError("filter", t.desc.Table, err)
		}
		if match {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

// orderRows sorts in process when the statements did not. A multi-branch
// merge without a requested sort falls back to token order, matching both
// the cluster's single-statement order and the in-memory engine.
func (t *Table) orderRows(rows []map[string]any, p *plan.Plan) {
	if len(p.Sort) > 0 {
		if !p.NativeSort {
			slices.SortStableFunc(rows, condition.RowComparator(p.Sort))
		}
		return
	}
	if len(p.Branches) > 1 {
		slices.SortStableFunc(rows, t.naturalOrder())
	}
}

// naturalOrder compares rows the way an unrestricted scan returns them:
// partition token first, then clustering columns as declared.
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

// nativeProjection decides what the statements select. A projection pushes
// down only for single-branch exact plans; residual filters and merges need
// whole rows. Key and sort columns ride along for dedup and ordering and
// are stripped again before decoding.
func (t *Table) nativeProjection(p *plan.Plan, spec core.FindSpec) []string {
	if len(spec.Projection) == 0 {
		return nil
	}
	if len(p.Branches) > 1 || !isTrivial(p.Residual) {
		return nil
	}
	columns := t.expandProjection(spec.Projection)
	columns = append(columns, t.desc.PrimaryKeyColumns()...)
	for _, sf := range p.Sort {
		columns = append(columns, t.columnFor(sf.Path))
	}
	return dedupColumns(columns)
}

// narrowRows drops columns outside the requested projection so decoded
// models carry only the selected fields.
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
	return dedupColumns(columns)
}

func dedupColumns(columns []string) []string {
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

func isTrivial(c condition.Condition) bool {
	if c == nil {
		return true
	}
	_, always := c.(condition.Always)
	return always
}
