package cassdb

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/theory-cloud/cqltheory/internal/cql"
	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/internal/token"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/modification"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/plan"
)

// Insert writes a new row. The primary key is guarded with IF NOT EXISTS
// unless the write opts into overwriting; a lost guard is
// ErrUniquenessViolation. Generated values (identity, version, timestamps)
// land in the stored row only; item is never mutated.
func (t *Table) Insert(ctx context.Context, item any, opts ...core.WriteOption) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	cfg := core.ApplyWriteOptions(opts)
	row, err := t.prepareRow(item, "insert")
	if err != nil {
		return err
	}
	return t.insertRow(ctx, "insert", row, cfg)
}

// InsertMany inserts a slice of models (or model pointers) concurrently
// under the fan-out limit. The first failure cancels outstanding inserts;
// rows already written stay written.
func (t *Table) InsertMany(ctx context.Context, items any, opts ...core.WriteOption) error {
	if err := t.ensureReady(ctx); err != nil {
		return err
	}
	rv := reflect.ValueOf(items)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice {
		return errors.NewErrorWithContext("insertMany", t.desc.Table, errors.ErrInvalidModel, map[string]any{
			"reason": "items must be a slice",
		})
	}

	cfg := core.ApplyWriteOptions(opts)
	rows := make([]map[string]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		row, err := t.prepareRow(rv.Index(i).Interface(), "insertMany")
		if err != nil {
			return err
		}
		rows[i] = row
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.fanOut)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			return t.insertRow(gctx, "insertMany", row, cfg)
		})
	}
	return g.Wait()
}

// UpdateOne finds the first row matching cond, applies mod, and writes the
// result. Key-stable updates run one guarded UPDATE; key-changing updates
// delete the old key and insert the new row in a logged batch.
func (t *Table) UpdateOne(ctx context.Context, cond condition.Condition, mod modification.Modification, opts ...core.WriteOption) (*core.EntryChange, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)
	rows, err := t.matchRows(ctx, cond, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewError("updateOne", t.desc.Table, errors.ErrItemNotFound)
	}
	return t.applyRewrite(ctx, "updateOne", rows[0], t.applyMod(mod), cfg)
}

// UpdateMany applies mod to every matching row with bounded concurrency.
// Rows deleted between the read and the write are skipped, not errors.
func (t *Table) UpdateMany(ctx context.Context, cond condition.Condition, mod modification.Modification, opts ...core.WriteOption) (*core.CollectionChanges, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)
	rows, err := t.matchRows(ctx, cond, 0)
	if err != nil {
		return nil, err
	}

	results := make([]*core.EntryChange, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.fanOut)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			change, err := t.applyRewrite(gctx, "updateMany", row, t.applyMod(mod), cfg)
			if err != nil {
				if errors.IsNotFound(err) {
					return nil
				}
				return err
			}
			results[i] = change
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changes := &core.CollectionChanges{}
	for _, change := range results {
		if change != nil {
			changes.Changes = append(changes.Changes, *change)
		}
	}
	return changes, nil
}

// UpsertOne updates the matching row, or inserts fallback (with mod
// applied) when nothing matches. Losing the insert race, or the matched row
// vanishing mid-update, retries the whole operation once; a second loss is
// ErrUniquenessViolation.
func (t *Table) UpsertOne(ctx context.Context, cond condition.Condition, mod modification.Modification, fallback any, opts ...core.WriteOption) (*core.EntryChange, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			t.logger.Warn("upsert race lost, retrying", "table", t.desc.Table)
		}
		change, err := t.tryUpsert(ctx, cond, mod, fallback, cfg)
		if err == nil {
			return change, nil
		}
		if !isUpsertRace(err) {
			return nil, err
		}
	}
	return nil, errors.NewError("upsertOne", t.desc.Table, errors.ErrUniquenessViolation)
}

func (t *Table) tryUpsert(ctx context.Context, cond condition.Condition, mod modification.Modification, fallback any, cfg core.WriteConfig) (*core.EntryChange, error) {
	rows, err := t.matchRows(ctx, cond, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return t.applyRewrite(ctx, "upsertOne", rows[0], t.applyMod(mod), cfg)
	}

	seeded, err := modification.Apply(mod, fallback)
	if err != nil {
		return nil, err
	}
	row, err := t.prepareRow(seeded, "upsertOne")
	if err != nil {
		return nil, err
	}
	// The insert stays guarded even for overwriting writes: losing the
	// guard is how a concurrent upsert on the same key is detected.
	insertCfg := cfg
	insertCfg.Overwrite = false
	if err := t.insertRow(ctx, "upsertOne", row, insertCfg); err != nil {
		return nil, err
	}
	stored, err := t.decodeRow(row)
	if err != nil {
		return nil, errors.NewError("upsertOne", t.desc.Table, err)
	}
	return &core.EntryChange{New: stored}, nil
}

// isUpsertRace reports whether err means another writer beat this upsert:
// the guarded insert was not applied, or the row it was updating vanished.
func isUpsertRace(err error) bool {
	return errors.IsUniquenessViolation(err) || errors.IsNotFound(err)
}

// ReplaceOne swaps the single matching row for item through the update
// write path, so version guarding and key changes behave as in UpdateOne.
func (t *Table) ReplaceOne(ctx context.Context, cond condition.Condition, item any, opts ...core.WriteOption) (*core.EntryChange, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)
	rows, err := t.matchRows(ctx, cond, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewError("replaceOne", t.desc.Table, errors.ErrItemNotFound)
	}
	return t.applyRewrite(ctx, "replaceOne", rows[0], func(any) (any, error) {
		return item, nil
	}, cfg)
}

// DeleteOne deletes the first matching row and returns its prior state.
func (t *Table) DeleteOne(ctx context.Context, cond condition.Condition) (*core.EntryChange, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := t.matchRows(ctx, cond, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewError("deleteOne", t.desc.Table, errors.ErrItemNotFound)
	}

	old, err := t.decodeRow(rows[0])
	if err != nil {
		return nil, errors.NewError("deleteOne", t.desc.Table, err)
	}
	key, err := t.keyValues(rows[0], "deleteOne")
	if err != nil {
		return nil, err
	}
	if err := t.exec.Exec(ctx, t.deleteStatement(key, core.ConsistencyDefault)); err != nil {
		return nil, errors.NewError("deleteOne", t.desc.Table, err)
	}
	return &core.EntryChange{Old: old}, nil
}

// DeleteMany deletes every matching row. Deletes sharing a partition run as
// one logged batch; singletons run concurrently under the fan-out limit.
func (t *Table) DeleteMany(ctx context.Context, cond condition.Condition) (*core.CollectionChanges, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := t.matchRows(ctx, cond, 0)
	if err != nil {
		return nil, err
	}
	changes := &core.CollectionChanges{}
	if len(rows) == 0 {
		return changes, nil
	}

	keys := make([][]any, len(rows))
	for i, row := range rows {
		old, err := t.decodeRow(row)
		if err != nil {
			return nil, errors.NewError("deleteMany", t.desc.Table, err)
		}
		key, err := t.keyValues(row, "deleteMany")
		if err != nil {
			return nil, err
		}
		keys[i] = key
		changes.Changes = append(changes.Changes, core.EntryChange{Old: old})
	}

	groups := make(map[string][]int)
	var order []string
	for i, row := range rows {
		part := t.partitionKeyOf(row)
		if _, ok := groups[part]; !ok {
			order = append(order, part)
		}
		groups[part] = append(groups[part], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.fanOut)
	for _, part := range order {
		indexes := groups[part]
		g.Go(func() error {
			if len(indexes) == 1 {
				return t.exec.Exec(gctx, t.deleteStatement(keys[indexes[0]], core.ConsistencyDefault))
			}
			batch := make([]core.Statement, len(indexes))
			for j, i := range indexes {
				batch[j] = t.deleteStatement(keys[i], core.ConsistencyDefault)
			}
			return t.exec.ExecBatch(gctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.NewError("deleteMany", t.desc.Table, err)
	}
	return changes, nil
}

// rewrite produces the replacement model for one stored model.
type rewrite func(old any) (any, error)

func (t *Table) applyMod(mod modification.Modification) rewrite {
	return func(old any) (any, error) {
		return modification.Apply(mod, old)
	}
}

// applyRewrite rewrites one stored row through produce. When the primary
// key survives, the write is a single UPDATE guarded by the version column
// (IF EXISTS without one); a missed guard re-reads the row and retries
// once before ErrConditionFailed. When the key changes, the old row is
// deleted and the new one inserted in a logged batch; the two keys land in
// different partitions, so that batch carries no conditions.
func (t *Table) applyRewrite(ctx context.Context, op string, oldRow map[string]any, produce rewrite, cfg core.WriteConfig) (*core.EntryChange, error) {
	for attempt := 0; attempt < 2; attempt++ {
		old, err := t.decodeRow(oldRow)
		if err != nil {
			return nil, errors.NewError(op, t.desc.Table, err)
		}
		replacement, err := produce(old)
		if err != nil {
			return nil, err
		}
		newRow, err := t.encodeModel(replacement)
		if err != nil {
			return nil, errors.NewError(op, t.desc.Table, err)
		}
		t.carryKeys(oldRow, newRow)
		t.bumpVersion(oldRow, newRow)

		oldKey, err := t.keyValues(oldRow, op)
		if err != nil {
			return nil, err
		}
		newKey, err := t.keyValues(newRow, op)
		if err != nil {
			return nil, err
		}
		if err := t.checkUniqueSets(ctx, op, newRow, oldRow, cfg); err != nil {
			return nil, err
		}

		stored, err := t.decodeRow(newRow)
		if err != nil {
			return nil, errors.NewError(op, t.desc.Table, err)
		}
		change := &core.EntryChange{Old: old, New: stored}

		if token.Key(oldKey...) != token.Key(newKey...) {
			batch := []core.Statement{
				t.deleteStatement(oldKey, cfg.Consistency),
				t.insertStatement(newRow, cfg, false),
			}
			if err := t.exec.ExecBatch(ctx, batch); err != nil {
				return nil, errors.NewError(op, t.desc.Table, err)
			}
			return change, nil
		}

		applied, err := t.guardedUpdate(ctx, oldRow, newRow, oldKey, cfg)
		if err != nil {
			return nil, errors.NewError(op, t.desc.Table, err)
		}
		if applied {
			return change, nil
		}

		fresh, err := t.readByKey(ctx, oldRow, cfg.Consistency)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, errors.NewError(op, t.desc.Table, errors.ErrItemNotFound)
		}
		oldRow = fresh
	}
	return nil, errors.NewError(op, t.desc.Table, errors.ErrConditionFailed)
}

// matchRows fetches full rows matching cond, using the regular read path.
func (t *Table) matchRows(ctx context.Context, cond condition.Condition, limit int) ([]map[string]any, error) {
	spec := core.FindSpec{Condition: cond, Limit: limit}
	p, err := t.buildPlan(spec)
	if err != nil {
		return nil, err
	}
	return t.fetchRows(ctx, p, spec)
}

// prepareRow encodes item for insertion: computed columns filled, a missing
// identity generated, a zero version stamped to 1, the full key validated.
func (t *Table) prepareRow(item any, op string) (map[string]any, error) {
	row, err := t.encodeModel(item)
	if err != nil {
		return nil, errors.NewError(op, t.desc.Table, err)
	}
	if t.desc.HasColumn(naming.IDMarker) {
		if v, ok := row[naming.IDMarker]; !ok || v == nil || v == "" {
			row[naming.IDMarker] = uuid.NewString()
		}
	}
	if col := t.desc.VersionColumn; col != "" {
		if n, ok := numutil.Float64Of(row[col]); ok && n == 0 {
			if next, err := numutil.Add(row[col], 1); err == nil {
				row[col] = next
			}
		}
	}
	if _, err := t.keyValues(row, op); err != nil {
		return nil, err
	}
	return row, nil
}

func (t *Table) encodeModel(item any) (map[string]any, error) {
	row, err := t.codec.Encode(item)
	if err != nil {
		return nil, err
	}
	if err := t.desc.ApplyComputed(row); err != nil {
		return nil, err
	}
	return row, nil
}

func (t *Table) decodeRow(row map[string]any) (any, error) {
	model := reflect.New(t.desc.ModelType)
	if err := t.codec.Decode(row, model.Interface()); err != nil {
		return nil, err
	}
	return model.Interface(), nil
}

// carryKeys copies key columns the encode could not produce, such as the
// synthetic identity column, from the stored row into the replacement.
func (t *Table) carryKeys(oldRow, newRow map[string]any) {
	for _, column := range t.desc.PrimaryKeyColumns() {
		if _, present := newRow[column]; !present {
			newRow[column] = oldRow[column]
		}
	}
}

// bumpVersion advances the declared version column past the stored value,
// whatever stale number the replacement model carried.
func (t *Table) bumpVersion(oldRow, newRow map[string]any) {
	col := t.desc.VersionColumn
	if col == "" || oldRow[col] == nil {
		return
	}
	if next, err := numutil.Add(oldRow[col], 1); err == nil {
		newRow[col] = next
	}
}

// keyValues extracts the full primary key from a row. Key columns must be
// present, non-nil and, for text, non-empty.
func (t *Table) keyValues(row map[string]any, op string) ([]any, error) {
	columns := t.desc.PrimaryKeyColumns()
	values := make([]any, len(columns))
	for i, column := range columns {
		v, ok := row[column]
		if !ok || v == nil {
			return nil, errors.NewErrorWithContext(op, t.desc.Table, errors.ErrMissingPrimaryKey, map[string]any{
				"column": column,
			})
		}
		if s, isText := v.(string); isText && s == "" {
			return nil, errors.NewErrorWithContext(op, t.desc.Table, errors.ErrInvalidPrimaryKey, map[string]any{
				"column": column,
			})
		}
		values[i] = v
	}
	return values, nil
}

func (t *Table) partitionKeyOf(row map[string]any) string {
	values := make([]any, len(t.desc.PartitionKeys))
	for i, column := range t.desc.PartitionKeys {
		values[i] = row[column]
	}
	return token.Key(values...)
}

// insertRow writes one prepared row, pre-reading declared unique sets
// first.
func (t *Table) insertRow(ctx context.Context, op string, row map[string]any, cfg core.WriteConfig) error {
	if err := t.checkUniqueSets(ctx, op, row, nil, cfg); err != nil {
		return err
	}
	st := t.insertStatement(row, cfg, !cfg.Overwrite)
	if cfg.Overwrite {
		if err := t.exec.Exec(ctx, st); err != nil {
			return errors.NewError(op, t.desc.Table, err)
		}
		return nil
	}
	applied, _, err := t.exec.ExecCAS(ctx, st)
	if err != nil {
		return errors.NewError(op, t.desc.Table, err)
	}
	if !applied {
		return errors.NewError(op, t.desc.Table, errors.ErrUniquenessViolation)
	}
	return nil
}

func (t *Table) insertStatement(row map[string]any, cfg core.WriteConfig, ifNotExists bool) core.Statement {
	stored := cql.StoredColumns(t.desc)
	columns := make([]string, 0, len(stored))
	values := make([]any, 0, len(stored))
	for _, col := range stored {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		columns = append(columns, col.Name)
		values = append(values, v)
	}
	st := cql.Insert(cql.InsertRequest{
		Keyspace:    t.keyspace,
		Table:       t.desc.Table,
		Columns:     columns,
		Values:      values,
		IfNotExists: ifNotExists,
		TTLSeconds:  t.ttlSeconds(row, cfg),
	})
	st.Consistency = cfg.Consistency
	return st
}

func (t *Table) guardedUpdate(ctx context.Context, oldRow, newRow map[string]any, key []any, cfg core.WriteConfig) (bool, error) {
	keyColumns := t.desc.PrimaryKeyColumns()
	isKey := make(map[string]bool, len(keyColumns))
	for _, column := range keyColumns {
		isKey[column] = true
	}

	var setColumns []string
	var setValues []any
	for _, col := range cql.StoredColumns(t.desc) {
		if isKey[col.Name] {
			continue
		}
		v, ok := newRow[col.Name]
		if !ok {
			continue
		}
		setColumns = append(setColumns, col.Name)
		setValues = append(setValues, v)
	}

	req := cql.UpdateRequest{
		Keyspace:   t.keyspace,
		Table:      t.desc.Table,
		SetColumns: setColumns,
		SetValues:  setValues,
		KeyColumns: keyColumns,
		KeyValues:  key,
		TTLSeconds: t.ttlSeconds(newRow, cfg),
	}
	if col := t.desc.VersionColumn; col != "" {
		req.GuardColumn = col
		req.GuardValue = oldRow[col]
	} else {
		req.IfExists = true
	}
	st := cql.Update(req)
	st.Consistency = cfg.Consistency

	applied, _, err := t.exec.ExecCAS(ctx, st)
	return applied, err
}

func (t *Table) deleteStatement(key []any, consistency core.Consistency) core.Statement {
	st := cql.Delete(cql.DeleteRequest{
		Keyspace:   t.keyspace,
		Table:      t.desc.Table,
		KeyColumns: t.desc.PrimaryKeyColumns(),
		KeyValues:  key,
	})
	st.Consistency = consistency
	return st
}

// readByKey fetches one row by its full primary key, nil when gone.
func (t *Table) readByKey(ctx context.Context, row map[string]any, consistency core.Consistency) (map[string]any, error) {
	columns := t.desc.PrimaryKeyColumns()
	clauses := make([]plan.Clause, len(columns))
	for i, column := range columns {
		clauses[i] = plan.Clause{Column: column, Op: plan.OpEqual, Value: row[column]}
	}
	st := cql.Select(cql.SelectRequest{
		Keyspace: t.keyspace,
		Target:   t.desc.Table,
		Clauses:  clauses,
		Limit:    1,
	})
	st.Consistency = consistency

	rows, err := t.collectRows(ctx, st, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// checkUniqueSets pre-reads each declared unique set and fails when another
// row already holds the candidate's values. The set matching the primary
// key is skipped: IF NOT EXISTS guards that one atomically. On updates
// (prior non-nil) only sets whose values actually changed are read, so a
// row never collides with itself. A pre-read is not a transaction;
// concurrent writers can still race past it.
func (t *Table) checkUniqueSets(ctx context.Context, op string, row, prior map[string]any, cfg core.WriteConfig) error {
	for _, set := range t.desc.UniqueSets {
		if sameColumns(set, t.desc.PrimaryKeyColumns()) {
			continue
		}
		if prior != nil && !setValuesChanged(set, prior, row) {
			continue
		}
		count, err := t.uniqueSetCount(ctx, set, row, cfg)
		if err != nil {
			return errors.NewError(op, t.desc.Table, err)
		}
		if count > 0 {
			return errors.NewErrorWithContext(op, t.desc.Table, errors.ErrUniquenessViolation, map[string]any{
				"columns": strings.Join(set, ","),
			})
		}
	}
	return nil
}

func (t *Table) uniqueSetCount(ctx context.Context, set []string, row map[string]any, cfg core.WriteConfig) (int64, error) {
	clauses := make([]plan.Clause, len(set))
	for i, column := range set {
		clauses[i] = plan.Clause{Column: column, Op: plan.OpEqual, Value: row[column]}
	}
	st := cql.Select(cql.SelectRequest{
		Keyspace:       t.keyspace,
		Target:         t.desc.Table,
		Clauses:        clauses,
		Count:          true,
		AllowFiltering: true,
	})
	st.Consistency = cfg.Consistency
	return t.runCount(ctx, st)
}

func setValuesChanged(set []string, prior, row map[string]any) bool {
	for _, column := range set {
		if token.Key(prior[column]) != token.Key(row[column]) {
			return true
		}
	}
	return false
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, column := range a {
		seen[column] = true
	}
	for _, column := range b {
		if !seen[column] {
			return false
		}
	}
	return true
}

// ttlSeconds resolves the native TTL for one write: an explicit WithTTL
// wins, otherwise the declared expiry column drives it. Already-expired
// rows write with the minimum TTL.
func (t *Table) ttlSeconds(row map[string]any, cfg core.WriteConfig) int {
	if cfg.TTL > 0 {
		return int(cfg.TTL / time.Second)
	}
	if t.desc.TTLColumn == "" {
		return 0
	}
	expiry, ok := row[t.desc.TTLColumn].(time.Time)
	if !ok || expiry.IsZero() {
		return 0
	}
	remaining := int(time.Until(expiry) / time.Second)
	if remaining < 1 {
		return 1
	}
	return remaining
}
