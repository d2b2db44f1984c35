package memdb

import (
	"context"
	"maps"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/internal/token"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/modification"
	"github.com/theory-cloud/cqltheory/pkg/naming"
)

// Insert writes a new row. A row with the same primary key is
// ErrUniquenessViolation unless the write opts into overwriting. Generated
// values (identity, version, timestamps) land in the stored row only; item
// is never mutated.
func (t *Table) Insert(ctx context.Context, item any, opts ...core.WriteOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := core.ApplyWriteOptions(opts)
	row, err := t.prepareRow(item, "insert")
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked("insert", row, cfg)
}

// InsertMany inserts a slice of models (or model pointers). Rows are
// validated up front, so a malformed item fails the batch before anything
// is written; a mid-batch uniqueness conflict leaves earlier rows in place.
func (t *Table) InsertMany(ctx context.Context, items any, opts ...core.WriteOption) error {
	if err := ctx.Err(); err != nil {
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

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		if err := t.insertLocked("insertMany", row, cfg); err != nil {
			return err
		}
	}
	return nil
}

// UpdateOne finds the first row matching cond, applies mod, and writes the
// result. The find and the write run under one lock, so the version-guard
// retry of the Cassandra engine has no equivalent here.
func (t *Table) UpdateOne(ctx context.Context, cond condition.Condition, mod modification.Modification, opts ...core.WriteOption) (*core.EntryChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.matchRowsLocked(core.FindSpec{Condition: cond, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewError("updateOne", t.desc.Table, errors.ErrItemNotFound)
	}
	return t.rewriteLocked("updateOne", rows[0], t.applyMod(mod), cfg)
}

// UpdateMany applies mod to every matching row in scan order.
func (t *Table) UpdateMany(ctx context.Context, cond condition.Condition, mod modification.Modification, opts ...core.WriteOption) (*core.CollectionChanges, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.matchRowsLocked(core.FindSpec{Condition: cond})
	if err != nil {
		return nil, err
	}
	changes := &core.CollectionChanges{}
	for _, row := range rows {
		change, err := t.rewriteLocked("updateMany", row, t.applyMod(mod), cfg)
		if err != nil {
			return nil, err
		}
		changes.Changes = append(changes.Changes, *change)
	}
	return changes, nil
}

// UpsertOne updates the matching row, or inserts fallback (with mod
// applied) when nothing matches. The whole operation runs under one lock,
// so the insert race the Cassandra engine retries through cannot happen.
func (t *Table) UpsertOne(ctx context.Context, cond condition.Condition, mod modification.Modification, fallback any, opts ...core.WriteOption) (*core.EntryChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.matchRowsLocked(core.FindSpec{Condition: cond, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return t.rewriteLocked("upsertOne", rows[0], t.applyMod(mod), cfg)
	}

	seeded, err := modification.Apply(mod, fallback)
	if err != nil {
		return nil, err
	}
	row, err := t.prepareRow(seeded, "upsertOne")
	if err != nil {
		return nil, err
	}
	// The insert stays guarded even for overwriting writes, matching the
	// Cassandra engine's upsert contract.
	insertCfg := cfg
	insertCfg.Overwrite = false
	if err := t.insertLocked("upsertOne", row, insertCfg); err != nil {
		return nil, err
	}
	stored, err := t.decodeRow(row)
	if err != nil {
		return nil, errors.NewError("upsertOne", t.desc.Table, err)
	}
	return &core.EntryChange{New: stored}, nil
}

// ReplaceOne swaps the single matching row for item through the rewrite
// path, so version bumping and key changes behave as in UpdateOne.
func (t *Table) ReplaceOne(ctx context.Context, cond condition.Condition, item any, opts ...core.WriteOption) (*core.EntryChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := core.ApplyWriteOptions(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.matchRowsLocked(core.FindSpec{Condition: cond, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewError("replaceOne", t.desc.Table, errors.ErrItemNotFound)
	}
	return t.rewriteLocked("replaceOne", rows[0], func(any) (any, error) {
		return item, nil
	}, cfg)
}

// DeleteOne deletes the first matching row and returns its prior state.
func (t *Table) DeleteOne(ctx context.Context, cond condition.Condition) (*core.EntryChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.matchRowsLocked(core.FindSpec{Condition: cond, Limit: 1})
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
	key, err := t.rowKey(rows[0], "deleteOne")
	if err != nil {
		return nil, err
	}
	delete(t.entries, key)
	return &core.EntryChange{Old: old}, nil
}

// DeleteMany deletes every matching row.
func (t *Table) DeleteMany(ctx context.Context, cond condition.Condition) (*core.CollectionChanges, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.matchRowsLocked(core.FindSpec{Condition: cond})
	if err != nil {
		return nil, err
	}
	changes := &core.CollectionChanges{}
	for _, row := range rows {
		old, err := t.decodeRow(row)
		if err != nil {
			return nil, errors.NewError("deleteMany", t.desc.Table, err)
		}
		key, err := t.rowKey(row, "deleteMany")
		if err != nil {
			return nil, err
		}
		delete(t.entries, key)
		changes.Changes = append(changes.Changes, core.EntryChange{Old: old})
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

// rewriteLocked rewrites one stored row through produce: key columns the
// encode could not fill carry over, the version column advances past the
// stored value, unique sets are re-checked, and the row moves atomically
// when the rewrite changed its key.
func (t *Table) rewriteLocked(op string, oldRow map[string]any, produce rewrite, cfg core.WriteConfig) (*core.EntryChange, error) {
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

	oldKey, err := t.rowKey(oldRow, op)
	if err != nil {
		return nil, err
	}
	newKey, err := t.rowKey(newRow, op)
	if err != nil {
		return nil, err
	}
	if err := t.checkUniqueSetsLocked(op, newRow, oldRow); err != nil {
		return nil, err
	}

	stored, err := t.decodeRow(newRow)
	if err != nil {
		return nil, errors.NewError(op, t.desc.Table, err)
	}
	if newKey != oldKey {
		delete(t.entries, oldKey)
	}
	t.storeLocked(newKey, newRow, t.expiry(newRow, cfg))
	return &core.EntryChange{Old: old, New: stored}, nil
}

// insertLocked stores one prepared row, enforcing unique sets and then the
// primary-key guard, in that order, matching the Cassandra engine's
// pre-read-then-CAS sequence.
func (t *Table) insertLocked(op string, row map[string]any, cfg core.WriteConfig) error {
	if err := t.checkUniqueSetsLocked(op, row, nil); err != nil {
		return err
	}
	key, err := t.rowKey(row, op)
	if err != nil {
		return err
	}
	if e, ok := t.entries[key]; ok && !e.expired(time.Now()) && !cfg.Overwrite {
		return errors.NewError(op, t.desc.Table, errors.ErrUniquenessViolation)
	}
	t.storeLocked(key, row, t.expiry(row, cfg))
	return nil
}

// storeLocked writes row under key with the dialect's write semantics:
// columns absent from row survive in a live existing row, since a native
// INSERT or UPDATE only touches the columns it names.
func (t *Table) storeLocked(key string, row map[string]any, expires time.Time) {
	if e, ok := t.entries[key]; ok && !e.expired(time.Now()) {
		maps.Copy(e.row, row)
		e.expires = expires
		return
	}
	t.entries[key] = &entry{row: row, expires: expires}
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
	if _, err := t.rowKey(row, op); err != nil {
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

// rowKey derives the storage key from the full primary key. Key columns
// must be present, non-nil and, for text, non-empty.
func (t *Table) rowKey(row map[string]any, op string) (string, error) {
	columns := t.desc.PrimaryKeyColumns()
	values := make([]any, len(columns))
	for i, column := range columns {
		v, ok := row[column]
		if !ok || v == nil {
			return "", errors.NewErrorWithContext(op, t.desc.Table, errors.ErrMissingPrimaryKey, map[string]any{
				"column": column,
			})
		}
		if s, isText := v.(string); isText && s == "" {
			return "", errors.NewErrorWithContext(op, t.desc.Table, errors.ErrInvalidPrimaryKey, map[string]any{
				"column": column,
			})
		}
		values[i] = v
	}
	return token.Key(values...), nil
}

// checkUniqueSetsLocked scans for another live row holding the candidate's
// values in any declared unique set. The set matching the primary key is
// skipped: the key guard covers that one. On updates (prior non-nil) only
// sets whose values actually changed are scanned, so a row never collides
// with itself.
func (t *Table) checkUniqueSetsLocked(op string, row, prior map[string]any) error {
	now := time.Now()
	for _, set := range t.desc.UniqueSets {
		if sameColumns(set, t.desc.PrimaryKeyColumns()) {
			continue
		}
		if prior != nil && !setValuesChanged(set, prior, row) {
			continue
		}
		want := setKey(set, row)
		for _, e := range t.entries {
			if e.expired(now) {
				continue
			}
			if setKey(set, e.row) == want {
				return errors.NewErrorWithContext(op, t.desc.Table, errors.ErrUniquenessViolation, map[string]any{
					"columns": strings.Join(set, ","),
				})
			}
		}
	}
	return nil
}

func setKey(set []string, row map[string]any) string {
	values := make([]any, len(set))
	for i, column := range set {
		values[i] = row[column]
	}
	return token.Key(values...)
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

// expiry resolves the expiry instant for one write: an explicit WithTTL
// wins, otherwise the declared expiry column drives it. Already-expired
// rows stay readable for the same minimum grace the native TTL grants.
func (t *Table) expiry(row map[string]any, cfg core.WriteConfig) time.Time {
	if cfg.TTL > 0 {
		return time.Now().Add(cfg.TTL)
	}
	if t.desc.TTLColumn == "" {
		return time.Time{}
	}
	expires, ok := row[t.desc.TTLColumn].(time.Time)
	if !ok || expires.IsZero() {
		return time.Time{}
	}
	if floor := time.Now().Add(time.Second); expires.Before(floor) {
		return floor
	}
	return expires
}
