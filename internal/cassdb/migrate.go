package cassdb

import (
	"context"
	"strings"

	"github.com/theory-cloud/cqltheory/internal/cql"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/plan"
	"github.com/theory-cloud/cqltheory/pkg/schema"
)

// ensureReady runs the lazy schema migration once per engine instance.
// Only success is cached; a failed migration is retried by the next
// operation.
func (t *Table) ensureReady(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready {
		return nil
	}
	working, planDesc, err := t.migrate(ctx)
	if err != nil {
		return err
	}
	t.working = working
	t.planDesc = planDesc
	t.ready = true
	return nil
}

// migrate creates the keyspace, table, indexes and views, and adds columns
// the stored table is missing. The keyspace and table must come up; every
// other element degrades: an unsupported or failed index leaves the working
// set, an unsupported or failed view leaves the planning descriptor, and
// queries needing them fall back to filtering.
func (t *Table) migrate(ctx context.Context) (plan.IndexSet, *schema.Descriptor, error) {
	if err := t.exec.Exec(ctx, cql.CreateKeyspace(t.keyspace, t.replication)); err != nil && !alreadyExists(err) {
		return nil, nil, errors.NewError("migrate", t.desc.Table, err)
	}
	if err := t.exec.Exec(ctx, cql.CreateTable(t.keyspace, t.desc)); err != nil && !alreadyExists(err) {
		return nil, nil, errors.NewError("migrate", t.desc.Table, err)
	}

	t.alterMissingColumns(ctx)

	working := plan.NewIndexSet()
	for _, idx := range t.desc.Indexes {
		err := t.exec.Exec(ctx, cql.CreateIndex(t.keyspace, t.desc, idx))
		switch {
		case err == nil || alreadyExists(err):
			working.Add(idx.Column)
		case notSupported(err):
			t.logger.Warn("index type not supported, queries fall back to filtering",
				"table", t.desc.Table, "column", idx.Column, "error", err)
		default:
			t.logger.Warn("index creation failed, abandoning it",
				"table", t.desc.Table, "column", idx.Column, "error", err)
		}
	}

	views := make([]schema.View, 0, len(t.desc.Views))
	for _, v := range t.desc.Views {
		err := t.exec.Exec(ctx, cql.CreateView(t.keyspace, t.desc, v))
		switch {
		case err == nil || alreadyExists(err):
			views = append(views, v)
		case notSupported(err):
			t.logger.Warn("materialized views not supported, queries use the base table",
				"table", t.desc.Table, "view", v.Name, "error", err)
		default:
			t.logger.Warn("view creation failed, abandoning it",
				"table", t.desc.Table, "view", v.Name, "error", err)
		}
	}

	planDesc := t.desc
	if len(views) != len(t.desc.Views) {
		copied := *t.desc
		copied.Views = views
		planDesc = &copied
	}
	return working, planDesc, nil
}

// alterMissingColumns adds model columns the stored table lacks. Additive
// only: nothing is dropped or retyped. When column metadata cannot be read
// the declared schema is trusted as-is.
func (t *Table) alterMissingColumns(ctx context.Context) {
	existing, ok := t.storedColumnNames(ctx)
	if !ok {
		return
	}
	for _, col := range cql.StoredColumns(t.desc) {
		if existing[col.Name] {
			continue
		}
		st := cql.AlterTableAdd(t.keyspace, t.desc.Table, col.Name, col.CQLType)
		if err := t.exec.Exec(ctx, st); err != nil && !alreadyExists(err) {
			t.logger.Warn("column migration failed",
				"table", t.desc.Table, "column", col.Name, "error", err)
		}
	}
}

// storedColumnNames introspects system_schema for the table's columns. Zero
// rows after a successful CREATE means the metadata read is restricted, not
// that the table is empty of columns, so it reports unavailable.
func (t *Table) storedColumnNames(ctx context.Context) (map[string]bool, bool) {
	st := core.Statement{
		Text:       "SELECT column_name FROM system_schema.columns WHERE keyspace_name = ? AND table_name = ?",
		Values:     []any{t.keyspace, t.desc.Table},
		Idempotent: true,
	}
	iter, err := t.exec.Select(ctx, st, 0, nil)
	if err != nil {
		t.logger.Warn("schema introspection unavailable, skipping column migration",
			"table", t.desc.Table, "error", err)
		return nil, false
	}
	names := make(map[string]bool)
	for {
		row, ok := iter.Next()
		if !ok {
			break
		}
		if name, ok := row["column_name"].(string); ok {
			names[name] = true
		}
	}
	if err := iter.Close(); err != nil {
		t.logger.Warn("schema introspection unavailable, skipping column migration",
			"table", t.desc.Table, "error", err)
		return nil, false
	}
	if len(names) == 0 {
		t.logger.Warn("schema introspection returned nothing, skipping column migration",
			"table", t.desc.Table)
		return nil, false
	}
	return names, true
}

// Describe reports the storage-side shape of the table from system_schema.
func (t *Table) Describe(ctx context.Context) (*core.TableDescription, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}

	desc := &core.TableDescription{Keyspace: t.keyspace, Name: t.desc.Table}

	columns := core.Statement{
		Text:       "SELECT column_name, type, kind FROM system_schema.columns WHERE keyspace_name = ? AND table_name = ?",
		Values:     []any{t.keyspace, t.desc.Table},
		Idempotent: true,
	}
	rows, err := t.collectRows(ctx, columns, 0)
	if err != nil {
		return nil, errors.NewError("describeTable", t.desc.Table, err)
	}
	if len(rows) == 0 {
		return nil, errors.NewError("describeTable", t.desc.Table, errors.ErrTableNotFound)
	}
	for _, row := range rows {
		column := core.ColumnDescription{}
		column.Name, _ = row["column_name"].(string)
		column.CQLType, _ = row["type"].(string)
		column.Kind, _ = row["kind"].(string)
		desc.Columns = append(desc.Columns, column)
	}

	indexes := core.Statement{
		Text:       "SELECT index_name FROM system_schema.indexes WHERE keyspace_name = ? AND table_name = ?",
		Values:     []any{t.keyspace, t.desc.Table},
		Idempotent: true,
	}
	rows, err = t.collectRows(ctx, indexes, 0)
	if err != nil {
		return nil, errors.NewError("describeTable", t.desc.Table, err)
	}
	for _, row := range rows {
		if name, ok := row["index_name"].(string); ok {
			desc.Indexes = append(desc.Indexes, name)
		}
	}

	// system_schema.views keys on (keyspace_name, view_name); the base
	// table filter happens here.
	views := core.Statement{
		Text:       "SELECT view_name, base_table_name FROM system_schema.views WHERE keyspace_name = ?",
		Values:     []any{t.keyspace},
		Idempotent: true,
	}
	rows, err = t.collectRows(ctx, views, 0)
	if err != nil {
		return nil, errors.NewError("describeTable", t.desc.Table, err)
	}
	for _, row := range rows {
		if base, ok := row["base_table_name"].(string); !ok || base != t.desc.Table {
			continue
		}
		if name, ok := row["view_name"].(string); ok {
			desc.Views = append(desc.Views, name)
		}
	}

	return desc, nil
}

// Drop removes the table and its views and forgets the migration state, so
// a later operation recreates the schema.
func (t *Table) Drop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.desc.Views {
		if err := t.exec.Exec(ctx, cql.DropView(t.keyspace, v.Name)); err != nil {
			return errors.NewError("deleteTable", t.desc.Table, err)
		}
	}
	if err := t.exec.Exec(ctx, cql.DropTable(t.keyspace, t.desc.Table)); err != nil {
		return errors.NewError("deleteTable", t.desc.Table, err)
	}
	t.ready = false
	t.working = nil
	t.planDesc = nil
	return nil
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func notSupported(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "not supported") || strings.Contains(text, "unsupported")
}
