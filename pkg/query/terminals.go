package query

import (
	"reflect"

	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/modification"
	"github.com/theory-cloud/cqltheory/pkg/plan"
)

// First retrieves the first matching item into dest.
func (q *Query) First(dest any) error {
	if q.err != nil {
		return q.err
	}
	return q.table.FindOne(q.ctx, q.findSpec(), dest)
}

// All retrieves every matching item into dest, a pointer to a slice.
func (q *Query) All(dest any) error {
	if q.err != nil {
		return q.err
	}
	return q.table.Find(q.ctx, q.findSpec(), dest)
}

// AllPaginated retrieves one page of items. Limit sets the page size; the
// cursor from the previous result resumes where it stopped.
func (q *Query) AllPaginated(dest any) (*core.PaginatedResult, error) {
	if q.err != nil {
		return nil, q.err
	}
	spec := q.findSpec()
	if q.limit > 0 {
		spec.PageSize = q.limit
		spec.Limit = 0
	}
	page, err := q.table.FindPage(q.ctx, spec, dest)
	if err != nil {
		return nil, err
	}
	result := &core.PaginatedResult{
		Items:      page.Items,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	if rv := reflect.ValueOf(dest); rv.Kind() == reflect.Ptr && rv.Elem().Kind() == reflect.Slice {
		result.Count = rv.Elem().Len()
	}
	return result, nil
}

// Count returns the number of matching items.
func (q *Query) Count() (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.table.Count(q.ctx, q.buildCondition())
}

// Create inserts the model, failing with ErrUniquenessViolation when a row
// with the same key already exists.
func (q *Query) Create() error {
	if q.err != nil {
		return q.err
	}
	return q.table.Insert(q.ctx, q.model, q.writeOptions()...)
}

// CreateOrUpdate inserts the model or silently replaces the existing row.
func (q *Query) CreateOrUpdate() error {
	if q.err != nil {
		return q.err
	}
	opts := append(q.writeOptions(), core.WithOverwrite())
	return q.table.Insert(q.ctx, q.model, opts...)
}

// Update writes the model's current values to the single matching row.
// Named fields restrict the update to those paths; with none the whole row
// is replaced.
func (q *Query) Update(fields ...string) error {
	if q.err != nil {
		return q.err
	}
	cond, err := q.writeCondition("update")
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		_, err := q.table.ReplaceOne(q.ctx, cond, q.model, q.writeOptions()...)
		return err
	}
	mods := make([]modification.Modification, 0, len(fields))
	for _, field := range fields {
		value, ok := q.modelValue(field)
		if !ok {
			return errors.NewErrorWithContext("update", q.tableName(), errors.ErrInvalidModel, map[string]any{
				"field": field,
			})
		}
		mods = append(mods, modification.OnField{Path: field, Inner: modification.Assign{Value: value}})
	}
	_, err = q.table.UpdateOne(q.ctx, cond, modification.Chain{Mods: mods}, q.writeOptions()...)
	return err
}

// UpdateWith applies a modification from the algebra to the single matching
// row and reports the before and after states.
func (q *Query) UpdateWith(mod modification.Modification) (*core.EntryChange, error) {
	if q.err != nil {
		return nil, q.err
	}
	cond, err := q.writeCondition("update")
	if err != nil {
		return nil, err
	}
	return q.table.UpdateOne(q.ctx, cond, mod, q.writeOptions()...)
}

// Replace swaps the single matching row for the model's current values.
func (q *Query) Replace() (*core.EntryChange, error) {
	if q.err != nil {
		return nil, q.err
	}
	cond, err := q.writeCondition("replace")
	if err != nil {
		return nil, err
	}
	return q.table.ReplaceOne(q.ctx, cond, q.model, q.writeOptions()...)
}

// Delete removes the single matching row.
func (q *Query) Delete() error {
	if q.err != nil {
		return q.err
	}
	cond, err := q.writeCondition("delete")
	if err != nil {
		return err
	}
	_, err = q.table.DeleteOne(q.ctx, cond)
	return err
}

// DeleteAll removes every matching row and reports how many went. Without
// conditions it empties the table.
func (q *Query) DeleteAll() (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	changes, err := q.table.DeleteMany(q.ctx, q.buildCondition())
	if err != nil {
		return 0, err
	}
	return len(changes.Changes), nil
}

// BatchCreate inserts a slice of models with bounded concurrency.
func (q *Query) BatchCreate(items any) error {
	if q.err != nil {
		return q.err
	}
	return q.table.InsertMany(q.ctx, items, q.writeOptions()...)
}

// Explain returns the query plan without executing it.
func (q *Query) Explain() (*plan.Plan, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.table.Explain(q.findSpec())
}
