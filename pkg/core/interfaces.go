// Package core defines the public contracts shared by every backend: the
// database handle, the chainable query builder, and the table engine both
// the Cassandra and the in-memory implementations satisfy.
package core

import (
	"context"
	"reflect"
	"time"

	"github.com/theory-cloud/cqltheory/pkg/aggregate"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/modification"
	"github.com/theory-cloud/cqltheory/pkg/plan"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// DB represents the main database connection interface
type DB interface {
	// Model returns a new query builder for the given model
	Model(model any) Query

	// WithContext returns a new DB instance with the given context
	WithContext(ctx context.Context) DB

	// Close releases the underlying session
	Close() error
}

// ExtendedDB is the full database interface including schema management
type ExtendedDB interface {
	DB

	// RegisterTypeConverter registers a custom converter for a specific Go
	// type, overriding how values of that type are written to and read from
	// storage
	RegisterTypeConverter(typ reflect.Type, converter types.CustomConverter) error

	// CreateTable eagerly creates the table, indexes and views for the
	// descriptor
	CreateTable(desc *schema.Descriptor) error

	// EnsureTable creates the table if missing and applies additive column
	// migration; it is idempotent and safe to race
	EnsureTable(desc *schema.Descriptor) error

	// DeleteTable drops the table for the descriptor
	DeleteTable(desc *schema.Descriptor) error

	// DescribeTable returns the live storage-side description of the table
	DescribeTable(desc *schema.Descriptor) (*TableDescription, error)
}

// Query represents a chainable query builder interface
type Query interface {
	// Where adds a condition using an operator string: =, !=, <, <=, >, >=,
	// IN, NOT IN, CONTAINS, BEGINS_WITH
	Where(field string, op string, value any) Query

	// WhereCondition adds a condition from the condition algebra directly
	WhereCondition(cond condition.Condition) Query

	// OrWhere starts a new disjunction branch: conditions added so far are
	// grouped, and the given condition opens an alternative branch
	OrWhere(field string, op string, value any) Query

	// OrWhereCondition is OrWhere for algebra conditions
	OrWhereCondition(cond condition.Condition) Query

	// OrderBy adds a sort field; order is "ASC" or "DESC"
	OrderBy(field string, order string) Query

	// Limit caps the number of returned items
	Limit(limit int) Query

	// Offset skips the first n matching items
	Offset(offset int) Query

	// Select restricts the columns fetched and decoded
	Select(fields ...string) Query

	// Consistency overrides the session consistency level for this query
	Consistency(level Consistency) Query

	// WithTTL sets a time-to-live applied to writes issued by this query
	WithTTL(d time.Duration) Query

	// Cursor resumes a paginated query from an opaque cursor
	Cursor(cursor string) Query

	// WithContext sets the context for the query
	WithContext(ctx context.Context) Query

	// First retrieves the first matching item
	First(dest any) error

	// All retrieves all matching items
	All(dest any) error

	// AllPaginated retrieves one page of items with pagination metadata
	AllPaginated(dest any) (*PaginatedResult, error)

	// Count returns the number of matching items
	Count() (int64, error)

	// Create inserts the model, failing if a row with the same key exists
	Create() error

	// CreateOrUpdate inserts the model or overwrites the existing row
	CreateOrUpdate() error

	// Update applies the model's current values to the matching row,
	// restricted to the named fields when any are given
	Update(fields ...string) error

	// UpdateWith applies a modification from the modification algebra to the
	// single matching row and reports the before/after states
	UpdateWith(mod modification.Modification) (*EntryChange, error)

	// Replace swaps the single matching row for the model's current values
	Replace() (*EntryChange, error)

	// Delete deletes the single matching row
	Delete() error

	// DeleteAll deletes every matching row
	DeleteAll() (int, error)

	// BatchCreate inserts a slice of models with bounded concurrency
	BatchCreate(items any) error

	// Aggregate streams the numeric values at path through an accumulator
	Aggregate(kind aggregate.Kind, path string) (float64, bool, error)

	// GroupAggregate aggregates path per group key, preserving first-seen
	// group order
	GroupAggregate(kind aggregate.Kind, groupPath, path string) ([]aggregate.Group, error)

	// GroupCount counts matching rows per group key
	GroupCount(groupPath string) ([]aggregate.Group, error)

	// Explain returns the query plan without executing it
	Explain() (*plan.Plan, error)
}

// Table is the engine contract both backends implement. Conditions address
// flattened column paths; models cross the boundary as decoded structs.
type Table interface {
	// Find appends every matching row to dest, which must be a pointer to a
	// slice of the descriptor's model type
	Find(ctx context.Context, spec FindSpec, dest any) error

	// FindPage retrieves one page of matching rows and a cursor for the next
	FindPage(ctx context.Context, spec FindSpec, dest any) (Page, error)

	// FindOne decodes the first matching row into dest, or ErrItemNotFound
	FindOne(ctx context.Context, spec FindSpec, dest any) error

	// Insert writes a new row, enforcing unique sets; a duplicate key is
	// ErrUniquenessViolation
	Insert(ctx context.Context, item any, opts ...WriteOption) error

	// InsertMany inserts a slice of models with bounded concurrency
	InsertMany(ctx context.Context, items any, opts ...WriteOption) error

	// UpdateOne finds the first row matching cond, applies mod, and writes
	// the result atomically; ErrItemNotFound when nothing matches
	UpdateOne(ctx context.Context, cond condition.Condition, mod modification.Modification, opts ...WriteOption) (*EntryChange, error)

	// UpdateMany applies mod to every matching row
	UpdateMany(ctx context.Context, cond condition.Condition, mod modification.Modification, opts ...WriteOption) (*CollectionChanges, error)

	// UpsertOne updates the matching row, or inserts fallback when nothing
	// matches; the insert race resolves by re-reading once
	UpsertOne(ctx context.Context, cond condition.Condition, mod modification.Modification, fallback any, opts ...WriteOption) (*EntryChange, error)

	// ReplaceOne swaps the single matching row for item
	ReplaceOne(ctx context.Context, cond condition.Condition, item any, opts ...WriteOption) (*EntryChange, error)

	// DeleteOne deletes the first matching row and returns its prior state,
	// or ErrItemNotFound
	DeleteOne(ctx context.Context, cond condition.Condition) (*EntryChange, error)

	// DeleteMany deletes every matching row
	DeleteMany(ctx context.Context, cond condition.Condition) (*CollectionChanges, error)

	// Count returns the number of matching rows
	Count(ctx context.Context, cond condition.Condition) (int64, error)

	// AggregateRows streams matching rows into grouped accumulators; an
	// empty GroupPath aggregates the whole stream under one group
	AggregateRows(ctx context.Context, spec AggregateSpec) ([]aggregate.Group, error)

	// Explain plans spec without executing it
	Explain(spec FindSpec) (*plan.Plan, error)
}
