// Package cqltheory provides a typed data-access layer for Apache Cassandra.
//
// Import path:
//
//	import "github.com/theory-cloud/cqltheory"
//
// Models are plain structs; a schema.Descriptor built with Define declares
// the table layout. The Cassandra engine lives in `internal/cassdb`, the
// in-memory reference engine in `pkg/memdb`; both serve the same contracts,
// so tests can swap NewMemory for New without touching query code.
package cqltheory

import (
	"github.com/theory-cloud/cqltheory/internal/cassdb"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/memdb"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/session"
)

type (
	// Re-export the session and contract types callers touch directly.
	Config     = session.Config
	DB         = core.DB
	ExtendedDB = core.ExtendedDB
	Query      = core.Query
	Table      = core.Table

	Descriptor  = schema.Descriptor
	Condition   = condition.Condition
	EntryChange = core.EntryChange

	PaginatedResult = core.PaginatedResult
	Consistency     = core.Consistency
)

// Re-export the write options and condition combinators for convenience.
var (
	WithTTL              = core.WithTTL
	WithWriteConsistency = core.WithWriteConsistency
	WithOverwrite        = core.WithOverwrite

	AllOf        = condition.AllOf
	AnyOf        = condition.AnyOf
	MatchesRegex = condition.MatchesRegex
)

// New connects to the cluster described by config.
func New(config session.Config) (core.ExtendedDB, error) {
	return cassdb.New(config)
}

// NewMemory returns an empty in-memory database implementing the same
// contract, for tests and non-distributed deployments.
func NewMemory() core.ExtendedDB {
	return memdb.New()
}

// Define starts a table declaration for a model type.
func Define(table string, model any) *schema.Builder {
	return schema.Define(table, model)
}

// Eq matches rows whose column at path equals value.
func Eq(path string, value any) condition.Condition {
	return condition.Equal{Path: path, Value: value}
}

// In matches rows whose column at path equals one of values.
func In(path string, values ...any) condition.Condition {
	return condition.Inside{Path: path, Values: values}
}

// Gt matches rows whose column at path orders strictly after value.
func Gt(path string, value any) condition.Condition {
	return condition.GreaterThan{Path: path, Value: value}
}

// Gte matches rows whose column at path orders at or after value.
func Gte(path string, value any) condition.Condition {
	return condition.GreaterThanOrEqual{Path: path, Value: value}
}

// Lt matches rows whose column at path orders strictly before value.
func Lt(path string, value any) condition.Condition {
	return condition.LessThan{Path: path, Value: value}
}

// Lte matches rows whose column at path orders at or before value.
func Lte(path string, value any) condition.Condition {
	return condition.LessThanOrEqual{Path: path, Value: value}
}

// Not negates a condition; the planner rewrites the negation inward before
// deciding what can run natively.
func Not(inner condition.Condition) condition.Condition {
	return condition.Not{Inner: inner}
}
