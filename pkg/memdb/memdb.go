package memdb

import (
	"context"
	"reflect"
	"sync"

	"github.com/theory-cloud/cqltheory/internal/cql"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/query"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// DB is the in-memory database handle. Tables register through CreateTable
// or EnsureTable and are shared by every context-scoped copy.
type DB struct {
	shared *state
	ctx    context.Context
}

type state struct {
	converter *types.Converter
	codec     *marshal.Codec

	mu     sync.RWMutex
	tables map[reflect.Type]*handle
}

type handle struct {
	table *Table
	desc  *schema.Descriptor
}

// New returns an empty in-memory database.
func New() *DB {
	converter := types.NewConverter()
	return &DB{
		shared: &state{
			converter: converter,
			codec:     marshal.NewCodec(converter),
			tables:    make(map[reflect.Type]*handle),
		},
		ctx: context.Background(),
	}
}

// Model returns a query builder for the model's registered table. A model
// type registers by passing its descriptor to CreateTable or EnsureTable
// first; querying an unregistered type yields a query that fails with
// ErrTableNotFound.
func (db *DB) Model(model any) core.Query {
	h, err := db.handleFor(model)
	if err != nil {
		return query.NewErrorQuery(err)
	}
	return query.New(db.ctx, h.table, h.desc, model)
}

func (db *DB) handleFor(model any) (*handle, error) {
	t := modelType(model)
	if t == nil {
		return nil, errors.NewError("model", "", errors.ErrInvalidModel)
	}
	db.shared.mu.RLock()
	h, ok := db.shared.tables[t]
	db.shared.mu.RUnlock()
	if !ok {
		return nil, errors.NewErrorWithContext("model", "", errors.ErrTableNotFound, map[string]any{
			"model": t.String(),
		})
	}
	return h, nil
}

func modelType(model any) reflect.Type {
	t := reflect.TypeOf(model)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// WithContext returns a handle copy bound to ctx, sharing every registered
// table.
func (db *DB) WithContext(ctx context.Context) core.DB {
	return &DB{shared: db.shared, ctx: ctx}
}

// Close is a no-op; there is no connection to release.
func (db *DB) Close() error {
	return nil
}

// RegisterTypeConverter overrides how values of typ are written to and read
// from storage. Cached layouts are dropped so the converter applies to
// model types already seen.
func (db *DB) RegisterTypeConverter(typ reflect.Type, converter types.CustomConverter) error {
	if typ == nil || converter == nil {
		return errors.NewError("registerConverter", "", errors.ErrUnsupportedType)
	}
	db.shared.converter.RegisterConverter(typ, converter)
	db.shared.codec.ClearCache()
	return nil
}

// EnsureTable registers an empty table for the descriptor. There is no
// schema to migrate; registration alone makes the model queryable.
func (db *DB) EnsureTable(desc *schema.Descriptor) error {
	_, err := db.register(desc)
	return err
}

// CreateTable is EnsureTable by another name, as on the Cassandra engine.
func (db *DB) CreateTable(desc *schema.Descriptor) error {
	return db.EnsureTable(desc)
}

// DeleteTable discards the descriptor's rows and removes the registration.
func (db *DB) DeleteTable(desc *schema.Descriptor) error {
	if desc == nil || desc.ModelType == nil {
		return errors.NewError("deleteTable", "", errors.ErrInvalidModel)
	}
	db.shared.mu.Lock()
	defer db.shared.mu.Unlock()
	if h, ok := db.shared.tables[desc.ModelType]; ok {
		h.table.mu.Lock()
		h.table.entries = make(map[string]*entry)
		h.table.mu.Unlock()
	}
	delete(db.shared.tables, desc.ModelType)
	return nil
}

// DescribeTable reports the shape the descriptor would create on a real
// cluster: stored columns with their CQL types, derived index names, view
// names.
func (db *DB) DescribeTable(desc *schema.Descriptor) (*core.TableDescription, error) {
	if desc == nil || desc.ModelType == nil {
		return nil, errors.NewError("describeTable", "", errors.ErrInvalidModel)
	}
	if _, err := db.register(desc); err != nil {
		return nil, err
	}

	kinds := make(map[string]string)
	for _, column := range desc.PartitionKeys {
		kinds[column] = "partition_key"
	}
	for _, ck := range desc.ClusteringKeys {
		kinds[ck.Column] = "clustering"
	}

	out := &core.TableDescription{Keyspace: "memory", Name: desc.Table}
	for _, col := range cql.StoredColumns(desc) {
		kind, ok := kinds[col.Name]
		if !ok {
			kind = "regular"
		}
		out.Columns = append(out.Columns, core.ColumnDescription{
			Name:    col.Name,
			CQLType: col.CQLType,
			Kind:    kind,
		})
	}
	for _, idx := range desc.Indexes {
		out.Indexes = append(out.Indexes, cql.IndexName(desc.Table, idx.Column))
	}
	for _, v := range desc.Views {
		out.Views = append(out.Views, v.Name)
	}
	return out, nil
}

// register installs a table for the descriptor, or returns the one already
// installed for its model type.
func (db *DB) register(desc *schema.Descriptor) (*handle, error) {
	if desc == nil || desc.ModelType == nil {
		return nil, errors.NewError("ensureTable", "", errors.ErrInvalidModel)
	}
	db.shared.mu.Lock()
	defer db.shared.mu.Unlock()
	if h, ok := db.shared.tables[desc.ModelType]; ok {
		return h, nil
	}
	h := &handle{
		table: NewTable(desc, db.shared.codec),
		desc:  desc,
	}
	db.shared.tables[desc.ModelType] = h
	return h, nil
}
