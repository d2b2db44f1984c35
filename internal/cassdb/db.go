package cassdb

import (
	"context"
	"reflect"
	"sync"

	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/query"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/session"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// DB is the Cassandra-backed database handle. Tables register through
// CreateTable or EnsureTable and are shared by every context-scoped copy.
type DB struct {
	shared *state
	ctx    context.Context
}

type state struct {
	sess      *session.Session // nil when built over a bare executor
	exec      Executor
	cfg       session.Config
	converter *types.Converter
	codec     *marshal.Codec

	mu     sync.RWMutex
	tables map[reflect.Type]*handle
}

type handle struct {
	table *Table
	desc  *schema.Descriptor
}

// New connects to the cluster described by cfg and returns a handle.
func New(cfg session.Config) (*DB, error) {
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	db := NewWithExecutor(NewExecutor(sess), sess.Config())
	db.shared.sess = sess
	return db, nil
}

// NewWithExecutor builds a handle over an existing executor. Tests use this
// to substitute a fake for a live session.
func NewWithExecutor(exec Executor, cfg session.Config) *DB {
	converter := types.NewConverter()
	return &DB{
		shared: &state{
			exec:      exec,
			cfg:       cfg.WithDefaults(),
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
// table engine.
func (db *DB) WithContext(ctx context.Context) core.DB {
	return &DB{shared: db.shared, ctx: ctx}
}

// Close releases the underlying session. Handles built over a bare
// executor have nothing to release.
func (db *DB) Close() error {
	if db.shared.sess != nil {
		db.shared.sess.Close()
	}
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

// EnsureTable registers the descriptor's table engine and runs its schema
// migration now rather than on first use. Idempotent and safe to race.
func (db *DB) EnsureTable(desc *schema.Descriptor) error {
	h, err := db.register(desc)
	if err != nil {
		return err
	}
	return h.table.ensureReady(db.ctx)
}

// CreateTable is EnsureTable by another name: creation is always additive
// and idempotent, so the two converge on the same migration.
func (db *DB) CreateTable(desc *schema.Descriptor) error {
	return db.EnsureTable(desc)
}

// DeleteTable drops the descriptor's table with its views and removes the
// registration.
func (db *DB) DeleteTable(desc *schema.Descriptor) error {
	h, err := db.register(desc)
	if err != nil {
		return err
	}
	if err := h.table.Drop(db.ctx); err != nil {
		return err
	}
	db.shared.mu.Lock()
	delete(db.shared.tables, desc.ModelType)
	db.shared.mu.Unlock()
	return nil
}

// DescribeTable reports the storage-side shape of the descriptor's table.
func (db *DB) DescribeTable(desc *schema.Descriptor) (*core.TableDescription, error) {
	h, err := db.register(desc)
	if err != nil {
		return nil, err
	}
	return h.table.Describe(db.ctx)
}

// register installs a table engine for the descriptor, or returns the one
// already installed for its model type.
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
		table: NewTable(db.shared.exec, desc, db.shared.codec, db.shared.cfg),
		desc:  desc,
	}
	db.shared.tables[desc.ModelType] = h
	return h, nil
}
