// Package cassdb implements the Cassandra table engine: statement
// orchestration, bounded fan-out, residual filtering, and lazy schema
// migration over a gocql session.
package cassdb

import (
	"context"

	gocql "github.com/apache/cassandra-gocql-driver/v2"

	"github.com/theory-cloud/cqltheory/internal/cql"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/session"
)

// Executor runs rendered statements against a cluster. Tests substitute a
// recording fake.
type Executor interface {
	// Exec runs a statement and discards any result rows.
	Exec(ctx context.Context, st core.Statement) error

	// ExecCAS runs a lightweight transaction and reports whether it was
	// applied; prior holds the server's view of the row when it was not.
	ExecCAS(ctx context.Context, st core.Statement) (applied bool, prior map[string]any, err error)

	// ExecBatch runs statements as one logged batch.
	ExecBatch(ctx context.Context, sts []core.Statement) error

	// Select runs a read. A nil pageState streams the full result set,
	// fetching follow-up pages transparently; a non-nil pageState (empty
	// for the first page) returns exactly one page and stops.
	Select(ctx context.Context, st core.Statement, pageSize int, pageState []byte) (Rows, error)
}

// Rows iterates a result set as column-keyed maps.
type Rows interface {
	// Next returns the next row, or false when the set is exhausted.
	Next() (map[string]any, bool)

	// PageState returns the paging state following the current page.
	PageState() []byte

	// Close releases the iterator and surfaces any deferred read error.
	Close() error
}

type sessionExecutor struct {
	sess *session.Session
}

// NewExecutor adapts a live session to the Executor interface.
func NewExecutor(sess *session.Session) Executor {
	return &sessionExecutor{sess: sess}
}

func (e *sessionExecutor) query(ctx context.Context, st core.Statement) *gocql.Query {
	q := e.sess.Session().Query(st.Text, st.Values...).
		WithContext(ctx).
		Idempotent(st.Idempotent)
	if st.Consistency != core.ConsistencyDefault {
		q = q.Consistency(session.ParseConsistency(st.Consistency))
	}
	return q
}

func (e *sessionExecutor) Exec(ctx context.Context, st core.Statement) error {
	return e.query(ctx, st).Exec()
}

func (e *sessionExecutor) ExecCAS(ctx context.Context, st core.Statement) (bool, map[string]any, error) {
	prior := make(map[string]any)
	applied, err := e.query(ctx, st).MapScanCAS(prior)
	if err != nil {
		return false, nil, err
	}
	return applied, prior, nil
}

func (e *sessionExecutor) ExecBatch(ctx context.Context, sts []core.Statement) error {
	switch len(sts) {
	case 0:
		return nil
	case 1:
		return e.Exec(ctx, sts[0])
	default:
		return e.Exec(ctx, cql.Batch(sts))
	}
}

func (e *sessionExecutor) Select(ctx context.Context, st core.Statement, pageSize int, pageState []byte) (Rows, error) {
	q := e.query(ctx, st)
	if pageSize > 0 {
		q = q.PageSize(pageSize)
	}
	if pageState != nil {
		// Setting a page state, even an empty one, turns automatic paging
		// off: iteration then stops at the page boundary.
		q = q.PageState(pageState)
	}
	return &gocqlRows{iter: q.Iter()}, nil
}

type gocqlRows struct {
	iter *gocql.Iter
}

func (r *gocqlRows) Next() (map[string]any, bool) {
	row := make(map[string]any)
	if !r.iter.MapScan(row) {
		return nil, false
	}
	return row, true
}

func (r *gocqlRows) PageState() []byte {
	return r.iter.PageState()
}

func (r *gocqlRows) Close() error {
	return r.iter.Close()
}
