package query

import (
	"github.com/theory-cloud/cqltheory/pkg/aggregate"
	"github.com/theory-cloud/cqltheory/pkg/core"
)

// Aggregate streams the numeric values at path through a single
// accumulator. The bool result is false when no row contributed a sample,
// and for the single-sample standard deviation.
func (q *Query) Aggregate(kind aggregate.Kind, path string) (float64, bool, error) {
	if q.err != nil {
		return 0, false, q.err
	}
	groups, err := q.table.AggregateRows(q.ctx, core.AggregateSpec{
		Find: q.findSpec(),
		Kind: kind,
		Path: path,
	})
	if err != nil {
		return 0, false, err
	}
	if len(groups) == 0 {
		return 0, false, nil
	}
	return groups[0].Value, groups[0].Valid, nil
}

// GroupAggregate aggregates the values at path separately per group key,
// reporting groups in first-seen order.
func (q *Query) GroupAggregate(kind aggregate.Kind, groupPath, path string) ([]aggregate.Group, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.table.AggregateRows(q.ctx, core.AggregateSpec{
		Find:      q.findSpec(),
		Kind:      kind,
		Path:      path,
		GroupPath: groupPath,
	})
}

// GroupCount counts matching rows per group key in first-seen order.
func (q *Query) GroupCount(groupPath string) ([]aggregate.Group, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.table.AggregateRows(q.ctx, core.AggregateSpec{
		Find:      q.findSpec(),
		GroupPath: groupPath,
	})
}
