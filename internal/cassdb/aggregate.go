package cassdb

import (
	"context"

	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/pkg/aggregate"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/errors"
)

// AggregateRows streams matching rows into grouped accumulators. An empty
// Path counts rows instead of sampling a column; an empty GroupPath
// accumulates the whole stream under one group. Rows without a numeric
// sample at Path are skipped.
func (t *Table) AggregateRows(ctx context.Context, spec core.AggregateSpec) ([]aggregate.Group, error) {
	if err := t.ensureReady(ctx); err != nil {
		return nil, err
	}

	valueColumn := ""
	if spec.Path != "" {
		valueColumn = t.columnFor(spec.Path)
	}
	groupColumn := ""
	if spec.GroupPath != "" {
		groupColumn = t.columnFor(spec.GroupPath)
	}

	// Narrow what the statements select to the touched columns; the plan
	// only pushes this down when nothing residual needs the full row.
	find := spec.Find
	if len(find.Projection) == 0 {
		var projection []string
		if spec.Path != "" {
			projection = append(projection, spec.Path)
		}
		if spec.GroupPath != "" {
			projection = append(projection, spec.GroupPath)
		}
		find.Projection = projection
	}

	p, err := t.buildPlan(find)
	if err != nil {
		return nil, err
	}
	rows, err := t.fetchRows(ctx, p, find)
	if err != nil {
		return nil, err
	}

	if spec.Path == "" {
		counter := aggregate.NewGroupCount()
		for _, row := range rows {
			counter.Add(groupKeyOf(row, groupColumn))
		}
		return counter.Results(), nil
	}

	agg, err := aggregate.NewGroupAggregate(spec.Kind, spec.Strategy)
	if err != nil {
		return nil, errors.NewError("aggregate", t.desc.Table, err)
	}
	for _, row := range rows {
		sample, ok := numutil.Float64Of(row[valueColumn])
		if !ok {
			continue
		}
		agg.Add(groupKeyOf(row, groupColumn), sample)
	}
	return agg.Results(), nil
}

func groupKeyOf(row map[string]any, groupColumn string) string {
	if groupColumn == "" {
		return ""
	}
	return aggregate.KeyOf(row[groupColumn])
}
