package plan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

func TestBuild_SingleKeyQuery(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.Equal{Path: "org_id", Value: "acme"}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	assert.Equal(t, "users", p.Table)
	assert.Empty(t, p.View)
	require.Len(t, p.Branches, 1)
	assert.Equal(t, []Clause{{Column: "org_id", Op: OpEqual, Value: "acme"}}, p.Branches[0].Clauses)
	assert.Equal(t, condition.Always{}, p.Residual)
	assert.False(t, p.NativeSort)
	assert.Zero(t, p.NativeLimit)
}

func TestBuild_NilDescriptor(t *testing.T) {
	_, err := Build(condition.Always{}, Request{}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidModel)
}

func TestBuild_NeverMatchesNothing(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.And{Children: []condition.Condition{
		condition.Equal{Path: "org_id", Value: "acme"},
		condition.Never{},
	}}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	assert.Empty(t, p.Branches)
	assert.Equal(t, condition.Never{}, p.Residual)
}

func TestBuild_OrFanOut(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.Or{Children: []condition.Condition{
		condition.Equal{Path: "org_id", Value: "acme"},
		condition.Equal{Path: "org_id", Value: "initech"},
	}}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 2)
	assert.Equal(t, []Clause{{Column: "org_id", Op: OpEqual, Value: "acme"}}, p.Branches[0].Clauses)
	assert.Equal(t, []Clause{{Column: "org_id", Op: OpEqual, Value: "initech"}}, p.Branches[1].Clauses)
	assert.Equal(t, condition.Always{}, p.Residual)
	assert.Empty(t, p.Warnings)
}

func TestBuild_OrStragglerCancelsFanOut(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.Or{Children: []condition.Condition{
		condition.Equal{Path: "org_id", Value: "acme"},
		condition.GreaterThan{Path: "age", Value: int64(21)},
	}}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 1, "one unpushable branch cancels the whole rewrite")
	assert.Empty(t, p.Branches[0].Clauses)
	assert.Equal(t, condition.Normalize(c), p.Residual)
	assert.True(t, p.Branches[0].AllowFiltering)
	require.Len(t, p.Warnings, 1)
	assert.Contains(t, p.Warnings[0], "not natively expressible")
}

func TestBuild_OrExceedsFanOut(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.Or{Children: []condition.Condition{
		condition.Equal{Path: "org_id", Value: "a"},
		condition.Equal{Path: "org_id", Value: "b"},
		condition.Equal{Path: "org_id", Value: "c"},
	}}

	p, err := Build(c, Request{FanOut: 2}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 1)
	require.Len(t, p.Warnings, 1)
	assert.Contains(t, p.Warnings[0], "exceeds fan-out 2")
}

func TestBuild_InExpansion(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.Inside{Path: "email", Values: []any{"a@x.io", "b@x.io", "a@x.io"}}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 2, "duplicate members collapse before expansion")
	assert.Equal(t, []Clause{{Column: "email", Op: OpEqual, Value: "a@x.io"}}, p.Branches[0].Clauses)
	assert.Equal(t, []Clause{{Column: "email", Op: OpEqual, Value: "b@x.io"}}, p.Branches[1].Clauses)
	assert.Equal(t, condition.Always{}, p.Residual)
}

func TestBuild_InExpansionKeepsSurroundingConjuncts(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.And{Children: []condition.Condition{
		condition.Equal{Path: "org_id", Value: "acme"},
		condition.Inside{Path: "email", Values: []any{"a@x.io", "b@x.io"}},
	}}

	p, err := Build(condition.Normalize(c), Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 2)
	for i, want := range []string{"a@x.io", "b@x.io"} {
		assert.Equal(t, []Clause{
			{Column: "org_id", Op: OpEqual, Value: "acme"},
			{Column: "email", Op: OpEqual, Value: want},
		}, p.Branches[i].Clauses)
		assert.False(t, p.Branches[i].KeyQuery, "index clauses disqualify the key query")
	}
	assert.Equal(t, condition.Always{}, p.Residual)
}

func TestBuild_InExpansionSkipsKeyColumns(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.Inside{Path: "org_id", Values: []any{"acme", "initech"}}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 1, "partition IN is native; expansion would be a pessimization")
	assert.Equal(t, []Clause{{Column: "org_id", Op: OpIn, Values: []any{"acme", "initech"}}}, p.Branches[0].Clauses)
}

func TestBuild_InExpansionOverFanOutWarns(t *testing.T) {
	d := usersDescriptor(t)
	values := make([]any, 11)
	for i := range values {
		values[i] = fmt.Sprintf("user%d@x.io", i)
	}
	c := condition.Inside{Path: "email", Values: values}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 1)
	assert.Empty(t, p.Branches[0].Clauses, "the modern index cannot serve IN natively")
	assert.Equal(t, c, p.Residual)
	require.NotEmpty(t, p.Warnings)
	assert.Contains(t, p.Warnings[0], "exceeding fan-out 10")
}

func TestBuild_GeoCover(t *testing.T) {
	d := usersDescriptor(t)
	c := condition.GeoDistance{
		Path:         "location",
		Center:       types.GeoPoint{Latitude: 40.7128, Longitude: -74.0060},
		WithinMeters: 10,
	}

	p, err := Build(c, Request{}, d, AllIndexes(d))
	require.NoError(t, err)

	require.Len(t, p.Branches, 9, "center cell plus eight neighbors")
	seen := map[string]bool{}
	for _, branch := range p.Branches {
		require.Len(t, branch.Clauses, 1)
		clause := branch.Clauses[0]
		assert.Equal(t, "geo_hash_8", clause.Column, "depth caps the covering precision")
		assert.Equal(t, OpEqual, clause.Op)
		cell, ok := clause.Value.(string)
		require.True(t, ok)
		assert.Len(t, cell, 8)
		assert.False(t, seen[cell], "cover cells must be distinct")
		seen[cell] = true
		assert.False(t, branch.KeyQuery)
		assert.True(t, branch.AllowFiltering)
	}
	assert.Equal(t, c, p.Residual, "the exact distance check stays in process")
}

func TestBuild_GeoCoverWalksToWorkingPrecision(t *testing.T) {
	d := usersDescriptor(t)
	working := AllIndexes(d)
	delete(working, "geo_hash_8")
	c := condition.GeoDistance{
		Path:         "location",
		Center:       types.GeoPoint{Latitude: 40.7128, Longitude: -74.0060},
		WithinMeters: 10,
	}

	p, err := Build(c, Request{}, d, working)
	require.NoError(t, err)

	require.Len(t, p.Branches, 9)
	for _, branch := range p.Branches {
		require.Len(t, branch.Clauses, 1)
		assert.Equal(t, "geo_hash_7", branch.Clauses[0].Column,
			"a coarser working level still covers the radius")
	}
}

func TestBuild_GeoWithoutWorkingStaircaseScans(t *testing.T) {
	d := usersDescriptor(t)
	working := AllIndexes(d)
	for level := 1; level <= 8; level++ {
		delete(working, fmt.Sprintf("geo_hash_%d", level))
	}
	c := condition.GeoDistance{
		Path:         "location",
		Center:       types.GeoPoint{Latitude: 40.7128, Longitude: -74.0060},
		WithinMeters: 10,
	}

	p, err := Build(c, Request{}, d, working)
	require.NoError(t, err)

	require.Len(t, p.Branches, 1)
	assert.Empty(t, p.Branches[0].Clauses)
	assert.Equal(t, c, p.Residual)
	require.NotEmpty(t, p.Warnings)
	assert.Contains(t, p.Warnings[0], "no working prefix index")
}

func TestBuild_ViewSelection(t *testing.T) {
	d := usersDescriptor(t)

	t.Run("pinned view beats an index scan", func(t *testing.T) {
		c := condition.Equal{Path: "email", Value: "ann@example.com"}
		p, err := Build(c, Request{}, d, AllIndexes(d))
		require.NoError(t, err)

		assert.Equal(t, "users_by_email", p.View)
		require.Len(t, p.Branches, 1)
		assert.Equal(t, "users_by_email", p.Branches[0].Target)
		assert.True(t, p.Branches[0].KeyQuery)
		assert.False(t, p.Branches[0].AllowFiltering)
	})

	t.Run("pinned base table beats the view", func(t *testing.T) {
		c := condition.Normalize(condition.And{Children: []condition.Condition{
			condition.Equal{Path: "org_id", Value: "acme"},
			condition.Equal{Path: "email", Value: "ann@example.com"},
		}})
		p, err := Build(c, Request{}, d, AllIndexes(d))
		require.NoError(t, err)

		assert.Empty(t, p.View)
		require.Len(t, p.Branches, 1)
		assert.Equal(t, "users", p.Branches[0].Target)
	})

	t.Run("unpinned view is never a candidate", func(t *testing.T) {
		c := condition.GreaterThan{Path: "age", Value: int64(21)}
		p, err := Build(c, Request{Sort: []condition.SortField{{Path: "_id"}}}, d, AllIndexes(d))
		require.NoError(t, err)

		assert.Empty(t, p.View, "a view read without its partition pinned could miss rows")
		assert.Equal(t, "users", p.Branches[0].Target)
	})
}

func TestBuild_NativeSort(t *testing.T) {
	d := usersDescriptor(t)
	pinned := condition.Equal{Path: "org_id", Value: "acme"}

	t.Run("declared direction", func(t *testing.T) {
		p, err := Build(pinned, Request{Sort: []condition.SortField{{Path: "created_at", Descending: true}}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.True(t, p.NativeSort)
	})

	t.Run("all reversed", func(t *testing.T) {
		p, err := Build(pinned, Request{Sort: []condition.SortField{{Path: "created_at"}}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.True(t, p.NativeSort)
	})

	t.Run("full clustering prefix", func(t *testing.T) {
		p, err := Build(pinned, Request{Sort: []condition.SortField{
			{Path: "created_at", Descending: true},
			{Path: "_id"},
		}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.True(t, p.NativeSort)
	})

	t.Run("mixed directions stay in process", func(t *testing.T) {
		p, err := Build(pinned, Request{Sort: []condition.SortField{
			{Path: "created_at", Descending: true},
			{Path: "_id", Descending: true},
		}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.False(t, p.NativeSort)
	})

	t.Run("non-clustering field stays in process", func(t *testing.T) {
		p, err := Build(pinned, Request{Sort: []condition.SortField{{Path: "age"}}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.False(t, p.NativeSort)
	})

	t.Run("partition IN stays in process", func(t *testing.T) {
		c := condition.Inside{Path: "org_id", Values: []any{"acme", "initech"}}
		p, err := Build(c, Request{Sort: []condition.SortField{{Path: "created_at", Descending: true}}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.False(t, p.NativeSort, "token order across partitions ignores clustering order")
	})
}

func TestBuild_NativeLimit(t *testing.T) {
	d := usersDescriptor(t)
	pinned := condition.Equal{Path: "org_id", Value: "acme"}

	t.Run("skip folds into the pushed limit", func(t *testing.T) {
		p, err := Build(pinned, Request{Skip: 5, Limit: 10}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.Equal(t, 15, p.NativeLimit)
	})

	t.Run("residual blocks the push", func(t *testing.T) {
		c := condition.Normalize(condition.And{Children: []condition.Condition{
			pinned,
			condition.GreaterThan{Path: "age", Value: int64(21)},
		}})
		p, err := Build(c, Request{Limit: 10}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.Zero(t, p.NativeLimit, "rows dropped in process would leave the page short")
	})

	t.Run("in-process sort blocks the push", func(t *testing.T) {
		p, err := Build(pinned, Request{Limit: 10, Sort: []condition.SortField{{Path: "age"}}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.Zero(t, p.NativeLimit)
	})

	t.Run("native sort keeps the push", func(t *testing.T) {
		p, err := Build(pinned, Request{Limit: 10, Sort: []condition.SortField{{Path: "created_at", Descending: true}}}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.Equal(t, 10, p.NativeLimit)
	})

	t.Run("multiple branches block the push", func(t *testing.T) {
		c := condition.Or{Children: []condition.Condition{
			condition.Equal{Path: "org_id", Value: "acme"},
			condition.Equal{Path: "org_id", Value: "initech"},
		}}
		p, err := Build(c, Request{Limit: 10}, d, AllIndexes(d))
		require.NoError(t, err)
		assert.Zero(t, p.NativeLimit)
	})
}

func TestPlan_Fingerprint(t *testing.T) {
	d := usersDescriptor(t)

	build := func(c condition.Condition, req Request) *Plan {
		p, err := Build(c, req, d, AllIndexes(d))
		require.NoError(t, err)
		return p
	}

	base := build(condition.Equal{Path: "org_id", Value: "acme"}, Request{Limit: 10})
	same := build(condition.Equal{Path: "org_id", Value: "acme"}, Request{Limit: 10})
	otherValue := build(condition.Equal{Path: "org_id", Value: "initech"}, Request{Limit: 10})
	otherLimit := build(condition.Equal{Path: "org_id", Value: "acme"}, Request{Limit: 20})

	assert.Len(t, base.Fingerprint(), 16)
	assert.Equal(t, base.Fingerprint(), same.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), otherValue.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), otherLimit.Fingerprint())
}
