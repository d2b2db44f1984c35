package memdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

type note struct {
	Book   string `cql:"book"`
	Page   int64  `cql:"page"`
	Author string `cql:"author"`
	Words  int64  `cql:"words"`
}

func noteDescriptor(t *testing.T) *schema.Descriptor {
	t.Helper()
	desc, err := schema.Define("notes", note{}).
		PartitionKey("book").
		ClusteringKey("page", schema.Asc).
		Build()
	require.NoError(t, err)
	return desc
}

type draft struct {
	Book    string `cql:"book"`
	Title   string `cql:"title"`
	Version int64  `cql:"version"`
}

func draftDescriptor(t *testing.T) *schema.Descriptor {
	t.Helper()
	desc, err := schema.Define("drafts", draft{}).
		PartitionKey("book").
		ClusteringKey("_id", schema.Asc).
		VersionColumn("version").
		Build()
	require.NoError(t, err)
	return desc
}

type member struct {
	Org   string `cql:"org"`
	ID    string `cql:"id"`
	Email string `cql:"email"`
	Score int64  `cql:"score"`
}

func memberDescriptor(t *testing.T) *schema.Descriptor {
	t.Helper()
	desc, err := schema.Define("members", member{}).
		PartitionKey("org").
		ClusteringKey("id", schema.Asc).
		Unique("email").
		Build()
	require.NoError(t, err)
	return desc
}

func newTestTable(t *testing.T, desc *schema.Descriptor) *Table {
	t.Helper()
	return NewTable(desc, marshal.NewCodec(types.NewConverter()))
}

func mustInsert(t *testing.T, tbl *Table, items ...any) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, tbl.Insert(context.Background(), item))
	}
}

func by(path string, value any) condition.Condition {
	return condition.Equal{Path: path, Value: value}
}

func memberKey(org, id string) condition.Condition {
	return condition.And{Children: []condition.Condition{
		condition.Equal{Path: "org", Value: org},
		condition.Equal{Path: "id", Value: id},
	}}
}

func seedNotes(t *testing.T, tbl *Table) {
	t.Helper()
	mustInsert(t, tbl,
		&note{Book: "walden", Page: 1, Author: "ana", Words: 120},
		&note{Book: "walden", Page: 2, Author: "bo", Words: 80},
		&note{Book: "walden", Page: 5, Author: "ana", Words: 200},
		&note{Book: "ulysses", Page: 3, Author: "bo", Words: 50},
	)
}

func pagesOf(notes []note) []int64 {
	pages := make([]int64, len(notes))
	for i, n := range notes {
		pages[i] = n.Page
	}
	return pages
}
