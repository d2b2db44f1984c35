package cql

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/plan"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

type cqlUser struct {
	OrgID     string            `cql:"org_id"`
	Email     string            `cql:"email"`
	Name      string            `cql:"name"`
	Bio       string            `cql:"bio"`
	Age       int64             `cql:"age"`
	Tags      []string          `cql:"tags,set"`
	Attrs     map[string]string `cql:"attrs"`
	Location  types.GeoPoint    `cql:"location"`
	CreatedAt time.Time         `cql:"created_at,createdAt"`
}

func cqlUsers(t *testing.T) *schema.Descriptor {
	t.Helper()
	d, err := schema.Define("users", cqlUser{}).
		PartitionKey("org_id").
		ClusteringKey("created_at", schema.Desc).
		ClusteringKey("_id", schema.Asc).
		LegacyTextIndex("name", schema.TextContains).
		LegacyTextIndex("bio", schema.TextAnalyzed).
		ModernIndex("email").
		ModernIndex("attrs").
		Lowercased("name").
		Geohashed("geo", "location.latitude", "location.longitude", 8).
		View("users_by_email", schema.ViewKeys{Partition: []string{"email"}, Clustering: []string{"_id"}}).
		Build()
	require.NoError(t, err)
	return d
}

func assertGolden(t *testing.T, name string, st core.Statement) {
	t.Helper()
	g := goldie.New(t)
	g.Assert(t, name, []byte(st.Text+"\n"))
}

func TestSelect_KeyQuery(t *testing.T) {
	st := Select(SelectRequest{
		Keyspace: "app",
		Target:   "users",
		Clauses: []plan.Clause{
			{Column: "org_id", Op: plan.OpEqual, Value: "acme"},
			{Column: "created_at", Op: plan.OpGreaterOrEqual, Value: time.Unix(1000, 0)},
		},
	})
	assertGolden(t, "select_key_query", st)
	assert.Equal(t, []any{"acme", time.Unix(1000, 0)}, st.Values)
	assert.True(t, st.Idempotent)
}

func TestSelect_InOrderLimit(t *testing.T) {
	st := Select(SelectRequest{
		Keyspace: "app",
		Target:   "users",
		Clauses: []plan.Clause{
			{Column: "org_id", Op: plan.OpEqual, Value: "acme"},
			{Column: "created_at", Op: plan.OpIn, Values: []any{"t1", "t2", "t3"}},
		},
		OrderBy: []Ordering{{Column: "created_at", Descending: true}, {Column: "_id"}},
		Limit:   25,
	})
	assertGolden(t, "select_in_order_limit", st)
	assert.Equal(t, []any{"acme", "t1", "t2", "t3", 25}, st.Values)
}

func TestSelect_AllowFiltering(t *testing.T) {
	st := Select(SelectRequest{
		Keyspace:       "app",
		Target:         "users",
		Clauses:        []plan.Clause{{Column: "name", Op: plan.OpLike, Value: "%ann%"}},
		AllowFiltering: true,
	})
	assertGolden(t, "select_allow_filtering", st)
	assert.Equal(t, []any{"%ann%"}, st.Values)
}

func TestSelect_FullScan(t *testing.T) {
	st := Select(SelectRequest{Keyspace: "app", Target: "users"})
	assertGolden(t, "select_full_scan", st)
	assert.Empty(t, st.Values)
}

func TestSelect_ProjectionAndCollections(t *testing.T) {
	st := Select(SelectRequest{
		Keyspace:   "app",
		Target:     "users",
		Projection: []string{"org_id", "email"},
		Clauses: []plan.Clause{
			{Column: "tags", Op: plan.OpContains, Value: "go"},
			{Column: "attrs", Op: plan.OpContainsKey, Value: "tier"},
		},
		AllowFiltering: true,
	})
	assertGolden(t, "select_projection_collections", st)
	assert.Equal(t, []any{"go", "tier"}, st.Values)
}

func TestSelect_Count(t *testing.T) {
	st := Select(SelectRequest{
		Keyspace: "app",
		Target:   "users",
		Clauses:  []plan.Clause{{Column: "org_id", Op: plan.OpEqual, Value: "acme"}},
		Count:    true,
	})
	assertGolden(t, "select_count", st)
}

func TestSelect_View(t *testing.T) {
	st := Select(SelectRequest{
		Keyspace: "app",
		Target:   "users_by_email",
		Clauses:  []plan.Clause{{Column: "email", Op: plan.OpEqual, Value: "ann@example.com"}},
	})
	assertGolden(t, "select_view", st)
}

func TestInsert_Plain(t *testing.T) {
	st := Insert(InsertRequest{
		Keyspace: "app",
		Table:    "users",
		Columns:  []string{"org_id", "email", "name"},
		Values:   []any{"acme", "ann@example.com", "Ann"},
	})
	assertGolden(t, "insert_plain", st)
	assert.Equal(t, []any{"acme", "ann@example.com", "Ann"}, st.Values)
	assert.True(t, st.Idempotent)
}

func TestInsert_GuardedWithTTL(t *testing.T) {
	st := Insert(InsertRequest{
		Keyspace:    "app",
		Table:       "users",
		Columns:     []string{"org_id", "email"},
		Values:      []any{"acme", "ann@example.com"},
		IfNotExists: true,
		TTLSeconds:  3600,
	})
	assertGolden(t, "insert_guarded_ttl", st)
	assert.Equal(t, []any{"acme", "ann@example.com", 3600}, st.Values)
	assert.False(t, st.Idempotent, "a guarded write must not be blindly retried")
}

func TestUpdate_VersionGuard(t *testing.T) {
	st := Update(UpdateRequest{
		Keyspace:    "app",
		Table:       "users",
		SetColumns:  []string{"name", "version"},
		SetValues:   []any{"Ann", int64(4)},
		KeyColumns:  []string{"org_id", "created_at", "_id"},
		KeyValues:   []any{"acme", "t1", "u1"},
		GuardColumn: "version",
		GuardValue:  int64(3),
		TTLSeconds:  600,
	})
	assertGolden(t, "update_version_guard", st)
	assert.Equal(t, []any{600, "Ann", int64(4), "acme", "t1", "u1", int64(3)}, st.Values,
		"bind order must follow statement order")
	assert.False(t, st.Idempotent)
}

func TestUpdate_IfExists(t *testing.T) {
	st := Update(UpdateRequest{
		Keyspace:   "app",
		Table:      "users",
		SetColumns: []string{"name"},
		SetValues:  []any{"Ann"},
		KeyColumns: []string{"org_id"},
		KeyValues:  []any{"acme"},
		IfExists:   true,
	})
	assertGolden(t, "update_if_exists", st)
	assert.Equal(t, []any{"Ann", "acme"}, st.Values)
	assert.False(t, st.Idempotent)
}

func TestDelete_IfExists(t *testing.T) {
	st := Delete(DeleteRequest{
		Keyspace:   "app",
		Table:      "users",
		KeyColumns: []string{"org_id", "created_at", "_id"},
		KeyValues:  []any{"acme", "t1", "u1"},
		IfExists:   true,
	})
	assertGolden(t, "delete_if_exists", st)
	assert.Equal(t, []any{"acme", "t1", "u1"}, st.Values)
}

func TestQuoteIdent_EscapesQuotes(t *testing.T) {
	assert.Equal(t, `"weird""name"`, QuoteIdent(`weird"name`))
	assert.Equal(t, `"org_id"`, QuoteIdent("org_id"))
}

func TestCreateKeyspace(t *testing.T) {
	assertGolden(t, "create_keyspace", CreateKeyspace("app", 3))
}

func TestCreateTable(t *testing.T) {
	d := cqlUsers(t)
	assertGolden(t, "create_table", CreateTable("app", d))
}

func TestStoredColumns_KeysFirst(t *testing.T) {
	d := cqlUsers(t)
	columns := StoredColumns(d)
	require.NotEmpty(t, columns)
	assert.Equal(t, StoredColumn{Name: "org_id", CQLType: "text"}, columns[0])
	assert.Equal(t, StoredColumn{Name: "created_at", CQLType: "timestamp"}, columns[1])
	assert.Equal(t, StoredColumn{Name: "_id", CQLType: "text"}, columns[2])
}

func TestCreateIndex(t *testing.T) {
	d := cqlUsers(t)

	index := func(column string) schema.Index {
		idx, ok := d.IndexFor(column)
		require.True(t, ok)
		return idx
	}

	assertGolden(t, "create_index_legacy_contains", CreateIndex("app", d, index("name")))
	assertGolden(t, "create_index_legacy_analyzed", CreateIndex("app", d, index("bio")))
	assertGolden(t, "create_index_modern", CreateIndex("app", d, index("email")))
	assertGolden(t, "create_index_map_keys", CreateIndex("app", d, index("attrs")))
	assertGolden(t, "create_index_staircase", CreateIndex("app", d, index("geo_hash_3")))
}

func TestCreateView(t *testing.T) {
	d := cqlUsers(t)
	view, ok := d.ViewNamed("users_by_email")
	require.True(t, ok)
	assertGolden(t, "create_view", CreateView("app", d, view))
}

func TestViewPrimaryKey_CompletesBaseKey(t *testing.T) {
	d := cqlUsers(t)
	view, ok := d.ViewNamed("users_by_email")
	require.True(t, ok)

	partition, clustering := ViewPrimaryKey(d, view)
	assert.Equal(t, []string{"email"}, partition)
	assert.Equal(t, []string{"_id", "org_id", "created_at"}, clustering,
		"every base key column must appear in the view key")
}

func TestAlterTableAdd(t *testing.T) {
	assertGolden(t, "alter_table_add", AlterTableAdd("app", "users", "geo_hash_9", "text"))
}

func TestDrops(t *testing.T) {
	assertGolden(t, "drop_table", DropTable("app", "users"))
	assertGolden(t, "drop_view", DropView("app", "users_by_email"))
}
