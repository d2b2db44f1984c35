package cassdb

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/marshal"
	"github.com/theory-cloud/cqltheory/pkg/schema"
	"github.com/theory-cloud/cqltheory/pkg/session"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

type ticket struct {
	OrgID     string    `cql:"org_id"`
	Status    string    `cql:"status"`
	Assignee  string    `cql:"assignee"`
	Priority  int64     `cql:"priority"`
	Title     string    `cql:"title"`
	Version   int64     `cql:"version"`
	CreatedAt time.Time `cql:"created_at,createdAt"`
	UpdatedAt time.Time `cql:"updated_at,updatedAt"`
}

func ticketDescriptor(t *testing.T) *schema.Descriptor {
	t.Helper()
	desc, err := schema.Define("tickets", ticket{}).
		PartitionKey("org_id").
		ClusteringKey("created_at", schema.Desc).
		ClusteringKey("_id", schema.Asc).
		ModernIndex("status").
		ModernIndex("assignee").
		VersionColumn("version").
		Build()
	require.NoError(t, err)
	return desc
}

type account struct {
	Region  string `cql:"region"`
	ID      string `cql:"id"`
	Email   string `cql:"email"`
	Balance int64  `cql:"balance"`
}

func accountDescriptor(t *testing.T) *schema.Descriptor {
	t.Helper()
	desc, err := schema.Define("accounts", account{}).
		PartitionKey("region").
		ClusteringKey("id", schema.Asc).
		Unique("email").
		Build()
	require.NoError(t, err)
	return desc
}

type place struct {
	City     string         `cql:"city"`
	Name     string         `cql:"name"`
	Location types.GeoPoint `cql:"location"`
}

func placeDescriptor(t *testing.T) *schema.Descriptor {
	t.Helper()
	desc, err := schema.Define("places", place{}).
		PartitionKey("city").
		ClusteringKey("name", schema.Asc).
		Geohashed("geo", "location.latitude", "location.longitude", 6).
		Build()
	require.NoError(t, err)
	return desc
}

func newTestTable(t *testing.T, desc *schema.Descriptor) (*Table, *fakeExec) {
	t.Helper()
	return newTestTableLogged(t, desc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestTableLogged(t *testing.T, desc *schema.Descriptor, logger *slog.Logger) (*Table, *fakeExec) {
	t.Helper()
	fake := newFakeExec(desc)
	cfg := session.Config{Keyspace: "app", Logger: logger}
	return NewTable(fake, desc, marshal.NewCodec(types.NewConverter()), cfg), fake
}

// dataSelects filters out the system_schema introspection reads migration
// issues, leaving only the statements the operation under test ran.
func dataSelects(f *fakeExec) []core.Statement {
	var out []core.Statement
	for _, st := range f.selectLog {
		if strings.Contains(st.Text, "system_schema") {
			continue
		}
		out = append(out, st)
	}
	return out
}

func ddlStatements(f *fakeExec) []core.Statement {
	var out []core.Statement
	for _, st := range f.execLog {
		if isDDL(st.Text) {
			out = append(out, st)
		}
	}
	return out
}

func mustInsert(t *testing.T, tbl *Table, items ...any) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, tbl.Insert(context.Background(), item))
	}
}

func stamp(minutes int) time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}

func ticketTitles(tickets []ticket) []string {
	titles := make([]string, len(tickets))
	for i, tk := range tickets {
		titles[i] = tk.Title
	}
	return titles
}

// logCapture is a slog handler that keeps every record's message.
type logCapture struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *logCapture) logger() *slog.Logger { return slog.New(c) }

func (c *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *logCapture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}

func (c *logCapture) WithAttrs([]slog.Attr) slog.Handler { return c }

func (c *logCapture) WithGroup(string) slog.Handler { return c }

func (c *logCapture) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.records))
	for i, r := range c.records {
		out[i] = r.Message
	}
	return out
}

func (c *logCapture) hasMessage(msg string) bool {
	for _, m := range c.messages() {
		if m == msg {
			return true
		}
	}
	return false
}
