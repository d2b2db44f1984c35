// Package cql renders executable statements from descriptors and analyzed
// plans. Identifiers are always double-quoted, data values are always bound
// placeholders; only DDL inlines anything, because the dialect accepts no
// bind markers there.
package cql

import (
	"strings"

	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/plan"
)

// QuoteIdent quotes an identifier, doubling any embedded quote.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualify(keyspace, name string) string {
	if keyspace == "" {
		return QuoteIdent(name)
	}
	return QuoteIdent(keyspace) + "." + QuoteIdent(name)
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Column     string
	Descending bool
}

// SelectRequest describes one SELECT statement.
type SelectRequest struct {
	Keyspace string
	Target   string
	// Projection lists the selected columns; empty selects *.
	Projection []string
	Clauses    []plan.Clause
	OrderBy    []Ordering
	// Limit is bound as a placeholder when positive.
	Limit int
	// Count replaces the projection with COUNT(*).
	Count          bool
	AllowFiltering bool
}

// Select renders a SELECT statement with bound values.
func Select(req SelectRequest) core.Statement {
	var b strings.Builder
	var values []any

	b.WriteString("SELECT ")
	switch {
	case req.Count:
		b.WriteString("COUNT(*)")
	case len(req.Projection) == 0:
		b.WriteString("*")
	default:
		b.WriteString(identList(req.Projection))
	}
	b.WriteString(" FROM ")
	b.WriteString(qualify(req.Keyspace, req.Target))

	if len(req.Clauses) > 0 {
		b.WriteString(" WHERE ")
		for i, clause := range req.Clauses {
			if i > 0 {
				b.WriteString(" AND ")
			}
			values = append(values, writeClause(&b, clause)...)
		}
	}

	if len(req.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range req.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(QuoteIdent(o.Column))
			if o.Descending {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
		}
	}

	if req.Limit > 0 {
		b.WriteString(" LIMIT ?")
		values = append(values, req.Limit)
	}
	if req.AllowFiltering {
		b.WriteString(" ALLOW FILTERING")
	}

	return core.Statement{Text: b.String(), Values: values, Idempotent: true}
}

// writeClause appends one WHERE relation and returns its bound values.
func writeClause(b *strings.Builder, clause plan.Clause) []any {
	if clause.Op == plan.OpIn {
		b.WriteString(QuoteIdent(clause.Column))
		b.WriteString(" IN (")
		b.WriteString(placeholders(len(clause.Values)))
		b.WriteString(")")
		return clause.Values
	}
	b.WriteString(QuoteIdent(clause.Column))
	b.WriteString(" ")
	b.WriteString(string(clause.Op))
	b.WriteString(" ?")
	return []any{clause.Value}
}

// InsertRequest describes one INSERT statement. Columns and Values align
// positionally.
type InsertRequest struct {
	Keyspace    string
	Table       string
	Columns     []string
	Values      []any
	IfNotExists bool
	// TTLSeconds binds a USING TTL parameter when positive.
	TTLSeconds int
}

// Insert renders an INSERT statement.
func Insert(req InsertRequest) core.Statement {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualify(req.Keyspace, req.Table))
	b.WriteString(" (")
	b.WriteString(identList(req.Columns))
	b.WriteString(") VALUES (")
	b.WriteString(placeholders(len(req.Columns)))
	b.WriteString(")")

	values := append([]any(nil), req.Values...)
	if req.IfNotExists {
		b.WriteString(" IF NOT EXISTS")
	}
	if req.TTLSeconds > 0 {
		b.WriteString(" USING TTL ?")
		values = append(values, req.TTLSeconds)
	}

	return core.Statement{Text: b.String(), Values: values, Idempotent: !req.IfNotExists}
}

// UpdateRequest describes one full-key UPDATE statement.
type UpdateRequest struct {
	Keyspace   string
	Table      string
	SetColumns []string
	SetValues  []any
	KeyColumns []string
	KeyValues  []any
	// IfExists guards the update on row presence.
	IfExists bool
	// GuardColumn adds an `IF "col" = ?` equality guard when non-empty.
	GuardColumn string
	GuardValue  any
	TTLSeconds  int
}

// Update renders an UPDATE statement. Bound values follow statement order:
// TTL, SET values, key values, then the guard value.
func Update(req UpdateRequest) core.Statement {
	var b strings.Builder
	var values []any

	b.WriteString("UPDATE ")
	b.WriteString(qualify(req.Keyspace, req.Table))
	if req.TTLSeconds > 0 {
		b.WriteString(" USING TTL ?")
		values = append(values, req.TTLSeconds)
	}

	b.WriteString(" SET ")
	for i, column := range req.SetColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(column))
		b.WriteString(" = ?")
	}
	values = append(values, req.SetValues...)

	b.WriteString(" WHERE ")
	values = append(values, writeKeyEquality(&b, req.KeyColumns, req.KeyValues)...)

	guarded := false
	switch {
	case req.GuardColumn != "":
		b.WriteString(" IF ")
		b.WriteString(QuoteIdent(req.GuardColumn))
		b.WriteString(" = ?")
		values = append(values, req.GuardValue)
		guarded = true
	case req.IfExists:
		b.WriteString(" IF EXISTS")
		guarded = true
	}

	return core.Statement{Text: b.String(), Values: values, Idempotent: !guarded}
}

// DeleteRequest describes one full-key DELETE statement.
type DeleteRequest struct {
	Keyspace   string
	Table      string
	KeyColumns []string
	KeyValues  []any
	IfExists   bool
}

// Delete renders a DELETE statement.
func Delete(req DeleteRequest) core.Statement {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(qualify(req.Keyspace, req.Table))
	b.WriteString(" WHERE ")
	values := writeKeyEquality(&b, req.KeyColumns, req.KeyValues)
	if req.IfExists {
		b.WriteString(" IF EXISTS")
	}
	return core.Statement{Text: b.String(), Values: values, Idempotent: !req.IfExists}
}

func writeKeyEquality(b *strings.Builder, columns []string, values []any) []any {
	for i, column := range columns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(QuoteIdent(column))
		b.WriteString(" = ?")
	}
	return append([]any(nil), values...)
}

func identList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = QuoteIdent(column)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Batch renders statements as one logged batch, bound values concatenated in
// statement order. The batch is idempotent only when every part is. The
// first per-statement consistency override, if any, carries over to the
// batch.
func Batch(sts []core.Statement) core.Statement {
	var b strings.Builder
	b.WriteString("BEGIN BATCH ")

	batch := core.Statement{Idempotent: true}
	for _, st := range sts {
		b.WriteString(st.Text)
		b.WriteString("; ")
		batch.Values = append(batch.Values, st.Values...)
		if !st.Idempotent {
			batch.Idempotent = false
		}
		if batch.Consistency == core.ConsistencyDefault {
			batch.Consistency = st.Consistency
		}
	}

	b.WriteString("APPLY BATCH")
	batch.Text = b.String()
	return batch
}
