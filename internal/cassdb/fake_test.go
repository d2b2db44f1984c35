package cassdb

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/theory-cloud/cqltheory/internal/token"
	"github.com/theory-cloud/cqltheory/pkg/condition"
	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/schema"
)

// fakeExec is an in-memory stand-in for a cluster. It parses the rendered
// statements back into operations and applies them to a row store that
// scans in the same order a cluster would: partition token first, then
// clustering columns. DDL is accepted and logged; system_schema reads
// answer from canned rows.
type fakeExec struct {
	desc *schema.Descriptor

	mu    sync.Mutex
	store map[string]map[string]any

	execLog   []core.Statement
	casLog    []core.Statement
	batchLog  [][]core.Statement
	selectLog []core.Statement

	sysColumns []map[string]any
	sysIndexes []map[string]any
	sysViews   []map[string]any

	// ddlErr, when set, decides the outcome of each DDL statement.
	ddlErr func(st core.Statement) error
	// beforeCAS runs under the store lock right before a conditional
	// write applies, letting tests interleave a competing writer.
	beforeCAS func(f *fakeExec, st core.Statement)
	selectErr error
}

func newFakeExec(desc *schema.Descriptor) *fakeExec {
	return &fakeExec{desc: desc, store: make(map[string]map[string]any)}
}

func (f *fakeExec) Exec(_ context.Context, st core.Statement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execLog = append(f.execLog, st)
	return f.apply(st)
}

func (f *fakeExec) ExecCAS(_ context.Context, st core.Statement) (bool, map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casLog = append(f.casLog, st)
	if f.beforeCAS != nil {
		f.beforeCAS(f, st)
	}
	switch {
	case strings.HasPrefix(st.Text, "INSERT INTO "):
		return f.casInsert(st)
	case strings.HasPrefix(st.Text, "UPDATE "):
		return f.casUpdate(st)
	}
	return false, nil, fmt.Errorf("unexpected conditional statement: %s", st.Text)
}

func (f *fakeExec) ExecBatch(_ context.Context, sts []core.Statement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchLog = append(f.batchLog, sts)
	for _, st := range sts {
		if err := f.apply(st); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeExec) Select(_ context.Context, st core.Statement, pageSize int, pageState []byte) (Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectLog = append(f.selectLog, st)
	if f.selectErr != nil {
		return nil, f.selectErr
	}

	switch {
	case strings.Contains(st.Text, "system_schema.columns"):
		return &fakeRows{rows: copyRows(f.sysColumns)}, nil
	case strings.Contains(st.Text, "system_schema.indexes"):
		return &fakeRows{rows: copyRows(f.sysIndexes)}, nil
	case strings.Contains(st.Text, "system_schema.views"):
		return &fakeRows{rows: copyRows(f.sysViews)}, nil
	}

	rows := f.query(st)
	if pageState == nil {
		return &fakeRows{rows: rows}, nil
	}

	offset := decodePageOffset(pageState)
	if offset > len(rows) {
		offset = len(rows)
	}
	page := rows[offset:]
	var next []byte
	if pageSize > 0 && len(page) > pageSize {
		page = page[:pageSize]
		next = []byte(strconv.Itoa(offset + pageSize))
	}
	return &fakeRows{rows: page, state: next}, nil
}

func decodePageOffset(state []byte) int {
	if len(state) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(string(state))
	return n
}

// apply executes one non-conditional statement against the store.
func (f *fakeExec) apply(st core.Statement) error {
	if isDDL(st.Text) {
		if f.ddlErr != nil {
			return f.ddlErr(st)
		}
		return nil
	}
	switch {
	case strings.HasPrefix(st.Text, "INSERT INTO "):
		f.upsertRow(parseInsert(st))
	case strings.HasPrefix(st.Text, "UPDATE "):
		f.updateRow(st)
	case strings.HasPrefix(st.Text, "DELETE FROM "):
		f.deleteRow(st)
	}
	return nil
}

func isDDL(text string) bool {
	return strings.HasPrefix(text, "CREATE ") ||
		strings.HasPrefix(text, "ALTER ") ||
		strings.HasPrefix(text, "DROP ")
}

func (f *fakeExec) casInsert(st core.Statement) (bool, map[string]any, error) {
	candidate := parseInsert(st)
	key := f.rowKeyOf(candidate)
	if existing, ok := f.store[key]; ok && strings.Contains(st.Text, " IF NOT EXISTS") {
		return false, copyRow(existing), nil
	}
	f.upsertRow(candidate)
	return true, nil, nil
}

func (f *fakeExec) casUpdate(st core.Statement) (bool, map[string]any, error) {
	applied, prior := f.updateRow(st)
	return applied, prior, nil
}

// updateRow parses and applies one UPDATE, honoring IF EXISTS and
// single-column equality guards.
func (f *fakeExec) updateRow(st core.Statement) (bool, map[string]any) {
	values := st.Values
	if strings.Contains(st.Text, " USING TTL ?") {
		values = values[1:]
	}

	setText, _ := section(st.Text, " SET ", " WHERE ")
	setClauses := parseClauses(setText)
	setValues := values[:len(setClauses)]
	values = values[len(setClauses):]

	whereText, _ := section(st.Text, " WHERE ", " IF ")
	keyClauses := parseClauses(whereText)
	keyMap := make(map[string]any, len(keyClauses))
	for i, c := range keyClauses {
		keyMap[c.column] = values[i]
	}
	values = values[len(keyClauses):]

	key := f.rowKeyOf(keyMap)
	row, exists := f.store[key]

	if guard, guarded := section(st.Text, " IF "); guarded {
		if !exists {
			return false, nil
		}
		if guard != "EXISTS" {
			m := clauseRe.FindStringSubmatch(guard)
			if !condition.Equivalent(row[unquote(m[1])], values[0]) {
				return false, copyRow(row)
			}
		}
	}

	if !exists {
		row = make(map[string]any, len(keyMap)+len(setClauses))
		for c, v := range keyMap {
			row[c] = v
		}
	}
	for i, c := range setClauses {
		row[c.column] = setValues[i]
	}
	f.store[key] = row
	return true, nil
}

func (f *fakeExec) deleteRow(st core.Statement) {
	whereText, _ := section(st.Text, " WHERE ", " IF ")
	clauses := parseClauses(whereText)
	keyMap := make(map[string]any, len(clauses))
	for i, c := range clauses {
		keyMap[c.column] = st.Values[i]
	}
	delete(f.store, f.rowKeyOf(keyMap))
}

func (f *fakeExec) upsertRow(candidate map[string]any) {
	key := f.rowKeyOf(candidate)
	row, ok := f.store[key]
	if !ok {
		row = make(map[string]any, len(candidate))
	}
	for c, v := range candidate {
		row[c] = v
	}
	f.store[key] = row
}

func (f *fakeExec) rowKeyOf(row map[string]any) string {
	columns := f.desc.PrimaryKeyColumns()
	values := make([]any, len(columns))
	for i, column := range columns {
		values[i] = row[column]
	}
	return token.Key(values...)
}

// query evaluates a SELECT against the store.
func (f *fakeExec) query(st core.Statement) []map[string]any {
	whereText, _ := section(st.Text, " WHERE ", " ORDER BY ", " LIMIT ?", " ALLOW FILTERING")
	clauses := parseClauses(whereText)

	values := st.Values
	limit := 0
	if strings.Contains(st.Text, " LIMIT ?") {
		limit, _ = values[len(values)-1].(int)
		values = values[:len(values)-1]
	}

	bound := make([][]any, len(clauses))
	at := 0
	for i, c := range clauses {
		bound[i] = values[at : at+c.n]
		at += c.n
	}

	var matched []map[string]any
	for _, row := range f.scan() {
		keep := true
		for i, c := range clauses {
			if !matchClause(row, c, bound[i]) {
				keep = false
				break
			}
		}
		if keep {
			matched = append(matched, copyRow(row))
		}
	}

	if orderText, ok := section(st.Text, " ORDER BY ", " LIMIT ?", " ALLOW FILTERING"); ok {
		slices.SortStableFunc(matched, condition.RowComparator(parseOrder(orderText)))
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	if strings.HasPrefix(st.Text, "SELECT COUNT(*)") {
		return []map[string]any{{"count": int64(len(matched))}}
	}
	return matched
}

// scan returns every stored row in natural order.
func (f *fakeExec) scan() []map[string]any {
	rows := make([]map[string]any, 0, len(f.store))
	for _, row := range f.store {
		rows = append(rows, row)
	}

	clustering := make([]condition.SortField, len(f.desc.ClusteringKeys))
	for i, ck := range f.desc.ClusteringKeys {
		clustering[i] = condition.SortField{Path: ck.Column, Descending: ck.Descending}
	}
	byClustering := condition.RowComparator(clustering)
	slices.SortFunc(rows, func(a, b map[string]any) int {
		if c := token.Compare(f.partitionTokenOf(a), f.partitionTokenOf(b)); c != 0 {
			return c
		}
		return byClustering(a, b)
	})
	return rows
}

func (f *fakeExec) partitionTokenOf(row map[string]any) token.Token {
	values := make([]any, len(f.desc.PartitionKeys))
	for i, column := range f.desc.PartitionKeys {
		values[i] = row[column]
	}
	return token.Of(values...)
}

// rowCount reports how many rows the store holds.
func (f *fakeExec) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.store)
}

// storedRow returns a copy of the row with the given key column values, in
// primary key declaration order.
func (f *fakeExec) storedRow(keyValues ...any) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.store[token.Key(keyValues...)]
	if !ok {
		return nil, false
	}
	return copyRow(row), true
}

// allRows returns copies of every stored row in natural order. Callers must
// not hold the store lock.
func (f *fakeExec) allRows() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyRows(f.scan())
}

// removeRow drops the row with the given key column values. Safe to call
// from a beforeCAS hook, which already holds the lock.
func (f *fakeExec) removeRow(keyValues ...any) {
	delete(f.store, token.Key(keyValues...))
}

func matchClause(row map[string]any, c parsedClause, bound []any) bool {
	v := row[c.column]
	switch c.op {
	case "=":
		return condition.Equivalent(v, bound[0])
	case "<", "<=", ">", ">=":
		cmp, err := condition.Compare(v, bound[0])
		if err != nil {
			return false
		}
		switch c.op {
		case "<":
			return cmp < 0
		case "<=":
			return cmp <= 0
		case ">":
			return cmp > 0
		default:
			return cmp >= 0
		}
	case "IN":
		for _, b := range bound {
			if condition.Equivalent(v, b) {
				return true
			}
		}
		return false
	case "LIKE":
		s, _ := v.(string)
		pattern, _ := bound[0].(string)
		return matchLike(s, pattern)
	case "CONTAINS":
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if condition.Equivalent(rv.Index(i).Interface(), bound[0]) {
				return true
			}
		}
		return false
	case "CONTAINS KEY":
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map {
			return false
		}
		return rv.MapIndex(reflect.ValueOf(bound[0])).IsValid()
	}
	return false
}

func matchLike(s, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "%") && strings.HasSuffix(pattern, "%"):
		return strings.Contains(s, strings.Trim(pattern, "%"))
	case strings.HasSuffix(pattern, "%"):
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "%"))
	case strings.HasPrefix(pattern, "%"):
		return strings.HasSuffix(s, strings.TrimPrefix(pattern, "%"))
	default:
		return s == pattern
	}
}

type parsedClause struct {
	column string
	op     string
	n      int
}

var clauseRe = regexp.MustCompile(`"((?:[^"]|"")*)" (<=|>=|IN|LIKE|CONTAINS KEY|CONTAINS|=|<|>) (\?|\([?, ]*\))`)

func parseClauses(text string) []parsedClause {
	matches := clauseRe.FindAllStringSubmatch(text, -1)
	clauses := make([]parsedClause, len(matches))
	for i, m := range matches {
		n := 1
		if m[2] == "IN" {
			n = strings.Count(m[3], "?")
		}
		clauses[i] = parsedClause{column: unquote(m[1]), op: m[2], n: n}
	}
	return clauses
}

var insertColumnsRe = regexp.MustCompile(`\((.*?)\) VALUES`)

func parseInsert(st core.Statement) map[string]any {
	m := insertColumnsRe.FindStringSubmatch(st.Text)
	columns := splitIdents(m[1])
	row := make(map[string]any, len(columns))
	for i, column := range columns {
		row[column] = st.Values[i]
	}
	return row
}

func parseOrder(text string) []condition.SortField {
	var fields []condition.SortField
	for _, term := range strings.Split(text, ", ") {
		descending := strings.HasSuffix(term, " DESC")
		name := strings.TrimSuffix(strings.TrimSuffix(term, " DESC"), " ASC")
		fields = append(fields, condition.SortField{Path: unquoteIdent(name), Descending: descending})
	}
	return fields
}

// section returns the text following the first occurrence of after, cut at
// the earliest of the given enders.
func section(text, after string, until ...string) (string, bool) {
	i := strings.Index(text, after)
	if i < 0 {
		return "", false
	}
	rest := text[i+len(after):]
	end := len(rest)
	for _, u := range until {
		if j := strings.Index(rest, u); j >= 0 && j < end {
			end = j
		}
	}
	return rest[:end], true
}

func splitIdents(text string) []string {
	parts := strings.Split(text, ", ")
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = unquoteIdent(part)
	}
	return out
}

func unquoteIdent(s string) string {
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	return unquote(s)
}

func unquote(s string) string {
	return strings.ReplaceAll(s, `""`, `"`)
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for c, v := range row {
		out[c] = v
	}
	return out
}

func copyRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = copyRow(row)
	}
	return out
}

type fakeRows struct {
	rows  []map[string]any
	idx   int
	state []byte
	err   error
}

func (r *fakeRows) Next() (map[string]any, bool) {
	if r.idx >= len(r.rows) {
		return nil, false
	}
	row := r.rows[r.idx]
	r.idx++
	return row, true
}

func (r *fakeRows) PageState() []byte { return r.state }

func (r *fakeRows) Close() error { return r.err }
