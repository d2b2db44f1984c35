package cql

import (
	"fmt"
	"strings"

	"github.com/theory-cloud/cqltheory/pkg/core"
	"github.com/theory-cloud/cqltheory/pkg/naming"
	"github.com/theory-cloud/cqltheory/pkg/schema"
)

const (
	sasiClass    = "org.apache.cassandra.index.sasi.SASIIndex"
	sasiAnalyzer = "org.apache.cassandra.index.sasi.analyzer.NonTokenizingAnalyzer"
	saiClass     = "StorageAttachedIndex"
)

// CreateKeyspace renders a SimpleStrategy keyspace definition.
func CreateKeyspace(keyspace string, replicationFactor int) core.Statement {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	text := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': '%d'}",
		QuoteIdent(keyspace), replicationFactor,
	)
	return core.Statement{Text: text}
}

// StoredColumn is one column of the physical table.
type StoredColumn struct {
	Name    string
	CQLType string
}

// StoredColumns lists every physical column of the descriptor's table:
// primary-key columns first in key order, then the remaining model columns
// in layout order, then computed columns.
func StoredColumns(d *schema.Descriptor) []StoredColumn {
	typeOf := func(column string) string {
		if column == naming.IDMarker {
			return "text"
		}
		if col, ok := d.Layout().Column(column); ok {
			return col.CQLType
		}
		return "text" // computed columns store text
	}

	seen := make(map[string]bool)
	var columns []StoredColumn
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		columns = append(columns, StoredColumn{Name: name, CQLType: typeOf(name)})
	}

	for _, column := range d.PrimaryKeyColumns() {
		add(column)
	}
	if d.HasColumn(naming.IDMarker) {
		add(naming.IDMarker)
	}
	for _, col := range d.Layout().Columns {
		add(col.Path)
	}
	for _, c := range d.Computed {
		for _, stored := range c.StoredColumns() {
			add(stored)
		}
	}
	return columns
}

// CreateTable renders the table definition with its key layout and
// clustering order.
func CreateTable(keyspace string, d *schema.Descriptor) core.Statement {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", qualify(keyspace, d.Table))
	for _, col := range StoredColumns(d) {
		fmt.Fprintf(&b, "    %s %s,\n", QuoteIdent(col.Name), col.CQLType)
	}
	fmt.Fprintf(&b, "    PRIMARY KEY (%s)\n)", primaryKey(d.PartitionKeys, clusteringColumns(d.ClusteringKeys)))

	if order := clusteringOrder(d.ClusteringKeys); order != "" {
		fmt.Fprintf(&b, " WITH CLUSTERING ORDER BY (%s)", order)
	}
	return core.Statement{Text: b.String()}
}

func clusteringColumns(keys []schema.ClusteringKey) []string {
	columns := make([]string, len(keys))
	for i, key := range keys {
		columns[i] = key.Column
	}
	return columns
}

func primaryKey(partition, clustering []string) string {
	parts := []string{"(" + identList(partition) + ")"}
	for _, column := range clustering {
		parts = append(parts, QuoteIdent(column))
	}
	return strings.Join(parts, ", ")
}

func clusteringOrder(keys []schema.ClusteringKey) string {
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, len(keys))
	for i, key := range keys {
		direction := "ASC"
		if key.Descending {
			direction = "DESC"
		}
		parts[i] = QuoteIdent(key.Column) + " " + direction
	}
	return strings.Join(parts, ", ")
}

// IndexName derives the index identifier for a column.
func IndexName(table, column string) string {
	return table + "_" + strings.ReplaceAll(column, ".", "_") + "_idx"
}

// CreateIndex renders one secondary-index definition. Legacy indexes use
// the SASI implementation with their declared text mode; analyzed mode pins
// the non-tokenizing analyzer and case sensitivity, which the planner's
// per-term pushdown depends on. Map columns are indexed on their keys, since
// key membership is the only map condition that pushes.
func CreateIndex(keyspace string, d *schema.Descriptor, idx schema.Index) core.Statement {
	target := QuoteIdent(idx.Column)
	if col, ok := d.Layout().Column(idx.Column); ok && strings.HasPrefix(col.CQLType, "map<") {
		target = "KEYS(" + target + ")"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE CUSTOM INDEX IF NOT EXISTS %s ON %s (%s)",
		QuoteIdent(IndexName(d.Table, idx.Column)), qualify(keyspace, d.Table), target)

	if idx.Kind == schema.Modern {
		fmt.Fprintf(&b, " USING '%s'", saiClass)
		return core.Statement{Text: b.String()}
	}

	fmt.Fprintf(&b, " USING '%s' WITH OPTIONS = {", sasiClass)
	switch idx.Mode {
	case schema.TextContains:
		b.WriteString("'mode': 'CONTAINS'")
	case schema.TextAnalyzed:
		fmt.Fprintf(&b, "'mode': 'CONTAINS', 'analyzed': 'true', 'analyzer_class': '%s', 'case_sensitive': 'true'", sasiAnalyzer)
	default:
		b.WriteString("'mode': 'PREFIX'")
	}
	b.WriteString("}")
	return core.Statement{Text: b.String()}
}

// ViewPrimaryKey completes a view's declared keys with the base table's
// remaining primary-key columns: the dialect requires every base key column
// in the view key, so undeclared ones append as trailing clustering columns.
func ViewPrimaryKey(d *schema.Descriptor, v schema.View) (partition, clustering []string) {
	partition = append([]string(nil), v.Keys.Partition...)
	clustering = append([]string(nil), v.Keys.Clustering...)

	named := make(map[string]bool, len(partition)+len(clustering))
	for _, column := range partition {
		named[column] = true
	}
	for _, column := range clustering {
		named[column] = true
	}
	for _, column := range d.PrimaryKeyColumns() {
		if !named[column] {
			clustering = append(clustering, column)
		}
	}
	return partition, clustering
}

// CreateView renders a materialized-view definition over the base table.
func CreateView(keyspace string, d *schema.Descriptor, v schema.View) core.Statement {
	partition, clustering := ViewPrimaryKey(d, v)

	notNull := make([]string, 0, len(partition)+len(clustering))
	for _, column := range append(append([]string(nil), partition...), clustering...) {
		notNull = append(notNull, QuoteIdent(column)+" IS NOT NULL")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS\n", qualify(keyspace, v.Name))
	fmt.Fprintf(&b, "    SELECT * FROM %s\n", qualify(keyspace, d.Table))
	fmt.Fprintf(&b, "    WHERE %s\n", strings.Join(notNull, " AND "))
	fmt.Fprintf(&b, "    PRIMARY KEY (%s)", primaryKey(partition, clustering))
	return core.Statement{Text: b.String()}
}

// AlterTableAdd renders an additive column migration.
func AlterTableAdd(keyspace, table, column, cqlType string) core.Statement {
	return core.Statement{Text: fmt.Sprintf("ALTER TABLE %s ADD %s %s",
		qualify(keyspace, table), QuoteIdent(column), cqlType)}
}

// DropTable renders a table drop.
func DropTable(keyspace, table string) core.Statement {
	return core.Statement{Text: "DROP TABLE IF EXISTS " + qualify(keyspace, table)}
}

// DropView renders a materialized-view drop. Views must drop before their
// base table.
func DropView(keyspace, view string) core.Statement {
	return core.Statement{Text: "DROP MATERIALIZED VIEW IF EXISTS " + qualify(keyspace, view)}
}
