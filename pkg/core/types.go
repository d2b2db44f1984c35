package core

import (
	"time"

	"github.com/theory-cloud/cqltheory/pkg/aggregate"
	"github.com/theory-cloud/cqltheory/pkg/condition"
)

// FindSpec carries one read request to a table engine. Condition addresses
// flattened column paths; a nil Condition matches everything.
type FindSpec struct {
	Condition   condition.Condition
	Sort        []condition.SortField
	Projection  []string
	Cursor      string
	Consistency Consistency
	Skip        int
	Limit       int
	PageSize    int
}

// AggregateSpec carries one aggregation request: the rows selected by Find,
// the numeric column at Path, grouped by GroupPath when non-empty.
type AggregateSpec struct {
	Find      FindSpec
	Kind      aggregate.Kind
	Strategy  aggregate.Strategy
	Path      string
	GroupPath string
}

// DefaultPageSize is the page size used when a FindSpec does not set one.
const DefaultPageSize = 100

// Page is one page of results. Items aliases the slice the caller's dest
// pointed at; NextCursor is empty on the last page.
type Page struct {
	Items      any
	NextCursor string
	HasMore    bool
}

// PaginatedResult contains the results and pagination metadata
type PaginatedResult struct {
	Items      any
	NextCursor string
	Count      int
	HasMore    bool
}

// EntryChange describes one mutation's before and after state. A nil side
// means the row was absent: insert is (nil, new), delete is (old, nil).
type EntryChange struct {
	Old any
	New any
}

// CollectionChanges is an ordered list of entry changes.
type CollectionChanges struct {
	Changes []EntryChange
}

// Merge folds changes that touched the same row into one EntryChange
// keeping the old side of the first and the new side of the last,
// preserving first-seen order. Rows are identified by key, applied to the
// new state when present and the old state otherwise.
func (c CollectionChanges) Merge(key func(state any) string) CollectionChanges {
	index := make(map[string]int, len(c.Changes))
	merged := CollectionChanges{}
	for _, change := range c.Changes {
		state := change.New
		if state == nil {
			state = change.Old
		}
		k := key(state)
		if at, ok := index[k]; ok {
			merged.Changes[at].New = change.New
			continue
		}
		index[k] = len(merged.Changes)
		merged.Changes = append(merged.Changes, change)
	}
	return merged
}

// Partial is a partially known row, as produced by projected reads; see
// condition.Partial for the lookup semantics.
type Partial = condition.Partial

// Statement is one native statement ready for execution: text with `?`
// placeholders and the values bound in order. Idempotent marks statements
// the driver may safely retry or speculatively execute. Consistency, when
// set, overrides the session level for this statement only.
type Statement struct {
	Text        string
	Values      []any
	Idempotent  bool
	Consistency Consistency
}

// Consistency names a per-query consistency level override. The zero value
// defers to the session default.
type Consistency string

const (
	// ConsistencyDefault defers to the session configuration.
	ConsistencyDefault Consistency = ""
	// ConsistencyOne acknowledges after a single replica.
	ConsistencyOne Consistency = "ONE"
	// ConsistencyLocalOne acknowledges after one replica in the local DC.
	ConsistencyLocalOne Consistency = "LOCAL_ONE"
	// ConsistencyQuorum requires a majority of replicas.
	ConsistencyQuorum Consistency = "QUORUM"
	// ConsistencyLocalQuorum requires a majority in the local DC.
	ConsistencyLocalQuorum Consistency = "LOCAL_QUORUM"
	// ConsistencyEachQuorum requires a majority in every DC.
	ConsistencyEachQuorum Consistency = "EACH_QUORUM"
	// ConsistencyAll requires every replica.
	ConsistencyAll Consistency = "ALL"
)

// WriteConfig collects per-write settings applied through WriteOptions.
type WriteConfig struct {
	TTL         time.Duration
	Consistency Consistency
	// Overwrite drops the duplicate-key guard: the insert silently replaces
	// an existing row instead of failing with ErrUniquenessViolation.
	Overwrite bool
}

// WriteOption adjusts a single write operation.
type WriteOption func(*WriteConfig)

// WithTTL sets a time-to-live on the written row. Zero or negative means no
// expiry.
func WithTTL(d time.Duration) WriteOption {
	return func(cfg *WriteConfig) {
		cfg.TTL = d
	}
}

// WithWriteConsistency overrides the consistency level for one write.
func WithWriteConsistency(level Consistency) WriteOption {
	return func(cfg *WriteConfig) {
		cfg.Consistency = level
	}
}

// WithOverwrite makes an insert replace an existing row with the same key
// instead of failing.
func WithOverwrite() WriteOption {
	return func(cfg *WriteConfig) {
		cfg.Overwrite = true
	}
}

// ApplyWriteOptions folds options into a WriteConfig.
func ApplyWriteOptions(opts []WriteOption) WriteConfig {
	var cfg WriteConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// TableDescription is the storage-side view of a table as reported by
// introspection.
type TableDescription struct {
	Keyspace string
	Name     string
	Columns  []ColumnDescription
	Indexes  []string
	Views    []string
}

// ColumnDescription is one introspected column.
type ColumnDescription struct {
	Name    string
	CQLType string
	Kind    string
}
