package aggregate

import "fmt"

// KeyOf renders a grouping value as its canonical group key. Every engine
// must use the same rendering so grouped results compare across backends;
// a null grouping value keys the empty string.
func KeyOf(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

// Group is one group's aggregate output. Valid is false when the aggregate
// was undefined for that group's samples.
type Group struct {
	Key   string
	Value float64
	Count int64
	Valid bool
}

// GroupAggregate fans samples into one accumulator per group key, preserving
// first-seen group order.
type GroupAggregate struct {
	kind     Kind
	strategy Strategy
	order    []string
	groups   map[string]Accumulator
	counts   map[string]int64
}

// NewGroupAggregate returns a grouped accumulator for kind. An empty
// strategy means Welford.
func NewGroupAggregate(kind Kind, strategy Strategy) (*GroupAggregate, error) {
	// Fail on a bad kind or strategy up front rather than on first Add.
	if _, err := New(kind, strategy); err != nil {
		return nil, err
	}
	return &GroupAggregate{
		kind:     kind,
		strategy: strategy,
		groups:   make(map[string]Accumulator),
		counts:   make(map[string]int64),
	}, nil
}

// Add folds one sample into key's accumulator, creating it on first sight.
func (g *GroupAggregate) Add(key string, sample float64) {
	acc, ok := g.groups[key]
	if !ok {
		acc, _ = New(g.kind, g.strategy)
		g.groups[key] = acc
		g.order = append(g.order, key)
	}
	acc.Add(sample)
	g.counts[key]++
}

// Results returns one Group per key in first-seen order.
func (g *GroupAggregate) Results() []Group {
	results := make([]Group, 0, len(g.order))
	for _, key := range g.order {
		value, ok := g.groups[key].Result()
		results = append(results, Group{
			Key:   key,
			Value: value,
			Count: g.counts[key],
			Valid: ok,
		})
	}
	return results
}

// GroupCount counts rows per group key, preserving first-seen group order.
type GroupCount struct {
	order  []string
	counts map[string]int64
}

// NewGroupCount returns an empty grouped counter.
func NewGroupCount() *GroupCount {
	return &GroupCount{counts: make(map[string]int64)}
}

// Add counts one row under key.
func (g *GroupCount) Add(key string) {
	if _, ok := g.counts[key]; !ok {
		g.order = append(g.order, key)
	}
	g.counts[key]++
}

// Results returns one Group per key in first-seen order, with Value
// mirroring Count so callers can treat counts like any other aggregate.
func (g *GroupCount) Results() []Group {
	results := make([]Group, 0, len(g.order))
	for _, key := range g.order {
		n := g.counts[key]
		results = append(results, Group{
			Key:   key,
			Value: float64(n),
			Count: n,
			Valid: true,
		})
	}
	return results
}
