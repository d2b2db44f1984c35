// Package condition defines the typed condition algebra shared by every
// storage engine. A Condition is a recursive tree of the variants below;
// engines walk it with type switches, treating any unknown variant as
// residual (evaluated in process) rather than failing.
//
// Leaves address fields by dotted column path ("address.city"). Inside
// ListAnyElements, SetAllElements, OnKey and IfNotNull the inner condition's
// paths are relative to the element or value being examined; the empty path
// means the element itself. OnField is prefix sugar and is flattened away by
// Normalize.
package condition

import (
	"regexp"
	"sync"

	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

// Condition is the sealed root of the algebra.
type Condition interface {
	conditionNode()
}

// Always matches every record.
type Always struct{}

// Never matches no record.
type Never struct{}

// And matches when every child matches; an empty And is Always.
type And struct {
	Children []Condition
}

// Or matches when at least one child matches; an empty Or is Never.
type Or struct {
	Children []Condition
}

// Not inverts its inner condition.
type Not struct {
	Inner Condition
}

// Equal matches when the field equals Value. A nil Value matches null fields.
type Equal struct {
	Value any
	Path  string
}

// NotEqual matches when the field differs from Value.
type NotEqual struct {
	Value any
	Path  string
}

// GreaterThan matches when the field orders strictly after Value.
type GreaterThan struct {
	Value any
	Path  string
}

// GreaterThanOrEqual matches when the field orders at or after Value.
type GreaterThanOrEqual struct {
	Value any
	Path  string
}

// LessThan matches when the field orders strictly before Value.
type LessThan struct {
	Value any
	Path  string
}

// LessThanOrEqual matches when the field orders at or before Value.
type LessThanOrEqual struct {
	Value any
	Path  string
}

// Inside matches when the field equals one of Values; empty Values is Never.
type Inside struct {
	Values []any
	Path   string
}

// NotInside matches when the field equals none of Values; empty Values is Always.
type NotInside struct {
	Values []any
	Path   string
}

// StringContains matches when the string field contains Substring.
type StringContains struct {
	Path       string
	Substring  string
	IgnoreCase bool
}

// RegexMatches matches when the string field matches Pattern (RE2 syntax).
// Build with MatchesRegex to validate the pattern eagerly; a literal with an
// invalid pattern surfaces the compile error at evaluation time.
type RegexMatches struct {
	Path    string
	Pattern string
}

// FullTextSearch splits Query on whitespace and matches each term as a
// substring; RequireAll demands every term, otherwise one suffices.
type FullTextSearch struct {
	Path       string
	Query      string
	IgnoreCase bool
	RequireAll bool
}

// GeoDistance matches when the GeoPoint field lies within WithinMeters of
// Center (great-circle distance).
type GeoDistance struct {
	Path         string
	Center       types.GeoPoint
	WithinMeters float64
}

// IntBitsClear matches when every bit of Mask is clear in the integer field.
type IntBitsClear struct {
	Path string
	Mask int64
}

// IntBitsSet matches when every bit of Mask is set in the integer field.
type IntBitsSet struct {
	Path string
	Mask int64
}

// IntBitsAnyClear matches when at least one bit of Mask is clear.
type IntBitsAnyClear struct {
	Path string
	Mask int64
}

// IntBitsAnySet matches when at least one bit of Mask is set.
type IntBitsAnySet struct {
	Path string
	Mask int64
}

// ListAllElements matches when every list element satisfies Inner; an empty
// list matches.
type ListAllElements struct {
	Inner Condition
	Path  string
}

// ListAnyElements matches when at least one list element satisfies Inner; an
// empty list does not match.
type ListAnyElements struct {
	Inner Condition
	Path  string
}

// SetAllElements matches when every set element satisfies Inner.
type SetAllElements struct {
	Inner Condition
	Path  string
}

// SetAnyElements matches when at least one set element satisfies Inner.
type SetAnyElements struct {
	Inner Condition
	Path  string
}

// ListSizeIs matches when the list has exactly Size elements.
type ListSizeIs struct {
	Path string
	Size int
}

// SetSizeIs matches when the set has exactly Size elements.
type SetSizeIs struct {
	Path string
	Size int
}

// HasKey matches when the map field contains Key.
type HasKey struct {
	Path string
	Key  string
}

// OnKey matches when the map field contains Key and its value satisfies
// Inner (paths relative to the value).
type OnKey struct {
	Inner Condition
	Path  string
	Key   string
}

// OnField scopes Inner to the named field: inner paths are relative to Path.
// Normalize flattens it by prefixing.
type OnField struct {
	Inner Condition
	Path  string
}

// IfNotNull matches when the nullable field is non-null and its value
// satisfies Inner (paths relative to the value). A null field simply does not
// match; it is never an error.
type IfNotNull struct {
	Inner Condition
	Path  string
}

func (Always) conditionNode()             {}
func (Never) conditionNode()              {}
func (And) conditionNode()                {}
func (Or) conditionNode()                 {}
func (Not) conditionNode()                {}
func (Equal) conditionNode()              {}
func (NotEqual) conditionNode()           {}
func (GreaterThan) conditionNode()        {}
func (GreaterThanOrEqual) conditionNode() {}
func (LessThan) conditionNode()           {}
func (LessThanOrEqual) conditionNode()    {}
func (Inside) conditionNode()             {}
func (NotInside) conditionNode()          {}
func (StringContains) conditionNode()     {}
func (RegexMatches) conditionNode()       {}
func (FullTextSearch) conditionNode()     {}
func (GeoDistance) conditionNode()        {}
func (IntBitsClear) conditionNode()       {}
func (IntBitsSet) conditionNode()         {}
func (IntBitsAnyClear) conditionNode()    {}
func (IntBitsAnySet) conditionNode()      {}
func (ListAllElements) conditionNode()    {}
func (ListAnyElements) conditionNode()    {}
func (SetAllElements) conditionNode()     {}
func (SetAnyElements) conditionNode()     {}
func (ListSizeIs) conditionNode()         {}
func (SetSizeIs) conditionNode()          {}
func (HasKey) conditionNode()             {}
func (OnKey) conditionNode()              {}
func (OnField) conditionNode()            {}
func (IfNotNull) conditionNode()          {}

// AllOf conjoins conditions, collapsing the trivial cases.
func AllOf(conds ...Condition) Condition {
	switch len(conds) {
	case 0:
		return Always{}
	case 1:
		return conds[0]
	default:
		return And{Children: conds}
	}
}

// AnyOf disjoins conditions, collapsing the trivial cases.
func AnyOf(conds ...Condition) Condition {
	switch len(conds) {
	case 0:
		return Never{}
	case 1:
		return conds[0]
	default:
		return Or{Children: conds}
	}
}

// MatchesRegex builds a RegexMatches condition, validating the pattern.
func MatchesRegex(path, pattern string) (Condition, error) {
	if _, err := compiledRegex(pattern); err != nil {
		return nil, err
	}
	return RegexMatches{Path: path, Pattern: pattern}, nil
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.NewErrorWithContext("compileRegex", "", errors.ErrInvalidCondition, map[string]any{
			"pattern": pattern,
		})
	}

	actual, _ := regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}
