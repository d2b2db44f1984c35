package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalize_NegationPushDown tests the De Morgan rewrite and the operator
// duals negation resolves into.
func TestNormalize_NegationPushDown(t *testing.T) {
	tests := []struct {
		name     string
		input    Condition
		expected Condition
	}{
		{
			name:     "double negation cancels",
			input:    Not{Inner: Not{Inner: Equal{Path: "name", Value: "a"}}},
			expected: Equal{Path: "name", Value: "a"},
		},
		{
			name:  "de morgan over and",
			input: Not{Inner: And{Children: []Condition{Equal{Path: "a", Value: 1}, Equal{Path: "b", Value: 2}}}},
			expected: Or{Children: []Condition{
				NotEqual{Path: "a", Value: 1},
				NotEqual{Path: "b", Value: 2},
			}},
		},
		{
			name:  "de morgan over or",
			input: Not{Inner: Or{Children: []Condition{Equal{Path: "a", Value: 1}, Equal{Path: "b", Value: 2}}}},
			expected: And{Children: []Condition{
				NotEqual{Path: "a", Value: 1},
				NotEqual{Path: "b", Value: 2},
			}},
		},
		{
			name:     "ordering dual",
			input:    Not{Inner: GreaterThan{Path: "age", Value: 21}},
			expected: LessThanOrEqual{Path: "age", Value: 21},
		},
		{
			name:     "membership dual",
			input:    Not{Inner: Inside{Path: "state", Values: []any{"a", "b"}}},
			expected: NotInside{Path: "state", Values: []any{"a", "b"}},
		},
		{
			name:     "bit mask dual",
			input:    Not{Inner: IntBitsClear{Path: "flags", Mask: 0b110}},
			expected: IntBitsAnySet{Path: "flags", Mask: 0b110},
		},
		{
			name:     "quantifier dual pushes into the element scope",
			input:    Not{Inner: ListAllElements{Path: "tags", Inner: Equal{Value: "go"}}},
			expected: ListAnyElements{Path: "tags", Inner: NotEqual{Value: "go"}},
		},
		{
			name:     "set quantifier dual",
			input:    Not{Inner: SetAnyElements{Path: "roles", Inner: Equal{Value: "admin"}}},
			expected: SetAllElements{Path: "roles", Inner: NotEqual{Value: "admin"}},
		},
		{
			name:     "negated constant folds",
			input:    Not{Inner: Always{}},
			expected: Never{},
		},
		{
			name:     "no dual keeps the not wrapper",
			input:    Not{Inner: StringContains{Path: "bio", Substring: "go"}},
			expected: Not{Inner: StringContains{Path: "bio", Substring: "go"}},
		},
		{
			name:     "if not null keeps the not wrapper",
			input:    Not{Inner: IfNotNull{Path: "address", Inner: Equal{Path: "city", Value: "paris"}}},
			expected: Not{Inner: IfNotNull{Path: "address", Inner: Equal{Path: "city", Value: "paris"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

// TestNormalize_Folding tests constant folding and the flattening of nested
// connectives of the same kind.
func TestNormalize_Folding(t *testing.T) {
	a := Equal{Path: "a", Value: 1}
	b := Equal{Path: "b", Value: 2}
	c := Equal{Path: "c", Value: 3}

	tests := []struct {
		name     string
		input    Condition
		expected Condition
	}{
		{
			name:     "nested and flattens",
			input:    And{Children: []Condition{a, And{Children: []Condition{b, c}}}},
			expected: And{Children: []Condition{a, b, c}},
		},
		{
			name:     "nested or flattens",
			input:    Or{Children: []Condition{Or{Children: []Condition{a, b}}, c}},
			expected: Or{Children: []Condition{a, b, c}},
		},
		{
			name:     "always drops out of and",
			input:    And{Children: []Condition{a, Always{}, b}},
			expected: And{Children: []Condition{a, b}},
		},
		{
			name:     "never short-circuits and",
			input:    And{Children: []Condition{a, Never{}, b}},
			expected: Never{},
		},
		{
			name:     "never drops out of or",
			input:    Or{Children: []Condition{Never{}, a}},
			expected: a,
		},
		{
			name:     "always short-circuits or",
			input:    Or{Children: []Condition{a, Always{}}},
			expected: Always{},
		},
		{
			name:     "empty and is always",
			input:    And{},
			expected: Always{},
		},
		{
			name:     "empty or is never",
			input:    Or{},
			expected: Never{},
		},
		{
			name:     "singleton unwraps",
			input:    And{Children: []Condition{a}},
			expected: a,
		},
		{
			name:     "nil is always",
			input:    nil,
			expected: Always{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

// TestNormalize_OnFieldFlattening tests that OnField scopes become absolute
// dotted paths while element-relative scopes keep their inner paths.
func TestNormalize_OnFieldFlattening(t *testing.T) {
	tests := []struct {
		name     string
		input    Condition
		expected Condition
	}{
		{
			name:     "leaf path is prefixed",
			input:    OnField{Path: "address", Inner: Equal{Path: "city", Value: "paris"}},
			expected: Equal{Path: "address.city", Value: "paris"},
		},
		{
			name:     "empty inner path means the field itself",
			input:    OnField{Path: "age", Inner: GreaterThan{Value: 21}},
			expected: GreaterThan{Path: "age", Value: 21},
		},
		{
			name: "nested scopes join",
			input: OnField{Path: "address", Inner: OnField{Path: "geo", Inner: Equal{Path: "lat", Value: 1.0}}},
			expected: Equal{Path: "address.geo.lat", Value: 1.0},
		},
		{
			name: "connectives distribute the prefix",
			input: OnField{Path: "address", Inner: And{Children: []Condition{
				Equal{Path: "city", Value: "paris"},
				NotEqual{Path: "zip", Value: ""},
			}}},
			expected: And{Children: []Condition{
				Equal{Path: "address.city", Value: "paris"},
				NotEqual{Path: "address.zip", Value: ""},
			}},
		},
		{
			name: "quantifier inner stays element-relative",
			input: OnField{Path: "account", Inner: ListAnyElements{Path: "tags", Inner: Equal{Value: "go"}}},
			expected: ListAnyElements{Path: "account.tags", Inner: Equal{Value: "go"}},
		},
		{
			name: "if not null inner stays value-relative",
			input: OnField{Path: "account", Inner: IfNotNull{Path: "plan", Inner: Equal{Path: "tier", Value: "pro"}}},
			expected: IfNotNull{Path: "account.plan", Inner: Equal{Path: "tier", Value: "pro"}},
		},
		{
			name: "negation through a scope",
			input: Not{Inner: OnField{Path: "address", Inner: Equal{Path: "city", Value: "paris"}}},
			expected: NotEqual{Path: "address.city", Value: "paris"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

// TestNormalize_Idempotent tests that renormalizing a normal form is a no-op.
func TestNormalize_Idempotent(t *testing.T) {
	inputs := []Condition{
		Not{Inner: And{Children: []Condition{
			OnField{Path: "address", Inner: Equal{Path: "city", Value: "paris"}},
			Or{Children: []Condition{
				GreaterThan{Path: "age", Value: 21},
				Not{Inner: Inside{Path: "state", Values: []any{"x"}}},
			}},
		}}},
		Not{Inner: ListAllElements{Path: "tags", Inner: Not{Inner: StringContains{Substring: "go"}}}},
		OnKey{Path: "scores", Key: "match", Inner: Not{Inner: Not{Inner: GreaterThan{Value: 10}}}},
		And{Children: []Condition{Always{}, Or{}}},
	}

	for _, input := range inputs {
		once := Normalize(input)
		assert.Equal(t, once, Normalize(once))
	}
}
