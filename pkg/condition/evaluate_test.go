package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/types"
)

type evalAddress struct {
	City string `cql:"city"`
	Zip  string `cql:"zip"`
}

type evalUser struct {
	Name     string              `cql:"name"`
	Bio      string              `cql:"bio"`
	Age      int64               `cql:"age"`
	Flags    int64               `cql:"flags"`
	Active   bool                `cql:"active"`
	Tags     []string            `cql:"tags"`
	Roles    map[string]struct{} `cql:"roles,set"`
	Scores   map[string]int64    `cql:"scores"`
	Address  *evalAddress        `cql:"address"`
	Location types.GeoPoint      `cql:"location"`
	Joined   time.Time           `cql:"joined"`
}

func sampleUser() *evalUser {
	return &evalUser{
		Name:   "ada",
		Bio:    "Systems programmer, Go and CQL",
		Age:    36,
		Flags:  0b1010,
		Active: true,
		Tags:   []string{"go", "db"},
		Roles:  map[string]struct{}{"admin": {}, "dev": {}},
		Scores: map[string]int64{"math": 92, "art": 71},
		Address: &evalAddress{
			City: "paris",
			Zip:  "75001",
		},
		Location: types.GeoPoint{Latitude: 48.8606, Longitude: 2.3376},
		Joined:   time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

// TestEvaluate_Scalars tests scalar leaves against a struct record.
func TestEvaluate_Scalars(t *testing.T) {
	user := sampleUser()

	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{"equal string", Equal{Path: "name", Value: "ada"}, true},
		{"equal mismatched type is just unequal", Equal{Path: "name", Value: 42}, false},
		{"not equal", NotEqual{Path: "name", Value: "bob"}, true},
		{"greater than", GreaterThan{Path: "age", Value: 30}, true},
		{"greater than across widths", GreaterThan{Path: "age", Value: int32(40)}, false},
		{"less than or equal boundary", LessThanOrEqual{Path: "age", Value: int64(36)}, true},
		{"time ordering", GreaterThan{Path: "joined", Value: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}, true},
		{"bool equal", Equal{Path: "active", Value: true}, true},
		{"inside", Inside{Path: "name", Values: []any{"ada", "bob"}}, true},
		{"inside empty is never", Inside{Path: "name", Values: nil}, false},
		{"not inside", NotInside{Path: "name", Values: []any{"bob"}}, true},
		{"contains", StringContains{Path: "bio", Substring: "Go"}, true},
		{"contains case folded", StringContains{Path: "bio", Substring: "go and cql", IgnoreCase: true}, true},
		{"regex", RegexMatches{Path: "name", Pattern: `^a.a$`}, true},
		{"full text any term", FullTextSearch{Path: "bio", Query: "rust go", IgnoreCase: true}, true},
		{"full text all terms", FullTextSearch{Path: "bio", Query: "rust go", IgnoreCase: true, RequireAll: true}, false},
		{"geo within", GeoDistance{Path: "location", Center: types.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}, WithinMeters: 2000}, true},
		{"geo outside", GeoDistance{Path: "location", Center: types.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}, WithinMeters: 500}, false},
		{"bits all set", IntBitsSet{Path: "flags", Mask: 0b1000}, true},
		{"bits all set fails on a clear bit", IntBitsSet{Path: "flags", Mask: 0b1100}, false},
		{"bits all clear", IntBitsClear{Path: "flags", Mask: 0b0101}, true},
		{"bits any set", IntBitsAnySet{Path: "flags", Mask: 0b0101}, false},
		{"bits any clear", IntBitsAnyClear{Path: "flags", Mask: 0b1010}, false},
		{"missing path reads as null", Equal{Path: "no_such_column", Value: nil}, true},
		{"always", Always{}, true},
		{"never", Never{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := Evaluate(tt.condition, user)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, matched)
		})
	}
}

// TestEvaluate_Collections tests quantifiers, sizes and map operators.
func TestEvaluate_Collections(t *testing.T) {
	user := sampleUser()

	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{"any element equals", ListAnyElements{Path: "tags", Inner: Equal{Value: "go"}}, true},
		{"any element misses", ListAnyElements{Path: "tags", Inner: Equal{Value: "java"}}, false},
		{"all elements", ListAllElements{Path: "tags", Inner: StringContains{Substring: "o"}}, false},
		{"all elements pass", ListAllElements{Path: "tags", Inner: RegexMatches{Pattern: `^[a-z]+$`}}, true},
		{"list size", ListSizeIs{Path: "tags", Size: 2}, true},
		{"set any", SetAnyElements{Path: "roles", Inner: Equal{Value: "admin"}}, true},
		{"set all", SetAllElements{Path: "roles", Inner: NotEqual{Value: "root"}}, true},
		{"set size", SetSizeIs{Path: "roles", Size: 2}, true},
		{"has key", HasKey{Path: "scores", Key: "math"}, true},
		{"has key missing", HasKey{Path: "scores", Key: "music"}, false},
		{"on key", OnKey{Path: "scores", Key: "math", Inner: GreaterThan{Value: 90}}, true},
		{"on key fails inner", OnKey{Path: "scores", Key: "art", Inner: GreaterThan{Value: 90}}, false},
		{"on key missing key", OnKey{Path: "scores", Key: "music", Inner: Always{}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := Evaluate(tt.condition, user)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, matched)
		})
	}

	t.Run("null collections read as empty", func(t *testing.T) {
		empty := &evalUser{}

		matched, err := Evaluate(ListAllElements{Path: "tags", Inner: Never{}}, empty)
		require.NoError(t, err)
		assert.True(t, matched, "universal quantifier is vacuous on an empty list")

		matched, err = Evaluate(ListAnyElements{Path: "tags", Inner: Always{}}, empty)
		require.NoError(t, err)
		assert.False(t, matched)

		matched, err = Evaluate(ListSizeIs{Path: "tags", Size: 0}, empty)
		require.NoError(t, err)
		assert.True(t, matched)
	})
}

// TestEvaluate_Scopes tests OnField, IfNotNull and struct elements inside
// quantifiers.
func TestEvaluate_Scopes(t *testing.T) {
	user := sampleUser()

	matched, err := Evaluate(OnField{Path: "address", Inner: Equal{Path: "city", Value: "paris"}}, user)
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = Evaluate(IfNotNull{Path: "address", Inner: Equal{Path: "zip", Value: "75001"}}, user)
	require.NoError(t, err)
	assert.True(t, matched)

	// A nil pointer makes IfNotNull false without an error.
	user.Address = nil
	matched, err = Evaluate(IfNotNull{Path: "address", Inner: Always{}}, user)
	require.NoError(t, err)
	assert.False(t, matched)

	// And the negation holds on the same record.
	matched, err = Evaluate(Not{Inner: IfNotNull{Path: "address", Inner: Always{}}}, user)
	require.NoError(t, err)
	assert.True(t, matched)
}

// TestEvaluate_Rows tests evaluation against flattened row maps, including
// the _exists marker and reassembled prefixes.
func TestEvaluate_Rows(t *testing.T) {
	row := map[string]any{
		"name":               "ada",
		"age":                int64(36),
		"score":              nil,
		"address.city":       "paris",
		"address.zip":        "75001",
		"address._exists":    true,
		"profile._exists":    false,
		"location.latitude":  48.8606,
		"location.longitude": 2.3376,
	}

	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{"flat dotted key", Equal{Path: "address.city", Value: "paris"}, true},
		{"null orders before values", LessThan{Path: "score", Value: int64(10)}, true},
		{"null is not greater", GreaterThan{Path: "score", Value: int64(10)}, false},
		{"present prefix", IfNotNull{Path: "address", Inner: Equal{Path: "city", Value: "paris"}}, true},
		{"absent prefix", IfNotNull{Path: "profile", Inner: Always{}}, false},
		{"geo from sub-columns", GeoDistance{Path: "location", Center: types.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}, WithinMeters: 2000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := Evaluate(tt.condition, row)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, matched)
		})
	}
}

// TestEvaluate_TypeMismatch tests that ordered comparisons across kinds
// surface ErrInvalidOperator instead of guessing.
func TestEvaluate_TypeMismatch(t *testing.T) {
	_, err := Evaluate(GreaterThan{Path: "name", Value: 5}, sampleUser())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidOperator)

	// The pushed-down dual fails the same way.
	_, err = Evaluate(Normalize(Not{Inner: GreaterThan{Path: "name", Value: 5}}), sampleUser())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidOperator)
}

// TestEvaluatePartial tests three-valued evaluation over partially known
// rows.
func TestEvaluatePartial(t *testing.T) {
	partial := Partial{
		Values: map[string]any{"age": int64(36)},
		Known:  []string{"age", "nickname"},
	}

	tests := []struct {
		name      string
		condition Condition
		expected  Tristate
	}{
		{"known value", Equal{Path: "age", Value: int64(36)}, True},
		{"known null", Equal{Path: "nickname", Value: nil}, True},
		{"unknown column", Equal{Path: "email", Value: "a@b.c"}, Unknown},
		{"and with unknown", And{Children: []Condition{Equal{Path: "age", Value: int64(36)}, Equal{Path: "email", Value: "x"}}}, Unknown},
		{"and decided by false", And{Children: []Condition{Equal{Path: "age", Value: int64(1)}, Equal{Path: "email", Value: "x"}}}, False},
		{"or decided by true", Or{Children: []Condition{Equal{Path: "age", Value: int64(36)}, Equal{Path: "email", Value: "x"}}}, True},
		{"or with unknown", Or{Children: []Condition{Equal{Path: "age", Value: int64(1)}, Equal{Path: "email", Value: "x"}}}, Unknown},
		{"not of unknown", Not{Inner: Equal{Path: "email", Value: "x"}}, Unknown},
		{"not of known", Not{Inner: Equal{Path: "age", Value: int64(1)}}, True},
		{"scoped unknown", IfNotNull{Path: "address", Inner: Always{}}, Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EvaluatePartial(tt.condition, partial)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}
