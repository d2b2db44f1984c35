package marshal

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

type jsonHop struct {
	Label string `json:"label"`
}

type jsonPair struct {
	Left  *jsonHop `json:"left"`
	Right *jsonHop `json:"right"`
}

type jsonEvent struct {
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

type jsonEnvelopeModel struct {
	ID      string `cql:"id"`
	Payload any    `cql:"payload"`
}

func TestEncodeJSON_LinkedChain(t *testing.T) {
	codec := NewCodec(nil)

	chain := layoutLinked{Value: 1, Next: &layoutLinked{Value: 2}}
	row, err := codec.Encode(chain)
	require.NoError(t, err)

	assert.Equal(t, int64(1), row["value"])
	assert.JSONEq(t, `{"Value":2,"Next":null}`, row["next"].(string))

	var decoded layoutLinked
	require.NoError(t, codec.Decode(row, &decoded))
	require.NotNil(t, decoded.Next)
	assert.Equal(t, int64(2), decoded.Next.Value)
	assert.Nil(t, decoded.Next.Next)
}

func TestEncodeJSON_CycleRejected(t *testing.T) {
	codec := NewCodec(nil)

	a := &layoutLinked{Value: 1}
	b := &layoutLinked{Value: 2}
	a.Next = b
	b.Next = a

	_, err := codec.Encode(*a)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedType)
}

func TestEncodeJSON_SharedReferenceAllowed(t *testing.T) {
	codec := NewCodec(nil)

	// A diamond is not a cycle: the same pointer on two sibling branches
	// must encode fine.
	shared := &jsonHop{Label: "hub"}
	pair := jsonPair{Left: shared, Right: shared}

	text, err := codec.encodeJSON(reflect.ValueOf(pair))
	require.NoError(t, err)
	assert.JSONEq(t, `{"left":{"label":"hub"},"right":{"label":"hub"}}`, text)
}

func TestEncodeJSON_SelfCycleThroughMap(t *testing.T) {
	codec := NewCodec(nil)

	m := map[string]any{}
	m["self"] = m

	_, err := codec.encodeJSON(reflect.ValueOf(m))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedType)
}

func TestPolymorphic_RoundTrip(t *testing.T) {
	RegisterPolymorphic("test.event", jsonEvent{})
	codec := NewCodec(nil)

	row, err := codec.Encode(jsonEnvelopeModel{
		ID:      "e-1",
		Payload: jsonEvent{Kind: "upload", Size: 42},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"@type":"test.event","value":{"kind":"upload","size":42}}`, row["payload"].(string))

	var decoded jsonEnvelopeModel
	require.NoError(t, codec.Decode(row, &decoded))
	assert.Equal(t, jsonEvent{Kind: "upload", Size: 42}, decoded.Payload)
}

func TestPolymorphic_PointerValue(t *testing.T) {
	RegisterPolymorphic("test.event", jsonEvent{})
	codec := NewCodec(nil)

	// A pointer to a registered value type resolves through indirection.
	row, err := codec.Encode(jsonEnvelopeModel{
		ID:      "e-2",
		Payload: &jsonEvent{Kind: "delete", Size: 7},
	})
	require.NoError(t, err)

	var decoded jsonEnvelopeModel
	require.NoError(t, codec.Decode(row, &decoded))
	assert.Equal(t, jsonEvent{Kind: "delete", Size: 7}, decoded.Payload)
}

func TestPolymorphic_UnregisteredType(t *testing.T) {
	codec := NewCodec(nil)

	_, err := codec.Encode(jsonEnvelopeModel{
		ID:      "e-3",
		Payload: struct{ X int }{X: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedType)
}

func TestPolymorphic_UnknownNameOnDecode(t *testing.T) {
	codec := NewCodec(nil)

	var decoded jsonEnvelopeModel
	err := codec.Decode(map[string]any{
		"payload": `{"@type":"test.never-registered","value":{}}`,
	}, &decoded)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedType)
}

func TestDecodeJSON_PlainShapes(t *testing.T) {
	codec := NewCodec(nil)

	// Interface content without an envelope decodes to generic JSON shapes.
	var decoded jsonEnvelopeModel
	require.NoError(t, codec.Decode(map[string]any{
		"payload": `{"weight":2.5}`,
	}, &decoded))
	assert.Equal(t, map[string]any{"weight": 2.5}, decoded.Payload)
}

func TestDecodeJSON_Null(t *testing.T) {
	codec := NewCodec(nil)

	chain := layoutLinked{Value: 9, Next: &layoutLinked{Value: 10}}

	row := map[string]any{"value": int64(9), "next": "null"}
	require.NoError(t, codec.Decode(row, &chain))
	assert.Nil(t, chain.Next)
}

func TestDecodeJSON_BytesInput(t *testing.T) {
	codec := NewCodec(nil)

	var decoded layoutLinked
	require.NoError(t, codec.Decode(map[string]any{
		"next": []byte(`{"Value":5,"Next":null}`),
	}, &decoded))
	require.NotNil(t, decoded.Next)
	assert.Equal(t, int64(5), decoded.Next.Value)
}

func TestRegisterPolymorphic_IgnoresInvalid(t *testing.T) {
	// Neither call may panic or register anything usable.
	RegisterPolymorphic("", jsonEvent{})
	RegisterPolymorphic("test.nil", nil)

	codec := NewCodec(nil)
	var decoded jsonEnvelopeModel
	err := codec.Decode(map[string]any{
		"payload": `{"@type":"test.nil","value":{}}`,
	}, &decoded)
	require.Error(t, err)
}
