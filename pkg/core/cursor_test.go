package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

func TestCursor_RoundTrip(t *testing.T) {
	encoded := EncodeCursor([]byte{0x01, 0x02, 0xff}, "plan-1")
	require.NotEmpty(t, encoded)

	cursor, err := DecodeCursor(encoded, "plan-1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, cursor.PagingState)
	assert.Equal(t, "plan-1", cursor.PlanHash)
}

func TestCursor_EmptyStateMeansNoCursor(t *testing.T) {
	assert.Empty(t, EncodeCursor(nil, "plan-1"))
	assert.Empty(t, EncodeCursor([]byte{}, "plan-1"))

	cursor, err := DecodeCursor("", "plan-1")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestCursor_RejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!", "plan-1")
	assert.ErrorIs(t, err, errors.ErrInvalidCursor)

	// Valid base64, but not a cursor payload.
	_, err = DecodeCursor("bm90LWpzb24=", "plan-1")
	assert.ErrorIs(t, err, errors.ErrInvalidCursor)
}

func TestCursor_RejectsForeignPlan(t *testing.T) {
	encoded := EncodeCursor([]byte("state"), "plan-1")

	_, err := DecodeCursor(encoded, "plan-2")
	assert.ErrorIs(t, err, errors.ErrInvalidCursor)
}
