package condition

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
	"github.com/google/uuid"

	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/pkg/errors"
)

// SortField names one column of an in-process sort order.
type SortField struct {
	Path       string
	Descending bool
}

// Compare orders two field values: -1 when a sorts before b, 0 when equal,
// +1 when after. Numbers compare across integer and float widths, nil sorts
// before everything, and UUIDs compare by their byte form. Values of
// incomparable kinds return ErrInvalidOperator.
func Compare(a, b any) (int, error) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, nil
		case a == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}

	if fa, ok := numutil.Float64Of(a); ok {
		fb, ok := numutil.Float64Of(b)
		if !ok {
			return 0, incomparable(a, b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}

	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, incomparable(a, b)
		}
		return strings.Compare(va, vb), nil
	case bool:
		vb, ok := b.(bool)
		if !ok {
			return 0, incomparable(a, b)
		}
		switch {
		case va == vb:
			return 0, nil
		case !va:
			return -1, nil
		default:
			return 1, nil
		}
	case time.Time:
		vb, ok := b.(time.Time)
		if !ok {
			return 0, incomparable(a, b)
		}
		return va.Compare(vb), nil
	case []byte:
		vb, ok := b.([]byte)
		if !ok {
			return 0, incomparable(a, b)
		}
		return bytes.Compare(va, vb), nil
	}

	if ba, ok := uuidBytes(a); ok {
		bb, ok := uuidBytes(b)
		if !ok {
			return 0, incomparable(a, b)
		}
		return bytes.Compare(ba[:], bb[:]), nil
	}

	return 0, incomparable(a, b)
}

// Equivalent reports whether two field values are equal under Compare,
// falling back to plain equality for kinds Compare does not order.
func Equivalent(a, b any) bool {
	if cmp, err := Compare(a, b); err == nil {
		return cmp == 0
	}
	return a == b
}

// RowComparator builds a comparator over flattened rows for
// slices.SortStableFunc. Missing and null columns sort first; values the
// comparator cannot order are treated as equal so the sort stays stable.
func RowComparator(fields []SortField) func(a, b map[string]any) int {
	return func(a, b map[string]any) int {
		for _, field := range fields {
			cmp, err := Compare(a[field.Path], b[field.Path])
			if err != nil || cmp == 0 {
				continue
			}
			if field.Descending {
				return -cmp
			}
			return cmp
		}
		return 0
	}
}

func uuidBytes(v any) ([16]byte, bool) {
	switch u := v.(type) {
	case uuid.UUID:
		return u, true
	case gocql.UUID:
		return u, true
	case [16]byte:
		return u, true
	default:
		return [16]byte{}, false
	}
}

func incomparable(a, b any) error {
	return errors.NewErrorWithContext("compare", "", errors.ErrInvalidOperator, map[string]any{
		"left":  fmt.Sprintf("%T", a),
		"right": fmt.Sprintf("%T", b),
	})
}
