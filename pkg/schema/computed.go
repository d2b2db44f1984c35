package schema

import (
	"strings"

	"github.com/theory-cloud/cqltheory/internal/numutil"
	"github.com/theory-cloud/cqltheory/pkg/errors"
	"github.com/theory-cloud/cqltheory/pkg/geo"
)

// ApplyComputed fills every computed column of the row from its source
// columns. A null or absent source nulls the derived columns; a source of
// the wrong dynamic type is an error.
func (d *Descriptor) ApplyComputed(row map[string]any) error {
	for i := range d.Computed {
		if err := d.Computed[i].apply(row); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeTouched fills only the computed columns whose sources intersect
// the given affected paths (as reported by a modification).
func (d *Descriptor) RecomputeTouched(row map[string]any, touches func(source string) bool) error {
	for i := range d.Computed {
		c := &d.Computed[i]
		hit := false
		for _, source := range c.Sources {
			if touches(source) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if err := c.apply(row); err != nil {
			return err
		}
	}
	return nil
}

func (c *ComputedColumn) apply(row map[string]any) error {
	switch c.Kind {
	case ComputedLower:
		value, ok, err := c.sourceText(row, c.Sources[0])
		if err != nil {
			return err
		}
		if !ok {
			row[c.Name] = nil
			return nil
		}
		row[c.Name] = strings.ToLower(value)
		return nil

	case ComputedReverse:
		value, ok, err := c.sourceText(row, c.Sources[0])
		if err != nil {
			return err
		}
		if !ok {
			row[c.Name] = nil
			return nil
		}
		row[c.Name] = reverseString(value)
		return nil

	case ComputedGeohash:
		lat, latOK, err := c.sourceNumber(row, c.Sources[0])
		if err != nil {
			return err
		}
		lon, lonOK, err := c.sourceNumber(row, c.Sources[1])
		if err != nil {
			return err
		}
		if !latOK || !lonOK {
			for _, stored := range c.StoredColumns() {
				row[stored] = nil
			}
			return nil
		}
		for p, prefix := range geo.Staircase(lat, lon, c.Precision) {
			row[c.StaircaseColumn(p+1)] = prefix
		}
		return nil

	default:
		return errors.NewErrorWithContext("compute", "", errors.ErrUnsupportedType, map[string]any{
			"computed": c.Name,
		})
	}
}

func (c *ComputedColumn) sourceText(row map[string]any, source string) (string, bool, error) {
	value, present := row[source]
	if !present || value == nil {
		return "", false, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", false, errors.NewErrorWithContext("compute", "", errors.ErrUnsupportedType, map[string]any{
			"computed": c.Name,
			"source":   source,
		})
	}
	return text, true, nil
}

func (c *ComputedColumn) sourceNumber(row map[string]any, source string) (float64, bool, error) {
	value, present := row[source]
	if !present || value == nil {
		return 0, false, nil
	}
	f, ok := numutil.Float64Of(value)
	if !ok {
		return 0, false, errors.NewErrorWithContext("compute", "", errors.ErrUnsupportedType, map[string]any{
			"computed": c.Name,
			"source":   source,
		})
	}
	return f, true, nil
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
