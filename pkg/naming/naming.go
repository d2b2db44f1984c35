// Package naming resolves model field names to CQL column names.
package naming

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"
)

// Convention represents the naming convention for CQL column names.
type Convention int

const (
	// SnakeCase convention: "first_name", "created_at". The default for CQL,
	// whose unquoted identifiers are case-insensitive.
	SnakeCase Convention = 0
	// CamelCase convention: "firstName", "createdAt". Usable because every
	// generated identifier is double-quoted.
	CamelCase Convention = 1
)

// ExistsMarker is the reserved sub-column recording whether a nullable
// embedded value is present; IDMarker is the reserved leaf naming a value's
// own identity inside a flattened prefix.
const (
	ExistsMarker = "_exists"
	IDMarker     = "_id"
)

var camelCasePattern = regexp.MustCompile(`^[a-z_][A-Za-z0-9]*$`)
var snakeCasePattern = regexp.MustCompile(`^[a-z_][a-z0-9]*(_[a-z0-9]+)*$`)

// ResolveColumnName determines the CQL column name for a field using SnakeCase convention.
// It returns the column name and a bool indicating whether the field should be skipped.
func ResolveColumnName(field reflect.StructField) (string, bool) {
	return ResolveColumnNameWithConvention(field, SnakeCase)
}

// ResolveColumnNameWithConvention determines the CQL column name for a field using the specified convention.
// It returns the column name and a bool indicating whether the field should be skipped.
func ResolveColumnNameWithConvention(field reflect.StructField, convention Convention) (string, bool) {
	tag := field.Tag.Get("cql")
	if tag == "-" {
		return "", true
	}

	if col := columnFromTag(tag); col != "" {
		return col, false
	}

	return ConvertColumnName(field.Name, convention), false
}

// ToCamelCase converts a Go struct field name to a camelCase column name.
func ToCamelCase(name string) string {
	if name == "" {
		return ""
	}

	runes := []rune(name)
	if len(runes) == 1 {
		return strings.ToLower(name)
	}

	boundary := 1
	for boundary < len(runes) {
		if !unicode.IsUpper(runes[boundary]) {
			break
		}

		if boundary+1 < len(runes) && !unicode.IsUpper(runes[boundary+1]) {
			break
		}

		boundary++
	}

	prefix := strings.ToLower(string(runes[:boundary]))
	return prefix + string(runes[boundary:])
}

// ToSnakeCase converts a Go struct field name to a snake_case column name.
// It uses smart acronym handling: "URLValue" → "url_value", "ID" → "id", "UserID" → "user_id".
func ToSnakeCase(name string) string {
	if name == "" {
		return ""
	}

	runes := []rune(name)
	if len(runes) == 1 {
		return strings.ToLower(name)
	}

	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	for i, ch := range runes {
		if unicode.IsUpper(ch) {
			if i > 0 {
				prev := runes[i-1]
				nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if !unicode.IsDigit(prev) && (unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextIsLower)) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(ch))
			continue
		}
		b.WriteRune(unicode.ToLower(ch))
	}

	return b.String()
}

// ConvertColumnName converts a field name to the appropriate naming convention.
func ConvertColumnName(name string, convention Convention) string {
	switch convention {
	case CamelCase:
		return ToCamelCase(name)
	case SnakeCase:
		fallthrough
	default:
		return ToSnakeCase(name)
	}
}

// ValidateColumnName enforces the naming convention for CQL column names.
// Dotted path segments (flattened embedded fields) are validated per segment;
// the reserved "_id" and "_exists" leaves are always allowed.
func ValidateColumnName(name string, convention Convention) error {
	if name == "" {
		return fmt.Errorf("column name cannot be empty")
	}

	for _, segment := range strings.Split(name, ".") {
		if segment == "" {
			return fmt.Errorf("column name %q has an empty path segment", name)
		}
		if segment == IDMarker || segment == ExistsMarker {
			continue
		}

		switch convention {
		case CamelCase:
			if !camelCasePattern.MatchString(segment) {
				return fmt.Errorf("column name must be camelCase (got %q)", segment)
			}
		case SnakeCase:
			fallthrough
		default:
			if !snakeCasePattern.MatchString(segment) {
				return fmt.Errorf("column name must be snake_case (got %q)", segment)
			}
		}
	}

	return nil
}

func columnFromTag(tag string) string {
	if tag == "" {
		return ""
	}

	parts := strings.Split(tag, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "name:") {
			return strings.TrimPrefix(part, "name:")
		}
		// Only the bare first token names the column, matching encoding/json
		// tag shape; later tokens are options.
		if i == 0 {
			return part
		}
	}
	return ""
}

// TagOption reports whether the cql tag carries the given comma-separated option,
// e.g. `cql:"tags,set"` → TagOption(field, "set") == true.
func TagOption(field reflect.StructField, option string) bool {
	tag := field.Tag.Get("cql")
	if tag == "" {
		return false
	}

	parts := strings.Split(tag, ",")
	for i, part := range parts {
		if i == 0 {
			continue
		}
		if strings.TrimSpace(part) == option {
			return true
		}
	}
	return false
}
