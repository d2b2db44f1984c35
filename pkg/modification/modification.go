// Package modification defines the typed update algebra: a Modification
// describes how to rewrite a value, and Apply executes it purely, returning a
// fresh value and leaving the input untouched.
//
// Modifications are value-level: Assign, Increment and the collection edits
// operate on the value they are applied to, and OnField scopes a
// modification into a named field. Inside ListPerElement and SetPerElement
// the Match condition and Then modification see one element at a time.
package modification

import (
	"github.com/theory-cloud/cqltheory/pkg/condition"
)

// Modification is the sealed root of the update algebra.
type Modification interface {
	modificationNode()
}

// Assign replaces the value with Value; nil assigns null (the zero value).
type Assign struct {
	Value any
}

// Unassign resets the value to its zero form (nil for pointers and
// collections).
type Unassign struct{}

// Chain applies modifications in order; later ones see the effect of earlier
// ones.
type Chain struct {
	Mods []Modification
}

// OnField applies Inner to the field at the dotted Path. The path must exist
// on the model.
type OnField struct {
	Inner Modification
	Path  string
}

// IfNotNull applies Inner to the field at Path only when it is non-null; a
// null or missing field is left untouched, never an error.
type IfNotNull struct {
	Inner Modification
	Path  string
}

// Increment adds By to a numeric value, keeping its concrete type.
// A null numeric reads as zero before the add.
type Increment struct {
	By any
}

// ListAppend appends Values to a list.
type ListAppend struct {
	Values []any
}

// ListRemove removes every occurrence of each of Values from a list.
type ListRemove struct {
	Values []any
}

// SetAppend adds Values to a set, skipping ones already present.
type SetAppend struct {
	Values []any
}

// SetRemove removes Values from a set.
type SetRemove struct {
	Values []any
}

// ListPerElement applies Then to each list element matching Match; condition
// and modification paths are relative to the element.
type ListPerElement struct {
	Match condition.Condition
	Then  Modification
}

// SetPerElement applies Then to each set element matching Match. Rewritten
// elements are re-added under their new value.
type SetPerElement struct {
	Match condition.Condition
	Then  Modification
}

func (Assign) modificationNode()         {}
func (Unassign) modificationNode()       {}
func (Chain) modificationNode()          {}
func (OnField) modificationNode()        {}
func (IfNotNull) modificationNode()      {}
func (Increment) modificationNode()      {}
func (ListAppend) modificationNode()     {}
func (ListRemove) modificationNode()     {}
func (SetAppend) modificationNode()      {}
func (SetRemove) modificationNode()      {}
func (ListPerElement) modificationNode() {}
func (SetPerElement) modificationNode()  {}

// AffectedPaths lists the dotted column paths a modification writes, for
// computed-column invalidation and serialization scoping. The empty path
// means the value itself: a root-level Assign affects everything.
func AffectedPaths(mod Modification) []string {
	collected := affectedPaths(mod, "")
	seen := make(map[string]struct{}, len(collected))
	unique := collected[:0]
	for _, path := range collected {
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		unique = append(unique, path)
	}
	return unique
}

func affectedPaths(mod Modification, prefix string) []string {
	switch v := mod.(type) {
	case Chain:
		var paths []string
		for _, m := range v.Mods {
			paths = append(paths, affectedPaths(m, prefix)...)
		}
		return paths
	case OnField:
		return affectedPaths(v.Inner, joinPath(prefix, v.Path))
	case IfNotNull:
		return affectedPaths(v.Inner, joinPath(prefix, v.Path))
	default:
		return []string{prefix}
	}
}

// Touches reports whether any affected path writes the given column path: an
// affected prefix covers all paths beneath it, and the empty path covers
// everything.
func Touches(affected []string, path string) bool {
	for _, a := range affected {
		if a == "" || a == path {
			return true
		}
		if len(path) > len(a) && path[:len(a)] == a && path[len(a)] == '.' {
			return true
		}
		// Writing a nested field also rewrites its parents' serialized form.
		if len(a) > len(path) && a[:len(path)] == path && a[len(path)] == '.' {
			return true
		}
	}
	return false
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	default:
		return prefix + "." + path
	}
}
