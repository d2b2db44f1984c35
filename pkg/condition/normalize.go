package condition

// Normalize rewrites a condition into the canonical form the planner
// consumes: OnField scopes are flattened into absolute paths, negations are
// pushed down to the leaves (De Morgan, operator duals), nested And/Or of the
// same kind are merged, and constant children are folded. The result matches
// exactly the records the input matches, and normalizing twice yields the
// same tree.
//
// Negation stops at operators with no exact dual (regex, substring and
// geo matches, size checks, OnKey, IfNotNull): those keep a Not wrapper and
// are evaluated in process.
func Normalize(c Condition) Condition {
	if c == nil {
		return Always{}
	}
	return normalize(c)
}

func normalize(c Condition) Condition {
	switch v := c.(type) {
	case Not:
		return normalizeNot(v.Inner)
	case OnField:
		return normalize(prefixPaths(v.Inner, v.Path))
	case And:
		return normalizeAnd(v.Children)
	case Or:
		return normalizeOr(v.Children)
	case ListAllElements:
		return ListAllElements{Path: v.Path, Inner: normalize(v.Inner)}
	case ListAnyElements:
		return ListAnyElements{Path: v.Path, Inner: normalize(v.Inner)}
	case SetAllElements:
		return SetAllElements{Path: v.Path, Inner: normalize(v.Inner)}
	case SetAnyElements:
		return SetAnyElements{Path: v.Path, Inner: normalize(v.Inner)}
	case OnKey:
		return OnKey{Path: v.Path, Key: v.Key, Inner: normalize(v.Inner)}
	case IfNotNull:
		return IfNotNull{Path: v.Path, Inner: normalize(v.Inner)}
	default:
		return c
	}
}

func normalizeAnd(children []Condition) Condition {
	var flat []Condition
	for _, child := range children {
		switch normalized := normalize(child).(type) {
		case Always:
			// identity element
		case Never:
			return Never{}
		case And:
			flat = append(flat, normalized.Children...)
		default:
			flat = append(flat, normalized)
		}
	}
	return AllOf(flat...)
}

func normalizeOr(children []Condition) Condition {
	var flat []Condition
	for _, child := range children {
		switch normalized := normalize(child).(type) {
		case Never:
			// identity element
		case Always:
			return Always{}
		case Or:
			flat = append(flat, normalized.Children...)
		default:
			flat = append(flat, normalized)
		}
	}
	return AnyOf(flat...)
}

// normalizeNot returns the normal form of Not{Inner: c}.
func normalizeNot(c Condition) Condition {
	switch v := c.(type) {
	case nil:
		return Never{}
	case Always:
		return Never{}
	case Never:
		return Always{}
	case Not:
		return normalize(v.Inner)
	case OnField:
		return normalizeNot(prefixPaths(v.Inner, v.Path))
	case And:
		negated := make([]Condition, len(v.Children))
		for i, child := range v.Children {
			negated[i] = Not{Inner: child}
		}
		return normalizeOr(negated)
	case Or:
		negated := make([]Condition, len(v.Children))
		for i, child := range v.Children {
			negated[i] = Not{Inner: child}
		}
		return normalizeAnd(negated)
	case Equal:
		return NotEqual{Path: v.Path, Value: v.Value}
	case NotEqual:
		return Equal{Path: v.Path, Value: v.Value}
	case GreaterThan:
		return LessThanOrEqual{Path: v.Path, Value: v.Value}
	case GreaterThanOrEqual:
		return LessThan{Path: v.Path, Value: v.Value}
	case LessThan:
		return GreaterThanOrEqual{Path: v.Path, Value: v.Value}
	case LessThanOrEqual:
		return GreaterThan{Path: v.Path, Value: v.Value}
	case Inside:
		return NotInside{Path: v.Path, Values: v.Values}
	case NotInside:
		return Inside{Path: v.Path, Values: v.Values}
	case IntBitsClear:
		return IntBitsAnySet{Path: v.Path, Mask: v.Mask}
	case IntBitsSet:
		return IntBitsAnyClear{Path: v.Path, Mask: v.Mask}
	case IntBitsAnyClear:
		return IntBitsSet{Path: v.Path, Mask: v.Mask}
	case IntBitsAnySet:
		return IntBitsClear{Path: v.Path, Mask: v.Mask}
	case ListAllElements:
		return ListAnyElements{Path: v.Path, Inner: normalizeNot(v.Inner)}
	case ListAnyElements:
		return ListAllElements{Path: v.Path, Inner: normalizeNot(v.Inner)}
	case SetAllElements:
		return SetAnyElements{Path: v.Path, Inner: normalizeNot(v.Inner)}
	case SetAnyElements:
		return SetAllElements{Path: v.Path, Inner: normalizeNot(v.Inner)}
	default:
		return Not{Inner: normalize(c)}
	}
}

// prefixPaths rewrites every absolute column path in c under prefix. Paths
// inside element-relative scopes (quantifiers, OnKey, IfNotNull) stay
// relative to their element and are left alone; only the scope's own path is
// joined.
func prefixPaths(c Condition, prefix string) Condition {
	if prefix == "" {
		return c
	}
	switch v := c.(type) {
	case nil, Always, Never:
		return c
	case And:
		rewritten := make([]Condition, len(v.Children))
		for i, child := range v.Children {
			rewritten[i] = prefixPaths(child, prefix)
		}
		return And{Children: rewritten}
	case Or:
		rewritten := make([]Condition, len(v.Children))
		for i, child := range v.Children {
			rewritten[i] = prefixPaths(child, prefix)
		}
		return Or{Children: rewritten}
	case Not:
		return Not{Inner: prefixPaths(v.Inner, prefix)}
	case OnField:
		return OnField{Path: joinPath(prefix, v.Path), Inner: v.Inner}
	case Equal:
		return Equal{Path: joinPath(prefix, v.Path), Value: v.Value}
	case NotEqual:
		return NotEqual{Path: joinPath(prefix, v.Path), Value: v.Value}
	case GreaterThan:
		return GreaterThan{Path: joinPath(prefix, v.Path), Value: v.Value}
	case GreaterThanOrEqual:
		return GreaterThanOrEqual{Path: joinPath(prefix, v.Path), Value: v.Value}
	case LessThan:
		return LessThan{Path: joinPath(prefix, v.Path), Value: v.Value}
	case LessThanOrEqual:
		return LessThanOrEqual{Path: joinPath(prefix, v.Path), Value: v.Value}
	case Inside:
		return Inside{Path: joinPath(prefix, v.Path), Values: v.Values}
	case NotInside:
		return NotInside{Path: joinPath(prefix, v.Path), Values: v.Values}
	case StringContains:
		return StringContains{Path: joinPath(prefix, v.Path), Substring: v.Substring, IgnoreCase: v.IgnoreCase}
	case RegexMatches:
		return RegexMatches{Path: joinPath(prefix, v.Path), Pattern: v.Pattern}
	case FullTextSearch:
		return FullTextSearch{Path: joinPath(prefix, v.Path), Query: v.Query, IgnoreCase: v.IgnoreCase, RequireAll: v.RequireAll}
	case GeoDistance:
		return GeoDistance{Path: joinPath(prefix, v.Path), Center: v.Center, WithinMeters: v.WithinMeters}
	case IntBitsClear:
		return IntBitsClear{Path: joinPath(prefix, v.Path), Mask: v.Mask}
	case IntBitsSet:
		return IntBitsSet{Path: joinPath(prefix, v.Path), Mask: v.Mask}
	case IntBitsAnyClear:
		return IntBitsAnyClear{Path: joinPath(prefix, v.Path), Mask: v.Mask}
	case IntBitsAnySet:
		return IntBitsAnySet{Path: joinPath(prefix, v.Path), Mask: v.Mask}
	case ListAllElements:
		return ListAllElements{Path: joinPath(prefix, v.Path), Inner: v.Inner}
	case ListAnyElements:
		return ListAnyElements{Path: joinPath(prefix, v.Path), Inner: v.Inner}
	case SetAllElements:
		return SetAllElements{Path: joinPath(prefix, v.Path), Inner: v.Inner}
	case SetAnyElements:
		return SetAnyElements{Path: joinPath(prefix, v.Path), Inner: v.Inner}
	case ListSizeIs:
		return ListSizeIs{Path: joinPath(prefix, v.Path), Size: v.Size}
	case SetSizeIs:
		return SetSizeIs{Path: joinPath(prefix, v.Path), Size: v.Size}
	case HasKey:
		return HasKey{Path: joinPath(prefix, v.Path), Key: v.Key}
	case OnKey:
		return OnKey{Path: joinPath(prefix, v.Path), Key: v.Key, Inner: v.Inner}
	case IfNotNull:
		return IfNotNull{Path: joinPath(prefix, v.Path), Inner: v.Inner}
	default:
		return c
	}
}

func joinPath(prefix, path string) string {
	if path == "" {
		return prefix
	}
	return prefix + "." + path
}
