package model

// Name is one street-name synonym. The first name of a record is its
// primary name.
type Name struct {
	Display   string `json:"display"`
	Tokenized string `json:"tokenized,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// TokenizeNames fills Tokenized on every name using ctx and drops names
// whose display is blank.
func TokenizeNames(ctx *Context, names []Name) []Name {
	out := make([]Name, 0, len(names))
	for _, n := range names {
		n.Tokenized = ctx.Tokenize(n.Display)
		if n.Tokenized == "" {
			continue
		}
		out = append(out, n)
	}
	return out
}

// UnionNames returns a followed by every name of b whose tokenized form is
// not already present. Order is preserved.
func UnionNames(a, b []Name) []Name {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]Name, 0, len(a)+len(b))
	for _, list := range [][]Name{a, b} {
		for _, n := range list {
			key := n.Tokenized
			if key == "" {
				key = n.Display
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// TokenSet returns the set of tokenized forms.
func TokenSet(names []Name) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n.Tokenized != "" {
			set[n.Tokenized] = struct{}{}
		}
	}
	return set
}
