package store

// Recipe is a named instruction for a Query or a Modify (spec.md §3).
//
// Expression/Reference are JSONPath-like strings evaluated by the query
// engine in query.go (built on github.com/tidwall/gjson): `$name` tokens are
// substituted with a caller-supplied binding before the gjson path is run.
// Unique is narrowed from a free-form "expression" to a small enum — see
// DESIGN.md — since every recipe observed in the pack's retrieved config
// shapes needs only one of three primary-key strategies.
type Recipe struct {
	Name       string            `json:"name"`
	Auth       []string          `json:"auth,omitempty"`
	Expression string            `json:"expression,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Reference  string            `json:"reference,omitempty"`
	Unique     *UniqueSpec       `json:"unique,omitempty"`
	Defaults   any               `json:"defaults,omitempty"`
	Filter     *FilterSpec       `json:"filter,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Header     any               `json:"header,omitempty"`
}

// UniqueSpec assigns a new primary key on insert. Strategy is one of:
// "uuid" (random google/uuid v4), "seq" (len(collection)+1), or "field"
// (copy Key's value from the record being inserted — fails the insert if
// absent, per the Open Question decision in DESIGN.md).
type UniqueSpec struct {
	Key      string `json:"key"`
	Strategy string `json:"strategy"`
}

// FilterSpec is a safe-data allowlist: only the named fields pass through in
// either direction. A nil FilterSpec passes everything through unchanged.
type FilterSpec struct {
	Allow []string `json:"allow"`
}

// Apply returns a copy of v containing only allowlisted top-level fields.
// Non-object values pass through unchanged (the filter only constrains
// object field sets, per spec.md §3 "constraining which fields ... pass
// through").
func (f *FilterSpec) Apply(v any) any {
	if f == nil || len(f.Allow) == 0 {
		return v
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	allowed := make(map[string]bool, len(f.Allow))
	for _, k := range f.Allow {
		allowed[k] = true
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		if allowed[k] {
			out[k] = val
		}
	}
	return out
}

// HasAuth reports whether the recipe restricts access to a group set.
func (r Recipe) HasAuth() bool { return len(r.Auth) > 0 }

// Authorized reports whether a caller holding the given groups may use this
// recipe. Absence of Auth means open access; "admin" always passes.
func (r Recipe) Authorized(groups []string) bool {
	if !r.HasAuth() {
		return true
	}
	allowed := make(map[string]bool, len(r.Auth))
	for _, g := range r.Auth {
		allowed[g] = true
	}
	for _, g := range groups {
		if g == "admin" || allowed[g] {
			return true
		}
	}
	return false
}
