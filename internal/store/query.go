package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
)

// bindToken matches "$name" placeholders inside a recipe expression.
var bindToken = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteBindings interpolates named bindings into a gjson path/predicate
// string. Strings are quoted (gjson predicate syntax accepts double-quoted
// string literals); numbers and bools are inlined as-is. A binding with no
// entry is left untouched, which simply fails to match anything downstream —
// callers see that as "no result," not a crash.
func substituteBindings(expr string, bindings map[string]any) string {
	return bindToken.ReplaceAllStringFunc(expr, func(tok string) string {
		name := tok[1:]
		v, ok := bindings[name]
		if !ok {
			return tok
		}
		switch t := v.(type) {
		case string:
			return strconv.Quote(t)
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case bool:
			return strconv.FormatBool(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return tok
			}
			return string(b)
		}
	})
}

// evalExpression runs a (binding-substituted) gjson path against the whole
// store tree and returns the matched value plus whether anything matched.
func evalExpression(treeJSON []byte, expr string, bindings map[string]any) (any, bool) {
	path := substituteBindings(expr, bindings)
	res := gjson.GetBytes(treeJSON, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// referencePattern parses a Modify recipe's Reference field:
//
//	"<collection>#(<field>==$<bind>)"
//
// This is a deliberately narrow grammar (see DESIGN.md) covering the one
// shape spec.md's reference contract needs: "evaluate to {index, record}
// for a given bound ref." General query expressions (recipe.Expression)
// use the full gjson path grammar above; only the reference lookup needs
// the array index, which gjson's match syntax does not expose directly.
var referencePattern = regexp.MustCompile(`^(\w+)#\((\w+)==\$(\w+)\)$`)

// resolveReference finds the record in recipe.Collection whose Reference
// field matches the bound ref value. Returns found=false if no reference
// pattern is configured, the collection is missing, or nothing matches.
func resolveReference(tree map[string]any, recipe Recipe, ref any) (idx int, record map[string]any, found bool, err error) {
	if recipe.Reference == "" {
		// Insert-only recipe: no existing-record lookup configured.
		return 0, nil, false, nil
	}
	m := referencePattern.FindStringSubmatch(recipe.Reference)
	if m == nil {
		return 0, nil, false, fmt.Errorf("store: malformed reference expression %q", recipe.Reference)
	}
	collName, field := m[1], m[2]
	raw, ok := tree[collName]
	if !ok {
		return 0, nil, false, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return 0, nil, false, fmt.Errorf("store: collection %q is not an array", collName)
	}
	if ref == nil {
		return 0, nil, false, nil
	}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if valuesEqual(obj[field], ref) {
			return i, obj, true, nil
		}
	}
	return 0, nil, false, nil
}

// valuesEqual compares JSON scalar values loosely across the string/float64
// boundary encoding/json introduces (a bound "5" and a stored 5.0 should
// still match a reference lookup).
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	// Fall back to string comparison of both sides.
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// applyLimit implements spec.md §4.1's limit rule: positive = head slice,
// negative = tail slice, zero = unchanged.
func applyLimit(v any, limit int) any {
	arr, ok := v.([]any)
	if !ok || limit == 0 {
		return v
	}
	if limit > 0 {
		if limit > len(arr) {
			limit = len(arr)
		}
		return arr[:limit]
	}
	n := -limit
	if n > len(arr) {
		n = len(arr)
	}
	return arr[len(arr)-n:]
}

// applyHeader prepends the recipe's header record to an array query result.
func applyHeader(v any, header any) any {
	if header == nil {
		return v
	}
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, 0, len(arr)+1)
	out = append(out, header)
	out = append(out, arr...)
	return out
}

// applyFilterToValue runs the recipe filter over either a single object or
// every element of an array result.
func applyFilterToValue(v any, f *FilterSpec) any {
	if f == nil {
		return v
	}
	if arr, ok := v.([]any); ok {
		out := make([]any, len(arr))
		for i, item := range arr {
			out[i] = f.Apply(item)
		}
		return out
	}
	return f.Apply(v)
}
