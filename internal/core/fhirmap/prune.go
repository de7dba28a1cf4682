package fhirmap

import "sort"

// isEmptyValue reports whether a scalar counts as absent for both pruning
// and required field checks
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == "" || t == "None" || t == "null"
	default:
		return false
	}
}

// isEmptyNode extends isEmptyValue to exhausted containers, including a
// list holding nothing but a single empty object
func isEmptyNode(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return len(t) == 0
	case []any:
		if len(t) == 0 {
			return true
		}
		if len(t) == 1 {
			if m, ok := t[0].(map[string]any); ok && len(m) == 0 {
				return true
			}
		}
		return false
	default:
		return isEmptyValue(v)
	}
}

// Prune removes empty equivalents from a rendered resource bottom up.
// The second return reports whether the node itself pruned to nothing
func Prune(node any) (any, bool) {
	switch t := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			pv, empty := Prune(v)
			if empty {
				continue
			}
			out[k] = pv
		}
		return out, len(out) == 0
	case []any:
		out := make([]any, 0, len(t))
		for _, v := range t {
			pv, empty := Prune(v)
			if empty {
				continue
			}
			out = append(out, pv)
		}
		return out, isEmptyNode(out)
	default:
		return t, isEmptyValue(t)
	}
}

// EnforceOrder returns the top level key order for output: template keys
// first in authored order, then any extra fields the row introduced,
// alphabetically so output stays deterministic
func EnforceOrder(fields map[string]any, templateOrder []string) []string {
	seen := make(map[string]bool, len(templateOrder))
	order := make([]string, 0, len(fields))
	for _, k := range templateOrder {
		if _, ok := fields[k]; ok && !seen[k] {
			order = append(order, k)
			seen[k] = true
		}
	}
	var extras []string
	for k := range fields {
		if !seen[k] {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	return append(order, extras...)
}
