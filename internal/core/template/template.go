// Package template renders resource mapping templates against flat result rows.
//
// The syntax is deliberately tiny: a string leaf may contain any number of
// {{name}} placeholders where name is an identifier with optional dotted path
// segments. There is no logic, no filters, no loops. Maps and lists recurse.
// A placeholder that resolves to nothing renders as the empty string so that
// pruning can drop the surrounding structure later.
package template

import (
	"fmt"
	"regexp"
	"strings"

	perr "ehrbridge/internal/platform/errors"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}\}`)
	// anything brace-delimited that the placeholder pattern does not cover
	braceRe = regexp.MustCompile(`\{\{.*?\}\}`)
)

// Vars is the substitution source for a single row
type Vars map[string]any

// Lookup resolves a dotted path into the row, descending through nested maps.
// A segment that misses is retried lowercased, because staging columns are
// stored lowercased regardless of how the AQL alias was written. Missing
// segments resolve to (nil, false)
func (v Vars) Lookup(path string) (any, bool) {
	var cur any = map[string]any(v)
	for seg := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			cur, ok = m[strings.ToLower(seg)]
		}
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Render walks a template node and substitutes placeholders from vars.
// String leaves that consist of exactly one placeholder pass the resolved
// value through unchanged, so structured values survive without a string
// round trip. Mixed strings stringify each resolved value in place
func Render(node any, vars Vars) (any, error) {
	switch t := node.(type) {
	case string:
		return renderString(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			rv, err := Render(v, vars)
			if err != nil {
				return nil, perr.Wrapf(err, perr.ErrorCodeValidation, "template key %q", k)
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(t))
		for i, v := range t {
			rv, err := Render(v, vars)
			if err != nil {
				return nil, perr.Wrapf(err, perr.ErrorCodeValidation, "template index %d", i)
			}
			out = append(out, rv)
		}
		return out, nil
	default:
		// numbers, bools, nils pass through untouched
		return t, nil
	}
}

func renderString(s string, vars Vars) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	if err := checkDirectives(s); err != nil {
		return nil, err
	}

	// whole-string single placeholder keeps the value's native type
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		v, ok := vars.Lookup(m[1])
		if !ok || v == nil {
			return "", nil
		}
		return v, nil
	}

	out := placeholderRe.ReplaceAllStringFunc(s, func(ph string) string {
		name := placeholderRe.FindStringSubmatch(ph)[1]
		v, ok := vars.Lookup(name)
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
	return out, nil
}

// checkDirectives rejects brace expressions that are not plain placeholders,
// eg {{#each}} or {{ a | upper }}, so template typos surface at load time
// instead of silently rendering literal braces
func checkDirectives(s string) error {
	stripped := placeholderRe.ReplaceAllString(s, "")
	if bad := braceRe.FindString(stripped); bad != "" {
		return perr.Validationf("unsupported template directive %q", bad)
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// integral floats print without the trailing .0
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
