// Package aql builds executable AQL from per-resource query templates.
//
// Templates use the same {{name}} placeholders as the resource mappings.
// Time windowing is opt-in per resource: when enabled the template must
// carry both window placeholders, when disabled the upper bound clause is
// excised so the query scans everything
package aql

import (
	"strings"

	perr "ehrbridge/internal/platform/errors"
)

const (
	// PlaceholderLastRun and PlaceholderEndRun bound the fetch window
	PlaceholderLastRun = "{{last_run_time}}"
	PlaceholderEndRun  = "{{end_run_time}}"

	// windowUpperClause is the exact clause removed when windowing is off
	windowUpperClause = "AND c/context/start_time/value < '{{end_run_time}}'"
)

// Params are the substitution values for one query build
type Params map[string]string

// Build renders a query template into a single line AQL statement.
// Every placeholder must resolve; leftovers are an error so a typo in a
// template or a missing parameter fails loudly instead of reaching the server
func Build(tpl string, params Params, windowing bool) (string, error) {
	q := strings.TrimSpace(tpl)
	if q == "" {
		return "", perr.Configf("empty query template")
	}

	if windowing {
		if !strings.Contains(q, PlaceholderLastRun) || !strings.Contains(q, PlaceholderEndRun) {
			return "", perr.Configf("windowed query template must contain %s and %s", PlaceholderLastRun, PlaceholderEndRun)
		}
	} else {
		q = strings.ReplaceAll(q, windowUpperClause, "")
	}

	for name, val := range params {
		q = strings.ReplaceAll(q, "{{"+name+"}}", val)
	}

	if i := strings.Index(q, "{{"); i >= 0 {
		end := strings.Index(q[i:], "}}")
		if end < 0 {
			end = len(q) - i - 2
		}
		return "", perr.Configf("unresolved query placeholder %s", q[i:i+end+2])
	}

	// collapse authoring whitespace so the statement logs on one line
	return strings.Join(strings.Fields(q), " "), nil
}
