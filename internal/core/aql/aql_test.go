package aql

import (
	"strings"
	"testing"
)

const tpl = `
	SELECT c/uid/value AS composition_id
	FROM EHR e CONTAINS COMPOSITION c
	WHERE c/name/value = '{{composition_name}}'
	AND c/context/start_time/value >= '{{last_run_time}}'
	AND c/context/start_time/value < '{{end_run_time}}'
	OFFSET {{offset}} LIMIT {{limit}}
`

func baseParams() Params {
	return Params{
		"composition_name": "Blood Pressure",
		"last_run_time":    "2023-01-01T00:00:00",
		"end_run_time":     "2023-01-01T01:00:00",
		"offset":           "0",
		"limit":            "100",
	}
}

func TestBuildWindowed(t *testing.T) {
	q, err := Build(tpl, baseParams(), true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(q, "{{") {
		t.Fatalf("unresolved placeholder in %q", q)
	}
	if strings.Contains(q, "\n") || strings.Contains(q, "\t") || strings.Contains(q, "  ") {
		t.Fatalf("whitespace not collapsed: %q", q)
	}
	if !strings.Contains(q, "'2023-01-01T00:00:00'") || !strings.Contains(q, "< '2023-01-01T01:00:00'") {
		t.Fatalf("window bounds missing: %q", q)
	}
}

func TestBuildWindowingOffExcisesUpperBound(t *testing.T) {
	p := baseParams()
	delete(p, "end_run_time")
	q, err := Build(tpl, p, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(q, "end_run_time") {
		t.Fatalf("upper bound clause not removed: %q", q)
	}
	if !strings.Contains(q, ">= '2023-01-01T00:00:00'") {
		t.Fatalf("lower bound missing: %q", q)
	}
}

func TestBuildWindowedRequiresPlaceholders(t *testing.T) {
	bad := `SELECT c FROM EHR e CONTAINS COMPOSITION c WHERE c/name/value = '{{composition_name}}'`
	if _, err := Build(bad, baseParams(), true); err == nil {
		t.Fatal("expected error for windowed template without window placeholders")
	}
}

func TestBuildUnresolvedPlaceholderFails(t *testing.T) {
	p := baseParams()
	delete(p, "limit")
	if _, err := Build(tpl, p, true); err == nil {
		t.Fatal("expected error for unresolved placeholder")
	}
}

func TestBuildEmptyTemplateFails(t *testing.T) {
	if _, err := Build("   ", baseParams(), false); err == nil {
		t.Fatal("expected error for empty template")
	}
}
