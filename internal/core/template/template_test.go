package template

import (
	"reflect"
	"testing"
)

func TestRenderStringSubstitution(t *testing.T) {
	vars := Vars{"patient_id": "p-1", "unit": "mg"}
	got, err := Render("Patient/{{patient_id}} ({{unit}})", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Patient/p-1 (mg)" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderMissingVarEmpty(t *testing.T) {
	got, err := Render("x={{nope}}", Vars{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "x=" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderWholePlaceholderKeepsType(t *testing.T) {
	prov := []any{map[string]any{"type": "permit"}}
	got, err := Render("{{provision}}", Vars{"provision": prov})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !reflect.DeepEqual(got, prov) {
		t.Fatalf("got %#v", got)
	}
}

func TestLookupFoldsCaseToStoredColumns(t *testing.T) {
	// staging lowercases column names, so a mixed-case placeholder must
	// still find its lowercased column
	vars := Vars{"effectivedatetime": "2023-04-01T12:30:45"}
	got, err := Render("{{effectiveDateTime}}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "2023-04-01T12:30:45" {
		t.Fatalf("got %q", got)
	}

	if _, ok := vars.Lookup("EffectiveDateTime"); !ok {
		t.Fatal("lookup missed lowercased column")
	}
}

func TestRenderDottedPath(t *testing.T) {
	vars := Vars{"code": map[string]any{"system": "LOINC"}}
	got, err := Render("{{code.system}}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "LOINC" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderRecursesMapsAndLists(t *testing.T) {
	tpl := map[string]any{
		"resourceType": "Observation",
		"code": map[string]any{
			"coding": []any{
				map[string]any{"system": "{{code_system}}", "code": "{{code}}"},
			},
		},
	}
	got, err := Render(tpl, Vars{"code_system": "LOINC", "code": "1234-5"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	m := got.(map[string]any)
	coding := m["code"].(map[string]any)["coding"].([]any)[0].(map[string]any)
	if coding["system"] != "LOINC" || coding["code"] != "1234-5" {
		t.Fatalf("got %#v", coding)
	}
}

func TestRenderRejectsUnknownDirective(t *testing.T) {
	if _, err := Render("{{#each items}}", Vars{}); err == nil {
		t.Fatal("expected directive error")
	}
	if _, err := Render("{{ name | upper }}", Vars{}); err == nil {
		t.Fatal("expected directive error")
	}
}

func TestRenderNumericStringify(t *testing.T) {
	got, err := Render("v={{n}}", Vars{"n": float64(42)})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "v=42" {
		t.Fatalf("got %q", got)
	}
}
