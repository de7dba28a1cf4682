package fhirmap

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestFixDateTime(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2023-04-01T12:30:45.123456", "2023-04-01T12:30:45Z"},
		{"2023-04-01T12:30:45", "2023-04-01T12:30:45Z"},
		{"none", ""},
		{"Null", ""},
		{"", ""},
		{"not-a-date", ""},
		{"2023-04-01T12:30:45+02:00", ""},
	}
	for _, c := range cases {
		if got := FixDateTime(c.in); got != c.want {
			t.Errorf("FixDateTime(%q) = %q want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalSystemURI(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SNOMED Clinical Terms", "http://snomed.info/sct"},
		{"LOINC", "http://loinc.org"},
		{"ICD-10-GM", "http://fhir.de/CodeSystem/bfarm/icd-10-gm"},
		{"UCUM", "http://unitsofmeasure.org"},
		{"http://example.org/cs", "http://example.org/cs"},
		{"my-local-system", "http://my-local-system"},
		{"", ""},
	}
	for _, c := range cases {
		if got := CanonicalSystemURI(c.in); got != c.want {
			t.Errorf("CanonicalSystemURI(%q) = %q want %q", c.in, got, c.want)
		}
	}
}

func TestFixSystemURIsListAndDict(t *testing.T) {
	fields := map[string]any{
		"code": map[string]any{
			"coding": []any{map[string]any{"system": "LOINC", "code": "1234-5"}},
		},
		"category": []any{
			map[string]any{"coding": []any{map[string]any{"system": "SNOMED Clinical Terms"}}},
		},
		"subject": map[string]any{
			"coding": []any{map[string]any{"system": "LOINC"}},
		},
	}
	FixSystemURIs(fields)

	code := fields["code"].(map[string]any)["coding"].([]any)[0].(map[string]any)
	if code["system"] != "http://loinc.org" {
		t.Fatalf("code system = %v", code["system"])
	}
	cat := fields["category"].([]any)[0].(map[string]any)["coding"].([]any)[0].(map[string]any)
	if cat["system"] != "http://snomed.info/sct" {
		t.Fatalf("category system = %v", cat["system"])
	}
	// subject is not a codeable concept key and must stay untouched
	subj := fields["subject"].(map[string]any)["coding"].([]any)[0].(map[string]any)
	if subj["system"] != "LOINC" {
		t.Fatalf("subject system = %v", subj["system"])
	}
}

func TestPruneEmptyEquivalents(t *testing.T) {
	in := map[string]any{
		"keep":   "x",
		"nil":    nil,
		"empty":  "",
		"none":   "None",
		"null":   "null",
		"objs":   []any{map[string]any{}},
		"nested": map[string]any{"a": "", "b": map[string]any{"c": "None"}},
		"list":   []any{"", "v", nil},
	}
	got, _ := Prune(in)
	want := map[string]any{"keep": "x", "list": []any{"v"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestMissingRequired(t *testing.T) {
	m := &Mapper{Required: []string{"subject_id", "codes", "status"}}
	row := map[string]any{
		"subject_id": "p-1",
		"codes":      []any{"", nil},
		"status":     "None",
	}
	missing := m.MissingRequired(row)
	if !reflect.DeepEqual(missing, []string{"codes", "status"}) {
		t.Fatalf("missing = %v", missing)
	}

	row["codes"] = []any{"", "8480-6"}
	row["status"] = "final"
	if missing := m.MissingRequired(row); missing != nil {
		t.Fatalf("missing = %v", missing)
	}
}

func TestMapRowEndToEnd(t *testing.T) {
	m := &Mapper{
		Template: Template{
			Root: map[string]any{
				"resourceType": "Observation",
				"identifier":   []any{map[string]any{"value": "{{composition_id}}"}},
				"status":       "final",
				"effectiveDateTime": "{{event_time}}",
				"code": map[string]any{
					"coding": []any{map[string]any{"system": "{{code_system}}", "code": "{{code}}"}},
				},
				"note": "{{missing_field}}",
			},
			Order: []string{"resourceType", "identifier", "status", "effectiveDateTime", "code", "note"},
		},
		Required: []string{"composition_id"},
	}

	row := map[string]any{
		"composition_id": "c-42",
		"event_time":     "2023-04-01T12:30:45.5",
		"code_system":    "LOINC",
		"code":           "8480-6",
	}
	res, err := m.MapRow(row)
	if err != nil {
		t.Fatalf("MapRow: %v", err)
	}
	if res.Fields["effectiveDateTime"] != "2023-04-01T12:30:45Z" {
		t.Fatalf("effectiveDateTime = %v", res.Fields["effectiveDateTime"])
	}
	if _, ok := res.Fields["note"]; ok {
		t.Fatal("empty note should be pruned")
	}
	if res.Identifier() != "c-42" {
		t.Fatalf("identifier = %q", res.Identifier())
	}

	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.HasPrefix(s, `{"resourceType":"Observation","identifier":`) {
		t.Fatalf("field order lost: %s", s)
	}
	if strings.Contains(s, "http://loinc.org") == false {
		t.Fatalf("system not canonicalized: %s", s)
	}
}

func TestEnforceOrderExtrasAppended(t *testing.T) {
	fields := map[string]any{"b": 1, "a": 2, "z": 3, "m": 4}
	order := EnforceOrder(fields, []string{"z", "a"})
	if !reflect.DeepEqual(order, []string{"z", "a", "b", "m"}) {
		t.Fatalf("order = %v", order)
	}
}
