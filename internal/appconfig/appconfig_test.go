package appconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"ehrbridge/internal/core/fhirmap"
	"ehrbridge/internal/platform/config"

	perr "ehrbridge/internal/platform/errors"
)

const settingsYAML = `
fetch_by_date:
  enabled: true
  start_date: "2023-01-01T00:00:00"
  fetch_interval_hours: 24
polling:
  enabled: true
  interval_seconds: 120
  max_parallel_fetches: 3
priority_fetching:
  enabled: true
  priority_levels:
    1: 0
    2: 60
processing:
  use_batch: true
  batch_size: 50
query_retries:
  enabled: true
  retry_count: 2
  retry_interval_seconds: 5
pseudonymization:
  enabled: true
  use_deterministic_aes: true
  GPAS: false
  elements_to_pseudonymize:
    subject_id:
      enabled: true
      prefix: "sub-"
      domain: "project-a"
sanitize:
  enabled: true
  elements_to_sanitize: [subject_id]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "settings.yml", settingsYAML)

	s, err := LoadSettings(p)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.PollInterval() != 2*time.Minute {
		t.Fatalf("poll interval = %v", s.PollInterval())
	}
	if s.MaxParallelFetches() != 3 || s.BatchSize() != 50 || s.RetryCount() != 2 {
		t.Fatal("settings not applied")
	}
	if s.FetchInterval() != 24*time.Hour {
		t.Fatalf("fetch interval = %v", s.FetchInterval())
	}
	if !s.DiscardInvalid() {
		t.Fatal("discard_invalid must default to true")
	}
	if s.PriorityGapMinutes(2) != 60 || s.PriorityGapMinutes(9) != 0 {
		t.Fatal("priority levels not applied")
	}
	fc := s.FieldConfigs()["subject_id"]
	if !fc.Enabled || fc.Prefix != "sub-" || fc.Domain != "project-a" {
		t.Fatalf("field element = %+v", fc)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "settings.yml", "polling:\n  enabled: true\n")
	s, err := LoadSettings(p)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.PollInterval() != time.Minute || s.BatchSize() != 100 || s.RetryCount() != 0 {
		t.Fatal("defaults not applied")
	}
	if s.FieldConfigs() != nil {
		t.Fatal("pseudonymization off must yield no field configs")
	}
}

const catalogueYAML = `
resources:
  - name: Observation
    priority: 1
    mapping_file: resources/observation.yml
    required_fields: [composition_id, subject_id]
  - name: Consent
    priority: 2
    mapping_file: resources/consent.yml
    group_by: composition_id
`

const observationYAML = `
observation:
  mappings:
    resourceType: Observation
    identifier:
      - value: "{{composition_id}}"
    status: final
    code:
      coding:
        - system: "{{code_system}}"
          code: "{{code}}"
  query_template: >
    SELECT c/uid/value AS composition_id FROM EHR e CONTAINS COMPOSITION c
    WHERE c/name/value = '{{composition_name}}'
    AND c/context/start_time/value >= '{{last_run_time}}'
    AND c/context/start_time/value < '{{end_run_time}}'
  parameters:
    composition_name: Blood Pressure
    offset: 0
    limit: 100
`

const consentYAML = `
consent:
  mappings:
    resourceType: Consent
    provision: "{{provision}}"
  query_template: SELECT c FROM EHR e CONTAINS COMPOSITION c
`

func TestLoadResources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "resources/observation.yml", observationYAML)
	writeFile(t, dir, "resources/consent.yml", consentYAML)
	cat := writeFile(t, dir, "resource.yml", catalogueYAML)

	rs, err := LoadResources(cat)
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	if len(rs) != 2 {
		t.Fatalf("resources = %d", len(rs))
	}

	obs := rs[0]
	if obs.Lower() != "observation" || obs.IsConsent() {
		t.Fatalf("obs = %+v", obs)
	}
	wantOrder := []string{"resourceType", "identifier", "status", "code"}
	if !reflect.DeepEqual(obs.Template.Order, wantOrder) {
		t.Fatalf("order = %v", obs.Template.Order)
	}
	if obs.Parameters["offset"] != "0" || obs.Parameters["limit"] != "100" {
		t.Fatalf("parameters = %v", obs.Parameters)
	}
	if obs.Parameters["composition_name"] != "Blood Pressure" {
		t.Fatalf("parameters = %v", obs.Parameters)
	}

	con := rs[1]
	if !con.IsConsent() || con.GroupBy != "composition_id" {
		t.Fatalf("consent = %+v", con)
	}
}

// The example configuration must be publishable end to end: every required
// field and mapping placeholder has to resolve against a row whose columns
// are the lowercased AQL aliases, which is how staged rows come back
func TestShippedConfProducesCompleteResources(t *testing.T) {
	rs, err := LoadResources(filepath.Join("..", "..", "conf", "resource.yml"))
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}

	aliasRe := regexp.MustCompile(`(?i)\bAS\s+(\w+)`)
	for _, res := range rs {
		row := map[string]any{}
		for _, m := range aliasRe.FindAllStringSubmatch(res.QueryTemplate, -1) {
			row[strings.ToLower(m[1])] = "2023-04-01T12:30:45"
		}
		mapper := &fhirmap.Mapper{Template: res.Template, Required: res.Required}
		if missing := mapper.MissingRequired(row); missing != nil {
			t.Fatalf("%s: required fields not satisfiable from AQL aliases: %v", res.Name, missing)
		}
	}

	obs := rs[0]
	row := map[string]any{
		"composition_id":  "c-1",
		"subject_id":      "p-1",
		"value_magnitude": "120",
		"value_unit":      "mm[Hg]",
		"effective_time":  "2023-04-01T12:30:45",
	}
	mapper := &fhirmap.Mapper{Template: obs.Template, Required: obs.Required}
	resource, err := mapper.MapRow(row)
	if err != nil {
		t.Fatalf("MapRow: %v", err)
	}
	if resource.Fields["effectiveDateTime"] != "2023-04-01T12:30:45Z" {
		t.Fatalf("effectiveDateTime = %v", resource.Fields["effectiveDateTime"])
	}
	if resource.Identifier() != "c-1" {
		t.Fatalf("identifier = %q", resource.Identifier())
	}
}

func TestLoadResourcesMissingQueryTemplate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "resources/broken.yml", "broken:\n  mappings:\n    resourceType: X\n")
	cat := writeFile(t, dir, "resource.yml", `
resources:
  - name: Broken
    priority: 1
    mapping_file: resources/broken.yml
`)
	if _, err := LoadResources(cat); err == nil {
		t.Fatal("expected error for missing query_template")
	}
}

func TestLoadEnvValidation(t *testing.T) {
	t.Setenv("EHR_SERVER_URL", "http://ehr.example")
	t.Setenv("FHIR_SERVER_URL", "http://fhir.example/fhir")
	t.Setenv("EHR_AUTH_METHOD", "basic")
	t.Setenv("FHIR_AUTH_METHOD", "bearer")
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("DB_NAME", "/tmp/ehrbridge.db")
	t.Setenv("AES_KEY", "0123456789abcdef")

	env, err := LoadEnv(config.New())
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.EHR.URL != "http://ehr.example" || env.FHIR.AuthMethod != "bearer" {
		t.Fatalf("env = %+v", env)
	}
	if env.DBType != "sqlite" || string(env.AESKey) != "0123456789abcdef" {
		t.Fatalf("env = %+v", env)
	}

	sc := env.StoreConfig(config.New())
	if sc.Driver != "sqlite" || sc.Lite.Path != "/tmp/ehrbridge.db" {
		t.Fatalf("store config = %+v", sc)
	}
}

func TestLoadEnvRejectsBadAuthMethod(t *testing.T) {
	t.Setenv("EHR_SERVER_URL", "http://ehr.example")
	t.Setenv("EHR_AUTH_METHOD", "digest")

	_, err := LoadEnv(config.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if perr.CodeOf(err) != perr.ErrorCodeConfig {
		t.Fatalf("code = %v", perr.CodeOf(err))
	}
}

func TestLoadEnvRejectsBadDBType(t *testing.T) {
	t.Setenv("EHR_SERVER_URL", "http://ehr.example")
	t.Setenv("FHIR_SERVER_URL", "http://fhir.example")
	t.Setenv("DB_TYPE", "oracle")

	if _, err := LoadEnv(config.New()); err == nil {
		t.Fatal("expected error")
	}
}
