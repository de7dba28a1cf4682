// Package consent folds multi-row consent query results into single FHIR
// Consent resources. Rows sharing a group key become one resource whose
// provision tree carries one nested provision per source row.
package consent

import (
	"strings"

	"ehrbridge/internal/core/fhirmap"
)

// CodeSystemMII is the coding system stamped on every provision code
const CodeSystemMII = "https://www.medizininformatik-initiative.de/fhir/modul-consent/CodeSystem/mii-cs-consent-consent_code"

// DefaultGroupBy is the grouping column when the resource config names none
const DefaultGroupBy = "composition_id"

// provisionColumns are per-row columns that feed the provision tree and are
// excluded from the shared base record
var provisionColumns = map[string]bool{
	"provision_type":            true,
	"consent_code":              true,
	"consent_code_system":       true,
	"start_time":                true,
	"end_time":                  true,
	"consent":                   true,
	"uri_einwilligungsnachweis": true,
}

// Group is one consent resource in the making: the shared base columns of
// its rows plus one provision node per row
type Group struct {
	Key        string
	Base       map[string]any
	Provisions []map[string]any
}

// Skip records why a group or row produced no resource
type Skip struct {
	Key     string
	Missing []string
}

// Mapper maps grouped consent rows for one resource definition
type Mapper struct {
	Template fhirmap.Template
	Required []string
	GroupBy  string
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// GroupRows buckets rows by the group key, preserving first-seen order.
// Rows with an empty key are dropped; the second return counts them
func GroupRows(rows []map[string]any, groupBy string) ([]Group, int) {
	if groupBy == "" {
		groupBy = DefaultGroupBy
	}
	index := map[string]int{}
	var groups []Group
	dropped := 0

	for _, row := range rows {
		key := strings.TrimSpace(str(row[groupBy]))
		if key == "" {
			dropped++
			continue
		}

		i, ok := index[key]
		if !ok {
			base := map[string]any{groupBy: key}
			for k, v := range row {
				if !provisionColumns[k] {
					base[k] = v
				}
			}
			groups = append(groups, Group{Key: key, Base: base})
			i = len(groups) - 1
			index[key] = i
		}
		groups[i].Provisions = append(groups[i].Provisions, provisionFromRow(row))
	}
	return groups, dropped
}

// provisionFromRow builds one nested provision node from a single row
func provisionFromRow(row map[string]any) map[string]any {
	period := map[string]any{
		"start": fhirmap.FixDateTime(str(row["start_time"])),
	}
	if end := fhirmap.FixDateTime(str(row["end_time"])); end != "" {
		period["end"] = end
	}
	return map[string]any{
		"type":   row["provision_type"],
		"period": period,
		"code": map[string]any{
			"coding": []any{map[string]any{
				"system":  CodeSystemMII,
				"code":    row["consent_code"],
				"display": row["consent"],
			}},
		},
		"sourceAttachment": map[string]any{
			"url": row["uri_einwilligungsnachweis"],
		},
	}
}

// wrapper builds the top level provision value handed to the template.
// It stays a structured value end to end; the renderer passes it through
// a whole-string placeholder without serializing
func wrapper(g Group) map[string]any {
	top := map[string]any{
		"type":      "permit",
		"provision": anySlice(g.Provisions),
	}
	if t := str(g.Base["provision_type"]); t != "" {
		top["type"] = t
	}
	if start := fhirmap.FixDateTime(str(g.Base["start_time"])); start != "" {
		period := map[string]any{"start": start}
		if end := fhirmap.FixDateTime(str(g.Base["end_time"])); end != "" {
			period["end"] = end
		}
		top["period"] = period
	}
	return top
}

func anySlice(ms []map[string]any) []any {
	out := make([]any, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return out
}

// NormalizeConsentType lowercases and kebab-cases a consent type label
func NormalizeConsentType(v string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), " ", "-")
}

// MapRows groups rows and renders one Consent resource per group. Groups
// missing required fields are skipped and reported rather than failing the
// whole batch
func (m *Mapper) MapRows(rows []map[string]any) ([]fhirmap.Resource, []Skip, error) {
	groups, dropped := GroupRows(rows, m.GroupBy)

	var skips []Skip
	if dropped > 0 {
		skips = append(skips, Skip{Key: "", Missing: []string{m.groupBy()}})
	}

	fm := &fhirmap.Mapper{Template: m.Template, Required: m.Required}

	var out []fhirmap.Resource
	for _, g := range groups {
		data := make(map[string]any, len(g.Base)+1)
		for k, v := range g.Base {
			data[k] = v
		}
		if ct := str(data["consent_type"]); ct != "" {
			data["consent_type"] = NormalizeConsentType(ct)
		}
		data["provision"] = wrapper(g)

		if missing := fm.MissingRequired(data); missing != nil {
			skips = append(skips, Skip{Key: g.Key, Missing: missing})
			continue
		}
		res, err := fm.MapRow(data)
		if err != nil {
			return nil, skips, err
		}
		if len(res.Fields) == 0 {
			skips = append(skips, Skip{Key: g.Key})
			continue
		}
		out = append(out, res)
	}
	return out, skips, nil
}

func (m *Mapper) groupBy() string {
	if m.GroupBy == "" {
		return DefaultGroupBy
	}
	return m.GroupBy
}
