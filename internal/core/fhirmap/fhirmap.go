// Package fhirmap turns flat query result rows into FHIR resources by
// rendering a per-resource mapping template, then normalizing datetimes,
// coding system URIs, and structure before the resource is queued.
package fhirmap

import (
	"bytes"
	"encoding/json"

	"ehrbridge/internal/core/template"
	perr "ehrbridge/internal/platform/errors"
)

// Template is a parsed mapping tree plus the top level key order it was
// authored in. Order is what the template file says, not what Go maps iterate
type Template struct {
	Root  map[string]any
	Order []string
}

// Mapper maps rows for one resource type
type Mapper struct {
	Template Template
	Required []string

	// DateKeys lists the top level fields normalized to FHIR instants.
	// Nil means DefaultDateKeys
	DateKeys []string
}

// Resource is a mapped FHIR resource with a stable top level field order.
// Nested objects marshal with Go's default (sorted) key order
type Resource struct {
	Fields map[string]any
	Order  []string
}

// MarshalJSON writes top level fields in template order
func (r Resource) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, k := range r.Order {
		v, ok := r.Fields[k]
		if !ok {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeValidation, "marshal field %q", k)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Identifier returns identifier[0].value, or "" when absent
func (r Resource) Identifier() string {
	ids, ok := r.Fields["identifier"].([]any)
	if !ok || len(ids) == 0 {
		return ""
	}
	first, ok := ids[0].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := first["value"].(string)
	return v
}

// MissingRequired returns the required fields the row cannot satisfy.
// A list value counts as present when at least one element is truthy; a
// scalar counts as present unless it is one of the empty equivalents
func (m *Mapper) MissingRequired(row map[string]any) []string {
	var missing []string
	for _, f := range m.Required {
		v, ok := template.Vars(row).Lookup(f)
		if !ok {
			missing = append(missing, f)
			continue
		}
		if list, isList := v.([]any); isList {
			present := false
			for _, el := range list {
				if !isEmptyValue(el) {
					present = true
					break
				}
			}
			if !present {
				missing = append(missing, f)
			}
			continue
		}
		if isEmptyValue(v) {
			missing = append(missing, f)
		}
	}
	return missing
}

// MapRow renders one row into a resource. Callers are expected to have
// checked MissingRequired first; MapRow itself only fails on template errors
func (m *Mapper) MapRow(row map[string]any) (Resource, error) {
	rendered, err := template.Render(m.Template.Root, template.Vars(row))
	if err != nil {
		return Resource{}, err
	}
	fields, ok := rendered.(map[string]any)
	if !ok {
		return Resource{}, perr.Validationf("mapping template root must be an object")
	}

	keys := m.DateKeys
	if keys == nil {
		keys = DefaultDateKeys
	}
	FixDates(fields, keys)
	FixSystemURIs(fields)

	pruned, _ := Prune(fields)
	fields, ok = pruned.(map[string]any)
	if !ok {
		fields = map[string]any{}
	}

	return Resource{Fields: fields, Order: EnforceOrder(fields, m.Template.Order)}, nil
}
