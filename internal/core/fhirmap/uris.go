package fhirmap

import "strings"

// canonicalSystems maps terminology names as they arrive from openEHR
// templates to their canonical FHIR system URIs
var canonicalSystems = map[string]string{
	"SNOMED Clinical Terms": "http://snomed.info/sct",
	"SNOMED-CT":             "http://snomed.info/sct",
	"SNOMED":                "http://snomed.info/sct",
	"LOINC":                 "http://loinc.org",
	"RxNorm":                "http://www.nlm.nih.gov/research/umls/rxnorm",
	"OPS":                   "http://fhir.de/CodeSystem/bfarm/ops",
	"ICD-10":                "http://hl7.org/fhir/sid/icd-10",
	"ICD-10-GM":             "http://fhir.de/CodeSystem/bfarm/icd-10-gm",
	"ATC":                   "http://www.whocc.no/atc",
	"UCUM":                  "http://unitsofmeasure.org",
}

// systemURIKeys are the top level fields whose codings get their system
// rewritten by FixSystemURIs
var systemURIKeys = []string{
	"code", "category", "reasonCode", "severity", "outcome", "statusReason",
}

// CanonicalSystemURI maps a terminology name to its canonical URI. Unknown
// values that already carry a scheme pass through; bare values get http://
func CanonicalSystemURI(system string) string {
	s := strings.TrimSpace(system)
	if s == "" {
		return s
	}
	if uri, ok := canonicalSystems[s]; ok {
		return uri
	}
	if strings.Contains(s, "://") {
		return s
	}
	return "http://" + s
}

// FixSystemURIs walks the codeable concept fields of a resource and
// canonicalizes every coding[].system in place. A field may hold either a
// single codeable concept or a list of them
func FixSystemURIs(fields map[string]any) {
	for _, key := range systemURIKeys {
		switch section := fields[key].(type) {
		case map[string]any:
			fixCodings(section)
		case []any:
			for _, el := range section {
				if cc, ok := el.(map[string]any); ok {
					fixCodings(cc)
				}
			}
		}
	}
}

func fixCodings(concept map[string]any) {
	codings, ok := concept["coding"].([]any)
	if !ok {
		return
	}
	for _, el := range codings {
		coding, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if sys, ok := coding["system"].(string); ok {
			coding["system"] = CanonicalSystemURI(sys)
		}
	}
}
