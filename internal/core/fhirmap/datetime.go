package fhirmap

import (
	"strings"
	"time"
)

// DefaultDateKeys are the top level resource fields normalized by FixDates
var DefaultDateKeys = []string{
	"recordedDate",
	"onsetDateTime",
	"abatementDateTime",
	"effectiveDateTime",
	"performedDateTime",
	"dateTime",
}

var dtLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// FixDateTime normalizes an openEHR timestamp to a FHIR UTC instant
// (seconds precision, trailing Z). The literals "none" and "null", the
// empty string and anything that matches no known layout become "" so
// pruning drops the field rather than ship a malformed instant
func FixDateTime(v string) string {
	s := strings.TrimSpace(v)
	switch strings.ToLower(s) {
	case "", "none", "null":
		return ""
	}
	for _, layout := range dtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	return ""
}

// FixDates applies FixDateTime to the named top level fields in place
func FixDates(fields map[string]any, keys []string) {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok {
			fields[k] = FixDateTime(s)
		}
	}
}
