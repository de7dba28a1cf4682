package pseudonym

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// sanitizeMaxLen bounds sanitized values so they stay usable as external
// identifiers and file safe labels
const sanitizeMaxLen = 64

// Sanitize makes a raw field value safe to hand to external systems:
// NFKC normalization, path separators to dashes, then everything outside
// letters, digits, underscore, dash and dot is stripped
func Sanitize(v string) string {
	s := norm.NFKC.String(strings.TrimSpace(v))
	s = strings.ReplaceAll(s, "/", "-")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > sanitizeMaxLen {
		out = out[:sanitizeMaxLen]
	}
	return out
}
