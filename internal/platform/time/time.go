// Package time contains time related helpers
package time

import "time"

// Ptr returns a pointer to t or nil if t is zero
func Ptr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// TruncSec drops sub-second precision and normalizes to UTC
func TruncSec(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
