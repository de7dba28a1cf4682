// Package domain holds the fetcher's data structures and ports
package domain

import "time"

// TimeLayout is the wire format for window bounds and fetch state, seconds
// precision without zone
const TimeLayout = "2006-01-02T15:04:05"

// Window is one half-open fetch interval [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// FetchState is the persisted cursor for one resource
type FetchState struct {
	Resource string
	LastRun  time.Time
	NextRun  time.Time
}

// Report summarizes one resource fetch inside a cycle
type Report struct {
	Resource string
	Rows     int
	Inserted int
	Skipped  bool
	Reason   string
	Window   *Window
}
