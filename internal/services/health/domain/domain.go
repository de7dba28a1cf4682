// Package domain holds the health check ports
package domain

import "context"

// Prober answers a heartbeat; both the openEHR and FHIR clients qualify
type Prober interface {
	Heartbeat(ctx context.Context) error
}

// CheckerPort is the public port exposed by the health module
type CheckerPort interface {
	// Check probes both servers once
	Check(ctx context.Context) error

	// WaitHealthy blocks until both servers answer, retrying at the
	// configured interval. With checks disabled it returns immediately
	WaitHealthy(ctx context.Context) error
}
