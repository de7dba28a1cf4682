// Package domain holds the pipeline orchestrator port
package domain

import "context"

// RunnerPort drives full ETL cycles
type RunnerPort interface {
	// Run executes cycles until the context is cancelled. With polling
	// disabled it runs a single cycle and returns
	Run(ctx context.Context) error

	// RunCycle executes exactly one fetch-transform-publish cycle
	RunCycle(ctx context.Context) error
}
