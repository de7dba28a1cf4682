// Package domain holds the transform stage's types and ports
package domain

import (
	"context"

	"ehrbridge/internal/appconfig"
)

// StagingRow is one raw record read back from a staging table
type StagingRow struct {
	ID   int64
	Data map[string]any
}

// Report summarizes one resource's transform pass
type Report struct {
	Resource string
	Read     int
	Enqueued int
	Skipped  int
}

// RunnerPort is the public port exposed by the transform module
type RunnerPort interface {
	// ProcessStandard maps and enqueues every non consent resource
	ProcessStandard(ctx context.Context) []Report

	// ProcessConsent maps and enqueues the consent resources
	ProcessConsent(ctx context.Context) []Report

	// ProcessResource runs one resource through mapping and enqueue
	ProcessResource(ctx context.Context, res appconfig.Resource) Report
}

// StorageRepo reads staging rows and writes queue rows
type StorageRepo interface {
	EnsureQueue(ctx context.Context) error

	// ReadUnprocessed returns up to limit staging rows with processed=false
	ReadUnprocessed(ctx context.Context, table string, limit int) ([]StagingRow, error)

	// ReadUnprocessedGroups returns every unprocessed staging row ordered
	// by the group column, so whole groups arrive together and none is cut
	// at a batch boundary
	ReadUnprocessedGroups(ctx context.Context, table, groupColumn string) ([]StagingRow, error)

	// EnqueueStaged inserts a standard resource, recording which staging
	// row produced it; an identifier collision is a silent no-op
	EnqueueStaged(ctx context.Context, stagingID int64, resourceType, identifier string, data []byte) (bool, error)

	// Enqueue inserts a queue row with a generated id; duplicate
	// identifiers are ignored
	Enqueue(ctx context.Context, resourceType, identifier string, data []byte) (bool, error)

	// MarkProcessedByGroup flags every staging row of one consent group
	MarkProcessedByGroup(ctx context.Context, table, groupColumn, key string) error
}
