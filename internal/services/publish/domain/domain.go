// Package domain holds the publish stage types and ports
package domain

import (
	"context"

	"ehrbridge/internal/adapters/fhir"
)

// QueueRow is one pending fhir_queue entry. StagingID joins a standard
// resource back to the staging row that produced it; 0 for consent rows
type QueueRow struct {
	ID           int64
	StagingID    int64
	ResourceType string
	Identifier   string
	Data         []byte
}

// QueueStats counts the backlog per resource type
type QueueStats struct {
	Pending int
	ByType  map[string]int
}

// Report summarises one publish drain
type Report struct {
	Scope     string
	Read      int
	Delivered int
	Discarded int
	Retained  int
}

// RunnerPort is the public port exposed by the publish module
type RunnerPort interface {
	// PublishStandard drains the queue of every non-consent resource
	PublishStandard(ctx context.Context) Report

	// PublishConsent drains the consent rows; invalid consent resources
	// are retained, never discarded
	PublishConsent(ctx context.Context) Report

	// Stats reports the unprocessed queue backlog
	Stats(ctx context.Context) (QueueStats, error)
}

// StorageRepo exposes the queue and staging primitives the publisher
// composes into transactions
type StorageRepo interface {
	// ReadBatch returns up to limit unprocessed queue rows, oldest first.
	// With consent true only consent rows are returned, otherwise only
	// non-consent rows
	ReadBatch(ctx context.Context, consent bool, limit int) ([]QueueRow, error)

	DeleteQueueRow(ctx context.Context, id int64) error

	// DeleteStagingRow removes a delivered standard row from its staging
	// table by its staging id
	DeleteStagingRow(ctx context.Context, table string, id int64) error

	// DeleteStagingGroup removes a delivered consent group
	DeleteStagingGroup(ctx context.Context, table, groupColumn, key string) error

	// MarkStagingProcessed flags a discarded row so it is not re-enqueued
	MarkStagingProcessed(ctx context.Context, table string, id int64) error

	Stats(ctx context.Context) (QueueStats, error)
}

// Upserter is the slice of the FHIR client the publisher needs
type Upserter interface {
	Upsert(ctx context.Context, resourceType, identifier string, resource map[string]any) (fhir.Outcome, error)
}
