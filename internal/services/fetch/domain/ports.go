package domain

import (
	"context"

	"ehrbridge/internal/adapters/openehr"
	"ehrbridge/internal/appconfig"
)

// RunnerPort is the public port exposed by the fetch module
type RunnerPort interface {
	// FetchStandard fetches every non-consent resource, bounded by the
	// configured parallelism
	FetchStandard(ctx context.Context) []Report

	// FetchConsent fetches the consent resources sequentially
	FetchConsent(ctx context.Context) []Report

	// FetchResource fetches one resource through a full window
	FetchResource(ctx context.Context, res appconfig.Resource) Report

	// ClearState drops the fetch cursor for one resource, or all when
	// resource is empty
	ClearState(ctx context.Context, resource string) error

	// States lists the persisted cursors
	States(ctx context.Context) ([]FetchState, error)
}

// StorageRepo persists staging rows and fetch cursors
type StorageRepo interface {
	EnsureFetchState(ctx context.Context) error

	// EnsureStaging creates the per resource staging table and adds any
	// columns it has not seen before
	EnsureStaging(ctx context.Context, table string, columns []string) error

	// InsertStagingRows appends raw rows as text columns
	InsertStagingRows(ctx context.Context, table string, rows []map[string]any) (int, error)

	// State returns the cursor for one resource, nil when none exists
	State(ctx context.Context, resource string) (*FetchState, error)

	UpdateState(ctx context.Context, resource string, lastRun, nextRun string) error

	// ClearState with an empty resource drops every cursor
	ClearState(ctx context.Context, resource string) error

	States(ctx context.Context) ([]FetchState, error)
}

// Querier is the slice of the openEHR client the fetcher needs
type Querier interface {
	Query(ctx context.Context, aqlStatement string) (openehr.Result, error)
}
