//go:build integration_pg
// +build integration_pg

package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ehrbridge/internal/platform/store"
)

// startPostgres launches a disposable Postgres and returns DSN + stop func
func startPostgres(t *testing.T) (dsn string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mp, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres?sslmode=disable", host, mp.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return dsn, stop
}

func openStore(t *testing.T, ctx context.Context, dsn string) *store.Store {
	t.Helper()
	st, err := store.Open(ctx, store.Config{
		AppName: "ehrbridge-integration",
		Driver:  store.DriverPostgres,
		PG:      store.PGConfig{URL: dsn, MaxConns: 2},
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestStagingAndCursor_Integration(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	st := openStore(t, ctx, dsn)
	repo := New(store.DriverPostgres).Bind(st.DB)

	if err := repo.EnsureFetchState(ctx); err != nil {
		t.Fatalf("EnsureFetchState: %v", err)
	}
	if err := repo.EnsureStaging(ctx, "observation", []string{"composition_id", "value_magnitude"}); err != nil {
		t.Fatalf("EnsureStaging: %v", err)
	}
	// re-running with a new column must widen the table, not fail
	if err := repo.EnsureStaging(ctx, "observation", []string{"composition_id", "value_magnitude", "value_unit"}); err != nil {
		t.Fatalf("EnsureStaging widen: %v", err)
	}

	rows := []map[string]any{
		{"composition_id": "c-1", "value_magnitude": 120.0, "value_unit": "mm[Hg]"},
		{"composition_id": "c-2", "value_magnitude": 80.5, "value_unit": "mm[Hg]"},
	}
	n, err := repo.InsertStagingRows(ctx, "observation", rows)
	if err != nil {
		t.Fatalf("InsertStagingRows: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d", n)
	}

	if err := repo.UpdateState(ctx, "observation", "2023-01-01T00:00:00", "2023-01-02T00:00:00"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	cur, err := repo.State(ctx, "observation")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if cur == nil || cur.NextRun != "2023-01-02T00:00:00" {
		t.Fatalf("cursor = %+v", cur)
	}

	// upsert on conflict must replace, not duplicate
	if err := repo.UpdateState(ctx, "observation", "2023-01-02T00:00:00", "2023-01-03T00:00:00"); err != nil {
		t.Fatalf("UpdateState again: %v", err)
	}
	states, err := repo.States(ctx)
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if len(states) != 1 || states[0].LastRun != "2023-01-02T00:00:00" {
		t.Fatalf("states = %+v", states)
	}

	if err := repo.ClearState(ctx, "observation"); err != nil {
		t.Fatalf("ClearState: %v", err)
	}
	cur, err = repo.State(ctx, "observation")
	if err != nil {
		t.Fatalf("State after clear: %v", err)
	}
	if cur != nil {
		t.Fatalf("cursor survived clear: %+v", cur)
	}
}
