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
	fetchrepo "ehrbridge/internal/services/fetch/repo"
)

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

func TestQueueIdempotency_Integration(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	st, err := store.Open(ctx, store.Config{
		AppName: "ehrbridge-integration",
		Driver:  store.DriverPostgres,
		PG:      store.PGConfig{URL: dsn, MaxConns: 2},
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer func() { _ = st.Close(context.Background()) }()

	repo := New(store.DriverPostgres).Bind(st.DB)
	if err := repo.EnsureQueue(ctx); err != nil {
		t.Fatalf("EnsureQueue: %v", err)
	}

	staging := fetchrepo.New(store.DriverPostgres).Bind(st.DB)
	if err := staging.EnsureStaging(ctx, "observation", []string{"composition_id"}); err != nil {
		t.Fatalf("EnsureStaging: %v", err)
	}
	if _, err := staging.InsertStagingRows(ctx, "observation", []map[string]any{
		{"composition_id": "c-1"},
		{"composition_id": "c-2"},
	}); err != nil {
		t.Fatalf("InsertStagingRows: %v", err)
	}

	payload := []byte(`{"resourceType":"Observation","identifier":[{"value":"c-1"}]}`)
	inserted, err := repo.EnqueueStaged(ctx, 1, "Observation", "c-1", payload)
	if err != nil {
		t.Fatalf("EnqueueStaged: %v", err)
	}
	if !inserted {
		t.Fatal("fresh enqueue reported no insert")
	}

	// re-enqueueing the same identifier is a silent no-op
	inserted, err = repo.EnqueueStaged(ctx, 1, "Observation", "c-1", payload)
	if err != nil || inserted {
		t.Fatalf("duplicate identifier: inserted=%v err=%v", inserted, err)
	}

	inserted, err = repo.Enqueue(ctx, "Consent", "cons-1", []byte(`{"resourceType":"Consent"}`))
	if err != nil || !inserted {
		t.Fatalf("consent enqueue: inserted=%v err=%v", inserted, err)
	}
	inserted, err = repo.Enqueue(ctx, "Consent", "cons-1", []byte(`{"resourceType":"Consent"}`))
	if err != nil || inserted {
		t.Fatalf("consent re-enqueue: inserted=%v err=%v", inserted, err)
	}

	rows, err := repo.ReadUnprocessed(ctx, "observation", 10)
	if err != nil {
		t.Fatalf("ReadUnprocessed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("staging rows = %d", len(rows))
	}

	// the group read ignores any limit and keys on the group column
	grouped, err := repo.ReadUnprocessedGroups(ctx, "observation", "composition_id")
	if err != nil {
		t.Fatalf("ReadUnprocessedGroups: %v", err)
	}
	if len(grouped) != 2 {
		t.Fatalf("grouped rows = %d", len(grouped))
	}
	if grouped[0].Data["composition_id"] != "c-1" || grouped[1].Data["composition_id"] != "c-2" {
		t.Fatalf("group order = %v, %v", grouped[0].Data["composition_id"], grouped[1].Data["composition_id"])
	}

	if err := repo.MarkProcessedByGroup(ctx, "observation", "composition_id", "c-1"); err != nil {
		t.Fatalf("MarkProcessedByGroup: %v", err)
	}
	rows, err = repo.ReadUnprocessed(ctx, "observation", 10)
	if err != nil {
		t.Fatalf("ReadUnprocessed after mark: %v", err)
	}
	if len(rows) != 1 || rows[0].Data["composition_id"] != "c-2" {
		t.Fatalf("rows = %+v", rows)
	}
}
