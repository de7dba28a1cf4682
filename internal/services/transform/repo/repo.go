// Package repo provides relational access for the transform stage: staging
// reads and fhir_queue writes
package repo

import (
	"context"
	"fmt"
	"regexp"

	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/platform/store"
	"ehrbridge/internal/services/transform/domain"

	perr "ehrbridge/internal/platform/errors"
)

type (
	// Storage is a binder for domain.StorageRepo
	Storage struct{ dialect string }

	queries struct {
		q       repokit.Queryer
		dialect string
	}
)

// New returns a binder for the given store dialect
func New(dialect string) repokit.Binder[domain.StorageRepo] { return Storage{dialect: dialect} }

// Bind implements repokit.Binder
func (s Storage) Bind(q repokit.Queryer) domain.StorageRepo {
	return &queries{q: q, dialect: s.dialect}
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return perr.Validationf("unsafe identifier %q", name)
	}
	return nil
}

// EnsureQueue creates the fhir_queue table (idempotent). The identifier
// unique constraint is the pipeline's idempotency anchor
func (r *queries) EnsureQueue(ctx context.Context) error {
	var ddl string
	if r.dialect == store.DriverSQLite {
		ddl = `
			CREATE TABLE IF NOT EXISTS fhir_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				staging_id INTEGER,
				resource_type TEXT NOT NULL,
				identifier TEXT NOT NULL UNIQUE,
				resource_data TEXT NOT NULL,
				processed BOOLEAN DEFAULT FALSE
			)`
	} else {
		ddl = `
			CREATE TABLE IF NOT EXISTS fhir_queue (
				id SERIAL PRIMARY KEY,
				staging_id BIGINT,
				resource_type TEXT NOT NULL,
				identifier TEXT NOT NULL UNIQUE,
				resource_data JSONB NOT NULL,
				processed BOOLEAN DEFAULT FALSE
			)`
	}
	if _, err := r.q.Exec(ctx, ddl); err != nil {
		return perr.MapDB(err, "create fhir_queue")
	}
	return nil
}

// ReadUnprocessed returns up to limit staging rows that have not been
// flagged processed, oldest first
func (r *queries) ReadUnprocessed(ctx context.Context, table string, limit int) ([]domain.StagingRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	maps, err := store.Maps(ctx, r.q, fmt.Sprintf(`
		SELECT * FROM %s WHERE processed = FALSE ORDER BY id LIMIT $1
	`, table), limit)
	if err != nil {
		return nil, perr.MapDB(err, "read staging "+table)
	}
	return stagingRows(table, maps)
}

// ReadUnprocessedGroups returns every unprocessed staging row, ordered by
// the group column so a group's rows are always read as one unit
func (r *queries) ReadUnprocessedGroups(ctx context.Context, table, groupColumn string) ([]domain.StagingRow, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if err := checkIdent(groupColumn); err != nil {
		return nil, err
	}
	maps, err := store.Maps(ctx, r.q, fmt.Sprintf(`
		SELECT * FROM %s WHERE processed = FALSE ORDER BY %s, id
	`, table, groupColumn))
	if err != nil {
		return nil, perr.MapDB(err, "read staging "+table)
	}
	return stagingRows(table, maps)
}

func stagingRows(table string, maps []map[string]any) ([]domain.StagingRow, error) {
	out := make([]domain.StagingRow, 0, len(maps))
	for _, m := range maps {
		row := domain.StagingRow{Data: m}
		switch id := m["id"].(type) {
		case int64:
			row.ID = id
		case int32:
			row.ID = int64(id)
		case int:
			row.ID = int64(id)
		default:
			return nil, perr.DBf("staging %s row without numeric id: %T", table, m["id"])
		}
		delete(m, "id")
		delete(m, "processed")
		out = append(out, row)
	}
	return out, nil
}

// EnqueueStaged inserts a standard resource joined to its staging row;
// re-enqueueing the same identifier is a silent no-op
func (r *queries) EnqueueStaged(ctx context.Context, stagingID int64, resourceType, identifier string, data []byte) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO fhir_queue (staging_id, resource_type, identifier, resource_data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identifier) DO NOTHING
	`, stagingID, resourceType, identifier, data)
	if err != nil {
		return false, perr.MapDB(err, "enqueue "+resourceType)
	}
	return tag.RowsAffected() > 0, nil
}

// Enqueue inserts with a generated id, ignoring identifier duplicates
func (r *queries) Enqueue(ctx context.Context, resourceType, identifier string, data []byte) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO fhir_queue (resource_type, identifier, resource_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO NOTHING
	`, resourceType, identifier, data)
	if err != nil {
		return false, perr.MapDB(err, "enqueue "+resourceType)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkProcessedByGroup flags a whole consent group as enqueued
func (r *queries) MarkProcessedByGroup(ctx context.Context, table, groupColumn, key string) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if err := checkIdent(groupColumn); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET processed = TRUE WHERE %s = $1
	`, table, groupColumn), key)
	if err != nil {
		return perr.MapDB(err, "mark processed "+table)
	}
	return nil
}
