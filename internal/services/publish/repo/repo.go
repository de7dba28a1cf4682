// Package repo provides relational access for the publish stage: queue
// reads and the cleanup that follows a delivery
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/platform/store"
	"ehrbridge/internal/services/publish/domain"

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

// ReadBatch returns unprocessed queue rows, oldest first
func (r *queries) ReadBatch(ctx context.Context, consent bool, limit int) ([]domain.QueueRow, error) {
	op := "<>"
	if consent {
		op = "="
	}
	maps, err := store.Maps(ctx, r.q, fmt.Sprintf(`
		SELECT id, staging_id, resource_type, identifier, resource_data
		FROM fhir_queue
		WHERE processed = FALSE AND LOWER(resource_type) %s '%s'
		ORDER BY id
		LIMIT $1
	`, op, appconfig.ConsentName), limit)
	if err != nil {
		return nil, perr.MapDB(err, "read fhir_queue")
	}

	out := make([]domain.QueueRow, 0, len(maps))
	for _, m := range maps {
		row := domain.QueueRow{}
		switch id := m["id"].(type) {
		case int64:
			row.ID = id
		case int32:
			row.ID = int64(id)
		case int:
			row.ID = int64(id)
		default:
			return nil, perr.DBf("fhir_queue row without numeric id: %T", m["id"])
		}
		// NULL for consent rows
		switch sid := m["staging_id"].(type) {
		case int64:
			row.StagingID = sid
		case int32:
			row.StagingID = int64(sid)
		case int:
			row.StagingID = int64(sid)
		}
		row.ResourceType, _ = m["resource_type"].(string)
		row.Identifier, _ = m["identifier"].(string)

		data, err := rawData(m["resource_data"])
		if err != nil {
			return nil, err
		}
		row.Data = data
		out = append(out, row)
	}
	return out, nil
}

// rawData normalises resource_data to bytes. Postgres hands JSONB back as
// a decoded map, SQLite stores plain text
func rawData(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	case map[string]any:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeDB, "re-encode resource_data")
		}
		return b, nil
	default:
		return nil, perr.DBf("unexpected resource_data type %T", v)
	}
}

// DeleteQueueRow removes one queue entry
func (r *queries) DeleteQueueRow(ctx context.Context, id int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM fhir_queue WHERE id = $1`, id); err != nil {
		return perr.MapDB(err, "delete fhir_queue row")
	}
	return nil
}

// DeleteStagingRow removes one delivered standard staging row
func (r *queries) DeleteStagingRow(ctx context.Context, table string, id int64) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if _, err := r.q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id); err != nil {
		return perr.MapDB(err, "delete staging row "+table)
	}
	return nil
}

// DeleteStagingGroup removes every staging row of a delivered consent group
func (r *queries) DeleteStagingGroup(ctx context.Context, table, groupColumn, key string) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if err := checkIdent(groupColumn); err != nil {
		return err
	}
	if _, err := r.q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, groupColumn), key); err != nil {
		return perr.MapDB(err, "delete staging group "+table)
	}
	return nil
}

// MarkStagingProcessed keeps a discarded row around for inspection while
// stopping the transform stage from enqueueing it again
func (r *queries) MarkStagingProcessed(ctx context.Context, table string, id int64) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if _, err := r.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET processed = TRUE WHERE id = $1`, table), id); err != nil {
		return perr.MapDB(err, "mark staging row "+table)
	}
	return nil
}

// Stats counts the unprocessed backlog per resource type
func (r *queries) Stats(ctx context.Context) (domain.QueueStats, error) {
	maps, err := store.Maps(ctx, r.q, `
		SELECT resource_type, COUNT(*) AS pending
		FROM fhir_queue
		WHERE processed = FALSE
		GROUP BY resource_type
		ORDER BY resource_type
	`)
	if err != nil {
		return domain.QueueStats{}, perr.MapDB(err, "queue stats")
	}

	stats := domain.QueueStats{ByType: map[string]int{}}
	for _, m := range maps {
		name, _ := m["resource_type"].(string)
		var n int
		switch c := m["pending"].(type) {
		case int64:
			n = int(c)
		case int32:
			n = int(c)
		case int:
			n = c
		}
		stats.ByType[name] = n
		stats.Pending += n
	}
	return stats, nil
}
