// Package repo provides relational access for staging tables and fetch state
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/platform/store"
	"ehrbridge/internal/services/fetch/domain"

	perr "ehrbridge/internal/platform/errors"
)

type (
	// Storage is a binder for domain.StorageRepo, parameterized on the
	// store dialect so DDL matches the engine
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

// identRe guards table and column names built from config and query output
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return perr.Validationf("unsafe identifier %q", name)
	}
	return nil
}

// EnsureFetchState creates the cursor table (idempotent)
func (r *queries) EnsureFetchState(ctx context.Context) error {
	_, err := r.q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fetch_state (
			resource TEXT PRIMARY KEY,
			last_run_time TIMESTAMP NOT NULL,
			next_run_time TIMESTAMP NOT NULL
		)
	`)
	return err
}

// EnsureStaging creates the per resource staging table and adds columns the
// table has not seen before. Existing columns are never altered or dropped
func (r *queries) EnsureStaging(ctx context.Context, table string, columns []string) error {
	if err := checkIdent(table); err != nil {
		return err
	}

	var idCol string
	if r.dialect == store.DriverSQLite {
		idCol = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	} else {
		idCol = "id SERIAL PRIMARY KEY"
	}
	_, err := r.q.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s,
			processed BOOLEAN DEFAULT FALSE
		)
	`, table, idCol))
	if err != nil {
		return perr.MapDB(err, "create staging "+table)
	}

	existing, err := r.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	for _, col := range normalizeColumns(columns) {
		if existing[col] {
			continue
		}
		if err := checkIdent(col); err != nil {
			return err
		}
		if _, err := r.q.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, table, col)); err != nil {
			return perr.MapDB(err, "add column "+table+"."+col)
		}
	}
	return nil
}

func (r *queries) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	var (
		rows repokit.Rows
		err  error
	)
	if r.dialect == store.DriverSQLite {
		rows, err = r.q.Query(ctx, `SELECT name FROM pragma_table_info($1)`, table)
	} else {
		rows, err = r.q.Query(ctx, `SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
	}
	if err != nil {
		return nil, perr.MapDB(err, "columns of "+table)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

// InsertStagingRows appends raw rows. Every value becomes text; structured
// values are stored as JSON
func (r *queries) InsertStagingRows(ctx context.Context, table string, rows []map[string]any) (int, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}

	inserted := 0
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for k := range row {
			cols = append(cols, strings.ToLower(k))
		}
		sort.Strings(cols)

		names := make([]string, 0, len(cols))
		binds := make([]string, 0, len(cols))
		args := make([]any, 0, len(cols))
		for _, c := range cols {
			if err := checkIdent(c); err != nil {
				return inserted, err
			}
			names = append(names, c)
			binds = append(binds, fmt.Sprintf("$%d", len(binds)+1))
			args = append(args, textValue(c, lookupFold(row, c)))
		}

		stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			table, strings.Join(names, ", "), strings.Join(binds, ", "))
		if _, err := r.q.Exec(ctx, stmt, args...); err != nil {
			return inserted, perr.MapDB(err, "insert staging "+table)
		}
		inserted++
	}
	return inserted, nil
}

// lookupFold finds a row value by lowercased column name
func lookupFold(row map[string]any, col string) any {
	if v, ok := row[col]; ok {
		return v
	}
	for k, v := range row {
		if strings.ToLower(k) == col {
			return v
		}
	}
	return nil
}

func normalizeColumns(cols []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		lc := strings.ToLower(c)
		if !seen[lc] {
			seen[lc] = true
			out = append(out, lc)
		}
	}
	sort.Strings(out)
	return out
}

// textValue flattens one raw value to its staging text form. Columns with a
// _string suffix force numeric values into their literal form
func textValue(col string, v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if strings.HasSuffix(col, "_string") || t != float64(int64(t)) {
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// State returns the cursor for one resource, nil when absent
func (r *queries) State(ctx context.Context, resource string) (*domain.FetchState, error) {
	row := r.q.QueryRow(ctx, `
		SELECT last_run_time, next_run_time FROM fetch_state WHERE resource = $1
	`, resource)

	var last, next time.Time
	if err := row.Scan(&last, &next); err != nil {
		if perr.IsNoRows(err) {
			return nil, nil
		}
		return nil, perr.MapDB(err, "fetch state "+resource)
	}
	return &domain.FetchState{Resource: resource, LastRun: last, NextRun: next}, nil
}

// UpdateState upserts the cursor. Inputs use domain.TimeLayout
func (r *queries) UpdateState(ctx context.Context, resource, lastRun, nextRun string) error {
	last, err := time.Parse(domain.TimeLayout, lastRun)
	if err != nil {
		return perr.Validationf("last_run_time %q: %v", lastRun, err)
	}
	next, err := time.Parse(domain.TimeLayout, nextRun)
	if err != nil {
		return perr.Validationf("next_run_time %q: %v", nextRun, err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO fetch_state (resource, last_run_time, next_run_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource) DO UPDATE
		SET last_run_time = EXCLUDED.last_run_time,
			next_run_time = EXCLUDED.next_run_time
	`, resource, last, next)
	if err != nil {
		return perr.MapDB(err, "update fetch state "+resource)
	}
	return nil
}

// ClearState drops one cursor, or all of them when resource is empty
func (r *queries) ClearState(ctx context.Context, resource string) error {
	var err error
	if resource == "" {
		_, err = r.q.Exec(ctx, `DELETE FROM fetch_state`)
	} else {
		_, err = r.q.Exec(ctx, `DELETE FROM fetch_state WHERE resource = $1`, resource)
	}
	if err != nil {
		return perr.MapDB(err, "clear fetch state")
	}
	return nil
}

// States lists every persisted cursor
func (r *queries) States(ctx context.Context) ([]domain.FetchState, error) {
	rows, err := r.q.Query(ctx, `
		SELECT resource, last_run_time, next_run_time FROM fetch_state ORDER BY resource
	`)
	if err != nil {
		return nil, perr.MapDB(err, "list fetch states")
	}
	defer rows.Close()

	var out []domain.FetchState
	for rows.Next() {
		var s domain.FetchState
		if err := rows.Scan(&s.Resource, &s.LastRun, &s.NextRun); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
