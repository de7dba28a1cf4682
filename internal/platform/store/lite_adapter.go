package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ehrbridge/internal/platform/store/pg"
)

// liteAdapter wraps *sql.DB and implements RowQuerier + TxRunner for sqlite
// statements are written with $N placeholders; rebind translates them to the
// ?NNN form sqlite understands so repos stay dialect-agnostic
type liteAdapter struct {
	db     *sql.DB
	tracer pg.QueryTracer
	slowMs int
}

func newLiteAdapter(db *sql.DB, tracer pg.QueryTracer, slowMs int) *liteAdapter {
	return &liteAdapter{db: db, tracer: tracer, slowMs: slowMs}
}

func (a *liteAdapter) Ping(ctx context.Context) error {
	if a == nil {
		return errors.New("sqlite: nil adapter")
	}
	return a.db.PingContext(ctx)
}

func (a *liteAdapter) Close() error { return a.db.Close() }

func (a *liteAdapter) Exec(ctx context.Context, q string, args ...any) (CommandTag, error) {
	start := time.Now()
	res, err := a.db.ExecContext(ctx, rebind(q), args...)
	a.emit(ctx, q, args, start, err)
	return liteTag{res: res}, err
}

func (a *liteAdapter) Query(ctx context.Context, q string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := a.db.QueryContext(ctx, rebind(q), args...)
	a.emit(ctx, q, args, start, err)
	if err != nil {
		return nil, err
	}
	return &liteRows{r: rs}, nil
}

func (a *liteAdapter) QueryRow(ctx context.Context, q string, args ...any) Row {
	start := time.Now()
	r := a.db.QueryRowContext(ctx, rebind(q), args...)
	return row{
		r: r,
		after: func(scanErr error) {
			a.emit(ctx, q, args, start, scanErr)
		},
	}
}

func (a *liteAdapter) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	q := liteTxQuerier{tx: tx, a: a}
	if err := fn(q); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (a *liteAdapter) emit(ctx context.Context, q string, args []any, start time.Time, err error) {
	if a == nil || a.tracer == nil {
		return
	}
	elapsedUS := time.Since(start).Microseconds()
	slow := a.slowMs >= 0 && elapsedUS >= int64(a.slowMs)*1000
	a.tracer.OnQuery(ctx, pg.QueryEvent{
		SQL:       q,
		Args:      args,
		ElapsedUS: elapsedUS,
		Err:       err,
		Slow:      slow,
	})
}

// liteTxQuerier satisfies RowQuerier inside a sqlite Tx
type liteTxQuerier struct {
	tx *sql.Tx
	a  *liteAdapter
}

func (t liteTxQuerier) Exec(ctx context.Context, q string, args ...any) (CommandTag, error) {
	start := time.Now()
	res, err := t.tx.ExecContext(ctx, rebind(q), args...)
	t.a.emit(ctx, q, args, start, err)
	return liteTag{res: res}, err
}

func (t liteTxQuerier) Query(ctx context.Context, q string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := t.tx.QueryContext(ctx, rebind(q), args...)
	t.a.emit(ctx, q, args, start, err)
	if err != nil {
		return nil, err
	}
	return &liteRows{r: rs}, nil
}

func (t liteTxQuerier) QueryRow(ctx context.Context, q string, args ...any) Row {
	start := time.Now()
	r := t.tx.QueryRowContext(ctx, rebind(q), args...)
	return row{
		r: r,
		after: func(scanErr error) {
			t.a.emit(ctx, q, args, start, scanErr)
		},
	}
}

// adapters for database/sql to our tiny Rows/CommandTag
// sql.Row already satisfies the Row seam via the pgx row wrapper

type liteRows struct{ r *sql.Rows }

func (x *liteRows) Next() bool            { return x.r.Next() }
func (x *liteRows) Scan(dst ...any) error { return x.r.Scan(dst...) }
func (x *liteRows) Err() error            { return x.r.Err() }
func (x *liteRows) Close()                { _ = x.r.Close() }
func (x *liteRows) Columns() []string {
	cols, err := x.r.Columns()
	if err != nil {
		return nil
	}
	return cols
}

type liteTag struct{ res sql.Result }

func (t liteTag) String() string {
	n := t.RowsAffected()
	if n == 1 {
		return "1 row"
	}
	return "rows"
}

func (t liteTag) RowsAffected() int64 {
	if t.res == nil {
		return 0
	}
	n, err := t.res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// rebind rewrites $N placeholders to sqlite's ?N form, leaving quoted
// literals untouched
func rebind(q string) string {
	if !strings.ContainsRune(q, '$') {
		return q
	}
	var b strings.Builder
	b.Grow(len(q))
	inQuote := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		if c == '\'' {
			inQuote = !inQuote
			b.WriteByte(c)
			continue
		}
		if !inQuote && c == '$' && i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
