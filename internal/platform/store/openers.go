package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"ehrbridge/internal/platform/store/pg"

	_ "github.com/mattn/go-sqlite3"
)

// openPG opens pg and wraps it with our sql adapter
func openPG(ctx context.Context, cfg Config, s *Store) (TxRunner, error) {
	var tracer pg.QueryTracer
	if cfg.PG.LogSQL {
		tracer = pg.Tracer(s.Log)
	}

	p, err := pg.Open(ctx, pg.Config{
		URL:      cfg.PG.URL,
		MaxConns: cfg.PG.MaxConns,
		SlowMs:   cfg.PG.SlowQueryMs,
	}, tracer, nil)
	if err != nil {
		return nil, err
	}

	// Connection guardrails: ping with retry/backoff using the *pool* directly
	const (
		maxAttempts    = 20
		pingTimeout    = 3 * time.Second
		backoffStart   = 150 * time.Millisecond
		backoffCeiling = 2 * time.Second
	)

	var lastErr error
	backoff := backoffStart
	for i := 0; i < maxAttempts; i++ {
		toCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = p.Pool.Ping(toCtx) // no adapter, no SQL trace line
		cancel()

		if lastErr == nil {
			return newPGAdapter(p), nil // publish adapter only after the pool is healthy
		}
		if ctx.Err() != nil {
			p.Close()
			return nil, ctx.Err()
		}
		time.Sleep(backoff)
		if backoff < backoffCeiling {
			backoff *= 2
			if backoff > backoffCeiling {
				backoff = backoffCeiling
			}
		}
	}

	p.Close()
	return nil, fmt.Errorf("postgres ping failed after %d attempts: %w", maxAttempts, lastErr)
}

// openLite opens the embedded sqlite backend via database/sql
func openLite(ctx context.Context, cfg Config, s *Store) (TxRunner, error) {
	busy := cfg.Lite.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}

	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(busy))
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")

	dsn := fmt.Sprintf("file:%s?%s", cfg.Lite.Path, q.Encode())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Writers serialize on the file lock anyway; one conn avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite open %q: %w", cfg.Lite.Path, err)
	}

	var tracer pg.QueryTracer
	if cfg.Lite.LogSQL {
		tracer = pg.Tracer(s.Log)
	}
	return newLiteAdapter(db, tracer, cfg.Lite.SlowQueryMs), nil
}
