package errors

import (
	stderrs "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLSTATE classes we care about
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
	sqlstateSerializationFail   = "40001"
	sqlstateDeadlockDetected    = "40P01"
	sqlstateCannotConnectNow    = "57P03"
	sqlstateAdminShutdown       = "57P01"
	sqlstateCrashShutdown       = "57P02"
)

// pgErr extracts a *pgconn.PgError if present
func pgErr(err error) (*pgconn.PgError, bool) {
	var pe *pgconn.PgError
	if stderrs.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// sqliteErr extracts a sqlite3.Error if present
func sqliteErr(err error) (sqlite3.Error, bool) {
	var se sqlite3.Error
	if stderrs.As(err, &se) {
		return se, true
	}
	return sqlite3.Error{}, false
}

// IsNoRows reports whether err is pgx.ErrNoRows (possibly wrapped)
func IsNoRows(err error) bool { return stderrs.Is(err, pgx.ErrNoRows) }

// IsUniqueViolation reports whether err is a unique constraint violation
// on either backend
func IsUniqueViolation(err error) bool {
	if pe, ok := pgErr(err); ok {
		return pe.Code == sqlstateUniqueViolation
	}
	if se, ok := sqliteErr(err); ok {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// IsForeignKeyViolation reports whether err is a FK violation
func IsForeignKeyViolation(err error) bool {
	if pe, ok := pgErr(err); ok {
		return pe.Code == sqlstateForeignKeyViolation
	}
	if se, ok := sqliteErr(err); ok {
		return se.Code == sqlite3.ErrConstraint && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// IsRetryable reports whether a database error is worth retrying.
// Serialization failures, deadlocks and connection-level failures qualify;
// constraint and syntax errors never do.
func IsRetryable(err error) bool {
	if pe, ok := pgErr(err); ok {
		switch pe.Code {
		case sqlstateSerializationFail, sqlstateDeadlockDetected,
			sqlstateCannotConnectNow, sqlstateAdminShutdown, sqlstateCrashShutdown:
			return true
		}
		// class 08 covers connection exceptions
		if len(pe.Code) >= 2 && pe.Code[:2] == "08" {
			return true
		}
		return false
	}
	if se, ok := sqliteErr(err); ok {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// MapDB converts a raw driver error into a coded *Error, passing through
// errors that are already ours
func MapDB(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	switch {
	case IsNoRows(err):
		return Wrap(err, ErrorCodeNotFound, msg)
	case IsUniqueViolation(err):
		return Wrap(err, ErrorCodeDuplicateKey, msg)
	case IsRetryable(err):
		return Wrap(err, ErrorCodeUnavailable, msg)
	default:
		return Wrap(err, ErrorCodeDB, msg)
	}
}
