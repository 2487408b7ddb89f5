package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL error codes classified by the retry policy.
const (
	pgCodeUniqueViolation      = "23505"
	pgCodeDeadlockDetected     = "40P01"
	pgCodeSerializationFailure = "40001"
)

// FailureKind classifies a database failure for the retry policy. The
// classification is a closed enum so callers never match on raw error
// code strings.
type FailureKind int

const (
	// FailureUnknown is any failure the classifier does not recognize.
	// Never retried.
	FailureUnknown FailureKind = iota

	// FailureDuplicateKey is a unique-constraint violation.
	FailureDuplicateKey

	// FailureDeadlock is a deadlock detected by the backing store.
	FailureDeadlock

	// FailureSerialization is a serialization conflict between concurrent
	// transactions.
	FailureSerialization
)

// String returns a human-readable name for the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureDuplicateKey:
		return "duplicate_key"
	case FailureDeadlock:
		return "deadlock"
	case FailureSerialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// Classify maps a database error to a FailureKind. It understands native
// PostgreSQL error codes and gorm's dialect-translated errors, so it works
// the same against postgres and the sqlite driver used in tests.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeUniqueViolation:
			return FailureDuplicateKey
		case pgCodeDeadlockDetected:
			return FailureDeadlock
		case pgCodeSerializationFailure:
			return FailureSerialization
		}
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return FailureDuplicateKey
	}

	return FailureUnknown
}

// ConnectionError indicates the pool could not be established or the
// liveness probe failed.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// statementPreviewLen bounds the statement text attached to a QueryError so
// failed bulk statements do not blow up log lines.
const statementPreviewLen = 120

// QueryError indicates a single statement failed outside a transaction. It
// carries a truncated preview of the statement, never the full text.
type QueryError struct {
	Preview  string
	Duration time.Duration
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed after %s: %v (statement: %s)",
		e.Duration, e.Err, e.Preview)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TransactionError is returned when a retryable transaction exhausts its
// retry budget. Non-retryable failures propagate unwrapped.
type TransactionError struct {
	Kind     FailureKind
	Attempts int
	Err      error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempts (%s): %v",
		e.Attempts, e.Kind, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// truncateStatement returns at most statementPreviewLen characters of a
// statement for error context.
func truncateStatement(stmt string) string {
	if len(stmt) <= statementPreviewLen {
		return stmt
	}

	return stmt[:statementPreviewLen] + "..."
}
